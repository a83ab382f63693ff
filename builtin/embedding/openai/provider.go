// Package openai implements EmbeddingProvider using OpenAI's API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/repograph/repograph/pkg/provider"
)

// Default values
const (
	DefaultModel      = "text-embedding-3-small"
	DefaultBatchSize  = 100
	DefaultDimensions = 1536

	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Model dimensions for known models
var modelDimensions = map[string]int{
	"text-embedding-ada-002": 1536,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
}

// Model context windows (max tokens) for known models
var modelMaxTokens = map[string]int{
	"text-embedding-ada-002": 8191,
	"text-embedding-3-small": 8191,
	"text-embedding-3-large": 8191,
	"nomic-embed-text":       8192,
	"nomic-embed-text-v1.5":  8192,
}

// charsPerToken approximates the input character budget from the
// model's token window.
const charsPerToken = 4

// Config contains OpenAI provider configuration.
type Config struct {
	Model      string
	APIKey     string // If empty, uses OPENAI_API_KEY env var
	BaseURL    string // Optional: custom API endpoint
	BatchSize  int
	Dimensions int // Set to 0 to use default for model
}

// Provider implements the EmbeddingProvider interface for OpenAI.
type Provider struct {
	config     Config
	client     *openai.Client
	dimensions int
	mu         sync.RWMutex
}

// New creates a new OpenAI embedding provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	dimensions := cfg.Dimensions
	if dimensions == 0 {
		if d, ok := modelDimensions[cfg.Model]; ok {
			dimensions = d
		} else {
			dimensions = DefaultDimensions
		}
	}

	return &Provider{
		config:     cfg,
		client:     client,
		dimensions: dimensions,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Embed generates embeddings for the given texts. Inputs longer than
// MaxInputChars are truncated before sending. Transient API failures
// are retried with exponential backoff.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	maxChars := p.MaxInputChars()
	inputs := make([]string, len(texts))
	for i, t := range texts {
		if len(t) > maxChars {
			t = t[:maxChars]
		}
		inputs[i] = t
	}

	results := make([][]float32, len(inputs))

	for i := 0; i < len(inputs); i += p.config.BatchSize {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		end := i + p.config.BatchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		resp, err := p.createWithRetry(ctx, openai.EmbeddingRequest{
			Input: inputs[i:end],
			Model: openai.EmbeddingModel(p.config.Model),
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedding failed: %w", err)
		}

		for j, data := range resp.Data {
			results[i+j] = data.Embedding
		}

		if len(resp.Data) > 0 {
			p.mu.Lock()
			if p.dimensions != len(resp.Data[0].Embedding) {
				p.dimensions = len(resp.Data[0].Embedding)
			}
			p.mu.Unlock()
		}
	}

	return results, nil
}

func (p *Provider) createWithRetry(ctx context.Context, req openai.EmbeddingRequest) (openai.EmbeddingResponse, error) {
	var lastErr error
	backoff := initialBackoff

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return openai.EmbeddingResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := p.client.CreateEmbeddings(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			// Client errors other than rate limits do not resolve on retry.
			return openai.EmbeddingResponse{}, err
		}
	}

	return openai.EmbeddingResponse{}, lastErr
}

// Dimensions returns the embedding dimensions.
func (p *Provider) Dimensions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dimensions
}

// MaxBatchSize returns the maximum batch size.
func (p *Provider) MaxBatchSize() int {
	return p.config.BatchSize
}

// MaxInputChars returns the largest input accepted per text.
func (p *Provider) MaxInputChars() int {
	if maxTokens, ok := modelMaxTokens[p.config.Model]; ok {
		return maxTokens * charsPerToken
	}
	return 2048 * charsPerToken
}

// Close releases resources.
func (p *Provider) Close() error {
	return nil
}

var _ provider.EmbeddingProvider = (*Provider)(nil)
