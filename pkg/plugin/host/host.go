// Package host loads external embedding plugins over go-plugin RPC.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/repograph/repograph/pkg/plugin/shared"
	"github.com/repograph/repograph/pkg/provider"
)

// EmbeddingPlugin wraps a running plugin process and exposes it as a
// provider.EmbeddingProvider. Close shuts down the process.
type EmbeddingPlugin struct {
	client *plugin.Client
	impl   shared.EmbeddingProvider
}

// LoadEmbedding starts the plugin binary at cmdPath and dispenses its
// embedding provider.
func LoadEmbedding(cmdPath string) (*EmbeddingPlugin, error) {
	if _, err := os.Stat(cmdPath); err != nil {
		return nil, fmt.Errorf("plugin binary not found: %s: %w", cmdPath, err)
	}

	slog.Info("loading embedding plugin", "path", cmdPath)

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "plugin",
		Level:  hclog.Warn,
		Output: os.Stderr,
	})

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: shared.Handshake,
		Plugins:         shared.PluginMap,
		Cmd:             exec.Command(cmdPath),
		Logger:          logger,
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolNetRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	raw, err := rpcClient.Dispense(string(shared.PluginTypeEmbedding))
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin: %w", err)
	}

	impl, ok := raw.(shared.EmbeddingProvider)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin does not implement EmbeddingProvider")
	}

	return &EmbeddingPlugin{client: client, impl: impl}, nil
}

// Name returns the provider name as reported by the plugin.
func (p *EmbeddingPlugin) Name() string {
	return p.impl.Name()
}

// Embed generates embeddings for the given texts.
func (p *EmbeddingPlugin) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return p.impl.Embed(texts)
}

// Dimensions returns the embedding dimensions.
func (p *EmbeddingPlugin) Dimensions() int {
	return p.impl.Dimensions()
}

// MaxBatchSize returns the maximum batch size.
func (p *EmbeddingPlugin) MaxBatchSize() int {
	return p.impl.MaxBatchSize()
}

// MaxInputChars returns the largest accepted input length. Plugins
// that do not report a bound get a conservative default.
func (p *EmbeddingPlugin) MaxInputChars() int {
	if n := p.impl.MaxInputChars(); n > 0 {
		return n
	}
	return 8192
}

// Close closes the plugin provider and kills the process.
func (p *EmbeddingPlugin) Close() error {
	err := p.impl.Close()
	p.client.Kill()
	return err
}

var _ provider.EmbeddingProvider = (*EmbeddingPlugin)(nil)
