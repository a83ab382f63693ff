// Package builtin registers all built-in providers with the default registry.
package builtin

import (
	tsChunker "github.com/repograph/repograph/builtin/chunking/treesitter"
	windowChunker "github.com/repograph/repograph/builtin/chunking/window"
	openaiEmbed "github.com/repograph/repograph/builtin/embedding/openai"
	"github.com/repograph/repograph/builtin/graphstore/sqlitevec"
	pluginHost "github.com/repograph/repograph/pkg/plugin/host"
	"github.com/repograph/repograph/pkg/provider"
)

func init() {
	// Embedding providers
	provider.RegisterEmbedding("openai", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		return openaiEmbed.New(openaiEmbed.Config{
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.Endpoint,
			BatchSize: cfg.BatchSize,
		}), nil
	})

	provider.RegisterEmbedding("plugin", func(cfg provider.EmbeddingConfig) (provider.EmbeddingProvider, error) {
		p, err := pluginHost.LoadEmbedding(cfg.PluginCmd)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Code chunkers
	provider.RegisterCodeChunker("treesitter", func(cfg provider.ChunkingConfig) (provider.CodeChunker, error) {
		return tsChunker.New(tsChunker.Config{}), nil
	})

	provider.RegisterCodeChunker("window", func(cfg provider.ChunkingConfig) (provider.CodeChunker, error) {
		return windowChunker.New(windowChunker.Config{
			WindowLines: cfg.WindowLines,
			Overlap:     cfg.Overlap,
		}), nil
	})

	// Graph stores
	provider.RegisterGraphStore("sqlitevec", func() (provider.GraphStore, error) {
		return sqlitevec.New(), nil
	})
}
