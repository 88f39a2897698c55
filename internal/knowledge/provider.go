// Package knowledge implements the retrieval pipeline: token-bounded
// chunking, embedding through an ordered provider fallback chain, and
// nearest-neighbor queries against an embedded vector index.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/herdwork/corral/internal/config"
	"github.com/herdwork/corral/internal/fault"
)

// Provider is one embedding backend in the fallback chain. Each
// provider carries a fixed model and vector dimension.
type Provider interface {
	// Available reports whether the backend is reachable right now.
	// Unavailable providers are skipped, not treated as failures.
	Available(ctx context.Context) bool
	// Embed converts texts to vectors, one per input, all of
	// Dimension() width.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the fixed vector width for this provider/model.
	Dimension() int
	// Model names the embedding model.
	Model() string
}

// SelectProvider returns the first available provider in order, or
// fault.ErrProvider when none responds. Kept as a pure function over
// the slice so selection logic is testable without a chain.
func SelectProvider(ctx context.Context, providers []Provider) (Provider, error) {
	for _, p := range providers {
		if p.Available(ctx) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no embedding provider available (%d configured): %w", len(providers), fault.ErrProvider)
}

// Chain iterates providers in configured order, short-circuiting on
// the first success.
type Chain struct {
	providers []Provider
	logger    *slog.Logger
}

// NewChain builds a fallback chain. Order is significant.
func NewChain(providers []Provider, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{providers: providers, logger: logger}
}

// NewChainFromConfig constructs the configured providers.
func NewChainFromConfig(cfgs []config.ProviderConfig, logger *slog.Logger) (*Chain, error) {
	providers := make([]Provider, 0, len(cfgs))
	for i, pc := range cfgs {
		p, err := NewProviderFromConfig(pc)
		if err != nil {
			return nil, fmt.Errorf("provider %d: %w", i, err)
		}
		providers = append(providers, p)
	}
	return NewChain(providers, logger), nil
}

// NewProviderFromConfig builds a single provider from configuration.
func NewProviderFromConfig(pc config.ProviderConfig) (Provider, error) {
	switch pc.Type {
	case "ollama":
		return NewOllamaProvider(pc), nil
	case "openai":
		return NewOpenAIProvider(pc), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q (valid: ollama, openai)", pc.Type)
	}
}

// Active returns the first provider currently reporting available.
func (c *Chain) Active(ctx context.Context) (Provider, error) {
	return SelectProvider(ctx, c.providers)
}

// Embed runs texts through the chain: unavailable providers are
// skipped, a failing provider falls through to the next, and the
// first success wins. When every provider is skipped or fails the
// call reports fault.ErrProvider, retryable by the caller.
func (c *Chain) Embed(ctx context.Context, texts []string) ([][]float32, Provider, error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.Available(ctx) {
			c.logger.Debug("embedding provider unavailable, skipping", "model", p.Model())
			continue
		}
		vectors, err := p.Embed(ctx, texts)
		if err != nil {
			c.logger.Warn("embedding provider failed, falling back",
				"model", p.Model(), "error", err)
			lastErr = err
			continue
		}
		return vectors, p, nil
	}
	if lastErr != nil {
		return nil, nil, fmt.Errorf("embedding chain exhausted (last error: %v): %w", lastErr, fault.ErrProvider)
	}
	return nil, nil, fmt.Errorf("no embedding provider available: %w", fault.ErrProvider)
}
