// Package static provides an in-memory configuration provider for embedding and tests.
package static

import (
	"context"
	"fmt"

	"github.com/tjfontaine/lead-dispatch/internal/pkg/config"
)

// Provider implements ports.ConfigProvider over a fixed Config.
type Provider struct {
	cfg *config.Config
}

// NewProvider wraps cfg. Nil means config.Default().
func NewProvider(cfg *config.Config) *Provider {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Provider{cfg: cfg}
}

func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("static config: %w", err)
	}
	return p.cfg, nil
}

// Watch never fires; static configuration does not change.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	return nil
}

func (p *Provider) Close() error { return nil }
