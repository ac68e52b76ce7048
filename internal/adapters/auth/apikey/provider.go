// Package apikey provides API key-based caller authentication.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tjfontaine/lead-dispatch/internal/core/domain"
	"github.com/tjfontaine/lead-dispatch/internal/core/ports"
	"github.com/tjfontaine/lead-dispatch/internal/pkg/config"
)

// GlobalCallerKey is used for rate limiting when no caller identity exists.
const GlobalCallerKey = "global"

type caller struct {
	hash        []byte
	name        string
	description string
}

// Provider implements ports.AuthProvider using hashed API keys.
type Provider struct {
	mu             sync.RWMutex
	callers        []caller
	allowAnonymous bool
}

// NewProvider creates an API key auth provider from configuration.
func NewProvider(cfg *config.Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	p := &Provider{}
	if err := p.ReloadFromConfig(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Authenticate validates token and returns the caller identity. An empty
// token is admitted only when anonymous access is enabled.
func (p *Provider) Authenticate(ctx context.Context, token string) (*ports.AuthContext, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if token == "" {
		if p.allowAnonymous {
			return &ports.AuthContext{CallerKey: GlobalCallerKey, Anonymous: true}, nil
		}
		return nil, domain.ErrAuthentication("missing API key").WithCode(domain.ErrorCodeMissingAPIKey)
	}

	sum := sha256.Sum256([]byte(token))

	// Compare against every key so timing does not reveal which one matched.
	var match *caller
	for i := range p.callers {
		if subtle.ConstantTimeCompare(sum[:], p.callers[i].hash) == 1 {
			match = &p.callers[i]
		}
	}
	if match == nil {
		return nil, domain.ErrAuthentication("invalid API key").WithCode(domain.ErrorCodeInvalidAPIKey)
	}

	return &ports.AuthContext{
		CallerKey:   match.name,
		Description: match.description,
		KeyPrefix:   KeyPrefix(token),
	}, nil
}

// ReloadFromConfig swaps the key set atomically.
// This is called by the engine when config changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	callers := make([]caller, 0, len(cfg.Auth.APIKeys))
	for i, k := range cfg.Auth.APIKeys {
		raw, err := hex.DecodeString(k.KeyHash)
		if err != nil || len(raw) != sha256.Size {
			return fmt.Errorf("auth.api_keys[%d]: key_hash must be a hex sha256 digest", i)
		}
		name := k.Caller
		if name == "" {
			name = "key-" + k.KeyHash[:12]
		}
		callers = append(callers, caller{hash: raw, name: name, description: k.Description})
	}

	p.mu.Lock()
	p.callers = callers
	p.allowAnonymous = cfg.Auth.AllowAnonymous
	p.mu.Unlock()
	return nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// KeyPrefix returns a loggable prefix of a credential.
func KeyPrefix(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}
