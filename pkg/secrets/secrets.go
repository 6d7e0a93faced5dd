// Package secrets abstracts where sensitive material comes from. Production
// deployments plug a managed secrets service behind Provider; development
// reads plain environment variables.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrNotFound means the provider has no value under the requested name.
var ErrNotFound = errors.New("secrets: not found")

// Provider resolves a named secret.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func NewEnvProvider() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// StaticProvider serves a fixed map; the test implementation.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticProvider(values map[string]string) *StaticProvider {
	if values == nil {
		values = make(map[string]string)
	}
	return &StaticProvider{values: values}
}

// Set stores a secret value.
func (p *StaticProvider) Set(name, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = value
}

func (p *StaticProvider) Get(_ context.Context, name string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}
