// Package secrets resolves ${secret:provider:key} references in
// configuration values.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrSecretNotFound is returned when a provider has no value for a key.
var ErrSecretNotFound = errors.New("secret not found")

// Provider is a source of secrets.
type Provider interface {
	// Name returns the provider name used in references.
	Name() string
	// GetSecret retrieves a secret by key.
	GetSecret(ctx context.Context, key string) (string, error)
	// Close cleans up provider resources.
	Close(ctx context.Context) error
}

// SecretRef references a secret to be injected.
type SecretRef struct {
	Provider string `json:"provider" yaml:"provider"`
	Key      string `json:"key" yaml:"key"`
}

func (r SecretRef) String() string {
	return r.Provider + ":" + r.Key
}

// Manager manages secret providers and injection.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates a new secret manager with the given providers.
func NewManager(providers ...Provider) *Manager {
	m := &Manager{providers: make(map[string]Provider)}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	return m
}

// RegisterProvider registers a secret provider.
func (m *Manager) RegisterProvider(provider Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := provider.Name()
	if _, exists := m.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	m.providers[name] = provider
	return nil
}

// ResolveSecret resolves a secret reference to its value.
func (m *Manager) ResolveSecret(ctx context.Context, ref SecretRef) (string, error) {
	m.mu.RLock()
	provider, ok := m.providers[ref.Provider]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("secret provider %q not registered", ref.Provider)
	}

	value, err := provider.GetSecret(ctx, ref.Key)
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", ref, err)
	}
	return value, nil
}

// secretPattern matches ${secret:provider:key}
var secretPattern = regexp.MustCompile(`\$\{secret:([^:}]+):([^}]+)\}`)

// References lists the secret references found in input.
func References(input string) []SecretRef {
	var refs []SecretRef
	for _, match := range secretPattern.FindAllStringSubmatch(input, -1) {
		refs = append(refs, SecretRef{Provider: match[1], Key: match[2]})
	}
	return refs
}

// InjectSecrets replaces every ${secret:provider:key} in input. All
// failures are reported together; unresolved references are left as-is.
func (m *Manager) InjectSecrets(ctx context.Context, input string) (string, error) {
	if !strings.Contains(input, "${secret:") {
		return input, nil
	}

	var errs []error
	result := secretPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := secretPattern.FindStringSubmatch(match)
		value, err := m.ResolveSecret(ctx, SecretRef{Provider: parts[1], Key: parts[2]})
		if err != nil {
			errs = append(errs, err)
			return match
		}
		return value
	})
	return result, errors.Join(errs...)
}

// InjectInto resolves references in each pointed-to string in place.
func (m *Manager) InjectInto(ctx context.Context, fields ...*string) error {
	var errs []error
	for _, f := range fields {
		if f == nil {
			continue
		}
		v, err := m.InjectSecrets(ctx, *f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f = v
	}
	return errors.Join(errs...)
}

// InjectSecretsInMap injects secrets into all string values in a map.
func (m *Manager) InjectSecretsInMap(ctx context.Context, input map[string]string) (map[string]string, error) {
	result := make(map[string]string, len(input))
	for k, v := range input {
		injected, err := m.InjectSecrets(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("failed to inject secret for key %s: %w", k, err)
		}
		result[k] = injected
	}
	return result, nil
}

// ListProviders returns the sorted names of all registered providers.
func (m *Manager) ListProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes all providers.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	for name, provider := range m.providers {
		if err := provider.Close(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to close providers: %s", strings.Join(errs, "; "))
	}
	return nil
}
