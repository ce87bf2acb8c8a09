package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

// EnvProvider provides secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates a new environment variable provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string {
	return "env"
}

// GetSecret retrieves a secret from environment variables.
func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, error) {
	envKey := p.prefix + key
	value, ok := os.LookupEnv(envKey)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: environment variable %s", ErrSecretNotFound, envKey)
	}
	return value, nil
}

func (p *EnvProvider) Close(context.Context) error {
	return nil
}

// FileProvider provides secrets from files, one secret per file.
type FileProvider struct {
	basePath string
}

// NewFileProvider creates a new file-based secret provider.
func NewFileProvider(basePath string) *FileProvider {
	return &FileProvider{basePath: basePath}
}

func (p *FileProvider) Name() string {
	return "file"
}

// GetSecret reads a secret from a file below the base path.
func (p *FileProvider) GetSecret(_ context.Context, key string) (string, error) {
	clean := filepath.Clean("/" + key)
	path := filepath.Join(p.basePath, clean)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: file %s", ErrSecretNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *FileProvider) Close(context.Context) error {
	return nil
}

// DefaultKeyringService is the keyring service secrets are stored under.
const DefaultKeyringService = "moniwatch"

// KeyringProvider provides secrets from the OS keyring.
type KeyringProvider struct {
	service string
}

// NewKeyringProvider creates a keyring provider for service.
func NewKeyringProvider(service string) *KeyringProvider {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringProvider{service: service}
}

func (p *KeyringProvider) Name() string {
	return "keyring"
}

// GetSecret reads key from the keyring.
func (p *KeyringProvider) GetSecret(_ context.Context, key string) (string, error) {
	value, err := keyring.Get(p.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: keyring %s/%s", ErrSecretNotFound, p.service, key)
	}
	if err != nil {
		return "", fmt.Errorf("keyring lookup failed: %w", err)
	}
	return value, nil
}

// SetSecret stores key in the keyring.
func (p *KeyringProvider) SetSecret(key, value string) error {
	return keyring.Set(p.service, key, value)
}

// DeleteSecret removes key from the keyring.
func (p *KeyringProvider) DeleteSecret(key string) error {
	err := keyring.Delete(p.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: keyring %s/%s", ErrSecretNotFound, p.service, key)
	}
	return err
}

func (p *KeyringProvider) Close(context.Context) error {
	return nil
}
