package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves secrets from process environment variables.
// Missing keys are omitted from the result.
type EnvVarProvider struct{}

// NewEnvVarProvider creates an EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch looks up each key with os.LookupEnv.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
