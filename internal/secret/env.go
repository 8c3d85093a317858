package secret

import (
	"context"
	"fmt"
	"os"
)

// EnvResolver reads credentials from environment variables.
// The path is the variable name: "env://OPENAI_API_KEY".
type EnvResolver struct{}

// NewEnvResolver creates an environment-variable resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

// Get returns the variable's value; unset variables are an error so a typo
// in a reference surfaces instead of routing with an empty key.
func (r *EnvResolver) Get(ctx context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op.
func (r *EnvResolver) Close() error { return nil }
