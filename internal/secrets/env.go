package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvResolver resolves "env(NAME)" from the process environment.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve implements Resolver.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, bool, error) {
	scheme, name, ok := parseRef(ref)
	if !ok || scheme != "env" {
		return "", false, nil
	}
	if name == "" {
		return "", true, fmt.Errorf("empty variable name in %q", ref)
	}
	value, set := r.lookup(name)
	if !set {
		return "", true, fmt.Errorf("environment variable %q not set", name)
	}
	return value, true, nil
}

// FileResolver resolves "file(/path)" to the trimmed file contents, as used
// for mounted container secrets.
type FileResolver struct{}

// NewFileResolver creates a file secret resolver.
func NewFileResolver() *FileResolver { return &FileResolver{} }

// Resolve implements Resolver.
func (FileResolver) Resolve(_ context.Context, ref string) (string, bool, error) {
	scheme, path, ok := parseRef(ref)
	if !ok || scheme != "file" {
		return "", false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", true, fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), true, nil
}
