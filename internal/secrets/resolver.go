// Package secrets resolves credential references in configuration and keeps
// resolved values out of the logs.
//
// A reference is "env(NAME)" or "file(/path)". Any other string is a literal
// and passes through unchanged.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve looks up ref. ok is false when ref is not in a form the
	// resolver handles.
	Resolve(ctx context.Context, ref string) (value string, ok bool, err error)
}

// parseRef splits "scheme(arg)" into its parts.
func parseRef(ref string) (scheme, arg string, ok bool) {
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", false
	}
	return ref[:open], ref[open+1 : len(ref)-1], true
}

// IsRef reports whether s looks like a secret reference.
func IsRef(s string) bool {
	scheme, _, ok := parseRef(s)
	return ok && (scheme == "env" || scheme == "file")
}

// Chain tries each resolver in turn.
type Chain []Resolver

// Default resolves env() and file() references.
func Default() Chain {
	return Chain{NewEnvResolver(), NewFileResolver()}
}

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, ref string) (string, bool, error) {
	for _, r := range c {
		v, ok, err := r.Resolve(ctx, ref)
		if ok || err != nil {
			return v, ok, err
		}
	}
	return "", false, nil
}

// Expand resolves *field in place when it holds a reference and returns the
// resolved value ("" for literals).
func Expand(ctx context.Context, r Resolver, name string, field *string) (string, error) {
	if !IsRef(*field) {
		return "", nil
	}
	v, ok, err := r.Resolve(ctx, *field)
	if err != nil {
		return "", fmt.Errorf("secrets: %s: %w", name, err)
	}
	if !ok {
		return "", fmt.Errorf("secrets: %s: unsupported reference %q", name, *field)
	}
	*field = v
	return v, nil
}
