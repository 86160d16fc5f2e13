// Package embed provides the embedding service used to index and query
// conversation messages by meaning.
package embed

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/szaher/recall/internal/faults"
)

// Embedder turns text into a fixed-dimension, unit-length vector. Identical
// input must yield identical output for a given model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Normalize scales vec to unit length in place and returns it. A zero
// vector is returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}

// IsZero reports whether vec has zero norm. Such a vector has no direction
// and cannot be compared by cosine similarity.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type timeoutEmbedder struct {
	next    Embedder
	timeout time.Duration
}

// WithTimeout bounds every Embed call by d and classifies failures as
// faults.ServiceTimeout or faults.Service.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	return &timeoutEmbedder{next: e, timeout: d}
}

func (e *timeoutEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vec, err := e.next.Embed(callCtx, text)
	if err == nil {
		return vec, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, faults.New(faults.ServiceTimeout, "embed", err)
	}
	return nil, faults.FromService("embed", err)
}
