package embed

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szaher/recall/internal/faults"
)

type countingEmbedder struct {
	calls atomic.Int32
	next  Embedder
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.next.Embed(ctx, text)
}

type slowEmbedder struct{ delay time.Duration }

func (s slowEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	select {
	case <-time.After(s.delay):
		return []float32{1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model unloaded")
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("Normalize = %v", v)
	}
	zero := Normalize([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector changed: %v", zero)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 2}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, _ := e.Embed(ctx, "Find hotels in Ooty")
	b, _ := e.Embed(ctx, "find hotels in ooty!")
	c, _ := e.Embed(ctx, "quarterly revenue report")

	if len(a) != 64 {
		t.Fatalf("len = %d", len(a))
	}
	if got := Cosine(a, b); math.Abs(got-1) > 1e-6 {
		t.Errorf("same words should be identical, cosine = %v", got)
	}
	if Cosine(a, c) >= Cosine(a, b) {
		t.Error("unrelated text should be less similar")
	}
	if NewHashEmbedder(0).Dimensions() != DefaultHashDimensions {
		t.Error("default dimensions not applied")
	}
}

func TestIsZero(t *testing.T) {
	e := NewHashEmbedder(32)
	for _, text := range []string{"👍", "???", "!!", ""} {
		vec, _ := e.Embed(context.Background(), text)
		if !IsZero(vec) {
			t.Errorf("Embed(%q) has a direction: %v", text, vec)
		}
	}
	vec, _ := e.Embed(context.Background(), "ok 👍")
	if IsZero(vec) {
		t.Error("text with a word embedded to zero")
	}
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{next: NewHashEmbedder(16)}
	c, err := NewCached(inner, 100)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	first, err := c.Embed(ctx, "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	c.Wait()
	second, _ := c.Embed(ctx, "hello world")

	if Cosine(first, second) < 0.999 {
		t.Error("cached vector differs from computed vector")
	}
	if n := inner.calls.Load(); n > 2 {
		t.Errorf("inner embedder called %d times", n)
	}
}

func TestCachedEmbedderBoundsByCount(t *testing.T) {
	inner := &countingEmbedder{next: NewHashEmbedder(DefaultHashDimensions)}
	c, err := NewCached(inner, 2)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if _, err := c.Embed(ctx, "a long vector still counts once"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	c.Wait()
	if _, err := c.Embed(ctx, "a long vector still counts once"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("inner embedder called %d times, want 1", n)
	}
}

func TestWithTimeout(t *testing.T) {
	ctx := context.Background()

	_, err := WithTimeout(slowEmbedder{delay: time.Second}, 10*time.Millisecond).Embed(ctx, "x")
	if !faults.Is(err, faults.ServiceTimeout) {
		t.Errorf("expected ServiceTimeout, got %v", err)
	}

	_, err = WithTimeout(failingEmbedder{}, time.Second).Embed(ctx, "x")
	if !faults.Is(err, faults.Service) {
		t.Errorf("expected Service, got %v", err)
	}

	vec, err := WithTimeout(slowEmbedder{}, time.Second).Embed(ctx, "x")
	if err != nil || len(vec) != 1 {
		t.Errorf("got (%v, %v)", vec, err)
	}
}

type gatedEmbedder struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	g.calls.Add(1)
	<-g.release
	return []float32{1, 0}, nil
}

func TestCachedEmbedderSharesConcurrentMisses(t *testing.T) {
	inner := &gatedEmbedder{release: make(chan struct{})}
	c, err := NewCached(inner, 100)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer c.Close()

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Embed(context.Background(), "same text")
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(inner.release)
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Embed: %v", err)
		}
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("inner embedder called %d times, want 1", n)
	}
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	c, err := NewCached(failingEmbedder{}, 10)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	defer c.Close()
	for i := 0; i < 2; i++ {
		if _, err := c.Embed(context.Background(), "x"); err == nil {
			t.Fatal("expected error")
		}
	}
}
