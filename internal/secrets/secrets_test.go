package secrets

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsRef(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"env(KEY)", true},
		{"file(/run/secrets/key)", true},
		{"sk-plain-literal", false},
		{"vault(x)", false},
		{"env(", false},
		{"(KEY)", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsRef(tt.in); got != tt.want {
			t.Errorf("IsRef(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("RECALL_TEST_SECRET", "secret-value-123")
	r := NewEnvResolver()
	ctx := context.Background()

	got, ok, err := r.Resolve(ctx, "env(RECALL_TEST_SECRET)")
	if err != nil || !ok || got != "secret-value-123" {
		t.Errorf("Resolve = %q, %v, %v", got, ok, err)
	}

	if _, ok, err := r.Resolve(ctx, "env(RECALL_TEST_UNSET_VAR)"); !ok || err == nil {
		t.Errorf("unset var: ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.Resolve(ctx, "env()"); !ok || err == nil {
		t.Errorf("empty name: ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.Resolve(ctx, "file(/x)"); ok || err != nil {
		t.Errorf("foreign scheme: ok=%v err=%v", ok, err)
	}
}

func TestFileResolver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  from-file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, ok, err := NewFileResolver().Resolve(context.Background(), "file("+path+")")
	if err != nil || !ok || got != "from-file-secret" {
		t.Errorf("Resolve = %q, %v, %v", got, ok, err)
	}
	if _, _, err := NewFileResolver().Resolve(context.Background(), "file(/does/not/exist)"); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestExpand(t *testing.T) {
	t.Setenv("RECALL_TEST_KEY", "resolved-key")
	ctx := context.Background()

	field := "env(RECALL_TEST_KEY)"
	v, err := Expand(ctx, Default(), "api_key", &field)
	if err != nil || v != "resolved-key" || field != "resolved-key" {
		t.Errorf("Expand = %q, %v; field %q", v, err, field)
	}

	literal := "plain"
	if v, err := Expand(ctx, Default(), "api_key", &literal); err != nil || v != "" || literal != "plain" {
		t.Errorf("literal changed: %q, %v, %q", v, err, literal)
	}

	missing := "env(RECALL_TEST_UNSET_VAR)"
	if _, err := Expand(ctx, Default(), "api_key", &missing); err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Errorf("err = %v", err)
	}
}

func TestRedactHandler(t *testing.T) {
	var buf bytes.Buffer
	h := NewRedactHandler(slog.NewTextHandler(&buf, nil))
	h.Add("super-secret-token", "", "abc")
	logger := slog.New(h).With("static", "super-secret-token")

	logger.Info("token super-secret-token leaked",
		"key", "super-secret-token",
		"err", errors.New("auth failed for super-secret-token"),
		slog.Group("req", "auth", "Bearer super-secret-token"),
		"short", "abc")

	out := buf.String()
	if strings.Contains(out, "super-secret-token") {
		t.Errorf("secret leaked: %s", out)
	}
	if strings.Count(out, Placeholder) != 5 {
		t.Errorf("expected 5 placeholders: %s", out)
	}
	if !strings.Contains(out, "short=abc") {
		t.Errorf("short value redacted: %s", out)
	}
}

func TestRedactHandlerNoSecrets(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewRedactHandler(slog.NewTextHandler(&buf, nil))).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello k=v") {
		t.Errorf("output = %q", buf.String())
	}
}
