package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/szaher/recall/internal/llm"
)

const defaultMaxResponseSize int64 = 1 << 20

// HTTPConfig describes an operator-defined tool backed by an HTTP endpoint.
type HTTPConfig struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Method      string                 `yaml:"method"`
	URL         string                 `yaml:"url"`
	Headers     map[string]string      `yaml:"headers,omitempty"`
	InputSchema map[string]interface{} `yaml:"input_schema,omitempty"`
	// MaxResponseBytes caps how much of the reply reaches the model.
	MaxResponseBytes int64 `yaml:"max_response_bytes,omitempty"`
}

// Definition returns the tool definition offered to the model.
func (c HTTPConfig) Definition() llm.ToolDefinition {
	schema := c.InputSchema
	if schema == nil {
		schema = map[string]interface{}{"type": "object"}
	}
	return llm.ToolDefinition{Name: c.Name, Description: c.Description, InputSchema: schema}
}

// HTTPExecutor calls an HTTP endpoint. GET and DELETE send the input as
// query parameters; other methods send it as a JSON body.
type HTTPExecutor struct {
	config      HTTPConfig
	client      *http.Client
	maxRespSize int64
}

// NewHTTPExecutor creates an executor. A nil client gets the SSRF-safe
// transport.
func NewHTTPExecutor(config HTTPConfig, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Transport: NewSafeTransport()}
	}
	limit := config.MaxResponseBytes
	if limit <= 0 {
		limit = defaultMaxResponseSize
	}
	return &HTTPExecutor{config: config, client: client, maxRespSize: limit}
}

// Execute sends the request and returns the sanitized response body.
func (e *HTTPExecutor) Execute(ctx context.Context, input map[string]interface{}) (string, error) {
	method := strings.ToUpper(e.config.Method)
	if method == "" {
		method = http.MethodGet
	}

	target := e.config.URL
	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		if len(input) > 0 {
			u, err := url.Parse(target)
			if err != nil {
				return "", fmt.Errorf("http tool: parse url: %w", err)
			}
			q := u.Query()
			for k, v := range input {
				q.Set(k, fmt.Sprint(v))
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
	default:
		data, err := json.Marshal(input)
		if err != nil {
			return "", fmt.Errorf("http tool: marshal input: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return "", fmt.Errorf("http tool: create request: %w", err)
	}
	for k, v := range e.config.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http tool: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, truncated, err := ReadBody(resp.Body, e.maxRespSize)
	if err != nil {
		return "", fmt.Errorf("http tool: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("http tool: status %d: %s", resp.StatusCode, SafeBodyString(respBody, resp.Header.Get("Content-Type")))
	}

	result := SafeBodyString(respBody, resp.Header.Get("Content-Type"))
	if truncated {
		result += fmt.Sprintf("\n[response truncated at %d bytes]", e.maxRespSize)
	}
	return result, nil
}

// ReadBody reads at most limit bytes and reports whether more were
// available. limit <= 0 uses the default.
func ReadBody(body io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		limit = defaultMaxResponseSize
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// SafeBodyString turns a response body into text for the model, defusing
// template delimiters and, for HTML, angle brackets.
func SafeBodyString(body []byte, contentType string) string {
	s := strings.NewReplacer("{{", "{ {", "}}", "} }").Replace(string(body))
	if strings.Contains(contentType, "text/html") {
		s = strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(s)
	}
	return s
}
