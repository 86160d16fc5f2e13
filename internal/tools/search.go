package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/szaher/recall/internal/llm"
)

// DefaultTavilyEndpoint is Tavily's search API.
const DefaultTavilyEndpoint = "https://api.tavily.com/search"

const maxSnippetRunes = 300

// SearchConfig configures HotelSearch.
type SearchConfig struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	// HTTPClient overrides the SSRF-safe default client.
	HTTPClient *http.Client
}

// HotelSearch looks up hotels for a location through Tavily web search.
type HotelSearch struct {
	apiKey     string
	endpoint   string
	maxResults int
	client     *http.Client
}

// NewHotelSearch creates the search_hotels executor.
func NewHotelSearch(cfg SearchConfig) *HotelSearch {
	h := &HotelSearch{
		apiKey:     cfg.APIKey,
		endpoint:   cfg.Endpoint,
		maxResults: cfg.MaxResults,
		client:     cfg.HTTPClient,
	}
	if h.endpoint == "" {
		h.endpoint = DefaultTavilyEndpoint
	}
	if h.maxResults <= 0 {
		h.maxResults = 5
	}
	if h.client == nil {
		h.client = &http.Client{Transport: NewSafeTransport()}
	}
	return h
}

// HotelSearchDefinition is the schema offered to the model.
func HotelSearchDefinition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "search_hotels",
		Description: "Search the web for well-reviewed hotels in a city or area. Use it whenever the user asks about places to stay.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"location": map[string]interface{}{
					"type":        "string",
					"description": "City, neighbourhood or region, e.g. \"Lisbon\" or \"Shibuya, Tokyo\".",
					"minLength":   1,
				},
			},
			"required": []interface{}{"location"},
		},
	}
}

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Execute implements Executor.
func (h *HotelSearch) Execute(ctx context.Context, input map[string]interface{}) (string, error) {
	location, _ := input["location"].(string)
	location = strings.TrimSpace(location)
	if location == "" {
		return "", errors.New("location is required")
	}
	if h.apiKey == "" {
		return "", errors.New("hotel search is not configured (missing Tavily API key)")
	}

	payload, err := json.Marshal(tavilyRequest{
		Query:       "best hotels in " + location,
		MaxResults:  h.maxResults,
		SearchDepth: "basic",
	})
	if err != nil {
		return "", fmt.Errorf("search: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("search: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _, err := ReadBody(resp.Body, defaultMaxResponseSize)
	if err != nil {
		return "", fmt.Errorf("search: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search: status %d: %s", resp.StatusCode, SafeBodyString(body, resp.Header.Get("Content-Type")))
	}

	var out tavilyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("search: decode response: %w", err)
	}
	if len(out.Results) == 0 {
		return fmt.Sprintf("No hotels found for %s.", location), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Hotels in %s:\n", location)
	for i, r := range out.Results {
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, r.Title, r.URL)
		if snippet := truncateRunes(strings.TrimSpace(r.Content), maxSnippetRunes); snippet != "" {
			fmt.Fprintf(&b, "   %s\n", snippet)
		}
	}
	return SafeBodyString([]byte(strings.TrimRight(b.String(), "\n")), "text/plain"), nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
