// Package websearch provides the web knowledge source: a search API client
// returning retrieval chunks, with optional full-page extraction via
// readability for richer chunk text.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/ragline/ragline/internal/knowledge"
)

// ErrNoAPIKey indicates the client was constructed without an API key.
var ErrNoAPIKey = errors.New("web search API key not configured")

const (
	defaultBaseURL  = "https://api.tavily.com"
	requestTimeout  = 15 * time.Second
	maxResponseSize = 10 << 20 // 10MB
	maxResults      = 6
)

// Client queries a Tavily-compatible search API.
type Client struct {
	apiKey    string
	baseURL   string
	http      *http.Client
	logger    *slog.Logger
	fetchPage bool
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the search API endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPageFetch enables fetching result pages and extracting their main
// content with readability, replacing the search snippets.
func WithPageFetch(enabled bool) Option {
	return func(c *Client) { c.fetchPage = enabled }
}

// New creates a web search client. An empty apiKey returns ErrNoAPIKey;
// callers treat that as "web search disabled".
func New(apiKey string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.With("component", "websearch"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type searchRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// RetrieveChunks searches the web and shapes the results as a knowledge
// bundle: one chunk per result, one doc aggregate per result URL.
func (c *Client) RetrieveChunks(ctx context.Context, query string) (knowledge.Bundle, error) {
	body, err := json.Marshal(searchRequest{
		APIKey:     c.apiKey,
		Query:      query,
		MaxResults: maxResults,
	})
	if err != nil {
		return knowledge.Bundle{}, fmt.Errorf("encoding search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return knowledge.Bundle{}, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return knowledge.Bundle{}, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return knowledge.Bundle{}, fmt.Errorf("search API returned status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&parsed); err != nil {
		return knowledge.Bundle{}, fmt.Errorf("decoding search response: %w", err)
	}

	var bundle knowledge.Bundle
	for _, r := range parsed.Results {
		content := r.Content
		if c.fetchPage {
			if full := c.extractPage(ctx, r.URL); full != "" {
				content = full
			}
		}
		bundle.Chunks = append(bundle.Chunks, knowledge.Chunk{
			Content:    content,
			DocID:      r.URL,
			DocName:    r.Title,
			Similarity: float32(r.Score),
		})
		bundle.DocAggs = append(bundle.DocAggs, knowledge.DocAgg{
			DocID:   r.URL,
			DocName: r.Title,
			Count:   1,
		})
	}
	bundle.Total = len(bundle.Chunks)

	c.logger.Debug("web search completed", "query_len", len(query), "results", bundle.Total)
	return bundle, nil
}

// extractPage fetches a result URL and extracts its readable main content.
// Failures degrade to the search snippet, never to an error.
func (c *Client) extractPage(ctx context.Context, pageURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("page fetch failed", "url", pageURL, "error", err)
		return ""
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ""
	}

	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, maxResponseSize), parsedURL)
	if err != nil {
		c.logger.Debug("readability extraction failed", "url", pageURL, "error", err)
		return ""
	}
	return article.TextContent
}
