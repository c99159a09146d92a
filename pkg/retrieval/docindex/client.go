// Package docindex is the HTTP client for the internal document-index
// search service.
package docindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/retrieval"
)

const defaultTimeout = 10 * time.Second

// Config holds connection parameters for the index service.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements retrieval.Searcher against the document index's
// POST /search endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ retrieval.Searcher = (*Client)(nil)

// New builds a client, filling defaults for zero values.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("docindex: base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Text   string  `json:"text"`
		Score  float64 `json:"score"`
		Source string  `json:"source"`
	} `json:"results"`
}

// Search queries the index. Connection failures and 5xx/429 responses are
// marked transient so callers can distinguish them from bad requests.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]retrieval.Passage, error) {
	body, err := json.Marshal(searchRequest{Query: query, MaxResults: maxResults})
	if err != nil {
		return nil, fmt.Errorf("docindex: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("docindex: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, model.MarkTransient(fmt.Errorf("docindex: search call: %w", err))
		}
		return nil, fmt.Errorf("docindex: search call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, model.MarkTransient(fmt.Errorf("docindex: search returned %s", resp.Status))
	default:
		return nil, fmt.Errorf("docindex: search returned %s", resp.Status)
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("docindex: decode response: %w", err)
	}
	passages := make([]retrieval.Passage, 0, len(payload.Results))
	for _, r := range payload.Results {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		passages = append(passages, retrieval.Passage{
			Text:    text,
			Score:   clampScore(r.Score),
			Locator: r.Source,
		})
	}
	return passages, nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
