// Package websearch implements the live web search collaborator against the
// DuckDuckGo HTML endpoint. No API key required; results are parsed out of
// the returned markup.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	xhtml "golang.org/x/net/html"

	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/retrieval"
)

const (
	defaultEndpoint = "https://html.duckduckgo.com/html/"
	defaultTimeout  = 8 * time.Second
	maxSnippetLen   = 600
)

// Config holds connection parameters for the search endpoint.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client implements retrieval.Searcher over the HTML search endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ retrieval.Searcher = (*Client)(nil)

// New builds a client, filling defaults for zero values.
func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// Search posts the query and parses result blocks. Scores are rank-derived:
// the endpoint exposes no relevance signal, so position is the best proxy.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]retrieval.Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("websearch: query is empty")
	}
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("websearch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return nil, model.MarkTransient(fmt.Errorf("websearch: search call: %w", err))
		}
		return nil, fmt.Errorf("websearch: search call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("websearch: search returned %s", resp.Status)
	}

	doc, err := xhtml.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("websearch: parse response: %w", err)
	}
	hits := collectResults(doc)
	if maxResults > 0 && len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	passages := make([]retrieval.Passage, 0, len(hits))
	for i, hit := range hits {
		text := hit.snippet
		if text == "" {
			text = hit.title
		}
		if text == "" {
			continue
		}
		text = truncateSnippet(text)
		passages = append(passages, retrieval.Passage{
			Text:    text,
			Score:   rankScore(i),
			Locator: hit.url,
		})
	}
	return passages, nil
}

// truncateSnippet caps snippet length without cutting through a rune.
func truncateSnippet(text string) string {
	if len(text) <= maxSnippetLen {
		return text
	}
	cut := maxSnippetLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// rankScore maps result position to a descending score in (0,1].
func rankScore(i int) float64 {
	return 1 / (1 + float64(i))
}

type webHit struct {
	title   string
	url     string
	snippet string
}

func collectResults(doc *xhtml.Node) []webHit {
	var hits []webHit
	walk(doc, func(n *xhtml.Node) {
		if n.Type != xhtml.ElementNode || n.Data != "div" || !hasClass(n, "result") {
			return
		}
		hit := parseResult(n)
		if hit.url != "" || hit.title != "" {
			hits = append(hits, hit)
		}
	})
	return hits
}

func parseResult(n *xhtml.Node) webHit {
	var hit webHit
	walk(n, func(child *xhtml.Node) {
		if child.Type != xhtml.ElementNode {
			return
		}
		switch {
		case child.Data == "a" && hasClass(child, "result__a"):
			hit.title = strings.TrimSpace(textContent(child))
			if href := attrValue(child, "href"); href != "" {
				hit.url = cleanResultURL(href)
			}
		case hasClass(child, "result__snippet"):
			hit.snippet = strings.TrimSpace(textContent(child))
		case hasClass(child, "result__url") && hit.url == "":
			hit.url = strings.TrimSpace(textContent(child))
		}
	})
	return hit
}

// cleanResultURL unwraps the redirect the endpoint wraps external links in.
func cleanResultURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
	}
	return href
}

func walk(n *xhtml.Node, fn func(*xhtml.Node)) {
	fn(n)
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walk(child, fn)
	}
}

func hasClass(n *xhtml.Node, class string) bool {
	for _, field := range strings.Fields(attrValue(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attrValue(n *xhtml.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *xhtml.Node) string {
	var sb strings.Builder
	walk(n, func(child *xhtml.Node) {
		if child.Type == xhtml.TextNode {
			sb.WriteString(child.Data)
		}
	})
	return sb.String()
}
