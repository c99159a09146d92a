// Package mcpsearch adapts a document index exposed as an MCP tool server to
// the retrieval.Searcher contract. The index process speaks MCP over stdio;
// each search is one tool call.
package mcpsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cexll/answercore/pkg/retrieval"
)

const defaultToolName = "search"

// toolCaller is the slice of ClientSession the client needs; narrowed for
// test doubles.
type toolCaller interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Client implements retrieval.Searcher over one MCP session.
type Client struct {
	session toolCaller
	tool    string
}

var _ retrieval.Searcher = (*Client)(nil)

// Connect spawns the index command and performs the MCP handshake.
func Connect(ctx context.Context, command string, args []string, tool string) (*Client, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("mcpsearch: command is required")
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "answercore", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: exec.Command(command, args...)}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpsearch: connect: %w", err)
	}
	return newClient(session, tool), nil
}

func newClient(session toolCaller, tool string) *Client {
	if strings.TrimSpace(tool) == "" {
		tool = defaultToolName
	}
	return &Client{session: session, tool: tool}
}

// Close tears down the MCP session and the index process.
func (c *Client) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	return c.session.Close()
}

// passagePayload is the JSON shape the search tool returns in its text
// content.
type passagePayload struct {
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
	Source string  `json:"source"`
}

// Search issues one tool call and decodes the JSON passages from its text
// content blocks.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]retrieval.Passage, error) {
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name: c.tool,
		Arguments: map[string]any{
			"query":       query,
			"max_results": maxResults,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mcpsearch: call tool %s: %w", c.tool, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("mcpsearch: tool %s reported an error", c.tool)
	}
	var passages []retrieval.Passage
	for _, content := range res.Content {
		text, ok := content.(*mcp.TextContent)
		if !ok || strings.TrimSpace(text.Text) == "" {
			continue
		}
		decoded, err := decodePassages(text.Text)
		if err != nil {
			return nil, err
		}
		passages = append(passages, decoded...)
	}
	if maxResults > 0 && len(passages) > maxResults {
		passages = passages[:maxResults]
	}
	return passages, nil
}

func decodePassages(raw string) ([]retrieval.Passage, error) {
	var payload []passagePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("mcpsearch: decode tool output: %w", err)
	}
	passages := make([]retrieval.Passage, 0, len(payload))
	for _, p := range payload {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		score := p.Score
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		passages = append(passages, retrieval.Passage{Text: p.Text, Score: score, Locator: p.Source})
	}
	return passages, nil
}
