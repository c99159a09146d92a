package mcpsearch

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeSession struct {
	lastParams *mcp.CallToolParams
	result     *mcp.CallToolResult
	err        error
	closed     bool
}

func (f *fakeSession) CallTool(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.lastParams = params
	return f.result, f.err
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestSearchDecodesToolOutput(t *testing.T) {
	session := &fakeSession{result: &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: `[{"text":"first passage","score":0.9,"source":"kb/1"},{"text":"","score":0.5,"source":"kb/blank"}]`},
			&mcp.TextContent{Text: `[{"text":"second passage","score":1.4,"source":"kb/2"}]`},
		},
	}}
	client := newClient(session, "")

	passages, err := client.Search(context.Background(), "the question", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if session.lastParams.Name != "search" {
		t.Fatalf("tool name = %q, want the default", session.lastParams.Name)
	}
	args := session.lastParams.Arguments.(map[string]any)
	if args["query"] != "the question" || args["max_results"] != 10 {
		t.Fatalf("arguments = %+v", args)
	}
	if len(passages) != 2 {
		t.Fatalf("passages = %d, want empty text dropped", len(passages))
	}
	if passages[0].Locator != "kb/1" {
		t.Fatalf("locator = %q", passages[0].Locator)
	}
	if passages[1].Score != 1 {
		t.Fatalf("score not clamped: %v", passages[1].Score)
	}
}

func TestSearchHonorsMaxResults(t *testing.T) {
	session := &fakeSession{result: &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: `[{"text":"a","score":0.9},{"text":"b","score":0.8},{"text":"c","score":0.7}]`},
		},
	}}
	client := newClient(session, "lookup")
	passages, err := client.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if session.lastParams.Name != "lookup" {
		t.Fatalf("tool name = %q", session.lastParams.Name)
	}
	if len(passages) != 2 {
		t.Fatalf("passages = %d, want 2", len(passages))
	}
}

func TestSearchToolError(t *testing.T) {
	session := &fakeSession{result: &mcp.CallToolResult{IsError: true}}
	client := newClient(session, "")
	if _, err := client.Search(context.Background(), "q", 5); err == nil {
		t.Fatal("tool error reported as success")
	}
}

func TestSearchTransportError(t *testing.T) {
	session := &fakeSession{err: errors.New("pipe closed")}
	client := newClient(session, "")
	if _, err := client.Search(context.Background(), "q", 5); err == nil {
		t.Fatal("transport error reported as success")
	}
}

func TestSearchMalformedPayload(t *testing.T) {
	session := &fakeSession{result: &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "not json"}},
	}}
	client := newClient(session, "")
	if _, err := client.Search(context.Background(), "q", 5); err == nil {
		t.Fatal("malformed payload reported as success")
	}
}

func TestCloseIsNilSafe(t *testing.T) {
	var client *Client
	if err := client.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
	session := &fakeSession{}
	if err := newClient(session, "").Close(); err != nil || !session.closed {
		t.Fatalf("Close did not reach the session: err=%v closed=%v", err, session.closed)
	}
}
