package assemble

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/retrieval"
)

func successResult(source retrieval.Source, passages ...retrieval.Passage) retrieval.Result {
	return retrieval.Result{Source: source, Status: retrieval.StatusSuccess, Passages: passages}
}

func TestAssembleOrdersByScoreThenSource(t *testing.T) {
	a := &Assembler{}
	results := []retrieval.Result{
		successResult(retrieval.SourceDocument,
			retrieval.Passage{Text: "doc low", Score: 0.3, Locator: "kb/1"},
			retrieval.Passage{Text: "doc tie", Score: 0.8, Locator: "kb/2"},
		),
		successResult(retrieval.SourceWeb,
			retrieval.Passage{Text: "web tie", Score: 0.8, Locator: "https://a"},
			retrieval.Passage{Text: "web high", Score: 0.9, Locator: "https://b"},
		),
	}
	ctx, err := a.Assemble(results, nil, 100000, 1000)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	var got []string
	for _, p := range ctx.Passages {
		got = append(got, p.Text)
	}
	want := []string{"web high", "doc tie", "web tie", "doc low"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("passage order = %v, want %v", got, want)
	}
}

func TestAssembleSkipsFailedAndEmptyResults(t *testing.T) {
	a := &Assembler{}
	results := []retrieval.Result{
		{Source: retrieval.SourceDocument, Status: retrieval.StatusError, Passages: []retrieval.Passage{{Text: "should not appear", Score: 1}}},
		{Source: retrieval.SourceWeb, Status: retrieval.StatusEmpty},
		successResult(retrieval.SourceWeb, retrieval.Passage{Text: "kept", Score: 0.5}),
	}
	ctx, err := a.Assemble(results, nil, 100000, 1000)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(ctx.Passages) != 1 || ctx.Passages[0].Text != "kept" {
		t.Fatalf("passages = %+v, want only the successful one", ctx.Passages)
	}
}

func TestAssembleDeduplicatesByLocator(t *testing.T) {
	a := &Assembler{}
	results := []retrieval.Result{
		successResult(retrieval.SourceDocument, retrieval.Passage{Text: "older copy", Score: 0.4, Locator: "kb/7"}),
		successResult(retrieval.SourceWeb, retrieval.Passage{Text: "better copy", Score: 0.9, Locator: "kb/7"}),
	}
	ctx, err := a.Assemble(results, nil, 100000, 1000)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(ctx.Passages) != 1 {
		t.Fatalf("duplicate locator kept %d passages", len(ctx.Passages))
	}
	if ctx.Passages[0].Text != "better copy" {
		t.Fatalf("dedup kept %q, want the higher-scored copy", ctx.Passages[0].Text)
	}
}

func TestAssembleMinScoreFloor(t *testing.T) {
	a := &Assembler{MinScore: 0.5}
	results := []retrieval.Result{
		successResult(retrieval.SourceDocument,
			retrieval.Passage{Text: "relevant", Score: 0.7},
			retrieval.Passage{Text: "noise", Score: 0.2},
		),
	}
	ctx, err := a.Assemble(results, nil, 100000, 1000)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(ctx.Passages) != 1 || ctx.Passages[0].Text != "relevant" {
		t.Fatalf("passages = %+v, want the low-score one dropped", ctx.Passages)
	}
}

func TestAssembleRespectsMaxPassages(t *testing.T) {
	a := &Assembler{MaxPassages: 2}
	results := []retrieval.Result{
		successResult(retrieval.SourceDocument,
			retrieval.Passage{Text: "one", Score: 0.9},
			retrieval.Passage{Text: "two", Score: 0.8},
			retrieval.Passage{Text: "three", Score: 0.7},
		),
	}
	ctx, err := a.Assemble(results, nil, 100000, 1000)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(ctx.Passages) != 2 {
		t.Fatalf("kept %d passages, want 2", len(ctx.Passages))
	}
	if !ctx.Truncated {
		t.Fatal("truncation not reported when passages were dropped")
	}
}

func TestAssembleHistoryKeepsMostRecentTurns(t *testing.T) {
	// Budget of 25 tokens fits roughly two short turns, never all four.
	a := &Assembler{}
	history := []model.Message{
		{Role: model.RoleUser, Content: strings.Repeat("a", 40)},
		{Role: model.RoleAssistant, Content: strings.Repeat("b", 40)},
		{Role: model.RoleUser, Content: "recent question"},
		{Role: model.RoleAssistant, Content: "recent answer"},
	}
	ctx, err := a.Assemble(nil, history, 25, 5)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(ctx.Turns) == 0 || len(ctx.Turns) == len(history) {
		t.Fatalf("kept %d of %d turns, want a strict recent subset", len(ctx.Turns), len(history))
	}
	// Chronological order within the kept suffix.
	last := ctx.Turns[len(ctx.Turns)-1]
	if last.Content != "recent answer" {
		t.Fatalf("last kept turn = %q, want the newest one", last.Content)
	}
	if !ctx.Truncated {
		t.Fatal("truncation not reported when history was dropped")
	}
}

func TestAssembleBudgetExceededOnImpossibleWindow(t *testing.T) {
	a := &Assembler{}
	if _, err := a.Assemble(nil, nil, 100, 100); err == nil {
		t.Fatal("Assemble accepted a zero token budget")
	}
}

func TestAssembleBudgetInvariantRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := &Assembler{}
	for i := 0; i < 200; i++ {
		var results []retrieval.Result
		for s := 0; s < 2; s++ {
			source := retrieval.SourceDocument
			if s == 1 {
				source = retrieval.SourceWeb
			}
			var passages []retrieval.Passage
			for p := 0; p < rng.Intn(8); p++ {
				passages = append(passages, retrieval.Passage{
					Text:    strings.Repeat("x", 1+rng.Intn(400)),
					Score:   rng.Float64(),
					Locator: fmt.Sprintf("loc-%d", rng.Intn(6)),
				})
			}
			results = append(results, retrieval.Result{Source: source, Status: retrieval.StatusSuccess, Passages: passages})
		}
		var history []model.Message
		for h := 0; h < rng.Intn(6); h++ {
			history = append(history, model.Message{Role: model.RoleUser, Content: strings.Repeat("h", 1+rng.Intn(200))})
		}
		window := 50 + rng.Intn(500)
		reserved := 1 + rng.Intn(window-1)
		ctx, err := a.Assemble(results, history, window, reserved)
		if err != nil {
			t.Fatalf("iteration %d: Assemble: %v", i, err)
		}
		if ctx.TotalTokens > window-reserved {
			t.Fatalf("iteration %d: %d tokens exceeds budget %d", i, ctx.TotalTokens, window-reserved)
		}
	}
}

func TestAssembleDeterministic(t *testing.T) {
	a := &Assembler{MaxPassages: 5}
	results := []retrieval.Result{
		successResult(retrieval.SourceDocument,
			retrieval.Passage{Text: "alpha", Score: 0.8, Locator: "kb/1"},
			retrieval.Passage{Text: "beta", Score: 0.8, Locator: "kb/2"},
		),
		successResult(retrieval.SourceWeb,
			retrieval.Passage{Text: "gamma", Score: 0.8, Locator: "https://g"},
		),
	}
	history := []model.Message{{Role: model.RoleUser, Content: "earlier"}}

	first, err := a.Assemble(results, history, 2000, 100)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	req1 := first.BuildRequest("m", "question", model.SamplingParams{})
	for i := 0; i < 10; i++ {
		again, err := a.Assemble(results, history, 2000, 100)
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		req2 := again.BuildRequest("m", "question", model.SamplingParams{})
		if !reflect.DeepEqual(req1, req2) {
			t.Fatalf("assembly not deterministic:\n%+v\n%+v", req1, req2)
		}
	}
}

func TestBuildRequestNumbersPassages(t *testing.T) {
	ctx := Context{
		Passages: []retrieval.Passage{
			{Text: "first fact", Locator: "kb/1"},
			{Text: "second fact", Locator: "https://example.com"},
		},
		Turns: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}
	req := ctx.BuildRequest("big", "the question", model.SamplingParams{Temperature: 0.2})
	if !strings.Contains(req.System, "[1] first fact (kb/1)") {
		t.Fatalf("system prompt missing numbered passage: %q", req.System)
	}
	if !strings.Contains(req.System, "[2] second fact (https://example.com)") {
		t.Fatalf("system prompt missing second passage: %q", req.System)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want history turn plus question", len(req.Messages))
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != model.RoleUser || last.Content != "the question" {
		t.Fatalf("final message = %+v, want the user question", last)
	}
}

func TestHeuristicCounter(t *testing.T) {
	c := HeuristicCounter{}
	if got := c.Count(""); got != 0 {
		t.Fatalf("Count(empty) = %d", got)
	}
	if got := c.Count("abcd"); got != 1 {
		t.Fatalf("Count(4 chars) = %d, want 1", got)
	}
	if got := c.Count("abcde"); got != 2 {
		t.Fatalf("Count(5 chars) = %d, want 2 (round up)", got)
	}
}
