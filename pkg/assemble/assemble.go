// Package assemble merges retrieved passages and conversation history into a
// token-bounded prompt for the selected model. Assembly is deterministic:
// identical inputs and budget produce byte-identical output.
package assemble

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cexll/answercore/pkg/model"
	"github.com/cexll/answercore/pkg/retrieval"
)

// ErrBudgetExceeded means an assembled context overran its budget. It should
// never escape this package: truncation is the designed mitigation, so seeing
// it indicates an assembler bug.
var ErrBudgetExceeded = errors.New("assemble: context budget exceeded")

// TokenCounter estimates token counts for a model family. Injected so exact
// tokenization stays out of the core.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter approximates tokens as len/CharsPerToken. Overestimates
// rarely, which only wastes budget, never overruns the window.
type HeuristicCounter struct {
	CharsPerToken int
}

// Count implements TokenCounter.
func (c HeuristicCounter) Count(text string) int {
	per := c.CharsPerToken
	if per <= 0 {
		per = 4
	}
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + per - 1) / per
}

// Context is the bounded prompt material actually selected for generation.
type Context struct {
	Passages    []retrieval.Passage
	Turns       []model.Message
	TotalTokens int
	Truncated   bool
}

// Assembler builds Contexts under a model's window.
type Assembler struct {
	Counter     TokenCounter
	MaxPassages int
	// MinScore drops passages below this relevance before fitting.
	MinScore float64
}

// Assemble merges passages from successful results with recent history,
// greedily filling contextWindow - reservedOutputTokens. Results marked
// error or empty contribute nothing. The invariant
// TotalTokens <= contextWindow - reservedOutputTokens always holds on return.
func (a *Assembler) Assemble(results []retrieval.Result, history []model.Message, contextWindow, reservedOutputTokens int) (Context, error) {
	budget := contextWindow - reservedOutputTokens
	if budget <= 0 {
		return Context{}, fmt.Errorf("%w: window %d reserves %d", ErrBudgetExceeded, contextWindow, reservedOutputTokens)
	}
	counter := a.Counter
	if counter == nil {
		counter = HeuristicCounter{}
	}

	candidates := a.rankPassages(results)
	out := Context{}
	remaining := budget
	for _, p := range candidates {
		if a.MaxPassages > 0 && len(out.Passages) >= a.MaxPassages {
			out.Truncated = true
			break
		}
		cost := counter.Count(renderPassage(p))
		if cost > remaining {
			out.Truncated = true
			continue
		}
		out.Passages = append(out.Passages, p)
		out.TotalTokens += cost
		remaining -= cost
	}

	// Most recent turns are most relevant; select from the tail, then
	// restore chronological order.
	var selected []model.Message
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		cost := counter.Count(string(turn.Role) + ": " + turn.Content)
		if cost > remaining {
			out.Truncated = true
			break
		}
		selected = append(selected, turn)
		out.TotalTokens += cost
		remaining -= cost
	}
	for i := len(selected) - 1; i >= 0; i-- {
		out.Turns = append(out.Turns, selected[i])
	}

	if out.TotalTokens > budget {
		return Context{}, fmt.Errorf("%w: assembled %d tokens into budget %d", ErrBudgetExceeded, out.TotalTokens, budget)
	}
	return out, nil
}

// rankPassages merges successful results, deduplicates by locator keeping the
// highest score, and orders by score descending with ties broken by source
// priority (document before web) then original position.
func (a *Assembler) rankPassages(results []retrieval.Result) []retrieval.Passage {
	type candidate struct {
		retrieval.Passage
		source retrieval.Source
		index  int
	}
	var merged []candidate
	next := 0
	for _, res := range results {
		if res.Status != retrieval.StatusSuccess {
			continue
		}
		for _, p := range res.Passages {
			if p.Score < a.MinScore || strings.TrimSpace(p.Text) == "" {
				continue
			}
			merged = append(merged, candidate{Passage: p, source: res.Source, index: next})
			next++
		}
	}

	best := make(map[string]int, len(merged))
	deduped := merged[:0]
	for _, c := range merged {
		if c.Locator == "" {
			deduped = append(deduped, c)
			continue
		}
		if at, seen := best[c.Locator]; seen {
			if c.Score > deduped[at].Score {
				deduped[at] = c
			}
			continue
		}
		best[c.Locator] = len(deduped)
		deduped = append(deduped, c)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].Score != deduped[j].Score {
			return deduped[i].Score > deduped[j].Score
		}
		if deduped[i].source != deduped[j].source {
			return sourceRank(deduped[i].source) < sourceRank(deduped[j].source)
		}
		return deduped[i].index < deduped[j].index
	})

	out := make([]retrieval.Passage, len(deduped))
	for i, c := range deduped {
		out[i] = c.Passage
	}
	return out
}

func sourceRank(s retrieval.Source) int {
	if s == retrieval.SourceDocument {
		return 0
	}
	return 1
}

// BuildRequest renders the assembled context into the system block and
// message list for one generation call. Deterministic.
func (c Context) BuildRequest(modelID, question string, params model.SamplingParams) model.Request {
	req := model.Request{
		Model:  modelID,
		System: answerSystemPrompt,
		Params: params,
	}
	if len(c.Passages) > 0 {
		var sb strings.Builder
		sb.WriteString(answerSystemPrompt)
		sb.WriteString("\n\nReference passages:\n")
		for i, p := range c.Passages {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, renderPassage(p))
		}
		req.System = sb.String()
	}
	req.Messages = append(req.Messages, c.Turns...)
	req.Messages = append(req.Messages, model.Message{Role: model.RoleUser, Content: question})
	return req
}

func renderPassage(p retrieval.Passage) string {
	if p.Locator == "" {
		return p.Text
	}
	return p.Text + " (" + p.Locator + ")"
}

const answerSystemPrompt = `You answer questions for users of a document-backed assistant.
Ground your answer in the reference passages when they are provided and cite them as [n].
If no passages are provided, answer from general knowledge and say so when it matters.`
