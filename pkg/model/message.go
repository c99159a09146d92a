package model

import (
	"time"
	"unicode/utf8"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// TokenUsage records token statistics for one model interaction.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add merges another usage record into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// EstimateUsage approximates token counts for backends that do not report
// them. Rune-count based, so it overestimates for most tokenizers.
func EstimateUsage(input, output string) TokenUsage {
	in := utf8.RuneCountInString(input)
	out := utf8.RuneCountInString(output)
	return TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}
