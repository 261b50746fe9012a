package types

import (
	"context"
	"errors"
	"fmt"
)

// Roles used in prompt messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrCompletionTimeout marks a completion that did not finish in time.
var ErrCompletionTimeout = errors.New("completion timed out")

// Message is one prior or current conversation turn.
type Message struct {
	Role    string
	Content string
}

// Prompt is the bounded input for one completion. The last message is the
// current user turn.
type Prompt struct {
	System   string
	Messages []Message
}

// Size returns the character footprint counted against context budgets.
func (p Prompt) Size() int {
	n := len(p.System)
	for _, m := range p.Messages {
		n += len(m.Role) + len(m.Content)
	}
	return n
}

// Result is the normalized completion payload.
type Result struct {
	Text     string
	Metadata Metadata
}

// Metadata carries provider/model identity and optional usage accounting.
type Metadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens     int64
	OutputTokens    int64
	TotalTokens     int64
	ReasoningTokens int64
	CacheReadTokens int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheReadTokens == 0
}

// CompletionError reports a failed completion call.
type CompletionError struct {
	Provider string
	Err      error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("%s completion: %v", e.Provider, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

// Wrap classifies err from provider as ErrCompletionTimeout when the call ran
// out of time, and as a *CompletionError otherwise.
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCompletionTimeout) {
		return &CompletionError{Provider: provider, Err: fmt.Errorf("%w: %w", ErrCompletionTimeout, err)}
	}
	return &CompletionError{Provider: provider, Err: err}
}
