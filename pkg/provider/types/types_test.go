package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapClassifiesTimeouts(t *testing.T) {
	err := Wrap("openai", fmt.Errorf("post: %w", context.DeadlineExceeded))

	var completionErr *CompletionError
	assert.ErrorAs(t, err, &completionErr)
	assert.Equal(t, "openai", completionErr.Provider)
	assert.ErrorIs(t, err, ErrCompletionTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrapKeepsOtherErrors(t *testing.T) {
	cause := errors.New("401 unauthorized")
	err := Wrap("fantasy", cause)

	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrCompletionTimeout)
	assert.Nil(t, Wrap("openai", nil))
}

func TestPromptSize(t *testing.T) {
	p := Prompt{System: "persona", Messages: []Message{{Role: RoleUser, Content: "hello"}}}
	assert.Equal(t, len("persona")+len("user")+len("hello"), p.Size())
}
