package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundwave/pkg/link"
)

func fragment(env string, idx int, total int, data string) link.Fragment {
	return link.Fragment{NodeID: "!a1", EnvelopeID: env, Index: idx, Total: total, Data: []byte(data), Direct: true}
}

func TestReassembleInOrderIsByteExact(t *testing.T) {
	r := NewReassembler(time.Minute, nil)
	text := "héllo wörld, 73 de mesh"

	parts := []string{text[:5], text[5:13], text[13:]}
	for i, p := range parts[:2] {
		_, ok := r.Add("mesh", fragment("e1", i, 3, p))
		assert.False(t, ok)
	}
	env, ok := r.Add("mesh", fragment("e1", 2, 3, parts[2]))
	require.True(t, ok)
	assert.Equal(t, text, env.Text)
	assert.Equal(t, "e1", env.ID)
	assert.Equal(t, "mesh", env.Link)
	assert.Equal(t, 0, r.Pending())
}

func TestReassembleOutOfOrderAndDuplicates(t *testing.T) {
	r := NewReassembler(time.Minute, nil)

	_, ok := r.Add("mesh", fragment("e1", 1, 2, "world"))
	assert.False(t, ok)
	_, ok = r.Add("mesh", fragment("e1", 1, 2, "XXXXX"))
	assert.False(t, ok)
	_, ok = r.Add("mesh", fragment("e1", 5, 2, "bogus"))
	assert.False(t, ok)

	env, ok := r.Add("mesh", fragment("e1", 0, 2, "hello "))
	require.True(t, ok)
	assert.Equal(t, "hello world", env.Text)
}

func TestSingleFragmentPassesThrough(t *testing.T) {
	r := NewReassembler(time.Minute, nil)
	env, ok := r.Add("mesh", link.Fragment{NodeID: "!a1", Data: []byte("!ping")})
	require.True(t, ok)
	assert.Equal(t, "!ping", env.Text)
	assert.NotEmpty(t, env.ID)
}

func TestEnvelopesAreKeyedPerSender(t *testing.T) {
	r := NewReassembler(time.Minute, nil)

	a := fragment("e1", 0, 2, "a-")
	b := fragment("e1", 0, 2, "b-")
	b.NodeID = "!b2"
	r.Add("mesh", a)
	r.Add("mesh", b)
	assert.Equal(t, 2, r.Pending())

	tail := fragment("e1", 1, 2, "end")
	tail.NodeID = "!b2"
	env, ok := r.Add("mesh", tail)
	require.True(t, ok)
	assert.Equal(t, "b-end", env.Text)
	assert.Equal(t, "!b2", env.SenderID)
}

func TestExpireReportsIncompleteMessage(t *testing.T) {
	now := time.Now()
	r := NewReassembler(time.Second, nil)
	r.now = func() time.Time { return now }

	r.Add("mesh", fragment("e1", 0, 3, "part"))
	assert.Empty(t, r.Expire())

	now = now.Add(2 * time.Second)
	expired := r.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, 1, expired[0].Received)
	assert.Equal(t, 3, expired[0].Total)
	assert.True(t, errors.Is(expired[0].Err, ErrIncompleteMessage))
	assert.Equal(t, 0, r.Pending())
}

func TestStaleBufferIsReplacedOnNewFragment(t *testing.T) {
	now := time.Now()
	r := NewReassembler(time.Second, nil)
	r.now = func() time.Time { return now }

	r.Add("mesh", fragment("e1", 0, 2, "old-"))
	now = now.Add(2 * time.Second)

	_, ok := r.Add("mesh", fragment("e1", 1, 2, "tail"))
	assert.False(t, ok)
	assert.Equal(t, 1, r.Pending())
}
