package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDMChannelIDIsSymmetric(t *testing.T) {
	assert.Equal(t, "dm:alice:bob", DMChannelID("alice", "bob"))
	assert.Equal(t, "dm:alice:bob", DMChannelID("bob", "alice"))
}

func TestDMParticipants(t *testing.T) {
	a, b, ok := DMParticipants("dm:alice:bob")
	require.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	for _, id := range []string{"general", "dm:alice", "dm::bob", "dm:a:b:c"} {
		_, _, ok := DMParticipants(id)
		assert.False(t, ok, id)
	}
}

func TestEnvelopeDecode(t *testing.T) {
	env, err := NewEnvelope(EventTyping, TypingSignal{ChannelID: "general", UserID: "u1", IsTyping: true})
	require.NoError(t, err)
	assert.Equal(t, EventTyping, env.Event)

	var sig TypingSignal
	require.NoError(t, env.Decode(&sig))
	assert.Equal(t, "u1", sig.UserID)
	assert.True(t, sig.IsTyping)
}

func TestMessageBeforeBreaksTiesByID(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := Message{ID: 1, Timestamp: ts}
	b := Message{ID: 2, Timestamp: ts}
	c := Message{ID: 0, Timestamp: ts.Add(time.Second)}

	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
}
