package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPresence(t *testing.T) {
	s := newTestStore()

	_, known := s.Presence("u1")
	assert.False(t, known, "no event means unknown, not offline")

	require.NoError(t, s.ApplyPresence("u1", true))
	online, known := s.Presence("u1")
	assert.True(t, known)
	assert.True(t, online)

	require.NoError(t, s.ApplyPresence("u1", false))
	online, _ = s.Presence("u1")
	assert.False(t, online)

	assert.Len(t, s.PresenceEntries(), 1)
	assert.ErrorIs(t, s.ApplyPresence("", true), ErrInvalidInput)
}

func TestApplyPresence_ChangeOnlyOnTransition(t *testing.T) {
	s := newTestStore()
	count := 0
	s.Subscribe(func(c Change) {
		if c.Topic == TopicPresence {
			count++
		}
	})

	_ = s.ApplyPresence("u1", true)
	_ = s.ApplyPresence("u1", true)
	_ = s.ApplyPresence("u1", false)

	assert.Equal(t, 2, count)
}
