package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextIDStartsAboveOffset(t *testing.T) {
	s := New()
	assert.Equal(t, "9001", string(s.NextID()))
	assert.Equal(t, "9002", string(s.NextID()))
	assert.Equal(t, "9003", string(s.NextID()))
}

func TestSessionsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.NextID()
	a.NextID()
	assert.Equal(t, "9001", string(b.NextID()))
	a.SetToken("one")
	assert.Empty(t, b.Token())
}

func TestSetToken(t *testing.T) {
	s := New()
	assert.Empty(t, s.Token())
	assert.False(t, s.SetToken(""))
	assert.True(t, s.SetToken("abc"))
	assert.False(t, s.SetToken("abc"))
	assert.False(t, s.SetToken(""))
	assert.Equal(t, "abc", s.Token())
	assert.True(t, s.SetToken("def"))
	assert.Equal(t, "def", s.Token())
}
