package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowRespectsPerSessionBurst(t *testing.T) {
	l := New(1000, 1000, 1, 2)
	assert.True(t, l.Allow("s1"))
	assert.True(t, l.Allow("s1"))
	assert.False(t, l.Allow("s1"))
}

func TestAllowTracksSessionsIndependently(t *testing.T) {
	l := New(1000, 1000, 1, 1)
	assert.True(t, l.Allow("s1"))
	assert.True(t, l.Allow("s2"))
	assert.False(t, l.Allow("s1"))
}

func TestAllowRespectsGlobalBudget(t *testing.T) {
	l := New(1, 1, 1000, 1000)
	assert.True(t, l.Allow("s1"))
	assert.False(t, l.Allow("s2"))
}
