package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_RemembersWithinWindow(t *testing.T) {
	c := New(50 * time.Millisecond)

	_, ok := c.SeqFor("s1", "x")
	require.False(t, ok)

	c.Remember("s1", "x", 7)
	seq, ok := c.SeqFor("s1", "x")
	require.True(t, ok)
	assert.Equal(t, uint64(7), seq)

	// a different session or clientInputId is a distinct key
	_, ok = c.SeqFor("s2", "x")
	assert.False(t, ok)
}

func TestCache_ExpiresAfterWindow(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Remember("s1", "x", 1)

	require.Eventually(t, func() bool {
		_, ok := c.SeqFor("s1", "x")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
