package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowGrantsUpToBurst(t *testing.T) {
	l := New(60, 600, 3)
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("u1", false))
	}
	require.False(t, l.Allow("u1", false))
}

func TestPremiumUserGetsSeparateHigherBucket(t *testing.T) {
	l := New(60, 600, 2)
	require.True(t, l.Allow("u1", false))
	require.True(t, l.Allow("u1", false))
	require.False(t, l.Allow("u1", false))

	// A different user, even at the premium tier, gets its own bucket.
	require.True(t, l.Allow("u2", true))
}

func TestBucketsAreIsolatedPerUser(t *testing.T) {
	l := New(60, 600, 1)
	require.True(t, l.Allow("u1", false))
	require.False(t, l.Allow("u1", false))
	require.True(t, l.Allow("u2", false))
}
