package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCeilings() map[Tier]int {
	return map[Tier]int{
		TierPublic:  5,
		TierAPIKey:  10,
		TierPartner: 20,
	}
}

func TestAllow_CeilingBoundary(t *testing.T) {
	l := New(testCeilings(), time.Minute)

	for i := 0; i < 5; i++ {
		res := l.Allow("1.2.3.4", TierPublic)
		require.Truef(t, res.Allowed, "request %d within ceiling", i+1)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, 4-i, res.Remaining)
	}

	res := l.Allow("1.2.3.4", TierPublic)
	assert.False(t, res.Allowed, "6th request in window denied")
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.False(t, res.ResetAt.IsZero())
}

func TestAllow_WindowReset(t *testing.T) {
	l := New(testCeilings(), 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("k", TierPublic).Allowed)
	}
	assert.False(t, l.Allow("k", TierPublic).Allowed)

	time.Sleep(60 * time.Millisecond)
	res := l.Allow("k", TierPublic)
	assert.True(t, res.Allowed, "first request after reset allowed")
	assert.Equal(t, 4, res.Remaining, "count reset, not decremented")
}

func TestAllow_IdentifiersAndTiersAreIndependent(t *testing.T) {
	l := New(testCeilings(), time.Minute)

	for i := 0; i < 5; i++ {
		require.True(t, l.Allow("a", TierPublic).Allowed)
	}
	assert.False(t, l.Allow("a", TierPublic).Allowed)
	assert.True(t, l.Allow("b", TierPublic).Allowed, "other identifier unaffected")

	res := l.Allow("a", TierAPIKey)
	assert.True(t, res.Allowed, "same identifier, different tier has its own window")
	assert.Equal(t, 10, res.Limit)
}

func TestAllow_UnknownTierFallsBackToPublic(t *testing.T) {
	l := New(testCeilings(), time.Minute)
	res := l.Allow("x", Tier("gold"))
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Limit)
}

func TestPurge_KeepsInFlightWindows(t *testing.T) {
	l := New(testCeilings(), 50*time.Millisecond)

	l.Allow("old", TierPublic)
	time.Sleep(60 * time.Millisecond)
	l.Allow("fresh", TierPublic)

	removed := l.Purge()
	assert.Equal(t, 1, removed)

	// The fresh window survived with its count intact.
	res := l.Allow("fresh", TierPublic)
	assert.Equal(t, 3, res.Remaining)
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, TierPartner, ParseTier("partner"))
	assert.Equal(t, TierAPIKey, ParseTier("api_key"))
	assert.Equal(t, TierPublic, ParseTier(""))
	assert.Equal(t, TierPublic, ParseTier("nope"))
}
