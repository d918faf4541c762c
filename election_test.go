package mccloud

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sperax-labs/mccloud/chain"
)

func newPub(t *testing.T) chain.PubKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return chain.PubKeyFromPrivate(priv)
}

func TestCheckIsMeNextDefersToEarlierOnlineCandidate(t *testing.T) {
	self := newPub(t)
	other := newPub(t)

	known := newMembership(self)
	known.insert(other)

	assert.False(t, checkIsMeNext([]chain.PubKey{other, self}, known, self, true, false, true))
}

func TestCheckIsMeNextTrueWhenSelfIsEarliestOnline(t *testing.T) {
	self := newPub(t)
	other := newPub(t)

	known := newMembership(self)
	// other is a candidate but not online; self is online (itself).
	assert.True(t, checkIsMeNext([]chain.PubKey{self, other}, known, self, true, false, true))
}

func TestCheckIsMeNextLivenessFallbackPicksSmallestSortedKey(t *testing.T) {
	self := newPub(t)
	other := newPub(t)

	known := newMembership(self)
	known.insert(other)
	otherKnown := newMembership(other)
	otherKnown.insert(self)

	got := checkIsMeNext(nil, known, self, true, true, false)
	gotOther := checkIsMeNext(nil, otherKnown, other, true, true, false)
	assert.NotEqual(t, got, gotOther, "exactly one of the two should win the fallback tie-break")
}

func TestCheckIsMeNextLivenessFallbackRequiresForcedRestartWhenRootExists(t *testing.T) {
	self := newPub(t)
	other := newPub(t)

	known := newMembership(self)
	known.insert(other)

	assert.False(t, checkIsMeNext(nil, known, self, true, false, true))
}

func TestCheckIsMeNextLivenessFallbackRequiresPendingData(t *testing.T) {
	self := newPub(t)
	known := newMembership(self)

	assert.False(t, checkIsMeNext(nil, known, self, false, true, false))
}

func TestCheckIsMeNextBootstrapSealsWithEmptyKnownSet(t *testing.T) {
	self := newPub(t)
	known := newMembership(self)

	// A fully isolated node, with no root yet and no known peers, must
	// still be able to seal its own root block (spec §8 Scenario 4).
	assert.True(t, checkIsMeNext(nil, known, self, true, false, false))
}

func TestCheckIsMeNextLivenessFallbackRequiresKnownSetWhenRootExists(t *testing.T) {
	self := newPub(t)
	known := newMembership(self)

	// Once a root exists, an isolated node with no known peers must not
	// unilaterally force a new block even with forced_restart enabled.
	assert.False(t, checkIsMeNext(nil, known, self, true, true, true))
}

func TestPickCandidatesRespectsUpperBound(t *testing.T) {
	pool := []chain.PubKey{newPub(t), newPub(t), newPub(t), newPub(t)}
	picked := pickCandidates(pool, 2)
	assert.Len(t, picked, 2)

	seen := make(map[chain.PubKey]bool)
	for _, p := range picked {
		assert.False(t, seen[p], "no duplicates expected")
		seen[p] = true
	}
}

func TestPickCandidatesReturnsWholePoolWhenSmaller(t *testing.T) {
	pool := []chain.PubKey{newPub(t), newPub(t)}
	picked := pickCandidates(pool, 5)
	assert.Len(t, picked, 2)
}

func TestPickNeighboursExcludesRequesterAndExcludeSet(t *testing.T) {
	requester := newPub(t)
	excluded := newPub(t)
	eligible := newPub(t)

	picked := pickNeighbours([]chain.PubKey{requester, excluded, eligible}, []chain.PubKey{excluded}, requester, 5)
	assert.Equal(t, []chain.PubKey{eligible}, picked)
}
