// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package mccloud

import (
	"bytes"
	"math/rand"
	"sort"

	"github.com/sperax-labs/mccloud/chain"
)

// checkIsMeNext implements §4.6's self-check: given the chain's current
// next_authors, the known set, self, whether the pending cache currently
// holds anything, and whether forced_restart is enabled, it decides whether
// this node should seal the next block.
func checkIsMeNext(nextAuthors []chain.PubKey, known *membership, self chain.PubKey, pendingNonEmpty bool, forcedRestart bool, hasRoot bool) bool {
	// A single ordered scan: the first listed candidate that is either
	// still online or self decides the outcome. Self is never a member of
	// known, so checking known.contains first or self-equality first gives
	// the same result; this mirrors the original's literal loop order.
	for _, candidate := range nextAuthors {
		if known.contains(candidate) {
			return false
		}
		if candidate == self {
			return true
		}
	}

	// Liveness fallback: next_authors is empty or entirely offline.
	if !pendingNonEmpty {
		return false
	}
	if !hasRoot {
		// Bootstrapping the very first block never requires a non-empty
		// known set: a fully isolated node must still be able to seal its
		// own root (spec §8 Scenario 4 has two disconnected nodes, each
		// with an empty known set, each producing its own root block).
		return selfIsSmallest(known, self)
	}
	if !forcedRestart || known.len() == 0 {
		return false
	}
	return selfIsSmallest(known, self)
}

// selfIsSmallest implements the liveness fallback's deterministic tie-break:
// self seals iff it is the lexicographically smallest key in known ∪ {self}.
func selfIsSmallest(known *membership, self chain.PubKey) bool {
	roster := known.snapshot()
	roster = append(roster, self)
	sort.Slice(roster, func(i, j int) bool {
		return bytes.Compare(roster[i][:], roster[j][:]) < 0
	})
	return roster[0] == self
}

// pickCandidates draws up to n keys uniformly without replacement from
// pool, for the next block's next_choices.
func pickCandidates(pool []chain.PubKey, n int) []chain.PubKey {
	if n >= len(pool) {
		out := make([]chain.PubKey, len(pool))
		copy(out, pool)
		return out
	}
	shuffled := make([]chain.PubKey, len(pool))
	copy(shuffled, pool)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

// pickNeighbours draws up to count candidates from pool that are not in
// exclude and are not requester itself, for answering RequestNeighbours.
func pickNeighbours(pool []chain.PubKey, exclude []chain.PubKey, requester chain.PubKey, count int) []chain.PubKey {
	excludeSet := make(map[chain.PubKey]struct{}, len(exclude)+1)
	for _, k := range exclude {
		excludeSet[k] = struct{}{}
	}
	excludeSet[requester] = struct{}{}

	var eligible []chain.PubKey
	for _, k := range pool {
		if _, skip := excludeSet[k]; skip {
			continue
		}
		eligible = append(eligible, k)
	}
	return pickCandidates(eligible, count)
}
