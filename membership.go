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
	"sync"

	"github.com/sperax-labs/mccloud/chain"
)

// membership is the gossiped known set of non-thin peers believed to be
// online network-wide (spec §4.5). It never contains the local identity.
type membership struct {
	mu   sync.RWMutex
	self chain.PubKey
	set  map[chain.PubKey]struct{}
}

func newMembership(self chain.PubKey) *membership {
	return &membership{self: self, set: make(map[chain.PubKey]struct{})}
}

// insert adds pub unless it is the local identity or already present,
// reporting whether the set actually transitioned.
func (m *membership) insert(pub chain.PubKey) bool {
	if pub == m.self {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.set[pub]; ok {
		return false
	}
	m.set[pub] = struct{}{}
	return true
}

// remove deletes pub, reporting whether it was actually present.
func (m *membership) remove(pub chain.PubKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.set[pub]; !ok {
		return false
	}
	delete(m.set, pub)
	return true
}

// contains reports whether pub is believed online.
func (m *membership) contains(pub chain.PubKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.set[pub]
	return ok
}

// snapshot returns every known key, excluding self, in no particular order.
func (m *membership) snapshot() []chain.PubKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]chain.PubKey, 0, len(m.set))
	for pub := range m.set {
		out = append(out, pub)
	}
	return out
}

// len reports the known-set size, excluding self.
func (m *membership) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.set)
}
