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
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sperax-labs/mccloud/chain"
)

// onBlockCreationHook filters or rewrites the pending cache immediately
// before it is sealed into a block.
type onBlockCreationHook func(map[chain.Sig]chain.Data) (map[chain.Sig]chain.Data, error)

// gatherTick runs the §4.6 self-check once, on the gather-tick period. It
// never blocks the caller: if this node should seal the next block, it
// launches the gathering goroutine and returns immediately.
func (p *Peer) gatherTick() {
	if p.cfg.Thin {
		return // thin nodes never seal blocks
	}
	nextAuthors := p.store.NextAuthors()
	pendingNonEmpty := p.store.PendingLen() > 0
	hasRoot := p.store.Root() != nil

	shouldSeal := checkIsMeNext(nextAuthors, p.known, p.pubKey, pendingNonEmpty, p.cfg.ForcedRestart, hasRoot)
	if !shouldSeal {
		return
	}

	if !atomic.CompareAndSwapInt32(&p.gathering, 0, 1) {
		return // a gathering attempt is already in flight
	}

	p.wg.Add(1)
	go p.gatherAndSeal(nextAuthors)
}

// gatherAndSeal implements the block-gathering state described in §4.6-4.7:
// wait one gather period, then seal if the pending cache is non-empty,
// looping on an empty cache until data arrives or shutdown is signalled.
func (p *Peer) gatherAndSeal(nextAuthors []chain.PubKey) {
	defer p.wg.Done()
	defer atomic.StoreInt32(&p.gathering, 0)

	ticker := time.NewTicker(p.cfg.DataGatherTime)
	defer ticker.Stop()

	for {
		select {
		case <-p.die:
			return
		case <-ticker.C:
			if p.store.PendingLen() == 0 {
				continue
			}

			forceAllowAuthor := p.cfg.ForcedRestart && p.allNextAuthorsOffline(nextAuthors)
			if err := p.sealBlock(nextAuthors, forceAllowAuthor); err != nil {
				p.log.Error("block creation attempt failed", zap.Error(err))
			}
			return
		}
	}
}

func (p *Peer) allNextAuthorsOffline(nextAuthors []chain.PubKey) bool {
	for _, a := range nextAuthors {
		if a != p.pubKey && p.known.contains(a) {
			return false
		}
	}
	return true
}

// sealBlock drains (through the installed hook, if any) the pending cache,
// signs a new block, appends it, broadcasts it, and publishes it to local
// subscribers. Nothing is appended before the store step, so a failure at
// any earlier step cannot corrupt the chain.
func (p *Peer) sealBlock(nextAuthors []chain.PubKey, forceAllowAuthor bool) error {
	hook := p.currentOnBlockCreation()
	if hook != nil {
		if err := p.store.FilterPending(hook); err != nil {
			return err
		}
	}

	candidates := pickCandidates(p.known.snapshot(), p.cfg.NextCandidates)

	block, err := p.store.CreateBlock(candidates, p.pubKey, p.priv)
	if err != nil {
		return err
	}

	if err := p.store.AddBlock(block, forceAllowAuthor); err != nil {
		return err
	}

	p.broadcast(&ShareBlock{Block: block}, nil)
	p.publishBlock(block)
	return nil
}

// currentOnBlockCreation returns the installed hook, if any.
func (p *Peer) currentOnBlockCreation() onBlockCreationHook {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	return p.onCreationHook
}

// SetOnBlockCreation registers hook to be called on every future block seal.
// A nil hook removes the current registration.
func (p *Peer) SetOnBlockCreation(hook onBlockCreationHook) {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()
	p.onCreationHook = hook
}
