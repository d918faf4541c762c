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

// Package mccloud implements a gossiping, chain-replicating peer runtime:
// nodes exchange signed payloads, elect a rotating author for each block,
// and maintain an eventually-consistent membership view over plain or
// SOCKS5-tunneled TCP.
package mccloud

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/sperax-labs/mccloud/chain"
	"github.com/sperax-labs/mccloud/errs"
)

// dialRequest is one entry in the dialer queue: an address to reach, how
// many reconnect attempts remain, and the pubkey expected there if known.
type dialRequest struct {
	addr     string
	retries  int
	expected *chain.PubKey
}

// Peer is a single node in the network: it owns a chain Store, a gossiped
// membership view, and the listener/dialer/tick goroutines that keep both
// in sync with the rest of the network.
type Peer struct {
	cfg    Config
	priv   *btcec.PrivateKey
	pubKey chain.PubKey
	log    *zap.Logger

	store *chain.Store
	known *membership

	listener net.Listener
	dialer   proxy.Dialer

	sessionsMu sync.RWMutex
	sessions   map[chain.PubKey]*Session

	dialQueue chan dialRequest

	gathering      int32
	hookMu         sync.Mutex
	onCreationHook onBlockCreationHook

	subsMu sync.Mutex
	subs   []chan chain.Block

	die     chan struct{}
	dieOnce sync.Once
	wg      sync.WaitGroup
}

// New binds the listen socket, opens the chain store, and launches every
// background task described in spec §4.8.
func New(cfg Config, priv *btcec.PrivateKey, log *zap.Logger) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err)
	}

	store, err := chain.Open(cfg.DataDir, log)
	if err != nil {
		listener.Close()
		return nil, err
	}

	var dialer proxy.Dialer = proxy.Direct
	if cfg.Proxy != nil {
		dialer, err = proxy.SOCKS5("tcp", cfg.Proxy.Socks5Addr, nil, proxy.Direct)
		if err != nil {
			listener.Close()
			store.Close()
			return nil, errs.Wrap(errs.External, err)
		}
	}

	p := &Peer{
		cfg:       cfg,
		priv:      priv,
		pubKey:    chain.PubKeyFromPrivate(priv),
		log:       log,
		store:     store,
		dialer:    dialer,
		listener:  listener,
		sessions:  make(map[chain.PubKey]*Session),
		dialQueue: make(chan dialRequest, 256),
		die:       make(chan struct{}),
	}
	p.known = newMembership(p.pubKey)

	p.wg.Add(4)
	go p.acceptLoop()
	go p.dialLoop()
	go p.relationshipLoop()
	go p.gatherLoop()

	return p, nil
}

// Pubkey returns the local identity.
func (p *Peer) Pubkey() chain.PubKey { return p.pubKey }

// PubkeyHex renders the local identity as lowercase hex.
func (p *Peer) PubkeyHex() string { return p.pubKey.String() }

// Connect enqueues a dial to addr with the configured retry budget.
func (p *Peer) Connect(addr string) error {
	select {
	case <-p.die:
		return errs.New(errs.Sync, "peer is shutting down")
	case p.dialQueue <- dialRequest{addr: addr, retries: p.cfg.Relationship.Retry}:
		return nil
	default:
		return errs.New(errs.Sync, "dial queue is full")
	}
}

// Share signs payload, inserts it into the pending cache, and broadcasts
// ShareData to every session. It is a no-op if an identical signature is
// already cached.
func (p *Peer) Share(payload []byte) error {
	data, err := chain.NewData(payload, p.pubKey, p.priv)
	if err != nil {
		return err
	}
	if !p.store.AddPending(data) {
		return nil
	}
	p.broadcast(&ShareData{Data: data}, nil)
	return nil
}

// LastBlockSubscribe returns a channel delivering every block this node
// appends locally, from this point forward. The channel has a small buffer;
// blocks published while a subscriber's buffer is full are dropped for that
// subscriber rather than stalling the sealing path.
func (p *Peer) LastBlockSubscribe() <-chan chain.Block {
	ch := make(chan chain.Block, 16)
	p.subsMu.Lock()
	p.subs = append(p.subs, ch)
	p.subsMu.Unlock()
	return ch
}

func (p *Peer) publishBlock(b chain.Block) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- b:
		default:
			p.log.Warn("dropping block notification for a slow subscriber")
		}
	}
}

// BlockIter returns a lazy iterator over the whole chain from its root.
func (p *Peer) BlockIter() (*chain.BlockIterator, error) {
	return p.store.GetBlocks(nil)
}

// ClientPubkeys returns every peer currently directly connected.
func (p *Peer) ClientPubkeys() []chain.PubKey {
	p.sessionsMu.RLock()
	defer p.sessionsMu.RUnlock()
	out := make([]chain.PubKey, 0, len(p.sessions))
	for k := range p.sessions {
		out = append(out, k)
	}
	return out
}

// KnownPubkeys returns the full gossiped membership view.
func (p *Peer) KnownPubkeys() []chain.PubKey {
	return p.known.snapshot()
}

// Shutdown signals every background task to stop and releases the socket.
func (p *Peer) Shutdown() {
	p.dieOnce.Do(func() {
		close(p.die)
		p.listener.Close()

		p.sessionsMu.Lock()
		for _, s := range p.sessions {
			s.Close()
		}
		p.sessionsMu.Unlock()
	})
	p.wg.Wait()
	p.store.Close()
}

// acceptLoop is the listener task (spec §4.8.1).
func (p *Peer) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.die:
				return
			default:
				p.log.Error("accept failed", zap.Error(err))
				return
			}
		}
		go p.onAccepted(conn)
	}
}

func (p *Peer) onAccepted(conn net.Conn) {
	sess, peerGreeting, err := handshake(conn, p.localIdentity(), p.cfg.Thin, p.known.snapshot(), p.chainSnapshot())
	if err != nil {
		p.log.Debug("inbound handshake failed", zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	p.onSessionEstablished(sess, peerGreeting, 0, "")
}

// dialLoop is the dialer task (spec §4.8.2): a bounded queue of
// (address, retry-budget, optional expected pubkey).
func (p *Peer) dialLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.die:
			return
		case req := <-p.dialQueue:
			p.attemptDial(req)
		}
	}
}

func (p *Peer) attemptDial(req dialRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var conn net.Conn
	var err error
	if d, ok := p.dialer.(proxy.ContextDialer); ok {
		conn, err = d.DialContext(ctx, "tcp", req.addr)
	} else {
		conn, err = p.dialer.Dial("tcp", req.addr)
	}
	if err != nil {
		p.log.Debug("dial failed", zap.String("addr", req.addr), zap.Error(err))
		p.requeueOrLeave(req)
		return
	}

	sess, peerGreeting, err := handshake(conn, p.localIdentity(), p.cfg.Thin, p.known.snapshot(), p.chainSnapshot())
	if err != nil {
		p.log.Debug("outbound handshake failed", zap.String("addr", req.addr), zap.Error(err))
		conn.Close()
		p.requeueOrLeave(req)
		return
	}

	p.onSessionEstablished(sess, peerGreeting, req.retries, req.addr)
}

// requeueOrLeave implements trigger_leave: on dial failure with an expected
// pubkey and remaining budget, re-enqueue after the reconnect delay;
// otherwise, if a pubkey was expected, broadcast Leave for it.
func (p *Peer) requeueOrLeave(req dialRequest) {
	if req.expected != nil && req.retries > 0 {
		go func() {
			select {
			case <-p.die:
				return
			case <-time.After(p.cfg.Relationship.Reconnect):
			}
			select {
			case <-p.die:
			case p.dialQueue <- dialRequest{addr: req.addr, retries: req.retries - 1, expected: req.expected}:
			default:
				p.log.Warn("dial queue full, dropping reconnect attempt", zap.String("addr", req.addr))
			}
		}()
		return
	}
	if req.expected != nil {
		if p.known.remove(*req.expected) {
			p.broadcast(&Leave{PubKey: *req.expected}, nil)
		}
	}
}

func (p *Peer) localIdentity() localIdentity {
	return localIdentity{priv: p.priv, pubKey: p.pubKey, listenAddr: p.cfg.effectiveAnnounceAddr()}
}

func (p *Peer) chainSnapshot() chainSnapshot {
	return chainSnapshot{root: p.store.Root(), tip: p.store.Tip(), blockCount: p.store.Count()}
}

// onSessionEstablished performs the post-handshake actions of §4.2, stores
// the session, and spawns its reader.
func (p *Peer) onSessionEstablished(sess *Session, peerGreeting *Greeting, reconnectBudget int, dialAddr string) {
	sess.ReconnectBudget = reconnectBudget
	sess.DialAddr = dialAddr
	if dialAddr != "" {
		pk := peerGreeting.PubKey
		sess.ExpectedPubKey = &pk
	}

	p.sessionsMu.Lock()
	p.sessions[sess.PubKey] = sess
	p.sessionsMu.Unlock()

	if !peerGreeting.Thin {
		if p.known.insert(peerGreeting.PubKey) {
			p.broadcast(&Announce{PubKey: peerGreeting.PubKey}, sess)
		}
		for _, k := range peerGreeting.Known {
			if p.known.insert(k) {
				p.broadcast(&Announce{PubKey: k}, sess)
			}
		}
	}

	localRoot := p.store.Root()
	localCount := p.store.Count()
	if localRoot == nil || peerGreeting.BlockCount > localCount {
		if err := sess.Send(&RequestBlocks{Start: p.store.Tip()}); err != nil {
			p.log.Debug("catch-up request failed", zap.Error(err))
		}
	}

	p.wg.Add(1)
	go p.sessionReader(sess)
}

// sessionReader is the per-session reader task (spec §4.8.3).
func (p *Peer) sessionReader(sess *Session) {
	defer p.wg.Done()
	for {
		msg, err := sess.Receive()
		if err != nil {
			if errs.Is(err, errs.Disconnect) {
				p.log.Debug("session disconnected", zap.String("peer", sess.PubKey.String()))
			} else {
				p.log.Error("session error", zap.String("peer", sess.PubKey.String()), zap.Error(err))
			}
			break
		}
		if err := p.onMessage(sess, msg); err != nil {
			p.log.Error("message handling failed", zap.String("peer", sess.PubKey.String()), zap.Error(err))
		}
	}

	sess.Close()
	p.sessionsMu.Lock()
	delete(p.sessions, sess.PubKey)
	p.sessionsMu.Unlock()

	if sess.ExpectedPubKey != nil && sess.ReconnectBudget > 0 {
		select {
		case <-p.die:
		default:
			p.dialQueue <- dialRequest{addr: sess.DialAddr, retries: sess.ReconnectBudget, expected: sess.ExpectedPubKey}
		}
		return
	}

	if !sess.Thin {
		if p.known.remove(sess.PubKey) {
			p.broadcast(&Leave{PubKey: sess.PubKey}, nil)
		}
	}
}

// onMessage dispatches one decoded message from sess.
func (p *Peer) onMessage(sess *Session, msg Message) error {
	switch m := msg.(type) {
	case *ShareData:
		if p.store.AddPending(m.Data) {
			p.broadcast(&ShareData{Data: m.Data}, sess)
		}
	case *ShareBlock:
		if err := p.store.AddBlock(m.Block, false); err != nil {
			if errs.Is(err, errs.Chain) {
				p.log.Debug("rejected block", zap.Error(err))
				return nil
			}
			return err
		}
		p.publishBlock(m.Block)
		p.broadcast(&ShareBlock{Block: m.Block}, sess)
	case *RequestBlocks:
		return p.handleRequestBlocks(sess, m)
	case *RequestedBlock:
		if err := p.store.AddBlock(m.Block, false); err != nil && !errs.Is(err, errs.Chain) {
			return err
		}
	case *RequestNeighbours:
		return p.handleRequestNeighbours(sess, m)
	case *IntroduceNeighbours:
		p.handleIntroduceNeighbours(m)
	case *Announce:
		if p.known.insert(m.PubKey) {
			p.broadcast(&Announce{PubKey: m.PubKey}, sess)
		}
	case *Leave:
		if p.known.remove(m.PubKey) {
			p.broadcast(&Leave{PubKey: m.PubKey}, sess)
		}
	case *Greeting:
		return errs.New(errs.Protocol, "unexpected Greeting after handshake")
	}
	return nil
}

func (p *Peer) handleRequestBlocks(sess *Session, req *RequestBlocks) error {
	it, err := p.store.GetBlocks(req.Start)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		blk, err := it.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			// A per-item decode/IO failure does not end the stream (spec
			// §4.4): skip the bad entry and keep serving the rest.
			p.log.Warn("skipping undecodable block while streaming RequestBlocks", zap.Error(err))
			continue
		}
		if err := sess.Send(&RequestedBlock{Block: blk}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) handleRequestNeighbours(sess *Session, req *RequestNeighbours) error {
	p.sessionsMu.RLock()
	candidates := make(map[chain.PubKey]string, len(p.sessions))
	for k, s := range p.sessions {
		if !s.Thin {
			candidates[k] = s.ListenAddr
		}
	}
	p.sessionsMu.RUnlock()

	pool := make([]chain.PubKey, 0, len(candidates))
	for k := range candidates {
		pool = append(pool, k)
	}
	picked := pickNeighbours(pool, req.Exclude, sess.PubKey, int(req.Count))
	if len(picked) == 0 {
		return nil
	}

	neighbours := make([]neighbour, len(picked))
	for i, k := range picked {
		neighbours[i] = neighbour{PubKey: k, Addr: candidates[k]}
	}
	return sess.Send(&IntroduceNeighbours{Neighbours: neighbours})
}

func (p *Peer) handleIntroduceNeighbours(m *IntroduceNeighbours) {
	p.sessionsMu.RLock()
	connected := len(p.sessions)
	p.sessionsMu.RUnlock()

	need := p.cfg.Relationship.Count - connected
	if need <= 0 {
		return
	}

	rand.Shuffle(len(m.Neighbours), func(i, j int) { m.Neighbours[i], m.Neighbours[j] = m.Neighbours[j], m.Neighbours[i] })

	for _, n := range m.Neighbours {
		if need <= 0 {
			break
		}
		p.sessionsMu.RLock()
		_, connected := p.sessions[n.PubKey]
		p.sessionsMu.RUnlock()
		if connected {
			continue
		}
		pk := n.PubKey
		select {
		case p.dialQueue <- dialRequest{addr: n.Addr, retries: p.cfg.Relationship.Retry, expected: &pk}:
			need--
		default:
			p.log.Warn("dial queue full, dropping neighbour introduction")
		}
	}
}

// relationshipLoop is the relationship-maintenance tick (spec §4.8.4).
func (p *Peer) relationshipLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Relationship.Time)
	defer ticker.Stop()

	for {
		select {
		case <-p.die:
			return
		case <-ticker.C:
			p.sessionsMu.RLock()
			count := len(p.sessions)
			exclude := make([]chain.PubKey, 0, count)
			for k := range p.sessions {
				exclude = append(exclude, k)
			}
			p.sessionsMu.RUnlock()

			if count >= p.cfg.Relationship.Count || count == 0 {
				continue
			}
			req := &RequestNeighbours{Count: uint32(p.cfg.Relationship.Count - count), Exclude: exclude}
			p.broadcast(req, nil)
		}
	}
}

// gatherLoop is the gather tick (spec §4.8.5): periodic self-check for
// "am I the next author?".
func (p *Peer) gatherLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.DataGatherTime)
	defer ticker.Stop()

	for {
		select {
		case <-p.die:
			return
		case <-ticker.C:
			p.gatherTick()
		}
	}
}

// broadcast sends m to every session except except (if non-nil).
func (p *Peer) broadcast(m Message, except *Session) {
	p.sessionsMu.RLock()
	defer p.sessionsMu.RUnlock()
	for _, s := range p.sessions {
		if except != nil && s == except {
			continue
		}
		if err := s.Send(m); err != nil {
			p.log.Debug("broadcast send failed", zap.String("peer", s.PubKey.String()), zap.Error(err))
		}
	}
}
