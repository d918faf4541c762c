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
	"net"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/sperax-labs/mccloud/chain"
	"github.com/sperax-labs/mccloud/errs"
)

// Session is one authenticated, encrypted connection to a remote peer: the
// frame codec state for both directions plus the identity learned at
// handshake. It is created on successful handshake and destroyed on I/O
// error, explicit leave, or shutdown (spec §3 Peer lifetime).
type Session struct {
	conn net.Conn

	PubKey     chain.PubKey
	ListenAddr string
	Thin       bool

	send *aeadState
	recv *aeadState

	writeMu sync.Mutex

	// ReconnectBudget is how many more times the dialer will re-enqueue
	// this peer's address after this session drops. Zero means the peer
	// should be treated as left rather than retried.
	ReconnectBudget int
	ExpectedPubKey  *chain.PubKey
	DialAddr        string
}

// localIdentity carries this node's handshake-time state.
type localIdentity struct {
	priv       *btcec.PrivateKey
	pubKey     chain.PubKey
	listenAddr string
}

// chainSnapshot is the subset of chain state advertised in a Greeting.
type chainSnapshot struct {
	root       *chain.Hash
	tip        *chain.Hash
	blockCount uint64
}

// handshake performs the §4.2 protocol over conn and returns an
// authenticated Session plus the peer's Greeting (the caller uses it to
// update membership and decide whether to request a catch-up sync).
func handshake(conn net.Conn, local localIdentity, thin bool, known []chain.PubKey, chainState chainSnapshot) (*Session, *Greeting, error) {
	localGreeting := &Greeting{
		Version:    CurrentVersion,
		PubKey:     local.pubKey,
		ListenAddr: local.listenAddr,
		Root:       chainState.root,
		Tip:        chainState.tip,
		BlockCount: chainState.blockCount,
		Thin:       thin,
		Known:      known,
	}

	if err := writeGreeting(conn, localGreeting, defaultFrameTimeout); err != nil {
		return nil, nil, err
	}

	peerGreeting, err := readGreeting(conn, defaultFrameTimeout)
	if err != nil {
		return nil, nil, err
	}

	if !CurrentVersion.Compatible(peerGreeting.Version) {
		return nil, nil, errs.New(errs.Protocol, "peer version is incompatible")
	}
	if chainState.root != nil && peerGreeting.Root != nil && *chainState.root != *peerGreeting.Root {
		return nil, nil, errs.New(errs.Protocol, "peer chain root does not match")
	}

	peerPub, err := peerGreeting.PubKey.Parse()
	if err != nil {
		return nil, nil, err
	}

	sendKey, recvKey, err := deriveDirectionKeys(local.priv, peerPub, local.pubKey, peerGreeting.PubKey)
	if err != nil {
		return nil, nil, err
	}

	sendGCM, err := newAEAD(sendKey)
	if err != nil {
		return nil, nil, err
	}
	recvGCM, err := newAEAD(recvKey)
	if err != nil {
		return nil, nil, err
	}

	sess := &Session{
		conn:       conn,
		PubKey:     peerGreeting.PubKey,
		ListenAddr: peerGreeting.ListenAddr,
		Thin:       peerGreeting.Thin,
		send:       &aeadState{gcm: sendGCM},
		recv:       &aeadState{gcm: recvGCM},
	}

	return sess, peerGreeting, nil
}

// Send encrypts and writes m to the peer. Safe for concurrent use.
func (s *Session) Send(m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, s.send, m, defaultFrameTimeout)
}

// Receive blocks until the next frame arrives, decrypts, and decodes it.
// Only the per-session reader goroutine calls this, so it needs no lock.
func (s *Session) Receive() (Message, error) {
	return readFrame(s.conn, s.recv, defaultFrameTimeout)
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr identifies the session for logging.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
