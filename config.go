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
	"time"

	"github.com/sperax-labs/mccloud/errs"
)

// ProxyConfig tunnels all outbound dials through a SOCKS5 proxy and
// advertises AnnounceAddr in place of ListenAddr to other peers.
type ProxyConfig struct {
	Socks5Addr   string
	AnnounceAddr string
}

// RelationshipConfig tunes outbound topology maintenance.
type RelationshipConfig struct {
	// Count is the target number of outbound sessions.
	Count int
	// Time is the tick period for relationship maintenance.
	Time time.Duration
	// Reconnect is the delay between reconnect attempts.
	Reconnect time.Duration
	// Retry is the initial reconnect budget assigned to a dialed session.
	Retry int
}

// Config is the full set of options consumed by a running Peer.
type Config struct {
	// ListenAddr is the local TCP bind address.
	ListenAddr string
	// Proxy, if non-nil, routes every outbound connection via SOCKS5.
	Proxy *ProxyConfig
	// DataDir holds index.db, blocks.db, and any application-private files.
	DataDir string
	// KeepAlive is the tick for internal liveness watchdogs.
	KeepAlive time.Duration
	// DataGatherTime is the block-seal interval and gather-tick period.
	DataGatherTime time.Duration
	// Thin nodes never become a leader and are not added to remote known sets.
	Thin bool
	// Relationship tunes outbound topology maintenance.
	Relationship RelationshipConfig
	// NextCandidates is the candidate roster size placed in each block.
	NextCandidates int
	// ForcedRestart enables the liveness-fallback election rule.
	ForcedRestart bool
}

// DefaultConfig returns a Config with the same defaults used throughout the
// reference scenarios: a three-candidate roster, a ten-second gather tick,
// and a modest outbound fan-out.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "0.0.0.0:0",
		DataDir:        "./mccloud-data",
		KeepAlive:      30 * time.Second,
		DataGatherTime: 10 * time.Second,
		Thin:           false,
		Relationship: RelationshipConfig{
			Count:     8,
			Time:      30 * time.Second,
			Reconnect: 5 * time.Second,
			Retry:     3,
		},
		NextCandidates: 3,
		ForcedRestart:  false,
	}
}

// Validate reports whether c is well-formed enough to start a Peer. A
// configuration parse/validate failure is one of the few process-fatal
// conditions the runtime recognizes (spec'd error-handling policy).
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errs.New(errs.AddressParse, "listen_addr must not be empty")
	}
	if c.DataDir == "" {
		return errs.New(errs.Io, "data_dir must not be empty")
	}
	if c.DataGatherTime <= 0 {
		return errs.New(errs.Protocol, "data_gather_time must be positive")
	}
	if c.NextCandidates <= 0 {
		return errs.New(errs.Protocol, "next_candidates must be positive")
	}
	if c.Relationship.Count < 0 {
		return errs.New(errs.Protocol, "relationship.count must not be negative")
	}
	if c.Relationship.Retry < 0 {
		return errs.New(errs.Protocol, "relationship.retry must not be negative")
	}
	if c.Proxy != nil && c.Proxy.Socks5Addr == "" {
		return errs.New(errs.AddressParse, "proxy.socks5_addr must not be empty when proxy is set")
	}
	return nil
}

// effectiveAnnounceAddr is the address advertised to peers: AnnounceAddr
// when a proxy is configured, ListenAddr otherwise.
func (c Config) effectiveAnnounceAddr() string {
	if c.Proxy != nil && c.Proxy.AnnounceAddr != "" {
		return c.Proxy.AnnounceAddr
	}
	return c.ListenAddr
}
