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
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/olekukonko/tablewriter"
)

// Summary renders a human-readable snapshot of this node's chain and
// membership state, useful for an operator console or a periodic log line.
func (p *Peer) Summary() string {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"field", "value"})
	table.SetAutoWrapText(false)

	tip := "-"
	if h := p.store.Tip(); h != nil {
		tip = h.String()
	}
	root := "-"
	if h := p.store.Root(); h != nil {
		root = h.String()
	}

	table.Append([]string{"pubkey", p.PubkeyHex()})
	table.Append([]string{"listen_addr", p.cfg.ListenAddr})
	table.Append([]string{"root", root})
	table.Append([]string{"tip", tip})
	table.Append([]string{"block_count", strconv.FormatUint(p.store.Count(), 10)})
	table.Append([]string{"pending_data", strconv.Itoa(p.store.PendingLen())})
	table.Append([]string{"connected_sessions", strconv.Itoa(len(p.ClientPubkeys()))})
	table.Append([]string{"known_peers", strconv.Itoa(len(p.KnownPubkeys()))})
	table.Append([]string{"thin", strconv.FormatBool(p.cfg.Thin)})
	table.Append([]string{"payload_bytes", bytefmt.ByteSize(p.payloadBytesEstimate())})

	table.Render()
	return sb.String()
}

// payloadBytesEstimate sums the raw Data payload bytes across every
// appended block, read back through the chain iterator.
func (p *Peer) payloadBytesEstimate() uint64 {
	it, err := p.store.GetBlocks(nil)
	if err != nil {
		return 0
	}
	defer it.Close()

	var total uint64
	for {
		blk, err := it.Next()
		if err != nil {
			break
		}
		for _, d := range blk.Data {
			total += uint64(len(d.Payload))
		}
	}
	return total
}
