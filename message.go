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
	"encoding/binary"
	"io"

	"github.com/sperax-labs/mccloud/chain"
	"github.com/sperax-labs/mccloud/errs"
)

// msgKind tags the wire form of a Message, see CommandType in the teacher's
// gossip protobuf for the idiom this generalizes.
type msgKind byte

const (
	kindGreeting msgKind = iota
	kindShareData
	kindRequestBlocks
	kindRequestedBlock
	kindShareBlock
	kindRequestNeighbours
	kindIntroduceNeighbours
	kindAnnounce
	kindLeave
)

// Message is the tagged union of every on-wire exchange between two peers.
type Message interface {
	kind() msgKind
	encode(w io.Writer) error
}

// Greeting is exchanged, once in each direction, immediately after connect.
type Greeting struct {
	Version    Version
	PubKey     chain.PubKey
	ListenAddr string
	Root       *chain.Hash
	Tip        *chain.Hash
	BlockCount uint64
	Thin       bool
	Known      []chain.PubKey
}

// ShareData gossips a pending, signed payload.
type ShareData struct {
	Data chain.Data
}

// RequestBlocks asks the peer to stream every block strictly after Start,
// or from the root if Start is nil.
type RequestBlocks struct {
	Start *chain.Hash
}

// RequestedBlock answers RequestBlocks, one message per block.
type RequestedBlock struct {
	Block chain.Block
}

// ShareBlock announces a freshly sealed block.
type ShareBlock struct {
	Block chain.Block
}

// RequestNeighbours asks for introductions to up to Count peers, excluding
// the given keys.
type RequestNeighbours struct {
	Count   uint32
	Exclude []chain.PubKey
}

// neighbour pairs a gossiped peer's identity with its dial address.
type neighbour struct {
	PubKey chain.PubKey
	Addr   string
}

// IntroduceNeighbours answers RequestNeighbours.
type IntroduceNeighbours struct {
	Neighbours []neighbour
}

// Announce declares that PubKey is online.
type Announce struct {
	PubKey chain.PubKey
}

// Leave declares that PubKey is gone.
type Leave struct {
	PubKey chain.PubKey
}

func (*Greeting) kind() msgKind            { return kindGreeting }
func (*ShareData) kind() msgKind           { return kindShareData }
func (*RequestBlocks) kind() msgKind       { return kindRequestBlocks }
func (*RequestedBlock) kind() msgKind      { return kindRequestedBlock }
func (*ShareBlock) kind() msgKind          { return kindShareBlock }
func (*RequestNeighbours) kind() msgKind   { return kindRequestNeighbours }
func (*IntroduceNeighbours) kind() msgKind { return kindIntroduceNeighbours }
func (*Announce) kind() msgKind            { return kindAnnounce }
func (*Leave) kind() msgKind               { return kindLeave }

func writeOptHash(w io.Writer, h *chain.Hash) error {
	if h == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	_, err := w.Write(h[:])
	return err
}

func readOptHash(r io.Reader) (*chain.Hash, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return nil, err
	}
	if flag[0] == 0 {
		return nil, nil
	}
	var h chain.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	return &h, nil
}

func writeString(w io.Writer, s string) error { return writeBytesMsg(w, []byte(s)) }

func readString(r io.Reader) (string, error) {
	b, err := readBytesMsg(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytesMsg(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytesMsg(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeU32Msg(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32Msg(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU64Msg(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU64Msg(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *Greeting) encode(w io.Writer) error {
	if err := writeU32Msg(w, uint32(m.Version.Major)); err != nil {
		return err
	}
	if err := writeU32Msg(w, uint32(m.Version.Minor)); err != nil {
		return err
	}
	if err := writeU32Msg(w, uint32(m.Version.Patch)); err != nil {
		return err
	}
	if err := writeString(w, m.Version.Target); err != nil {
		return err
	}
	if err := writeString(w, m.Version.Branch); err != nil {
		return err
	}
	if err := writeString(w, m.Version.Commit); err != nil {
		return err
	}
	if _, err := w.Write(m.PubKey[:]); err != nil {
		return err
	}
	if err := writeString(w, m.ListenAddr); err != nil {
		return err
	}
	if err := writeOptHash(w, m.Root); err != nil {
		return err
	}
	if err := writeOptHash(w, m.Tip); err != nil {
		return err
	}
	if err := writeU64Msg(w, m.BlockCount); err != nil {
		return err
	}
	thin := byte(0)
	if m.Thin {
		thin = 1
	}
	if _, err := w.Write([]byte{thin}); err != nil {
		return err
	}
	if err := writeU32Msg(w, uint32(len(m.Known))); err != nil {
		return err
	}
	for _, k := range m.Known {
		if _, err := w.Write(k[:]); err != nil {
			return err
		}
	}
	return nil
}

func decodeGreeting(r io.Reader) (*Greeting, error) {
	var g Greeting
	major, err := readU32Msg(r)
	if err != nil {
		return nil, err
	}
	minor, err := readU32Msg(r)
	if err != nil {
		return nil, err
	}
	patch, err := readU32Msg(r)
	if err != nil {
		return nil, err
	}
	g.Version.Major, g.Version.Minor, g.Version.Patch = uint16(major), uint16(minor), uint16(patch)
	if g.Version.Target, err = readString(r); err != nil {
		return nil, err
	}
	if g.Version.Branch, err = readString(r); err != nil {
		return nil, err
	}
	if g.Version.Commit, err = readString(r); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, g.PubKey[:]); err != nil {
		return nil, err
	}
	if g.ListenAddr, err = readString(r); err != nil {
		return nil, err
	}
	if g.Root, err = readOptHash(r); err != nil {
		return nil, err
	}
	if g.Tip, err = readOptHash(r); err != nil {
		return nil, err
	}
	if g.BlockCount, err = readU64Msg(r); err != nil {
		return nil, err
	}
	var thin [1]byte
	if _, err := io.ReadFull(r, thin[:]); err != nil {
		return nil, err
	}
	g.Thin = thin[0] != 0
	knownCount, err := readU32Msg(r)
	if err != nil {
		return nil, err
	}
	g.Known = make([]chain.PubKey, knownCount)
	for i := range g.Known {
		if _, err := io.ReadFull(r, g.Known[i][:]); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

func (m *ShareData) encode(w io.Writer) error { return chain.EncodeData(w, m.Data) }

func decodeShareData(r io.Reader) (*ShareData, error) {
	d, err := chain.DecodeData(r)
	if err != nil {
		return nil, err
	}
	return &ShareData{Data: d}, nil
}

func (m *RequestBlocks) encode(w io.Writer) error { return writeOptHash(w, m.Start) }

func decodeRequestBlocks(r io.Reader) (*RequestBlocks, error) {
	h, err := readOptHash(r)
	if err != nil {
		return nil, err
	}
	return &RequestBlocks{Start: h}, nil
}

func (m *RequestedBlock) encode(w io.Writer) error {
	encoded, err := chain.EncodeBlock(m.Block)
	if err != nil {
		return err
	}
	return writeBytesMsg(w, encoded)
}

func decodeRequestedBlock(r io.Reader) (*RequestedBlock, error) {
	raw, err := readBytesMsg(r)
	if err != nil {
		return nil, err
	}
	blk, err := chain.DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	return &RequestedBlock{Block: blk}, nil
}

func (m *ShareBlock) encode(w io.Writer) error {
	encoded, err := chain.EncodeBlock(m.Block)
	if err != nil {
		return err
	}
	return writeBytesMsg(w, encoded)
}

func decodeShareBlock(r io.Reader) (*ShareBlock, error) {
	raw, err := readBytesMsg(r)
	if err != nil {
		return nil, err
	}
	blk, err := chain.DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	return &ShareBlock{Block: blk}, nil
}

func (m *RequestNeighbours) encode(w io.Writer) error {
	if err := writeU32Msg(w, m.Count); err != nil {
		return err
	}
	if err := writeU32Msg(w, uint32(len(m.Exclude))); err != nil {
		return err
	}
	for _, k := range m.Exclude {
		if _, err := w.Write(k[:]); err != nil {
			return err
		}
	}
	return nil
}

func decodeRequestNeighbours(r io.Reader) (*RequestNeighbours, error) {
	var m RequestNeighbours
	count, err := readU32Msg(r)
	if err != nil {
		return nil, err
	}
	m.Count = count
	excludeCount, err := readU32Msg(r)
	if err != nil {
		return nil, err
	}
	m.Exclude = make([]chain.PubKey, excludeCount)
	for i := range m.Exclude {
		if _, err := io.ReadFull(r, m.Exclude[i][:]); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *IntroduceNeighbours) encode(w io.Writer) error {
	if err := writeU32Msg(w, uint32(len(m.Neighbours))); err != nil {
		return err
	}
	for _, n := range m.Neighbours {
		if _, err := w.Write(n.PubKey[:]); err != nil {
			return err
		}
		if err := writeString(w, n.Addr); err != nil {
			return err
		}
	}
	return nil
}

func decodeIntroduceNeighbours(r io.Reader) (*IntroduceNeighbours, error) {
	var m IntroduceNeighbours
	count, err := readU32Msg(r)
	if err != nil {
		return nil, err
	}
	m.Neighbours = make([]neighbour, count)
	for i := range m.Neighbours {
		if _, err := io.ReadFull(r, m.Neighbours[i].PubKey[:]); err != nil {
			return nil, err
		}
		if m.Neighbours[i].Addr, err = readString(r); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Announce) encode(w io.Writer) error {
	_, err := w.Write(m.PubKey[:])
	return err
}

func decodeAnnounce(r io.Reader) (*Announce, error) {
	var m Announce
	if _, err := io.ReadFull(r, m.PubKey[:]); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Leave) encode(w io.Writer) error {
	_, err := w.Write(m.PubKey[:])
	return err
}

func decodeLeave(r io.Reader) (*Leave, error) {
	var m Leave
	if _, err := io.ReadFull(r, m.PubKey[:]); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeMessage returns the canonical wire encoding of m: a one-byte kind
// tag followed by its variant-specific body.
func EncodeMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.kind()))
	if err := m.encode(&buf); err != nil {
		return nil, errs.Wrap(errs.Protocol, err)
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses the canonical encoding produced by EncodeMessage.
func DecodeMessage(raw []byte) (Message, error) {
	if len(raw) == 0 {
		return nil, errs.New(errs.Protocol, "empty message frame")
	}
	r := bytes.NewReader(raw[1:])
	var (
		m   Message
		err error
	)
	switch msgKind(raw[0]) {
	case kindGreeting:
		m, err = decodeGreeting(r)
	case kindShareData:
		m, err = decodeShareData(r)
	case kindRequestBlocks:
		m, err = decodeRequestBlocks(r)
	case kindRequestedBlock:
		m, err = decodeRequestedBlock(r)
	case kindShareBlock:
		m, err = decodeShareBlock(r)
	case kindRequestNeighbours:
		m, err = decodeRequestNeighbours(r)
	case kindIntroduceNeighbours:
		m, err = decodeIntroduceNeighbours(r)
	case kindAnnounce:
		m, err = decodeAnnounce(r)
	case kindLeave:
		m, err = decodeLeave(r)
	default:
		return nil, errs.New(errs.Protocol, "unknown message kind on wire")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, err)
	}
	return m, nil
}
