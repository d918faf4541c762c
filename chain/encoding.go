package chain

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/sperax-labs/mccloud/errs"
)

// Wire layout is little-endian throughout, with explicit u32 length
// prefixes for every variable-length field, as spec §4.3 requires so the
// encoding is stable and round-trips identically across nodes.

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeData appends the canonical encoding of d to w.
func EncodeData(w io.Writer, d Data) error {
	if err := writeBytes(w, d.Payload); err != nil {
		return err
	}
	if _, err := w.Write(d.Author[:]); err != nil {
		return err
	}
	_, err := w.Write(d.Sign[:])
	return err
}

// DecodeData reads one canonically-encoded Data from r.
func DecodeData(r io.Reader) (Data, error) {
	var d Data
	payload, err := readBytes(r)
	if err != nil {
		return d, err
	}
	d.Payload = payload
	if _, err := io.ReadFull(r, d.Author[:]); err != nil {
		return d, err
	}
	if _, err := io.ReadFull(r, d.Sign[:]); err != nil {
		return d, err
	}
	return d, nil
}

// EncodeBlock returns the canonical encoding of b.
func EncodeBlock(b Block) ([]byte, error) {
	var buf bytes.Buffer
	if b.Parent != nil {
		buf.WriteByte(1)
		buf.Write(b.Parent[:])
	} else {
		buf.WriteByte(0)
	}
	buf.Write(b.Hash[:])

	if err := writeU32(&buf, uint32(len(b.NextChoices))); err != nil {
		return nil, err
	}
	for _, nc := range b.NextChoices {
		buf.Write(nc[:])
	}

	if err := writeU32(&buf, uint32(len(b.Data))); err != nil {
		return nil, err
	}
	for _, d := range b.Data {
		if err := EncodeData(&buf, d); err != nil {
			return nil, errs.Wrap(errs.Io, err)
		}
	}

	buf.Write(b.Author[:])
	buf.Write(b.Sign[:])

	return buf.Bytes(), nil
}

// DecodeBlock parses the canonical encoding produced by EncodeBlock.
func DecodeBlock(data []byte) (Block, error) {
	var b Block
	r := bytes.NewReader(data)

	hasParent, err := r.ReadByte()
	if err != nil {
		return b, errs.Wrap(errs.Io, err)
	}
	if hasParent == 1 {
		var parent Hash
		if _, err := io.ReadFull(r, parent[:]); err != nil {
			return b, errs.Wrap(errs.Io, err)
		}
		b.Parent = &parent
	}

	if _, err := io.ReadFull(r, b.Hash[:]); err != nil {
		return b, errs.Wrap(errs.Io, err)
	}

	ncCount, err := readU32(r)
	if err != nil {
		return b, errs.Wrap(errs.Io, err)
	}
	b.NextChoices = make([]PubKey, ncCount)
	for i := range b.NextChoices {
		if _, err := io.ReadFull(r, b.NextChoices[i][:]); err != nil {
			return b, errs.Wrap(errs.Io, err)
		}
	}

	dataCount, err := readU32(r)
	if err != nil {
		return b, errs.Wrap(errs.Io, err)
	}
	b.Data = make([]Data, dataCount)
	for i := range b.Data {
		d, err := DecodeData(r)
		if err != nil {
			return b, errs.Wrap(errs.Io, err)
		}
		b.Data[i] = d
	}

	if _, err := io.ReadFull(r, b.Author[:]); err != nil {
		return b, errs.Wrap(errs.Io, err)
	}
	if _, err := io.ReadFull(r, b.Sign[:]); err != nil {
		return b, errs.Wrap(errs.Io, err)
	}

	return b, nil
}
