// Package errs implements the structured error taxonomy shared by every
// mccloud component: a Kind, an optional wrapped source, and the call site
// that produced it, mirroring the source-chain attachment the original
// mccloud implementation built on top of Rust's Error type.
package errs

import (
	"fmt"
	"runtime"
)

// Kind classifies an Error into one of the buckets the peer runtime's
// propagation policy dispatches on (see spec §7).
type Kind int

const (
	// Io covers any filesystem or socket failure that is not a clean
	// disconnect.
	Io Kind = iota
	// Disconnect is a clean remote close, logged at debug rather than error.
	Disconnect
	// AddressParse covers malformed listen/dial addresses.
	AddressParse
	// Sync covers channel send/receive and timing failures.
	Sync
	// Encryption covers key derivation, AEAD, and signature failures.
	Encryption
	// Chain covers block-chain invariant violations: non-child blocks,
	// unexpected authors, signature/hash verification failures.
	Chain
	// Protocol covers version mismatch, unexpected message order, and
	// chain-root mismatch at handshake.
	Protocol
	// External covers SOCKS5 and other adapter failures.
	External
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Disconnect:
		return "disconnect"
	case AddressParse:
		return "address_parse"
	case Sync:
		return "sync"
	case Encryption:
		return "encryption"
	case Chain:
		return "chain"
	case Protocol:
		return "protocol"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

// Error is the structured error value propagated across every mccloud
// component boundary.
type Error struct {
	Kind   Kind
	File   string
	Line   int
	Msg    string
	Source error
}

// New creates an Error of the given kind with a message, capturing the
// caller's file and line the way the original implementation's ex! macro captured
// line!()/module_path!() at the call site.
func New(kind Kind, msg string) *Error {
	e := &Error{Kind: kind, Msg: msg}
	_, e.File, e.Line, _ = runtime.Caller(1)
	return e
}

// Wrap attaches kind and call-site information to an existing error,
// preserving it as Source for Unwrap/source-chain rendering.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: kind, Source: err}
	_, e.File, e.Line, _ = runtime.Caller(1)
	return e
}

func (e *Error) Error() string {
	if e.Source != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s [%s %s:%d]", e.Msg, e.Source, e.Kind, e.File, e.Line)
		}
		return fmt.Sprintf("%s [%s %s:%d]", e.Source, e.Kind, e.File, e.Line)
	}
	return fmt.Sprintf("%s [%s %s:%d]", e.Msg, e.Kind, e.File, e.Line)
}

// Unwrap exposes the wrapped source error for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Source }

// Is reports whether err carries the given Kind, looking through the
// wrapped source chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Source
			continue
		}
		return false
	}
	return false
}
