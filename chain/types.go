// Package chain implements the authenticated, append-only block chain: the
// signed Data/Block types, their canonical hashing, and the durable on-disk
// store (index.db + blocks.db). It is the Go analogue of the original
// mccloud::blockchain module.
package chain

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/sperax-labs/mccloud/errs"
)

// PubKeySize is the length of a compressed secp256k1 point.
const PubKeySize = 33

// HashSize is the length of a SHA-256 digest.
const HashSize = 32

// SigSize is the length of a Schnorr signature over secp256k1.
const SigSize = 64

// PubKey is a 33-byte compressed secp256k1 public key.
type PubKey [PubKeySize]byte

// Hash is a 32-byte SHA-256 digest.
type Hash [HashSize]byte

// Sig is a 64-byte Schnorr signature over the x-only form of a PubKey.
type Sig [SigSize]byte

// XOnly returns the trailing 32 bytes of the compressed key, the x-only
// form Schnorr signatures verify against.
func (p PubKey) XOnly() []byte { return p[1:] }

// String renders the compressed key as lowercase hex.
func (p PubKey) String() string { return hex.EncodeToString(p[:]) }

// Parse decodes a compressed secp256k1 point.
func (p PubKey) Parse() (*btcec.PublicKey, error) {
	pub, err := btcec.ParsePubKey(p[:])
	if err != nil {
		return nil, errs.Wrap(errs.Encryption, err)
	}
	return pub, nil
}

// ParseXOnly decodes the x-only form used by Schnorr verification.
func (p PubKey) ParseXOnly() (*btcec.PublicKey, error) {
	xonly, err := schnorr.ParsePubKey(p.XOnly())
	if err != nil {
		return nil, errs.Wrap(errs.Encryption, err)
	}
	return xonly, nil
}

// PubKeyFromPrivate derives the compressed public key for a private key.
func PubKeyFromPrivate(priv *btcec.PrivateKey) PubKey {
	var pk PubKey
	copy(pk[:], priv.PubKey().SerializeCompressed())
	return pk
}

// Data is a signed, opaque user payload awaiting inclusion in a block.
type Data struct {
	Payload []byte
	Author  PubKey
	Sign    Sig
}

// dataDigest returns the SHA-256 digest signed by the author: author ∥ payload.
func dataDigest(author PubKey, payload []byte) Hash {
	h := sha256.New()
	h.Write(author[:])
	h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// NewData signs payload with priv and returns the resulting Data.
func NewData(payload []byte, author PubKey, priv *btcec.PrivateKey) (Data, error) {
	digest := dataDigest(author, payload)
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return Data{}, errs.Wrap(errs.Encryption, err)
	}
	var out Data
	out.Payload = append([]byte(nil), payload...)
	out.Author = author
	copy(out.Sign[:], sig.Serialize())
	return out, nil
}

// Verify checks that Sign verifies against Author's x-only key over the
// digest of Author ∥ Payload.
func (d Data) Verify() error {
	pub, err := d.Author.ParseXOnly()
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(d.Sign[:])
	if err != nil {
		return errs.Wrap(errs.Encryption, err)
	}
	digest := dataDigest(d.Author, d.Payload)
	if !sig.Verify(digest[:], pub) {
		return errs.New(errs.Encryption, "data signature does not verify")
	}
	return nil
}

// Block is a signed, hash-chained container for an ordered sequence of Data.
type Block struct {
	Parent       *Hash // nil iff this is the root block
	Hash         Hash
	Data         []Data
	NextChoices  []PubKey // authorized authors of the following block
	Author       PubKey
	Sign         Sig
}

// computeHash recomputes the block hash: SHA-256 over
// parent? ∥ author ∥ next_choices ∥ for each Data: payload ∥ author ∥ sig.
func (b *Block) computeHash() Hash {
	h := sha256.New()
	if b.Parent != nil {
		h.Write(b.Parent[:])
	}
	h.Write(b.Author[:])
	for _, nc := range b.NextChoices {
		h.Write(nc[:])
	}
	for _, d := range b.Data {
		h.Write(d.Payload)
		h.Write(d.Author[:])
		h.Write(d.Sign[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// sign computes the block hash, signs it with priv, and fills Hash/Sign.
func (b *Block) sign(priv *btcec.PrivateKey) error {
	b.Hash = b.computeHash()
	sig, err := schnorr.Sign(priv, b.Hash[:])
	if err != nil {
		return errs.Wrap(errs.Encryption, err)
	}
	copy(b.Sign[:], sig.Serialize())
	return nil
}

// VerifySignature checks the block's signature against its Author and that
// the recomputed hash matches the stored Hash.
func (b *Block) VerifySignature() error {
	if b.computeHash() != b.Hash {
		return errs.New(errs.Chain, "block hash does not match its contents")
	}
	pub, err := b.Author.ParseXOnly()
	if err != nil {
		return err
	}
	sig, err := schnorr.ParseSignature(b.Sign[:])
	if err != nil {
		return errs.Wrap(errs.Encryption, err)
	}
	if !sig.Verify(b.Hash[:], pub) {
		return errs.New(errs.Chain, "block signature does not verify")
	}
	return nil
}
