package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	d, err := NewData([]byte("round trip me"), pub, priv)
	require.NoError(t, err)

	parent := Hash{1, 2, 3}
	b := Block{
		Parent:      &parent,
		Data:        []Data{d},
		NextChoices: []PubKey{pub, PubKeyFromPrivate(randKey(t))},
		Author:      pub,
	}
	require.NoError(t, b.sign(priv))

	encoded, err := EncodeBlock(b)
	require.NoError(t, err)

	decoded, err := DecodeBlock(encoded)
	require.NoError(t, err)

	assert.Equal(t, b.Hash, decoded.Hash)
	assert.Equal(t, *b.Parent, *decoded.Parent)
	assert.Equal(t, b.Author, decoded.Author)
	assert.Equal(t, b.Sign, decoded.Sign)
	assert.Equal(t, b.NextChoices, decoded.NextChoices)
	require.Len(t, decoded.Data, 1)
	assert.Equal(t, d.Payload, decoded.Data[0].Payload)
	assert.NoError(t, decoded.VerifySignature())
}

func TestEncodeDecodeRootBlockHasNilParent(t *testing.T) {
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	b := Block{Author: pub, NextChoices: []PubKey{pub}}
	require.NoError(t, b.sign(priv))

	encoded, err := EncodeBlock(b)
	require.NoError(t, err)

	decoded, err := DecodeBlock(encoded)
	require.NoError(t, err)
	assert.Nil(t, decoded.Parent)
}
