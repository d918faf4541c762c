package mccloud

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sperax-labs/mccloud/chain"
)

func samplePubKey(t *testing.T) chain.PubKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return chain.PubKeyFromPrivate(priv)
}

func TestMessageRoundTripGreeting(t *testing.T) {
	root := chain.Hash{1}
	tip := chain.Hash{2}
	g := &Greeting{
		Version:    CurrentVersion,
		PubKey:     samplePubKey(t),
		ListenAddr: "127.0.0.1:9000",
		Root:       &root,
		Tip:        &tip,
		BlockCount: 42,
		Thin:       true,
		Known:      []chain.PubKey{samplePubKey(t), samplePubKey(t)},
	}

	encoded, err := EncodeMessage(g)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)

	got, ok := decoded.(*Greeting)
	require.True(t, ok)
	assert.Equal(t, g.PubKey, got.PubKey)
	assert.Equal(t, g.ListenAddr, got.ListenAddr)
	assert.Equal(t, *g.Root, *got.Root)
	assert.Equal(t, *g.Tip, *got.Tip)
	assert.Equal(t, g.BlockCount, got.BlockCount)
	assert.True(t, got.Thin)
	assert.Equal(t, g.Known, got.Known)
}

func TestMessageRoundTripGreetingWithNilHashes(t *testing.T) {
	g := &Greeting{Version: CurrentVersion, PubKey: samplePubKey(t), ListenAddr: "x"}
	encoded, err := EncodeMessage(g)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	got := decoded.(*Greeting)
	assert.Nil(t, got.Root)
	assert.Nil(t, got.Tip)
}

func TestMessageRoundTripAnnounceAndLeave(t *testing.T) {
	pub := samplePubKey(t)

	for _, m := range []Message{&Announce{PubKey: pub}, &Leave{PubKey: pub}} {
		encoded, err := EncodeMessage(m)
		require.NoError(t, err)
		decoded, err := DecodeMessage(encoded)
		require.NoError(t, err)
		switch v := decoded.(type) {
		case *Announce:
			assert.Equal(t, pub, v.PubKey)
		case *Leave:
			assert.Equal(t, pub, v.PubKey)
		default:
			t.Fatalf("unexpected type %T", decoded)
		}
	}
}

func TestMessageRoundTripRequestNeighbours(t *testing.T) {
	m := &RequestNeighbours{Count: 5, Exclude: []chain.PubKey{samplePubKey(t)}}
	encoded, err := EncodeMessage(m)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	got := decoded.(*RequestNeighbours)
	assert.Equal(t, m.Count, got.Count)
	assert.Equal(t, m.Exclude, got.Exclude)
}

func TestMessageRoundTripIntroduceNeighbours(t *testing.T) {
	m := &IntroduceNeighbours{Neighbours: []neighbour{
		{PubKey: samplePubKey(t), Addr: "10.0.0.1:8000"},
		{PubKey: samplePubKey(t), Addr: "10.0.0.2:8000"},
	}}
	encoded, err := EncodeMessage(m)
	require.NoError(t, err)

	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	got := decoded.(*IntroduceNeighbours)
	require.Len(t, got.Neighbours, 2)
	assert.Equal(t, m.Neighbours[0].Addr, got.Neighbours[0].Addr)
}

func TestMessageRoundTripShareDataAndBlock(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := chain.PubKeyFromPrivate(priv)

	d, err := chain.NewData([]byte("payload"), pub, priv)
	require.NoError(t, err)

	sd := &ShareData{Data: d}
	encoded, err := EncodeMessage(sd)
	require.NoError(t, err)
	decoded, err := DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, d.Payload, decoded.(*ShareData).Data.Payload)

	store, err := chain.Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()
	store.AddPending(d)
	blk, err := store.CreateBlock([]chain.PubKey{pub}, pub, priv)
	require.NoError(t, err)

	sb := &ShareBlock{Block: blk}
	encoded, err = EncodeMessage(sb)
	require.NoError(t, err)
	decoded, err = DecodeMessage(encoded)
	require.NoError(t, err)
	assert.Equal(t, blk.Hash, decoded.(*ShareBlock).Block.Hash)
}

func TestDecodeMessageRejectsEmptyFrame(t *testing.T) {
	_, err := DecodeMessage(nil)
	assert.Error(t, err)
}

func TestDecodeMessageRejectsUnknownKind(t *testing.T) {
	_, err := DecodeMessage([]byte{255})
	assert.Error(t, err)
}
