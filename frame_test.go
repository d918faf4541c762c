package mccloud

import (
	"net"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sperax-labs/mccloud/chain"
)

func TestDeriveDirectionKeysAgreeBothWays(t *testing.T) {
	privA, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	privB, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pubA := chain.PubKeyFromPrivate(privA)
	pubB := chain.PubKeyFromPrivate(privB)

	sendA, recvA, err := deriveDirectionKeys(privA, privB.PubKey(), pubA, pubB)
	require.NoError(t, err)
	sendB, recvB, err := deriveDirectionKeys(privB, privA.PubKey(), pubB, pubA)
	require.NoError(t, err)

	assert.Equal(t, sendA, recvB)
	assert.Equal(t, recvA, sendB)
	assert.NotEqual(t, sendA, recvA)
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	gcm, err := newAEAD(key)
	require.NoError(t, err)

	send := &aeadState{gcm: gcm}
	recv := &aeadState{gcm: gcm}

	msg := &Announce{PubKey: chain.PubKey{1, 2, 3}}

	errCh := make(chan error, 1)
	go func() {
		errCh <- writeFrame(clientConn, send, msg, defaultFrameTimeout)
	}()

	got, err := readFrame(serverConn, recv, defaultFrameTimeout)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	announce, ok := got.(*Announce)
	require.True(t, ok)
	assert.Equal(t, msg.PubKey, announce.PubKey)
}

func TestReadFrameRejectsNonIncreasingNonce(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("fedcba9876543210fedcba9876543210"))
	gcm, err := newAEAD(key)
	require.NoError(t, err)

	recv := &aeadState{gcm: gcm, nonceCounter: 5}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	send := &aeadState{gcm: gcm, nonceCounter: 4} // next send = nonce 5, not > 5

	go writeFrame(clientConn, send, &Announce{}, defaultFrameTimeout)

	_, err = readFrame(serverConn, recv, defaultFrameTimeout)
	assert.Error(t, err)
}
