package chain

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

func appendPartialRecord(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write([]byte{1, 2, 3}) // shorter than indexEntryWidth
	require.NoError(t, err)
}

func TestCreateAndAddRootBlock(t *testing.T) {
	s := openTestStore(t)
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	d, err := NewData([]byte("genesis payload"), pub, priv)
	require.NoError(t, err)
	s.AddPending(d)

	blk, err := s.CreateBlock([]PubKey{pub}, pub, priv)
	require.NoError(t, err)
	assert.Nil(t, blk.Parent)
	require.Len(t, blk.Data, 1)

	require.NoError(t, s.AddBlock(blk, false))
	assert.Equal(t, blk.Hash, *s.Tip())
	assert.Equal(t, blk.Hash, *s.Root())
	assert.EqualValues(t, 1, s.Count())
	assert.Equal(t, 0, s.PendingLen())
}

func TestAddBlockRejectsNonChildParent(t *testing.T) {
	s := openTestStore(t)
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	root, err := s.CreateBlock([]PubKey{pub}, pub, priv)
	require.NoError(t, err)
	require.NoError(t, s.AddBlock(root, false))

	wrongParent := Hash{9, 9, 9}
	bad := Block{Parent: &wrongParent, Author: pub}
	require.NoError(t, bad.sign(priv))

	err = s.AddBlock(bad, false)
	assert.Error(t, err)
}

func TestAddBlockRejectsUnexpectedAuthor(t *testing.T) {
	s := openTestStore(t)
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)
	other := randKey(t)
	otherPub := PubKeyFromPrivate(other)

	root, err := s.CreateBlock([]PubKey{pub}, pub, priv)
	require.NoError(t, err)
	require.NoError(t, s.AddBlock(root, false))

	tip := *s.Tip()
	next := Block{Parent: &tip, Author: otherPub}
	require.NoError(t, next.sign(other))

	err = s.AddBlock(next, false)
	assert.Error(t, err)

	// force_allow_author bypasses the author check.
	assert.NoError(t, s.AddBlock(next, true))
}

func TestAddBlockIsIdempotentOnRepeatTip(t *testing.T) {
	s := openTestStore(t)
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	root, err := s.CreateBlock([]PubKey{pub}, pub, priv)
	require.NoError(t, err)
	require.NoError(t, s.AddBlock(root, false))

	assert.NoError(t, s.AddBlock(root, false))
	assert.EqualValues(t, 1, s.Count())
}

func TestGetBlocksIteratesFromRoot(t *testing.T) {
	s := openTestStore(t)
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	root, err := s.CreateBlock([]PubKey{pub}, pub, priv)
	require.NoError(t, err)
	require.NoError(t, s.AddBlock(root, false))

	tip := *s.Tip()
	second := Block{Parent: &tip, Author: pub}
	require.NoError(t, second.sign(priv))
	require.NoError(t, s.AddBlock(second, true))

	it, err := s.GetBlocks(nil)
	require.NoError(t, err)
	defer it.Close()

	var hashes []Hash
	for {
		blk, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		hashes = append(hashes, blk.Hash)
	}

	require.Len(t, hashes, 2)
	assert.Equal(t, root.Hash, hashes[0])
	assert.Equal(t, second.Hash, hashes[1])
}

func TestGetBlocksStartsAfterGivenHash(t *testing.T) {
	s := openTestStore(t)
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	root, err := s.CreateBlock([]PubKey{pub}, pub, priv)
	require.NoError(t, err)
	require.NoError(t, s.AddBlock(root, false))

	it, err := s.GetBlocks(&root.Hash)
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStoreRecoversStateAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	s, err := Open(dir, testLogger(t))
	require.NoError(t, err)

	root, err := s.CreateBlock([]PubKey{pub}, pub, priv)
	require.NoError(t, err)
	require.NoError(t, s.AddBlock(root, false))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, testLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, root.Hash, *reopened.Tip())
	assert.Equal(t, root.Hash, *reopened.Root())
	assert.EqualValues(t, 1, reopened.Count())
	assert.Equal(t, []PubKey{pub}, reopened.NextAuthors())
}

func TestStoreRecoversFromTruncatedTrailingIndexRecord(t *testing.T) {
	dir := t.TempDir()
	priv := randKey(t)
	pub := PubKeyFromPrivate(priv)

	s, err := Open(dir, testLogger(t))
	require.NoError(t, err)
	root, err := s.CreateBlock([]PubKey{pub}, pub, priv)
	require.NoError(t, err)
	require.NoError(t, s.AddBlock(root, false))
	require.NoError(t, s.Close())

	// simulate a crash mid-append: corrupt the index file with a partial
	// trailing record.
	indexPath := filepath.Join(dir, "index.db")
	appendPartialRecord(t, indexPath)

	reopened, err := Open(dir, testLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	assert.EqualValues(t, 1, reopened.Count())
	assert.Equal(t, root.Hash, *reopened.Tip())
}
