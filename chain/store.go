package chain

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"code.cloudfoundry.org/bytefmt"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/sperax-labs/mccloud/errs"
)

// indexEntryWidth is the fixed on-disk width of one IndexEntry record:
// 32-byte hash, 8-byte LE offset, 4-byte LE size.
const indexEntryWidth = HashSize + 8 + 4

// compressionLevel is the zstd level used for every block this node writes.
// The reference sources use either 6 or 19 in different code paths; either
// is acceptable since on-disk compatibility is only required intra-node
// (spec §9 Open Question). SpeedBetterCompression, the zstd package's
// setting for zstd levels 6 to 9, is chosen as a ratio/speed compromise for
// a chain that may run unattended for a long time.
const compressionLevel = zstd.SpeedBetterCompression

type indexEntry struct {
	Hash   Hash
	Offset uint64
	Size   uint32
}

func (e indexEntry) encode() []byte {
	buf := make([]byte, indexEntryWidth)
	copy(buf, e.Hash[:])
	binary.LittleEndian.PutUint64(buf[HashSize:], e.Offset)
	binary.LittleEndian.PutUint32(buf[HashSize+8:], e.Size)
	return buf
}

func decodeIndexEntry(buf []byte) indexEntry {
	var e indexEntry
	copy(e.Hash[:], buf[:HashSize])
	e.Offset = binary.LittleEndian.Uint64(buf[HashSize:])
	e.Size = binary.LittleEndian.Uint32(buf[HashSize+8:])
	return e
}

// Store is the durable append-only chain: index.db + blocks.db, plus the
// in-memory pending cache of Data not yet sealed into a block.
type Store struct {
	dir    string
	index  *os.File
	blocks *os.File
	log    *zap.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu          sync.RWMutex
	root        *Hash
	tip         *Hash
	count       uint64
	nextAuthors []PubKey
	entries     []indexEntry
	pending     map[Sig]Data
}

// Open creates a new chain store in dir if none exists, or recovers state
// by scanning index.db and reading the tip block from blocks.db (spec §4.4
// open semantics). A trailing partial index record, the mark of a crash
// between appending the block and its index entry, is dropped.
func Open(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.Io, err)
	}

	indexPath := filepath.Join(dir, "index.db")
	blocksPath := filepath.Join(dir, "blocks.db")

	index, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err)
	}
	blocks, err := os.OpenFile(blocksPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		index.Close()
		return nil, errs.Wrap(errs.Io, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(compressionLevel))
	if err != nil {
		return nil, errs.Wrap(errs.Io, err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err)
	}

	s := &Store{
		dir:     dir,
		index:   index,
		blocks:  blocks,
		log:     log,
		enc:     enc,
		dec:     dec,
		pending: make(map[Sig]Data),
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) recover() error {
	raw, err := io.ReadAll(io.NewSectionReader(s.index, 0, 1<<62))
	if err != nil {
		return errs.Wrap(errs.Io, err)
	}

	validLen := (len(raw) / indexEntryWidth) * indexEntryWidth
	if validLen != len(raw) {
		s.log.Warn("dropping trailing partial index record on recovery",
			zap.Int("bytes_dropped", len(raw)-validLen))
		if err := s.index.Truncate(int64(validLen)); err != nil {
			return errs.Wrap(errs.Io, err)
		}
	}

	for off := 0; off < validLen; off += indexEntryWidth {
		s.entries = append(s.entries, decodeIndexEntry(raw[off:off+indexEntryWidth]))
	}

	if len(s.entries) == 0 {
		return nil
	}

	first := s.entries[0].Hash
	last := s.entries[len(s.entries)-1]
	s.root = &first
	s.tip = &last.Hash
	s.count = uint64(len(s.entries))

	tipBlock, err := s.readBlockAt(last.Offset, last.Size)
	if err != nil {
		return err
	}
	s.nextAuthors = tipBlock.NextChoices

	s.log.Info("recovered chain store",
		zap.Uint64("count", s.count),
		zap.String("tip", tipBlock.Hash.String()))

	return nil
}

func (s *Store) readBlockAt(offset uint64, size uint32) (Block, error) {
	compressed := make([]byte, size)
	if _, err := s.blocks.ReadAt(compressed, int64(offset)); err != nil {
		return Block{}, errs.Wrap(errs.Io, err)
	}
	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return Block{}, errs.Wrap(errs.Io, err)
	}
	blk, err := DecodeBlock(raw)
	if err != nil {
		return Block{}, err
	}
	return blk, nil
}

// String renders a Hash as hex, for logging.
func (h Hash) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(h)*2)
	for i, b := range h {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xf]
	}
	return string(out)
}

// Root returns the chain's root block hash, or nil if empty.
func (s *Store) Root() *Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Tip returns the current chain tip hash, or nil if empty.
func (s *Store) Tip() *Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

// Count returns the number of blocks appended.
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// NextAuthors returns the candidate authors for the block following the
// current tip.
func (s *Store) NextAuthors() []PubKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PubKey, len(s.nextAuthors))
	copy(out, s.nextAuthors)
	return out
}

// PendingLen reports how many Data entries await inclusion in a block.
func (s *Store) PendingLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// AddPending inserts d into the pending cache if its signature is not
// already present, reporting whether it was newly inserted.
func (s *Store) AddPending(d Data) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[d.Sign]; exists {
		return false
	}
	s.pending[d.Sign] = d
	return true
}

// FilterPending hands a snapshot of the pending cache to hook and replaces
// the cache with hook's (possibly filtered/rewritten) return value. This is
// the on-block-creation hook's only point of contact with chain state,
// matching create_next_block's drain-hook-rebuild ordering in the original
// implementation.
func (s *Store) FilterPending(hook func(map[Sig]Data) (map[Sig]Data, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[Sig]Data, len(s.pending))
	for k, v := range s.pending {
		snapshot[k] = v
	}

	filtered, err := hook(snapshot)
	if err != nil {
		return err
	}
	s.pending = filtered
	return nil
}

// CreateBlock drains the pending cache into the next block's Data sequence,
// computes its hash, and signs it with priv. It does not persist the block;
// call AddBlock to do that.
func (s *Store) CreateBlock(nextChoices []PubKey, author PubKey, priv *btcec.PrivateKey) (Block, error) {
	s.mu.Lock()
	data := make([]Data, 0, len(s.pending))
	for sig, d := range s.pending {
		data = append(data, d)
		delete(s.pending, sig)
	}
	parent := s.tip
	s.mu.Unlock()

	var blk Block
	if parent != nil {
		p := *parent
		blk.Parent = &p
	}
	blk.Data = data
	blk.NextChoices = nextChoices
	blk.Author = author

	if err := blk.sign(priv); err != nil {
		return Block{}, err
	}
	return blk, nil
}

// AddBlock validates and appends block, per spec §4.4. A repeat append of
// the current tip is a no-op, not an error.
func (s *Store) AddBlock(block Block, forceAllowAuthor bool) error {
	s.mu.Lock()

	if s.tip != nil && block.Hash == *s.tip {
		s.mu.Unlock()
		return nil
	}

	if !s.parentMatchesTip(block.Parent) {
		s.mu.Unlock()
		return errs.New(errs.Chain, "block is not a child of the current tip")
	}

	if s.root != nil && !forceAllowAuthor && !containsKey(s.nextAuthors, block.Author) {
		s.mu.Unlock()
		return errs.New(errs.Chain, "block has an unexpected author")
	}
	s.mu.Unlock()

	if err := block.VerifySignature(); err != nil {
		return err
	}

	encoded, err := EncodeBlock(block)
	if err != nil {
		return err
	}
	compressed := s.enc.EncodeAll(encoded, nil)

	s.mu.Lock()
	defer s.mu.Unlock()

	// re-check under the write lock: a concurrent AddBlock may have
	// appended a different block on top of the same parent first.
	if s.tip != nil && block.Hash == *s.tip {
		return nil
	}
	if !s.parentMatchesTip(block.Parent) {
		return errs.New(errs.Chain, "block is not a child of the current tip")
	}

	for _, d := range block.Data {
		delete(s.pending, d.Sign)
	}

	offset, err := s.blocks.Seek(0, io.SeekEnd)
	if err != nil {
		return errs.Wrap(errs.Io, err)
	}
	if _, err := s.blocks.Write(compressed); err != nil {
		return errs.Wrap(errs.Io, err)
	}
	if err := s.blocks.Sync(); err != nil {
		return errs.Wrap(errs.Io, err)
	}

	entry := indexEntry{Hash: block.Hash, Offset: uint64(offset), Size: uint32(len(compressed))}
	if _, err := s.index.Seek(0, io.SeekEnd); err != nil {
		return errs.Wrap(errs.Io, err)
	}
	if _, err := s.index.Write(entry.encode()); err != nil {
		return errs.Wrap(errs.Io, err)
	}
	if err := s.index.Sync(); err != nil {
		return errs.Wrap(errs.Io, err)
	}

	s.entries = append(s.entries, entry)
	hash := block.Hash
	if s.root == nil {
		root := hash
		s.root = &root
	}
	s.tip = &hash
	s.nextAuthors = block.NextChoices
	s.count++

	s.log.Info("appended block",
		zap.String("hash", hash.String()),
		zap.Uint64("height", s.count),
		zap.Int("data", len(block.Data)),
		zap.String("compressed_size", bytefmt.ByteSize(uint64(len(compressed)))),
	)

	return nil
}

func (s *Store) parentMatchesTip(parent *Hash) bool {
	if s.tip == nil {
		return parent == nil
	}
	return parent != nil && *parent == *s.tip
}

func containsKey(keys []PubKey, k PubKey) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}

// BlockIterator walks the chain forward from a starting hash, reading
// blocks.db lazily through its own file handle so it never competes with
// Store's write path for the Store's read-write handle.
type BlockIterator struct {
	path    string
	entries []indexEntry
	pos     int
	file    *os.File
	dec     *zstd.Decoder
}

// GetBlocks returns a lazy forward iterator starting at the block after
// start, or at the root if start is nil. It snapshots the current index
// under a read lock and releases it before any file content is streamed.
func (s *Store) GetBlocks(start *Hash) (*BlockIterator, error) {
	s.mu.RLock()
	entries := make([]indexEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.RUnlock()

	pos := 0
	if start != nil {
		found := false
		for i, e := range entries {
			if e.Hash == *start {
				pos = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, errs.New(errs.Chain, "unknown starting block hash")
		}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err)
	}

	return &BlockIterator{
		path:    filepath.Join(s.dir, "blocks.db"),
		entries: entries,
		pos:     pos,
		dec:     dec,
	}, nil
}

// Next returns the next block in sequence. It returns io.EOF once the
// snapshot taken at GetBlocks time is exhausted. Any other error is a
// per-item decode/read failure; the caller may call Next again to resume
// at the following entry.
func (it *BlockIterator) Next() (Block, error) {
	if it.pos >= len(it.entries) {
		return Block{}, io.EOF
	}
	entry := it.entries[it.pos]
	it.pos++

	if it.file == nil {
		f, err := os.Open(it.path)
		if err != nil {
			return Block{}, errs.Wrap(errs.Io, err)
		}
		it.file = f
	}

	compressed := make([]byte, entry.Size)
	if _, err := it.file.ReadAt(compressed, int64(entry.Offset)); err != nil {
		return Block{}, errs.Wrap(errs.Io, err)
	}
	raw, err := it.dec.DecodeAll(compressed, nil)
	if err != nil {
		return Block{}, errs.Wrap(errs.Io, err)
	}
	return DecodeBlock(raw)
}

// Close releases the iterator's file handle.
func (it *BlockIterator) Close() error {
	if it.file == nil {
		return nil
	}
	return it.file.Close()
}

// Close flushes and closes the underlying files.
func (s *Store) Close() error {
	err1 := s.index.Close()
	err2 := s.blocks.Close()
	if err1 != nil {
		return errs.Wrap(errs.Io, err1)
	}
	if err2 != nil {
		return errs.Wrap(errs.Io, err2)
	}
	return nil
}
