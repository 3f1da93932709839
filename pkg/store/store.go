// Package store implements the durable, segmented block store the import
// pipeline writes into and an execution engine reads back from.
//
// Layout: three append-only segments (headers and bodies keyed by block
// number, receipts keyed by global transaction number), a per-block total
// difficulty array, a per-block first-transaction array, and a manifest.
// All reads are O(1) via the offset arrays. Commit atomicity comes from the
// manifest: segment appends land first, then one atomic manifest swap makes
// data, body indices, and stage checkpoints visible together. On open,
// anything past the manifest's recorded extents is truncated away.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainarc/eraimport/pkg/fileutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// tdWidth is the fixed width of one total difficulty record (u256 big-endian).
const tdWidth = 32

// BodyIndices locates a block's transactions inside the receipts segment.
type BodyIndices struct {
	// FirstTxNum is the global transaction number of the block's first tx.
	FirstTxNum uint64
	// TxCount is the number of transactions in the block.
	TxCount uint64
}

// Store is a segmented block store rooted at one directory. It supports a
// single open batch at a time; batches stage in memory and commit atomically.
type Store struct {
	dir string
	man manifest

	headers  *segment
	bodies   *segment
	receipts *segment

	// td holds one 32-byte big-endian total difficulty per header.
	td *os.File
	// tx holds count+1 u64 entries; entry i is the first global tx number
	// of block i, the last entry is the committed transaction total.
	tx *os.File

	txTotal uint64
}

// Open opens or creates a store, recovering to the last committed manifest.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	man, found, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	if !found {
		man = newManifest()
	}

	s := &Store{dir: dir, man: man}

	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	for _, open := range []struct {
		seg  **segment
		name string
	}{
		{&s.headers, segHeaders},
		{&s.bodies, segBodies},
		{&s.receipts, segReceipts},
	} {
		seg, err := openSegment(dir, open.name)
		if err != nil {
			return nil, err
		}
		*open.seg = seg
		if err := seg.recover(man.Segments[open.name]); err != nil {
			return nil, err
		}
	}

	if s.td, err = s.openAux("headers.td", int64(man.Segments[segHeaders].Count)*tdWidth, false); err != nil {
		return nil, err
	}
	if s.tx, err = s.openAux("bodies.tx", int64(man.Segments[segBodies].Count+1)*8, true); err != nil {
		return nil, err
	}

	var buf [8]byte
	if _, err := s.tx.ReadAt(buf[:], int64(man.Segments[segBodies].Count)*8); err != nil {
		return nil, fmt.Errorf("read tx total: %w", err)
	}
	s.txTotal = binary.LittleEndian.Uint64(buf[:])

	if !found {
		if err := saveManifest(dir, s.man); err != nil {
			return nil, err
		}
	}

	ok = true
	return s, nil
}

func (s *Store) openAux(name string, size int64, sentinel bool) (*os.File, error) {
	path := filepath.Join(s.dir, name)
	fresh := !fileutil.Exists(path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	if fresh && sentinel {
		var zero [8]byte
		if _, err := f.WriteAt(zero[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("init %s: %w", name, err)
		}
	}
	if err := fileutil.TruncateTo(path, size); err != nil {
		f.Close()
		return nil, fmt.Errorf("recover %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.Size() != size {
		f.Close()
		return nil, fmt.Errorf("%w: %s shorter than manifest", ErrCorrupt, name)
	}
	return f, nil
}

// Close releases file handles. Any uncommitted batch is discarded.
func (s *Store) Close() error {
	var firstErr error
	for _, seg := range []*segment{s.headers, s.bodies, s.receipts} {
		if seg == nil {
			continue
		}
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range []*os.File{s.td, s.tx} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// HighestBlock returns the highest committed block number. ok is false for
// an empty store.
func (s *Store) HighestBlock() (height uint64, ok bool) {
	if s.headers.count == 0 {
		return 0, false
	}
	return s.headers.count - 1, true
}

// TxCount returns the committed number of transactions.
func (s *Store) TxCount() uint64 {
	return s.txTotal
}

// ReceiptsBlock returns the highest block whose receipt range is finalized.
func (s *Store) ReceiptsBlock() (uint64, bool) {
	return s.man.ReceiptsBlock, s.man.ReceiptsBlockSet
}

// Checkpoint returns the committed checkpoint for a stage.
func (s *Store) Checkpoint(stage string) (Checkpoint, bool) {
	cp, ok := s.man.Checkpoints[stage]
	return cp, ok
}

// TotalDifficulty returns the committed total difficulty at a block.
func (s *Store) TotalDifficulty(number uint64) (*uint256.Int, error) {
	if number >= s.headers.count {
		return nil, fmt.Errorf("%w: block %d", ErrTotalDifficultyNotFound, number)
	}
	var buf [tdWidth]byte
	if _, err := s.td.ReadAt(buf[:], int64(number)*tdWidth); err != nil {
		return nil, fmt.Errorf("read total difficulty %d: %w", number, err)
	}
	return new(uint256.Int).SetBytes32(buf[:]), nil
}

// BlockBodyIndices returns the receipts-segment location of a committed
// block's transactions.
func (s *Store) BlockBodyIndices(number uint64) (BodyIndices, error) {
	if number >= s.bodies.count {
		return BodyIndices{}, fmt.Errorf("%w: block %d", ErrBodyIndicesNotFound, number)
	}
	first, err := s.txEntry(number)
	if err != nil {
		return BodyIndices{}, err
	}
	next, err := s.txEntry(number + 1)
	if err != nil {
		return BodyIndices{}, err
	}
	if next < first {
		return BodyIndices{}, fmt.Errorf("%w: tx range of block %d", ErrCorrupt, number)
	}
	return BodyIndices{FirstTxNum: first, TxCount: next - first}, nil
}

func (s *Store) txEntry(i uint64) (uint64, error) {
	var buf [8]byte
	if _, err := s.tx.ReadAt(buf[:], int64(i)*8); err != nil {
		return 0, fmt.Errorf("read tx entry %d: %w", i, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Header returns the committed header at a block number.
func (s *Store) Header(number uint64) (*types.Header, error) {
	blob, err := s.headers.record(number)
	if err != nil {
		return nil, err
	}
	var header types.Header
	if err := rlp.DecodeBytes(blob, &header); err != nil {
		return nil, fmt.Errorf("decode header %d: %w", number, err)
	}
	return &header, nil
}

// Body returns the committed body at a block number.
func (s *Store) Body(number uint64) (*types.Body, error) {
	blob, err := s.bodies.record(number)
	if err != nil {
		return nil, err
	}
	var body types.Body
	if err := rlp.DecodeBytes(blob, &body); err != nil {
		return nil, fmt.Errorf("decode body %d: %w", number, err)
	}
	return &body, nil
}

// Receipt returns the committed receipt at a global transaction number.
func (s *Store) Receipt(txNum uint64) (*types.ReceiptForStorage, error) {
	blob, err := s.receipts.record(txNum)
	if err != nil {
		return nil, err
	}
	var receipt types.ReceiptForStorage
	if err := rlp.DecodeBytes(blob, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt %d: %w", txNum, err)
	}
	return &receipt, nil
}

// BlockReceipts returns all committed receipts of one block.
func (s *Store) BlockReceipts(number uint64) ([]*types.ReceiptForStorage, error) {
	idx, err := s.BlockBodyIndices(number)
	if err != nil {
		return nil, err
	}
	receipts := make([]*types.ReceiptForStorage, 0, idx.TxCount)
	for i := uint64(0); i < idx.TxCount; i++ {
		r, err := s.Receipt(idx.FirstTxNum + i)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}
