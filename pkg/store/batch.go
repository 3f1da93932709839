package store

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Batch stages one bounded run of blocks plus its checkpoints as a single
// transactional unit. Appends go to memory; Commit appends everything to the
// segment files and swaps the manifest in one step, so data and checkpoint
// become visible together or not at all. Abandoning a batch leaves the store
// untouched.
//
// Every append enforces the exact next-key invariant of its segment; a
// mismatch returns ErrUnexpectedKey without mutating any state.
type Batch struct {
	st        *Store
	committed bool

	hdrBlob bytes.Buffer
	hdrEnds []int64
	hdrTD   bytes.Buffer

	bodyBlob    bytes.Buffer
	bodyEnds    []int64
	txSentinels []uint64

	rcptBlob bytes.Buffer
	rcptEnds []int64

	nextHeader  uint64
	nextBody    uint64
	nextReceipt uint64
	stagedTxs   uint64

	receiptsBlock    uint64
	receiptsBlockSet bool

	checkpoints map[string]Checkpoint
}

// NewBatch opens a staging batch over the store's current committed state.
func (s *Store) NewBatch() *Batch {
	return &Batch{
		st:          s,
		nextHeader:  s.headers.count,
		nextBody:    s.bodies.count,
		nextReceipt: s.receipts.count,
		checkpoints: map[string]Checkpoint{},
	}
}

// AppendHeader stages a header and its total difficulty. number must equal
// the headers segment's next expected key.
func (b *Batch) AppendHeader(number uint64, header *types.Header, td *uint256.Int) error {
	if b.committed {
		return ErrBatchCommitted
	}
	if number != b.nextHeader {
		return fmt.Errorf("%w: headers append %d, want %d", ErrUnexpectedKey, number, b.nextHeader)
	}

	blob, err := rlp.EncodeToBytes(header)
	if err != nil {
		return fmt.Errorf("encode header %d: %w", number, err)
	}

	b.hdrBlob.Write(blob)
	b.hdrEnds = append(b.hdrEnds, b.st.headers.blobBytes+int64(b.hdrBlob.Len()))
	tdBytes := td.Bytes32()
	b.hdrTD.Write(tdBytes[:])
	b.nextHeader++
	return nil
}

// AppendBody stages a body and records its transaction range. number must
// equal the bodies segment's next expected key.
func (b *Batch) AppendBody(number uint64, body *types.Body) error {
	if b.committed {
		return ErrBatchCommitted
	}
	if number != b.nextBody {
		return fmt.Errorf("%w: bodies append %d, want %d", ErrUnexpectedKey, number, b.nextBody)
	}

	blob, err := rlp.EncodeToBytes(body)
	if err != nil {
		return fmt.Errorf("encode body %d: %w", number, err)
	}

	b.bodyBlob.Write(blob)
	b.bodyEnds = append(b.bodyEnds, b.st.bodies.blobBytes+int64(b.bodyBlob.Len()))
	b.stagedTxs += uint64(len(body.Transactions))
	b.txSentinels = append(b.txSentinels, b.st.txTotal+b.stagedTxs)
	b.nextBody++
	return nil
}

// AppendReceipt stages one receipt at a global transaction number, which must
// equal the receipts segment's next expected key.
func (b *Batch) AppendReceipt(txNum uint64, receipt *types.ReceiptForStorage) error {
	if b.committed {
		return ErrBatchCommitted
	}
	if txNum != b.nextReceipt {
		return fmt.Errorf("%w: receipts append %d, want %d", ErrUnexpectedKey, txNum, b.nextReceipt)
	}

	blob, err := rlp.EncodeToBytes(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt %d: %w", txNum, err)
	}

	b.rcptBlob.Write(blob)
	b.rcptEnds = append(b.rcptEnds, b.st.receipts.blobBytes+int64(b.rcptBlob.Len()))
	b.nextReceipt++
	return nil
}

// IncrementBlock finalizes a block's receipt range. It must be called once
// per block after all its receipts are appended, and verifies that the
// receipts cursor lines up with the block's recorded transaction range.
func (b *Batch) IncrementBlock(number uint64) error {
	if b.committed {
		return ErrBatchCommitted
	}
	if b.nextBody == 0 || number != b.nextBody-1 {
		return fmt.Errorf("%w: receipts block %d, want %d", ErrUnexpectedKey, number, b.nextBody-1)
	}

	idx, err := b.BlockBodyIndices(number)
	if err != nil {
		return err
	}
	if want := idx.FirstTxNum + idx.TxCount; b.nextReceipt != want {
		return fmt.Errorf("%w: receipts cursor %d after block %d, want %d",
			ErrUnexpectedKey, b.nextReceipt, number, want)
	}

	b.receiptsBlock = number
	b.receiptsBlockSet = true
	return nil
}

// BlockBodyIndices reads a block's transaction range through the batch:
// staged blocks are visible to the batch that wrote them before commit.
func (b *Batch) BlockBodyIndices(number uint64) (BodyIndices, error) {
	committed := b.st.bodies.count
	if number < committed {
		return b.st.BlockBodyIndices(number)
	}
	if number >= b.nextBody {
		return BodyIndices{}, fmt.Errorf("%w: block %d", ErrBodyIndicesNotFound, number)
	}

	i := number - committed
	first := b.st.txTotal
	if i > 0 {
		first = b.txSentinels[i-1]
	}
	return BodyIndices{FirstTxNum: first, TxCount: b.txSentinels[i] - first}, nil
}

// SaveCheckpoint stages a checkpoint for a stage. Checkpoints only advance;
// an attempt to move one backwards fails the batch.
func (b *Batch) SaveCheckpoint(stage string, from, to uint64) error {
	if b.committed {
		return ErrBatchCommitted
	}
	if prev, ok := b.st.man.Checkpoints[stage]; ok && to < prev.Block {
		return fmt.Errorf("%w: stage %s to %d, committed %d", ErrCheckpointRewind, stage, to, prev.Block)
	}
	if prev, ok := b.checkpoints[stage]; ok && to < prev.Block {
		return fmt.Errorf("%w: stage %s to %d, staged %d", ErrCheckpointRewind, stage, to, prev.Block)
	}
	b.checkpoints[stage] = Checkpoint{From: from, Block: to}
	return nil
}

// Blocks returns how many blocks the batch has staged.
func (b *Batch) Blocks() uint64 {
	return b.nextHeader - b.st.headers.count
}

// Commit makes the batch durable and visible: staged bytes are appended and
// fsynced to every touched file, then the manifest is atomically replaced
// with one that covers the new extents and checkpoints. A crash anywhere
// before the manifest swap leaves the previous committed state.
func (b *Batch) Commit() error {
	if b.committed {
		return ErrBatchCommitted
	}

	s := b.st

	if err := s.headers.appendStaged(b.hdrBlob.Bytes(), b.hdrEnds); err != nil {
		return err
	}
	if err := s.bodies.appendStaged(b.bodyBlob.Bytes(), b.bodyEnds); err != nil {
		return err
	}
	if err := s.receipts.appendStaged(b.rcptBlob.Bytes(), b.rcptEnds); err != nil {
		return err
	}

	if b.hdrTD.Len() > 0 {
		if _, err := s.td.WriteAt(b.hdrTD.Bytes(), int64(s.headers.count)*tdWidth); err != nil {
			return fmt.Errorf("append total difficulty: %w", err)
		}
		if err := s.td.Sync(); err != nil {
			return fmt.Errorf("sync total difficulty: %w", err)
		}
	}

	if len(b.txSentinels) > 0 {
		buf := make([]byte, 8*len(b.txSentinels))
		for i, v := range b.txSentinels {
			binary.LittleEndian.PutUint64(buf[8*i:], v)
		}
		if _, err := s.tx.WriteAt(buf, int64(s.bodies.count+1)*8); err != nil {
			return fmt.Errorf("append tx sentinels: %w", err)
		}
		if err := s.tx.Sync(); err != nil {
			return fmt.Errorf("sync tx sentinels: %w", err)
		}
	}

	man := s.man
	man.Segments = map[string]SegmentState{
		segHeaders:  {Count: b.nextHeader, BlobBytes: s.headers.blobBytes + int64(b.hdrBlob.Len())},
		segBodies:   {Count: b.nextBody, BlobBytes: s.bodies.blobBytes + int64(b.bodyBlob.Len())},
		segReceipts: {Count: b.nextReceipt, BlobBytes: s.receipts.blobBytes + int64(b.rcptBlob.Len())},
	}
	man.Checkpoints = map[string]Checkpoint{}
	for k, v := range s.man.Checkpoints {
		man.Checkpoints[k] = v
	}
	for k, v := range b.checkpoints {
		man.Checkpoints[k] = v
	}
	if b.receiptsBlockSet {
		man.ReceiptsBlock = b.receiptsBlock
		man.ReceiptsBlockSet = true
	}

	if err := saveManifest(s.dir, man); err != nil {
		return err
	}

	// the swap succeeded; adopt the new committed state
	s.man = man
	s.headers.advance(uint64(len(b.hdrEnds)), int64(b.hdrBlob.Len()))
	s.bodies.advance(uint64(len(b.bodyEnds)), int64(b.bodyBlob.Len()))
	s.receipts.advance(uint64(len(b.rcptEnds)), int64(b.rcptBlob.Len()))
	s.txTotal += b.stagedTxs

	b.committed = true
	return nil
}
