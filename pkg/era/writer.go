package era

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Writer builds one era1 archive file. Blocks must be added in ascending,
// contiguous order; Finish writes the trailing block index.
type Writer struct {
	w       io.Writer
	offset  int64
	started bool
	first   uint64
	next    uint64
	offsets []int64
}

// NewWriter writes the version entry and returns a writer ready for blocks.
func NewWriter(w io.Writer) (*Writer, error) {
	ew := &Writer{w: w}
	n, err := writeEntry(w, TypeVersion, nil)
	if err != nil {
		return nil, fmt.Errorf("write version entry: %w", err)
	}
	ew.offset = n
	return ew, nil
}

// AddBlock encodes and appends one block tuple. td is the total difficulty
// through this block.
func (w *Writer) AddBlock(header *types.Header, body *types.Body, receipts []*types.ReceiptForStorage, td *uint256.Int) error {
	number := header.Number.Uint64()
	if !w.started {
		w.first = number
		w.next = number
		w.started = true
	}
	if number != w.next {
		return fmt.Errorf("non-contiguous block %d, want %d", number, w.next)
	}

	hdrBlob, err := encodeSnappyRLP(header)
	if err != nil {
		return fmt.Errorf("encode header %d: %w", number, err)
	}
	bodyBlob, err := encodeSnappyRLP(body)
	if err != nil {
		return fmt.Errorf("encode body %d: %w", number, err)
	}
	rcptBlob, err := encodeSnappyRLP(receipts)
	if err != nil {
		return fmt.Errorf("encode receipts %d: %w", number, err)
	}

	tdBytes := td.Bytes32()
	// stored little-endian, matching the era1 convention
	var tdLE [32]byte
	for i := 0; i < 32; i++ {
		tdLE[i] = tdBytes[31-i]
	}

	w.offsets = append(w.offsets, w.offset)

	for _, entry := range []struct {
		typ     uint16
		payload []byte
	}{
		{TypeCompressedHeader, hdrBlob},
		{TypeCompressedBody, bodyBlob},
		{TypeCompressedReceipts, rcptBlob},
		{TypeTotalDifficulty, tdLE[:]},
	} {
		n, err := writeEntry(w.w, entry.typ, entry.payload)
		if err != nil {
			return fmt.Errorf("write block %d: %w", number, err)
		}
		w.offset += n
	}

	w.next = number + 1
	return nil
}

// Count returns the number of blocks added so far.
func (w *Writer) Count() int {
	return len(w.offsets)
}

// Finish writes the block index entry. The index payload is the starting
// block number, the block count, and one file offset per block, all u64
// little-endian.
func (w *Writer) Finish() error {
	payload := make([]byte, 16+8*len(w.offsets))
	binary.LittleEndian.PutUint64(payload[0:8], w.first)
	binary.LittleEndian.PutUint64(payload[8:16], uint64(len(w.offsets)))
	for i, off := range w.offsets {
		binary.LittleEndian.PutUint64(payload[16+8*i:], uint64(off))
	}

	if _, err := writeEntry(w.w, TypeBlockIndex, payload); err != nil {
		return fmt.Errorf("write block index: %w", err)
	}
	return nil
}
