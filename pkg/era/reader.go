package era

import (
	"bufio"
	"fmt"
	"io"
)

// BlockTuple is the compressed (header, body, receipts) triple for one block,
// plus its ordinal position in the file. The payloads are snappy-compressed
// RLP; TotalDifficulty is the raw 32-byte little-endian value recorded in the
// archive (informational - the import pipeline recomputes its own running
// total from the store).
type BlockTuple struct {
	Header          []byte
	Body            []byte
	Receipts        []byte
	TotalDifficulty []byte
	Ordinal         int
}

// Reader produces a lazy, forward-only sequence of block tuples from one
// archive stream. It is finite and not restartable; reopen the file to
// restart.
type Reader struct {
	r       *bufio.Reader
	ordinal int
	done    bool

	// one-entry pushback for the optional total difficulty entry
	pending       bool
	pendingType   uint16
	pendingLength uint32
}

// NewReader wraps an archive stream. It consumes and validates the leading
// version entry.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	typ, length, err := readEntryHeader(br)
	if err != nil {
		if err == io.EOF {
			return nil, ErrNotEra
		}
		return nil, err
	}
	if typ != TypeVersion {
		return nil, ErrNotEra
	}
	if _, err := br.Discard(int(length)); err != nil {
		return nil, fmt.Errorf("skip version entry: %w", err)
	}

	return &Reader{r: br}, nil
}

func (r *Reader) nextEntry() (uint16, uint32, error) {
	if r.pending {
		r.pending = false
		return r.pendingType, r.pendingLength, nil
	}
	return readEntryHeader(r.r)
}

func (r *Reader) pushback(typ uint16, length uint32) {
	r.pending = true
	r.pendingType = typ
	r.pendingLength = length
}

func (r *Reader) readPayload(length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("read entry payload: %w", err)
	}
	return buf, nil
}

// Next returns the next block tuple in file order. It returns io.EOF after
// the last tuple (the trailing block index and accumulator entries are
// consumed silently).
func (r *Reader) Next() (BlockTuple, error) {
	if r.done {
		return BlockTuple{}, io.EOF
	}

	typ, length, err := r.nextEntry()
	if err != nil {
		if err == io.EOF {
			r.done = true
			return BlockTuple{}, io.EOF
		}
		return BlockTuple{}, err
	}

	switch typ {
	case TypeCompressedHeader:
		// fall through to tuple assembly below
	case TypeAccumulator, TypeBlockIndex:
		// trailer entries terminate the tuple sequence
		r.done = true
		return BlockTuple{}, io.EOF
	default:
		return BlockTuple{}, fmt.Errorf("%w: unexpected entry type %#x", ErrCorrupt, typ)
	}

	tuple := BlockTuple{Ordinal: r.ordinal}

	if tuple.Header, err = r.readPayload(length); err != nil {
		return BlockTuple{}, err
	}

	if tuple.Body, err = r.expect(TypeCompressedBody); err != nil {
		return BlockTuple{}, err
	}
	if tuple.Receipts, err = r.expect(TypeCompressedReceipts); err != nil {
		return BlockTuple{}, err
	}

	// The total difficulty entry is optional per tuple.
	typ, length, err = r.nextEntry()
	switch {
	case err == io.EOF:
		r.done = true
	case err != nil:
		return BlockTuple{}, err
	case typ == TypeTotalDifficulty:
		if tuple.TotalDifficulty, err = r.readPayload(length); err != nil {
			return BlockTuple{}, err
		}
	default:
		r.pushback(typ, length)
	}

	r.ordinal++
	return tuple, nil
}

func (r *Reader) expect(want uint16) ([]byte, error) {
	typ, length, err := r.nextEntry()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: truncated block tuple", ErrCorrupt)
		}
		return nil, err
	}
	if typ != want {
		return nil, fmt.Errorf("%w: entry type %#x, want %#x", ErrCorrupt, typ, want)
	}
	return r.readPayload(length)
}
