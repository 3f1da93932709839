package era

import "errors"

var (
	// ErrNotEra indicates the stream does not start with an era version entry.
	ErrNotEra = errors.New("not an era1 file: missing version entry")
	// ErrCorrupt indicates a structurally invalid entry sequence.
	ErrCorrupt = errors.New("corrupt era1 file")
	// ErrDecode indicates a block tuple that failed decompression or RLP
	// decoding. Decode failures are fatal to the batch, never skipped.
	ErrDecode = errors.New("block tuple decode failed")
)
