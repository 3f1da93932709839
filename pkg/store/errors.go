package store

import "errors"

var (
	// ErrUnexpectedKey indicates an append whose key does not match the
	// segment's next expected key. Always fatal: it means store corruption
	// or a caller ordering bug, never a transient condition.
	ErrUnexpectedKey = errors.New("append key does not match next expected key")
	// ErrTotalDifficultyNotFound indicates the store's highest header has no
	// total difficulty record. Fatal: the running total cannot be seeded.
	ErrTotalDifficultyNotFound = errors.New("total difficulty not found")
	// ErrBodyIndicesNotFound indicates no body index record exists for a
	// block number.
	ErrBodyIndicesNotFound = errors.New("block body indices not found")
	// ErrNotFound indicates a read past the committed end of a segment.
	ErrNotFound = errors.New("record not found")
	// ErrCheckpointRewind indicates an attempt to move a stage checkpoint
	// backwards. Checkpoints only ever advance.
	ErrCheckpointRewind = errors.New("checkpoint may not move backwards")
	// ErrBatchCommitted indicates use of a batch after Commit.
	ErrBatchCommitted = errors.New("batch already committed")
	// ErrCorrupt indicates store files inconsistent with the manifest.
	ErrCorrupt = errors.New("store corrupt")
)
