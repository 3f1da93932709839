package hashindex

import "errors"

var (
	// ErrDuplicateHash indicates two inserted block hashes share the same
	// index key, either a re-inserted block or an 8-byte prefix collision.
	ErrDuplicateHash = errors.New("duplicate block hash key")
	// ErrInvalidIndex indicates an index directory with missing or
	// malformed files.
	ErrInvalidIndex = errors.New("invalid hash index")
)
