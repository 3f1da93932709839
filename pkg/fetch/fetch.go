// Package fetch discovers archive files and hands them, in order, to the
// import loop.
//
// Sources (a local directory or an S3 prefix) yield archives in ascending
// epoch order. The Bridge runs a source on its own goroutine and forwards
// each archive across a bounded channel, so download latency stays off the
// ordered write path: the import loop blocks when no archive is ready, and
// the source blocks when the importer falls behind.
package fetch

import (
	"context"
	"io"
)

// Meta identifies one discovered archive file.
type Meta interface {
	// Open returns a reader over the archive contents. Callers may call it
	// again to restart from the beginning.
	Open() (io.ReadCloser, error)
	// Path returns a descriptor for logs and errors.
	Path() string
	// MarkAsProcessed records that every block tuple in the archive has
	// been consumed, enabling cleanup of any local copy.
	MarkAsProcessed() error
}

// Source yields archives in ascending block-range order. Next returns io.EOF
// when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Meta, error)
	// Len returns the total number of archives the source will yield.
	Len() int
}
