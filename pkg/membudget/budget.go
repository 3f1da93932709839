// Package membudget sizes in-memory buffers for the import pipeline.
//
// The only memory-hungry structure in the pipeline is the hash collector's
// entry buffer; everything else is bounded by the batch step. The budget
// converts a fraction of system RAM into a maximum entry count, clamped to a
// sane floor and ceiling so tiny or huge machines both behave.
package membudget

import (
	"github.com/chainarc/eraimport/pkg/sysmem"
)

// DefaultFraction is the share of system RAM the collector buffer may use.
const DefaultFraction = 0.25

// Budget converts a byte budget into buffer entry counts.
type Budget struct {
	totalBytes uint64
	reliable   bool
}

// Config holds configuration for creating a Budget.
type Config struct {
	// TotalBytes is the byte budget. If 0, it is derived from system RAM
	// using Fraction.
	TotalBytes uint64

	// Fraction of system RAM to use when TotalBytes is 0.
	// Defaults to DefaultFraction.
	Fraction float64
}

// New creates a Budget from the configuration.
func New(cfg Config) *Budget {
	if cfg.TotalBytes > 0 {
		return &Budget{totalBytes: cfg.TotalBytes, reliable: true}
	}

	frac := cfg.Fraction
	if frac <= 0 || frac > 1 {
		frac = DefaultFraction
	}

	mem := sysmem.Total()
	return &Budget{
		totalBytes: uint64(float64(mem.TotalBytes) * frac),
		reliable:   mem.Reliable,
	}
}

// TotalBytes returns the byte budget.
func (b *Budget) TotalBytes() uint64 {
	return b.totalBytes
}

// Reliable reports whether the budget was derived from detected RAM rather
// than the fallback default.
func (b *Budget) Reliable() bool {
	return b.reliable
}

// MaxEntries returns how many fixed-size entries fit in the budget, clamped
// to [floor, ceil]. A zero ceil means no upper clamp.
func (b *Budget) MaxEntries(entrySize int, floor, ceil int) int {
	if entrySize <= 0 {
		return floor
	}

	n := int(b.totalBytes / uint64(entrySize))
	if n < floor {
		n = floor
	}
	if ceil > 0 && n > ceil {
		n = ceil
	}
	return n
}
