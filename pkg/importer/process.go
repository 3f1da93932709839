package importer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/chainarc/eraimport/internal/logctx"
	"github.com/chainarc/eraimport/pkg/era"
	"github.com/chainarc/eraimport/pkg/fetch"
	"github.com/chainarc/eraimport/pkg/logging"
	"github.com/chainarc/eraimport/pkg/store"
	"github.com/holiman/uint256"
)

// archiveIter wraps era file extraction so that the archive's mark-processed
// hook runs exactly once, at exhaustion. A hook failure surfaces as the
// sequence's final error instead of being swallowed.
type archiveIter struct {
	r      *era.Reader
	meta   fetch.Meta
	marked bool
}

func (it *archiveIter) next() (era.BlockTuple, error) {
	if it.marked {
		return era.BlockTuple{}, io.EOF
	}
	tuple, err := it.r.Next()
	if err == io.EOF {
		it.marked = true
		if merr := it.meta.MarkAsProcessed(); merr != nil {
			return era.BlockTuple{}, fmt.Errorf("mark archive processed: %w", merr)
		}
		return era.BlockTuple{}, io.EOF
	}
	return tuple, err
}

// processArchive drains one archive through the batch state machine:
// open a range, drain blocks into it, commit range and checkpoints
// atomically, repeat until the archive or the height ceiling is exhausted.
// Returns stop=true once the ceiling batch has committed.
func (r *run) processArchive(ctx context.Context, meta fetch.Meta) (stop bool, err error) {
	log := logctx.FromContext(ctx)

	f, err := meta.Open()
	if err != nil {
		return false, err
	}
	defer f.Close()

	reader, err := era.NewReader(f)
	if err != nil {
		return false, err
	}
	it := &archiveIter{r: reader, meta: meta}

	// Range state. batch == nil means no range is open.
	var (
		batch      *store.Batch
		rangeStart uint64
		rangeEnd   uint64
		batchStart time.Time
	)

	openRange := func() {
		rangeStart = r.height
		rangeEnd = rangeStart + r.opts.Step
		if r.opts.MaxHeight < rangeEnd {
			rangeEnd = r.opts.MaxHeight
		}
		batch = r.st.NewBatch()
		batchStart = time.Now()
	}

	commitRange := func() error {
		for _, stage := range stages {
			if err := batch.SaveCheckpoint(stage, rangeStart, r.height); err != nil {
				return err
			}
		}
		blocks := batch.Blocks()
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("commit batch [%d, %d]: %w", rangeStart, rangeEnd, err)
		}
		r.committed = r.height
		logging.BatchComplete(log, "commit", time.Since(batchStart)).
			Uint64("from", rangeStart).
			Uint64("to", r.height).
			Count("blocks", int64(blocks)).
			BlockRate(int64(blocks)).
			LogDebug("batch committed")
		batch = nil
		return nil
	}

	for {
		tuple, err := it.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, err
		}

		blk, err := era.DecodeBlock(tuple)
		if err != nil {
			return false, err
		}
		number := blk.Number()

		// Skip-below-height makes re-runs and overlapping archives
		// idempotent. The cursor height is the sole skip oracle; an empty
		// store skips nothing so genesis gets imported.
		if r.haveBlocks && number <= r.height {
			continue
		}

		// The first block past the height ceiling ends the run. It is never
		// appended, even when no range is open yet; whatever is staged
		// commits first.
		if number > r.opts.MaxHeight {
			if batch != nil {
				if err := commitRange(); err != nil {
					return false, err
				}
			}
			return true, nil
		}

		if batch == nil {
			openRange()
		} else if number > rangeEnd {
			if err := commitRange(); err != nil {
				return false, err
			}
			if err := ctx.Err(); err != nil {
				return false, err
			}
			openRange()
		}

		if err := r.appendBlock(batch, blk); err != nil {
			return false, err
		}
	}

	if batch != nil {
		if err := commitRange(); err != nil {
			return false, err
		}
	}
	if r.height >= r.opts.MaxHeight {
		return true, nil
	}
	return false, nil
}

// appendBlock applies one decoded block to all three segments and the hash
// collector, advancing the cursor. The total difficulty is accumulated
// before the header is written so the stored record already includes this
// block.
func (r *run) appendBlock(batch *store.Batch, blk *era.DecodedBlock) error {
	number := blk.Number()

	diff, overflow := uint256.FromBig(blk.Header.Difficulty)
	if overflow {
		return fmt.Errorf("%w: difficulty overflow at block %d", era.ErrDecode, number)
	}
	r.td.Add(r.td, diff)

	if err := batch.AppendHeader(number, blk.Header, r.td); err != nil {
		return err
	}
	if err := batch.AppendBody(number, blk.Body); err != nil {
		return err
	}

	idx, err := batch.BlockBodyIndices(number)
	if err != nil {
		return fmt.Errorf("%w: block %d: %v", ErrMissingBodyIndices, number, err)
	}

	txNum := idx.FirstTxNum
	for _, receipt := range blk.Receipts {
		if err := batch.AppendReceipt(txNum, receipt); err != nil {
			return err
		}
		txNum++
	}
	if err := batch.IncrementBlock(number); err != nil {
		return err
	}

	if err := r.collector.Insert(blk.Hash, number); err != nil {
		return fmt.Errorf("collect hash of block %d: %w", number, err)
	}

	r.height = number
	r.haveBlocks = true
	return nil
}
