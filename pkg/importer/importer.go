// Package importer replays era1 history archives into the segmented block
// store.
//
// One asynchronous task discovers and downloads archives; one synchronous
// loop does all decode and append work. The two meet at a bounded channel.
// Blocks are committed in bounded batches, each batch pairing its segment
// writes with stage checkpoints in a single atomic commit, so a crashed run
// resumes from the last committed height and re-imports nothing.
package importer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/chainarc/eraimport/internal/logctx"
	"github.com/chainarc/eraimport/pkg/fetch"
	"github.com/chainarc/eraimport/pkg/hashindex"
	"github.com/chainarc/eraimport/pkg/logging"
	"github.com/chainarc/eraimport/pkg/store"
	"github.com/holiman/uint256"
)

// DefaultStep is the batch size in blocks, matching the canonical number of
// blocks per archive file.
const DefaultStep = 8192

// Stage names used for checkpoints.
const (
	StageHeaders  = "headers"
	StageBodies   = "bodies"
	StageReceipts = "receipts"
)

var stages = []string{StageHeaders, StageBodies, StageReceipts}

// ErrMissingBodyIndices indicates a block whose body was just staged has no
// readable transaction range. This is an internal consistency failure, not
// an I/O condition; it is never retried.
var ErrMissingBodyIndices = errors.New("body indices missing for just-written block")

// Options configures an import run.
type Options struct {
	// Step bounds the number of blocks per committed batch (default 8192).
	Step uint64
	// MaxHeight stops the run after the batch containing this height.
	// Defaults to no limit.
	MaxHeight uint64
	// IndexDir is where the terminal pass writes the hash index.
	IndexDir string
	// QueueDepth is the bridge channel capacity (default 2).
	QueueDepth int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Step == 0 {
		opts.Step = DefaultStep
	}
	if opts.MaxHeight == 0 {
		opts.MaxHeight = math.MaxUint64
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 2
	}
	return opts
}

// run carries the import cursor and collaborators through one Import call.
type run struct {
	st         *store.Store
	collector  *hashindex.Collector
	opts       Options
	haveBlocks bool
	td         *uint256.Int

	// height is the staging cursor: the highest block appended, committed
	// or not. committed trails it and only moves on a batch commit; it is
	// what Import reports, because it is where a re-invocation resumes.
	height    uint64
	committed uint64
}

// Import replays every archive the source yields, in order, and finishes
// with the terminal hash index build. Returns the final imported height.
//
// The returned height is also correct on error: it reflects the last
// committed batch, which is where a re-invocation will resume.
func Import(ctx context.Context, src fetch.Source, st *store.Store, collector *hashindex.Collector, opts Options) (uint64, error) {
	opts = opts.withDefaults()
	log := logging.WithPhase("import")
	runStart := time.Now()

	r := &run{st: st, collector: collector, opts: opts}

	// Seed the cursor from the store. An empty store starts at genesis with
	// zero accumulated difficulty; a non-empty store must have a difficulty
	// record for its highest header.
	r.height, r.haveBlocks = st.HighestBlock()
	r.committed = r.height
	if r.haveBlocks {
		td, err := st.TotalDifficulty(r.height)
		if err != nil {
			return r.height, fmt.Errorf("seed total difficulty at %d: %w", r.height, err)
		}
		r.td = td
	} else {
		r.td = uint256.NewInt(0)
	}

	// A resumed run reseeds the collector from the previous index build, so
	// the terminal build covers skipped blocks too.
	if r.haveBlocks && hashindex.IndexExists(opts.IndexDir) {
		if err := collector.SeedFromIndex(opts.IndexDir); err != nil {
			return r.height, fmt.Errorf("seed hash collector from index: %w", err)
		}
	}

	log.Info().
		Uint64("height", r.height).
		Str("total_difficulty", r.td.Dec()).
		Int("archives", src.Len()).
		Msg("starting archive import")

	// The bridge gets its own cancellation so an early stop (max height
	// reached) unblocks the producer.
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bridge := fetch.NewBridge(opts.QueueDepth)
	go bridge.Run(bctx, src)

	tracker := logging.NewProgressTracker("import", int64(src.Len()), log)

	for res := range bridge.Archives() {
		if res.Err != nil {
			return r.committed, fmt.Errorf("archive discovery: %w", res.Err)
		}
		if err := ctx.Err(); err != nil {
			return r.committed, err
		}

		archiveStart := time.Now()
		actx := logctx.WithLogger(ctx, log.With().Str("archive", res.Meta.Path()).Logger())

		stop, err := r.processArchive(actx, res.Meta)
		if err != nil {
			return r.committed, fmt.Errorf("process %s: %w", res.Meta.Path(), err)
		}

		tracker.RecordCompletion(time.Since(archiveStart))
		logging.ArchiveComplete(log, "import", time.Since(archiveStart)).
			Str("archive", res.Meta.Path()).
			Uint64("height", r.height).
			ProgressFromTracker(tracker).
			Log("archive imported")

		if stop {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return r.committed, err
	}

	// Terminal pass: one bulk build of the hash index from every collected
	// (hash, number) pair.
	if err := collector.Build(opts.IndexDir); err != nil {
		return r.committed, fmt.Errorf("build hash index: %w", err)
	}

	logging.PhaseComplete(log, "import", time.Since(runStart)).
		Uint64("height", r.height).
		Str("total_difficulty", r.td.Dec()).
		Count("blocks_indexed", int64(collector.Len())).
		Log("archive import complete")

	return r.committed, nil
}
