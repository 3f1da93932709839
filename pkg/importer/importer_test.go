package importer

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/chainarc/eraimport/pkg/benchutil"
	"github.com/chainarc/eraimport/pkg/fetch"
	"github.com/chainarc/eraimport/pkg/hashindex"
	"github.com/chainarc/eraimport/pkg/store"
	"github.com/holiman/uint256"
)

type testEnv struct {
	chain      *benchutil.Chain
	archiveDir string
	storeDir   string
	indexDir   string
	scratch    string
}

func newTestEnv(t *testing.T, numBlocks, perFile int) *testEnv {
	t.Helper()
	env := &testEnv{
		archiveDir: t.TempDir(),
		storeDir:   filepath.Join(t.TempDir(), "store"),
		indexDir:   filepath.Join(t.TempDir(), "index"),
		scratch:    t.TempDir(),
	}
	env.chain = benchutil.GenerateChain(benchutil.DefaultConfig(numBlocks))
	if _, err := benchutil.WriteArchives(env.archiveDir, env.chain, perFile); err != nil {
		t.Fatalf("WriteArchives: %v", err)
	}
	return env
}

// runImport opens the store fresh, imports, and closes it again.
func (env *testEnv) runImport(t *testing.T, opts Options) (uint64, error) {
	t.Helper()
	src, err := fetch.NewLocalSource(fetch.LocalConfig{Dir: env.archiveDir})
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	st, err := store.Open(env.storeDir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	collector := hashindex.NewCollector(hashindex.Config{ScratchDir: env.scratch, MaxBuffered: 64})
	defer collector.Cleanup()

	opts.IndexDir = env.indexDir
	return Import(context.Background(), src, st, collector, opts)
}

func (env *testEnv) openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(env.storeDir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// verifyFull checks the store and index against the whole generated chain.
func (env *testEnv) verifyFull(t *testing.T) {
	t.Helper()
	st := env.openStore(t)

	last := uint64(len(env.chain.Blocks) - 1)
	height, ok := st.HighestBlock()
	if !ok || height != last {
		t.Fatalf("HighestBlock = (%d, %v), want (%d, true)", height, ok, last)
	}

	td, err := st.TotalDifficulty(last)
	if err != nil {
		t.Fatalf("TotalDifficulty(%d): %v", last, err)
	}
	if !td.Eq(env.chain.FinalTD) {
		t.Errorf("TotalDifficulty(%d) = %s, want %s", last, td.Dec(), env.chain.FinalTD.Dec())
	}

	var wantTxs uint64
	for n, blk := range env.chain.Blocks {
		wantTxs += uint64(len(blk.Body.Transactions))

		header, err := st.Header(uint64(n))
		if err != nil {
			t.Fatalf("Header(%d): %v", n, err)
		}
		if header.Hash() != env.chain.Hashes[n] {
			t.Errorf("Header(%d) hash mismatch", n)
		}
		receipts, err := st.BlockReceipts(uint64(n))
		if err != nil {
			t.Fatalf("BlockReceipts(%d): %v", n, err)
		}
		if len(receipts) != len(blk.Receipts) {
			t.Errorf("BlockReceipts(%d) = %d, want %d", n, len(receipts), len(blk.Receipts))
		}
	}
	if st.TxCount() != wantTxs {
		t.Errorf("TxCount() = %d, want %d", st.TxCount(), wantTxs)
	}
	if block, ok := st.ReceiptsBlock(); !ok || block != last {
		t.Errorf("ReceiptsBlock = (%d, %v), want (%d, true)", block, ok, last)
	}
	for _, stage := range stages {
		cp, ok := st.Checkpoint(stage)
		if !ok || cp.Block != last {
			t.Errorf("Checkpoint(%s) = (%+v, %v), want Block %d", stage, cp, ok, last)
		}
	}

	idx, err := hashindex.Open(env.indexDir)
	if err != nil {
		t.Fatalf("hashindex.Open: %v", err)
	}
	if idx.Len() != uint64(len(env.chain.Hashes)) {
		t.Fatalf("index Len() = %d, want %d", idx.Len(), len(env.chain.Hashes))
	}
	for n, hash := range env.chain.Hashes {
		number, ok := idx.Lookup(hash)
		if !ok || number != uint64(n) {
			t.Errorf("Lookup(block %d) = (%d, %v)", n, number, ok)
		}
	}
}

func TestImportFromGenesis(t *testing.T) {
	env := newTestEnv(t, 20, 10)

	height, err := env.runImport(t, Options{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if height != 19 {
		t.Fatalf("Import height = %d, want 19", height)
	}
	env.verifyFull(t)
}

func TestImportIdempotentRerun(t *testing.T) {
	env := newTestEnv(t, 15, 5)

	if _, err := env.runImport(t, Options{}); err != nil {
		t.Fatalf("first Import: %v", err)
	}

	// every block is already present; the rerun must change nothing
	height, err := env.runImport(t, Options{})
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if height != 14 {
		t.Fatalf("rerun height = %d, want 14", height)
	}
	env.verifyFull(t)
}

func TestImportBoundedBatches(t *testing.T) {
	env := newTestEnv(t, 16, 16)

	height, err := env.runImport(t, Options{Step: 4, MaxHeight: 10})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if height != 10 {
		t.Fatalf("Import height = %d, want 10", height)
	}

	st := env.openStore(t)
	if got, ok := st.HighestBlock(); !ok || got != 10 {
		t.Fatalf("HighestBlock = (%d, %v), want (10, true)", got, ok)
	}
	if _, err := st.Header(11); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Header(11) err = %v, want ErrNotFound", err)
	}
	// the final batch covers the clamped range
	cp, ok := st.Checkpoint(StageHeaders)
	if !ok || cp.From != 8 || cp.Block != 10 {
		t.Errorf("Checkpoint = (%+v, %v), want ({8 10}, true)", cp, ok)
	}
	td, err := st.TotalDifficulty(10)
	if err != nil {
		t.Fatalf("TotalDifficulty(10): %v", err)
	}
	if td.Uint64() != 11*1000 {
		t.Errorf("TotalDifficulty(10) = %s, want 11000", td.Dec())
	}

	idx, err := hashindex.Open(env.indexDir)
	if err != nil {
		t.Fatalf("hashindex.Open: %v", err)
	}
	if idx.Len() != 11 {
		t.Errorf("index Len() = %d, want 11", idx.Len())
	}
}

func TestImportMaxHeightBelowStoreHeight(t *testing.T) {
	env := newTestEnv(t, 20, 10)

	if _, err := env.runImport(t, Options{MaxHeight: 9}); err != nil {
		t.Fatalf("capped Import: %v", err)
	}

	// a ceiling at or below what the store already holds imports nothing
	height, err := env.runImport(t, Options{MaxHeight: 5})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if height != 9 {
		t.Errorf("height = %d, want 9", height)
	}

	st := env.openStore(t)
	if got, ok := st.HighestBlock(); !ok || got != 9 {
		t.Errorf("HighestBlock = (%d, %v), want (9, true)", got, ok)
	}
	if _, err := st.Header(10); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Header(10) err = %v, want ErrNotFound", err)
	}
}

func TestImportResume(t *testing.T) {
	env := newTestEnv(t, 20, 10)

	height, err := env.runImport(t, Options{MaxHeight: 9})
	if err != nil {
		t.Fatalf("capped Import: %v", err)
	}
	if height != 9 {
		t.Fatalf("capped height = %d, want 9", height)
	}

	// the second run skips everything at or below the store height, imports
	// the rest, and ends at the same state a single full run would
	height, err = env.runImport(t, Options{})
	if err != nil {
		t.Fatalf("resume Import: %v", err)
	}
	if height != 19 {
		t.Fatalf("resume height = %d, want 19", height)
	}
	env.verifyFull(t)
}

func TestImportEmptySource(t *testing.T) {
	env := &testEnv{
		archiveDir: t.TempDir(),
		storeDir:   filepath.Join(t.TempDir(), "store"),
		indexDir:   filepath.Join(t.TempDir(), "index"),
		scratch:    t.TempDir(),
	}

	height, err := env.runImport(t, Options{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if height != 0 {
		t.Errorf("height = %d, want 0", height)
	}

	st := env.openStore(t)
	if _, ok := st.HighestBlock(); ok {
		t.Error("store not empty after empty import")
	}
	idx, err := hashindex.Open(env.indexDir)
	if err != nil {
		t.Fatalf("hashindex.Open: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("index Len() = %d, want 0", idx.Len())
	}
}

// markFailMeta delegates to the real archive but fails the processed mark.
type markFailMeta struct {
	fetch.Meta
	err error
}

func (m *markFailMeta) MarkAsProcessed() error { return m.err }

type markFailSource struct {
	inner fetch.Source
	err   error
}

func (s *markFailSource) Len() int { return s.inner.Len() }

func (s *markFailSource) Next(ctx context.Context) (fetch.Meta, error) {
	meta, err := s.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	return &markFailMeta{Meta: meta, err: s.err}, nil
}

func TestImportMarkProcessedFailure(t *testing.T) {
	env := newTestEnv(t, 10, 10)

	local, err := fetch.NewLocalSource(fetch.LocalConfig{Dir: env.archiveDir})
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	markErr := errors.New("mark failed")
	src := &markFailSource{inner: local, err: markErr}

	st, err := store.Open(env.storeDir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	collector := hashindex.NewCollector(hashindex.Config{ScratchDir: env.scratch, MaxBuffered: 64})
	defer collector.Cleanup()

	height, err := Import(context.Background(), src, st, collector, Options{
		Step:     4,
		IndexDir: env.indexDir,
	})
	if !errors.Is(err, markErr) {
		t.Fatalf("Import err = %v, want mark failure", err)
	}

	// the failure surfaces after the archive's tuples: every full batch is
	// committed, the open tail batch is not
	if height != 8 {
		t.Errorf("height = %d, want 8", height)
	}
	if got, ok := st.HighestBlock(); !ok || got != 8 {
		t.Errorf("HighestBlock = (%d, %v), want (8, true)", got, ok)
	}
}

// errMeta cannot be opened; used to check that open failures surface.
type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
func (errReader) Close() error             { return nil }

func TestImportCancellation(t *testing.T) {
	env := newTestEnv(t, 10, 5)

	src, err := fetch.NewLocalSource(fetch.LocalConfig{Dir: env.archiveDir})
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	st, err := store.Open(env.storeDir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	collector := hashindex.NewCollector(hashindex.Config{ScratchDir: env.scratch, MaxBuffered: 64})
	defer collector.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Import(ctx, src, st, collector, Options{IndexDir: env.indexDir})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Import err = %v, want context.Canceled", err)
	}
}

// Cancellation is honored between the batches of a single archive, not just
// between archives.
func TestImportCancelBetweenBatches(t *testing.T) {
	env := newTestEnv(t, 10, 10)

	src, err := fetch.NewLocalSource(fetch.LocalConfig{Dir: env.archiveDir})
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	meta, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	st, err := store.Open(env.storeDir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	collector := hashindex.NewCollector(hashindex.Config{ScratchDir: env.scratch, MaxBuffered: 64})
	defer collector.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := Options{Step: 4}
	r := &run{st: st, collector: collector, opts: opts.withDefaults(), td: uint256.NewInt(0)}

	_, err = r.processArchive(ctx, meta)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("processArchive err = %v, want context.Canceled", err)
	}

	// the first batch committed before the cancellation was seen
	if r.committed != 4 {
		t.Errorf("committed = %d, want 4", r.committed)
	}
	if got, ok := st.HighestBlock(); !ok || got != 4 {
		t.Errorf("HighestBlock = (%d, %v), want (4, true)", got, ok)
	}
}
