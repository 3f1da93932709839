package hashindex

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// testHash produces a distinct, well-spread hash per block number.
func testHash(number uint64) common.Hash {
	var h common.Hash
	binary.BigEndian.PutUint64(h[0:8], number*0x9e3779b97f4a7c15+1)
	binary.BigEndian.PutUint64(h[8:16], number^0xdeadbeefcafef00d)
	binary.BigEndian.PutUint64(h[16:24], number)
	return h
}

func collectN(t *testing.T, scratch string, maxBuffered, n int) *Collector {
	t.Helper()
	c := NewCollector(Config{ScratchDir: scratch, MaxBuffered: maxBuffered})
	for i := 0; i < n; i++ {
		if err := c.Insert(testHash(uint64(i)), uint64(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	return c
}

func TestBuildAndLookup(t *testing.T) {
	const n = 1000
	scratch := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "index")

	// small buffer so the collector spills several runs
	c := collectN(t, scratch, 64, n)
	if c.Len() != n {
		t.Fatalf("Len() = %d, want %d", c.Len(), n)
	}
	if err := c.Build(outDir); err != nil {
		t.Fatalf("Build: %v", err)
	}

	idx, err := Open(outDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if idx.Len() != n {
		t.Fatalf("index Len() = %d, want %d", idx.Len(), n)
	}

	for i := uint64(0); i < n; i++ {
		number, ok := idx.Lookup(testHash(i))
		if !ok {
			t.Fatalf("Lookup(%d): not found", i)
		}
		if number != i {
			t.Errorf("Lookup(%d) = %d", i, number)
		}
	}

	// unknown hashes are rejected by the fingerprint
	var unknown common.Hash
	binary.BigEndian.PutUint64(unknown[0:8], 0x1234567812345678)
	binary.BigEndian.PutUint64(unknown[8:16], 0x8765432187654321)
	if _, ok := idx.Lookup(unknown); ok {
		t.Error("Lookup of unknown hash succeeded")
	}
}

func TestBuildInMemoryOnly(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "index")

	// buffer larger than the input, nothing spills
	c := collectN(t, t.TempDir(), 1<<20, 50)
	if len(c.runFiles) != 0 {
		t.Fatalf("unexpected spill: %d run files", len(c.runFiles))
	}
	if err := c.Build(outDir); err != nil {
		t.Fatalf("Build: %v", err)
	}

	idx, err := Open(outDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := uint64(0); i < 50; i++ {
		if number, ok := idx.Lookup(testHash(i)); !ok || number != i {
			t.Errorf("Lookup(%d) = (%d, %v)", i, number, ok)
		}
	}
}

func TestDuplicateHashDetected(t *testing.T) {
	c := NewCollector(Config{ScratchDir: t.TempDir(), MaxBuffered: 8})
	for i := 0; i < 20; i++ {
		if err := c.Insert(testHash(uint64(i)), uint64(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	// same hash again, in a different run than the original
	if err := c.Insert(testHash(7), 999); err != nil {
		t.Fatalf("Insert(dup): %v", err)
	}

	err := c.Build(filepath.Join(t.TempDir(), "index"))
	if !errors.Is(err, ErrDuplicateHash) {
		t.Fatalf("Build err = %v, want ErrDuplicateHash", err)
	}
}

// Distinct hashes sharing the 8-byte key prefix would corrupt the index
// silently if they reached bbhash; the merge must reject them even though
// their fingerprints differ.
func TestKeyPrefixCollisionDetected(t *testing.T) {
	c := NewCollector(Config{ScratchDir: t.TempDir(), MaxBuffered: 1 << 20})
	if err := c.Insert(testHash(3), 3); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	collider := testHash(3)
	collider[12] ^= 0xff
	if err := c.Insert(collider, 999); err != nil {
		t.Fatalf("Insert(collider): %v", err)
	}

	err := c.Build(filepath.Join(t.TempDir(), "index"))
	if !errors.Is(err, ErrDuplicateHash) {
		t.Fatalf("Build err = %v, want ErrDuplicateHash", err)
	}
}

func TestBuildEmpty(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "index")
	c := NewCollector(Config{ScratchDir: t.TempDir(), MaxBuffered: 16})
	if err := c.Build(outDir); err != nil {
		t.Fatalf("Build: %v", err)
	}

	idx, err := Open(outDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("Len() = %d, want 0", idx.Len())
	}
	if _, ok := idx.Lookup(testHash(0)); ok {
		t.Error("Lookup on empty index succeeded")
	}
}

func TestBuildReplacesExistingIndex(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "index")
	scratch := t.TempDir()

	c := collectN(t, scratch, 1<<20, 10)
	if err := c.Build(outDir); err != nil {
		t.Fatalf("first Build: %v", err)
	}

	c = collectN(t, scratch, 1<<20, 25)
	if err := c.Build(outDir); err != nil {
		t.Fatalf("second Build: %v", err)
	}

	idx, err := Open(outDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if idx.Len() != 25 {
		t.Errorf("Len() = %d, want 25", idx.Len())
	}
	if number, ok := idx.Lookup(testHash(20)); !ok || number != 20 {
		t.Errorf("Lookup(20) = (%d, %v)", number, ok)
	}
}

func TestSeedFromIndex(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "index")
	scratch := t.TempDir()

	c := collectN(t, scratch, 16, 30)
	if err := c.Build(outDir); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !IndexExists(outDir) {
		t.Fatal("IndexExists = false after Build")
	}

	// a fresh collector reseeded from the index plus new blocks rebuilds a
	// complete index
	c = NewCollector(Config{ScratchDir: scratch, MaxBuffered: 16})
	if err := c.SeedFromIndex(outDir); err != nil {
		t.Fatalf("SeedFromIndex: %v", err)
	}
	if c.Len() != 30 {
		t.Fatalf("Len() after seed = %d, want 30", c.Len())
	}
	for i := uint64(30); i < 40; i++ {
		if err := c.Insert(testHash(i), i); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := c.Build(outDir); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	idx, err := Open(outDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if idx.Len() != 40 {
		t.Fatalf("Len() = %d, want 40", idx.Len())
	}
	for i := uint64(0); i < 40; i++ {
		if number, ok := idx.Lookup(testHash(i)); !ok || number != i {
			t.Errorf("Lookup(%d) = (%d, %v)", i, number, ok)
		}
	}
}

func TestOpenMissingDir(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatal("Open of missing directory succeeded")
	}
}

func TestCleanupRemovesRuns(t *testing.T) {
	scratch := t.TempDir()
	c := collectN(t, scratch, 4, 20)
	if len(c.runFiles) == 0 {
		t.Fatal("expected spilled run files")
	}
	runs := append([]string(nil), c.runFiles...)
	c.Cleanup()
	for _, path := range runs {
		if _, err := openRun(path); err == nil {
			t.Errorf("run file %s still present", path)
		}
	}
}
