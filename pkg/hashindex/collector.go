// Package hashindex builds and queries the block hash to block number index.
//
// During an import run a Collector receives one (hash, number) pair per
// imported block, buffering entries in memory and spilling sorted runs to a
// scratch directory when the buffer fills. After the run, Build performs one
// bulk pass: a k-way merge of the runs feeds a minimal perfect hash function
// over all block hashes, written out as an atomically renamed index
// directory.
package hashindex

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/chainarc/eraimport/pkg/membudget"
	"github.com/ethereum/go-ethereum/common"
)

// entrySize is key (8) + fingerprint (8) + number (8).
const entrySize = 24

// entry is one collected block: the first 8 bytes of the hash as the MPHF
// key, the next 8 bytes as a verification fingerprint, and the block number.
type entry struct {
	key uint64
	fp  uint64
	num uint64
}

func newEntry(hash common.Hash, number uint64) entry {
	return entry{
		key: binary.BigEndian.Uint64(hash[0:8]),
		fp:  binary.BigEndian.Uint64(hash[8:16]),
		num: number,
	}
}

func entryLess(a, b entry) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.fp < b.fp
}

// Config holds configuration for a Collector.
type Config struct {
	// ScratchDir is the directory for spilled sorted runs.
	ScratchDir string
	// MaxBuffered is the entry count at which the buffer spills to disk.
	// If 0, it is derived from the system memory budget.
	MaxBuffered int
}

// DefaultConfig returns a configuration with a memory-derived buffer size.
func DefaultConfig(scratchDir string) Config {
	budget := membudget.New(membudget.Config{})
	return Config{
		ScratchDir: scratchDir,
		MaxBuffered: budget.MaxEntries(entrySize, 1<<16, 1<<26),
	}
}

// Collector accumulates (hash, number) pairs for the terminal index build.
// Each block hash must be inserted exactly once.
type Collector struct {
	cfg      Config
	buf      []entry
	runFiles []string
	runNum   int
	count    uint64
}

// NewCollector creates a collector spilling into cfg.ScratchDir.
func NewCollector(cfg Config) *Collector {
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultConfig(cfg.ScratchDir).MaxBuffered
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	return &Collector{cfg: cfg}
}

// Insert records one block. An insert failure is fatal to the import batch
// that produced it.
func (c *Collector) Insert(hash common.Hash, number uint64) error {
	c.buf = append(c.buf, newEntry(hash, number))
	c.count++

	if len(c.buf) >= c.cfg.MaxBuffered {
		if err := c.flushRun(); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of inserted entries.
func (c *Collector) Len() uint64 {
	return c.count
}

// SeedFromIndex preloads the collector with every entry of a previously
// built index directory, so a resumed import rebuilds a complete index
// rather than one covering only the new blocks.
func (c *Collector) SeedFromIndex(dir string) error {
	man, err := readIndexManifest(dir)
	if err != nil {
		return err
	}
	keys, err := readU64File(filepath.Join(dir, keyFile), man.Count)
	if err != nil {
		return err
	}
	fps, err := readU64File(filepath.Join(dir, fpFile), man.Count)
	if err != nil {
		return err
	}
	nums, err := readU64File(filepath.Join(dir, numberFile), man.Count)
	if err != nil {
		return err
	}

	for i := range keys {
		c.buf = append(c.buf, entry{key: keys[i], fp: fps[i], num: nums[i]})
		c.count++
		if len(c.buf) >= c.cfg.MaxBuffered {
			if err := c.flushRun(); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushRun sorts the buffer and writes it as a fixed-width binary run file.
func (c *Collector) flushRun() error {
	if len(c.buf) == 0 {
		return nil
	}

	sort.Slice(c.buf, func(i, j int) bool { return entryLess(c.buf[i], c.buf[j]) })

	runPath := filepath.Join(c.cfg.ScratchDir, fmt.Sprintf("hashrun_%06d.bin", c.runNum))
	c.runNum++

	f, err := os.Create(runPath)
	if err != nil {
		return fmt.Errorf("create run file: %w", err)
	}

	w := bufio.NewWriter(f)
	var rec [entrySize]byte
	for _, e := range c.buf {
		binary.LittleEndian.PutUint64(rec[0:8], e.key)
		binary.LittleEndian.PutUint64(rec[8:16], e.fp)
		binary.LittleEndian.PutUint64(rec[16:24], e.num)
		if _, err := w.Write(rec[:]); err != nil {
			f.Close()
			os.Remove(runPath)
			return fmt.Errorf("write run entry: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(runPath)
		return fmt.Errorf("flush run file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(runPath)
		return fmt.Errorf("close run file: %w", err)
	}

	c.runFiles = append(c.runFiles, runPath)
	c.buf = c.buf[:0]
	return nil
}

// Cleanup removes any spilled run files.
func (c *Collector) Cleanup() {
	for _, path := range c.runFiles {
		os.Remove(path)
	}
	c.runFiles = nil
}

// runReader streams entries back from one sorted run file.
type runReader struct {
	f   *os.File
	r   *bufio.Reader
	cur entry
	eof bool
}

func openRun(path string) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run file: %w", err)
	}
	return &runReader{f: f, r: bufio.NewReader(f)}, nil
}

func (r *runReader) next() (bool, error) {
	var rec [entrySize]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		if err == io.EOF {
			r.eof = true
			return false, nil
		}
		return false, fmt.Errorf("read run entry: %w", err)
	}
	r.cur = entry{
		key: binary.LittleEndian.Uint64(rec[0:8]),
		fp:  binary.LittleEndian.Uint64(rec[8:16]),
		num: binary.LittleEndian.Uint64(rec[16:24]),
	}
	return true, nil
}

func (r *runReader) close() {
	r.f.Close()
}

// mergeHeap is a min-heap of run readers ordered by their current entry.
type mergeHeap []*runReader

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return entryLess(h[i].cur, h[j].cur) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*runReader)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// drain yields every collected entry in sorted order, merging spilled runs
// with the in-memory buffer, and reports duplicates.
func (c *Collector) drain(yield func(entry) error) error {
	sort.Slice(c.buf, func(i, j int) bool { return entryLess(c.buf[i], c.buf[j]) })

	h := make(mergeHeap, 0, len(c.runFiles))
	defer func() {
		for _, r := range h {
			r.close()
		}
	}()
	for _, path := range c.runFiles {
		r, err := openRun(path)
		if err != nil {
			return err
		}
		ok, err := r.next()
		if err != nil {
			r.close()
			return err
		}
		if ok {
			h = append(h, r)
		} else {
			r.close()
		}
	}
	heap.Init(&h)

	bufIdx := 0
	var prev entry
	havePrev := false

	// Two hashes sharing a key would feed bbhash a duplicate and silently
	// lose one slot, whether or not their fingerprints differ.
	emit := func(e entry) error {
		if havePrev && prev.key == e.key {
			return fmt.Errorf("%w: blocks %d and %d", ErrDuplicateHash, prev.num, e.num)
		}
		prev = e
		havePrev = true
		return yield(e)
	}

	for h.Len() > 0 || bufIdx < len(c.buf) {
		var e entry
		useBuf := bufIdx < len(c.buf) &&
			(h.Len() == 0 || entryLess(c.buf[bufIdx], h[0].cur))
		if useBuf {
			e = c.buf[bufIdx]
			bufIdx++
		} else {
			r := h[0]
			e = r.cur
			ok, err := r.next()
			if err != nil {
				return err
			}
			if ok {
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
				r.close()
			}
		}
		if err := emit(e); err != nil {
			return err
		}
	}

	return nil
}
