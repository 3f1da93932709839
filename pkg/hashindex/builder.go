package hashindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainarc/eraimport/pkg/fileutil"
	"github.com/chainarc/eraimport/pkg/logging"
	"github.com/relab/bbhash"
)

// Index directory file names.
const (
	mphFile      = "mph.bin"
	keyFile      = "hash_key.u64"
	fpFile       = "hash_fp.u64"
	numberFile   = "number.u64"
	manifestFile = "INDEX.json"
)

// indexManifest describes a built index directory.
type indexManifest struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Count     uint64    `json:"count"`
}

const indexManifestVersion = 1

// Build constructs the hash index from all collected entries and writes it
// to outDir. Any existing index there is replaced atomically: files are
// written to a temp directory, synced, and renamed into place. The collector
// is exhausted afterwards; its run files are removed on success.
func (c *Collector) Build(outDir string) error {
	log := logging.WithPhase("index")
	start := time.Now()

	keys := make([]uint64, 0, c.count)
	fps := make([]uint64, 0, c.count)
	nums := make([]uint64, 0, c.count)

	err := c.drain(func(e entry) error {
		keys = append(keys, e.key)
		fps = append(fps, e.fp)
		nums = append(nums, e.num)
		return nil
	})
	if err != nil {
		return err
	}

	tmpDir := outDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("remove stale temp dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	renamed := false
	defer func() {
		if !renamed {
			os.RemoveAll(tmpDir)
		}
	}()

	if len(keys) == 0 {
		if err := writeEmptyIndex(tmpDir); err != nil {
			return err
		}
	} else {
		if err := writeIndex(tmpDir, keys, fps, nums); err != nil {
			return err
		}
	}

	man := indexManifest{
		Version:   indexManifestVersion,
		CreatedAt: time.Now().UTC(),
		Count:     uint64(len(keys)),
	}
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, manifestFile), data, 0644); err != nil {
		return fmt.Errorf("write index manifest: %w", err)
	}

	if err := fileutil.SyncDir(tmpDir); err != nil {
		return err
	}

	if err := os.RemoveAll(outDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old index dir: %w", err)
	}
	if err := os.Rename(tmpDir, outDir); err != nil {
		return fmt.Errorf("rename index dir: %w", err)
	}
	renamed = true
	_ = fileutil.SyncDir(filepath.Dir(outDir))

	c.Cleanup()

	logging.PhaseComplete(log, "index", time.Since(start)).
		Str("output_dir", outDir).
		Count("entries", int64(len(keys))).
		Log("hash index built")

	return nil
}

func writeIndex(dir string, keys, fps, nums []uint64) error {
	mph, err := bbhash.New(keys, bbhash.Gamma(2.0))
	if err != nil {
		return fmt.Errorf("build mphf: %w", err)
	}

	// Reorder companion arrays into MPHF position order. Find is 1-indexed.
	// Keys are stored too so a resumed import can reseed its collector.
	orderedKeys := make([]uint64, len(keys))
	orderedFPs := make([]uint64, len(keys))
	orderedNums := make([]uint64, len(keys))
	for i, key := range keys {
		pos := mph.Find(key)
		if pos == 0 {
			return fmt.Errorf("%w: mphf lookup failed for key %#x", ErrInvalidIndex, key)
		}
		orderedKeys[pos-1] = key
		orderedFPs[pos-1] = fps[i]
		orderedNums[pos-1] = nums[i]
	}

	data, err := mph.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal mphf: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, mphFile), data, 0644); err != nil {
		return fmt.Errorf("write mphf: %w", err)
	}

	if err := writeU64File(filepath.Join(dir, keyFile), orderedKeys); err != nil {
		return err
	}
	if err := writeU64File(filepath.Join(dir, fpFile), orderedFPs); err != nil {
		return err
	}
	return writeU64File(filepath.Join(dir, numberFile), orderedNums)
}

func writeEmptyIndex(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, mphFile), nil, 0644); err != nil {
		return fmt.Errorf("write empty mphf: %w", err)
	}
	for _, name := range []string{keyFile, fpFile, numberFile} {
		if err := writeU64File(filepath.Join(dir, name), nil); err != nil {
			return err
		}
	}
	return nil
}

func writeU64File(path string, vals []uint64) error {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], v)
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
