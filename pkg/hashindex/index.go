package hashindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/relab/bbhash"
)

// Index is a read-only, loaded hash index. Lookup is O(1): one MPHF
// evaluation plus a fingerprint check against the stored hash bytes.
type Index struct {
	mph   *bbhash.BBHash2
	fps   []uint64
	nums  []uint64
	count uint64
}

func readIndexManifest(dir string) (indexManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return indexManifest{}, fmt.Errorf("read index manifest: %w", err)
	}
	var man indexManifest
	if err := json.Unmarshal(data, &man); err != nil {
		return indexManifest{}, fmt.Errorf("parse index manifest: %w", err)
	}
	if man.Version != indexManifestVersion {
		return indexManifest{}, fmt.Errorf("%w: manifest version %d", ErrInvalidIndex, man.Version)
	}
	return man, nil
}

// IndexExists reports whether dir holds a built index.
func IndexExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, manifestFile))
	return err == nil
}

// Open loads a built index directory.
func Open(dir string) (*Index, error) {
	man, err := readIndexManifest(dir)
	if err != nil {
		return nil, err
	}

	idx := &Index{count: man.Count}

	if idx.fps, err = readU64File(filepath.Join(dir, fpFile), man.Count); err != nil {
		return nil, err
	}
	if idx.nums, err = readU64File(filepath.Join(dir, numberFile), man.Count); err != nil {
		return nil, err
	}

	if man.Count > 0 {
		mphData, err := os.ReadFile(filepath.Join(dir, mphFile))
		if err != nil {
			return nil, fmt.Errorf("read mphf: %w", err)
		}
		mph := &bbhash.BBHash2{}
		if err := mph.UnmarshalBinary(mphData); err != nil {
			return nil, fmt.Errorf("unmarshal mphf: %w", err)
		}
		idx.mph = mph
	}

	return idx, nil
}

// Len returns the number of indexed blocks.
func (idx *Index) Len() uint64 {
	return idx.count
}

// Lookup returns the block number recorded for a block hash.
func (idx *Index) Lookup(hash common.Hash) (uint64, bool) {
	if idx.count == 0 {
		return 0, false
	}

	key := binary.BigEndian.Uint64(hash[0:8])
	pos := idx.mph.Find(key)
	if pos == 0 || pos > uint64(len(idx.nums)) {
		return 0, false
	}

	// The MPHF maps unknown keys to arbitrary positions; the fingerprint
	// rejects them.
	if idx.fps[pos-1] != binary.BigEndian.Uint64(hash[8:16]) {
		return 0, false
	}
	return idx.nums[pos-1], true
}

func readU64File(path string, count uint64) ([]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if uint64(len(data)) != count*8 {
		return nil, fmt.Errorf("%w: %s has %d bytes, want %d",
			ErrInvalidIndex, filepath.Base(path), len(data), count*8)
	}
	vals := make([]uint64, count)
	for i := range vals {
		vals[i] = binary.LittleEndian.Uint64(data[8*i:])
	}
	return vals, nil
}
