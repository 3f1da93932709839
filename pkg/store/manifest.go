package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainarc/eraimport/pkg/fileutil"
)

// manifestName is the single source of truth for what is committed. Segment
// bytes beyond the lengths recorded here do not exist as far as readers are
// concerned; the manifest swap is the commit point for data and checkpoints
// together.
const manifestName = "MANIFEST.json"

// manifestVersion is the current manifest format version.
const manifestVersion = 1

// SegmentState records the committed extent of one segment.
type SegmentState struct {
	// Count is the number of committed records.
	Count uint64 `json:"count"`
	// BlobBytes is the committed length of the blob file.
	BlobBytes int64 `json:"blob_bytes"`
}

// Checkpoint marks how far a processing stage has progressed.
type Checkpoint struct {
	// From is the first block of the most recent batch.
	From uint64 `json:"from"`
	// Block is the highest block processed through.
	Block uint64 `json:"block"`
}

type manifest struct {
	Version   int                     `json:"version"`
	UpdatedAt time.Time               `json:"updated_at"`
	Segments  map[string]SegmentState `json:"segments"`
	// ReceiptsBlock is the highest block whose receipt range was finalized.
	// Meaningful only when ReceiptsBlockSet is true (block 0 is a valid
	// finalized height).
	ReceiptsBlock    uint64                `json:"receipts_block"`
	ReceiptsBlockSet bool                  `json:"receipts_block_set"`
	Checkpoints      map[string]Checkpoint `json:"checkpoints"`
}

func newManifest() manifest {
	return manifest{
		Version: manifestVersion,
		Segments: map[string]SegmentState{
			segHeaders:  {},
			segBodies:   {},
			segReceipts: {},
		},
		Checkpoints: map[string]Checkpoint{},
	}
}

// writeManifestFile is swapped out by tests that inject commit failures.
var writeManifestFile = fileutil.AtomicWriteFile

func saveManifest(dir string, m manifest) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeManifestFile(filepath.Join(dir, manifestName), data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func loadManifest(dir string) (manifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if os.IsNotExist(err) {
		return manifest{}, false, nil
	}
	if err != nil {
		return manifest{}, false, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, false, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return manifest{}, false, fmt.Errorf("%w: manifest version %d", ErrCorrupt, m.Version)
	}
	if m.Segments == nil {
		m.Segments = map[string]SegmentState{}
	}
	if m.Checkpoints == nil {
		m.Checkpoints = map[string]Checkpoint{}
	}
	return m, true, nil
}
