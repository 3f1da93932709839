package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainarc/eraimport/pkg/fileutil"
)

// Segment names, which double as file basenames.
const (
	segHeaders  = "headers"
	segBodies   = "bodies"
	segReceipts = "receipts"
)

// segment is one append-only, number-keyed stream of variable-length records:
// a blob file plus an offsets file. The offsets file holds count+1 u64
// entries; record i occupies blob[off[i]:off[i+1]). Only the manifest decides
// how many records are committed.
type segment struct {
	name string
	blob *os.File
	off  *os.File

	count     uint64
	blobBytes int64
}

func openSegment(dir, name string) (*segment, error) {
	blobPath := filepath.Join(dir, name+".blob")
	offPath := filepath.Join(dir, name+".off")

	newSegment := !fileutil.Exists(offPath)

	blob, err := os.OpenFile(blobPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s blob: %w", name, err)
	}
	off, err := os.OpenFile(offPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		blob.Close()
		return nil, fmt.Errorf("open %s offsets: %w", name, err)
	}

	s := &segment{name: name, blob: blob, off: off}

	if newSegment {
		// leading sentinel: record 0 starts at blob offset 0
		var zero [8]byte
		if _, err := off.WriteAt(zero[:], 0); err != nil {
			s.close()
			return nil, fmt.Errorf("init %s offsets: %w", name, err)
		}
	}

	return s, nil
}

// recover truncates files to the committed extent from the manifest and
// validates their lengths.
func (s *segment) recover(state SegmentState) error {
	offLen := int64(state.Count+1) * 8

	if err := fileutil.TruncateTo(s.off.Name(), offLen); err != nil {
		return fmt.Errorf("recover %s offsets: %w", s.name, err)
	}
	if err := fileutil.TruncateTo(s.blob.Name(), state.BlobBytes); err != nil {
		return fmt.Errorf("recover %s blob: %w", s.name, err)
	}

	offInfo, err := s.off.Stat()
	if err != nil {
		return fmt.Errorf("stat %s offsets: %w", s.name, err)
	}
	blobInfo, err := s.blob.Stat()
	if err != nil {
		return fmt.Errorf("stat %s blob: %w", s.name, err)
	}
	if offInfo.Size() != offLen || blobInfo.Size() != state.BlobBytes {
		return fmt.Errorf("%w: %s segment shorter than manifest", ErrCorrupt, s.name)
	}

	s.count = state.Count
	s.blobBytes = state.BlobBytes
	return nil
}

func (s *segment) state() SegmentState {
	return SegmentState{Count: s.count, BlobBytes: s.blobBytes}
}

// offsetAt reads the committed blob offset with index i (0..count).
func (s *segment) offsetAt(i uint64) (int64, error) {
	var buf [8]byte
	if _, err := s.off.ReadAt(buf[:], int64(i)*8); err != nil {
		return 0, fmt.Errorf("read %s offset %d: %w", s.name, i, err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// record reads committed record i.
func (s *segment) record(i uint64) ([]byte, error) {
	if i >= s.count {
		return nil, fmt.Errorf("%w: %s record %d, count %d", ErrNotFound, s.name, i, s.count)
	}
	start, err := s.offsetAt(i)
	if err != nil {
		return nil, err
	}
	end, err := s.offsetAt(i + 1)
	if err != nil {
		return nil, err
	}
	if end < start || end > s.blobBytes {
		return nil, fmt.Errorf("%w: %s record %d spans [%d,%d)", ErrCorrupt, s.name, i, start, end)
	}

	buf := make([]byte, end-start)
	if _, err := s.blob.ReadAt(buf, start); err != nil {
		return nil, fmt.Errorf("read %s record %d: %w", s.name, i, err)
	}
	return buf, nil
}

// appendStaged writes a batch's staged records after the committed extent:
// the concatenated blob bytes plus their absolute end offsets. Visibility
// still awaits the manifest swap; advance is called after it succeeds.
func (s *segment) appendStaged(blob []byte, ends []int64) error {
	if len(ends) == 0 {
		return nil
	}

	if _, err := s.blob.WriteAt(blob, s.blobBytes); err != nil {
		return fmt.Errorf("append %s blob: %w", s.name, err)
	}

	offBuf := make([]byte, 8*len(ends))
	for i, end := range ends {
		binary.LittleEndian.PutUint64(offBuf[8*i:], uint64(end))
	}
	if _, err := s.off.WriteAt(offBuf, int64(s.count+1)*8); err != nil {
		return fmt.Errorf("append %s offsets: %w", s.name, err)
	}

	if err := s.blob.Sync(); err != nil {
		return fmt.Errorf("sync %s blob: %w", s.name, err)
	}
	if err := s.off.Sync(); err != nil {
		return fmt.Errorf("sync %s offsets: %w", s.name, err)
	}
	return nil
}

// advance moves the committed extent forward after a successful manifest swap.
func (s *segment) advance(records uint64, blobBytes int64) {
	s.count += records
	s.blobBytes += blobBytes
}

func (s *segment) close() error {
	blobErr := s.blob.Close()
	offErr := s.off.Close()
	if blobErr != nil {
		return blobErr
	}
	return offErr
}
