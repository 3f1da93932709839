// Package era reads and writes era1 history archive files.
//
// An era1 file is a sequence of length-prefixed entries. Each block
// contributes four entries (compressed header, compressed body, compressed
// receipts, total difficulty), preceded by a version entry and followed by a
// block index entry that makes the file self-describing:
//
//	Version | (CompressedHeader CompressedBody CompressedReceipts TotalDifficulty)* | BlockIndex
//
// Header, body, and receipts payloads are snappy-compressed RLP.
package era

import (
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

// Entry type identifiers.
const (
	TypeVersion             uint16 = 0x3265
	TypeCompressedHeader    uint16 = 0x03
	TypeCompressedBody      uint16 = 0x04
	TypeCompressedReceipts  uint16 = 0x05
	TypeTotalDifficulty     uint16 = 0x06
	TypeAccumulator         uint16 = 0x07
	TypeBlockIndex          uint16 = 0x3266
)

// entryHeaderSize is type (2) + length (4) + reserved (2).
const entryHeaderSize = 8

// MaxEntrySize bounds a single entry payload. Anything larger is treated as
// corruption rather than allocated.
const MaxEntrySize = 1 << 30

// BlocksPerFile is the canonical number of blocks in a full archive file.
const BlocksPerFile = 8192

func encodeEntryHeader(typ uint16, length uint32) [entryHeaderSize]byte {
	var buf [entryHeaderSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], typ)
	binary.LittleEndian.PutUint32(buf[2:6], length)
	return buf
}

// readEntryHeader reads one entry header. Returns io.EOF cleanly at the end
// of the stream.
func readEntryHeader(r io.Reader) (typ uint16, length uint32, err error) {
	var buf [entryHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return 0, 0, io.EOF
		}
		return 0, 0, fmt.Errorf("read entry header: %w", err)
	}
	typ = binary.LittleEndian.Uint16(buf[0:2])
	length = binary.LittleEndian.Uint32(buf[2:6])
	if length > MaxEntrySize {
		return 0, 0, fmt.Errorf("%w: entry length %d", ErrCorrupt, length)
	}
	return typ, length, nil
}

// writeEntry writes a complete entry and returns the number of bytes written.
func writeEntry(w io.Writer, typ uint16, payload []byte) (int64, error) {
	hdr := encodeEntryHeader(typ, uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("write entry header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return 0, fmt.Errorf("write entry payload: %w", err)
	}
	return entryHeaderSize + int64(len(payload)), nil
}

// Filename returns the canonical archive filename for an epoch, e.g.
// "mainnet-00012-5ec1ffb8.era1". The hash component is the first 8 hex
// characters of the last block hash in the file.
func Filename(network string, epoch uint64, hash8 string) string {
	return fmt.Sprintf("%s-%05d-%s.era1", network, epoch, hash8)
}

var filenameRe = regexp.MustCompile(`^[a-z]+-(\d{5})-[0-9a-f]{8}\.era1$`)

// ParseEpoch extracts the epoch number from a canonical archive filename.
func ParseEpoch(name string) (uint64, bool) {
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	epoch, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return epoch, true
}
