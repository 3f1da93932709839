package era

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"
)

// DecodedBlock is one fully decoded block tuple. Hash is the header hash,
// computed exactly once at decode time.
type DecodedBlock struct {
	Header   *types.Header
	Hash     common.Hash
	Body     *types.Body
	Receipts []*types.ReceiptForStorage
}

// Number returns the block number.
func (b *DecodedBlock) Number() uint64 {
	return b.Header.Number.Uint64()
}

// DecodeBlock decompresses and deserializes one block tuple. Each of the
// three blobs is decoded independently; a failure in any one fails the whole
// tuple. Pure and stateless, safe to apply to tuples as they stream.
func DecodeBlock(tuple BlockTuple) (*DecodedBlock, error) {
	var header types.Header
	if err := decodeSnappyRLP(tuple.Header, &header); err != nil {
		return nil, fmt.Errorf("%w: tuple %d header: %v", ErrDecode, tuple.Ordinal, err)
	}

	var body types.Body
	if err := decodeSnappyRLP(tuple.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: tuple %d body: %v", ErrDecode, tuple.Ordinal, err)
	}

	var receipts []*types.ReceiptForStorage
	if err := decodeSnappyRLP(tuple.Receipts, &receipts); err != nil {
		return nil, fmt.Errorf("%w: tuple %d receipts: %v", ErrDecode, tuple.Ordinal, err)
	}

	return &DecodedBlock{
		Header:   &header,
		Hash:     header.Hash(),
		Body:     &body,
		Receipts: receipts,
	}, nil
}

func decodeSnappyRLP(blob []byte, val interface{}) error {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return fmt.Errorf("snappy: %w", err)
	}
	if err := rlp.DecodeBytes(raw, val); err != nil {
		return fmt.Errorf("rlp: %w", err)
	}
	return nil
}

func encodeSnappyRLP(val interface{}) ([]byte, error) {
	raw, err := rlp.EncodeToBytes(val)
	if err != nil {
		return nil, fmt.Errorf("rlp: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}
