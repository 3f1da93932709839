// Package benchutil provides synthetic chain generation for benchmarks and
// testing.
package benchutil

import (
	"fmt"
	"math/big"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/chainarc/eraimport/pkg/era"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// GeneratorSeed is the default seed for reproducible chain generation.
const GeneratorSeed = 42

// Block is one synthetic block with everything an archive entry carries.
type Block struct {
	Header   *types.Header
	Body     *types.Body
	Receipts []*types.ReceiptForStorage
}

// Chain is a contiguous run of synthetic blocks starting at First.
type Chain struct {
	First  uint64
	Blocks []Block
	// FinalTD is the accumulated difficulty through the last block,
	// assuming zero difficulty before First.
	FinalTD *uint256.Int
	// Hashes holds the header hash of every block, in order.
	Hashes []common.Hash
}

// GeneratorConfig configures synthetic chain generation.
type GeneratorConfig struct {
	// First is the number of the first block.
	First uint64
	// NumBlocks is how many blocks to generate.
	NumBlocks int
	// MaxTxs caps the per-block transaction count (uniform 0..MaxTxs).
	MaxTxs int
	// Difficulty is the per-block difficulty. 0 means 1000.
	Difficulty uint64
	// Seed for reproducible generation. 0 = use GeneratorSeed.
	Seed int64
}

// DefaultConfig returns a reasonable default configuration.
func DefaultConfig(numBlocks int) GeneratorConfig {
	return GeneratorConfig{
		NumBlocks:  numBlocks,
		MaxTxs:     4,
		Difficulty: 1000,
		Seed:       GeneratorSeed,
	}
}

// GenerateChain builds a deterministic header-linked chain. The same config
// always produces the same blocks, hashes and totals.
func GenerateChain(cfg GeneratorConfig) *Chain {
	if cfg.Seed == 0 {
		cfg.Seed = GeneratorSeed
	}
	if cfg.Difficulty == 0 {
		cfg.Difficulty = 1000
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	chain := &Chain{
		First:   cfg.First,
		Blocks:  make([]Block, 0, cfg.NumBlocks),
		FinalTD: uint256.NewInt(0),
		Hashes:  make([]common.Hash, 0, cfg.NumBlocks),
	}

	parent := common.Hash{}
	for i := 0; i < cfg.NumBlocks; i++ {
		number := cfg.First + uint64(i)

		txs := makeTxs(rng, cfg.MaxTxs)
		receipts := makeReceipts(rng, len(txs))

		header := &types.Header{
			ParentHash:  parent,
			UncleHash:   types.EmptyUncleHash,
			Coinbase:    common.BytesToAddress(randBytes(rng, 20)),
			Root:        common.BytesToHash(randBytes(rng, 32)),
			TxHash:      types.EmptyTxsHash,
			ReceiptHash: types.EmptyReceiptsHash,
			Difficulty:  new(big.Int).SetUint64(cfg.Difficulty),
			Number:      new(big.Int).SetUint64(number),
			GasLimit:    8_000_000,
			GasUsed:     uint64(len(txs)) * 21_000,
			Time:        1_438_269_988 + number*13,
			Extra:       []byte("synthetic"),
		}
		parent = header.Hash()

		chain.Blocks = append(chain.Blocks, Block{
			Header:   header,
			Body:     &types.Body{Transactions: txs},
			Receipts: receipts,
		})
		chain.Hashes = append(chain.Hashes, parent)
		chain.FinalTD.Add(chain.FinalTD, uint256.NewInt(cfg.Difficulty))
	}
	return chain
}

func makeTxs(rng *rand.Rand, maxTxs int) types.Transactions {
	n := 0
	if maxTxs > 0 {
		n = rng.Intn(maxTxs + 1)
	}
	txs := make(types.Transactions, 0, n)
	for i := 0; i < n; i++ {
		to := common.BytesToAddress(randBytes(rng, 20))
		txs = append(txs, types.NewTx(&types.LegacyTx{
			Nonce:    rng.Uint64() % 1_000_000,
			GasPrice: big.NewInt(int64(rng.Intn(100) + 1)),
			Gas:      21_000,
			To:       &to,
			Value:    big.NewInt(int64(rng.Intn(1_000_000))),
			V:        big.NewInt(27),
			R:        new(big.Int).SetBytes(randBytes(rng, 32)),
			S:        new(big.Int).SetBytes(randBytes(rng, 32)),
		}))
	}
	return txs
}

func makeReceipts(rng *rand.Rand, txCount int) []*types.ReceiptForStorage {
	receipts := make([]*types.ReceiptForStorage, 0, txCount)
	cumulative := uint64(0)
	for i := 0; i < txCount; i++ {
		cumulative += 21_000
		status := types.ReceiptStatusSuccessful
		if rng.Intn(20) == 0 {
			status = types.ReceiptStatusFailed
		}
		receipts = append(receipts, &types.ReceiptForStorage{
			Status:            status,
			CumulativeGasUsed: cumulative,
		})
	}
	return receipts
}

func randBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

// WriteArchives splits the chain into era files of blocksPerFile blocks each
// and writes them into dir. Returns the file paths in chain order.
//
// Total difficulty entries are accumulated from zero at the chain start, so
// a store importing from an empty state ends at chain.FinalTD.
func WriteArchives(dir string, chain *Chain, blocksPerFile int) ([]string, error) {
	if blocksPerFile <= 0 {
		blocksPerFile = era.BlocksPerFile
	}

	var paths []string
	td := uint256.NewInt(0)
	for start := 0; start < len(chain.Blocks); start += blocksPerFile {
		end := start + blocksPerFile
		if end > len(chain.Blocks) {
			end = len(chain.Blocks)
		}

		first := chain.First + uint64(start)
		epoch := first / uint64(era.BlocksPerFile)
		name := era.Filename("testnet", epoch, fmt.Sprintf("%08x", first))
		path := filepath.Join(dir, name)

		if err := writeArchive(path, chain.Blocks[start:end], td); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeArchive(path string, blocks []Block, td *uint256.Int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := era.NewWriter(f)
	if err != nil {
		return err
	}
	for _, blk := range blocks {
		diff, _ := uint256.FromBig(blk.Header.Difficulty)
		td.Add(td, diff)
		if err := w.AddBlock(blk.Header, blk.Body, blk.Receipts, td); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if err := w.Finish(); err != nil {
		return fmt.Errorf("finish %s: %w", path, err)
	}
	return f.Sync()
}
