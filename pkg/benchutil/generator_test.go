package benchutil

import (
	"io"
	"os"
	"testing"

	"github.com/chainarc/eraimport/pkg/era"
)

func TestGenerateChainDeterministic(t *testing.T) {
	a := GenerateChain(DefaultConfig(16))
	b := GenerateChain(DefaultConfig(16))

	if len(a.Blocks) != 16 || len(b.Blocks) != 16 {
		t.Fatalf("block counts = %d, %d, want 16", len(a.Blocks), len(b.Blocks))
	}
	if !a.FinalTD.Eq(b.FinalTD) {
		t.Fatalf("final TD differs: %s vs %s", a.FinalTD.Dec(), b.FinalTD.Dec())
	}
	for i := range a.Hashes {
		if a.Hashes[i] != b.Hashes[i] {
			t.Fatalf("hash %d differs: %s vs %s", i, a.Hashes[i].Hex(), b.Hashes[i].Hex())
		}
	}

	c := GenerateChain(GeneratorConfig{NumBlocks: 16, MaxTxs: 4, Seed: 7})
	if a.Hashes[0] == c.Hashes[0] {
		t.Fatal("different seeds produced identical chains")
	}
}

func TestGenerateChainParentLinks(t *testing.T) {
	chain := GenerateChain(DefaultConfig(8))
	for i := 1; i < len(chain.Blocks); i++ {
		if chain.Blocks[i].Header.ParentHash != chain.Hashes[i-1] {
			t.Fatalf("block %d parent hash broken", i)
		}
	}
}

func TestWriteArchivesReadableByReader(t *testing.T) {
	dir := t.TempDir()
	chain := GenerateChain(DefaultConfig(10))

	paths, err := WriteArchives(dir, chain, 4)
	if err != nil {
		t.Fatalf("WriteArchives: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("wrote %d archives, want 3", len(paths))
	}

	next := uint64(0)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			t.Fatal(err)
		}
		r, err := era.NewReader(f)
		if err != nil {
			t.Fatalf("open %s: %v", p, err)
		}
		for {
			tuple, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("read %s: %v", p, err)
			}
			blk, err := era.DecodeBlock(tuple)
			if err != nil {
				t.Fatalf("decode %s tuple %d: %v", p, tuple.Ordinal, err)
			}
			if got := blk.Number(); got != next {
				t.Fatalf("block number = %d, want %d", got, next)
			}
			if blk.Hash != chain.Hashes[next] {
				t.Fatalf("block %d hash mismatch", next)
			}
			next++
		}
		f.Close()
	}
	if next != 10 {
		t.Fatalf("read %d blocks, want 10", next)
	}
}
