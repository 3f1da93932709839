// Package cli implements the command-line interface for eraimport.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chainarc/eraimport/pkg/benchutil"
	"github.com/chainarc/eraimport/pkg/fetch"
	"github.com/chainarc/eraimport/pkg/hashindex"
	"github.com/chainarc/eraimport/pkg/humanfmt"
	"github.com/chainarc/eraimport/pkg/importer"
	"github.com/chainarc/eraimport/pkg/logging"
	"github.com/chainarc/eraimport/pkg/store"
	"github.com/ethereum/go-ethereum/common"
)

const usage = "usage: eraimport <command> [options]\ncommands: import, lookup, stat, pack"

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "import":
		return runImport(args[1:])
	case "lookup":
		return runLookup(args[1:])
	case "stat":
		return runStat(args[1:])
	case "pack":
		return runPack(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	storeDir := fs.String("store", "", "block store directory")
	indexDir := fs.String("index", "", "hash index output directory")
	fromDir := fs.String("from-dir", "", "local directory of era1 files")
	fromS3 := fs.String("from-s3", "", "S3 location of era1 files (s3://bucket/prefix)")
	scratch := fs.String("scratch", "", "scratch directory for downloads and sort runs (default: temp dir)")
	maxHeight := fs.Uint64("max-height", 0, "stop after importing this block number (0 = no limit)")
	step := fs.Uint64("step", importer.DefaultStep, "blocks per commit batch")
	queue := fs.Int("queue", 2, "archives buffered between fetch and import")
	deleteProcessed := fs.Bool("delete-processed", false, "delete local era1 files after import")
	debug := fs.Bool("debug", false, "enable debug logging")
	pretty := fs.Bool("pretty", false, "human-readable log output")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storeDir == "" {
		return errors.New("--store is required")
	}
	if *indexDir == "" {
		return errors.New("--index is required")
	}
	if (*fromDir == "") == (*fromS3 == "") {
		return errors.New("exactly one of --from-dir or --from-s3 is required")
	}

	logging.Init(*debug, *pretty)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scratchDir := *scratch
	if scratchDir == "" {
		dir, err := os.MkdirTemp("", "eraimport-*")
		if err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)
		scratchDir = dir
	}

	var src fetch.Source
	if *fromDir != "" {
		local, err := fetch.NewLocalSource(fetch.LocalConfig{
			Dir:             *fromDir,
			DeleteProcessed: *deleteProcessed,
		})
		if err != nil {
			return err
		}
		src = local
	} else {
		bucket, prefix, err := parseS3Location(*fromS3)
		if err != nil {
			return err
		}
		s3src, err := fetch.NewS3Source(ctx, fetch.S3Config{
			Bucket:     bucket,
			Prefix:     prefix,
			ScratchDir: scratchDir,
			Prefetch:   *queue,
		})
		if err != nil {
			return err
		}
		src = s3src
	}

	st, err := store.Open(*storeDir)
	if err != nil {
		return err
	}
	defer st.Close()

	collector := hashindex.NewCollector(hashindex.DefaultConfig(scratchDir))
	defer collector.Cleanup()

	height, err := importer.Import(ctx, src, st, collector, importer.Options{
		Step:       *step,
		MaxHeight:  *maxHeight,
		IndexDir:   *indexDir,
		QueueDepth: *queue,
	})
	if err != nil {
		return fmt.Errorf("import stopped at height %d: %w", height, err)
	}
	return nil
}

func runLookup(args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	indexDir := fs.String("index", "", "hash index directory")
	storeDir := fs.String("store", "", "block store directory (optional, prints header detail)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *indexDir == "" {
		return errors.New("--index is required")
	}
	if fs.NArg() != 1 {
		return errors.New("usage: eraimport lookup --index <dir> [--store <dir>] <block-hash>")
	}

	raw := strings.TrimPrefix(fs.Arg(0), "0x")
	if len(raw) != 2*common.HashLength {
		return fmt.Errorf("invalid block hash: %s", fs.Arg(0))
	}
	hash := common.HexToHash(raw)

	idx, err := hashindex.Open(*indexDir)
	if err != nil {
		return err
	}

	number, ok := idx.Lookup(hash)
	if !ok {
		return fmt.Errorf("hash %s not found", hash)
	}
	fmt.Printf("%s -> %d\n", hash, number)

	if *storeDir != "" {
		st, err := store.Open(*storeDir)
		if err != nil {
			return err
		}
		defer st.Close()

		header, err := st.Header(number)
		if err != nil {
			return err
		}
		td, err := st.TotalDifficulty(number)
		if err != nil {
			return err
		}
		fmt.Printf("  parent: %s\n", header.ParentHash)
		fmt.Printf("  time:   %d\n", header.Time)
		fmt.Printf("  td:     %s\n", td.Dec())
	}
	return nil
}

func runStat(args []string) error {
	fs := flag.NewFlagSet("stat", flag.ContinueOnError)
	storeDir := fs.String("store", "", "block store directory")
	indexDir := fs.String("index", "", "hash index directory (optional)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storeDir == "" {
		return errors.New("--store is required")
	}

	st, err := store.Open(*storeDir)
	if err != nil {
		return err
	}
	defer st.Close()

	height, ok := st.HighestBlock()
	if !ok {
		fmt.Println("store: empty")
	} else {
		td, err := st.TotalDifficulty(height)
		if err != nil {
			return err
		}
		fmt.Printf("height:       %d\n", height)
		fmt.Printf("transactions: %s\n", humanfmt.Count(int64(st.TxCount())))
		fmt.Printf("total diff:   %s\n", td.Dec())
	}
	if block, ok := st.ReceiptsBlock(); ok {
		fmt.Printf("receipts to:  %d\n", block)
	}
	for _, stage := range []string{importer.StageHeaders, importer.StageBodies, importer.StageReceipts} {
		if cp, ok := st.Checkpoint(stage); ok {
			fmt.Printf("checkpoint %s: [%d, %d]\n", stage, cp.From, cp.Block)
		}
	}

	if *indexDir != "" {
		idx, err := hashindex.Open(*indexDir)
		if err != nil {
			return err
		}
		fmt.Printf("index keys:   %s\n", humanfmt.Count(int64(idx.Len())))
	}
	return nil
}

func runPack(args []string) error {
	fs := flag.NewFlagSet("pack", flag.ContinueOnError)
	outDir := fs.String("out", "", "output directory for era1 files")
	blocks := fs.Int("blocks", 128, "number of blocks to generate")
	perFile := fs.Int("per-file", 0, "blocks per era1 file (default: epoch size)")
	first := fs.Uint64("first", 0, "number of the first block")
	seed := fs.Int64("seed", benchutil.GeneratorSeed, "generation seed")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outDir == "" {
		return errors.New("--out is required")
	}
	if *blocks <= 0 {
		return errors.New("--blocks must be positive")
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	cfg := benchutil.DefaultConfig(*blocks)
	cfg.First = *first
	cfg.Seed = *seed
	chain := benchutil.GenerateChain(cfg)

	paths, err := benchutil.WriteArchives(*outDir, chain, *perFile)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	fmt.Printf("final td: %s\n", chain.FinalTD.Dec())
	return nil
}

// parseS3Location splits s3://bucket/prefix into its parts. A bare bucket
// name without the scheme is accepted too.
func parseS3Location(loc string) (bucket, prefix string, err error) {
	loc = strings.TrimPrefix(loc, "s3://")
	if loc == "" {
		return "", "", errors.New("--from-s3 requires a bucket")
	}
	bucket, prefix, _ = strings.Cut(loc, "/")
	return bucket, prefix, nil
}
