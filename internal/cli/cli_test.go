package cli

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/chainarc/eraimport/pkg/benchutil"
)

func TestRunNoArgs(t *testing.T) {
	err := Run(nil)
	if err == nil {
		t.Fatal("expected error with no args")
	}
	if !strings.Contains(err.Error(), "usage") {
		t.Errorf("expected usage message, got: %v", err)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := Run([]string{"frobnicate"})
	if err == nil {
		t.Fatal("expected error with unknown command")
	}
	if !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected 'unknown command' error, got: %v", err)
	}
}

func TestImportMissingStore(t *testing.T) {
	err := Run([]string{"import", "--index", "/idx", "--from-dir", "/archives"})
	if err == nil {
		t.Fatal("expected error with missing --store")
	}
	if !strings.Contains(err.Error(), "--store") {
		t.Errorf("expected '--store' error, got: %v", err)
	}
}

func TestImportMissingIndex(t *testing.T) {
	err := Run([]string{"import", "--store", "/st", "--from-dir", "/archives"})
	if err == nil {
		t.Fatal("expected error with missing --index")
	}
	if !strings.Contains(err.Error(), "--index") {
		t.Errorf("expected '--index' error, got: %v", err)
	}
}

func TestImportRequiresExactlyOneSource(t *testing.T) {
	err := Run([]string{"import", "--store", "/st", "--index", "/idx"})
	if err == nil {
		t.Fatal("expected error with no source")
	}
	if !strings.Contains(err.Error(), "--from-dir") {
		t.Errorf("expected source error, got: %v", err)
	}

	err = Run([]string{
		"import", "--store", "/st", "--index", "/idx",
		"--from-dir", "/a", "--from-s3", "s3://bucket/prefix",
	})
	if err == nil {
		t.Fatal("expected error with both sources")
	}
}

func TestLookupMissingIndex(t *testing.T) {
	err := Run([]string{"lookup", "0xabc"})
	if err == nil {
		t.Fatal("expected error with missing --index")
	}
	if !strings.Contains(err.Error(), "--index") {
		t.Errorf("expected '--index' error, got: %v", err)
	}
}

func TestLookupInvalidHash(t *testing.T) {
	err := Run([]string{"lookup", "--index", "/idx", "0xnotahash"})
	if err == nil {
		t.Fatal("expected error with invalid hash")
	}
	if !strings.Contains(err.Error(), "invalid block hash") {
		t.Errorf("expected hash error, got: %v", err)
	}
}

func TestStatMissingStore(t *testing.T) {
	err := Run([]string{"stat"})
	if err == nil {
		t.Fatal("expected error with missing --store")
	}
	if !strings.Contains(err.Error(), "--store") {
		t.Errorf("expected '--store' error, got: %v", err)
	}
}

func TestPackMissingOut(t *testing.T) {
	err := Run([]string{"pack"})
	if err == nil {
		t.Fatal("expected error with missing --out")
	}
	if !strings.Contains(err.Error(), "--out") {
		t.Errorf("expected '--out' error, got: %v", err)
	}
}

func TestParseS3Location(t *testing.T) {
	tests := []struct {
		in     string
		bucket string
		prefix string
		ok     bool
	}{
		{"s3://bucket/some/prefix", "bucket", "some/prefix", true},
		{"s3://bucket", "bucket", "", true},
		{"bucket/prefix", "bucket", "prefix", true},
		{"s3://", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		bucket, prefix, err := parseS3Location(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("parseS3Location(%q) err = %v", tt.in, err)
			continue
		}
		if bucket != tt.bucket || prefix != tt.prefix {
			t.Errorf("parseS3Location(%q) = (%q, %q), want (%q, %q)",
				tt.in, bucket, prefix, tt.bucket, tt.prefix)
		}
	}
}

// End-to-end through the CLI surface: pack archives, import them, then
// lookup and stat against the result.
func TestPackImportLookupStat(t *testing.T) {
	archives := t.TempDir()
	storeDir := filepath.Join(t.TempDir(), "store")
	indexDir := filepath.Join(t.TempDir(), "index")

	err := Run([]string{"pack", "--out", archives, "--blocks", "12", "--per-file", "6"})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	err = Run([]string{
		"import",
		"--store", storeDir,
		"--index", indexDir,
		"--from-dir", archives,
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	// the same seed regenerates the same chain, so its hashes are known
	chain := benchutil.GenerateChain(benchutil.DefaultConfig(12))
	hash := chain.Hashes[7].Hex()

	err = Run([]string{"lookup", "--index", indexDir, "--store", storeDir, hash})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	err = Run([]string{"stat", "--store", storeDir, "--index", indexDir})
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
}
