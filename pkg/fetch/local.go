package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chainarc/eraimport/pkg/era"
)

// LocalConfig configures a directory-backed archive source.
type LocalConfig struct {
	// Dir is the directory containing *.era1 files.
	Dir string
	// DeleteProcessed removes an archive file once it is marked processed.
	DeleteProcessed bool
}

// LocalSource yields era1 files from a local directory in ascending epoch
// order. Files that do not follow the canonical naming fall back to
// lexicographic order after all canonical ones.
type LocalSource struct {
	cfg   LocalConfig
	paths []string
	pos   int
}

// NewLocalSource scans the directory once and fixes the yield order.
func NewLocalSource(cfg LocalConfig) (*LocalSource, error) {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	type scanned struct {
		name  string
		epoch uint64
		canon bool
	}
	var files []scanned
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".era1") {
			continue
		}
		epoch, ok := era.ParseEpoch(e.Name())
		files = append(files, scanned{name: e.Name(), epoch: epoch, canon: ok})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].canon != files[j].canon {
			return files[i].canon
		}
		if files[i].canon && files[i].epoch != files[j].epoch {
			return files[i].epoch < files[j].epoch
		}
		return files[i].name < files[j].name
	})

	src := &LocalSource{cfg: cfg}
	for _, f := range files {
		src.paths = append(src.paths, filepath.Join(cfg.Dir, f.name))
	}
	return src, nil
}

// Len returns the number of archives found.
func (s *LocalSource) Len() int {
	return len(s.paths)
}

// Next yields the next archive.
func (s *LocalSource) Next(ctx context.Context) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.paths) {
		return nil, io.EOF
	}
	path := s.paths[s.pos]
	s.pos++
	return &localMeta{path: path, remove: s.cfg.DeleteProcessed}, nil
}

type localMeta struct {
	path   string
	remove bool
}

func (m *localMeta) Open() (io.ReadCloser, error) {
	f, err := os.Open(m.path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", m.path, err)
	}
	return f, nil
}

func (m *localMeta) Path() string {
	return m.path
}

func (m *localMeta) MarkAsProcessed() error {
	if !m.remove {
		return nil
	}
	if err := os.Remove(m.path); err != nil {
		return fmt.Errorf("remove processed archive %s: %w", m.path, err)
	}
	return nil
}
