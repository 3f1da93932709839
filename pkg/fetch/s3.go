package fetch

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/chainarc/eraimport/pkg/era"
	"golang.org/x/sync/errgroup"
)

// S3Config configures an S3-backed archive source.
type S3Config struct {
	// Bucket is the S3 bucket holding the archives.
	Bucket string
	// Prefix restricts the listing to keys under this prefix.
	Prefix string
	// ScratchDir receives downloaded archives until they are processed.
	ScratchDir string
	// Prefetch is the number of downloads allowed to run ahead of the
	// importer (default: 2).
	Prefetch int
	// PartSize is the download part size in bytes (default: 16 MiB).
	PartSize int64
}

// S3Source downloads era1 files from an S3 prefix. Downloads may run
// concurrently up to Prefetch, but archives are yielded strictly in listing
// (epoch) order.
type S3Source struct {
	client *s3.Client
	dl     *manager.Downloader
	cfg    S3Config
	keys   []string

	// downloadFn is replaceable in tests; nil means the real downloader.
	downloadFn func(context.Context, *pendingDownload) error

	startOnce sync.Once
	pending   chan *pendingDownload
}

type pendingDownload struct {
	key       string
	localPath string
	done      chan struct{}
	err       error
}

// NewS3Source lists the prefix once and fixes the yield order. The default
// AWS configuration chain supplies credentials and region.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3SourceWithClient(ctx, s3.NewFromConfig(awsCfg), cfg)
}

// NewS3SourceWithClient is like NewS3Source with a caller-supplied client
// (useful for custom endpoints and tests).
func NewS3SourceWithClient(ctx context.Context, client *s3.Client, cfg S3Config) (*S3Source, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = 16 * 1024 * 1024
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}

	src := &S3Source{
		client: client,
		dl: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = cfg.PartSize
		}),
		cfg: cfg,
	}

	if err := src.list(ctx); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *S3Source) list(ctx context.Context) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list s3://%s/%s: %w", s.cfg.Bucket, s.cfg.Prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".era1") {
				continue
			}
			s.keys = append(s.keys, *obj.Key)
		}
	}

	sortArchiveKeys(s.keys)
	return nil
}

// sortArchiveKeys orders keys by epoch where the filename parses as a
// canonical era1 name, falling back to lexical order otherwise.
func sortArchiveKeys(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		ei, iok := era.ParseEpoch(filepath.Base(keys[i]))
		ej, jok := era.ParseEpoch(filepath.Base(keys[j]))
		if iok && jok && ei != ej {
			return ei < ej
		}
		return keys[i] < keys[j]
	})
}

// Len returns the number of archives listed.
func (s *S3Source) Len() int {
	return len(s.keys)
}

// start launches the ordered prefetch pipeline. Placeholders enter the
// pending channel in key order; its capacity is the Prefetch limit, so a
// download only starts once the importer has drained enough earlier
// archives. An unconsumed backlog therefore suspends the downloader instead
// of filling the scratch dir with the whole listing.
func (s *S3Source) start(ctx context.Context) {
	s.pending = make(chan *pendingDownload, s.cfg.Prefetch)

	download := s.downloadFn
	if download == nil {
		download = s.download
	}

	go func() {
		defer close(s.pending)

		var g errgroup.Group
		g.SetLimit(s.cfg.Prefetch)
		defer g.Wait()

		for _, key := range s.keys {
			p := &pendingDownload{
				key:       key,
				localPath: filepath.Join(s.cfg.ScratchDir, filepath.Base(key)),
				done:      make(chan struct{}),
			}
			select {
			case s.pending <- p:
			case <-ctx.Done():
				return
			}
			g.Go(func() error {
				p.err = download(ctx, p)
				close(p.done)
				return nil
			})
		}
	}()
}

func (s *S3Source) download(ctx context.Context, p *pendingDownload) error {
	f, err := os.Create(p.localPath)
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}

	_, err = s.dl.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(p.key),
	})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(p.localPath)
		return fmt.Errorf("download s3://%s/%s: %w", s.cfg.Bucket, p.key, err)
	}
	return nil
}

// Next yields the next archive in listing order, waiting for its download.
func (s *S3Source) Next(ctx context.Context) (Meta, error) {
	s.startOnce.Do(func() { s.start(ctx) })

	select {
	case p, ok := <-s.pending:
		if !ok {
			return nil, io.EOF
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if p.err != nil {
			return nil, p.err
		}
		return &s3Meta{
			bucket:    s.cfg.Bucket,
			key:       p.key,
			localPath: p.localPath,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type s3Meta struct {
	bucket    string
	key       string
	localPath string
}

func (m *s3Meta) Open() (io.ReadCloser, error) {
	f, err := os.Open(m.localPath)
	if err != nil {
		return nil, fmt.Errorf("open downloaded archive %s: %w", m.localPath, err)
	}
	return f, nil
}

func (m *s3Meta) Path() string {
	return fmt.Sprintf("s3://%s/%s", m.bucket, m.key)
}

// MarkAsProcessed deletes the scratch copy; the object itself stays in S3.
func (m *s3Meta) MarkAsProcessed() error {
	if err := os.Remove(m.localPath); err != nil {
		return fmt.Errorf("remove scratch copy %s: %w", m.localPath, err)
	}
	return nil
}
