// Package saver hands a finished report database off to long-term storage.
package saver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	KindNone  = "none"
	KindLocal = "local"
	KindGCS   = "gcs"
)

// Saver copies a local database file to durable storage and returns the
// location where it now resides.
type Saver interface {
	Save(ctx context.Context, localPath string) (string, error)
}

// Config selects and configures a Saver.
type Config struct {
	Kind   string `yaml:"kind" json:"kind"`
	Dir    string `yaml:"dir" json:"dir"`
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

// New builds the saver named by cfg.Kind. KindNone and an empty kind return
// a nil Saver.
func New(ctx context.Context, cfg Config) (Saver, error) {
	switch cfg.Kind {
	case "", KindNone:
		return nil, nil
	case KindLocal:
		if cfg.Dir == "" {
			return nil, fmt.Errorf("local saver: dir is required")
		}
		return &Local{Dir: cfg.Dir}, nil
	case KindGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("gcs saver: bucket is required")
		}
		client, err := storage.NewClient(ctx, option.WithUserAgent("shotreport"))
		if err != nil {
			return nil, fmt.Errorf("gcs saver: %w", err)
		}
		return NewGCS(&storageWriter{client: client}, cfg.Bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown saver kind %q", cfg.Kind)
	}
}

// Local copies the database into Dir under a timestamped name.
type Local struct {
	Dir string
	Now func() time.Time
}

func (l *Local) Save(ctx context.Context, localPath string) (string, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create save dir: %w", err)
	}
	dest := filepath.Join(l.Dir, objectName(localPath, l.now()))
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src}); err != nil {
		_ = dst.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("copy to %s: %w", dest, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", dest, err)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return dest, nil
	}
	return abs, nil
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// ObjectWriter opens a writer for one object in a bucket.
type ObjectWriter interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
}

type storageWriter struct {
	client *storage.Client
}

func (s *storageWriter) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ObjectAttrs.ContentType = "application/vnd.sqlite3"
	return w
}

// GCS uploads the database to a Cloud Storage bucket.
type GCS struct {
	writer ObjectWriter
	bucket string
	prefix string
	Now    func() time.Time
}

func NewGCS(w ObjectWriter, bucket, prefix string) *GCS {
	return &GCS{writer: w, bucket: bucket, prefix: prefix}
}

func (g *GCS) Save(ctx context.Context, localPath string) (string, error) {
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	object := path.Join(g.prefix, objectName(localPath, now))

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer src.Close()

	// Close commits the object, so a failed upload is abandoned by
	// cancelling the writer's context instead.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := g.writer.NewWriter(wctx, g.bucket, object)
	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: src}); err != nil {
		cancel()
		return "", fmt.Errorf("upload gs://%s/%s: %w", g.bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", g.bucket, object, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, object), nil
}

func objectName(localPath string, now time.Time) string {
	base := filepath.Base(localPath)
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-%d%s", base[:len(base)-len(ext)], now.UnixMilli(), ext)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
