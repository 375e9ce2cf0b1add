package saver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeDB(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "sqlite.db")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write db: %v", err)
	}
	return p
}

func fixedNow() time.Time { return time.UnixMilli(1700000000000) }

func TestLocal_SaveCopiesFile(t *testing.T) {
	src := writeDB(t, "db-bytes")
	dir := filepath.Join(t.TempDir(), "archive")
	s := &Local{Dir: dir, Now: fixedNow}

	loc, err := s.Save(context.Background(), src)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if want := filepath.Join(dir, "sqlite-1700000000000.db"); loc != want {
		t.Fatalf("expected %s, got %s", want, loc)
	}
	got, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(got) != "db-bytes" {
		t.Fatalf("unexpected copy content %q", got)
	}
}

func TestLocal_SaveRefusesOverwrite(t *testing.T) {
	src := writeDB(t, "x")
	s := &Local{Dir: t.TempDir(), Now: fixedNow}
	if _, err := s.Save(context.Background(), src); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if _, err := s.Save(context.Background(), src); err == nil {
		t.Fatal("expected second save with same timestamp to fail")
	}
}

type memObject struct {
	buf      bytes.Buffer
	ctx      context.Context
	writeErr error
	closeErr error
	closed   bool
}

func (m *memObject) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.buf.Write(p)
}

func (m *memObject) String() string { return m.buf.String() }

func (m *memObject) Close() error {
	m.closed = true
	return m.closeErr
}

type fakeWriter struct {
	objects  map[string]*memObject
	writeErr error
	closeErr error
}

func (f *fakeWriter) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	o := &memObject{ctx: ctx, writeErr: f.writeErr, closeErr: f.closeErr}
	f.objects[bucket+"/"+object] = o
	return o
}

func TestGCS_SaveUploads(t *testing.T) {
	src := writeDB(t, "payload")
	fw := &fakeWriter{objects: map[string]*memObject{}}
	g := NewGCS(fw, "reports", "runs/main")
	g.Now = fixedNow

	loc, err := g.Save(context.Background(), src)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if want := "https://storage.googleapis.com/reports/runs/main/sqlite-1700000000000.db"; loc != want {
		t.Fatalf("expected %s, got %s", want, loc)
	}
	obj := fw.objects["reports/runs/main/sqlite-1700000000000.db"]
	if obj == nil || !obj.closed || obj.String() != "payload" {
		t.Fatalf("unexpected uploaded object: %+v", obj)
	}
}

func TestGCS_SaveReportsFinalizeError(t *testing.T) {
	src := writeDB(t, "payload")
	fw := &fakeWriter{objects: map[string]*memObject{}, closeErr: errors.New("permission denied")}
	g := NewGCS(fw, "reports", "")
	if _, err := g.Save(context.Background(), src); err == nil {
		t.Fatal("expected finalize error")
	}
}

func TestGCS_FailedUploadIsNotCommitted(t *testing.T) {
	src := writeDB(t, "payload")
	fw := &fakeWriter{objects: map[string]*memObject{}, writeErr: errors.New("connection reset")}
	g := NewGCS(fw, "reports", "")
	g.Now = fixedNow

	if _, err := g.Save(context.Background(), src); err == nil {
		t.Fatal("expected upload error")
	}
	obj := fw.objects["reports/sqlite-1700000000000.db"]
	if obj == nil {
		t.Fatal("expected a writer to be opened")
	}
	if obj.closed {
		t.Fatal("a failed upload must not be committed by Close")
	}
	if obj.ctx.Err() == nil {
		t.Fatal("expected the writer context to be cancelled")
	}
}

func TestNew(t *testing.T) {
	s, err := New(context.Background(), Config{Kind: KindNone})
	if err != nil || s != nil {
		t.Fatalf("expected nil saver for none, got %v %v", s, err)
	}
	if _, err := New(context.Background(), Config{Kind: KindLocal}); err == nil {
		t.Fatal("expected error for local saver without dir")
	}
	if _, err := New(context.Background(), Config{Kind: KindGCS}); err == nil {
		t.Fatal("expected error for gcs saver without bucket")
	}
	if _, err := New(context.Background(), Config{Kind: "ftp"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	s, err = New(context.Background(), Config{Kind: KindLocal, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("local saver: %v", err)
	}
	if _, ok := s.(*Local); !ok {
		t.Fatalf("expected *Local, got %T", s)
	}
}
