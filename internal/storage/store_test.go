package storage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/api/googleapi"

	"reportline/internal/retry"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := "reports/b1/abc.pdf"
	data := []byte("%PDF-1.7 body")
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Put(ctx, key, data, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, key, data, "application/pdf"); err != nil {
		t.Fatalf("repeat put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: %q", got)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	for _, bad := range []string{"", "/abs", "a/../b", "a//b"} {
		if err := s.Put(ctx, bad, data, ""); err == nil {
			t.Fatalf("key %q accepted", bad)
		}
	}
}

func TestFSStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFS(dir)
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	exerciseStore(t, s)
}

func TestFSStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFS(dir)
	if err != nil {
		t.Fatalf("new fs: %v", err)
	}
	if err := s.Put(context.Background(), "reports/b2/x.pdf", []byte("%PDF-"), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "reports", "b2"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected artifact and metadata only, got %d entries", len(entries))
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemoryFailPut(t *testing.T) {
	m := NewMemory()
	m.FailPut = func(key string, attempt int) error {
		if attempt == 1 {
			return errors.New("boom")
		}
		return nil
	}
	ctx := context.Background()
	if err := m.Put(ctx, "k", []byte("x"), ""); err == nil {
		t.Fatalf("expected injected failure")
	}
	if err := m.Put(ctx, "k", []byte("x"), ""); err != nil {
		t.Fatalf("second put: %v", err)
	}
	if m.Puts() != 2 || m.Len() != 1 {
		t.Fatalf("unexpected counters puts=%d len=%d", m.Puts(), m.Len())
	}
}

func TestClassifyGoogleAPIErrors(t *testing.T) {
	cases := []struct {
		code      int
		permanent bool
	}{
		{http.StatusForbidden, true},
		{http.StatusNotFound, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		err := classify(&googleapi.Error{Code: tc.code})
		if retry.IsPermanent(err) != tc.permanent {
			t.Fatalf("code %d: permanent=%v want %v", tc.code, retry.IsPermanent(err), tc.permanent)
		}
	}
	plain := errors.New("reset")
	if classify(plain) != plain {
		t.Fatalf("non api errors should pass through")
	}
}
