package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"report_6f1c2a4e-0000-4000-8000-000000000001_20240225T101500Z.pdf", true},
		{"reports/2024/a.pdf", true},
		{"", false},
		{"/abs.pdf", false},
		{"dir/", false},
		{"../escape.pdf", false},
		{"a/../b.pdf", false},
		{"a//b.pdf", false},
		{"name with space.pdf", false},
		{"laudoé.pdf", false},
		{strings.Repeat("a", 513), false},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if (err == nil) != tt.want {
			t.Errorf("ValidateKey(%q) = %v, want valid=%v", tt.key, err, tt.want)
		}
		if err != nil && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ValidateKey(%q) error should wrap ErrInvalidKey, got %v", tt.key, err)
		}
	}
}

// storeContract runs the behaviour every backend must share.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	obj, err := store.Put(ctx, "report_a.pdf", "application/pdf", strings.NewReader("%PDF-1.4 body"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj.Key != "report_a.pdf" || obj.Size != int64(len("%PDF-1.4 body")) {
		t.Errorf("unexpected object %+v", obj)
	}
	if obj.Hash == "" {
		t.Error("expected hash on put")
	}

	rc, got, err := store.Get(ctx, "report_a.pdf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "%PDF-1.4 body" {
		t.Errorf("unexpected content %q", data)
	}
	if got.ContentType != "application/pdf" {
		t.Errorf("expected application/pdf, got %q", got.ContentType)
	}

	if _, _, err := store.Get(ctx, "missing.pdf"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}

	if err := store.Delete(ctx, "report_a.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := store.Get(ctx, "report_a.pdf"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "report_a.pdf"); err != nil {
		t.Errorf("expected delete of missing key to succeed, got %v", err)
	}

	if _, err := store.Put(ctx, "../x.pdf", "application/pdf", strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore(0))
}

func TestDiskStore_Contract(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	storeContract(t, store)
}

func TestStores_TooLarge(t *testing.T) {
	disk, err := NewDiskStore(t.TempDir(), 4)
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	stores := map[string]Store{
		"memory": NewMemoryStore(4),
		"disk":   disk,
		"s3":     newS3Store(newFakeS3(), S3Options{Bucket: "b", MaxSize: 4}),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := store.Put(context.Background(), "big.pdf", "application/pdf", strings.NewReader("12345"))
			if !errors.Is(err, ErrFileTooLarge) {
				t.Errorf("expected ErrFileTooLarge, got %v", err)
			}
			if _, err := store.Put(context.Background(), "ok.pdf", "application/pdf", strings.NewReader("1234")); err != nil {
				t.Errorf("expected exactly max size to fit, got %v", err)
			}
		})
	}
}

func TestDiskStore_NestedKeysAndOverwrite(t *testing.T) {
	store, err := NewDiskStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Put(ctx, "2024/02/r.pdf", "application/pdf", strings.NewReader("v1")); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if _, err := store.Put(ctx, "2024/02/r.pdf", "application/pdf", strings.NewReader("v2")); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	rc, _, err := store.Get(ctx, "2024/02/r.pdf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "v2" {
		t.Errorf("expected overwritten content v2, got %q", data)
	}
}

func TestNewDiskStore_RequiresRoot(t *testing.T) {
	if _, err := NewDiskStore("", 0); err == nil {
		t.Error("expected error for empty root")
	}
}

func TestMemoryStore_ConcurrentPuts(t *testing.T) {
	store := NewMemoryStore(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "r_" + string(rune('a'+i)) + ".pdf"
			if _, err := store.Put(context.Background(), key, "application/pdf", strings.NewReader("x")); err != nil {
				t.Errorf("put %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()
	if store.Len() != 20 {
		t.Errorf("expected 20 blobs, got %d", store.Len())
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	if s, err := Open(ctx, Options{Backend: BackendMemory}); err != nil {
		t.Errorf("memory: %v", err)
	} else if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", s)
	}
	if s, err := Open(ctx, Options{Backend: BackendDisk, Dir: t.TempDir()}); err != nil {
		t.Errorf("disk: %v", err)
	} else if _, ok := s.(*DiskStore); !ok {
		t.Errorf("expected *DiskStore, got %T", s)
	}
	if _, err := Open(ctx, Options{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(ctx, Options{Backend: BackendS3}); err == nil {
		t.Error("expected error for s3 without bucket")
	}
}
