package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLocalStorage_UploadDownload(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "test.txt")
	content := []byte("hello world")
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	ctx := context.Background()

	objectPath := "acme/segments/object.sqlite"
	if err := store.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := store.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	dstPath := filepath.Join(srcDir, "downloaded.txt")
	if err := store.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	downloaded, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(downloaded) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", downloaded, content)
	}

	if err := store.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = store.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists after delete failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}

	// Deleting an absent object is a no-op, like S3.
	if err := store.Delete(ctx, objectPath); err != nil {
		t.Errorf("second Delete should be idempotent, got %v", err)
	}
}

func TestLocalStorage_BytesRoundTrip(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	objectPath := "acme/_log/00000000000000000001.json"
	payload := []byte(`{"version":1}`)

	if err := store.PutBytes(ctx, objectPath, payload); err != nil {
		t.Fatalf("PutBytes failed: %v", err)
	}

	got, err := store.GetBytes(ctx, objectPath)
	if err != nil {
		t.Fatalf("GetBytes failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("content mismatch: got %q, want %q", got, payload)
	}

	_, err = store.GetBytes(ctx, "acme/_log/00000000000000000099.json")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_PutBytesIfAbsentSingleWinner(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	objectPath := "acme/_log/00000000000000000002.json"

	if err := store.PutBytesIfAbsent(ctx, objectPath, []byte("first")); err != nil {
		t.Fatalf("initial PutBytesIfAbsent failed: %v", err)
	}
	err = store.PutBytesIfAbsent(ctx, objectPath, []byte("second"))
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got %v", err)
	}

	got, err := store.GetBytes(ctx, objectPath)
	if err != nil {
		t.Fatalf("GetBytes failed: %v", err)
	}
	if string(got) != "first" {
		t.Errorf("losing writer overwrote the object: got %q", got)
	}

	// Racing writers on a fresh key: exactly one wins.
	racePath := "acme/_log/00000000000000000003.json"
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.PutBytesIfAbsent(ctx, racePath, []byte("race")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one winning writer, got %d", wins)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	dstPath := filepath.Join(t.TempDir(), "downloaded.txt")
	err = store.Download(context.Background(), "nonexistent/object.sqlite", dstPath)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_ListObjectsByPrefix(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	for _, path := range []string{
		"acme/segments/b.sqlite",
		"acme/segments/a.sqlite",
		"acme/_log/00000000000000000001.json",
		"umbrella/segments/c.sqlite",
	} {
		if err := store.PutBytes(ctx, path, []byte("x")); err != nil {
			t.Fatalf("PutBytes %s failed: %v", path, err)
		}
	}

	objects, err := store.ListObjects(ctx, "acme/segments")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"acme/segments/a.sqlite", "acme/segments/b.sqlite"}
	if len(objects) != len(want) {
		t.Fatalf("got %v, want %v", objects, want)
	}
	for i := range want {
		if objects[i] != want[i] {
			t.Errorf("got %v, want %v", objects, want)
			break
		}
	}

	// Unknown prefix lists empty, not an error.
	objects, err = store.ListObjects(ctx, "nosuch/prefix")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("expected empty listing, got %v", objects)
	}
}

func TestLocalStorage_Clear(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	if err := store.PutBytes(ctx, "obj1.txt", []byte("test")); err != nil {
		t.Fatalf("PutBytes failed: %v", err)
	}
	if err := store.PutBytes(ctx, "obj2.txt", []byte("test")); err != nil {
		t.Fatalf("PutBytes failed: %v", err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	exists, _ := store.Exists(ctx, "obj1.txt")
	if exists {
		t.Error("expected obj1.txt to not exist after clear")
	}
	exists, _ = store.Exists(ctx, "obj2.txt")
	if exists {
		t.Error("expected obj2.txt to not exist after clear")
	}
}
