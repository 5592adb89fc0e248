package cache

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

const testKey = Key("ab0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd")

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s := NewFileStore(t.TempDir())
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func TestFileStorePutLookup(t *testing.T) {
	s := newTestStore(t)
	blob := []byte("tar stream")

	e, err := s.Put(testKey, "deps", []string{"/build/target"}, bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if e.Digest != digest.FromBytes(blob) {
		t.Errorf("digest = %s, want %s", e.Digest, digest.FromBytes(blob))
	}
	if e.Size != int64(len(blob)) {
		t.Errorf("size = %d, want %d", e.Size, len(blob))
	}

	got, err := s.Lookup(testKey)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Digest != e.Digest || got.Name != "deps" || len(got.Paths) != 1 {
		t.Fatalf("Lookup = %+v, want %+v", got, e)
	}

	if _, err := os.Stat(filepath.Join(s.Dir(), "ab", string(testKey), entryFile)); err != nil {
		t.Fatalf("entry not stored under prefix dir: %v", err)
	}
}

func TestFileStoreLookupMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Lookup(testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStorePutKeepsExisting(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Put(testKey, "deps", nil, strings.NewReader("first"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Put(testKey, "deps", nil, strings.NewReader("second"))
	if err != nil {
		t.Fatal(err)
	}
	if second.Digest != first.Digest {
		t.Fatalf("stored digest changed from %s to %s", first.Digest, second.Digest)
	}
}

func TestFileStoreOpen(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put(testKey, "deps", nil, strings.NewReader("payload")); err != nil {
		t.Fatal(err)
	}

	rc, e, err := s.Open(testKey)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "payload" || e.Size != 7 {
		t.Fatalf("data = %q size = %d", data, e.Size)
	}
}

func TestFileStoreOpenCorrupt(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put(testKey, "deps", nil, strings.NewReader("payload")); err != nil {
		t.Fatal(err)
	}
	blob := filepath.Join(s.entryPath(testKey), blobFile)
	if err := os.WriteFile(blob, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	rc, _, err := s.Open(testKey)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	if _, err := io.ReadAll(rc); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestFileStoreFailedPutStoresNothing(t *testing.T) {
	s := newTestStore(t)
	failing := io.MultiReader(strings.NewReader("partial"), errReader{})

	if _, err := s.Put(testKey, "deps", nil, failing); !errors.Is(err, ErrCache) {
		t.Fatalf("err = %v, want ErrCache", err)
	}
	if _, err := s.Lookup(testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup after failed put: %v", err)
	}

	leftovers, _ := os.ReadDir(filepath.Dir(s.entryPath(testKey)))
	if len(leftovers) != 0 {
		t.Fatalf("temporary directories left behind: %d", len(leftovers))
	}
}

func TestFileStoreRemove(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put(testKey, "deps", nil, strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(testKey); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Lookup(testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.Remove(testKey); err != nil {
		t.Fatalf("removing a missing entry: %v", err)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("stream broken")
}
