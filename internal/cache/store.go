package cache

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ligmir/ligship/internal/errs"
	"github.com/opencontainers/go-digest"
)

const (
	entryFile = "entry.json" // Entry record.
	blobFile  = "layer.tar"  // Captured paths as a tar stream rooted at "/".
)

// A stored cache entry.
type Entry struct {
	Key       Key           `json:"key"`
	Name      string        `json:"name"`       // Cache group name.
	Digest    digest.Digest `json:"digest"`     // Digest of the tar blob.
	Size      int64         `json:"size"`       // Size of the tar blob in bytes.
	Paths     []string      `json:"paths"`      // Container paths captured in the blob.
	CreatedAt time.Time     `json:"created_at"` // Time the entry was stored.
}

// Persistent storage for cache entries.
type Store interface {

	// Returns the entry for key, or [ErrNotFound].
	Lookup(key Key) (*Entry, error)

	// Opens the entry's tar blob. The reader fails with [ErrCorrupt] at EOF
	// if the blob does not match the recorded digest.
	Open(key Key) (io.ReadCloser, *Entry, error)

	// Stores the tar stream read from r under key. If an entry for key
	// already exists it is returned unchanged and r is not consumed.
	Put(key Key, name string, paths []string, r io.Reader) (*Entry, error)

	// Removes the entry for key, if present.
	Remove(key Key) error
}

// Stores entries on the local filesystem.
//
// Structure:
//
//	{dir}/
//	  {key[0:2]}/
//	    {key}/
//	      entry.json
//	      layer.tar
type FileStore struct {
	dir string
	now func() time.Time
}

// Creates a store rooted at dir. The directory is created on first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

// Returns the store's root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Returns the entry for key, or [ErrNotFound].
func (s *FileStore) Lookup(key Key) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.entryPath(key), entryFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrapf(ErrNotFound, "%s", key.Short())
		}
		return nil, errs.Wrap(ErrCache, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errs.Wrapf(ErrCorrupt, "%s: %w", key.Short(), err)
	}
	if e.Key != key {
		return nil, errs.Wrapf(ErrCorrupt, "%s: record holds key %s", key.Short(), e.Key.Short())
	}
	return &e, nil
}

// Opens the entry's tar blob for reading.
func (s *FileStore) Open(key Key) (io.ReadCloser, *Entry, error) {
	e, err := s.Lookup(key)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(s.entryPath(key), blobFile))
	if err != nil {
		return nil, nil, errs.Wrap(ErrCache, err)
	}
	return &verifyingReader{f: f, verifier: e.Digest.Verifier(), key: key}, e, nil
}

// Stores the tar stream read from r under key.
//
// The blob and record are written into a temporary directory next to the
// final location and renamed into place once both are complete. When
// another writer committed the same key first, its entry wins and the
// temporary directory is discarded.
func (s *FileStore) Put(key Key, name string, paths []string, r io.Reader) (*Entry, error) {
	if existing, err := s.Lookup(key); err == nil {
		return existing, nil
	}

	entryDir := s.entryPath(key)
	parent := filepath.Dir(entryDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}

	tmpDir, err := os.MkdirTemp(parent, "tmp-"+key.Short()+"-")
	if err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	dgst, size, err := writeBlob(filepath.Join(tmpDir, blobFile), r)
	if err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}

	e := &Entry{
		Key:       key,
		Name:      name,
		Digest:    dgst,
		Size:      size,
		Paths:     append([]string(nil), paths...),
		CreatedAt: s.now().UTC(),
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, entryFile), data, 0o644); err != nil {
		return nil, errs.Wrap(ErrCache, err)
	}

	if err := os.Rename(tmpDir, entryDir); err != nil {
		if existing, lerr := s.Lookup(key); lerr == nil {
			return existing, nil
		}
		return nil, errs.Wrap(ErrCache, err)
	}
	committed = true
	return e, nil
}

// Removes the entry for key. Removing a missing entry is not an error.
func (s *FileStore) Remove(key Key) error {
	if err := os.RemoveAll(s.entryPath(key)); err != nil {
		return errs.Wrap(ErrCache, err)
	}
	return nil
}

// Returns the directory for a cache entry.
//
// The first two characters of the key form a prefix directory to keep the
// number of entries per directory small.
func (s *FileStore) entryPath(key Key) string {
	k := string(key)
	if len(k) < 2 {
		return filepath.Join(s.dir, k)
	}
	return filepath.Join(s.dir, k[:2], k)
}

// Copies r into a new file at path, returning the digest and size.
func writeBlob(path string, r io.Reader) (digest.Digest, int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(f, digester.Hash()), r)
	if err != nil {
		return "", 0, err
	}
	if err := f.Sync(); err != nil {
		return "", 0, err
	}
	return digester.Digest(), size, f.Close()
}

// Reads a blob and checks its digest at EOF.
type verifyingReader struct {
	f        *os.File
	verifier digest.Verifier
	key      Key
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.f.Read(p)
	if n > 0 {
		v.verifier.Write(p[:n])
	}
	if err == io.EOF && !v.verifier.Verified() {
		return n, errs.Wrapf(ErrCorrupt, "%s: blob digest mismatch", v.key.Short())
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.f.Close()
}
