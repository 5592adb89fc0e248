package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ligmir/ligship/internal/errs"
	"github.com/opencontainers/go-digest"
)

// Hex-encoded sha256 identifying a cache entry.
type Key string

// Returns the key as a string.
func (k Key) String() string {
	return string(k)
}

// Returns an abbreviated key for logs.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}
	return string(k[:12])
}

// A build-context file whose contents participate in the key.
type KeyFile struct {
	Path    string // Build-context relative path.
	Content []byte
}

// All components of a cache key.
type KeyInput struct {
	Name     string        // Cache group name.
	Builder  digest.Digest // Digest of the builder image.
	Platform string        // Target platform (e.g., "linux/amd64").
	State    []string      // Operations and modifiers in effect before the group, in order.
	Files    []KeyFile     // Key files. Order does not matter.
	Steps    []string      // Canonical forms of the group's nested steps, in order.
}

// Computes the key for the given inputs.
//
// Every component is length-prefixed so that adjacent fields cannot be
// confused. Key files are hashed in path order; all other lists keep their
// order because it is significant.
func DeriveKey(in KeyInput) Key {
	h := sha256.New()

	writeField(h, []byte(in.Name))
	writeField(h, []byte(in.Builder))
	writeField(h, []byte(in.Platform))

	writeList(h, in.State)

	files := make([]KeyFile, len(in.Files))
	copy(files, in.Files)
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	writeCount(h, len(files))
	for _, f := range files {
		writeField(h, []byte(f.Path))
		writeField(h, f.Content)
	}

	writeList(h, in.Steps)

	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Reads key files from the build context rooted at dir.
//
// Paths are resolved relative to dir and may not escape it. A missing key
// file is an error: a key that silently ignored it would match a context
// that lacks the file entirely.
func ReadKeyFiles(dir string, paths []string) ([]KeyFile, error) {
	files := make([]KeyFile, 0, len(paths))
	for _, p := range paths {
		rel := filepath.Clean(filepath.FromSlash(p))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, errs.Wrapf(ErrCache, "key file %q escapes the build context", p)
		}
		content, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return nil, errs.Wrapf(ErrCache, "reading key file %q: %w", p, err)
		}
		files = append(files, KeyFile{Path: filepath.ToSlash(rel), Content: content})
	}
	return files, nil
}

// Writes an 8-byte big-endian length prefix followed by data.
func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}

// Writes an element count.
func writeCount(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	writeField(h, buf[:])
}

// Writes a counted list of strings.
func writeList(h hash.Hash, items []string) {
	writeCount(h, len(items))
	for _, s := range items {
		writeField(h, []byte(s))
	}
}
