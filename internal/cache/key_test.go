package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
)

func baseInput() KeyInput {
	return KeyInput{
		Name:     "deps",
		Builder:  digest.FromString("clux/muslrust:stable"),
		Platform: "linux/amd64",
		State:    []string{"workdir /build"},
		Files: []KeyFile{
			{Path: "Cargo.toml", Content: []byte("[package]\nname = \"ligmir\"\n")},
			{Path: "Cargo.lock", Content: []byte("[[package]]\nname = \"foo\"\nversion = \"1.2.3\"\n")},
		},
		Steps: []string{
			"copy Cargo.toml Cargo.toml",
			"copy Cargo.lock Cargo.lock",
			"run cargo build --release --lib",
		},
	}
}

func TestDeriveKeyStable(t *testing.T) {
	a := DeriveKey(baseInput())
	b := DeriveKey(baseInput())
	if a != b {
		t.Fatalf("identical inputs produced %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("key length = %d, want 64", len(a))
	}
}

func TestDeriveKeyFileOrder(t *testing.T) {
	in := baseInput()
	in.Files[0], in.Files[1] = in.Files[1], in.Files[0]
	if DeriveKey(in) != DeriveKey(baseInput()) {
		t.Fatal("key depends on key file order")
	}
}

func TestDeriveKeyChanges(t *testing.T) {
	base := DeriveKey(baseInput())

	tests := []struct {
		name   string
		mutate func(*KeyInput)
	}{
		{"lock bump", func(in *KeyInput) {
			in.Files[1].Content = []byte("[[package]]\nname = \"foo\"\nversion = \"1.2.4\"\n")
		}},
		{"manifest edit", func(in *KeyInput) {
			in.Files[0].Content = append(in.Files[0].Content, "edition = \"2021\"\n"...)
		}},
		{"cache name", func(in *KeyInput) { in.Name = "deps2" }},
		{"builder image", func(in *KeyInput) { in.Builder = digest.FromString("rust:1-alpine") }},
		{"platform", func(in *KeyInput) { in.Platform = "linux/arm64" }},
		{"prior state", func(in *KeyInput) { in.State = append(in.State, "run apk add musl-dev") }},
		{"nested step", func(in *KeyInput) { in.Steps[2] = "run cargo build --lib" }},
		{"step order", func(in *KeyInput) { in.Steps[0], in.Steps[1] = in.Steps[1], in.Steps[0] }},
		{"field boundary", func(in *KeyInput) {
			in.State = []string{"workdir", "/build"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mutate(&in)
			if DeriveKey(in) == base {
				t.Fatal("key did not change")
			}
		})
	}
}

func TestReadKeyFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Cargo.lock"), []byte("lock"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.rs"), []byte("fn main() {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := ReadKeyFiles(dir, []string{"Cargo.lock"})
	if err != nil {
		t.Fatalf("ReadKeyFiles: %v", err)
	}
	if len(files) != 1 || files[0].Path != "Cargo.lock" || string(files[0].Content) != "lock" {
		t.Fatalf("files = %+v", files)
	}

	before := DeriveKey(KeyInput{Name: "deps", Files: files})

	// Source edits do not touch key files.
	if err := os.WriteFile(filepath.Join(dir, "src", "main.rs"), []byte("fn main() { panic!() }"), 0o644); err != nil {
		t.Fatal(err)
	}
	files, err = ReadKeyFiles(dir, []string{"Cargo.lock"})
	if err != nil {
		t.Fatal(err)
	}
	if after := DeriveKey(KeyInput{Name: "deps", Files: files}); after != before {
		t.Fatal("source edit changed the key")
	}
}

func TestReadKeyFilesErrors(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []string{"missing.lock", "../outside", "/etc/passwd"} {
		if _, err := ReadKeyFiles(dir, []string{p}); !errors.Is(err, ErrCache) {
			t.Errorf("ReadKeyFiles(%q) err = %v, want ErrCache", p, err)
		}
	}
}

func TestKeyShort(t *testing.T) {
	k := Key("0123456789abcdef")
	if k.Short() != "0123456789ab" {
		t.Fatalf("Short() = %q", k.Short())
	}
	if Key("abc").Short() != "abc" {
		t.Fatal("short key truncated")
	}
}
