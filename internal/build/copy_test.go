package build

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveDest(t *testing.T) {
	tests := []struct {
		name    string
		dest    string
		workdir string
		want    string
		wantErr bool
	}{
		{
			name: "absolute dest",
			dest: "/opt/file.txt",
			want: "/opt/file.txt",
		},
		{
			name:    "relative dest with workdir",
			dest:    "out/",
			workdir: "/app",
			want:    "/app/out",
		},
		{
			name:    "relative dest without workdir",
			dest:    "out/",
			wantErr: true,
		},
		{
			name:    "root",
			dest:    "/",
			wantErr: true,
		},
		{
			name:    "dot segments",
			dest:    "../bin/tool",
			workdir: "/build/src",
			want:    "/build/bin/tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveDest(tt.dest, tt.workdir)
			if tt.wantErr {
				if !errors.Is(err, ErrCopy) {
					t.Fatalf("err = %v, want ErrCopy", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("dest = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContextPath(t *testing.T) {
	root := filepath.Join("ctx", "root")

	got, err := contextPath(root, "src")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(root, "src") {
		t.Fatalf("contextPath = %q", got)
	}

	for _, src := range []string{"../secret", "/etc/passwd", ".."} {
		if _, err := contextPath(root, src); !errors.Is(err, ErrCopy) {
			t.Errorf("contextPath(%q) err = %v, want ErrCopy", src, err)
		}
	}
}

func TestWriteDirToTar(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.rs"), []byte("fn main() {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "tool.rs"), []byte("// tool"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeDirToTar(tw, dir, "src"); err != nil {
		t.Fatalf("writeDirToTar: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	got := map[string]string{}
	tr := tar.NewReader(&buf)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(tr)
		got[hdr.Name] = string(data)
	}

	want := map[string]string{
		"src":             "",
		"src/bin":         "",
		"src/bin/tool.rs": "// tool",
		"src/main.rs":     "fn main() {}",
	}
	for name, content := range want {
		if c, ok := got[name]; !ok || c != content {
			t.Errorf("entry %q = %q (present %v), want %q", name, c, ok, content)
		}
	}
	if len(got) != len(want) {
		t.Errorf("got %d entries, want %d: %v", len(got), len(want), got)
	}
}

func TestWriteFileToTar(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Cargo.lock")
	if err := os.WriteFile(src, []byte("lock"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeFileToTar(tw, src, "Cargo.lock"); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Name != "Cargo.lock" || hdr.Size != 4 {
		t.Fatalf("header = %s (%d bytes)", hdr.Name, hdr.Size)
	}
}
