package mizar

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// writeTestTarXz builds a small .tar.xz with every entry under topDir.
func writeTestTarXz(t *testing.T, path, topDir string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	xw, err := xz.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(xw)

	if err := tw.WriteHeader(&tar.Header{
		Name:     topDir + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
	}); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		hdr := &tar.Header{
			Name: topDir + "/" + name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractTarXzStripsTopDir(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "pkg-1.0.tar.xz")
	writeTestTarXz(t, archive, "pkg-1.0", map[string]string{
		"README":       "hello\n",
		"src/main.c":   "int main(void) { return 0; }\n",
		"configure.ac": "AC_INIT\n",
	})

	dest := filepath.Join(dir, "build")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := extractArchive(archive, dest); err != nil {
		t.Fatalf("extractArchive failed: %v", err)
	}

	// The top-level pkg-1.0/ component must be stripped.
	data, err := os.ReadFile(filepath.Join(dest, "README"))
	if err != nil {
		t.Fatalf("README not extracted at the stripped path: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("README content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(dest, "src", "main.c")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "pkg-1.0")); err == nil {
		t.Error("top-level directory was not stripped")
	}
}

func TestUnzipGo(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "src.zip")

	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("docs/notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("zipped")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dest := filepath.Join(dir, "out")
	if err := unzipGo(archive, dest); err != nil {
		t.Fatalf("unzipGo failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "docs", "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "zipped" {
		t.Errorf("content = %q", data)
	}
}

func TestUnzipGoRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")

	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("../../escape.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("nope"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	err = unzipGo(archive, filepath.Join(dir, "out"))
	if err == nil || !strings.Contains(err.Error(), "illegal file path") {
		t.Errorf("unzipGo = %v, want illegal file path error", err)
	}
}

func TestCompressXZRoundTrip(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "build.log")
	content := "checking for gcc... yes\nmake all-gcc\n"
	if err := os.WriteFile(raw, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	compressed := raw + ".xz"
	if err := compressXZ(raw, compressed); err != nil {
		t.Fatalf("compressXZ failed: %v", err)
	}

	lines, err := readCompressedLog(compressed)
	if err != nil {
		t.Fatalf("readCompressedLog failed: %v", err)
	}
	if len(lines) != 2 || lines[0] != "checking for gcc... yes" {
		t.Errorf("round trip lines = %v", lines)
	}
}

func TestCompressZstdRoundTrip(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "disk.img")
	payload := strings.Repeat("mizar", 4096)
	if err := os.WriteFile(raw, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	compressed := raw + ".zst"
	if err := compressZstd(raw, compressed); err != nil {
		t.Fatalf("compressZstd failed: %v", err)
	}

	f, err := os.Open(compressed)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	decoded, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != payload {
		t.Error("zstd round trip corrupted the payload")
	}
}
