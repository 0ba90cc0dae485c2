package mizar

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestIsRemoteSource(t *testing.T) {
	remote := []string{
		"https://ftp.gnu.org/gnu/bash/bash-5.2.tar.gz",
		"http://mirror/zlib.tar.xz",
		"ftp://ftp.example.org/pkg.tar.bz2",
		"git+https://github.com/example/tool#v1.2",
	}
	for _, s := range remote {
		if !isRemoteSource(s) {
			t.Errorf("isRemoteSource(%q) = false", s)
		}
	}

	local := []string{"files/config.site", "patches/fix.patch", "/abs/path"}
	for _, s := range local {
		if isRemoteSource(s) {
			t.Errorf("isRemoteSource(%q) = true", s)
		}
	}
}

func TestDownloadFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tarball bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.tar.xz")
	if err := downloadFile(srv.URL+"/pkg.tar.xz", dest, downloadOptions{Quiet: true}); err != nil {
		t.Fatalf("downloadFile failed: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "tarball bytes" {
		t.Errorf("downloaded content = %q", data)
	}
}

func TestDownloadFileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "missing.tar.xz")
	if err := downloadFile(srv.URL+"/missing.tar.xz", dest, downloadOptions{Quiet: true}); err == nil {
		t.Error("downloadFile succeeded on a 404")
	}
	if _, err := os.Stat(dest); err == nil {
		t.Error("failed download left a destination file behind")
	}
	if _, err := os.Stat(dest + ".lock"); err == nil {
		t.Error("failed download left a stale lock file behind")
	}
}

func TestCopyFilePreservesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.patch")
	if err := os.WriteFile(src, []byte("--- a\n+++ b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "sub", "dst.patch")
	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile failed: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "--- a\n+++ b\n" {
		t.Errorf("copied content = %q", data)
	}
}

func TestCopyDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tree")
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "file"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("nested/file", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "copy")
	if err := copyDir(src, dst); err != nil {
		t.Fatalf("copyDir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "nested", "file")); err != nil {
		t.Errorf("nested file missing: %v", err)
	}
	target, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil {
		t.Fatalf("symlink not copied: %v", err)
	}
	if target != "nested/file" {
		t.Errorf("symlink target = %q", target)
	}
}
