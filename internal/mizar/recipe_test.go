package mizar

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// withTestProfile points the recipe lookup at a scratch profile tree and
// restores the previous one afterwards.
func withTestProfile(t *testing.T) string {
	t.Helper()
	orig := profileDir
	profileDir = t.TempDir()
	t.Cleanup(func() { profileDir = orig })
	return profileDir
}

func writeRecipe(t *testing.T, name, version string, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(recipesRoot(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "version"), []byte(version+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for fname, content := range files {
		if err := os.WriteFile(filepath.Join(dir, fname), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadRecipe(t *testing.T) {
	withTestProfile(t)
	writeRecipe(t, "zlib", "1.3.1", nil)

	r, err := loadRecipe("zlib")
	if err != nil {
		t.Fatalf("loadRecipe failed: %v", err)
	}
	if r.Name != "zlib" || r.Version != "1.3.1" {
		t.Errorf("got %s %s, want zlib 1.3.1", r.Name, r.Version)
	}
}

func TestLoadRecipeMissing(t *testing.T) {
	withTestProfile(t)
	_, err := loadRecipe("does-not-exist")
	if !errors.Is(err, errRecipeNotFound) {
		t.Errorf("error = %v, want errRecipeNotFound", err)
	}
}

func TestSourcesParsing(t *testing.T) {
	withTestProfile(t)
	writeRecipe(t, "gcc", "14.2.0", map[string]string{
		"sources": `# compiler and support libs
https://ftp.gnu.org/gnu/gcc/gcc-14.2.0.tar.xz
https://ftp.gnu.org/gnu/mpfr/mpfr-4.2.1.tar.xz mpfr

patches/fix-build.patch
`,
	})

	r, err := loadRecipe("gcc")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := r.Sources()
	if err != nil {
		t.Fatalf("Sources failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Subdir != "" {
		t.Errorf("entry 0 subdir = %q, want empty", entries[0].Subdir)
	}
	if entries[1].Subdir != "mpfr" {
		t.Errorf("entry 1 subdir = %q, want mpfr", entries[1].Subdir)
	}
	if entries[2].URL != "patches/fix-build.patch" {
		t.Errorf("entry 2 URL = %q", entries[2].URL)
	}
	if isRemoteSource(entries[2].URL) {
		t.Error("local patch misclassified as remote")
	}
}

func TestChecksumsParsing(t *testing.T) {
	withTestProfile(t)
	writeRecipe(t, "m4", "1.4.19", map[string]string{
		"checksums": "abc123  m4-1.4.19.tar.xz\n",
	})

	r, err := loadRecipe("m4")
	if err != nil {
		t.Fatal(err)
	}
	sums, err := r.Checksums()
	if err != nil {
		t.Fatal(err)
	}
	if sums["m4-1.4.19.tar.xz"] != "abc123" {
		t.Errorf("checksums = %v", sums)
	}
}

func TestChecksumsMissingFile(t *testing.T) {
	withTestProfile(t)
	writeRecipe(t, "bash", "5.2", nil)

	r, err := loadRecipe("bash")
	if err != nil {
		t.Fatal(err)
	}
	sums, err := r.Checksums()
	if err != nil {
		t.Fatalf("Checksums on a recipe without the file failed: %v", err)
	}
	if len(sums) != 0 {
		t.Errorf("got %d checksums from a missing file", len(sums))
	}
}

func TestStageOrder(t *testing.T) {
	withTestProfile(t)
	orderDir := filepath.Join(profileDir, "stages", "toolchain")
	if err := os.MkdirAll(orderDir, 0o755); err != nil {
		t.Fatal(err)
	}
	order := `# cross toolchain, strict order
binutils-pass1
gcc-pass1

linux-headers
`
	if err := os.WriteFile(filepath.Join(orderDir, "order"), []byte(order), 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := stageOrder("toolchain")
	if err != nil {
		t.Fatalf("stageOrder failed: %v", err)
	}
	want := []string{"binutils-pass1", "gcc-pass1", "linux-headers"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestStageOrderMissing(t *testing.T) {
	withTestProfile(t)
	if _, err := stageOrder("nope"); err == nil {
		t.Error("stageOrder succeeded for a missing stage")
	}
}
