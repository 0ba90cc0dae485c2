package mizar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// hashString returns the BLAKE3 digest of s, used for cache file naming.
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// b3sumFile computes the BLAKE3 digest of the file at path.
func b3sumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("b3sum failed for %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// verifyChecksums checks every fetched source of the recipe against the
// recorded checksums file. A missing checksums file fails the recipe: a
// from-scratch build must never feed unverified tarballs to the toolchain.
func verifyChecksums(r *Recipe) error {
	sums, err := r.Checksums()
	if err != nil {
		return fmt.Errorf("could not read checksums for %s: %w", r.Name, err)
	}

	entries, err := r.Sources()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !isRemoteSource(e.URL) {
			continue // local files/ and patches/ entries are versioned with the recipe
		}
		if strings.HasPrefix(e.URL, "git+") {
			continue // git checkouts are pinned by their ref, not a digest
		}
		filename := filepath.Base(e.URL)
		want, ok := sums[filename]
		if !ok {
			return fmt.Errorf("no recorded checksum for %s (%s)", filename, r.Name)
		}

		path := filepath.Join(SourcesDir, r.Name, filename)
		got, err := b3sumFile(path)
		if err != nil {
			return fmt.Errorf("could not hash %s: %w", path, err)
		}
		if got != want {
			return fmt.Errorf("checksum mismatch for %s: recorded %s, computed %s", filename, want, got)
		}
		debugf("Checksum OK: %s\n", filename)
	}
	return nil
}

// writeChecksums regenerates the recipe's checksums file from the files
// currently present in its source cache dir. Used by `mizar checksum`-style
// refreshes after a version bump.
func writeChecksums(r *Recipe) error {
	srcDir := filepath.Join(SourcesDir, r.Name)
	files, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("cannot read source dir %s: %w", srcDir, err)
	}

	var lines []string
	for _, f := range files {
		if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		sum, err := b3sumFile(filepath.Join(srcDir, f.Name()))
		if err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("%s  %s", sum, f.Name()))
	}
	sort.Strings(lines)

	checksumFile := filepath.Join(r.Dir, "checksums")
	if err := os.WriteFile(checksumFile, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write checksums file: %w", err)
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Wrote %d checksums for %s\n", len(lines), r.Name)
	return nil
}
