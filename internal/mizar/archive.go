package mizar

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// shouldStripTar inspects the first entries of a tar archive and reports
// whether everything lives under a single top-level directory.
func shouldStripTar(archive string) (bool, error) {
	// Only list the first 51 entries - much faster for large archives
	cmd := exec.Command("sh", "-c", fmt.Sprintf("tar tf %s | head -n 51", archive))

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard

	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("tar tf failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return false, nil
	}

	firstEntry := lines[0]
	slashIdx := strings.IndexByte(firstEntry, '/')
	if slashIdx == -1 {
		// A file at the root, don't strip
		return false, nil
	}
	topDir := firstEntry[:slashIdx+1]

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, topDir) {
			return false, nil
		}
	}
	return true, nil
}

// extractArchive extracts any supported archive format into dest.
func extractArchive(realPath, dest string) error {
	if strings.HasSuffix(realPath, ".zip") {
		return unzipGo(realPath, dest)
	}
	return extractTar(realPath, dest)
}

// extractTar extracts a tar archive (with possible compression) to dest,
// stripping the top-level directory while handling PAX headers. System tar is
// used as the fast path; the pure-Go reader is the fallback.
func extractTar(realPath, dest string) error {
	f, err := os.Open(realPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", realPath, err)
	}

	// Try system tar first
	strip, err := shouldStripTar(realPath)
	if err != nil {
		debugf("shouldStripTar(%s) failed: %v\n", realPath, err)
	}
	args := []string{"xf", realPath, "-C", dest}
	if strip {
		args = append(args, "--strip-components=1")
	}
	if err := exec.Command("tar", args...).Run(); err == nil {
		_ = f.Close()
		debugf("Extracted %s with system tar\n", realPath)
		return nil
	}
	defer f.Close()

	// Determine the compression type based on file extension
	var r io.Reader = f
	switch {
	case strings.HasSuffix(realPath, ".tar.gz") || strings.HasSuffix(realPath, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", realPath, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(realPath, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(realPath, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", realPath, err)
		}
		r = xzr
	case strings.HasSuffix(realPath, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", realPath, err)
		}
		defer zst.Close()
		r = zst
	case strings.HasSuffix(realPath, ".tar"):
		// No compression
	default:
		return fmt.Errorf("unsupported archive format: %s", realPath)
	}

	tr := tar.NewReader(r)

	// Track the prefix for stripping (e.g., "linux-6.17.3/")
	var prefix string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", realPath, err)
		}

		// Skip PAX headers (global or per-file)
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", realPath, err)
			}
			continue
		}

		// Set prefix on the first non-extended content entry
		if prefix == "" && (hdr.Typeflag == tar.TypeDir || hdr.Typeflag == tar.TypeReg) {
			if slashIdx := strings.Index(hdr.Name, "/"); slashIdx != -1 {
				prefix = hdr.Name[:slashIdx+1]
				debugf("Detected tar prefix for stripping: %s\n", prefix)
			}
		}

		targetName := hdr.Name
		if prefix != "" && strings.HasPrefix(targetName, prefix) {
			targetName = strings.TrimPrefix(targetName, prefix)
		}
		if targetName == "" {
			continue
		}

		targetPath := filepath.Join(dest, targetName)
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				debugf("Warning: failed to set times for %s: %v\n", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeLink:
			linkTarget := filepath.Join(dest, hdr.Linkname)
			if prefix != "" && strings.HasPrefix(hdr.Linkname, prefix) {
				linkTarget = filepath.Join(dest, strings.TrimPrefix(hdr.Linkname, prefix))
			}
			_ = os.Remove(targetPath)
			if err := os.Link(linkTarget, targetPath); err != nil {
				return fmt.Errorf("failed to create hardlink %s -> %s: %w", targetPath, linkTarget, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	if prefix == "" {
		debugf("No top-level directory prefix found in %s; extracted without stripping\n", realPath)
	}
	return nil
}

// unzipGo extracts a zip archive into dest with Zip Slip protection.
func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range r.File {
		fpath := filepath.Join(dest, f.Name)

		// Security check: prevent Zip Slip path traversal.
		if !strings.HasPrefix(fpath, dest+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, os.ModePerm); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}

		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many descriptors.
		outFile.Close()
		rc.Close()

		if err != nil {
			return err
		}
	}
	return nil
}

// compressXZ compresses srcPath into destPath with xz. Used for build logs.
func compressXZ(srcPath, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		return err
	}
	defer xzWriter.Close()

	_, err = io.Copy(xzWriter, src)
	return err
}

// compressZstd compresses srcPath into destPath with zstd. Used for the raw
// disk image, which is large enough that zstd's speed matters.
func compressZstd(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	zw, err := zstd.NewWriter(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// createStageTarball archives treeDir into ArtifactDir/<name>.tar.zst using
// system tar (which preserves ownership, xattrs and device nodes), elevated
// through execCtx when the tree is root-owned.
func createStageTarball(name, treeDir string, execCtx *Executor) (string, error) {
	if err := os.MkdirAll(ArtifactDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}

	tarballPath := filepath.Join(ArtifactDir, name+".tar.zst")
	args := []string{"--zstd", "-cf", tarballPath, "-C", treeDir, "."}

	colArrow.Print("-> ")
	colSuccess.Printf("Creating artifact: %s\n", tarballPath)
	if err := execCtx.Run(exec.Command("tar", args...)); err != nil {
		return "", fmt.Errorf("failed to create tarball: %w", err)
	}
	return tarballPath, nil
}
