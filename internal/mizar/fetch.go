package mizar

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

func isRemoteSource(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "ftp://") || strings.HasPrefix(s, "git+")
}

func newHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Default handshake timeout is 10s; some upstream hosts are slow.
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

type downloadOptions struct {
	Quiet bool // Quiet suppresses all stdout/stderr/progress output
}

// downloadFile downloads a URL into the shared source cache (or an absolute
// destination path). A per-file flock serializes concurrent downloads of the
// same file.
func downloadFile(sourceURL, destFile string, opt downloadOptions) error {
	var absPath string
	if filepath.IsAbs(destFile) {
		absPath = destFile
	} else {
		if err := os.MkdirAll(CacheStore, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory %s: %w", CacheStore, err)
		}
		absPath = filepath.Join(CacheStore, filepath.Base(destFile))
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", absPath, err)
	}

	lockPath := absPath + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Blocks while another invocation is downloading the same file.
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire download lock: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	defer os.Remove(lockPath)

	// Double check now that we hold the lock: the file may have appeared
	// while we waited.
	if _, err := os.Stat(absPath); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", absPath)
		return nil
	}

	debugf("Downloading %s -> %s\n", sourceURL, absPath)

	// --- Primary: curl ---
	if _, err := exec.LookPath("curl"); err == nil {
		curlArgs := []string{"-L", "--fail", "-o", absPath}
		if opt.Quiet {
			curlArgs = append(curlArgs, "-sS")
		} else {
			curlArgs = append(curlArgs, "-#")
		}
		curlArgs = append(curlArgs, sourceURL)
		cmd := exec.Command("curl", curlArgs...)
		if opt.Quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err == nil {
			return nil
		}
		// A failed transfer must not leave a partial file for the cache
		// check to mistake for a finished download.
		os.Remove(absPath)
		debugf("curl failed, falling back to wget\n")
	} else {
		debugf("curl not found, trying wget\n")
	}

	// --- Fallback 1: wget ---
	if _, err := exec.LookPath("wget"); err == nil {
		args := []string{"-O", absPath, sourceURL}
		if opt.Quiet {
			args = append([]string{"-q"}, args...)
		} else {
			args = append([]string{"-nv"}, args...)
		}
		cmd := exec.Command("wget", args...)
		if opt.Quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err == nil {
			return nil
		}
		os.Remove(absPath)
		debugf("wget failed, falling back to native HTTP client\n")
	} else {
		debugf("wget not found, using native HTTP client\n")
	}

	// --- Fallback 2: native Go HTTP client ---
	resp, err := newHTTPClient().Get(sourceURL)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(absPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", absPath, err)
	}
	defer out.Close()

	var w io.Writer = out
	if !opt.Quiet {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(absPath))
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		os.Remove(absPath)
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return nil
}

// fetchGitSource clones (or updates) a git+ source into the recipe's source
// dir and checks out the requested ref if one is given after '#'.
func fetchGitSource(rawURL, pkgLinkDir string) error {
	gitURL := strings.TrimPrefix(rawURL, "git+")
	ref := ""
	if idx := strings.Index(gitURL, "#"); idx != -1 {
		ref = gitURL[idx+1:]
		gitURL = gitURL[:idx]
	}

	parsed, err := url.Parse(gitURL)
	if err != nil {
		return fmt.Errorf("invalid git URL %s: %w", rawURL, err)
	}
	repoName := strings.TrimSuffix(filepath.Base(parsed.Path), ".git")
	destPath := filepath.Join(pkgLinkDir, repoName)

	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		colArrow.Print("-> ")
		colSuccess.Printf("Cloning %s\n", gitURL)
		cmd := exec.Command("git", "clone", gitURL, destPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git clone failed: %w", err)
		}
	} else if ref == "" {
		cmd := exec.Command("git", "-C", destPath, "pull")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		_ = cmd.Run()
	}

	_ = exec.Command("git", "-C", destPath, "config", "advice.detachedHead", "false").Run()

	if ref != "" {
		cmd := exec.Command("git", "-C", destPath, "checkout", ref)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git checkout %s failed: %w", ref, err)
		}
	}
	return nil
}

// fetchSources downloads every remote source of the recipe into the shared
// cache and links it under SourcesDir/<name>. Local files/ and patches/
// entries live in the recipe dir and are not fetched.
func fetchSources(r *Recipe) error {
	entries, err := r.Sources()
	if err != nil {
		return err
	}

	pkgLinkDir := filepath.Join(SourcesDir, r.Name)
	if err := os.MkdirAll(pkgLinkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create pkg source dir: %w", err)
	}
	if err := os.MkdirAll(CacheStore, 0o755); err != nil {
		return fmt.Errorf("failed to create _cache dir: %w", err)
	}

	for _, e := range entries {
		if !isRemoteSource(e.URL) {
			continue
		}

		if strings.HasPrefix(e.URL, "git+") {
			if err := fetchGitSource(e.URL, pkgLinkDir); err != nil {
				return err
			}
			continue
		}

		origFilename := filepath.Base(e.URL)

		// Cache files are named by URL hash so two recipes pinning
		// different URLs with the same filename never collide.
		hashName := fmt.Sprintf("%s-%s", hashString(e.URL), origFilename)
		cachePath := filepath.Join(CacheStore, hashName)

		if _, err := os.Stat(cachePath); os.IsNotExist(err) {
			// Prefer the configured source mirror; fall back to upstream
			// when the mirror does not carry the file.
			downloaded := false
			if BinaryMirror != "" {
				mirrorURL := BinaryMirror + "/sources/" + origFilename
				if err := downloadFile(mirrorURL, cachePath, downloadOptions{}); err == nil {
					downloaded = true
				} else {
					debugf("Mirror miss for %s: %v\n", origFilename, err)
				}
			}
			if !downloaded {
				if err := downloadFile(e.URL, cachePath, downloadOptions{}); err != nil {
					return fmt.Errorf("failed to download %s: %w", e.URL, err)
				}
			}
		} else {
			debugf("Already in cache: %s\n", cachePath)
		}

		linkPath := filepath.Join(pkgLinkDir, origFilename)
		if _, err := os.Lstat(linkPath); err == nil {
			os.Remove(linkPath)
		}
		if err := os.Symlink(cachePath, linkPath); err != nil {
			return fmt.Errorf("failed to symlink %s -> %s: %w", cachePath, linkPath, err)
		}
		debugf("Linked %s -> %s\n", linkPath, cachePath)
	}

	return nil
}

// prepareSources populates a clean build dir from the recipe's fetched and
// local sources: archives are extracted, directories copied, plain files
// (patches and helpers) copied as-is.
func prepareSources(r *Recipe, buildDir string) error {
	if err := os.RemoveAll(buildDir); err != nil {
		return fmt.Errorf("failed to clear build dir %s: %w", buildDir, err)
	}
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return fmt.Errorf("failed to create build dir %s: %w", buildDir, err)
	}

	entries, err := r.Sources()
	if err != nil {
		return err
	}
	srcDir := filepath.Join(SourcesDir, r.Name)

	for _, e := range entries {
		targetDir := buildDir
		if e.Subdir != "" {
			targetDir = filepath.Join(buildDir, e.Subdir)
			if err := os.MkdirAll(targetDir, 0o755); err != nil {
				return fmt.Errorf("failed to create target subdir %s: %w", targetDir, err)
			}
		}

		var srcPath string
		switch {
		case strings.HasPrefix(e.URL, "files/"), strings.HasPrefix(e.URL, "patches/"):
			srcPath = filepath.Join(r.Dir, e.URL)
		case strings.HasPrefix(e.URL, "git+"):
			gitURL := strings.TrimPrefix(e.URL, "git+")
			if idx := strings.Index(gitURL, "#"); idx != -1 {
				gitURL = gitURL[:idx]
			}
			parsed, err := url.Parse(gitURL)
			if err != nil {
				return fmt.Errorf("invalid git URL in sources file: %w", err)
			}
			repoBase := strings.TrimSuffix(filepath.Base(parsed.Path), ".git")
			srcPath = filepath.Join(srcDir, repoBase)
		case isRemoteSource(e.URL):
			parsed, err := url.Parse(e.URL)
			if err != nil {
				return fmt.Errorf("invalid URL in sources file: %w", err)
			}
			srcPath = filepath.Join(srcDir, filepath.Base(parsed.Path))
		default:
			srcPath = filepath.Join(srcDir, e.URL)
		}

		info, err := os.Stat(srcPath)
		if err != nil {
			return fmt.Errorf("source %s listed but missing: %w", e.URL, err)
		}

		if info.IsDir() {
			// Git checkouts have their contents copied straight into the
			// target dir; files/ directories keep their own subdir.
			destPath := targetDir
			if !strings.HasPrefix(e.URL, "git+") {
				destPath = filepath.Join(targetDir, filepath.Base(e.URL))
			}
			if err := copyDir(srcPath, destPath); err != nil {
				return fmt.Errorf("failed to copy directory %s: %w", e.URL, err)
			}
			continue
		}

		// Resolve symlinks (cached archives are symlinks)
		realPath, err := filepath.EvalSymlinks(srcPath)
		if err != nil {
			return fmt.Errorf("failed to resolve symlink %s: %w", e.URL, err)
		}

		switch {
		case strings.HasSuffix(realPath, ".tar.gz"), strings.HasSuffix(realPath, ".tgz"),
			strings.HasSuffix(realPath, ".tar.xz"), strings.HasSuffix(realPath, ".tar.bz2"),
			strings.HasSuffix(realPath, ".tar.zst"), strings.HasSuffix(realPath, ".tar"),
			strings.HasSuffix(realPath, ".zip"):
			if err := extractArchive(realPath, targetDir); err != nil {
				return fmt.Errorf("failed to extract %s into %s: %w", e.URL, targetDir, err)
			}
		default:
			destPath := filepath.Join(targetDir, filepath.Base(e.URL))
			if err := copyFile(realPath, destPath); err != nil {
				return fmt.Errorf("failed to copy file %s: %w", e.URL, err)
			}
		}
	}

	return nil
}

// copyFile copies a single file from src to dst preserving its mode.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}

// copyDir recursively copies a directory from src to dst.
func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(srcPath)
			if err != nil {
				return err
			}
			_ = os.Remove(dstPath)
			if err := os.Symlink(target, dstPath); err != nil {
				return err
			}
			continue
		}
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}
