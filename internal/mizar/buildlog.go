package mizar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

// Build output is teed to a per-unit log file and compressed with xz once
// the script exits, matching the layout `mizar log` reads back.

func logBaseName(scope, name string) string {
	return scope + "-" + name
}

// scriptEnv assembles the environment a build script runs with. Chroot
// builds see paths inside the target root; host builds get the cross tools
// prepended to PATH.
func scriptEnv(r *Recipe, buildDir string, opts buildUnitOptions) []string {
	env := []string{
		"MZ=" + targetRoot,
		"MZ_TGT=" + targetTriplet,
		"MZ_JOBS=" + buildJobs,
		"MAKEFLAGS=-j" + buildJobs,
		"MZ_VERSION=" + r.Version,
		"LC_ALL=POSIX",
	}
	if opts.InChroot {
		env = append(env,
			"MZ_BUILD_DIR="+filepath.Join("/var/tmp/mizar", r.Name),
			"PATH=/usr/bin:/usr/sbin:/bin:/sbin",
			"HOME=/root",
		)
	} else {
		env = append(env,
			"MZ_BUILD_DIR="+buildDir,
			"MZ_RECIPE_DIR="+r.Dir,
			"PATH="+filepath.Join(targetRoot, "tools", "bin")+":"+os.Getenv("PATH"),
			"CONFIG_SITE="+filepath.Join(targetRoot, "usr", "share", "config.site"),
		)
	}
	env = append(env, opts.Env...)
	return env
}

// runBuildScript executes the recipe's build script with output teed into
// the unit's log file. The raw log is xz-compressed on success and kept
// uncompressed next to the .xz on failure for quick inspection.
func runBuildScript(r *Recipe, buildDir string, opts buildUnitOptions) error {
	if err := os.MkdirAll(LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	logPath := filepath.Join(LogDir, logBaseName(opts.Scope, r.Name)+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create build log %s: %w", logPath, err)
	}

	var sink io.Writer = logFile
	if Verbose {
		sink = io.MultiWriter(os.Stdout, logFile)
	}

	var cmd *exec.Cmd
	if opts.InChroot {
		// The script must be visible from inside the chroot, so it is
		// copied into the build dir under the target root.
		innerDir := filepath.Join("/var/tmp/mizar", r.Name)
		scriptCopy := filepath.Join(buildDir, ".build")
		if err := copyFile(r.BuildScript(), scriptCopy); err != nil {
			logFile.Close()
			return fmt.Errorf("failed to stage build script: %w", err)
		}
		if err := os.Chmod(scriptCopy, 0o755); err != nil {
			logFile.Close()
			return err
		}
		cmd = exec.Command("chroot", targetRoot, "/bin/sh", "-e", filepath.Join(innerDir, ".build"))
	} else {
		cmd = exec.Command("/bin/sh", "-e", r.BuildScript())
		cmd.Dir = buildDir
	}
	cmd.Env = scriptEnv(r, buildDir, opts)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.Stdin = strings.NewReader("") // build scripts never prompt

	runErr := opts.Exec.Run(cmd)
	logFile.Close()

	if err := compressXZ(logPath, logPath+".xz"); err != nil {
		debugf("Warning: failed to compress build log %s: %v\n", logPath, err)
	} else if runErr == nil {
		os.Remove(logPath)
	}

	if runErr != nil {
		return fmt.Errorf("build script for %s failed: %w (log: %s)", r.Name, runErr, logPath)
	}
	return nil
}

// readCompressedLog returns the decompressed lines of a .log.xz file.
func readCompressedLog(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(xr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// findUnitLogs lists available build logs, newest last. query filters by
// substring match on the unit name.
func findUnitLogs(query string) ([]string, error) {
	entries, err := os.ReadDir(LogDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type logEntry struct {
		path    string
		modTime time.Time
	}
	var logs []logEntry
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log.xz") && !strings.HasSuffix(name, ".log") {
			continue
		}
		if query != "" && !strings.Contains(name, query) {
			continue
		}
		le := logEntry{path: filepath.Join(LogDir, name)}
		if info, err := e.Info(); err == nil {
			le.modTime = info.ModTime()
		}
		logs = append(logs, le)
	}
	sort.Slice(logs, func(i, j int) bool {
		if !logs[i].modTime.Equal(logs[j].modTime) {
			return logs[i].modTime.Before(logs[j].modTime)
		}
		return logs[i].path < logs[j].path
	})

	names := make([]string, 0, len(logs))
	for _, le := range logs {
		names = append(names, le.path)
	}
	return names, nil
}

// showBuildLog displays the newest log matching unit through the pager.
func showBuildLog(unit string) error {
	logs, err := findUnitLogs(unit)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return fmt.Errorf("no build log found for %q", unit)
	}

	path := logs[len(logs)-1]
	var lines []string
	if strings.HasSuffix(path, ".xz") {
		lines, err = readCompressedLog(path)
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		if err == nil {
			lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		}
	}
	if err != nil {
		return err
	}
	return RunPager(filepath.Base(path), lines)
}
