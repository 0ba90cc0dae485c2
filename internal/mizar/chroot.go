package mizar

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// The system, kernel and image stages run work inside a chroot of the target
// root with the usual virtual kernel filesystems bound in. Mount setup and
// teardown always come in pairs; teardown is deferred so a failing build
// never leaves the host with stale binds into the build volume.

func (e *Executor) executeMountCommand(source, dest, fsType, options string, isBind bool) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", dest, err)
	}

	var args []string
	if isBind {
		args = []string{source, dest, "--bind"}
	} else {
		args = append(args, source, dest)
		if fsType != "" {
			args = append(args, "-t", fsType)
		}
		if options != "" {
			args = append(args, "-o", options)
		}
	}

	cmd := exec.Command("mount", args...)
	debugf("[INFO] Running mount: %s\n", strings.Join(cmd.Args, " "))
	if err := e.Run(cmd); err != nil {
		return fmt.Errorf("mount failed for %s to %s: %w", source, dest, err)
	}
	return nil
}

// UnmountFilesystems unmounts all given paths using `umount -l` via e.Run()
// to ensure proper privilege escalation.
func (e *Executor) UnmountFilesystems(paths []string) error {
	var cleanupErrors []string

	// Iterate backwards to safely unmount mounts within other mounts
	for i := len(paths) - 1; i >= 0; i-- {
		path := paths[i]
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		debugf("[INFO] Unmounting: %s\n", path)
		if err := e.Run(exec.Command("umount", "-l", path)); err != nil {
			cleanupErrors = append(cleanupErrors, fmt.Sprintf("failed to umount %s: %v", path, err))
		}
	}

	if len(cleanupErrors) > 0 {
		return fmt.Errorf("chroot cleanup finished with errors:\n%s", strings.Join(cleanupErrors, "\n"))
	}
	return nil
}

// setupChrootMounts mounts the virtual kernel filesystems into targetDir.
// Returns the mounted paths for the caller's deferred teardown.
func setupChrootMounts(targetDir string, execCtx *Executor) ([]string, error) {
	type mountSpec struct {
		source, dest, fsType, options string
		bind                          bool
	}
	specs := []mountSpec{
		{"proc", filepath.Join(targetDir, "proc"), "proc", "", false},
		{"sysfs", filepath.Join(targetDir, "sys"), "sysfs", "", false},
		{"/dev", filepath.Join(targetDir, "dev"), "", "", true},
		{"devpts", filepath.Join(targetDir, "dev/pts"), "devpts", "gid=5,mode=0620", false},
		{"tmpfs", filepath.Join(targetDir, "dev/shm"), "tmpfs", "nosuid,nodev", false},
		{"tmpfs", filepath.Join(targetDir, "run"), "tmpfs", "", false},
		{"tmpfs", filepath.Join(targetDir, "tmp"), "tmpfs", "mode=1777", false},
	}

	var mounted []string
	for _, s := range specs {
		if err := execCtx.executeMountCommand(s.source, s.dest, s.fsType, s.options, s.bind); err != nil {
			// Undo what we managed before bailing
			_ = execCtx.UnmountFilesystems(mounted)
			return nil, err
		}
		mounted = append(mounted, s.dest)
	}
	return mounted, nil
}

// withChrootMounts runs fn with the virtual filesystems mounted in
// targetDir, guaranteeing teardown afterwards.
func withChrootMounts(targetDir string, execCtx *Executor, fn func() error) error {
	mounted, err := setupChrootMounts(targetDir, execCtx)
	if err != nil {
		return fmt.Errorf("failed to set up chroot mounts: %w", err)
	}
	defer func() {
		if err := execCtx.UnmountFilesystems(mounted); err != nil {
			cPrintf(colWarn, "Warning: %v\n", err)
		}
	}()
	return fn()
}

// runChrootCommand implements `mizar chroot`: an interactive shell (or the
// given command) inside the target root with mounts set up and torn down.
func runChrootCommand(args []string, execCtx *Executor) (exitCode int) {
	exitCode = 1

	targetDir := targetRoot
	var chrootCmd []string
	if len(args) > 0 {
		chrootCmd = args
	} else {
		chrootCmd = []string{"/bin/bash", "-i", "-l"}
	}

	if _, err := os.Stat(targetDir); err != nil {
		fmt.Fprintf(os.Stderr, "Target root %s does not exist\n", targetDir)
		return
	}

	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)

	err := withChrootMounts(targetDir, execCtx, func() error {
		cmdArgs := append([]string{targetDir}, chrootCmd...)
		cmd := exec.Command("chroot", cmdArgs...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = []string{
			"HOME=/root",
			"TERM=" + os.Getenv("TERM"),
			"PATH=/usr/bin:/usr/sbin:/bin:/sbin",
			"PS1=(mizar chroot) \\u:\\w\\$ ",
		}
		interactive := *execCtx
		interactive.Interactive = true
		return interactive.Run(cmd)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "chroot failed: %v\n", err)
		return
	}
	return 0
}
