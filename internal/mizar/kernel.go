package mizar

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const kernelRecipeName = "linux"

// The kernel stage is split into three checkpointed sub-steps so that a
// failed multi-hour compile resumes at the right point instead of
// reconfiguring from scratch.

func kernelSourceDir() string {
	return filepath.Join(tmpDir, "mizar-build", kernelRecipeName)
}

// kernelStep runs one checkpointed sub-step of the kernel stage.
func kernelStep(ctx context.Context, env *StageEnv, key, detail string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.Store.ShouldSkip(key, "kernel") {
		return nil
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Kernel: %s\n", key)
	if err := fn(); err != nil {
		return fmt.Errorf("%s failed: %w", key, err)
	}
	if err := env.Store.Create(key, "kernel", detail); err != nil {
		cPrintf(colWarn, "Warning: %v\n", err)
	}
	return nil
}

// kernelOptions reads the recipe's options file: one scripts/config
// invocation per line, e.g. "--enable CONFIG_EXT4_FS".
func kernelOptions(r *Recipe) ([][]string, error) {
	f, err := os.Open(filepath.Join(r.Dir, "options"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var opts [][]string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		opts = append(opts, strings.Fields(line))
	}
	return opts, scanner.Err()
}

func kernelMake(execCtx *Executor, srcDir string, args ...string) error {
	cmd := exec.Command("make", args...)
	cmd.Dir = srcDir
	cmd.Env = append(os.Environ(),
		"MAKEFLAGS=-j"+buildJobs,
		"LC_ALL=POSIX",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return execCtx.Run(cmd)
}

// ensureKernelTree makes sure the unpacked kernel source is present. The
// tree lives in scratch space and may have been wiped between runs even
// though the configure checkpoint survived, so later steps call this too.
func ensureKernelTree(r *Recipe) (string, error) {
	srcDir := kernelSourceDir()
	if _, err := os.Stat(filepath.Join(srcDir, "Makefile")); err == nil {
		return srcDir, nil
	}
	if err := verifyChecksums(r); err != nil {
		return "", fmt.Errorf("kernel sources not ready: %w (run 'mizar fetch')", err)
	}
	if err := prepareSources(r, srcDir); err != nil {
		return "", err
	}
	return srcDir, nil
}

func configureKernel(r *Recipe, srcDir string) error {
	if err := kernelMake(UserExec, srcDir, "defconfig"); err != nil {
		return err
	}
	opts, err := kernelOptions(r)
	if err != nil {
		return err
	}
	for _, opt := range opts {
		cmd := exec.Command(filepath.Join(srcDir, "scripts", "config"), opt...)
		cmd.Dir = srcDir
		if err := UserExec.Run(cmd); err != nil {
			return fmt.Errorf("scripts/config %s: %w", strings.Join(opt, " "), err)
		}
	}
	// Resolve any dependencies the toggles introduced.
	return kernelMake(UserExec, srcDir, "olddefconfig")
}

func installKernel(r *Recipe, srcDir string) error {
	if err := kernelMake(RootExec, srcDir, "INSTALL_MOD_PATH="+targetRoot, "modules_install"); err != nil {
		return err
	}
	if err := RootExec.Run(exec.Command("depmod", "-b", targetRoot, r.Version)); err != nil {
		cPrintf(colWarn, "Warning: depmod failed: %v\n", err)
	}

	bootDir := filepath.Join(targetRoot, "boot")
	if err := RootExec.Run(exec.Command("mkdir", "-p", bootDir)); err != nil {
		return err
	}

	bzImage := filepath.Join(srcDir, "arch", kernelArch(), "boot", "bzImage")
	copies := [][2]string{
		{bzImage, filepath.Join(bootDir, "vmlinuz-"+r.Version)},
		{filepath.Join(srcDir, "System.map"), filepath.Join(bootDir, "System.map-"+r.Version)},
		{filepath.Join(srcDir, ".config"), filepath.Join(bootDir, "config-"+r.Version)},
	}
	for _, c := range copies {
		if err := RootExec.Run(exec.Command("cp", "-v", c[0], c[1])); err != nil {
			return fmt.Errorf("failed to install %s: %w", filepath.Base(c[0]), err)
		}
	}
	return nil
}

func kernelArch() string {
	if runtime.GOARCH == "arm64" {
		return "arm64"
	}
	return "x86"
}

func runKernelStage(ctx context.Context, env *StageEnv) error {
	r, err := loadRecipe(kernelRecipeName)
	if err != nil {
		return err
	}
	detail := r.Name + "-" + r.Version

	err = kernelStep(ctx, env, "kernel-configure", detail, func() error {
		srcDir, err := ensureKernelTree(r)
		if err != nil {
			return err
		}
		return configureKernel(r, srcDir)
	})
	if err != nil {
		return err
	}

	err = kernelStep(ctx, env, "kernel-build", detail, func() error {
		srcDir, err := ensureKernelTree(r)
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(srcDir, ".config")); err != nil {
			if err := configureKernel(r, srcDir); err != nil {
				return err
			}
		}
		return kernelMake(UserExec, srcDir)
	})
	if err != nil {
		return err
	}

	err = kernelStep(ctx, env, "kernel-install", detail, func() error {
		srcDir := kernelSourceDir()
		if _, err := os.Stat(filepath.Join(srcDir, "Makefile")); err != nil {
			return fmt.Errorf("kernel build tree missing at %s, remove the kernel checkpoints and rebuild", srcDir)
		}
		return installKernel(r, srcDir)
	})
	if err != nil {
		return err
	}

	if !Debug {
		if err := os.RemoveAll(kernelSourceDir()); err != nil {
			debugf("Warning: failed to clean kernel tree: %v\n", err)
		}
	}
	return nil
}
