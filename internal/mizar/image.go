package mizar

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// The image stage assembles a bootable raw disk image from the finished
// target root, then zstd-compresses it into the artifact directory.
// Sub-steps are checkpointed in the image scope; each one that needs the
// image attached sets up and tears down the loop device itself so a resume
// works from any point.

func imagePath() string {
	return filepath.Join(ArtifactDir, fmt.Sprintf("mizaros-%s-%s.img", version, arch))
}

// parseImageSize accepts values like "8G" or "4096M" and returns bytes.
func parseImageSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		s = "8G"
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "M")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid image size %q", s)
	}
	return n * mult, nil
}

// withImageMounted attaches the disk image to a loop device, mounts its
// first partition and runs fn. Teardown always happens, even on failure.
func withImageMounted(fn func(loopDev, mnt string) error) error {
	out, err := RootExec.Output(exec.Command("losetup", "-P", "--find", "--show", imagePath()))
	if err != nil {
		return fmt.Errorf("losetup failed: %w", err)
	}
	loopDev := strings.TrimSpace(string(out))
	defer func() {
		if err := RootExec.Run(exec.Command("losetup", "-d", loopDev)); err != nil {
			cPrintf(colWarn, "Warning: failed to detach %s: %v\n", loopDev, err)
		}
	}()

	mnt, err := os.MkdirTemp(tmpDir, "mizar-img-")
	if err != nil {
		return err
	}
	defer os.Remove(mnt)

	if err := RootExec.Run(exec.Command("mount", loopDev+"p1", mnt)); err != nil {
		return fmt.Errorf("failed to mount image: %w", err)
	}
	defer func() {
		if err := RootExec.Run(exec.Command("umount", mnt)); err != nil {
			cPrintf(colWarn, "Warning: failed to unmount %s: %v\n", mnt, err)
		}
	}()

	return fn(loopDev, mnt)
}

// prepareImage creates the sparse image file with a single bootable Linux
// partition and an ext4 filesystem on it.
func prepareImage(sizeSpec string) error {
	size, err := parseImageSize(sizeSpec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ArtifactDir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(imagePath())
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	sfdisk := exec.Command("sfdisk", imagePath())
	sfdisk.Stdin = strings.NewReader("label: dos\n,,L,*\n")
	if err := RootExec.Run(sfdisk); err != nil {
		return fmt.Errorf("failed to partition image: %w", err)
	}

	out, err := RootExec.Output(exec.Command("losetup", "-P", "--find", "--show", imagePath()))
	if err != nil {
		return fmt.Errorf("losetup failed: %w", err)
	}
	loopDev := strings.TrimSpace(string(out))
	defer func() {
		if err := RootExec.Run(exec.Command("losetup", "-d", loopDev)); err != nil {
			cPrintf(colWarn, "Warning: failed to detach %s: %v\n", loopDev, err)
		}
	}()
	return RootExec.Run(exec.Command("mkfs.ext4", "-q", "-L", "mizar-root", loopDev+"p1"))
}

// populateImage copies the target root into the mounted image. Scratch
// build space is excluded; checkpoints are deliberately left out of the
// shipped image too.
func populateImage(mnt string) error {
	tarCopy := fmt.Sprintf(
		"tar -C %s --exclude=./var/tmp/mizar --exclude=./.checkpoints -cf - . | tar -C %s -xpf -",
		targetRoot, mnt)
	return RootExec.Run(exec.Command("/bin/sh", "-c", tarCopy))
}

func installBootloader(loopDev, mnt string) error {
	linux, err := loadRecipe(kernelRecipeName)
	if err != nil {
		return err
	}

	if err := RootExec.Run(exec.Command("grub-install",
		"--target=i386-pc",
		"--boot-directory="+filepath.Join(mnt, "boot"),
		loopDev)); err != nil {
		return fmt.Errorf("grub-install failed: %w", err)
	}

	grubCfg := fmt.Sprintf(`set default=0
set timeout=5

menuentry "MizarOS %s" {
    linux /boot/vmlinuz-%s root=/dev/sda1 ro
}
`, version, linux.Version)

	cfgPath := filepath.Join(mnt, "boot", "grub", "grub.cfg")
	write := exec.Command("tee", cfgPath)
	write.Stdin = strings.NewReader(grubCfg)
	return RootExec.Run(write)
}

func runImageStage(ctx context.Context, env *StageEnv) error {
	imageSize := env.Cfg.Values["IMAGE_SIZE"]

	steps := []struct {
		key string
		fn  func() error
	}{
		{"image-prepare", func() error { return prepareImage(imageSize) }},
		{"image-populate", func() error {
			return withImageMounted(func(_, mnt string) error {
				return populateImage(mnt)
			})
		}},
		{"image-bootloader", func() error {
			return withImageMounted(installBootloader)
		}},
		{"image-compress", func() error {
			compressed := imagePath() + ".zst"
			if err := compressZstd(imagePath(), compressed); err != nil {
				return err
			}
			cPrintf(colSuccess, "Image ready: %s\n", compressed)
			return nil
		}},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if env.Store.ShouldSkip(step.key, "image") {
			continue
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Image: %s\n", step.key)
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s failed: %w", step.key, err)
		}
		if err := env.Store.Create(step.key, "image", filepath.Base(imagePath())); err != nil {
			cPrintf(colWarn, "Warning: %v\n", err)
		}
	}
	return nil
}
