package mizar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withTestLogDir(t *testing.T) string {
	t.Helper()
	orig := LogDir
	LogDir = t.TempDir()
	t.Cleanup(func() { LogDir = orig })
	return LogDir
}

func TestScriptEnvHostBuild(t *testing.T) {
	r := &Recipe{Name: "binutils-pass1", Version: "2.43.1", Dir: "/profile/recipes/binutils-pass1"}
	env := scriptEnv(r, "/tmp/build/binutils-pass1", buildUnitOptions{Scope: "toolchain"})

	joined := strings.Join(env, "\n")
	for _, want := range []string{
		"MZ_VERSION=2.43.1",
		"MZ_BUILD_DIR=/tmp/build/binutils-pass1",
		"MZ_RECIPE_DIR=/profile/recipes/binutils-pass1",
		"LC_ALL=POSIX",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("host env missing %q:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "HOME=/root") {
		t.Error("host build env contains the chroot HOME")
	}
}

func TestScriptEnvChrootBuild(t *testing.T) {
	r := &Recipe{Name: "bash", Version: "5.2", Dir: "/profile/recipes/bash"}
	env := scriptEnv(r, "/ignored", buildUnitOptions{
		Scope:    "system",
		InChroot: true,
		Env:      []string{"EXTRA=1"},
	})

	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "MZ_BUILD_DIR=/var/tmp/mizar/bash") {
		t.Errorf("chroot build dir not mapped inside the chroot:\n%s", joined)
	}
	if !strings.Contains(joined, "HOME=/root") {
		t.Error("chroot env missing HOME")
	}
	if !strings.Contains(joined, "EXTRA=1") {
		t.Error("extra env entries dropped")
	}
}

func TestFindUnitLogs(t *testing.T) {
	dir := withTestLogDir(t)
	for _, name := range []string{
		"toolchain-gcc-pass1.log.xz",
		"system-gcc.log.xz",
		"system-bash.log",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	all, err := findUnitLogs("")
	if err != nil {
		t.Fatalf("findUnitLogs failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d logs, want 3 (txt excluded): %v", len(all), all)
	}

	gcc, err := findUnitLogs("gcc")
	if err != nil {
		t.Fatal(err)
	}
	if len(gcc) != 2 {
		t.Errorf("filter returned %d logs, want 2: %v", len(gcc), gcc)
	}
}

func TestFindUnitLogsNewestLast(t *testing.T) {
	dir := withTestLogDir(t)

	// system-zlib-ng sorts lexically before system-zlib, but it is the
	// newer log and must come last.
	old := filepath.Join(dir, "system-zlib.log.xz")
	newer := filepath.Join(dir, "system-zlib-ng.log.xz")
	for _, p := range []string{old, newer} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	base := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, base, base); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	logs, err := findUnitLogs("zlib")
	if err != nil {
		t.Fatalf("findUnitLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2: %v", len(logs), logs)
	}
	if logs[1] != newer {
		t.Errorf("newest log is %s, want %s last", logs[1], newer)
	}
}

func TestFindUnitLogsNoLogDir(t *testing.T) {
	orig := LogDir
	LogDir = filepath.Join(t.TempDir(), "never-created")
	t.Cleanup(func() { LogDir = orig })

	logs, err := findUnitLogs("")
	if err != nil {
		t.Fatalf("findUnitLogs on a missing dir failed: %v", err)
	}
	if logs != nil {
		t.Errorf("got %v from a missing log dir", logs)
	}
}

func TestLogBaseName(t *testing.T) {
	if got := logBaseName("toolchain", "gcc-pass1"); got != "toolchain-gcc-pass1" {
		t.Errorf("logBaseName = %q", got)
	}
}
