package mizar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigureSystemWritesEtc(t *testing.T) {
	origHost := hostName
	hostName = "testhost"
	t.Cleanup(func() { hostName = origHost })

	root := t.TempDir()
	if err := configureSystem(root); err != nil {
		t.Fatalf("configureSystem failed: %v", err)
	}

	for _, rel := range []string{
		"etc/fstab", "etc/hostname", "etc/hosts", "etc/os-release",
		"etc/passwd", "etc/group", "etc/shells", "etc/profile", "etc/inittab",
	} {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "etc/hostname"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "testhost\n" {
		t.Errorf("hostname = %q, want %q", data, "testhost\n")
	}

	hosts, err := os.ReadFile(filepath.Join(root, "etc/hosts"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(hosts), "127.0.1.1 testhost") {
		t.Errorf("hosts file lacks the host entry:\n%s", hosts)
	}

	osRelease, err := os.ReadFile(filepath.Join(root, "etc/os-release"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(osRelease), "ID=mizar") {
		t.Errorf("os-release lacks ID:\n%s", osRelease)
	}
}

func TestConfigureSystemIdempotent(t *testing.T) {
	root := t.TempDir()
	if err := configureSystem(root); err != nil {
		t.Fatalf("first configureSystem failed: %v", err)
	}
	if err := configureSystem(root); err != nil {
		t.Fatalf("second configureSystem failed: %v", err)
	}
}
