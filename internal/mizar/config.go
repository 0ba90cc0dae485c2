package mizar

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/mizar.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge MIZAR_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge MIZAR_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "MIZAR_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}

	// Also honor LFS from the environment so existing from-scratch setups
	// keep working, without overwriting an explicit config file value.
	if lfs := os.Getenv("LFS"); lfs != "" {
		if _, exists := cfg.Values["MIZAR_ROOT"]; !exists {
			cfg.Values["MIZAR_ROOT"] = lfs
		}
	}
}

func initConfig(cfg *Config) {
	targetRoot = cfg.Values["MIZAR_ROOT"]
	if targetRoot == "" {
		targetRoot = "/mnt/mizar"
	}

	CacheDir = cfg.Values["MIZAR_CACHE_DIR"]
	if CacheDir == "" {
		CacheDir = "/var/cache/mizar"
	}

	profileDir = cfg.Values["MIZAR_PROFILE"]
	if profileDir == "" {
		profileDir = "/var/lib/mizar/profile"
	}

	Debug = cfg.Values["MIZAR_DEBUG"] == "1"
	Verbose = cfg.Values["MIZAR_VERBOSE"] == "1"

	// "idle" runs build commands under nice -n 19 so a build machine
	// stays usable for interactive work.
	buildPriority = cfg.Values["MIZAR_PRIORITY"]

	tmpDir = cfg.Values["TMPDIR"]
	if tmpDir == "" {
		tmpDir = "/tmp"
	}

	buildJobs = cfg.Values["MIZAR_JOBS"]
	if buildJobs == "" {
		buildJobs = fmt.Sprintf("%d", runtime.NumCPU())
	}

	targetTriplet = cfg.Values["MIZAR_TARGET"]
	if targetTriplet == "" {
		switch runtime.GOARCH {
		case "arm64":
			targetTriplet = "aarch64-mizar-linux-gnu"
		default:
			targetTriplet = "x86_64-mizar-linux-gnu"
		}
	}

	hostName = cfg.Values["MIZAR_HOSTNAME"]
	if hostName == "" {
		hostName = "mizar"
	}

	if mirror, exists := cfg.Values["MIZAR_MIRROR"]; exists && mirror != "" {
		BinaryMirror = strings.TrimRight(mirror, "/")
		debugf("=> Using binary mirror: %s\n", BinaryMirror)
	}

	SourcesDir = CacheDir + "/sources"
	ArtifactDir = CacheDir + "/artifacts"
	CacheStore = SourcesDir + "/_cache"
	LogDir = CacheDir + "/log"

	// Checkpoints live inside the target root so that wiping the build
	// volume also resets completion state. Operators may point this at a
	// different mounted location via MIZAR_CHECKPOINTS.
	checkpointDir = cfg.Values["MIZAR_CHECKPOINTS"]
	if checkpointDir == "" {
		checkpointDir = filepath.Join(targetRoot, ".checkpoints")
	}
}
