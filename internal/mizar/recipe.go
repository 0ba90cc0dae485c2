package mizar

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// A recipe is one directory under <profile>/recipes/<name> holding the files
// the build stages consume:
//
//	version    first field is the upstream version
//	sources    one entry per line: URL or local path, optional target subdir
//	checksums  "<b3sum>  <filename>" per downloaded file
//	build      executable script run with the stage environment
//
// Stage ordering lives in <profile>/stages/<stage>/order, one recipe name
// per line. This mirrors the classic ports-style layout so recipes can be
// edited without touching the orchestrator.

// Recipe holds the parsed metadata of one package recipe.
type Recipe struct {
	Name    string
	Version string
	Dir     string
}

// sourceEntry is one parsed line of a recipe's sources file.
type sourceEntry struct {
	URL    string // URL or path relative to the recipe dir
	Subdir string // optional extraction subdir inside the build dir
}

func recipesRoot() string {
	return filepath.Join(profileDir, "recipes")
}

// findRecipeDir locates the recipe directory for name.
func findRecipeDir(name string) (string, error) {
	dir := filepath.Join(recipesRoot(), name)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir, nil
	}
	return "", fmt.Errorf("%w: %s (looked in %s)", errRecipeNotFound, name, recipesRoot())
}

// loadRecipe reads the recipe's version file and returns the parsed recipe.
func loadRecipe(name string) (*Recipe, error) {
	dir, err := findRecipeDir(name)
	if err != nil {
		return nil, err
	}

	versionData, err := os.ReadFile(filepath.Join(dir, "version"))
	if err != nil {
		return nil, fmt.Errorf("could not read version file for %s: %w", name, err)
	}
	fields := strings.Fields(string(versionData))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty version file for %s", name)
	}

	return &Recipe{Name: name, Version: fields[0], Dir: dir}, nil
}

// Sources parses the recipe's sources file. Blank lines and # comments are
// skipped.
func (r *Recipe) Sources() ([]sourceEntry, error) {
	data, err := os.ReadFile(filepath.Join(r.Dir, "sources"))
	if err != nil {
		return nil, fmt.Errorf("could not read sources file for %s: %w", r.Name, err)
	}

	var entries []sourceEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		e := sourceEntry{URL: parts[0]}
		if len(parts) == 2 {
			e.Subdir = strings.TrimSpace(parts[1])
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Checksums loads the recipe's recorded checksums keyed by filename.
func (r *Recipe) Checksums() (map[string]string, error) {
	sums := make(map[string]string)
	f, err := os.Open(filepath.Join(r.Dir, "checksums"))
	if err != nil {
		if os.IsNotExist(err) {
			return sums, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) >= 2 {
			// Checksum is first, filename is the rest
			sums[strings.Join(parts[1:], " ")] = parts[0]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return sums, nil
}

// BuildScript returns the path of the recipe's build script.
func (r *Recipe) BuildScript() string {
	return filepath.Join(r.Dir, "build")
}

// stageOrder reads the ordered recipe list for a stage.
func stageOrder(stage string) ([]string, error) {
	orderFile := filepath.Join(profileDir, "stages", stage, "order")
	data, err := os.ReadFile(orderFile)
	if err != nil {
		return nil, fmt.Errorf("could not read stage order %s: %w", orderFile, err)
	}

	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("stage %s has an empty order file", stage)
	}
	return names, nil
}
