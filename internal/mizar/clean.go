package mizar

import (
	"fmt"
	"os"
)

// cleanOptions selects what `mizar clean` removes. Removing checkpoints is
// the supported way to force a rebuild, so it gets its own flag and its
// own confirmation.
type cleanOptions struct {
	Sources     bool
	Artifacts   bool
	Logs        bool
	Checkpoints bool
}

func runClean(opts cleanOptions, store *CheckpointStore, assumeYes bool) error {
	type target struct {
		label string
		path  string
		want  bool
	}
	targets := []target{
		{"source cache", CacheStore, opts.Sources},
		{"unpacked sources", SourcesDir, opts.Sources},
		{"artifacts", ArtifactDir, opts.Artifacts},
		{"build logs", LogDir, opts.Logs},
		{"checkpoints", store.Root, opts.Checkpoints},
	}

	var selected []target
	for _, t := range targets {
		if !t.want {
			continue
		}
		if _, err := os.Stat(t.path); os.IsNotExist(err) {
			continue
		}
		selected = append(selected, t)
	}
	if len(selected) == 0 {
		cPrintln(colNote, "Nothing to clean.")
		return nil
	}

	for _, t := range selected {
		fmt.Printf("  %s: %s\n", t.label, t.path)
	}
	if !assumeYes && !askForConfirmation(colWarn, "Remove the above?") {
		cPrintln(colNote, "Aborted.")
		return nil
	}

	for _, t := range selected {
		if err := os.RemoveAll(t.path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", t.path, err)
		}
		cPrintf(colSuccess, "Removed %s\n", t.path)
	}
	return nil
}
