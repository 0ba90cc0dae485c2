package mizar

import (
	"fmt"
	"time"
)

// showStatus prints every recorded checkpoint grouped by scope. It is a
// read-only view; removing markers is left to the operator (delete the
// files, or the whole checkpoint tree for a full rebuild).
func showStatus(store *CheckpointStore) error {
	checkpoints, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to read checkpoints: %w", err)
	}
	if len(checkpoints) == 0 {
		cPrintln(colNote, "No checkpoints recorded. Nothing has been built yet.")
		return nil
	}

	var lastScope string
	for _, cp := range checkpoints {
		if cp.Scope != lastScope {
			lastScope = cp.Scope
			colArrow.Print("-> ")
			colSuccess.Printf("%s\n", cp.Scope)
		}
		when := ""
		if !cp.CreatedAt.IsZero() {
			when = cp.CreatedAt.Local().Format(time.RFC3339)
		}
		fmt.Printf("   %-30s %s", cp.Key, when)
		if cp.Detail != "" {
			colNote.Printf("  %s", cp.Detail)
		}
		fmt.Println()
	}

	fmt.Println()
	cPrintf(colNote, "%d checkpoint(s) under %s\n", len(checkpoints), store.Root)
	return nil
}
