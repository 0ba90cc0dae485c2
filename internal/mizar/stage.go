package mizar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// A stage is one containerizable step of the build pipeline. Stages run
// strictly one at a time; the checkpoint store is the only state shared
// between invocations. Each stage wraps its whole body in a global
// checkpoint and its per-package units in scoped checkpoints, so a re-run
// fast-forwards over everything already done.
type Stage struct {
	Name      string
	GlobalKey string
	Run       func(ctx context.Context, env *StageEnv) error
}

// StageEnv carries the injected dependencies every stage works against.
// Stages never reach for checkpoint paths themselves; they go through the
// store handle.
type StageEnv struct {
	Store *CheckpointStore
	Cfg   *Config
}

// runStage executes one stage unless its global completion marker exists.
func runStage(ctx context.Context, env *StageEnv, st Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.Store.ShouldSkipGlobal(st.GlobalKey) {
		return nil
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Stage: %s\n", st.Name)
	start := time.Now()

	if err := st.Run(ctx, env); err != nil {
		return fmt.Errorf("stage %s failed: %w", st.Name, err)
	}

	// The work itself already succeeded; a lost marker only costs a
	// wasteful redo on the next run, so it is a warning, not an error.
	if err := env.Store.CreateGlobal(st.GlobalKey, st.Name); err != nil {
		cPrintf(colWarn, "Warning: %v\n", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Stage %s finished in %s\n", st.Name, time.Since(start).Round(time.Second))
	return nil
}

// runPipeline runs the given stages in order, halting on the first failure.
func runPipeline(ctx context.Context, env *StageEnv, stages ...Stage) error {
	for _, st := range stages {
		if err := runStage(ctx, env, st); err != nil {
			return err
		}
	}
	return nil
}

// buildUnitOptions controls how one recipe build unit executes.
type buildUnitOptions struct {
	Scope    string   // checkpoint scope, normally the stage name
	Env      []string // extra KEY=VALUE entries for the build script
	Exec     *Executor
	InChroot bool // run the build script inside the target root chroot
}

// buildUnit is the per-package control flow shared by the build stages:
// query the checkpoint, do the real work, record completion. The checkpoint
// is written only after the build script has exited successfully and its
// outputs are on disk.
func buildUnit(ctx context.Context, env *StageEnv, name string, opts buildUnitOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.Store.ShouldSkip(name, opts.Scope) {
		return nil
	}

	r, err := loadRecipe(name)
	if err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Building %s %s (%s)\n", r.Name, r.Version, opts.Scope)

	// Sources must already be fetched and verified by the fetch stage, but
	// a stale cache wipe between stages is cheap to catch here.
	if err := verifyChecksums(r); err != nil {
		return fmt.Errorf("sources for %s not ready: %w (run 'mizar fetch')", name, err)
	}

	buildDir := unitBuildDir(r.Name, opts.InChroot)
	if err := prepareSources(r, buildDir); err != nil {
		return err
	}

	if err := runBuildScript(r, buildDir, opts); err != nil {
		return err
	}

	if !Debug {
		if err := os.RemoveAll(buildDir); err != nil {
			debugf("Warning: failed to clean build dir %s: %v\n", buildDir, err)
		}
	} else {
		debugf("Keeping build dir %s (MIZAR_DEBUG=1)\n", buildDir)
	}

	detail := fmt.Sprintf("%s %s-%s", opts.Scope, r.Name, r.Version)
	if err := env.Store.Create(r.Name, opts.Scope, detail); err != nil {
		cPrintf(colWarn, "Warning: %v\n", err)
	}
	return nil
}

// unitBuildDir places chroot builds under the target root so the script is
// reachable from inside the chroot; host builds go to the scratch tmp dir.
func unitBuildDir(name string, inChroot bool) string {
	if inChroot {
		return filepath.Join(targetRoot, "var", "tmp", "mizar", name)
	}
	return filepath.Join(tmpDir, "mizar-build", name)
}
