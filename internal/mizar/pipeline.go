package mizar

import (
	"context"
	"fmt"
	"path/filepath"
)

// The six pipeline stages in build order. `mizar run` walks all of them;
// each also has its own CLI command for running a single stage.

func allStages() []Stage {
	return []Stage{
		stageFetch(),
		stageToolchain(),
		stageSystem(),
		stageConfigure(),
		stageKernel(),
		stageImage(),
	}
}

// fetchUnits returns every recipe the later stages will build, in stage
// order, deduplicated. The kernel recipe is included so a full fetch can
// run on a machine that goes offline afterwards.
func fetchUnits() ([]string, error) {
	var units []string
	seen := make(map[string]bool)
	for _, stage := range []string{"toolchain", "system"} {
		names, err := stageOrder(stage)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				units = append(units, n)
			}
		}
	}
	if !seen[kernelRecipeName] {
		units = append(units, kernelRecipeName)
	}
	return units, nil
}

func stageFetch() Stage {
	return Stage{
		Name:      "fetch",
		GlobalKey: "fetch-complete",
		Run: func(ctx context.Context, env *StageEnv) error {
			units, err := fetchUnits()
			if err != nil {
				return err
			}
			for _, name := range units {
				if err := ctx.Err(); err != nil {
					return err
				}
				if env.Store.ShouldSkip(name, "fetch") {
					continue
				}
				r, err := loadRecipe(name)
				if err != nil {
					return err
				}
				colArrow.Print("-> ")
				colInfo.Printf("Fetching %s %s\n", r.Name, r.Version)
				if err := fetchSources(r); err != nil {
					return fmt.Errorf("fetch %s: %w", name, err)
				}
				if err := verifyChecksums(r); err != nil {
					return fmt.Errorf("verify %s: %w", name, err)
				}
				if err := env.Store.Create(name, "fetch", r.Name+"-"+r.Version); err != nil {
					cPrintf(colWarn, "Warning: %v\n", err)
				}
			}
			return nil
		},
	}
}

func stageToolchain() Stage {
	return Stage{
		Name:      "toolchain",
		GlobalKey: "toolchain-complete",
		Run: func(ctx context.Context, env *StageEnv) error {
			names, err := stageOrder("toolchain")
			if err != nil {
				return err
			}
			for _, name := range names {
				err := buildUnit(ctx, env, name, buildUnitOptions{
					Scope: "toolchain",
					Exec:  UserExec,
				})
				if err != nil {
					return err
				}
			}
			// Snapshot the cross tools so a later rebuild can start from
			// the artifact instead of redoing seven compiler builds.
			if _, err := createStageTarball("toolchain-"+version, filepath.Join(targetRoot, "tools"), RootExec); err != nil {
				cPrintf(colWarn, "Warning: %v\n", err)
			}
			return nil
		},
	}
}

func stageSystem() Stage {
	return Stage{
		Name:      "system",
		GlobalKey: "system-complete",
		Run: func(ctx context.Context, env *StageEnv) error {
			names, err := stageOrder("system")
			if err != nil {
				return err
			}

			// The whole stage runs with the virtual filesystems mounted
			// once; a Ctrl+C inside a mounted chroot must not interrupt
			// the teardown.
			isCriticalAtomic.Store(1)
			defer isCriticalAtomic.Store(0)

			err = withChrootMounts(targetRoot, RootExec, func() error {
				for _, name := range names {
					err := buildUnit(ctx, env, name, buildUnitOptions{
						Scope:    "system",
						Exec:     RootExec,
						InChroot: true,
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if _, err := createStageTarball("system-"+version, targetRoot, RootExec); err != nil {
				cPrintf(colWarn, "Warning: %v\n", err)
			}
			return nil
		},
	}
}

func stageConfigure() Stage {
	return Stage{
		Name:      "configure",
		GlobalKey: "configure-system-complete",
		Run: func(ctx context.Context, env *StageEnv) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return configureSystem(targetRoot)
		},
	}
}

func stageKernel() Stage {
	return Stage{
		Name:      "kernel",
		GlobalKey: "kernel-complete",
		Run:       runKernelStage,
	}
}

func stageImage() Stage {
	return Stage{
		Name:      "image",
		GlobalKey: "image-complete",
		Run:       runImageStage,
	}
}
