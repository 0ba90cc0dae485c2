package mizar

import (
	"context"
	"errors"
	"testing"
)

func testStageEnv(t *testing.T) *StageEnv {
	t.Helper()
	return &StageEnv{Store: newTestStore(t), Cfg: &Config{Values: map[string]string{}}}
}

func TestRunStageRecordsGlobalCheckpoint(t *testing.T) {
	env := testStageEnv(t)

	ran := 0
	st := Stage{
		Name:      "configure",
		GlobalKey: "configure-system-complete",
		Run: func(ctx context.Context, env *StageEnv) error {
			ran++
			return nil
		},
	}

	if err := runStage(context.Background(), env, st); err != nil {
		t.Fatalf("runStage failed: %v", err)
	}
	if ran != 1 {
		t.Fatalf("stage ran %d times, want 1", ran)
	}
	if !env.Store.ShouldSkipGlobal("configure-system-complete") {
		t.Error("global checkpoint missing after successful stage")
	}

	// Second run skips entirely.
	if err := runStage(context.Background(), env, st); err != nil {
		t.Fatalf("second runStage failed: %v", err)
	}
	if ran != 1 {
		t.Errorf("completed stage ran again, total %d", ran)
	}
}

func TestRunStageFailureLeavesNoCheckpoint(t *testing.T) {
	env := testStageEnv(t)

	boom := errors.New("compile error")
	st := Stage{
		Name:      "toolchain",
		GlobalKey: "toolchain-complete",
		Run: func(ctx context.Context, env *StageEnv) error {
			return boom
		},
	}

	err := runStage(context.Background(), env, st)
	if !errors.Is(err, boom) {
		t.Fatalf("runStage error = %v, want wrapped %v", err, boom)
	}
	if env.Store.ShouldSkipGlobal("toolchain-complete") {
		t.Error("failed stage left a completion checkpoint")
	}
}

func TestRunPipelineHaltsOnFailure(t *testing.T) {
	env := testStageEnv(t)

	var order []string
	mk := func(name string, fail bool) Stage {
		return Stage{
			Name:      name,
			GlobalKey: name + "-complete",
			Run: func(ctx context.Context, env *StageEnv) error {
				order = append(order, name)
				if fail {
					return errors.New(name + " broke")
				}
				return nil
			},
		}
	}

	err := runPipeline(context.Background(), env,
		mk("fetch", false), mk("toolchain", true), mk("system", false))
	if err == nil {
		t.Fatal("runPipeline succeeded despite a failing stage")
	}
	if len(order) != 2 || order[0] != "fetch" || order[1] != "toolchain" {
		t.Errorf("stages ran in order %v, want [fetch toolchain]", order)
	}
	if env.Store.ShouldSkipGlobal("system-complete") {
		t.Error("stage after the failure was marked complete")
	}
}

func TestRunPipelineResumesAfterFailure(t *testing.T) {
	env := testStageEnv(t)

	failSecond := true
	counts := map[string]int{}
	mk := func(name string) Stage {
		return Stage{
			Name:      name,
			GlobalKey: name + "-complete",
			Run: func(ctx context.Context, env *StageEnv) error {
				counts[name]++
				if name == "toolchain" && failSecond {
					return errors.New("transient failure")
				}
				return nil
			},
		}
	}
	stages := []Stage{mk("fetch"), mk("toolchain"), mk("system")}

	if err := runPipeline(context.Background(), env, stages...); err == nil {
		t.Fatal("first pipeline run should have failed")
	}

	// The retry must skip fetch and redo toolchain.
	failSecond = false
	if err := runPipeline(context.Background(), env, stages...); err != nil {
		t.Fatalf("second pipeline run failed: %v", err)
	}
	if counts["fetch"] != 1 {
		t.Errorf("fetch ran %d times, want 1", counts["fetch"])
	}
	if counts["toolchain"] != 2 {
		t.Errorf("toolchain ran %d times, want 2", counts["toolchain"])
	}
	if counts["system"] != 1 {
		t.Errorf("system ran %d times, want 1", counts["system"])
	}
}

func TestRunStageCancelledContext(t *testing.T) {
	env := testStageEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := Stage{
		Name:      "image",
		GlobalKey: "image-complete",
		Run: func(ctx context.Context, env *StageEnv) error {
			t.Error("stage body ran despite cancelled context")
			return nil
		},
	}
	if err := runStage(ctx, env, st); !errors.Is(err, context.Canceled) {
		t.Errorf("runStage error = %v, want context.Canceled", err)
	}
}
