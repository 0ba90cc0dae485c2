package mizar

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestExecutorOutput(t *testing.T) {
	e := &Executor{Context: context.Background()}
	out, err := e.Output(exec.Command("echo", "hello"))
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("Output = %q", out)
	}
}

func TestExecutorRunFailure(t *testing.T) {
	e := &Executor{Context: context.Background()}
	if err := e.Run(exec.Command("false")); err == nil {
		t.Error("Run succeeded for a failing command")
	}
}

func TestExecutorRunPreservesEnv(t *testing.T) {
	e := &Executor{Context: context.Background()}
	cmd := exec.Command("sh", "-c", "echo $MZ_PROBE")
	cmd.Env = []string{"MZ_PROBE=isolated", "PATH=/usr/bin:/bin"}
	out, err := e.Output(cmd)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "isolated" {
		t.Errorf("env not carried into the child, got %q", out)
	}
}

func TestExecutorCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := &Executor{Context: ctx}
	if err := e.Run(exec.Command("sleep", "60")); err == nil {
		t.Error("Run succeeded under a cancelled context")
	}
}
