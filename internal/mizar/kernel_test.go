package mizar

import (
	"testing"
)

func TestKernelOptionsParsing(t *testing.T) {
	withTestProfile(t)
	dir := writeRecipe(t, "linux", "6.12.8", map[string]string{
		"options": `# storage
--enable CONFIG_EXT4_FS
--enable CONFIG_BLK_DEV_LOOP

--module CONFIG_TUN
--set-str CONFIG_DEFAULT_HOSTNAME mizar
`,
	})

	r := &Recipe{Name: "linux", Version: "6.12.8", Dir: dir}
	opts, err := kernelOptions(r)
	if err != nil {
		t.Fatalf("kernelOptions failed: %v", err)
	}
	if len(opts) != 4 {
		t.Fatalf("got %d options, want 4: %v", len(opts), opts)
	}
	if opts[0][0] != "--enable" || opts[0][1] != "CONFIG_EXT4_FS" {
		t.Errorf("first option = %v", opts[0])
	}
	if len(opts[3]) != 3 || opts[3][2] != "mizar" {
		t.Errorf("set-str option = %v", opts[3])
	}
}

func TestKernelOptionsMissingFile(t *testing.T) {
	withTestProfile(t)
	dir := writeRecipe(t, "linux", "6.12.8", nil)

	r := &Recipe{Name: "linux", Version: "6.12.8", Dir: dir}
	opts, err := kernelOptions(r)
	if err != nil {
		t.Fatalf("kernelOptions on missing file: %v", err)
	}
	if opts != nil {
		t.Errorf("got options %v from a missing file", opts)
	}
}

func TestKernelStepSkipsCompleted(t *testing.T) {
	store := newTestStore(t)
	env := &StageEnv{Store: store, Cfg: &Config{Values: map[string]string{}}}

	if err := store.Create("kernel-build", "kernel", ""); err != nil {
		t.Fatal(err)
	}

	ran := false
	err := kernelStep(t.Context(), env, "kernel-build", "linux-6.12.8", func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("kernelStep failed: %v", err)
	}
	if ran {
		t.Error("completed kernel step ran again")
	}

	// The other sub-steps are unaffected.
	if store.ShouldSkip("kernel-configure", "kernel") {
		t.Error("kernel-configure marked done by kernel-build's checkpoint")
	}
}
