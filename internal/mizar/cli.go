package mizar

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp() {
	colSuccess.Println("Usage: mizar <command> [arguments]")
	colSuccess.Println("Run 'mizar <command> -h' for command options")
	fmt.Println()
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"run", "", "Run the full build pipeline (all stages in order)"},
		{"fetch", "", "Download and verify all package sources"},
		{"toolchain", "", "Build the cross toolchain"},
		{"system", "", "Build the base system inside the target chroot"},
		{"configure", "", "Write system configuration into the target root"},
		{"kernel", "", "Configure, build and install the kernel"},
		{"image", "", "Assemble and compress the bootable disk image"},
		{"status", "", "Show recorded checkpoints"},
		{"log", "[unit]", "View build logs (live TUI without argument)"},
		{"chroot", "[cmd]", "Enter the target chroot (default: /bin/bash)"},
		{"checksum", "<pkg>", "Fetch sources and regenerate a recipe's checksums"},
		{"clean", "[options]", "Remove caches, logs, artifacts or checkpoints"},
		{"upload", "[options]", "Upload artifacts or the disk image to the mirror"},
		{"version, --version", "", "Version information"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		if length > maxLen {
			maxLen = length
		}
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Print("  ")
		color.Bold.Print(c.Cmd)
		if c.Args != "" {
			fmt.Print(" ")
			color.Cyan.Print(c.Args)
		}

		pad := columnWidth - len(usageString)
		if pad < 1 {
			pad = 1
		}
		fmt.Print(strings.Repeat(" ", pad))
		color.Info.Println(c.Desc)
	}
	fmt.Println()
}

// needsRootPrivileges checks if the requested command requires root
func needsRootPrivileges(args []string) bool {
	if len(args) < 1 {
		return false
	}

	rootCommands := map[string]bool{
		"run":       true,
		"system":    true,
		"configure": true,
		"kernel":    true,
		"image":     true,
		"chroot":    true,
		"clean":     true,
	}
	return rootCommands[args[0]]
}

// authenticateOnce performs a single authentication check at program start
func authenticateOnce() error {
	if os.Geteuid() == 0 {
		return nil // Already root
	}

	cmd := exec.Command("sudo", "-v")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}

	// Keep the sudo ticket alive for the duration of long builds
	go func() {
		ticker := time.NewTicker(4 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			exec.Command("sudo", "-nv").Run()
		}
	}()

	colArrow.Print("-> ")
	colSuccess.Println("Authenticated via sudo")
	return nil
}

// newStageEnv prepares the checkpoint store and stage environment. A store
// that cannot be initialized is fatal: without checkpointing a resumed
// build would redo (and possibly corrupt) finished work.
func newStageEnv(cfg *Config) (*StageEnv, error) {
	store := NewCheckpointStore(checkpointDir)
	if err := store.Init(); err != nil {
		return nil, err
	}
	return &StageEnv{Store: store, Cfg: cfg}, nil
}

func stageByName(name string) (Stage, bool) {
	for _, st := range allStages() {
		if st.Name == name {
			return st, true
		}
	}
	return Stage{}, false
}

// Main is the CLI entrypoint for the root command.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// Critical phase: block the first signal, force exit on a second
					colArrow.Print("\n-> ")
					colError.Printf("Critical operation in progress (mounted chroot). Press Ctrl+C AGAIN to force exit NOW.\n")

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				} else {
					colArrow.Print("\n-> ")
					color.Danger.Printf("Received %v. Cancelling process gracefully\n", sig)
					cancel()

					// Give the running command a moment to die and flush
					time.Sleep(100 * time.Millisecond)

					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						color.Danger.Printf("Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-time.After(2 * time.Second):
						colArrow.Print("\n-> ")
						color.Danger.Printf("Graceful shutdown timeout. Exiting.")
						os.Exit(0)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	if ctx.Err() != nil {
		return
	}

	if len(os.Args) < 2 {
		printHelp()
		return
	}

	configPath := ConfigFile
	if root := os.Getenv("MIZAR_CONFIG"); root != "" {
		configPath = root
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", configPath, err)
		cfg = &Config{Values: map[string]string{}}
	}
	mergeEnvOverrides(cfg)
	initConfig(cfg)

	if needsRootPrivileges(os.Args[1:]) {
		if err := authenticateOnce(); err != nil {
			fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
			os.Exit(1)
		}
	}

	UserExec = &Executor{
		Context:           ctx,
		ApplyIdlePriority: buildPriority == "idle",
	}
	RootExec = &Executor{
		Context:         ctx,
		ShouldRunAsRoot: true,
	}

	var exitCode int

	switch os.Args[1] {
	case "run":
		env, err := newStageEnv(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		if err := runPipeline(ctx, env, allStages()...); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		}

	case "fetch", "toolchain", "system", "configure", "kernel", "image":
		st, _ := stageByName(os.Args[1])
		env, err := newStageEnv(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		if err := runStage(ctx, env, st); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		}

	case "status":
		env, err := newStageEnv(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		if err := showStatus(env.Store); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		}

	case "log":
		if len(os.Args) >= 3 {
			if err := showBuildLog(os.Args[2]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				exitCode = 1
			}
		} else {
			exitCode = runLogTUI()
		}

	case "chroot":
		exitCode = runChrootCommand(os.Args[2:], RootExec)

	case "checksum":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: mizar checksum <pkg>")
			exitCode = 1
			break
		}
		r, err := loadRecipe(os.Args[2])
		if err == nil {
			err = fetchSources(r)
		}
		if err == nil {
			err = writeChecksums(r)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		} else {
			cPrintf(colSuccess, "Checksums written for %s\n", os.Args[2])
		}

	case "clean":
		fs := flag.NewFlagSet("clean", flag.ExitOnError)
		sources := fs.Bool("sources", false, "remove the source cache")
		artifacts := fs.Bool("artifacts", false, "remove built artifacts")
		logs := fs.Bool("logs", false, "remove build logs")
		checkpoints := fs.Bool("checkpoints", false, "remove all checkpoints (forces a full rebuild)")
		all := fs.Bool("all", false, "remove everything above")
		yes := fs.Bool("y", false, "do not ask for confirmation")
		fs.Parse(os.Args[2:])

		opts := cleanOptions{
			Sources:     *sources || *all,
			Artifacts:   *artifacts || *all,
			Logs:        *logs || *all,
			Checkpoints: *checkpoints || *all,
		}
		env, err := newStageEnv(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
			break
		}
		if err := runClean(opts, env.Store, *yes); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		}

	case "upload":
		fs := flag.NewFlagSet("upload", flag.ExitOnError)
		withImage := fs.Bool("image", false, "upload the compressed disk image")
		withArtifacts := fs.Bool("artifacts", false, "upload stage artifact tarballs")
		prefix := fs.String("prefix", "", "key prefix in the bucket")
		list := fs.Bool("list", false, "list remote objects instead of uploading")
		fs.Parse(os.Args[2:])

		if !*withImage && !*withArtifacts && !*list {
			*withImage = true
		}
		if err := runUpload(ctx, cfg, *prefix, *withImage, *withArtifacts, *list); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			exitCode = 1
		}

	case "version", "--version":
		fmt.Printf("mizar %s (%s) built %s\n", version, arch, buildDate)
		fmt.Printf("target: %s, root: %s\n", targetTriplet, targetRoot)

	case "help", "-h", "--help":
		printHelp()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printHelp()
		exitCode = 1
	}

	os.Exit(exitCode)
}
