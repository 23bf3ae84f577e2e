// Command corevm-run loads a binary bytecode program (spec §6) and drives
// it through the runtime core: corevm.NewVM, corevm.VM.Run, and the
// frame-budget/verifier surface a real host would wire in. It is a thin
// driver over pkg/corevm, never imported by internal/ or pkg/, mirroring
// how the teacher's own root main.go is a thin driver over its pkg/parser,
// pkg/compiler and pkg/eval.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	colorable "github.com/mattn/go-colorable"

	"github.com/anvil-lang/corevm/pkg/corevm"
)

var (
	entry       = flag.String("entry", "main", "Name of the function to run")
	disasm      = flag.Bool("disasm", false, "Disassemble the program and exit, without running it")
	budgetUs    = flag.Int64("budget", 0, "Per-frame GC budget in microseconds (0 opens no frame, so no cycle scan runs)")
	replayEvery = flag.Uint64("replay", 0, "Snapshot interval for the replay recorder (0 disables recording)")
	verify      = flag.Bool("verify", false, "Run the heap verifier after execution and print its report")
	verbose     = flag.Bool("v", false, "Print GC stats and the exit value in addition to program output")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "corevm-run - register-VM bytecode runtime\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options] program.covm\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s program.covm                    # run the \"main\" function\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -entry init program.covm        # run a different entry point\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -disasm program.covm            # print instructions and exit\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -budget 2000 -verify program.covm  # 2ms frame budget, verify after\n", os.Args[0])
	}
	flag.Parse()

	stderr := colorable.NewColorableStderr()
	fatalf := func(format string, args ...interface{}) {
		fmt.Fprint(stderr, color.RedString("error: "))
		fmt.Fprintf(stderr, format+"\n", args...)
		os.Exit(1)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		fatalf("opening %s: %v", flag.Arg(0), err)
	}
	defer f.Close()

	prog, err := corevm.LoadProgram(f)
	if err != nil {
		fatalf("loading program: %v", err)
	}

	if *disasm {
		fmt.Println(corevm.Disassemble(prog))
		return
	}

	vm := corevm.NewVM(prog, corevm.DefaultConfig())
	if *replayEvery > 0 {
		vm.EnableReplay(*replayEvery)
	}
	if *budgetUs > 0 {
		vm.BeginFrame(*budgetUs)
	}

	result, err := vm.Run(*entry, nil)
	if err != nil {
		fatalf("%v", err)
	}

	if *verbose {
		stats := vm.GetGCStats()
		fmt.Fprintf(stderr, color.CyanString("gc: ")+"dirty=%d live=%d weak=%d threshold=%d budget=%dus elapsed=%dus\n",
			stats.DirtyCount, stats.LiveObjects, stats.LiveWeakRefs, stats.AdaptiveThreshold,
			stats.BudgetMicros, stats.ElapsedMicros)
		fmt.Fprintf(stderr, color.CyanString("result: ")+"%s\n", result.String())
	}

	if *verify {
		report := vm.VerifyHeap(corevm.DefaultVerifyConfig().WithEnabled(true))
		fmt.Fprintln(stderr, color.YellowString("verify: ")+fmt.Sprintf("health=%.2f findings=%d", report.HealthScore, len(report.Findings)))
		for _, f := range report.Findings {
			fmt.Fprintf(stderr, "  [%s] object %d: %s (%s)\n", f.Severity, f.ObjectID, f.Rule, f.Detail)
		}
	}

	if err := vm.Free(); err != nil {
		fatalf("freeing heap: %v", err)
	}

	os.Exit(corevm.ExitCode(result))
}
