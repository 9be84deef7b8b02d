// Command gtuc312 runs one or more GTU-C312 program files against a single
// virtual machine and reports the outcome the way the reference simulator
// does: silent on success, a one-line diagnostic to stderr and a non-zero
// exit status on a fault.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kduru42/gtuc312/vm"
)

func main() {
	app := &cli.App{
		Name:      "gtuc312",
		Usage:     "run GTU-C312 virtual machine programs",
		ArgsUsage: "FILE [FILE...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "trace",
				Usage: "print every executed instruction to stderr",
			},
			&cli.BoolFlag{
				Name:  "dump-on-fault",
				Usage: "dump the reserved register block to stderr if a fault stops execution",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.SetFlags(0)
		log.Fatalf("gtuc312: %v", err)
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("expected at least one program file", 2)
	}

	m := vm.NewMachine(os.Stdout)
	if c.Bool("trace") {
		m.Trace = traceToStderr
	}

	if err := vm.LoadFiles(m, c.Args().Slice()...); err != nil {
		return cli.Exit(fmt.Sprintf("load: %v", err), 1)
	}

	if err := m.Run(); err != nil {
		if c.Bool("dump-on-fault") {
			dumpRegisters(os.Stderr, m)
		}
		return cli.Exit(fmt.Sprintf("run: %v", err), 1)
	}

	return nil
}

func traceToStderr(m *vm.Machine, pc int64, in vm.Instruction) {
	fmt.Fprintf(os.Stderr, "%5d %s\n", pc, in)
}

func dumpRegisters(w *os.File, m *vm.Machine) {
	fmt.Fprintln(w, "--- register block ---")
	for addr := int64(0); addr < vm.KernelRegLimit; addr++ {
		v, err := m.Read(addr)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "mem[%2d] = %d\n", addr, v)
	}
}
