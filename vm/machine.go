// Package vm implements the core of the GTU-C312 virtual machine: a
// deterministic, two-level-privilege instruction interpreter over a flat,
// memory-protected address space, with a trapping SYSCALL/USER mechanism
// and the textual loader whose format is the only instruction encoding
// GTU-C312 programs have.
//
// The package is a library: faults are returned as errors, never turned
// into a process exit. Callers (see cmd/gtuc312) decide what an error
// means for the running process.
package vm

import (
	"bufio"
	"io"
	"os"
)

// Mode is the CPU privilege level.
type Mode uint8

const (
	Kernel Mode = iota
	User
)

func (md Mode) String() string {
	if md == User {
		return "user"
	}
	return "kernel"
}

// Memory layout, fixed by convention with the kernel image a Machine loads.
const (
	MemSize        = 11000 // total addressable words
	KernelRegLimit = 20     // [0, KernelRegLimit) is the always-accessible register block
	UserMemStart   = 1000   // [UserMemStart, MemSize) is user-accessible
)

// Reserved memory cells. The core only reads and writes these on behalf of
// the loaded OS image; it has no notion of "registers" beyond plain memory.
const (
	CellPC               = 0  // program counter
	CellSP               = 1  // stack pointer
	CellTickCount        = 3  // global instruction counter, incremented every tick
	CellSyscallCode      = 4  // syscall sub-code, written by the SYSCALL trap
	CellSyscallArg       = 5  // syscall argument, written by the SYSCALL trap
	CellCurrentThread    = 11 // current thread id, read for PRN attribution
	CellThreadAccounting = 17 // scratch cell for per-thread instruction-use accounting
	CellSyscallVector    = 40 // kernel syscall dispatcher entry point
)

// Machine is one GTU-C312 CPU core: memory, the loaded instruction array,
// and the small amount of execution state the fetch-decode-execute loop
// needs. It is not safe for concurrent use - per spec.md §5 the VM itself
// is strictly single-threaded and sequential.
type Machine struct {
	mem [MemSize]int64

	program    [MemSize]Instruction
	programLen int

	mode   Mode
	halted bool

	out *bufio.Writer

	// Trace, if set, is called once per tick immediately before dispatch.
	// It exists purely for cmd/gtuc312's --trace diagnostic and has no
	// effect on interpretation; a nil Trace costs one branch per tick.
	Trace func(m *Machine, pc int64, in Instruction)
}

// NewMachine creates a Machine in kernel mode with zeroed memory and an
// empty program, ready for Load/LoadFile(s). SYSCALL PRN output is written
// to out (os.Stdout if out is nil).
func NewMachine(out io.Writer) *Machine {
	if out == nil {
		out = os.Stdout
	}
	return &Machine{
		mode: Kernel,
		out:  bufio.NewWriter(out),
	}
}

// Mode returns the machine's current privilege level.
func (m *Machine) Mode() Mode { return m.mode }

// Halted reports whether HLT has executed. Monotonic: once true, a Machine
// never un-halts.
func (m *Machine) Halted() bool { return m.halted }

// ProgramLen returns the number of defined instructions (including
// loader-inserted filler), i.e. the exclusive upper bound for a valid PC.
func (m *Machine) ProgramLen() int { return m.programLen }

// appendInstruction places in at the next free instruction slot.
func (m *Machine) appendInstruction(in Instruction) error {
	if m.programLen >= MemSize {
		return loaderFault(0, "program exceeds maximum size %d", MemSize)
	}
	m.program[m.programLen] = in
	m.programLen++
	return nil
}
