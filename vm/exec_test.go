package vm

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetThenHalt(t *testing.T) {
	m := loadSource(t, `
Begin Instruction Section
0 SET 42 1000
1 HLT
End Instruction Section
`)
	assert(t, m.Run() == nil, "unexpected run error")
	assert(t, m.Halted(), "expected machine to be halted")

	v, _ := m.Read(1000)
	assert(t, v == 42, "expected mem[1000] == 42, got %d", v)

	ticks, _ := m.Read(CellTickCount)
	assert(t, ticks == 2, "expected tick count == 2, got %d", ticks)

	pc, _ := m.Read(CellPC)
	assert(t, pc == 1, "expected PC unchanged at the HLT instruction (1), got %d", pc)
}

func TestIndirectCopy(t *testing.T) {
	m := loadSource(t, `
Begin Data Section
20 1005
1005 77
End Data Section
Begin Instruction Section
0 CPYI 20 1006
1 HLT
End Instruction Section
`)
	assert(t, m.Run() == nil, "unexpected run error")
	v, _ := m.Read(1006)
	assert(t, v == 77, "expected mem[1006] == 77 (mem[mem[20]]), got %d", v)
}

func TestCallAndReturn(t *testing.T) {
	m := loadSource(t, `
Begin Data Section
1 5000
End Data Section
Begin Instruction Section
0 CALL 3
1 SET 999 1020
2 HLT
3 SET 111 1021
4 RET
End Instruction Section
`)
	assert(t, m.Run() == nil, "unexpected run error")

	v, _ := m.Read(1021)
	assert(t, v == 111, "expected subroutine to have run, mem[1021] == 111, got %d", v)

	v, _ = m.Read(1020)
	assert(t, v == 999, "expected control to return after CALL, mem[1020] == 999, got %d", v)

	sp, _ := m.Read(CellSP)
	assert(t, sp == 5000, "expected stack pointer restored to 5000 after RET, got %d", sp)
}

func TestPushAndPop(t *testing.T) {
	m := loadSource(t, `
Begin Data Section
1 5000
End Data Section
Begin Instruction Section
0 SET 55 1030
1 PUSH 1030
2 POP 1031
3 HLT
End Instruction Section
`)
	assert(t, m.Run() == nil, "unexpected run error")

	v, _ := m.Read(1031)
	assert(t, v == 55, "expected popped value 55, got %d", v)

	sp, _ := m.Read(CellSP)
	assert(t, sp == 5000, "expected stack pointer restored to 5000, got %d", sp)
}

func TestUserModeFaultsOnKernelAccess(t *testing.T) {
	m := loadSource(t, `
Begin Data Section
2 2
End Data Section
Begin Instruction Section
0 USER 2
2 SET 1 20
End Instruction Section
`)
	err := m.Run()
	assert(t, err != nil, "expected a protection fault")
	fe, ok := err.(*FaultError)
	assert(t, ok, "expected *FaultError, got %T", err)
	assert(t, fe.Kind == ProtectionFault, "expected ProtectionFault, got %v", fe.Kind)
	assert(t, m.Mode() == User, "expected machine to still be in user mode at the fault")
}

func TestSyscallPrnReflectsAndDispatches(t *testing.T) {
	var out bytes.Buffer
	m := NewMachine(&out)
	src := `
Begin Data Section
11 1
40 5
End Data Section
Begin Instruction Section
0 SET 99 1040
1 SYSCALL PRN 1040
5 HLT
End Instruction Section
`
	if err := Load(m, strings.NewReader(src)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	assert(t, m.Run() == nil, "unexpected run error")

	assert(t, out.String() == "THREAD 1 (SORT) : 99\n",
		"unexpected PRN output: %q", out.String())

	code, _ := m.Read(CellSyscallCode)
	assert(t, code == syscallPRN, "expected mem[4] == PRN sub-code, got %d", code)

	arg, _ := m.Read(CellSyscallArg)
	assert(t, arg == 1040, "expected mem[5] == operand address 1040, got %d", arg)

	pc, _ := m.Read(CellPC)
	assert(t, pc == 5, "expected PC parked at the HLT handler (5), got %d", pc)
}

func TestPerThreadAccountingGatedOnUserAddress(t *testing.T) {
	m := loadSource(t, `
Begin Data Section
0 1000
11 2
End Data Section
Begin Instruction Section
1000 HLT
End Instruction Section
`)
	assert(t, m.Step() == nil, "unexpected step error")
	assert(t, m.Halted(), "expected HLT to have executed")

	scratch, _ := m.Read(CellThreadAccounting)
	assert(t, scratch == 2500, "expected accounting scratch cell == thread-id*1000+500 == 2500, got %d", scratch)

	used, _ := m.Read(2500)
	assert(t, used == 1, "expected thread 2's usage cell incremented once, got %d", used)

	ticks, _ := m.Read(CellTickCount)
	assert(t, ticks == 1, "expected tick count == 1, got %d", ticks)
}

func TestBelowUserMemStartSkipsAccounting(t *testing.T) {
	m := loadSource(t, `
Begin Data Section
11 2
End Data Section
Begin Instruction Section
0 HLT
End Instruction Section
`)
	assert(t, m.Step() == nil, "unexpected step error")
	used, _ := m.Read(2500)
	assert(t, used == 0, "expected no accounting below UserMemStart, got %d", used)
}
