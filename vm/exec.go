package vm

import "fmt"

// execState accumulates the first fault hit while executing one
// instruction. Every opcode handler touches memory several times in a row
// (read operand, read stack pointer, write result...); threading an error
// return through each of those individually reads worse than the mistake
// it is trying to prevent, so instead every read/write goes through r/w,
// which become no-ops once err is set. The caller checks err only at a few
// fixed points: after the PC fetch, after the per-tick bookkeeping, and
// after dispatch.
type execState struct {
	m   *Machine
	err error
}

func (s *execState) r(addr int64) int64 {
	if s.err != nil {
		return 0
	}
	v, err := s.m.Read(addr)
	if err != nil {
		s.err = err
	}
	return v
}

func (s *execState) w(addr, val int64) {
	if s.err != nil {
		return
	}
	if err := s.m.Write(addr, val); err != nil {
		s.err = err
	}
}

// Step executes exactly one instruction: fetch, per-thread accounting,
// tick count, trace, dispatch, and the PC writeback. It is a no-op once
// the machine has halted. Any fault aborts the instruction immediately;
// memory writes already performed by that instruction are not rolled
// back, matching the reference interpreter's all-effects-up-to-the-fault
// behavior.
func (m *Machine) Step() error {
	if m.halted {
		return nil
	}

	s := &execState{m: m}
	pc := s.r(CellPC)
	if s.err != nil {
		return s.err
	}
	if pc < 0 || pc >= int64(m.programLen) {
		return controlFlowFault(pc, "pc %d outside loaded program [0,%d)", pc, m.programLen)
	}
	in := m.program[pc]

	if pc >= UserMemStart {
		tid := s.r(CellCurrentThread)
		cell := tid*1000 + 500
		s.w(CellThreadAccounting, cell)
		used := s.r(cell)
		s.w(cell, used+1)
	}
	tick := s.r(CellTickCount)
	s.w(CellTickCount, tick+1)
	if s.err != nil {
		return s.err
	}

	if m.Trace != nil {
		m.Trace(m, pc, in)
	}

	nextPC := pc + 1
	switch in.Op {
	case OpSET:
		s.w(in.B, in.A)

	case OpCPY:
		s.w(in.B, s.r(in.A))

	case OpCPYI:
		addr := s.r(in.A)
		s.w(in.B, s.r(addr))

	case OpCPYI2:
		src := s.r(in.A)
		val := s.r(src)
		dst := s.r(in.B)
		s.w(dst, val)

	case OpADD:
		s.w(in.A, s.r(in.A)+in.B)

	case OpADDI:
		s.w(in.A, s.r(in.A)+s.r(in.B))

	case OpSUBI:
		a, b := s.r(in.A), s.r(in.B)
		s.w(in.B, a-b)

	case OpJIF:
		v := s.r(in.A)
		if v <= 0 {
			nextPC = in.B
		}

	case OpPUSH:
		sp := s.r(CellSP) - 1
		s.w(CellSP, sp)
		s.w(sp, s.r(in.A))

	case OpPOP:
		sp := s.r(CellSP)
		s.w(in.A, s.r(sp))
		s.w(CellSP, sp+1)

	case OpCALL:
		sp := s.r(CellSP) - 1
		s.w(CellSP, sp)
		s.w(sp, pc+1)
		nextPC = in.A

	case OpRET:
		sp := s.r(CellSP)
		nextPC = s.r(sp)
		s.w(CellSP, sp+1)

	case OpHLT:
		m.halted = true
		nextPC = pc

	case OpUSER:
		target := s.r(in.A)
		m.mode = User
		nextPC = target

	case OpSYSCALL:
		nextPC = m.syscall(s, in, pc)

	default:
		return decodeFault(in.Op, pc)
	}

	if s.err != nil {
		return s.err
	}
	return m.Write(CellPC, nextPC)
}

// syscall implements the SYSCALL trap: switch to kernel mode, optionally
// print for PRN, then always reflect the sub-code/argument pair into
// mem[4]/mem[5] and jump to the kernel dispatcher at mem[40]. PRN does not
// advance PC separately: the returned next PC is the handler for every
// sub-code, so a PC+1 step before the jump would leave no trace in mem[0]
// and is not performed.
func (m *Machine) syscall(s *execState, in Instruction, pc int64) int64 {
	m.mode = Kernel

	if in.A == syscallPRN {
		val := s.r(in.B)
		tid := s.r(CellCurrentThread)
		if s.err == nil {
			fmt.Fprintf(m.out, "%s : %d\n", threadTag(tid), val)
			m.out.Flush()
		}
	}

	s.w(CellSyscallCode, in.A)
	s.w(CellSyscallArg, in.B)
	handler := s.r(CellSyscallVector)
	if s.err == nil && (handler < 0 || handler >= int64(m.programLen)) {
		s.err = controlFlowFault(pc, "syscall vector %d outside loaded program", handler)
	}
	return handler
}

func threadTag(id int64) string {
	switch id {
	case 1:
		return "THREAD 1 (SORT)"
	case 2:
		return "THREAD 2 (SEARCH)"
	default:
		return "THREAD 3 (PRINT)"
	}
}

// Run steps the machine until it halts or faults.
func (m *Machine) Run() error {
	for !m.halted {
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}
