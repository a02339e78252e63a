// Package disasm decodes x86/x86-64 machine code into classified
// instructions with a canonical operand layout.
package disasm

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrBadEncoding is returned when the decoder cannot classify bytes.
var ErrBadEncoding = errors.New("bad instruction encoding")

const (
	// MaxOperands is the number of operand slots per instruction.
	MaxOperands = 3
	// JumpTargetOperand is the slot reserved for branch targets.
	JumpTargetOperand = 2
)

// Type classifies an instruction.
type Type int

const (
	TypeUnknown Type = iota
	TypeCondBranch
	TypeBranch
	TypeInt
	TypeFloat
	TypeSimd
	TypeIO
	TypePrefetch
	TypeSyscall
	TypeHWCount
)

// OperandKind tags one operand slot.
type OperandKind int

const (
	OpUnused OperandKind = iota
	OpImmRel
	OpReg
	OpImplicitReg
	OpImm
	OpMem
)

// Mem is a decoded memory operand.
type Mem struct {
	Segment x86asm.Reg
	Base    x86asm.Reg
	Index   x86asm.Reg
	Scale   uint8
	Disp    int64
}

// IsPCRelative reports whether the base register is the instruction
// pointer.
func (m *Mem) IsPCRelative() bool {
	return m.Base == x86asm.RIP || m.Base == x86asm.EIP
}

// Operand is one operand slot.
type Operand struct {
	Kind OperandKind
	Reg  x86asm.Reg
	Imm  int64
	Mem  Mem
}

// Instruction is one decoded (or generated) instruction.
type Instruction struct {
	Addr     uint64
	Len      int
	Bytes    []byte
	Type     Type
	Operands [MaxOperands]Operand
	Text     string

	// Op is the decoded opcode; zero for generated instructions.
	Op x86asm.Op
	// Truncated marks a tail instruction cut at an object boundary;
	// the rewriter treats its bytes as raw.
	Truncated bool
	// PCRelOff/PCRelLen locate the PC-relative displacement inside
	// Bytes, when the instruction has one.
	PCRelOff int
	PCRelLen int
}

// Decode decodes the instruction starting at code[0], assumed to live
// at virtual address addr. mode is 32 or 64.
func Decode(code []byte, addr uint64, mode int) (*Instruction, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return nil, fmt.Errorf("%w at %#x: %v", ErrBadEncoding, addr, err)
	}
	if inst.Op == 0 {
		return nil, fmt.Errorf("%w at %#x: no opcode", ErrBadEncoding, addr)
	}

	in := &Instruction{
		Addr:     addr,
		Len:      inst.Len,
		Bytes:    code[:inst.Len],
		Op:       inst.Op,
		Text:     x86asm.GNUSyntax(inst, addr, nil),
		PCRelOff: inst.PCRelOff,
		PCRelLen: inst.PCRel,
	}
	in.Type = classify(&inst)
	fillOperands(in, &inst)
	return in, nil
}

// fillOperands maps the decoder's argument list to the canonical
// slots. Branch targets always land in JumpTargetOperand.
func fillOperands(in *Instruction, inst *x86asm.Inst) {
	slot := 0
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		var op Operand
		switch a := arg.(type) {
		case x86asm.Rel:
			in.Operands[JumpTargetOperand] = Operand{Kind: OpImmRel, Imm: int64(a)}
			continue
		case x86asm.Reg:
			op = Operand{Kind: OpReg, Reg: a}
		case x86asm.Imm:
			op = Operand{Kind: OpImm, Imm: int64(a)}
		case x86asm.Mem:
			op = Operand{Kind: OpMem, Mem: Mem{
				Segment: a.Segment,
				Base:    a.Base,
				Index:   a.Index,
				Scale:   a.Scale,
				Disp:    a.Disp,
			}}
		default:
			continue
		}
		if slot >= JumpTargetOperand {
			break
		}
		in.Operands[slot] = op
		slot++
	}
}

// NextAddress returns the fall-through address.
func (in *Instruction) NextAddress() uint64 {
	return in.Addr + uint64(in.Len)
}

// IsControl reports whether the instruction transfers control.
func (in *Instruction) IsControl() bool {
	return in.Type == TypeBranch || in.Type == TypeCondBranch
}

// IsCondBranch reports whether the instruction is a conditional branch.
func (in *Instruction) IsCondBranch() bool { return in.Type == TypeCondBranch }

// IsCall reports whether the instruction is a call.
func (in *Instruction) IsCall() bool {
	return in.Op == x86asm.CALL || in.Op == x86asm.LCALL
}

// IsReturn reports whether the instruction is a return.
func (in *Instruction) IsReturn() bool {
	return in.Op == x86asm.RET || in.Op == x86asm.LRET || in.Op == x86asm.IRET ||
		in.Op == x86asm.IRETD || in.Op == x86asm.IRETQ
}

// IsUncondJump reports a plain jmp.
func (in *Instruction) IsUncondJump() bool {
	return in.Op == x86asm.JMP || in.Op == x86asm.LJMP
}

// BranchTarget returns the direct target of a relative control
// transfer, when there is one.
func (in *Instruction) BranchTarget() (uint64, bool) {
	if !in.IsControl() {
		return 0, false
	}
	t := &in.Operands[JumpTargetOperand]
	if t.Kind != OpImmRel {
		return 0, false
	}
	return uint64(int64(in.NextAddress()) + t.Imm), true
}

// MemoryOperand returns the first explicit memory operand, if any.
// Address-generation instructions (lea) and nop do not count.
func (in *Instruction) MemoryOperand() (*Operand, bool) {
	switch in.Op {
	case x86asm.LEA, x86asm.NOP:
		return nil, false
	}
	for i := range in.Operands {
		if in.Operands[i].Kind == OpMem {
			return &in.Operands[i], true
		}
	}
	return nil, false
}

// IsMemoryOperation reports whether the instruction references memory
// through an explicit operand.
func (in *Instruction) IsMemoryOperation() bool {
	if in.Type == TypePrefetch || in.IsControl() {
		return false
	}
	_, ok := in.MemoryOperand()
	return ok
}

// GPRIndex normalizes a register of any width to its GPR family index
// (AX=0 .. R15=15). Returns -1 for non-GPRs.
func GPRIndex(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL)
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH)
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + 4
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX)
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX)
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX)
	}
	return -1
}

// TouchedRegisters adds the GPR family indexes read or written by the
// instruction to set. Implicit stack and wide-multiply registers are
// included.
func (in *Instruction) TouchedRegisters(set map[int]bool) {
	for i := range in.Operands {
		op := &in.Operands[i]
		switch op.Kind {
		case OpReg, OpImplicitReg:
			if idx := GPRIndex(op.Reg); idx >= 0 {
				set[idx] = true
			}
		case OpMem:
			if idx := GPRIndex(op.Mem.Base); idx >= 0 {
				set[idx] = true
			}
			if idx := GPRIndex(op.Mem.Index); idx >= 0 {
				set[idx] = true
			}
		}
	}
	switch in.Op {
	case x86asm.PUSH, x86asm.POP, x86asm.CALL, x86asm.RET, x86asm.LEAVE,
		x86asm.ENTER, x86asm.PUSHF, x86asm.POPF:
		set[4] = true // SP
	case x86asm.MUL, x86asm.IMUL, x86asm.DIV, x86asm.IDIV, x86asm.CWD,
		x86asm.CDQ, x86asm.CQO:
		set[0] = true // AX
		set[2] = true // DX
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		set[6] = true // SI
		set[7] = true // DI
		set[1] = true // CX (rep prefix)
	}
}
