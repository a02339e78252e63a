// Package codegen builds individual x86/x86-64 instructions as raw
// encodings. Builders are pure: they return bytes, length, and operand
// shape, and never depend on prior flag state except the explicit
// branches.
package codegen

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/amoghavs/pebil/disasm"
)

// Reg is a GPR family index (AX=0 .. R15=15). The 32-bit encoder only
// accepts AX..DI.
type Reg uint8

const (
	AX Reg = iota
	CX
	DX
	BX
	SP
	BP
	SI
	DI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// NumGPR64 and NumGPR32 are the sizes of the temp-register pools.
const (
	NumGPR64 = 16
	NumGPR32 = 8
)

var regNames64 = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var regNames32 = [8]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
}

// Name64 returns the 64-bit register name.
func (r Reg) Name64() string { return regNames64[r&15] }

// Name32 returns the 32-bit register name.
func (r Reg) Name32() string { return regNames32[r&7] }

// X86Reg64 maps the index to the decoder's 64-bit register constant.
func (r Reg) X86Reg64() x86asm.Reg { return x86asm.RAX + x86asm.Reg(r&15) }

// X86Reg32 maps the index to the decoder's 32-bit register constant.
func (r Reg) X86Reg32() x86asm.Reg { return x86asm.EAX + x86asm.Reg(r&7) }

var le = binary.LittleEndian

// insn assembles the shared instruction record used by both encoders.
func insn(bytes []byte, typ disasm.Type, text string) *disasm.Instruction {
	return &disasm.Instruction{
		Len:   len(bytes),
		Bytes: bytes,
		Type:  typ,
		Text:  text,
	}
}

func regOperand(in *disasm.Instruction, slot int, r x86asm.Reg) {
	in.Operands[slot] = disasm.Operand{Kind: disasm.OpReg, Reg: r}
}

func immOperand(in *disasm.Instruction, slot int, v int64) {
	in.Operands[slot] = disasm.Operand{Kind: disasm.OpImm, Imm: v}
}

func memOperand(in *disasm.Instruction, slot int, m disasm.Mem) {
	in.Operands[slot] = disasm.Operand{Kind: disasm.OpMem, Mem: m}
}

func relOperand(in *disasm.Instruction, rel int64) {
	in.Operands[disasm.JumpTargetOperand] = disasm.Operand{Kind: disasm.OpImmRel, Imm: rel}
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// checkAbs32 guards the absolute-disp32 addressing forms: the address
// must be representable as a sign-extended 32-bit displacement.
func checkAbs32(addr uint64) {
	if addr >= 0x80000000 && addr < 0xffffffff80000000 {
		panic(fmt.Sprintf("codegen: absolute address %#x not encodable as disp32", addr))
	}
}
