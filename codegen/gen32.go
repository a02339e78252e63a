package codegen

import (
	"fmt"

	"github.com/amoghavs/pebil/disasm"
)

// Gen32 encodes 32-bit x86 instructions. Absolute memory references
// use the plain disp32 form (ModRM rm=101).
type Gen32 struct{}

func abs32(reg Reg, addr uint64) []byte {
	b := []byte{modrm(0, byte(reg), 5), 0, 0, 0, 0}
	le.PutUint32(b[1:], uint32(addr))
	return b
}

// MoveRegToReg encodes mov dst, src.
func (Gen32) MoveRegToReg(src, dst Reg) *disasm.Instruction {
	b := []byte{0x89, modrm(3, byte(src), byte(dst))}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov %%%s,%%%s", src.Name32(), dst.Name32()))
	regOperand(in, 0, src.X86Reg32())
	regOperand(in, 1, dst.X86Reg32())
	return in
}

// MoveImmToReg encodes mov dst, imm32.
func (Gen32) MoveImmToReg(imm uint32, dst Reg) *disasm.Instruction {
	b := make([]byte, 5)
	b[0] = 0xb8 + byte(dst&7)
	le.PutUint32(b[1:], imm)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov $%#x,%%%s", imm, dst.Name32()))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, dst.X86Reg32())
	return in
}

// MoveMemToReg encodes mov dst, [addr].
func (Gen32) MoveMemToReg(addr uint64, dst Reg) *disasm.Instruction {
	b := append([]byte{0x8b}, abs32(dst, addr)...)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov %#x,%%%s", addr, dst.Name32()))
	memOperand(in, 0, disasm.Mem{Disp: int64(addr)})
	regOperand(in, 1, dst.X86Reg32())
	return in
}

// MoveRegToMem encodes mov [addr], src.
func (Gen32) MoveRegToMem(src Reg, addr uint64) *disasm.Instruction {
	b := append([]byte{0x89}, abs32(src, addr)...)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov %%%s,%#x", src.Name32(), addr))
	regOperand(in, 0, src.X86Reg32())
	memOperand(in, 1, disasm.Mem{Disp: int64(addr)})
	return in
}

// MoveRegToRegAddrImm encodes mov [base+disp], src.
func (Gen32) MoveRegToRegAddrImm(src, base Reg, disp int32) *disasm.Instruction {
	b := []byte{0x89, modrm(2, byte(src), byte(base))}
	if base&7 == SP {
		b = append(b, 0x24)
	}
	var d [4]byte
	le.PutUint32(d[:], uint32(disp))
	b = append(b, d[:]...)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov %%%s,%#x(%%%s)", src.Name32(), disp, base.Name32()))
	regOperand(in, 0, src.X86Reg32())
	memOperand(in, 1, disasm.Mem{Base: base.X86Reg32(), Disp: int64(disp)})
	return in
}

// RegAddImm encodes add reg, imm32.
func (Gen32) RegAddImm(reg Reg, imm int64) *disasm.Instruction {
	b := make([]byte, 6)
	b[0] = 0x81
	b[1] = modrm(3, 0, byte(reg))
	le.PutUint32(b[2:], uint32(int32(imm)))
	in := insn(b, disasm.TypeInt, fmt.Sprintf("add $%#x,%%%s", imm, reg.Name32()))
	immOperand(in, 0, imm)
	regOperand(in, 1, reg.X86Reg32())
	return in
}

// RegAddReg2OpForm encodes add dst, src.
func (Gen32) RegAddReg2OpForm(src, dst Reg) *disasm.Instruction {
	b := []byte{0x01, modrm(3, byte(src), byte(dst))}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("add %%%s,%%%s", src.Name32(), dst.Name32()))
	regOperand(in, 0, src.X86Reg32())
	regOperand(in, 1, dst.X86Reg32())
	return in
}

// RegImm1ByteMultReg encodes imul dst, src, imm8.
func (Gen32) RegImm1ByteMultReg(src Reg, imm uint8, dst Reg) *disasm.Instruction {
	b := []byte{0x6b, modrm(3, byte(dst), byte(src)), imm}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("imul $%d,%%%s,%%%s", imm, src.Name32(), dst.Name32()))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, dst.X86Reg32())
	return in
}

// ShiftLeftLogical encodes shl reg, imm8.
func (Gen32) ShiftLeftLogical(count uint8, reg Reg) *disasm.Instruction {
	b := []byte{0xc1, modrm(3, 4, byte(reg)), count}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("shl $%d,%%%s", count, reg.Name32()))
	immOperand(in, 0, int64(count))
	regOperand(in, 1, reg.X86Reg32())
	return in
}

// ShiftRightLogical encodes shr reg, imm8.
func (Gen32) ShiftRightLogical(count uint8, reg Reg) *disasm.Instruction {
	b := []byte{0xc1, modrm(3, 5, byte(reg)), count}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("shr $%d,%%%s", count, reg.Name32()))
	immOperand(in, 0, int64(count))
	regOperand(in, 1, reg.X86Reg32())
	return in
}

// CompareImmReg encodes cmp reg, imm32.
func (Gen32) CompareImmReg(imm uint32, reg Reg) *disasm.Instruction {
	b := make([]byte, 6)
	b[0] = 0x81
	b[1] = modrm(3, 7, byte(reg))
	le.PutUint32(b[2:], imm)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("cmp $%#x,%%%s", imm, reg.Name32()))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, reg.X86Reg32())
	return in
}

// BranchJL encodes jl rel32.
func (Gen32) BranchJL(rel int32) *disasm.Instruction {
	b := make([]byte, 6)
	b[0] = 0x0f
	b[1] = 0x8c
	le.PutUint32(b[2:], uint32(rel))
	in := insn(b, disasm.TypeCondBranch, fmt.Sprintf("jl .%+d", rel))
	relOperand(in, int64(rel))
	return in
}

// Jmp encodes jmp rel32.
func (Gen32) Jmp(rel int32) *disasm.Instruction {
	b := make([]byte, 5)
	b[0] = 0xe9
	le.PutUint32(b[1:], uint32(rel))
	in := insn(b, disasm.TypeBranch, fmt.Sprintf("jmp .%+d", rel))
	relOperand(in, int64(rel))
	return in
}

// CallIndirectAbs encodes call [addr].
func (Gen32) CallIndirectAbs(addr uint64) *disasm.Instruction {
	b := make([]byte, 6)
	b[0] = 0xff
	b[1] = modrm(0, 2, 5)
	le.PutUint32(b[2:], uint32(addr))
	in := insn(b, disasm.TypeBranch, fmt.Sprintf("call *%#x", addr))
	memOperand(in, 0, disasm.Mem{Disp: int64(addr)})
	return in
}

// PushImm encodes push imm32.
func (Gen32) PushImm(imm uint32) *disasm.Instruction {
	b := make([]byte, 5)
	b[0] = 0x68
	le.PutUint32(b[1:], imm)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("push $%#x", imm))
	immOperand(in, 0, int64(imm))
	return in
}

// Push encodes push reg.
func (Gen32) Push(reg Reg) *disasm.Instruction {
	in := insn([]byte{0x50 + byte(reg&7)}, disasm.TypeInt, fmt.Sprintf("push %%%s", reg.Name32()))
	regOperand(in, 0, reg.X86Reg32())
	return in
}

// Pop encodes pop reg.
func (Gen32) Pop(reg Reg) *disasm.Instruction {
	in := insn([]byte{0x58 + byte(reg&7)}, disasm.TypeInt, fmt.Sprintf("pop %%%s", reg.Name32()))
	regOperand(in, 0, reg.X86Reg32())
	return in
}

// Pushf encodes pushfd.
func (Gen32) Pushf() *disasm.Instruction {
	return insn([]byte{0x9c}, disasm.TypeInt, "pushfd")
}

// Popf encodes popfd.
func (Gen32) Popf() *disasm.Instruction {
	return insn([]byte{0x9d}, disasm.TypeInt, "popfd")
}

// Lahf encodes lahf.
func (Gen32) Lahf() *disasm.Instruction {
	return insn([]byte{0x9f}, disasm.TypeInt, "lahf")
}

// Sahf encodes sahf.
func (Gen32) Sahf() *disasm.Instruction {
	return insn([]byte{0x9e}, disasm.TypeInt, "sahf")
}

// Nop encodes a one-byte nop.
func (Gen32) Nop() *disasm.Instruction {
	return insn([]byte{0x90}, disasm.TypeInt, "nop")
}

// AddSPImm8 encodes add esp, imm8.
func (Gen32) AddSPImm8(imm uint8) *disasm.Instruction {
	b := []byte{0x83, modrm(3, 0, byte(SP)), imm}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("add $%d,%%esp", imm))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, SP.X86Reg32())
	return in
}
