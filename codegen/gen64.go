package codegen

import (
	"fmt"

	"github.com/amoghavs/pebil/disasm"
)

// Gen64 encodes x86-64 instructions.
type Gen64 struct{}

func rex(w bool, reg, rm Reg) byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if reg >= R8 {
		b |= 0x04
	}
	if rm >= R8 {
		b |= 0x01
	}
	return b
}

// absMem encodes a [disp32] absolute memory reference: ModRM with
// rm=100 and a SIB that selects no base and no index.
func absMem(reg Reg, addr uint64) []byte {
	checkAbs32(addr)
	b := []byte{modrm(0, byte(reg), 4), 0x25, 0, 0, 0, 0}
	le.PutUint32(b[2:], uint32(addr))
	return b
}

// MoveRegToReg encodes mov dst, src (64-bit).
func (Gen64) MoveRegToReg(src, dst Reg) *disasm.Instruction {
	b := []byte{rex(true, src, dst), 0x89, modrm(3, byte(src), byte(dst))}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov %%%s,%%%s", src.Name64(), dst.Name64()))
	regOperand(in, 0, src.X86Reg64())
	regOperand(in, 1, dst.X86Reg64())
	return in
}

// MoveImmToReg encodes movabs dst, imm64.
func (Gen64) MoveImmToReg(imm uint64, dst Reg) *disasm.Instruction {
	b := make([]byte, 10)
	b[0] = rex(true, 0, dst)
	b[1] = 0xb8 + byte(dst&7)
	le.PutUint64(b[2:], imm)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("movabs $%#x,%%%s", imm, dst.Name64()))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, dst.X86Reg64())
	return in
}

// MoveMemToReg encodes mov dst, [addr] (64-bit load, absolute).
func (Gen64) MoveMemToReg(addr uint64, dst Reg) *disasm.Instruction {
	b := append([]byte{rex(true, dst, 0), 0x8b}, absMem(dst, addr)...)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov %#x,%%%s", addr, dst.Name64()))
	memOperand(in, 0, disasm.Mem{Disp: int64(addr)})
	regOperand(in, 1, dst.X86Reg64())
	return in
}

// MoveRegToMem encodes mov [addr], src (64-bit store, absolute).
func (Gen64) MoveRegToMem(src Reg, addr uint64) *disasm.Instruction {
	b := append([]byte{rex(true, src, 0), 0x89}, absMem(src, addr)...)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov %%%s,%#x", src.Name64(), addr))
	regOperand(in, 0, src.X86Reg64())
	memOperand(in, 1, disasm.Mem{Disp: int64(addr)})
	return in
}

// MoveRegToRegAddrImm encodes mov [base+disp], src. wide selects a
// 64-bit store, otherwise the low 32 bits are stored.
func (Gen64) MoveRegToRegAddrImm(src, base Reg, disp int32, wide bool) *disasm.Instruction {
	var b []byte
	if wide || src >= R8 || base >= R8 {
		b = append(b, rex(wide, src, base))
	}
	b = append(b, 0x89, modrm(2, byte(src), byte(base)))
	if base&7 == SP {
		b = append(b, 0x24)
	}
	var d [4]byte
	le.PutUint32(d[:], uint32(disp))
	b = append(b, d[:]...)
	name := src.Name32()
	if wide {
		name = src.Name64()
	}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("mov %%%s,%#x(%%%s)", name, disp, base.Name64()))
	regOperand(in, 0, src.X86Reg64())
	memOperand(in, 1, disasm.Mem{Base: base.X86Reg64(), Disp: int64(disp)})
	return in
}

// RegAddImm encodes add reg, imm32 (sign-extended).
func (Gen64) RegAddImm(reg Reg, imm int64) *disasm.Instruction {
	b := make([]byte, 7)
	b[0] = rex(true, 0, reg)
	b[1] = 0x81
	b[2] = modrm(3, 0, byte(reg))
	le.PutUint32(b[3:], uint32(int32(imm)))
	in := insn(b, disasm.TypeInt, fmt.Sprintf("add $%#x,%%%s", imm, reg.Name64()))
	immOperand(in, 0, imm)
	regOperand(in, 1, reg.X86Reg64())
	return in
}

// RegAddReg2OpForm encodes add dst, src.
func (Gen64) RegAddReg2OpForm(src, dst Reg) *disasm.Instruction {
	b := []byte{rex(true, src, dst), 0x01, modrm(3, byte(src), byte(dst))}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("add %%%s,%%%s", src.Name64(), dst.Name64()))
	regOperand(in, 0, src.X86Reg64())
	regOperand(in, 1, dst.X86Reg64())
	return in
}

// RegImmMultReg encodes imul dst, src, imm8.
func (Gen64) RegImmMultReg(src Reg, imm uint8, dst Reg) *disasm.Instruction {
	b := []byte{rex(true, dst, src), 0x6b, modrm(3, byte(dst), byte(src)), imm}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("imul $%d,%%%s,%%%s", imm, src.Name64(), dst.Name64()))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, dst.X86Reg64())
	return in
}

// ShiftLeftLogical encodes shl reg, imm8.
func (Gen64) ShiftLeftLogical(count uint8, reg Reg) *disasm.Instruction {
	b := []byte{rex(true, 0, reg), 0xc1, modrm(3, 4, byte(reg)), count}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("shl $%d,%%%s", count, reg.Name64()))
	immOperand(in, 0, int64(count))
	regOperand(in, 1, reg.X86Reg64())
	return in
}

// ShiftRightLogical encodes shr reg, imm8.
func (Gen64) ShiftRightLogical(count uint8, reg Reg) *disasm.Instruction {
	b := []byte{rex(true, 0, reg), 0xc1, modrm(3, 5, byte(reg)), count}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("shr $%d,%%%s", count, reg.Name64()))
	immOperand(in, 0, int64(count))
	regOperand(in, 1, reg.X86Reg64())
	return in
}

// CompareImmReg encodes cmp reg, imm32.
func (Gen64) CompareImmReg(imm uint32, reg Reg) *disasm.Instruction {
	b := make([]byte, 7)
	b[0] = rex(true, 0, reg)
	b[1] = 0x81
	b[2] = modrm(3, 7, byte(reg))
	le.PutUint32(b[3:], imm)
	in := insn(b, disasm.TypeInt, fmt.Sprintf("cmp $%#x,%%%s", imm, reg.Name64()))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, reg.X86Reg64())
	return in
}

// BranchJL encodes jl rel32.
func (Gen64) BranchJL(rel int32) *disasm.Instruction {
	b := make([]byte, 6)
	b[0] = 0x0f
	b[1] = 0x8c
	le.PutUint32(b[2:], uint32(rel))
	in := insn(b, disasm.TypeCondBranch, fmt.Sprintf("jl .%+d", rel))
	relOperand(in, int64(rel))
	return in
}

// Jmp encodes jmp rel32.
func (Gen64) Jmp(rel int32) *disasm.Instruction {
	b := make([]byte, 5)
	b[0] = 0xe9
	le.PutUint32(b[1:], uint32(rel))
	in := insn(b, disasm.TypeBranch, fmt.Sprintf("jmp .%+d", rel))
	relOperand(in, int64(rel))
	return in
}

// CallIndirectAbs encodes call [addr]: an indirect call through an
// 8-byte slot at an absolute address.
func (Gen64) CallIndirectAbs(addr uint64) *disasm.Instruction {
	checkAbs32(addr)
	b := make([]byte, 7)
	b[0] = 0xff
	b[1] = modrm(0, 2, 4)
	b[2] = 0x25
	le.PutUint32(b[3:], uint32(addr))
	in := insn(b, disasm.TypeBranch, fmt.Sprintf("call *%#x", addr))
	memOperand(in, 0, disasm.Mem{Disp: int64(addr)})
	return in
}

// Push encodes push reg.
func (Gen64) Push(reg Reg) *disasm.Instruction {
	var b []byte
	if reg >= R8 {
		b = append(b, 0x41)
	}
	b = append(b, 0x50+byte(reg&7))
	in := insn(b, disasm.TypeInt, fmt.Sprintf("push %%%s", reg.Name64()))
	regOperand(in, 0, reg.X86Reg64())
	return in
}

// Pop encodes pop reg.
func (Gen64) Pop(reg Reg) *disasm.Instruction {
	var b []byte
	if reg >= R8 {
		b = append(b, 0x41)
	}
	b = append(b, 0x58+byte(reg&7))
	in := insn(b, disasm.TypeInt, fmt.Sprintf("pop %%%s", reg.Name64()))
	regOperand(in, 0, reg.X86Reg64())
	return in
}

// Pushf encodes pushfq.
func (Gen64) Pushf() *disasm.Instruction {
	return insn([]byte{0x9c}, disasm.TypeInt, "pushfq")
}

// Popf encodes popfq.
func (Gen64) Popf() *disasm.Instruction {
	return insn([]byte{0x9d}, disasm.TypeInt, "popfq")
}

// Lahf encodes lahf.
func (Gen64) Lahf() *disasm.Instruction {
	return insn([]byte{0x9f}, disasm.TypeInt, "lahf")
}

// Sahf encodes sahf.
func (Gen64) Sahf() *disasm.Instruction {
	return insn([]byte{0x9e}, disasm.TypeInt, "sahf")
}

// Nop encodes a one-byte nop.
func (Gen64) Nop() *disasm.Instruction {
	return insn([]byte{0x90}, disasm.TypeInt, "nop")
}

// SubSPImm8 encodes sub rsp, imm8.
func (Gen64) SubSPImm8(imm uint8) *disasm.Instruction {
	b := []byte{rex(true, 0, SP), 0x83, modrm(3, 5, byte(SP)), imm}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("sub $%d,%%rsp", imm))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, SP.X86Reg64())
	return in
}

// AddSPImm8 encodes add rsp, imm8.
func (Gen64) AddSPImm8(imm uint8) *disasm.Instruction {
	b := []byte{rex(true, 0, SP), 0x83, modrm(3, 0, byte(SP)), imm}
	in := insn(b, disasm.TypeInt, fmt.Sprintf("add $%d,%%rsp", imm))
	immOperand(in, 0, int64(imm))
	regOperand(in, 1, SP.X86Reg64())
	return in
}
