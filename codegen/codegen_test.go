package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/amoghavs/pebil/disasm"
)

// decode64 round-trips generated bytes through the decoder; an encoder
// bug shows up as a decode failure or a different instruction.
func decode64(t *testing.T, in *disasm.Instruction) x86asm.Inst {
	t.Helper()
	inst, err := x86asm.Decode(in.Bytes, 64)
	require.NoError(t, err, "bytes % x", in.Bytes)
	require.Equal(t, in.Len, inst.Len, "bytes % x", in.Bytes)
	return inst
}

func decode32(t *testing.T, in *disasm.Instruction) x86asm.Inst {
	t.Helper()
	inst, err := x86asm.Decode(in.Bytes, 32)
	require.NoError(t, err, "bytes % x", in.Bytes)
	require.Equal(t, in.Len, inst.Len, "bytes % x", in.Bytes)
	return inst
}

func TestGen64MoveRegToReg(t *testing.T) {
	var g Gen64
	inst := decode64(t, g.MoveRegToReg(AX, BX))
	assert.Equal(t, x86asm.MOV, inst.Op)
	assert.Equal(t, x86asm.RBX, inst.Args[0])
	assert.Equal(t, x86asm.RAX, inst.Args[1])

	inst = decode64(t, g.MoveRegToReg(R9, R15))
	assert.Equal(t, x86asm.R15, inst.Args[0])
	assert.Equal(t, x86asm.R9, inst.Args[1])
}

func TestGen64MoveImmToReg(t *testing.T) {
	var g Gen64
	in := g.MoveImmToReg(0x1122334455667788, CX)
	assert.Equal(t, 10, in.Len)
	inst := decode64(t, in)
	assert.Equal(t, x86asm.MOV, inst.Op)
	assert.Equal(t, x86asm.RCX, inst.Args[0])
	assert.Equal(t, x86asm.Imm(0x1122334455667788), inst.Args[1])
}

func TestGen64AbsoluteMoves(t *testing.T) {
	var g Gen64
	const addr = 0x30001000

	inst := decode64(t, g.MoveRegToMem(DX, addr))
	assert.Equal(t, x86asm.MOV, inst.Op)
	mem, ok := inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, x86asm.Reg(0), mem.Base)
	assert.Equal(t, int64(addr), mem.Disp)
	assert.Equal(t, x86asm.RDX, inst.Args[1])

	inst = decode64(t, g.MoveMemToReg(addr, R11))
	assert.Equal(t, x86asm.R11, inst.Args[0])
	mem, ok = inst.Args[1].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, int64(addr), mem.Disp)
}

func TestGen64StoreWithDisplacement(t *testing.T) {
	var g Gen64

	inst := decode64(t, g.MoveRegToRegAddrImm(CX, DX, 8, true))
	mem, ok := inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, x86asm.RDX, mem.Base)
	assert.Equal(t, int64(8), mem.Disp)
	assert.Equal(t, x86asm.RCX, inst.Args[1])

	// 32-bit store form
	inst = decode64(t, g.MoveRegToRegAddrImm(CX, DX, 4, false))
	assert.Equal(t, x86asm.ECX, inst.Args[1])

	// SP base needs a SIB byte
	inst = decode64(t, g.MoveRegToRegAddrImm(AX, SP, 16, true))
	mem, ok = inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, x86asm.RSP, mem.Base)
}

func TestGen64Arithmetic(t *testing.T) {
	var g Gen64

	inst := decode64(t, g.RegAddImm(SI, 0x10))
	assert.Equal(t, x86asm.ADD, inst.Op)
	assert.Equal(t, x86asm.RSI, inst.Args[0])
	assert.Equal(t, x86asm.Imm(0x10), inst.Args[1])

	inst = decode64(t, g.RegAddReg2OpForm(CX, DX))
	assert.Equal(t, x86asm.ADD, inst.Op)
	assert.Equal(t, x86asm.RDX, inst.Args[0])
	assert.Equal(t, x86asm.RCX, inst.Args[1])

	inst = decode64(t, g.RegImmMultReg(BX, 4, BX))
	assert.Equal(t, x86asm.IMUL, inst.Op)

	inst = decode64(t, g.ShiftLeftLogical(4, R10))
	assert.Equal(t, x86asm.SHL, inst.Op)
	assert.Equal(t, x86asm.Imm(4), inst.Args[1])

	inst = decode64(t, g.ShiftRightLogical(4, R10))
	assert.Equal(t, x86asm.SHR, inst.Op)

	inst = decode64(t, g.CompareImmReg(0x10000, R15))
	assert.Equal(t, x86asm.CMP, inst.Op)
	assert.Equal(t, x86asm.R15, inst.Args[0])
	assert.Equal(t, x86asm.Imm(0x10000), inst.Args[1])
}

func TestGen64Branches(t *testing.T) {
	var g Gen64

	in := g.Jmp(0x100)
	assert.Equal(t, []byte{0xe9, 0x00, 0x01, 0x00, 0x00}, in.Bytes)
	assert.Equal(t, disasm.TypeBranch, in.Type)

	in = g.BranchJL(0x20)
	assert.Equal(t, []byte{0x0f, 0x8c, 0x20, 0x00, 0x00, 0x00}, in.Bytes)
	assert.Equal(t, disasm.TypeCondBranch, in.Type)
	inst := decode64(t, in)
	assert.Equal(t, x86asm.JL, inst.Op)

	inst = decode64(t, g.CallIndirectAbs(0x30000008))
	assert.Equal(t, x86asm.CALL, inst.Op)
	mem, ok := inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, int64(0x30000008), mem.Disp)
}

func TestGen64StackAndFlags(t *testing.T) {
	var g Gen64

	assert.Equal(t, []byte{0x50}, g.Push(AX).Bytes)
	assert.Equal(t, []byte{0x41, 0x52}, g.Push(R10).Bytes)
	assert.Equal(t, []byte{0x58}, g.Pop(AX).Bytes)
	assert.Equal(t, []byte{0x41, 0x5a}, g.Pop(R10).Bytes)
	assert.Equal(t, []byte{0x9c}, g.Pushf().Bytes)
	assert.Equal(t, []byte{0x9d}, g.Popf().Bytes)
	assert.Equal(t, []byte{0x9f}, g.Lahf().Bytes)
	assert.Equal(t, []byte{0x9e}, g.Sahf().Bytes)
	assert.Equal(t, []byte{0x90}, g.Nop().Bytes)

	inst := decode64(t, g.SubSPImm8(8))
	assert.Equal(t, x86asm.SUB, inst.Op)
	inst = decode64(t, g.AddSPImm8(8))
	assert.Equal(t, x86asm.ADD, inst.Op)
}

func TestGen32Encodings(t *testing.T) {
	var g Gen32

	inst := decode32(t, g.MoveRegToReg(AX, BX))
	assert.Equal(t, x86asm.MOV, inst.Op)
	assert.Equal(t, x86asm.EBX, inst.Args[0])
	assert.Equal(t, x86asm.EAX, inst.Args[1])

	in := g.MoveImmToReg(0x18000000, CX)
	assert.Equal(t, 5, in.Len)
	inst = decode32(t, in)
	assert.Equal(t, x86asm.ECX, inst.Args[0])

	inst = decode32(t, g.MoveMemToReg(0x18000010, DX))
	mem, ok := inst.Args[1].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, int64(0x18000010), mem.Disp)

	inst = decode32(t, g.MoveRegToMem(DX, 0x18000010))
	mem, ok = inst.Args[0].(x86asm.Mem)
	require.True(t, ok)
	assert.Equal(t, int64(0x18000010), mem.Disp)

	inst = decode32(t, g.RegImm1ByteMultReg(SI, 8, SI))
	assert.Equal(t, x86asm.IMUL, inst.Op)

	inst = decode32(t, g.PushImm(0x18000020))
	assert.Equal(t, x86asm.PUSH, inst.Op)

	inst = decode32(t, g.CallIndirectAbs(0x18000008))
	assert.Equal(t, x86asm.CALL, inst.Op)

	inst = decode32(t, g.AddSPImm8(12))
	assert.Equal(t, x86asm.ADD, inst.Op)
	assert.Equal(t, x86asm.ESP, inst.Args[0])
}

// Builders must not leave hidden state: two invocations yield equal
// encodings.
func TestBuildersArePure(t *testing.T) {
	var g Gen64
	a := g.MoveRegToReg(CX, DX)
	b := g.MoveRegToReg(CX, DX)
	assert.Equal(t, a.Bytes, b.Bytes)
	assert.NotSame(t, a, b)
}
