package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestDecodeMemOperand(t *testing.T) {
	// mov rax,[rbx+rcx*4+0x10]
	code := []byte{0x48, 0x8b, 0x44, 0x8b, 0x10}
	in, err := Decode(code, 0x400000, 64)
	require.NoError(t, err)

	assert.Equal(t, 5, in.Len)
	assert.Equal(t, uint64(0x400000), in.Addr)
	assert.Equal(t, TypeInt, in.Type)
	assert.True(t, in.IsMemoryOperation())

	op, ok := in.MemoryOperand()
	require.True(t, ok)
	assert.Equal(t, x86asm.RBX, op.Mem.Base)
	assert.Equal(t, x86asm.RCX, op.Mem.Index)
	assert.Equal(t, uint8(4), op.Mem.Scale)
	assert.Equal(t, int64(0x10), op.Mem.Disp)
}

func TestDecodeBadEncoding(t *testing.T) {
	// a lone REX prefix is not an instruction
	_, err := Decode([]byte{0x48}, 0, 64)
	require.ErrorIs(t, err, ErrBadEncoding)
}

func TestBranchTarget(t *testing.T) {
	// je +0x10 (short), at 0x1000
	in, err := Decode([]byte{0x74, 0x10}, 0x1000, 64)
	require.NoError(t, err)
	assert.Equal(t, TypeCondBranch, in.Type)
	assert.True(t, in.IsCondBranch())

	target, ok := in.BranchTarget()
	require.True(t, ok)
	assert.Equal(t, uint64(0x1012), target)
	assert.Equal(t, uint64(0x1002), in.NextAddress())

	// jump target lives in the reserved slot
	assert.Equal(t, OpImmRel, in.Operands[JumpTargetOperand].Kind)
}

func TestDecodeJmpRel32(t *testing.T) {
	in, err := Decode([]byte{0xe9, 0x00, 0x01, 0x00, 0x00}, 0x2000, 64)
	require.NoError(t, err)
	assert.Equal(t, TypeBranch, in.Type)
	assert.True(t, in.IsUncondJump())
	target, ok := in.BranchTarget()
	require.True(t, ok)
	assert.Equal(t, uint64(0x2105), target)
	assert.Equal(t, 1, in.PCRelOff)
	assert.Equal(t, 4, in.PCRelLen)
}

func TestLeaIsNotMemoryOperation(t *testing.T) {
	// lea rax,[rip+0x100]
	in, err := Decode([]byte{0x48, 0x8d, 0x05, 0x00, 0x01, 0x00, 0x00}, 0x400000, 64)
	require.NoError(t, err)
	assert.False(t, in.IsMemoryOperation())

	// but the operand itself is visible and PC-relative
	assert.Equal(t, OpMem, in.Operands[1].Kind)
	assert.True(t, in.Operands[1].Mem.IsPCRelative())
}

func TestRIPRelativeLoad(t *testing.T) {
	// mov rax,[rip+0x100]
	in, err := Decode([]byte{0x48, 0x8b, 0x05, 0x00, 0x01, 0x00, 0x00}, 0x400000, 64)
	require.NoError(t, err)
	assert.True(t, in.IsMemoryOperation())
	op, ok := in.MemoryOperand()
	require.True(t, ok)
	assert.True(t, op.Mem.IsPCRelative())
	assert.Equal(t, int64(0x100), op.Mem.Disp)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		code []byte
		mode int
		typ  Type
	}{
		{"syscall", []byte{0x0f, 0x05}, 64, TypeSyscall},
		{"int80", []byte{0xcd, 0x80}, 32, TypeSyscall},
		{"rdtsc", []byte{0x0f, 0x31}, 64, TypeHWCount},
		{"ret", []byte{0xc3}, 64, TypeBranch},
		{"call", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, 64, TypeBranch},
		{"in", []byte{0xe4, 0x60}, 32, TypeIO},
		{"prefetcht0", []byte{0x0f, 0x18, 0x08}, 64, TypePrefetch},
		{"addps", []byte{0x0f, 0x58, 0xc1}, 64, TypeSimd},
		{"fadd", []byte{0xd8, 0xc1}, 64, TypeFloat},
		{"add", []byte{0x01, 0xc8}, 64, TypeInt},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, err := Decode(tc.code, 0, tc.mode)
			require.NoError(t, err)
			assert.Equal(t, tc.typ, in.Type)
		})
	}
}

func TestGPRIndex(t *testing.T) {
	assert.Equal(t, 0, GPRIndex(x86asm.RAX))
	assert.Equal(t, 0, GPRIndex(x86asm.EAX))
	assert.Equal(t, 0, GPRIndex(x86asm.AX))
	assert.Equal(t, 0, GPRIndex(x86asm.AL))
	assert.Equal(t, 0, GPRIndex(x86asm.AH))
	assert.Equal(t, 4, GPRIndex(x86asm.SPB))
	assert.Equal(t, 15, GPRIndex(x86asm.R15))
	assert.Equal(t, 15, GPRIndex(x86asm.R15B))
	assert.Equal(t, -1, GPRIndex(x86asm.RIP))
	assert.Equal(t, -1, GPRIndex(x86asm.X0))
}

func TestTouchedRegisters(t *testing.T) {
	// mov rax,[rbx+rcx*4+0x10] touches AX, BX, CX
	in, err := Decode([]byte{0x48, 0x8b, 0x44, 0x8b, 0x10}, 0, 64)
	require.NoError(t, err)
	set := make(map[int]bool)
	in.TouchedRegisters(set)
	assert.True(t, set[0]) // AX
	assert.True(t, set[3]) // BX
	assert.True(t, set[1]) // CX
	assert.False(t, set[2])

	// push implies SP
	in, err = Decode([]byte{0x50}, 0, 64)
	require.NoError(t, err)
	set = make(map[int]bool)
	in.TouchedRegisters(set)
	assert.True(t, set[4])
}
