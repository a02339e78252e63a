package inst_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoghavs/pebil/codegen"
	"github.com/amoghavs/pebil/elf"
	"github.com/amoghavs/pebil/elf/elftest"
	"github.com/amoghavs/pebil/inst"
)

// probe target: mov rax,[rbx+rcx*4+0x10] then filler and ret
var probeFunc = []byte{
	0x48, 0x8b, 0x44, 0x8b, 0x10, // +0  mov rax,[rbx+rcx*4+0x10]
	0x31, 0xc9, // +5  xor ecx,ecx
	0x31, 0xd2, // +7  xor edx,edx
	0xc3, // +9  ret
}

// tiny is a 4-byte function ending in ret
var tiny = []byte{
	0x48, 0xff, 0xc0, // inc rax
	0xc3, // ret
}

func buildImage(t *testing.T, code []byte, withDynamic bool) *elf.Image {
	t.Helper()
	probe := elftest.Build(elftest.Layout{Class: elf.Class64, Text: code, WithDynamic: withDynamic})
	img, err := elf.Parse(probe)
	require.NoError(t, err)
	base := img.TextSections()[0].Hdr.Addr

	data := elftest.Build(elftest.Layout{
		Class:       elf.Class64,
		Text:        code,
		WithDynamic: withDynamic,
		Entry:       base,
		Syms: []elftest.Sym{
			{Name: "main", Value: base, Size: uint64(len(code)), Type: elf.STTFunc},
		},
	})
	img, err = elf.Parse(data)
	require.NoError(t, err)
	return img
}

func newEngine(t *testing.T, img *elf.Image) *inst.Engine {
	t.Helper()
	e, err := inst.New(img, inst.Options{})
	require.NoError(t, err)
	return e
}

func TestPhaseGates(t *testing.T) {
	e := newEngine(t, buildImage(t, probeFunc, true))

	// reserve before declare ends
	_, err := e.ReserveDataOffset(8)
	require.ErrorIs(t, err, inst.ErrWrongPhase)

	require.NoError(t, e.DeclareLibrary("libtool.so"))
	fn, err := e.DeclareFunction("tool_entry")
	require.NoError(t, err)
	require.NotNil(t, fn)

	require.NoError(t, e.EndDeclare())

	// declare after the gate closed
	require.ErrorIs(t, e.DeclareLibrary("late.so"), inst.ErrWrongPhase)
	_, err = e.DeclareFunction("late")
	require.ErrorIs(t, err, inst.ErrWrongPhase)
	require.ErrorIs(t, e.EndDeclare(), inst.ErrWrongPhase)

	_, err = e.ReserveDataOffset(16)
	require.NoError(t, err)
}

func TestReserveDisjointAndStable(t *testing.T) {
	e := newEngine(t, buildImage(t, probeFunc, true))
	require.NoError(t, e.EndDeclare())

	a, err := e.ReserveDataOffset(100)
	require.NoError(t, err)
	b, err := e.ReserveDataOffset(50)
	require.NoError(t, err)
	c, err := e.ReserveDataOffset(1)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, b, a+100)
	assert.GreaterOrEqual(t, c, b+50)
}

func TestReserveExhaustion(t *testing.T) {
	img := buildImage(t, probeFunc, true)
	e, err := inst.New(img, inst.Options{ArenaCap: 0x200000})
	require.NoError(t, err)
	require.NoError(t, e.EndDeclare())

	_, err = e.ReserveDataOffset(0x10000000)
	require.ErrorIs(t, err, inst.ErrReservedExhausted)
}

func TestPickTempRegisters(t *testing.T) {
	img := buildImage(t, probeFunc, true)
	e := newEngine(t, img)

	target := e.TextSections()[0].Objects[0].Instructions()[0]
	temps, err := e.PickTempRegisters(target)
	require.NoError(t, err)

	// the probe touches AX, BX, CX; picks come from the top of the pool
	assert.Equal(t, codegen.R15, temps[0])
	assert.Equal(t, codegen.R14, temps[1])
	assert.Equal(t, codegen.R13, temps[2])
	for _, r := range temps {
		assert.NotContains(t, []codegen.Reg{codegen.AX, codegen.BX, codegen.CX}, r)
	}
}

func TestRoundTripWithoutInstrumentation(t *testing.T) {
	img := buildImage(t, probeFunc, true)
	e := newEngine(t, img)
	require.NoError(t, e.EndDeclare())

	out, err := e.Emit()
	require.NoError(t, err)
	assert.Equal(t, img.Data, out)
}

func TestNoRoomForJump(t *testing.T) {
	img := buildImage(t, tiny, true)
	e := newEngine(t, img)

	fn, err := e.DeclareFunction("tool_entry")
	require.NoError(t, err)
	require.NoError(t, e.EndDeclare())

	target := e.TextSections()[0].Objects[0].Instructions()[0]
	_, err = e.AddPoint(target, fn, inst.ModeTramp)
	require.NoError(t, err)

	_, err = e.Emit()
	require.ErrorIs(t, err, inst.ErrNoRoomForJump)
}

func TestSupportBlockSizeDeterministic(t *testing.T) {
	a := inst.SupportBlockSize(true, 3)
	b := inst.SupportBlockSize(true, 3)
	assert.Equal(t, a, b)
	assert.Greater(t, inst.SupportBlockSize(true, 3), inst.SupportBlockSize(true, 0))
	assert.Greater(t, inst.SupportBlockSize(false, 2), 0)
}

func TestEmitRewritesSite(t *testing.T) {
	img := buildImage(t, probeFunc, true)
	e := newEngine(t, img)

	require.NoError(t, e.DeclareLibrary("libtool.so"))
	fn, err := e.DeclareFunction("tool_entry")
	require.NoError(t, err)
	require.NoError(t, e.EndDeclare())

	target := e.TextSections()[0].Objects[0].Instructions()[0]
	pt, err := e.AddPoint(target, fn, inst.ModeTramp)
	require.NoError(t, err)

	out, err := e.Emit()
	require.NoError(t, err)
	require.Greater(t, len(out), len(img.Data))
	assert.NotZero(t, pt.InstBaseAddress)

	// the rewritten image still parses
	got, err := elf.Parse(out)
	require.NoError(t, err)

	// program-header count grew by exactly the two new loads; the
	// original order is preserved
	require.Equal(t, len(img.Progs)+2, len(got.Progs))
	for i, p := range img.Progs {
		assert.Equal(t, p.Type, got.Progs[i].Type, "segment %d type changed", i)
	}
	newLoads := got.Progs[len(img.Progs):]
	assert.Equal(t, elf.PFR|elf.PFX, newLoads[0].Flags)
	assert.Equal(t, elf.PFR|elf.PFW, newLoads[1].Flags)
	assert.Equal(t, pt.InstBaseAddress, newLoads[0].Vaddr)

	// two new sections
	require.Equal(t, len(img.Sections)+2, len(got.Sections))
	assert.NotNil(t, got.SectionByName(".pebil_text"))
	assert.NotNil(t, got.SectionByName(".pebil_data"))

	// the site now opens with jmp rel32 into the trampoline
	text := got.SectionByName(".text")
	require.NotNil(t, text)
	site := text.Data[:5]
	assert.Equal(t, byte(0xe9), site[0])
	rel := int32(uint32(site[1]) | uint32(site[2])<<8 | uint32(site[3])<<16 | uint32(site[4])<<24)
	assert.Equal(t, pt.InstBaseAddress, uint64(int64(target.Addr)+5+int64(rel)))

	// entry point did not move
	assert.Equal(t, img.Header.Entry, got.Header.Entry)

	// DT_NEEDED for the tool library, pointing at its name in the
	// relocated string table
	dyn := got.DynamicSection()
	require.NotNil(t, dyn)
	strs := got.Section(int(dyn.Hdr.Link))
	require.NotNil(t, strs)
	var needed []string
	for _, d := range dyn.Dynamic {
		if d.Tag == elf.DTNeeded {
			name := ""
			for end := d.Val; end < uint64(len(strs.Data)) && strs.Data[end] != 0; end++ {
				name += string(strs.Data[end])
			}
			needed = append(needed, name)
		}
	}
	assert.Contains(t, needed, "libtool.so")

	// the tool function became an undefined dynamic symbol with a
	// relocation binding its slot
	dynsym := got.DynamicSymbolTable()
	require.NotNil(t, dynsym)
	var toolSym *elf.Symbol
	var toolIdx uint32
	for i := range dynsym.Symbols {
		if dynsym.Symbols[i].Name == "tool_entry" {
			toolSym = &dynsym.Symbols[i]
			toolIdx = uint32(i)
		}
	}
	require.NotNil(t, toolSym)
	assert.Equal(t, elf.SHNUndef, toolSym.Shndx)
	assert.Equal(t, elf.STTFunc, toolSym.Type())

	var bound bool
	for _, s := range got.Sections {
		for i := range s.Relocs {
			r := &s.Relocs[i]
			if r.Sym() == toolIdx && r.Off == e.InstDataAddress()+fn.Slot {
				bound = true
			}
		}
	}
	assert.True(t, bound, "no relocation binds the tool-function slot")
}

func TestEmitAbortsBeforeOutputOnBadPoint(t *testing.T) {
	img := buildImage(t, tiny, true)
	orig := make([]byte, len(img.Data))
	copy(orig, img.Data)

	e := newEngine(t, img)
	fn, err := e.DeclareFunction("tool_entry")
	require.NoError(t, err)
	require.NoError(t, e.EndDeclare())

	target := e.TextSections()[0].Objects[0].Instructions()[0]
	_, err = e.AddPoint(target, fn, inst.ModeTramp)
	require.NoError(t, err)

	_, err = e.Emit()
	require.Error(t, err)
	assert.Equal(t, orig, img.Data)
}

func TestEmitIsGated(t *testing.T) {
	e := newEngine(t, buildImage(t, probeFunc, true))
	_, err := e.Emit()
	require.ErrorIs(t, err, inst.ErrWrongPhase)
}
