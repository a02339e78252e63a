package elf_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoghavs/pebil/elf"
	"github.com/amoghavs/pebil/elf/elftest"
)

var helloText = []byte{
	0x31, 0xc0, // xor eax,eax
	0x48, 0x8b, 0x04, 0x8b, // mov rax,[rbx+rcx*4]
	0xc3, // ret
}

func fixture64(t *testing.T) []byte {
	t.Helper()
	return elftest.Build(elftest.Layout{
		Class: elf.Class64,
		Text:  helloText,
		Syms: []elftest.Sym{
			{Name: "main", Value: 0, Size: uint64(len(helloText)), Type: elf.STTFunc},
		},
	})
}

func TestParseHeader(t *testing.T) {
	data := elftest.Build(elftest.Layout{Class: elf.Class64, Text: helloText})
	// no symbols: only the file header and the section table are checked
	img, err := elf.Parse(data)
	require.NoError(t, err)

	assert.True(t, img.Is64())
	assert.Equal(t, elf.EMX8664, img.Header.Machine)
	assert.Equal(t, elf.ETExec, img.Header.Type)
	require.NotEmpty(t, img.TextSections())
	text := img.TextSections()[0]
	assert.Equal(t, ".text", text.Name)
	assert.Equal(t, helloText, text.Data)
}

func TestParse32(t *testing.T) {
	data := elftest.Build(elftest.Layout{Class: elf.Class32, Text: []byte{0x31, 0xc0, 0xc3}})
	img, err := elf.Parse(data)
	require.NoError(t, err)
	assert.False(t, img.Is64())
	assert.Equal(t, elf.EM386, img.Header.Machine)
}

func TestParseRejectsMalformed(t *testing.T) {
	good := fixture64(t)

	for name, mutate := range map[string]func([]byte){
		"magic":    func(b []byte) { b[0] = 0x7e },
		"class":    func(b []byte) { b[4] = 9 },
		"endian":   func(b []byte) { b[5] = 2 },
		"shstrndx": func(b []byte) { b[62] = 0xff; b[63] = 0xff },
	} {
		t.Run(name, func(t *testing.T) {
			bad := make([]byte, len(good))
			copy(bad, good)
			mutate(bad)
			_, err := elf.Parse(bad)
			require.ErrorIs(t, err, elf.ErrMalformed)
		})
	}
}

func TestParseRejectsTruncatedSection(t *testing.T) {
	good := fixture64(t)
	img, err := elf.Parse(good)
	require.NoError(t, err)

	// grow a section past the file end
	bad := make([]byte, len(good))
	copy(bad, good)
	text := img.TextSections()[0]
	shOff := img.Header.Shoff + uint64(text.Index*img.ShdrSize())
	hdr := text.Hdr
	hdr.Size = uint64(len(good)) * 2
	elf.PutShdr(bad[shOff:], elf.Class64, &hdr)

	_, err = elf.Parse(bad)
	require.ErrorIs(t, err, elf.ErrMalformed)
}

func TestRoundTrip(t *testing.T) {
	for _, class := range []elf.Class{elf.Class32, elf.Class64} {
		data := elftest.Build(elftest.Layout{
			Class:       class,
			Text:        helloText,
			WithDynamic: true,
			Syms: []elftest.Sym{
				{Name: "main", Value: 0, Size: uint64(len(helloText)), Type: elf.STTFunc},
			},
		})
		img, err := elf.Parse(data)
		require.NoError(t, err)
		if diff := cmp.Diff(data, img.Bytes()); diff != "" {
			t.Fatalf("class %d re-emission differs (-in +out):\n%s", class, diff)
		}
	}
}

func TestSymbols(t *testing.T) {
	data := elftest.Build(elftest.Layout{
		Class: elf.Class64,
		Text:  helloText,
		Syms: []elftest.Sym{
			{Name: "f", Value: 0x400100, Size: 4, Type: elf.STTFunc},
			{Name: "tbl", Value: 0x400104, Size: 3, Type: elf.STTObject},
		},
	})
	img, err := elf.Parse(data)
	require.NoError(t, err)

	tabs := img.SymbolTables()
	require.Len(t, tabs, 1)
	syms := tabs[0].Symbols
	require.Len(t, syms, 3) // includes the null symbol

	assert.Equal(t, "f", syms[1].Name)
	assert.Equal(t, elf.STTFunc, syms[1].Type())
	assert.Equal(t, elf.STBGlobal, syms[1].Binding())
	assert.Equal(t, "tbl", syms[2].Name)
	assert.Equal(t, elf.STTObject, syms[2].Type())
}

func TestSectionInRange(t *testing.T) {
	h := elf.SectionHeader{Addr: 0x1000, Size: 0x100}
	assert.True(t, h.InRange(0x1000))
	assert.True(t, h.InRange(0x10ff))
	assert.False(t, h.InRange(0x1100))
	assert.False(t, h.InRange(0xfff))
}

func TestRelocationAccessors(t *testing.T) {
	cases := []struct {
		name      string
		r         elf.Relocation
		sym, typ  uint32
		hasAddend bool
	}{
		{"rel32", elf.Relocation{Kind: elf.Rel32, Info: 0x1234_07}, 0x1234, 7, false},
		{"rela32", elf.Relocation{Kind: elf.Rela32, Info: 0xab_01, Addend: -4}, 0xab, 1, true},
		{"rel64", elf.Relocation{Kind: elf.Rel64, Info: 0x5<<32 | 0x2a}, 5, 0x2a, false},
		{"rela64", elf.Relocation{Kind: elf.Rela64, Info: 0x77<<32 | 1, Addend: 16}, 0x77, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.sym, tc.r.Sym())
			assert.Equal(t, tc.typ, tc.r.Type())
			assert.Equal(t, tc.hasAddend, tc.r.HasAddend())
		})
	}
}

func TestDumpWritesExactSize(t *testing.T) {
	// each Put writes its entry size and nothing else
	canary := func(n int) []byte {
		b := make([]byte, n+8)
		for i := range b {
			b[i] = 0xaa
		}
		return b
	}

	sh := elf.SectionHeader{Type: elf.SHTProgbits, Addr: 0x1234}
	buf := canary(elf.ShdrSize64)
	n := elf.PutShdr(buf, elf.Class64, &sh)
	assert.Equal(t, elf.ShdrSize64, n)
	for i := n; i < len(buf); i++ {
		assert.Equal(t, byte(0xaa), buf[i], "byte %d clobbered", i)
	}

	sym := elf.Symbol{Value: 0x42}
	buf = canary(elf.SymSize32)
	n = elf.PutSym(buf, elf.Class32, &sym)
	assert.Equal(t, elf.SymSize32, n)
	for i := n; i < len(buf); i++ {
		assert.Equal(t, byte(0xaa), buf[i], "byte %d clobbered", i)
	}
}
