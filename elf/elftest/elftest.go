// Package elftest builds small synthetic ELF images for unit tests.
package elftest

import (
	"github.com/amoghavs/pebil/elf"
)

// Sym describes one text symbol to place in the fixture.
type Sym struct {
	Name  string
	Value uint64
	Size  uint64
	Type  byte
}

// Layout describes the fixture to build.
type Layout struct {
	Class       elf.Class
	Text        []byte
	TextName    string // defaults to ".text"
	Syms        []Sym
	NoSymtab    bool
	WithDynamic bool
	Entry       uint64
}

type builder struct {
	buf []byte
}

func (b *builder) align(n int) int {
	for len(b.buf)%n != 0 {
		b.buf = append(b.buf, 0)
	}
	return len(b.buf)
}

func (b *builder) reserve(n int) int {
	off := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return off
}

func (b *builder) append(data []byte) int {
	off := len(b.buf)
	b.buf = append(b.buf, data...)
	return off
}

type strtab struct {
	data []byte
}

func newStrtab() *strtab { return &strtab{data: []byte{0}} }

func (s *strtab) add(name string) uint32 {
	off := uint32(len(s.data))
	s.data = append(s.data, name...)
	s.data = append(s.data, 0)
	return off
}

// Build assembles the fixture into raw file bytes. The image carries a
// single executable section holding l.Text, a symbol table naming
// l.Syms inside it, and (optionally) a minimal dynamic linking setup.
func Build(l Layout) []byte {
	is64 := l.Class == elf.Class64
	textName := l.TextName
	if textName == "" {
		textName = ".text"
	}

	const textBase = 0x400000
	const dataBase = 0x600000

	ehSize, phSize, shSize := elf.EhdrSize32, elf.PhdrSize32, elf.ShdrSize32
	symSize, dynSize := elf.SymSize32, elf.DynSize32
	machine := elf.EM386
	if is64 {
		ehSize, phSize, shSize = elf.EhdrSize64, elf.PhdrSize64, elf.ShdrSize64
		symSize, dynSize = elf.SymSize64, elf.DynSize64
		machine = elf.EMX8664
	}

	phnum := 1
	if l.WithDynamic {
		phnum = 3
	}

	b := &builder{}
	b.reserve(ehSize)
	b.reserve(phnum * phSize)

	// .text
	textOff := b.align(16)
	b.append(l.Text)
	textAddr := uint64(textBase + textOff)

	type shdr struct {
		name string
		hdr  elf.SectionHeader
	}
	sections := []shdr{{name: ""}}

	textIdx := len(sections)
	sections = append(sections, shdr{name: textName, hdr: elf.SectionHeader{
		Type:  elf.SHTProgbits,
		Flags: elf.SHFAlloc | elf.SHFExecinstr,
		Addr:  textAddr,
		Off:   uint64(textOff),
		Size:  uint64(len(l.Text)),
		Align: 16,
	}})

	// .symtab + .strtab
	if !l.NoSymtab {
		strs := newStrtab()
		symOff := b.align(8)
		b.reserve(symSize) // null symbol
		for _, s := range l.Syms {
			sym := elf.Symbol{
				NameOff: strs.add(s.Name),
				Value:   s.Value,
				Size:    s.Size,
				Info:    elf.STBGlobal<<4 | s.Type,
				Shndx:   uint16(textIdx),
			}
			at := b.reserve(symSize)
			elf.PutSym(b.buf[at:], l.Class, &sym)
		}
		strOff := b.append(strs.data)

		sections = append(sections, shdr{name: ".symtab", hdr: elf.SectionHeader{
			Type:    elf.SHTSymtab,
			Off:     uint64(symOff),
			Size:    uint64((1 + len(l.Syms)) * symSize),
			Link:    uint32(len(sections) + 1),
			Info:    1,
			Align:   8,
			EntSize: uint64(symSize),
		}})
		sections = append(sections, shdr{name: ".strtab", hdr: elf.SectionHeader{
			Type:  elf.SHTStrtab,
			Off:   uint64(strOff),
			Size:  uint64(len(strs.data)),
			Align: 1,
		}})
	}

	// minimal dynamic setup: .dynstr, .dynsym, .rela.dyn, .dynamic
	var dynOff, dynAddr, dynSizeBytes uint64
	var rwStart int
	if l.WithDynamic {
		rwStart = b.align(0x10)

		dynstr := newStrtab()
		dynstrOff := b.append(dynstr.data)
		dynstrAddr := uint64(dataBase) + uint64(dynstrOff-rwStart)

		dynsymOff := b.align(8)
		b.reserve(symSize) // null symbol only
		dynsymAddr := uint64(dataBase) + uint64(dynsymOff-rwStart)

		relaType := elf.SHTRela
		relaEnt := elf.RelaSize64
		if !is64 {
			relaType = elf.SHTRel
			relaEnt = elf.RelSize32
		}
		relaOff := b.align(8)
		relaAddr := uint64(dataBase) + uint64(relaOff-rwStart)

		dynEnts := []elf.DynEntry{
			{Tag: elf.DTStrtab, Val: dynstrAddr},
			{Tag: elf.DTSymtab, Val: dynsymAddr},
			{Tag: elf.DTStrsz, Val: uint64(len(dynstr.data))},
			{Tag: elf.DTSyment, Val: uint64(symSize)},
			{Tag: elf.DTNull},
		}
		dOff := b.align(8)
		for i := range dynEnts {
			at := b.reserve(dynSize)
			elf.PutDyn(b.buf[at:], l.Class, &dynEnts[i])
		}
		dynOff = uint64(dOff)
		dynAddr = uint64(dataBase) + uint64(dOff-rwStart)
		dynSizeBytes = uint64(len(dynEnts) * dynSize)

		dynstrIdx := len(sections)
		sections = append(sections, shdr{name: ".dynstr", hdr: elf.SectionHeader{
			Type:  elf.SHTStrtab,
			Flags: elf.SHFAlloc,
			Addr:  dynstrAddr,
			Off:   uint64(dynstrOff),
			Size:  uint64(len(dynstr.data)),
			Align: 1,
		}})
		dynsymIdx := len(sections)
		sections = append(sections, shdr{name: ".dynsym", hdr: elf.SectionHeader{
			Type:    elf.SHTDynsym,
			Flags:   elf.SHFAlloc,
			Addr:    dynsymAddr,
			Off:     uint64(dynsymOff),
			Size:    uint64(symSize),
			Link:    uint32(dynstrIdx),
			Info:    1,
			Align:   8,
			EntSize: uint64(symSize),
		}})
		sections = append(sections, shdr{name: ".rela.dyn", hdr: elf.SectionHeader{
			Type:    relaType,
			Flags:   elf.SHFAlloc,
			Addr:    relaAddr,
			Off:     uint64(relaOff),
			Size:    0,
			Link:    uint32(dynsymIdx),
			Align:   8,
			EntSize: uint64(relaEnt),
		}})
		sections = append(sections, shdr{name: ".dynamic", hdr: elf.SectionHeader{
			Type:    elf.SHTDynamic,
			Flags:   elf.SHFAlloc | elf.SHFWrite,
			Addr:    dynAddr,
			Off:     dynOff,
			Size:    dynSizeBytes,
			Link:    uint32(dynstrIdx),
			Align:   8,
			EntSize: uint64(dynSize),
		}})
	}

	// .shstrtab
	shstr := newStrtab()
	shstrName := shstr.add(".shstrtab")
	for i := range sections {
		if sections[i].name != "" {
			sections[i].hdr.NameOff = shstr.add(sections[i].name)
		}
	}
	shstrIdx := len(sections)
	shstrOff := b.align(1)
	sections = append(sections, shdr{name: ".shstrtab", hdr: elf.SectionHeader{
		NameOff: shstrName,
		Type:    elf.SHTStrtab,
		Off:     uint64(shstrOff),
		Align:   1,
	}})
	sections[shstrIdx].hdr.Size = uint64(len(shstr.data))
	b.append(shstr.data)

	shOff := b.align(8)
	for i := range sections {
		at := b.reserve(shSize)
		elf.PutShdr(b.buf[at:], l.Class, &sections[i].hdr)
	}

	// program headers
	progs := []elf.ProgHeader{{
		Type:   elf.PTLoad,
		Flags:  elf.PFR | elf.PFX,
		Off:    0,
		Vaddr:  textBase,
		Paddr:  textBase,
		Filesz: uint64(textOff + len(l.Text)),
		Memsz:  uint64(textOff + len(l.Text)),
		Align:  0x1000,
	}}
	if l.WithDynamic {
		rwEnd := dynOff + dynSizeBytes
		progs = append(progs, elf.ProgHeader{
			Type:   elf.PTLoad,
			Flags:  elf.PFR | elf.PFW,
			Off:    uint64(rwStart),
			Vaddr:  dataBase,
			Paddr:  dataBase,
			Filesz: rwEnd - uint64(rwStart),
			Memsz:  rwEnd - uint64(rwStart),
			Align:  0x1000,
		}, elf.ProgHeader{
			Type:   elf.PTDynamic,
			Flags:  elf.PFR | elf.PFW,
			Off:    dynOff,
			Vaddr:  dynAddr,
			Paddr:  dynAddr,
			Filesz: dynSizeBytes,
			Memsz:  dynSizeBytes,
			Align:  8,
		})
	}
	for i := range progs {
		elf.PutPhdr(b.buf[ehSize+i*phSize:], l.Class, &progs[i])
	}

	entry := l.Entry
	if entry == 0 {
		entry = textAddr
	}
	hdr := elf.FileHeader{
		Class:     l.Class,
		Endian:    1,
		Type:      elf.ETExec,
		Machine:   machine,
		Version:   1,
		Entry:     entry,
		Phoff:     uint64(ehSize),
		Shoff:     uint64(shOff),
		Ehsize:    uint16(ehSize),
		Phentsize: uint16(phSize),
		Phnum:     uint16(len(progs)),
		Shentsize: uint16(shSize),
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(shstrIdx),
	}
	elf.PutFileHeader(b.buf, &hdr)

	return b.buf
}
