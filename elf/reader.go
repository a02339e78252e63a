package elf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed marks structural problems found while parsing: bad
// magic, unsupported class or endianness, or out-of-bounds ranges.
var ErrMalformed = errors.New("malformed ELF")

// Parse builds an Image from a complete file buffer. The image keeps
// data; callers must not mutate it afterwards.
func Parse(data []byte) (*Image, error) {
	if len(data) < 16 || data[0] != 0x7f || data[1] != 'E' || data[2] != 'L' || data[3] != 'F' {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	class := Class(data[4])
	if class != Class32 && class != Class64 {
		return nil, fmt.Errorf("%w: unknown class %d", ErrMalformed, data[4])
	}
	if data[5] != 1 {
		return nil, fmt.Errorf("%w: only little-endian supported", ErrMalformed)
	}

	img := &Image{
		Data:      data,
		ByteOrder: binary.LittleEndian,
	}
	if err := img.readHeader(); err != nil {
		return nil, err
	}
	if err := img.readProgHeaders(); err != nil {
		return nil, err
	}
	if err := img.readSectionHeaders(); err != nil {
		return nil, err
	}
	if err := img.readSectionNames(); err != nil {
		return nil, err
	}
	img.classify()
	if err := img.readSymbols(); err != nil {
		return nil, err
	}
	if err := img.readRelocations(); err != nil {
		return nil, err
	}
	if err := img.readDynamic(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) readHeader() error {
	data := img.Data
	bo := img.ByteOrder
	h := &img.Header
	h.Class = Class(data[4])
	h.Endian = data[5]
	h.ABI = data[7]
	h.ABIVersion = data[8]

	if img.Is64() {
		if len(data) < EhdrSize64 {
			return fmt.Errorf("%w: truncated header", ErrMalformed)
		}
		h.Type = bo.Uint16(data[16:])
		h.Machine = bo.Uint16(data[18:])
		h.Version = bo.Uint32(data[20:])
		h.Entry = bo.Uint64(data[24:])
		h.Phoff = bo.Uint64(data[32:])
		h.Shoff = bo.Uint64(data[40:])
		h.Flags = bo.Uint32(data[48:])
		h.Ehsize = bo.Uint16(data[52:])
		h.Phentsize = bo.Uint16(data[54:])
		h.Phnum = bo.Uint16(data[56:])
		h.Shentsize = bo.Uint16(data[58:])
		h.Shnum = bo.Uint16(data[60:])
		h.Shstrndx = bo.Uint16(data[62:])
	} else {
		if len(data) < EhdrSize32 {
			return fmt.Errorf("%w: truncated header", ErrMalformed)
		}
		h.Type = bo.Uint16(data[16:])
		h.Machine = bo.Uint16(data[18:])
		h.Version = bo.Uint32(data[20:])
		h.Entry = uint64(bo.Uint32(data[24:]))
		h.Phoff = uint64(bo.Uint32(data[28:]))
		h.Shoff = uint64(bo.Uint32(data[32:]))
		h.Flags = bo.Uint32(data[36:])
		h.Ehsize = bo.Uint16(data[40:])
		h.Phentsize = bo.Uint16(data[42:])
		h.Phnum = bo.Uint16(data[44:])
		h.Shentsize = bo.Uint16(data[46:])
		h.Shnum = bo.Uint16(data[48:])
		h.Shstrndx = bo.Uint16(data[50:])
	}

	if h.Machine != EM386 && h.Machine != EMX8664 {
		return fmt.Errorf("%w: unsupported machine %d", ErrMalformed, h.Machine)
	}
	if img.Is64() && h.Machine == EM386 || !img.Is64() && h.Machine == EMX8664 {
		return fmt.Errorf("%w: class and machine disagree", ErrMalformed)
	}
	return nil
}

func (img *Image) readProgHeaders() error {
	h := &img.Header
	bo := img.ByteOrder
	size := img.PhdrSize()
	end := h.Phoff + uint64(h.Phnum)*uint64(size)
	if end > uint64(len(img.Data)) {
		return fmt.Errorf("%w: program header table out of bounds", ErrMalformed)
	}
	for i := 0; i < int(h.Phnum); i++ {
		b := img.Data[h.Phoff+uint64(i*size):]
		var p ProgHeader
		if img.Is64() {
			p.Type = bo.Uint32(b[0:])
			p.Flags = bo.Uint32(b[4:])
			p.Off = bo.Uint64(b[8:])
			p.Vaddr = bo.Uint64(b[16:])
			p.Paddr = bo.Uint64(b[24:])
			p.Filesz = bo.Uint64(b[32:])
			p.Memsz = bo.Uint64(b[40:])
			p.Align = bo.Uint64(b[48:])
		} else {
			p.Type = bo.Uint32(b[0:])
			p.Off = uint64(bo.Uint32(b[4:]))
			p.Vaddr = uint64(bo.Uint32(b[8:]))
			p.Paddr = uint64(bo.Uint32(b[12:]))
			p.Filesz = uint64(bo.Uint32(b[16:]))
			p.Memsz = uint64(bo.Uint32(b[20:]))
			p.Flags = bo.Uint32(b[24:])
			p.Align = uint64(bo.Uint32(b[28:]))
		}
		img.Progs = append(img.Progs, p)
	}
	return nil
}

func (img *Image) readSectionHeaders() error {
	h := &img.Header
	bo := img.ByteOrder
	size := img.ShdrSize()
	end := h.Shoff + uint64(h.Shnum)*uint64(size)
	if end > uint64(len(img.Data)) {
		return fmt.Errorf("%w: section header table out of bounds", ErrMalformed)
	}
	if h.Shnum > 0 && h.Shstrndx >= h.Shnum {
		return fmt.Errorf("%w: shstrndx %d out of range", ErrMalformed, h.Shstrndx)
	}
	for i := 0; i < int(h.Shnum); i++ {
		b := img.Data[h.Shoff+uint64(i*size):]
		var sh SectionHeader
		if img.Is64() {
			sh.NameOff = bo.Uint32(b[0:])
			sh.Type = bo.Uint32(b[4:])
			sh.Flags = bo.Uint64(b[8:])
			sh.Addr = bo.Uint64(b[16:])
			sh.Off = bo.Uint64(b[24:])
			sh.Size = bo.Uint64(b[32:])
			sh.Link = bo.Uint32(b[40:])
			sh.Info = bo.Uint32(b[44:])
			sh.Align = bo.Uint64(b[48:])
			sh.EntSize = bo.Uint64(b[56:])
		} else {
			sh.NameOff = bo.Uint32(b[0:])
			sh.Type = bo.Uint32(b[4:])
			sh.Flags = uint64(bo.Uint32(b[8:]))
			sh.Addr = uint64(bo.Uint32(b[12:]))
			sh.Off = uint64(bo.Uint32(b[16:]))
			sh.Size = uint64(bo.Uint32(b[20:]))
			sh.Link = bo.Uint32(b[24:])
			sh.Info = bo.Uint32(b[28:])
			sh.Align = uint64(bo.Uint32(b[32:]))
			sh.EntSize = uint64(bo.Uint32(b[36:]))
		}

		sec := &Section{Index: i, Hdr: sh}
		if sh.Type != SHTNobits && sh.Type != SHTNull {
			if sh.Off+sh.Size > uint64(len(img.Data)) {
				return fmt.Errorf("%w: section %d file range out of bounds", ErrMalformed, i)
			}
			sec.Data = img.Data[sh.Off : sh.Off+sh.Size]
		}
		img.Sections = append(img.Sections, sec)
	}
	return nil
}

func (img *Image) readSectionNames() error {
	if img.Header.Shnum == 0 {
		return nil
	}
	strs := img.Sections[img.Header.Shstrndx]
	if strs.Hdr.Type != SHTStrtab {
		return fmt.Errorf("%w: shstrndx does not name a string table", ErrMalformed)
	}
	for _, s := range img.Sections {
		name, err := getString(strs.Data, s.Hdr.NameOff)
		if err != nil {
			return fmt.Errorf("%w: section %d name: %v", ErrMalformed, s.Index, err)
		}
		s.Name = name
	}
	return nil
}

func (img *Image) classify() {
	for _, s := range img.Sections {
		switch {
		case s.Hdr.Type == SHTSymtab || s.Hdr.Type == SHTDynsym:
			s.Kind = KindSymtab
		case s.Hdr.Type == SHTRel || s.Hdr.Type == SHTRela:
			s.Kind = KindReltab
		case s.Hdr.Type == SHTStrtab:
			s.Kind = KindStrtab
		case s.Hdr.Type == SHTDynamic:
			s.Kind = KindDynamic
		case s.Hdr.Type == SHTNote:
			s.Kind = KindNote
		case s.Hdr.Type == SHTNobits:
			s.Kind = KindNobits
		case s.IsText():
			s.Kind = KindText
		default:
			s.Kind = KindRaw
		}
	}
}

func (img *Image) readSymbols() error {
	bo := img.ByteOrder
	entSize := SymSize32
	if img.Is64() {
		entSize = SymSize64
	}
	for _, s := range img.Sections {
		if s.Kind != KindSymtab {
			continue
		}
		strs := img.Section(int(s.Hdr.Link))
		if strs == nil || strs.Hdr.Type != SHTStrtab {
			return fmt.Errorf("%w: symbol table %d link %d is not a string table", ErrMalformed, s.Index, s.Hdr.Link)
		}
		if len(s.Data)%entSize != 0 {
			return fmt.Errorf("%w: symbol table %d size not a multiple of %d", ErrMalformed, s.Index, entSize)
		}
		n := len(s.Data) / entSize
		s.Symbols = make([]Symbol, 0, n)
		for i := 0; i < n; i++ {
			b := s.Data[i*entSize:]
			var sym Symbol
			if img.Is64() {
				sym.NameOff = bo.Uint32(b[0:])
				sym.Info = b[4]
				sym.Other = b[5]
				sym.Shndx = bo.Uint16(b[6:])
				sym.Value = bo.Uint64(b[8:])
				sym.Size = bo.Uint64(b[16:])
			} else {
				sym.NameOff = bo.Uint32(b[0:])
				sym.Value = uint64(bo.Uint32(b[4:]))
				sym.Size = uint64(bo.Uint32(b[8:]))
				sym.Info = b[12]
				sym.Other = b[13]
				sym.Shndx = bo.Uint16(b[14:])
			}
			name, err := getString(strs.Data, sym.NameOff)
			if err != nil {
				return fmt.Errorf("%w: symbol %d of table %d: %v", ErrMalformed, i, s.Index, err)
			}
			sym.Name = name
			s.Symbols = append(s.Symbols, sym)
		}
	}
	return nil
}

func (img *Image) readRelocations() error {
	bo := img.ByteOrder
	for _, s := range img.Sections {
		if s.Kind != KindReltab {
			continue
		}
		symtab := img.Section(int(s.Hdr.Link))
		if symtab == nil || symtab.Kind != KindSymtab {
			return fmt.Errorf("%w: relocation table %d link %d is not a symbol table", ErrMalformed, s.Index, s.Hdr.Link)
		}
		kind := relKind(img.Header.Class, s.Hdr.Type)
		entSize := (&Relocation{Kind: kind}).EntrySize()
		if len(s.Data)%entSize != 0 {
			return fmt.Errorf("%w: relocation table %d size not a multiple of %d", ErrMalformed, s.Index, entSize)
		}
		n := len(s.Data) / entSize
		s.Relocs = make([]Relocation, 0, n)
		for i := 0; i < n; i++ {
			b := s.Data[i*entSize:]
			r := Relocation{Kind: kind}
			switch kind {
			case Rel32:
				r.Off = uint64(bo.Uint32(b[0:]))
				r.Info = uint64(bo.Uint32(b[4:]))
			case Rela32:
				r.Off = uint64(bo.Uint32(b[0:]))
				r.Info = uint64(bo.Uint32(b[4:]))
				r.Addend = int64(int32(bo.Uint32(b[8:])))
			case Rel64:
				r.Off = bo.Uint64(b[0:])
				r.Info = bo.Uint64(b[8:])
			case Rela64:
				r.Off = bo.Uint64(b[0:])
				r.Info = bo.Uint64(b[8:])
				r.Addend = int64(bo.Uint64(b[16:]))
			}
			s.Relocs = append(s.Relocs, r)
		}
	}
	return nil
}

func (img *Image) readDynamic() error {
	bo := img.ByteOrder
	for _, s := range img.Sections {
		if s.Kind != KindDynamic {
			continue
		}
		entSize := DynSize32
		if img.Is64() {
			entSize = DynSize64
		}
		n := len(s.Data) / entSize
		s.Dynamic = make([]DynEntry, 0, n)
		for i := 0; i < n; i++ {
			b := s.Data[i*entSize:]
			var d DynEntry
			if img.Is64() {
				d.Tag = int64(bo.Uint64(b[0:]))
				d.Val = bo.Uint64(b[8:])
			} else {
				d.Tag = int64(int32(bo.Uint32(b[0:])))
				d.Val = uint64(bo.Uint32(b[4:]))
			}
			s.Dynamic = append(s.Dynamic, d)
			if d.Tag == DTNull {
				break
			}
		}
	}
	return nil
}

func relKind(class Class, shType uint32) RelKind {
	if class == Class64 {
		if shType == SHTRela {
			return Rela64
		}
		return Rel64
	}
	if shType == SHTRela {
		return Rela32
	}
	return Rel32
}

func getString(strtab []byte, off uint32) (string, error) {
	if int(off) >= len(strtab) {
		return "", fmt.Errorf("string offset %d past table end", off)
	}
	for end := int(off); end < len(strtab); end++ {
		if strtab[end] == 0 {
			return string(strtab[off:end]), nil
		}
	}
	return "", fmt.Errorf("unterminated string at %d", off)
}
