package elf

// Serialization back to file bytes. Every Put* writes exactly the
// entry size for the class at buf[0:] and touches nothing else, so
// re-emitting an unmodified image reproduces the input byte for byte.

import "encoding/binary"

var bo = binary.LittleEndian

// PutFileHeader writes h at buf[0:] and returns the bytes written.
func PutFileHeader(buf []byte, h *FileHeader) int {
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = byte(h.Class)
	buf[5] = h.Endian
	buf[6] = 1
	buf[7] = h.ABI
	buf[8] = h.ABIVersion
	for i := 9; i < 16; i++ {
		buf[i] = 0
	}
	bo.PutUint16(buf[16:], h.Type)
	bo.PutUint16(buf[18:], h.Machine)
	bo.PutUint32(buf[20:], h.Version)
	if h.Class == Class64 {
		bo.PutUint64(buf[24:], h.Entry)
		bo.PutUint64(buf[32:], h.Phoff)
		bo.PutUint64(buf[40:], h.Shoff)
		bo.PutUint32(buf[48:], h.Flags)
		bo.PutUint16(buf[52:], h.Ehsize)
		bo.PutUint16(buf[54:], h.Phentsize)
		bo.PutUint16(buf[56:], h.Phnum)
		bo.PutUint16(buf[58:], h.Shentsize)
		bo.PutUint16(buf[60:], h.Shnum)
		bo.PutUint16(buf[62:], h.Shstrndx)
		return EhdrSize64
	}
	bo.PutUint32(buf[24:], uint32(h.Entry))
	bo.PutUint32(buf[28:], uint32(h.Phoff))
	bo.PutUint32(buf[32:], uint32(h.Shoff))
	bo.PutUint32(buf[36:], h.Flags)
	bo.PutUint16(buf[40:], h.Ehsize)
	bo.PutUint16(buf[42:], h.Phentsize)
	bo.PutUint16(buf[44:], h.Phnum)
	bo.PutUint16(buf[46:], h.Shentsize)
	bo.PutUint16(buf[48:], h.Shnum)
	bo.PutUint16(buf[50:], h.Shstrndx)
	return EhdrSize32
}

// PutShdr writes a section header at buf[0:].
func PutShdr(buf []byte, class Class, sh *SectionHeader) int {
	if class == Class64 {
		bo.PutUint32(buf[0:], sh.NameOff)
		bo.PutUint32(buf[4:], sh.Type)
		bo.PutUint64(buf[8:], sh.Flags)
		bo.PutUint64(buf[16:], sh.Addr)
		bo.PutUint64(buf[24:], sh.Off)
		bo.PutUint64(buf[32:], sh.Size)
		bo.PutUint32(buf[40:], sh.Link)
		bo.PutUint32(buf[44:], sh.Info)
		bo.PutUint64(buf[48:], sh.Align)
		bo.PutUint64(buf[56:], sh.EntSize)
		return ShdrSize64
	}
	bo.PutUint32(buf[0:], sh.NameOff)
	bo.PutUint32(buf[4:], sh.Type)
	bo.PutUint32(buf[8:], uint32(sh.Flags))
	bo.PutUint32(buf[12:], uint32(sh.Addr))
	bo.PutUint32(buf[16:], uint32(sh.Off))
	bo.PutUint32(buf[20:], uint32(sh.Size))
	bo.PutUint32(buf[24:], sh.Link)
	bo.PutUint32(buf[28:], sh.Info)
	bo.PutUint32(buf[32:], uint32(sh.Align))
	bo.PutUint32(buf[36:], uint32(sh.EntSize))
	return ShdrSize32
}

// PutPhdr writes a program header at buf[0:].
func PutPhdr(buf []byte, class Class, p *ProgHeader) int {
	if class == Class64 {
		bo.PutUint32(buf[0:], p.Type)
		bo.PutUint32(buf[4:], p.Flags)
		bo.PutUint64(buf[8:], p.Off)
		bo.PutUint64(buf[16:], p.Vaddr)
		bo.PutUint64(buf[24:], p.Paddr)
		bo.PutUint64(buf[32:], p.Filesz)
		bo.PutUint64(buf[40:], p.Memsz)
		bo.PutUint64(buf[48:], p.Align)
		return PhdrSize64
	}
	bo.PutUint32(buf[0:], p.Type)
	bo.PutUint32(buf[4:], uint32(p.Off))
	bo.PutUint32(buf[8:], uint32(p.Vaddr))
	bo.PutUint32(buf[12:], uint32(p.Paddr))
	bo.PutUint32(buf[16:], uint32(p.Filesz))
	bo.PutUint32(buf[20:], uint32(p.Memsz))
	bo.PutUint32(buf[24:], p.Flags)
	bo.PutUint32(buf[28:], uint32(p.Align))
	return PhdrSize32
}

// PutSym writes a symbol entry at buf[0:].
func PutSym(buf []byte, class Class, s *Symbol) int {
	if class == Class64 {
		bo.PutUint32(buf[0:], s.NameOff)
		buf[4] = s.Info
		buf[5] = s.Other
		bo.PutUint16(buf[6:], s.Shndx)
		bo.PutUint64(buf[8:], s.Value)
		bo.PutUint64(buf[16:], s.Size)
		return SymSize64
	}
	bo.PutUint32(buf[0:], s.NameOff)
	bo.PutUint32(buf[4:], uint32(s.Value))
	bo.PutUint32(buf[8:], uint32(s.Size))
	buf[12] = s.Info
	buf[13] = s.Other
	bo.PutUint16(buf[14:], s.Shndx)
	return SymSize32
}

// PutReloc writes a relocation entry at buf[0:].
func PutReloc(buf []byte, r *Relocation) int {
	switch r.Kind {
	case Rel32:
		bo.PutUint32(buf[0:], uint32(r.Off))
		bo.PutUint32(buf[4:], uint32(r.Info))
		return RelSize32
	case Rela32:
		bo.PutUint32(buf[0:], uint32(r.Off))
		bo.PutUint32(buf[4:], uint32(r.Info))
		bo.PutUint32(buf[8:], uint32(int32(r.Addend)))
		return RelaSize32
	case Rel64:
		bo.PutUint64(buf[0:], r.Off)
		bo.PutUint64(buf[8:], r.Info)
		return RelSize64
	default:
		bo.PutUint64(buf[0:], r.Off)
		bo.PutUint64(buf[8:], r.Info)
		bo.PutUint64(buf[16:], uint64(r.Addend))
		return RelaSize64
	}
}

// PutDyn writes a dynamic entry at buf[0:].
func PutDyn(buf []byte, class Class, d *DynEntry) int {
	if class == Class64 {
		bo.PutUint64(buf[0:], uint64(d.Tag))
		bo.PutUint64(buf[8:], d.Val)
		return DynSize64
	}
	bo.PutUint32(buf[0:], uint32(int32(d.Tag)))
	bo.PutUint32(buf[4:], uint32(d.Val))
	return DynSize32
}

// Bytes re-serializes the image. Headers and every parsed table are
// written back over a copy of the original buffer, so an image that was
// never mutated comes back byte-identical to its input.
func (img *Image) Bytes() []byte {
	out := make([]byte, len(img.Data))
	copy(out, img.Data)

	PutFileHeader(out, &img.Header)

	phSize := img.PhdrSize()
	for i := range img.Progs {
		PutPhdr(out[img.Header.Phoff+uint64(i*phSize):], img.Header.Class, &img.Progs[i])
	}

	shSize := img.ShdrSize()
	for i, s := range img.Sections {
		PutShdr(out[img.Header.Shoff+uint64(i*shSize):], img.Header.Class, &s.Hdr)
	}

	for _, s := range img.Sections {
		switch s.Kind {
		case KindSymtab:
			off := s.Hdr.Off
			for i := range s.Symbols {
				off += uint64(PutSym(out[off:], img.Header.Class, &s.Symbols[i]))
			}
		case KindReltab:
			off := s.Hdr.Off
			for i := range s.Relocs {
				off += uint64(PutReloc(out[off:], &s.Relocs[i]))
			}
		case KindDynamic:
			off := s.Hdr.Off
			for i := range s.Dynamic {
				off += uint64(PutDyn(out[off:], img.Header.Class, &s.Dynamic[i]))
			}
		}
	}
	return out
}
