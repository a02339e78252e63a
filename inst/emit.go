package inst

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/amoghavs/pebil/elf"
)

const pageSize = 0x1000

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Emit realizes every declared point and returns the rewritten file
// bytes. With nothing declared the output is byte-identical to the
// input. Any point rejection aborts before bytes are produced; the
// input image file is never modified.
func (e *Engine) Emit() ([]byte, error) {
	if e.phase != PhaseUserReserve {
		return nil, fmt.Errorf("%w: Emit in phase %d", ErrWrongPhase, e.phase)
	}
	e.phase = PhaseEmit

	if len(e.points) == 0 && len(e.libraries) == 0 && len(e.funcs) == 0 {
		return e.img.Bytes(), nil
	}

	sort.SliceStable(e.points, func(i, j int) bool {
		return e.points[i].Target.Addr < e.points[j].Target.Addr
	})
	for _, p := range e.points {
		if err := e.planDisplacement(p); err != nil {
			return nil, err
		}
	}
	for i := 1; i < len(e.points); i++ {
		prev, cur := e.points[i-1], e.points[i]
		if prev.Target.Addr+uint64(prev.displacedSize()) > cur.Target.Addr {
			return nil, fmt.Errorf("points at %#x and %#x displace overlapping ranges",
				prev.Target.Addr, cur.Target.Addr)
		}
	}

	lay, err := e.layout()
	if err != nil {
		return nil, err
	}

	// trampolines; addresses are final, so the backward jumps and the
	// displaced-copy locations are exact.
	var newText []byte
	for _, p := range e.points {
		p.InstBaseAddress = lay.textAddr + uint64(len(newText))
		tb, err := e.buildTrampoline(p, p.InstBaseAddress)
		if err != nil {
			return nil, err
		}
		newText = append(newText, tb...)
	}
	if uint64(len(newText)) != lay.textSize {
		return nil, fmt.Errorf("trampoline layout drift: planned %d, built %d", lay.textSize, len(newText))
	}

	e.retargetDisplacedRelocations()

	aux, err := e.buildAux(lay)
	if err != nil {
		return nil, err
	}

	base := e.img.Bytes()
	if err := e.patchSites(base); err != nil {
		return nil, err
	}

	out := make([]byte, lay.fileTextOff)
	copy(out, base)
	out = append(out, newText...)
	out = append(out, make([]byte, lay.dataSegOff-(lay.fileTextOff+uint64(len(newText))))...)
	out = append(out, aux...)
	out = append(out, make([]byte, lay.auxAligned-uint64(len(aux)))...)

	arena := make([]byte, lay.arenaInitLen)
	for _, in := range e.inits {
		copy(arena[in.off:], in.data)
	}
	out = append(out, arena...)

	// unmapped tail: section name strings and the section header table
	shstr := e.buildShstrtab()
	lay.shstrOff = uint64(len(out))
	out = append(out, shstr...)
	out = append(out, make([]byte, alignUp(uint64(len(out)), 8)-uint64(len(out)))...)
	lay.shdrOff = uint64(len(out))
	out = append(out, e.buildShdrTable(lay, shstr)...)

	// final file header
	hdr := e.img.Header
	hdr.Phoff = lay.dataSegOff + lay.phdrOff
	hdr.Phnum = uint16(len(e.img.Progs) + 2)
	hdr.Shoff = lay.shdrOff
	hdr.Shnum = uint16(len(e.img.Sections) + 2)
	elf.PutFileHeader(out, &hdr)

	e.log.Info("rewrite complete",
		zap.Int("points", len(e.points)),
		zap.Uint64("trampolineBytes", uint64(len(newText))),
		zap.Uint64("reservedBytes", e.dataOff))
	return out, nil
}

// EmitFile writes the rewritten binary to path, executable.
func (e *Engine) EmitFile(path string) error {
	out, err := e.Emit()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o755); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// layout fixes every address and file offset of the appended regions.
type emitLayout struct {
	textAddr    uint64
	textSize    uint64
	fileTextOff uint64

	auxBase    uint64 // vaddr of the mapped aux blob
	auxAligned uint64
	dataSegOff uint64 // file offset of the data segment

	// aux-relative offsets
	dynstrOff  uint64
	dynstrSize uint64
	dynsymOff  uint64
	dynsymSize uint64
	relOff     uint64
	relSize    uint64
	dynOff     uint64
	dynSize    uint64
	extraDyn   int
	phdrOff    uint64

	arenaInitLen uint64

	shstrOff uint64
	shdrOff  uint64

	dynstrSec *elf.Section
	dynsymSec *elf.Section
	relSec    *elf.Section
	dynSec    *elf.Section
}

func (e *Engine) layout() (*emitLayout, error) {
	img := e.img
	lay := &emitLayout{}

	lay.textAddr = alignUp(img.MaxVaddr(), pageSize) + pageSize
	lay.fileTextOff = alignUp(uint64(len(img.Data)), pageSize)

	// trampoline sizes are deterministic, so one sizing pass suffices
	var size uint64
	for _, p := range e.points {
		tb, err := e.buildTrampoline(p, lay.textAddr+size)
		if err != nil {
			return nil, err
		}
		size += uint64(len(tb))
	}
	lay.textSize = size

	cur := uint64(0)
	if len(e.libraries) > 0 || len(e.funcs) > 0 {
		dynSec := img.DynamicSection()
		if dynSec == nil {
			return nil, fmt.Errorf("%w: image has no dynamic section", ErrSymbolResolve)
		}
		dynstr := img.Section(int(dynSec.Hdr.Link))
		if dynstr == nil || dynstr.Hdr.Type != elf.SHTStrtab {
			return nil, fmt.Errorf("%w: dynamic section has no string table", ErrSymbolResolve)
		}
		dynsym := img.DynamicSymbolTable()
		if dynsym == nil {
			return nil, fmt.Errorf("%w: image has no dynamic symbol table", ErrSymbolResolve)
		}
		var relSec *elf.Section
		for _, s := range img.Sections {
			if s.Kind != elf.KindReltab || int(s.Hdr.Link) != dynsym.Index {
				continue
			}
			if s.Name == ".rela.dyn" || s.Name == ".rel.dyn" {
				relSec = s
				break
			}
			if relSec == nil {
				relSec = s
			}
		}
		if relSec == nil {
			return nil, fmt.Errorf("%w: image has no dynamic relocation table", ErrSymbolResolve)
		}
		lay.dynstrSec, lay.dynsymSec, lay.relSec, lay.dynSec = dynstr, dynsym, relSec, dynSec

		symSize, dynEnt := elf.SymSize32, elf.DynSize32
		if img.Is64() {
			symSize, dynEnt = elf.SymSize64, elf.DynSize64
		}
		relEnt := (&elf.Relocation{Kind: relKindOf(img, relSec)}).EntrySize()

		lay.dynstrOff = cur
		lay.dynstrSize = uint64(len(dynstr.Data))
		for _, lib := range e.libraries {
			lay.dynstrSize += uint64(len(lib)) + 1
		}
		for _, f := range e.funcs {
			lay.dynstrSize += uint64(len(f.Name)) + 1
		}
		cur = alignUp(cur+lay.dynstrSize, 8)

		lay.dynsymOff = cur
		lay.dynsymSize = uint64(len(dynsym.Symbols)+len(e.funcs)) * uint64(symSize)
		cur = alignUp(cur+lay.dynsymSize, 8)

		lay.relOff = cur
		lay.relSize = uint64(len(relSec.Relocs)+len(e.funcs)) * uint64(relEnt)
		cur = alignUp(cur+lay.relSize, 8)

		// the dynamic linker only walks the relocations named by the
		// table tags; add them when the image had none
		if len(e.funcs) > 0 {
			hasRelTag := false
			for _, d := range dynSec.Dynamic {
				if d.Tag == elf.DTRela || d.Tag == elf.DTRel {
					hasRelTag = true
				}
			}
			if !hasRelTag {
				lay.extraDyn = 2
			}
		}

		lay.dynOff = cur
		lay.dynSize = uint64(len(dynSec.Dynamic)+len(e.libraries)+lay.extraDyn) * uint64(dynEnt)
		cur = alignUp(cur+lay.dynSize, 8)
	}
	lay.phdrOff = cur
	cur += uint64((len(img.Progs) + 2) * img.PhdrSize())

	lay.auxAligned = alignUp(cur, pageSize)
	if lay.auxAligned > e.dataBase {
		return nil, fmt.Errorf("aux tables (%#x bytes) do not fit below data base %#x", cur, e.dataBase)
	}
	lay.auxBase = e.dataBase - lay.auxAligned
	lay.dataSegOff = alignUp(lay.fileTextOff+lay.textSize, pageSize)

	for _, in := range e.inits {
		if end := in.off + uint64(len(in.data)); end > lay.arenaInitLen {
			lay.arenaInitLen = end
		}
	}

	// the new regions must not collide with anything already mapped
	type vrange struct{ lo, hi uint64 }
	taken := []vrange{{lay.textAddr, lay.textAddr + lay.textSize}, {lay.auxBase, e.dataBase + e.dataOff}}
	for _, p := range img.Progs {
		if p.Type != elf.PTLoad {
			continue
		}
		for _, r := range taken {
			if p.Vaddr < r.hi && r.lo < p.Vaddr+p.Memsz {
				return nil, fmt.Errorf("new region [%#x,%#x) overlaps segment at %#x", r.lo, r.hi, p.Vaddr)
			}
		}
	}
	return lay, nil
}

func relKindOf(img *elf.Image, s *elf.Section) elf.RelKind {
	if img.Is64() {
		if s.Hdr.Type == elf.SHTRela {
			return elf.Rela64
		}
		return elf.Rel64
	}
	if s.Hdr.Type == elf.SHTRela {
		return elf.Rela32
	}
	return elf.Rel32
}

// buildAux serializes the relocated dynamic tables and the grown
// program-header table into the mapped blob at the head of the data
// segment.
func (e *Engine) buildAux(lay *emitLayout) ([]byte, error) {
	img := e.img
	blob := make([]byte, lay.phdrOff+uint64((len(img.Progs)+2)*img.PhdrSize()))

	if lay.dynSec != nil {
		// .dynstr copy plus the new library and function names
		nameOff := make(map[string]uint32)
		copy(blob[lay.dynstrOff:], lay.dynstrSec.Data)
		strCur := lay.dynstrOff + uint64(len(lay.dynstrSec.Data))
		addName := func(s string) {
			nameOff[s] = uint32(strCur - lay.dynstrOff)
			copy(blob[strCur:], s)
			strCur += uint64(len(s)) + 1
		}
		for _, lib := range e.libraries {
			addName(lib)
		}
		for _, f := range e.funcs {
			addName(f.Name)
		}

		// .dynsym copy plus one undefined symbol per tool function
		symCur := lay.dynsymOff
		for i := range lay.dynsymSec.Symbols {
			symCur += uint64(elf.PutSym(blob[symCur:], img.Header.Class, &lay.dynsymSec.Symbols[i]))
		}
		for _, f := range e.funcs {
			sym := elf.Symbol{
				NameOff: nameOff[f.Name],
				Info:    elf.STBGlobal<<4 | elf.STTFunc,
				Shndx:   elf.SHNUndef,
			}
			symCur += uint64(elf.PutSym(blob[symCur:], img.Header.Class, &sym))
		}

		// dynamic relocations: the existing table plus one entry per
		// function slot, binding the 8-byte cell to the new symbol.
		kind := relKindOf(img, lay.relSec)
		relCur := lay.relOff
		for i := range lay.relSec.Relocs {
			relCur += uint64(elf.PutReloc(blob[relCur:], &lay.relSec.Relocs[i]))
		}
		for i, f := range e.funcs {
			symIdx := uint64(len(lay.dynsymSec.Symbols) + i)
			r := elf.Relocation{Kind: kind, Off: e.dataBase + f.Slot}
			if img.Is64() {
				r.Info = symIdx<<32 | uint64(elf.RX8664_64)
			} else {
				r.Info = symIdx<<8 | uint64(elf.R386_32)
			}
			relCur += uint64(elf.PutReloc(blob[relCur:], &r))
		}

		// .dynamic: DT_NEEDED entries for the tool libraries lead,
		// then the original entries with the moved tables repointed.
		var ents []elf.DynEntry
		for _, lib := range e.libraries {
			ents = append(ents, elf.DynEntry{Tag: elf.DTNeeded, Val: uint64(nameOff[lib])})
		}
		if lay.extraDyn > 0 {
			relTag, relszTag := elf.DTRela, elf.DTRelasz
			if kind == elf.Rel32 || kind == elf.Rel64 {
				relTag, relszTag = elf.DTRel, elf.DTRelsz
			}
			ents = append(ents,
				elf.DynEntry{Tag: relTag, Val: lay.auxBase + lay.relOff},
				elf.DynEntry{Tag: relszTag, Val: lay.relSize})
		}
		for _, d := range lay.dynSec.Dynamic {
			switch d.Tag {
			case elf.DTStrtab:
				d.Val = lay.auxBase + lay.dynstrOff
			case elf.DTStrsz:
				d.Val = lay.dynstrSize
			case elf.DTSymtab:
				d.Val = lay.auxBase + lay.dynsymOff
			case elf.DTRela, elf.DTRel:
				d.Val = lay.auxBase + lay.relOff
			case elf.DTRelasz, elf.DTRelsz:
				d.Val = lay.relSize
			}
			ents = append(ents, d)
		}
		dynCur := lay.dynOff
		for i := range ents {
			dynCur += uint64(elf.PutDyn(blob[dynCur:], img.Header.Class, &ents[i]))
		}
	}

	// program headers: originals (PT_DYNAMIC and PT_PHDR repointed)
	// plus the two new loads. Existing count and order are preserved.
	phCur := lay.phdrOff
	for _, p := range img.Progs {
		switch p.Type {
		case elf.PTDynamic:
			if lay.dynSec != nil {
				p.Off = lay.dataSegOff + lay.dynOff
				p.Vaddr = lay.auxBase + lay.dynOff
				p.Paddr = p.Vaddr
				p.Filesz = lay.dynSize
				p.Memsz = lay.dynSize
			}
		case elf.PTPhdr:
			p.Off = lay.dataSegOff + lay.phdrOff
			p.Vaddr = lay.auxBase + lay.phdrOff
			p.Paddr = p.Vaddr
			p.Filesz = uint64((len(img.Progs) + 2) * img.PhdrSize())
			p.Memsz = p.Filesz
		}
		phCur += uint64(elf.PutPhdr(blob[phCur:], img.Header.Class, &p))
	}
	newLoads := []elf.ProgHeader{{
		Type:   elf.PTLoad,
		Flags:  elf.PFR | elf.PFX,
		Off:    lay.fileTextOff,
		Vaddr:  lay.textAddr,
		Paddr:  lay.textAddr,
		Filesz: lay.textSize,
		Memsz:  lay.textSize,
		Align:  pageSize,
	}, {
		Type:   elf.PTLoad,
		Flags:  elf.PFR | elf.PFW,
		Off:    lay.dataSegOff,
		Vaddr:  lay.auxBase,
		Paddr:  lay.auxBase,
		Filesz: lay.auxAligned + lay.arenaInitLen,
		Memsz:  lay.auxAligned + e.dataOff,
		Align:  pageSize,
	}}
	for i := range newLoads {
		phCur += uint64(elf.PutPhdr(blob[phCur:], img.Header.Class, &newLoads[i]))
	}
	return blob, nil
}

// buildShstrtab returns the grown section-name table.
func (e *Engine) buildShstrtab() []byte {
	old := e.img.Sections[e.img.Header.Shstrndx]
	out := make([]byte, len(old.Data))
	copy(out, old.Data)
	e.newTextNameOff = uint32(len(out))
	out = append(out, ".pebil_text"...)
	out = append(out, 0)
	e.newDataNameOff = uint32(len(out))
	out = append(out, ".pebil_data"...)
	out = append(out, 0)
	return out
}

// buildShdrTable assembles the final section header table: original
// headers (moved tables repointed) plus .pebil_text and .pebil_data.
func (e *Engine) buildShdrTable(lay *emitLayout, shstr []byte) []byte {
	img := e.img
	shSize := img.ShdrSize()
	out := make([]byte, (len(img.Sections)+2)*shSize)

	cur := 0
	for _, s := range img.Sections {
		hdr := s.Hdr
		if lay.dynSec != nil {
			switch s {
			case lay.dynstrSec:
				hdr.Addr = lay.auxBase + lay.dynstrOff
				hdr.Off = lay.dataSegOff + lay.dynstrOff
				hdr.Size = lay.dynstrSize
			case lay.dynsymSec:
				hdr.Addr = lay.auxBase + lay.dynsymOff
				hdr.Off = lay.dataSegOff + lay.dynsymOff
				hdr.Size = lay.dynsymSize
			case lay.relSec:
				hdr.Addr = lay.auxBase + lay.relOff
				hdr.Off = lay.dataSegOff + lay.relOff
				hdr.Size = lay.relSize
			case lay.dynSec:
				hdr.Addr = lay.auxBase + lay.dynOff
				hdr.Off = lay.dataSegOff + lay.dynOff
				hdr.Size = lay.dynSize
			}
		}
		if s.Index == int(img.Header.Shstrndx) {
			hdr.Off = lay.shstrOff
			hdr.Size = uint64(len(shstr))
		}
		cur += elf.PutShdr(out[cur:], img.Header.Class, &hdr)
	}

	textHdr := elf.SectionHeader{
		NameOff: e.newTextNameOff,
		Type:    elf.SHTProgbits,
		Flags:   elf.SHFAlloc | elf.SHFExecinstr,
		Addr:    lay.textAddr,
		Off:     lay.fileTextOff,
		Size:    lay.textSize,
		Align:   16,
	}
	cur += elf.PutShdr(out[cur:], img.Header.Class, &textHdr)

	dataHdr := elf.SectionHeader{
		NameOff: e.newDataNameOff,
		Type:    elf.SHTProgbits,
		Flags:   elf.SHFAlloc | elf.SHFWrite,
		Addr:    e.dataBase,
		Off:     lay.dataSegOff + lay.auxAligned,
		Size:    lay.arenaInitLen,
		Align:   pageSize,
	}
	elf.PutShdr(out[cur:], img.Header.Class, &dataHdr)
	return out
}

// patchSites overwrites each displaced range with a jump to its
// trampoline, padding the remainder with nop.
func (e *Engine) patchSites(file []byte) error {
	for _, p := range e.points {
		sec := e.img.Section(p.obj.SectionIndex)
		fileOff := sec.Hdr.Off + (p.Target.Addr - sec.Hdr.Addr)
		rel := int64(p.InstBaseAddress) - int64(p.Target.Addr+MinJumpSize)
		if rel != int64(int32(rel)) {
			return fmt.Errorf("site %#x cannot reach trampoline %#x with rel32",
				p.Target.Addr, p.InstBaseAddress)
		}
		file[fileOff] = 0xe9
		binary.LittleEndian.PutUint32(file[fileOff+1:], uint32(int32(rel)))
		for i := MinJumpSize; i < p.displacedSize(); i++ {
			file[fileOff+uint64(i)] = 0x90
		}
	}
	return nil
}

// retargetDisplacedRelocations rebases relocations whose offsets fall
// inside a displaced range onto the trampoline copy of the displaced
// instructions.
func (e *Engine) retargetDisplacedRelocations() {
	for _, s := range e.img.Sections {
		if s.Kind != elf.KindReltab {
			continue
		}
		for i := range s.Relocs {
			r := &s.Relocs[i]
			for _, p := range e.points {
				size := uint64(p.displacedSize())
				if r.Off >= p.Target.Addr && r.Off < p.Target.Addr+size {
					r.Off = p.displacedCopyAddr + (r.Off - p.Target.Addr)
					e.log.Warn("relocation retargeted to trampoline copy",
						zap.Uint64("old", p.Target.Addr), zap.Uint64("new", r.Off))
				}
			}
		}
	}
}
