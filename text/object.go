// Package text partitions executable sections into text objects
// (functions and free-text regions), decodes them, and builds
// control-flow graphs for the functions.
package text

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/amoghavs/pebil/disasm"
	"github.com/amoghavs/pebil/elf"
)

// ObjectKind distinguishes the two text-object variants.
type ObjectKind int

const (
	KindFunction ObjectKind = iota
	KindFreeText
)

// BlockKind distinguishes block flavors. Basic blocks belong to a
// function CFG; code blocks hold a linear instruction run without
// branch analysis; raw blocks are opaque bytes.
type BlockKind int

const (
	BlockBasic BlockKind = iota
	BlockCode
	BlockRaw
)

// Block owns an ordered run of instructions (or raw bytes). The only
// control-transfer instruction in a basic block, if any, is the last
// one.
type Block struct {
	Kind  BlockKind
	Index int
	Base  uint64
	Insns []*disasm.Instruction
	Raw   []byte

	Preds []int
	Succs []int

	LoopDepth    int
	NoInstrument bool
}

// Size returns the byte length covered by the block.
func (b *Block) Size() uint64 {
	if b.Kind == BlockRaw {
		return uint64(len(b.Raw))
	}
	var n uint64
	for _, in := range b.Insns {
		n += uint64(in.Len)
	}
	return n
}

// Entry returns the first instruction address.
func (b *Block) Entry() uint64 { return b.Base }

// Exit returns the address one past the block's last byte.
func (b *Block) Exit() uint64 { return b.Base + b.Size() }

// InRange reports whether addr falls inside the block.
func (b *Block) InRange(addr uint64) bool {
	return addr >= b.Base && addr < b.Exit()
}

// Object is one text object: a function with a CFG, or a free-text
// region. It refers to its section by index into the owning image.
type Object struct {
	Kind         ObjectKind
	SectionIndex int
	Index        int
	Symbol       *elf.Symbol
	Name         string
	Base         uint64
	Size         uint64

	// UsesInstructions marks free text that decodes as code rather
	// than opaque bytes (.plt is the usual case).
	UsesInstructions bool

	Blocks []*Block
	Graph  *FlowGraph

	// nonInstrumentable records addresses where a branch target fell
	// inside a decoded instruction.
	nonInstrumentable map[uint64]bool
}

// IsFunction reports whether the object carries a CFG.
func (o *Object) IsFunction() bool { return o.Kind == KindFunction }

// InRange reports whether addr falls within [base, base+size).
func (o *Object) InRange(addr uint64) bool {
	return addr >= o.Base && addr < o.Base+o.Size
}

// Instrumentable reports whether addr may host an instrumentation
// point.
func (o *Object) Instrumentable(addr uint64) bool {
	return !o.nonInstrumentable[addr]
}

// IsBlockStart reports whether addr begins a basic block other than
// the object's entry block.
func (o *Object) IsBlockStart(addr uint64) bool {
	if addr == o.Base {
		return false
	}
	for _, b := range o.Blocks {
		if b.Base == addr {
			return true
		}
	}
	return false
}

// Instructions returns every decoded instruction of the object in
// address order.
func (o *Object) Instructions() []*disasm.Instruction {
	var out []*disasm.Instruction
	for _, b := range o.Blocks {
		out = append(out, b.Insns...)
	}
	return out
}

// InstructionAt returns the instruction starting exactly at addr.
func (o *Object) InstructionAt(addr uint64) *disasm.Instruction {
	for _, b := range o.Blocks {
		if !b.InRange(addr) {
			continue
		}
		for _, in := range b.Insns {
			if in.Addr == addr {
				return in
			}
		}
	}
	return nil
}

// BlockAt returns the block containing addr.
func (o *Object) BlockAt(addr uint64) *Block {
	for _, b := range o.Blocks {
		if b.InRange(addr) {
			return b
		}
	}
	return nil
}

// Section is the decoded form of one executable ELF section.
type Section struct {
	SectionIndex int
	Name         string
	Objects      []*Object
}

// Build partitions sec into text objects, decodes them, and builds
// CFGs for the functions. Symbols come from every non-dynamic symbol
// table of img.
func Build(img *elf.Image, sec *elf.Section, log *zap.Logger) (*Section, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ts := &Section{SectionIndex: sec.Index, Name: sec.Name}

	syms := discoverTextSymbols(img, sec)
	secEnd := sec.Hdr.Addr + sec.Hdr.Size

	if len(syms) == 0 {
		// No text symbols (typical for .plt): one free-text object
		// covering the whole section, decoded as instructions.
		ts.Objects = append(ts.Objects, &Object{
			Kind:             KindFreeText,
			SectionIndex:     sec.Index,
			Index:            0,
			Name:             sec.Name,
			Base:             sec.Hdr.Addr,
			Size:             sec.Hdr.Size,
			UsesInstructions: true,
		})
	} else {
		for i, sym := range syms {
			var size uint64
			if i+1 < len(syms) {
				size = syms[i+1].Value - sym.Value
				if sym.Size > size && sym.Size < sec.Hdr.Size {
					size = sym.Size
				}
			} else {
				size = secEnd - sym.Value
				if sym.Size > size {
					size = sym.Size
				}
			}
			kind := KindFreeText
			if sym.IsFunctionIn(sec) {
				kind = KindFunction
			}
			ts.Objects = append(ts.Objects, &Object{
				Kind:         kind,
				SectionIndex: sec.Index,
				Index:        i,
				Symbol:       sym,
				Name:         sym.Name,
				Base:         sym.Value,
				Size:         size,
			})
		}
	}

	for _, o := range ts.Objects {
		if err := o.digest(img, sec, log); err != nil {
			return nil, err
		}
	}
	if err := ts.Verify(img); err != nil {
		log.Warn("text verifier", zap.Error(err))
	}
	return ts, nil
}

// discoverTextSymbols collects the function and text-object symbols of
// sec from all non-dynamic symbol tables, sorted by value with
// duplicates at equal values removed (first wins).
func discoverTextSymbols(img *elf.Image, sec *elf.Section) []*elf.Symbol {
	var syms []*elf.Symbol
	for _, tab := range img.SymbolTables() {
		for i := range tab.Symbols {
			sym := &tab.Symbols[i]
			if sym.IsFunctionIn(sec) || sym.IsTextObjectIn(sec) {
				syms = append(syms, sym)
			}
		}
	}
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })

	out := syms[:0]
	for i, sym := range syms {
		if i > 0 && sym.Value == out[len(out)-1].Value {
			continue
		}
		out = append(out, sym)
	}
	return out
}

// digest decodes the object's bytes and builds its blocks.
func (o *Object) digest(img *elf.Image, sec *elf.Section, log *zap.Logger) error {
	switch {
	case o.Kind == KindFunction:
		insns, err := o.digestLinear(img, sec, log)
		if err != nil {
			return err
		}
		o.Graph = buildCFG(o, insns, log)
		o.Blocks = o.Graph.Blocks
	case o.UsesInstructions:
		insns, err := o.digestLinear(img, sec, log)
		if err != nil {
			return err
		}
		cb := &Block{Kind: BlockCode, Base: o.Base, Insns: insns}
		o.Blocks = []*Block{cb}
	default:
		raw := o.bytes(sec)
		o.Blocks = []*Block{{Kind: BlockRaw, Base: o.Base, Raw: raw}}
	}
	return nil
}

// bytes returns the object's view of the section data.
func (o *Object) bytes(sec *elf.Section) []byte {
	start := o.Base - sec.Hdr.Addr
	end := start + o.Size
	if end > uint64(len(sec.Data)) {
		end = uint64(len(sec.Data))
	}
	return sec.Data[start:end]
}

// digestLinear decodes the object front to back. When the decoder
// overruns the object boundary the tail instruction is truncated by
// the overrun and flagged; the rewriter treats it as raw bytes.
func (o *Object) digestLinear(img *elf.Image, sec *elf.Section, log *zap.Logger) ([]*disasm.Instruction, error) {
	code := o.bytes(sec)
	mode := 32
	if img.Is64() {
		mode = 64
	}

	var insns []*disasm.Instruction
	var cur uint64
	for cur < o.Size && cur < uint64(len(code)) {
		in, err := disasm.Decode(code[cur:], o.Base+cur, mode)
		if err != nil {
			if o.Kind == KindFunction {
				return nil, fmt.Errorf("function %s: %w", o.Name, err)
			}
			log.Warn("undecodable bytes in free text",
				zap.String("object", o.Name), zap.Uint64("addr", o.Base+cur))
			in = &disasm.Instruction{
				Addr:      o.Base + cur,
				Len:       1,
				Bytes:     code[cur : cur+1],
				Type:      disasm.TypeUnknown,
				Truncated: true,
			}
		}
		insns = append(insns, in)
		cur += uint64(in.Len)
	}

	if cur > o.Size {
		over := cur - o.Size
		last := insns[len(insns)-1]
		last.Len -= int(over)
		last.Bytes = last.Bytes[:last.Len]
		last.Truncated = true
		log.Warn("instruction exceeds object boundary",
			zap.String("object", o.Name),
			zap.Uint64("addr", last.Addr),
			zap.Uint64("overrun", over))
	}
	return insns, nil
}

// Verify checks the post-conditions of object discovery: sorted bases,
// containment in the section (the last object may end exactly at the
// section end), first object at sh_addr.
func (ts *Section) Verify(img *elf.Image) error {
	if len(ts.Objects) == 0 {
		return nil
	}
	sec := img.Section(ts.SectionIndex)
	secEnd := sec.Hdr.Addr + sec.Hdr.Size

	for i, o := range ts.Objects {
		if !sec.Hdr.InRange(o.Base) {
			return fmt.Errorf("section %s: object %d entry %#x outside section", ts.Name, i, o.Base)
		}
		exit := o.Base + o.Size
		if !sec.Hdr.InRange(exit) && exit != secEnd {
			return fmt.Errorf("section %s: object %d exit %#x outside section", ts.Name, i, exit)
		}
		if i > 0 && ts.Objects[i-1].Base > o.Base {
			return fmt.Errorf("section %s: objects %d,%d not sorted", ts.Name, i-1, i)
		}
	}
	if ts.Objects[0].Base != sec.Hdr.Addr {
		return fmt.Errorf("section %s: first object at %#x, section starts at %#x",
			ts.Name, ts.Objects[0].Base, sec.Hdr.Addr)
	}
	return nil
}

// ObjectAt returns the object containing addr.
func (ts *Section) ObjectAt(addr uint64) *Object {
	for _, o := range ts.Objects {
		if o.InRange(addr) {
			return o
		}
	}
	return nil
}

// InstructionAt returns the instruction starting exactly at addr.
func (ts *Section) InstructionAt(addr uint64) *disasm.Instruction {
	if o := ts.ObjectAt(addr); o != nil {
		return o.InstructionAt(addr)
	}
	return nil
}

// Functions returns the function objects in address order.
func (ts *Section) Functions() []*Object {
	var out []*Object
	for _, o := range ts.Objects {
		if o.IsFunction() {
			out = append(out, o)
		}
	}
	return out
}
