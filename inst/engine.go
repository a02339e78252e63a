// Package inst is the instrumentation engine: it tracks
// instrumentation points against a parsed image, owns the reserved
// data arena, lays out trampolines, and re-emits the rewritten ELF.
package inst

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoghavs/pebil/codegen"
	"github.com/amoghavs/pebil/disasm"
	"github.com/amoghavs/pebil/elf"
	"github.com/amoghavs/pebil/text"
)

var (
	ErrWrongPhase       = errors.New("engine phase does not permit this operation")
	ErrSymbolResolve    = errors.New("cannot resolve symbol")
	ErrNoFreeRegisters  = errors.New("cannot pick three temp registers")
	ErrNoRoomForJump    = errors.New("no room for a 5-byte jump at instrumentation point")
	ErrReservedExhausted = errors.New("reserved data arena exhausted")
)

// Phase is the engine lifecycle phase. Operations are gated per phase:
// declare -> user-reserve -> emit.
type Phase int

const (
	PhaseDeclare Phase = iota
	PhaseUserReserve
	PhaseEmit
)

// Mode selects how a point is realized.
type Mode int

const (
	// ModeTramp replaces the instruction with a long jump to a
	// trampoline that calls the tool function.
	ModeTramp Mode = iota
	// ModeTrampInline additionally runs the point's precursor
	// instructions in the trampoline, with their trailing conditional
	// branch skipping the tool call on the fast path.
	ModeTrampInline
)

// FlagsProtection selects how trampolines preserve the flags register.
type FlagsProtection int

const (
	// FlagsFull brackets the trampoline with pushf/popf.
	FlagsFull FlagsProtection = iota
	// FlagsLight spills AX to a fixed slot and uses lahf/sahf.
	FlagsLight
)

// Thread-keyed slot table reserved in the arena; its offset is exposed
// by ThreadTableOffset and no generated probe reads it. The runtime
// hashes thread ids with (tid >> ThreadHashShift) & ThreadHashAnd and
// resolves collisions by linear probing; slot id 0 means empty.
const (
	ThreadHashShift = 12
	ThreadHashAnd   = 0xffff
	ThreadDataSize  = 16
)

// Default arena placement. Both bases stay below 2^31 so the encoders
// can reach the arena with sign-extended disp32 addressing.
const (
	DefaultDataBase64 = 0x30000000
	DefaultDataBase32 = 0x18000000
	DefaultArenaCap   = 0x10000000

	regStorageSlots = 8
)

// RuntimeContext is captured once at entry to a rewrite and passed
// through; the instrumented runtime's MPI wrapping stays external.
type RuntimeContext struct {
	TaskID int
}

// Options configures engine construction.
type Options struct {
	FlagsMethod   FlagsProtection
	Reload32BitAX bool
	DataBase      uint64
	ArenaCap      uint64
	Context       RuntimeContext
	Log           *zap.Logger
}

// ToolFunc is a tool-exported function declared during the declare
// phase. Slot is the reserved-data offset of the 8-byte address cell
// the dynamic linker fills at runtime.
type ToolFunc struct {
	Name string
	Slot uint64
	Args []uint64
}

// AddArgument appends an absolute-address argument passed to every
// call of the function.
func (f *ToolFunc) AddArgument(addr uint64) {
	f.Args = append(f.Args, addr)
}

// Point is one instrumentation point.
type Point struct {
	Target *disasm.Instruction
	Block  *text.Block
	Fn     *ToolFunc
	Mode   Mode

	Precursors []*disasm.Instruction

	// InstBaseAddress is the trampoline address, assigned at layout.
	InstBaseAddress uint64

	obj               *text.Object
	sec               *text.Section
	displaced         []*disasm.Instruction
	displacedCopyAddr uint64
}

// AddPrecursor appends an engine-generated instruction run before the
// tool call.
func (p *Point) AddPrecursor(in *disasm.Instruction) {
	p.Precursors = append(p.Precursors, in)
}

type dataInit struct {
	off  uint64
	data []byte
}

// Engine drives the rewrite of one image.
type Engine struct {
	img   *elf.Image
	texts []*text.Section
	phase Phase
	opts  Options
	log   *zap.Logger

	libraries []string
	funcs     []*ToolFunc
	points    []*Point

	dataBase   uint64
	dataOff    uint64
	dataCap    uint64
	inits      []dataInit
	regStorage uint64
	threadTab  uint64

	newTextNameOff uint32
	newDataNameOff uint32
}

// New parses the image's executable sections and opens the declare
// phase. The register-save area and the per-thread slot table are
// reserved up front so their offsets are stable for every tool.
func New(img *elf.Image, opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		img:     img,
		opts:    opts,
		log:     log,
		dataCap: opts.ArenaCap,
	}
	if e.dataCap == 0 {
		e.dataCap = DefaultArenaCap
	}
	e.dataBase = opts.DataBase
	if e.dataBase == 0 {
		if img.Is64() {
			e.dataBase = DefaultDataBase64
		} else {
			e.dataBase = DefaultDataBase32
		}
	}
	if e.dataBase+e.dataCap > 0x80000000 {
		return nil, fmt.Errorf("data base %#x: arena must stay below 2^31", e.dataBase)
	}

	for _, sec := range img.TextSections() {
		ts, err := text.Build(img, sec, log)
		if err != nil {
			return nil, err
		}
		e.texts = append(e.texts, ts)
	}

	e.regStorage = e.mustReserve(regStorageSlots * 8)
	e.threadTab = e.mustReserve((ThreadHashAnd + 1) * ThreadDataSize)
	return e, nil
}

func (e *Engine) mustReserve(n uint64) uint64 {
	off := e.dataOff
	e.dataOff += n
	return off
}

// Image returns the image under rewrite.
func (e *Engine) Image() *elf.Image { return e.img }

// TextSections returns the decoded executable sections.
func (e *Engine) TextSections() []*text.Section { return e.texts }

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase { return e.phase }

// FlagsMethod returns the configured flags-protection method.
func (e *Engine) FlagsMethod() FlagsProtection { return e.opts.FlagsMethod }

// Reload32BitAX reports whether the 32-bit address-calculation path
// reloads AX from its save slot under light flags protection.
func (e *Engine) Reload32BitAX() bool { return e.opts.Reload32BitAX }

// InstDataAddress returns the virtual base address of the reserved
// data arena.
func (e *Engine) InstDataAddress() uint64 { return e.dataBase }

// RegStorageOffset returns the arena offset of the register-save area.
// Slot 0 holds the AX spill under light flags protection; slots 2..4
// hold the address-calculation temporaries.
func (e *Engine) RegStorageOffset() uint64 { return e.regStorage }

// ThreadTableOffset returns the arena offset of the per-thread slot
// table.
func (e *Engine) ThreadTableOffset() uint64 { return e.threadTab }

// DeclareLibrary registers a shared library the instrumented binary
// must load (an extra DT_NEEDED entry).
func (e *Engine) DeclareLibrary(name string) error {
	if e.phase != PhaseDeclare {
		return fmt.Errorf("%w: DeclareLibrary in phase %d", ErrWrongPhase, e.phase)
	}
	e.libraries = append(e.libraries, name)
	return nil
}

// DeclareFunction registers a tool-exported function and reserves its
// address slot. The slot is bound by the host dynamic linker at
// runtime of the instrumented binary.
func (e *Engine) DeclareFunction(name string) (*ToolFunc, error) {
	if e.phase != PhaseDeclare {
		return nil, fmt.Errorf("%w: DeclareFunction in phase %d", ErrWrongPhase, e.phase)
	}
	f := &ToolFunc{Name: name, Slot: e.mustReserve(8)}
	e.funcs = append(e.funcs, f)
	return f, nil
}

// EndDeclare closes the declare phase and opens user-reserve.
func (e *Engine) EndDeclare() error {
	if e.phase != PhaseDeclare {
		return fmt.Errorf("%w: EndDeclare in phase %d", ErrWrongPhase, e.phase)
	}
	e.phase = PhaseUserReserve
	return nil
}

// ReserveDataOffset grows the reserved data arena by n bytes and
// returns the offset of the new region. Offsets are stable and never
// reused; the returned offset plus InstDataAddress is an absolute
// address in the instrumented binary.
func (e *Engine) ReserveDataOffset(n uint64) (uint64, error) {
	if e.phase != PhaseUserReserve {
		return 0, fmt.Errorf("%w: ReserveDataOffset in phase %d", ErrWrongPhase, e.phase)
	}
	if e.dataOff+n > e.dataCap {
		return 0, fmt.Errorf("%w: %d + %d exceeds cap %d", ErrReservedExhausted, e.dataOff, n, e.dataCap)
	}
	return e.mustReserve(n), nil
}

// InitializeReservedData records initial file contents for an arena
// range; uninitialized arena bytes load as zero.
func (e *Engine) InitializeReservedData(off uint64, data []byte) error {
	if e.phase != PhaseUserReserve {
		return fmt.Errorf("%w: InitializeReservedData in phase %d", ErrWrongPhase, e.phase)
	}
	if off+uint64(len(data)) > e.dataOff {
		return fmt.Errorf("%w: init range [%#x,%#x) outside reserved space", ErrReservedExhausted, off, off+uint64(len(data)))
	}
	e.inits = append(e.inits, dataInit{off: off, data: data})
	return nil
}

// AddPoint appends an instrumentation point at the given instruction.
func (e *Engine) AddPoint(target *disasm.Instruction, fn *ToolFunc, mode Mode) (*Point, error) {
	if e.phase != PhaseUserReserve {
		return nil, fmt.Errorf("%w: AddPoint in phase %d", ErrWrongPhase, e.phase)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: point needs a tool function", ErrSymbolResolve)
	}
	sec, obj := e.locate(target.Addr)
	if obj == nil {
		return nil, fmt.Errorf("address %#x is not inside any text object", target.Addr)
	}
	if !obj.Instrumentable(target.Addr) {
		return nil, fmt.Errorf("address %#x is flagged non-instrumentable", target.Addr)
	}
	p := &Point{Target: target, Fn: fn, Mode: mode, obj: obj, sec: sec, Block: obj.BlockAt(target.Addr)}
	e.points = append(e.points, p)
	return p, nil
}

// AddBlockPoint appends a point at the first instruction of a block.
func (e *Engine) AddBlockPoint(b *text.Block, fn *ToolFunc, mode Mode) (*Point, error) {
	if len(b.Insns) == 0 {
		return nil, fmt.Errorf("block at %#x has no instructions", b.Base)
	}
	return e.AddPoint(b.Insns[0], fn, mode)
}

// Points returns the declared points.
func (e *Engine) Points() []*Point { return e.points }

func (e *Engine) locate(addr uint64) (*text.Section, *text.Object) {
	for _, ts := range e.texts {
		if o := ts.ObjectAt(addr); o != nil {
			return ts, o
		}
	}
	return nil, nil
}

// ExposedBlocks returns the instrumentable basic blocks of every
// function, in address order.
func (e *Engine) ExposedBlocks() []*text.Block {
	var out []*text.Block
	for _, ts := range e.texts {
		for _, o := range ts.Objects {
			if !o.IsFunction() {
				continue
			}
			for _, b := range o.Blocks {
				if !b.NoInstrument {
					out = append(out, b)
				}
			}
		}
	}
	return out
}

// ExitBlock returns the block instrumented for program exit: the
// entry block of _fini when present, otherwise the block holding the
// entry point.
func (e *Engine) ExitBlock() (*text.Block, error) {
	for _, ts := range e.texts {
		for _, o := range ts.Objects {
			if o.IsFunction() && o.Name == "_fini" && len(o.Blocks) > 0 {
				return o.Blocks[0], nil
			}
		}
	}
	if _, o := e.locate(e.img.Header.Entry); o != nil {
		if b := o.BlockAt(e.img.Header.Entry); b != nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: no exit block (_fini or entry)", ErrSymbolResolve)
}

// PickTempRegisters chooses three scratch GPRs not touched by the
// target instruction, highest indexes first. SP counts as free because
// the enclosing trampoline restores it.
func (e *Engine) PickTempRegisters(target *disasm.Instruction) ([3]codegen.Reg, error) {
	var picked [3]codegen.Reg
	pool := codegen.NumGPR32
	if e.img.Is64() {
		pool = codegen.NumGPR64
	}
	touched := make(map[int]bool)
	if target != nil {
		target.TouchedRegisters(touched)
	}
	delete(touched, int(codegen.SP))

	n := 0
	for idx := pool - 1; idx >= 0 && n < 3; idx-- {
		if touched[idx] {
			continue
		}
		picked[n] = codegen.Reg(idx)
		n++
	}
	if n < 3 {
		return picked, fmt.Errorf("%w: instruction at %#x", ErrNoFreeRegisters, target.Addr)
	}
	return picked, nil
}
