// Package cachesim instruments every memory operation with a buffered
// address-collection probe drained by the cache-simulator runtime
// library.
package cachesim

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/amoghavs/pebil/disasm"
	"github.com/amoghavs/pebil/inst"
	"github.com/amoghavs/pebil/text"
)

const (
	SimFunction  = "MetaSim_simulFuncCall_Simu"
	ExitFunction = "MetaSim_endFuncCall_Simu"
	InstLibName  = "libsimulator.so"
	InstSuffix   = "siminst"

	// BufferEntries is the circular buffer length; must be a power of
	// two. Each 16-byte entry is blockId:u32, memopId:u32, address:u64.
	BufferEntries   = 0x00010000
	BufferEntrySize = 16

	logBufferEntrySize = 4

	// Constant addresses below this are treated as junk and zeroed.
	minConstMemAddr = 0x10000
)

// Options configures the tool.
type Options struct {
	// FuncList restricts instrumentation to the named functions.
	FuncList []string
	Log      *zap.Logger
}

// Tool drives cache-simulation instrumentation of one engine.
type Tool struct {
	engine *inst.Engine
	log    *zap.Logger
	filter map[string]bool

	simFunc  *inst.ToolFunc
	exitFunc *inst.ToolFunc

	bufferStore  uint64
	buffPtrStore uint64
	commentStore uint64
}

// New wraps an engine freshly constructed for the target image.
func New(e *inst.Engine, opts Options) *Tool {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tool{engine: e, log: log}
	if len(opts.FuncList) > 0 {
		t.filter = make(map[string]bool, len(opts.FuncList))
		for _, f := range opts.FuncList {
			t.filter[f] = true
		}
	}
	return t
}

// BufferStore returns the arena offset of the entry buffer.
func (t *Tool) BufferStore() uint64 { return t.bufferStore }

// BuffPtrStore returns the arena offset of the buffer cursor.
func (t *Tool) BuffPtrStore() uint64 { return t.buffPtrStore }

// CommentStore returns the arena offset of the comment block.
func (t *Tool) CommentStore() uint64 { return t.commentStore }

// Declare registers the simulator library and its entry points.
func (t *Tool) Declare() error {
	if err := t.engine.DeclareLibrary(InstLibName); err != nil {
		return err
	}
	var err error
	if t.simFunc, err = t.engine.DeclareFunction(SimFunction); err != nil {
		return err
	}
	if t.exitFunc, err = t.engine.DeclareFunction(ExitFunction); err != nil {
		return err
	}
	return nil
}

// Instrument reserves the buffer, cursor, and comment block, places an
// exit probe, and plants a buffered address-calculation probe at every
// memory operation of every exposed basic block.
func (t *Tool) Instrument() error {
	e := t.engine
	dataAddr := e.InstDataAddress()

	var err error
	if t.bufferStore, err = e.ReserveDataOffset(BufferEntries * BufferEntrySize); err != nil {
		return err
	}
	if t.buffPtrStore, err = e.ReserveDataOffset(8); err != nil {
		return err
	}
	// slot value 0 marks an empty hash slot, so the cursor starts at 1
	if err := e.InitializeReservedData(t.buffPtrStore, []byte{1, 0, 0, 0}); err != nil {
		return err
	}

	blocks := t.exposedBlocks()

	appName := filepath.Base(e.Image().Path)
	if appName == "" || appName == "." {
		appName = "a.out"
	}
	comment := fmt.Sprintf("%s %d %s %d %d", appName, 0, InstSuffix, len(blocks), 0)
	if t.commentStore, err = e.ReserveDataOffset(uint64(len(comment) + 1)); err != nil {
		return err
	}
	if err := e.InitializeReservedData(t.commentStore, append([]byte(comment), 0)); err != nil {
		return err
	}

	for _, f := range []*inst.ToolFunc{t.simFunc, t.exitFunc} {
		f.AddArgument(dataAddr + t.bufferStore)
		f.AddArgument(dataAddr + t.buffPtrStore)
		f.AddArgument(dataAddr + t.commentStore)
	}

	exitBlock, err := e.ExitBlock()
	if err != nil {
		return err
	}
	if _, err := e.AddBlockPoint(exitBlock, t.exitFunc, inst.ModeTramp); err != nil {
		return err
	}

	memopID := uint32(0)
	for blockID, bb := range blocks {
		for _, in := range bb.Insns {
			if !in.IsMemoryOperation() {
				continue
			}
			pt, err := e.AddPoint(in, t.simFunc, inst.ModeTrampInline)
			if err != nil {
				return err
			}
			calc, err := t.GenerateBufferedAddressCalculation(in, uint32(blockID), memopID)
			if err != nil {
				return err
			}
			for _, c := range calc {
				pt.AddPrecursor(c)
			}
			memopID++
		}
	}
	t.log.Info("cache-simulation points planted",
		zap.Int("blocks", len(blocks)), zap.Uint32("memops", memopID))
	return nil
}

// exposedBlocks returns the instrumentable blocks of every function
// that passes the name filter.
func (t *Tool) exposedBlocks() []*text.Block {
	var out []*text.Block
	for _, ts := range t.engine.TextSections() {
		for _, o := range ts.Objects {
			if !o.IsFunction() {
				continue
			}
			if t.filter != nil && !t.filter[o.Name] {
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

// GenerateBufferedAddressCalculation emits the precursor sequence that
// computes the target's effective address and appends a buffer entry,
// ending with the conditional branch that skips the drain call while
// the buffer has room.
func (t *Tool) GenerateBufferedAddressCalculation(in *disasm.Instruction, blockID, memopID uint32) ([]*disasm.Instruction, error) {
	if t.engine.Image().Is64() {
		return t.generateBufferedAddressCalculation64(in, blockID, memopID)
	}
	return t.generateBufferedAddressCalculation32(in, blockID, memopID)
}
