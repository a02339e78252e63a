package inst

import (
	"encoding/binary"
	"fmt"

	"github.com/amoghavs/pebil/codegen"
	"github.com/amoghavs/pebil/disasm"
)

// MinJumpSize is the length of a rel32 jump; every rewritten site must
// displace at least this many bytes.
const MinJumpSize = 5

// caller-saved registers preserved around the tool call.
var callerSaved64 = []codegen.Reg{
	codegen.AX, codegen.CX, codegen.DX, codegen.SI, codegen.DI,
	codegen.R8, codegen.R9, codegen.R10, codegen.R11,
}

var callerSaved32 = []codegen.Reg{codegen.AX, codegen.CX, codegen.DX}

var argRegs64 = []codegen.Reg{codegen.DI, codegen.SI, codegen.DX, codegen.CX, codegen.R8, codegen.R9}

// SupportBlockSize returns the byte size of the inst-function-call
// support block for a function with nargs arguments. The conditional
// branch emitted at the end of a precursor list targets exactly this
// many bytes ahead.
func SupportBlockSize(is64 bool, nargs int) int {
	n := 0
	for _, in := range buildCallSupport(is64, &ToolFunc{Args: make([]uint64, nargs)}, 0) {
		n += in.Len
	}
	return n
}

// buildCallSupport emits the register save / argument setup / call /
// restore sequence around one tool-function call. slotAddr is the
// absolute address of the function's pointer cell.
func buildCallSupport(is64 bool, fn *ToolFunc, slotAddr uint64) []*disasm.Instruction {
	var out []*disasm.Instruction
	if is64 {
		var g codegen.Gen64
		for _, r := range callerSaved64 {
			out = append(out, g.Push(r))
		}
		// 9 pushes leave the stack 8 bytes off 16-byte alignment.
		out = append(out, g.SubSPImm8(8))
		for i, arg := range fn.Args {
			if i >= len(argRegs64) {
				break
			}
			out = append(out, g.MoveImmToReg(arg, argRegs64[i]))
		}
		out = append(out, g.CallIndirectAbs(slotAddr))
		out = append(out, g.AddSPImm8(8))
		for i := len(callerSaved64) - 1; i >= 0; i-- {
			out = append(out, g.Pop(callerSaved64[i]))
		}
		return out
	}

	var g codegen.Gen32
	for _, r := range callerSaved32 {
		out = append(out, g.Push(r))
	}
	for i := len(fn.Args) - 1; i >= 0; i-- {
		out = append(out, g.PushImm(uint32(fn.Args[i])))
	}
	out = append(out, g.CallIndirectAbs(slotAddr))
	if n := len(fn.Args); n > 0 {
		out = append(out, g.AddSPImm8(uint8(4*n)))
	}
	for i := len(callerSaved32) - 1; i >= 0; i-- {
		out = append(out, g.Pop(callerSaved32[i]))
	}
	return out
}

// flagsProlog saves the flags register. Under light protection AX is
// spilled to register-save slot 0 first, because lahf clobbers it.
func (e *Engine) flagsProlog() []*disasm.Instruction {
	saveAddr := e.dataBase + e.regStorage
	if e.img.Is64() {
		var g codegen.Gen64
		if e.opts.FlagsMethod == FlagsLight {
			return []*disasm.Instruction{g.MoveRegToMem(codegen.AX, saveAddr), g.Lahf()}
		}
		return []*disasm.Instruction{g.Pushf()}
	}
	var g codegen.Gen32
	if e.opts.FlagsMethod == FlagsLight {
		return []*disasm.Instruction{g.MoveRegToMem(codegen.AX, saveAddr), g.Lahf()}
	}
	return []*disasm.Instruction{g.Pushf()}
}

func (e *Engine) flagsEpilog() []*disasm.Instruction {
	saveAddr := e.dataBase + e.regStorage
	if e.img.Is64() {
		var g codegen.Gen64
		if e.opts.FlagsMethod == FlagsLight {
			return []*disasm.Instruction{g.Sahf(), g.MoveMemToReg(saveAddr, codegen.AX)}
		}
		return []*disasm.Instruction{g.Popf()}
	}
	var g codegen.Gen32
	if e.opts.FlagsMethod == FlagsLight {
		return []*disasm.Instruction{g.Sahf(), g.MoveMemToReg(saveAddr, codegen.AX)}
	}
	return []*disasm.Instruction{g.Popf()}
}

// planDisplacement fixes the byte range each point displaces. Targets
// shorter than MinJumpSize coalesce following instructions; a branch
// landing inside the coalesced range rejects the point.
func (e *Engine) planDisplacement(p *Point) error {
	if p.Target.Truncated {
		return fmt.Errorf("%w: raw tail bytes at %#x", ErrNoRoomForJump, p.Target.Addr)
	}
	all := p.obj.Instructions()
	start := -1
	for i, in := range all {
		if in.Addr == p.Target.Addr {
			start = i
			break
		}
	}
	if start < 0 {
		return fmt.Errorf("instruction at %#x not found in %s", p.Target.Addr, p.obj.Name)
	}

	size := 0
	for i := start; i < len(all); i++ {
		in := all[i]
		if i > start {
			// coalescing must not swallow a branch target
			if !p.obj.Instrumentable(in.Addr) || p.obj.IsBlockStart(in.Addr) {
				return fmt.Errorf("%w: branch lands at %#x inside coalesced range of point %#x",
					ErrNoRoomForJump, in.Addr, p.Target.Addr)
			}
			if in.Truncated {
				return fmt.Errorf("%w: raw tail bytes at %#x", ErrNoRoomForJump, in.Addr)
			}
		}
		p.displaced = append(p.displaced, in)
		size += in.Len
		if size >= MinJumpSize {
			return nil
		}
	}
	return fmt.Errorf("%w: object %s ends %d bytes after point %#x",
		ErrNoRoomForJump, p.obj.Name, size, p.Target.Addr)
}

// displacedSize returns the total byte length of the displaced range.
func (p *Point) displacedSize() int {
	n := 0
	for _, in := range p.displaced {
		n += in.Len
	}
	return n
}

// buildTrampoline assembles the out-of-line block for p at base.
// Layout: flags save, precursors (trampinline), call support, flags
// restore, displaced instructions, jump back.
func (e *Engine) buildTrampoline(p *Point, base uint64) ([]byte, error) {
	is64 := e.img.Is64()
	slotAddr := e.dataBase + p.Fn.Slot

	var seq []*disasm.Instruction
	seq = append(seq, e.flagsProlog()...)
	if p.Mode == ModeTrampInline {
		seq = append(seq, p.Precursors...)
	}
	seq = append(seq, buildCallSupport(is64, p.Fn, slotAddr)...)
	seq = append(seq, e.flagsEpilog()...)

	var buf []byte
	for _, in := range seq {
		buf = append(buf, in.Bytes...)
	}

	// displaced instructions, PC-relative material re-based
	resumeAddr := p.Target.Addr + uint64(p.displacedSize())
	p.displacedCopyAddr = base + uint64(len(buf))
	for _, in := range p.displaced {
		copyAddr := base + uint64(len(buf))
		patched, err := rebaseInstruction(in, copyAddr)
		if err != nil {
			return nil, err
		}
		buf = append(buf, patched...)
	}

	// jump back to the fall-through address
	jmpAddr := base + uint64(len(buf))
	rel := int64(resumeAddr) - int64(jmpAddr+MinJumpSize)
	if rel != int64(int32(rel)) {
		return nil, fmt.Errorf("trampoline at %#x cannot reach %#x with rel32", base, resumeAddr)
	}
	if is64 {
		var g codegen.Gen64
		buf = append(buf, g.Jmp(int32(rel)).Bytes...)
	} else {
		var g codegen.Gen32
		buf = append(buf, g.Jmp(int32(rel)).Bytes...)
	}
	return buf, nil
}

// rebaseInstruction returns the instruction bytes adjusted for
// execution at copyAddr instead of in.Addr. Direct branches and
// PC-relative memory references keep their original targets.
func rebaseInstruction(in *disasm.Instruction, copyAddr uint64) ([]byte, error) {
	out := make([]byte, in.Len)
	copy(out, in.Bytes)
	delta := int64(in.Addr) - int64(copyAddr)
	if delta == 0 {
		return out, nil
	}

	if in.PCRelLen > 0 {
		if in.PCRelLen != 4 {
			return nil, fmt.Errorf("%w: short relative branch at %#x cannot be displaced",
				ErrNoRoomForJump, in.Addr)
		}
		off := in.PCRelOff
		old := int32(binary.LittleEndian.Uint32(out[off:]))
		now := int64(old) + delta
		if now != int64(int32(now)) {
			return nil, fmt.Errorf("displaced branch at %#x out of rel32 range", in.Addr)
		}
		binary.LittleEndian.PutUint32(out[off:], uint32(int32(now)))
		return out, nil
	}

	for i := range in.Operands {
		op := &in.Operands[i]
		if op.Kind != disasm.OpMem || !op.Mem.IsPCRelative() {
			continue
		}
		off, err := findDisp32(out, int32(op.Mem.Disp))
		if err != nil {
			return nil, fmt.Errorf("instruction at %#x: %w", in.Addr, err)
		}
		now := op.Mem.Disp + delta
		if now != int64(int32(now)) {
			return nil, fmt.Errorf("displaced pc-relative operand at %#x out of range", in.Addr)
		}
		binary.LittleEndian.PutUint32(out[off:], uint32(int32(now)))
	}
	return out, nil
}

// findDisp32 locates the unique encoding of disp inside the
// instruction bytes.
func findDisp32(code []byte, disp int32) (int, error) {
	want := uint32(disp)
	found := -1
	for i := 0; i+4 <= len(code); i++ {
		if binary.LittleEndian.Uint32(code[i:]) == want {
			if found >= 0 {
				return 0, fmt.Errorf("ambiguous displacement %#x", disp)
			}
			found = i
		}
	}
	if found < 0 {
		return 0, fmt.Errorf("displacement %#x not found in encoding", disp)
	}
	return found, nil
}
