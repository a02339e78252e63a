package cachesim

import (
	"go.uber.org/zap"

	"github.com/amoghavs/pebil/codegen"
	"github.com/amoghavs/pebil/disasm"
	"github.com/amoghavs/pebil/inst"
)

// memShape is the decoded form of the target's memory operand used by
// both address-calculation paths.
type memShape struct {
	hasOperand bool
	base       codegen.Reg
	hasBase    bool
	pcRelative bool
	index      codegen.Reg
	hasIndex   bool
	scale      uint8
	disp       int64
}

func (t *Tool) memShapeOf(in *disasm.Instruction) memShape {
	var s memShape
	op, ok := in.MemoryOperand()
	if !ok {
		return s
	}
	s.hasOperand = true
	m := op.Mem
	s.disp = m.Disp

	if m.Base != 0 {
		if op.Mem.IsPCRelative() {
			s.pcRelative = true
			s.hasBase = true
		} else if idx := disasm.GPRIndex(m.Base); idx >= 0 {
			s.base = codegen.Reg(idx)
			s.hasBase = true
		}
	} else if m.Index == 0 && s.disp >= 0 && s.disp < minConstMemAddr {
		t.log.Warn("constant memory address below plausible range, zeroing",
			zap.Int64("disp", s.disp), zap.Uint64("addr", in.Addr))
		s.disp = 0
	}
	if m.Index != 0 {
		if idx := disasm.GPRIndex(m.Index); idx >= 0 {
			s.index = codegen.Reg(idx)
			s.hasIndex = true
			s.scale = m.Scale
		}
	}
	return s
}

// generateBufferedAddressCalculation64 builds the 64-bit probe: spill
// three temps, materialize the effective address in temp1, append a
// buffer entry (blockId @0, memopId @4, address @8), bump and store
// the cursor, restore the temps, and branch over the drain call while
// the buffer has room.
func (t *Tool) generateBufferedAddressCalculation64(in *disasm.Instruction, blockID, memopID uint32) ([]*disasm.Instruction, error) {
	e := t.engine
	var g codegen.Gen64
	dataAddr := e.InstDataAddress()
	regStore := dataAddr + e.RegStorageOffset()

	temps, err := e.PickTempRegisters(in)
	if err != nil {
		return nil, err
	}
	t1, t2, t3 := temps[0], temps[1], temps[2]
	m := t.memShapeOf(in)

	var out []*disasm.Instruction
	add := func(ins *disasm.Instruction) { out = append(out, ins) }

	// spill the temps to their fixed slots
	add(g.MoveRegToMem(t1, regStore+2*8))
	add(g.MoveRegToMem(t2, regStore+3*8))
	add(g.MoveRegToMem(t3, regStore+4*8))

	if m.hasOperand {
		if m.hasBase && !m.pcRelative {
			add(g.MoveRegToReg(m.base, t1))
			// AX holds flags under lahf/sahf; its real value sits in
			// register-save slot 0
			if m.base == codegen.AX && e.FlagsMethod() == inst.FlagsLight {
				add(g.MoveMemToReg(regStore, t1))
			}
		}
	} else {
		add(g.MoveRegToReg(codegen.SP, t1))
	}

	if m.hasOperand {
		if m.hasIndex {
			add(g.MoveRegToReg(m.index, t2))
			if m.index == codegen.AX && e.FlagsMethod() == inst.FlagsLight {
				add(g.MoveMemToReg(regStore, t2))
			}
		}

		if m.pcRelative {
			add(g.MoveImmToReg(in.Addr, t1))
			add(g.RegAddImm(t1, int64(in.Len)))
		}

		if m.hasBase {
			add(g.RegAddImm(t1, m.disp))
		} else {
			add(g.MoveImmToReg(uint64(m.disp), t1))
		}

		if m.hasIndex {
			scale := m.scale
			if scale == 0 {
				scale = 1
			}
			add(g.RegImmMultReg(t2, scale, t2))
			add(g.RegAddReg2OpForm(t2, t1))
		}
	}

	// locate the next buffer entry
	add(g.MoveImmToReg(dataAddr+t.bufferStore, t2))
	add(g.MoveMemToReg(dataAddr+t.buffPtrStore, t3))
	add(g.ShiftLeftLogical(logBufferEntrySize, t3))
	add(g.RegAddReg2OpForm(t3, t2))
	add(g.ShiftRightLogical(logBufferEntrySize, t3))

	// fill the entry
	add(g.MoveRegToRegAddrImm(t1, t2, 2*4, true))
	add(g.MoveImmToReg(uint64(blockID), t1))
	add(g.MoveRegToRegAddrImm(t1, t2, 0, false))
	add(g.MoveImmToReg(uint64(memopID), t1))
	add(g.MoveRegToRegAddrImm(t1, t2, 4, false))

	// bump the cursor and check for a full buffer
	add(g.RegAddImm(t3, 1))
	add(g.MoveRegToMem(t3, dataAddr+t.buffPtrStore))
	add(g.CompareImmReg(BufferEntries, t3))

	// restore the temps
	add(g.MoveMemToReg(regStore+4*8, t3))
	add(g.MoveMemToReg(regStore+3*8, t2))
	add(g.MoveMemToReg(regStore+2*8, t1))

	add(g.BranchJL(int32(inst.SupportBlockSize(true, len(t.simFunc.Args)))))
	return out, nil
}

// generateBufferedAddressCalculation32 is the 32-bit path. It stores
// only the effective address; whether AX is reloaded from its save
// slot under light flags protection is configurable.
func (t *Tool) generateBufferedAddressCalculation32(in *disasm.Instruction, blockID, memopID uint32) ([]*disasm.Instruction, error) {
	e := t.engine
	var g codegen.Gen32
	dataAddr := e.InstDataAddress()
	regStore := dataAddr + e.RegStorageOffset()

	temps, err := e.PickTempRegisters(in)
	if err != nil {
		return nil, err
	}
	t1, t2, t3 := temps[0], temps[1], temps[2]
	m := t.memShapeOf(in)

	var out []*disasm.Instruction
	add := func(ins *disasm.Instruction) { out = append(out, ins) }

	add(g.MoveRegToMem(t1, regStore+2*8))
	add(g.MoveRegToMem(t2, regStore+3*8))
	add(g.MoveRegToMem(t3, regStore+4*8))

	if m.hasOperand {
		if m.hasBase && !m.pcRelative {
			add(g.MoveRegToReg(m.base, t1))
			if m.base == codegen.AX && e.FlagsMethod() == inst.FlagsLight && e.Reload32BitAX() {
				add(g.MoveMemToReg(regStore, t1))
			}
		}
		if m.hasIndex {
			add(g.MoveRegToReg(m.index, t2))
			if m.index == codegen.AX && e.FlagsMethod() == inst.FlagsLight && e.Reload32BitAX() {
				add(g.MoveMemToReg(regStore, t2))
			}
		}

		if m.pcRelative {
			add(g.MoveImmToReg(uint32(in.Addr), t1))
			add(g.RegAddImm(t1, int64(in.Len)))
		}

		if m.hasBase {
			add(g.RegAddImm(t1, m.disp))
		} else {
			add(g.MoveImmToReg(uint32(m.disp), t1))
		}

		if m.hasIndex {
			scale := m.scale
			if scale == 0 {
				scale = 1
			}
			add(g.RegImm1ByteMultReg(t2, scale, t2))
			add(g.RegAddReg2OpForm(t2, t1))
		}
	} else {
		add(g.MoveRegToReg(codegen.SP, t1))
	}

	add(g.MoveImmToReg(uint32(dataAddr+t.bufferStore), t2))
	add(g.MoveMemToReg(dataAddr+t.buffPtrStore, t3))
	add(g.ShiftLeftLogical(logBufferEntrySize, t3))
	add(g.RegAddReg2OpForm(t3, t2))
	add(g.ShiftRightLogical(logBufferEntrySize, t3))
	add(g.MoveRegToRegAddrImm(t1, t2, 0))

	add(g.RegAddImm(t3, 1))
	add(g.MoveRegToMem(t3, dataAddr+t.buffPtrStore))
	add(g.CompareImmReg(BufferEntries, t3))

	add(g.MoveMemToReg(regStore+4*8, t3))
	add(g.MoveMemToReg(regStore+3*8, t2))
	add(g.MoveMemToReg(regStore+2*8, t1))

	add(g.BranchJL(int32(inst.SupportBlockSize(false, len(t.simFunc.Args)))))
	return out, nil
}
