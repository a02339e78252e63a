package disasm

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// classify maps a decoded instruction to its type bucket. SIMD is
// recognized by vector-register use, x87 by the F-prefixed mnemonic
// family.
func classify(inst *x86asm.Inst) Type {
	switch inst.Op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP,
		x86asm.JS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return TypeCondBranch
	case x86asm.JMP, x86asm.LJMP, x86asm.CALL, x86asm.LCALL,
		x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return TypeBranch
	case x86asm.IN, x86asm.OUT, x86asm.INSB, x86asm.INSD, x86asm.INSW,
		x86asm.OUTSB, x86asm.OUTSD, x86asm.OUTSW:
		return TypeIO
	case x86asm.PREFETCHNTA, x86asm.PREFETCHT0, x86asm.PREFETCHT1,
		x86asm.PREFETCHT2, x86asm.PREFETCHW:
		return TypePrefetch
	case x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSEXIT, x86asm.SYSRET,
		x86asm.INT:
		return TypeSyscall
	case x86asm.RDTSC, x86asm.RDTSCP, x86asm.RDPMC:
		return TypeHWCount
	case 0:
		return TypeUnknown
	}

	if usesVectorRegs(inst) {
		return TypeSimd
	}
	if strings.HasPrefix(inst.Op.String(), "F") {
		return TypeFloat
	}
	return TypeInt
}

func usesVectorRegs(inst *x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		r, ok := arg.(x86asm.Reg)
		if !ok {
			continue
		}
		if (r >= x86asm.X0 && r <= x86asm.X15) || (r >= x86asm.M0 && r <= x86asm.M7) {
			return true
		}
	}
	return false
}
