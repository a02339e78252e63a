package text

import (
	"sort"

	"go.uber.org/zap"

	"github.com/amoghavs/pebil/disasm"
)

// FlowGraph is the control-flow graph of one function.
type FlowGraph struct {
	Blocks []*Block
	Loops  []*Loop
}

// Loop is a natural loop: the header dominates every member block.
type Loop struct {
	Head   int
	Blocks []int
	Depth  int
}

// buildCFG splits the linear instruction sequence at address anchors
// and wires predecessor/successor edges. An anchor landing inside a
// decoded instruction is reported and dropped; the surrounding address
// is flagged non-instrumentable.
func buildCFG(o *Object, insns []*disasm.Instruction, log *zap.Logger) *FlowGraph {
	o.nonInstrumentable = make(map[uint64]bool)

	starts := make(map[uint64]int, len(insns))
	for i, in := range insns {
		starts[in.Addr] = i
	}

	// Address anchors: function entry, direct branch targets,
	// fall-through of every control transfer.
	anchors := map[uint64]bool{o.Base: true}
	addAnchor := func(addr uint64, from *disasm.Instruction) {
		if !o.InRange(addr) {
			return
		}
		if _, ok := starts[addr]; !ok {
			log.Warn("branch target inside instruction",
				zap.String("function", o.Name),
				zap.Uint64("target", addr),
				zap.Uint64("branch", from.Addr))
			o.nonInstrumentable[addr] = true
			for _, in := range insns {
				if in.Addr < addr && addr < in.NextAddress() {
					o.nonInstrumentable[in.Addr] = true
				}
			}
			return
		}
		anchors[addr] = true
	}
	for _, in := range insns {
		if !in.IsControl() {
			continue
		}
		if target, ok := in.BranchTarget(); ok {
			addAnchor(target, in)
		}
		addAnchor(in.NextAddress(), in)
	}

	// Split at anchors.
	var blocks []*Block
	var cur *Block
	for _, in := range insns {
		if cur == nil || anchors[in.Addr] {
			cur = &Block{Kind: BlockBasic, Index: len(blocks), Base: in.Addr}
			blocks = append(blocks, cur)
		}
		cur.Insns = append(cur.Insns, in)
	}

	blockAt := make(map[uint64]int, len(blocks))
	for i, b := range blocks {
		blockAt[b.Base] = i
	}

	// Successor edges from each block's last instruction.
	for i, b := range blocks {
		last := b.Insns[len(b.Insns)-1]
		link := func(addr uint64) {
			if j, ok := blockAt[addr]; ok {
				b.Succs = append(b.Succs, j)
			}
		}
		switch {
		case last.IsReturn():
			// no successors
		case last.IsUncondJump():
			if target, ok := last.BranchTarget(); ok {
				link(target)
			}
		case last.IsCondBranch():
			if target, ok := last.BranchTarget(); ok {
				link(target)
			}
			link(last.NextAddress())
		case last.IsCall():
			link(last.NextAddress())
		default:
			if i+1 < len(blocks) {
				b.Succs = append(b.Succs, i+1)
			}
		}
	}
	for i, b := range blocks {
		for _, s := range b.Succs {
			blocks[s].Preds = append(blocks[s].Preds, i)
		}
	}

	g := &FlowGraph{Blocks: blocks}
	g.buildLoops()
	return g
}

// dominators computes the dominator sets over the graph with entry
// block 0, by iteration to a fixed point.
func (g *FlowGraph) dominators() [][]bool {
	n := len(g.Blocks)
	dom := make([][]bool, n)
	for i := range dom {
		dom[i] = make([]bool, n)
		if i == 0 {
			dom[0][0] = true
			continue
		}
		for j := range dom[i] {
			dom[i][j] = true
		}
	}

	changed := true
	for changed {
		changed = false
		for i := 1; i < n; i++ {
			next := make([]bool, n)
			first := true
			for _, p := range g.Blocks[i].Preds {
				if first {
					copy(next, dom[p])
					first = false
					continue
				}
				for j := range next {
					next[j] = next[j] && dom[p][j]
				}
			}
			if first {
				// unreachable from entry
				for j := range next {
					next[j] = false
				}
			}
			next[i] = true
			for j := range next {
				if next[j] != dom[i][j] {
					dom[i] = next
					changed = true
					break
				}
			}
		}
	}
	return dom
}

// buildLoops finds back-edges (edge u->v where v dominates u), forms
// the natural loop of each, and records per-block nesting depth.
func (g *FlowGraph) buildLoops() {
	if len(g.Blocks) == 0 {
		return
	}
	dom := g.dominators()

	for u, b := range g.Blocks {
		for _, v := range b.Succs {
			if !dom[u][v] {
				continue
			}
			// natural loop of back edge u->v: v plus everything that
			// reaches u without passing through v.
			in := map[int]bool{v: true}
			stack := []int{u}
			for len(stack) > 0 {
				x := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if in[x] {
					continue
				}
				in[x] = true
				stack = append(stack, g.Blocks[x].Preds...)
			}
			members := make([]int, 0, len(in))
			for x := range in {
				members = append(members, x)
			}
			sort.Ints(members)
			g.Loops = append(g.Loops, &Loop{Head: v, Blocks: members})
		}
	}

	for _, l := range g.Loops {
		for _, x := range l.Blocks {
			g.Blocks[x].LoopDepth++
		}
	}
	for _, l := range g.Loops {
		l.Depth = g.Blocks[l.Head].LoopDepth
	}
}

// MemoryOps counts the explicit memory operations in the graph.
func (g *FlowGraph) MemoryOps() int {
	n := 0
	for _, b := range g.Blocks {
		for _, in := range b.Insns {
			if in.IsMemoryOperation() {
				n++
			}
		}
	}
	return n
}
