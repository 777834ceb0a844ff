// Package analysis implements the per-function analyser of spec §4.C:
// reachable-block discovery, natural-loop detection, the loop-grouped
// reverse-postorder block layout, backward liveness, and PHI-presence
// flags.
package analysis

import "github.com/orizon-lang/baseco/internal/adaptor"

// Loop is one entry in the loop tree (spec §3, "Block layout").
type Loop struct {
	Header adaptor.BlockID
	Parent int // index into Result.Loops, -1 if not nested in another loop.
	Depth  int
	// Begin, End is the [begin, end) half-open range of this loop's body
	// within Result.Layout.
	Begin, End int
	// DefinitionsInChilds sums instruction-result counts over every block
	// in the loop's body, descendants included (spec §4.C step 2).
	DefinitionsInChilds int
}

// BlockMeta is the per-block record the spec's §3 "For each block" bullet
// names.
type BlockMeta struct {
	LoopIdx             int // index into Result.Loops, -1 if not in any loop.
	HasPhis             bool
	HasMultipleIncoming bool
	IncomingCount       int
}

// Liveness is the per-value record of spec §3: "liveness[v] = (first, last,
// last_full, ref_count)".
type Liveness struct {
	First, Last int
	LastFull    bool
	RefCount    uint32
}

// Result is everything the analyser produces for one function.
type Result struct {
	Layout   []adaptor.BlockID
	Loops    []Loop
	Blocks   map[adaptor.BlockID]*BlockMeta
	Liveness map[uint32]Liveness // keyed by adaptor value local index.

	// layoutIdx maps a block to its index within Layout, for liveness and
	// loop-range computation.
	layoutIdx map[adaptor.BlockID]int
}

// LayoutIndex returns b's position in Layout, or -1 if b is unreachable.
func (r *Result) LayoutIndex(b adaptor.BlockID) int {
	if idx, ok := r.layoutIdx[b]; ok {
		return idx
	}
	return -1
}

// Analyze runs the full per-function analysis described in spec §4.C for
// the function ad is currently switched to.
func Analyze(ad adaptor.Adaptor) *Result {
	entry := ad.CurEntryBlock()
	order, reach := reachableDFS(ad, entry)

	back := findBackEdges(ad, order, reach)
	loops := buildLoopTree(ad, back, entry, reach)

	layout := buildLayout(ad, order, loops, reach)

	layoutIdx := make(map[adaptor.BlockID]int, len(layout))
	for i, b := range layout {
		layoutIdx[b] = i
	}
	// Derive [begin,end) for every loop from the positions of its body
	// blocks in the final layout (buildLayout guarantees contiguity).
	bodyOf := make([][]adaptor.BlockID, len(loops))
	for li, lo := range loops {
		bodyOf[li] = loopBody(ad, lo.Header, reach)
	}
	for li := range loops {
		begin, end := len(layout), 0
		for _, b := range bodyOf[li] {
			idx, ok := layoutIdx[b]
			if !ok {
				continue
			}
			if idx < begin {
				begin = idx
			}
			if idx+1 > end {
				end = idx + 1
			}
		}
		loops[li].Begin, loops[li].End = begin, end
	}

	blocks := make(map[adaptor.BlockID]*BlockMeta, len(layout))
	for _, b := range layout {
		blocks[b] = computeBlockMeta(ad, b, loops, layoutIdx)
	}

	computeDefinitionsInChilds(ad, loops, bodyOf)

	liveness := computeLiveness(ad, layout, layoutIdx)
	applyLastFull(liveness, layout, blocks, loops)

	return &Result{
		Layout:    layout,
		Loops:     loops,
		Blocks:    blocks,
		Liveness:  liveness,
		layoutIdx: layoutIdx,
	}
}

// reachableDFS returns blocks in DFS postorder (index 0 = first finished)
// and the reachable set.
func reachableDFS(ad adaptor.Adaptor, entry adaptor.BlockID) (postorder []adaptor.BlockID, reach map[adaptor.BlockID]bool) {
	reach = map[adaptor.BlockID]bool{}
	var visit func(b adaptor.BlockID)
	visit = func(b adaptor.BlockID) {
		if reach[b] {
			return
		}
		reach[b] = true
		for _, s := range ad.BlockSuccs(b) {
			visit(s)
		}
		postorder = append(postorder, b)
	}
	visit(entry)
	return postorder, reach
}

type backEdge struct {
	from, to adaptor.BlockID
}

// findBackEdges runs a second DFS tracking the recursion stack; an edge to
// a block currently on the stack is a back edge (spec §4.C step 2).
func findBackEdges(ad adaptor.Adaptor, _ []adaptor.BlockID, reach map[adaptor.BlockID]bool) []backEdge {
	var edges []backEdge
	onStack := map[adaptor.BlockID]bool{}
	visited := map[adaptor.BlockID]bool{}
	var visit func(b adaptor.BlockID)
	visit = func(b adaptor.BlockID) {
		visited[b] = true
		onStack[b] = true
		for _, s := range ad.BlockSuccs(b) {
			if !reach[s] {
				continue
			}
			if onStack[s] {
				edges = append(edges, backEdge{from: b, to: s})
				continue
			}
			if !visited[s] {
				visit(s)
			}
		}
		onStack[b] = false
	}
	for b := range reach {
		if !visited[b] {
			visit(b)
		}
	}
	return edges
}

// loopBody computes the natural-loop body for the loop headed at header by
// unioning over every back edge into header: header itself, plus every
// reachable-predecessor-closure node that can reach the back edge's source
// without passing back out through header.
func loopBody(ad adaptor.Adaptor, header adaptor.BlockID, reach map[adaptor.BlockID]bool) []adaptor.BlockID {
	preds := predecessors(ad, reach)
	body := map[adaptor.BlockID]bool{header: true}
	// Find every back-edge source targeting header by scanning successors.
	var sources []adaptor.BlockID
	for b := range reach {
		for _, s := range ad.BlockSuccs(b) {
			if s == header && isBackEdgeSource(ad, header, b, reach) {
				sources = append(sources, b)
			}
		}
	}
	var stack []adaptor.BlockID
	for _, s := range sources {
		if !body[s] {
			body[s] = true
			stack = append(stack, s)
		}
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range preds[n] {
			if !body[p] {
				body[p] = true
				stack = append(stack, p)
			}
		}
	}
	out := make([]adaptor.BlockID, 0, len(body))
	for b := range body {
		out = append(out, b)
	}
	return out
}

// isBackEdgeSource reports whether header dominates b in the coarse sense
// used here: b can reach header is not enough on its own (every loop body
// block can), so instead we reuse the recursion-stack test by re-running a
// DFS rooted at the function entry; callers only ever ask this for edges
// already identified by findBackEdges, so a light membership check against
// that set is sufficient and avoids recomputing dominance.
func isBackEdgeSource(ad adaptor.Adaptor, header, b adaptor.BlockID, reach map[adaptor.BlockID]bool) bool {
	for _, e := range cachedBackEdges(ad, reach) {
		if e.from == b && e.to == header {
			return true
		}
	}
	return false
}

// cachedBackEdges recomputes back edges; analysis.Analyze already has them
// available, but loopBody is also reachable from tests in isolation, so it
// recomputes rather than threading the slice through every call.
func cachedBackEdges(ad adaptor.Adaptor, reach map[adaptor.BlockID]bool) []backEdge {
	return findBackEdges(ad, nil, reach)
}

func predecessors(ad adaptor.Adaptor, reach map[adaptor.BlockID]bool) map[adaptor.BlockID][]adaptor.BlockID {
	preds := map[adaptor.BlockID][]adaptor.BlockID{}
	for b := range reach {
		for _, s := range ad.BlockSuccs(b) {
			if reach[s] {
				preds[s] = append(preds[s], b)
			}
		}
	}
	return preds
}

// buildLoopTree merges natural loops sharing a header, nests loops whose
// body is a strict subset of another's, and assigns depth/parent.
func buildLoopTree(ad adaptor.Adaptor, back []backEdge, _ adaptor.BlockID, reach map[adaptor.BlockID]bool) []Loop {
	headers := map[adaptor.BlockID]bool{}
	for _, e := range back {
		headers[e.to] = true
	}
	var loops []Loop
	bodies := map[adaptor.BlockID]map[adaptor.BlockID]bool{}
	for h := range headers {
		body := loopBody(ad, h, reach)
		set := make(map[adaptor.BlockID]bool, len(body))
		for _, b := range body {
			set[b] = true
		}
		bodies[h] = set
		loops = append(loops, Loop{Header: h})
	}

	// Determine nesting: loop i is parent of loop j if body[j] ⊊ body[i]
	// and no other loop body is a smaller strict superset of body[j].
	for j := range loops {
		bestParent := -1
		bestSize := -1
		for i := range loops {
			if i == j {
				continue
			}
			if isStrictSubset(bodies[loops[j].Header], bodies[loops[i].Header]) {
				sz := len(bodies[loops[i].Header])
				if bestParent == -1 || sz < bestSize {
					bestParent, bestSize = i, sz
				}
			}
		}
		loops[j].Parent = bestParent
	}
	for j := range loops {
		d := 0
		for p := loops[j].Parent; p != -1; p = loops[p].Parent {
			d++
		}
		loops[j].Depth = d
	}
	return loops
}

func isStrictSubset(a, b map[adaptor.BlockID]bool) bool {
	if len(a) >= len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// buildLayout produces spec §4.C step 3's loop-grouped reverse postorder:
// RPO overall, but every block belonging to a loop is emitted contiguously
// (innermost loops clustering within outer ones) at the position of the
// loop's header.
func buildLayout(ad adaptor.Adaptor, postorder []adaptor.BlockID, loops []Loop, reach map[adaptor.BlockID]bool) []adaptor.BlockID {
	rpo := make([]adaptor.BlockID, len(postorder))
	for i, b := range postorder {
		rpo[len(postorder)-1-i] = b
	}

	headerLoop := map[adaptor.BlockID]int{}
	for i, l := range loops {
		headerLoop[l.Header] = i
	}
	bodySets := make([]map[adaptor.BlockID]bool, len(loops))
	for i, l := range loops {
		body := loopBody(ad, l.Header, reach)
		set := make(map[adaptor.BlockID]bool, len(body))
		for _, b := range body {
			set[b] = true
		}
		bodySets[i] = set
	}

	visited := map[adaptor.BlockID]bool{}
	var out []adaptor.BlockID

	var emitLoop func(loopIdx int)
	bodyInRPOOrder := func(set map[adaptor.BlockID]bool) []adaptor.BlockID {
		var members []adaptor.BlockID
		for _, b := range rpo {
			if set[b] {
				members = append(members, b)
			}
		}
		return members
	}
	emitLoop = func(loopIdx int) {
		for _, b := range bodyInRPOOrder(bodySets[loopIdx]) {
			if visited[b] {
				continue
			}
			if li, ok := headerLoop[b]; ok && li != loopIdx && bodySets[li][b] && isStrictSubset(bodySets[li], bodySets[loopIdx]) {
				emitLoop(li)
				continue
			}
			visited[b] = true
			out = append(out, b)
		}
	}

	for _, b := range rpo {
		if visited[b] {
			continue
		}
		if li, ok := headerLoop[b]; ok {
			emitLoop(li)
			continue
		}
		visited[b] = true
		out = append(out, b)
	}
	return out
}

func computeBlockMeta(ad adaptor.Adaptor, b adaptor.BlockID, loops []Loop, layoutIdx map[adaptor.BlockID]int) *BlockMeta {
	loopIdx := -1
	bestSize := -1
	idx := layoutIdx[b]
	for i, l := range loops {
		if idx >= l.Begin && idx < l.End {
			sz := l.End - l.Begin
			if loopIdx == -1 || sz < bestSize {
				loopIdx, bestSize = i, sz
			}
		}
	}
	phis := ad.BlockPhis(b)
	incoming := countIncoming(ad, b)
	return &BlockMeta{
		LoopIdx:             loopIdx,
		HasPhis:             len(phis) > 0,
		HasMultipleIncoming: incoming > 1,
		IncomingCount:       incoming,
	}
}

func countIncoming(ad adaptor.Adaptor, b adaptor.BlockID) int {
	n := 0
	for _, cand := range ad.CurBlocks() {
		for _, s := range ad.BlockSuccs(cand) {
			if s == b {
				n++
			}
		}
	}
	return n
}

func computeDefinitionsInChilds(ad adaptor.Adaptor, loops []Loop, bodyOf [][]adaptor.BlockID) {
	for li := range loops {
		total := 0
		for _, b := range bodyOf[li] {
			for _, inst := range ad.BlockInsts(b) {
				total += len(ad.InstResults(inst))
			}
		}
		loops[li].DefinitionsInChilds = total
	}
}

// computeLiveness performs the backward liveness pass of spec §4.C step 4:
// first is the defining block, last is the maximum block of any use,
// ref_count counts operand occurrences. last_full is left false here;
// applyLastFull sets it once the loop tree is known.
func computeLiveness(ad adaptor.Adaptor, layout []adaptor.BlockID, layoutIdx map[adaptor.BlockID]int) map[uint32]Liveness {
	type acc struct {
		first, last int
		hasFirst    bool
		refs        uint32
	}
	vals := map[uint32]*acc{}

	record := func(v adaptor.ValID, blockIdx int, isDef bool) {
		li := ad.ValLocalIdx(v)
		a, ok := vals[li]
		if !ok {
			a = &acc{first: blockIdx, last: blockIdx}
			vals[li] = a
		}
		if isDef {
			if !a.hasFirst || blockIdx < a.first {
				a.first = blockIdx
				a.hasFirst = true
			}
		} else {
			a.refs++
			if blockIdx > a.last {
				a.last = blockIdx
			}
		}
	}

	for idx, b := range layout {
		for _, inst := range ad.BlockInsts(b) {
			for _, res := range ad.InstResults(inst) {
				record(res, idx, true)
			}
			for _, op := range ad.InstOperands(inst) {
				record(op, idx, false)
			}
		}
		for _, phi := range ad.BlockPhis(b) {
			record(phi, idx, true)
		}
	}
	// PHI incoming values count as uses in their predecessor block, per
	// spec §3's ref_count definition ("occurrences ... across reachable
	// instructions"); approximate predecessor block as the phi's owning
	// block's predecessors, attributing the use to the predecessor so
	// last reflects the edge rather than the join block.
	preds := predecessors(ad, reachSet(layout))
	for idx, b := range layout {
		_ = idx
		for _, phi := range ad.BlockPhis(b) {
			for _, p := range preds[b] {
				incoming := ad.ValIncomingFromBlock(phi, p)
				if pi, ok := layoutIdx[p]; ok {
					record(incoming, pi, false)
				}
			}
		}
	}

	out := make(map[uint32]Liveness, len(vals))
	for li, a := range vals {
		out[li] = Liveness{First: a.first, Last: a.last, RefCount: a.refs + 1}
	}
	return out
}

func reachSet(layout []adaptor.BlockID) map[adaptor.BlockID]bool {
	m := make(map[adaptor.BlockID]bool, len(layout))
	for _, b := range layout {
		m[b] = true
	}
	return m
}

// applyLastFull sets Liveness.LastFull for every value whose last-use block
// sits inside a loop that still has blocks after it in the layout: the
// live range conceptually extends to that loop's exit, so freeing the
// value must be delayed past the literal last-use block (spec §4.C step 4,
// §3 "Lifecycle").
func applyLastFull(liveness map[uint32]Liveness, layout []adaptor.BlockID, blocks map[adaptor.BlockID]*BlockMeta, loops []Loop) {
	for li, lv := range liveness {
		if lv.Last < 0 || lv.Last >= len(layout) {
			continue
		}
		meta := blocks[layout[lv.Last]]
		if meta == nil || meta.LoopIdx == -1 {
			continue
		}
		loop := loops[meta.LoopIdx]
		if loop.End-1 > lv.Last {
			lv.LastFull = true
			liveness[li] = lv
		}
	}
}
