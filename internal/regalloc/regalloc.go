// Package regalloc assigns every SSA binding either to a general purpose
// register, to the zero register, or to a stack slot, and records the
// bookkeeping the code generator needs: callee-saved usage per function,
// post-call moves out of r0, condition-flag carriers, and spills.
//
// The scheme is a per-block linear scan over bindings in definition order,
// with φ-coalescing hints providing cross-block coherence and a
// longest-lived-first eviction rule when the register file runs dry.
package regalloc

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tracc-lang/tracc/internal/asm"
	"github.com/tracc-lang/tracc/internal/ir"
	"github.com/tracc-lang/tracc/internal/ir/analysis"
)

var log = logrus.WithField("component", "regalloc")

// RegisterMap is the final binding-to-register assignment.
type RegisterMap map[ir.Binding]asm.RegisterID

// CodegenHints is everything the code generator needs from allocation.
type CodegenHints struct {
	// Registers is the assignment for every binding the allocator saw.
	Registers RegisterMap
	// CalleeSavedPerFunction lists, per function, the callee-saved
	// registers the allocation actually uses, sorted and deduplicated.
	CalleeSavedPerFunction [][]asm.RegisterID
	// NeedMoveFromR0 holds call results that are live across another call
	// and therefore must move out of r0 right after their call.
	NeedMoveFromR0 mapset.Set[ir.Binding]
	// NeedMoveToReturnReg would hold returned bindings that could not be
	// given r0. Nothing populates it yet; the code generator emits the move
	// itself when returning from a non-r0 register.
	NeedMoveToReturnReg mapset.Set[ir.Binding]
	// SaveUponCall holds call-crossing bindings that did not fit a
	// callee-saved register: the code generator must preserve them around
	// calls itself.
	SaveUponCall mapset.Set[ir.Binding]
	// CompletelySpilled holds the bindings that could not keep a register.
	CompletelySpilled mapset.Set[ir.Binding]
	// StoresCondition maps flag-carrier bindings to the condition they
	// hold; they never get a register.
	StoresCondition map[ir.Binding]asm.Condition
}

func newCodegenHints(functions int) *CodegenHints {
	return &CodegenHints{
		Registers:              RegisterMap{},
		CalleeSavedPerFunction: make([][]asm.RegisterID, functions),
		NeedMoveFromR0:         ir.NewBindingSet(),
		NeedMoveToReturnReg:    ir.NewBindingSet(),
		SaveUponCall:           ir.NewBindingSet(),
		CompletelySpilled:      ir.NewBindingSet(),
	}
}

// Register search orders. In the class order the caller-saved scratch
// registers come before the callee-saved r19..r28, and the trailing r9..r15
// range only adds r15, since r9..r14 already appear in the first range.
// firstFree reorders candidates by occupancy, so an ordinary binding can
// still land in r19..r28 once such a register has hosted a binding.
var (
	standardOrder         = gprRange(0, 14, 16, 30, 9, 15)
	callCrossingFallback  = gprRange(0, 14, 16, 30)
	calleeSavedCandidates = gprRange(asm.CalleeSavedBegin, asm.CalleeSavedEnd)
)

// gprRange builds the concatenation of inclusive index ranges given as
// (lo, hi) pairs.
func gprRange(bounds ...int) []asm.RegisterID {
	var out []asm.RegisterID
	for i := 0; i < len(bounds); i += 2 {
		for r := bounds[i]; r <= bounds[i+1]; r++ {
			out = append(out, asm.Gpr(uint8(r)))
		}
	}
	return out
}

// allocator holds the working state of one allocation run. The per-block
// pieces (active, used) reset between blocks; occupancy spans the run and
// feeds the packing heuristic.
type allocator struct {
	out             *CodegenHints
	fromPhiNode     map[ir.Binding]mapset.Set[ir.Binding]
	isPhiNodeWith   map[ir.Binding]mapset.Set[ir.Binding]
	usedThroughCall mapset.Set[ir.Binding]

	// active is the set of live bindings, ordered by ascending local end.
	active []ir.Binding
	// used counts the active bindings referencing each register; more than
	// one means a φ-coalesced family shares it.
	used map[asm.RegisterID]int
	// occupancy counts how many bindings each register has hosted so far;
	// candidates with the fullest bucket are preferred to pack tightly.
	occupancy map[asm.RegisterID]int

	// candidates is scratch for the occupancy sort.
	candidates []asm.RegisterID
}

// Alloc runs register allocation over the whole IR and returns the hints
// the code generator consumes. Invariant violations (ambiguous or
// disagreeing φ hint sets, blocks outside any function span) surface as
// errors alongside the partial result.
func Alloc(input *ir.IR, hints *Hints) (out *CodegenHints, err error) {
	out = newCodegenHints(len(input.FunctionEntrypoints))
	// Internal "BUG:" panics leave the allocator as an error next to the
	// partial result.
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("register allocation failed: %v", r)
		}
	}()
	out.StoresCondition = analysis.UsedFlags(input)

	if locked := ir.SortedBindings(hints.lockedPhiNodes); len(locked) > 0 {
		return out, errors.Errorf("ambiguous φ operand sets for %v", locked)
	}

	blockLifetimes, err := analysis.MakeSortedLifetimes(input)
	if err != nil {
		return out, err
	}

	usedThroughCall := findUsedThroughCall(input, blockLifetimes)
	log.WithField("bindings", ir.SortedBindings(usedThroughCall)).
		Trace("found bindings used through calls")

	// Stack cells produced by Allocate never touch the register file.
	for _, b := range ir.SortedBindings(hints.InMemory) {
		out.Registers[b] = asm.StackPointer
	}

	// Zero constants read the zero register, unless a φ needs them
	// coalesced with their siblings or they already live in memory.
	for _, b := range ir.SortedBindings(hints.Zeroes) {
		if hints.isPhiParticipant(b) || hints.InMemory.Contains(b) {
			continue
		}
		out.Registers[b] = asm.ZeroRegister
	}

	// Call results stay in r0 unless they are live across another call, in
	// which case they are allocated as ordinary bindings and moved out of
	// r0 right after their call.
	for _, b := range ir.SortedBindings(hints.ReturnedFromCall) {
		if !usedThroughCall.Contains(b) {
			out.Registers[b] = asm.Gpr(0)
		}
	}

	a := &allocator{
		out:             out,
		fromPhiNode:     hints.FromPhiNode,
		isPhiNodeWith:   hints.IsPhiNodeWith,
		usedThroughCall: usedThroughCall,
		used:            map[asm.RegisterID]int{},
		occupancy:       map[asm.RegisterID]int{},
	}
	for i := range blockLifetimes {
		bl := &blockLifetimes[i]
		fn, ok := input.FunctionOf(bl.Block)
		if !ok {
			return out, errors.Errorf("block %v belongs to no function", bl.Block)
		}
		if err := a.allocBlock(bl, fn); err != nil {
			return out, errors.Wrapf(err, "allocating %v", bl.Block)
		}
	}

	for i, saved := range out.CalleeSavedPerFunction {
		out.CalleeSavedPerFunction[i] = sortedDedup(saved)
	}

	for _, b := range ir.SortedBindings(hints.ReturnedFromCall) {
		if usedThroughCall.Contains(b) {
			out.NeedMoveFromR0.Add(b)
		}
	}
	return out, nil
}

// findUsedThroughCall collects the bindings whose interval strictly spans a
// call statement in the call's own block.
func findUsedThroughCall(input *ir.IR, blockLifetimes []analysis.BlockLifetimes) mapset.Set[ir.Binding] {
	out := ir.NewBindingSet()
	for _, addr := range analysis.CallAddresses(input) {
		bl := &blockLifetimes[addr.Block]
		for _, b := range bl.OrderedByStart {
			// A live-in binding's start of 0 is not a definition: it is
			// alive across a call at statement 0 as well.
			starts := bl.Starts[b]
			if (starts < addr.Statement || (starts == addr.Statement && bl.LiveIn[b])) &&
				bl.Ends[b] > addr.Statement {
				out.Add(b)
			}
		}
	}
	return out
}

// allocBlock runs the linear scan over one block's bindings in start order.
func (a *allocator) allocBlock(bl *analysis.BlockLifetimes, function int) error {
	a.active = a.active[:0]
	for r := range a.used {
		delete(a.used, r)
	}

	for _, binding := range bl.OrderedByStart {
		start := bl.Starts[binding]
		a.expire(bl, start)

		// Flag carriers are materialized from the CPU flags; allocating
		// nothing here means codegen will fail loudly if one ever needs a
		// register after all.
		if _, isFlag := a.out.StoresCondition[binding]; isFlag {
			log.Tracef("%v carries a flag, skipping", binding)
			continue
		}

		// A binding can already have a home: pre-pinned r0, a stack cell, a
		// zero constant, or a register adopted through a φ in an earlier
		// block. Just extend its local life.
		if reg, ok := a.out.Registers[binding]; ok {
			log.Tracef("%v already allocated to %v", binding, reg)
			a.used[reg]++
			a.activate(bl, binding)
			continue
		}

		chosen, err := a.phiHint(binding)
		if err != nil {
			return err
		}

		if chosen == registerInvalid {
			chosen = a.findFree(binding, function)
		}
		if chosen == registerInvalid {
			chosen = a.evictForSpill(bl, binding)
		}
		if chosen == registerInvalid {
			log.Tracef("no register for %v, spilling it", binding)
			a.out.CompletelySpilled.Add(binding)
			a.out.Registers[binding] = asm.StackPointer
			continue
		}

		log.Tracef("found register %v for %v", chosen, binding)
		a.out.Registers[binding] = chosen
		if chosen.IsCalleeSaved() {
			a.out.CalleeSavedPerFunction[function] = append(a.out.CalleeSavedPerFunction[function], chosen)
		}
		a.used[chosen]++
		a.activate(bl, binding)
	}
	return nil
}

// registerInvalid is a sentinel outside every valid RegisterID.
const registerInvalid = asm.RegisterID(0xff)

// expire drops from the active set every binding whose interval ended
// before start, releasing its register reference.
func (a *allocator) expire(bl *analysis.BlockLifetimes, start int) {
	kept := a.active[:0]
	for _, other := range a.active {
		if bl.Ends[other] >= start {
			kept = append(kept, other)
			continue
		}
		log.Tracef("dropping %v", other)
		reg := a.out.Registers[other]
		if a.used[reg] <= 1 {
			delete(a.used, reg)
		} else {
			a.used[reg]--
		}
	}
	a.active = kept
}

// activate inserts the binding into the active set keeping it sorted by
// ascending end; ties resolve by binding identity.
func (a *allocator) activate(bl *analysis.BlockLifetimes, binding ir.Binding) {
	end := bl.Ends[binding]
	at := len(a.active)
	for i, other := range a.active {
		if bl.Ends[other] > end || (bl.Ends[other] == end && other > binding) {
			at = i
			break
		}
	}
	a.active = append(a.active, 0)
	copy(a.active[at+1:], a.active[at:])
	a.active[at] = binding
}

// phiHint consults the two φ views. An operand adopts the single register
// its already-allocated siblings agree on; a destination requires all of
// its operands allocated and agreeing. Disagreement means an earlier pass
// broke the coalescing invariant.
func (a *allocator) phiHint(binding ir.Binding) (asm.RegisterID, error) {
	if siblings, ok := a.isPhiNodeWith[binding]; ok {
		delete(a.isPhiNodeWith, binding)
		regs := a.allocatedRegistersOf(siblings)
		switch len(regs) {
		case 0:
			// No sibling placed yet; fall through to the other hints.
		case 1:
			log.Tracef("adopting %v for %v through φ edges", regs[0], binding)
			return regs[0], nil
		default:
			return registerInvalid, errors.Errorf(
				"φ operands around %v disagree on a register: %v", binding, regs)
		}
	}
	if operands, ok := a.fromPhiNode[binding]; ok {
		delete(a.fromPhiNode, binding)
		regs := a.allocatedRegistersOf(operands)
		allocated := 0
		for _, op := range ir.SortedBindings(operands) {
			if _, ok := a.out.Registers[op]; ok {
				allocated++
			}
		}
		if allocated != operands.Cardinality() {
			return registerInvalid, errors.Errorf(
				"φ destination %v reached before all of its operands were placed", binding)
		}
		if len(regs) != 1 {
			return registerInvalid, errors.Errorf(
				"operands of φ destination %v disagree on a register: %v", binding, regs)
		}
		log.Tracef("adopting %v for φ destination %v", regs[0], binding)
		return regs[0], nil
	}
	return registerInvalid, nil
}

// allocatedRegistersOf returns the distinct registers already assigned to
// the given bindings, in ascending register order.
func (a *allocator) allocatedRegistersOf(bindings mapset.Set[ir.Binding]) []asm.RegisterID {
	seen := map[asm.RegisterID]struct{}{}
	var out []asm.RegisterID
	for _, b := range ir.SortedBindings(bindings) {
		if reg, ok := a.out.Registers[b]; ok {
			if _, dup := seen[reg]; !dup {
				seen[reg] = struct{}{}
				out = append(out, reg)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// findFree searches the register file. Call-crossing bindings prefer the
// callee-saved window; when that is full they take a caller-saved register
// and are flagged for save/restore around calls.
func (a *allocator) findFree(binding ir.Binding, function int) asm.RegisterID {
	if a.usedThroughCall.Contains(binding) {
		log.Tracef("%v is used through a call", binding)
		if reg := a.firstFree(calleeSavedCandidates); reg != registerInvalid {
			return reg
		}
		if reg := a.firstFree(callCrossingFallback); reg != registerInvalid {
			a.out.SaveUponCall.Add(binding)
			return reg
		}
		return registerInvalid
	}
	return a.firstFree(standardOrder)
}

// firstFree returns the first unused candidate, preferring the registers
// that have hosted the most bindings so far (ties keep the class order).
func (a *allocator) firstFree(order []asm.RegisterID) asm.RegisterID {
	a.candidates = append(a.candidates[:0], order...)
	sort.SliceStable(a.candidates, func(i, j int) bool {
		return a.occupancy[a.candidates[i]] > a.occupancy[a.candidates[j]]
	})
	for _, reg := range a.candidates {
		if _, taken := a.used[reg]; !taken {
			a.occupancy[reg]++
			return reg
		}
	}
	return registerInvalid
}

// evictForSpill frees a register by spilling the active binding that lives
// the longest, provided it outlives the incoming binding and owns its
// register alone. Returns the freed register, or the sentinel when the
// incoming binding is the better spill victim.
func (a *allocator) evictForSpill(bl *analysis.BlockLifetimes, binding ir.Binding) asm.RegisterID {
	for i := len(a.active) - 1; i >= 0; i-- {
		victim := a.active[i]
		reg := a.out.Registers[victim]
		if !reg.IsGpr() || a.used[reg] != 1 {
			continue
		}
		if bl.Ends[victim] <= bl.Ends[binding] {
			return registerInvalid
		}
		log.Tracef("spilling %v in favor of %v", victim, binding)
		a.active = append(a.active[:i], a.active[i+1:]...)
		delete(a.used, reg)
		a.out.CompletelySpilled.Add(victim)
		a.out.Registers[victim] = asm.StackPointer
		return reg
	}
	return registerInvalid
}

// sortedDedup sorts a register list ascending and removes duplicates.
func sortedDedup(regs []asm.RegisterID) []asm.RegisterID {
	if len(regs) == 0 {
		return regs
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	out := regs[:1]
	for _, r := range regs[1:] {
		if r != out[len(out)-1] {
			out = append(out, r)
		}
	}
	return out
}
