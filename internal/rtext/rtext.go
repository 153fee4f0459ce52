// Package rtext implements a replicated text sequence: an RGA-style
// CRDT over runs of characters. Replicas that apply the same set of
// operations converge to the same string, in any causally-consistent
// delivery order.
//
// Each inserted run carries a unique HLC id; character i of a run has
// the implicit id run.ID advanced by i logical steps. A run anchors to
// the id of the character preceding the insertion point (zero id at
// document start). Document order is a pure function of the run set: a
// character-granular walk in which siblings under the same anchor are
// visited newest id first. Deletions tombstone character id ranges with
// a last-writer-wins stamp and never remove runs, so anchors stay
// resolvable forever.
package rtext

import (
	"strings"

	"easel/collab/internal/hlc"
)

// Run is a contiguous insertion of characters sharing one origin.
// Stamp records the newest delete/revive that touched the run, for
// last-writer-wins resolution of the tombstone flag.
type Run struct {
	ID      hlc.HLC `json:"id"`
	Prev    hlc.HLC `json:"p"`
	Value   string  `json:"v"`
	Deleted bool    `json:"d,omitempty"`
	Stamp   hlc.HLC `json:"s"`
}

func (r Run) runeLen() int {
	return len([]rune(r.Value))
}

// OpKind identifies a replicated operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpRevive OpKind = "revive"
)

// Op is a single replicated operation on a sequence. Insert carries a
// run; delete and revive address a contiguous character id range and
// carry a resolution stamp.
type Op struct {
	Kind   OpKind  `json:"k"`
	Run    *Run    `json:"r,omitempty"`
	Target hlc.HLC `json:"t"`
	Length int     `json:"n,omitempty"`
	Stamp  hlc.HLC `json:"ts"`
}

// Invert returns the operation that undoes op, stamped for resolution.
// Inverting an insert tombstones its characters rather than removing
// them, so a later redo is a revive of the same ids.
func Invert(op Op, stamp hlc.HLC) Op {
	switch op.Kind {
	case OpInsert:
		return Op{Kind: OpDelete, Target: op.Run.ID, Length: op.Run.runeLen(), Stamp: stamp}
	case OpDelete:
		return Op{Kind: OpRevive, Target: op.Target, Length: op.Length, Stamp: stamp}
	default:
		return Op{Kind: OpDelete, Target: op.Target, Length: op.Length, Stamp: stamp}
	}
}

// MaxID returns the highest character id an operation mentions, so
// clocks can be advanced past everything a remote batch contains.
func (op Op) MaxID() hlc.HLC {
	if op.Kind == OpInsert && op.Run != nil {
		return op.Run.ID.Add(op.Run.runeLen() - 1)
	}
	id := op.Target.Add(op.Length - 1)
	if op.Stamp.After(id) {
		return op.Stamp
	}
	return id
}

// Text is one replicated text sequence. It is not synchronized; the
// owning document serializes access.
type Text struct {
	runs []Run

	// materialization cache, invalidated on every mutation
	dirty   bool
	visible []hlc.HLC
	value   string
}

// New returns an empty sequence.
func New() *Text {
	return &Text{dirty: true}
}

// FromRuns rebuilds a sequence from a persisted run set.
func FromRuns(runs []Run) *Text {
	t := New()
	t.runs = append(t.runs, runs...)
	return t
}

// Runs returns a copy of the stored run set for persistence.
func (t *Text) Runs() []Run {
	out := make([]Run, len(t.runs))
	copy(out, t.runs)
	return out
}

// String returns the visible text.
func (t *Text) String() string {
	t.materialize()
	return t.value
}

// Len returns the visible length in runes.
func (t *Text) Len() int {
	t.materialize()
	return len(t.visible)
}

// Insert applies a local insertion of value at visible rune position
// pos (clamped to the text length) and returns the operations to
// broadcast. Empty insertions return nil.
func (t *Text) Insert(pos int, value string, clock *hlc.Clock) []Op {
	if value == "" {
		return nil
	}
	t.materialize()

	if pos < 0 {
		pos = 0
	}
	if pos > len(t.visible) {
		pos = len(t.visible)
	}

	var anchor hlc.HLC
	if pos > 0 {
		anchor = t.visible[pos-1]
	}

	run := Run{
		ID:    clock.Reserve(len([]rune(value))),
		Prev:  anchor,
		Value: value,
	}
	op := Op{Kind: OpInsert, Run: &run}
	t.Apply(op)
	return []Op{op}
}

// Delete tombstones n visible runes starting at pos and returns the
// operations to broadcast. Ranges outside the text are clamped.
func (t *Text) Delete(pos, n int, clock *hlc.Clock) []Op {
	t.materialize()

	if pos < 0 {
		n += pos
		pos = 0
	}
	if pos >= len(t.visible) || n <= 0 {
		return nil
	}
	if pos+n > len(t.visible) {
		n = len(t.visible) - pos
	}

	stamp := clock.Now()

	// Group the doomed character ids into contiguous ranges so one op
	// covers a whole typed run.
	var ops []Op
	start := t.visible[pos]
	length := 1
	for i := pos + 1; i < pos+n; i++ {
		if t.visible[i] == start.Add(length) {
			length++
			continue
		}
		ops = append(ops, Op{Kind: OpDelete, Target: start, Length: length, Stamp: stamp})
		start = t.visible[i]
		length = 1
	}
	ops = append(ops, Op{Kind: OpDelete, Target: start, Length: length, Stamp: stamp})

	for _, op := range ops {
		t.Apply(op)
	}
	return ops
}

// Apply integrates a local or remote operation. It reports whether the
// visible state may have changed; duplicate inserts and out-of-date
// tombstone flips are no-ops, so redelivery is harmless.
func (t *Text) Apply(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if op.Run == nil || op.Run.Value == "" {
			return false
		}
		if t.contains(op.Run.ID) {
			return false
		}
		t.runs = append(t.runs, *op.Run)
		t.dirty = true
		return true
	case OpDelete:
		return t.setDeleted(op.Target, op.Length, true, op.Stamp)
	case OpRevive:
		return t.setDeleted(op.Target, op.Length, false, op.Stamp)
	}
	return false
}

// contains reports whether the character id is already stored, under
// any of the run pieces it may have been split into.
func (t *Text) contains(id hlc.HLC) bool {
	for _, run := range t.runs {
		if run.ID.NodeID != id.NodeID || run.ID.WallTime != id.WallTime {
			continue
		}
		if id.Logical >= run.ID.Logical && id.Logical < run.ID.Logical+int32(run.runeLen()) {
			return true
		}
	}
	return false
}

// setDeleted applies a stamped tombstone flip to a contiguous character
// id range. Overlapping runs are split exactly at the range boundaries;
// each affected piece takes the new flag only when the op's stamp is
// newer than the piece's own, which keeps concurrent delete/revive
// resolution order-independent.
func (t *Text) setDeleted(target hlc.HLC, length int, deleted bool, stamp hlc.HLC) bool {
	if length <= 0 {
		return false
	}
	lo := target.Logical
	hi := target.Logical + int32(length)

	changed := false
	out := make([]Run, 0, len(t.runs)+2)
	for _, run := range t.runs {
		runLo := run.ID.Logical
		runHi := runLo + int32(run.runeLen())
		if run.ID.NodeID != target.NodeID || run.ID.WallTime != target.WallTime ||
			runHi <= lo || runLo >= hi {
			out = append(out, run)
			continue
		}

		runes := []rune(run.Value)
		from := lo
		if runLo > from {
			from = runLo
		}
		to := hi
		if runHi < to {
			to = runHi
		}

		if from > runLo {
			out = append(out, Run{
				ID:      run.ID,
				Prev:    run.Prev,
				Value:   string(runes[:from-runLo]),
				Deleted: run.Deleted,
				Stamp:   run.Stamp,
			})
		}

		mid := Run{
			ID:      run.ID.Add(int(from - runLo)),
			Prev:    piecePrev(run, int(from-runLo)),
			Value:   string(runes[from-runLo : to-runLo]),
			Deleted: run.Deleted,
			Stamp:   run.Stamp,
		}
		if stamp.After(mid.Stamp) {
			if mid.Deleted != deleted {
				changed = true
			}
			mid.Deleted = deleted
			mid.Stamp = stamp
		}
		out = append(out, mid)

		if to < runHi {
			out = append(out, Run{
				ID:      run.ID.Add(int(to - runLo)),
				Prev:    piecePrev(run, int(to-runLo)),
				Value:   string(runes[to-runLo:]),
				Deleted: run.Deleted,
				Stamp:   run.Stamp,
			})
		}
	}

	t.runs = out
	if changed {
		t.dirty = true
	}
	return changed
}

// piecePrev returns the anchor for the piece of run starting at rune
// offset: the id of the character immediately before it.
func piecePrev(run Run, offset int) hlc.HLC {
	if offset == 0 {
		return run.Prev
	}
	return run.ID.Add(offset - 1)
}

// materialize rebuilds the visible character list and string from the
// run set. Order is deterministic: depth-first from the zero anchor,
// siblings newest first, each character followed by its descendants.
func (t *Text) materialize() {
	if !t.dirty {
		return
	}

	children := make(map[hlc.HLC][]int, len(t.runs))
	for i, run := range t.runs {
		children[run.Prev] = append(children[run.Prev], i)
	}
	for _, idxs := range children {
		sortRunIndexes(t.runs, idxs)
	}

	var b strings.Builder
	visible := t.visible[:0]

	type frame struct {
		anchor hlc.HLC
		next   int // next sibling index within children[anchor]
		runIdx int // -1 while picking a sibling, else run being emitted
		char   int // next rune offset within that run
		runes  []rune
	}

	stack := []frame{{anchor: hlc.HLC{}, runIdx: -1}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]

		if f.runIdx == -1 {
			sibs := children[f.anchor]
			if f.next >= len(sibs) {
				stack = stack[:len(stack)-1]
				continue
			}
			f.runIdx = sibs[f.next]
			f.next++
			f.char = 0
			f.runes = []rune(t.runs[f.runIdx].Value)
		}

		if f.char >= len(f.runes) {
			f.runIdx = -1
			continue
		}

		run := t.runs[f.runIdx]
		id := run.ID.Add(f.char)
		if !run.Deleted {
			b.WriteRune(f.runes[f.char])
			visible = append(visible, id)
		}
		f.char++
		// Descendants anchored at this character come before the run's
		// next character.
		if len(children[id]) > 0 {
			stack = append(stack, frame{anchor: id, runIdx: -1})
		}
	}

	t.visible = visible
	t.value = b.String()
	t.dirty = false
}

// sortRunIndexes orders sibling runs newest id first, in place.
func sortRunIndexes(runs []Run, idxs []int) {
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0 && runs[idxs[j]].ID.After(runs[idxs[j-1]].ID); j-- {
			idxs[j], idxs[j-1] = idxs[j-1], idxs[j]
		}
	}
}
