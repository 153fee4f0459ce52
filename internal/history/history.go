// Package history provides per-field undo/redo scoped to edits made by
// the local participant. Entries are id-addressed operation batches, so
// an undo reverts exactly the characters the local user touched even
// when remote edits have shifted positions since. Remote transactions
// are never captured and never reverted.
package history

import (
	"sync"

	"easel/collab/internal/binding"
	"easel/collab/internal/doc"
	"easel/collab/internal/rtext"
)

// Manager tracks local-origin transactions on one bound sequence.
//
// A manager belongs to the sequence object its binding was attached to
// at construction time. When the binding rebinds (the map entry for its
// id was replaced), the manager tears itself down: the stacks reference
// the old object and are not portable. The owner constructs a fresh
// manager after a rebind.
type Manager struct {
	mu         sync.Mutex
	d          *doc.Doc
	key        string
	origin     string
	undo       [][]rtext.Op
	redo       [][]rtext.Op
	cancelHook func()
	cancelBind func()
	closed     bool
}

// New creates a manager for the given binding. Calling it with a nil
// binding is a construction-order bug and panics.
func New(b *binding.TextBinding) *Manager {
	if b == nil {
		panic("history: manager created before its binding")
	}
	d := b.Doc()
	m := &Manager{
		d:      d,
		key:    b.Key(),
		origin: d.LocalOrigin(),
	}
	m.cancelHook = d.OnTransaction(m.capture)
	m.cancelBind = b.OnRebind(m.Close)
	return m
}

// historyOrigin tags the manager's own undo/redo transactions so they
// are not re-captured as fresh local edits.
func (m *Manager) historyOrigin() string {
	return "history:" + m.key
}

// capture records a committed local-origin transaction touching our
// sequence. Any fresh local edit clears the redo stack.
func (m *Manager) capture(info doc.TxInfo) {
	if info.Origin != m.origin {
		return
	}
	ops := info.Ops[m.key]
	if len(ops) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	batch := make([]rtext.Op, len(ops))
	copy(batch, ops)
	m.undo = append(m.undo, batch)
	m.redo = nil
}

// Undo reverts the most recent captured local edit. No-op when the
// stack is empty or the manager is torn down.
func (m *Manager) Undo() {
	m.mu.Lock()
	if m.closed || len(m.undo) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	m.redo = append(m.redo, batch)
	m.mu.Unlock()

	stamp := m.d.Clock().Now()
	inverse := make([]rtext.Op, 0, len(batch))
	for i := len(batch) - 1; i >= 0; i-- {
		inverse = append(inverse, rtext.Invert(batch[i], stamp))
	}
	m.d.Transact(m.historyOrigin(), func(tx *doc.Tx) {
		tx.ApplyOps(m.key, inverse)
	})
}

// Redo re-applies the most recently undone edit. No-op when the stack
// is empty or the manager is torn down.
func (m *Manager) Redo() {
	m.mu.Lock()
	if m.closed || len(m.redo) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.undo = append(m.undo, batch)
	m.mu.Unlock()

	// Redo is the inverse of the inverse: an undone insert comes back
	// as a revive of the same character ids.
	stamp := m.d.Clock().Now()
	forward := make([]rtext.Op, 0, len(batch))
	for _, op := range batch {
		forward = append(forward, rtext.Invert(rtext.Invert(op, stamp), stamp))
	}
	m.d.Transact(m.historyOrigin(), func(tx *doc.Tx) {
		tx.ApplyOps(m.key, forward)
	})
}

// CanUndo reports whether an undo would have an effect.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && len(m.undo) > 0
}

// CanRedo reports whether a redo would have an effect.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && len(m.redo) > 0
}

// HandleKey implements the edit-field keyboard contract: primary
// modifier+Z is undo, primary modifier+Shift+Z is redo (the primary
// modifier is Cmd on macOS, Ctrl elsewhere; the caller resolves that).
// It reports whether the event was consumed, in which case the caller
// must suppress the default behavior.
func (m *Manager) HandleKey(key string, primary, shift bool) bool {
	if !primary || (key != "z" && key != "Z") {
		return false
	}
	if shift {
		m.Redo()
	} else {
		m.Undo()
	}
	return true
}

// Close tears the manager down: stacks are dropped and no further
// transactions are captured. Called automatically on rebind.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.undo = nil
	m.redo = nil
	cancelHook, cancelBind := m.cancelHook, m.cancelBind
	m.mu.Unlock()
	cancelHook()
	if cancelBind != nil {
		cancelBind()
	}
}
