package history

import (
	"testing"

	"easel/collab/internal/binding"
	"easel/collab/internal/doc"
)

func setup(t *testing.T) (*doc.Doc, *binding.TextBinding, *Manager) {
	t.Helper()
	d := doc.New("a")
	b := binding.New(d, "box1")
	t.Cleanup(b.Close)
	m := New(b)
	t.Cleanup(m.Close)
	return d, b, m
}

func TestUndoRedo(t *testing.T) {
	_, b, m := setup(t)

	b.SetValue("hello")
	b.SetValue("hello world")

	m.Undo()
	if got := b.CurrentValue(); got != "hello" {
		t.Fatalf("after undo got %q, want %q", got, "hello")
	}

	m.Undo()
	if got := b.CurrentValue(); got != "" {
		t.Fatalf("after second undo got %q, want empty", got)
	}

	m.Redo()
	if got := b.CurrentValue(); got != "hello" {
		t.Fatalf("after redo got %q, want %q", got, "hello")
	}

	m.Redo()
	if got := b.CurrentValue(); got != "hello world" {
		t.Fatalf("after second redo got %q, want %q", got, "hello world")
	}
}

func TestUndoEmptyStackIsNoop(t *testing.T) {
	_, b, m := setup(t)
	m.Undo()
	m.Redo()
	if got := b.CurrentValue(); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
	if m.CanUndo() || m.CanRedo() {
		t.Fatal("stacks should be empty")
	}
}

// Local edits, then a remote edit, then undo: only the most recent
// local edit is reverted; the remote edit stays.
func TestUndoScopedToLocalEdits(t *testing.T) {
	local := doc.New("a")
	remote := doc.New("b")
	local.OnBroadcast(func(delta doc.Delta) { remote.ApplyDelta(delta, "remote") })
	remote.OnBroadcast(func(delta doc.Delta) { local.ApplyDelta(delta, "remote") })

	lb := binding.New(local, "box1")
	defer lb.Close()
	m := New(lb)
	defer m.Close()

	rb := binding.New(remote, "box1")
	defer rb.Close()

	lb.SetValue("local says hi")
	rb.SetValue("local says hi (remote suffix)")

	m.Undo()
	got := lb.CurrentValue()
	if got != " (remote suffix)" {
		t.Fatalf("undo reverted the wrong thing: %q", got)
	}
	if rv := rb.CurrentValue(); rv != got {
		t.Fatalf("divergence after undo: local=%q remote=%q", got, rv)
	}
}

func TestNewLocalEditClearsRedo(t *testing.T) {
	_, b, m := setup(t)

	b.SetValue("one")
	b.SetValue("one two")
	m.Undo()
	if !m.CanRedo() {
		t.Fatal("expected redo available after undo")
	}

	b.SetValue("one three")
	if m.CanRedo() {
		t.Fatal("fresh local edit must clear the redo stack")
	}
}

func TestUndoDoesNotCaptureItself(t *testing.T) {
	_, b, m := setup(t)

	b.SetValue("x")
	m.Undo()
	// If the undo transaction were captured as a new local edit, this
	// second undo would revert the revert.
	m.Undo()
	if got := b.CurrentValue(); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}

func TestTornDownOnRebind(t *testing.T) {
	local := doc.New("a")
	peer := doc.New("b")

	b := binding.New(local, "box1")
	defer b.Close()
	m := New(b)
	defer m.Close()

	b.SetValue("before rebind")
	if !m.CanUndo() {
		t.Fatal("expected undo available")
	}

	// A racing peer's create wins the map entry; history for the old
	// sequence object is not portable.
	create := peer.Transact(peer.LocalOrigin(), func(tx *doc.Tx) { tx.Ensure("box1") })
	local.ApplyDelta(create, "remote")

	if m.CanUndo() {
		t.Fatal("manager must be torn down after rebind")
	}
	m.Undo() // harmless no-op
	if got := b.CurrentValue(); got != "before rebind" {
		t.Fatalf("no-op undo changed state: %q", got)
	}
}

func TestHandleKey(t *testing.T) {
	_, b, m := setup(t)
	b.SetValue("typed")

	if m.HandleKey("z", false, false) {
		t.Fatal("plain z must not be consumed")
	}
	if !m.HandleKey("z", true, false) {
		t.Fatal("primary+z must be consumed")
	}
	if got := b.CurrentValue(); got != "" {
		t.Fatalf("after primary+z got %q, want empty", got)
	}
	if !m.HandleKey("z", true, true) {
		t.Fatal("primary+shift+z must be consumed")
	}
	if got := b.CurrentValue(); got != "typed" {
		t.Fatalf("after primary+shift+z got %q, want %q", got, "typed")
	}
}

func TestNewPanicsWithoutBinding(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil binding")
		}
	}()
	New(nil)
}
