package binding

import (
	"testing"

	"easel/collab/internal/doc"
)

func TestSetValueAndCurrentValue(t *testing.T) {
	d := doc.New("a")
	b := New(d, "box1")
	defer b.Close()

	b.SetValue("hello")
	if got := b.CurrentValue(); got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	b.SetValue("hello world")
	if got := b.CurrentValue(); got != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}

	b.SetValue("hey world")
	if got := b.CurrentValue(); got != "hey world" {
		t.Fatalf("got %q, want %q", got, "hey world")
	}
}

func TestSetValueEqualIssuesNoTransaction(t *testing.T) {
	d := doc.New("a")
	b := New(d, "box1")
	defer b.Close()
	b.SetValue("same")

	sent := 0
	d.OnBroadcast(func(doc.Delta) { sent++ })

	b.SetValue("same")
	b.SetValue("same")
	if sent != 0 {
		t.Fatalf("no-op SetValue issued %d transactions", sent)
	}
}

func TestSetValueEmitsMinimalOps(t *testing.T) {
	d := doc.New("a")
	b := New(d, "box1")
	defer b.Close()
	b.SetValue("hello world")

	var last doc.Delta
	d.OnBroadcast(func(delta doc.Delta) { last = delta })

	// One keystroke in the middle: one insert op, no deletes.
	b.SetValue("hello, world")
	ops := last.Ops["box1"]
	if len(ops) != 1 {
		t.Fatalf("expected 1 op for single-char insert, got %d", len(ops))
	}
	if ops[0].Run == nil || ops[0].Run.Value != "," {
		t.Fatalf("expected insert of %q, got %+v", ",", ops[0])
	}
}

func TestSubscribeReceivesLocalAndRemote(t *testing.T) {
	a := doc.New("a")
	b := doc.New("b")
	a.OnBroadcast(func(delta doc.Delta) { b.ApplyDelta(delta, "remote") })

	ba := New(a, "box1")
	defer ba.Close()
	bb := New(b, "box1")
	defer bb.Close()

	var seen []string
	cancel := bb.Subscribe(func(v string) { seen = append(seen, v) })

	ba.SetValue("from a")
	if len(seen) == 0 || seen[len(seen)-1] != "from a" {
		t.Fatalf("remote subscriber saw %v", seen)
	}

	bb.SetValue("from b")
	if seen[len(seen)-1] != "from b" {
		t.Fatalf("local subscriber saw %v", seen)
	}

	n := len(seen)
	cancel()
	bb.SetValue("after cancel")
	if len(seen) != n {
		t.Fatal("cancelled subscriber still notified")
	}
}

// A subscriber registered before the authoritative sequence object is
// swapped still receives notifications afterwards, with no explicit
// re-subscription.
func TestRebindPreservesSubscribers(t *testing.T) {
	a := doc.New("a")
	b := doc.New("b")

	ba := New(a, "box1")
	defer ba.Close()
	ba.SetValue("ours")

	var seen []string
	ba.Subscribe(func(v string) { seen = append(seen, v) })

	rebinds := 0
	ba.OnRebind(func() { rebinds++ })

	// A peer creates the same key; its create carries a newer stamp so
	// it wins the map entry on our side.
	peerCreate := b.Transact(b.LocalOrigin(), func(tx *doc.Tx) { tx.Ensure("box1") })
	a.ApplyDelta(peerCreate, "remote")

	if rebinds != 1 {
		t.Fatalf("expected 1 rebind, got %d", rebinds)
	}
	if len(seen) == 0 || seen[len(seen)-1] != "ours" {
		t.Fatalf("subscriber should be re-notified with re-materialized value, saw %v", seen)
	}

	// Edits keep flowing to the same subscriber after the swap.
	n := len(seen)
	a.Transact("remote", func(tx *doc.Tx) { tx.Insert("box1", 0, ">> ") })
	if len(seen) != n+1 || seen[len(seen)-1] != ">> ours" {
		t.Fatalf("subscriber lost across rebind, saw %v", seen)
	}
}

func TestNewPanicsOnNilDoc(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil document")
		}
	}()
	New(nil, "box1")
}
