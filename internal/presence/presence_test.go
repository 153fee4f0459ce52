package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func startTracker(t *testing.T, connID string, bus *Bus) *Tracker {
	t.Helper()
	tr := NewTracker(connID, bus)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", connID, err)
	}
	t.Cleanup(tr.Close)
	return tr
}

func TestPeersSeeEachOther(t *testing.T) {
	bus := NewBus()
	a := startTracker(t, "conn-a", bus)
	b := startTracker(t, "conn-b", bus)

	a.SetLocal(func(s *State) {
		s.Name = "Ada"
		s.Color = "#ff0000"
		s.SlideID = "slide-1"
	})

	peers := b.Peers()
	got, ok := peers["conn-a"]
	if !ok {
		t.Fatalf("conn-b peers = %v, want conn-a present", peers)
	}
	if got.Name != "Ada" || got.SlideID != "slide-1" {
		t.Errorf("peer record = %+v", got)
	}
	if _, ok := a.Peers()["conn-a"]; ok {
		t.Error("tracker lists itself as a peer")
	}
}

func TestMostRecentWins(t *testing.T) {
	bus := NewBus()
	a := startTracker(t, "conn-a", bus)
	b := startTracker(t, "conn-b", bus)

	a.SetLocal(func(s *State) { s.SlideID = "slide-1" })
	a.SetLocal(func(s *State) { s.SlideID = "slide-2" })

	if got := b.Peers()["conn-a"].SlideID; got != "slide-2" {
		t.Errorf("slide = %q, want slide-2", got)
	}
}

func TestLeaveRemovesPeer(t *testing.T) {
	bus := NewBus()
	a := NewTracker("conn-a", bus)
	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	b := startTracker(t, "conn-b", bus)

	a.SetLocal(func(s *State) { s.Name = "Ada" })
	if len(b.Peers()) != 1 {
		t.Fatalf("peers before leave = %v", b.Peers())
	}
	a.Close()
	if len(b.Peers()) != 0 {
		t.Errorf("peers after leave = %v, want none", b.Peers())
	}
}

func TestUnknownIDsMatchNobody(t *testing.T) {
	bus := NewBus()
	a := startTracker(t, "conn-a", bus)
	b := startTracker(t, "conn-b", bus)

	b.SetLocal(func(s *State) {
		s.SlideID = "slide-not-replicated-yet"
		s.TextBoxID = "box-not-replicated-yet"
	})

	if got := a.PeersOnSlide("slide-elsewhere"); len(got) != 0 {
		t.Errorf("PeersOnSlide = %v, want empty", got)
	}
	if got := a.PeersOnSlide("slide-not-replicated-yet"); len(got) != 1 {
		t.Errorf("PeersOnSlide for pending slide = %v, want the peer", got)
	}
	if got := a.EditorsOfBox("box-elsewhere"); len(got) != 0 {
		t.Errorf("EditorsOfBox = %v, want empty", got)
	}
}

func TestFollowNewSlide(t *testing.T) {
	bus := NewBus()
	a := startTracker(t, "conn-a", bus)
	b := startTracker(t, "conn-b", bus)

	b.SetLocal(func(s *State) { s.SlideID = "slide-new" })
	a.SetLocal(func(s *State) {
		s.SlideID = "slide-old"
		s.TextBoxID = "box-1"
		s.Cursor = &Point{X: 1, Y: 2}
	})

	if !a.FollowNewSlide("slide-new") {
		t.Fatal("expected to follow peer to the new slide")
	}
	local := a.Local()
	if local.SlideID != "slide-new" {
		t.Errorf("slide = %q, want slide-new", local.SlideID)
	}
	if local.TextBoxID != "" || local.Cursor != nil {
		t.Errorf("editing state not cleared: %+v", local)
	}

	// Already there: no switch.
	if a.FollowNewSlide("slide-new") {
		t.Error("followed a slide the local participant is already on")
	}
	// Nobody is on it: no switch.
	if a.FollowNewSlide("slide-empty") {
		t.Error("followed a slide no peer is on")
	}
}

func TestStalePeersPruned(t *testing.T) {
	bus := NewBus()
	a := startTracker(t, "conn-a", bus)
	b := startTracker(t, "conn-b", bus)

	b.SetLocal(func(s *State) { s.Name = "Bea" })
	if len(a.Peers()) != 1 {
		t.Fatalf("peers = %v", a.Peers())
	}

	a.mu.Lock()
	a.now = func() time.Time { return time.Now().Add(staleAfter + time.Second) }
	a.mu.Unlock()
	a.prune()

	if len(a.Peers()) != 0 {
		t.Errorf("peers after staleness window = %v, want none", a.Peers())
	}
}

func TestObserve(t *testing.T) {
	bus := NewBus()
	a := startTracker(t, "conn-a", bus)
	b := startTracker(t, "conn-b", bus)

	fired := 0
	cancel := a.Observe(func() { fired++ })
	b.SetLocal(func(s *State) { s.Name = "Bea" })
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	cancel()
	cancel()
	b.SetLocal(func(s *State) { s.Name = "Beatrix" })
	if fired != 1 {
		t.Errorf("fired after cancel = %d, want 1", fired)
	}
}

func waitForUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence update")
		return Update{}
	}
}

func TestRedisChannelRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisChannelWithClient(client, "deck-1")
	sub := NewRedisChannelWithClient(client, "deck-1")
	other := NewRedisChannelWithClient(client, "deck-2")

	ctx := context.Background()
	got := make(chan Update, 1)
	cancel, err := sub.Subscribe(ctx, func(u Update) { got <- u })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	leaked := make(chan Update, 1)
	cancelOther, err := other.Subscribe(ctx, func(u Update) { leaked <- u })
	if err != nil {
		t.Fatal(err)
	}
	defer cancelOther()

	want := Update{ConnID: "conn-a", State: State{Name: "Ada", SlideID: "slide-1"}}
	if err := pub.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	u := waitForUpdate(t, got)
	if u.ConnID != want.ConnID || u.State != want.State {
		t.Errorf("got %+v, want %+v", u, want)
	}
	select {
	case u := <-leaked:
		t.Errorf("update leaked across decks: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}
