// Package presence tracks ephemeral per-participant state: which slide
// a participant is viewing, which text box they are editing, their
// cursor, and their display identity. Records are broadcast to all
// peers with most-recent-wins semantics per connection, are never
// persisted, and vanish when a participant leaves or goes silent.
package presence

import (
	"context"
	"sync"
	"time"
)

// Point is a cursor position in slide coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// State is one participant's presence record. Slide and text-box ids
// may reference state another replica has not seen yet; consumers must
// treat unknown ids as "not here", never as an error.
type State struct {
	SlideID   string `json:"slideId,omitempty"`
	TextBoxID string `json:"textBoxId,omitempty"`
	Cursor    *Point `json:"cursor,omitempty"`
	Name      string `json:"name"`
	Color     string `json:"color"`
}

// Update is the wire form of a presence change.
type Update struct {
	ConnID string `json:"connId"`
	Left   bool   `json:"left,omitempty"`
	State  State  `json:"state"`
}

// Channel carries presence updates between participants. There is no
// ordering guarantee beyond per-connection most-recent-wins.
type Channel interface {
	Publish(ctx context.Context, u Update) error
	Subscribe(ctx context.Context, fn func(Update)) (cancel func(), err error)
	Close() error
}

const (
	// heartbeatEvery re-publishes the local record so silent peers can
	// be distinguished from gone ones.
	heartbeatEvery = 5 * time.Second
	// staleAfter is how long a peer may go silent before being dropped.
	staleAfter = 15 * time.Second
)

type peerEntry struct {
	state    State
	lastSeen time.Time
}

// Tracker owns the local presence record and the peer view for one
// connection.
type Tracker struct {
	mu        sync.Mutex
	connID    string
	ch        Channel
	local     State
	peers     map[string]peerEntry
	observers map[int]func()
	nextObs   int

	ctx     context.Context
	cancel  context.CancelFunc
	unsub   func()
	started bool
	now     func() time.Time
}

// NewTracker creates a tracker for the given connection identity.
func NewTracker(connID string, ch Channel) *Tracker {
	return &Tracker{
		connID:    connID,
		ch:        ch,
		peers:     make(map[string]peerEntry),
		observers: make(map[int]func()),
		now:       time.Now,
	}
}

// ConnID returns the local connection identity.
func (t *Tracker) ConnID() string {
	return t.connID
}

// Start subscribes to the channel and begins heartbeating the local
// record. Close releases both.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	unsub, err := t.ch.Subscribe(t.ctx, t.onUpdate)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()

	go t.heartbeat()
	return nil
}

func (t *Tracker) heartbeat() {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.publish()
			t.prune()
		}
	}
}

func (t *Tracker) onUpdate(u Update) {
	if u.ConnID == t.connID {
		return
	}
	t.mu.Lock()
	if u.Left {
		delete(t.peers, u.ConnID)
	} else {
		t.peers[u.ConnID] = peerEntry{state: u.State, lastSeen: t.now()}
	}
	obs := t.copyObserversLocked()
	t.mu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

// prune drops peers that have gone silent past the staleness window.
func (t *Tracker) prune() {
	t.mu.Lock()
	cutoff := t.now().Add(-staleAfter)
	dropped := false
	for id, entry := range t.peers {
		if entry.lastSeen.Before(cutoff) {
			delete(t.peers, id)
			dropped = true
		}
	}
	var obs []func()
	if dropped {
		obs = t.copyObserversLocked()
	}
	t.mu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

// SetLocal mutates the local record and broadcasts it.
func (t *Tracker) SetLocal(mutate func(*State)) {
	t.mu.Lock()
	mutate(&t.local)
	t.mu.Unlock()
	t.publish()
}

// Local returns a copy of the local record.
func (t *Tracker) Local() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Tracker) publish() {
	t.mu.Lock()
	u := Update{ConnID: t.connID, State: t.local}
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	// Presence is best-effort; a lost update is replaced by the next
	// heartbeat.
	_ = t.ch.Publish(ctx, u)
}

// Peers returns a snapshot of every other participant's record.
func (t *Tracker) Peers() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State, len(t.peers))
	for id, entry := range t.peers {
		out[id] = entry.state
	}
	return out
}

// PeersOnSlide returns the connection ids of peers viewing the given
// slide. Unknown or not-yet-replicated slide ids simply match nobody.
func (t *Tracker) PeersOnSlide(slideID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, entry := range t.peers {
		if entry.state.SlideID == slideID && slideID != "" {
			out = append(out, id)
		}
	}
	return out
}

// EditorsOfBox returns the presence records of peers currently editing
// the given text box, for rendering each editor's name and color.
func (t *Tracker) EditorsOfBox(boxID string) []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []State
	for _, entry := range t.peers {
		if entry.state.TextBoxID == boxID && boxID != "" {
			out = append(out, entry.state)
		}
	}
	return out
}

// FollowNewSlide implements auto-follow: when a slide was just appended
// and a peer is already on it, the local participant switches to it too
// (unless already there). It reports whether the switch happened. The
// caller invokes this when it observes the slide count grow.
func (t *Tracker) FollowNewSlide(newSlideID string) bool {
	t.mu.Lock()
	if newSlideID == "" || t.local.SlideID == newSlideID {
		t.mu.Unlock()
		return false
	}
	found := false
	for _, entry := range t.peers {
		if entry.state.SlideID == newSlideID {
			found = true
			break
		}
	}
	if !found {
		t.mu.Unlock()
		return false
	}
	t.local.SlideID = newSlideID
	t.local.TextBoxID = ""
	t.local.Cursor = nil
	t.mu.Unlock()
	t.publish()
	return true
}

// Observe registers fn to fire when the peer view changes. The returned
// cancel is idempotent.
func (t *Tracker) Observe(fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

func (t *Tracker) copyObserversLocked() []func() {
	out := make([]func(), 0, len(t.observers))
	for _, fn := range t.observers {
		out = append(out, fn)
	}
	return out
}

// Close announces departure and stops the subscription and heartbeat.
func (t *Tracker) Close() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	ctx := t.ctx
	unsub := t.unsub
	cancel := t.cancel
	t.mu.Unlock()

	_ = t.ch.Publish(ctx, Update{ConnID: t.connID, Left: true})
	if unsub != nil {
		unsub()
	}
	cancel()
}
