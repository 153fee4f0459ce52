// Package session ties one participant's replicas together: the text
// document, the structural store, presence, undo history, and the
// relay client, all under the capability policy the participant joined
// with. Nothing here is ambient; a session is created explicitly and
// every mutation flows through it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"easel/collab/internal/access"
	"easel/collab/internal/binding"
	"easel/collab/internal/deck"
	"easel/collab/internal/doc"
	"easel/collab/internal/history"
	"easel/collab/internal/presence"
	"easel/collab/internal/relay"
	"easel/collab/internal/store"
)

// ErrReadOnly reports a mutation attempted through a read-only
// capability link.
var ErrReadOnly = errors.New("session is read-only")

// ErrNotOpen reports use of a session before Open or after Close.
var ErrNotOpen = errors.New("session is not open")

// Options configures a session.
type Options struct {
	DeckID    string
	Transport relay.Transport
	Policy    access.Policy

	// NodeID identifies this replica in clocks and ids. Defaults to a
	// fresh uuid.
	NodeID string
	// UserName and UserColor seed the presence record.
	UserName  string
	UserColor string
	// Presence optionally carries presence over its own channel. By
	// default presence rides the relay transport.
	Presence presence.Channel
}

// Session is one participant's connection to a deck.
type Session struct {
	deckID  string
	policy  access.Policy
	d       *doc.Doc
	store   *deck.Store
	client  *relay.Client
	tracker *presence.Tracker

	mu            sync.Mutex
	bindings      map[string]*binding.TextBinding
	histories     map[string]*history.Manager
	cancels       []func()
	seenSlides    map[string]bool
	pendingFollow string
	opened        bool
	closed        bool
}

// New assembles a session. The document and structural store share one
// clock so every stamp in the deck is comparable.
func New(opts Options) *Session {
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	d := doc.New(nodeID)
	st := deck.NewStore(d.Clock())
	client := relay.New(opts.Transport, opts.DeckID, d, st)

	ch := opts.Presence
	if ch == nil {
		ch = client.PresenceChannel()
	}
	tracker := presence.NewTracker(client.Sender(), ch)

	s := &Session{
		deckID:    opts.DeckID,
		policy:    opts.Policy,
		d:         d,
		store:     st,
		client:    client,
		tracker:   tracker,
		bindings:  make(map[string]*binding.TextBinding),
		histories: make(map[string]*history.Manager),
	}
	if opts.UserName != "" || opts.UserColor != "" {
		tracker.SetLocal(func(p *presence.State) {
			p.Name = opts.UserName
			p.Color = opts.UserColor
		})
	}
	return s
}

// Restore seeds the session from a persisted snapshot. Must run before
// Open; afterwards peers' full-state answers are ignored.
func (s *Session) Restore(snap store.Snapshot) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return fmt.Errorf("restore after open")
	}
	s.mu.Unlock()

	s.d.ImportRuns(snap.Runs)
	if len(snap.Deck) > 0 {
		if _, err := s.store.LoadSnapshot(snap.Deck); err != nil {
			return fmt.Errorf("restore deck %s: %w", s.deckID, err)
		}
	}
	s.client.MarkSynced()
	return nil
}

// Open connects the session: box creation starts feeding the text
// document, the relay starts, presence starts, and auto-follow begins
// watching the slide list.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("open twice or after close")
	}
	s.opened = true
	s.seenSlides = make(map[string]bool)
	for _, sl := range s.store.Slides() {
		s.seenSlides[sl.ID] = true
	}
	s.mu.Unlock()

	// A new text box gets its replicated sequence in the same logical
	// step that creates the record.
	s.store.OnBoxCreated(func(boxID string) {
		s.d.Transact(s.d.LocalOrigin(), func(tx *doc.Tx) {
			tx.Ensure(boxID)
		})
	})

	cancelFollow := s.store.Observe(s.maybeFollow)
	cancelRetry := s.tracker.Observe(s.retryFollow)
	s.mu.Lock()
	s.cancels = append(s.cancels, cancelFollow, cancelRetry)
	s.mu.Unlock()

	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("open session %s: %w", s.deckID, err)
	}
	if err := s.tracker.Start(ctx); err != nil {
		return fmt.Errorf("start presence %s: %w", s.deckID, err)
	}
	return nil
}

// maybeFollow switches the local participant onto a slide a peer just
// added, when the slide list grew and the policy allows seeing it. The
// adding peer's presence may arrive after the slide record does, so an
// unmatched follow stays pending and retryFollow picks it up.
func (s *Session) maybeFollow() {
	slides := s.store.Slides()
	s.mu.Lock()
	var newest string
	for _, sl := range slides {
		if !s.seenSlides[sl.ID] {
			s.seenSlides[sl.ID] = true
			newest = sl.ID
		}
	}
	s.mu.Unlock()
	if newest == "" || !s.policy.CanSee(newest) {
		return
	}
	if !s.tracker.FollowNewSlide(newest) {
		s.mu.Lock()
		s.pendingFollow = newest
		s.mu.Unlock()
	}
}

// retryFollow runs on presence changes and resolves a pending follow
// once the adding peer's record lands on the new slide.
func (s *Session) retryFollow() {
	s.mu.Lock()
	pending := s.pendingFollow
	s.mu.Unlock()
	if pending == "" {
		return
	}
	if s.tracker.FollowNewSlide(pending) || s.tracker.Local().SlideID == pending {
		s.mu.Lock()
		if s.pendingFollow == pending {
			s.pendingFollow = ""
		}
		s.mu.Unlock()
	}
}

// Doc exposes the text document.
func (s *Session) Doc() *doc.Doc { return s.d }

// Deck exposes the structural store.
func (s *Session) Deck() *deck.Store { return s.store }

// Presence exposes the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.tracker }

// Policy returns the capability this session joined with.
func (s *Session) Policy() access.Policy { return s.policy }

// ConnID returns the connection identity shared by relay and presence.
func (s *Session) ConnID() string { return s.client.Sender() }

// VisibleSlides returns the slides the capability allows, in deck
// order.
func (s *Session) VisibleSlides() []deck.Slide {
	return s.policy.VisibleSlides(s.store.Slides())
}

func (s *Session) ensureWritable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened || s.closed {
		return ErrNotOpen
	}
	if s.policy.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// AddSlide appends a slide.
func (s *Session) AddSlide() (string, error) {
	if err := s.ensureWritable(); err != nil {
		return "", err
	}
	id := s.store.AddSlide()
	s.GoToSlide(id)
	return id, nil
}

// DeleteSlide removes a slide and everything on it.
func (s *Session) DeleteSlide(id string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	s.store.DeleteSlide(id)
	return nil
}

// AddTextBox places a new empty text box on the slide.
func (s *Session) AddTextBox(slideID string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	s.store.AddTextBox(slideID, s.tracker.Local().Name)
	return nil
}

// UpdateTextBox merges a partial update into a box record.
func (s *Session) UpdateTextBox(slideID, boxID string, patch deck.Patch) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	s.store.UpdateTextBox(slideID, boxID, patch)
	return nil
}

// EditText begins or resumes editing a box's text, returning the
// binding and its undo history. Both live until Close; repeated calls
// for the same box return the same pair. The presence record switches
// to the box.
func (s *Session) EditText(boxID string) (*binding.TextBinding, *history.Manager, error) {
	if err := s.ensureWritable(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	b, ok := s.bindings[boxID]
	if !ok {
		b = binding.New(s.d, boxID)
		s.bindings[boxID] = b
		s.histories[boxID] = history.New(b)
		// A creation race replaces the underlying sequence object and the
		// manager retires its stacks; stand up a fresh one for the new object.
		b.OnRebind(func() {
			s.mu.Lock()
			if !s.closed {
				s.histories[boxID] = history.New(b)
			}
			s.mu.Unlock()
		})
	}
	h := s.histories[boxID]
	s.mu.Unlock()

	s.tracker.SetLocal(func(p *presence.State) { p.TextBoxID = boxID })
	return b, h, nil
}

// FinishEditing leaves text-edit mode on the box: the structural
// record's display text is refreshed from the live sequence and the
// presence record stops pointing at the box.
func (s *Session) FinishEditing(boxID string) {
	s.mu.Lock()
	b := s.bindings[boxID]
	s.mu.Unlock()

	if b != nil {
		if slideID, _, ok := s.store.FindBox(boxID); ok && !s.policy.ReadOnly {
			text := b.CurrentValue()
			s.store.UpdateTextBox(slideID, boxID, deck.Patch{Text: &text})
		}
	}
	s.tracker.SetLocal(func(p *presence.State) {
		if p.TextBoxID == boxID {
			p.TextBoxID = ""
			p.Cursor = nil
		}
	})
}

// HandleKey routes a keystroke to the box's undo history, reporting
// whether it was consumed.
func (s *Session) HandleKey(boxID, key string, primary, shift bool) bool {
	s.mu.Lock()
	h := s.histories[boxID]
	s.mu.Unlock()
	if h == nil {
		return false
	}
	return h.HandleKey(key, primary, shift)
}

// GoToSlide moves the local participant's presence to the slide when
// the capability allows seeing it.
func (s *Session) GoToSlide(slideID string) {
	if !s.policy.CanSee(slideID) {
		return
	}
	s.mu.Lock()
	s.pendingFollow = ""
	s.mu.Unlock()
	s.tracker.SetLocal(func(p *presence.State) {
		p.SlideID = slideID
		p.TextBoxID = ""
		p.Cursor = nil
	})
}

// MoveCursor updates the local cursor position on the current slide.
func (s *Session) MoveCursor(x, y float64) {
	s.tracker.SetLocal(func(p *presence.State) {
		p.Cursor = &presence.Point{X: x, Y: y}
	})
}

// Export captures the session's state as a persistable snapshot.
func (s *Session) Export() (store.Snapshot, error) {
	deckSnap, err := s.store.Snapshot()
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("export deck %s: %w", s.deckID, err)
	}
	return store.Snapshot{
		DeckID: s.deckID,
		Deck:   deckSnap,
		Runs:   s.d.ExportRuns(),
	}, nil
}

// Close tears the session down: bindings and histories are released,
// presence announces departure, and the relay stops.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	bindings := s.bindings
	histories := s.histories
	cancels := s.cancels
	s.bindings = make(map[string]*binding.TextBinding)
	s.histories = make(map[string]*history.Manager)
	s.cancels = nil
	s.mu.Unlock()

	for _, h := range histories {
		h.Close()
	}
	for _, b := range bindings {
		b.Close()
	}
	for _, cancel := range cancels {
		cancel()
	}
	s.tracker.Close()
	s.client.Close()
}
