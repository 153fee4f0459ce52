// Package deck holds the shared structural state of a slide deck: the
// ordered slide list and each slide's text-box records. All mutations
// are atomic transactions against the whole tree; cross-client
// concurrency is resolved by last-writer-wins merging of whole records
// under HLC stamps, with tombstones for deletions. Text content lives
// in the replicated sequences, not here; each text box carries only a
// denormalized display snapshot for consumers that do not load the
// CRDT layer.
package deck

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"easel/collab/internal/hlc"
	"easel/collab/internal/util"
)

// TextBox is one freely positioned text element on a slide. Text is the
// display snapshot of the replicated sequence with the same id; it may
// be transiently stale while an edit session is in progress.
type TextBox struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	FontSize  int     `json:"fontSize"`
	Color     string  `json:"color"`
	CreatedBy string  `json:"createdBy"`
	CreatedAt int64   `json:"createdAt"`
}

// Slide is one slide record.
type Slide struct {
	ID              string    `json:"id"`
	TextBoxes       []TextBox `json:"textBoxes"`
	BackgroundColor string    `json:"backgroundColor"`
	CreatedAt       int64     `json:"createdAt"`
}

// Patch carries a partial text-box update; nil fields are untouched.
type Patch struct {
	Text     *string  `json:"text,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Width    *float64 `json:"width,omitempty"`
	Height   *float64 `json:"height,omitempty"`
	FontSize *int     `json:"fontSize,omitempty"`
	Color    *string  `json:"color,omitempty"`
}

// Defaults for fresh records.
const (
	DefaultBackground = "#ffffff"
	DefaultBoxWidth   = 240
	DefaultBoxHeight  = 64
	DefaultFontSize   = 16
	DefaultBoxColor   = "#1a1a1a"

	// New boxes land at a base position plus a random offset inside
	// this window, so boxes added concurrently do not stack exactly.
	boxBaseX        = 80
	boxBaseY        = 80
	boxOffsetWindow = 160
)

// SlideMeta is the replicated slide record without its boxes; boxes
// replicate as their own records so sibling updates never clobber each
// other.
type SlideMeta struct {
	ID              string  `json:"id"`
	BackgroundColor string  `json:"backgroundColor"`
	CreatedAt       int64   `json:"createdAt"`
	Stamp           hlc.HLC `json:"stamp"`
}

// BoxRecord is the replicated whole-record form of one text box.
type BoxRecord struct {
	SlideID string  `json:"slideId"`
	Box     TextBox `json:"box"`
	Stamp   hlc.HLC `json:"stamp"`
}

// Removal tombstones a slide or text box.
type Removal struct {
	Kind  string  `json:"kind"` // "slide" or "box"
	ID    string  `json:"id"`
	Stamp hlc.HLC `json:"stamp"`
}

// Delta is one structural transaction's replicated effect.
type Delta struct {
	Slides  []SlideMeta `json:"s,omitempty"`
	Boxes   []BoxRecord `json:"b,omitempty"`
	Removed []Removal   `json:"r,omitempty"`
}

// Empty reports whether the delta carries no effect.
func (d Delta) Empty() bool {
	return len(d.Slides) == 0 && len(d.Boxes) == 0 && len(d.Removed) == 0
}

// Store is one client's replica of the structural state tree. A single
// mutex serializes transactions; every mutation is a read-modify-write
// of the full affected record. Observers fire outside the lock after
// each version bump.
type Store struct {
	mu      sync.Mutex
	clock   *hlc.Clock
	slides  []Slide
	version uint64

	slideStamps map[string]hlc.HLC
	boxStamps   map[string]hlc.HLC
	boxSlide    map[string]string
	tombstones  map[string]hlc.HLC

	observers map[int]func()
	nextObs   int
	broadcast func(Delta)

	// onBoxCreated runs inside AddTextBox's logical operation, so the
	// session can create the box's replicated sequence atomically with
	// the record.
	onBoxCreated func(boxID string)
}

// NewStore creates an empty replica sharing the document's clock.
func NewStore(clock *hlc.Clock) *Store {
	return &Store{
		clock:       clock,
		slideStamps: make(map[string]hlc.HLC),
		boxStamps:   make(map[string]hlc.HLC),
		boxSlide:    make(map[string]string),
		tombstones:  make(map[string]hlc.HLC),
		observers:   make(map[int]func()),
	}
}

// OnBroadcast registers the hook receiving every non-empty local delta.
func (s *Store) OnBroadcast(fn func(Delta)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast = fn
}

// OnBoxCreated registers the sequence-creation hook for AddTextBox.
func (s *Store) OnBoxCreated(fn func(boxID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBoxCreated = fn
}

// Observe registers fn to fire after every state change, local or
// remote. The returned cancel is idempotent.
func (s *Store) Observe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// Version returns the monotonically increasing state version.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Slides returns a deep copy of the current slide list.
func (s *Store) Slides() []Slide {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySlides(s.slides)
}

// Slide returns a copy of the slide with the given id.
func (s *Store) Slide(id string) (Slide, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slides {
		if sl.ID == id {
			out := sl
			out.TextBoxes = append([]TextBox(nil), sl.TextBoxes...)
			return out, true
		}
	}
	return Slide{}, false
}

// FindBox locates a text box by id, returning its slide id and a copy
// of the record.
func (s *Store) FindBox(boxID string) (slideID string, box TextBox, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slideID, ok = s.boxSlide[boxID]
	if !ok {
		return "", TextBox{}, false
	}
	for _, sl := range s.slides {
		if sl.ID != slideID {
			continue
		}
		for _, b := range sl.TextBoxes {
			if b.ID == boxID {
				return slideID, b, true
			}
		}
	}
	return "", TextBox{}, false
}

// AddSlide appends a new slide with an empty text-box collection and
// the default background, returning its id.
func (s *Store) AddSlide() string {
	s.mu.Lock()
	id := util.NewID("slide")
	stamp := s.clock.Now()
	slide := Slide{
		ID:              id,
		TextBoxes:       []TextBox{},
		BackgroundColor: DefaultBackground,
		CreatedAt:       time.Now().UnixMilli(),
	}
	s.slides = append(s.slides, slide)
	s.sortSlidesLocked()
	s.slideStamps[id] = stamp
	delta := Delta{Slides: []SlideMeta{{
		ID:              id,
		BackgroundColor: slide.BackgroundColor,
		CreatedAt:       slide.CreatedAt,
		Stamp:           stamp,
	}}}
	s.commitLocked(delta)
	return id
}

// DeleteSlide removes the slide with the given id, discarding its text
// boxes. A missing id is a harmless no-op.
func (s *Store) DeleteSlide(id string) {
	s.mu.Lock()
	idx := -1
	for i, sl := range s.slides {
		if sl.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return
	}
	stamp := s.clock.Now()
	for _, box := range s.slides[idx].TextBoxes {
		delete(s.boxStamps, box.ID)
		delete(s.boxSlide, box.ID)
	}
	s.slides = append(s.slides[:idx], s.slides[idx+1:]...)
	delete(s.slideStamps, id)
	s.tombstones[id] = stamp
	s.commitLocked(Delta{Removed: []Removal{{Kind: "slide", ID: id, Stamp: stamp}}})
}

// AddTextBox appends a new empty text box to the given slide, at a
// randomized position inside the offset window, and creates the box's
// replicated sequence in the same logical operation. A missing slide
// id is a silent no-op.
func (s *Store) AddTextBox(slideID, userID string) {
	s.mu.Lock()
	idx := -1
	for i, sl := range s.slides {
		if sl.ID == slideID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return
	}

	box := TextBox{
		ID:        util.NewID("box"),
		X:         boxBaseX + rand.Float64()*boxOffsetWindow,
		Y:         boxBaseY + rand.Float64()*boxOffsetWindow,
		Width:     DefaultBoxWidth,
		Height:    DefaultBoxHeight,
		FontSize:  DefaultFontSize,
		Color:     DefaultBoxColor,
		CreatedBy: userID,
		CreatedAt: time.Now().UnixMilli(),
	}
	stamp := s.clock.Now()
	s.slides[idx].TextBoxes = append(s.slides[idx].TextBoxes, box)
	s.boxStamps[box.ID] = stamp
	s.boxSlide[box.ID] = slideID
	onCreated := s.onBoxCreated

	delta := Delta{Boxes: []BoxRecord{{SlideID: slideID, Box: box, Stamp: stamp}}}
	if onCreated != nil {
		onCreated(box.ID)
	}
	s.commitLocked(delta)
}

// UpdateTextBox merges the patch into the matching text box as one
// atomic whole-record replacement. Unmatched slide or box ids are
// silent no-ops; concurrent deletion racing an update is expected.
func (s *Store) UpdateTextBox(slideID, boxID string, patch Patch) {
	s.mu.Lock()
	var updated *TextBox
	for i := range s.slides {
		if s.slides[i].ID != slideID {
			continue
		}
		for j := range s.slides[i].TextBoxes {
			if s.slides[i].TextBoxes[j].ID != boxID {
				continue
			}
			applyPatch(&s.slides[i].TextBoxes[j], patch)
			box := s.slides[i].TextBoxes[j]
			updated = &box
		}
	}
	if updated == nil {
		s.mu.Unlock()
		return
	}
	stamp := s.clock.Now()
	s.boxStamps[boxID] = stamp
	s.commitLocked(Delta{Boxes: []BoxRecord{{SlideID: slideID, Box: *updated, Stamp: stamp}}})
}

func applyPatch(box *TextBox, p Patch) {
	if p.Text != nil {
		box.Text = *p.Text
	}
	if p.X != nil {
		box.X = *p.X
	}
	if p.Y != nil {
		box.Y = *p.Y
	}
	if p.Width != nil {
		box.Width = *p.Width
	}
	if p.Height != nil {
		box.Height = *p.Height
	}
	if p.FontSize != nil {
		box.FontSize = *p.FontSize
	}
	if p.Color != nil {
		box.Color = *p.Color
	}
}

// ApplyDelta merges a remote structural transaction: last writer wins
// per record id, deletions win through tombstones.
func (s *Store) ApplyDelta(delta Delta) {
	s.mu.Lock()
	changed := false

	for _, rm := range delta.Removed {
		if existing, ok := s.tombstones[rm.ID]; ok && !rm.Stamp.After(existing) {
			continue
		}
		s.tombstones[rm.ID] = rm.Stamp
		s.clock.Update(rm.Stamp)
		switch rm.Kind {
		case "slide":
			if stamp, ok := s.slideStamps[rm.ID]; !ok || rm.Stamp.After(stamp) {
				changed = s.removeSlideLocked(rm.ID) || changed
			}
		case "box":
			if stamp, ok := s.boxStamps[rm.ID]; !ok || rm.Stamp.After(stamp) {
				changed = s.removeBoxLocked(rm.ID) || changed
			}
		}
	}

	for _, meta := range delta.Slides {
		s.clock.Update(meta.Stamp)
		if ts, ok := s.tombstones[meta.ID]; ok && ts.After(meta.Stamp) {
			continue
		}
		if stamp, ok := s.slideStamps[meta.ID]; ok && !meta.Stamp.After(stamp) {
			continue
		}
		changed = s.upsertSlideLocked(meta) || changed
	}

	for _, rec := range delta.Boxes {
		s.clock.Update(rec.Stamp)
		if ts, ok := s.tombstones[rec.Box.ID]; ok && ts.After(rec.Stamp) {
			continue
		}
		if ts, ok := s.tombstones[rec.SlideID]; ok && ts.After(rec.Stamp) {
			continue
		}
		if stamp, ok := s.boxStamps[rec.Box.ID]; ok && !rec.Stamp.After(stamp) {
			continue
		}
		changed = s.upsertBoxLocked(rec) || changed
	}

	if changed {
		s.commitLocked(Delta{})
		return
	}
	s.mu.Unlock()
}

// upsertSlideLocked applies a slide meta record, preserving existing
// boxes. Slide order is deterministic across replicas: by creation
// time, then id.
func (s *Store) upsertSlideLocked(meta SlideMeta) bool {
	s.slideStamps[meta.ID] = meta.Stamp
	for i := range s.slides {
		if s.slides[i].ID == meta.ID {
			s.slides[i].BackgroundColor = meta.BackgroundColor
			s.slides[i].CreatedAt = meta.CreatedAt
			return true
		}
	}
	s.slides = append(s.slides, Slide{
		ID:              meta.ID,
		TextBoxes:       []TextBox{},
		BackgroundColor: meta.BackgroundColor,
		CreatedAt:       meta.CreatedAt,
	})
	s.sortSlidesLocked()
	return true
}

// sortSlidesLocked keeps the slide list in (CreatedAt, id) order. Every
// path that grows the list goes through it, so all replicas present
// slides in the same order no matter where a slide was created or how
// its record arrived.
func (s *Store) sortSlidesLocked() {
	sort.SliceStable(s.slides, func(i, j int) bool {
		if s.slides[i].CreatedAt != s.slides[j].CreatedAt {
			return s.slides[i].CreatedAt < s.slides[j].CreatedAt
		}
		return s.slides[i].ID < s.slides[j].ID
	})
}

func (s *Store) upsertBoxLocked(rec BoxRecord) bool {
	for i := range s.slides {
		if s.slides[i].ID != rec.SlideID {
			continue
		}
		s.boxStamps[rec.Box.ID] = rec.Stamp
		s.boxSlide[rec.Box.ID] = rec.SlideID
		for j := range s.slides[i].TextBoxes {
			if s.slides[i].TextBoxes[j].ID == rec.Box.ID {
				s.slides[i].TextBoxes[j] = rec.Box
				return true
			}
		}
		s.slides[i].TextBoxes = append(s.slides[i].TextBoxes, rec.Box)
		return true
	}
	// Slide not replicated yet; leave no stamp so a redelivery after
	// the slide arrives still lands.
	return false
}

func (s *Store) removeSlideLocked(id string) bool {
	for i := range s.slides {
		if s.slides[i].ID == id {
			for _, box := range s.slides[i].TextBoxes {
				delete(s.boxStamps, box.ID)
				delete(s.boxSlide, box.ID)
			}
			s.slides = append(s.slides[:i], s.slides[i+1:]...)
			delete(s.slideStamps, id)
			return true
		}
	}
	return false
}

func (s *Store) removeBoxLocked(id string) bool {
	slideID, ok := s.boxSlide[id]
	if !ok {
		return false
	}
	for i := range s.slides {
		if s.slides[i].ID != slideID {
			continue
		}
		for j := range s.slides[i].TextBoxes {
			if s.slides[i].TextBoxes[j].ID == id {
				s.slides[i].TextBoxes = append(s.slides[i].TextBoxes[:j], s.slides[i].TextBoxes[j+1:]...)
				delete(s.boxStamps, id)
				delete(s.boxSlide, id)
				return true
			}
		}
	}
	return false
}

// commitLocked bumps the version, releases the lock, then notifies
// observers and (for non-empty deltas) the broadcast hook.
func (s *Store) commitLocked(delta Delta) {
	s.version++
	obs := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	broadcast := s.broadcast
	s.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
	if broadcast != nil && !delta.Empty() {
		broadcast(delta)
	}
}

// snapshot is the persisted deck shape.
type snapshot struct {
	Slides []json.RawMessage `json:"slides"`
}

// looseSlide decodes a slide leniently, so legacy or corrupt text-box
// shapes can be detected and repaired instead of failing the load.
type looseSlide struct {
	ID              string          `json:"id"`
	TextBoxes       json.RawMessage `json:"textBoxes"`
	BackgroundColor string          `json:"backgroundColor"`
	CreatedAt       int64           `json:"createdAt"`
}

// Snapshot serializes the current slide list.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	slides := copySlides(s.slides)
	s.mu.Unlock()

	raw := make([]json.RawMessage, 0, len(slides))
	for _, sl := range slides {
		b, err := json.Marshal(sl)
		if err != nil {
			return nil, fmt.Errorf("marshal slide %s: %w", sl.ID, err)
		}
		raw = append(raw, b)
	}
	return json.Marshal(snapshot{Slides: raw})
}

// MigrateSlides runs the snapshot shape repair on its own: slides whose
// text-box collection is missing, null, or not an ordered sequence get
// an empty collection, and absent identity fields are defaulted. It
// returns the snapshot in the current shape and reports whether any
// record needed repair; repairing the output again changes nothing.
func MigrateSlides(data []byte) ([]byte, bool, error) {
	slides, migrated, err := decodeSnapshot(data)
	if err != nil {
		return nil, false, err
	}
	raw := make([]json.RawMessage, 0, len(slides))
	for _, sl := range slides {
		b, err := json.Marshal(sl)
		if err != nil {
			return nil, false, fmt.Errorf("marshal slide %s: %w", sl.ID, err)
		}
		raw = append(raw, b)
	}
	out, err := json.Marshal(snapshot{Slides: raw})
	if err != nil {
		return nil, false, err
	}
	return out, migrated, nil
}

// LoadSnapshot replaces the current state with a persisted snapshot,
// repairing any slide whose text-box collection is not a proper ordered
// sequence (the one supported backward-compatible shape transform). It
// reports whether a repair ran; loading an already-well-formed snapshot
// changes nothing about its records, and repairing twice equals
// repairing once.
func (s *Store) LoadSnapshot(data []byte) (migrated bool, err error) {
	slides, migrated, err := decodeSnapshot(data)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.slides = slides
	s.sortSlidesLocked()
	s.slideStamps = make(map[string]hlc.HLC)
	s.boxStamps = make(map[string]hlc.HLC)
	s.boxSlide = make(map[string]string)
	stamp := s.clock.Now()
	for _, sl := range slides {
		s.slideStamps[sl.ID] = stamp
		for _, box := range sl.TextBoxes {
			s.boxStamps[box.ID] = stamp
			s.boxSlide[box.ID] = sl.ID
		}
	}
	s.commitLocked(Delta{})
	return migrated, nil
}

// MergeSnapshot folds a snapshot in as a baseline rather than a
// replacement: records the replica already holds keep their state, and
// tombstoned ids stay gone. Used when a full-state answer arrives after
// local editing has already begun.
func (s *Store) MergeSnapshot(data []byte) error {
	slides, _, err := decodeSnapshot(data)
	if err != nil {
		return err
	}
	var delta Delta
	for _, sl := range slides {
		delta.Slides = append(delta.Slides, SlideMeta{
			ID:              sl.ID,
			BackgroundColor: sl.BackgroundColor,
			CreatedAt:       sl.CreatedAt,
		})
		for _, box := range sl.TextBoxes {
			delta.Boxes = append(delta.Boxes, BoxRecord{SlideID: sl.ID, Box: box})
		}
	}
	s.ApplyDelta(delta)
	return nil
}

func decodeSnapshot(data []byte) (slides []Slide, migrated bool, err error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode snapshot: %w", err)
	}

	slides = make([]Slide, 0, len(snap.Slides))
	for _, raw := range snap.Slides {
		var loose looseSlide
		if err := json.Unmarshal(raw, &loose); err != nil {
			return nil, false, fmt.Errorf("decode slide: %w", err)
		}
		slide := Slide{
			ID:              loose.ID,
			BackgroundColor: loose.BackgroundColor,
			CreatedAt:       loose.CreatedAt,
		}
		if slide.ID == "" {
			slide.ID = util.NewID("slide")
			migrated = true
		}
		if slide.BackgroundColor == "" {
			slide.BackgroundColor = DefaultBackground
		}
		if slide.CreatedAt == 0 {
			slide.CreatedAt = time.Now().UnixMilli()
		}

		var boxes []TextBox
		switch {
		case len(loose.TextBoxes) == 0:
			// Legacy record without the field at all.
			boxes = []TextBox{}
			migrated = true
		case json.Unmarshal(loose.TextBoxes, &boxes) != nil:
			// Not an ordered sequence; drop the corrupt collection,
			// keep the rest of the record.
			boxes = []TextBox{}
			migrated = true
		case boxes == nil:
			// Explicit JSON null.
			boxes = []TextBox{}
			migrated = true
		}
		slide.TextBoxes = boxes
		slides = append(slides, slide)
	}
	return slides, migrated, nil
}

func copySlides(in []Slide) []Slide {
	out := make([]Slide, len(in))
	copy(out, in)
	for i := range out {
		boxes := make([]TextBox, len(in[i].TextBoxes))
		copy(boxes, in[i].TextBoxes)
		out[i].TextBoxes = boxes
	}
	return out
}
