// Package doc implements the replicated document: a shared map from
// text-box id to replicated text sequence, mutated through atomic
// transactions tagged with an origin, with change observation on both
// the map and the individual sequences.
//
// The map key, not the sequence object bound to it, is authoritative.
// When two clients race to create the same key, the creation with the
// newer stamp wins the map entry; observers of the key are told so they
// can rebind. The winning entry adopts the loser's runs; runs are
// id-addressed, so adoption is the CRDT-native resolution and no typed
// content is lost.
package doc

import (
	"sync"

	"easel/collab/internal/hlc"
	"easel/collab/internal/rtext"
)

// Delta is one committed transaction's replicated effect, the unit
// relayed between clients.
type Delta struct {
	Creates []Create             `json:"c,omitempty"`
	Ops     map[string][]rtext.Op `json:"o,omitempty"`
}

// Create records a sequence creation with its resolution stamp.
type Create struct {
	Key   string  `json:"k"`
	Stamp hlc.HLC `json:"s"`
}

// Empty reports whether the delta carries no effect.
func (d Delta) Empty() bool {
	return len(d.Creates) == 0 && len(d.Ops) == 0
}

// TxInfo describes a committed transaction to transaction hooks.
type TxInfo struct {
	Origin string
	Ops    map[string][]rtext.Op
}

// entry binds one map key to its current sequence object. Sequence
// observers live on the entry: replacing the entry drops them, which is
// what forces bindings to re-attach.
type entry struct {
	text    *rtext.Text
	created hlc.HLC
	obs     map[int]func(origin string)
}

// Doc is one client's replica of the shared document. All methods are
// safe for concurrent use; observer callbacks fire outside the lock.
type Doc struct {
	mu      sync.Mutex
	clock   *hlc.Clock
	entries map[string]*entry
	keyObs  map[string]map[int]func()
	nextObs int

	broadcast func(Delta)
	txHooks   map[int]func(TxInfo)
}

// New creates an empty replica identified by nodeID.
func New(nodeID string) *Doc {
	return &Doc{
		clock:   hlc.NewClock(nodeID),
		entries: make(map[string]*entry),
		keyObs:  make(map[string]map[int]func()),
		txHooks: make(map[int]func(TxInfo)),
	}
}

// LocalOrigin is the origin tag for transactions produced by this
// replica's own user edits. Undo history is scoped to it.
func (d *Doc) LocalOrigin() string {
	return "local:" + d.clock.NodeID()
}

// Clock exposes the replica clock for stamping related state.
func (d *Doc) Clock() *hlc.Clock {
	return d.clock
}

// OnBroadcast registers the hook receiving every non-empty local delta,
// typically the relay client. Only one hook is supported.
func (d *Doc) OnBroadcast(fn func(Delta)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcast = fn
}

// OnTransaction registers a hook observing committed transactions with
// their origin tag. Used by the undo history to capture local edits.
// The returned cancel is idempotent.
func (d *Doc) OnTransaction(fn func(TxInfo)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.txHooks[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.txHooks, id)
	}
}

// copyTxHooks snapshots the hook set. Caller holds the lock.
func (d *Doc) copyTxHooks() []func(TxInfo) {
	out := make([]func(TxInfo), 0, len(d.txHooks))
	for _, fn := range d.txHooks {
		out = append(out, fn)
	}
	return out
}

// Tx is a transaction over the document, valid only inside Transact.
type Tx struct {
	d      *Doc
	origin string
	delta  Delta
}

// Ensure creates an empty sequence for key if none exists. Safe to call
// repeatedly; only the first call per key has an effect.
func (tx *Tx) Ensure(key string) {
	if _, ok := tx.d.entries[key]; ok {
		return
	}
	stamp := tx.d.clock.Now()
	tx.d.entries[key] = &entry{
		text:    rtext.New(),
		created: stamp,
		obs:     make(map[int]func(string)),
	}
	tx.delta.Creates = append(tx.delta.Creates, Create{Key: key, Stamp: stamp})
}

// Value returns the materialized string for key, empty if absent.
func (tx *Tx) Value(key string) string {
	if e, ok := tx.d.entries[key]; ok {
		return e.text.String()
	}
	return ""
}

// Insert splices value into key's sequence at rune position pos.
func (tx *Tx) Insert(key string, pos int, value string) {
	tx.Ensure(key)
	ops := tx.d.entries[key].text.Insert(pos, value, tx.d.clock)
	tx.record(key, ops)
}

// Delete removes n runes from key's sequence starting at pos.
func (tx *Tx) Delete(key string, pos, n int) {
	tx.Ensure(key)
	ops := tx.d.entries[key].text.Delete(pos, n, tx.d.clock)
	tx.record(key, ops)
}

// ApplyOps integrates prepared operations (undo/redo batches) into
// key's sequence.
func (tx *Tx) ApplyOps(key string, ops []rtext.Op) {
	tx.Ensure(key)
	text := tx.d.entries[key].text
	var applied []rtext.Op
	for _, op := range ops {
		if text.Apply(op) {
			applied = append(applied, op)
		}
	}
	tx.record(key, applied)
}

func (tx *Tx) record(key string, ops []rtext.Op) {
	if len(ops) == 0 {
		return
	}
	if tx.delta.Ops == nil {
		tx.delta.Ops = make(map[string][]rtext.Op)
	}
	tx.delta.Ops[key] = append(tx.delta.Ops[key], ops...)
}

// Transact runs fn as one atomic transaction tagged with origin. The
// committed delta is returned and, when non-empty, handed to the
// broadcast hook; sequence observers and transaction hooks fire after
// commit, outside the document lock.
func (d *Doc) Transact(origin string, fn func(*Tx)) Delta {
	d.mu.Lock()
	tx := &Tx{d: d, origin: origin}
	fn(tx)
	delta := tx.delta
	notify := d.collectSeqObservers(delta)
	broadcast := d.broadcast
	hooks := d.copyTxHooks()
	d.mu.Unlock()

	for _, fn := range notify {
		fn(origin)
	}
	if !delta.Empty() {
		for _, hook := range hooks {
			hook(TxInfo{Origin: origin, Ops: delta.Ops})
		}
		if broadcast != nil {
			broadcast(delta)
		}
	}
	return delta
}

// ApplyDelta integrates a remote transaction under the given origin.
// Creates apply before ops. A remote create with a newer stamp replaces
// the map entry (adopting the old entry's runs) and notifies key
// observers; an older one loses and is dropped.
func (d *Doc) ApplyDelta(delta Delta, origin string) {
	d.mu.Lock()
	var keyNotify []func()
	for _, c := range delta.Creates {
		d.clock.Update(c.Stamp)
		existing, ok := d.entries[c.Key]
		if !ok {
			d.entries[c.Key] = &entry{
				text:    rtext.New(),
				created: c.Stamp,
				obs:     make(map[int]func(string)),
			}
			continue
		}
		if !c.Stamp.After(existing.created) {
			continue
		}
		// Last writer wins the map entry. The replacement is a new
		// object: sequence observers on the old one are orphaned and
		// key observers are told to rebind.
		d.entries[c.Key] = &entry{
			text:    rtext.FromRuns(existing.text.Runs()),
			created: c.Stamp,
			obs:     make(map[int]func(string)),
		}
		for _, fn := range d.keyObs[c.Key] {
			keyNotify = append(keyNotify, fn)
		}
	}

	var seqNotify []func(string)
	for key, ops := range delta.Ops {
		e, ok := d.entries[key]
		if !ok {
			// Ops for a key whose create has not arrived yet; make a
			// placeholder the eventual create can win over.
			e = &entry{text: rtext.New(), obs: make(map[int]func(string))}
			d.entries[key] = e
		}
		changed := false
		for _, op := range ops {
			d.clock.Update(op.MaxID())
			if e.text.Apply(op) {
				changed = true
			}
		}
		if changed {
			for _, fn := range e.obs {
				seqNotify = append(seqNotify, fn)
			}
		}
	}
	hooks := d.copyTxHooks()
	d.mu.Unlock()

	for _, fn := range keyNotify {
		fn()
	}
	for _, fn := range seqNotify {
		fn(origin)
	}
	if !delta.Empty() {
		for _, hook := range hooks {
			hook(TxInfo{Origin: origin, Ops: delta.Ops})
		}
	}
}

// collectSeqObservers gathers the observer callbacks for every key a
// delta touched. Caller holds the lock.
func (d *Doc) collectSeqObservers(delta Delta) []func(string) {
	var out []func(string)
	for key := range delta.Ops {
		if e, ok := d.entries[key]; ok {
			for _, fn := range e.obs {
				out = append(out, fn)
			}
		}
	}
	return out
}

// Value returns the materialized string for key, empty if absent.
func (d *Doc) Value(key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok {
		return e.text.String()
	}
	return ""
}

// Exists reports whether a sequence is bound to key.
func (d *Doc) Exists(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.entries[key]
	return ok
}

// ObserveKey registers fn to fire when the sequence object bound to key
// is replaced. The returned cancel is idempotent.
func (d *Doc) ObserveKey(key string, fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keyObs[key] == nil {
		d.keyObs[key] = make(map[int]func())
	}
	id := d.nextObs
	d.nextObs++
	d.keyObs[key][id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.keyObs[key], id)
	}
}

// ObserveSeq registers fn on the sequence object currently bound to
// key, firing with the origin of every transaction that changes it. The
// registration dies with the object: after a map-entry replacement it
// no longer fires, and the cancel becomes a no-op.
func (d *Doc) ObserveSeq(key string, fn func(origin string)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok {
		return func() {}
	}
	id := d.nextObs
	d.nextObs++
	e.obs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(e.obs, id)
	}
}

// ExportRuns snapshots every sequence's run set for persistence.
func (d *Doc) ExportRuns() map[string][]rtext.Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]rtext.Run, len(d.entries))
	for key, e := range d.entries {
		out[key] = e.text.Runs()
	}
	return out
}

// ImportRuns loads persisted run sets, replacing any current state.
// The clock is advanced past every imported id so ids minted after a
// restore never collide with restored ones.
func (d *Doc) ImportRuns(runs map[string][]rtext.Run) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, rs := range runs {
		for _, r := range rs {
			d.clock.Update(r.ID.Add(len([]rune(r.Value)) - 1))
			d.clock.Update(r.Stamp)
		}
		d.entries[key] = &entry{
			text:    rtext.FromRuns(rs),
			created: d.clock.Now(),
			obs:     make(map[int]func(string)),
		}
	}
}
