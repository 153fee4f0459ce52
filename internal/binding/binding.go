// Package binding connects one editable text field to its replicated
// sequence. A binding turns whole-string updates from the editor into
// minimal CRDT operations, surfaces local and remote changes to
// subscribers, and transparently re-attaches when the authoritative
// sequence object for its id is replaced by a racing peer.
package binding

import (
	"sync"

	"easel/collab/internal/doc"
	"easel/collab/internal/textdiff"
)

// TextBinding binds one text-box id to its replicated sequence.
type TextBinding struct {
	mu        sync.Mutex
	doc       *doc.Doc
	key       string
	subs      map[int]func(value string)
	rebinds   map[int]func()
	nextSub   int
	cancelSeq func()
	cancelKey func()
	closed    bool
}

// New establishes a binding for the given text-box id, creating an
// empty sequence if none exists yet (safe against a concurrent peer
// doing the same; the id is authoritative, not the object).
func New(d *doc.Doc, key string) *TextBinding {
	if d == nil {
		panic("binding: nil document")
	}
	b := &TextBinding{
		doc:     d,
		key:     key,
		subs:    make(map[int]func(string)),
		rebinds: make(map[int]func()),
	}
	d.Transact(d.LocalOrigin(), func(tx *doc.Tx) {
		tx.Ensure(key)
	})
	b.cancelSeq = d.ObserveSeq(key, b.onChange)
	b.cancelKey = d.ObserveKey(key, b.onReplaced)
	return b
}

// Key returns the bound text-box id.
func (b *TextBinding) Key() string {
	return b.key
}

// Doc returns the underlying document.
func (b *TextBinding) Doc() *doc.Doc {
	return b.doc
}

// CurrentValue returns the materialized string of the bound sequence.
func (b *TextBinding) CurrentValue() string {
	return b.doc.Value(b.key)
}

// SetValue computes the minimal edit from the current value to next and
// applies it as one local-origin transaction. Equal values are a true
// no-op: no transaction is issued.
func (b *TextBinding) SetValue(next string) {
	if b.doc.Value(b.key) == next {
		return
	}
	b.doc.Transact(b.doc.LocalOrigin(), func(tx *doc.Tx) {
		edit, ok := textdiff.Compute(tx.Value(b.key), next)
		if !ok {
			return
		}
		if edit.Delete > 0 {
			tx.Delete(b.key, edit.Prefix, edit.Delete)
		}
		if edit.Insert != "" {
			tx.Insert(b.key, edit.Prefix, edit.Insert)
		}
	})
}

// Subscribe registers fn to receive the current value after every local
// or remote mutation of the bound sequence. The subscription survives
// rebinds; the returned cancel is idempotent.
func (b *TextBinding) Subscribe(fn func(value string)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// OnRebind registers fn to fire after the binding re-attaches to a
// replacement sequence object. The undo history uses this to tear
// itself down, since its stacks belong to the old object.
func (b *TextBinding) OnRebind(fn func()) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.rebinds[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.rebinds, id)
	}
}

// Close releases the binding's document-side observers. Subscribers
// receive nothing further.
func (b *TextBinding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancelSeq, cancelKey := b.cancelSeq, b.cancelKey
	b.mu.Unlock()
	cancelSeq()
	cancelKey()
}

// onChange fans a sequence mutation out to subscribers.
func (b *TextBinding) onChange(string) {
	b.notify(b.doc.Value(b.key))
}

// onReplaced handles replacement of the map entry for our key: detach
// from the dead sequence object, attach to the new one, and re-notify
// subscribers with the re-materialized value. External subscribers are
// preserved without any action on their part.
func (b *TextBinding) onReplaced() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	old := b.cancelSeq
	b.cancelSeq = b.doc.ObserveSeq(b.key, b.onChange)
	rebinds := make([]func(), 0, len(b.rebinds))
	for _, fn := range b.rebinds {
		rebinds = append(rebinds, fn)
	}
	b.mu.Unlock()

	old()
	for _, fn := range rebinds {
		fn()
	}
	b.notify(b.doc.Value(b.key))
}

func (b *TextBinding) notify(value string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		fn(value)
	}
}
