// Package relay moves replication envelopes between participants of a
// deck. Transports carry opaque envelopes; the Client glues a transport
// to the text document and the structural store, tags outgoing traffic
// with a connection identity, and drops its own echoes.
package relay

import (
	"context"
	"encoding/json"
)

// Kind identifies what an envelope carries.
type Kind string

const (
	// KindText carries a text document delta.
	KindText Kind = "text"
	// KindDeck carries a structural store delta.
	KindDeck Kind = "deck"
	// KindPresence carries a presence update.
	KindPresence Kind = "presence"
	// KindHello announces a newcomer asking peers for current state.
	KindHello Kind = "hello"
	// KindState answers a hello with a full state snapshot.
	KindState Kind = "state"
)

// Envelope is the wire unit exchanged between participants.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	DeckID  string          `json:"deckId"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Transport delivers envelopes between all participants of a deck.
// Delivery is at-least-once and unordered across senders; everything
// layered above is built to tolerate both.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context, fn func(Envelope)) (cancel func(), err error)
	Close() error
}
