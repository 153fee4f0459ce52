package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"easel/collab/internal/deck"
	"easel/collab/internal/doc"
	"easel/collab/internal/presence"
	"easel/collab/internal/rtext"
)

// statePayload is the full-state answer to a hello: every text
// sequence's run set plus the structural snapshot.
type statePayload struct {
	Runs map[string][]rtext.Run `json:"runs"`
	Deck json.RawMessage        `json:"deck"`
}

// Client connects one participant's document and structural store to a
// transport. It broadcasts local deltas, applies remote ones, answers
// newcomers' state requests, and forwards presence traffic.
type Client struct {
	tr     Transport
	deckID string
	sender string
	d      *doc.Doc
	store  *deck.Store

	mu           sync.Mutex
	presenceSubs map[int]func(presence.Update)
	nextSub      int
	synced       bool
	cancelRecv   func()
	started      bool
}

// New creates a client with a fresh connection identity. The identity
// doubles as the presence connection id.
func New(tr Transport, deckID string, d *doc.Doc, store *deck.Store) *Client {
	return &Client{
		tr:           tr,
		deckID:       deckID,
		sender:       uuid.NewString(),
		d:            d,
		store:        store,
		presenceSubs: make(map[int]func(presence.Update)),
	}
}

// Sender returns the connection identity stamped on outgoing traffic.
func (c *Client) Sender() string {
	return c.sender
}

// MarkSynced declares local state authoritative, so later full-state
// answers are ignored instead of clobbering it. Called after loading a
// persisted snapshot, or once the first peer answer is applied.
func (c *Client) MarkSynced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = true
}

// Start wires broadcast hooks, begins receiving, and asks peers for
// current state.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.d.OnBroadcast(func(delta doc.Delta) {
		c.send(ctx, KindText, delta)
	})
	c.store.OnBroadcast(func(delta deck.Delta) {
		c.send(ctx, KindDeck, delta)
	})

	cancel, err := c.tr.Receive(ctx, func(env Envelope) { c.dispatch(ctx, env) })
	if err != nil {
		return fmt.Errorf("start relay client: %w", err)
	}
	c.mu.Lock()
	c.cancelRecv = cancel
	c.mu.Unlock()

	if err := c.tr.Send(ctx, Envelope{Kind: KindHello, DeckID: c.deckID, Sender: c.sender}); err != nil {
		return fmt.Errorf("announce to peers: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, kind Kind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("relay: marshal %s payload: %v", kind, err)
		return
	}
	env := Envelope{Kind: kind, DeckID: c.deckID, Sender: c.sender, Payload: raw}
	if err := c.tr.Send(ctx, env); err != nil {
		log.Printf("relay: send %s: %v", kind, err)
	}
}

func (c *Client) dispatch(ctx context.Context, env Envelope) {
	if env.Sender == c.sender || env.DeckID != c.deckID {
		return
	}
	switch env.Kind {
	case KindText:
		var delta doc.Delta
		if err := json.Unmarshal(env.Payload, &delta); err != nil {
			log.Printf("relay: decode text delta: %v", err)
			return
		}
		c.d.ApplyDelta(delta, "remote:"+env.Sender)
	case KindDeck:
		var delta deck.Delta
		if err := json.Unmarshal(env.Payload, &delta); err != nil {
			log.Printf("relay: decode deck delta: %v", err)
			return
		}
		c.store.ApplyDelta(delta)
	case KindPresence:
		var u presence.Update
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return
		}
		c.mu.Lock()
		fns := make([]func(presence.Update), 0, len(c.presenceSubs))
		for _, fn := range c.presenceSubs {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(u)
		}
	case KindHello:
		c.answerHello(ctx)
	case KindState:
		c.applyState(env.Payload)
	}
}

// answerHello ships full state to a newcomer. Unsynced clients stay
// quiet so two empty newcomers never trade empty snapshots.
func (c *Client) answerHello(ctx context.Context) {
	c.mu.Lock()
	synced := c.synced
	c.mu.Unlock()
	if !synced {
		return
	}
	snap, err := c.store.Snapshot()
	if err != nil {
		log.Printf("relay: snapshot for state answer: %v", err)
		return
	}
	c.send(ctx, KindState, statePayload{Runs: c.d.ExportRuns(), Deck: snap})
}

// applyState folds the first full-state answer in as a baseline. Edits
// made locally while the answer was in flight survive: existing runs
// and records win over the snapshot's.
func (c *Client) applyState(payload []byte) {
	c.mu.Lock()
	if c.synced {
		c.mu.Unlock()
		return
	}
	c.synced = true
	c.mu.Unlock()

	var state statePayload
	if err := json.Unmarshal(payload, &state); err != nil {
		log.Printf("relay: decode state answer: %v", err)
		return
	}

	delta := doc.Delta{Ops: make(map[string][]rtext.Op, len(state.Runs))}
	for key, runs := range state.Runs {
		delta.Creates = append(delta.Creates, doc.Create{Key: key})
		ops := make([]rtext.Op, 0, len(runs))
		for i := range runs {
			run := runs[i]
			ops = append(ops, rtext.Op{Kind: rtext.OpInsert, Run: &run})
		}
		delta.Ops[key] = ops
	}
	if !delta.Empty() {
		c.d.ApplyDelta(delta, "remote:state")
	}
	if len(state.Deck) > 0 {
		if err := c.store.MergeSnapshot(state.Deck); err != nil {
			log.Printf("relay: merge deck state: %v", err)
		}
	}
}

// PresenceChannel exposes the transport's presence lane as a
// presence.Channel, for running presence over the same connection.
func (c *Client) PresenceChannel() presence.Channel {
	return &presenceChannel{c: c}
}

type presenceChannel struct{ c *Client }

func (p *presenceChannel) Publish(ctx context.Context, u presence.Update) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	return p.c.tr.Send(ctx, Envelope{
		Kind:    KindPresence,
		DeckID:  p.c.deckID,
		Sender:  p.c.sender,
		Payload: raw,
	})
}

func (p *presenceChannel) Subscribe(_ context.Context, fn func(presence.Update)) (func(), error) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	id := p.c.nextSub
	p.c.nextSub++
	p.c.presenceSubs[id] = fn
	return func() {
		p.c.mu.Lock()
		defer p.c.mu.Unlock()
		delete(p.c.presenceSubs, id)
	}, nil
}

func (p *presenceChannel) Close() error { return nil }

// Close stops receiving. The transport itself is closed by its owner.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancelRecv
	c.cancelRecv = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
