// Package app runs the collabd relay server: it accepts websocket
// participants, fans their envelopes out per deck, keeps a headless
// replica of every active deck, and periodically persists replicas to
// postgres.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"easel/collab/internal/config"
	"easel/collab/internal/deck"
	"easel/collab/internal/doc"
	"easel/collab/internal/relay"
	"easel/collab/internal/session"
	"easel/collab/internal/store"
)

// Service owns the per-deck hubs and their shared backends. The redis
// client, snapshot store, and registry are all optional: without redis
// the server is single-process, without postgres decks live only in
// memory.
type Service struct {
	cfg       config.Config
	redis     *redis.Client
	snapshots *store.Snapshots
	registry  *session.RedisRegistry

	mu    sync.Mutex
	decks map[string]*deckHub
}

// deckHub is one deck's fan-out point plus the server's own replica of
// its state.
type deckHub struct {
	id        string
	transport relay.Transport
	d         *doc.Doc
	store     *deck.Store
	client    *relay.Client
}

// New assembles the service. Any of redisClient, snapshots, and
// registry may be nil.
func New(cfg config.Config, redisClient *redis.Client, snapshots *store.Snapshots, registry *session.RedisRegistry) *Service {
	return &Service{
		cfg:       cfg,
		redis:     redisClient,
		snapshots: snapshots,
		registry:  registry,
		decks:     make(map[string]*deckHub),
	}
}

// Deck returns the hub for a deck, creating it on first use. A fresh
// hub restores the deck's snapshot when one is persisted. The caller's
// context bounds only the snapshot load; the hub itself outlives it.
func (s *Service) Deck(ctx context.Context, deckID string) (*deckHub, error) {
	s.mu.Lock()
	if hub, ok := s.decks[deckID]; ok {
		s.mu.Unlock()
		return hub, nil
	}
	s.mu.Unlock()

	hub, err := s.buildDeck(ctx, deckID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.decks[deckID]; ok {
		hub.client.Close()
		_ = hub.transport.Close()
		return existing, nil
	}
	s.decks[deckID] = hub
	return hub, nil
}

func (s *Service) buildDeck(ctx context.Context, deckID string) (*deckHub, error) {
	var transport relay.Transport
	if s.redis != nil {
		transport = relay.NewRedisTransportWithClient(s.redis, deckID)
	} else {
		transport = relay.NewBus()
	}

	d := doc.New("collabd:" + deckID)
	st := deck.NewStore(d.Clock())
	client := relay.New(transport, deckID, d, st)

	if s.snapshots != nil {
		snap, err := s.snapshots.Load(ctx, deckID)
		switch {
		case err == nil:
			d.ImportRuns(snap.Runs)
			if migrated, err := st.LoadSnapshot(snap.Deck); err != nil {
				return nil, fmt.Errorf("load deck %s: %w", deckID, err)
			} else if migrated {
				log.Printf("deck %s: snapshot migrated to current shape", deckID)
			}
			client.MarkSynced()
		case errors.Is(err, store.ErrNotFound):
			client.MarkSynced()
		default:
			return nil, fmt.Errorf("load deck %s: %w", deckID, err)
		}
	} else {
		client.MarkSynced()
	}

	// The replica runs for the hub's lifetime, not the request's.
	if err := client.Start(context.Background()); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("start replica for deck %s: %w", deckID, err)
	}
	return &deckHub{
		id:        deckID,
		transport: transport,
		d:         d,
		store:     st,
		client:    client,
	}, nil
}

// DeckStats describes one active deck.
type DeckStats struct {
	DeckID      string `json:"deckId"`
	Slides      int    `json:"slides"`
	Version     uint64 `json:"version"`
	Connections int    `json:"connections"`
}

// Stats reports an active deck's state. Unknown decks are a domain
// error rather than an implicit creation.
func (s *Service) Stats(ctx context.Context, deckID string) (DeckStats, error) {
	s.mu.Lock()
	hub, ok := s.decks[deckID]
	s.mu.Unlock()
	if !ok {
		return DeckStats{}, domainError(http.StatusNotFound, "deck_not_active", "deck has no active hub")
	}

	stats := DeckStats{
		DeckID:  deckID,
		Slides:  len(hub.store.Slides()),
		Version: hub.store.Version(),
	}
	if s.registry != nil {
		conns, err := s.registry.ActiveConns(ctx, deckID)
		if err != nil {
			return DeckStats{}, fmt.Errorf("list conns for %s: %w", deckID, err)
		}
		stats.Connections = len(conns)
	}
	return stats, nil
}

// SnapshotLoop persists every active deck at the configured interval
// until ctx ends. A final pass runs on the way out.
func (s *Service) SnapshotLoop(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.snapshotAll(context.Background())
			return
		case <-ticker.C:
			s.snapshotAll(ctx)
		}
	}
}

func (s *Service) snapshotAll(ctx context.Context) {
	s.mu.Lock()
	hubs := make([]*deckHub, 0, len(s.decks))
	for _, hub := range s.decks {
		hubs = append(hubs, hub)
	}
	s.mu.Unlock()

	for _, hub := range hubs {
		deckSnap, err := hub.store.Snapshot()
		if err != nil {
			log.Printf("snapshot deck %s: %v", hub.id, err)
			continue
		}
		snap := store.Snapshot{
			DeckID: hub.id,
			Deck:   deckSnap,
			Runs:   hub.d.ExportRuns(),
		}
		if err := s.snapshots.Save(ctx, snap); err != nil {
			log.Printf("persist deck %s: %v", hub.id, err)
		}
	}
}

// Close stops every hub.
func (s *Service) Close() {
	s.mu.Lock()
	hubs := s.decks
	s.decks = make(map[string]*deckHub)
	s.mu.Unlock()
	for _, hub := range hubs {
		hub.client.Close()
		_ = hub.transport.Close()
	}
}
