package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"easel/collab/internal/rtext"
)

// ErrNotFound reports that no snapshot exists for a deck.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one persisted deck: the structural snapshot as produced
// by the deck store plus every text sequence's run set.
type Snapshot struct {
	DeckID string
	Deck   []byte
	Runs   map[string][]rtext.Run
}

type Snapshots struct {
	db *sql.DB
}

func NewSnapshots(db *sql.DB) *Snapshots {
	return &Snapshots{db: db}
}

// Save upserts the deck's snapshot. Later saves overwrite earlier ones;
// history is not kept.
func (s *Snapshots) Save(ctx context.Context, snap Snapshot) error {
	runs, err := json.Marshal(snap.Runs)
	if err != nil {
		return fmt.Errorf("marshal runs: %w", err)
	}
	const upsert = `
		INSERT INTO deck_snapshots (deck_id, deck, runs, saved_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (deck_id) DO UPDATE
		SET deck = EXCLUDED.deck, runs = EXCLUDED.runs, saved_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, upsert, snap.DeckID, snap.Deck, runs); err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.DeckID, err)
	}
	return nil
}

// Load returns the deck's snapshot, or ErrNotFound.
func (s *Snapshots) Load(ctx context.Context, deckID string) (Snapshot, error) {
	const query = `SELECT deck, runs FROM deck_snapshots WHERE deck_id = $1`
	snap := Snapshot{DeckID: deckID}
	var runs []byte
	err := s.db.QueryRowContext(ctx, query, deckID).Scan(&snap.Deck, &runs)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", deckID, err)
	}
	if err := json.Unmarshal(runs, &snap.Runs); err != nil {
		return Snapshot{}, fmt.Errorf("decode runs for %s: %w", deckID, err)
	}
	return snap, nil
}

// Delete removes the deck's snapshot. Missing rows are not an error.
func (s *Snapshots) Delete(ctx context.Context, deckID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deck_snapshots WHERE deck_id = $1`, deckID); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", deckID, err)
	}
	return nil
}
