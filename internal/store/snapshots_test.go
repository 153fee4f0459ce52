package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"easel/collab/internal/hlc"
	"easel/collab/internal/rtext"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres integration test")
	}
	return url
}

func openTestDB(t *testing.T) *Snapshots {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewSnapshots(db)
}

func TestSnapshotRoundTrip(t *testing.T) {
	snaps := openTestDB(t)
	ctx := context.Background()

	clock := hlc.NewClock("node-test")
	id := clock.Now()
	want := Snapshot{
		DeckID: "deck-roundtrip",
		Deck:   []byte(`{"slides":[],"version":1}`),
		Runs: map[string][]rtext.Run{
			"box-1": {{ID: id, Value: "hello"}},
		},
	}
	t.Cleanup(func() { _ = snaps.Delete(ctx, want.DeckID) })

	if err := snaps.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := snaps.Load(ctx, want.DeckID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got.Deck) != string(want.Deck) {
		t.Errorf("deck = %s, want %s", got.Deck, want.Deck)
	}
	runs := got.Runs["box-1"]
	if len(runs) != 1 || runs[0].Value != "hello" || runs[0].ID != id {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSaveOverwrites(t *testing.T) {
	snaps := openTestDB(t)
	ctx := context.Background()

	snap := Snapshot{DeckID: "deck-overwrite", Deck: []byte(`{"version":1}`)}
	t.Cleanup(func() { _ = snaps.Delete(ctx, snap.DeckID) })

	if err := snaps.Save(ctx, snap); err != nil {
		t.Fatalf("first save: %v", err)
	}
	snap.Deck = []byte(`{"version":2}`)
	if err := snaps.Save(ctx, snap); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err := snaps.Load(ctx, snap.DeckID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got.Deck) != `{"version":2}` {
		t.Errorf("deck = %s, want the later save", got.Deck)
	}
}

func TestLoadMissing(t *testing.T) {
	snaps := openTestDB(t)
	_, err := snaps.Load(context.Background(), "deck-never-saved")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
