package session

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRegistryWithClient(client), mr
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "deck-1", "conn-a", ConnInfo{Name: "Ada", Color: "#f00"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "deck-1", "conn-b", ConnInfo{Name: "Bea", Color: "#0f0"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "deck-2", "conn-c", ConnInfo{Name: "Cal"}); err != nil {
		t.Fatal(err)
	}

	conns, err := reg.ActiveConns(ctx, "deck-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 2 {
		t.Fatalf("conns = %v, want 2", conns)
	}
	if conns["conn-a"].Name != "Ada" || conns["conn-b"].Name != "Bea" {
		t.Errorf("conns = %+v", conns)
	}
	if conns["conn-a"].JoinedAt.IsZero() {
		t.Error("JoinedAt not defaulted")
	}
}

func TestRegistryExpiry(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "deck-1", "conn-a", ConnInfo{Name: "Ada"}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(reg.ttl * 2)

	conns, err := reg.ActiveConns(ctx, "deck-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 0 {
		t.Errorf("conns after expiry = %v, want none", conns)
	}
	ok, err := reg.Refresh(ctx, "deck-1", "conn-a")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("refreshed a connection that had already expired")
	}
}

func TestRegistryRefreshAndDeregister(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "deck-1", "conn-a", ConnInfo{Name: "Ada"}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(reg.ttl / 2)
	ok, err := reg.Refresh(ctx, "deck-1", "conn-a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("refresh of a live connection failed")
	}
	mr.FastForward(reg.ttl * 3 / 4)
	conns, err := reg.ActiveConns(ctx, "deck-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 1 {
		t.Errorf("refreshed connection gone: %v", conns)
	}

	if err := reg.Deregister(ctx, "deck-1", "conn-a"); err != nil {
		t.Fatal(err)
	}
	conns, err = reg.ActiveConns(ctx, "deck-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 0 {
		t.Errorf("conns after deregister = %v, want none", conns)
	}
}
