package hlc

import (
	"testing"
	"time"
)

func TestCompare(t *testing.T) {
	h1 := HLC{WallTime: 100, Logical: 1, NodeID: "a"}

	cases := []struct {
		name string
		h2   HLC
		want int
	}{
		{"later wall", HLC{WallTime: 101, Logical: 1, NodeID: "a"}, -1},
		{"earlier wall", HLC{WallTime: 99, Logical: 1, NodeID: "a"}, 1},
		{"later logical", HLC{WallTime: 100, Logical: 2, NodeID: "a"}, -1},
		{"earlier logical", HLC{WallTime: 100, Logical: 0, NodeID: "a"}, 1},
		{"node tie-break high", HLC{WallTime: 100, Logical: 1, NodeID: "b"}, -1},
		{"node tie-break low", HLC{WallTime: 100, Logical: 1, NodeID: "0"}, 1},
		{"equal", HLC{WallTime: 100, Logical: 1, NodeID: "a"}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h1.Compare(tc.h2); got != tc.want {
				t.Fatalf("Compare(%v, %v) = %d, want %d", h1, tc.h2, got, tc.want)
			}
		})
	}
}

func TestClockMonotonic(t *testing.T) {
	c := NewClock("node1")
	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		if !next.After(prev) {
			t.Fatalf("clock went backwards: %v then %v", prev, next)
		}
		prev = next
	}
}

func TestClockReserve(t *testing.T) {
	c := NewClock("node1")
	ts := c.Reserve(5)
	next := c.Now()
	if !next.After(ts.Add(4)) {
		t.Fatalf("Now %v should be after end of reserved range %v", next, ts.Add(4))
	}
}

func TestClockUpdate(t *testing.T) {
	c := NewClock("local")
	remote := HLC{WallTime: time.Now().Add(time.Hour).UnixNano(), Logical: 5, NodeID: "remote"}

	c.Update(remote)
	local := c.Now()
	if !local.After(remote) {
		t.Fatalf("local clock should have jumped past remote: local=%v remote=%v", local, remote)
	}
}

func TestAdd(t *testing.T) {
	h := HLC{WallTime: 10, Logical: 3, NodeID: "a"}
	got := h.Add(4)
	want := HLC{WallTime: 10, Logical: 7, NodeID: "a"}
	if got != want {
		t.Fatalf("Add(4) = %v, want %v", got, want)
	}
}

func TestIsZero(t *testing.T) {
	if !(HLC{}).IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	if (HLC{WallTime: 1}).IsZero() {
		t.Fatal("non-zero value should not report IsZero")
	}
}
