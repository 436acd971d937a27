package hlc

import (
	"errors"
	"testing"
	"time"
)

type steppingWall struct {
	now time.Time
}

func (w *steppingWall) read() time.Time {
	return w.now
}

func (w *steppingWall) advance(delta time.Duration) {
	w.now = w.now.Add(delta)
}

func newTestClock(t *testing.T, node string) (*Clock, *steppingWall) {
	t.Helper()
	wall := &steppingWall{now: time.UnixMilli(1704067200000)}
	return NewClock(node, wall.read), wall
}

func TestSendIsStrictlyMonotonic(t *testing.T) {
	clock, wall := newTestClock(t, "c1")
	previous := clock.Current()
	for i := 0; i < 100; i++ {
		if i%3 == 0 {
			wall.advance(time.Millisecond)
		}
		next := clock.Send()
		if Compare(next, previous) <= 0 {
			t.Fatalf("send %d not strictly increasing: %v then %v", i, previous, next)
		}
		previous = next
	}
}

func TestSendResetsLogicalOnWallAdvance(t *testing.T) {
	clock, wall := newTestClock(t, "c1")
	first := clock.Send()
	if first.Logical != 0 {
		// Same wall millisecond as the seed, so the counter ticked.
		t.Logf("first send logical: %d", first.Logical)
	}
	wall.advance(5 * time.Millisecond)
	second := clock.Send()
	if second.Logical != 0 {
		t.Fatalf("expected logical reset after wall advance, got %d", second.Logical)
	}
	if second.Physical <= first.Physical {
		t.Fatalf("expected physical to advance, got %d then %d", first.Physical, second.Physical)
	}
}

func TestSendIncrementsLogicalWhenWallStalls(t *testing.T) {
	clock, _ := newTestClock(t, "c1")
	first := clock.Send()
	second := clock.Send()
	if second.Physical != first.Physical {
		t.Fatalf("expected physical to hold, got %d then %d", first.Physical, second.Physical)
	}
	if second.Logical != first.Logical+1 {
		t.Fatalf("expected logical increment, got %d then %d", first.Logical, second.Logical)
	}
}

func TestReceiveDominatesRemoteAhead(t *testing.T) {
	clock, wall := newTestClock(t, "c1")
	remote := Hlc{Physical: uint64(wall.now.UnixMilli()) + 10000, Logical: 7, Node: "c2"}

	received, err := clock.Receive(remote, 0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if received.Physical != remote.Physical || received.Logical != remote.Logical+1 {
		t.Fatalf("expected remote-dominated state, got %#v", received)
	}
	if received.Node != "c1" {
		t.Fatalf("expected local node to be preserved, got %q", received.Node)
	}

	next := clock.Send()
	if Compare(next, remote) <= 0 {
		t.Fatalf("send after receive must dominate remote: %v vs %v", next, remote)
	}
}

func TestReceivePrefersWallWhenFresh(t *testing.T) {
	clock, wall := newTestClock(t, "c1")
	remote := Hlc{Physical: uint64(wall.now.UnixMilli()) - 5000, Logical: 3, Node: "c2"}
	wall.advance(time.Second)

	received, err := clock.Receive(remote, 0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if received.Physical != uint64(wall.now.UnixMilli()) || received.Logical != 0 {
		t.Fatalf("expected wall-clock state, got %#v", received)
	}
}

func TestReceiveTieTakesMaxLogical(t *testing.T) {
	clock, wall := newTestClock(t, "c1")
	remote := Hlc{Physical: uint64(wall.now.UnixMilli()), Logical: 9, Node: "c2"}

	received, err := clock.Receive(remote, 0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if received.Physical != remote.Physical || received.Logical != 10 {
		t.Fatalf("expected tie to take max logical + 1, got %#v", received)
	}
}

func TestReceiveRejectsExcessiveDrift(t *testing.T) {
	clock, wall := newTestClock(t, "c1")
	before := clock.Current()
	remote := Hlc{Physical: uint64(wall.now.UnixMilli()) + 120000, Logical: 0, Node: "c2"}

	_, err := clock.Receive(remote, time.Minute)
	var driftErr *DriftError
	if !errors.As(err, &driftErr) {
		t.Fatalf("expected drift error, got %v", err)
	}
	if driftErr.MaxDrift != time.Minute {
		t.Fatalf("unexpected max drift: %s", driftErr.MaxDrift)
	}
	if clock.Current() != before {
		t.Fatalf("expected clock state untouched after drift rejection")
	}

	if _, err := clock.Receive(remote, 0); err != nil {
		t.Fatalf("expected unbounded receive to succeed, got %v", err)
	}
}
