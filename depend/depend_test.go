package depend

import (
	"context"
	"testing"
	"time"

	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/pipe"
)

func waitCompleted(t *testing.T, c *Coordinator, d time.Duration) {
	t.Helper()
	select {
	case <-c.Completed():
	case <-time.After(d):
		t.Fatal("coordinator did not complete in time")
	}
}

func neverCompleted(t *testing.T, c *Coordinator, d time.Duration) {
	t.Helper()
	select {
	case <-c.Completed():
		t.Fatal("coordinator completed but should not have")
	case <-time.After(d):
	}
}

func TestCoordinatorCompletesOnBareDependency(t *testing.T) {
	store := link.NewStore()
	outbound := pipe.NewQueue()

	offer, err := Advertise(store, outbound, "Foo")
	if err != nil {
		t.Fatal(err)
	}
	defer offer.Close()

	c, err := NewCoordinator(store)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Add("Foo"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	waitCompleted(t, c, 2*time.Second)
}

func TestCoordinatorCompletesAfterStateIDReachesThreshold(t *testing.T) {
	store := link.NewStore()
	outbound := pipe.NewQueue()

	offer, err := Advertise(store, outbound, "PersistSvc")
	if err != nil {
		t.Fatal(err)
	}
	defer offer.Close()
	if err := offer.SetStateID(0); err != nil {
		t.Fatal(err)
	}

	c, err := NewCoordinator(store)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AddByID("PersistSvc", 1); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	// stateId starts at 0, below the threshold of 1: must not complete yet.
	neverCompleted(t, c, 200*time.Millisecond)

	if err := offer.SetStateID(2); err != nil {
		t.Fatal(err)
	}
	waitCompleted(t, c, 2*time.Second)
}

func TestCoordinatorZeroStateIDThresholdIsMeaningful(t *testing.T) {
	store := link.NewStore()
	outbound := pipe.NewQueue()

	offer, err := Advertise(store, outbound, "ZeroSvc")
	if err != nil {
		t.Fatal(err)
	}
	defer offer.Close()

	c, err := NewCoordinator(store)
	if err != nil {
		t.Fatal(err)
	}
	// A threshold of 0 must still be satisfiable: offer's stateId starts at
	// 0, so echo-OK alone should be enough: when the echo arrives the
	// coordinator reads the initial stateId directly.
	if err := c.AddByID("ZeroSvc", 0); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	waitCompleted(t, c, 2*time.Second)
}

func TestCoordinatorCompletesOnStateName(t *testing.T) {
	store := link.NewStore()
	outbound := pipe.NewQueue()

	offer, err := Advertise(store, outbound, "NamedSvc")
	if err != nil {
		t.Fatal(err)
	}
	defer offer.Close()

	c, err := NewCoordinator(store)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AddByName("NamedSvc", "Ready"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	neverCompleted(t, c, 200*time.Millisecond)

	if err := offer.SetStateName("Ready"); err != nil {
		t.Fatal(err)
	}
	waitCompleted(t, c, 2*time.Second)
}

func TestCoordinatorNeverCompletesIfServiceNeverOffered(t *testing.T) {
	store := link.NewStore()

	c, err := NewCoordinator(store)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Add("NeverOffered"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	neverCompleted(t, c, 300*time.Millisecond)
	c.Stop()
}
