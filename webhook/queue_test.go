package webhook

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue("test")
	for i := 0; i < 5; i++ {
		q.Push(Item{ID: strconv.Itoa(i)})
	}
	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	done := make(chan struct{})
	go func() {
		q.Run(ctx, 1, time.Second, func(_ context.Context, it Item) error {
			got = append(got, it.ID)
			if len(got) == 5 {
				cancel()
			}
			return nil
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}
	for i, id := range got {
		if id != strconv.Itoa(i) {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestQueuePushDuringRun(t *testing.T) {
	q := NewQueue("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	seen := map[string]bool{}
	all := make(chan struct{})
	go q.Run(ctx, 4, time.Second, func(_ context.Context, it Item) error {
		mu.Lock()
		defer mu.Unlock()
		seen[it.ID] = true
		if len(seen) == 50 {
			close(all)
		}
		return nil
	})
	for i := 0; i < 50; i++ {
		q.Push(Item{ID: strconv.Itoa(i)})
	}
	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatalf("processed %d of 50", len(seen))
	}
}

func TestQueueAbandonsHungItem(t *testing.T) {
	q := NewQueue("test")
	q.Push(Item{ID: "hung"})
	q.Push(Item{ID: "panics"})
	q.Push(Item{ID: "fails"})
	q.Push(Item{ID: "next"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	processed := make(chan string, 4)
	go q.Run(ctx, 1, 50*time.Millisecond, func(ictx context.Context, it Item) error {
		switch it.ID {
		case "hung":
			<-release
		case "panics":
			panic("boom")
		case "fails":
			processed <- it.ID
			return errors.New("transient")
		}
		processed <- it.ID
		return nil
	})
	var got []string
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case id := <-processed:
			got = append(got, id)
		case <-timeout:
			t.Fatalf("stuck after %v", got)
		}
	}
	if got[0] != "fails" || got[1] != "next" {
		t.Fatalf("processed = %v", got)
	}
}

func TestQueueStragglerLimit(t *testing.T) {
	q := NewQueueWithLimit("test", 1)
	q.Push(Item{ID: "hung-1"})
	q.Push(Item{ID: "hung-2"})
	q.Push(Item{ID: "next"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release1, release2 := make(chan struct{}), make(chan struct{})
	processed := make(chan string, 1)
	go q.Run(ctx, 1, 20*time.Millisecond, func(_ context.Context, it Item) error {
		switch it.ID {
		case "hung-1":
			<-release1
		case "hung-2":
			<-release2
		default:
			processed <- it.ID
		}
		return nil
	})

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	waitFor("first straggler", func() bool { return q.Stragglers() == 1 })

	// The second hung item cannot be abandoned, so the worker holds on it.
	select {
	case id := <-processed:
		t.Fatalf("%s processed while the straggler limit was reached", id)
	case <-time.After(200 * time.Millisecond):
	}

	close(release2)
	select {
	case id := <-processed:
		if id != "next" {
			t.Fatalf("processed %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not resume after the held handler returned")
	}

	close(release1)
	waitFor("straggler slot release", func() bool { return q.Stragglers() == 0 })
}
