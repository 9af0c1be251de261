package locking

import (
	"sync"
	"testing"
)

func TestAcquireSerializesPerKey(t *testing.T) {
	keyed := NewKeyed()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := keyed.Acquire("session-1")
			defer release()
			counter++
		}()
	}
	wg.Wait()

	if counter != 16 {
		t.Fatalf("lost increments: %d", counter)
	}
}

func TestEntriesEvictedOnRelease(t *testing.T) {
	keyed := NewKeyed()

	releaseA := keyed.Acquire("session-a")
	releaseB := keyed.Acquire("session-b")
	if keyed.Len() != 2 {
		t.Fatalf("expected 2 live entries, got %d", keyed.Len())
	}

	releaseA()
	if keyed.Len() != 1 {
		t.Fatalf("entry not evicted on release: %d", keyed.Len())
	}
	releaseB()
	if keyed.Len() != 0 {
		t.Fatalf("entries leaked: %d", keyed.Len())
	}
}

func TestEvictionKeepsWaitersSerialized(t *testing.T) {
	keyed := NewKeyed()

	release := keyed.Acquire("session-1")

	var wg sync.WaitGroup
	entered := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := keyed.Acquire("session-1")
			entered <- struct{}{}
			r()
		}()
	}

	if len(entered) != 0 {
		t.Fatal("waiter entered while lock was held")
	}
	release()
	wg.Wait()

	if len(entered) != 8 {
		t.Fatalf("expected 8 waiters to pass, got %d", len(entered))
	}
	if keyed.Len() != 0 {
		t.Fatalf("entries leaked after waiters drained: %d", keyed.Len())
	}
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	keyed := NewKeyed()

	release := keyed.Acquire("session-1")
	defer release()

	done := make(chan struct{})
	go func() {
		r := keyed.Acquire("session-2")
		r()
		close(done)
	}()
	<-done
}
