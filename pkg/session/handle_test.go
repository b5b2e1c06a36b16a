package session

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestRefHandleReleasesOnce(t *testing.T) {
	released := 0
	h := newRefHandle(2, func() { released++ })

	h.drop()
	if released != 0 {
		t.Fatal("released with a reference still held")
	}
	if !h.alive() {
		t.Fatal("handle reported dead with one reference left")
	}

	h.drop()
	if released != 1 {
		t.Fatalf("release ran %d times", released)
	}
	if h.alive() {
		t.Fatal("handle reported alive after last drop")
	}
}

func TestRefHandleAcquireAfterDeath(t *testing.T) {
	h := newRefHandle(1, nil)
	if !h.acquire() {
		t.Fatal("acquire failed on a live handle")
	}
	h.drop()
	h.drop()
	if h.acquire() {
		t.Fatal("acquire succeeded on a dead handle")
	}
}

func TestRefHandleDropIfAliveRace(t *testing.T) {
	released := 0
	h := newRefHandle(1, func() { released++ })

	var wg sync.WaitGroup
	var dropped atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.dropIfAlive() {
				dropped.Add(1)
			}
		}()
	}
	wg.Wait()

	if dropped.Load() != 1 {
		t.Errorf("dropIfAlive succeeded %d times, want 1", dropped.Load())
	}
	if released != 1 {
		t.Errorf("release ran %d times", released)
	}
}

func TestRefHandleOverReleasePanics(t *testing.T) {
	h := newRefHandle(1, nil)
	h.drop()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double drop")
		}
	}()
	h.drop()
}
