package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	reg := New()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := reg.Lock("house-1")
			defer unlock()
			current := counter
			current++
			counter = current
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry len = %d, want 0 after release", reg.Len())
	}
}

func TestLockDistinctKeysDoNotBlock(t *testing.T) {
	reg := New()
	unlockA := reg.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := reg.Lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
