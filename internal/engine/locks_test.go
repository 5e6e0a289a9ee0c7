package engine

import (
	"sync"
	"testing"
)

func TestTripLocksSerializeAndRelease(t *testing.T) {
	l := newTripLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("trip-1")
			v := counter
			v++
			counter = v
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("lost updates: %d", counter)
	}
	if n := l.size(); n != 0 {
		t.Fatalf("expected lock table to drain, %d left", n)
	}
}

func TestTripLocksAreIndependent(t *testing.T) {
	l := newTripLocks()
	unlockA := l.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := l.lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}

func TestErrorFaultKinds(t *testing.T) {
	if k := domainErr(CodeTripNotFound, "x").FaultKind(); !k.Counted() {
		t.Fatalf("domain faults count against the breaker")
	}
	if k := validationErr(CodeInvalidAmount, "x").FaultKind(); k.Counted() {
		t.Fatalf("validation faults must not count")
	}
}
