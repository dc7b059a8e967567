package engine

import (
	"testing"
	"time"
)

func TestGateResolve(t *testing.T) {
	g := newApprovalGate()
	done := make(chan struct{})

	got := make(chan bool, 1)
	go func() {
		approved, timedOut, err := g.wait(done, 3, 0)
		if err != nil || timedOut {
			t.Errorf("wait: approved=%v timedOut=%v err=%v", approved, timedOut, err)
		}
		got <- approved
	}()

	for !g.resolve(3, true) {
		time.Sleep(time.Millisecond)
	}
	if approved := <-got; !approved {
		t.Fatal("approval verdict lost")
	}
}

func TestGateResolveWrongStep(t *testing.T) {
	g := newApprovalGate()
	done := make(chan struct{})

	got := make(chan bool, 1)
	go func() {
		approved, _, _ := g.wait(done, 3, 0)
		got <- approved
	}()

	if g.resolve(7, true) {
		t.Fatal("resolve for a step with no pending request should report false")
	}
	for !g.resolveAny(false) {
		time.Sleep(time.Millisecond)
	}
	if approved := <-got; approved {
		t.Fatal("uncorrelated step index must not approve")
	}
}

func TestGateTimeout(t *testing.T) {
	g := newApprovalGate()
	done := make(chan struct{})

	approved, timedOut, err := g.wait(done, 0, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !timedOut || approved {
		t.Fatalf("approved=%v timedOut=%v, want timeout rejection", approved, timedOut)
	}
}

func TestGateDoneUnblocks(t *testing.T) {
	g := newApprovalGate()
	done := make(chan struct{})
	close(done)

	_, _, err := g.wait(done, 0, 0)
	if err == nil {
		t.Fatal("expected error when run stops during wait")
	}
}

func TestGateResolveWithoutPending(t *testing.T) {
	g := newApprovalGate()
	if g.resolve(0, true) {
		t.Fatal("resolve with nothing pending should report false")
	}
	if g.resolveAny(true) {
		t.Fatal("resolveAny with nothing pending should report false")
	}
}
