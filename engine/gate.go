package engine

import (
	"fmt"
	"sync"
	"time"
)

// approvalGate is the rendezvous between a suspended sequencer and the
// caller's approve/reject decision. The sequencer is single-threaded, so at
// most one request is ever outstanding per run; the map is keyed by step
// index for correlation with inbound responses.
type approvalGate struct {
	mu      sync.Mutex
	pending map[int]chan bool
}

func newApprovalGate() *approvalGate {
	return &approvalGate{pending: make(map[int]chan bool)}
}

var errGateClosed = fmt.Errorf("engine: run stopped while awaiting approval")

// wait suspends until the request for stepIndex is resolved, the optional
// timeout elapses (timeout 0 = wait forever), or done fires. A timeout counts
// as a rejection; done (the run stopping) surfaces as errGateClosed.
func (g *approvalGate) wait(done <-chan struct{}, stepIndex int, timeout time.Duration) (approved, timedOut bool, err error) {
	g.mu.Lock()
	if _, exists := g.pending[stepIndex]; exists {
		g.mu.Unlock()
		return false, false, fmt.Errorf("engine: approval already pending for step %d", stepIndex)
	}
	ch := make(chan bool, 1)
	g.pending[stepIndex] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, stepIndex)
		g.mu.Unlock()
	}()

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case approved = <-ch:
		return approved, false, nil
	case <-expire:
		return false, true, nil
	case <-done:
		return false, false, errGateClosed
	}
}

// resolve answers the outstanding request for stepIndex. Returns false when
// no such request exists (duplicate or uncorrelated responses are ignored).
func (g *approvalGate) resolve(stepIndex int, approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.pending[stepIndex]
	if !ok {
		return false
	}
	delete(g.pending, stepIndex)
	ch <- approved
	return true
}

// resolveAny answers whichever request is outstanding. The wire protocol's
// approval_response carries no step index; with at most one request pending
// per run this is unambiguous.
func (g *approvalGate) resolveAny(approved bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for idx, ch := range g.pending {
		delete(g.pending, idx)
		ch <- approved
		return true
	}
	return false
}
