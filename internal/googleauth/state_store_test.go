package googleauth

import (
	"testing"
	"time"
)

func TestPendingStatesDeliverOnce(t *testing.T) {
	t.Parallel()
	states := newPendingStates(2 * time.Minute)
	states.now = func() time.Time { return time.Unix(1000, 0) }

	state, results, err := states.issue()
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	if state == "" {
		t.Fatalf("expected state")
	}
	if err := states.deliver(state, callbackResult{code: "c"}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got := <-results; got.code != "c" {
		t.Fatalf("unexpected result %+v", got)
	}
	if err := states.deliver(state, callbackResult{code: "c"}); err != ErrUnknownState {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
}

func TestPendingStatesExpiry(t *testing.T) {
	t.Parallel()
	states := newPendingStates(time.Minute)
	current := time.Unix(1000, 0)
	states.now = func() time.Time { return current }

	state, _, err := states.issue()
	if err != nil {
		t.Fatalf("issue state: %v", err)
	}
	current = current.Add(2 * time.Minute)

	if err := states.deliver(state, callbackResult{code: "c"}); err != ErrExpiredState {
		t.Fatalf("expected ErrExpiredState, got %v", err)
	}
	if states.pending() != 0 {
		t.Fatalf("expected expired state purged")
	}
}
