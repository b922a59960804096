package googleauth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrUnknownState indicates the callback state was never issued or was already used.
	ErrUnknownState = errors.New("googleauth.unknown_state")
	// ErrExpiredState indicates the callback arrived after the consent window closed.
	ErrExpiredState = errors.New("googleauth.expired_state")
)

type callbackResult struct {
	code     string
	errParam string
}

type pendingSignIn struct {
	expiresAt time.Time
	results   chan callbackResult
}

// pendingStates binds OAuth state values to the sign-in waiting for them. Each state is single use.
type pendingStates struct {
	mutex     sync.Mutex
	entries   map[string]pendingSignIn
	ttl       time.Duration
	now       func() time.Time
	tokenSize int
}

func newPendingStates(ttl time.Duration) *pendingStates {
	return &pendingStates{
		entries:   make(map[string]pendingSignIn),
		ttl:       ttl,
		now:       time.Now,
		tokenSize: 32,
	}
}

func (states *pendingStates) issue() (string, <-chan callbackResult, error) {
	buffer := make([]byte, states.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", nil, err
	}
	state := base64.RawURLEncoding.EncodeToString(buffer)
	results := make(chan callbackResult, 1)

	states.mutex.Lock()
	defer states.mutex.Unlock()
	states.purgeExpiredLocked()
	states.entries[state] = pendingSignIn{expiresAt: states.now().Add(states.ttl), results: results}
	return state, results, nil
}

// deliver hands the callback to the waiting sign-in and retires the state.
func (states *pendingStates) deliver(state string, result callbackResult) error {
	states.mutex.Lock()
	defer states.mutex.Unlock()
	entry, ok := states.entries[state]
	if !ok {
		states.purgeExpiredLocked()
		return ErrUnknownState
	}
	delete(states.entries, state)
	if states.now().After(entry.expiresAt) {
		states.purgeExpiredLocked()
		return ErrExpiredState
	}
	entry.results <- result
	return nil
}

func (states *pendingStates) discard(state string) {
	states.mutex.Lock()
	defer states.mutex.Unlock()
	delete(states.entries, state)
}

func (states *pendingStates) pending() int {
	states.mutex.Lock()
	defer states.mutex.Unlock()
	return len(states.entries)
}

func (states *pendingStates) purgeExpiredLocked() {
	now := states.now()
	for state, entry := range states.entries {
		if now.After(entry.expiresAt) {
			delete(states.entries, state)
		}
	}
}
