package statestore

import "sync"

// Reducer computes the next state for an action. It must not mutate the previous state.
type Reducer[S any, A any] func(state S, action A) S

// Listener observes an applied action together with the state it produced.
type Listener[S any, A any] func(state S, action A)

// Store owns a single state value and applies actions to it in dispatch order.
type Store[S any, A any] struct {
	mutex     sync.Mutex
	state     S
	reducer   Reducer[S, A]
	listeners []listenerEntry[S, A]
	nextID    uint64
}

type listenerEntry[S any, A any] struct {
	id       uint64
	listener Listener[S, A]
}

// New constructs a Store seeded with the initial state.
func New[S any, A any](initial S, reducer Reducer[S, A]) *Store[S, A] {
	if reducer == nil {
		panic("statestore: reducer is required")
	}
	return &Store[S, A]{state: initial, reducer: reducer}
}

// Dispatch reduces the action against the current state and notifies listeners before returning.
// Listeners run while the store is locked and must not dispatch into the same store.
func (store *Store[S, A]) Dispatch(action A) S {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.state = store.reducer(store.state, action)
	for _, entry := range store.listeners {
		entry.listener(store.state, action)
	}
	return store.state
}

// Snapshot returns the current state. Callers treat it as read-only.
func (store *Store[S, A]) Snapshot() S {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.state
}

// Subscribe registers a listener and returns a function that removes it.
func (store *Store[S, A]) Subscribe(listener Listener[S, A]) func() {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.nextID++
	id := store.nextID
	store.listeners = append(store.listeners, listenerEntry[S, A]{id: id, listener: listener})

	return func() {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		for index, entry := range store.listeners {
			if entry.id == id {
				store.listeners = append(store.listeners[:index:index], store.listeners[index+1:]...)
				return
			}
		}
	}
}
