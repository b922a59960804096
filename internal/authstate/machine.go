package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/caltrack/internal/kvstore"
	"github.com/tyemirov/caltrack/internal/statestore"
	"go.uber.org/zap"
)

// StorageKey is the key-value entry holding the persisted login.
const StorageKey = "loginState"

const persistTimeout = 5 * time.Second

const errorMissingIdentity = "Could not get credential or user email"

type persistedLogin struct {
	User         string      `json:"user"`
	Credential   *Credential `json:"credential"`
	RefreshToken string      `json:"refreshToken,omitempty"`
}

// Machine owns the AuthState and mirrors every transition into the key-value store.
type Machine struct {
	store       *statestore.Store[State, Action]
	storage     kvstore.Store
	logger      *zap.Logger
	restoreOnce sync.Once
	restoreErr  error
}

// NewMachine constructs a logged-out machine persisting into storage.
func NewMachine(storage kvstore.Store, logger *zap.Logger) *Machine {
	if storage == nil {
		panic("authstate: storage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	machine := &Machine{storage: storage, logger: logger}
	machine.store = statestore.New(InitialState(), machine.reduce)
	machine.store.Subscribe(machine.persist)
	return machine
}

// Dispatch applies an action and returns the resulting state.
func (machine *Machine) Dispatch(action Action) State {
	return machine.store.Dispatch(action)
}

// Snapshot returns the current state.
func (machine *Machine) Snapshot() State {
	return machine.store.Snapshot()
}

// Subscribe registers a listener invoked after each transition.
func (machine *Machine) Subscribe(listener func(State, Action)) func() {
	return machine.store.Subscribe(listener)
}

// Restore loads the persisted login once per machine lifetime. Later calls return the first result.
func (machine *Machine) Restore(ctx context.Context) error {
	machine.restoreOnce.Do(func() {
		machine.restoreErr = machine.restore(ctx)
	})
	return machine.restoreErr
}

func (machine *Machine) restore(ctx context.Context) error {
	keys, keysErr := machine.storage.Keys(ctx)
	if keysErr != nil {
		machine.logger.Error("login state keys unavailable",
			zap.String("code", "auth.restore.keys_failed"),
			zap.Error(keysErr))
		return fmt.Errorf("auth.restore.keys: %w", keysErr)
	}
	machine.logger.Debug("login state keys", zap.Strings("keys", keys))

	if containsKey(keys, StorageKey) {
		encoded, getErr := machine.storage.Get(ctx, StorageKey)
		if getErr != nil && !errors.Is(getErr, kvstore.ErrKeyNotFound) {
			machine.logger.Error("login state unreadable",
				zap.String("code", "auth.restore.get_failed"),
				zap.Error(getErr))
			return fmt.Errorf("auth.restore.get: %w", getErr)
		}
		var loaded persistedLogin
		if getErr == nil {
			if decodeErr := json.Unmarshal(encoded, &loaded); decodeErr != nil {
				machine.logger.Warn("discarding malformed login state",
					zap.String("code", "auth.restore.decode_failed"),
					zap.Error(decodeErr))
			}
		}
		if loaded.User != "" && loaded.Credential != nil {
			machine.Dispatch(Action{
				Kind:         ActionLogin,
				User:         loaded.User,
				Credential:   loaded.Credential,
				RefreshToken: loaded.RefreshToken,
			})
			return nil
		}
	}

	machine.logger.Info("no existing login found, logging out")
	machine.Dispatch(Action{Kind: ActionLogout})
	return nil
}

// Login runs the provider sign-in and records the outcome.
func (machine *Machine) Login(ctx context.Context, provider Provider) State {
	result, err := provider.SignIn(ctx)
	if err != nil {
		return machine.Dispatch(Action{Kind: ActionError, Error: describeProviderError(err)})
	}
	if result.Credential == nil && result.UserEmail == "" {
		return machine.Dispatch(Action{Kind: ActionError, Error: errorMissingIdentity})
	}
	return machine.Dispatch(Action{
		Kind:         ActionLogin,
		User:         result.UserEmail,
		Credential:   result.Credential,
		RefreshToken: result.RefreshToken,
	})
}

// Logout signs out with the provider and always ends logged out; a provider failure is kept in Error.
func (machine *Machine) Logout(ctx context.Context, provider Provider) State {
	credential := machine.Snapshot().Credential
	signOutErr := provider.SignOut(ctx, credential)
	if signOutErr != nil {
		machine.logger.Warn("provider sign-out failed",
			zap.String("code", "auth.logout.provider_failed"),
			zap.Error(signOutErr))
	}
	return machine.Dispatch(Action{Kind: ActionLogout, Error: describeProviderError(signOutErr)})
}

func (machine *Machine) reduce(state State, action Action) State {
	if !action.Kind.Known() {
		machine.logger.Warn("unknown auth action",
			zap.String("code", "auth.reducer.unknown_action"),
			zap.String("action", string(action.Kind)))
		return state
	}
	next := Reduce(state, action)
	switch action.Kind {
	case ActionLogin:
		machine.logger.Info("logged in", zap.String("user", next.User))
	case ActionLogout:
		machine.logger.Info("logged out")
	case ActionError:
		machine.logger.Warn("auth error", zap.String("error", next.Error))
	}
	return next
}

func (machine *Machine) persist(state State, action Action) {
	if !action.Kind.Known() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if action.Kind == ActionLogout {
		if err := machine.storage.Clear(ctx); err != nil {
			machine.logger.Error("clearing login state failed",
				zap.String("code", "auth.persist.clear_failed"),
				zap.Error(err))
		}
		return
	}

	encoded, encodeErr := json.Marshal(persistedLogin{
		User:         state.User,
		Credential:   state.Credential,
		RefreshToken: state.RefreshToken,
	})
	if encodeErr != nil {
		machine.logger.Error("encoding login state failed",
			zap.String("code", "auth.persist.encode_failed"),
			zap.Error(encodeErr))
		return
	}
	if err := machine.storage.Set(ctx, StorageKey, encoded); err != nil {
		machine.logger.Error("saving login state failed",
			zap.String("code", "auth.persist.set_failed"),
			zap.Error(err))
	}
}

func containsKey(keys []string, key string) bool {
	for _, candidate := range keys {
		if candidate == key {
			return true
		}
	}
	return false
}

// ReadPersisted returns the login stored in storage without dispatching anything.
func ReadPersisted(ctx context.Context, storage kvstore.Store) (State, error) {
	encoded, err := storage.Get(ctx, StorageKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return InitialState(), nil
		}
		return InitialState(), fmt.Errorf("auth.read_persisted: %w", err)
	}
	var loaded persistedLogin
	if decodeErr := json.Unmarshal(encoded, &loaded); decodeErr != nil {
		return InitialState(), fmt.Errorf("auth.read_persisted.decode: %w", decodeErr)
	}
	return Reduce(InitialState(), Action{
		Kind:         ActionLogin,
		User:         loaded.User,
		Credential:   loaded.Credential,
		RefreshToken: loaded.RefreshToken,
	}), nil
}
