package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/caltrack/internal/kvstore"
	"go.uber.org/zap/zaptest"
)

type stubProvider struct {
	result     SignInResult
	signInErr  error
	signOutErr error
	signedOut  []*Credential
}

func (provider *stubProvider) SignIn(ctx context.Context) (SignInResult, error) {
	return provider.result, provider.signInErr
}

func (provider *stubProvider) SignOut(ctx context.Context, credential *Credential) error {
	provider.signedOut = append(provider.signedOut, credential)
	return provider.signOutErr
}

type failingKeysStore struct {
	*kvstore.MemoryStore
}

func (store failingKeysStore) Keys(ctx context.Context) ([]string, error) {
	return nil, errors.New("disk gone")
}

func TestReduceLoginLogoutError(t *testing.T) {
	t.Parallel()
	credential := &Credential{AccessToken: "tok", Scopes: []string{"calendar"}}
	loggedIn := Reduce(InitialState(), Action{Kind: ActionLogin, User: "a@example.com", Credential: credential, RefreshToken: "r"})
	if !loggedIn.IsAuthenticated || loggedIn.User != "a@example.com" || loggedIn.AccessToken() != "tok" {
		t.Fatalf("unexpected login state %+v", loggedIn)
	}
	credential.Scopes[0] = "mutated"
	if loggedIn.Credential.Scopes[0] != "calendar" {
		t.Fatalf("credential aliases caller value")
	}

	errored := Reduce(loggedIn, Action{Kind: ActionError, Error: "boom"})
	if !errored.IsAuthenticated || errored.Error != "boom" {
		t.Fatalf("error must keep auth state, got %+v", errored)
	}

	relogged := Reduce(errored, Action{Kind: ActionLogin, User: "a@example.com", Credential: credential})
	if relogged.Error != "" {
		t.Fatalf("login must clear error")
	}

	loggedOut := Reduce(loggedIn, Action{Kind: ActionLogout})
	if loggedOut != InitialState() {
		t.Fatalf("logout must reset, got %+v", loggedOut)
	}
}

func TestReduceLoginWithoutCredentialIsNotAuthenticated(t *testing.T) {
	t.Parallel()
	state := Reduce(InitialState(), Action{Kind: ActionLogin, User: "a@example.com"})
	if state.IsAuthenticated {
		t.Fatalf("expected unauthenticated without credential")
	}
	state = Reduce(InitialState(), Action{Kind: ActionLogin, Credential: &Credential{AccessToken: "tok"}})
	if state.IsAuthenticated {
		t.Fatalf("expected unauthenticated without user")
	}
}

func TestMachineUnknownActionIsNoop(t *testing.T) {
	t.Parallel()
	machine := NewMachine(kvstore.NewMemoryStore(), zaptest.NewLogger(t))
	machine.Dispatch(Action{Kind: ActionLogin, User: "a@example.com", Credential: &Credential{AccessToken: "tok"}})
	before := machine.Snapshot()
	after := machine.Dispatch(Action{Kind: "BOGUS"})
	if after.User != before.User || after.AccessToken() != before.AccessToken() || after.IsAuthenticated != before.IsAuthenticated {
		t.Fatalf("unknown action changed state: %+v", after)
	}
}

func TestMachinePersistsLoginAndClearsOnLogout(t *testing.T) {
	t.Parallel()
	storage := kvstore.NewMemoryStore()
	machine := NewMachine(storage, zaptest.NewLogger(t))
	ctx := context.Background()

	machine.Dispatch(Action{Kind: ActionLogin, User: "a@example.com", Credential: &Credential{AccessToken: "tok"}, RefreshToken: "refresh"})

	encoded, err := storage.Get(ctx, StorageKey)
	if err != nil {
		t.Fatalf("get persisted: %v", err)
	}
	var stored persistedLogin
	if err := json.Unmarshal(encoded, &stored); err != nil {
		t.Fatalf("decode persisted: %v", err)
	}
	if stored.User != "a@example.com" || stored.Credential == nil || stored.Credential.AccessToken != "tok" || stored.RefreshToken != "refresh" {
		t.Fatalf("unexpected persisted login %+v", stored)
	}

	machine.Dispatch(Action{Kind: ActionError, Error: "oops"})
	if _, err := storage.Get(ctx, StorageKey); err != nil {
		t.Fatalf("error transition must keep persisted login: %v", err)
	}

	machine.Dispatch(Action{Kind: ActionLogout})
	keys, err := storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected storage cleared, got %v", keys)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	storage := kvstore.NewMemoryStore()
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	first := NewMachine(storage, zaptest.NewLogger(t))
	first.Dispatch(Action{Kind: ActionLogin, User: "a@example.com", Credential: &Credential{AccessToken: "tok", Expiry: expiry}})

	second := NewMachine(storage, zaptest.NewLogger(t))
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	state := second.Snapshot()
	if !state.IsAuthenticated || state.User != "a@example.com" || state.AccessToken() != "tok" {
		t.Fatalf("unexpected restored state %+v", state)
	}
	if !state.Credential.Expiry.Equal(expiry) {
		t.Fatalf("expiry lost: %v", state.Credential.Expiry)
	}
}

func TestRestoreWithoutEntryLogsOut(t *testing.T) {
	t.Parallel()
	storage := kvstore.NewMemoryStore()
	if err := storage.Set(context.Background(), "unrelated", []byte("x")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	machine := NewMachine(storage, zaptest.NewLogger(t))
	var seen []ActionKind
	machine.Subscribe(func(state State, action Action) { seen = append(seen, action.Kind) })

	if err := machine.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(seen) != 1 || seen[0] != ActionLogout {
		t.Fatalf("expected a single LOGOUT, got %v", seen)
	}
	if machine.Snapshot().IsAuthenticated {
		t.Fatalf("expected logged out")
	}
}

func TestRestoreMalformedEntryLogsOut(t *testing.T) {
	t.Parallel()
	storage := kvstore.NewMemoryStore()
	if err := storage.Set(context.Background(), StorageKey, []byte("{not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	machine := NewMachine(storage, zaptest.NewLogger(t))
	if err := machine.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if machine.Snapshot().IsAuthenticated {
		t.Fatalf("expected logged out")
	}
	if _, err := storage.Get(context.Background(), StorageKey); !errors.Is(err, kvstore.ErrKeyNotFound) {
		t.Fatalf("expected malformed entry cleared, got %v", err)
	}
}

func TestRestoreRunsOnceUnderConcurrency(t *testing.T) {
	t.Parallel()
	storage := kvstore.NewMemoryStore()
	machine := NewMachine(storage, zaptest.NewLogger(t))
	var mutex sync.Mutex
	dispatches := 0
	machine.Subscribe(func(state State, action Action) {
		mutex.Lock()
		dispatches++
		mutex.Unlock()
	})

	var group sync.WaitGroup
	for index := 0; index < 16; index++ {
		group.Add(1)
		go func() {
			defer group.Done()
			if err := machine.Restore(context.Background()); err != nil {
				t.Errorf("restore: %v", err)
			}
		}()
	}
	group.Wait()
	if dispatches != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", dispatches)
	}
}

func TestRestoreStorageFailureDoesNotDispatch(t *testing.T) {
	t.Parallel()
	machine := NewMachine(failingKeysStore{kvstore.NewMemoryStore()}, zaptest.NewLogger(t))
	dispatched := false
	machine.Subscribe(func(state State, action Action) { dispatched = true })

	if err := machine.Restore(context.Background()); err == nil {
		t.Fatalf("expected restore error")
	}
	if dispatched {
		t.Fatalf("restore must not dispatch on storage failure")
	}
}

func TestLoginOutcomes(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name          string
		provider      *stubProvider
		authenticated bool
		user          string
		errorText     string
	}{
		{
			name:          "success",
			provider:      &stubProvider{result: SignInResult{UserEmail: "a@example.com", Credential: &Credential{AccessToken: "tok"}}},
			authenticated: true,
			user:          "a@example.com",
		},
		{
			name:     "email only",
			provider: &stubProvider{result: SignInResult{UserEmail: "a@example.com"}},
			user:     "a@example.com",
		},
		{
			name:      "missing identity",
			provider:  &stubProvider{},
			errorText: errorMissingIdentity,
		},
		{
			name:      "provider rejection",
			provider:  &stubProvider{signInErr: &ProviderError{Code: "auth/popup-closed", Message: "closed"}},
			errorText: "closed (auth/popup-closed)",
		},
		{
			name:      "generic failure",
			provider:  &stubProvider{signInErr: errors.New("network")},
			errorText: "network (auth/unknown)",
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			machine := NewMachine(kvstore.NewMemoryStore(), zaptest.NewLogger(t))
			state := machine.Login(context.Background(), testCase.provider)
			if state.IsAuthenticated != testCase.authenticated {
				t.Fatalf("authenticated=%v want %v", state.IsAuthenticated, testCase.authenticated)
			}
			if state.User != testCase.user {
				t.Fatalf("user=%q want %q", state.User, testCase.user)
			}
			if state.Error != testCase.errorText {
				t.Fatalf("error=%q want %q", state.Error, testCase.errorText)
			}
		})
	}
}

func TestLogoutAlwaysLogsOut(t *testing.T) {
	t.Parallel()
	storage := kvstore.NewMemoryStore()
	machine := NewMachine(storage, zaptest.NewLogger(t))
	provider := &stubProvider{
		result:     SignInResult{UserEmail: "a@example.com", Credential: &Credential{AccessToken: "tok"}},
		signOutErr: &ProviderError{Code: "auth/network", Message: "offline"},
	}
	machine.Login(context.Background(), provider)

	state := machine.Logout(context.Background(), provider)
	if state.IsAuthenticated || state.User != "" || state.Credential != nil {
		t.Fatalf("expected logged out, got %+v", state)
	}
	if state.Error != "offline (auth/network)" {
		t.Fatalf("unexpected error %q", state.Error)
	}
	if len(provider.signedOut) != 1 || provider.signedOut[0] == nil || provider.signedOut[0].AccessToken != "tok" {
		t.Fatalf("provider did not receive credential: %+v", provider.signedOut)
	}
	if _, err := storage.Get(context.Background(), StorageKey); !errors.Is(err, kvstore.ErrKeyNotFound) {
		t.Fatalf("expected storage cleared, got %v", err)
	}

	provider.signOutErr = nil
	machine.Login(context.Background(), provider)
	if state := machine.Logout(context.Background(), provider); state.Error != "" {
		t.Fatalf("clean logout must not carry error, got %q", state.Error)
	}
}

func TestReadPersisted(t *testing.T) {
	t.Parallel()
	storage := kvstore.NewMemoryStore()
	state, err := ReadPersisted(context.Background(), storage)
	if err != nil || state.IsAuthenticated {
		t.Fatalf("expected empty state, got %+v err=%v", state, err)
	}
	machine := NewMachine(storage, zaptest.NewLogger(t))
	machine.Dispatch(Action{Kind: ActionLogin, User: "a@example.com", Credential: &Credential{AccessToken: "tok"}})
	state, err = ReadPersisted(context.Background(), storage)
	if err != nil {
		t.Fatalf("read persisted: %v", err)
	}
	if !state.IsAuthenticated || state.User != "a@example.com" {
		t.Fatalf("unexpected persisted state %+v", state)
	}
}
