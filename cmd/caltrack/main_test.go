package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/caltrack/internal/authstate"
	"github.com/tyemirov/caltrack/internal/googleauth"
	"github.com/tyemirov/caltrack/internal/kvstore"
	"github.com/tyemirov/caltrack/internal/web"
	"go.uber.org/zap"
)

type sharedStore struct {
	*kvstore.MemoryStore
}

func (sharedStore) Close() error { return nil }

type recordingProvider struct {
	signedOut []*authstate.Credential
	err       error
}

func (provider *recordingProvider) SignIn(ctx context.Context) (authstate.SignInResult, error) {
	return authstate.SignInResult{}, errors.New("not used")
}

func (provider *recordingProvider) SignOut(ctx context.Context, credential *authstate.Credential) error {
	provider.signedOut = append(provider.signedOut, credential)
	return provider.err
}

func (provider *recordingProvider) HandleCallback(ctx context.Context, state string, code string, errParam string) error {
	return errors.New("not used")
}

func (provider *recordingProvider) PendingSignIns() int {
	return 0
}

func useStore(t *testing.T, store kvstore.Store) {
	t.Helper()
	original := openStore
	openStore = func(ctx context.Context, storeURL string) (kvstore.Store, string, error) {
		return store, "memory", nil
	}
	t.Cleanup(func() { openStore = original })
}

func seedLogin(t *testing.T, store kvstore.Store, user string) {
	t.Helper()
	machine := authstate.NewMachine(store, zap.NewNop())
	machine.Dispatch(authstate.Action{
		Kind:       authstate.ActionLogin,
		User:       user,
		Credential: &authstate.Credential{AccessToken: "access-token", Expiry: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
	})
}

func setRequiredConfig() {
	viper.Set("google_client_id", "client-id")
	viper.Set("google_client_secret", "client-secret")
	viper.Set("session_signing_key", "signing-secret")
}

func TestLoadServerConfigRequiredKeys(t *testing.T) {
	testCases := []struct {
		name     string
		omit     string
		expected string
	}{
		{name: "client id", omit: "google_client_id", expected: "config.missing_google_client_id: google_client_id must be provided"},
		{name: "client secret", omit: "google_client_secret", expected: "config.missing_google_client_secret: google_client_secret must be provided"},
		{name: "signing key", omit: "session_signing_key", expected: "config.missing_session_signing_key: session_signing_key must be provided"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setRequiredConfig()
			viper.Set(testCase.omit, "")

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected error when %s is missing", testCase.omit)
			}
			if err.Error() != testCase.expected {
				t.Fatalf("expected error %q, got %q", testCase.expected, err.Error())
			}
		})
	}
}

func TestLoadServerConfigRejectsNonPositiveDurations(t *testing.T) {
	for _, key := range []string{"session_ttl", "load_timeout", "consent_timeout", "rate_limit_backoff"} {
		t.Run(key, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setRequiredConfig()
			viper.Set(key, time.Duration(0))

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected error for zero %s", key)
			}
			if !strings.HasPrefix(err.Error(), "config.invalid_"+key+": ") {
				t.Fatalf("unexpected error %q", err.Error())
			}
		})
	}
}

func TestLoadServerConfigRejectsInvalidCron(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	viper.Set("refresh_cron", "every so often")

	_, err := LoadServerConfig()
	if err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidRefreshCron+": ") {
		t.Fatalf("expected invalid cron error, got %v", err)
	}
}

func TestLoadServerConfigRequiresOriginsWithCORS(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	viper.Set("enable_cors", true)

	_, err := LoadServerConfig()
	if err == nil || !strings.HasPrefix(err.Error(), configCodeMissingCORSOrigins+": ") {
		t.Fatalf("expected missing origins error, got %v", err)
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	viper.Set("refresh_cron", "*/15 * * * *")

	serverConfig, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serverConfig.ListenAddr != ":8080" {
		t.Fatalf("expected default listen address, got %q", serverConfig.ListenAddr)
	}
	if serverConfig.LoadTimeout != 5*time.Second {
		t.Fatalf("expected default load timeout, got %s", serverConfig.LoadTimeout)
	}
	if serverConfig.ConsentTimeout != googleauth.DefaultConsentTimeout {
		t.Fatalf("expected default consent timeout, got %s", serverConfig.ConsentTimeout)
	}
	if string(serverConfig.SessionSigningKey) != "signing-secret" {
		t.Fatalf("unexpected signing key %q", serverConfig.SessionSigningKey)
	}
	if serverConfig.RefreshCron != "*/15 * * * *" {
		t.Fatalf("unexpected refresh cron %q", serverConfig.RefreshCron)
	}
}

func TestRunServeMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runServe(&cobra.Command{}, nil)
	if err == nil || !strings.HasPrefix(err.Error(), configCodeMissingClientID) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunServeStopsWhenServerExits(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	viper.Set("load_timeout", 50*time.Millisecond)
	viper.Set("refresh_cron", "@every 1h")
	useStore(t, sharedStore{kvstore.NewMemoryStore()})

	originalServe := serveHTTP
	defer func() { serveHTTP = originalServe }()
	var served *http.Server
	serveHTTP = func(server *http.Server) error {
		served = server
		return nil
	}

	if err := runServe(&cobra.Command{}, nil); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if served == nil || served.Handler == nil {
		t.Fatalf("expected server with router")
	}
	if served.Addr != ":8080" {
		t.Fatalf("unexpected listen address %q", served.Addr)
	}
}

func TestRunServeBuildsProviderFromConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	viper.Set("oauth_redirect_url", "https://caltrack.example.com/oauth/callback")
	useStore(t, sharedStore{kvstore.NewMemoryStore()})

	originalBuild := buildProvider
	defer func() { buildProvider = originalBuild }()
	var built googleauth.Config
	buildProvider = func(config googleauth.Config) web.SignInProvider {
		built = config
		return &recordingProvider{}
	}
	originalServe := serveHTTP
	defer func() { serveHTTP = originalServe }()
	serveHTTP = func(server *http.Server) error { return nil }

	if err := runServe(&cobra.Command{}, nil); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	if built.ClientID != "client-id" || built.RedirectURL != "https://caltrack.example.com/oauth/callback" {
		t.Fatalf("unexpected provider config %+v", built)
	}
	if built.Prompter == nil || built.ConsentTimeout != googleauth.DefaultConsentTimeout {
		t.Fatalf("expected prompter and default consent timeout, got %+v", built)
	}
}

func TestRunServeReportsListenError(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setRequiredConfig()
	useStore(t, sharedStore{kvstore.NewMemoryStore()})

	originalServe := serveHTTP
	defer func() { serveHTTP = originalServe }()
	serveHTTP = func(server *http.Server) error {
		return errors.New("address in use")
	}

	err := runServe(&cobra.Command{}, nil)
	if err == nil || !strings.Contains(err.Error(), "listen error: address in use") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestStatusCommand(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	store := sharedStore{kvstore.NewMemoryStore()}
	useStore(t, store)

	output := &bytes.Buffer{}
	command := &cobra.Command{}
	command.SetOut(output)
	if err := runStatus(command, nil); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if strings.TrimSpace(output.String()) != "signed out" {
		t.Fatalf("unexpected output %q", output.String())
	}

	seedLogin(t, store, "ada@example.com")
	output.Reset()
	if err := runStatus(command, nil); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	expected := "signed in as ada@example.com (token expires 2030-01-02T03:04:05Z)"
	if strings.TrimSpace(output.String()) != expected {
		t.Fatalf("expected %q, got %q", expected, output.String())
	}
}

func TestLogoutCommandRevokesAndClears(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	store := sharedStore{kvstore.NewMemoryStore()}
	useStore(t, store)
	seedLogin(t, store, "ada@example.com")

	provider := &recordingProvider{}
	originalBuild := buildProvider
	defer func() { buildProvider = originalBuild }()
	buildProvider = func(config googleauth.Config) web.SignInProvider { return provider }

	output := &bytes.Buffer{}
	command := &cobra.Command{}
	command.SetOut(output)
	if err := runLogout(command, nil); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if len(provider.signedOut) != 1 || provider.signedOut[0].AccessToken != "access-token" {
		t.Fatalf("expected one revocation of the persisted credential, got %+v", provider.signedOut)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected storage cleared, got %v", keys)
	}
	if strings.TrimSpace(output.String()) != "signed out" {
		t.Fatalf("unexpected output %q", output.String())
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	root := newRootCommand()
	for _, name := range []string{"serve", "status", "logout"} {
		found, _, err := root.Find([]string{name})
		if err != nil || found.Name() != name {
			t.Fatalf("expected subcommand %s, got %v (%v)", name, found, err)
		}
	}
	if root.PersistentFlags().Lookup("store_url") == nil {
		t.Fatalf("expected store_url flag")
	}
}
