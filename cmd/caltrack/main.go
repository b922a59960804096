package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/caltrack/internal/authstate"
	"github.com/tyemirov/caltrack/internal/calendarapi"
	"github.com/tyemirov/caltrack/internal/calsync"
	"github.com/tyemirov/caltrack/internal/googleauth"
	"github.com/tyemirov/caltrack/internal/googlecal"
	"github.com/tyemirov/caltrack/internal/kvstore"
	"github.com/tyemirov/caltrack/internal/web"
	"github.com/tyemirov/caltrack/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var openStore = kvstore.Open

var buildProvider = func(config googleauth.Config) web.SignInProvider {
	return googleauth.NewProvider(config)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "caltrack",
		Short:             "Keeps a signed-in Google account and its calendar cache in sync",
		PersistentPreRunE: loadConfigSources,
		RunE:              runServe,
		SilenceUsage:      true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Optional YAML config file")
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("google_client_id", "", "Google OAuth client ID")
	flags.String("google_client_secret", "", "Google OAuth client secret")
	flags.String("oauth_redirect_url", "http://localhost:8080/oauth/callback", "OAuth redirect URL registered with Google")
	flags.String("session_signing_key", "", "HS256 secret for session cookies")
	flags.Duration("session_ttl", sessionvalidator.DefaultTTL, "Session cookie lifetime")
	flags.String("store_url", "", "Persistent store URL (memory://, sqlite://, postgres://, badger://); empty uses the XDG data directory")
	flags.Duration("load_timeout", calendarapi.DefaultLoadTimeout, "Calendar API load timeout")
	flags.Duration("consent_timeout", googleauth.DefaultConsentTimeout, "How long sign-in waits for the OAuth callback")
	flags.Duration("rate_limit_backoff", googlecal.DefaultRetryBackoff, "Delay before retrying a rate-limited calendar request")
	flags.String("refresh_cron", "", "Cron schedule for refreshing cached calendar data; empty disables")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.String("post_login_redirect", "", "Where the OAuth callback redirects after sign-in; empty returns JSON")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.Bool("dev_logging", false, "Human-readable development logging")

	for _, key := range configKeys {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}

	viper.SetEnvPrefix("CALTRACK")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newServeCommand(), newStatusCommand(), newLogoutCommand())
	return rootCmd
}

var configKeys = []string{
	"config",
	"listen_addr",
	"google_client_id",
	"google_client_secret",
	"oauth_redirect_url",
	"session_signing_key",
	"session_ttl",
	"store_url",
	"load_timeout",
	"consent_timeout",
	"rate_limit_backoff",
	"refresh_cron",
	"cookie_domain",
	"post_login_redirect",
	"dev_insecure_http",
	"enable_cors",
	"cors_allowed_origins",
	"dev_logging",
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the calendar synchronization loop",
		RunE:  runServe,
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted sign-in state",
		RunE:  runStatus,
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and forget the persisted sign-in",
		RunE:  runLogout,
	}
}

const (
	configCodeMissingClientID      = "config.missing_google_client_id"
	configCodeMissingClientSecret  = "config.missing_google_client_secret"
	configCodeMissingSigningKey    = "config.missing_session_signing_key"
	configCodeInvalidSessionTTL    = "config.invalid_session_ttl"
	configCodeInvalidLoadTimeout   = "config.invalid_load_timeout"
	configCodeInvalidConsentTime   = "config.invalid_consent_timeout"
	configCodeInvalidBackoff       = "config.invalid_rate_limit_backoff"
	configCodeInvalidRefreshCron   = "config.invalid_refresh_cron"
	configCodeMissingCORSOrigins   = "config.missing_cors_allowed_origins"
	configCodeConfigFileUnreadable = "config.config_file_unreadable"
	configCodeEnvFileUnreadable    = "config.env_file_unreadable"
)

// ServerConfig is the validated configuration for the serve command.
type ServerConfig struct {
	ListenAddr         string
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string
	SessionSigningKey  []byte
	SessionTTL         time.Duration
	StoreURL           string
	LoadTimeout        time.Duration
	ConsentTimeout     time.Duration
	RateLimitBackoff   time.Duration
	RefreshCron        string
	DevLogging         bool
	Web                web.ServerConfig
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// loadConfigSources reads .env and the optional config file before any command resolves keys.
func loadConfigSources(command *cobra.Command, arguments []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return configError(configCodeEnvFileUnreadable, err.Error())
	}
	configFile := strings.TrimSpace(viper.GetString("config"))
	if configFile == "" {
		return nil
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return configError(configCodeConfigFileUnreadable, err.Error())
	}
	return nil
}

// LoadServerConfig validates the keys required by serve.
func LoadServerConfig() (ServerConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("google_client_id"))
	if clientID == "" {
		return ServerConfig{}, configError(configCodeMissingClientID, "google_client_id must be provided")
	}
	clientSecret := strings.TrimSpace(viper.GetString("google_client_secret"))
	if clientSecret == "" {
		return ServerConfig{}, configError(configCodeMissingClientSecret, "google_client_secret must be provided")
	}
	signingKey := viper.GetString("session_signing_key")
	if signingKey == "" {
		return ServerConfig{}, configError(configCodeMissingSigningKey, "session_signing_key must be provided")
	}

	sessionTTL, err := positiveDuration("session_ttl", sessionvalidator.DefaultTTL, configCodeInvalidSessionTTL)
	if err != nil {
		return ServerConfig{}, err
	}
	loadTimeout, err := positiveDuration("load_timeout", calendarapi.DefaultLoadTimeout, configCodeInvalidLoadTimeout)
	if err != nil {
		return ServerConfig{}, err
	}
	consentTimeout, err := positiveDuration("consent_timeout", googleauth.DefaultConsentTimeout, configCodeInvalidConsentTime)
	if err != nil {
		return ServerConfig{}, err
	}
	backoff, err := positiveDuration("rate_limit_backoff", googlecal.DefaultRetryBackoff, configCodeInvalidBackoff)
	if err != nil {
		return ServerConfig{}, err
	}

	refreshCron := strings.TrimSpace(viper.GetString("refresh_cron"))
	if refreshCron != "" {
		if scheduleErr := calsync.ValidateSchedule(refreshCron); scheduleErr != nil {
			return ServerConfig{}, configError(configCodeInvalidRefreshCron, scheduleErr.Error())
		}
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return ServerConfig{
		ListenAddr:         listenAddr,
		GoogleClientID:     clientID,
		GoogleClientSecret: clientSecret,
		OAuthRedirectURL:   viper.GetString("oauth_redirect_url"),
		SessionSigningKey:  []byte(signingKey),
		SessionTTL:         sessionTTL,
		StoreURL:           viper.GetString("store_url"),
		LoadTimeout:        loadTimeout,
		ConsentTimeout:     consentTimeout,
		RateLimitBackoff:   backoff,
		RefreshCron:        refreshCron,
		DevLogging:         viper.GetBool("dev_logging"),
		Web: web.ServerConfig{
			CookieDomain:       viper.GetString("cookie_domain"),
			AllowInsecureHTTP:  viper.GetBool("dev_insecure_http"),
			EnableCORS:         enableCORS,
			CORSAllowedOrigins: corsAllowedOrigins,
			PostLoginRedirect:  viper.GetString("post_login_redirect"),
		},
	}, nil
}

// positiveDuration reads key, falling back when unset and rejecting non-positive values.
func positiveDuration(key string, fallback time.Duration, code string) (time.Duration, error) {
	if !viper.IsSet(key) {
		return fallback, nil
	}
	value := viper.GetDuration(key)
	if value <= 0 {
		return 0, configError(code, key+" must be greater than zero")
	}
	return value, nil
}

func buildLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func commandContext(command *cobra.Command) context.Context {
	if ctx := command.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runServe(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	logger, loggerErr := buildLogger(serverConfig.DevLogging)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(commandContext(command), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, driver, storeErr := openStore(ctx, serverConfig.StoreURL)
	if storeErr != nil {
		return fmt.Errorf("open store: %w", storeErr)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("store close failed", zap.String("code", "store.close_failed"), zap.Error(closeErr))
		}
	}()
	logger.Info("using persistent store", zap.String("driver", driver))

	authMachine := authstate.NewMachine(store, logger)
	if restoreErr := authMachine.Restore(ctx); restoreErr != nil {
		logger.Warn("continuing signed out", zap.String("code", "auth.restore.failed"), zap.Error(restoreErr))
	}

	calendarService := calendarapi.NewService(googlecal.NewClient(googlecal.Config{
		RetryBackoff: serverConfig.RateLimitBackoff,
		Logger:       logger,
	}), serverConfig.LoadTimeout, logger)

	provider := buildProvider(googleauth.Config{
		ClientID:       serverConfig.GoogleClientID,
		ClientSecret:   serverConfig.GoogleClientSecret,
		RedirectURL:    serverConfig.OAuthRedirectURL,
		ConsentTimeout: serverConfig.ConsentTimeout,
		Prompter: googleauth.PromptFunc(func(ctx context.Context, authURL string) error {
			logger.Info("open this URL to sign in", zap.String("url", authURL))
			return nil
		}),
		Logger: logger,
	})

	sessions, sessionsErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.SessionSigningKey,
		TTL:        serverConfig.SessionTTL,
	})
	if sessionsErr != nil {
		return sessionsErr
	}

	metricsRecorder := calsync.NewCounterMetrics()
	controller := calsync.NewController(authMachine, calendarService, metricsRecorder, logger)

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := web.NewRouter(serverConfig.Web, web.Dependencies{
		Auth:     authMachine,
		Provider: provider,
		Calendar: calendarService,
		Sessions: sessions,
		Metrics:  metricsRecorder,
		Logger:   logger,
	})
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var scheduler *calsync.Scheduler
	if serverConfig.RefreshCron != "" {
		built, schedulerErr := calsync.NewScheduler(serverConfig.RefreshCron, calendarService, metricsRecorder, logger)
		if schedulerErr != nil {
			return configError(configCodeInvalidRefreshCron, schedulerErr.Error())
		}
		scheduler = built
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		return controller.Run(groupCtx)
	})
	if scheduler != nil {
		group.Go(func() error {
			return scheduler.Run(groupCtx)
		})
	}
	group.Go(func() error {
		defer cancelRun()
		logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
		if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	return group.Wait()
}

func runStatus(command *cobra.Command, arguments []string) error {
	ctx := commandContext(command)
	store, _, storeErr := openStore(ctx, viper.GetString("store_url"))
	if storeErr != nil {
		return fmt.Errorf("open store: %w", storeErr)
	}
	defer func() { _ = store.Close() }()

	state, readErr := authstate.ReadPersisted(ctx, store)
	if readErr != nil {
		return readErr
	}
	output := command.OutOrStdout()
	if !state.IsAuthenticated {
		_, err := fmt.Fprintln(output, "signed out")
		return err
	}
	expiry := "unknown"
	if !state.Credential.Expiry.IsZero() {
		expiry = state.Credential.Expiry.Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(output, "signed in as %s (token expires %s)\n", state.User, expiry)
	return err
}

func runLogout(command *cobra.Command, arguments []string) error {
	ctx := commandContext(command)
	logger, loggerErr := buildLogger(viper.GetBool("dev_logging"))
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	store, _, storeErr := openStore(ctx, viper.GetString("store_url"))
	if storeErr != nil {
		return fmt.Errorf("open store: %w", storeErr)
	}
	defer func() { _ = store.Close() }()

	authMachine := authstate.NewMachine(store, logger)
	if restoreErr := authMachine.Restore(ctx); restoreErr != nil {
		return restoreErr
	}
	if !authMachine.Snapshot().IsAuthenticated {
		_, err := fmt.Fprintln(command.OutOrStdout(), "already signed out")
		return err
	}
	provider := buildProvider(googleauth.Config{
		ClientID:     viper.GetString("google_client_id"),
		ClientSecret: viper.GetString("google_client_secret"),
		Logger:       logger,
	})
	state := authMachine.Logout(ctx, provider)
	if state.Error != "" {
		_, err := fmt.Fprintf(command.OutOrStdout(), "signed out locally; revocation failed: %s\n", state.Error)
		return err
	}
	_, err := fmt.Fprintln(command.OutOrStdout(), "signed out")
	return err
}
