package googleauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/caltrack/internal/authstate"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/idtoken"
)

const (
	// DefaultRevokeURL is Google's token revocation endpoint.
	DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"
	// DefaultConsentTimeout bounds how long a sign-in waits for the callback.
	DefaultConsentTimeout = 5 * time.Minute
	providerID            = "google.com"
)

// DefaultScopes grants read access to calendars plus the identity claims.
var DefaultScopes = []string{calendar.CalendarReadonlyScope, "openid", "email"}

// TokenValidator verifies a Google ID token for an audience.
type TokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// Prompter presents the consent URL to the user.
type Prompter interface {
	Prompt(ctx context.Context, authURL string) error
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context, authURL string) error

// Prompt calls the function.
func (prompt PromptFunc) Prompt(ctx context.Context, authURL string) error {
	return prompt(ctx, authURL)
}

type prompterKey struct{}

// ContextWithPrompter overrides the configured Prompter for sign-ins started with ctx.
func ContextWithPrompter(ctx context.Context, prompter Prompter) context.Context {
	return context.WithValue(ctx, prompterKey{}, prompter)
}

// PrompterFromContext returns the Prompter installed by ContextWithPrompter.
func PrompterFromContext(ctx context.Context) (Prompter, bool) {
	prompter, ok := ctx.Value(prompterKey{}).(Prompter)
	return prompter, ok && prompter != nil
}

// Config configures the Google sign-in provider.
type Config struct {
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	Scopes         []string
	Endpoint       oauth2.Endpoint
	RevokeURL      string
	ConsentTimeout time.Duration
	HTTPClient     *http.Client
	Validator      TokenValidator
	Prompter       Prompter
	Logger         *zap.Logger
}

// Provider signs users in with the OAuth2 authorization-code flow.
type Provider struct {
	oauthConfig    *oauth2.Config
	revokeURL      string
	consentTimeout time.Duration
	httpClient     *http.Client
	prompter       Prompter
	logger         *zap.Logger
	states         *pendingStates

	validatorMutex sync.Mutex
	validator      TokenValidator
}

var _ authstate.Provider = (*Provider)(nil)

// NewProvider constructs a Provider, filling defaults for unset fields.
func NewProvider(config Config) *Provider {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	endpoint := config.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	revokeURL := config.RevokeURL
	if revokeURL == "" {
		revokeURL = DefaultRevokeURL
	}
	consentTimeout := config.ConsentTimeout
	if consentTimeout <= 0 {
		consentTimeout = DefaultConsentTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Provider{
		oauthConfig: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		revokeURL:      revokeURL,
		consentTimeout: consentTimeout,
		httpClient:     httpClient,
		prompter:       config.Prompter,
		logger:         logger,
		states:         newPendingStates(consentTimeout),
		validator:      config.Validator,
	}
}

// SignIn presents the consent URL and waits for the matching callback.
func (provider *Provider) SignIn(ctx context.Context) (authstate.SignInResult, error) {
	prompter := provider.prompter
	if override, ok := PrompterFromContext(ctx); ok {
		prompter = override
	}
	if prompter == nil {
		return authstate.SignInResult{}, &authstate.ProviderError{Code: "auth/no-prompter", Message: "No way to present the sign-in page"}
	}

	state, results, issueErr := provider.states.issue()
	if issueErr != nil {
		return authstate.SignInResult{}, fmt.Errorf("googleauth.sign_in.state: %w", issueErr)
	}
	defer provider.states.discard(state)

	authURL := provider.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	if promptErr := prompter.Prompt(ctx, authURL); promptErr != nil {
		return authstate.SignInResult{}, &authstate.ProviderError{Code: "auth/prompt-failed", Message: promptErr.Error()}
	}

	timer := time.NewTimer(provider.consentTimeout)
	defer timer.Stop()
	var result callbackResult
	select {
	case result = <-results:
	case <-timer.C:
		return authstate.SignInResult{}, &authstate.ProviderError{Code: "auth/timeout", Message: "Sign-in timed out"}
	case <-ctx.Done():
		return authstate.SignInResult{}, &authstate.ProviderError{Code: "auth/cancelled", Message: "Sign-in was cancelled"}
	}
	if result.errParam != "" {
		return authstate.SignInResult{}, &authstate.ProviderError{Code: "auth/" + result.errParam, Message: "Sign-in was rejected"}
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient)
	token, exchangeErr := provider.oauthConfig.Exchange(exchangeCtx, result.code)
	if exchangeErr != nil {
		provider.logger.Warn("authorization code exchange failed",
			zap.String("code", "googleauth.exchange_failed"),
			zap.Error(exchangeErr))
		return authstate.SignInResult{}, &authstate.ProviderError{Code: "auth/exchange-failed", Message: exchangeErr.Error()}
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	userEmail := ""
	if rawIDToken != "" {
		email, identityErr := provider.verifiedEmail(ctx, rawIDToken)
		if identityErr != nil {
			return authstate.SignInResult{}, identityErr
		}
		userEmail = email
	}

	return authstate.SignInResult{
		UserEmail: userEmail,
		Credential: &authstate.Credential{
			AccessToken: token.AccessToken,
			TokenType:   token.TokenType,
			IDToken:     rawIDToken,
			Expiry:      token.Expiry,
			ProviderID:  providerID,
			Scopes:      append([]string(nil), provider.oauthConfig.Scopes...),
		},
		RefreshToken: token.RefreshToken,
	}, nil
}

// HandleCallback delivers the redirect parameters to the sign-in waiting on state.
func (provider *Provider) HandleCallback(ctx context.Context, state string, code string, errParam string) error {
	if strings.TrimSpace(state) == "" {
		return ErrUnknownState
	}
	if errParam == "" && strings.TrimSpace(code) == "" {
		errParam = "missing-code"
	}
	return provider.states.deliver(state, callbackResult{code: code, errParam: errParam})
}

// SignOut revokes the credential's access token. A missing credential is a no-op.
func (provider *Provider) SignOut(ctx context.Context, credential *authstate.Credential) error {
	if credential == nil || credential.AccessToken == "" {
		return nil
	}
	form := url.Values{"token": {credential.AccessToken}}
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, provider.revokeURL, strings.NewReader(form.Encode()))
	if requestErr != nil {
		return fmt.Errorf("googleauth.sign_out.request: %w", requestErr)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, sendErr := provider.httpClient.Do(request)
	if sendErr != nil {
		return &authstate.ProviderError{Code: "auth/network-request-failed", Message: sendErr.Error()}
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return &authstate.ProviderError{Code: "auth/revoke-failed", Message: fmt.Sprintf("revocation returned status %d", response.StatusCode)}
	}
	return nil
}

func (provider *Provider) verifiedEmail(ctx context.Context, rawIDToken string) (string, error) {
	validator, validatorErr := provider.tokenValidator(ctx)
	if validatorErr != nil {
		return "", fmt.Errorf("googleauth.validator: %w", validatorErr)
	}
	payload, validateErr := validator.Validate(ctx, rawIDToken, provider.oauthConfig.ClientID)
	if validateErr != nil {
		return "", &authstate.ProviderError{Code: "auth/invalid-id-token", Message: validateErr.Error()}
	}
	issuer, _ := payload.Claims["iss"].(string)
	if issuer != "https://accounts.google.com" && issuer != "accounts.google.com" {
		return "", &authstate.ProviderError{Code: "auth/invalid-issuer", Message: "Unexpected token issuer"}
	}
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if email != "" && !emailVerified {
		return "", &authstate.ProviderError{Code: "auth/unverified-email", Message: "Email address is not verified", Email: email}
	}
	return email, nil
}

func (provider *Provider) tokenValidator(ctx context.Context) (TokenValidator, error) {
	provider.validatorMutex.Lock()
	defer provider.validatorMutex.Unlock()
	if provider.validator != nil {
		return provider.validator, nil
	}
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, err
	}
	provider.validator = validator
	return validator, nil
}

// PendingSignIns reports how many sign-ins are waiting for a callback.
func (provider *Provider) PendingSignIns() int {
	return provider.states.pending()
}

