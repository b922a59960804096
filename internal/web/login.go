package web

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/caltrack/internal/authstate"
	"github.com/tyemirov/caltrack/internal/googleauth"
	"go.uber.org/zap"
)

// loginAttempt is one browser sign-in started by /auth/login.
type loginAttempt struct {
	authURLs chan string
	done     chan struct{}
	result   authstate.State
}

type loginTracker struct {
	mutex    sync.Mutex
	attempts map[string]*loginAttempt
}

func newLoginTracker() *loginTracker {
	return &loginTracker{attempts: make(map[string]*loginAttempt)}
}

func (tracker *loginTracker) add(state string, attempt *loginAttempt) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.attempts[state] = attempt
}

func (tracker *loginTracker) get(state string) (*loginAttempt, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	attempt, ok := tracker.attempts[state]
	return attempt, ok
}

func (tracker *loginTracker) remove(state string) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	delete(tracker.attempts, state)
}

func (handlers *routeHandlers) startLogin(contextGin *gin.Context) {
	attempt := &loginAttempt{authURLs: make(chan string, 1), done: make(chan struct{})}
	prompter := googleauth.PromptFunc(func(ctx context.Context, authURL string) error {
		attempt.authURLs <- authURL
		return nil
	})
	loginCtx := googleauth.ContextWithPrompter(context.WithoutCancel(contextGin.Request.Context()), prompter)
	go func() {
		attempt.result = handlers.auth.Login(loginCtx, handlers.provider)
		close(attempt.done)
	}()

	timer := time.NewTimer(handlers.config.loginStartTimeout())
	defer timer.Stop()
	select {
	case authURL := <-attempt.authURLs:
		state := oauthState(authURL)
		handlers.logins.add(state, attempt)
		go func() {
			<-attempt.done
			handlers.logins.remove(state)
		}()
		contextGin.Redirect(http.StatusFound, authURL)
	case <-attempt.done:
		handlers.logger.Warn("login ended before consent",
			zap.String("code", "web.login.failed"),
			zap.String("error", attempt.result.Error))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "login_failed", "detail": attempt.result.Error})
	case <-timer.C:
		contextGin.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "login_timeout"})
	}
}

func (handlers *routeHandlers) completeLogin(contextGin *gin.Context) {
	state := contextGin.Query("state")
	attempt, tracked := handlers.logins.get(state)
	if !tracked {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}
	if err := handlers.provider.HandleCallback(contextGin.Request.Context(), state, contextGin.Query("code"), contextGin.Query("error")); err != nil {
		handlers.logger.Warn("oauth callback rejected",
			zap.String("code", "web.callback.rejected"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}

	timer := time.NewTimer(handlers.config.callbackWaitTimeout())
	defer timer.Stop()
	select {
	case <-attempt.done:
	case <-timer.C:
		contextGin.AbortWithStatusJSON(http.StatusGatewayTimeout, gin.H{"error": "login_timeout"})
		return
	case <-contextGin.Request.Context().Done():
		return
	}

	result := attempt.result
	if !result.IsAuthenticated {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login_failed", "detail": result.Error})
		return
	}
	sessionToken, expiresAt, mintErr := handlers.sessions.Mint(result.User)
	if mintErr != nil {
		handlers.logger.Error("session mint failed",
			zap.String("code", "web.callback.mint_failed"),
			zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	writeSessionCookie(contextGin, handlers.config, handlers.sessions.CookieName(), sessionToken, expiresAt)

	if handlers.config.PostLoginRedirect != "" {
		contextGin.Redirect(http.StatusFound, handlers.config.PostLoginRedirect)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"user_email": result.User, "expires": expiresAt})
}

func (handlers *routeHandlers) logout(contextGin *gin.Context) {
	state := handlers.auth.Logout(contextGin.Request.Context(), handlers.provider)
	clearSessionCookie(contextGin, handlers.config, handlers.sessions.CookieName())
	contextGin.JSON(http.StatusOK, gin.H{"logged_out": true, "error": state.Error})
}

func oauthState(authURL string) string {
	parsed, err := url.Parse(authURL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("state")
}
