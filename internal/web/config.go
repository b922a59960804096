package web

import (
	"net/http"
	"time"
)

// ServerConfig configures cookies, CORS, and login wait times.
type ServerConfig struct {
	CookieDomain       string
	AllowInsecureHTTP  bool
	EnableCORS         bool
	CORSAllowedOrigins []string
	// LoginStartTimeout bounds how long /auth/login waits for the consent URL.
	LoginStartTimeout time.Duration
	// CallbackWaitTimeout bounds how long /oauth/callback waits for the code exchange.
	CallbackWaitTimeout time.Duration
	// PostLoginRedirect, when set, is where a successful callback redirects.
	PostLoginRedirect string
}

const (
	defaultLoginStartTimeout   = 10 * time.Second
	defaultCallbackWaitTimeout = 30 * time.Second
)

func (config ServerConfig) sameSiteMode() http.SameSite {
	if config.EnableCORS {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

func (config ServerConfig) loginStartTimeout() time.Duration {
	if config.LoginStartTimeout <= 0 {
		return defaultLoginStartTimeout
	}
	return config.LoginStartTimeout
}

func (config ServerConfig) callbackWaitTimeout() time.Duration {
	if config.CallbackWaitTimeout <= 0 {
		return defaultCallbackWaitTimeout
	}
	return config.CallbackWaitTimeout
}
