package web

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/caltrack/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var (
	errMissingDependency = errors.New("web.missing_dependency")
	errCORSOrigin        = errors.New("web.cors.origin")
	errCORSNoOrigins     = errors.New("web.cors.no_origins")
)

type routeHandlers struct {
	config        ServerConfig
	auth          AuthMachine
	provider      SignInProvider
	calendar      CalendarService
	sessions      *sessionvalidator.Sessions
	metricsSource MetricsSource
	logger        *zap.Logger
	logins        *loginTracker
}

// NewRouter mounts the auth routes and the session-protected /api group.
func NewRouter(configuration ServerConfig, dependencies Dependencies) (*gin.Engine, error) {
	if dependencies.Auth == nil || dependencies.Provider == nil || dependencies.Calendar == nil || dependencies.Sessions == nil {
		return nil, errMissingDependency
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handlers := &routeHandlers{
		config:        configuration,
		auth:          dependencies.Auth,
		provider:      dependencies.Provider,
		calendar:      dependencies.Calendar,
		sessions:      dependencies.Sessions,
		metricsSource: dependencies.Metrics,
		logger:        logger,
		logins:        newLoginTracker(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	if configuration.EnableCORS {
		origins, originsErr := corsOrigins(configuration.CORSAllowedOrigins, logger)
		if originsErr != nil {
			return nil, originsErr
		}
		router.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
			ExposeHeaders:    []string{"Content-Type", "Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	requireSession := dependencies.Sessions.GinMiddleware("")

	router.GET("/auth/login", handlers.startLogin)
	router.GET("/oauth/callback", handlers.completeLogin)
	router.POST("/auth/logout", requireSession, handlers.logout)

	api := router.Group("/api")
	api.Use(requireSession)
	api.GET("/me", handlers.whoAmI)
	api.GET("/state", handlers.state)
	api.GET("/metrics", handlers.metrics)

	signedIn := api.Group("")
	signedIn.Use(handlers.requireSignedIn)
	signedIn.GET("/calendars", handlers.listCalendars)
	signedIn.PUT("/calendars/current", handlers.selectCalendar)
	signedIn.GET("/events", handlers.listEvents)
	signedIn.GET("/events.ics", handlers.exportEvents)
	signedIn.GET("/insights/subjects", handlers.subjectInsights)
	signedIn.GET("/insights/timeline", handlers.timelineInsights)
	signedIn.POST("/calendar/reload", handlers.reloadCalendar)
	signedIn.POST("/calendar/refresh", handlers.refreshCalendar)

	return router, nil
}

// corsOrigins reduces configured origins to scheme://host form, keeping order and dropping repeats.
func corsOrigins(configured []string, logger *zap.Logger) ([]string, error) {
	origins := make([]string, 0, len(configured))
	for _, raw := range configured {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		origin, plainHTTP, err := normalizeOrigin(raw)
		if err != nil {
			return nil, err
		}
		if slices.Contains(origins, origin) {
			continue
		}
		if plainHTTP {
			logger.Warn("cors origin served over plain http",
				zap.String("code", "web.cors.plain_http"),
				zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errCORSNoOrigins
	}
	return origins, nil
}

// normalizeOrigin reports whether a non-loopback origin uses plain http.
func normalizeOrigin(raw string) (string, bool, error) {
	value := strings.TrimSpace(raw)
	if value == "*" {
		return "", false, fmt.Errorf("%w: wildcard is not allowed with credentials", errCORSOrigin)
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" {
		return "", false, fmt.Errorf("%w: %q is not an absolute origin", errCORSOrigin, value)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "http" && scheme != "https":
		return "", false, fmt.Errorf("%w: %q must use http or https", errCORSOrigin, value)
	case strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "":
		return "", false, fmt.Errorf("%w: %q must not carry a path, query or fragment", errCORSOrigin, value)
	}
	hostname := parsed.Hostname()
	loopback := hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
	return scheme + "://" + strings.ToLower(parsed.Host), scheme == "http" && !loopback, nil
}
