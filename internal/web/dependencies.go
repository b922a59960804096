package web

import (
	"context"

	"github.com/tyemirov/caltrack/internal/authstate"
	"github.com/tyemirov/caltrack/internal/calendarapi"
	"github.com/tyemirov/caltrack/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// AuthMachine is the AuthState surface the HTTP layer drives.
type AuthMachine interface {
	Snapshot() authstate.State
	Login(ctx context.Context, provider authstate.Provider) authstate.State
	Logout(ctx context.Context, provider authstate.Provider) authstate.State
}

// SignInProvider is an identity provider that completes sign-in through an HTTP callback.
type SignInProvider interface {
	authstate.Provider
	HandleCallback(ctx context.Context, state string, code string, errParam string) error
	PendingSignIns() int
}

// CalendarService is the CalendarApiState surface the HTTP layer drives.
type CalendarService interface {
	Snapshot() calendarapi.State
	SetCurrentCalendar(calendarID string) error
	Refresh()
	Reload(ctx context.Context) error
}

// MetricsSource exposes counter values.
type MetricsSource interface {
	Snapshot() map[string]int64
}

// Dependencies are the collaborators mounted by NewRouter.
type Dependencies struct {
	Auth     AuthMachine
	Provider SignInProvider
	Calendar CalendarService
	Sessions *sessionvalidator.Sessions
	Metrics  MetricsSource
	Logger   *zap.Logger
}
