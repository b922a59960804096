package calendarapi

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/caltrack/internal/statestore"
	"go.uber.org/zap"
)

// DefaultLoadTimeout bounds a single client load attempt.
const DefaultLoadTimeout = 5 * time.Second

// Service owns the CalendarApiState and performs the client calls that feed it.
type Service struct {
	store       *statestore.Store[State, Action]
	client      Client
	logger      *zap.Logger
	loadTimeout time.Duration
}

// NewService constructs a Service around client. A non-positive timeout selects DefaultLoadTimeout.
func NewService(client Client, loadTimeout time.Duration, logger *zap.Logger) *Service {
	if client == nil {
		panic("calendarapi: client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	service := &Service{client: client, logger: logger, loadTimeout: loadTimeout}
	service.store = statestore.New(InitialState(), service.reduce)
	return service
}

// Dispatch applies an action and returns the resulting state.
func (service *Service) Dispatch(action Action) State {
	return service.store.Dispatch(action)
}

// Snapshot returns the current state.
func (service *Service) Snapshot() State {
	return service.store.Snapshot()
}

// Subscribe registers a listener invoked after each dispatch.
func (service *Service) Subscribe(listener func(State, Action)) func() {
	return service.store.Subscribe(listener)
}

func (service *Service) reduce(state State, action Action) State {
	next, rejected := reduce(state, action)
	if rejected != "" {
		code := "calendar.reducer.rejected"
		if !action.Kind.Known() {
			code = "calendar.reducer.unknown_action"
		}
		service.logger.Warn("calendar action ignored",
			zap.String("code", code),
			zap.String("action", string(action.Kind)),
			zap.String("reason", rejected))
	}
	return next
}

// Setup loads the client unless the state is already ready or a load is running.
// It blocks until the attempt succeeds, fails, or times out.
func (service *Service) Setup(ctx context.Context) error {
	return service.load(ctx, false)
}

// Reload starts a new load attempt after a failure, superseding any attempt in progress.
func (service *Service) Reload(ctx context.Context) error {
	return service.load(ctx, true)
}

func (service *Service) load(ctx context.Context, force bool) error {
	snapshot := service.Snapshot()
	if snapshot.LoadState.Ready {
		return nil
	}
	if snapshot.LoadState.Loading && !force {
		return nil
	}

	begun := service.Dispatch(Action{Kind: ActionLoad, BeginAttempt: true, Load: LoadPatch{Loading: Flag(true)}})
	attempt := begun.LoadAttempt
	logger := service.logger.With(zap.Uint64("attempt", attempt), zap.String("load_id", uuid.NewString()))
	logger.Info("loading calendar client", zap.Duration("timeout", service.loadTimeout))

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	outcome := make(chan error, 1)
	go func() {
		outcome <- service.client.Load(loadCtx)
	}()
	timer := time.NewTimer(service.loadTimeout)
	defer timer.Stop()

	select {
	case loadErr := <-outcome:
		if loadErr != nil {
			logger.Error("calendar client failed to load",
				zap.String("code", "calendar.load.failed"),
				zap.Error(loadErr))
			return service.finishAttempt(attempt, failedPatch(), fmt.Errorf("%w: %v", ErrLoadFailed, loadErr))
		}
		return service.completeLoad(attempt, logger)
	case <-timer.C:
		logger.Error("calendar client load timed out", zap.String("code", "calendar.load.timeout"))
		return service.finishAttempt(attempt, LoadPatch{Timeout: Flag(true), Errored: Flag(true), Loading: Flag(false)}, ErrLoadTimeout)
	case <-ctx.Done():
		logger.Warn("calendar client load cancelled", zap.Error(ctx.Err()))
		return service.finishAttempt(attempt, failedPatch(), ctx.Err())
	}
}

func (service *Service) completeLoad(attempt uint64, logger *zap.Logger) error {
	fresh := service.Snapshot()
	if fresh.LoadAttempt != attempt {
		return ErrLoadSuperseded
	}
	holdsToken := fresh.Token != ""
	if holdsToken {
		service.client.SetToken(fresh.Token)
	}
	next := service.Dispatch(Action{
		Kind:    ActionLoad,
		Attempt: attempt,
		Load: LoadPatch{
			Loaded:  Flag(true),
			Auth:    Flag(holdsToken),
			Ready:   Flag(holdsToken),
			Timeout: Flag(false),
			Errored: Flag(false),
			Loading: Flag(false),
		},
	})
	if next.LoadAttempt != attempt {
		return ErrLoadSuperseded
	}
	logger.Info("calendar client loaded", zap.Bool("ready", next.LoadState.Ready))
	return nil
}

func (service *Service) finishAttempt(attempt uint64, patch LoadPatch, cause error) error {
	next := service.Dispatch(Action{Kind: ActionLoad, Attempt: attempt, Load: patch})
	if next.LoadAttempt != attempt {
		return ErrLoadSuperseded
	}
	return cause
}

func failedPatch() LoadPatch {
	return LoadPatch{
		Loaded:  Flag(false),
		Auth:    Flag(false),
		Ready:   Flag(false),
		Timeout: Flag(false),
		Errored: Flag(true),
		Loading: Flag(false),
	}
}

// SetToken pushes user's token into the loaded client and records both.
// Before the client is loaded it returns ErrNotLoaded and the caller retries later.
func (service *Service) SetToken(user string, token string) error {
	snapshot := service.Snapshot()
	if !snapshot.LoadState.Loaded {
		service.logger.Warn("calendar client not loaded, deferring token",
			zap.String("code", "calendar.token.not_loaded"))
		return ErrNotLoaded
	}
	service.client.SetToken(token)
	service.Dispatch(Action{
		Kind:        ActionToken,
		Token:       token,
		CurrentUser: &user,
		Load:        LoadPatch{Auth: Flag(true), Ready: Flag(snapshot.LoadState.Loaded)},
	})
	return nil
}

// GetCalendarList replaces the cached calendar list, discarding cached events.
func (service *Service) GetCalendarList(ctx context.Context) error {
	snapshot := service.Snapshot()
	if !snapshot.LoadState.Ready {
		service.logger.Warn("calendar list requested before ready",
			zap.String("code", "calendar.list.not_ready"))
		return ErrNotReady
	}
	generation := snapshot.Generation

	entries, listErr := service.client.ListCalendars(ctx)
	if listErr != nil {
		service.logger.Error("listing calendars failed",
			zap.String("code", "calendar.list.failed"),
			zap.Error(listErr))
		service.Dispatch(Action{Kind: ActionFetchFailed, Generation: generation, FetchError: listErr.Error()})
		return fmt.Errorf("calendar.list: %w", listErr)
	}

	names := make([]string, 0, len(entries))
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Summary)
		ids = append(ids, entry.ID)
	}
	service.Dispatch(Action{
		Kind:       ActionCache,
		Generation: generation,
		Cache: CachePatch{
			Calendars:   &CalendarList{Names: names, IDs: ids},
			PulledNames: Flag(true),
			ResetEvents: true,
		},
	})
	service.logger.Debug("calendar list cached", zap.Int("count", len(ids)))
	return nil
}

// GetCalendarEvents fetches every event of calendarID and appends them to its cached list.
func (service *Service) GetCalendarEvents(ctx context.Context, calendarID string) error {
	snapshot := service.Snapshot()
	if !snapshot.LoadState.Ready {
		service.logger.Warn("calendar events requested before ready",
			zap.String("code", "calendar.events.not_ready"),
			zap.String("calendar_id", calendarID))
		return ErrNotReady
	}
	if snapshot.Cache.CalendarIndex(calendarID) < 0 {
		return ErrUnresolvedCalendar
	}
	generation := snapshot.Generation

	items, listErr := service.client.ListEvents(ctx, calendarID)
	if listErr != nil {
		service.logger.Error("listing events failed",
			zap.String("code", "calendar.events.failed"),
			zap.String("calendar_id", calendarID),
			zap.Error(listErr))
		service.Dispatch(Action{Kind: ActionFetchFailed, Generation: generation, CalendarID: calendarID, FetchError: listErr.Error()})
		return fmt.Errorf("calendar.events: %w", listErr)
	}

	service.Dispatch(Action{
		Kind:       ActionCache,
		Generation: generation,
		Cache:      CachePatch{Append: &EventAppend{CalendarID: calendarID, Events: MapEvents(items)}},
	})
	service.logger.Debug("calendar events cached",
		zap.String("calendar_id", calendarID),
		zap.Int("count", len(items)))
	return nil
}

// SetCurrentCalendar selects calendarID, resolving its name from the cached list.
func (service *Service) SetCurrentCalendar(calendarID string) error {
	name, ok := service.Snapshot().Cache.CalendarName(calendarID)
	if !ok {
		service.logger.Warn("calendar not in cache",
			zap.String("code", "calendar.select.unresolved"),
			zap.String("calendar_id", calendarID))
		return ErrUnresolvedCalendar
	}
	next := service.Dispatch(Action{Kind: ActionSetCalendar, CalendarID: calendarID, CalendarName: name})
	if next.CurrentCalendarID != calendarID {
		return ErrUnresolvedCalendar
	}
	return nil
}

// Clear drops the token, the selection, and the cache. The client stays loaded.
func (service *Service) Clear() {
	service.Dispatch(Action{Kind: ActionClear})
}

// Refresh marks the calendar list stale and forgets recorded fetch errors.
// Fetches already in flight are discarded when they complete.
func (service *Service) Refresh() {
	service.Dispatch(Action{
		Kind:       ActionCache,
		Invalidate: true,
		Cache:      CachePatch{PulledNames: Flag(false), ClearErrors: true},
	})
}
