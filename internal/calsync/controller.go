package calsync

import (
	"context"
	"errors"
	"sync"

	"github.com/tyemirov/caltrack/internal/authstate"
	"github.com/tyemirov/caltrack/internal/calendarapi"
	"go.uber.org/zap"
)

// AuthSource exposes the AuthState machine.
type AuthSource interface {
	Snapshot() authstate.State
	Subscribe(listener func(authstate.State, authstate.Action)) func()
}

// CalendarSource exposes the CalendarApiState machine and its side-effecting operations.
type CalendarSource interface {
	Snapshot() calendarapi.State
	Subscribe(listener func(calendarapi.State, calendarapi.Action)) func()
	Setup(ctx context.Context) error
	SetToken(user string, token string) error
	GetCalendarList(ctx context.Context) error
	GetCalendarEvents(ctx context.Context, calendarID string) error
	Clear()
}

// Controller re-derives the required calendar side effects from both states after every change.
type Controller struct {
	auth     AuthSource
	calendar CalendarSource
	metrics  MetricsRecorder
	logger   *zap.Logger

	wake      chan struct{}
	setupOnce sync.Once
	workers   sync.WaitGroup

	mutex          sync.Mutex
	listInFlight   bool
	eventsInFlight map[string]bool
}

// NewController wires a controller. Nil metrics and logger are replaced with no-ops.
func NewController(auth AuthSource, calendar CalendarSource, metrics MetricsRecorder, logger *zap.Logger) *Controller {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		auth:           auth,
		calendar:       calendar,
		metrics:        metrics,
		logger:         logger,
		wake:           make(chan struct{}, 1),
		eventsInFlight: make(map[string]bool),
	}
}

// Run subscribes to both machines and reconciles until ctx ends, then waits for started fetches.
func (controller *Controller) Run(ctx context.Context) error {
	unsubscribeAuth := controller.auth.Subscribe(func(authstate.State, authstate.Action) { controller.Notify() })
	defer unsubscribeAuth()
	unsubscribeCalendar := controller.calendar.Subscribe(func(calendarapi.State, calendarapi.Action) { controller.Notify() })
	defer unsubscribeCalendar()

	controller.Notify()
	for {
		select {
		case <-ctx.Done():
			controller.workers.Wait()
			return nil
		case <-controller.wake:
			controller.Reconcile(ctx)
		}
	}
}

// Notify schedules a reconciliation pass. It never blocks and may be called from store listeners.
func (controller *Controller) Notify() {
	select {
	case controller.wake <- struct{}{}:
	default:
	}
}

// Reconcile applies every rule once against fresh snapshots.
func (controller *Controller) Reconcile(ctx context.Context) {
	controller.metrics.Increment(MetricReconcilePass)
	authState := controller.auth.Snapshot()
	calendarState := controller.calendar.Snapshot()

	controller.setupOnce.Do(func() {
		controller.spawn(ctx, func(workerCtx context.Context) {
			if err := controller.calendar.Setup(workerCtx); err != nil {
				controller.metrics.Increment(MetricSetupFailed)
				controller.logger.Warn("calendar setup failed",
					zap.String("code", "calsync.setup.failed"),
					zap.Error(err))
				return
			}
			controller.metrics.Increment(MetricSetupSucceeded)
		})
	})

	if authState.IsAuthenticated && calendarState.HasToken() && calendarState.CurrentUser != authState.User {
		controller.calendar.Clear()
		controller.metrics.Increment(MetricCleared)
		controller.logger.Info("cleared calendar state after account switch",
			zap.String("code", "calsync.account_switched"))
		calendarState = controller.calendar.Snapshot()
	}

	ready := calendarState.LoadState.Ready
	cache := calendarState.Cache

	if authState.IsAuthenticated && ready && !cache.PulledNames && cache.ListError == "" && controller.claimList() {
		controller.spawn(ctx, func(workerCtx context.Context) {
			defer controller.releaseList()
			if err := controller.calendar.GetCalendarList(workerCtx); err != nil {
				controller.metrics.Increment(MetricListFailed)
				return
			}
			controller.metrics.Increment(MetricListSucceeded)
		})
	}

	calendarID := calendarState.CurrentCalendarID
	if authState.IsAuthenticated && ready && calendarID != "" {
		_, fetched := cache.Events[calendarID]
		_, failed := cache.EventErrors[calendarID]
		if !fetched && !failed && controller.claimEvents(calendarID) {
			controller.spawn(ctx, func(workerCtx context.Context) {
				defer controller.releaseEvents(calendarID)
				if err := controller.calendar.GetCalendarEvents(workerCtx, calendarID); err != nil {
					controller.metrics.Increment(MetricEventsFailed)
					return
				}
				controller.metrics.Increment(MetricEventsSucceeded)
			})
		}
	}

	accessToken := authState.AccessToken()
	if authState.IsAuthenticated && accessToken != "" && accessToken != calendarState.Token {
		if err := controller.calendar.SetToken(authState.User, accessToken); err != nil {
			if errors.Is(err, calendarapi.ErrNotLoaded) {
				controller.metrics.Increment(MetricTokenDeferred)
			}
		} else {
			controller.metrics.Increment(MetricTokenPushed)
		}
	}

	if !authState.IsAuthenticated && calendarState.HasToken() {
		controller.calendar.Clear()
		controller.metrics.Increment(MetricCleared)
		controller.logger.Info("cleared calendar state after logout")
	}
}

func (controller *Controller) spawn(ctx context.Context, work func(context.Context)) {
	controller.workers.Add(1)
	go func() {
		defer controller.workers.Done()
		defer controller.Notify()
		work(ctx)
	}()
}

func (controller *Controller) claimList() bool {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	if controller.listInFlight {
		return false
	}
	controller.listInFlight = true
	return true
}

func (controller *Controller) releaseList() {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	controller.listInFlight = false
}

func (controller *Controller) claimEvents(calendarID string) bool {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	if controller.eventsInFlight[calendarID] {
		return false
	}
	controller.eventsInFlight[calendarID] = true
	return true
}

func (controller *Controller) releaseEvents(calendarID string) {
	controller.mutex.Lock()
	defer controller.mutex.Unlock()
	delete(controller.eventsInFlight, calendarID)
}
