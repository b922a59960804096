package web

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/caltrack/internal/calendarapi"
	"github.com/tyemirov/caltrack/internal/icsexport"
	"github.com/tyemirov/caltrack/internal/insights"
	"github.com/tyemirov/caltrack/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type calendarSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
	Fetched  bool   `json:"fetched"`
	Error    string `json:"error,omitempty"`
}

func (handlers *routeHandlers) whoAmI(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, "")
	if !ok {
		handlers.logger.Warn("missing session claims on context",
			zap.String("code", "api.me.missing_claims"))
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	authState := handlers.auth.Snapshot()
	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"user_email":    claims.UserEmail,
		"authenticated": authState.IsAuthenticated && authState.User == claims.UserEmail,
		"error":         authState.Error,
		"expires":       expiresAt,
	})
}

// requireSignedIn rejects sessions whose user is no longer the signed-in AuthState user.
func (handlers *routeHandlers) requireSignedIn(contextGin *gin.Context) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, "")
	authState := handlers.auth.Snapshot()
	if !ok || !authState.IsAuthenticated || authState.User != claims.UserEmail {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signed_out"})
		return
	}
	contextGin.Next()
}

// heldForOtherUser answers pending while the calendar state still belongs to a previous account.
func heldForOtherUser(contextGin *gin.Context, calendarState calendarapi.State) bool {
	claims, _ := sessionvalidator.ClaimsFromContext(contextGin, "")
	if claims == nil || calendarState.CurrentUser == "" || calendarState.CurrentUser == claims.UserEmail {
		return false
	}
	contextGin.AbortWithStatusJSON(http.StatusAccepted, gin.H{"status": "pending"})
	return true
}

func (handlers *routeHandlers) state(contextGin *gin.Context) {
	authState := handlers.auth.Snapshot()
	calendarState := handlers.calendar.Snapshot()
	contextGin.JSON(http.StatusOK, gin.H{
		"auth": gin.H{
			"authenticated": authState.IsAuthenticated,
			"user":          authState.User,
			"error":         authState.Error,
		},
		"calendar": gin.H{
			"phase":               calendarState.Phase(),
			"load_state":          calendarState.LoadState,
			"current_calendar_id": calendarState.CurrentCalendarID,
			"current_calendar":    calendarState.CurrentCalendarName,
			"pulled_names":        calendarState.Cache.PulledNames,
			"list_error":          calendarState.Cache.ListError,
			"event_errors":        calendarState.Cache.EventErrors,
			"generation":          calendarState.Generation,
		},
	})
}

func (handlers *routeHandlers) listCalendars(contextGin *gin.Context) {
	calendarState := handlers.calendar.Snapshot()
	if heldForOtherUser(contextGin, calendarState) {
		return
	}
	cache := calendarState.Cache
	if !cache.PulledNames {
		if cache.ListError != "" {
			contextGin.JSON(http.StatusBadGateway, gin.H{"error": "fetch_failed", "detail": cache.ListError})
			return
		}
		contextGin.JSON(http.StatusAccepted, gin.H{"status": "pending"})
		return
	}
	summaries := make([]calendarSummary, 0, len(cache.IDs))
	for index, calendarID := range cache.IDs {
		_, fetched := cache.Events[calendarID]
		summaries = append(summaries, calendarSummary{
			ID:       calendarID,
			Name:     cache.Names[index],
			Selected: calendarID == calendarState.CurrentCalendarID,
			Fetched:  fetched,
			Error:    cache.EventErrors[calendarID],
		})
	}
	contextGin.JSON(http.StatusOK, gin.H{"calendars": summaries})
}

func (handlers *routeHandlers) selectCalendar(contextGin *gin.Context) {
	var inbound struct {
		CalendarID string `json:"calendar_id"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.CalendarID) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if heldForOtherUser(contextGin, handlers.calendar.Snapshot()) {
		return
	}
	if err := handlers.calendar.SetCurrentCalendar(inbound.CalendarID); err != nil {
		if errors.Is(err, calendarapi.ErrUnresolvedCalendar) {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_calendar"})
			return
		}
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	calendarState := handlers.calendar.Snapshot()
	contextGin.JSON(http.StatusOK, gin.H{
		"current_calendar_id": calendarState.CurrentCalendarID,
		"current_calendar":    calendarState.CurrentCalendarName,
	})
}

// cachedEvents resolves the requested calendar's cached events, writing the response itself when unavailable.
func (handlers *routeHandlers) cachedEvents(contextGin *gin.Context) (string, string, []calendarapi.Event, bool) {
	calendarState := handlers.calendar.Snapshot()
	if heldForOtherUser(contextGin, calendarState) {
		return "", "", nil, false
	}
	calendarID := contextGin.Query("calendar_id")
	if calendarID == "" {
		calendarID = calendarState.CurrentCalendarID
	}
	if calendarID == "" {
		contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "no_calendar_selected"})
		return "", "", nil, false
	}
	name, known := calendarState.Cache.CalendarName(calendarID)
	if !known {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_calendar"})
		return "", "", nil, false
	}
	if message, failed := calendarState.Cache.EventErrors[calendarID]; failed {
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "fetch_failed", "detail": message})
		return "", "", nil, false
	}
	events, fetched := calendarState.Cache.EventsFor(calendarID)
	if !fetched {
		contextGin.AbortWithStatusJSON(http.StatusAccepted, gin.H{"status": "pending"})
		return "", "", nil, false
	}
	return calendarID, name, events, true
}

func (handlers *routeHandlers) listEvents(contextGin *gin.Context) {
	calendarID, name, events, ok := handlers.cachedEvents(contextGin)
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"calendar_id": calendarID, "calendar": name, "events": events})
}

func (handlers *routeHandlers) exportEvents(contextGin *gin.Context) {
	calendarID, name, events, ok := handlers.cachedEvents(contextGin)
	if !ok {
		return
	}
	var document bytes.Buffer
	if err := icsexport.Write(&document, calendarID, name, events, time.Now()); err != nil {
		handlers.logger.Warn("ics export failed",
			zap.String("code", "api.events.ics_failed"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "export_failed", "detail": err.Error()})
		return
	}
	contextGin.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "calendar.ics"))
	contextGin.Data(http.StatusOK, "text/calendar; charset=utf-8", document.Bytes())
}

func (handlers *routeHandlers) subjectInsights(contextGin *gin.Context) {
	calendarID, _, events, ok := handlers.cachedEvents(contextGin)
	if !ok {
		return
	}
	totals, err := insights.SubjectTotals(events)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_events", "detail": err.Error()})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"calendar_id": calendarID, "subjects": totals})
}

func (handlers *routeHandlers) timelineInsights(contextGin *gin.Context) {
	calendarID, _, events, ok := handlers.cachedEvents(contextGin)
	if !ok {
		return
	}
	series, err := insights.Timeline(events)
	if err != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_events", "detail": err.Error()})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"calendar_id": calendarID, "series": series})
}

func (handlers *routeHandlers) reloadCalendar(contextGin *gin.Context) {
	if err := handlers.calendar.Reload(contextGin.Request.Context()); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "load_failed", "detail": err.Error()})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"phase": handlers.calendar.Snapshot().Phase()})
}

func (handlers *routeHandlers) refreshCalendar(contextGin *gin.Context) {
	handlers.calendar.Refresh()
	contextGin.JSON(http.StatusAccepted, gin.H{"status": "refreshing"})
}

func (handlers *routeHandlers) metrics(contextGin *gin.Context) {
	counters := map[string]int64{}
	if handlers.metricsSource != nil {
		counters = handlers.metricsSource.Snapshot()
	}
	contextGin.JSON(http.StatusOK, gin.H{"counters": counters, "pending_sign_ins": handlers.provider.PendingSignIns()})
}
