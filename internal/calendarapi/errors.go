package calendarapi

import "errors"

var (
	// ErrNotLoaded indicates the client library has not finished loading.
	ErrNotLoaded = errors.New("calendarapi.not_loaded")
	// ErrNotReady indicates API calls are not yet allowed.
	ErrNotReady = errors.New("calendarapi.not_ready")
	// ErrUnresolvedCalendar indicates the calendar id is not in the cached list.
	ErrUnresolvedCalendar = errors.New("calendarapi.unresolved_calendar")
	// ErrLoadTimeout indicates the load attempt exceeded its deadline.
	ErrLoadTimeout = errors.New("calendarapi.load_timeout")
	// ErrLoadFailed indicates the client reported a load error.
	ErrLoadFailed = errors.New("calendarapi.load_failed")
	// ErrLoadSuperseded indicates a newer load attempt replaced this one.
	ErrLoadSuperseded = errors.New("calendarapi.load_superseded")
)
