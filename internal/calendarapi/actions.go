package calendarapi

// ActionKind names a CalendarApiState transition.
type ActionKind string

const (
	ActionLoad        ActionKind = "LOAD"
	ActionToken       ActionKind = "TOKEN"
	ActionCache       ActionKind = "CACHE"
	ActionSetCalendar ActionKind = "SETCAL"
	ActionClear       ActionKind = "CLEAR"
	ActionFetchFailed ActionKind = "FETCH_FAILED"
)

// Known reports whether the reducer handles the action kind.
func (kind ActionKind) Known() bool {
	switch kind {
	case ActionLoad, ActionToken, ActionCache, ActionSetCalendar, ActionClear, ActionFetchFailed:
		return true
	default:
		return false
	}
}

// LoadPatch sets the non-nil load flags.
type LoadPatch struct {
	Loaded  *bool
	Auth    *bool
	Ready   *bool
	Timeout *bool
	Errored *bool
	Loading *bool
}

// CalendarList replaces the cached names and ids together.
type CalendarList struct {
	Names []string
	IDs   []string
}

// EventAppend adds events to one calendar's list.
type EventAppend struct {
	CalendarID string
	Events     []Event
}

// CachePatch merges into the cache. Nil fields are left untouched.
type CachePatch struct {
	Calendars   *CalendarList
	PulledNames *bool
	ResetEvents bool
	Append      *EventAppend
	ClearErrors bool
}

// Action is a CalendarApiState transition with its payload.
//
// Generation tags CACHE and FETCH_FAILED with the generation observed when the
// fetch started; zero means untagged. Attempt tags LOAD outcomes the same way.
// CurrentUser, when set on LOAD or TOKEN, records whose token the state holds.
type Action struct {
	Kind         ActionKind
	Load         LoadPatch
	BeginAttempt bool
	Attempt      uint64
	CurrentUser  *string
	Token        string
	Cache        CachePatch
	CalendarID   string
	CalendarName string
	Generation   uint64
	Invalidate   bool
	FetchError   string
}

// Flag returns a pointer for LoadPatch and CachePatch fields.
func Flag(value bool) *bool {
	return &value
}
