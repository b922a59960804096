package calendarapi

// Event is a calendar entry reduced to what the tracker needs.
// AllDay events carry date-only Start and End values.
type Event struct {
	Title  string `json:"title"`
	Start  string `json:"start"`
	End    string `json:"end"`
	AllDay bool   `json:"allDay"`
}

// LoadState tracks the client library lifecycle.
type LoadState struct {
	Loaded  bool `json:"loaded"`
	Auth    bool `json:"auth"`
	Ready   bool `json:"ready"`
	Timeout bool `json:"timeout"`
	Errored bool `json:"errored"`
	Loading bool `json:"loading"`
}

// Cache holds the calendar list and the per-calendar event lists fetched so far.
// Names and IDs are parallel.
type Cache struct {
	Names       []string           `json:"names"`
	IDs         []string           `json:"ids"`
	PulledNames bool               `json:"pulledNames"`
	Events      map[string][]Event `json:"events"`
	ListError   string             `json:"listError,omitempty"`
	EventErrors map[string]string  `json:"eventErrors,omitempty"`
}

// State is the calendar API snapshot.
type State struct {
	LoadState           LoadState `json:"loadState"`
	Cache               Cache     `json:"cache"`
	Token               string    `json:"-"`
	CurrentUser         string    `json:"currentUser,omitempty"`
	CurrentCalendarID   string    `json:"currentCalendarId,omitempty"`
	CurrentCalendarName string    `json:"currentCalendarName,omitempty"`
	Generation          uint64    `json:"generation"`
	LoadAttempt         uint64    `json:"loadAttempt"`
}

// Phase is the lifecycle stage derived from the load flags.
type Phase string

const (
	PhaseUnloaded     Phase = "unloaded"
	PhaseLoading      Phase = "loading"
	PhaseLoadedNoAuth Phase = "loaded_no_auth"
	PhaseFailed       Phase = "failed"
	PhaseReady        Phase = "ready"
	PhaseCleared      Phase = "cleared"
)

const initialGeneration uint64 = 1

// EmptyCache returns a cache with no calendars and no events.
func EmptyCache() Cache {
	return Cache{
		Names:       []string{},
		IDs:         []string{},
		Events:      map[string][]Event{},
		EventErrors: map[string]string{},
	}
}

// InitialState is the unloaded, unauthenticated state.
func InitialState() State {
	return State{Cache: EmptyCache(), Generation: initialGeneration}
}

// Phase derives the lifecycle stage.
func (state State) Phase() Phase {
	load := state.LoadState
	switch {
	case load.Loading:
		return PhaseLoading
	case load.Errored || load.Timeout:
		return PhaseFailed
	case load.Ready:
		return PhaseReady
	case load.Loaded && state.Generation > initialGeneration:
		return PhaseCleared
	case load.Loaded:
		return PhaseLoadedNoAuth
	default:
		return PhaseUnloaded
	}
}

// HasToken reports whether a token is held.
func (state State) HasToken() bool {
	return state.Token != ""
}

// CalendarIndex returns the position of id in the cached calendar list or -1.
func (cache Cache) CalendarIndex(calendarID string) int {
	for index, candidate := range cache.IDs {
		if candidate == calendarID {
			return index
		}
	}
	return -1
}

// CalendarName resolves the cached name for id.
func (cache Cache) CalendarName(calendarID string) (string, bool) {
	index := cache.CalendarIndex(calendarID)
	if index < 0 || index >= len(cache.Names) {
		return "", false
	}
	return cache.Names[index], true
}

// EventsFor returns the cached events for id and whether they were fetched.
func (cache Cache) EventsFor(calendarID string) ([]Event, bool) {
	events, ok := cache.Events[calendarID]
	return events, ok
}
