package calendarapi

import "fmt"

// Reduce applies an action. Stale, invalid, and unknown actions return the state unchanged.
func Reduce(state State, action Action) State {
	next, _ := reduce(state, action)
	return next
}

// reduce returns the next state and, when the action was not applied, the reason.
func reduce(state State, action Action) (State, string) {
	switch action.Kind {
	case ActionLoad:
		return reduceLoad(state, action)
	case ActionToken:
		next := state
		next.Token = action.Token
		if action.CurrentUser != nil {
			next.CurrentUser = *action.CurrentUser
		}
		next.LoadState = mergeLoad(state.LoadState, action.Load)
		return normalize(next), ""
	case ActionCache:
		return reduceCache(state, action)
	case ActionSetCalendar:
		return reduceSetCalendar(state, action)
	case ActionClear:
		next := state
		next.Token = ""
		next.CurrentUser = ""
		next.CurrentCalendarID = ""
		next.CurrentCalendarName = ""
		next.LoadState.Auth = false
		next.LoadState.Ready = false
		next.Cache = EmptyCache()
		next.Generation = state.Generation + 1
		return normalize(next), ""
	case ActionFetchFailed:
		return reduceFetchFailed(state, action)
	default:
		return state, fmt.Sprintf("unknown action %q", action.Kind)
	}
}

func reduceLoad(state State, action Action) (State, string) {
	next := state
	if action.BeginAttempt {
		next.LoadAttempt = state.LoadAttempt + 1
	} else if action.Attempt != 0 && action.Attempt != state.LoadAttempt {
		return state, fmt.Sprintf("stale load attempt %d (current %d)", action.Attempt, state.LoadAttempt)
	}
	next.LoadState = mergeLoad(state.LoadState, action.Load)
	if action.CurrentUser != nil {
		next.CurrentUser = *action.CurrentUser
	}
	return normalize(next), ""
}

func reduceCache(state State, action Action) (State, string) {
	if action.Generation != 0 && action.Generation != state.Generation {
		return state, fmt.Sprintf("stale cache patch for generation %d (current %d)", action.Generation, state.Generation)
	}
	patch := action.Cache
	cache := copyCache(state.Cache)

	if patch.ResetEvents {
		cache.Events = map[string][]Event{}
		cache.EventErrors = map[string]string{}
	}
	if patch.Calendars != nil {
		cache.Names = append([]string{}, patch.Calendars.Names...)
		cache.IDs = append([]string{}, patch.Calendars.IDs...)
		cache.ListError = ""
	}
	if patch.PulledNames != nil {
		cache.PulledNames = *patch.PulledNames
	}
	if patch.ClearErrors {
		cache.ListError = ""
		cache.EventErrors = map[string]string{}
	}
	if cache.PulledNames && len(cache.Names) != len(cache.IDs) {
		return state, fmt.Sprintf("cache patch leaves %d names for %d ids", len(cache.Names), len(cache.IDs))
	}

	known := make(map[string]struct{}, len(cache.IDs))
	for _, calendarID := range cache.IDs {
		known[calendarID] = struct{}{}
	}
	if patch.Append != nil {
		calendarID := patch.Append.CalendarID
		if _, ok := known[calendarID]; !ok {
			return state, fmt.Sprintf("events for unknown calendar %q", calendarID)
		}
		existing := cache.Events[calendarID]
		merged := make([]Event, 0, len(existing)+len(patch.Append.Events))
		merged = append(merged, existing...)
		merged = append(merged, patch.Append.Events...)
		cache.Events[calendarID] = merged
		delete(cache.EventErrors, calendarID)
	}
	for calendarID := range cache.Events {
		if _, ok := known[calendarID]; !ok {
			delete(cache.Events, calendarID)
			delete(cache.EventErrors, calendarID)
		}
	}

	next := state
	next.Cache = cache
	if action.Invalidate {
		next.Generation = state.Generation + 1
	}
	if next.CurrentCalendarID != "" {
		if name, ok := cache.CalendarName(next.CurrentCalendarID); ok {
			next.CurrentCalendarName = name
		} else if cache.PulledNames {
			next.CurrentCalendarID = ""
			next.CurrentCalendarName = ""
		}
	}
	return next, ""
}

// reduceSetCalendar resolves the name against the cache the action is applied to.
// An empty id clears the selection.
func reduceSetCalendar(state State, action Action) (State, string) {
	next := state
	if action.CalendarID == "" {
		next.CurrentCalendarID = ""
		next.CurrentCalendarName = ""
		return next, ""
	}
	name, ok := state.Cache.CalendarName(action.CalendarID)
	if !ok {
		return state, fmt.Sprintf("calendar %q is not cached", action.CalendarID)
	}
	next.CurrentCalendarID = action.CalendarID
	next.CurrentCalendarName = name
	return next, ""
}

func reduceFetchFailed(state State, action Action) (State, string) {
	if action.Generation != 0 && action.Generation != state.Generation {
		return state, fmt.Sprintf("stale fetch failure for generation %d (current %d)", action.Generation, state.Generation)
	}
	next := state
	next.Cache = copyCache(state.Cache)
	if action.CalendarID == "" {
		next.Cache.ListError = action.FetchError
		return next, ""
	}
	next.Cache.EventErrors[action.CalendarID] = action.FetchError
	return next, ""
}

func mergeLoad(load LoadState, patch LoadPatch) LoadState {
	if patch.Loaded != nil {
		load.Loaded = *patch.Loaded
	}
	if patch.Auth != nil {
		load.Auth = *patch.Auth
	}
	if patch.Ready != nil {
		load.Ready = *patch.Ready
	}
	if patch.Timeout != nil {
		load.Timeout = *patch.Timeout
	}
	if patch.Errored != nil {
		load.Errored = *patch.Errored
	}
	if patch.Loading != nil {
		load.Loading = *patch.Loading
	}
	return load
}

func normalize(state State) State {
	load := state.LoadState
	load.Ready = load.Ready && load.Loaded && load.Auth && !load.Errored && !load.Timeout
	state.LoadState = load
	return state
}

// copyCache returns a cache that shares no slices or maps with the input.
// Event slices are shared because they are never mutated in place.
func copyCache(cache Cache) Cache {
	copied := Cache{
		Names:       append([]string{}, cache.Names...),
		IDs:         append([]string{}, cache.IDs...),
		PulledNames: cache.PulledNames,
		Events:      make(map[string][]Event, len(cache.Events)),
		ListError:   cache.ListError,
		EventErrors: make(map[string]string, len(cache.EventErrors)),
	}
	for calendarID, events := range cache.Events {
		copied.Events[calendarID] = events
	}
	for calendarID, message := range cache.EventErrors {
		copied.EventErrors[calendarID] = message
	}
	return copied
}
