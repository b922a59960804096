package calendarapi

import (
	"context"
	"time"
)

// CalendarEntry is one calendar returned by the list call.
type CalendarEntry struct {
	ID      string
	Summary string
}

// EventTime holds either a timestamp or a date-only value.
type EventTime struct {
	DateTime string
	Date     string
}

// EventItem is one event as returned by the provider.
type EventItem struct {
	Summary string
	Start   EventTime
	End     EventTime
}

// Client is the provider calendar API. Load blocks until the client is usable or ctx ends.
type Client interface {
	Load(ctx context.Context) error
	SetToken(accessToken string)
	ListCalendars(ctx context.Context) ([]CalendarEntry, error)
	ListEvents(ctx context.Context, calendarID string) ([]EventItem, error)
}

// MapEvent converts a provider item. Items whose start has no time of day become all-day events.
// A timed start with a date-only end ends at midnight of that date in the start's offset.
func MapEvent(item EventItem) Event {
	if item.Start.DateTime == "" {
		end := item.End.Date
		if end == "" && len(item.End.DateTime) >= len(dateOnlyLayout) {
			end = item.End.DateTime[:len(dateOnlyLayout)]
		}
		return Event{Title: item.Summary, Start: item.Start.Date, End: end, AllDay: true}
	}
	end := item.End.DateTime
	if end == "" {
		end = midnightIn(item.End.Date, item.Start.DateTime)
	}
	return Event{Title: item.Summary, Start: item.Start.DateTime, End: end}
}

const dateOnlyLayout = "2006-01-02"

func midnightIn(date string, reference string) string {
	referenceTime, referenceErr := time.Parse(time.RFC3339, reference)
	if referenceErr != nil {
		return date
	}
	midnight, dateErr := time.ParseInLocation(dateOnlyLayout, date, referenceTime.Location())
	if dateErr != nil {
		return date
	}
	return midnight.Format(time.RFC3339)
}

// MapEvents converts a list of provider items in order.
func MapEvents(items []EventItem) []Event {
	events := make([]Event, 0, len(items))
	for _, item := range items {
		events = append(events, MapEvent(item))
	}
	return events
}
