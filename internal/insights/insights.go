package insights

import (
	"errors"
	"fmt"
	"time"

	"github.com/tyemirov/caltrack/internal/calendarapi"
)

const dateLayout = "2006-01-02"

// ErrNegativeDuration indicates an event that ends before it starts.
var ErrNegativeDuration = errors.New("insights.negative_duration")

// SubjectTotal is the total time spent on one event title.
type SubjectTotal struct {
	Title string  `json:"title"`
	Hours float64 `json:"hours"`
}

// TimelinePoint is the cumulative hours for a title up to and including Date.
type TimelinePoint struct {
	Date  string  `json:"date"`
	Hours float64 `json:"hours"`
}

// SubjectSeries is the cumulative daily timeline of one title.
type SubjectSeries struct {
	Title  string          `json:"title"`
	Points []TimelinePoint `json:"points"`
}

type span struct {
	title string
	day   time.Time
	hours float64
}

// SubjectTotals sums event hours per title in first-seen order.
func SubjectTotals(events []calendarapi.Event) ([]SubjectTotal, error) {
	spans, err := parseSpans(events)
	if err != nil {
		return nil, err
	}
	totals := []SubjectTotal{}
	positions := make(map[string]int)
	for _, item := range spans {
		position, seen := positions[item.title]
		if !seen {
			positions[item.title] = len(totals)
			totals = append(totals, SubjectTotal{Title: item.title, Hours: item.hours})
			continue
		}
		totals[position].Hours += item.hours
	}
	return totals, nil
}

// Timeline returns, per title in first-seen order, cumulative hours for every day between the
// earliest and latest event start dates. Hours are attributed to the event's start date.
func Timeline(events []calendarapi.Event) ([]SubjectSeries, error) {
	spans, err := parseSpans(events)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return []SubjectSeries{}, nil
	}

	first, last := spans[0].day, spans[0].day
	titles := []string{}
	daily := make(map[string]map[string]float64)
	for _, item := range spans {
		if item.day.Before(first) {
			first = item.day
		}
		if item.day.After(last) {
			last = item.day
		}
		perDay, seen := daily[item.title]
		if !seen {
			perDay = make(map[string]float64)
			daily[item.title] = perDay
			titles = append(titles, item.title)
		}
		perDay[item.day.Format(dateLayout)] += item.hours
	}

	series := make([]SubjectSeries, 0, len(titles))
	for _, title := range titles {
		points := []TimelinePoint{}
		rolling := 0.0
		for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
			key := day.Format(dateLayout)
			rolling += daily[title][key]
			points = append(points, TimelinePoint{Date: key, Hours: rolling})
		}
		series = append(series, SubjectSeries{Title: title, Points: points})
	}
	return series, nil
}

// Duration returns how long an event lasts. All-day events count 24 hours per covered date.
func Duration(event calendarapi.Event) (time.Duration, error) {
	start, end, err := bounds(event)
	if err != nil {
		return 0, err
	}
	length := end.Sub(start)
	if length < 0 {
		return 0, fmt.Errorf("%w: %q", ErrNegativeDuration, event.Title)
	}
	return length, nil
}

func parseSpans(events []calendarapi.Event) ([]span, error) {
	spans := make([]span, 0, len(events))
	for _, event := range events {
		start, _, boundsErr := bounds(event)
		if boundsErr != nil {
			return nil, boundsErr
		}
		length, durationErr := Duration(event)
		if durationErr != nil {
			return nil, durationErr
		}
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
		spans = append(spans, span{title: event.Title, day: day, hours: length.Hours()})
	}
	return spans, nil
}

func bounds(event calendarapi.Event) (time.Time, time.Time, error) {
	layout := time.RFC3339
	if event.AllDay {
		layout = dateLayout
	}
	start, startErr := time.Parse(layout, event.Start)
	if startErr != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("insights.parse.start: %q: %w", event.Title, startErr)
	}
	end, endErr := time.Parse(layout, event.End)
	if endErr != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("insights.parse.end: %q: %w", event.Title, endErr)
	}
	return start, end, nil
}
