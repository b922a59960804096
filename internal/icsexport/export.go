package icsexport

import (
	"fmt"
	"io"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"
	"github.com/tyemirov/caltrack/internal/calendarapi"
)

const (
	productID  = "-//caltrack//calendar export//EN"
	dateLayout = "2006-01-02"
)

var uidNamespace = uuid.MustParse("6f1d8a3c-3c0e-4b8f-9a57-2f4f8f0b6d21")

// Build converts the cached events of one calendar into an iCalendar document.
// Event UIDs are stable for the same calendar, position, and content.
func Build(calendarID string, calendarName string, events []calendarapi.Event, stamp time.Time) (*ical.Calendar, error) {
	document := ical.NewCalendar()
	document.SetMethod(ical.MethodPublish)
	document.SetProductId(productID)
	if calendarName != "" {
		document.SetXWRCalName(calendarName)
	}
	for index, event := range events {
		uid := uuid.NewSHA1(uidNamespace, []byte(calendarID+"\x00"+strconv.Itoa(index)+"\x00"+event.Title+"\x00"+event.Start)).String()
		component := document.AddEvent(uid)
		component.SetSummary(event.Title)
		component.SetDtStampTime(stamp.UTC())
		if event.AllDay {
			start, startErr := time.Parse(dateLayout, event.Start)
			if startErr != nil {
				return nil, fmt.Errorf("icsexport.start: %q: %w", event.Title, startErr)
			}
			end, endErr := time.Parse(dateLayout, event.End)
			if endErr != nil {
				return nil, fmt.Errorf("icsexport.end: %q: %w", event.Title, endErr)
			}
			component.SetAllDayStartAt(start)
			component.SetAllDayEndAt(end)
			continue
		}
		start, startErr := time.Parse(time.RFC3339, event.Start)
		if startErr != nil {
			return nil, fmt.Errorf("icsexport.start: %q: %w", event.Title, startErr)
		}
		end, endErr := time.Parse(time.RFC3339, event.End)
		if endErr != nil {
			return nil, fmt.Errorf("icsexport.end: %q: %w", event.Title, endErr)
		}
		component.SetStartAt(start.UTC())
		component.SetEndAt(end.UTC())
	}
	return document, nil
}

// Write serializes the export to writer.
func Write(writer io.Writer, calendarID string, calendarName string, events []calendarapi.Event, stamp time.Time) error {
	document, err := Build(calendarID, calendarName, events, stamp)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(writer, document.Serialize()); err != nil {
		return fmt.Errorf("icsexport.write: %w", err)
	}
	return nil
}
