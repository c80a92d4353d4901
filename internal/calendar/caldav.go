package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/mkrall/castellan/internal/config"
	"github.com/mkrall/castellan/internal/httpkit"
)

// CalDAV is a Backend on a remote CalDAV collection.
type CalDAV struct {
	client *caldav.Client
	logger *slog.Logger

	mu           sync.Mutex
	calendarPath string // discovered lazily when not configured
}

// NewCalDAV connects to the configured CalDAV server. The calendar
// collection is taken from the config when set, otherwise discovered
// from the server on first use.
func NewCalDAV(cfg config.CalDAVConfig, logger *slog.Logger) (*CalDAV, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("caldav URL not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	hc := httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	var httpClient webdav.HTTPClient = hc
	if cfg.Username != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(hc, cfg.Username, cfg.Password)
	}

	client, err := caldav.NewClient(httpClient, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}

	return &CalDAV{
		client:       client,
		logger:       logger,
		calendarPath: cfg.Calendar,
	}, nil
}

// resolveCalendar returns the calendar collection path, discovering the
// first calendar under the principal's home set when none is configured.
func (c *CalDAV) resolveCalendar(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calendarPath != "" {
		return c.calendarPath, nil
	}

	principal, err := c.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := c.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("find calendar home set: %w", err)
	}
	calendars, err := c.client.FindCalendars(ctx, homeSet)
	if err != nil {
		return "", fmt.Errorf("find calendars: %w", err)
	}
	if len(calendars) == 0 {
		return "", fmt.Errorf("no calendars under %s", homeSet)
	}

	c.calendarPath = calendars[0].Path
	c.logger.Info("discovered calendar", "path", c.calendarPath, "name", calendars[0].Name)
	return c.calendarPath, nil
}

// ListEvents implements Backend. Recurring events are expanded into
// their occurrences within the window.
func (c *CalDAV) ListEvents(ctx context.Context, start, end time.Time) ([]Event, error) {
	calPath, err := c.resolveCalendar(ctx)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:     ical.CompEvent,
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	var events []Event
	for _, obj := range objects {
		for _, ev := range obj.Data.Events() {
			expanded, err := expandEvent(ev, start, end)
			if err != nil {
				c.logger.Warn("skipping unparseable event", "path", obj.Path, "error", err)
				continue
			}
			events = append(events, expanded...)
		}
	}
	return events, nil
}

// expandEvent converts one VEVENT into working-form events inside the
// window, expanding its recurrence rule if present.
func expandEvent(ev ical.Event, start, end time.Time) ([]Event, error) {
	dtStart, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("event start: %w", err)
	}
	dtEnd, err := ev.DateTimeEnd(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("event end: %w", err)
	}
	duration := dtEnd.Sub(dtStart)

	base := Event{
		ID:      propText(ev, ical.PropUID),
		Summary: propText(ev, ical.PropSummary),
		Start:   dtStart,
		End:     dtEnd,
	}
	base.Description = propText(ev, ical.PropDescription)
	base.Location = propText(ev, ical.PropLocation)

	set, err := ev.RecurrenceSet(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("recurrence rule: %w", err)
	}
	if set == nil {
		if dtStart.Before(end) && dtEnd.After(start) {
			return []Event{base}, nil
		}
		return nil, nil
	}

	var out []Event
	for _, occStart := range set.Between(start.Add(-duration), end, true) {
		occ := base
		occ.Start = occStart
		occ.End = occStart.Add(duration)
		if occ.Start.Before(end) && occ.End.After(start) {
			out = append(out, occ)
		}
	}
	return out, nil
}

func propText(ev ical.Event, name string) string {
	prop := ev.Props.Get(name)
	if prop == nil {
		return ""
	}
	return prop.Value
}

// CreateEvent implements Backend.
func (c *CalDAV) CreateEvent(ctx context.Context, ev Event) (Event, error) {
	calPath, err := c.resolveCalendar(ctx)
	if err != nil {
		return Event{}, err
	}

	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Event{}, fmt.Errorf("generate event ID: %w", err)
		}
		ev.ID = id.String()
	}

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, ev.ID)
	event.Props.SetText(ical.PropSummary, ev.Summary)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, ev.Start.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, ev.End.UTC())
	if ev.Description != "" {
		event.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		event.Props.SetText(ical.PropLocation, ev.Location)
	}

	cal := newCalendarObject()
	cal.Children = append(cal.Children, event.Component)

	objPath := path.Join(calPath, ev.ID+".ics")
	if _, err := c.client.PutCalendarObject(ctx, objPath, cal); err != nil {
		return Event{}, fmt.Errorf("put calendar object: %w", err)
	}

	c.logger.Info("created event", "id", ev.ID, "summary", ev.Summary, "start", ev.Start)
	return ev, nil
}

// DeleteEvent implements Backend.
func (c *CalDAV) DeleteEvent(ctx context.Context, id string) error {
	calPath, err := c.resolveCalendar(ctx)
	if err != nil {
		return err
	}

	// Objects we create are named <uid>.ics; fall back to a lookup for
	// events created by other clients.
	objPath := path.Join(calPath, id+".ics")
	err = c.client.RemoveAll(ctx, objPath)
	if err == nil {
		c.logger.Info("deleted event", "id", id)
		return nil
	}
	if !IsNotFound(err) {
		return fmt.Errorf("delete event %s: %w", id, err)
	}

	objPath, err = c.findObjectByUID(ctx, calPath, id)
	if err != nil {
		return err
	}
	if err := c.client.RemoveAll(ctx, objPath); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	c.logger.Info("deleted event", "id", id, "path", objPath)
	return nil
}

func (c *CalDAV) findObjectByUID(ctx context.Context, calPath, uid string) (string, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{
				Name:  ical.CompEvent,
				Props: []string{ical.PropUID},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent}},
		},
	}
	objects, err := c.client.QueryCalendar(ctx, calPath, query)
	if err != nil {
		return "", fmt.Errorf("query calendar: %w", err)
	}
	for _, obj := range objects {
		for _, ev := range obj.Data.Events() {
			if propText(ev, ical.PropUID) == uid {
				return obj.Path, nil
			}
		}
	}
	return "", fmt.Errorf("event %s not found", uid)
}

// CreateReminder implements Backend. Reminders are stored as VTODO
// components with a due date.
func (c *CalDAV) CreateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	calPath, err := c.resolveCalendar(ctx)
	if err != nil {
		return Reminder{}, err
	}

	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Reminder{}, fmt.Errorf("generate reminder ID: %w", err)
		}
		r.ID = id.String()
	}

	todo := ical.NewComponent(ical.CompToDo)
	todo.Props.SetText(ical.PropUID, r.ID)
	todo.Props.SetText(ical.PropSummary, r.Summary)
	todo.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	todo.Props.SetDateTime(ical.PropDue, r.Due.UTC())

	cal := newCalendarObject()
	cal.Children = append(cal.Children, todo)

	objPath := path.Join(calPath, r.ID+".ics")
	if _, err := c.client.PutCalendarObject(ctx, objPath, cal); err != nil {
		return Reminder{}, fmt.Errorf("put reminder: %w", err)
	}

	c.logger.Info("created reminder", "id", r.ID, "summary", r.Summary, "due", r.Due)
	return r, nil
}

func newCalendarObject() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//castellan//EN")
	return cal
}

// Ping verifies the server is reachable and a calendar is resolvable.
func (c *CalDAV) Ping(ctx context.Context) error {
	_, err := c.resolveCalendar(ctx)
	return err
}

// IsNotFound reports whether err looks like a missing-resource error
// from the CalDAV server.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *webdav.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "not found")
}
