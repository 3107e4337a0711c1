// Package events aggregates the selected calendars into one merged,
// normalized event list for rendering.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/guilherme-santos/dashcal"
)

const (
	// window is how far the rolling fetch reaches into the past and
	// the future.
	window = 30 * 24 * time.Hour

	maxResultsPerSource = 100

	defaultTimeFormat = "15:04"
	dateOnlyFormat    = "2006-01-02"
)

// TokenSource yields a valid access token for a widget, refreshing it
// first when necessary.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, id dashcal.WidgetID) (string, error)
}

// Pipeline fetches events from every selected source in a rolling
// time window, normalizes them and returns them merged and sorted.
type Pipeline struct {
	tokens TokenSource
	store  dashcal.CredentialStore
	opts   []option.ClientOption
	now    func() time.Time
}

// NewPipeline creates a pipeline. Extra client options are used by
// tests to point the calendar service at a fake endpoint.
func NewPipeline(tokens TokenSource, store dashcal.CredentialStore, opts ...option.ClientOption) *Pipeline {
	return &Pipeline{
		tokens: tokens,
		store:  store,
		opts:   opts,
		now:    time.Now,
	}
}

// FetchEvents aggregates events for the widget. A widget that is not
// connected yields an empty result and no error. A source that fails
// to fetch is skipped so the aggregation degrades instead of failing
// wholesale.
func (p *Pipeline) FetchEvents(ctx context.Context, id dashcal.WidgetID) ([]dashcal.Event, error) {
	token, err := p.tokens.ValidAccessToken(ctx, id)
	if errors.Is(err, dashcal.ErrNotConnected) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	srcs, err := p.store.Sources(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("events: loading source list: %w", err)
	}

	timeFormat := defaultTimeFormat
	if prefs, err := p.store.Preferences(ctx, id); err == nil && prefs != nil && prefs.TimeFormat != "" {
		timeFormat = prefs.TimeFormat
	}

	svc, err := p.calendarSvc(ctx, token)
	if err != nil {
		return nil, err
	}

	now := p.now()
	from := now.Add(-window).Format(time.RFC3339)
	to := now.Add(window).Format(time.RFC3339)

	log := slog.Default().With("widget", id)

	var all []dashcal.Event
	for _, src := range srcs {
		if !src.Selected {
			continue
		}

		resp, err := svc.Events.List(src.ID).
			TimeMin(from).
			TimeMax(to).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(maxResultsPerSource).
			Context(ctx).
			Do()
		if err != nil {
			var gErr *googleapi.Error
			if errors.As(err, &gErr) {
				log.Warn("skipping source after fetch failure", "source", src.ID, "code", gErr.Code, "error", err)
			} else {
				log.Warn("skipping source after fetch failure", "source", src.ID, "error", err)
			}
			continue
		}

		for _, item := range resp.Items {
			ev, err := newEvent(item, src.Color, timeFormat)
			if err != nil {
				log.Warn("dropping malformed event", "source", src.ID, "event", item.Id, "error", err)
				continue
			}
			all = append(all, *ev)
		}
	}

	// Missing start times sort first; the zero value is never shown,
	// only ordered.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].StartsAt.Before(all[j].StartsAt)
	})
	return all, nil
}

// newEvent normalizes one provider event. Date-only events become
// all-day; an event with neither a date nor a date-time is malformed
// upstream data and is rejected.
func newEvent(item *calendar.Event, sourceColor, timeFormat string) (*dashcal.Event, error) {
	ev := &dashcal.Event{
		ID:          item.Id,
		Title:       item.Summary,
		Location:    item.Location,
		Description: item.Description,
		SourceColor: sourceColor,
	}

	var err error
	switch {
	case item.Start != nil && item.Start.DateTime != "":
		ev.StartsAt, err = time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			return nil, fmt.Errorf("parsing start time: %w", err)
		}
	case item.Start != nil && item.Start.Date != "":
		ev.StartsAt, err = time.Parse(dateOnlyFormat, item.Start.Date)
		if err != nil {
			return nil, fmt.Errorf("parsing start date: %w", err)
		}
		ev.AllDay = true
	default:
		return nil, errors.New("event has no start time or date")
	}

	switch {
	case item.End != nil && item.End.DateTime != "":
		ev.EndsAt, err = time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			return nil, fmt.Errorf("parsing end time: %w", err)
		}
	case item.End != nil && item.End.Date != "":
		ev.EndsAt, err = time.Parse(dateOnlyFormat, item.End.Date)
		if err != nil {
			return nil, fmt.Errorf("parsing end date: %w", err)
		}
	default:
		ev.EndsAt = ev.StartsAt.Add(time.Hour)
	}

	ev.DisplayTime = displayTime(ev, timeFormat)
	return ev, nil
}

// displayTime renders the range shown next to the event title. The
// end time appears only when start and end share a calendar day;
// cross-midnight and multi-day events show the start alone.
func displayTime(ev *dashcal.Event, timeFormat string) string {
	if ev.AllDay {
		return "All day"
	}
	start := ev.StartsAt.Format(timeFormat)
	if sameDay(ev.StartsAt, ev.EndsAt) {
		return start + " - " + ev.EndsAt.Format(timeFormat)
	}
	return start
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (p *Pipeline) calendarSvc(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}, p.opts...)

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: creating calendar service: %w", err)
	}
	return svc, nil
}
