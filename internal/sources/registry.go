// Package sources tracks which of the account's calendars feed the
// widget.
package sources

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/guilherme-santos/dashcal"
)

// Registry fetches the calendar list available to an authorized
// account and persists which entries are selected for display.
type Registry struct {
	store dashcal.CredentialStore
	opts  []option.ClientOption
}

// NewRegistry creates a registry. Extra client options are used by
// tests to point the calendar service at a fake endpoint.
func NewRegistry(store dashcal.CredentialStore, opts ...option.ClientOption) *Registry {
	return &Registry{
		store: store,
		opts:  opts,
	}
}

// ListSources fetches the provider's calendar list and maps it to
// sources with the default selection applied.
func (r *Registry) ListSources(ctx context.Context, accessToken string) ([]dashcal.Source, error) {
	svc, err := r.calendarSvc(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	list, err := svc.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sources: fetching calendar list: %w", err)
	}

	res := make([]dashcal.Source, 0, len(list.Items))
	for _, entry := range list.Items {
		res = append(res, dashcal.Source{
			ID:       entry.Id,
			Name:     entry.Summary,
			Color:    entry.BackgroundColor,
			Primary:  entry.Primary,
			Selected: entry.Primary || entry.Selected,
		})
	}
	applyDefaultSelection(res)
	return res, nil
}

// Bootstrap replaces the widget's persisted source list wholesale with
// a fresh fetch. It runs right after authorization and again whenever
// tokens exist but the local list is empty.
func (r *Registry) Bootstrap(ctx context.Context, id dashcal.WidgetID, accessToken string) error {
	srcs, err := r.ListSources(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := r.store.SaveSources(ctx, id, srcs); err != nil {
		return fmt.Errorf("sources: persisting source list: %w", err)
	}
	return nil
}

// ToggleSelection flips the selection flag of the source at the given
// index and persists the result. An out-of-range index is a no-op
// rather than an error: the UI may act on a stale list.
func (r *Registry) ToggleSelection(ctx context.Context, id dashcal.WidgetID, index int) ([]dashcal.Source, error) {
	srcs, err := r.store.Sources(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sources: loading source list: %w", err)
	}
	if index < 0 || index >= len(srcs) {
		return srcs, nil
	}

	srcs[index].Selected = !srcs[index].Selected
	applyDefaultSelection(srcs)

	if err := r.store.SaveSources(ctx, id, srcs); err != nil {
		return nil, fmt.Errorf("sources: persisting source list: %w", err)
	}
	return srcs, nil
}

// applyDefaultSelection keeps the invariant that a non-empty list has
// at least one selected source: the primary calendar wins, the first
// entry otherwise.
func applyDefaultSelection(srcs []dashcal.Source) {
	if len(srcs) == 0 {
		return
	}
	for _, s := range srcs {
		if s.Selected {
			return
		}
	}
	for i := range srcs {
		if srcs[i].Primary {
			srcs[i].Selected = true
			return
		}
	}
	srcs[0].Selected = true
}

func (r *Registry) calendarSvc(ctx context.Context, accessToken string) (*calendar.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}, r.opts...)

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sources: creating calendar service: %w", err)
	}
	return svc, nil
}
