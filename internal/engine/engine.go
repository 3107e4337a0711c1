// Package engine orchestrates the sync machinery per widget instance:
// connection state, the sync schedule, cached events and the host
// collaborator callbacks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guilherme-santos/dashcal"
	"github.com/guilherme-santos/dashcal/internal/auth"
	"github.com/guilherme-santos/dashcal/internal/logger"
	"github.com/guilherme-santos/dashcal/internal/scheduler"
	"github.com/guilherme-santos/dashcal/internal/sources"
)

// Fetcher aggregates events for one widget.
type Fetcher interface {
	FetchEvents(ctx context.Context, id dashcal.WidgetID) ([]dashcal.Event, error)
}

// UpdateFunc is the host's onUpdate callback, invoked whenever the
// widget's selection or settings change.
type UpdateFunc func(cfg dashcal.WidgetConfig)

type widget struct {
	status   dashcal.Status
	state    dashcal.SyncState
	events   []dashcal.Event
	onUpdate UpdateFunc
}

type Engine struct {
	store    dashcal.CredentialStore
	flow     *auth.Flow
	tokens   *auth.Manager
	registry *sources.Registry
	fetcher  Fetcher
	sched    *scheduler.Scheduler

	mu      sync.Mutex
	widgets map[dashcal.WidgetID]*widget
}

func New(
	store dashcal.CredentialStore,
	flow *auth.Flow,
	tokens *auth.Manager,
	registry *sources.Registry,
	fetcher Fetcher,
	sched *scheduler.Scheduler,
) *Engine {
	e := &Engine{
		store:    store,
		flow:     flow,
		tokens:   tokens,
		registry: registry,
		fetcher:  fetcher,
		sched:    sched,
		widgets:  make(map[dashcal.WidgetID]*widget),
	}
	flow.SetBootstrap(registry.Bootstrap)
	tokens.SetOnDisconnect(e.handleDisconnected)
	return e
}

// NewWidgetID mints an identity for a widget instance added to the
// dashboard.
func NewWidgetID() dashcal.WidgetID {
	return dashcal.WidgetID(uuid.NewString())
}

// Register brings a widget instance under engine control. A widget
// that already has a token set resumes as connected, re-bootstrapping
// its source list if the local copy is empty, and its schedule starts
// immediately.
func (e *Engine) Register(ctx context.Context, id dashcal.WidgetID, onUpdate UpdateFunc) error {
	e.mu.Lock()
	if _, ok := e.widgets[id]; ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: widget %s is already registered", id)
	}
	w := &widget{status: dashcal.StatusDisconnected, onUpdate: onUpdate}
	e.widgets[id] = w
	e.mu.Unlock()

	ts, err := e.store.TokenSet(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: loading token set: %w", err)
	}
	if ts == nil {
		return nil
	}

	srcs, err := e.store.Sources(ctx, id)
	if err != nil {
		return fmt.Errorf("engine: loading source list: %w", err)
	}
	if len(srcs) == 0 {
		// Tokens without a source list means a previous bootstrap was
		// interrupted; fetch it again before the first sync.
		token, err := e.tokens.ValidAccessToken(ctx, id)
		switch {
		case err == nil:
			if err := e.registry.Bootstrap(ctx, id, token); err != nil {
				logger.Widget(id.String()).Warn("source re-bootstrap failed", "error", err)
			}
		case errors.Is(err, dashcal.ErrRefreshFailed), errors.Is(err, dashcal.ErrNoRefreshToken):
			// The stored credentials were rejected and the token manager
			// already cleared them; the widget stays disconnected until
			// the user re-authorizes.
			e.mu.Lock()
			if w := e.widgets[id]; w != nil {
				w.state.LastError = err.Error()
			}
			e.mu.Unlock()
			logger.Widget(id.String()).Warn("stored credentials rejected on resume", "error", err)
			return nil
		case errors.Is(err, dashcal.ErrNotConnected):
			return nil
		default:
			logger.Widget(id.String()).Warn("source re-bootstrap failed", "error", err)
		}
	}

	e.setStatus(id, dashcal.StatusConnected)
	return e.startSchedule(id)
}

// BeginAuthorization starts the consent flow and returns the provider
// URL the host must redirect to. The widget stays in the authorizing
// state until a callback arrives; there is no timeout, an abandoned
// consent page simply leaves it there.
func (e *Engine) BeginAuthorization(ctx context.Context, id dashcal.WidgetID) (string, error) {
	url, err := e.flow.BeginAuthorization(ctx, id)
	if err != nil {
		return "", err
	}
	e.setStatus(id, dashcal.StatusAuthorizing)
	return url, nil
}

// HandleCallback finishes (or rejects) an authorization attempt. On
// success the widget connects, its sync state resets and the schedule
// starts with an immediate fetch.
func (e *Engine) HandleCallback(ctx context.Context, id dashcal.WidgetID, code, state string) error {
	if err := e.flow.HandleCallback(ctx, id, code, state); err != nil {
		e.mu.Lock()
		// Only a pending attempt is demoted: a stray or duplicate
		// callback must not flip an already connected widget whose
		// schedule and credentials are intact.
		if w := e.widgets[id]; w != nil && w.status == dashcal.StatusAuthorizing {
			w.status = dashcal.StatusDisconnected
			w.state.LastError = err.Error()
		}
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	w := e.widgets[id]
	if w != nil {
		w.status = dashcal.StatusConnected
		w.state = dashcal.SyncState{}
		w.events = nil
	}
	e.mu.Unlock()

	e.notifyUpdate(ctx, id)
	return e.startSchedule(id)
}

// ToggleSource flips the selection of the source at the given index
// and re-fetches with the new selection. Out-of-range indexes are
// ignored by the registry.
func (e *Engine) ToggleSource(ctx context.Context, id dashcal.WidgetID, index int) error {
	if _, err := e.registry.ToggleSelection(ctx, id, index); err != nil {
		return err
	}
	e.notifyUpdate(ctx, id)
	e.sched.Trigger(id)
	return nil
}

// SetPreferences stores the widget's display settings and re-fetches
// so display times pick up the new format.
func (e *Engine) SetPreferences(ctx context.Context, id dashcal.WidgetID, prefs *dashcal.Preferences) error {
	if err := e.store.SavePreferences(ctx, id, prefs); err != nil {
		return fmt.Errorf("engine: persisting preferences: %w", err)
	}
	e.notifyUpdate(ctx, id)
	e.sched.Trigger(id)
	return nil
}

// Refresh runs a user-initiated verbose refresh.
func (e *Engine) Refresh(id dashcal.WidgetID) bool {
	return e.sched.Trigger(id)
}

// Disconnect revokes and clears the widget's credentials. The token
// manager calls back into handleDisconnected, which stops the
// schedule and drops cached events.
func (e *Engine) Disconnect(ctx context.Context, id dashcal.WidgetID) error {
	return e.tokens.Disconnect(ctx, id)
}

// Remove is the host's onDelete signal: the widget is gone from the
// dashboard, so disconnect and forget everything about it.
func (e *Engine) Remove(ctx context.Context, id dashcal.WidgetID) error {
	if err := e.tokens.Disconnect(ctx, id); err != nil {
		return err
	}
	if err := e.store.DeleteWidget(ctx, id); err != nil {
		return fmt.Errorf("engine: deleting widget state: %w", err)
	}
	e.mu.Lock()
	delete(e.widgets, id)
	e.mu.Unlock()
	return nil
}

// Events returns the widget's last aggregated event list.
func (e *Engine) Events(id dashcal.WidgetID) []dashcal.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w := e.widgets[id]; w != nil {
		return w.events
	}
	return nil
}

// State returns the widget's connection status and sync bookkeeping.
func (e *Engine) State(id dashcal.WidgetID) (dashcal.Status, dashcal.SyncState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w := e.widgets[id]; w != nil {
		return w.status, w.state
	}
	return dashcal.StatusDisconnected, dashcal.SyncState{}
}

func (e *Engine) startSchedule(id dashcal.WidgetID) error {
	return e.sched.Start(id, func(ctx context.Context, silent bool) {
		e.sync(ctx, id, silent)
	})
}

func (e *Engine) sync(ctx context.Context, id dashcal.WidgetID, silent bool) {
	log := logger.Widget(id.String())
	if silent {
		log.Debug("scheduled refresh")
	} else {
		log.Info("refreshing calendar events")
	}

	e.mu.Lock()
	if w := e.widgets[id]; w != nil {
		w.state.Loading = true
	}
	e.mu.Unlock()

	evs, err := e.fetcher.FetchEvents(ctx, id)

	e.mu.Lock()
	w := e.widgets[id]
	if w == nil {
		// Torn down while the fetch was in flight.
		e.mu.Unlock()
		return
	}
	w.state.Loading = false

	switch {
	case err == nil && ctx.Err() != nil:
		// Stale result: the widget disconnected or was stopped while
		// this fetch was in flight.
		e.mu.Unlock()
		return

	case errors.Is(err, context.Canceled):
		e.mu.Unlock()
		return

	case errors.Is(err, dashcal.ErrRefreshFailed) || errors.Is(err, dashcal.ErrNoRefreshToken):
		// Terminal for the identity; the token manager has already
		// cleared the credentials.
		w.status = dashcal.StatusDisconnected
		w.events = nil
		w.state.LastError = err.Error()
		e.mu.Unlock()
		log.Error("disconnected after refresh failure", "error", err)
		return

	case err != nil:
		w.state.LastError = err.Error()
		w.state.RetryCount++
		n := w.state.RetryCount
		e.mu.Unlock()
		delay := backoff(n, e.sched.Interval())
		log.Warn("sync failed", "error", err, "retry_in", delay)
		e.sched.RetryAfter(id, delay)
		return
	}

	w.events = evs
	w.state.LastError = ""
	w.state.RetryCount = 0
	w.state.LastUpdatedAt = time.Now()
	e.mu.Unlock()

	if !silent {
		log.Info("sync complete", "events", len(evs))
	}
}

// handleDisconnected runs after the token manager cleared a widget's
// credentials, either on explicit disconnect or after a rejected
// refresh.
func (e *Engine) handleDisconnected(id dashcal.WidgetID) {
	e.sched.Stop(id)

	e.mu.Lock()
	if w := e.widgets[id]; w != nil {
		w.status = dashcal.StatusDisconnected
		w.events = nil
		w.state.Loading = false
	}
	e.mu.Unlock()
}

func (e *Engine) setStatus(id dashcal.WidgetID, status dashcal.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w := e.widgets[id]; w != nil {
		w.status = status
	}
}

func (e *Engine) notifyUpdate(ctx context.Context, id dashcal.WidgetID) {
	e.mu.Lock()
	w := e.widgets[id]
	var onUpdate UpdateFunc
	if w != nil {
		onUpdate = w.onUpdate
	}
	e.mu.Unlock()
	if onUpdate == nil {
		return
	}

	cfg := dashcal.WidgetConfig{}
	if srcs, err := e.store.Sources(ctx, id); err == nil {
		cfg.Sources = srcs
	}
	if prefs, err := e.store.Preferences(ctx, id); err == nil && prefs != nil {
		cfg.Preferences = *prefs
	}
	onUpdate(cfg)
}

// backoff grows the retry delay exponentially from five seconds up to
// the configured sync interval.
func backoff(retry int, limit time.Duration) time.Duration {
	d := 5 * time.Second
	for i := 1; i < retry && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		d = limit
	}
	return d
}
