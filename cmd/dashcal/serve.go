package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/guilherme-santos/dashcal"
	"github.com/guilherme-santos/dashcal/internal/auth"
	"github.com/guilherme-santos/dashcal/internal/config"
	"github.com/guilherme-santos/dashcal/internal/engine"
	"github.com/guilherme-santos/dashcal/internal/events"
	"github.com/guilherme-santos/dashcal/internal/scheduler"
	"github.com/guilherme-santos/dashcal/internal/sources"
)

var ServeCommand = _serveCommand{
	Name:        "serve",
	Description: "Run the dashboard host: OAuth callback plus the widget API",
}

type _serveCommand struct {
	Name        string
	Description string
}

func (s _serveCommand) Run(ctx context.Context, cfg *config.Config, verbose bool, args []string) error {
	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}

	oauthCfg, err := cfg.OAuth()
	if err != nil {
		return err
	}

	flow := auth.NewFlow(oauthCfg, storage)
	tokens := auth.NewManager(oauthCfg, storage)
	registry := sources.NewRegistry(storage)
	pipeline := events.NewPipeline(tokens, storage)
	sched := scheduler.New(cfg.SyncInterval())
	defer sched.Close()

	eng := engine.New(storage, flow, tokens, registry, pipeline, sched)

	// Resume widgets that survived a restart.
	ids, err := storage.Widgets(ctx)
	if err != nil {
		return fmt.Errorf("listing widgets: %w", err)
	}
	for _, id := range ids {
		if err := eng.Register(ctx, id, nil); err != nil {
			slog.Warn("resuming widget failed", "widget", id, "error", err)
		}
	}

	srv := newServer(eng, cfg.Defaults)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("dashboard host listening", "addr", cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// server is the HTTP face of the engine. It owns the one piece of
// host-side flow state: which widget is currently authorizing, since
// the provider callback carries no widget identity.
type server struct {
	eng      *engine.Engine
	defaults dashcal.Preferences

	mu          sync.Mutex
	authorizing dashcal.WidgetID
}

func newServer(eng *engine.Engine, defaults dashcal.Preferences) *server {
	return &server{eng: eng, defaults: defaults}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /widgets", s.createWidget)
	mux.HandleFunc("DELETE /widgets/{id}", s.deleteWidget)
	mux.HandleFunc("POST /widgets/{id}/connect", s.connectWidget)
	mux.HandleFunc("POST /widgets/{id}/disconnect", s.disconnectWidget)
	mux.HandleFunc("POST /widgets/{id}/refresh", s.refreshWidget)
	mux.HandleFunc("POST /widgets/{id}/sources/{index}/toggle", s.toggleSource)
	mux.HandleFunc("PUT /widgets/{id}/preferences", s.setPreferences)
	mux.HandleFunc("GET /widgets/{id}/events", s.widgetEvents)
	mux.HandleFunc("GET /widgets/{id}/state", s.widgetState)
	mux.HandleFunc("GET /oauth/callback", s.oauthCallback)
	return mux
}

func (s *server) createWidget(w http.ResponseWriter, r *http.Request) {
	id := engine.NewWidgetID()
	if err := s.eng.Register(r.Context(), id, nil); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (s *server) deleteWidget(w http.ResponseWriter, r *http.Request) {
	id := dashcal.WidgetID(r.PathValue("id"))
	if err := s.eng.Remove(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) connectWidget(w http.ResponseWriter, r *http.Request) {
	id := dashcal.WidgetID(r.PathValue("id"))
	url, err := s.eng.BeginAuthorization(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.mu.Lock()
	s.authorizing = id
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"auth_url": url})
}

func (s *server) oauthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code, state := query.Get("code"), query.Get("state")

	s.mu.Lock()
	id := s.authorizing
	s.authorizing = ""
	s.mu.Unlock()

	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("no authorization in progress"))
		return
	}

	if err := s.eng.HandleCallback(r.Context(), id, code, state); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, dashcal.ErrCSRFMismatch) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintln(w, "<html><body>Calendar connected, you can close this window.</body></html>")
}

func (s *server) disconnectWidget(w http.ResponseWriter, r *http.Request) {
	id := dashcal.WidgetID(r.PathValue("id"))
	if err := s.eng.Disconnect(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) refreshWidget(w http.ResponseWriter, r *http.Request) {
	id := dashcal.WidgetID(r.PathValue("id"))
	if !s.eng.Refresh(id) {
		writeError(w, http.StatusConflict, errors.New("widget is not connected"))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) toggleSource(w http.ResponseWriter, r *http.Request) {
	id := dashcal.WidgetID(r.PathValue("id"))
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid source index: %w", err))
		return
	}
	if err := s.eng.ToggleSource(r.Context(), id, index); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) setPreferences(w http.ResponseWriter, r *http.Request) {
	id := dashcal.WidgetID(r.PathValue("id"))

	var prefs dashcal.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid preferences: %w", err))
		return
	}
	if prefs.FirstDay == "" {
		prefs.FirstDay = s.defaults.FirstDay
	}
	if prefs.TimeFormat == "" {
		prefs.TimeFormat = s.defaults.TimeFormat
	}

	if err := s.eng.SetPreferences(r.Context(), id, &prefs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *server) widgetEvents(w http.ResponseWriter, r *http.Request) {
	id := dashcal.WidgetID(r.PathValue("id"))
	evs := s.eng.Events(id)
	if evs == nil {
		evs = []dashcal.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *server) widgetState(w http.ResponseWriter, r *http.Request) {
	id := dashcal.WidgetID(r.PathValue("id"))
	status, state := s.eng.State(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"sync":   state,
	})
}
