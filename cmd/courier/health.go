package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/rickgao/courier/internal/dispatch"
	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/router"
	"github.com/rickgao/courier/internal/version"
)

// engine is the part of the running daemon the HTTP handlers report on.
type engine interface {
	Subscribers() []model.Subscriber
	Worker(id string) *dispatch.Worker
	LockCount(id string) int
	UseCount(id string) int
	HasListeners() bool
}

type routes interface {
	Subscriptors() []model.Subscriptor
	Stats() router.Stats
}

type subscriberStatus struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	URI     string          `json:"uri"`
	Enabled bool            `json:"enabled"`
	Active  bool            `json:"active"`
	Healthy bool            `json:"healthy"`
	Locks   int             `json:"locks"`
	Uses    int             `json:"uses"`
	Stats   *dispatch.Stats `json:"stats,omitempty"`
}

type healthReport struct {
	Status      string             `json:"status"`
	Instance    string             `json:"instance"`
	Build       version.Info       `json:"build"`
	Subscribers []subscriberStatus `json:"subscribers"`
	Router      router.Stats       `json:"router"`
}

// createHealthHandler creates the HTTP handler for health checks and debug
// listings. The metrics handler, when non-nil, is mounted at metricsPath.
func createHealthHandler(instance, healthPath, metricsPath string, subs engine, rt routes, metrics http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
		report := healthReport{
			Status:   "healthy",
			Instance: instance,
			Build:    version.Get(),
			Router:   rt.Stats(),
		}

		active := 0
		for _, s := range subs.Subscribers() {
			st := subscriberStatus{
				ID:      s.ID,
				Name:    s.Name,
				URI:     redact(s.URI),
				Enabled: s.Enabled,
				Locks:   subs.LockCount(s.ID),
				Uses:    subs.UseCount(s.ID),
			}
			if wk := subs.Worker(s.ID); wk != nil {
				stats := wk.Stats()
				st.Active = true
				st.Healthy = wk.Healthy()
				st.Stats = &stats
				active++
				if !st.Healthy {
					report.Status = "degraded"
				}
			}
			report.Subscribers = append(report.Subscribers, st)
		}
		if active == 0 && !subs.HasListeners() {
			report.Status = "idle"
		}

		writeJSON(w, http.StatusOK, report, logger)
	})

	mux.HandleFunc("/debug/subscriptors", func(w http.ResponseWriter, r *http.Request) {
		list := rt.Subscriptors()
		writeJSON(w, http.StatusOK, map[string]any{
			"count":        len(list),
			"subscriptors": list,
		}, logger)
	})

	if metrics != nil {
		mux.Handle(metricsPath, metrics)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

// redact hides URI credentials.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
