// Package httpapi hosts the process's ops surface (health, readiness, metrics), the gRPC health
// service, and the mapping from engine errors to HTTP and gRPC statuses.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"tenantguard.org/internal/obs"
	"tenantguard.org/internal/rbac"
)

const serviceName = "tenantguard"

// readyTimeout bounds a single readiness check.
const readyTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable; the Postgres store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ops serves /healthz, /readyz, /v1/info and /metrics.
type Ops struct {
	mux     *http.ServeMux
	ready   Pinger
	version string
	logger  *logrus.Logger
}

// NewOps builds the ops handler. A nil ready pinger always reports ready.
func NewOps(ready Pinger, version string, logger *logrus.Logger) *Ops {
	if logger == nil {
		logger = obs.Logger()
	}
	o := &Ops{
		mux:     http.NewServeMux(),
		ready:   ready,
		version: version,
		logger:  logger,
	}
	o.mux.HandleFunc("/healthz", o.Healthz)
	o.mux.HandleFunc("/readyz", o.Ready)
	o.mux.HandleFunc("/v1/info", o.Info)
	o.mux.Handle("/metrics", obs.Handler())
	o.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, fmt.Errorf("%w: %s", rbac.ErrNotFound, r.URL.Path))
	})
	return o
}

// Handler wraps the mux with metrics, request ids and access logging.
func (o *Ops) Handler() http.Handler {
	return obs.Instrument(RequestID(Logging(o.logger, o.mux)))
}

func (o *Ops) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": o.version,
	})
}

func (o *Ops) Ready(w http.ResponseWriter, r *http.Request) {
	if err := o.ping(r.Context()); err != nil {
		WriteError(w, r, rbac.MarkTransient(fmt.Errorf("not ready: %w", err)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (o *Ops) ping(ctx context.Context) error {
	if o.ready == nil {
		obs.SetReady(true)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	err := o.ready.Ping(ctx)
	obs.SetReady(err == nil)
	return err
}

func (o *Ops) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": o.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
