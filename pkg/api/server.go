// Package api exposes the gateway over HTTP: backup submission, restore
// authorization, audit review, and the admin surfaces. Every response uses
// the same envelope and every guarded route runs through API key
// authentication and a role permission check.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/auth"
	"github.com/cuemby/warden/pkg/backup"
	"github.com/cuemby/warden/pkg/incident"
	"github.com/cuemby/warden/pkg/keymgmt"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/monitor"
	"github.com/cuemby/warden/pkg/policy"
	"github.com/cuemby/warden/pkg/probes"
	"github.com/cuemby/warden/pkg/restore"
	"github.com/cuemby/warden/pkg/storage"
)

// Config controls the HTTP listener and request throttling.
type Config struct {
	Addr              string
	RequestsPerSecond float64
	Burst             int
}

// Services bundles the subsystems the API fronts.
type Services struct {
	Auth      *auth.Service
	Policies  *policy.Engine
	Audit     *audit.Service
	Backups   *backup.Service
	Restores  *restore.Service
	Incidents *incident.Service
	Keys      *keymgmt.Service
	Alerts    *monitor.Service
	Probes    *probes.Registry
	Store     storage.Store
}

// Server is the HTTP front of the gateway.
type Server struct {
	auth      *auth.Service
	policies  *policy.Engine
	audit     *audit.Service
	backups   *backup.Service
	restores  *restore.Service
	incidents *incident.Service
	keys      *keymgmt.Service
	alerts    *monitor.Service
	probes    *probes.Registry
	store     storage.Store
	limits    *rateLimiters
	logger    zerolog.Logger
	httpSrv   *http.Server
}

// NewServer wires the route table. The server does not start listening until
// Start is called.
func NewServer(cfg Config, services Services) *Server {
	s := &Server{
		auth:      services.Auth,
		policies:  services.Policies,
		audit:     services.Audit,
		backups:   services.Backups,
		restores:  services.Restores,
		incidents: services.Incidents,
		keys:      services.Keys,
		alerts:    services.Alerts,
		probes:    services.Probes,
		store:     services.Store,
		limits:    newRateLimiters(cfg.RequestsPerSecond, cfg.Burst),
		logger:    log.WithComponent("api"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/backups", s.authed(policy.PermissionBackups, s.handleSubmitBackup))

	mux.HandleFunc("POST /api/v1/restores", s.authed(policy.PermissionRestores, s.handleRestore))
	mux.HandleFunc("GET /api/v1/restores/access/{token}", s.authed(policy.PermissionRestores, s.handleRestoreAccess))

	mux.HandleFunc("GET /api/v1/audit/chain/validate", s.authed(policy.PermissionAudit, s.handleValidateChain))
	mux.HandleFunc("GET /api/v1/audit/entries", s.authed(policy.PermissionAudit, s.handleListAuditEntries))
	mux.HandleFunc("GET /api/v1/audit/summary", s.authed(policy.PermissionAudit, s.handleAuditSummary))

	mux.HandleFunc("GET /api/v1/admin/incident", s.authed(policy.PermissionAdmin, s.handleGetIncident))
	mux.HandleFunc("PUT /api/v1/admin/incident", s.authed(policy.PermissionAdmin, s.handleSetIncident))

	mux.HandleFunc("GET /api/v1/admin/alerts", s.authed(policy.PermissionAdmin, s.handleListAlerts))
	mux.HandleFunc("PUT /api/v1/admin/alerts/{alert_id}/status", s.authed(policy.PermissionAdmin, s.handleUpdateAlertStatus))

	mux.HandleFunc("POST /api/v1/admin/keys", s.authed(policy.PermissionAdmin, s.handleCreateAPIKey))
	mux.HandleFunc("GET /api/v1/admin/keys", s.authed(policy.PermissionAdmin, s.handleListAPIKeys))
	mux.HandleFunc("POST /api/v1/admin/keys/{key_id}/revoke", s.authed(policy.PermissionAdmin, s.handleRevokeAPIKey))

	mux.HandleFunc("GET /api/v1/admin/keys/versions", s.authed(policy.PermissionAdmin, s.handleListKeyVersions))
	mux.HandleFunc("POST /api/v1/admin/keys/versions/rotate", s.authed(policy.PermissionAdmin, s.handleRotateKey))
	mux.HandleFunc("GET /api/v1/admin/keys/versions/{version_id}", s.authed(policy.PermissionAdmin, s.handleGetKeyVersion))
	mux.HandleFunc("POST /api/v1/admin/keys/versions/{version_id}/crypto-shred", s.authed(policy.PermissionAdmin, s.handleCryptoShred))
	mux.HandleFunc("GET /api/v1/admin/keys/versions/{version_id}/crypto-shred-outcome", s.authed(policy.PermissionAdmin, s.handleShredOutcome))

	mux.HandleFunc("POST /api/v1/admin/policies", s.authed(policy.PermissionAdmin, s.handleCreatePolicy))
	mux.HandleFunc("GET /api/v1/admin/policies", s.authed(policy.PermissionAdmin, s.handleListPolicies))
	mux.HandleFunc("PUT /api/v1/admin/policies/{policy_id}", s.authed(policy.PermissionAdmin, s.handleUpdatePolicy))

	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.Handle("GET /metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the route table, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("API server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("API server shutting down")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, s.probes.Liveness())
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	readiness := s.probes.Readiness(r.Context())
	status := http.StatusOK
	if readiness.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, &Envelope{
		Data: readiness,
		Meta: &Meta{RequestID: requestID(r)},
	})
}

// auditUnavailable maps fail-secure audit write failures; any handler that
// cannot put its action on the chain refuses to serve.
func auditUnavailable(w http.ResponseWriter, r *http.Request, err error) bool {
	var writeErr *audit.WriteError
	if errors.As(err, &writeErr) {
		writeError(w, r, http.StatusInternalServerError, "AUDIT_UNAVAILABLE", "Audit chain unavailable", nil)
		return true
	}
	return false
}
