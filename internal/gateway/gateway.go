// Package gateway is the HTTP ingress: signed webhook intake, the
// operator status surface, and the live event feed. Every inbound event
// crosses the trust boundary here before any downstream component sees
// it.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/actiongate/internal/actions"
	"github.com/basket/actiongate/internal/audit"
	"github.com/basket/actiongate/internal/bus"
	"github.com/basket/actiongate/internal/config"
	"github.com/basket/actiongate/internal/dlq"
	"github.com/basket/actiongate/internal/gate"
	"github.com/basket/actiongate/internal/idempotency"
	"github.com/basket/actiongate/internal/otel"
	"github.com/basket/actiongate/internal/outcome"
	"github.com/basket/actiongate/internal/persistence"
	"github.com/basket/actiongate/internal/trust"
)

const (
	// maxBodyBytes bounds webhook payloads before signature checking.
	maxBodyBytes = 1 << 20

	// Envelope-mode header names.
	envelopeTimestampHeader = "X-Request-Timestamp"
	envelopeSignatureHeader = "X-Envelope-Signature"
)

// Deps are the wired components the gateway dispatches into.
type Deps struct {
	Store    *persistence.Store
	Guard    *idempotency.Guard
	Recorder *outcome.Recorder
	Scorer   *trust.Scorer
	Gate     *gate.Gate
	Executor *actions.Executor
	DLQ      *dlq.Queue
	Trail    *audit.Trail
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	// ScoreCache, when set, is invalidated after outcome writes so gate
	// reads see fresh evidence.
	ScoreCache *trust.CachedReader
}

// Server serves webhook ingress plus the operator endpoints.
type Server struct {
	deps    Deps
	log     *slog.Logger
	limiter *rateLimiter
	httpSrv *http.Server
	now     func() time.Time
	started time.Time

	mu  sync.RWMutex
	cfg config.Config
}

func NewServer(cfg config.Config, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		deps: deps,
		log:  log,
		cfg:  cfg,
		now:  time.Now,
	}
	s.limiter = newRateLimiter(cfg.RateLimitPerMinute)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{integration}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.requireAPIKey(s.handleStatus))
	mux.HandleFunc("GET /feed", s.requireAPIKey(s.handleFeed))

	s.httpSrv = &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           sizeLimit(mux, maxBodyBytes),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// UpdateConfig swaps the active config, for reload without restart.
// The bind address cannot change while running.
func (s *Server) UpdateConfig(cfg config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.limiter.setLimit(cfg.RateLimitPerMinute)
	s.log.Info("gateway config reloaded", "fingerprint", cfg.Fingerprint())
}

func (s *Server) config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start serves until ctx is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.started = s.now()
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	payload := map[string]any{
		"service":        "actiongate",
		"version":        otel.Version,
		"config":         cfg.Fingerprint(),
		"policy":         s.deps.Gate.CurrentPolicy(),
		"uptime_seconds": int(s.now().Sub(s.started).Seconds()),
	}
	if s.deps.Trail != nil {
		payload["audit_denials"] = s.deps.Trail.DenyCount()
	}
	if s.deps.Store != nil {
		snap, err := s.deps.Store.Snapshot(r.Context())
		if err != nil {
			s.log.Error("status snapshot", "error", err)
			writeError(w, http.StatusInternalServerError, "snapshot unavailable")
			return
		}
		payload["store"] = snap
	}
	writeJSON(w, http.StatusOK, payload)
}

// requireAPIKey gates the operator endpoints. With no key configured
// the endpoints stay open; the default bind address is loopback-only.
func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := s.config().APIKey
		if key == "" {
			next(w, r)
			return
		}
		provided := extractAPIKey(r)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			if s.deps.Trail != nil {
				s.deps.Trail.Record(r.Context(), "console.auth", "deny", "bad api key", r.URL.Path)
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// extractAPIKey checks Authorization: Bearer, then X-API-Key, then the
// api_key query parameter (for browser websocket clients that cannot
// set headers).
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// sizeLimit caps request bodies before any handler reads them.
func sizeLimit(next http.Handler, limit int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func subject(integration, conversationID string) string {
	if conversationID == "" {
		return integration
	}
	return fmt.Sprintf("%s/%s", integration, conversationID)
}
