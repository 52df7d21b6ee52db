// Package httpapi implements the HTTP Router: session admission,
// journal/replay/stream endpoints, approval resolution, auth rotation,
// and journal compaction (spec.md §6). Grounded wholesale on the
// teacher's cmd/reach-serve/main.go: Go 1.22+ method+path mux patterns,
// the withX(withY(...)) middleware-chaining idiom, graceful shutdown
// via signal.NotifyContext+srv.Shutdown, and writeJSON/writeError
// response helpers, generalized from run/capsule/pack endpoints to the
// session/approval/tool/journal surface this spec names.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oldeucryptoboi/agentkernel/internal/approval"
	"github.com/oldeucryptoboi/agentkernel/internal/authz"
	"github.com/oldeucryptoboi/agentkernel/internal/eventbus"
	"github.com/oldeucryptoboi/agentkernel/internal/journal"
	"github.com/oldeucryptoboi/agentkernel/internal/kernel"
	"github.com/oldeucryptoboi/agentkernel/internal/lifecycle"
	"github.com/oldeucryptoboi/agentkernel/internal/ratelimit"
	"github.com/oldeucryptoboi/agentkernel/internal/tools"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Defaults matching spec.md §4/§5's stated constants.
const (
	DefaultMaxConcurrentSessions   = 100
	DefaultMaxSSEClientsPerSession = 10
	DefaultMaxJournalPage          = 500
	DefaultMaxReplayEvents         = 1000
	DefaultRateLimitMax            = 100
	DefaultRateLimitWindow         = time.Minute
)

// Config wires every collaborator and tunable the router needs.
type Config struct {
	Journal      *journal.Store
	EventBus     *eventbus.Hub
	Supervisor   *lifecycle.Supervisor
	Auth         *authz.Authenticator
	RateLimiter  *ratelimit.Limiter
	Approvals    *approval.Registry
	ToolRegistry *tools.Registry

	// NewKernel builds a fresh, unconfigured kernel.Kernel for one
	// session; the router calls CreateSession/Run on it. Kept as a
	// factory (rather than a shared kernel.Config literal) so callers
	// can vary Agentic/PlannerRetry/Memory per deployment while the
	// router stays collaborator-agnostic.
	NewKernel func() *kernel.Kernel

	ServerMaxLimits         types.Limits
	MaxConcurrentSessions   int
	MaxSSEClientsPerSession int
	MaxJournalPage          int
	MaxReplayEvents         int

	Logger *zap.Logger
}

func normalize(cfg Config) Config {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if cfg.MaxSSEClientsPerSession <= 0 {
		cfg.MaxSSEClientsPerSession = DefaultMaxSSEClientsPerSession
	}
	if cfg.MaxJournalPage <= 0 {
		cfg.MaxJournalPage = DefaultMaxJournalPage
	}
	if cfg.MaxReplayEvents <= 0 {
		cfg.MaxReplayEvents = DefaultMaxReplayEvents
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// sessionEntry tracks one live kernel; SSE client counts are kept
// separately in Server.sseCounts.
type sessionEntry struct {
	kernel *kernel.Kernel
}

// Server is the HTTP Router: stateless per request except for the
// in-memory session/kernel map it owns.
type Server struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	sseMu     sync.Mutex
	sseCounts map[string]*sseClientCounter

	metrics requestMetrics
}

type requestMetrics struct {
	total  atomic.Uint64
	active atomic.Int64
	errors atomic.Uint64
}

// New returns a Server wired to cfg.
func New(cfg Config) *Server {
	return &Server{cfg: normalize(cfg), sessions: make(map[string]*sessionEntry)}
}

// Handler builds the full middleware-wrapped mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/tools", s.handleListTools)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAbortSession)
	mux.HandleFunc("GET /api/sessions/{id}/journal", s.handleGetJournal)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /api/sessions/{id}/replay", s.handleReplay)
	mux.HandleFunc("POST /api/sessions/{id}/recover", s.handleRecover)

	mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/approvals/{id}", s.handleResolveApproval)

	mux.HandleFunc("POST /api/auth/rotate-key", s.handleRotateKey)
	mux.HandleFunc("POST /api/journal/compact", s.handleCompact)

	return withSecurityHeaders(withCorrelationID(withLogging(s.cfg.Logger)(withRecovery(s.cfg.Logger)(s.withRateLimit(s.withAuth(mux))))))
}

// withRateLimit applies the sliding-window per-IP limiter to every
// route except /api/health, per spec.md §4.9's exemption.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		res := s.cfg.RateLimiter.Check(ip)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(s.cfg.RateLimiter.MaxRequests()))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retryAfter := int(time.Until(res.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			s.journalSystemEvent(r.Context(), types.EventAuthRateLimited, types.AuthFailedPayload{IP: ip, Method: r.Method, Path: r.URL.Path, Reason: "rate_limited"})
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces bearer-token auth on every route except /api/health,
// per spec.md §4.10. In insecure mode (no token configured) every
// request passes.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.Auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.Auth.Insecure() {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || !s.cfg.Auth.Check(token) {
			s.journalSystemEvent(r.Context(), types.EventAuthFailed, types.AuthFailedPayload{
				IP: clientIP(r), Method: r.Method, Path: r.URL.Path, Reason: "invalid_or_missing_bearer",
			})
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) journalSystemEvent(ctx context.Context, typ types.EventType, payload any) {
	if s.cfg.Journal == nil {
		return
	}
	_, _ = s.cfg.Journal.Emit(ctx, types.SystemSessionID, typ, payload)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return ""
	}
	return header[len(prefix):]
}

func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
