package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oldeucryptoboi/agentkernel/internal/approval"
	"github.com/oldeucryptoboi/agentkernel/internal/authz"
	"github.com/oldeucryptoboi/agentkernel/internal/circuitbreaker"
	"github.com/oldeucryptoboi/agentkernel/internal/critics"
	"github.com/oldeucryptoboi/agentkernel/internal/eventbus"
	"github.com/oldeucryptoboi/agentkernel/internal/httpapi"
	"github.com/oldeucryptoboi/agentkernel/internal/journal"
	"github.com/oldeucryptoboi/agentkernel/internal/kernel"
	"github.com/oldeucryptoboi/agentkernel/internal/lifecycle"
	"github.com/oldeucryptoboi/agentkernel/internal/memory"
	"github.com/oldeucryptoboi/agentkernel/internal/planner"
	"github.com/oldeucryptoboi/agentkernel/internal/ratelimit"
	"github.com/oldeucryptoboi/agentkernel/internal/tools"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
	"github.com/oldeucryptoboi/agentkernel/internal/wsgateway"
)

var (
	serveBind       string
	servePort       int
	serveDataDir    string
	serveAPIToken   string
	serveAgentic    bool
	serveInsecure   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel daemon and its HTTP/WS control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveBind, "bind", "127.0.0.1", "address to bind to (use 0.0.0.0 for all interfaces)")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "port to listen on")
	serveCmd.Flags().StringVar(&serveDataDir, "data", "data", "data directory for the journal's SQLite file")
	serveCmd.Flags().StringVar(&serveAPIToken, "api-token", "", "bearer token required on every request except /api/health (or set AGENTKERNEL_API_TOKEN)")
	serveCmd.Flags().BoolVar(&serveAgentic, "agentic", true, "enable the replan loop (kernel.Config.Agentic)")
	serveCmd.Flags().BoolVar(&serveInsecure, "insecure", false, "explicitly run with no bearer auth, even if no --api-token is given (spec.md's Dual construction paths note)")
}

// newLogger builds production (JSON, no stack traces) or development
// (console, stack traces on Warn+) zap config depending on the
// environment, per SPEC_FULL.md §7's generalization of spec.md §6's
// "Environment" note.
func newLogger() (*zap.Logger, error) {
	env := os.Getenv("AGENTKERNEL_ENV")
	if env == "" {
		env = os.Getenv("NODE_ENV")
	}
	if env == "production" {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = true
		return cfg.Build()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}

func apiToken() (string, bool) {
	if serveInsecure {
		return "", true
	}
	if serveAPIToken != "" {
		return serveAPIToken, false
	}
	if env := os.Getenv("AGENTKERNEL_API_TOKEN"); env != "" {
		return env, false
	}
	return "", true
}

// defaultServerLimits bounds any session regardless of client input;
// POST /sessions clamps down to these, never raises above them.
var defaultServerLimits = types.Limits{
	MaxSteps:      50,
	MaxDurationMs: int64(5 * time.Minute / time.Millisecond),
	MaxCostUSD:    5.0,
	MaxTokens:     200000,
	MaxIterations: 5,
}

// registerBuiltinTools seeds the reference Tool Registry the Planner's
// single default step targets, matching E2E scenario 1's "test-tool"
// shape: a mock-capable echo tool, plus a shell-category "run_command"
// stub used only to exercise the circuit breaker's per-category
// defaults (its live handler always fails, since no real shell
// execution is in scope per spec.md's non-goals).
func registerBuiltinTools(reg *tools.Registry) {
	reg.Register(types.ToolSchema{
		Name:        "echo",
		Description: "Echoes its input back as output; the kernel's reference default tool.",
		Input:       []types.ToolFieldSpec{{Name: "text", Required: true, Type: "string"}},
		Output:      []types.ToolFieldSpec{{Name: "echo", Required: true, Type: "string"}},
		Category:    types.CategoryOther,
	}, func(ctx context.Context, input map[string]any) (any, error) {
		return map[string]any{"echo": input["text"]}, nil
	}, []any{map[string]any{"echo": "mock echo"}})

	reg.Register(types.ToolSchema{
		Name:        "run_command",
		Description: "Reference shell-category tool; has no real live backend.",
		Input:       []types.ToolFieldSpec{{Name: "command", Required: true, Type: "string"}},
		Output:      []types.ToolFieldSpec{{Name: "stdout", Required: true, Type: "string"}},
		Category:    types.CategoryShell,
	}, func(ctx context.Context, input map[string]any) (any, error) {
		return nil, fmt.Errorf("run_command has no live backend in this build")
	}, []any{map[string]any{"stdout": "mock stdout"}})
}

// policyInputFields maps known input field names to the Policy
// allow-list category they're checked against, grounded on the
// teacher's sandbox.EnforcementLayer (ResolveWorkspacePath/
// CheckCapabilityAccess allow-list-of-prefixes shape).
var policyInputFields = map[string][]string{
	"path":      {"path", "file_path"},
	"endpoint":  {"endpoint", "url"},
	"command":   {"command", "cmd"},
}

// defaultPolicyChecker enforces Policy.allowed_* against a live-mode
// call's input paths/commands/endpoints, grounded on the teacher's
// sandbox.EnforcementLayer allow-list shape: an empty allow-list for a
// category means that category is unrestricted, matching
// EnforcementLayer's "not registered" vs. "declared empty" distinction
// collapsed to the simpler case spec.md's Policy models (no per-run
// registration, just a flat allow-list per session).
func defaultPolicyChecker(toolName string, input map[string]any, policy types.Policy) error {
	if err := checkAllowList(input, policyInputFields["path"], policy.AllowedPaths, "path"); err != nil {
		return err
	}
	if err := checkAllowList(input, policyInputFields["endpoint"], policy.AllowedEndpoints, "endpoint"); err != nil {
		return err
	}
	if err := checkAllowList(input, policyInputFields["command"], policy.AllowedCommands, "command"); err != nil {
		return err
	}
	return nil
}

// checkAllowList requires every string value found under any of
// fieldNames in input to match one of allowed as a prefix. An empty
// allowed list imposes no restriction for that category.
func checkAllowList(input map[string]any, fieldNames []string, allowed []string, category string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, field := range fieldNames {
		value, ok := input[field]
		if !ok {
			continue
		}
		str, ok := value.(string)
		if !ok {
			continue
		}
		matched := false
		for _, prefix := range allowed {
			if strings.HasPrefix(str, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%s %q not in allowed_%ss", category, str, category)
		}
	}
	return nil
}

// approvalHook bridges the Kernel's synchronous ApprovalHook contract
// to the async Approval Registry rendezvous, per DESIGN NOTES'
// "Approval rendezvous across REST and WS" decision.
func approvalHook(registry *approval.Registry) kernel.ApprovalHook {
	return func(ctx context.Context, sessionID string, step types.Step) (types.ApprovalDecision, error) {
		requestID := uuid.NewString()
		decided := make(chan types.ApprovalDecision, 1)
		registry.Register(requestID, approval.Request{SessionID: sessionID, Payload: step}, func(d types.ApprovalDecision) {
			decided <- d
		})
		select {
		case d := <-decided:
			return d, nil
		case <-ctx.Done():
			return types.DecisionDeny, ctx.Err()
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	journalPath := filepath.Join(serveDataDir, "agentkernel.sqlite")
	if serveDataDir == ":memory:" {
		journalPath = ":memory:"
	}
	j, err := journal.Open(journalPath)
	if err != nil {
		return err
	}
	defer j.Close() //nolint:errcheck

	toolRegistry := tools.NewRegistry()
	registerBuiltinTools(toolRegistry)
	breaker := circuitbreaker.New()
	toolRuntime := tools.NewRuntime(toolRegistry, breaker, defaultPolicyChecker)

	memStore := memory.New()

	token, insecure := apiToken()
	var authenticator *authz.Authenticator
	if !insecure {
		authenticator = authz.New(token)
	}

	eventHub := eventbus.New(j, eventbus.DefaultConfig)
	supervisor := lifecycle.New(j, lifecycle.DefaultConfig)
	limiter := ratelimit.New(httpapi.DefaultRateLimitMax, httpapi.DefaultRateLimitWindow)

	// approvals is assigned below, once wsGateway exists to build its
	// Broadcaster from; newKernel closes over the variable (not its
	// zero value) and is only ever called after wiring completes.
	var approvals *approval.Registry

	newKernel := func() *kernel.Kernel {
		return kernel.New(kernel.Config{
			Journal:      j,
			ToolRegistry: toolRegistry,
			ToolRuntime:  toolRuntime,
			Planner: &planner.StaticPlanner{
				Goal: "run the submitted task",
				Step: types.Step{
					StepID:        "step-1",
					Title:         "run task via the default tool",
					ToolRef:       types.ToolRef{Name: "echo"},
					Input:         map[string]any{"text": ""},
					FailurePolicy: types.FailureAbort,
					TimeoutMs:     30000,
					MaxRetries:    1,
				},
			},
			Memory:       memStore,
			Critics:      critics.Default,
			PlannerRetry: kernel.DefaultPlannerRetry,
			Agentic:      serveAgentic,
			ApprovalHook: approvalHook(approvals),
		})
	}

	wsGateway := wsgateway.New(wsgateway.Config{
		Journal:               j,
		EventBus:              eventHub,
		Supervisor:            supervisor,
		Auth:                  authenticator,
		NewKernel:             newKernel,
		ServerMaxLimits:       defaultServerLimits,
		MaxConcurrentSessions: httpapi.DefaultMaxConcurrentSessions,
		Logger:                logger,
	})
	approvals = approval.New(approval.DefaultTimeout, wsGateway.Broadcaster())
	wsGateway.SetApprovals(approvals)

	httpServer := httpapi.New(httpapi.Config{
		Journal:                 j,
		EventBus:                eventHub,
		Supervisor:              supervisor,
		Auth:                    authenticator,
		RateLimiter:             limiter,
		Approvals:               approvals,
		ToolRegistry:            toolRegistry,
		NewKernel:               newKernel,
		ServerMaxLimits:         defaultServerLimits,
		MaxConcurrentSessions:   httpapi.DefaultMaxConcurrentSessions,
		MaxSSEClientsPerSession: httpapi.DefaultMaxSSEClientsPerSession,
		MaxJournalPage:          httpapi.DefaultMaxJournalPage,
		MaxReplayEvents:         httpapi.DefaultMaxReplayEvents,
		Logger:                  logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", httpServer.Handler())
	mux.HandleFunc("GET /api/ws", wsGateway.Handler())

	addr := net.JoinHostPort(serveBind, strconv.Itoa(servePort))
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE/WS connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentkerneld_listening", zap.String("addr", addr), zap.Bool("insecure", insecure))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("agentkerneld_shutting_down")
		return shutdown(srv, approvals, limiter, j, logger)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdown drains in the exact order spec.md §6 specifies. mDNS and
// the scheduler are out of scope (spec.md §1's Non-goals), so those
// two steps are no-ops — see DESIGN.md.
func shutdown(srv *http.Server, approvals *approval.Registry, limiter *ratelimit.Limiter, j *journal.Store, logger *zap.Logger) error {
	// 1. auto-deny approvals
	for _, p := range approvals.List() {
		approvals.Resolve(p.RequestID, types.DecisionDeny)
	}
	// 2. abort kernels: each session's own lifecycle goroutine owns its
	// kernel; the daemon does not keep a second registry to walk here,
	// and neither httpapi.Server nor wsgateway.Gateway aborts its
	// sessions on shutdown, so running kernels are not aborted by this
	// sequence (Kernel.Abort is reached only through the abort endpoint
	// and the WS "abort" message).
	// 3. close SSE/WS: no stream is closed explicitly. srv.Shutdown below
	// stops accepting connections and waits, up to its 10s timeout, for
	// active ones to go idle; it does not cancel in-flight SSE streams,
	// and hijacked WS connections are not tracked by it.
	// 4. clear rate-limiter timers: this limiter prunes synchronously
	// inside Check rather than running a background timer, so there is
	// nothing to stop here.
	// 5. stop scheduler: out of scope, no-op.
	// 6. detach metrics: no separate metrics goroutine to stop.
	// 7. close journal
	_ = j.Close()
	// 8. stop mDNS: out of scope, no-op.
	// 9. close HTTP
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("agentkerneld_shutdown_error", zap.Error(err))
		return err
	}
	return nil
}
