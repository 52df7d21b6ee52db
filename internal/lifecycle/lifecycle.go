// Package lifecycle implements the Lifecycle Supervisor: for each
// started session it races the kernel's run loop against
// max_duration_ms plus a timeout buffer, best-effort journals a
// terminal failure on timeout, and evicts the kernel from the caller's
// active set after a grace period so clients can still read it.
// Grounded on the teacher's autonomous.Loop Run() outer loop
// (internal/autonomous/orchestrator.go) combined with
// cmd/reach-serve/main.go's graceful-shutdown select pattern.
package lifecycle

import (
	"context"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/journal"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Config holds the spec.md §5 timeout defaults.
type Config struct {
	TimeoutBuffer  time.Duration
	EvictionGrace  time.Duration
}

// DefaultConfig matches spec.md §5's stated defaults (30s buffer, 60s
// eviction grace).
var DefaultConfig = Config{
	TimeoutBuffer: 30 * time.Second,
	EvictionGrace: 60 * time.Second,
}

// Supervisor races a session's run against its deadline.
type Supervisor struct {
	journal *journal.Store
	cfg     Config
	now     func() time.Time
}

// New returns a Supervisor backed by j.
func New(j *journal.Store, cfg Config) *Supervisor {
	if cfg.TimeoutBuffer <= 0 && cfg.EvictionGrace <= 0 {
		cfg = DefaultConfig
	}
	return &Supervisor{journal: j, cfg: cfg, now: time.Now}
}

// Runner is the subset of kernel.Kernel the supervisor needs: run the
// session to a terminal outcome, and cooperatively abort it. Modeled
// as an interface so this package never imports internal/kernel,
// keeping the dependency direction the same as journal's (supervisor
// depends down on journal + types only).
type Runner interface {
	Run(ctx context.Context) (types.Session, error)
	Abort(ctx context.Context) error
}

// Supervise runs r to completion, racing it against
// maxDurationMs+TimeoutBuffer. On timeout it aborts r cooperatively,
// and — if r still hasn't reached a terminal journal event shortly
// after — appends a best-effort session.failed itself, since a kernel
// wedged on a misbehaving tool call may never observe the abort flag.
// onEvicted is called once, after EvictionGrace has elapsed past the
// terminal outcome, so the caller can drop its reference to r.
func (s *Supervisor) Supervise(ctx context.Context, sessionID string, maxDurationMs int64, r Runner, onEvicted func()) {
	deadline := time.Duration(maxDurationMs)*time.Millisecond + s.cfg.TimeoutBuffer

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Run(ctx)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		_ = r.Abort(ctx)
		s.awaitOrForceFail(ctx, sessionID, done)
	}

	if s.cfg.EvictionGrace <= 0 {
		if onEvicted != nil {
			onEvicted()
		}
		return
	}
	time.AfterFunc(s.cfg.EvictionGrace, func() {
		if onEvicted != nil {
			onEvicted()
		}
	})
}

// drainGrace is how long Supervise waits for a cooperative abort to
// land a terminal journal event before forcing one itself.
const drainGrace = 5 * time.Second

func (s *Supervisor) awaitOrForceFail(ctx context.Context, sessionID string, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-time.After(drainGrace):
	}

	if s.journal == nil {
		return
	}
	// Best-effort: a session that already reached a terminal state
	// between the timer firing and now must not be backfilled (P1:
	// at most one terminal event). We don't have a cheap "is terminal"
	// check without importing kernel, so callers that can guarantee a
	// Runner reliably observes abort (the only Runner this package
	// ships against) will rarely hit this path; it exists as the
	// "kernel exception or timeout" fallback spec.md §4.11 calls for.
	_, _ = s.journal.Emit(ctx, sessionID, types.EventSessionFailed, types.SessionFailedPayload{
		Reason: "session exceeded max_duration_ms plus the timeout buffer and did not terminate after abort",
	})
}
