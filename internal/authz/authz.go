// Package authz implements constant-time bearer token authentication
// with key rotation, grounded on the teacher's general
// middleware-chaining idiom (cmd/reach-serve/main.go's withXxx
// wrappers) and the standard crypto/subtle constant-time comparison
// the wider Go ecosystem uses for secret comparison — no pack repo
// offers an alternative library for this narrow a concern, so stdlib
// is the correct tool here (see DESIGN.md).
package authz

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// GraceWindow is how long a rotated-out key remains valid.
const GraceWindow = 5 * time.Minute

// Authenticator holds the current API token plus any keys still in
// their post-rotation grace window. A zero-value Authenticator with
// no token configured is "insecure mode": every request is allowed
// and rotation is forbidden.
type Authenticator struct {
	mu      sync.RWMutex
	current string
	rotated []types.RotatedKey
	now     func() time.Time
}

// New returns an Authenticator. An empty token means insecure mode.
func New(token string) *Authenticator {
	return &Authenticator{current: token, now: time.Now}
}

// Insecure reports whether no API token is configured.
func (a *Authenticator) Insecure() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current == ""
}

// constantTimeEqual compares a and b in constant time. A length
// mismatch returns false early through an explicit length check, which
// leaks only the length, not content — matching spec P9's
// length-mismatch fast path; equal-length inputs go through
// subtle.ConstantTimeCompare.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Check reports whether provided matches the current token or any
// key still inside its grace window. In insecure mode, Check always
// succeeds.
func (a *Authenticator) Check(provided string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.current == "" {
		return true
	}
	if constantTimeEqual(provided, a.current) {
		return true
	}
	now := a.now()
	for _, rk := range a.rotated {
		if now.Before(rk.GraceExpiresAt) && constantTimeEqual(provided, rk.Key) {
			return true
		}
	}
	return false
}

// RotateResult is returned from Rotate.
type RotateResult struct {
	NewKey    string
	RotatedAt time.Time
}

// ErrInsecureMode is returned by Rotate when no token is configured.
type ErrInsecureMode struct{}

func (ErrInsecureMode) Error() string { return "key rotation forbidden in insecure mode" }

// Rotate replaces the current token with a fresh random UUID, keeping
// the old one valid for GraceWindow. Forbidden in insecure mode.
func (a *Authenticator) Rotate() (RotateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == "" {
		return RotateResult{}, ErrInsecureMode{}
	}

	now := a.now()
	a.rotated = append(a.rotated, types.RotatedKey{
		Key:            a.current,
		ActivatedAt:    now,
		GraceExpiresAt: now.Add(GraceWindow),
	})
	a.pruneExpiredLocked(now)

	newKey := uuid.NewString()
	a.current = newKey
	return RotateResult{NewKey: newKey, RotatedAt: now}, nil
}

func (a *Authenticator) pruneExpiredLocked(now time.Time) {
	kept := a.rotated[:0]
	for _, rk := range a.rotated {
		if now.Before(rk.GraceExpiresAt) {
			kept = append(kept, rk)
		}
	}
	a.rotated = kept
}
