package switchboard

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy per spec.md §7. Each kind is a distinct type so callers can
// discriminate with errors.As/errors.Is without string matching.

// TransientUpstream wraps 5xx, connection reset, and timeout errors from a
// deployment. Retried inside the DC; on exhaustion it triggers a cooldown
// and surfaces to the Switchboard retry loop.
type TransientUpstream struct {
	Deployment string
	Err        error
}

func (e *TransientUpstream) Error() string {
	return fmt.Sprintf("switchboard: transient upstream error on %q: %v", e.Deployment, e.Err)
}
func (e *TransientUpstream) Unwrap() error { return e.Err }

// RateLimited wraps a 429 response. RetryAfter is the duration the upstream
// asked the caller to wait, if provided.
type RateLimited struct {
	Deployment string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("switchboard: rate limited on %q (retry-after %s): %v", e.Deployment, e.RetryAfter, e.Err)
}
func (e *RateLimited) Unwrap() error { return e.Err }

// Unauthorized wraps 401/403 responses. Never retried, never cools down the
// deployment — the credential itself is the problem.
type Unauthorized struct {
	Deployment string
	Err        error
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("switchboard: unauthorized on %q: %v", e.Deployment, e.Err)
}
func (e *Unauthorized) Unwrap() error { return e.Err }

// BadRequest wraps 400 responses, including malformed request bodies. Never
// retried, never cools down the deployment.
type BadRequest struct {
	Deployment string
	Err        error
}

func (e *BadRequest) Error() string {
	return fmt.Sprintf("switchboard: bad request on %q: %v", e.Deployment, e.Err)
}
func (e *BadRequest) Unwrap() error { return e.Err }

// Canceled wraps caller-initiated cancellation. Never retried.
type Canceled struct {
	Deployment string
	Err        error
}

func (e *Canceled) Error() string {
	return fmt.Sprintf("switchboard: canceled on %q: %v", e.Deployment, e.Err)
}
func (e *Canceled) Unwrap() error { return e.Err }

// ErrNoHealthyDeployment is returned by the Selection Engine when no
// deployment is currently eligible for selection.
var ErrNoHealthyDeployment = errors.New("switchboard: no healthy deployment")

// AttemptError records one failed attempt inside the outer retry loop, for
// inclusion in AllDeploymentsFailed.
type AttemptError struct {
	RequestID  string
	Deployment string
	Err        error
}

func (a AttemptError) Error() string {
	return fmt.Sprintf("[%s] attempt on %q: %v", a.RequestID, a.Deployment, a.Err)
}
func (a AttemptError) Unwrap() error { return a.Err }

// AllDeploymentsFailed is returned when the Switchboard's outer retry loop
// exhausts max_attempts without a successful completion.
type AllDeploymentsFailed struct {
	Attempts []AttemptError
}

func (e *AllDeploymentsFailed) Error() string {
	if len(e.Attempts) == 0 {
		return "switchboard: all deployments failed (no attempts recorded)"
	}
	return fmt.Sprintf("switchboard: all deployments failed after %d attempt(s): %v", len(e.Attempts), e.Attempts[len(e.Attempts)-1].Err)
}

// Unwrap exposes every per-attempt cause to errors.Is/errors.As.
func (e *AllDeploymentsFailed) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// isDeploymentLevel reports whether err should trigger a DC cooldown per
// spec.md §4.5 step 4 (5xx, timeout, 429 without a short retry-after).
// Create gets this for free via classifyForDC inside dc.Client.Create;
// CreateStream's pre-first-byte failure path has no classify callback, so
// Switchboard.CreateStream calls this directly before excluding the DC.
func isDeploymentLevel(err error) bool {
	var trans *TransientUpstream
	if errors.As(err, &trans) {
		return true
	}
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl.RetryAfter > shortRetryAfterThreshold
	}
	return false
}

// isRetryable reports whether the outer loop should try another deployment,
// per spec.md §4.5 step 4/5.
func isRetryable(err error) bool {
	var unauth *Unauthorized
	if errors.As(err, &unauth) {
		return false
	}
	var bad *BadRequest
	if errors.As(err, &bad) {
		return false
	}
	var canceled *Canceled
	if errors.As(err, &canceled) {
		return false
	}
	return true
}

const shortRetryAfterThreshold = 2 * time.Second

// classifyForDC drives the DC's inner retry loop (spec.md §4.1/§7): whether
// to retry in place, whether exhaustion should cool the deployment down,
// and an explicit wait override (used for a short 429 Retry-After).
func classifyForDC(err error) (retry, cooldownWorthy bool, retryAfter time.Duration) {
	var trans *TransientUpstream
	if errors.As(err, &trans) {
		return true, true, 0
	}
	var rl *RateLimited
	if errors.As(err, &rl) {
		if rl.RetryAfter > 0 && rl.RetryAfter <= shortRetryAfterThreshold {
			return true, false, rl.RetryAfter
		}
		return false, true, rl.RetryAfter
	}
	var unauth *Unauthorized
	if errors.As(err, &unauth) {
		return false, false, 0
	}
	var bad *BadRequest
	if errors.As(err, &bad) {
		return false, false, 0
	}
	var canceled *Canceled
	if errors.As(err, &canceled) {
		return false, false, 0
	}
	return true, true, 0
}
