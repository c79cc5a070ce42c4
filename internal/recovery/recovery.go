// Package recovery provides the two higher-order primitives every
// long-running operation in the pipeline is wrapped by — WithTimeout
// and Retry — plus the typed failure handlers that decide whether a
// given failure is transient, structural, or fatal. Retry's backoff
// loop is grounded on the attempt-count-and-log shape of
// migration.CutOver.Run, generalized from "retry the cutover" to "retry
// any operation".
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/siddontang/loggers"
)

// OpFunc is any operation Retry or WithTimeout can wrap.
type OpFunc func(ctx context.Context) error

// TimeoutError is returned by WithTimeout when op does not complete
// before timeout elapses.
type TimeoutError struct {
	OpType     string
	OpID       string
	Configured time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("recovery: %s %s timed out after %s", e.OpType, e.OpID, e.Configured)
}

// WithTimeout runs op with a derived context bounded by timeout. If
// the context expires first, op's context is cancelled and a
// *TimeoutError is returned; op's own error is otherwise returned
// unwrapped.
func WithTimeout(ctx context.Context, timeout time.Duration, opType, opID string, op OpFunc) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		<-done // op observes cancellation and must still return
		return &TimeoutError{OpType: opType, OpID: opID, Configured: timeout}
	}
}

// RetryPolicy bounds a Retry call's attempt count and backoff shape.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the exponential-backoff-with-jitter
// formula: delay = min(maxDelay, base*2^(n-1)) + jitter[0,1000ms).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// RetryExhaustedError is the surfaced error once every attempt in a
// RetryPolicy has failed.
type RetryExhaustedError struct {
	OpType   string
	OpID     string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("recovery: %s %s exhausted %d attempts: %v", e.OpType, e.OpID, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return e.LastErr }

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	exp := float64(policy.BaseDelay) * math.Pow(2, float64(attempt-1))
	delay := time.Duration(exp)
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return delay + jitter
}

// Retry runs op up to policy.MaxAttempts times, sleeping the
// exponential-backoff-with-jitter delay between attempts, and gives up
// early if ctx is cancelled. On exhaustion it returns
// *RetryExhaustedError wrapping the final attempt's error.
func Retry(ctx context.Context, opType, opID string, policy RetryPolicy, logger loggers.Advanced, op OpFunc) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger.Warnf("attempting %s %s (attempt %d/%d)", opType, opID, attempt, policy.MaxAttempts)
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		logger.Warnf("%s %s failed: %s", opType, opID, lastErr.Error())
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(policy, attempt)):
		}
	}
	logger.Errorf("%s %s retries exhausted", opType, opID)
	return &RetryExhaustedError{OpType: opType, OpID: opID, Attempts: policy.MaxAttempts, LastErr: lastErr}
}

// Strategy names the recovery action a handler actually took.
type Strategy string

const (
	StrategyNone    Strategy = "None"
	StrategyRestart Strategy = "Restart"
	StrategyResume  Strategy = "Resume"
	StrategyCleanup Strategy = "Cleanup"
	StrategyAlert   Strategy = "Alert"
)

// RecoveryResult is returned by every typed handler below.
type RecoveryResult struct {
	Strategy Strategy
	FollowUp string
	Err      error
}

// Severity classifies how loudly a failure should be surfaced.
type Severity string

const (
	SeverityWarning  Severity = "Warning"
	SeverityError    Severity = "Error"
	SeverityCritical Severity = "Critical"
)

// Alerter is the narrow collaborator AlertRouter satisfies, used only
// for the critical-severity fan-out named in spec §4.7(v).
type Alerter interface {
	Route(ctx context.Context, severity, title, detail string) error
}

// MySQLRestarter is the narrow collaborator MySQLController satisfies,
// used to guarantee MySQL is restarted when a handler stopped it.
type MySQLRestarter interface {
	Start(ctx context.Context, service string) error
}

// TempFileRegistry tracks files created for an operation id so a
// handler can remove them on failure.
type TempFileRegistry struct {
	byOp map[string][]string
}

// NewTempFileRegistry builds an empty registry.
func NewTempFileRegistry() *TempFileRegistry {
	return &TempFileRegistry{byOp: make(map[string][]string)}
}

// Register records path as belonging to opID.
func (r *TempFileRegistry) Register(opID, path string) {
	r.byOp[opID] = append(r.byOp[opID], path)
}

// Cleanup removes every path registered to opID and forgets them.
func (r *TempFileRegistry) Cleanup(opID string) {
	for _, path := range r.byOp[opID] {
		os.Remove(path)
	}
	delete(r.byOp, opID)
}

// Handlers bundles the collaborators the five typed failure handlers
// need. A zero-value Alerter/MySQLRestarter is legal and simply skips
// that step (used by tests that don't need the full chain).
type Handlers struct {
	Logger    loggers.Advanced
	Alerter   Alerter
	MySQL     MySQLRestarter
	TempFiles *TempFileRegistry
}

func (h *Handlers) alertIfCritical(ctx context.Context, severity Severity, title, detail string) {
	if severity != SeverityCritical || h.Alerter == nil {
		return
	}
	if err := h.Alerter.Route(ctx, string(severity), title, detail); err != nil {
		h.Logger.Errorf("failed to route critical alert for %s: %s", title, err.Error())
	}
}

// AlertCritical routes a Critical-severity alert through Alerter. It
// is the exported entry point for callers outside this package that
// need the same MySQLLeftStopped-style notification the typed
// handlers above raise internally; safe to call with a nil Alerter.
func (h *Handlers) AlertCritical(ctx context.Context, title, detail string) {
	h.alertIfCritical(ctx, SeverityCritical, title, detail)
}

func (h *Handlers) restartMySQLIfNeeded(ctx context.Context, service string, wasStoppedForOp bool) error {
	if !wasStoppedForOp || h.MySQL == nil {
		return nil
	}
	if err := h.MySQL.Start(ctx, service); err != nil {
		return fmt.Errorf("restarting mysql after failure: %w", err)
	}
	return nil
}

// HandleMySQLServiceFailure responds to a Stop/Start/probe failure.
// Service failures are structural: the handler's job is to ensure
// MySQL ends up running again, never to retry the triggering op
// itself (the caller's Retry loop already did that).
func (h *Handlers) HandleMySQLServiceFailure(ctx context.Context, service, opID string, cause error) RecoveryResult {
	h.Logger.Errorf("mysql service failure for op %s: %s", opID, cause.Error())
	h.TempFiles.Cleanup(opID)
	if err := h.restartMySQLIfNeeded(ctx, service, true); err != nil {
		h.alertIfCritical(ctx, SeverityCritical, "MySQLLeftStopped", err.Error())
		return RecoveryResult{Strategy: StrategyAlert, FollowUp: "manual intervention required", Err: err}
	}
	h.alertIfCritical(ctx, SeverityError, "MySQLServiceFailure", cause.Error())
	return RecoveryResult{Strategy: StrategyRestart, FollowUp: "mysql restarted, surface original failure"}
}

// HandleCompressionFailure responds to a CompressionEngine failure by
// ensuring any partial archive is removed and MySQL is restarted, since
// compression always runs while the service is stopped.
func (h *Handlers) HandleCompressionFailure(ctx context.Context, service, opID string, cause error) RecoveryResult {
	h.Logger.Errorf("compression failure for op %s: %s", opID, cause.Error())
	h.TempFiles.Cleanup(opID)
	if err := h.restartMySQLIfNeeded(ctx, service, true); err != nil {
		h.alertIfCritical(ctx, SeverityCritical, "MySQLLeftStopped", err.Error())
		return RecoveryResult{Strategy: StrategyAlert, FollowUp: "manual intervention required", Err: err}
	}
	return RecoveryResult{Strategy: StrategyCleanup, FollowUp: "partial archive removed, mysql restarted"}
}

// HandleTransferFailure responds to a network/transfer failure. The
// follow-up hint tells the Orchestrator a resume token exists and the
// next attempt should restore rather than restart the transfer.
func (h *Handlers) HandleTransferFailure(ctx context.Context, service, opID string, cause error) RecoveryResult {
	h.Logger.Warnf("transfer failure for op %s: %s", opID, cause.Error())
	if errors.Is(cause, context.Canceled) {
		return RecoveryResult{Strategy: StrategyNone, FollowUp: "cancelled, no resume needed", Err: cause}
	}
	return RecoveryResult{Strategy: StrategyResume, FollowUp: "resume via stored token on next attempt"}
}

// HandleTimeoutFailure responds to an ErrorRecovery.WithTimeout
// expiry, ensuring MySQL is restarted if the timed-out op had stopped
// it.
func (h *Handlers) HandleTimeoutFailure(ctx context.Context, service, opID string, wasStoppedForOp bool, cause error) RecoveryResult {
	h.Logger.Errorf("operation timeout for op %s: %s", opID, cause.Error())
	h.TempFiles.Cleanup(opID)
	if err := h.restartMySQLIfNeeded(ctx, service, wasStoppedForOp); err != nil {
		h.alertIfCritical(ctx, SeverityCritical, "MySQLLeftStopped", err.Error())
		return RecoveryResult{Strategy: StrategyAlert, FollowUp: "manual intervention required", Err: err}
	}
	h.alertIfCritical(ctx, SeverityError, "OperationTimeout", cause.Error())
	return RecoveryResult{Strategy: StrategyRestart, FollowUp: "mysql restarted if needed, surface timeout"}
}

// HandleGeneralFailure is the catch-all for failures that don't fit
// the four typed categories above.
func (h *Handlers) HandleGeneralFailure(ctx context.Context, service, opID string, wasStoppedForOp bool, cause error) RecoveryResult {
	h.Logger.Errorf("general failure for op %s: %s", opID, cause.Error())
	h.TempFiles.Cleanup(opID)
	if err := h.restartMySQLIfNeeded(ctx, service, wasStoppedForOp); err != nil {
		h.alertIfCritical(ctx, SeverityCritical, "MySQLLeftStopped", err.Error())
		return RecoveryResult{Strategy: StrategyAlert, FollowUp: "manual intervention required", Err: err}
	}
	h.alertIfCritical(ctx, SeverityCritical, "GeneralFailure", cause.Error())
	return RecoveryResult{Strategy: StrategyRestart, FollowUp: "mysql restarted if needed"}
}
