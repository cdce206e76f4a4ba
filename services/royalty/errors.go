package royalty

import (
	"context"
	"errors"
	"fmt"

	"vortex-royalty/pkg/errutil"
)

var (
	ErrPlanNotFound     = errors.New("distribution plan not found")
	ErrAlreadySucceeded = errors.New("royalty: payout already succeeded")
	ErrDispatchPaused   = errors.New("royalty dispatch is paused")
	ErrWalletNotFound   = errors.New("royalty: no wallet registered for beneficiary")
	ErrChainBroken      = errors.New("royalty: attempt hash chain broken")
)

func planNotFound(planID string) error {
	return errutil.NotFound("plan "+planID, ErrPlanNotFound)
}

func dispatchPaused() error {
	return errutil.ServiceUnavailable("dispatch gate closed", ErrDispatchPaused)
}

// ConfigurationError reports missing or invalid royalty configuration. Sale
// processing stops before anything is written.
type ConfigurationError struct {
	ArtworkID string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.ArtworkID == "" {
		return fmt.Sprintf("royalty configuration: %s", e.Reason)
	}
	return fmt.Sprintf("royalty configuration for artwork %s: %s", e.ArtworkID, e.Reason)
}

func (e *ConfigurationError) Status() errutil.CoreStatus { return errutil.StatusUnprocessableEntity }

// ValidationError reports a malformed sale or share set.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid distribution: " + e.Reason
	}
	return fmt.Sprintf("invalid distribution: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Status() errutil.CoreStatus { return errutil.StatusValidationFailed }

// TransientError is a retryable transfer failure.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient transfer failure: %s: %v", e.Reason, e.Err)
	}
	return "transient transfer failure: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Status() errutil.CoreStatus { return errutil.StatusServiceUnavailable }

// PermanentError is a transfer failure that retrying cannot fix.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent transfer failure: %s: %v", e.Reason, e.Err)
	}
	return "permanent transfer failure: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Status() errutil.CoreStatus { return errutil.StatusBadGateway }

// ResourceBusyError is returned when the plan lease could not be acquired in
// time. The whole plan may be retried later.
type ResourceBusyError struct {
	PlanID string
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("plan %s is being dispatched by another worker", e.PlanID)
}

func (e *ResourceBusyError) Status() errutil.CoreStatus { return errutil.StatusConflict }

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsTransient reports whether err should be retried. Deadline expiry counts
// as transient; cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *TransientError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// errorKind is the short label used in events, metrics and the ledger.
func errorKind(err error) string {
	var (
		cfgErr  *ConfigurationError
		valErr  *ValidationError
		busyErr *ResourceBusyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &valErr):
		return "validation"
	case errors.As(err, &busyErr):
		return "resource_busy"
	case IsPermanent(err):
		return "permanent"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case IsTransient(err):
		return "transient"
	default:
		return "unknown"
	}
}
