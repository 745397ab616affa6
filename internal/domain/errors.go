package domain

import (
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("scan already queued or running for brand")
	ErrNotCancellable = errors.New("scan is not cancellable")
	ErrTimeout        = errors.New("TIMEOUT")
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable within a step. Anything not marked is
// treated as fatal by the scan runner.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err was marked Transient or is a network
// timeout.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type DenyReason string

const (
	DenyTierIneligible DenyReason = "TIER_INELIGIBLE"
	DenyAlreadyRunning DenyReason = "ALREADY_RUNNING"
	DenyNotDue         DenyReason = "NOT_DUE"
	DenyQuotaExceeded  DenyReason = "QUOTA_EXCEEDED"
)

// Denial is a policy rejection at admission time. It never reaches the
// state machine.
type Denial struct {
	Reason DenyReason
	Tier   string

	// QUOTA_EXCEEDED
	Limit    int
	Used     int
	ResetsAt time.Time

	// NOT_DUE
	EligibleAt time.Time
}

func (d *Denial) Error() string {
	switch d.Reason {
	case DenyQuotaExceeded:
		return fmt.Sprintf("%s: %d/%d manual scans used, resets at %s", d.Reason, d.Used, d.Limit, d.ResetsAt.Format(time.RFC3339))
	case DenyNotDue:
		return fmt.Sprintf("%s: next scan allowed at %s", d.Reason, d.EligibleAt.Format(time.RFC3339))
	case DenyTierIneligible:
		return fmt.Sprintf("%s: tier %q does not include scanning", d.Reason, d.Tier)
	}
	return string(d.Reason)
}

// AsDenial extracts a *Denial from err.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}
