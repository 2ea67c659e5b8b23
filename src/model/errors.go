package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError marks a malformed or out-of-bounds request. It is rejected
// before any venue call and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ExchangeTransientError wraps a network or 5xx class venue failure that is
// safe to retry with backoff.
type ExchangeTransientError struct {
	Op  string
	Err error
}

func (e *ExchangeTransientError) Error() string {
	return fmt.Sprintf("transient exchange error in %s: %v", e.Op, e.Err)
}

func (e *ExchangeTransientError) Unwrap() error { return e.Err }

// ExchangeRejected is a terminal business rejection from the venue.
type ExchangeRejected struct {
	Op     string
	Code   int
	Reason string
}

func (e *ExchangeRejected) Error() string {
	return fmt.Sprintf("exchange rejected %s (code %d): %s", e.Op, e.Code, e.Reason)
}

// SafetyLimitExceeded refuses an action blocked by a local risk limit. It is
// never retried.
type SafetyLimitExceeded struct {
	Limit  string
	Reason string
}

func (e *SafetyLimitExceeded) Error() string {
	return fmt.Sprintf("safety limit %s exceeded: %s", e.Limit, e.Reason)
}

// IsTransient reports whether err may be retried against the venue.
func IsTransient(err error) bool {
	var te *ExchangeTransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a terminal venue rejection.
func IsRejected(err error) bool {
	var re *ExchangeRejected
	return errors.As(err, &re)
}

// DriftReport describes a local-vs-venue mismatch found by reconciliation.
// Drift is corrected automatically and always logged; above the escalation
// threshold it is also published as an event.
type DriftReport struct {
	Symbol     string          `json:"symbol"`
	Field      string          `json:"field"`
	LocalValue decimal.Decimal `json:"local_value"`
	VenueValue decimal.Decimal `json:"venue_value"`
	Corrected  bool            `json:"corrected"`
	Escalated  bool            `json:"escalated"`
}

func (d DriftReport) Error() string {
	return fmt.Sprintf("reconciliation drift on %s.%s: local=%s venue=%s",
		d.Symbol, d.Field, d.LocalValue.String(), d.VenueValue.String())
}
