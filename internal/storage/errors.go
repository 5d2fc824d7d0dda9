package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies an error for retry and circuit-breaker decisions.
// The taxonomy is behavioral: what the caller should do about it, not
// which subsystem produced it.
type Category int

const (
	// CategoryUnknown is the zero value; treated as non-retryable.
	CategoryUnknown Category = iota
	// CategoryValidation: a malformed item. Skip it, continue siblings.
	CategoryValidation
	// CategoryTransient: busy/locked database, network timeout, rate
	// limit. Retry with backoff; feeds the circuit breaker.
	CategoryTransient
	// CategoryTerminal: constraint violation, schema mismatch, disk
	// full, corruption. Never retried.
	CategoryTerminal
	// CategoryCapacity: slot-wait timeout or cap saturation. The caller
	// may retry later.
	CategoryCapacity
	// CategoryResolution: a relationship endpoint did not resolve to a
	// POI. The item is dropped with a warning; the event still succeeds.
	CategoryResolution
)

// String returns the category name used in failed-jobs messages.
func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryTransient:
		return "transient"
	case CategoryTerminal:
		return "terminal"
	case CategoryCapacity:
		return "capacity"
	case CategoryResolution:
		return "resolution"
	default:
		return "unknown"
	}
}

// CategorizedError annotates an error with its taxonomy category and a
// remediation hint for operators.
type CategorizedError struct {
	Category    Category
	Remediation string
	Err         error
}

func (e *CategorizedError) Error() string {
	if e.Remediation != "" {
		return fmt.Sprintf("%v (%s; remediation: %s)", e.Err, e.Category, e.Remediation)
	}
	return fmt.Sprintf("%v (%s)", e.Err, e.Category)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// Categorize wraps err with a category and remediation hint.
func Categorize(cat Category, remediation string, err error) error {
	if err == nil {
		return nil
	}
	return &CategorizedError{Category: cat, Remediation: remediation, Err: err}
}

// CategoryOf extracts the category from an error chain, falling back to
// message-based classification for errors from the database driver.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "overloaded"):
		return CategoryTransient
	case strings.Contains(msg, "constraint"),
		strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "disk full"),
		strings.Contains(msg, "database disk image is malformed"),
		strings.Contains(msg, "file is not a database"):
		return CategoryTerminal
	default:
		return CategoryUnknown
	}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return CategoryOf(err) == CategoryTransient }

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool { return CategoryOf(err) == CategoryTerminal }

// Remediation returns the hint attached to err, or a taxonomy default.
func Remediation(err error) string {
	var ce *CategorizedError
	if errors.As(err, &ce) && ce.Remediation != "" {
		return ce.Remediation
	}
	switch CategoryOf(err) {
	case CategoryTransient:
		return "retry after backoff; check database contention"
	case CategoryTerminal:
		return "inspect schema and disk; run carto status for counters"
	case CategoryResolution:
		return "verify the referenced POI was extracted for this run"
	default:
		return ""
	}
}
