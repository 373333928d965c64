package domain

import (
	"errors"
	"fmt"
	"net"
)

// ErrorCategory classifies a pipeline failure for callers and the Advisor.
type ErrorCategory string

const (
	CategoryQuota       ErrorCategory = "quota_exhausted"
	CategoryUnavailable ErrorCategory = "service_unavailable"
	CategoryTimeout     ErrorCategory = "network_timeout"
	CategoryValidation  ErrorCategory = "validation"
	CategoryAuth        ErrorCategory = "auth"
	CategoryNotFound    ErrorCategory = "not_found"
	CategoryBuild       ErrorCategory = "build_failed"
	CategoryDeploy      ErrorCategory = "deploy_failed"
	CategoryHealth      ErrorCategory = "health_check_failed"
	CategoryInternal    ErrorCategory = "internal"
)

// PipelineError carries a failure category plus an optional remediation hint.
type PipelineError struct {
	Category ErrorCategory
	Hint     string
	Err      error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Categorized wraps err with the given category and hint.
func Categorized(category ErrorCategory, hint string, err error) error {
	return &PipelineError{Category: category, Hint: hint, Err: err}
}

// CategoryOf extracts the category from err, defaulting to internal.
func CategoryOf(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryInternal
}

// HintOf extracts the remediation hint from err, if any.
func HintOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Hint
	}
	return ""
}

// IsTransient reports whether err may succeed on retry: quota exhaustion,
// upstream unavailability, or a network timeout. Validation, auth and
// not-found failures never retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch CategoryOf(err) {
	case CategoryQuota, CategoryUnavailable, CategoryTimeout:
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
