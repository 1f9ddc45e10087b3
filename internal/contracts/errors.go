package contracts

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ⭐ SSOT: 파이프라인 에러 타입은 여기서만 정의

var (
	// ErrNotFound is returned when an execution id is unknown
	ErrNotFound = errors.New("not found")

	// ErrNotCompleted is returned when a result is requested before COMPLETED
	ErrNotCompleted = errors.New("execution not completed")

	// ErrCancelled stops the pipeline at the next stage or batch boundary
	ErrCancelled = errors.New("execution cancelled")

	// ErrQuotaExhausted is returned by the rate limiter when the next window
	// boundary is further away than the configured maximum wait
	ErrQuotaExhausted = errors.New("rate limit quota exhausted")
)

// ValidationError rejects a request before the pipeline starts
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DataUnavailableError reports a provider call that failed after retries
type DataUnavailableError struct {
	Interface   string
	Instruments []string
	Err         error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable: %s (%d instruments): %v", e.Interface, len(e.Instruments), e.Err)
}

func (e *DataUnavailableError) Unwrap() error {
	return e.Err
}

// FormulaExecutionError isolates a failing factor computation
type FormulaExecutionError struct {
	FactorID string
	Err      error
}

func (e *FormulaExecutionError) Error() string {
	return fmt.Sprintf("factor %s: %v", e.FactorID, e.Err)
}

func (e *FormulaExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError is raised when an execution exceeds its wall-clock budget
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded max execution time of %s", e.Budget)
}

// ValidationErrors collects several validation failures
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

// IsValidation reports whether err is (or wraps) a validation failure
func IsValidation(err error) bool {
	var single ValidationError
	var multi ValidationErrors
	return errors.As(err, &single) || errors.As(err, &multi)
}
