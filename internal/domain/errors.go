package domain

import (
	"errors"
	"fmt"
)

// Domain errors surfaced by the admission path. Adapters translate
// these to transport-specific codes; the core never does that translation
// itself.
var (
	ErrValidation           = errors.New("validation")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrConflict             = errors.New("conflict")
	ErrNotFound             = errors.New("not_found")
	ErrInsufficientCredits  = errors.New("insufficient_credits")
	ErrQuotaResolution      = errors.New("quota_resolution")
	ErrQuotaDaily           = errors.New("quota_daily")
	ErrForbidden            = errors.New("forbidden")
	ErrInternal             = errors.New("internal")
)

// ValidationError names the offending field for ErrValidation callers that
// want a structured detail instead of a flat string.
type ValidationError struct {
	Field string
	Value any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ErrorKind is the worker pipeline's fixed error taxonomy. Unlike
// the admission errors above, these are attached to a Job's ErrorKind field
// and drive the broker's retry policy.
type ErrorKind string

const (
	ErrorKindNone    ErrorKind = ""
	CodeError        ErrorKind = "CODE_ERROR"
	BundleError      ErrorKind = "BUNDLE_ERROR"
	RenderError      ErrorKind = "RENDER_ERROR"
	UploadError      ErrorKind = "UPLOAD_ERROR"
	TimeoutError     ErrorKind = "TIMEOUT_ERROR"
)

// Stage is one of the six labelled steps of the worker pipeline.
type Stage string

const (
	StageFetching  Stage = "fetching"
	StagePreparing Stage = "preparing"
	StageBundling  Stage = "bundling"
	StageRendering Stage = "rendering"
	StageUploading Stage = "uploading"
	StageCleanup   Stage = "cleanup"
)

// StageError carries a classified failure out of a worker pipeline stage.
type StageError struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// retryPolicy describes how many times an error kind may be retried at the
// job level.
type retryPolicy struct {
	Retryable  bool
	MaxRetries int
}

var retryPolicies = map[ErrorKind]retryPolicy{
	CodeError:    {Retryable: false, MaxRetries: 0},
	BundleError:  {Retryable: false, MaxRetries: 0},
	RenderError:  {Retryable: true, MaxRetries: 2},
	UploadError:  {Retryable: true, MaxRetries: 3},
	TimeoutError: {Retryable: false, MaxRetries: 0},
}

// Retryable reports whether the kind may ever be retried.
func (k ErrorKind) Retryable() bool { return retryPolicies[k].Retryable }

// MaxRetries returns the maximum retry attempts for the kind.
func (k ErrorKind) MaxRetries() int { return retryPolicies[k].MaxRetries }

// ShouldRetry reports whether a job that just failed with this kind, having
// already attempted retryCount times, should be re-enqueued rather than
// failed terminally.
func (k ErrorKind) ShouldRetry(retryCount int) bool {
	p, ok := retryPolicies[k]
	if !ok || !p.Retryable {
		return false
	}
	return retryCount < p.MaxRetries
}

// BackoffForAttempt implements the `5s * 2^attempt` backoff shared by job
// re-enqueue (Broker.Retry) and the worker's asynq task redelivery delay.
func BackoffForAttempt(attempt int) (seconds int) {
	if attempt < 0 {
		attempt = 0
	}
	d := 5
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
