package brain

import (
	"errors"
	"fmt"
)

// ErrorKind is the adapter-neutral error taxonomy. Transient backend failures
// are retried inside adapters; semantic and configuration errors surface
// directly. The query path never propagates a single-brain failure to the
// caller; it degrades.
type ErrorKind string

const (
	KindConfiguration      ErrorKind = "configuration_error"
	KindValidation         ErrorKind = "validation_error"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindBackendTimeout     ErrorKind = "backend_timeout"
	KindExtractorError     ErrorKind = "extractor_error"
	KindExtractorCrash     ErrorKind = "extractor_crash"
	KindLLMError           ErrorKind = "llm_error"
	KindNoExtractor        ErrorKind = "no_extractor_for_content_type"
	KindQueryCancelled     ErrorKind = "query_cancelled"
	KindQueryTimeout       ErrorKind = "query_timeout"
)

// Error is the common error shape carried across brain boundaries.
type Error struct {
	Kind      ErrorKind
	Brain     Kind   // which brain, when applicable
	Operation string // which operation, when applicable
	Worker    string // extractor worker name, when applicable
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Worker != "":
		return fmt.Sprintf("%s: worker %s: %v", e.Kind, e.Worker, e.Err)
	case e.Brain != "" && e.Operation != "":
		return fmt.Sprintf("%s: %s.%s: %v", e.Kind, e.Brain, e.Operation, e.Err)
	case e.Brain != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Brain, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// BackendUnavailable marks a storage brain as unreachable.
func BackendUnavailable(b Kind, err error) *Error {
	return &Error{Kind: KindBackendUnavailable, Brain: b, Err: err}
}

// BackendTimeout marks a per-operation deadline expiry.
func BackendTimeout(b Kind, operation string, err error) *Error {
	return &Error{Kind: KindBackendTimeout, Brain: b, Operation: operation, Err: err}
}

// ExtractorError wraps a worker RPC failure.
func ExtractorError(worker string, err error) *Error {
	return &Error{Kind: KindExtractorError, Worker: worker, Err: err}
}

// ExtractorCrash wraps an unexpected worker exit.
func ExtractorCrash(worker string, err error) *Error {
	return &Error{Kind: KindExtractorCrash, Worker: worker, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain, or "" when the error
// carries no kind.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsRetryable reports whether an adapter may retry the failed operation.
// Timeouts are retried once for idempotent reads only; that decision belongs
// to the caller, so this reports transience, not permission.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindBackendTimeout:
		return true
	default:
		return false
	}
}
