package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for repository operations.
//
// Every error returned by a Repository wraps exactly one of these sentinels and can
// be classified with errors.Is():
//
//	if errors.Is(err, remote.ErrConcurrentModification) {
//	    // rebind and retry, then surface a conflict
//	}
var (
	// ErrValidation is returned for bad configuration or arguments. It is raised
	// before any network call and is never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when the hosted document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrConcurrentModification is returned when another writer changed the
	// document between our last observation and our write.
	ErrConcurrentModification = errors.New("document was modified concurrently")

	// ErrAuthenticationFailed is returned when the host rejects the credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTransient covers every other transport or decoding failure.
	ErrTransient = errors.New("transient remote failure")

	// ErrNotInitialized is returned when an operation needs a bound document but
	// Resolve/Bind/Create has not succeeded yet.
	ErrNotInitialized = errors.New("repository not initialized")
)

// StatusError is an HTTP failure reported by the host.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
}

// Unwrap maps the status code onto the error taxonomy.
func (e *StatusError) Unwrap() error {
	return classifyStatus(e.StatusCode)
}

func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthenticationFailed
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConcurrentModification
	case http.StatusUnprocessableEntity:
		return ErrValidation
	default:
		return ErrTransient
	}
}

// transient wraps a non-HTTP failure (network, JSON) as ErrTransient.
func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}

// Kind names the taxonomy class of an error, for logs and status surfaces.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	default:
		return "transient"
	}
}

// IsAuthentication returns true if the host rejected the credentials.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}

// IsUnauthorized returns true only for HTTP 401. A 401 right after login can be a
// token that has not propagated yet, unlike 403 which is a hard refusal.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// IsRebindable returns true if rebinding the repository and retrying once may
// succeed.
func IsRebindable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrNotFound)
}

// IsUserActionRequired returns true if the error can only be resolved by the user
// choosing between local and remote content.
func IsUserActionRequired(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsRetryable returns true if the error is likely to succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrNotInitialized) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
