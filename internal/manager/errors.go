package manager

import (
	"errors"
	"net/http"

	"batchd/internal/backend"
	"batchd/internal/balancer"
	"batchd/internal/batching"
)

// ErrShuttingDown is returned for requests that arrive, or are still queued,
// once Close has begun.
var ErrShuttingDown = errors.New("server is shutting down")

// invalidRequestError rejects a request before admission (400).
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return e.msg }

func (e invalidRequestError) StatusCode() int { return http.StatusBadRequest }

// IsInvalidRequest reports whether err rejected the request's parameters.
func IsInvalidRequest(err error) bool {
	var e invalidRequestError
	return errors.As(err, &e)
}

// IsUnavailable reports whether no engine could take the request: the
// balancer is empty, the manager is shutting down, or a backend dependency is
// missing (503).
func IsUnavailable(err error) bool {
	return errors.Is(err, balancer.ErrUnavailable) ||
		errors.Is(err, ErrShuttingDown) ||
		backend.IsDependencyUnavailable(err)
}

// IsBackendFailure reports whether err is the failure of the batch the request
// was part of (502).
func IsBackendFailure(err error) bool {
	var be *batching.BatchError
	return errors.As(err, &be)
}
