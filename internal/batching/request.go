package batching

import (
	"time"

	"github.com/google/uuid"
)

// GenerationRequest is one admitted unit of work. Prompt and MaxNewTokens are
// fixed at creation; the promise is settled exactly once by the worker that
// dequeues the request.
type GenerationRequest struct {
	ID           string
	Prompt       string
	MaxNewTokens int
	// EnqueuedAt is stamped at admission and only used for queue-wait metrics.
	EnqueuedAt time.Time

	promise *Promise[string]
}

// NewRequest builds a request and the future its submitter waits on.
func NewRequest(prompt string, maxNewTokens int) (*GenerationRequest, *Future[string]) {
	fut, prom := NewCompletion[string]()
	return &GenerationRequest{
		ID:           uuid.NewString(),
		Prompt:       prompt,
		MaxNewTokens: maxNewTokens,
		EnqueuedAt:   time.Now(),
		promise:      prom,
	}, fut
}

// Fail settles the request with err. Used by owners that must reject a request
// that never reached a worker (e.g. shutdown with items still queued).
func (r *GenerationRequest) Fail(err error) bool { return r.promise.Fail(err) }

func (r *GenerationRequest) resolve(text string) bool { return r.promise.Resolve(text) }
