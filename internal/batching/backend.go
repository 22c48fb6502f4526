package batching

import (
	"context"
	"fmt"
	"time"
)

// Input is one member of a backend call.
type Input struct {
	Prompt       string
	PromptTokens []int
	MaxNewTokens int
}

// Backend runs one generation call for a whole batch. For every input, in
// order, it returns the prompt tokens followed by the generated tokens; the
// caller strips each member's own prompt length. maxNewTokens is shared by
// the batch. Implementations must be safe for concurrent use by several
// workers.
type Backend interface {
	Generate(ctx context.Context, inputs []Input, maxNewTokens int) ([][]int, error)
	Name() string
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// Observer receives scheduling measurements. Implementations must be cheap
// and non-blocking.
type Observer interface {
	ObserveBatch(backend string, size int)
	ObserveQueueWait(backend string, d time.Duration)
	ObserveBatchFailure(backend string)
}

type nopObserver struct{}

func (nopObserver) ObserveBatch(string, int)               {}
func (nopObserver) ObserveQueueWait(string, time.Duration) {}
func (nopObserver) ObserveBatchFailure(string)             {}

// BatchError is delivered to every member of a batch whose backend call failed.
type BatchError struct {
	Backend string
	Size    int
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("backend %s failed for batch of %d: %v", e.Backend, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
