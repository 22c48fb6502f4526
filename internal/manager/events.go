package manager

// Event represents a manager lifecycle event.
// Minimal and stable: name + engine and optional fields via key/values.
type Event struct {
	Name   string
	Engine string
	Fields map[string]any
}

// Event names.
const (
	EventWorkerAdded   = "worker_added"
	EventWorkerRemoved = "worker_removed"
	EventBatchFailed   = "batch_failed"
	EventCacheSwept    = "cache_swept"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
