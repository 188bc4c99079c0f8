package sandbox

// EventKind discriminates lifecycle notifications.
type EventKind string

// Lifecycle event kinds.
const (
	EventCreated   EventKind = "created"
	EventDestroyed EventKind = "destroyed"
)

// Event is a fire-and-forget lifecycle notification for logging and metrics
// collaborators. Events are not required for correctness.
type Event struct {
	Kind    EventKind
	Session *Session
}

// eventBuffer bounds the manager's event channel. Sends never block: when no
// observer keeps up, events are dropped and counted.
const eventBuffer = 64
