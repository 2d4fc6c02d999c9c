package event

import "fmt"

// Streams resolves logical stream names under a deployment namespace.
//
// NSQ topic names cannot contain ':', so the logical
// "{namespace}:stream:task.create" form maps to dotted topic names.
type Streams struct {
	Namespace string
}

func (s Streams) prefix() string {
	if s.Namespace == "" {
		return "taskpilot"
	}
	return s.Namespace
}

// Create is the task-creation stream read by backend services.
func (s Streams) Create() string { return s.prefix() + ".task.create" }

// Progress carries start-of-work notices from backend services.
func (s Streams) Progress() string { return s.prefix() + ".task.progress" }

// Completed, Failed and Timeout are the terminal-event streams read by the
// completion consumer.
func (s Streams) Completed() string { return s.prefix() + ".task.completed" }
func (s Streams) Failed() string    { return s.prefix() + ".task.failed" }
func (s Streams) Timeout() string   { return s.prefix() + ".task.timeout" }

// DLQ holds events that exhausted processing retries.
func (s Streams) DLQ() string { return s.prefix() + ".task.dlq" }

// Notify is the per-session push channel. Ephemeral: with no live
// subscriber the broker drops the message, which is exactly the intended
// best-effort push semantics.
func (s Streams) Notify(sessionID string) string {
	return fmt.Sprintf("%s.notify.%s#ephemeral", s.prefix(), sessionID)
}

// ForType maps an event type to its stream.
func (s Streams) ForType(eventType string) (string, bool) {
	switch eventType {
	case TypeTaskCreate:
		return s.Create(), true
	case TypeTaskProgress:
		return s.Progress(), true
	case TypeTaskCompleted:
		return s.Completed(), true
	case TypeTaskFailed:
		return s.Failed(), true
	case TypeTaskTimeout:
		return s.Timeout(), true
	}
	return "", false
}
