// Package events provides an in-process pub/sub bus for table commit
// notifications, so background work can react to writes without polling.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Type classifies a commit notification.
type Type int

const (
	IngestCommitted Type = iota
	CompactionCommitted
	VacuumCommitted
	RetentionCommitted
)

// Event is one committed table-log entry.
type Event struct {
	Type      Type
	ProjectID string
	Version   int64
	Timestamp int64
}

// Notifier fans commit events out to subscribers. Publish never blocks: a
// subscriber that falls behind loses events, which is acceptable because
// every consumer also runs on a periodic timer.
type Notifier struct {
	subscribers sync.Map // id → *Subscriber
	bufferSize  int
}

// Subscriber receives events on Ch until unsubscribed.
type Subscriber struct {
	ID       string
	Projects []string
	Ch       chan Event
}

// NewNotifier creates a notifier whose subscriber channels buffer bufferSize
// events.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Notifier{bufferSize: bufferSize}
}

// Publish delivers an event to every matching subscriber, dropping it for
// subscribers whose buffer is full.
func (n *Notifier) Publish(ev Event) {
	n.subscribers.Range(func(_, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(ev.ProjectID) {
			select {
			case sub.Ch <- ev:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber. An empty projects list receives events
// for every tenant.
func (n *Notifier) Subscribe(projects ...string) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New().String(),
		Projects: projects,
		Ch:       make(chan Event, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(id string) {
	if value, ok := n.subscribers.LoadAndDelete(id); ok {
		close(value.(*Subscriber).Ch)
	}
}

func (s *Subscriber) matches(projectID string) bool {
	if len(s.Projects) == 0 {
		return true
	}
	for _, p := range s.Projects {
		if p == projectID {
			return true
		}
	}
	return false
}
