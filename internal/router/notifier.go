// Package router provides an in-process segment event bus used for cache
// invalidation and to wake background workers.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	// SegmentFlushed is published after buffered rows are appended to a raw segment.
	SegmentFlushed NotificationType = iota
	// SegmentSealed is published when a raw segment moves to ToIndex.
	SegmentSealed
	// SegmentIndexed is published when an index artifact is committed.
	SegmentIndexed
	// SegmentDeleted is published after a segment is reclaimed.
	SegmentDeleted
	// TableDropped is published after a table's metadata is removed.
	TableDropped
)

// String returns the notification type name.
func (t NotificationType) String() string {
	switch t {
	case SegmentFlushed:
		return "segment_flushed"
	case SegmentSealed:
		return "segment_sealed"
	case SegmentIndexed:
		return "segment_indexed"
	case SegmentDeleted:
		return "segment_deleted"
	case TableDropped:
		return "table_dropped"
	default:
		return "unknown"
	}
}

// Notification represents a segment event.
type Notification struct {
	Type      NotificationType
	Table     string
	SegmentID int64
	Partition string
	Timestamp int64
}

// Notifier provides an in-process pub/sub notification bus.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp == 0 {
		notif.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(notif) {
			select {
			case sub.Ch <- notif:
			default:
				// Channel full - drop notification, do NOT block
			}
		}
		return true
	})
}

// Subscribe adds a new subscriber with a custom ID. Tables filters by table
// name (empty means all tables); Types filters by event type (empty means all).
func (n *Notifier) Subscribe(id string, tables []string, types ...NotificationType) *Subscriber {
	sub := &Subscriber{
		ID:     id,
		Tables: tables,
		Types:  types,
		Ch:     make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a new subscriber with a generated ID.
func (n *Notifier) SubscribeAutoID(types ...NotificationType) *Subscriber {
	return n.Subscribe(generateSubscriberID(), nil, types...)
}

// Unsubscribe removes a subscriber from the notifier and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID     string
	Tables []string
	Types  []NotificationType
	Ch     chan Notification
}

func (s *Subscriber) matches(notif Notification) bool {
	if len(s.Types) > 0 {
		ok := false
		for _, t := range s.Types {
			if t == notif.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.Tables) == 0 {
		return true
	}
	for _, table := range s.Tables {
		if table == "" || table == notif.Table {
			return true
		}
	}
	return false
}

func generateSubscriberID() string {
	return "sub_" + uuid.NewString()
}
