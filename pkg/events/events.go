package events

import (
	"sync"
	"time"

	"github.com/nhilabs/nhi/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventInstanceCreated     EventType = "instance.created"
	EventInstanceUpdated     EventType = "instance.updated"
	EventInstanceStopped     EventType = "instance.stopped"
	EventInstancePurged      EventType = "instance.purged"
	EventRoleChanged         EventType = "instance.role_changed"
	EventCheckpointCreated   EventType = "checkpoint.created"
	EventMigrationStarted    EventType = "migration.started"
	EventMigrationCompleted  EventType = "migration.completed"
	EventMigrationFailed     EventType = "migration.failed"
	EventNodeJoined          EventType = "node.joined"
	EventNodeLeft            EventType = "node.left"
	EventNodeUnreachable     EventType = "node.unreachable"
	EventOwnershipChanged    EventType = "ownership.changed"
	EventShadowSyncCompleted EventType = "shadow.sync_completed"
)

// Event represents a supervisor event
type Event struct {
	Type       EventType
	Timestamp  time.Time
	InstanceID types.InstanceID
	NodeID     types.NodeID
	Message    string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
