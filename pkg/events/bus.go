// Package events provides the in-process event bus over which the vault
// core reports state changes, rotation progress and sync outcomes to the
// host application.
package events

import (
	"sync"
	"time"
)

// Topics emitted by the core. Hosts subscribe by exact topic or to All.
const (
	TopicVaultStateChange = "vault.state_change"
	TopicVaultIdleTimeout = "vault.idle_timeout"
	TopicRotationStart    = "rotation.start"
	TopicRotationProgress = "rotation.progress"
	TopicRotationFinished = "rotation.finished"
	TopicRotationError    = "rotation.error"
	TopicRotationRollback = "rotation.rollback"
	TopicSyncImportDone   = "sync.import_complete"
	TopicSyncExportDone   = "sync.export_complete"
	TopicSchedulerSkipped = "scheduler.check_skipped"
	TopicSchedulerDue     = "scheduler.rotation_due"

	// All subscribes a handler to every topic
	All = "*"
)

// Fields carries event payload data.
type Fields map[string]interface{}

// Event is a single emitted event.
type Event struct {
	Topic     string
	Timestamp time.Time
	Fields    Fields
}

// Handler receives emitted events. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(Event)

// Bus is a process-local publish/subscribe hub. The zero value is not
// usable; create one with NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a topic, or for every topic when the
// topic is All.
func (b *Bus) Subscribe(topic string, handler Handler) {
	if handler == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Emit delivers an event to all handlers registered for its topic and to
// wildcard subscribers. Safe to call on a nil bus.
func (b *Bus) Emit(topic string, fields Fields) {
	if b == nil {
		return
	}

	event := Event{
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[topic])+len(b.handlers[All]))
	targets = append(targets, b.handlers[topic]...)
	targets = append(targets, b.handlers[All]...)
	b.mu.RUnlock()

	for _, h := range targets {
		h(event)
	}
}
