// Package memory records snapshot events in process, standing in for the
// real broker in development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher collects events instead of sending them anywhere.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// Event is one recorded publish call.
type Event struct {
	Topic   string
	Payload any
}

// New returns an empty in-process Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
