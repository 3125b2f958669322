// Package realtime fans change-log events out to subscribers and exposes a
// multiplexed server-sent-events endpoint with per-topic snapshots.
package realtime

import (
	"sync"

	"github.com/stratacms/strata/db"
)

type topicKey struct {
	resourceType string
	resource     string
}

// Subscription is one registered event consumer. Close unregisters it.
type Subscription struct {
	dispatcher *Dispatcher
	key        topicKey
	fn         func(*db.LogEntry)
}

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.dispatcher.unsubscribe(s)
}

// Dispatcher routes decoded log entries to subscribers keyed on
// (resourceType, resource). Registration and delivery share a read-mostly
// lock; handlers run on the dispatching goroutine.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[topicKey]map[*Subscription]struct{}
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: map[topicKey]map[*Subscription]struct{}{}}
}

// Attach feeds the dispatcher from a database listener.
func (d *Dispatcher) Attach(listener *db.Listener) {
	listener.OnEvent(d.Dispatch)
}

// Subscribe registers fn for every event on the given resource.
func (d *Dispatcher) Subscribe(resourceType, resource string, fn func(*db.LogEntry)) *Subscription {
	sub := &Subscription{
		dispatcher: d,
		key:        topicKey{resourceType: resourceType, resource: resource},
		fn:         fn,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs[sub.key] == nil {
		d.subs[sub.key] = map[*Subscription]struct{}{}
	}
	d.subs[sub.key][sub] = struct{}{}
	return sub
}

func (d *Dispatcher) unsubscribe(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.subs[sub.key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(d.subs, sub.key)
		}
	}
}

// Dispatch delivers one entry to every subscriber of its resource.
func (d *Dispatcher) Dispatch(entry *db.LogEntry) {
	key := topicKey{resourceType: entry.ResourceType, resource: entry.Resource}
	d.mu.RLock()
	targets := make([]*Subscription, 0, len(d.subs[key]))
	for sub := range d.subs[key] {
		targets = append(targets, sub)
	}
	d.mu.RUnlock()
	for _, sub := range targets {
		sub.fn(entry)
	}
}

// SubscriberCount reports active subscriptions for a resource.
func (d *Dispatcher) SubscriberCount(resourceType, resource string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[topicKey{resourceType: resourceType, resource: resource}])
}
