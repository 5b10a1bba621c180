// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/crucible-dev/crucible/pkg/execution"
)

const (
	// subscriberBuffer bounds each subscriber's delivery channel. A
	// subscriber whose buffer is full when an event arrives is dropped.
	subscriberBuffer = 100

	// defaultHeartbeatInterval is how long a subscription may sit idle
	// before a synthetic heartbeat is delivered.
	defaultHeartbeatInterval = 30 * time.Second
)

// subscriber is one delivery endpoint. lastDelivery is unix nanos of the
// most recent send, read by the heartbeat goroutine. mu is held across
// both deliver and close so a close can never land mid-send.
type subscriber struct {
	mu           sync.Mutex
	ch           chan execution.StateChangeEvent
	executionID  string // empty for global subscribers
	lastDelivery atomic.Int64
	stop         chan struct{}
	closed       bool
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
	close(s.ch)
}

// deliver attempts a non-blocking send. It returns false when the buffer
// is full, which marks the subscriber for removal.
func (s *subscriber) deliver(ev execution.StateChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		s.lastDelivery.Store(time.Now().UnixNano())
		return true
	default:
		return false
	}
}

// Bus fans state events out to per-execution and global subscribers.
// Delivery is best-effort and never blocks the publisher: a slow
// subscriber is dropped rather than letting its backlog stall the rest.
type Bus struct {
	mu        sync.RWMutex
	perExec   map[string][]*subscriber
	global    []*subscriber
	heartbeat time.Duration
	closed    bool
}

// NewBus creates an event bus with the default heartbeat interval.
func NewBus() *Bus {
	return &Bus{
		perExec:   make(map[string][]*subscriber),
		heartbeat: defaultHeartbeatInterval,
	}
}

// Subscribe returns a channel receiving events for one execution, plus an
// unsubscribe function. The channel is closed on unsubscribe and on drop.
func (b *Bus) Subscribe(executionID string) (<-chan execution.StateChangeEvent, func()) {
	sub := b.newSubscriber(executionID)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	b.perExec[executionID] = append(b.perExec[executionID], sub)
	b.mu.Unlock()

	go b.heartbeatLoop(sub)
	return sub.ch, func() { b.remove(sub) }
}

// SubscribeAll returns a channel receiving every event on the bus, plus an
// unsubscribe function.
func (b *Bus) SubscribeAll() (<-chan execution.StateChangeEvent, func()) {
	sub := b.newSubscriber("")

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	b.global = append(b.global, sub)
	b.mu.Unlock()

	go b.heartbeatLoop(sub)
	return sub.ch, func() { b.remove(sub) }
}

// Publish delivers the event to the execution's subscribers and to all
// global subscribers. Subscribers with full buffers are dropped.
func (b *Bus) Publish(ev execution.StateChangeEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.perExec[ev.ExecutionID])+len(b.global))
	targets = append(targets, b.perExec[ev.ExecutionID]...)
	targets = append(targets, b.global...)
	b.mu.RUnlock()

	var dropped []*subscriber
	for _, sub := range targets {
		if !sub.deliver(ev) {
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.remove(sub)
	}
}

// SubscriberCount reports subscribers for one execution, global ones
// excluded.
func (b *Bus) SubscriberCount(executionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.perExec[executionID])
}

// Close drops every subscriber and rejects future subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, subs := range b.perExec {
		all = append(all, subs...)
	}
	all = append(all, b.global...)
	b.perExec = make(map[string][]*subscriber)
	b.global = nil
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

func (b *Bus) newSubscriber(executionID string) *subscriber {
	sub := &subscriber{
		ch:          make(chan execution.StateChangeEvent, subscriberBuffer),
		executionID: executionID,
		stop:        make(chan struct{}),
	}
	sub.lastDelivery.Store(time.Now().UnixNano())
	return sub
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	if sub.executionID != "" {
		subs := removeSubscriber(b.perExec[sub.executionID], sub)
		if len(subs) == 0 {
			delete(b.perExec, sub.executionID)
		} else {
			b.perExec[sub.executionID] = subs
		}
	} else {
		b.global = removeSubscriber(b.global, sub)
	}
	b.mu.Unlock()

	sub.close()
}

func removeSubscriber(subs []*subscriber, target *subscriber) []*subscriber {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// heartbeatLoop emits a synthetic PROGRESS_UPDATE when a subscription has
// been idle for a full interval, so stream consumers can detect dead links.
func (b *Bus) heartbeatLoop(sub *subscriber) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sub.stop:
			return
		case now := <-ticker.C:
			idle := now.UnixNano() - sub.lastDelivery.Load()
			if idle < b.heartbeat.Nanoseconds() {
				continue
			}
			ev := execution.NewEvent(execution.EventProgressUpdate, sub.executionID, now.UTC())
			ev.Data = map[string]any{"heartbeat": true}
			if !sub.deliver(ev) {
				b.remove(sub)
				return
			}
		}
	}
}
