// Copyright 2023 LiveKit, Inc.
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

package confsdk

import (
	"sync"
)

// topics on the session event bus
const (
	EventPolicyChange        = "policy-change"
	EventRoleChange          = "role-change"
	EventLocalPeerRoleUpdate = "local-peer-role-update"
)

type EventListener func(payload any)

type subscription struct {
	id   uint64
	fn   EventListener
	once bool
}

// EventBus is a topic keyed listener registry. Listeners run on the goroutine that emits, in
// registration order.
type EventBus struct {
	lock   sync.Mutex
	nextID uint64
	topics map[string][]*subscription
}

func NewEventBus() *EventBus {
	return &EventBus{topics: make(map[string][]*subscription)}
}

// On registers fn for topic. The returned func removes it.
func (b *EventBus) On(topic string, fn EventListener) func() {
	return b.add(topic, fn, false)
}

// Once registers fn to run for the next emit on topic only.
func (b *EventBus) Once(topic string, fn EventListener) func() {
	return b.add(topic, fn, true)
}

func (b *EventBus) add(topic string, fn EventListener, once bool) func() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], &subscription{id: id, fn: fn, once: once})
	return func() { b.remove(topic, id) }
}

func (b *EventBus) remove(topic string, id uint64) {
	b.lock.Lock()
	defer b.lock.Unlock()

	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
}

// Off removes every listener of topic.
func (b *EventBus) Off(topic string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.topics, topic)
}

func (b *EventBus) Emit(topic string, payload any) {
	b.lock.Lock()
	subs := b.topics[topic]
	fire := make([]*subscription, len(subs))
	copy(fire, subs)

	kept := subs[:0:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.topics, topic)
	} else {
		b.topics[topic] = kept
	}
	b.lock.Unlock()

	for _, s := range fire {
		s.fn(payload)
	}
}

func (b *EventBus) ListenerCount(topic string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.topics[topic])
}

func (b *EventBus) Clear() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.topics = make(map[string][]*subscription)
}
