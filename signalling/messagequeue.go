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

package signalling

import (
	"sync"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
)

const defaultMessageQueueSize = 4096

type queueItem struct {
	n  *Notification
	fn func()
}

type messageQueueParams struct {
	Logger        logger.Logger
	MaxSize       int
	HandleMessage func(n *Notification)
}

// messageQueue hands notifications to a single worker in arrival order, so the reader is never
// blocked by slow processing.
type messageQueue struct {
	params messageQueueParams

	lock      sync.Mutex
	isStarted bool
	queue     deque.Deque[queueItem]
	wake      chan struct{}
	done      chan struct{}
}

func newMessageQueue(params messageQueueParams) *messageQueue {
	if params.MaxSize <= 0 {
		params.MaxSize = defaultMessageQueueSize
	}
	return &messageQueue{
		params: params,
	}
}

func (m *messageQueue) SetLogger(l logger.Logger) {
	m.params.Logger = l
}

func (m *messageQueue) Start() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.isStarted {
		return
	}
	m.isStarted = true

	m.wake = make(chan struct{}, 1)
	m.done = make(chan struct{})
	go m.worker(m.wake, m.done)
}

func (m *messageQueue) IsStarted() bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.isStarted
}

// Close stops the worker and drops anything not yet handled.
func (m *messageQueue) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.isStarted {
		return
	}
	m.isStarted = false

	close(m.done)
	m.queue.Clear()
}

func (m *messageQueue) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.queue.Len()
}

func (m *messageQueue) Enqueue(n *Notification) error {
	if n == nil {
		return nil
	}
	return m.enqueue(queueItem{n: n})
}

// EnqueueFunc runs fn on the worker once everything queued before it has been handled.
func (m *messageQueue) EnqueueFunc(fn func()) error {
	return m.enqueue(queueItem{fn: fn})
}

func (m *messageQueue) enqueue(item queueItem) error {
	m.lock.Lock()
	if !m.isStarted {
		m.lock.Unlock()
		return ErrMessageQueueNotStarted
	}
	if m.queue.Len() >= m.params.MaxSize {
		m.lock.Unlock()
		return ErrMessageQueueFull
	}
	m.queue.PushBack(item)
	wake := m.wake
	m.lock.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *messageQueue) worker(wake chan struct{}, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-wake:
		}

		for {
			select {
			case <-done:
				return
			default:
			}

			m.lock.Lock()
			if m.queue.Len() == 0 {
				m.lock.Unlock()
				break
			}
			item := m.queue.PopFront()
			m.lock.Unlock()

			if item.fn != nil {
				item.fn()
			} else {
				m.params.HandleMessage(item.n)
			}
		}
	}
}
