/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package control

import "sync"

// event is one push notification, emitted on every open connection.
type event struct {
	method  string
	payload interface{}
}

// eventHub fans a single published event out to every currently
// subscribed connection. A subscriber whose buffer is full misses that
// event but stays subscribed, rather than blocking the publisher -- a push
// event is a best-effort notification, never a delivery guarantee.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan event]struct{})}
}

func (h *eventHub) subscribe() chan event {
	ch := make(chan event, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *eventHub) publish(method string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event{method: method, payload: payload}:
		default:
			// Slow subscriber; drop this event for it rather than
			// stalling every other connection's notifications.
		}
	}
}
