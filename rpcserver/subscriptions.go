// Copyright 2025 Kadir Pekel
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

package rpcserver

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/codex-core/rollout"
)

// listenerQueueDepth bounds how many undelivered events a single listener
// can accumulate before the fan-out starts dropping the oldest ones
// (§4.7 "bounded back-pressure queues" — a slow client must not stall
// delivery to every other subscriber).
const listenerQueueDepth = 256

type listener struct {
	id       string
	threadID string
	ch       chan rollout.EventMsg
	dropped  int
}

// SubscriptionHub fans a thread's EventMsgs out to every registered
// listener, implementing thread.Broadcaster. Each listener gets its own
// bounded queue so one slow consumer can't back-pressure the others or
// the publishing thread's own ops loop.
type SubscriptionHub struct {
	server *Server

	mu        sync.Mutex
	listeners map[string]*listener          // listener id -> listener
	byThread  map[string]map[string]*listener // thread id -> listener id -> listener
}

// NewSubscriptionHub builds a hub that delivers notifications through s.
func NewSubscriptionHub(s *Server) *SubscriptionHub {
	return &SubscriptionHub{
		server:    s,
		listeners: map[string]*listener{},
		byThread:  map[string]map[string]*listener{},
	}
}

// AddListener implements addConversationListener (§4.7): registers a new
// subscriber for threadID and returns its listener id.
func (h *SubscriptionHub) AddListener(threadID string) string {
	l := &listener{id: uuid.NewString(), threadID: threadID, ch: make(chan rollout.EventMsg, listenerQueueDepth)}

	h.mu.Lock()
	h.listeners[l.id] = l
	set, ok := h.byThread[threadID]
	if !ok {
		set = map[string]*listener{}
		h.byThread[threadID] = set
	}
	set[l.id] = l
	h.mu.Unlock()

	go h.drain(l)
	return l.id
}

// RemoveListener implements removeConversationListener (§4.7).
func (h *SubscriptionHub) RemoveListener(listenerID string) bool {
	h.mu.Lock()
	l, ok := h.listeners[listenerID]
	if ok {
		delete(h.listeners, listenerID)
		if set := h.byThread[l.threadID]; set != nil {
			delete(set, listenerID)
			if len(set) == 0 {
				delete(h.byThread, l.threadID)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		close(l.ch)
	}
	return ok
}

// Publish implements thread.Broadcaster: it fans msg out to every listener
// subscribed to threadID without blocking the calling thread's ops loop.
func (h *SubscriptionHub) Publish(threadID string, msg rollout.EventMsg) {
	h.mu.Lock()
	set := h.byThread[threadID]
	targets := make([]*listener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	h.mu.Unlock()

	for _, l := range targets {
		select {
		case l.ch <- msg:
		default:
			// Queue full: drop the oldest pending event to make room
			// rather than block the publisher (§4.7 back-pressure).
			select {
			case <-l.ch:
				l.dropped++
			default:
			}
			select {
			case l.ch <- msg:
			default:
			}
		}
	}
}

// drain delivers one listener's queued events to the client as
// notifications, in order, until its channel is closed by RemoveListener.
func (h *SubscriptionHub) drain(l *listener) {
	for msg := range l.ch {
		_ = h.server.Notify("codex/event", conversationEventParams{
			ListenerID: l.id,
			ThreadID:   l.threadID,
			Kind:       msg.Kind,
			Payload:    msg.Payload,
		})
	}
}

type conversationEventParams struct {
	ListenerID string `json:"listener_id"`
	ThreadID   string `json:"thread_id"`
	Kind       string `json:"kind"`
	Payload    any    `json:"payload"`
}
