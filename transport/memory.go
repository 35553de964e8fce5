// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/teleclinic/rtckit/signal"
)

// MemoryHub is an in-process message fan-out keyed by session topic. It
// backs the loopback transport used in tests and local development. Like
// the real transports it gives no delivery or ordering guarantees to
// disconnected subscribers.
type MemoryHub struct {
	subs map[string]map[*MemoryClient]struct{}
	mut  sync.RWMutex
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[string]map[*MemoryClient]struct{}),
	}
}

// NewClient returns a Transport for the given participant, attached to
// this hub.
func (h *MemoryHub) NewClient(sessionID, userID string) *MemoryClient {
	return &MemoryClient{
		hub:       h,
		sessionID: sessionID,
		userID:    userID,
	}
}

func (h *MemoryHub) subscribe(topic string, c *MemoryClient) {
	h.mut.Lock()
	defer h.mut.Unlock()

	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*MemoryClient]struct{})
	}
	h.subs[topic][c] = struct{}{}
}

func (h *MemoryHub) unsubscribe(topic string, c *MemoryClient) {
	h.mut.Lock()
	defer h.mut.Unlock()
	delete(h.subs[topic], c)
}

func (h *MemoryHub) publish(topic string, msg signal.Message) {
	h.mut.RLock()
	clients := make([]*MemoryClient, 0, len(h.subs[topic]))
	for c := range h.subs[topic] {
		clients = append(clients, c)
	}
	h.mut.RUnlock()

	for _, c := range clients {
		c.deliver(msg)
	}
}

// MemoryClient is the loopback Transport of one participant.
type MemoryClient struct {
	hub       *MemoryHub
	sessionID string
	userID    string

	receiveCh  chan signal.Message
	presenceCh chan PresenceEvent
	connState  int32
	mut        sync.RWMutex
}

func (c *MemoryClient) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.connState, wsConnClosed, wsConnOpen) {
		return nil
	}

	c.receiveCh = make(chan signal.Message, receiveChSize)
	c.presenceCh = make(chan PresenceEvent, presenceChSize)
	c.hub.subscribe(SessionTopic(c.sessionID), c)

	return nil
}

func (c *MemoryClient) Send(msg signal.Message) error {
	if atomic.LoadInt32(&c.connState) != wsConnOpen {
		return ErrNotConnected
	}

	c.hub.publish(SessionTopic(c.sessionID), msg)

	return nil
}

func (c *MemoryClient) deliver(msg signal.Message) {
	// The read lock pairs with Disconnect so a late publish cannot hit a
	// closed channel.
	c.mut.RLock()
	defer c.mut.RUnlock()

	if atomic.LoadInt32(&c.connState) != wsConnOpen {
		return
	}

	if msg.SenderID == c.userID {
		return
	}

	if ev, ok := routePresence(msg); ok {
		select {
		case c.presenceCh <- ev:
		default:
		}
		return
	}

	select {
	case c.receiveCh <- msg:
	default:
	}
}

func (c *MemoryClient) ReceiveCh() <-chan signal.Message {
	return c.receiveCh
}

func (c *MemoryClient) PresenceCh() <-chan PresenceEvent {
	return c.presenceCh
}

func (c *MemoryClient) Connected() bool {
	return atomic.LoadInt32(&c.connState) == wsConnOpen
}

func (c *MemoryClient) Disconnect() error {
	c.hub.unsubscribe(SessionTopic(c.sessionID), c)

	c.mut.Lock()
	defer c.mut.Unlock()

	if !atomic.CompareAndSwapInt32(&c.connState, wsConnOpen, wsConnClosed) {
		return nil
	}

	close(c.receiveCh)
	close(c.presenceCh)

	return nil
}
