// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package telemetry

import (
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"
)

// subscriberBuffer is the number of activity characters queued per
// subscriber. Characters exceeding a slow subscriber's buffer are dropped.
const subscriberBuffer = 256

// Hub broadcasts activity characters to WebSocket subscribers. The ServeHTTP
// function must be bound to the HTTP server, e.g., to /activity.
type Hub struct {
	mutex       sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool

	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
	}
}

type subscriber struct {
	conn   *websocket.Conn
	sender chan byte

	shutdownOnce sync.Once
}

func (s *subscriber) shutdown() {
	s.shutdownOnce.Do(func() {
		log.WithField("subscriber", s.conn.RemoteAddr().String()).Debug("Activity subscriber shuts down")

		close(s.sender)
		_ = s.conn.Close()
	})
}

// ServeHTTP upgrades the request to a WebSocket and subscribes it.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	s := &subscriber{
		conn:   conn,
		sender: make(chan byte, subscriberBuffer),
	}

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		_ = conn.Close()
		return
	}
	h.subscribers[s] = struct{}{}
	h.wg.Add(2)
	h.mutex.Unlock()

	log.WithField("subscriber", conn.RemoteAddr().String()).Info("New activity subscriber")

	go h.handleWriter(s)
	go h.handleReader(s)
}

// handleWriter sends buffered characters as text messages.
func (h *Hub) handleWriter(s *subscriber) {
	defer h.wg.Done()

	buf := make([]byte, 0, subscriberBuffer)
	for c := range s.sender {
		buf = append(buf[:0], c)

		// Coalesce characters already waiting.
	coalesce:
		for len(buf) < cap(buf) {
			select {
			case c, ok := <-s.sender:
				if !ok {
					break coalesce
				}
				buf = append(buf, c)
			default:
				break coalesce
			}
		}

		if err := s.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
			log.WithError(err).Debug("Writing to activity subscriber errored")
			h.unsubscribe(s)
			return
		}
	}
}

// handleReader discards incoming messages until the connection is closed.
func (h *Hub) handleReader(s *subscriber) {
	defer h.wg.Done()
	defer h.unsubscribe(s)

	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mutex.Lock()
	delete(h.subscribers, s)
	h.mutex.Unlock()

	s.shutdown()
}

// Broadcast an activity character to all subscribers without blocking.
func (h *Hub) Broadcast(c byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for s := range h.subscribers {
		select {
		case s.sender <- c:
		default:
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return len(h.subscribers)
}

// Close disconnects all subscribers and waits for their goroutines.
func (h *Hub) Close() {
	h.mutex.Lock()
	h.closed = true
	subscribers := make([]*subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subscribers = append(subscribers, s)
	}
	h.subscribers = make(map[*subscriber]struct{})
	h.mutex.Unlock()

	for _, s := range subscribers {
		s.shutdown()
	}
	h.wg.Wait()
}
