// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/flowguard/internal/clock"
	"grimm.is/flowguard/internal/engine"
	"grimm.is/flowguard/internal/logging"
	"grimm.is/flowguard/internal/protocol"
)

const (
	subscriberBuffer = 256
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Event is the JSON form of an event sent to policy.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	// Queued is false when the policy queue rejected the event.
	Queued bool `json:"queued"`

	ID        uint64 `json:"id,omitempty"`
	ProcessID uint64 `json:"process_id,omitempty"`
	Direction string `json:"direction,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Local     string `json:"local,omitempty"`
	Remote    string `json:"remote,omitempty"`

	Severity uint8  `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`

	Family    string          `json:"family,omitempty"`
	Bandwidth []BandwidthView `json:"bandwidth,omitempty"`
}

// BandwidthView is the traffic of one flow in a bandwidth event.
type BandwidthView struct {
	Local   string `json:"local"`
	Remote  string `json:"remote"`
	TxBytes uint64 `json:"tx_bytes"`
	RxBytes uint64 `json:"rx_bytes"`
}

func newEvent(info protocol.Info, queued bool) Event {
	ev := Event{Type: info.InfoType().String(), Time: clock.Now(), Queued: queued}
	switch v := info.(type) {
	case protocol.Connection:
		ev.ID = v.ID
		ev.ProcessID = v.ProcessID
		ev.Direction = v.Direction.String()
		ev.Protocol = v.Protocol.String()
		ev.Local = v.Local.String()
		ev.Remote = v.Remote.String()
	case protocol.ConnectionEnd:
		ev.ProcessID = v.ProcessID
		ev.Direction = v.Direction.String()
		ev.Protocol = v.Protocol.String()
		ev.Local = v.Local.String()
		ev.Remote = v.Remote.String()
	case protocol.LogLine:
		ev.Severity = v.Severity
		ev.Message = v.Line
	case protocol.BandwidthStats:
		ev.Protocol = v.Protocol.String()
		ev.Family = v.Family.String()
		for _, b := range v.Values {
			ev.Bandwidth = append(ev.Bandwidth, BandwidthView{
				Local:   b.Local.String(),
				Remote:  b.Remote.String(),
				TxBytes: b.TransmittedBytes,
				RxBytes: b.ReceivedBytes,
			})
		}
	}
	return ev
}

type subscriber struct {
	ch chan Event
}

// Hub is an engine.EventSink that forwards every event to the policy queue
// and mirrors it to websocket subscribers. Slow subscribers lose events; the
// policy queue never waits for them.
type Hub struct {
	inner    engine.EventSink
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	closed  bool
	dropped atomic.Uint64
}

var _ engine.EventSink = (*Hub)(nil)

// NewHub wraps inner.
func NewHub(inner engine.EventSink, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.WithComponent("events")
	}
	return &Hub{
		inner:  inner,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Push forwards info to the policy queue, then mirrors it.
func (h *Hub) Push(info protocol.Info) error {
	err := h.inner.Push(info)
	h.broadcast(newEvent(info, err == nil))
	return err
}

// Rundown runs down the policy queue.
func (h *Hub) Rundown() int {
	return h.inner.Rundown()
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func must be called
// once the caller stops reading.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many events were not delivered to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// ServeWS streams events to a websocket client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so no event published after
	// the client's dial returns is missed.
	events, cancel := h.Subscribe()
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The reader only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
