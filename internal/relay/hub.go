package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harshasoftware/tarotforge/internal/reading"
)

const defaultSendBuffer = 64

// Subscriber is one websocket client attached to a channel. Outbound
// frames go through a buffered send channel drained by a write pump; a
// subscriber that cannot keep up is disconnected rather than allowed to
// stall the fan-out.
type Subscriber struct {
	conn    *websocket.Conn
	send    chan []byte
	channel string

	mu      sync.Mutex
	tracked *reading.Participant
	closed  bool
}

func newSubscriber(conn *websocket.Conn, channel string, buffer int) *Subscriber {
	s := &Subscriber{
		conn:    conn,
		send:    make(chan []byte, buffer),
		channel: channel,
	}
	go s.writePump()
	return s
}

func (s *Subscriber) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// enqueue offers a frame to the subscriber. Returns false when the buffer
// is full, which the hub treats as a dead client.
func (s *Subscriber) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *Subscriber) participant() *reading.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked
}

func (s *Subscriber) setParticipant(p reading.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = &p
}

type topic struct {
	name       string
	subs       map[*Subscriber]bool
	emptySince time.Time
}

// Hub owns every live channel. Channels are created on first subscribe and
// swept once they have been empty for the idle window.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	stats      *Stats
	sendBuffer int
	idleAfter  time.Duration
}

func NewHub(stats *Stats, sendBuffer int, idleAfter time.Duration) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	if idleAfter <= 0 {
		idleAfter = time.Minute
	}
	return &Hub{
		topics:     make(map[string]*topic),
		stats:      stats,
		sendBuffer: sendBuffer,
		idleAfter:  idleAfter,
	}
}

// Subscribe attaches a websocket to a channel and immediately delivers the
// SUBSCRIBED status plus the current presence roster as join frames, so a
// late joiner starts with a complete occupancy view.
func (h *Hub) Subscribe(channelName string, conn *websocket.Conn) *Subscriber {
	sub := newSubscriber(conn, channelName, h.sendBuffer)

	h.mu.Lock()
	t, ok := h.topics[channelName]
	if !ok {
		t = &topic{name: channelName, subs: make(map[*Subscriber]bool)}
		h.topics[channelName] = t
		h.stats.channelOpened()
	}
	t.subs[sub] = true
	t.emptySince = time.Time{}
	roster := make([]reading.Participant, 0, len(t.subs))
	for other := range t.subs {
		if p := other.participant(); p != nil {
			roster = append(roster, *p)
		}
	}
	occupancy := len(t.subs)
	h.mu.Unlock()

	h.stats.subscriberJoined(occupancy)

	h.sendFrame(sub, Frame{Type: FrameStatus, Status: StatusSubscribed})
	for i := range roster {
		h.sendFrame(sub, Frame{Type: FramePresence, Presence: PresenceJoin, Participant: &roster[i]})
	}
	return sub
}

// Remove detaches a subscriber, emitting a presence leave if it had
// tracked itself. Idempotent.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	t, ok := h.topics[sub.channel]
	if !ok || !t.subs[sub] {
		h.mu.Unlock()
		sub.close()
		return
	}
	delete(t.subs, sub)
	if len(t.subs) == 0 {
		t.emptySince = time.Now()
	}
	others := snapshot(t)
	h.mu.Unlock()

	sub.close()
	h.stats.subscriberLeft()

	if p := sub.participant(); p != nil {
		h.fanOut(others, nil, Frame{Type: FramePresence, Presence: PresenceLeave, Participant: p})
	}
}

// Broadcast relays an application broadcast to every other subscriber of
// the sender's channel. The relay never interprets the payload; reading
// protocol semantics live entirely in the clients.
func (h *Hub) Broadcast(from *Subscriber, event string, payload json.RawMessage) {
	h.mu.RLock()
	t, ok := h.topics[from.channel]
	if !ok {
		h.mu.RUnlock()
		return
	}
	subs := snapshot(t)
	h.mu.RUnlock()

	h.stats.messageRelayed()
	h.fanOut(subs, from, Frame{Type: FrameBroadcast, Event: event, Payload: payload})
}

// Track records the subscriber's presence payload and announces the join
// to every subscriber of the channel, the tracker included.
func (h *Hub) Track(sub *Subscriber, p reading.Participant) {
	sub.setParticipant(p)

	h.mu.RLock()
	t, ok := h.topics[sub.channel]
	if !ok {
		h.mu.RUnlock()
		return
	}
	subs := snapshot(t)
	h.mu.RUnlock()

	h.stats.trackPresence()
	h.fanOut(subs, nil, Frame{Type: FramePresence, Presence: PresenceJoin, Participant: &p})
}

// Channels lists live channels for the ops endpoint.
func (h *Hub) Channels() []ChannelInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(h.topics))
	for name, t := range h.topics {
		tracked := 0
		for sub := range t.subs {
			if sub.participant() != nil {
				tracked++
			}
		}
		out = append(out, ChannelInfo{ID: name, Subscribers: len(t.subs), Tracked: tracked})
	}
	return out
}

// Sweep drops channels that have been empty for the idle window. Runs
// until done is closed.
func (h *Hub) Sweep(done <-chan struct{}) {
	ticker := time.NewTicker(h.idleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.sweepOnce(time.Now())
		}
	}
}

func (h *Hub) sweepOnce(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, t := range h.topics {
		if len(t.subs) == 0 && !t.emptySince.IsZero() && now.Sub(t.emptySince) >= h.idleAfter {
			delete(h.topics, name)
			h.stats.channelClosed()
		}
	}
}

func snapshot(t *topic) []*Subscriber {
	subs := make([]*Subscriber, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	return subs
}

// fanOut marshals once and enqueues to every subscriber except skip.
// Subscribers with a full buffer are disconnected.
func (h *Hub) fanOut(subs []*Subscriber, skip *Subscriber, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("relay: marshal frame: %v", err)
		return
	}
	for _, sub := range subs {
		if sub == skip {
			continue
		}
		if !sub.enqueue(data) {
			log.Printf("relay: subscriber on %s too slow, disconnecting", sub.channel)
			h.Remove(sub)
		}
	}
}

func (h *Hub) sendFrame(sub *Subscriber, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("relay: marshal frame: %v", err)
		return
	}
	if !sub.enqueue(data) {
		log.Printf("relay: subscriber on %s too slow, disconnecting", sub.channel)
		h.Remove(sub)
	}
}
