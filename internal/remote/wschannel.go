package remote

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harshasoftware/tarotforge/internal/channel"
	"github.com/harshasoftware/tarotforge/internal/reading"
	"github.com/harshasoftware/tarotforge/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// wsChannel implements channel.Channel over one websocket connection to the
// relay. Handlers and status transitions run only on the read pump
// goroutine, never the caller's: callers hold their own locks across
// Subscribe and Unsubscribe. A closed flag checked under the mutex
// guarantees nothing fires after Unsubscribe returns.
type wsChannel struct {
	client *Client
	name   string

	mu        sync.Mutex
	handlers  map[string][]channel.BroadcastFunc
	presences []channel.PresenceFunc
	statusFn  channel.StatusFunc
	conn      *websocket.Conn
	send      chan []byte
	closed    bool
}

func (c *wsChannel) OnBroadcast(event string, fn channel.BroadcastFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string][]channel.BroadcastFunc)
	}
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *wsChannel) OnPresence(fn channel.PresenceFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presences = append(c.presences, fn)
}

func (c *wsChannel) Subscribe(onStatus channel.StatusFunc) error {
	c.mu.Lock()
	if c.conn != nil || c.closed {
		c.mu.Unlock()
		return fmt.Errorf("channel %s: already subscribed or closed", c.name)
	}
	c.statusFn = onStatus
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.client.wsURL(c.name), nil)
	if err != nil {
		return fmt.Errorf("dial channel %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, sendBuffer)
	c.mu.Unlock()

	go c.writePump(conn, c.send)
	go c.readPump(conn)
	return nil
}

func (c *wsChannel) Track(p reading.Participant) error {
	return c.enqueue(relay.Frame{Type: relay.FrameTrack, Participant: &p})
}

func (c *wsChannel) Send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return c.enqueue(relay.Frame{Type: relay.FrameBroadcast, Event: event, Payload: raw})
}

func (c *wsChannel) enqueue(f relay.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.send == nil {
		return fmt.Errorf("channel %s: not subscribed", c.name)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("channel %s: send buffer full", c.name)
	}
}

// Unsubscribe tears the connection down. Idempotent; no handler fires
// after it returns.
func (c *wsChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	if c.send != nil {
		close(c.send) // enqueue only sends with the lock held, so this is safe
		c.send = nil
	}
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
	return nil
}

func (c *wsChannel) writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsChannel) readPump(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			dropped := !c.closed
			c.closed = true
			statusFn := c.statusFn
			c.mu.Unlock()
			if dropped && statusFn != nil {
				statusFn(channel.StatusError)
			}
			return
		}

		var frame relay.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("remote: bad frame on %s: %v", c.name, err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *wsChannel) dispatch(frame relay.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	statusFn := c.statusFn
	var broadcasts []channel.BroadcastFunc
	if frame.Type == relay.FrameBroadcast {
		broadcasts = append(broadcasts, c.handlers[frame.Event]...)
	}
	presences := append([]channel.PresenceFunc(nil), c.presences...)
	c.mu.Unlock()

	switch frame.Type {
	case relay.FrameStatus:
		if statusFn != nil {
			statusFn(channel.Status(frame.Status))
		}
	case relay.FrameBroadcast:
		for _, fn := range broadcasts {
			fn(frame.Payload)
		}
	case relay.FramePresence:
		if frame.Participant == nil {
			return
		}
		ev := channel.PresenceEvent{
			Type:        channel.PresenceType(frame.Presence),
			Participant: *frame.Participant,
		}
		for _, fn := range presences {
			fn(ev)
		}
	}
}
