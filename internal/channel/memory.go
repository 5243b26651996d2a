package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/harshasoftware/tarotforge/internal/reading"
)

const deliveryBuffer = 64

// Bus is an in-process Opener. Every subscriber gets its own buffered
// delivery queue drained by a pump goroutine, so publishing never runs a
// handler on the publisher's goroutine (mirrors how the relay decouples
// fan-out from subscriber callbacks).
type Bus struct {
	mu     sync.Mutex
	topics map[string]*memTopic
}

type memTopic struct {
	mu       sync.Mutex
	subs     map[*memChannel]bool
	presence map[*memChannel]reading.Participant
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string]*memTopic)}
}

func (b *Bus) Channel(name string) Channel {
	return &memChannel{bus: b, name: name}
}

func (b *Bus) topic(name string) *memTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{
			subs:     make(map[*memChannel]bool),
			presence: make(map[*memChannel]reading.Participant),
		}
		b.topics[name] = t
	}
	return t
}

// SubscriberCount reports the current subscribers of a topic. Test hook.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.Lock()
	t, ok := b.topics[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

type memChannel struct {
	bus  *Bus
	name string

	mu          sync.Mutex
	handlers    map[string][]BroadcastFunc
	presenceFns []PresenceFunc
	subscribed  bool
	closed      bool
	queue       chan func()
}

func (c *memChannel) OnBroadcast(event string, fn BroadcastFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string][]BroadcastFunc)
	}
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *memChannel) OnPresence(fn PresenceFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenceFns = append(c.presenceFns, fn)
}

func (c *memChannel) Subscribe(onStatus StatusFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	if c.subscribed {
		c.mu.Unlock()
		return errors.New("already subscribed")
	}
	c.subscribed = true
	c.queue = make(chan func(), deliveryBuffer)
	c.mu.Unlock()

	go c.pump()

	t := c.bus.topic(c.name)
	t.mu.Lock()
	t.subs[c] = true
	roster := make([]reading.Participant, 0, len(t.presence))
	for _, p := range t.presence {
		roster = append(roster, p)
	}
	t.mu.Unlock()

	if onStatus != nil {
		c.enqueue(func() { onStatus(StatusSubscribed) })
	}
	for _, p := range roster {
		c.deliverPresence(PresenceEvent{Type: PresenceJoin, Participant: p})
	}
	return nil
}

func (c *memChannel) Track(p reading.Participant) error {
	c.mu.Lock()
	subscribed := c.subscribed && !c.closed
	c.mu.Unlock()
	if !subscribed {
		return errors.New("track before subscribe")
	}

	t := c.bus.topic(c.name)
	t.mu.Lock()
	t.presence[c] = p
	subs := snapshotSubs(t)
	t.mu.Unlock()

	// Presence joins go to every subscriber, the tracker included, so all
	// rosters converge on the same membership.
	for _, sub := range subs {
		sub.deliverPresence(PresenceEvent{Type: PresenceJoin, Participant: p})
	}
	return nil
}

func (c *memChannel) Send(event string, payload any) error {
	c.mu.Lock()
	subscribed := c.subscribed && !c.closed
	c.mu.Unlock()
	if !subscribed {
		return errors.New("send before subscribe")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	t := c.bus.topic(c.name)
	t.mu.Lock()
	subs := snapshotSubs(t)
	t.mu.Unlock()

	for _, sub := range subs {
		if sub == c {
			continue // broadcasts are not echoed to the sender
		}
		sub.deliverBroadcast(event, json.RawMessage(data))
	}
	return nil
}

func (c *memChannel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	queue := c.queue
	c.mu.Unlock()

	t := c.bus.topic(c.name)
	t.mu.Lock()
	delete(t.subs, c)
	p, tracked := t.presence[c]
	delete(t.presence, c)
	subs := snapshotSubs(t)
	t.mu.Unlock()

	if tracked {
		for _, sub := range subs {
			sub.deliverPresence(PresenceEvent{Type: PresenceLeave, Participant: p})
		}
	}
	if queue != nil {
		close(queue)
	}
	return nil
}

func snapshotSubs(t *memTopic) []*memChannel {
	subs := make([]*memChannel, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (c *memChannel) deliverBroadcast(event string, payload json.RawMessage) {
	c.enqueue(func() {
		c.mu.Lock()
		fns := append([]BroadcastFunc(nil), c.handlers[event]...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(payload)
		}
	})
}

func (c *memChannel) deliverPresence(ev PresenceEvent) {
	c.enqueue(func() {
		c.mu.Lock()
		fns := append([]PresenceFunc(nil), c.presenceFns...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	})
}

// enqueue hands a delivery to the pump. A full queue drops the delivery;
// the protocol's periodic re-sync is the recovery path for dropped
// messages, same as over the network.
func (c *memChannel) enqueue(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.queue == nil {
		return
	}
	// Non-blocking send under the lock: closed is only flipped with the
	// lock held, so the queue cannot be closed mid-send.
	select {
	case c.queue <- fn:
	default:
		log.Printf("channel %s: subscriber queue full, dropping delivery", c.name)
	}
}

func (c *memChannel) pump() {
	for fn := range c.queue {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			continue
		}
		fn()
	}
}
