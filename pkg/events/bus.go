package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/pkg/config"
)

// Subscriber is one live stream consumer. Events are delivered on C in
// publish order minus any drops. The bus owns the channel; consumers must
// not close it.
type Subscriber struct {
	ID string
	C  chan Event

	// agentID filters delivery to one agent's events when non-empty.
	agentID string

	// lagging and dropped are owned by the bus and read via Bus methods.
	lagging bool
	dropped int64
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published    int64 `json:"published"`
	Subscribers  int   `json:"subscribers"`
	DroppedTotal int64 `json:"dropped_total"`
}

// Bus is the per-context event log and fan-out. Event IDs are monotonically
// increasing and total-ordered within the context.
type Bus struct {
	mu        sync.Mutex
	nextID    int64
	ring      []Event // circular buffer of the most recent ringSize events
	ringStart int
	ringLen   int
	subs      map[string]*Subscriber
	queueSize int
	dropped   int64
	now       func() time.Time
}

// NewBus creates a Bus sized from config.
func NewBus(cfg config.EventsConfig) *Bus {
	return &Bus{
		ring:      make([]Event, cfg.RingSize),
		subs:      make(map[string]*Subscriber),
		queueSize: cfg.SubscriberQueueSize,
		now:       time.Now,
	}
}

// Publish assigns the next event ID and timestamp, appends the event to the
// ring, and fans it out to every live subscriber. Never blocks: a full
// subscriber queue loses its earliest undelivered event instead.
// The completed event (with ID) is returned.
func (b *Bus) Publish(evt Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	evt.ID = b.nextID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}

	// Append to ring, overwriting the oldest entry when full.
	if b.ringLen < len(b.ring) {
		b.ring[(b.ringStart+b.ringLen)%len(b.ring)] = evt
		b.ringLen++
	} else {
		b.ring[b.ringStart] = evt
		b.ringStart = (b.ringStart + 1) % len(b.ring)
	}

	for _, sub := range b.subs {
		if sub.agentID != "" && sub.agentID != evt.AgentID {
			continue
		}
		select {
		case sub.C <- evt:
			continue
		default:
		}
		// Queue full: drop the earliest undelivered event to make room,
		// then retry once. The subscriber is lagging from here on.
		sub.lagging = true
		sub.dropped++
		b.dropped++
		select {
		case <-sub.C:
		default:
		}
		select {
		case sub.C <- evt:
		default:
		}
	}
	return evt
}

// Subscribe registers a new live-tail subscriber. Historical events are not
// replayed; use Recent for backfill. agentID limits delivery to one agent's
// events when non-empty.
func (b *Bus) Subscribe(agentID string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.New().String(),
		C:       make(chan Event, b.queueSize),
		agentID: agentID,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and drains its queue. The channel is
// not closed, so a consumer blocked on C is not woken by Unsubscribe.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()

	for {
		select {
		case <-sub.C:
		default:
			return
		}
	}
}

// Recent returns up to limit most recent ring events in publish order,
// optionally filtered by agent. limit <= 0 means the whole ring.
func (b *Bus) Recent(limit int, agentID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit <= 0 || limit > b.ringLen {
		limit = b.ringLen
	}
	out := make([]Event, 0, limit)
	for i := 0; i < b.ringLen; i++ {
		evt := b.ring[(b.ringStart+i)%len(b.ring)]
		if agentID != "" && evt.AgentID != agentID {
			continue
		}
		out = append(out, evt)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Lagging reports whether the subscriber has ever dropped events.
func (b *Bus) Lagging(sub *Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sub.lagging
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:    b.nextID,
		Subscribers:  len(b.subs),
		DroppedTotal: b.dropped,
	}
}
