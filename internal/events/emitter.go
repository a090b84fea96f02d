package events

import (
	"log/slog"
	"sync"
)

// defaultBufferSize is the per-subscriber channel capacity.
const defaultBufferSize = 64

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	id        int64
	filterKey string // canonical session key, "" receives every session
	ch        chan Event
	emitter   *Emitter
	closeOnce sync.Once
}

// Events returns the channel delivering matching events. The channel is
// closed by Unsubscribe or when the emitter shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.emitter.remove(s.id)
	s.closeOnce.Do(func() { close(s.ch) })
}

// Emitter fans events out to subscribers. Delivery is best-effort: a slow
// subscriber loses its oldest buffered events rather than stalling the
// engine, since subscribers care about the freshest state.
type Emitter struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	subs    map[int64]*Subscription
	nextID  int64
	bufSize int
	closed  bool
}

// NewEmitter creates an emitter. bufSize <= 0 selects the default.
func NewEmitter(bufSize int, logger *slog.Logger) *Emitter {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger:  logger,
		subs:    make(map[int64]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe registers a subscriber. filterKey narrows delivery to one session
// (canonical "serverID:sessionID" form); an empty filterKey receives all
// sessions.
func (e *Emitter) Subscribe(filterKey string) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	sub := &Subscription{
		id:        e.nextID,
		filterKey: filterKey,
		ch:        make(chan Event, e.bufSize),
		emitter:   e,
	}
	if e.closed {
		// Late subscribers on a closed emitter get an already-closed channel.
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	e.subs[sub.id] = sub
	return sub
}

// Emit delivers the event to every matching subscriber without blocking.
func (e *Emitter) Emit(evt Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return
	}

	key := evt.Key().String()
	for _, sub := range e.subs {
		if sub.filterKey != "" && sub.filterKey != key {
			continue
		}

		select {
		case sub.ch <- evt:
		default:
			// Buffer full: drop the oldest event to make room, then retry.
			select {
			case dropped := <-sub.ch:
				e.logger.Warn("[EVENTS] Subscriber buffer full, dropped oldest event",
					"subscriber_id", sub.id,
					"dropped_type", dropped.Type,
					"server_id", dropped.ServerID,
					"session_id", dropped.SessionID,
				)
			default:
			}
			select {
			case sub.ch <- evt:
			default:
				e.logger.Warn("[EVENTS] Failed to deliver event after drop",
					"subscriber_id", sub.id,
					"type", evt.Type,
				)
			}
		}
	}
}

// SubscriberCount returns the number of attached subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close detaches all subscribers and closes their channels. Emit becomes a
// no-op afterwards.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	detached := make([]*Subscription, 0, len(e.subs))
	for id, sub := range e.subs {
		delete(e.subs, id)
		detached = append(detached, sub)
	}
	e.mu.Unlock()

	// Channels are closed outside the lock; closeOnce keeps a racing
	// Unsubscribe from closing twice.
	for _, sub := range detached {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

func (e *Emitter) remove(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}
