package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wayfind/pkg/config"
	"wayfind/pkg/model"
	"wayfind/pkg/tracker"
)

// Subscription is one subscriber's bounded event feed. Events for one
// user arrive in production order; cross-user order is unspecified.
type Subscription struct {
	ID     string
	topics map[model.Topic]bool
	// userID filters to one user; empty subscribes to all users.
	userID string

	ch   chan model.Event
	done chan struct{}

	mu      sync.Mutex
	slow    bool
	pending map[string]model.Event // coalesced backlog while slow
	order   []string               // pending keys in arrival order
	closed  bool
}

// Events is the subscriber's receive channel. It is never closed;
// Done signals the end of the subscription.
func (s *Subscription) Events() <-chan model.Event { return s.ch }

// Done is closed on Unsubscribe. Events already buffered in the
// channel may still be drained afterwards.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Slow reports whether the subscription fell behind and is coalescing.
func (s *Subscription) Slow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slow
}

func (s *Subscription) wants(e model.Event) bool {
	if len(s.topics) > 0 && !s.topics[e.Topic] {
		return false
	}
	return s.userID == "" || s.userID == e.UserID || e.UserID == ""
}

// Bus fans events out to subscribers with per-topic backpressure rules:
// poses are lossy (drop-oldest), route/instruction/alert events block
// briefly and then degrade the subscriber to coalescing mode.
type Bus struct {
	cfg    config.SessionConfig
	trk    *tracker.Tracker
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewBus creates an empty bus.
func NewBus(cfg config.SessionConfig, trk *tracker.Tracker, logger *slog.Logger) *Bus {
	return &Bus{
		cfg:    cfg,
		trk:    trk,
		logger: logger.With("component", "bus"),
		subs:   map[string]*Subscription{},
	}
}

// Subscribe registers a topic filter for one user, or all users when
// userID is empty.
func (b *Bus) Subscribe(userID string, topics []model.Topic) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		userID:  userID,
		topics:  make(map[model.Topic]bool, len(topics)),
		ch:      make(chan model.Event, b.cfg.SubscriberQueue),
		done:    make(chan struct{}),
		pending: map[string]model.Event{},
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its Done channel. The
// event channel itself is never closed: publishers racing with an
// unsubscribe may still hold it, and a send must never panic.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	close(sub.done)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(e model.Event) {
	if e.TimestampMs == 0 {
		e.TimestampMs = time.Now().UnixMilli()
	}

	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(e) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub *Subscription, e model.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if sub.slow {
		sub.coalesce(e)
		b.flushLocked(sub)
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()

	switch e.Topic {
	case model.TopicPose:
		// Lossy: a newer pose supersedes a stale one.
		select {
		case sub.ch <- e:
		default:
			select {
			case <-sub.ch:
				b.trk.TrackDropped("bus")
			default:
			}
			select {
			case sub.ch <- e:
			default:
				b.trk.TrackDropped("bus")
			}
		}

	default:
		select {
		case sub.ch <- e:
		default:
			timer := time.NewTimer(b.cfg.SendTimeout.Std())
			select {
			case sub.ch <- e:
				timer.Stop()
			case <-sub.done:
				timer.Stop()
			case <-timer.C:
				sub.mu.Lock()
				if !sub.closed {
					sub.slow = true
					sub.coalesce(e)
				}
				sub.mu.Unlock()
				b.logger.Warn("subscriber marked slow", "subscription", sub.ID)
			}
		}
	}
}

// coalesce folds an event into the slow-mode backlog: latest pose and
// latest route replace their predecessors, everything else is keyed
// uniquely and kept. Caller holds sub.mu.
func (s *Subscription) coalesce(e model.Event) {
	var key string
	switch e.Topic {
	case model.TopicPose, model.TopicRoute:
		key = string(e.Topic) + "/" + e.UserID
	default:
		key = string(e.Topic) + "/" + e.UserID + "/" + uuid.NewString()
	}
	if _, exists := s.pending[key]; !exists {
		s.order = append(s.order, key)
	}
	s.pending[key] = e
}

// flushLocked drains the backlog into the channel without blocking; a
// fully drained backlog ends slow mode. Caller holds sub.mu.
func (b *Bus) flushLocked(sub *Subscription) {
	for len(sub.order) > 0 {
		key := sub.order[0]
		select {
		case sub.ch <- sub.pending[key]:
			delete(sub.pending, key)
			sub.order = sub.order[1:]
		default:
			return
		}
	}
	sub.slow = false
	b.logger.Debug("subscriber recovered", "subscription", sub.ID)
}
