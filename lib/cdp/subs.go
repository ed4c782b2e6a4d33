package cdp

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Lifecycle pseudo-events dispatched through the same subscription path as
// protocol events. Params carry a reason string or attempt counter where one
// applies.
const (
	EventConnected       = "cdp.connected"
	EventDisconnected    = "cdp.disconnected"
	EventReconnecting    = "cdp.reconnecting"
	EventReconnected     = "cdp.reconnected"
	EventReconnectFailed = "cdp.reconnectFailed"
	EventContextsChanged = "cdp.contextsChanged"
)

// subscriberInboxSize bounds each subscriber's queue. A handler that cannot
// keep up is detached rather than allowed to stall the reader.
const subscriberInboxSize = 64

// SubscriptionID identifies one event subscription for Unsubscribe.
type SubscriptionID string

// EventHandler receives the raw params payload of a matching event. Handlers
// run on a per-subscriber goroutine, never on the connection reader.
type EventHandler func(params json.RawMessage)

type subscriber struct {
	id    SubscriptionID
	event string
	inbox chan json.RawMessage
	stop  chan struct{}
}

type subscriberSet struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[SubscriptionID]*subscriber
}

func newSubscriberSet(logger *slog.Logger) *subscriberSet {
	return &subscriberSet{
		logger: logger,
		subs:   make(map[SubscriptionID]*subscriber),
	}
}

func (s *subscriberSet) add(event string, fn EventHandler) SubscriptionID {
	sub := &subscriber{
		id:    SubscriptionID(uuid.NewString()),
		event: event,
		inbox: make(chan json.RawMessage, subscriberInboxSize),
		stop:  make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.stop:
				return
			case params := <-sub.inbox:
				fn(params)
			}
		}
	}()

	return sub.id
}

func (s *subscriberSet) remove(id SubscriptionID) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}

func (s *subscriberSet) dispatch(event string, params json.RawMessage) {
	s.mu.Lock()
	matching := make([]*subscriber, 0, 4)
	for _, sub := range s.subs {
		if sub.event == event {
			matching = append(matching, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range matching {
		select {
		case sub.inbox <- params:
		default:
			// A full inbox means the handler stopped keeping up. Detach it
			// so the reader never blocks on a slow consumer.
			s.logger.Warn("detaching slow subscriber", "event", event, "id", string(sub.id))
			s.remove(sub.id)
		}
	}
}

func (s *subscriberSet) closeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[SubscriptionID]*subscriber)
	s.mu.Unlock()
	for _, sub := range subs {
		close(sub.stop)
	}
}
