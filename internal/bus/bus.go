// Package bus is the in-process pub/sub layer. Events are published to
// session-scoped topics and fanned out to subscriber channels. Delivery is
// best-effort ordered: a subscriber that cannot keep up has events dropped
// from the tail of its buffer and receives a Lag marker before the stream
// resumes, so it can resync from a snapshot.
package bus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"openoutcry/internal/metrics"
	"openoutcry/pkg/types"
)

// DefaultBuffer is the subscription channel capacity when the caller does
// not specify one.
const DefaultBuffer = 256

// Topic name helpers. Every topic is scoped to one session.
func TopicTrades(sessionID string) string    { return "session." + sessionID + ".trades" }
func TopicMarket(sessionID string) string    { return "session." + sessionID + ".market" }
func TopicNews(sessionID string) string      { return "session." + sessionID + ".news" }
func TopicLifecycle(sessionID string) string { return "session." + sessionID + ".lifecycle" }

func TopicBook(sessionID, securityID string) string {
	return "session." + sessionID + ".book." + securityID
}

func TopicOrders(sessionID, userID string) string {
	return "session." + sessionID + ".orders." + userID
}

func TopicPortfolio(sessionID, userID string) string {
	return "session." + sessionID + ".portfolio." + userID
}

// lagInfo accumulates drops on one topic while a subscriber is behind.
type lagInfo struct {
	dropped uint64
	lastSeq uint64
}

// Subscription is one consumer's attachment to a set of topics in one
// session. All events arrive on a single channel in publish order.
type Subscription struct {
	ID        string
	SessionID string

	ch     chan types.Event
	topics map[string]struct{}
	all    bool

	// Guarded by the owning space's mutex.
	lagged map[string]*lagInfo
	closed bool
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the session ends.
func (s *Subscription) C() <-chan types.Event { return s.ch }

// Topics returns the subscribed topic names, sorted.
func (s *Subscription) Topics() []string {
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// space holds the pub/sub state of one session: the envelope sequence,
// topic registrations, and wildcard subscribers such as the journal.
type space struct {
	mu       sync.Mutex
	seq      uint64
	topics   map[string][]*Subscription
	wildcard []*Subscription
	closed   bool
}

// Bus fans session events out to subscribers.
type Bus struct {
	logger *slog.Logger
	clock  types.Clock
	col    *metrics.Collector

	mu       sync.RWMutex
	sessions map[string]*space
}

// New creates an empty bus.
func New(logger *slog.Logger, clock types.Clock) *Bus {
	return &Bus{
		logger:   logger.With("component", "bus"),
		clock:    clock,
		col:      metrics.GetCollector(),
		sessions: make(map[string]*space),
	}
}

// OpenSession registers a session's topic space. Publishing to a session
// that was never opened is a no-op.
func (b *Bus) OpenSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[sessionID]; ok {
		return
	}
	b.sessions[sessionID] = &space{topics: make(map[string][]*Subscription)}
}

// CloseSession closes every subscription in the session and tears down its
// topic space. Late publishes are dropped.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	sp := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if sp == nil {
		return
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.closed = true
	seen := make(map[string]struct{})
	for _, subs := range sp.topics {
		for _, sub := range subs {
			if _, ok := seen[sub.ID]; ok {
				continue
			}
			seen[sub.ID] = struct{}{}
			sub.closed = true
			close(sub.ch)
		}
	}
	for _, sub := range sp.wildcard {
		if _, ok := seen[sub.ID]; ok {
			continue
		}
		seen[sub.ID] = struct{}{}
		sub.closed = true
		close(sub.ch)
	}
	b.col.Subscribers.WithLabelValues(sessionID).Set(0)
}

// Subscribe attaches a new consumer to the given topics. A buffer of zero
// or less selects DefaultBuffer.
func (b *Bus) Subscribe(sessionID string, buffer int, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("subscribe: no topics")
	}
	return b.subscribe(sessionID, buffer, topics, false)
}

// SubscribeAll attaches a wildcard consumer that receives every event in
// the session. The journal uses this.
func (b *Bus) SubscribeAll(sessionID string, buffer int) (*Subscription, error) {
	return b.subscribe(sessionID, buffer, nil, true)
}

func (b *Bus) subscribe(sessionID string, buffer int, topics []string, all bool) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.RLock()
	sp := b.sessions[sessionID]
	b.mu.RUnlock()
	if sp == nil {
		return nil, fmt.Errorf("subscribe: unknown session %s", sessionID)
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ch:        make(chan types.Event, buffer),
		topics:    make(map[string]struct{}, len(topics)),
		all:       all,
		lagged:    make(map[string]*lagInfo),
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil, fmt.Errorf("subscribe: session %s ended", sessionID)
	}
	if all {
		sp.wildcard = append(sp.wildcard, sub)
	} else {
		for _, t := range topics {
			if _, ok := sub.topics[t]; ok {
				continue
			}
			sub.topics[t] = struct{}{}
			sp.topics[t] = append(sp.topics[t], sub)
		}
	}
	b.col.Subscribers.WithLabelValues(sessionID).Inc()
	return sub, nil
}

// AddTopics extends an existing subscription. Events for the new topics
// start flowing from the next publish.
func (b *Bus) AddTopics(sub *Subscription, topics ...string) error {
	b.mu.RLock()
	sp := b.sessions[sub.SessionID]
	b.mu.RUnlock()
	if sp == nil {
		return fmt.Errorf("add topics: unknown session %s", sub.SessionID)
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed || sub.closed {
		return fmt.Errorf("add topics: subscription closed")
	}
	for _, t := range topics {
		if _, ok := sub.topics[t]; ok {
			continue
		}
		sub.topics[t] = struct{}{}
		sp.topics[t] = append(sp.topics[t], sub)
	}
	return nil
}

// Unsubscribe detaches the consumer and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.RLock()
	sp := b.sessions[sub.SessionID]
	b.mu.RUnlock()
	if sp == nil {
		return
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	for t := range sub.topics {
		sp.topics[t] = removeSub(sp.topics[t], sub.ID)
		if len(sp.topics[t]) == 0 {
			delete(sp.topics, t)
		}
	}
	if sub.all {
		sp.wildcard = removeSub(sp.wildcard, sub.ID)
	}
	close(sub.ch)
	b.col.Subscribers.WithLabelValues(sub.SessionID).Dec()
}

func removeSub(subs []*Subscription, id string) []*Subscription {
	for i, s := range subs {
		if s.ID == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish stamps the event with the session's next envelope sequence and
// fans it out. The returned event carries the assigned Seq; callers that
// cache snapshots record it as the resync point. Publishing to an unknown
// or ended session returns the zero Event.
func (b *Bus) Publish(sessionID, topic string, kind types.EventKind, payload any) types.Event {
	b.mu.RLock()
	sp := b.sessions[sessionID]
	b.mu.RUnlock()
	if sp == nil {
		b.logger.Debug("publish to unknown session", "session_id", sessionID, "topic", topic)
		return types.Event{}
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return types.Event{}
	}

	sp.seq++
	ev := types.Event{
		SessionID: sessionID,
		Seq:       sp.seq,
		Timestamp: b.clock.Now(),
		Kind:      kind,
		Payload:   payload,
	}
	b.col.RecordBusPublish(string(kind))

	for _, sub := range sp.topics[topic] {
		b.deliver(sub, topic, ev)
	}
	for _, sub := range sp.wildcard {
		b.deliver(sub, topic, ev)
	}
	return ev
}

// deliver attempts a non-blocking send. A full buffer marks the
// subscription lagged on that topic; once room opens up again the
// subscriber receives one Lag marker per lagged topic before the live
// stream resumes. Drops come off the tail only, never the middle.
func (b *Bus) deliver(sub *Subscription, topic string, ev types.Event) {
	if sub.closed {
		return
	}

	if len(sub.lagged) > 0 && !b.flushLag(sub) {
		b.drop(sub, topic, ev)
		return
	}

	select {
	case sub.ch <- ev:
	default:
		b.drop(sub, topic, ev)
		b.logger.Warn("subscriber lagging, dropping event",
			"session_id", sub.SessionID, "topic", topic, "kind", ev.Kind)
	}
}

func (b *Bus) drop(sub *Subscription, topic string, ev types.Event) {
	li := sub.lagged[topic]
	if li == nil {
		li = &lagInfo{}
		sub.lagged[topic] = li
	}
	li.dropped++
	li.lastSeq = ev.Seq
	b.col.RecordBusDrop(string(ev.Kind))
}

// flushLag sends the pending Lag markers. Reports whether every marker
// fit in the buffer; if not, the subscription stays lagged.
func (b *Bus) flushLag(sub *Subscription) bool {
	topics := make([]string, 0, len(sub.lagged))
	for t := range sub.lagged {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, t := range topics {
		li := sub.lagged[t]
		marker := types.Event{
			SessionID: sub.SessionID,
			Seq:       li.lastSeq,
			Timestamp: b.clock.Now(),
			Kind:      types.KindLag,
			Payload:   types.LagMarker{Topic: t, Dropped: li.dropped},
		}
		select {
		case sub.ch <- marker:
			delete(sub.lagged, t)
			b.col.RecordLagSignal(sub.SessionID)
			b.logger.Info("subscriber resynced after lag",
				"session_id", sub.SessionID, "topic", t, "dropped", li.dropped)
		default:
			return false
		}
	}
	return true
}

// CurrentSeq returns the last assigned envelope sequence for the session,
// zero if the session is unknown.
func (b *Bus) CurrentSeq(sessionID string) uint64 {
	b.mu.RLock()
	sp := b.sessions[sessionID]
	b.mu.RUnlock()
	if sp == nil {
		return 0
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.seq
}
