package bus

import (
	"log/slog"
	"os"
	"testing"

	"openoutcry/pkg/types"
)

const sessionID = "sess-1"

func newTestBus() *Bus {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := New(logger, types.SystemClock{})
	b.OpenSession(sessionID)
	return b
}

func recvOne(t *testing.T, sub *Subscription) types.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	default:
		t.Fatal("no event buffered")
	}
	return types.Event{}
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	sub, err := b.Subscribe(sessionID, 8, TopicTrades(sessionID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		b.Publish(sessionID, TopicTrades(sessionID), types.KindTrade, i)
	}

	for want := uint64(1); want <= 3; want++ {
		ev := recvOne(t, sub)
		if ev.Seq != want {
			t.Errorf("Seq = %d, want %d", ev.Seq, want)
		}
		if ev.Kind != types.KindTrade {
			t.Errorf("Kind = %v, want Trade", ev.Kind)
		}
	}
}

func TestTopicIsolation(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	sub, err := b.Subscribe(sessionID, 8, TopicBook(sessionID, "SEC-1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish(sessionID, TopicTrades(sessionID), types.KindTrade, nil)
	b.Publish(sessionID, TopicBook(sessionID, "SEC-2"), types.KindBookUpdate, nil)
	b.Publish(sessionID, TopicBook(sessionID, "SEC-1"), types.KindBookUpdate, nil)

	ev := recvOne(t, sub)
	if ev.Seq != 3 {
		t.Errorf("Seq = %d, want 3", ev.Seq)
	}
	select {
	case extra := <-sub.C():
		t.Errorf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestWildcardReceivesAll(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	sub, err := b.SubscribeAll(sessionID, 16)
	if err != nil {
		t.Fatalf("SubscribeAll: %v", err)
	}

	b.Publish(sessionID, TopicTrades(sessionID), types.KindTrade, nil)
	b.Publish(sessionID, TopicMarket(sessionID), types.KindMarketTick, nil)
	b.Publish(sessionID, TopicOrders(sessionID, "alice"), types.KindOrderUpdate, nil)

	for want := uint64(1); want <= 3; want++ {
		ev := recvOne(t, sub)
		if ev.Seq != want {
			t.Errorf("Seq = %d, want %d", ev.Seq, want)
		}
	}
}

func TestSeqSharedAcrossTopics(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	e1 := b.Publish(sessionID, TopicTrades(sessionID), types.KindTrade, nil)
	e2 := b.Publish(sessionID, TopicMarket(sessionID), types.KindMarketTick, nil)
	e3 := b.Publish(sessionID, TopicTrades(sessionID), types.KindTrade, nil)

	if e1.Seq != 1 || e2.Seq != 2 || e3.Seq != 3 {
		t.Errorf("seqs = %d,%d,%d, want 1,2,3", e1.Seq, e2.Seq, e3.Seq)
	}
	if got := b.CurrentSeq(sessionID); got != 3 {
		t.Errorf("CurrentSeq = %d, want 3", got)
	}
}

func TestSlowSubscriberGetsLagMarker(t *testing.T) {
	t.Parallel()
	b := newTestBus()
	topic := TopicTrades(sessionID)

	sub, err := b.Subscribe(sessionID, 2, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Fill the buffer, then overflow it by three.
	for i := 0; i < 5; i++ {
		b.Publish(sessionID, topic, types.KindTrade, i)
	}

	if ev := recvOne(t, sub); ev.Seq != 1 {
		t.Fatalf("first Seq = %d, want 1", ev.Seq)
	}
	if ev := recvOne(t, sub); ev.Seq != 2 {
		t.Fatalf("second Seq = %d, want 2", ev.Seq)
	}

	// Buffer drained: the next publish first delivers the lag marker,
	// then the live event.
	b.Publish(sessionID, topic, types.KindTrade, 5)

	marker := recvOne(t, sub)
	if marker.Kind != types.KindLag {
		t.Fatalf("Kind = %v, want Lag", marker.Kind)
	}
	if marker.Seq != 5 {
		t.Errorf("marker Seq = %d, want 5 (last dropped)", marker.Seq)
	}
	lm, ok := marker.Payload.(types.LagMarker)
	if !ok {
		t.Fatalf("payload = %T, want LagMarker", marker.Payload)
	}
	if lm.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", lm.Dropped)
	}
	if lm.Topic != topic {
		t.Errorf("Topic = %q, want %q", lm.Topic, topic)
	}

	live := recvOne(t, sub)
	if live.Seq != 6 || live.Kind != types.KindTrade {
		t.Errorf("resumed event = seq %d kind %v, want seq 6 Trade", live.Seq, live.Kind)
	}
}

func TestLagNeverReorders(t *testing.T) {
	t.Parallel()
	b := newTestBus()
	topic := TopicTrades(sessionID)

	sub, err := b.Subscribe(sessionID, 4, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 20; i++ {
		b.Publish(sessionID, topic, types.KindTrade, i)
		if i == 9 {
			// Drain half way through to let the stream resume once.
			for j := 0; j < 4; j++ {
				recvOne(t, sub)
			}
		}
	}

	var last uint64
	for {
		select {
		case ev := <-sub.C():
			if ev.Kind == types.KindLag {
				continue
			}
			if ev.Seq <= last {
				t.Fatalf("Seq %d after %d: stream reordered", ev.Seq, last)
			}
			last = ev.Seq
		default:
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	sub, err := b.Subscribe(sessionID, 4, TopicTrades(sessionID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Unsubscribe(sub)
	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after Unsubscribe")
	}

	// Safe to repeat, and late publishes do not panic.
	b.Unsubscribe(sub)
	b.Publish(sessionID, TopicTrades(sessionID), types.KindTrade, nil)
}

func TestCloseSessionClosesSubscribers(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	s1, _ := b.Subscribe(sessionID, 4, TopicTrades(sessionID))
	s2, _ := b.SubscribeAll(sessionID, 4)

	b.CloseSession(sessionID)

	if _, ok := <-s1.C(); ok {
		t.Error("topic subscription open after CloseSession")
	}
	if _, ok := <-s2.C(); ok {
		t.Error("wildcard subscription open after CloseSession")
	}

	if ev := b.Publish(sessionID, TopicTrades(sessionID), types.KindTrade, nil); ev.Seq != 0 {
		t.Errorf("publish after close assigned seq %d", ev.Seq)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	if _, err := b.Subscribe("nope", 4, "session.nope.trades"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestAddTopics(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	sub, err := b.Subscribe(sessionID, 8, TopicTrades(sessionID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.AddTopics(sub, TopicNews(sessionID)); err != nil {
		t.Fatalf("AddTopics: %v", err)
	}

	b.Publish(sessionID, TopicNews(sessionID), types.KindNews, nil)

	ev := recvOne(t, sub)
	if ev.Kind != types.KindNews {
		t.Errorf("Kind = %v, want News", ev.Kind)
	}
}
