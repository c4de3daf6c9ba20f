package sim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"openoutcry/internal/bus"
	"openoutcry/pkg/types"
)

const sessionID = "sess-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// instantClock makes every wait fire immediately so a full calendar runs
// in microseconds.
type instantClock struct{ now time.Time }

func (c instantClock) Now() time.Time { return c.now }
func (c instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type fakeMarket struct {
	mu       sync.Mutex
	nextID   uint64
	submits  []types.OrderIntent
	cancels  []uint64
	expiries int
	last     decimal.Decimal
}

func (f *fakeMarket) SubmitLiquidity(in types.OrderIntent) types.SubmitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.submits = append(f.submits, in)
	return types.SubmitResult{OrderID: f.nextID, Status: types.StatusNew}
}

func (f *fakeMarket) Cancel(id uint64, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return true
}

func (f *fakeMarket) ExpireDay() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiries++
	return 0
}

func (f *fakeMarket) GetBook(string, int) (types.BookSnapshot, error) {
	return types.BookSnapshot{}, nil
}

func (f *fakeMarket) LastPrice(string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last.IsZero() {
		return decimal.Zero, false
	}
	return f.last, true
}

func (f *fakeMarket) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func twoInstruments() []Instrument {
	return []Instrument{
		{
			Security:   types.Security{ID: "SEC-ACME", Symbol: "ACME", TickSize: d("0.01"), MinQuantity: 1},
			StartPrice: 50, Volatility: 0.4, Drift: 0.1, SpreadBps: 20, Liquidity: 100,
		},
		{
			Security:   types.Security{ID: "SEC-GLOB", Symbol: "GLOB", TickSize: d("0.05"), MinQuantity: 1},
			StartPrice: 120, Volatility: 0.6, Drift: -0.05, SpreadBps: 40, Liquidity: 50,
		},
	}
}

// drain reads every buffered event off a subscription without blocking.
func drain(sub *bus.Subscription) []types.Event {
	var out []types.Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// runCalendar executes a full run and returns a flat transcript of every
// injected quote and published tick.
func runCalendar(t *testing.T, seed int64) []string {
	t.Helper()
	logger := testLogger()
	clock := instantClock{now: time.Unix(1700000000, 0)}
	b := bus.New(logger, clock)
	b.OpenSession(sessionID)
	market := &fakeMarket{}

	cfg := Config{
		SessionID: sessionID, TotalDays: 2, MsPerDay: 10, TicksPerDay: 5,
		NewsFrequency: 0.5, Seed: seed, MarketMaker: "__mm__",
		Instruments: twoInstruments(),
	}
	s := New(logger, cfg, clock, b, market)

	ticks, err := b.Subscribe(sessionID, 1024, bus.TopicMarket(sessionID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var transcript []string
	for _, in := range market.submits {
		transcript = append(transcript, fmt.Sprintf("quote %s %s %s x%d", in.Side, in.SecurityID, in.Price, in.Quantity))
	}
	for _, ev := range drain(ticks) {
		mt := ev.Payload.(types.MarketTick)
		transcript = append(transcript, fmt.Sprintf("tick d%d t%d %s %s/%s", mt.Day, mt.TickInDay, mt.SecurityID, mt.Bid, mt.Ask))
	}
	return transcript
}

func TestSameSeedReproducesRun(t *testing.T) {
	t.Parallel()

	first := runCalendar(t, 42)
	second := runCalendar(t, 42)

	if len(first) == 0 {
		t.Fatal("empty transcript")
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("runs with seed 42 diverged:\n%v\n%v", first, second)
	}

	other := runCalendar(t, 43)
	if reflect.DeepEqual(first, other) {
		t.Error("runs with different seeds produced identical transcripts")
	}
}

func TestCalendarLifecycle(t *testing.T) {
	t.Parallel()

	logger := testLogger()
	clock := instantClock{now: time.Unix(1700000000, 0)}
	b := bus.New(logger, clock)
	b.OpenSession(sessionID)

	cfg := Config{
		SessionID: sessionID, TotalDays: 2, MsPerDay: 10, TicksPerDay: 2,
		Seed: 7, MarketMaker: "__mm__", Instruments: twoInstruments()[:1],
	}
	s := New(logger, cfg, clock, b, &fakeMarket{})

	sub, err := b.Subscribe(sessionID, 64, bus.TopicLifecycle(sessionID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []struct {
		stage string
		day   int
	}{
		{types.StageDayStart, 1},
		{types.StageDayEnd, 1},
		{types.StageDayStart, 2},
		{types.StageDayEnd, 2},
		{types.StageSimEnded, 2},
	}
	events := drain(sub)
	if len(events) != len(want) {
		t.Fatalf("got %d lifecycle events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		lc := ev.Payload.(types.LifecycleEvent)
		if lc.Stage != want[i].stage || lc.Day != want[i].day {
			t.Errorf("event %d = %s day %d, want %s day %d", i, lc.Stage, lc.Day, want[i].stage, want[i].day)
		}
	}
}

func TestQuotePairRepostedEachTick(t *testing.T) {
	t.Parallel()

	logger := testLogger()
	clock := instantClock{now: time.Unix(1700000000, 0)}
	b := bus.New(logger, clock)
	b.OpenSession(sessionID)
	market := &fakeMarket{}

	cfg := Config{
		SessionID: sessionID, TotalDays: 1, MsPerDay: 10, TicksPerDay: 3,
		Seed: 7, MarketMaker: "__mm__", Instruments: twoInstruments()[:1],
	}
	if err := New(logger, cfg, clock, b, market).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(market.submits) != 6 {
		t.Fatalf("got %d quote submissions, want 2 per tick = 6", len(market.submits))
	}
	if len(market.cancels) != 4 {
		t.Errorf("got %d cancels, want 2 per repost = 4", len(market.cancels))
	}
	for i := 0; i < len(market.submits); i += 2 {
		buy, sell := market.submits[i], market.submits[i+1]
		if buy.Side != types.BUY || sell.Side != types.SELL {
			t.Fatalf("pair %d sides = %s/%s, want BUY/SELL", i/2, buy.Side, sell.Side)
		}
		if !buy.Price.LessThan(sell.Price) {
			t.Errorf("pair %d crossed: bid %s >= ask %s", i/2, buy.Price, sell.Price)
		}
		if buy.TIF != types.TIFDay {
			t.Errorf("quote TIF = %s, want DAY", buy.TIF)
		}
	}
}

func TestNewsEmittedWithShock(t *testing.T) {
	t.Parallel()

	logger := testLogger()
	clock := instantClock{now: time.Unix(1700000000, 0)}
	b := bus.New(logger, clock)
	b.OpenSession(sessionID)

	cfg := Config{
		SessionID: sessionID, TotalDays: 3, MsPerDay: 10, TicksPerDay: 1,
		NewsFrequency: 1, Seed: 7, MarketMaker: "__mm__",
		Instruments: twoInstruments()[:1],
	}
	s := New(logger, cfg, clock, b, &fakeMarket{})

	sub, err := b.Subscribe(sessionID, 64, bus.TopicNews(sessionID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := drain(sub)
	if len(events) != 3 {
		t.Fatalf("got %d news events, want one per day = 3", len(events))
	}
	for _, ev := range events {
		news := ev.Payload.(types.NewsEvent)
		if news.ImpactSign != 1 && news.ImpactSign != -1 {
			t.Errorf("impact sign = %d, want ±1", news.ImpactSign)
		}
		if news.Severity < 1 || news.Severity > 3 {
			t.Errorf("severity = %f, want within [1, 3]", news.Severity)
		}
		if len(news.Symbols) != 1 || news.Symbols[0] != "ACME" {
			t.Errorf("symbols = %v, want [ACME]", news.Symbols)
		}
		if news.Headline == "" {
			t.Error("headline is empty")
		}
	}
}

func TestPauseHaltsTicksUntilResume(t *testing.T) {
	t.Parallel()

	logger := testLogger()
	clock := instantClock{now: time.Unix(1700000000, 0)}
	b := bus.New(logger, clock)
	b.OpenSession(sessionID)
	market := &fakeMarket{}

	cfg := Config{
		SessionID: sessionID, TotalDays: 1, MsPerDay: 10, TicksPerDay: 4,
		Seed: 7, MarketMaker: "__mm__", Instruments: twoInstruments()[:1],
	}
	s := New(logger, cfg, clock, b, market)
	s.Pause()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	if n := market.submitCount(); n != 0 {
		t.Fatalf("paused simulator injected %d quotes, want 0", n)
	}

	s.Resume()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := market.submitCount(); n != 8 {
		t.Errorf("got %d quote submissions after resume, want 8", n)
	}
}

func TestExpireDayCalledEachDayEnd(t *testing.T) {
	t.Parallel()

	logger := testLogger()
	clock := instantClock{now: time.Unix(1700000000, 0)}
	b := bus.New(logger, clock)
	b.OpenSession(sessionID)
	market := &fakeMarket{}

	cfg := Config{
		SessionID: sessionID, TotalDays: 3, MsPerDay: 10, TicksPerDay: 1,
		Seed: 7, MarketMaker: "__mm__", Instruments: twoInstruments()[:1],
	}
	if err := New(logger, cfg, clock, b, market).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if market.expiries != 3 {
		t.Errorf("ExpireDay called %d times, want once per day = 3", market.expiries)
	}
}

func TestQuoteSnapsAndNeverCrosses(t *testing.T) {
	t.Parallel()

	logger := testLogger()
	clock := instantClock{now: time.Unix(1700000000, 0)}
	b := bus.New(logger, clock)
	s := New(logger, Config{SessionID: sessionID, Seed: 1, MarketMaker: "__mm__"}, clock, b, &fakeMarket{})

	sec := types.Security{ID: "S", Symbol: "S", TickSize: d("0.01"), MinQuantity: 1}

	st := &secState{inst: Instrument{Security: sec, SpreadBps: 20}, mid: 50.003}
	bid, ask := s.quote(st)
	if !bid.Mod(d("0.01")).IsZero() || !ask.Mod(d("0.01")).IsZero() {
		t.Errorf("quotes %s/%s not on the 0.01 grid", bid, ask)
	}
	if !bid.LessThan(ask) {
		t.Errorf("quotes crossed: %s >= %s", bid, ask)
	}

	// Zero spread still quotes one tick wide.
	st = &secState{inst: Instrument{Security: sec, SpreadBps: 0}, mid: 50}
	bid, ask = s.quote(st)
	if !bid.Equal(d("50.00")) || !ask.Equal(d("50.01")) {
		t.Errorf("degenerate spread quotes = %s/%s, want 50.00/50.01", bid, ask)
	}

	// A mid below one tick clamps to the grid floor.
	st = &secState{inst: Instrument{Security: sec, SpreadBps: 20}, mid: 0.001}
	bid, ask = s.quote(st)
	if !bid.Equal(d("0.01")) || !ask.GreaterThan(bid) {
		t.Errorf("tiny-mid quotes = %s/%s, want bid clamped to 0.01 and ask above", bid, ask)
	}
}
