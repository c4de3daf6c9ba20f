package bot

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"openoutcry/internal/bus"
	"openoutcry/internal/config"
	"openoutcry/pkg/types"
)

const sessionID = "sess-1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTrader struct {
	mu      sync.Mutex
	nextID  uint64
	submits []types.OrderIntent
	cancels []uint64
}

func (f *fakeTrader) Submit(in types.OrderIntent, _ time.Time) types.SubmitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.submits = append(f.submits, in)
	return types.SubmitResult{OrderID: f.nextID, Status: types.StatusNew}
}

func (f *fakeTrader) Cancel(id uint64, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return true
}

func (f *fakeTrader) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type fakePositions struct{ pos int64 }

func (f *fakePositions) RiskView(string, string) (decimal.Decimal, int64, error) {
	return decimal.Zero, f.pos, nil
}

// stubStrategy replays a fixed batch every tick.
type stubStrategy struct{ intents []types.OrderIntent }

func (s *stubStrategy) Name() string                             { return "stub" }
func (s *stubStrategy) OnTick(types.MarketState) []types.OrderIntent { return s.intents }
func (s *stubStrategy) OnTrade(types.Trade) []types.OrderIntent  { return nil }

func securities() []types.Security {
	return []types.Security{{ID: "SEC1", Symbol: "ACME", TickSize: d("0.01"), MinQuantity: 1}}
}

func TestClampIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		side     types.Side
		qty      int64
		position int64
		maxPos   int64
		wantQty  int64
		wantOK   bool
	}{
		{"buy with headroom", types.BUY, 10, 0, 100, 10, true},
		{"buy shrunk to headroom", types.BUY, 10, 95, 100, 5, true},
		{"buy at limit dropped", types.BUY, 10, 100, 100, 0, false},
		{"sell with short headroom", types.SELL, 10, -95, 100, 5, true},
		{"sell at short limit dropped", types.SELL, 10, -100, 100, 0, false},
		{"sell against long position", types.SELL, 50, 40, 100, 50, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := types.OrderIntent{Side: tt.side, Quantity: tt.qty}
			got, ok := clampIntent(in, tt.position, tt.maxPos)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.Quantity != tt.wantQty {
				t.Errorf("quantity = %d, want %d", got.Quantity, tt.wantQty)
			}
		})
	}
}

func TestExecuteClampsAcrossBatch(t *testing.T) {
	t.Parallel()

	ft := &fakeTrader{}
	m := &Manager{logger: testLogger(), trader: ft, pf: &fakePositions{}}
	bt := &bot{
		cfg:     config.BotConfig{UserID: "b1", MaxPosition: 15},
		secID:   "SEC1",
		resting: make(map[types.Side]uint64),
	}

	batch := []types.OrderIntent{
		{SecurityID: "SEC1", Side: types.BUY, Type: types.Market, Quantity: 10},
		{SecurityID: "SEC1", Side: types.BUY, Type: types.Market, Quantity: 10},
	}
	m.execute(bt, batch, 0)

	if len(ft.submits) != 2 {
		t.Fatalf("got %d submissions, want 2", len(ft.submits))
	}
	if ft.submits[0].Quantity != 10 || ft.submits[1].Quantity != 5 {
		t.Errorf("quantities = %d, %d; want 10 then 5 (projected position)", ft.submits[0].Quantity, ft.submits[1].Quantity)
	}
	if ft.submits[0].UserID != "b1" {
		t.Errorf("user = %s, want b1 stamped by the manager", ft.submits[0].UserID)
	}
}

func TestExecuteReplacesRestingQuotes(t *testing.T) {
	t.Parallel()

	ft := &fakeTrader{}
	m := &Manager{logger: testLogger(), trader: ft, pf: &fakePositions{}}
	bt := &bot{
		cfg:     config.BotConfig{UserID: "b1", MaxPosition: 1000},
		secID:   "SEC1",
		resting: make(map[types.Side]uint64),
	}

	pair := []types.OrderIntent{
		{SecurityID: "SEC1", Side: types.BUY, Type: types.Limit, Quantity: 10, Price: d("49.95")},
		{SecurityID: "SEC1", Side: types.SELL, Type: types.Limit, Quantity: 10, Price: d("50.05")},
	}
	m.execute(bt, pair, 0)
	if len(ft.cancels) != 0 {
		t.Fatalf("first quote cancelled %v, want nothing to replace", ft.cancels)
	}

	m.execute(bt, pair, 0)
	if len(ft.cancels) != 2 || ft.cancels[0] != 1 || ft.cancels[1] != 2 {
		t.Errorf("cancels = %v, want the first pair [1 2]", ft.cancels)
	}
	if bt.resting[types.BUY] != 3 || bt.resting[types.SELL] != 4 {
		t.Errorf("resting = %v, want the replacement pair tracked", bt.resting)
	}
}

func TestManagerRunTradesOffTicks(t *testing.T) {
	t.Parallel()

	logger := testLogger()
	b := bus.New(logger, types.SystemClock{})
	b.OpenSession(sessionID)
	ft := &fakeTrader{}

	cfgs := []config.BotConfig{{
		UserID: "b1", Strategy: "random", Symbol: "ACME",
		MaxPosition: 100, OrderSize: 5, TradeFrequency: 1,
	}}
	m, err := NewManager(logger, sessionID, 7, cfgs, securities(), b, ft, &fakePositions{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m.Users(); len(got) != 1 || got[0] != "b1" {
		t.Fatalf("Users = %v, want [b1]", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	// Give the subscription a moment to land before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for ft.submitCount() == 0 {
		b.Publish(sessionID, bus.TopicMarket(sessionID), types.KindMarketTick, types.MarketTick{
			SessionID: sessionID, SecurityID: "SEC1",
			Bid: d("49.95"), Ask: d("50.05"), Price: d("50.00"),
		})
		if time.Now().After(deadline) {
			t.Fatal("bot never traded off a tick")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.submits[0].Type != types.Market || ft.submits[0].Quantity != 5 {
		t.Errorf("submit = %+v, want MARKET of 5", ft.submits[0])
	}
}

func TestNewManagerRejectsUnknownSymbol(t *testing.T) {
	t.Parallel()

	cfgs := []config.BotConfig{{UserID: "b1", Strategy: "random", Symbol: "NOPE"}}
	b := bus.New(testLogger(), types.SystemClock{})
	if _, err := NewManager(testLogger(), sessionID, 7, cfgs, securities(), b, &fakeTrader{}, &fakePositions{}); err == nil {
		t.Error("NewManager with unknown symbol = nil error, want failure")
	}
}
