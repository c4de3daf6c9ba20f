package bot

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"openoutcry/internal/config"
	"openoutcry/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tickState(mid, bid, ask string) types.MarketState {
	return types.MarketState{
		SecurityID: "SEC1",
		Symbol:     "ACME",
		Mid:        d(mid),
		Bid:        d(bid),
		Ask:        d(ask),
		Last:       d(mid),
		TickSize:   d("0.01"),
	}
}

func botCfg(strategy string, aggr float64) config.BotConfig {
	return config.BotConfig{
		UserID: "b1", Strategy: strategy, Symbol: "ACME",
		MaxPosition: 1000, OrderSize: 10, TradeFrequency: 1, Aggressiveness: aggr,
	}
}

func mustStrategy(t *testing.T, cfg config.BotConfig) Strategy {
	t.Helper()
	s, err := NewStrategy(cfg, "SEC1", rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	return s
}

func TestMovingAverage(t *testing.T) {
	t.Parallel()

	ma := movingAverage{window: 3}
	for _, v := range []string{"10", "20", "30"} {
		ma.push(d(v))
	}
	if !ma.full() || !ma.mean().Equal(d("20")) {
		t.Errorf("mean = %s full=%v, want 20 full", ma.mean(), ma.full())
	}

	ma.push(d("40")) // evicts 10
	if !ma.mean().Equal(d("30")) {
		t.Errorf("mean after eviction = %s, want 30", ma.mean())
	}
}

func TestMomentumSignalsOnCross(t *testing.T) {
	t.Parallel()

	s := mustStrategy(t, botCfg("momentum", 1))

	// Fill the window flat; the first full tick only primes direction.
	for i := 0; i < momentumWindow; i++ {
		if got := s.OnTick(tickState("50", "49.95", "50.05")); got != nil {
			t.Fatalf("tick %d produced %v, want none while priming", i, got)
		}
	}

	up := s.OnTick(tickState("60", "59.95", "60.05"))
	if len(up) != 1 || up[0].Side != types.BUY || up[0].Type != types.Market {
		t.Fatalf("upcross = %+v, want one MARKET BUY", up)
	}
	if got := s.OnTick(tickState("60", "59.95", "60.05")); got != nil {
		t.Fatalf("repeat above = %v, want none without a new cross", got)
	}

	down := s.OnTick(tickState("40", "39.95", "40.05"))
	if len(down) != 1 || down[0].Side != types.SELL {
		t.Fatalf("downcross = %+v, want one SELL", down)
	}
}

func TestMomentumLimitPricingAtLowAggressiveness(t *testing.T) {
	t.Parallel()

	s := mustStrategy(t, botCfg("momentum", 0.5))
	for i := 0; i < momentumWindow; i++ {
		s.OnTick(tickState("50", "49.90", "50.10"))
	}

	got := s.OnTick(tickState("60", "59.90", "60.10"))
	if len(got) != 1 || got[0].Type != types.Limit {
		t.Fatalf("intent = %+v, want one LIMIT", got)
	}
	// Halfway between mid 60 and ask 60.10, snapped down to the grid.
	if !got[0].Price.Equal(d("60.05")) {
		t.Errorf("price = %s, want 60.05", got[0].Price)
	}
	if !got[0].Price.Mod(d("0.01")).IsZero() {
		t.Errorf("price %s off the tick grid", got[0].Price)
	}
}

func TestMeanReversionTradesDeviations(t *testing.T) {
	t.Parallel()

	s := mustStrategy(t, botCfg("mean_reversion", 1))
	for i := 0; i < meanRevWindow; i++ {
		if got := s.OnTick(tickState("100", "99.95", "100.05")); got != nil {
			t.Fatalf("flat tick produced %v, want none", got)
		}
	}

	rich := s.OnTick(tickState("102", "101.95", "102.05"))
	if len(rich) != 1 || rich[0].Side != types.SELL {
		t.Fatalf("rich tick = %+v, want SELL", rich)
	}

	cheap := s.OnTick(tickState("98", "97.95", "98.05"))
	if len(cheap) != 1 || cheap[0].Side != types.BUY {
		t.Fatalf("cheap tick = %+v, want BUY", cheap)
	}
}

func TestRandomTraderHonorsFrequency(t *testing.T) {
	t.Parallel()

	always := mustStrategy(t, botCfg("random", 1))
	for i := 0; i < 10; i++ {
		got := always.OnTick(tickState("50", "49.95", "50.05"))
		if len(got) != 1 || got[0].Type != types.Market || got[0].Quantity != 10 {
			t.Fatalf("tick %d = %+v, want one MARKET of 10", i, got)
		}
	}

	cfg := botCfg("random", 1)
	cfg.TradeFrequency = 0
	never := mustStrategy(t, cfg)
	for i := 0; i < 10; i++ {
		if got := never.OnTick(tickState("50", "49.95", "50.05")); got != nil {
			t.Fatalf("zero-frequency tick produced %v", got)
		}
	}
}

func TestMarketMakerQuotesAndReprices(t *testing.T) {
	t.Parallel()

	s := mustStrategy(t, botCfg("market_maker", 1))

	pair := s.OnTick(tickState("50", "49.95", "50.05"))
	if len(pair) != 2 {
		t.Fatalf("got %d intents, want a quote pair", len(pair))
	}
	if pair[0].Side != types.BUY || !pair[0].Price.Equal(d("49.95")) {
		t.Errorf("bid = %+v, want BUY at 49.95", pair[0])
	}
	if pair[1].Side != types.SELL || !pair[1].Price.Equal(d("50.05")) {
		t.Errorf("ask = %+v, want SELL at 50.05", pair[1])
	}

	if got := s.OnTick(tickState("50", "49.95", "50.05")); got != nil {
		t.Fatalf("unmoved mid re-quoted: %v", got)
	}

	moved := s.OnTick(tickState("50.05", "50.00", "50.10"))
	if len(moved) != 2 || !moved[0].Price.Equal(d("50.00")) {
		t.Fatalf("re-quote = %+v, want pair around 50.05", moved)
	}
}

func TestMarketMakerSkewsAgainstInventory(t *testing.T) {
	t.Parallel()

	cfg := botCfg("market_maker", 1)
	cfg.MaxPosition = 100
	s := mustStrategy(t, cfg)

	state := tickState("50", "49.95", "50.05")
	state.Position = 60 // past half the limit
	pair := s.OnTick(state)
	if len(pair) != 2 {
		t.Fatalf("got %d intents, want 2", len(pair))
	}
	if !pair[0].Price.Equal(d("49.94")) || !pair[1].Price.Equal(d("50.04")) {
		t.Errorf("skewed pair = %s/%s, want 49.94/50.04 shifted down a tick", pair[0].Price, pair[1].Price)
	}
}

func TestLiquidityProviderRefreshesOnLargeMovesOnly(t *testing.T) {
	t.Parallel()

	s := mustStrategy(t, botCfg("liquidity_provider", 1))

	pair := s.OnTick(tickState("50", "49.95", "50.05"))
	if len(pair) != 2 {
		t.Fatalf("got %d intents, want initial pair", len(pair))
	}
	// Twice the prevailing half-spread on each side.
	if !pair[0].Price.Equal(d("49.90")) || !pair[1].Price.Equal(d("50.10")) {
		t.Errorf("pair = %s/%s, want 49.90/50.10", pair[0].Price, pair[1].Price)
	}

	if got := s.OnTick(tickState("50.04", "49.99", "50.09")); got != nil {
		t.Fatalf("small move re-quoted: %v", got)
	}
	if got := s.OnTick(tickState("50.06", "50.01", "50.11")); len(got) != 2 {
		t.Fatalf("large move = %v, want a fresh pair", got)
	}
}

func TestNewStrategyUnknownName(t *testing.T) {
	t.Parallel()

	cfg := botCfg("momentum", 1)
	cfg.Strategy = "hodl"
	if _, err := NewStrategy(cfg, "SEC1", rand.New(rand.NewSource(1))); err == nil {
		t.Error("NewStrategy(hodl) = nil error, want unknown strategy")
	}
}
