// Package bot hosts a session's automated traders. Each bot is one
// Strategy instance fed per-security market state; the Manager owns
// submission, position clamping, and quote replacement so the strategies
// themselves stay pure state machines.
package bot

import (
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	"openoutcry/internal/config"
	"openoutcry/pkg/types"
)

// Strategy reacts to market data with order intents. Implementations
// never submit directly; returned intents pass through the manager's
// position clamp first.
type Strategy interface {
	Name() string
	OnTick(state types.MarketState) []types.OrderIntent
	OnTrade(trade types.Trade) []types.OrderIntent
}

// NewStrategy builds the named built-in. rng must be the bot's own seeded
// source so a session seed reproduces every bot's behavior.
func NewStrategy(cfg config.BotConfig, securityID string, rng *rand.Rand) (Strategy, error) {
	switch cfg.Strategy {
	case "momentum":
		return &momentum{cfg: cfg, securityID: securityID, ma: movingAverage{window: momentumWindow}}, nil
	case "mean_reversion":
		return &meanReversion{cfg: cfg, securityID: securityID, ma: movingAverage{window: meanRevWindow}}, nil
	case "random":
		return &randomTrader{cfg: cfg, securityID: securityID, rng: rng}, nil
	case "market_maker":
		return &marketMaker{cfg: cfg, securityID: securityID, repriceTicks: 1, spreadFactor: 1, skew: true}, nil
	case "liquidity_provider":
		return &marketMaker{cfg: cfg, securityID: securityID, repriceTicks: 5, spreadFactor: 2, skew: false, name: "liquidity_provider"}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
}

// movingAverage is a fixed-window rolling mean.
type movingAverage struct {
	window int
	values []decimal.Decimal
	sum    decimal.Decimal
}

func (m *movingAverage) push(v decimal.Decimal) {
	m.values = append(m.values, v)
	m.sum = m.sum.Add(v)
	if len(m.values) > m.window {
		m.sum = m.sum.Sub(m.values[0])
		m.values = m.values[1:]
	}
}

func (m *movingAverage) full() bool { return len(m.values) >= m.window }

func (m *movingAverage) mean() decimal.Decimal {
	if len(m.values) == 0 {
		return decimal.Zero
	}
	return m.sum.Div(decimal.NewFromInt(int64(len(m.values))))
}

const (
	momentumWindow   = 5
	meanRevWindow    = 20
	meanRevThreshold = 0.01 // deviation from the mean, as a fraction of it
)

// momentum buys when the mid crosses above its short moving average and
// sells when it crosses below.
type momentum struct {
	cfg        config.BotConfig
	securityID string
	ma         movingAverage
	wasAbove   bool
	primed     bool
}

func (s *momentum) Name() string { return "momentum" }

func (s *momentum) OnTick(state types.MarketState) []types.OrderIntent {
	s.ma.push(state.Mid)
	if !s.ma.full() {
		return nil
	}
	above := state.Mid.GreaterThan(s.ma.mean())
	if !s.primed {
		s.primed = true
		s.wasAbove = above
		return nil
	}
	if above == s.wasAbove {
		return nil
	}
	s.wasAbove = above

	side := types.SELL
	if above {
		side = types.BUY
	}
	return []types.OrderIntent{aggressiveIntent(s.cfg, state, side)}
}

func (s *momentum) OnTrade(types.Trade) []types.OrderIntent { return nil }

// meanReversion trades against deviations from a longer moving average.
type meanReversion struct {
	cfg        config.BotConfig
	securityID string
	ma         movingAverage
}

func (s *meanReversion) Name() string { return "mean_reversion" }

func (s *meanReversion) OnTick(state types.MarketState) []types.OrderIntent {
	s.ma.push(state.Mid)
	if !s.ma.full() {
		return nil
	}
	mean := s.ma.mean()
	threshold := mean.Mul(decimal.NewFromFloat(meanRevThreshold))
	dev := state.Mid.Sub(mean)

	switch {
	case dev.GreaterThan(threshold):
		return []types.OrderIntent{aggressiveIntent(s.cfg, state, types.SELL)}
	case dev.LessThan(threshold.Neg()):
		return []types.OrderIntent{aggressiveIntent(s.cfg, state, types.BUY)}
	}
	return nil
}

func (s *meanReversion) OnTrade(types.Trade) []types.OrderIntent { return nil }

// randomTrader fires a market order on a coin flip with the configured
// per-tick probability. Useful as classroom noise flow.
type randomTrader struct {
	cfg        config.BotConfig
	securityID string
	rng        *rand.Rand
}

func (s *randomTrader) Name() string { return "random" }

func (s *randomTrader) OnTick(state types.MarketState) []types.OrderIntent {
	if s.rng.Float64() >= s.cfg.TradeFrequency {
		return nil
	}
	side := types.BUY
	if s.rng.Intn(2) == 0 {
		side = types.SELL
	}
	return []types.OrderIntent{{
		UserID:     s.cfg.UserID,
		SecurityID: state.SecurityID,
		Side:       side,
		Type:       types.Market,
		Quantity:   s.cfg.OrderSize,
	}}
}

func (s *randomTrader) OnTrade(types.Trade) []types.OrderIntent { return nil }

// aggressiveIntent converts aggressiveness into an order: 1 is a MARKET
// order; anything lower is a LIMIT placed between the mid and the touch,
// snapped toward the passive side so it rests unless the market comes to
// it.
func aggressiveIntent(cfg config.BotConfig, st types.MarketState, side types.Side) types.OrderIntent {
	in := types.OrderIntent{
		UserID:     cfg.UserID,
		SecurityID: st.SecurityID,
		Side:       side,
		Quantity:   cfg.OrderSize,
		TIF:        types.TIFDay,
	}
	if cfg.Aggressiveness >= 1 {
		in.Type = types.Market
		return in
	}

	k := decimal.NewFromFloat(cfg.Aggressiveness)
	in.Type = types.Limit
	if side == types.BUY {
		in.Price = snapDown(st.Mid.Add(st.Ask.Sub(st.Mid).Mul(k)), st.TickSize)
		if !in.Price.IsPositive() {
			in.Price = st.TickSize
		}
	} else {
		in.Price = snapUp(st.Mid.Sub(st.Mid.Sub(st.Bid).Mul(k)), st.TickSize)
	}
	return in
}

func snapDown(p, tickSize decimal.Decimal) decimal.Decimal {
	return p.Div(tickSize).Floor().Mul(tickSize)
}

func snapUp(p, tickSize decimal.Decimal) decimal.Decimal {
	return p.Div(tickSize).Ceil().Mul(tickSize)
}
