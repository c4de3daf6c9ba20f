package bot

import (
	"github.com/shopspring/decimal"

	"openoutcry/internal/config"
	"openoutcry/pkg/types"
)

// marketMaker keeps a symmetric LIMIT pair around the mid. It re-quotes
// when the mid has moved more than repriceTicks ticks since the last
// quote; the manager cancels the stale pair when the new one arrives.
//
// The same machine serves two built-ins: "market_maker" re-quotes every
// tick move and skews against inventory, "liquidity_provider" quotes a
// wider pair, refreshes only on large moves, and never skews.
type marketMaker struct {
	cfg          config.BotConfig
	securityID   string
	name         string
	repriceTicks int64
	spreadFactor int64
	skew         bool

	lastMid decimal.Decimal
	quoted  bool
}

func (s *marketMaker) Name() string {
	if s.name != "" {
		return s.name
	}
	return "market_maker"
}

func (s *marketMaker) OnTick(state types.MarketState) []types.OrderIntent {
	moved := state.Mid.Sub(s.lastMid).Abs()
	if s.quoted && moved.LessThanOrEqual(state.TickSize.Mul(decimal.NewFromInt(s.repriceTicks))) {
		return nil
	}
	s.lastMid = state.Mid
	s.quoted = true

	// Match the prevailing half-spread, floored at one tick, scaled for
	// the wider liquidity-provider variant.
	half := state.Ask.Sub(state.Bid).Div(decimal.NewFromInt(2))
	if half.LessThan(state.TickSize) {
		half = state.TickSize
	}
	half = half.Mul(decimal.NewFromInt(s.spreadFactor))

	bid := snapDown(state.Mid.Sub(half), state.TickSize)
	ask := snapUp(state.Mid.Add(half), state.TickSize)

	if s.skew {
		// Long past half the limit: shift both quotes down a tick to
		// attract buyers and stop accumulating. Mirror when short.
		threshold := s.cfg.MaxPosition / 2
		switch {
		case state.Position > threshold:
			bid = bid.Sub(state.TickSize)
			ask = ask.Sub(state.TickSize)
		case state.Position < -threshold:
			bid = bid.Add(state.TickSize)
			ask = ask.Add(state.TickSize)
		}
	}

	if !bid.IsPositive() {
		bid = state.TickSize
	}
	if !ask.GreaterThan(bid) {
		ask = bid.Add(state.TickSize)
	}

	return []types.OrderIntent{
		{
			UserID: s.cfg.UserID, SecurityID: state.SecurityID, Side: types.BUY,
			Type: types.Limit, Quantity: s.cfg.OrderSize, Price: bid, TIF: types.TIFDay,
		},
		{
			UserID: s.cfg.UserID, SecurityID: state.SecurityID, Side: types.SELL,
			Type: types.Limit, Quantity: s.cfg.OrderSize, Price: ask, TIF: types.TIFDay,
		},
	}
}

func (s *marketMaker) OnTrade(types.Trade) []types.OrderIntent { return nil }
