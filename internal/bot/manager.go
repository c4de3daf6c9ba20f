package bot

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"openoutcry/internal/bus"
	"openoutcry/internal/config"
	"openoutcry/pkg/types"
)

// Trader is the slice of the matching engine bots trade through.
type Trader interface {
	Submit(intent types.OrderIntent, deadline time.Time) types.SubmitResult
	Cancel(orderID uint64, userID string) bool
}

// PositionSource reads a bot's cash and position for clamping and skew.
type PositionSource interface {
	RiskView(userID, securityID string) (decimal.Decimal, int64, error)
}

// bot couples one strategy with its live quote bookkeeping. resting maps
// side → order ID of the bot's single outstanding LIMIT on that side.
type bot struct {
	cfg     config.BotConfig
	secID   string
	strat   Strategy
	resting map[types.Side]uint64
}

// Manager drives every configured strategy off the session's market
// ticks and trades. It enforces position limits (silently dropping or
// shrinking intents that would breach max_position) and keeps at most
// one resting LIMIT per bot per side, cancelling the stale one before
// submitting a replacement.
type Manager struct {
	logger    *slog.Logger
	sessionID string
	bus       *bus.Bus
	trader    Trader
	pf        PositionSource
	bots      []*bot
	ticksize  map[string]decimal.Decimal
	symbols   map[string]string
}

// NewManager resolves each bot's symbol against the session's securities
// and builds its strategy. Bot rngs derive from the session seed so runs
// reproduce.
func NewManager(logger *slog.Logger, sessionID string, seed int64, cfgs []config.BotConfig,
	securities []types.Security, b *bus.Bus, trader Trader, pf PositionSource) (*Manager, error) {

	bySymbol := make(map[string]types.Security, len(securities))
	for _, sec := range securities {
		bySymbol[sec.Symbol] = sec
	}

	m := &Manager{
		logger:    logger.With("component", "bots", "session_id", sessionID),
		sessionID: sessionID,
		bus:       b,
		trader:    trader,
		pf:        pf,
		ticksize:  make(map[string]decimal.Decimal, len(securities)),
		symbols:   make(map[string]string, len(securities)),
	}
	for _, sec := range securities {
		m.ticksize[sec.ID] = sec.TickSize
		m.symbols[sec.ID] = sec.Symbol
	}

	for i, cfg := range cfgs {
		sec, ok := bySymbol[cfg.Symbol]
		if !ok {
			return nil, fmt.Errorf("bot %s: unknown symbol %q", cfg.UserID, cfg.Symbol)
		}
		rng := rand.New(rand.NewSource(seed + int64(i) + 1))
		strat, err := NewStrategy(cfg, sec.ID, rng)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", cfg.UserID, err)
		}
		m.bots = append(m.bots, &bot{
			cfg:     cfg,
			secID:   sec.ID,
			strat:   strat,
			resting: make(map[types.Side]uint64),
		})
	}
	return m, nil
}

// Users returns the user IDs of all hosted bots, for account creation.
func (m *Manager) Users() []string {
	out := make([]string, 0, len(m.bots))
	for _, bt := range m.bots {
		out = append(out, bt.cfg.UserID)
	}
	return out
}

// Run consumes market ticks and trades until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.bots) == 0 {
		m.logger.Info("no bots configured")
		<-ctx.Done()
		return nil
	}

	sub, err := m.bus.Subscribe(m.sessionID, 1024,
		bus.TopicMarket(m.sessionID), bus.TopicTrades(m.sessionID))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer m.bus.Unsubscribe(sub)

	m.logger.Info("bot manager started", "bots", len(m.bots))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("bot manager stopped")
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			switch p := ev.Payload.(type) {
			case types.MarketTick:
				m.onTick(p)
			case types.Trade:
				m.onTrade(p)
			}
		}
	}
}

func (m *Manager) onTick(tick types.MarketTick) {
	two := decimal.NewFromInt(2)
	state := types.MarketState{
		SecurityID: tick.SecurityID,
		Symbol:     m.symbols[tick.SecurityID],
		Day:        tick.Day,
		TickInDay:  tick.TickInDay,
		Mid:        tick.Bid.Add(tick.Ask).Div(two),
		Bid:        tick.Bid,
		Ask:        tick.Ask,
		Last:       tick.Price,
		TickSize:   m.ticksize[tick.SecurityID],
		Volume:     tick.Volume,
	}

	for _, bt := range m.bots {
		if bt.secID != tick.SecurityID {
			continue
		}
		pos := m.position(bt)
		state.Position = pos
		m.execute(bt, bt.strat.OnTick(state), pos)
	}
}

func (m *Manager) onTrade(trade types.Trade) {
	for _, bt := range m.bots {
		if bt.secID != trade.SecurityID {
			continue
		}
		intents := bt.strat.OnTrade(trade)
		if len(intents) == 0 {
			continue
		}
		m.execute(bt, intents, m.position(bt))
	}
}

func (m *Manager) position(bt *bot) int64 {
	_, pos, err := m.pf.RiskView(bt.cfg.UserID, bt.secID)
	if err != nil {
		m.logger.Warn("position lookup failed", "user_id", bt.cfg.UserID, "error", err)
		return 0
	}
	return pos
}

// execute clamps and submits one batch of intents. projected tracks the
// worst-case position assuming every prior intent in the batch fills, so
// a two-sided quote pair cannot breach the limit in combination.
func (m *Manager) execute(bt *bot, intents []types.OrderIntent, position int64) {
	projected := position
	for _, in := range intents {
		in.UserID = bt.cfg.UserID
		clamped, ok := clampIntent(in, projected, bt.cfg.MaxPosition)
		if !ok {
			m.logger.Debug("intent clamped away",
				"user_id", bt.cfg.UserID, "side", in.Side, "position", projected)
			continue
		}

		if clamped.Type == types.Limit {
			if prev := bt.resting[clamped.Side]; prev != 0 {
				m.trader.Cancel(prev, bt.cfg.UserID)
				bt.resting[clamped.Side] = 0
			}
		}

		res := m.trader.Submit(clamped, time.Time{})
		switch res.Status {
		case types.StatusNew, types.StatusPartial:
			if clamped.Type == types.Limit {
				bt.resting[clamped.Side] = res.OrderID
			}
		case types.StatusRejected:
			m.logger.Debug("bot order rejected",
				"user_id", bt.cfg.UserID, "reason", res.Reason)
		}

		if clamped.Side == types.BUY {
			projected += clamped.Quantity
		} else {
			projected -= clamped.Quantity
		}
	}
}

// clampIntent shrinks qty so |position after a full fill| stays within
// maxPos; an intent with no headroom is dropped. Rejections here are
// silent to clients.
func clampIntent(in types.OrderIntent, position, maxPos int64) (types.OrderIntent, bool) {
	var headroom int64
	if in.Side == types.BUY {
		headroom = maxPos - position
	} else {
		headroom = maxPos + position
	}
	if headroom <= 0 {
		return in, false
	}
	if in.Quantity > headroom {
		in.Quantity = headroom
	}
	return in, true
}
