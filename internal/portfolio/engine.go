// Package portfolio tracks cash and positions for every participant in a
// session. All mutations are serialized: trades are applied synchronously
// by the matching worker, marks by the tick loop, both under one lock, so
// a risk check after ApplyTrades never sees stale cash.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"openoutcry/internal/bus"
	"openoutcry/internal/metrics"
	"openoutcry/pkg/types"
)

// account is one participant's cash and holdings.
type account struct {
	userID       string
	cash         decimal.Decimal
	startingCash decimal.Decimal
	positions    map[string]*types.Position
}

// Engine owns every portfolio of one session.
type Engine struct {
	logger    *slog.Logger
	sessionID string
	bus       *bus.Bus
	col       *metrics.Collector

	mu       sync.RWMutex
	accounts map[string]*account
	marks    map[string]decimal.Decimal
}

// NewEngine creates an empty portfolio engine for the session.
func NewEngine(logger *slog.Logger, sessionID string, b *bus.Bus) *Engine {
	return &Engine{
		logger:    logger.With("component", "portfolio", "session_id", sessionID),
		sessionID: sessionID,
		bus:       b,
		col:       metrics.GetCollector(),
		accounts:  make(map[string]*account),
		marks:     make(map[string]decimal.Decimal),
	}
}

// Run consumes market ticks for mark-to-market until the context is
// cancelled or the session's bus space closes. Trades do not pass through
// here; the matching worker applies them synchronously via ApplyTrades.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.bus.Subscribe(e.sessionID, 1024, bus.TopicMarket(e.sessionID))
	if err != nil {
		return fmt.Errorf("subscribe market topic: %w", err)
	}
	defer e.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			tick, ok := ev.Payload.(types.MarketTick)
			if !ok {
				continue
			}
			e.MarkToMarket(tick)
		}
	}
}

// CreateAccount registers a participant with starting cash. Creating an
// existing account is an error; the session layer resolves rejoins.
func (e *Engine) CreateAccount(userID string, startingCash decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.accounts[userID]; ok {
		return fmt.Errorf("account %s already exists", userID)
	}
	e.accounts[userID] = &account{
		userID:       userID,
		cash:         startingCash,
		startingCash: startingCash,
		positions:    make(map[string]*types.Position),
	}
	return nil
}

// HasAccount reports whether the user joined this session.
func (e *Engine) HasAccount(userID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.accounts[userID]
	return ok
}

// ApplyTrades applies a batch of executions. For each trade the buyer leg
// is applied before the seller leg. Emits one PositionUpdate per changed
// position and one PortfolioSummary per touched user, in that order.
func (e *Engine) ApplyTrades(trades []types.Trade) {
	if len(trades) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	touched := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	note := func(userID string) {
		if _, ok := seen[userID]; !ok {
			seen[userID] = struct{}{}
			touched = append(touched, userID)
		}
	}

	for _, t := range trades {
		e.applyLegLocked(t.BuyUserID, t.SecurityID, types.BUY, t.Price, t.Quantity)
		e.applyLegLocked(t.SellUserID, t.SecurityID, types.SELL, t.Price, t.Quantity)
		note(t.BuyUserID)
		note(t.SellUserID)
	}

	for _, userID := range touched {
		e.publishSummaryLocked(userID)
	}
}

func (e *Engine) applyLegLocked(userID, securityID string, side types.Side, price decimal.Decimal, qty int64) {
	a := e.accounts[userID]
	if a == nil {
		// The matching worker checks membership before accepting orders,
		// so this is an internal inconsistency, not a user error.
		e.logger.Error("trade for unknown account", "user_id", userID, "security_id", securityID)
		e.col.RecordInvariantViolation("trade_unknown_account")
		return
	}

	notional := price.Mul(decimal.NewFromInt(qty))
	if side == types.BUY {
		a.cash = a.cash.Sub(notional)
	} else {
		a.cash = a.cash.Add(notional)
	}

	pos := a.positions[securityID]
	if pos == nil {
		pos = &types.Position{
			SessionID:     e.sessionID,
			UserID:        userID,
			SecurityID:    securityID,
			AvgPrice:      decimal.Zero,
			RealizedPnL:   decimal.Zero,
			UnrealizedPnL: decimal.Zero,
			LastMarkPrice: e.marks[securityID],
		}
		a.positions[securityID] = pos
	}

	applyFill(pos, side, price, qty)
	markPosition(pos, pos.LastMarkPrice)

	e.bus.Publish(e.sessionID, bus.TopicPortfolio(e.sessionID, userID), types.KindPositionUpdate, *pos)
}

// MarkToMarket refreshes every position in the tick's security and emits
// a PnLUpdate per open position.
func (e *Engine) MarkToMarket(tick types.MarketTick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.marks[tick.SecurityID] = tick.Price

	userIDs := e.sortedUserIDsLocked()
	for _, userID := range userIDs {
		a := e.accounts[userID]
		pos, ok := a.positions[tick.SecurityID]
		if !ok {
			continue
		}
		markPosition(pos, tick.Price)
		if pos.Quantity == 0 {
			continue
		}
		e.bus.Publish(e.sessionID, bus.TopicPortfolio(e.sessionID, userID), types.KindPnLUpdate, types.PnLUpdate{
			SessionID:     e.sessionID,
			UserID:        userID,
			SecurityID:    tick.SecurityID,
			Quantity:      pos.Quantity,
			LastMarkPrice: pos.LastMarkPrice,
			UnrealizedPnL: pos.UnrealizedPnL,
		})
	}
}

// AdjustCash credits or debits a participant (instructor operation) and
// returns the new balance. Starting cash moves with it so conservation
// checks stay exact.
func (e *Engine) AdjustCash(userID string, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.accounts[userID]
	if a == nil {
		return decimal.Zero, fmt.Errorf("unknown account %s", userID)
	}
	a.cash = a.cash.Add(delta)
	a.startingCash = a.startingCash.Add(delta)
	e.logger.Info("cash adjusted", "user_id", userID, "delta", delta, "reason", reason)
	e.publishSummaryLocked(userID)
	return a.cash, nil
}

// RiskView returns the cash balance and signed position quantity the
// matching worker checks before accepting an order.
func (e *Engine) RiskView(userID, securityID string) (decimal.Decimal, int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a := e.accounts[userID]
	if a == nil {
		return decimal.Zero, 0, fmt.Errorf("unknown account %s", userID)
	}
	var qty int64
	if pos, ok := a.positions[securityID]; ok {
		qty = pos.Quantity
	}
	return a.cash, qty, nil
}

// Snapshot returns a copy of one user's portfolio, positions sorted by
// security.
func (e *Engine) Snapshot(userID string) (types.PortfolioSnapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a := e.accounts[userID]
	if a == nil {
		return types.PortfolioSnapshot{}, fmt.Errorf("unknown account %s", userID)
	}
	return e.snapshotLocked(a), nil
}

// Snapshots returns every portfolio, sorted by user ID. Used for the
// session-end report.
func (e *Engine) Snapshots() []types.PortfolioSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]types.PortfolioSnapshot, 0, len(e.accounts))
	for _, userID := range e.sortedUserIDsLocked() {
		out = append(out, e.snapshotLocked(e.accounts[userID]))
	}
	return out
}

func (e *Engine) snapshotLocked(a *account) types.PortfolioSnapshot {
	snap := types.PortfolioSnapshot{
		SessionID:    e.sessionID,
		UserID:       a.userID,
		Cash:         a.cash,
		StartingCash: a.startingCash,
		Positions:    make([]types.Position, 0, len(a.positions)),
	}
	for _, pos := range a.positions {
		snap.Positions = append(snap.Positions, *pos)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		return snap.Positions[i].SecurityID < snap.Positions[j].SecurityID
	})
	return snap
}

func (e *Engine) publishSummaryLocked(userID string) {
	a := e.accounts[userID]
	sum := types.PortfolioSummary{
		SessionID: e.sessionID,
		UserID:    userID,
		Cash:      a.cash,
		Equity:    a.cash,
	}
	for _, pos := range a.positions {
		sum.Equity = sum.Equity.Add(pos.MarkValue())
		sum.RealizedPnL = sum.RealizedPnL.Add(pos.RealizedPnL)
		sum.UnrealizedPnL = sum.UnrealizedPnL.Add(pos.UnrealizedPnL)
		if pos.Quantity != 0 {
			sum.PositionCount++
		}
	}
	e.bus.Publish(e.sessionID, bus.TopicPortfolio(e.sessionID, userID), types.KindPortfolioSummary, sum)
}

func (e *Engine) sortedUserIDsLocked() []string {
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CheckConservation verifies that total cash plus total mark value equals
// total starting cash. Decimal arithmetic keeps this exact: every trade
// moves cash between two accounts and position quantities sum to zero per
// security.
func (e *Engine) CheckConservation() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := decimal.Zero
	starting := decimal.Zero
	netQty := make(map[string]int64)
	for _, a := range e.accounts {
		total = total.Add(a.cash)
		starting = starting.Add(a.startingCash)
		for sec, pos := range a.positions {
			total = total.Add(pos.MarkValue())
			netQty[sec] += pos.Quantity
		}
	}

	for sec, q := range netQty {
		if q != 0 {
			e.col.RecordInvariantViolation("net_position")
			return fmt.Errorf("net position in %s is %d, want 0", sec, q)
		}
	}
	// Mark values cancel pairwise once net quantity is zero, so the
	// comparison below only holds when every security nets out.
	if !total.Equal(starting) {
		e.col.RecordInvariantViolation("cash_conservation")
		return fmt.Errorf("cash+mark %s != starting %s", total, starting)
	}
	return nil
}
