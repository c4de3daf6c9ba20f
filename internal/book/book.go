// Package book implements the per-security limit order book: price-time
// priority matching, time-in-force handling, stop-order holding, and
// read-only depth snapshots.
//
// The book is not safe for concurrent use. Each session's matching worker
// owns its books and is the only goroutine that touches them; everyone
// else sees copies via snapshots and events.
package book

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"openoutcry/pkg/types"
)

// Book is one security's order book. Bids descend by price, asks ascend;
// each level is a FIFO queue in submission-sequence order. STOP and
// STOP_LIMIT orders wait in a side structure keyed by stop price until a
// trade crosses them.
type Book struct {
	security types.Security

	bids *side
	asks *side

	stops *stopBook

	// resting limit orders by ID, for O(1) cancel
	orders map[uint64]*types.Order

	lastPrice decimal.Decimal
	hasTraded bool
	volume    int64
}

// New returns an empty book for the given security.
func New(sec types.Security) *Book {
	return &Book{
		security: sec,
		bids:     newSide(true),
		asks:     newSide(false),
		stops:    newStopBook(),
		orders:   make(map[uint64]*types.Order),
	}
}

// Security returns the instrument this book trades.
func (b *Book) Security() types.Security { return b.security }

// MatchResult is the outcome of one Submit call.
type MatchResult struct {
	// Trades in match order. ID, Seq and Timestamp are stamped by the
	// matching engine.
	Trades []types.Trade
	// Makers are the resting orders consumed by this submit, in match
	// order, with statuses already advanced.
	Makers []*types.Order
	// Rested is true when a residual was placed on a price ladder.
	Rested bool
	// Held is true when a stop order was accepted into the stop book.
	Held bool
	// Activated holds stop orders triggered by this submit's trades, in
	// trigger order. They queue for the caller's next matching cycle.
	Activated []*types.Order
	// Rejected carries NO_LIQUIDITY or FOK_INFEASIBLE; empty otherwise.
	Rejected types.RejectReason
}

// Validate checks price and quantity against the security definition.
// Returns RejectNone when the order is well formed.
func (b *Book) Validate(o *types.Order) types.RejectReason {
	if o.Quantity <= 0 || o.Quantity < b.security.MinQuantity {
		return types.RejectBadQuantity
	}
	if o.Type == types.Limit || o.Type == types.StopLimit {
		if !b.security.OnGrid(o.Price) {
			return types.RejectBadPrice
		}
	}
	if o.Type == types.Stop || o.Type == types.StopLimit {
		if !b.security.OnGrid(o.StopPrice) {
			return types.RejectBadPrice
		}
	}
	return types.RejectNone
}

// Submit matches the order against the opposite side and applies its
// time-in-force to the residual. The order must already be validated and
// carry its engine-assigned ID and Seq. Status transitions happen on o
// in place; maker orders touched by the match are updated the same way.
func (b *Book) Submit(o *types.Order) MatchResult {
	if o.Type == types.Stop || o.Type == types.StopLimit {
		o.Status = types.StatusNew
		b.stops.add(o)
		return MatchResult{Held: true}
	}

	if o.Type == types.Market && b.opposite(o.Side).len() == 0 {
		o.Status = types.StatusRejected
		o.Reason = types.RejectNoLiquidity
		return MatchResult{Rejected: types.RejectNoLiquidity}
	}

	// FOK stages a feasibility walk first; the book must stay untouched
	// on rejection.
	if o.TIF == types.TIFFOK && !b.fokFeasible(o) {
		o.Status = types.StatusRejected
		o.Reason = types.RejectFOKInfeasible
		return MatchResult{Rejected: types.RejectFOKInfeasible}
	}

	trades, makers := b.match(o)
	res := MatchResult{Trades: trades, Makers: makers}

	switch {
	case o.RemainingQuantity == 0:
		o.Status = types.StatusFilled
	case o.Type == types.Limit && (o.TIF == types.TIFDay || o.TIF == types.TIFGTC):
		b.rest(o)
		res.Rested = true
		if len(trades) > 0 {
			o.Status = types.StatusPartial
		} else {
			o.Status = types.StatusNew
		}
	default:
		// MARKET and IOC residuals never rest
		o.Status = types.StatusCancelled
	}

	// Stop activation: one pass per trade; activations do not re-trigger
	// within this submit, they queue for the next cycle.
	for i := range trades {
		res.Activated = append(res.Activated, b.stops.triggered(trades[i].Price)...)
	}

	return res
}

// match walks the opposite side best-first, consuming resting orders FIFO
// at each crossing level. Every trade executes at the resting order's
// price.
func (b *Book) match(o *types.Order) ([]types.Trade, []*types.Order) {
	opp := b.opposite(o.Side)
	var trades []types.Trade
	var makers []*types.Order

	for o.RemainingQuantity > 0 {
		lvl := opp.best()
		if lvl == nil {
			break
		}
		if o.Type == types.Limit && !crosses(o.Side, o.Price, lvl.price) {
			break
		}

		for o.RemainingQuantity > 0 && !lvl.empty() {
			maker := lvl.orders[0]
			qty := min(o.RemainingQuantity, maker.RemainingQuantity)

			trades = append(trades, b.makeTrade(o, maker, lvl.price, qty))
			makers = append(makers, maker)

			o.RemainingQuantity -= qty
			maker.RemainingQuantity -= qty
			lvl.qty -= qty

			if maker.RemainingQuantity == 0 {
				maker.Status = types.StatusFilled
				lvl.orders = lvl.orders[1:]
				delete(b.orders, maker.ID)
			} else {
				maker.Status = types.StatusPartial
			}

			b.lastPrice = lvl.price
			b.hasTraded = true
			b.volume += qty
		}

		if lvl.empty() {
			opp.removeLevel(lvl.price)
		}
	}

	if o.RemainingQuantity > 0 && o.RemainingQuantity < o.Quantity {
		o.Status = types.StatusPartial
	}
	return trades, makers
}

// fokFeasible reports whether the book can fully fill o at submit without
// mutating anything.
func (b *Book) fokFeasible(o *types.Order) bool {
	need := o.RemainingQuantity
	b.opposite(o.Side).iterate(func(lvl *level) bool {
		if o.Type == types.Limit && !crosses(o.Side, o.Price, lvl.price) {
			return false
		}
		need -= lvl.qty
		return need > 0
	})
	return need <= 0
}

// DepthCost prices a hypothetical crossing of qty against displayed depth
// on the opposite side. ok is false when displayed liquidity cannot cover
// qty, in which case the order cannot be priced.
func (b *Book) DepthCost(s types.Side, qty int64) (decimal.Decimal, bool) {
	cost := decimal.Zero
	need := qty
	b.opposite(s).iterate(func(lvl *level) bool {
		take := min(need, lvl.qty)
		cost = cost.Add(lvl.price.Mul(decimal.NewFromInt(take)))
		need -= take
		return need > 0
	})
	return cost, need <= 0
}

// Find returns the live order with the given ID, resting or held as a
// stop, or nil. The caller must not mutate it.
func (b *Book) Find(orderID uint64) *types.Order {
	if o, ok := b.orders[orderID]; ok {
		return o
	}
	return b.stops.find(orderID)
}

// Cancel removes a resting or stop order. Returns the order with status
// CANCELLED, or nil when the ID is unknown or already terminal; callers
// treat nil as a successful no-op.
func (b *Book) Cancel(orderID uint64) *types.Order {
	if o, ok := b.orders[orderID]; ok {
		b.unrest(o)
		o.Status = types.StatusCancelled
		return o
	}
	if o := b.stops.remove(orderID); o != nil {
		o.Status = types.StatusCancelled
		return o
	}
	return nil
}

// ExpireDay removes every DAY order, resting and stop alike, marking them
// EXPIRED. Called at each dayEnd.
func (b *Book) ExpireDay() []*types.Order {
	var expired []*types.Order
	for _, o := range b.restingOrders() {
		if o.TIF != types.TIFDay {
			continue
		}
		b.unrest(o)
		o.Status = types.StatusExpired
		expired = append(expired, o)
	}
	for _, o := range b.stops.all() {
		if o.TIF != types.TIFDay {
			continue
		}
		b.stops.remove(o.ID)
		o.Status = types.StatusExpired
		expired = append(expired, o)
	}
	return expired
}

// CancelAll removes every order from the book, marking them CANCELLED.
// Called at session end.
func (b *Book) CancelAll() []*types.Order {
	var cancelled []*types.Order
	for _, o := range b.restingOrders() {
		b.unrest(o)
		o.Status = types.StatusCancelled
		cancelled = append(cancelled, o)
	}
	for _, o := range b.stops.all() {
		b.stops.remove(o.ID)
		o.Status = types.StatusCancelled
		cancelled = append(cancelled, o)
	}
	return cancelled
}

// Snapshot returns a depth view up to depth levels per side; depth <= 0
// means all levels. Seq is left for the engine to stamp.
func (b *Book) Snapshot(depth int) types.BookSnapshot {
	snap := types.BookSnapshot{
		SecurityID: b.security.ID,
		Bids:       b.levels(b.bids, depth),
		Asks:       b.levels(b.asks, depth),
		Volume:     b.volume,
	}
	if b.hasTraded {
		snap.LastPrice = b.lastPrice
	}
	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		snap.Spread = snap.Asks[0].Price.Sub(snap.Bids[0].Price)
	}
	return snap
}

// LastPrice returns the last trade price; ok is false before the first
// trade.
func (b *Book) LastPrice() (decimal.Decimal, bool) {
	return b.lastPrice, b.hasTraded
}

// Volume returns the cumulative traded quantity.
func (b *Book) Volume() int64 { return b.volume }

// BestBid returns the top bid price, if any.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	if lvl := b.bids.best(); lvl != nil {
		return lvl.price, true
	}
	return decimal.Zero, false
}

// BestAsk returns the top ask price, if any.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	if lvl := b.asks.best(); lvl != nil {
		return lvl.price, true
	}
	return decimal.Zero, false
}

// RestingCount returns resting ladder orders plus held stops.
func (b *Book) RestingCount() int { return len(b.orders) + b.stops.len() }

// CheckInvariants verifies internal consistency: every resting order has
// positive remaining quantity and a live status, level totals match their
// queues, and the ID index agrees with the ladders. Used by tests and the
// engine's diagnostics path.
func (b *Book) CheckInvariants() error {
	seen := 0
	var err error
	walk := func(s *side, name string) {
		s.iterate(func(lvl *level) bool {
			var sum int64
			for _, o := range lvl.orders {
				seen++
				if o.RemainingQuantity <= 0 {
					err = fmt.Errorf("%s order %d rests with remaining %d", name, o.ID, o.RemainingQuantity)
					return false
				}
				if o.Status != types.StatusNew && o.Status != types.StatusPartial {
					err = fmt.Errorf("%s order %d rests with status %s", name, o.ID, o.Status)
					return false
				}
				if _, ok := b.orders[o.ID]; !ok {
					err = fmt.Errorf("%s order %d missing from index", name, o.ID)
					return false
				}
				sum += o.RemainingQuantity
			}
			if sum != lvl.qty {
				err = fmt.Errorf("%s level %s total %d, orders sum %d", name, lvl.price, lvl.qty, sum)
				return false
			}
			return true
		})
	}
	walk(b.bids, "bid")
	if err != nil {
		return err
	}
	walk(b.asks, "ask")
	if err != nil {
		return err
	}
	if seen != len(b.orders) {
		return fmt.Errorf("index holds %d orders, ladders hold %d", len(b.orders), seen)
	}
	return nil
}

func (b *Book) sideOf(s types.Side) *side {
	if s == types.BUY {
		return b.bids
	}
	return b.asks
}

func (b *Book) opposite(s types.Side) *side {
	if s == types.BUY {
		return b.asks
	}
	return b.bids
}

func (b *Book) rest(o *types.Order) {
	b.sideOf(o.Side).getOrCreate(o.Price).add(o)
	b.orders[o.ID] = o
}

func (b *Book) unrest(o *types.Order) {
	s := b.sideOf(o.Side)
	if lvl := s.get(o.Price); lvl != nil {
		lvl.remove(o.ID)
		if lvl.empty() {
			s.removeLevel(o.Price)
		}
	}
	delete(b.orders, o.ID)
}

// restingOrders returns ladder orders sorted by ID so removal passes emit
// in submission order.
func (b *Book) restingOrders() []*types.Order {
	out := make([]*types.Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Book) levels(s *side, depth int) []types.BookLevel {
	out := make([]types.BookLevel, 0, max(depth, 0))
	s.iterate(func(lvl *level) bool {
		out = append(out, types.BookLevel{
			Price:         lvl.price,
			TotalQuantity: lvl.qty,
			OrderCount:    len(lvl.orders),
		})
		return depth <= 0 || len(out) < depth
	})
	return out
}

func (b *Book) makeTrade(aggressor, maker *types.Order, price decimal.Decimal, qty int64) types.Trade {
	t := types.Trade{
		SessionID:  aggressor.SessionID,
		SecurityID: b.security.ID,
		Price:      price,
		Quantity:   qty,
		Aggressor:  aggressor.Side,
	}
	if aggressor.Side == types.BUY {
		t.BuyOrderID, t.BuyUserID = aggressor.ID, aggressor.UserID
		t.SellOrderID, t.SellUserID = maker.ID, maker.UserID
	} else {
		t.BuyOrderID, t.BuyUserID = maker.ID, maker.UserID
		t.SellOrderID, t.SellUserID = aggressor.ID, aggressor.UserID
	}
	return t
}

// crosses reports whether a limit price crosses a level on the opposite
// side: a BUY crosses asks at or below its limit, a SELL crosses bids at
// or above.
func crosses(s types.Side, limit, levelPrice decimal.Decimal) bool {
	if s == types.BUY {
		return limit.GreaterThanOrEqual(levelPrice)
	}
	return limit.LessThanOrEqual(levelPrice)
}
