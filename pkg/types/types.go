// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the exchange: sides, order
// types, time-in-force, order and trade records, book snapshots, portfolio
// views, and the event envelope carried by the bus and the journal. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() int64 {
	if s == BUY {
		return 1
	}
	return -1
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market    OrderType = "MARKET"     // cross as far as liquidity allows, never rests
	Limit     OrderType = "LIMIT"      // cross up to the limit price, residual may rest
	Stop      OrderType = "STOP"       // converts to MARKET when last price crosses stop price
	StopLimit OrderType = "STOP_LIMIT" // converts to LIMIT when last price crosses stop price
)

// TimeInForce controls the disposition of the unfilled residual.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY" // rest; auto-expire at end of the current trading day
	TIFGTC TimeInForce = "GTC" // rest; persist across days until session end
	TIFIOC TimeInForce = "IOC" // cancel residual; partial fills allowed
	TIFFOK TimeInForce = "FOK" // fill entirely at submit or reject; no partials
)

// OrderStatus is the lifecycle state of an order.
//
// NEW → PARTIAL → FILLED, NEW → CANCELLED|REJECTED,
// NEW|PARTIAL → EXPIRED (day end for DAY), PARTIAL → FILLED.
type OrderStatus string

const (
	StatusNew       OrderStatus = "NEW"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether an order in this status can never change again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// RejectReason is the sub-kind attached to REJECTED orders and to
// submission errors surfaced to clients.
type RejectReason string

const (
	RejectNone                 RejectReason = ""
	RejectBadPrice             RejectReason = "BAD_PRICE"             // non-positive or off the tick grid
	RejectBadQuantity          RejectReason = "BAD_QUANTITY"          // non-positive or below minimum
	RejectMarketClosed         RejectReason = "MARKET_CLOSED"         // session not running or market gated
	RejectNoLiquidity          RejectReason = "NO_LIQUIDITY"          // MARKET order cannot be priced
	RejectInsufficientFunds    RejectReason = "INSUFFICIENT_FUNDS"    // BUY cost exceeds cash
	RejectInsufficientPosition RejectReason = "INSUFFICIENT_POSITION" // SELL beyond position, shorting off
	RejectFOKInfeasible        RejectReason = "FOK_INFEASIBLE"        // book cannot fully fill at submit
	RejectUnknownSecurity      RejectReason = "UNKNOWN_SECURITY"
	RejectTimedOut             RejectReason = "TIMED_OUT"     // deadline elapsed while queued
	RejectBusy                 RejectReason = "BUSY"          // submission queue saturated, retryable
	RejectSessionEnded         RejectReason = "SESSION_ENDED" // session ended while waiting
	RejectInternal             RejectReason = "INTERNAL"      // invariant violation, opaque to clients
)

// SessionState is the lifecycle state of a trading session.
type SessionState string

const (
	SessionCreated SessionState = "CREATED"
	SessionWaiting SessionState = "WAITING"
	SessionRunning SessionState = "RUNNING"
	SessionPaused  SessionState = "PAUSED"
	SessionEnded   SessionState = "ENDED"
)

// ————————————————————————————————————————————————————————————————————————
// Securities
// ————————————————————————————————————————————————————————————————————————

// Security describes one tradeable instrument. Immutable after session
// creation.
type Security struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	MinQuantity int64           `json:"min_quantity"`
}

// OnGrid reports whether p is positive and a whole multiple of the tick size.
func (s Security) OnGrid(p decimal.Decimal) bool {
	if !p.IsPositive() || !s.TickSize.IsPositive() {
		return false
	}
	return p.Mod(s.TickSize).IsZero()
}

// SnapDown rounds p down to the nearest tick.
func (s Security) SnapDown(p decimal.Decimal) decimal.Decimal {
	if !s.TickSize.IsPositive() {
		return p
	}
	return p.Div(s.TickSize).Floor().Mul(s.TickSize)
}

// SnapUp rounds p up to the nearest tick.
func (s Security) SnapUp(p decimal.Decimal) decimal.Decimal {
	if !s.TickSize.IsPositive() {
		return p
	}
	return p.Div(s.TickSize).Ceil().Mul(s.TickSize)
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

// Order is the full order record. Owned exclusively by the matching engine
// of its session; other components see copies via events and snapshots.
// Price is zero for MARKET orders; StopPrice is set only for STOP and
// STOP_LIMIT orders.
type Order struct {
	ID                uint64          `json:"id"`
	SessionID         string          `json:"session_id"`
	UserID            string          `json:"user_id"`
	SecurityID        string          `json:"security_id"`
	Side              Side            `json:"side"`
	Type              OrderType       `json:"type"`
	Quantity          int64           `json:"quantity"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	Price             decimal.Decimal `json:"price"`
	StopPrice         decimal.Decimal `json:"stop_price"`
	TIF               TimeInForce     `json:"tif"`
	Status            OrderStatus     `json:"status"`
	Reason            RejectReason    `json:"reason,omitempty"`
	SubmittedAt       time.Time       `json:"submitted_at"`
	Seq               uint64          `json:"seq"`
}

// FilledQuantity returns how much of the order has executed.
func (o Order) FilledQuantity() int64 {
	return o.Quantity - o.RemainingQuantity
}

// Trade records one match between an aggressor and a resting order.
// Immutable once created. Price is always the resting (maker) order's
// price for LIMIT makers.
type Trade struct {
	ID          uint64          `json:"id"`
	SessionID   string          `json:"session_id"`
	SecurityID  string          `json:"security_id"`
	BuyOrderID  uint64          `json:"buy_order_id"`
	SellOrderID uint64          `json:"sell_order_id"`
	BuyUserID   string          `json:"buy_user_id"`
	SellUserID  string          `json:"sell_user_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	Aggressor   Side            `json:"aggressor"`
	Timestamp   time.Time       `json:"timestamp"`
	Seq         uint64          `json:"seq"`
}

// Notional returns price × quantity.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// ————————————————————————————————————————————————————————————————————————
// Book views
// ————————————————————————————————————————————————————————————————————————

// BookLevel is one aggregated price level of a book side.
type BookLevel struct {
	Price         decimal.Decimal `json:"price"`
	TotalQuantity int64           `json:"total_quantity"`
	OrderCount    int             `json:"order_count"`
}

// BookSnapshot is a point-in-time depth view of one security's book.
// Bids descend by price, asks ascend. LastPrice is zero until the first
// trade; Spread is zero unless both sides are quoted.
type BookSnapshot struct {
	SecurityID string          `json:"security_id"`
	Bids       []BookLevel     `json:"bids"`
	Asks       []BookLevel     `json:"asks"`
	LastPrice  decimal.Decimal `json:"last_price"`
	Spread     decimal.Decimal `json:"spread"`
	Volume     int64           `json:"volume"`
	Seq        uint64          `json:"seq"`
}

// BestBid returns the top bid level, if any.
func (b BookSnapshot) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// ————————————————————————————————————————————————————————————————————————
// Portfolios
// ————————————————————————————————————————————————————————————————————————

// Position tracks one user's holding in one security. Quantity is signed
// (negative = short). The record survives at zero quantity so realized
// P&L is preserved for the session report.
type Position struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	SecurityID    string          `json:"security_id"`
	Quantity      int64           `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	LastMarkPrice decimal.Decimal `json:"last_mark_price"`
}

// MarkValue returns quantity × last mark price (signed).
func (p Position) MarkValue() decimal.Decimal {
	return p.LastMarkPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// PortfolioSnapshot is a read-only copy of one user's cash and positions.
type PortfolioSnapshot struct {
	SessionID    string          `json:"session_id"`
	UserID       string          `json:"user_id"`
	Cash         decimal.Decimal `json:"cash"`
	StartingCash decimal.Decimal `json:"starting_cash"`
	Positions    []Position      `json:"positions"`
}

// Equity returns cash plus the mark value of all positions.
func (p PortfolioSnapshot) Equity() decimal.Decimal {
	eq := p.Cash
	for _, pos := range p.Positions {
		eq = eq.Add(pos.MarkValue())
	}
	return eq
}

// PortfolioSummary is the compact per-user rollup emitted after each fill
// batch and cash adjustment.
type PortfolioSummary struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	Cash          decimal.Decimal `json:"cash"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	PositionCount int             `json:"position_count"`
}

// PnLUpdate is emitted on each mark-to-market pass for one position.
type PnLUpdate struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	SecurityID    string          `json:"security_id"`
	Quantity      int64           `json:"quantity"`
	LastMarkPrice decimal.Decimal `json:"last_mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketTick is one step of the simulated market for one security.
// Price is the last trade price when the security has traded, otherwise
// the simulated mid.
type MarketTick struct {
	SessionID  string          `json:"session_id"`
	SecurityID string          `json:"security_id"`
	Day        int             `json:"day"`
	TickInDay  int             `json:"tick_in_day"`
	Price      decimal.Decimal `json:"price"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Volume     int64           `json:"volume"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewsEvent is a one-shot drift shock with a headline for display.
// ImpactSign is +1 or -1; Severity scales the shock.
type NewsEvent struct {
	SessionID  string   `json:"session_id"`
	Day        int      `json:"day"`
	Headline   string   `json:"headline"`
	Symbols    []string `json:"symbols"`
	ImpactSign int      `json:"impact_sign"`
	Severity   float64  `json:"severity"`
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// EventKind discriminates the payload of an Event.
type EventKind string

const (
	KindTrade            EventKind = "Trade"
	KindBookUpdate       EventKind = "BookUpdate"
	KindOrderUpdate      EventKind = "OrderUpdate"
	KindPositionUpdate   EventKind = "PositionUpdate"
	KindPortfolioSummary EventKind = "PortfolioSummary"
	KindPnLUpdate        EventKind = "PnLUpdate"
	KindMarketTick       EventKind = "MarketTick"
	KindNews             EventKind = "News"
	KindLifecycle        EventKind = "Lifecycle"
	KindLag              EventKind = "Lag"
)

// Event is the envelope every bus message and journal record carries.
// Seq is monotonic per session and assigned at publish; causal order of
// events within one session is the order of their Seq values.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`
	Payload   any       `json:"payload"`
}

// LifecycleEvent marks session state changes, calendar boundaries, and
// roster changes. Stage is one of the Stage* constants; Day is meaningful
// for the calendar stages; UserID and Amount are set for the roster and
// cash stages so the journal alone suffices to rebuild portfolios.
type LifecycleEvent struct {
	SessionID string          `json:"session_id"`
	Stage     string          `json:"stage"`
	State     SessionState    `json:"state,omitempty"`
	Day       int             `json:"day,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

// Lifecycle stages.
const (
	StageState      = "state"       // session FSM transition; State carries the new state
	StageDayStart   = "day_start"   // start of a virtual trading day
	StageDayEnd     = "day_end"     // end of a virtual trading day; DAY orders expire
	StageSimEnded   = "sim_ended"   // simulator finished the last day
	StageJoined     = "joined"      // participant joined; Amount is starting cash
	StageCashAdjust = "cash_adjust" // instructor cash adjustment; Amount is the delta
)

// LagMarker tells a slow subscriber that messages were dropped from the
// tail of its buffer and it should resync from a snapshot.
type LagMarker struct {
	Topic   string `json:"topic"`
	Dropped uint64 `json:"dropped"`
}

// ————————————————————————————————————————————————————————————————————————
// Commands
// ————————————————————————————————————————————————————————————————————————

// OrderIntent is a strategy's or client's wish to trade, before the
// matching engine assigns identity and sequence.
type OrderIntent struct {
	UserID     string          `json:"user_id"`
	SecurityID string          `json:"security_id"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	TIF        TimeInForce     `json:"tif"`
}

// SubmitResult is the synchronous outcome of submit_order: the assigned
// order ID, the status after matching, and any immediate fills.
type SubmitResult struct {
	OrderID uint64       `json:"order_id"`
	Status  OrderStatus  `json:"status"`
	Reason  RejectReason `json:"reason,omitempty"`
	Fills   []Trade      `json:"fills"`
}

// MarketState is the per-security view handed to bot strategies on each
// tick. Position is the strategy owner's own signed position.
type MarketState struct {
	SecurityID string
	Symbol     string
	Day        int
	TickInDay  int
	Mid        decimal.Decimal
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
	TickSize   decimal.Decimal
	Volume     int64
	Position   int64
}

// ————————————————————————————————————————————————————————————————————————
// Collaborator interfaces
// ————————————————————————————————————————————————————————————————————————

// Clock abstracts wall time so the simulator and engine deadlines can run
// against a fake clock in tests.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the real-time Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
