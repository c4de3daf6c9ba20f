// Package match runs the per-session matching worker. All submissions,
// cancellations, and simulator-injected liquidity pass through one bounded
// queue consumed by a single goroutine; that serialization is the only
// thing keeping the books consistent, so nothing here takes a lock around
// book state.
//
// One engine counter stamps both orders and trades, so the seq on any two
// records orders them causally. Price-time priority inside the book then
// decomposes into price-seq priority.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"openoutcry/internal/book"
	"openoutcry/internal/bus"
	"openoutcry/internal/metrics"
	"openoutcry/internal/portfolio"
	"openoutcry/pkg/types"
)

// DefaultQueueSize bounds the submission queue when the config does not.
const DefaultQueueSize = 4096

// Config carries the per-session knobs the worker needs.
type Config struct {
	SessionID  string
	Securities []types.Security
	AllowShort bool
	QueueSize  int
}

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdCancel
	cmdOpenMarket
	cmdCloseMarket
	cmdExpireDay
	cmdCancelAll
)

type command struct {
	kind      cmdKind
	intent    types.OrderIntent
	liquidity bool
	deadline  time.Time
	orderID   uint64
	userID    string
	reply     chan types.SubmitResult
	ack       chan int
}

// Engine is one session's matching worker.
type Engine struct {
	logger *slog.Logger
	cfg    Config
	clock  types.Clock
	bus    *bus.Bus
	pf     *portfolio.Engine
	col    *metrics.Collector

	cmds    chan command
	stopped chan struct{}
	paused  atomic.Bool

	// Worker-owned. Only the run loop touches these.
	secIDs     []string
	books      map[string]*book.Book
	pending    []*types.Order
	marketOpen bool
	seq        uint64
	lastOrder  uint64
	lastTrade  uint64

	snapMu sync.RWMutex
	snaps  map[string]types.BookSnapshot
}

// New builds the worker with one empty book per security. Run must be
// called before submissions complete.
func New(logger *slog.Logger, cfg Config, clock types.Clock, b *bus.Bus, pf *portfolio.Engine) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	e := &Engine{
		logger:  logger.With("component", "match", "session_id", cfg.SessionID),
		cfg:     cfg,
		clock:   clock,
		bus:     b,
		pf:      pf,
		col:     metrics.GetCollector(),
		cmds:    make(chan command, cfg.QueueSize),
		stopped: make(chan struct{}),
		books:   make(map[string]*book.Book, len(cfg.Securities)),
		snaps:   make(map[string]types.BookSnapshot, len(cfg.Securities)),
	}
	for _, sec := range cfg.Securities {
		e.secIDs = append(e.secIDs, sec.ID)
		e.books[sec.ID] = book.New(sec)
		e.snaps[sec.ID] = e.books[sec.ID].Snapshot(0)
	}
	return e
}

// Securities returns the instruments this session trades.
func (e *Engine) Securities() []types.Security {
	out := make([]types.Security, 0, len(e.secIDs))
	for _, id := range e.secIDs {
		out = append(out, e.books[id].Security())
	}
	return out
}

// Run consumes the submission queue until the context is cancelled.
// Waiters blocked on replies are released with SESSION_ENDED when it
// returns.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.logger.Info("matching worker started", "securities", len(e.books), "queue_size", e.cfg.QueueSize)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("matching worker stopped")
			return nil
		case cmd := <-e.cmds:
			e.col.QueueDepth.WithLabelValues(e.cfg.SessionID).Set(float64(len(e.cmds)))
			e.handle(cmd)
			e.drainActivations()
		}
	}
}

// SetPaused gates submissions while the session is paused. Cancels still
// pass.
func (e *Engine) SetPaused(v bool) { e.paused.Store(v) }

// Submit queues an order and waits for the outcome. A full queue returns
// BUSY immediately; a deadline that elapses while queued returns
// TIMED_OUT without touching the book.
func (e *Engine) Submit(intent types.OrderIntent, deadline time.Time) types.SubmitResult {
	cmd := command{kind: cmdSubmit, intent: intent, deadline: deadline, reply: make(chan types.SubmitResult, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.stopped:
		return rejection(types.RejectSessionEnded)
	default:
		e.col.QueueBusy.WithLabelValues(e.cfg.SessionID).Inc()
		return rejection(types.RejectBusy)
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-e.stopped:
		return rejection(types.RejectSessionEnded)
	}
}

// SubmitLiquidity queues a simulator quote. Liquidity bypasses the
// market-open gate and the pre-trade risk check, and blocks rather than
// returning BUSY so injected quotes are never silently lost.
func (e *Engine) SubmitLiquidity(intent types.OrderIntent) types.SubmitResult {
	cmd := command{kind: cmdSubmit, intent: intent, liquidity: true, reply: make(chan types.SubmitResult, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.stopped:
		return rejection(types.RejectSessionEnded)
	}
	select {
	case res := <-cmd.reply:
		return res
	case <-e.stopped:
		return rejection(types.RejectSessionEnded)
	}
}

// Cancel removes the user's live order. Reports whether an order was
// actually cancelled; unknown IDs, terminal orders, and orders owned by
// someone else are a null effect, never an error.
func (e *Engine) Cancel(orderID uint64, userID string) bool {
	cmd := command{kind: cmdCancel, orderID: orderID, userID: userID, reply: make(chan types.SubmitResult, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.stopped:
		return false
	}
	select {
	case res := <-cmd.reply:
		return res.Status == types.StatusCancelled
	case <-e.stopped:
		return false
	}
}

// OpenMarket enables order intake. Called on session start and resume.
func (e *Engine) OpenMarket() { e.control(cmdOpenMarket) }

// CloseMarket gates order intake without touching resting orders.
func (e *Engine) CloseMarket() { e.control(cmdCloseMarket) }

// ExpireDay removes every DAY order at a day boundary and returns how
// many expired.
func (e *Engine) ExpireDay() int { return e.control(cmdExpireDay) }

// CancelAllOrders clears every book at session end and returns how many
// orders were cancelled.
func (e *Engine) CancelAllOrders() int { return e.control(cmdCancelAll) }

func (e *Engine) control(kind cmdKind) int {
	cmd := command{kind: kind, ack: make(chan int, 1)}
	select {
	case e.cmds <- cmd:
	case <-e.stopped:
		return 0
	}
	select {
	case n := <-cmd.ack:
		return n
	case <-e.stopped:
		return 0
	}
}

// GetBook returns the cached snapshot, truncated to depth levels per side
// when depth > 0. The snapshot's Seq is the engine sequence at the time it
// was taken: any Trade or OrderUpdate with a lower or equal seq is already
// reflected in it.
func (e *Engine) GetBook(securityID string, depth int) (types.BookSnapshot, error) {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	snap, ok := e.snaps[securityID]
	if !ok {
		return types.BookSnapshot{}, fmt.Errorf("unknown security %s", securityID)
	}
	if depth > 0 {
		if len(snap.Bids) > depth {
			snap.Bids = snap.Bids[:depth]
		}
		if len(snap.Asks) > depth {
			snap.Asks = snap.Asks[:depth]
		}
	}
	return snap, nil
}

// LastPrice returns the last trade price for the security; ok is false
// before the first trade.
func (e *Engine) LastPrice(securityID string) (decimal.Decimal, bool) {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	snap, found := e.snaps[securityID]
	if !found || snap.LastPrice.IsZero() {
		return decimal.Zero, false
	}
	return snap.LastPrice, true
}

// ————————————————————————————————————————————————————————————————————————
// Worker side
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) handle(cmd command) {
	switch cmd.kind {
	case cmdSubmit:
		cmd.reply <- e.handleSubmit(cmd)
	case cmdCancel:
		cmd.reply <- e.handleCancel(cmd)
	case cmdOpenMarket:
		e.marketOpen = true
		cmd.ack <- 0
	case cmdCloseMarket:
		e.marketOpen = false
		cmd.ack <- 0
	case cmdExpireDay:
		cmd.ack <- e.expireDay()
	case cmdCancelAll:
		cmd.ack <- e.cancelAll()
	}
}

func (e *Engine) handleSubmit(cmd command) types.SubmitResult {
	timer := metrics.NewTimer()
	in := cmd.intent

	if !cmd.deadline.IsZero() && e.clock.Now().After(cmd.deadline) {
		return e.reject(in, types.RejectTimedOut)
	}
	if e.paused.Load() {
		return e.reject(in, types.RejectMarketClosed)
	}
	if !e.marketOpen && !cmd.liquidity {
		return e.reject(in, types.RejectMarketClosed)
	}
	bk := e.books[in.SecurityID]
	if bk == nil {
		return e.reject(in, types.RejectUnknownSecurity)
	}

	o := &types.Order{
		SessionID:         e.cfg.SessionID,
		UserID:            in.UserID,
		SecurityID:        in.SecurityID,
		Side:              in.Side,
		Type:              in.Type,
		Quantity:          in.Quantity,
		RemainingQuantity: in.Quantity,
		Price:             in.Price,
		StopPrice:         in.StopPrice,
		TIF:               in.TIF,
		Status:            types.StatusNew,
		SubmittedAt:       e.clock.Now(),
	}
	if o.TIF == "" {
		o.TIF = types.TIFDay
	}

	if reason := bk.Validate(o); reason != types.RejectNone {
		return e.reject(in, reason)
	}
	if !cmd.liquidity {
		if reason := e.riskCheck(bk, o); reason != types.RejectNone {
			return e.reject(in, reason)
		}
	}

	e.lastOrder++
	o.ID = e.lastOrder
	o.Seq = e.nextSeq()
	e.col.RecordOrder(in.SecurityID, string(in.Side), string(in.Type))

	res := bk.Submit(o)
	e.finishCycle(bk, o, res)

	if res.Rejected != types.RejectNone {
		e.col.RecordReject(string(res.Rejected))
	}
	e.col.RecordOrderLatency(string(o.Type), timer.ElapsedMs())

	return types.SubmitResult{OrderID: o.ID, Status: o.Status, Reason: o.Reason, Fills: res.Trades}
}

// riskCheck enforces the pre-trade limits: a BUY must be payable from
// cash at its effective price, a SELL must not exceed the current
// position unless the session allows shorting. Runs again when a stop
// activates, since balances may have moved since placement.
func (e *Engine) riskCheck(bk *book.Book, o *types.Order) types.RejectReason {
	cash, pos, err := e.pf.RiskView(o.UserID, o.SecurityID)
	if err != nil {
		e.logger.Warn("risk view failed", "user_id", o.UserID, "error", err)
		return types.RejectInternal
	}

	if o.Side == types.BUY {
		cost, ok := e.buyCost(bk, o)
		if !ok {
			return types.RejectNoLiquidity
		}
		if cost.GreaterThan(cash) {
			return types.RejectInsufficientFunds
		}
		return types.RejectNone
	}

	if e.cfg.AllowShort {
		return types.RejectNone
	}
	if o.RemainingQuantity > pos {
		return types.RejectInsufficientPosition
	}
	return types.RejectNone
}

// buyCost estimates what the order would cost if fully executed. MARKET
// orders are priced against displayed depth; a book too thin to cover the
// quantity cannot price the order at all. Stops use the stop price as the
// execution estimate until they convert.
func (e *Engine) buyCost(bk *book.Book, o *types.Order) (decimal.Decimal, bool) {
	qty := decimal.NewFromInt(o.RemainingQuantity)
	switch o.Type {
	case types.Market:
		return bk.DepthCost(o.Side, o.RemainingQuantity)
	case types.Stop:
		return o.StopPrice.Mul(qty), true
	default:
		return o.Price.Mul(qty), true
	}
}

func (e *Engine) handleCancel(cmd command) types.SubmitResult {
	for _, id := range e.secIDs {
		bk := e.books[id]
		o := bk.Find(cmd.orderID)
		if o == nil {
			continue
		}
		if o.UserID != cmd.userID {
			// Someone else's order: null effect, same as unknown.
			return types.SubmitResult{OrderID: cmd.orderID}
		}
		cancelled := bk.Cancel(cmd.orderID)
		if cancelled == nil {
			break
		}
		e.publishOrder(cancelled)
		if cancelled.Type == types.Limit {
			e.publishBook(bk)
		}
		return types.SubmitResult{OrderID: cmd.orderID, Status: types.StatusCancelled}
	}
	return types.SubmitResult{OrderID: cmd.orderID}
}

func (e *Engine) expireDay() int {
	n := 0
	for _, id := range e.secIDs {
		bk := e.books[id]
		expired := bk.ExpireDay()
		for _, o := range expired {
			e.publishOrder(o)
		}
		if len(expired) > 0 {
			e.publishBook(bk)
		}
		n += len(expired)
		e.checkBook(bk)
	}
	if n > 0 {
		e.logger.Info("day orders expired", "count", n)
	}
	return n
}

func (e *Engine) cancelAll() int {
	n := 0
	for _, id := range e.secIDs {
		bk := e.books[id]
		cancelled := bk.CancelAll()
		for _, o := range cancelled {
			e.publishOrder(o)
		}
		if len(cancelled) > 0 {
			e.publishBook(bk)
		}
		n += len(cancelled)
	}
	e.pending = nil
	if n > 0 {
		e.logger.Info("all orders cancelled", "count", n)
	}
	return n
}

// finishCycle stamps and publishes everything one submission produced:
// trades first, then the book update, then per-order updates, and finally
// the portfolio application so downstream cash events sequence after
// their cause.
func (e *Engine) finishCycle(bk *book.Book, aggressor *types.Order, res book.MatchResult) {
	sid := e.cfg.SessionID
	secID := bk.Security().ID
	now := e.clock.Now()

	for i := range res.Trades {
		e.lastTrade++
		res.Trades[i].ID = e.lastTrade
		res.Trades[i].Seq = e.nextSeq()
		res.Trades[i].Timestamp = now
	}

	for i := range res.Trades {
		t := res.Trades[i]
		e.bus.Publish(sid, bus.TopicTrades(sid), types.KindTrade, t)
		e.col.RecordTrade(secID, float64(t.Quantity), t.Notional().InexactFloat64())
	}

	if len(res.Trades) > 0 || res.Rested {
		e.publishBook(bk)
	}

	for _, m := range res.Makers {
		e.publishOrder(m)
	}
	e.publishOrder(aggressor)

	if len(res.Trades) > 0 {
		e.pf.ApplyTrades(res.Trades)
	}

	if len(res.Activated) > 0 {
		e.pending = append(e.pending, res.Activated...)
	}
}

// drainActivations runs triggered stops as their own matching cycles,
// FIFO, after the submission that triggered them. Each activation gets a
// fresh seq so level queues stay in seq order; cascading triggers append
// behind the current queue.
func (e *Engine) drainActivations() {
	for len(e.pending) > 0 {
		o := e.pending[0]
		e.pending = e.pending[1:]
		e.activate(o)
	}
}

func (e *Engine) activate(o *types.Order) {
	bk := e.books[o.SecurityID]
	if bk == nil {
		return
	}

	if o.Type == types.Stop {
		o.Type = types.Market
	} else {
		o.Type = types.Limit
	}
	o.Seq = e.nextSeq()

	if reason := e.riskCheck(bk, o); reason != types.RejectNone {
		o.Status = types.StatusRejected
		o.Reason = reason
		e.publishOrder(o)
		e.col.RecordReject(string(reason))
		e.logger.Info("activated stop rejected", "order_id", o.ID, "reason", reason)
		return
	}

	res := bk.Submit(o)
	e.finishCycle(bk, o, res)
	if res.Rejected != types.RejectNone {
		e.col.RecordReject(string(res.Rejected))
	}
}

func (e *Engine) publishBook(bk *book.Book) {
	secID := bk.Security().ID
	snap := bk.Snapshot(0)
	snap.Seq = e.seq

	e.snapMu.Lock()
	e.snaps[secID] = snap
	e.snapMu.Unlock()

	e.bus.Publish(e.cfg.SessionID, bus.TopicBook(e.cfg.SessionID, secID), types.KindBookUpdate, snap)
}

func (e *Engine) publishOrder(o *types.Order) {
	e.bus.Publish(e.cfg.SessionID, bus.TopicOrders(e.cfg.SessionID, o.UserID), types.KindOrderUpdate, *o)
}

func (e *Engine) checkBook(bk *book.Book) {
	if err := bk.CheckInvariants(); err != nil {
		e.logger.Error("book invariant violation", "security_id", bk.Security().ID, "error", err)
		e.col.RecordInvariantViolation("book_consistency")
	}
}

func (e *Engine) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) reject(in types.OrderIntent, reason types.RejectReason) types.SubmitResult {
	e.col.RecordReject(string(reason))
	e.logger.Debug("order rejected",
		"user_id", in.UserID, "security_id", in.SecurityID, "side", in.Side, "reason", reason)
	return types.SubmitResult{Status: types.StatusRejected, Reason: reason}
}

func rejection(reason types.RejectReason) types.SubmitResult {
	return types.SubmitResult{Status: types.StatusRejected, Reason: reason}
}
