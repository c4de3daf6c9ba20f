// Package sim drives a session's market: the accelerated day/tick
// calendar, a geometric Brownian price process per security, the injected
// quote pair that keeps each book two-sided, and news shocks.
//
// Per-tick flow (every ms_per_day / ticks_per_day):
//  1. Advance the mid:  mid' = mid × exp((µ - σ²/2)·dt + σ·√dt·Z)
//  2. Derive bid/ask around mid' at the configured spread, snapped to
//     the tick grid.
//  3. Cancel the previous quote pair and post the new one under the
//     synthetic market-maker user.
//  4. Publish a MarketTick carrying the mark price (last trade when the
//     security has traded, else the simulated mid).
//
// Every random draw comes from one seeded source in a fixed order, so a
// given seed and configuration reproduce the same ticks and news byte for
// byte.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"openoutcry/internal/bus"
	"openoutcry/internal/metrics"
	"openoutcry/pkg/types"
)

// Instrument couples a tradeable security with its price-process
// parameters. Volatility and Drift are per virtual day; SpreadBps is the
// full quoted spread in basis points; Liquidity sizes each injected quote.
type Instrument struct {
	Security   types.Security
	StartPrice float64
	Volatility float64
	Drift      float64
	SpreadBps  float64
	Liquidity  int64
}

// Config carries the calendar and price-process parameters for one
// session. A zero Seed is replaced with the clock at construction.
type Config struct {
	SessionID     string
	TotalDays     int
	MsPerDay      int
	TicksPerDay   int
	NewsFrequency float64
	Seed          int64
	MarketMaker   string
	Instruments   []Instrument
}

// Market is the slice of the matching engine the simulator drives. The
// simulator never touches a book directly; everything goes through the
// submission queue.
type Market interface {
	SubmitLiquidity(intent types.OrderIntent) types.SubmitResult
	Cancel(orderID uint64, userID string) bool
	ExpireDay() int
	GetBook(securityID string, depth int) (types.BookSnapshot, error)
	LastPrice(securityID string) (decimal.Decimal, bool)
}

// secState is the evolving state of one instrument's price process plus
// the IDs of its currently resting quote pair (0 = not resting).
type secState struct {
	inst  Instrument
	mid   float64
	shock float64 // one-shot drift multiplier; 1 when no news pending
	bidID uint64
	askID uint64
}

// Simulator owns one session's market process. Run drives the calendar;
// Pause/Resume gate the tick loop between ticks.
type Simulator struct {
	logger *slog.Logger
	cfg    Config
	clock  types.Clock
	bus    *bus.Bus
	market Market
	col    *metrics.Collector
	rng    *rand.Rand

	mu     sync.Mutex
	paused bool
	resume chan struct{}

	// states holds instruments in config order, which fixes the order of
	// random draws per tick.
	states []*secState
}

// New builds a simulator. The effective seed (configured, or derived from
// the clock when zero) is readable via Seed for reproduction.
func New(logger *slog.Logger, cfg Config, clock types.Clock, b *bus.Bus, market Market) *Simulator {
	if cfg.Seed == 0 {
		cfg.Seed = clock.Now().UnixNano()
	}
	s := &Simulator{
		logger: logger.With("component", "sim", "session_id", cfg.SessionID),
		cfg:    cfg,
		clock:  clock,
		bus:    b,
		market: market,
		col:    metrics.GetCollector(),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, inst := range cfg.Instruments {
		s.states = append(s.states, &secState{inst: inst, mid: inst.StartPrice, shock: 1})
	}
	return s
}

// Seed returns the effective simulator seed.
func (s *Simulator) Seed() int64 { return s.cfg.Seed }

// Run executes the full calendar: for each day, a dayStart lifecycle
// event, the news draw, ticks_per_day ticks, then dayEnd with DAY-order
// expiry. Returns after publishing simEnded, or early on cancellation.
func (s *Simulator) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.MsPerDay/s.cfg.TicksPerDay) * time.Millisecond
	s.logger.Info("simulator started",
		"days", s.cfg.TotalDays, "ticks_per_day", s.cfg.TicksPerDay,
		"interval", interval, "seed", s.cfg.Seed)

	for day := 1; day <= s.cfg.TotalDays; day++ {
		s.publishLifecycle(types.StageDayStart, day)
		s.maybeNews(day)

		for tick := 1; tick <= s.cfg.TicksPerDay; tick++ {
			select {
			case <-ctx.Done():
				s.logger.Info("simulator stopped", "day", day, "tick", tick)
				return nil
			case <-s.clock.After(interval):
			}
			if err := s.waitResume(ctx); err != nil {
				s.logger.Info("simulator stopped while paused", "day", day)
				return nil
			}
			s.step(day, tick)
		}

		s.publishLifecycle(types.StageDayEnd, day)
		expired := s.market.ExpireDay()
		s.logger.Info("day ended", "day", day, "expired_orders", expired)
	}

	s.publishLifecycle(types.StageSimEnded, s.cfg.TotalDays)
	s.logger.Info("simulation ended", "days", s.cfg.TotalDays)
	return nil
}

// Pause halts the tick loop; the tick in flight completes first.
func (s *Simulator) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.resume = make(chan struct{})
	}
}

// Resume releases a paused loop; the next tick fires on the regular
// schedule.
func (s *Simulator) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.resume)
	}
}

func (s *Simulator) waitResume(ctx context.Context) error {
	for {
		s.mu.Lock()
		if !s.paused {
			s.mu.Unlock()
			return nil
		}
		ch := s.resume
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// step advances every instrument one tick and publishes its MarketTick.
func (s *Simulator) step(day, tick int) {
	now := s.clock.Now()
	dt := 1.0 / float64(s.cfg.TicksPerDay)

	for _, st := range s.states {
		// A pending news shock scales µ for exactly this tick.
		mu := st.inst.Drift * st.shock
		st.shock = 1

		sigma := st.inst.Volatility
		z := s.rng.NormFloat64()
		st.mid *= math.Exp((mu-sigma*sigma/2)*dt + sigma*math.Sqrt(dt)*z)

		bid, ask := s.quote(st)
		s.repost(st, bid, ask)

		sec := st.inst.Security
		mark, traded := s.market.LastPrice(sec.ID)
		if !traded {
			mark = snapDown(st.mid, sec.TickSize)
			if !mark.IsPositive() {
				mark = sec.TickSize
			}
		}
		var volume int64
		if snap, err := s.market.GetBook(sec.ID, 1); err == nil {
			volume = snap.Volume
		}

		s.bus.Publish(s.cfg.SessionID, bus.TopicMarket(s.cfg.SessionID), types.KindMarketTick, types.MarketTick{
			SessionID:  s.cfg.SessionID,
			SecurityID: sec.ID,
			Day:        day,
			TickInDay:  tick,
			Price:      mark,
			Bid:        bid,
			Ask:        ask,
			Volume:     volume,
			Timestamp:  now,
		})
		s.col.RecordTick(sec.ID)
	}
}

// quote derives the new bid/ask from the mid and the configured spread.
// Bid rounds down to the grid and ask rounds up so the pair never
// crosses; a spread narrower than the grid still quotes one tick wide.
func (s *Simulator) quote(st *secState) (decimal.Decimal, decimal.Decimal) {
	half := st.inst.SpreadBps / 2 / 10000
	tickSize := st.inst.Security.TickSize

	bid := snapDown(st.mid*(1-half), tickSize)
	ask := snapUp(st.mid*(1+half), tickSize)

	if !bid.IsPositive() {
		bid = tickSize
	}
	if !ask.GreaterThan(bid) {
		ask = bid.Add(tickSize)
	}
	return bid, ask
}

// repost cancels the previous quote pair and posts the new one. A stale
// ID that already filled or expired cancels as a no-op.
func (s *Simulator) repost(st *secState, bid, ask decimal.Decimal) {
	secID := st.inst.Security.ID
	mm := s.cfg.MarketMaker

	if st.bidID != 0 {
		s.market.Cancel(st.bidID, mm)
		st.bidID = 0
	}
	if st.askID != 0 {
		s.market.Cancel(st.askID, mm)
		st.askID = 0
	}

	buy := s.market.SubmitLiquidity(types.OrderIntent{
		UserID: mm, SecurityID: secID, Side: types.BUY,
		Type: types.Limit, Quantity: st.inst.Liquidity, Price: bid, TIF: types.TIFDay,
	})
	if buy.Status == types.StatusNew || buy.Status == types.StatusPartial {
		st.bidID = buy.OrderID
	}

	sell := s.market.SubmitLiquidity(types.OrderIntent{
		UserID: mm, SecurityID: secID, Side: types.SELL,
		Type: types.Limit, Quantity: st.inst.Liquidity, Price: ask, TIF: types.TIFDay,
	})
	if sell.Status == types.StatusNew || sell.Status == types.StatusPartial {
		st.askID = sell.OrderID
	}
}

var upHeadlines = []string{
	"%s beats earnings expectations",
	"%s lands a major supply contract",
	"Analysts upgrade %s to a strong buy",
}

var downHeadlines = []string{
	"%s faces a regulatory probe",
	"%s recalls its flagship product",
	"Analysts downgrade %s on weak guidance",
}

// maybeNews rolls the per-day news draw. A hit scales one security's
// drift for its next tick and publishes the headline.
func (s *Simulator) maybeNews(day int) {
	if s.rng.Float64() >= s.cfg.NewsFrequency {
		return
	}

	st := s.states[s.rng.Intn(len(s.states))]
	sign := 1
	table := upHeadlines
	if s.rng.Intn(2) == 0 {
		sign = -1
		table = downHeadlines
	}
	severity := 1 + 2*s.rng.Float64()
	headline := fmt.Sprintf(table[s.rng.Intn(len(table))], st.inst.Security.Symbol)

	st.shock = severity * float64(sign)

	s.bus.Publish(s.cfg.SessionID, bus.TopicNews(s.cfg.SessionID), types.KindNews, types.NewsEvent{
		SessionID:  s.cfg.SessionID,
		Day:        day,
		Headline:   headline,
		Symbols:    []string{st.inst.Security.Symbol},
		ImpactSign: sign,
		Severity:   severity,
	})

	label := "positive"
	if sign < 0 {
		label = "negative"
	}
	s.col.NewsTotal.WithLabelValues(label).Inc()
	s.logger.Info("news event", "day", day, "symbol", st.inst.Security.Symbol, "sign", sign, "severity", severity)
}

func (s *Simulator) publishLifecycle(stage string, day int) {
	s.bus.Publish(s.cfg.SessionID, bus.TopicLifecycle(s.cfg.SessionID), types.KindLifecycle, types.LifecycleEvent{
		SessionID: s.cfg.SessionID,
		Stage:     stage,
		Day:       day,
	})
}

func snapDown(p float64, tickSize decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(tickSize).Floor().Mul(tickSize)
}

func snapUp(p float64, tickSize decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(tickSize).Ceil().Mul(tickSize)
}
