// Package session hosts trading sessions. Each Session owns the lifecycle
// state machine and the wiring of its matching worker, market simulator,
// portfolio accountant, bot roster, and journal recorder. The Manager is
// the registry the gateway talks to.
//
// Lifecycle: CREATED → WAITING → RUNNING ↔ PAUSED → ENDED. Transitions are
// the only entry points that start or stop the per-session tasks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"openoutcry/internal/bot"
	"openoutcry/internal/bus"
	"openoutcry/internal/config"
	"openoutcry/internal/journal"
	"openoutcry/internal/match"
	"openoutcry/internal/metrics"
	"openoutcry/internal/portfolio"
	"openoutcry/internal/sim"
	"openoutcry/pkg/types"
)

// Sentinel errors the gateway maps onto HTTP statuses.
var (
	ErrNotFound          = errors.New("session not found")
	ErrEnded             = errors.New("session ended")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrUnknownUser       = errors.New("unknown user")
	ErrNotJoinable       = errors.New("session not accepting participants")
)

// Overrides are the per-session deviations from the lesson template an
// instructor may request at creation. Zero values keep the template's
// setting; AllowShort is a pointer so an explicit false survives.
type Overrides struct {
	Name          string  `json:"name,omitempty"`
	StartingCash  float64 `json:"starting_cash,omitempty"`
	TotalDays     int     `json:"total_days,omitempty"`
	MsPerDay      int     `json:"ms_per_day,omitempty"`
	TicksPerDay   int     `json:"ticks_per_day,omitempty"`
	NewsFrequency float64 `json:"news_frequency,omitempty"`
	Seed          int64   `json:"seed,omitempty"`
	AllowShort    *bool   `json:"allow_short,omitempty"`
}

// Snapshot is the read-only session record returned by the API.
type Snapshot struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	State        types.SessionState `json:"state"`
	Day          int                `json:"day"`
	Seed         int64              `json:"seed"`
	StartingCash decimal.Decimal    `json:"starting_cash"`
	Securities   []types.Security   `json:"securities"`
	Participants []string           `json:"participants"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    time.Time          `json:"started_at,omitempty"`
	EndedAt      time.Time          `json:"ended_at,omitempty"`
}

// Session is one live trading session and the tasks it owns.
type Session struct {
	id     string
	logger *slog.Logger
	cfg    config.LessonConfig
	clock  types.Clock
	bus    *bus.Bus
	col    *metrics.Collector

	pf   *portfolio.Engine
	eng  *match.Engine
	sim  *sim.Simulator
	bots *bot.Manager
	rec  *journal.Recorder

	securities []types.Security

	// tradeCtx governs the traffic producers (simulator, bots); coreCtx
	// governs the matching worker and portfolio accountant. End cancels
	// them in that order so the queue drains before the worker stops.
	tradeCtx    context.Context
	tradeCancel context.CancelFunc
	coreCtx     context.Context
	coreCancel  context.CancelFunc
	tradeWg     sync.WaitGroup
	coreWg      sync.WaitGroup
	ioWg        sync.WaitGroup

	mu           sync.RWMutex
	state        types.SessionState
	day          int
	participants map[string]time.Time
	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time

	endOnce sync.Once
	endErr  error
}

// newSession wires every component of one session and starts the core
// tasks. The session comes up CREATED with the market closed; the journal
// recorder and lifecycle watcher attach before anything can publish.
func newSession(logger *slog.Logger, id string, cfg config.LessonConfig, jcfg config.JournalConfig,
	clock types.Clock, b *bus.Bus, sinks []journal.Sink) (*Session, error) {

	securities, instruments := buildInstruments(cfg.Securities)

	seed := cfg.Seed
	if seed == 0 {
		seed = clock.Now().UnixNano()
		cfg.Seed = seed
	}

	b.OpenSession(id)

	var rec *journal.Recorder
	if len(sinks) > 0 {
		r, err := journal.NewRecorder(logger, id, b, jcfg.BufferSize, sinks...)
		if err != nil {
			b.CloseSession(id)
			return nil, fmt.Errorf("journal recorder: %w", err)
		}
		rec = r
	}

	watchSub, err := b.Subscribe(id, bus.DefaultBuffer, bus.TopicLifecycle(id))
	if err != nil {
		b.CloseSession(id)
		return nil, fmt.Errorf("lifecycle watch: %w", err)
	}

	pf := portfolio.NewEngine(logger, id, b)
	eng := match.New(logger, match.Config{
		SessionID:  id,
		Securities: securities,
		AllowShort: cfg.AllowShort,
		QueueSize:  cfg.QueueSize,
	}, clock, b, pf)

	simulator := sim.New(logger, sim.Config{
		SessionID:     id,
		TotalDays:     cfg.TotalDays,
		MsPerDay:      cfg.MsPerDay,
		TicksPerDay:   cfg.TicksPerDay,
		NewsFrequency: cfg.NewsFrequency,
		Seed:          seed,
		MarketMaker:   cfg.MarketMakerUser,
		Instruments:   instruments,
	}, clock, b, eng)

	bots, err := bot.NewManager(logger, id, seed, cfg.Bots, securities, b, eng, pf)
	if err != nil {
		b.CloseSession(id)
		return nil, fmt.Errorf("bot manager: %w", err)
	}

	coreCtx, coreCancel := context.WithCancel(context.Background())
	tradeCtx, tradeCancel := context.WithCancel(context.Background())

	s := &Session{
		id:           id,
		logger:       logger.With("component", "session", "session_id", id),
		cfg:          cfg,
		clock:        clock,
		bus:          b,
		col:          metrics.GetCollector(),
		pf:           pf,
		eng:          eng,
		sim:          simulator,
		bots:         bots,
		rec:          rec,
		securities:   securities,
		tradeCtx:     tradeCtx,
		tradeCancel:  tradeCancel,
		coreCtx:      coreCtx,
		coreCancel:   coreCancel,
		state:        types.SessionCreated,
		participants: make(map[string]time.Time),
		createdAt:    clock.Now(),
	}

	// Synthetic roster: the liquidity owner and every bot get accounts
	// before any order can reference them. Their joins are journaled like
	// everyone else's so a replay sees the full roster.
	if err := s.createAccount(cfg.MarketMakerUser, decimal.NewFromFloat(cfg.MarketMakerCash)); err != nil {
		b.CloseSession(id)
		return nil, err
	}
	startingCash := decimal.NewFromFloat(cfg.StartingCash)
	for _, userID := range bots.Users() {
		if err := s.createAccount(userID, startingCash); err != nil {
			b.CloseSession(id)
			return nil, err
		}
	}

	s.coreWg.Add(1)
	go func() {
		defer s.coreWg.Done()
		if err := eng.Run(coreCtx); err != nil {
			s.logger.Error("matching worker exited", "error", err)
		}
	}()

	s.coreWg.Add(1)
	go func() {
		defer s.coreWg.Done()
		if err := pf.Run(coreCtx); err != nil {
			s.logger.Error("portfolio task exited", "error", err)
		}
	}()

	// Bots attach to the tick stream now, while the market is still
	// closed, so the first simulated tick cannot slip past them.
	s.tradeWg.Add(1)
	go func() {
		defer s.tradeWg.Done()
		if err := bots.Run(tradeCtx); err != nil {
			s.logger.Error("bot manager exited", "error", err)
		}
	}()

	if rec != nil {
		s.ioWg.Add(1)
		go func() {
			defer s.ioWg.Done()
			if err := rec.Run(context.Background()); err != nil {
				s.logger.Error("journal recorder exited", "error", err)
			}
		}()
	}

	s.ioWg.Add(1)
	go s.watch(watchSub)

	s.publishState(types.SessionCreated)
	s.col.SessionsActive.Inc()
	s.logger.Info("session created",
		"name", cfg.Name, "securities", len(securities),
		"bots", len(bots.Users()), "seed", seed)
	return s, nil
}

func (s *Session) createAccount(userID string, cash decimal.Decimal) error {
	if err := s.pf.CreateAccount(userID, cash); err != nil {
		return fmt.Errorf("create account %s: %w", userID, err)
	}
	s.bus.Publish(s.id, bus.TopicLifecycle(s.id), types.KindLifecycle, types.LifecycleEvent{
		SessionID: s.id,
		Stage:     types.StageJoined,
		UserID:    userID,
		Amount:    cash,
	})
	return nil
}

// watch follows the session's own lifecycle topic: it tracks the virtual
// day for snapshots and ends the session when the simulator finishes the
// calendar.
func (s *Session) watch(sub *bus.Subscription) {
	defer s.ioWg.Done()
	for ev := range sub.C() {
		lc, ok := ev.Payload.(types.LifecycleEvent)
		if !ok {
			continue
		}
		switch lc.Stage {
		case types.StageDayStart:
			s.mu.Lock()
			s.day = lc.Day
			s.mu.Unlock()
		case types.StageDayEnd:
			if err := s.pf.CheckConservation(); err != nil {
				s.logger.Error("conservation check failed at day end", "day", lc.Day, "error", err)
			}
		case types.StageSimEnded:
			s.logger.Info("calendar complete, ending session")
			go func() {
				if err := s.End(); err != nil && !errors.Is(err, ErrEnded) {
					s.logger.Error("auto end failed", "error", err)
				}
			}()
		}
	}
}

func (s *Session) publishState(state types.SessionState) {
	s.mu.RLock()
	day := s.day
	s.mu.RUnlock()
	s.bus.Publish(s.id, bus.TopicLifecycle(s.id), types.KindLifecycle, types.LifecycleEvent{
		SessionID: s.id,
		Stage:     types.StageState,
		State:     state,
		Day:       day,
	})
	s.col.RecordSessionState(string(state))
}

// transition moves the FSM if from allows it. Callers hold no lock.
func (s *Session) transition(to types.SessionState, from ...types.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = to
			return nil
		}
	}
	if s.state == types.SessionEnded {
		return ErrEnded
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.state, to)
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OpenWaitingRoom admits participants. CREATED → WAITING.
func (s *Session) OpenWaitingRoom() error {
	if err := s.transition(types.SessionWaiting, types.SessionCreated); err != nil {
		return err
	}
	s.publishState(types.SessionWaiting)
	s.logger.Info("waiting room open")
	return nil
}

// Start opens the market and launches the simulator. WAITING → RUNNING.
func (s *Session) Start() error {
	if err := s.transition(types.SessionRunning, types.SessionWaiting); err != nil {
		return err
	}

	s.mu.Lock()
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.eng.OpenMarket()
	s.tradeWg.Add(1)
	go func() {
		defer s.tradeWg.Done()
		if err := s.sim.Run(s.tradeCtx); err != nil {
			s.logger.Error("simulator exited", "error", err)
		}
	}()

	s.publishState(types.SessionRunning)
	s.logger.Info("session started", "participants", s.participantCount())
	return nil
}

// Pause halts the tick loop and gates non-cancel submissions with
// MARKET_CLOSED. RUNNING → PAUSED.
func (s *Session) Pause() error {
	if err := s.transition(types.SessionPaused, types.SessionRunning); err != nil {
		return err
	}
	s.eng.SetPaused(true)
	s.sim.Pause()
	s.publishState(types.SessionPaused)
	s.logger.Info("session paused")
	return nil
}

// Resume restarts the tick loop from the next scheduled tick.
// PAUSED → RUNNING.
func (s *Session) Resume() error {
	if err := s.transition(types.SessionRunning, types.SessionPaused); err != nil {
		return err
	}
	s.eng.SetPaused(false)
	s.sim.Resume()
	s.publishState(types.SessionRunning)
	s.logger.Info("session resumed")
	return nil
}

// End drains and tears the session down: traffic producers stop first,
// the queue drains, resting orders cancel, final snapshots publish, then
// the core tasks stop and the topic space closes. Idempotent; every call
// after the first returns ErrEnded.
func (s *Session) End() error {
	first := false
	s.endOnce.Do(func() {
		first = true
		s.endErr = s.end()
	})
	if first {
		return s.endErr
	}
	return ErrEnded
}

func (s *Session) end() error {
	s.mu.Lock()
	s.state = types.SessionEnded
	s.endedAt = s.clock.Now()
	s.mu.Unlock()

	// Stop producing: no new ticks, quotes, or bot intents.
	s.tradeCancel()
	s.tradeWg.Wait()

	// Drain what is queued, then clear every book.
	s.eng.CloseMarket()
	cancelled := s.eng.CancelAllOrders()

	if err := s.pf.CheckConservation(); err != nil {
		s.logger.Error("conservation check failed at session end", "error", err)
	}

	// Final portfolio snapshot per participant, then the terminal state
	// event, all ahead of the worker shutdown so they reach the journal
	// in causal order.
	for _, snap := range s.pf.Snapshots() {
		s.bus.Publish(s.id, bus.TopicPortfolio(s.id, snap.UserID), types.KindPortfolioSummary, summarize(snap))
	}
	s.publishState(types.SessionEnded)

	s.coreCancel()
	s.coreWg.Wait()

	s.bus.CloseSession(s.id)
	s.ioWg.Wait()
	s.col.SessionsActive.Dec()

	s.mu.RLock()
	day := s.day
	s.mu.RUnlock()
	s.logger.Info("session ended", "cancelled_orders", cancelled, "day", day)
	return nil
}

func summarize(snap types.PortfolioSnapshot) types.PortfolioSummary {
	realized := decimal.Zero
	unrealized := decimal.Zero
	open := 0
	for _, pos := range snap.Positions {
		realized = realized.Add(pos.RealizedPnL)
		unrealized = unrealized.Add(pos.UnrealizedPnL)
		if pos.Quantity != 0 {
			open++
		}
	}
	return types.PortfolioSummary{
		SessionID:     snap.SessionID,
		UserID:        snap.UserID,
		Cash:          snap.Cash,
		Equity:        snap.Equity(),
		RealizedPnL:   realized,
		UnrealizedPnL: unrealized,
		PositionCount: open,
	}
}

// Join registers a participant and funds their account with the session's
// starting cash. Joining twice is idempotent and returns the current
// portfolio. Allowed from WAITING on, so a student who drops can rejoin
// mid-lesson.
func (s *Session) Join(userID string) (types.PortfolioSnapshot, error) {
	s.mu.Lock()
	switch s.state {
	case types.SessionCreated:
		s.mu.Unlock()
		return types.PortfolioSnapshot{}, ErrNotJoinable
	case types.SessionEnded:
		s.mu.Unlock()
		return types.PortfolioSnapshot{}, ErrEnded
	}

	if _, ok := s.participants[userID]; !ok {
		if !s.pf.HasAccount(userID) {
			if err := s.createAccount(userID, decimal.NewFromFloat(s.cfg.StartingCash)); err != nil {
				s.mu.Unlock()
				return types.PortfolioSnapshot{}, err
			}
		}
		s.participants[userID] = s.clock.Now()
		s.col.UsersJoined.WithLabelValues(s.id).Inc()
		s.logger.Info("participant joined", "user_id", userID)
	}
	s.mu.Unlock()

	return s.pf.Snapshot(userID)
}

// AdjustCash credits or debits a participant (instructor operation). The
// adjustment is journaled so replays reproduce it.
func (s *Session) AdjustCash(userID string, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	if s.State() == types.SessionEnded {
		return decimal.Zero, ErrEnded
	}
	if !s.pf.HasAccount(userID) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	balance, err := s.pf.AdjustCash(userID, delta, reason)
	if err != nil {
		return decimal.Zero, err
	}
	s.bus.Publish(s.id, bus.TopicLifecycle(s.id), types.KindLifecycle, types.LifecycleEvent{
		SessionID: s.id,
		Stage:     types.StageCashAdjust,
		UserID:    userID,
		Amount:    delta,
	})
	return balance, nil
}

// Submit routes an order to the matching worker. The user must have
// joined; everything else (validation, market gate, risk) is the worker's
// call.
func (s *Session) Submit(intent types.OrderIntent, deadline time.Time) (types.SubmitResult, error) {
	if !s.pf.HasAccount(intent.UserID) {
		return types.SubmitResult{}, fmt.Errorf("%w: %s", ErrUnknownUser, intent.UserID)
	}
	return s.eng.Submit(intent, deadline), nil
}

// Cancel removes the user's live order; unknown, terminal, and foreign
// orders report false.
func (s *Session) Cancel(orderID uint64, userID string) bool {
	return s.eng.Cancel(orderID, userID)
}

// GetBook returns the cached depth snapshot for one security.
func (s *Session) GetBook(securityID string, depth int) (types.BookSnapshot, error) {
	return s.eng.GetBook(securityID, depth)
}

// GetPortfolio returns one participant's portfolio.
func (s *Session) GetPortfolio(userID string) (types.PortfolioSnapshot, error) {
	snap, err := s.pf.Snapshot(userID)
	if err != nil {
		return types.PortfolioSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return snap, nil
}

// Portfolios returns every account's snapshot, sorted by user.
func (s *Session) Portfolios() []types.PortfolioSnapshot {
	return s.pf.Snapshots()
}

// Securities returns the session's instruments.
func (s *Session) Securities() []types.Security {
	return s.securities
}

// Snapshot returns the session record.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants := make([]string, 0, len(s.participants))
	for u := range s.participants {
		participants = append(participants, u)
	}
	sort.Strings(participants)

	return Snapshot{
		ID:           s.id,
		Name:         s.cfg.Name,
		State:        s.state,
		Day:          s.day,
		Seed:         s.cfg.Seed,
		StartingCash: decimal.NewFromFloat(s.cfg.StartingCash),
		Securities:   s.securities,
		Participants: participants,
		CreatedAt:    s.createdAt,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
	}
}

func (s *Session) participantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// buildInstruments maps security configs onto engine securities and
// simulator instruments. The symbol doubles as the security ID so wire
// formats and journals stay human-readable.
func buildInstruments(cfgs []config.SecurityConfig) ([]types.Security, []sim.Instrument) {
	securities := make([]types.Security, 0, len(cfgs))
	instruments := make([]sim.Instrument, 0, len(cfgs))
	for _, c := range cfgs {
		sec := types.Security{
			ID:          c.Symbol,
			Symbol:      c.Symbol,
			TickSize:    decimal.NewFromFloat(c.TickSize),
			MinQuantity: c.MinQuantity,
		}
		securities = append(securities, sec)
		instruments = append(instruments, sim.Instrument{
			Security:   sec,
			StartPrice: c.StartPrice,
			Volatility: c.Volatility,
			Drift:      c.Drift,
			SpreadBps:  c.SpreadBps,
			Liquidity:  c.Liquidity,
		})
	}
	return securities, instruments
}
