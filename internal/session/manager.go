package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"openoutcry/internal/bus"
	"openoutcry/internal/config"
	"openoutcry/internal/journal"
	"openoutcry/pkg/types"
)

// Manager is the session registry. It applies instructor overrides to the
// lesson template, spins sessions up, and hands them to the gateway by ID.
// Ended sessions stay in the registry so their snapshots and portfolios
// remain readable after the fact.
type Manager struct {
	logger  *slog.Logger
	lesson  config.LessonConfig
	journal config.JournalConfig
	clock   types.Clock
	bus     *bus.Bus
	sinks   []journal.Sink

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds the registry around a lesson template and shared
// journal sinks.
func NewManager(logger *slog.Logger, cfg *config.Config, clock types.Clock, b *bus.Bus, sinks []journal.Sink) *Manager {
	return &Manager{
		logger:   logger.With("component", "sessions"),
		lesson:   cfg.Lesson,
		journal:  cfg.Journal,
		clock:    clock,
		bus:      b,
		sinks:    sinks,
		sessions: make(map[string]*Session),
	}
}

// Create builds a session from the lesson template plus overrides, wires
// its tasks, and opens the waiting room.
func (m *Manager) Create(ov Overrides) (*Session, error) {
	lesson := applyOverrides(m.lesson, ov)
	if err := lesson.Validate(); err != nil {
		return nil, fmt.Errorf("lesson config: %w", err)
	}

	id := uuid.NewString()
	s, err := newSession(m.logger, id, lesson, m.journal, m.clock, m.bus, m.sinks)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.OpenWaitingRoom(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get resolves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns a snapshot of every known session, newest first by
// creation time.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Shutdown ends every live session. Called once on daemon exit, after the
// gateway stops accepting requests.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	for _, s := range live {
		if err := s.End(); err != nil && !errors.Is(err, ErrEnded) {
			m.logger.Error("session shutdown failed", "session_id", s.ID(), "error", err)
		}
	}
	m.logger.Info("all sessions ended", "count", len(live))
}

func applyOverrides(lesson config.LessonConfig, ov Overrides) config.LessonConfig {
	if ov.Name != "" {
		lesson.Name = ov.Name
	}
	if ov.StartingCash > 0 {
		lesson.StartingCash = ov.StartingCash
	}
	if ov.TotalDays > 0 {
		lesson.TotalDays = ov.TotalDays
	}
	if ov.MsPerDay > 0 {
		lesson.MsPerDay = ov.MsPerDay
	}
	if ov.TicksPerDay > 0 {
		lesson.TicksPerDay = ov.TicksPerDay
	}
	if ov.NewsFrequency > 0 {
		lesson.NewsFrequency = ov.NewsFrequency
	}
	if ov.Seed != 0 {
		lesson.Seed = ov.Seed
	}
	if ov.AllowShort != nil {
		lesson.AllowShort = *ov.AllowShort
	}
	return lesson
}
