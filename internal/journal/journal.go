// Package journal persists the per-session event stream. The recorder is a
// write-behind consumer: it drains a wildcard bus subscription and appends
// each event to one or more sinks, so the matching path never performs a
// synchronous write. The journal is the canonical source for replay and
// audit; internal/journal also provides the reader and the replayer that
// rebuilds portfolios from a recorded session.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"openoutcry/internal/bus"
	"openoutcry/internal/metrics"
	"openoutcry/pkg/types"
)

// Record is the persisted form of one bus event. The payload stays raw
// JSON so readers can decode it per kind without knowing every type up
// front.
type Record struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      types.EventKind `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// NewRecord converts a live bus event into its persisted form.
func NewRecord(ev types.Event) (Record, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Record{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Kind:      ev.Kind,
		Payload:   payload,
	}, nil
}

// Decode unmarshals the payload into its concrete type based on Kind.
func (r Record) Decode() (any, error) {
	var (
		v   any
		err error
	)
	switch r.Kind {
	case types.KindTrade:
		var p types.Trade
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindBookUpdate:
		var p types.BookSnapshot
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindOrderUpdate:
		var p types.Order
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindPositionUpdate:
		var p types.Position
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindPortfolioSummary:
		var p types.PortfolioSummary
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindPnLUpdate:
		var p types.PnLUpdate
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindMarketTick:
		var p types.MarketTick
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindNews:
		var p types.NewsEvent
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindLifecycle:
		var p types.LifecycleEvent
		err = json.Unmarshal(r.Payload, &p)
		v = p
	case types.KindLag:
		var p types.LagMarker
		err = json.Unmarshal(r.Payload, &p)
		v = p
	default:
		return nil, fmt.Errorf("decode record: unknown kind %q", r.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", r.Kind, err)
	}
	return v, nil
}

// Sink is the journal's storage collaborator. Append is called serially
// per session by the recorder; implementations shared across sessions must
// be safe for concurrent appends from different sessions.
type Sink interface {
	Name() string
	Append(sessionID string, rec Record) error
	Close() error
}

// SessionCloser is implemented by sinks that hold per-session resources,
// such as one file per session. The recorder calls it when its session's
// stream ends.
type SessionCloser interface {
	CloseSession(sessionID string) error
}

// Recorder drains one session's full event stream into the configured
// sinks. Create it before the session starts publishing so no events are
// missed, then call Run on its own goroutine.
type Recorder struct {
	logger    *slog.Logger
	sessionID string
	b         *bus.Bus
	sub       *bus.Subscription
	sinks     []Sink
	col       *metrics.Collector
	written   atomic.Uint64
}

// NewRecorder subscribes a wildcard consumer to the session. The buffer
// bounds how far the journal may fall behind before events are dropped
// (the drop surfaces as a Lag record, which is itself journaled).
func NewRecorder(logger *slog.Logger, sessionID string, b *bus.Bus, buffer int, sinks ...Sink) (*Recorder, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("journal recorder: no sinks")
	}
	sub, err := b.SubscribeAll(sessionID, buffer)
	if err != nil {
		return nil, fmt.Errorf("journal recorder: %w", err)
	}
	return &Recorder{
		logger:    logger.With("component", "journal", "session_id", sessionID),
		sessionID: sessionID,
		b:         b,
		sub:       sub,
		sinks:     sinks,
		col:       metrics.GetCollector(),
	}, nil
}

// Run consumes the stream until the session closes or ctx is cancelled.
// On cancellation it drains whatever is already buffered before returning,
// so an orderly shutdown loses nothing that reached the bus.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.closeSession()

	for {
		select {
		case ev, ok := <-r.sub.C():
			if !ok {
				return nil
			}
			r.append(ev)
		case <-ctx.Done():
			r.b.Unsubscribe(r.sub)
			for ev := range r.sub.C() {
				r.append(ev)
			}
			return nil
		}
	}
}

// Written returns how many records reached at least one sink.
func (r *Recorder) Written() uint64 { return r.written.Load() }

func (r *Recorder) append(ev types.Event) {
	rec, err := NewRecord(ev)
	if err != nil {
		r.logger.Error("journal encode failed", "seq", ev.Seq, "kind", ev.Kind, "error", err)
		r.col.RecordJournalError("encode")
		return
	}

	stored := false
	for _, s := range r.sinks {
		if err := s.Append(r.sessionID, rec); err != nil {
			r.logger.Error("journal append failed",
				"sink", s.Name(), "seq", rec.Seq, "kind", rec.Kind, "error", err)
			r.col.RecordJournalError(s.Name())
			continue
		}
		stored = true
		r.col.RecordJournalRecord(s.Name())
	}
	if stored {
		r.written.Add(1)
	}
}

func (r *Recorder) closeSession() {
	for _, s := range r.sinks {
		sc, ok := s.(SessionCloser)
		if !ok {
			continue
		}
		if err := sc.CloseSession(r.sessionID); err != nil {
			r.logger.Error("journal session close failed", "sink", s.Name(), "error", err)
			r.col.RecordJournalError(s.Name())
		}
	}
	r.logger.Info("journal closed", "records", r.written.Load())
}

// ————————————————————————————————————————————————————————————————————————
// JSONL sink
// ————————————————————————————————————————————————————————————————————————

// FileSink writes one JSON-lines file per session under a base directory.
// Files are buffered; the buffer flushes when full, at session close, and
// at Close.
type FileSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*sessionFile
}

type sessionFile struct {
	f *os.File
	w *bufio.Writer
}

// NewFileSink creates the base directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &FileSink{dir: dir, files: make(map[string]*sessionFile)}, nil
}

func (s *FileSink) Name() string { return "jsonl" }

// Path returns the journal file path for a session.
func (s *FileSink) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// Append writes one record to the session's file, opening it on first use.
func (s *FileSink) Append(sessionID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, ok := s.files[sessionID]
	if !ok {
		f, err := os.Create(s.Path(sessionID))
		if err != nil {
			return fmt.Errorf("create journal file: %w", err)
		}
		sf = &sessionFile{f: f, w: bufio.NewWriterSize(f, 64*1024)}
		s.files[sessionID] = sf
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := sf.w.Write(data); err != nil {
		return err
	}
	return sf.w.WriteByte('\n')
}

// CloseSession flushes and closes one session's file.
func (s *FileSink) CloseSession(sessionID string) error {
	s.mu.Lock()
	sf, ok := s.files[sessionID]
	delete(s.files, sessionID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sf.close()
}

// Close flushes and closes every open session file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, sf := range s.files {
		if err := sf.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, id)
	}
	return firstErr
}

func (sf *sessionFile) close() error {
	if err := sf.w.Flush(); err != nil {
		sf.f.Close()
		return err
	}
	return sf.f.Close()
}
