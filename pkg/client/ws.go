// ws.go implements the WebSocket event stream.
//
// Stream dials the gateway's /ws bridge, decodes the event envelopes, and
// fans the payloads out on typed channels. It reconnects with exponential
// backoff (1s to 30s max) and replays any topics added after connect, so
// a consumer that survives a gateway restart keeps its subscription. A
// read deadline surfaces silent connection failures within two missed
// server pings.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"openoutcry/pkg/types"
)

const (
	readTimeout      = 90 * time.Second // ~2 missed server pings triggers reconnect
	writeTimeout     = 10 * time.Second // deadline for outgoing control messages
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	marketBuffer     = 256              // trades, book updates, ticks
	eventBuffer      = 64               // everything else
)

// envelope is the wire form of one event, payload left raw for dispatch.
type envelope struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      types.EventKind `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// controlMsg mirrors the gateway's subscribe control message.
type controlMsg struct {
	Op     string   `json:"op"`
	Topics []string `json:"topics"`
}

// Stream is one session's event feed. Consumers read from the typed
// channels; events whose channel is full are dropped, and the bus-side
// Lag markers arriving on Lagged tell consumers to resync from REST
// snapshots.
type Stream struct {
	url    string
	header http.Header

	conn   *websocket.Conn
	connMu sync.Mutex

	// Topics added after connect, replayed on every reconnect.
	extraMu sync.RWMutex
	extra   map[string]bool

	tradeCh     chan types.Trade
	bookCh      chan types.BookSnapshot
	tickCh      chan types.MarketTick
	newsCh      chan types.NewsEvent
	lifecycleCh chan types.LifecycleEvent
	orderCh     chan types.Order
	pnlCh       chan types.PnLUpdate
	lagCh       chan types.LagMarker

	logger *slog.Logger
}

// NewStream builds a stream for one session. baseURL is the gateway's
// HTTP address; topics are the initial aliases (nil selects the server
// defaults).
func NewStream(baseURL, token, sessionID string, topics []string, logger *slog.Logger) (*Stream, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("session", sessionID)
	if len(topics) > 0 {
		q.Set("topics", strings.Join(topics, ","))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	return &Stream{
		url:         u.String(),
		header:      header,
		extra:       make(map[string]bool),
		tradeCh:     make(chan types.Trade, marketBuffer),
		bookCh:      make(chan types.BookSnapshot, marketBuffer),
		tickCh:      make(chan types.MarketTick, marketBuffer),
		newsCh:      make(chan types.NewsEvent, eventBuffer),
		lifecycleCh: make(chan types.LifecycleEvent, eventBuffer),
		orderCh:     make(chan types.Order, eventBuffer),
		pnlCh:       make(chan types.PnLUpdate, eventBuffer),
		lagCh:       make(chan types.LagMarker, eventBuffer),
		logger:      logger.With("component", "stream", "session_id", sessionID),
	}, nil
}

// Trades returns a read-only channel of executed trades.
func (s *Stream) Trades() <-chan types.Trade { return s.tradeCh }

// Books returns a read-only channel of book depth snapshots.
func (s *Stream) Books() <-chan types.BookSnapshot { return s.bookCh }

// Ticks returns a read-only channel of simulator price ticks.
func (s *Stream) Ticks() <-chan types.MarketTick { return s.tickCh }

// News returns a read-only channel of news events.
func (s *Stream) News() <-chan types.NewsEvent { return s.newsCh }

// Lifecycle returns a read-only channel of session lifecycle events.
func (s *Stream) Lifecycle() <-chan types.LifecycleEvent { return s.lifecycleCh }

// Orders returns a read-only channel of the caller's order updates.
func (s *Stream) Orders() <-chan types.Order { return s.orderCh }

// PnL returns a read-only channel of the caller's P&L updates.
func (s *Stream) PnL() <-chan types.PnLUpdate { return s.pnlCh }

// Lagged returns a read-only channel of server-side lag markers. After
// one arrives, intermediate events on that topic are gone; resync from a
// REST snapshot.
func (s *Stream) Lagged() <-chan types.LagMarker { return s.lagCh }

// Run connects and pumps events until ctx is cancelled or the server
// closes the stream normally (session ended). Reconnects on any other
// failure.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
			s.logger.Info("stream closed by server")
			return nil
		}

		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, ..., 30s max.
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe widens the stream with more topic aliases, e.g. "book.ACME".
// Additions survive reconnects.
func (s *Stream) Subscribe(topics ...string) error {
	s.extraMu.Lock()
	for _, t := range topics {
		s.extra[t] = true
	}
	s.extraMu.Unlock()

	return s.writeJSON(controlMsg{Op: "subscribe", Topics: topics})
}

// Close tears down the current connection. Run sees a read error and
// returns if its context is done, or reconnects otherwise.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.logger.Info("stream connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatch(msg)
	}
}

// resubscribe replays the topics added after connect. The initial topics
// travel in the URL, so a fresh connection already carries those.
func (s *Stream) resubscribe() error {
	s.extraMu.RLock()
	extras := make([]string, 0, len(s.extra))
	for t := range s.extra {
		extras = append(extras, t)
	}
	s.extraMu.RUnlock()

	if len(extras) == 0 {
		return nil
	}
	sort.Strings(extras)
	return s.writeJSON(controlMsg{Op: "subscribe", Topics: extras})
}

func (s *Stream) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}

	switch env.Kind {
	case types.KindTrade:
		var evt types.Trade
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			s.logger.Error("unmarshal trade", "error", err)
			return
		}
		select {
		case s.tradeCh <- evt:
		default:
			s.logger.Warn("trade channel full, dropping event", "security", evt.SecurityID)
		}

	case types.KindBookUpdate:
		var evt types.BookSnapshot
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			s.logger.Error("unmarshal book update", "error", err)
			return
		}
		select {
		case s.bookCh <- evt:
		default:
			s.logger.Warn("book channel full, dropping event", "security", evt.SecurityID)
		}

	case types.KindMarketTick:
		var evt types.MarketTick
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			s.logger.Error("unmarshal tick", "error", err)
			return
		}
		select {
		case s.tickCh <- evt:
		default:
			s.logger.Warn("tick channel full, dropping event", "security", evt.SecurityID)
		}

	case types.KindNews:
		var evt types.NewsEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			s.logger.Error("unmarshal news", "error", err)
			return
		}
		select {
		case s.newsCh <- evt:
		default:
			s.logger.Warn("news channel full, dropping event")
		}

	case types.KindLifecycle:
		var evt types.LifecycleEvent
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			s.logger.Error("unmarshal lifecycle", "error", err)
			return
		}
		select {
		case s.lifecycleCh <- evt:
		default:
			s.logger.Warn("lifecycle channel full, dropping event", "stage", evt.Stage)
		}

	case types.KindOrderUpdate:
		var evt types.Order
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			s.logger.Error("unmarshal order update", "error", err)
			return
		}
		select {
		case s.orderCh <- evt:
		default:
			s.logger.Warn("order channel full, dropping event", "order_id", evt.ID)
		}

	case types.KindPnLUpdate:
		var evt types.PnLUpdate
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			s.logger.Error("unmarshal pnl update", "error", err)
			return
		}
		select {
		case s.pnlCh <- evt:
		default:
			s.logger.Warn("pnl channel full, dropping event")
		}

	case types.KindLag:
		var evt types.LagMarker
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			s.logger.Error("unmarshal lag marker", "error", err)
			return
		}
		s.logger.Warn("stream lagged, resync recommended", "topic", evt.Topic, "dropped", evt.Dropped)
		select {
		case s.lagCh <- evt:
		default:
		}

	case types.KindPositionUpdate, types.KindPortfolioSummary:
		// Snapshot material; fetch via REST when needed.
		s.logger.Debug("ignoring event", "kind", env.Kind)

	default:
		s.logger.Debug("unknown stream event kind", "kind", env.Kind)
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
