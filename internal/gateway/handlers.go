package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"openoutcry/internal/bus"
	"openoutcry/internal/config"
	"openoutcry/internal/metrics"
	"openoutcry/internal/session"
	"openoutcry/pkg/types"
)

// submitWait bounds how long a submission may sit in the matching queue
// before the worker rejects it as TIMED_OUT.
const submitWait = 2 * time.Second

// Handlers holds the dependencies of every HTTP endpoint.
type Handlers struct {
	cfg      config.ServerConfig
	mgr      *session.Manager
	bus      *bus.Bus
	hub      *Hub
	auth     *TokenAuth
	limits   *limiterPool
	col      *metrics.Collector
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates the handler set shared by all routes.
func NewHandlers(cfg config.ServerConfig, mgr *session.Manager, b *bus.Bus, hub *Hub, auth *TokenAuth, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:    cfg,
		mgr:    mgr,
		bus:    b,
		hub:    hub,
		auth:   auth,
		limits: newLimiterPool(cfg.RatePerSec, cfg.RateBurst),
		col:    metrics.GetCollector(),
		logger: logger.With("component", "gateway-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps session errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, session.ErrEnded),
		errors.Is(err, session.ErrNotJoinable),
		errors.Is(err, session.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrUnknownToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody unmarshals a JSON request body. An empty body leaves the
// destination untouched so endpoints with all-optional fields work with
// a bare POST.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// identify authenticates the request, writing a 401 on failure.
func (h *Handlers) identify(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return Identity{}, false
	}
	return id, true
}

// requireInstructor authenticates and enforces the instructor role.
func (h *Handlers) requireInstructor(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := h.identify(w, r)
	if !ok {
		return Identity{}, false
	}
	if !id.Instructor() {
		writeError(w, http.StatusForbidden, "instructor role required")
		return Identity{}, false
	}
	return id, true
}

// resolve looks up the session named by the {id} path value.
func (h *Handlers) resolve(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, false
	}
	return s, true
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a handler with request count and latency metrics,
// labeled by route pattern rather than raw path to keep cardinality down.
func (h *Handlers) instrument(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.col.RecordAPIRequest(r.Method, pattern, strconv.Itoa(rec.status), timer.ElapsedMs())
	}
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCreateSession builds a session from the lesson template plus the
// overrides in the body. Instructor only.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireInstructor(w, r); !ok {
		return
	}

	var ov session.Overrides
	if err := decodeBody(r, &ov); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.mgr.Create(ov)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("session created", "session_id", s.ID())
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// HandleListSessions returns every known session, newest first.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.mgr.List())
}

// HandleGetSession returns one session's snapshot.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	s, ok := h.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// lifecycle returns the handler for one state transition. End is
// idempotent: repeated calls return the ended snapshot, not an error.
func (h *Handlers) lifecycle(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := h.requireInstructor(w, r); !ok {
			return
		}
		s, ok := h.resolve(w, r)
		if !ok {
			return
		}

		var err error
		switch op {
		case "start":
			err = s.Start()
		case "pause":
			err = s.Pause()
		case "resume":
			err = s.Resume()
		case "end":
			err = s.End()
			if errors.Is(err, session.ErrEnded) {
				err = nil
			}
		}
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		h.logger.Info("session transition", "session_id", s.ID(), "op", op)
		writeJSON(w, http.StatusOK, s.Snapshot())
	}
}

// HandleJoin registers the caller as a participant and returns their
// opening portfolio. Joining twice is harmless.
func (h *Handlers) HandleJoin(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	s, ok := h.resolve(w, r)
	if !ok {
		return
	}

	snap, err := s.Join(id.UserID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type adjustCashRequest struct {
	UserID string          `json:"user_id"`
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason"`
}

type adjustCashResponse struct {
	UserID string          `json:"user_id"`
	Cash   decimal.Decimal `json:"cash"`
}

// HandleAdjustCash credits or debits a participant. Instructor only.
func (h *Handlers) HandleAdjustCash(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireInstructor(w, r); !ok {
		return
	}
	s, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req adjustCashRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Delta.IsZero() {
		writeError(w, http.StatusBadRequest, "delta must be non-zero")
		return
	}

	cash, err := s.AdjustCash(req.UserID, req.Delta, req.Reason)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	h.logger.Info("cash adjusted",
		"session_id", s.ID(), "user_id", req.UserID, "delta", req.Delta, "reason", req.Reason)
	writeJSON(w, http.StatusOK, adjustCashResponse{UserID: req.UserID, Cash: cash})
}

// HandleSubmitOrder routes an order to the session's matching worker and
// returns the synchronous result, fills included. The order is submitted
// as the authenticated user regardless of what the body claims.
func (h *Handlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	s, ok := h.resolve(w, r)
	if !ok {
		return
	}

	if !h.limits.allow(id.UserID) {
		h.col.RateLimitHits.WithLabelValues("orders").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var intent types.OrderIntent
	if err := decodeBody(r, &intent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	intent.UserID = id.UserID

	res, err := s.Submit(intent, time.Now().Add(submitWait))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelResponse struct {
	OrderID   uint64 `json:"order_id"`
	Cancelled bool   `json:"cancelled"`
}

// HandleCancelOrder cancels the caller's resting order. Unknown, already
// terminal, and foreign orders all report cancelled=false with a 200;
// repeating a cancel returns the same answer.
func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	s, ok := h.resolve(w, r)
	if !ok {
		return
	}

	orderID, err := strconv.ParseUint(r.PathValue("order_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "order_id must be a number")
		return
	}

	if !h.limits.allow(id.UserID) {
		h.col.RateLimitHits.WithLabelValues("cancel").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	cancelled := s.Cancel(orderID, id.UserID)
	writeJSON(w, http.StatusOK, cancelResponse{OrderID: orderID, Cancelled: cancelled})
}

// HandleBook returns a depth snapshot for one security.
// Query: security (required), depth (default 10).
func (h *Handlers) HandleBook(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identify(w, r); !ok {
		return
	}
	s, ok := h.resolve(w, r)
	if !ok {
		return
	}

	security := r.URL.Query().Get("security")
	if security == "" {
		writeError(w, http.StatusBadRequest, "security query parameter is required")
		return
	}
	depth := 10
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "depth must be a positive number")
			return
		}
		depth = d
	}

	snap, err := s.GetBook(security, depth)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandlePortfolio returns the caller's portfolio. Instructors may pass
// ?user= to inspect any participant.
func (h *Handlers) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}
	s, ok := h.resolve(w, r)
	if !ok {
		return
	}

	userID := id.UserID
	if u := r.URL.Query().Get("user"); u != "" && u != id.UserID {
		if !id.Instructor() {
			writeError(w, http.StatusForbidden, "instructor role required to view other portfolios")
			return
		}
		userID = u
	}

	snap, err := s.GetPortfolio(userID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleWebSocket upgrades the connection and bridges bus events to it.
// Query: session (required), topics (comma-separated aliases, defaulted).
// The subscription is taken before the upgrade so no events are missed.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identify(w, r)
	if !ok {
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session query parameter is required")
		return
	}
	if _, err := h.mgr.Get(sessionID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	names := defaultTopics
	if raw := r.URL.Query().Get("topics"); raw != "" {
		names = strings.Split(raw, ",")
	}
	topics, all, err := resolveTopics(sessionID, id, names)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var sub *bus.Subscription
	if all {
		sub, err = h.bus.SubscribeAll(sessionID, sendBuffer)
	} else {
		sub, err = h.bus.Subscribe(sessionID, sendBuffer, topics...)
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.bus.Unsubscribe(sub)
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	NewClient(h.hub, h.bus, conn, sub, sessionID, id, h.logger)
}

// isOriginAllowed applies the browser origin policy for WebSocket
// upgrades. Non-browser clients send no Origin header and pass. With an
// allowlist configured only exact matches pass; otherwise local and
// same-host origins are accepted.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == reqHost
}
