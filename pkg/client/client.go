// Package client is the Go SDK for the exchange gateway.
//
// Client covers the REST command surface: session control, joining,
// order submission and cancellation, and book/portfolio reads. Stream
// subscribes to the WebSocket event bridge and fans messages out on
// typed channels, reconnecting with exponential backoff.
//
// Every request is authenticated with the bearer token given at
// construction, retried on 5xx responses, and optionally throttled
// client-side so a busy tool stays under the gateway's rate limit.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"openoutcry/pkg/types"
)

// Topic aliases understood by the stream endpoint. The private aliases
// resolve server-side to the authenticated user's own streams.
const (
	TopicTrades    = "trades"
	TopicMarket    = "market"
	TopicNews      = "news"
	TopicLifecycle = "lifecycle"
	TopicOrders    = "orders"
	TopicPortfolio = "portfolio"
	TopicAll       = "all" // instructor only
)

// TopicBook returns the per-security book alias.
func TopicBook(securityID string) string { return "book." + securityID }

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s", e.Status, e.Message)
}

// SessionOverrides tunes a new session away from the server's lesson
// template. Zero fields keep the template values.
type SessionOverrides struct {
	Name          string  `json:"name,omitempty"`
	StartingCash  float64 `json:"starting_cash,omitempty"`
	TotalDays     int     `json:"total_days,omitempty"`
	MsPerDay      int     `json:"ms_per_day,omitempty"`
	TicksPerDay   int     `json:"ticks_per_day,omitempty"`
	NewsFrequency float64 `json:"news_frequency,omitempty"`
	Seed          int64   `json:"seed,omitempty"`
	AllowShort    *bool   `json:"allow_short,omitempty"`
}

// SessionInfo is the server's session record.
type SessionInfo struct {
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

// CashAdjustment is the result of an instructor cash operation.
type CashAdjustment struct {
	UserID string          `json:"user_id"`
	Cash   decimal.Decimal `json:"cash"`
}

// CancelResult reports the disposition of a cancel request. Cancelled is
// false for unknown, terminal, and foreign orders.
type CancelResult struct {
	OrderID   uint64 `json:"order_id"`
	Cancelled bool   `json:"cancelled"`
}

// Client is the REST API client.
type Client struct {
	http    *resty.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithRateLimit throttles requests client-side so long-running tools
// never trip the gateway's per-user limit.
func WithRateLimit(perSec float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// WithLogger replaces the default no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout replaces the default 10s request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.SetTimeout(d)
	}
}

// New creates a client for the gateway at baseURL with retry on 5xx.
func New(baseURL, token string, opts ...Option) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorBody struct {
	Error string `json:"error"`
}

// call runs one request, converting non-2xx responses into APIErrors.
func (c *Client) call(ctx context.Context, method, path string, body, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var apiErr errorBody
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return &APIError{Status: resp.StatusCode(), Message: msg}
	}
	return nil
}

// Health checks gateway liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateSession builds a new session from the server's lesson template
// plus the given overrides. Instructor only.
func (c *Client) CreateSession(ctx context.Context, ov SessionOverrides) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.call(ctx, http.MethodPost, "/api/sessions", ov, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListSessions returns every session, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var list []SessionInfo
	if err := c.call(ctx, http.MethodGet, "/api/sessions", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetSession returns one session's record.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.call(ctx, http.MethodGet, "/api/sessions/"+sessionID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) lifecycle(ctx context.Context, sessionID, op string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.call(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/"+op, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StartSession opens the market and starts the calendar. Instructor only.
func (c *Client) StartSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	return c.lifecycle(ctx, sessionID, "start")
}

// PauseSession halts the calendar. Instructor only.
func (c *Client) PauseSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	return c.lifecycle(ctx, sessionID, "pause")
}

// ResumeSession restarts a paused calendar. Instructor only.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	return c.lifecycle(ctx, sessionID, "resume")
}

// EndSession tears the session down. Safe to call repeatedly. Instructor
// only.
func (c *Client) EndSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	return c.lifecycle(ctx, sessionID, "end")
}

// Join registers the caller as a participant and returns the opening
// portfolio. Joining twice is harmless.
func (c *Client) Join(ctx context.Context, sessionID string) (*types.PortfolioSnapshot, error) {
	var snap types.PortfolioSnapshot
	if err := c.call(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/join", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// AdjustCash credits or debits a participant and returns their new
// balance. Instructor only.
func (c *Client) AdjustCash(ctx context.Context, sessionID, userID string, delta decimal.Decimal, reason string) (decimal.Decimal, error) {
	body := map[string]any{"user_id": userID, "delta": delta, "reason": reason}
	var adj CashAdjustment
	if err := c.call(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/cash", body, &adj); err != nil {
		return decimal.Zero, err
	}
	return adj.Cash, nil
}

// SubmitOrder sends one order and returns the synchronous result, fills
// included. The server submits the order as the token's user, whatever
// the intent claims.
func (c *Client) SubmitOrder(ctx context.Context, sessionID string, intent types.OrderIntent) (*types.SubmitResult, error) {
	var res types.SubmitResult
	if err := c.call(ctx, http.MethodPost, "/api/sessions/"+sessionID+"/orders", intent, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelOrder cancels a resting order. Reports false for orders that are
// unknown, already terminal, or not the caller's.
func (c *Client) CancelOrder(ctx context.Context, sessionID string, orderID uint64) (bool, error) {
	path := "/api/sessions/" + sessionID + "/orders/" + strconv.FormatUint(orderID, 10)
	var res CancelResult
	if err := c.call(ctx, http.MethodDelete, path, nil, &res); err != nil {
		return false, err
	}
	return res.Cancelled, nil
}

// GetBook returns a depth snapshot for one security. A depth of zero
// asks for the server default.
func (c *Client) GetBook(ctx context.Context, sessionID, securityID string, depth int) (*types.BookSnapshot, error) {
	path := "/api/sessions/" + sessionID + "/book?security=" + url.QueryEscape(securityID)
	if depth > 0 {
		path += "&depth=" + strconv.Itoa(depth)
	}
	var snap types.BookSnapshot
	if err := c.call(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetPortfolio returns the caller's own portfolio.
func (c *Client) GetPortfolio(ctx context.Context, sessionID string) (*types.PortfolioSnapshot, error) {
	var snap types.PortfolioSnapshot
	if err := c.call(ctx, http.MethodGet, "/api/sessions/"+sessionID+"/portfolio", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetPortfolioOf returns another participant's portfolio. Instructor
// only.
func (c *Client) GetPortfolioOf(ctx context.Context, sessionID, userID string) (*types.PortfolioSnapshot, error) {
	var snap types.PortfolioSnapshot
	path := "/api/sessions/" + sessionID + "/portfolio?user=" + url.QueryEscape(userID)
	if err := c.call(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Stream opens the WebSocket event bridge for one session. The returned
// Stream is not yet connected; call Run to connect and pump events.
func (c *Client) Stream(sessionID string, topics []string) (*Stream, error) {
	return NewStream(c.baseURL, c.token, sessionID, topics, c.logger)
}
