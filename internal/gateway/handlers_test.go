package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openoutcry/internal/bus"
	"openoutcry/internal/config"
	"openoutcry/internal/session"
	"openoutcry/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig builds a lesson whose first simulator tick is an hour away,
// so the book only moves when a test moves it.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			RatePerSec:      500,
			RateBurst:       500,
			ShutdownTimeout: time.Second,
		},
		Lesson: config.LessonConfig{
			Name:            "gateway lesson",
			StartingCash:    10000,
			QueueSize:       256,
			TotalDays:       1,
			MsPerDay:        3600000,
			TicksPerDay:     1,
			NewsFrequency:   0,
			Seed:            42,
			MarketMakerUser: "__mm__",
			MarketMakerCash: 1e9,
			Securities: []config.SecurityConfig{{
				Symbol:      "ACME",
				TickSize:    0.01,
				MinQuantity: 1,
				StartPrice:  50,
				Volatility:  0.01,
				SpreadBps:   20,
				Liquidity:   100,
			}},
		},
		Auth: config.AuthConfig{Tokens: map[string]config.TokenIdentity{
			"instructor-token": {UserID: "teach", Role: "instructor"},
			"alice-token":      {UserID: "alice", Role: "student"},
			"bob-token":        {UserID: "bob", Role: "student"},
		}},
	}
}

type testGateway struct {
	mux *http.ServeMux
	mgr *session.Manager
	bus *bus.Bus
	h   *Handlers
}

func newTestGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()

	logger := testLogger()
	b := bus.New(logger, types.SystemClock{})
	mgr := session.NewManager(logger, cfg, types.SystemClock{}, b, nil)
	t.Cleanup(mgr.Shutdown)

	hub := NewHub(logger)
	h := NewHandlers(cfg.Server, mgr, b, hub, NewTokenAuth(cfg.Auth), logger)
	return &testGateway{mux: newMux(h), mgr: mgr, bus: b, h: h}
}

// do runs one request through the real mux so path values resolve.
func (g *testGateway) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.mux.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

// createSession makes a WAITING session through the API and returns its ID.
func (g *testGateway) createSession(t *testing.T) string {
	t.Helper()
	rec := g.do(t, http.MethodPost, "/api/sessions", "instructor-token", session.Overrides{Name: "test"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[session.Snapshot](t, rec).ID
}

func TestHandleHealth(t *testing.T) {
	g := newTestGateway(t, testConfig())

	rec := g.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	g := newTestGateway(t, testConfig())

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/api/sessions", "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/api/sessions", "nope", http.StatusUnauthorized},
		{"student cannot create", http.MethodPost, "/api/sessions", "alice-token", http.StatusForbidden},
		{"student cannot start", http.MethodPost, "/api/sessions/xyz/start", "alice-token", http.StatusForbidden},
		{"unknown session", http.MethodGet, "/api/sessions/xyz", "instructor-token", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.do(t, tt.method, tt.path, tt.token, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSessionLifecycleFlow(t *testing.T) {
	g := newTestGateway(t, testConfig())
	id := g.createSession(t)

	// Visible to students.
	rec := g.do(t, http.MethodGet, "/api/sessions", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeAs[[]session.Snapshot](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, types.SessionWaiting, list[0].State)

	// Join while waiting.
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/join", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pf := decodeAs[types.PortfolioSnapshot](t, rec)
	assert.Equal(t, "alice", pf.UserID)
	assert.True(t, pf.Cash.Equal(decimal.NewFromInt(10000)), "cash: %s", pf.Cash)

	// Start, pause, resume.
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/start", "instructor-token", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, types.SessionRunning, decodeAs[session.Snapshot](t, rec).State)

	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/start", "instructor-token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "double start")

	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/pause", "instructor-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.SessionPaused, decodeAs[session.Snapshot](t, rec).State)

	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/resume", "instructor-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.SessionRunning, decodeAs[session.Snapshot](t, rec).State)

	// End twice; the second call is a no-op, not an error.
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/end", "instructor-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.SessionEnded, decodeAs[session.Snapshot](t, rec).State)

	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/end", "instructor-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSubmitAndCancelOrder(t *testing.T) {
	g := newTestGateway(t, testConfig())
	id := g.createSession(t)

	g.do(t, http.MethodPost, "/api/sessions/"+id+"/join", "alice-token", nil)
	rec := g.do(t, http.MethodPost, "/api/sessions/"+id+"/start", "instructor-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A limit bid away from the market rests.
	intent := types.OrderIntent{
		SecurityID: "ACME",
		Side:       types.BUY,
		Type:       types.Limit,
		Quantity:   10,
		Price:      decimal.NewFromInt(45),
		TIF:        types.TIFDay,
	}
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/orders", "alice-token", intent)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeAs[types.SubmitResult](t, rec)
	require.Equal(t, types.StatusNew, res.Status, "reason: %s", res.Reason)
	require.NotZero(t, res.OrderID)
	assert.Empty(t, res.Fills)

	// The bid shows in the book.
	rec = g.do(t, http.MethodGet, "/api/sessions/"+id+"/book?security=ACME&depth=5", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decodeAs[types.BookSnapshot](t, rec)
	found := false
	for _, lvl := range book.Bids {
		if lvl.Price.Equal(decimal.NewFromInt(45)) && lvl.TotalQuantity == 10 {
			found = true
		}
	}
	assert.True(t, found, "bid not in book: %+v", book.Bids)

	// Submitting as someone who never joined is rejected before matching.
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/orders", "bob-token", intent)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	// Unknown securities are rejected by the worker, not the transport.
	bad := intent
	bad.SecurityID = "NOPE"
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/orders", "alice-token", bad)
	require.Equal(t, http.StatusOK, rec.Code)
	badRes := decodeAs[types.SubmitResult](t, rec)
	assert.Equal(t, types.StatusRejected, badRes.Status)
	assert.Equal(t, types.RejectUnknownSecurity, badRes.Reason)

	// Cancel is idempotent: first true, then false.
	orderPath := "/api/sessions/" + id + "/orders/" + strconv.FormatUint(res.OrderID, 10)
	rec = g.do(t, http.MethodDelete, orderPath, "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeAs[cancelResponse](t, rec).Cancelled)

	rec = g.do(t, http.MethodDelete, orderPath, "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeAs[cancelResponse](t, rec).Cancelled)

	// A foreign order ID cannot be cancelled by another user.
	rec = g.do(t, http.MethodDelete, orderPath, "bob-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeAs[cancelResponse](t, rec).Cancelled)

	// Cash is untouched; the order never traded.
	rec = g.do(t, http.MethodGet, "/api/sessions/"+id+"/portfolio", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pf := decodeAs[types.PortfolioSnapshot](t, rec)
	assert.True(t, pf.Cash.Equal(decimal.NewFromInt(10000)), "cash: %s", pf.Cash)
}

func TestAdjustCash(t *testing.T) {
	g := newTestGateway(t, testConfig())
	id := g.createSession(t)
	g.do(t, http.MethodPost, "/api/sessions/"+id+"/join", "alice-token", nil)

	rec := g.do(t, http.MethodPost, "/api/sessions/"+id+"/cash", "instructor-token",
		adjustCashRequest{UserID: "alice", Delta: decimal.NewFromInt(500), Reason: "bonus"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAs[adjustCashResponse](t, rec)
	assert.True(t, resp.Cash.Equal(decimal.NewFromInt(10500)), "cash: %s", resp.Cash)

	// Students cannot adjust cash.
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/cash", "alice-token",
		adjustCashRequest{UserID: "alice", Delta: decimal.NewFromInt(500)})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown participants are a 404.
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/cash", "instructor-token",
		adjustCashRequest{UserID: "nobody", Delta: decimal.NewFromInt(500)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPortfolioVisibility(t *testing.T) {
	g := newTestGateway(t, testConfig())
	id := g.createSession(t)
	g.do(t, http.MethodPost, "/api/sessions/"+id+"/join", "alice-token", nil)

	// A student cannot read someone else's portfolio.
	rec := g.do(t, http.MethodGet, "/api/sessions/"+id+"/portfolio?user=alice", "bob-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The instructor can.
	rec = g.do(t, http.MethodGet, "/api/sessions/"+id+"/portfolio?user=alice", "instructor-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decodeAs[types.PortfolioSnapshot](t, rec).UserID)
}

func TestSubmitRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RatePerSec = 0.001
	cfg.Server.RateBurst = 1
	g := newTestGateway(t, cfg)

	id := g.createSession(t)
	g.do(t, http.MethodPost, "/api/sessions/"+id+"/join", "alice-token", nil)
	rec := g.do(t, http.MethodPost, "/api/sessions/"+id+"/start", "instructor-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	intent := types.OrderIntent{
		SecurityID: "ACME",
		Side:       types.BUY,
		Type:       types.Limit,
		Quantity:   1,
		Price:      decimal.NewFromInt(45),
		TIF:        types.TIFDay,
	}
	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/orders", "alice-token", intent)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = g.do(t, http.MethodPost, "/api/sessions/"+id+"/orders", "alice-token", intent)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.ServerConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://class.example.com",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://class.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://class.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://exchange.internal:8080",
			cfg:     config.ServerConfig{},
			reqHost: "exchange.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
