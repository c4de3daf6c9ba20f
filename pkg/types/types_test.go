package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSecurityOnGrid(t *testing.T) {
	t.Parallel()

	sec := Security{ID: "SEC1", Symbol: "ACME", TickSize: d("0.01"), MinQuantity: 1}

	tests := []struct {
		price string
		want  bool
	}{
		{"50.05", true},
		{"50.00", true},
		{"0.01", true},
		{"50.005", false},
		{"0", false},
		{"-1.00", false},
	}

	for _, tt := range tests {
		if got := sec.OnGrid(d(tt.price)); got != tt.want {
			t.Errorf("OnGrid(%s) = %v, want %v", tt.price, got, tt.want)
		}
	}
}

func TestSecuritySnap(t *testing.T) {
	t.Parallel()

	sec := Security{TickSize: d("0.05")}

	tests := []struct {
		price    string
		wantDown string
		wantUp   string
	}{
		{"50.07", "50.05", "50.10"},
		{"50.05", "50.05", "50.05"},
		{"0.01", "0.00", "0.05"},
	}

	for _, tt := range tests {
		if got := sec.SnapDown(d(tt.price)); !got.Equal(d(tt.wantDown)) {
			t.Errorf("SnapDown(%s) = %s, want %s", tt.price, got, tt.wantDown)
		}
		if got := sec.SnapUp(d(tt.price)); !got.Equal(d(tt.wantUp)) {
			t.Errorf("SnapUp(%s) = %s, want %s", tt.price, got, tt.wantUp)
		}
	}
}

func TestSideHelpers(t *testing.T) {
	t.Parallel()

	if BUY.Sign() != 1 || SELL.Sign() != -1 {
		t.Errorf("Sign: BUY = %d, SELL = %d", BUY.Sign(), SELL.Sign())
	}
	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Errorf("Opposite: BUY = %s, SELL = %s", BUY.Opposite(), SELL.Opposite())
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusNew, false},
		{StatusPartial, false},
		{StatusFilled, true},
		{StatusCancelled, true},
		{StatusRejected, true},
		{StatusExpired, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPortfolioEquity(t *testing.T) {
	t.Parallel()

	p := PortfolioSnapshot{
		Cash: d("1000"),
		Positions: []Position{
			{Quantity: 100, LastMarkPrice: d("50.00")},
			{Quantity: -20, LastMarkPrice: d("10.00")},
		},
	}

	// 1000 + 100*50 - 20*10 = 5800
	if got := p.Equity(); !got.Equal(d("5800")) {
		t.Errorf("Equity() = %s, want 5800", got)
	}
}

func TestTradeNotional(t *testing.T) {
	t.Parallel()

	tr := Trade{Price: d("50.05"), Quantity: 100}
	if got := tr.Notional(); !got.Equal(d("5005")) {
		t.Errorf("Notional() = %s, want 5005", got)
	}
}
