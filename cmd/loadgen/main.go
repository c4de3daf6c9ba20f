// Loadgen drives a running exchange with synthetic order flow through the
// public API, exercising the same path students use: REST submissions,
// cancels, book reads, and a WebSocket trade feed. It reports throughput
// and fill counts when done.
//
//	loadgen -addr http://localhost:8080 -traders 8 -orders 5000 -rate 200
//
// Unless -session names an existing session, loadgen creates one, joins
// its traders, starts it, and ends it when the run completes. Trader
// identities are loadgen-0..N-1; against a server with a fixed token
// table pass real tokens with -tokens instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"openoutcry/pkg/client"
	"openoutcry/pkg/types"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "gateway base URL")
	adminToken := flag.String("token", "loadgen-admin", "instructor token for session control")
	sessionID := flag.String("session", "", "existing session to target instead of creating one")
	traders := flag.Int("traders", 4, "concurrent simulated traders")
	tokens := flag.String("tokens", "", "comma-separated trader tokens (overrides -traders)")
	totalOrders := flag.Int("orders", 1000, "orders to submit across all traders")
	rate := flag.Float64("rate", 50, "aggregate order rate per second")
	cancelEvery := flag.Int("cancel-every", 10, "cancel a random resting order every N submissions, 0 disables")
	marketRatio := flag.Int("market-ratio", 5, "1 in N orders is a market order")
	levels := flag.Int64("levels", 20, "price levels around the mark to quote")
	seed := flag.Int64("seed", time.Now().UnixNano(), "seed for the random order streams")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traderTokens := make([]string, 0, *traders)
	if *tokens != "" {
		for _, tok := range strings.Split(*tokens, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				traderTokens = append(traderTokens, tok)
			}
		}
	} else {
		for i := 0; i < *traders; i++ {
			traderTokens = append(traderTokens, fmt.Sprintf("loadgen-%d", i))
		}
	}
	if len(traderTokens) == 0 {
		fatal(fmt.Errorf("no traders configured"))
	}

	admin := client.New(*addr, *adminToken)

	// Resolve or create the target session.
	created := false
	id := *sessionID
	if id == "" {
		info, err := admin.CreateSession(ctx, client.SessionOverrides{Name: "loadgen", Seed: *seed})
		if err != nil {
			fatal(fmt.Errorf("create session: %w", err))
		}
		id = info.ID
		created = true
	}

	info, err := admin.GetSession(ctx, id)
	if err != nil {
		fatal(fmt.Errorf("get session: %w", err))
	}
	if len(info.Securities) == 0 {
		fatal(fmt.Errorf("session %s has no securities", id))
	}
	security := info.Securities[0]

	// Join everyone before the market opens.
	perTrader := *rate / float64(len(traderTokens))
	clients := make([]*client.Client, len(traderTokens))
	for i, tok := range traderTokens {
		clients[i] = client.New(*addr, tok, client.WithRateLimit(perTrader, 1))
		if _, err := clients[i].Join(ctx, id); err != nil {
			fatal(fmt.Errorf("join %s: %w", tok, err))
		}
	}

	if created {
		if _, err := admin.StartSession(ctx, id); err != nil {
			fatal(fmt.Errorf("start session: %w", err))
		}
	}

	// Count trades on the wire as an end-to-end check of the feed.
	var streamTrades atomic.Int64
	stream, err := admin.Stream(id, []string{client.TopicTrades})
	if err != nil {
		fatal(fmt.Errorf("open stream: %w", err))
	}
	streamCtx, stopStream := context.WithCancel(context.Background())
	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go func() {
		defer streamWG.Done()
		stream.Run(streamCtx)
	}()
	go func() {
		defer streamWG.Done()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-stream.Trades():
				streamTrades.Add(1)
			}
		}
	}()

	mark := initialMark(ctx, admin, id, security.ID)

	var (
		issued    atomic.Int64
		submitted atomic.Int64
		rejected  atomic.Int64
		fills     atomic.Int64
		cancels   atomic.Int64
		failures  atomic.Int64
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			t := &trader{
				client:      c,
				sessionID:   id,
				security:    security,
				rng:         rand.New(rand.NewSource(*seed + int64(i))),
				mark:        mark,
				levels:      *levels,
				marketRatio: *marketRatio,
				cancelEvery: *cancelEvery,
			}
			for ctx.Err() == nil && issued.Add(1) <= int64(*totalOrders) {
				res, err := t.submitOne(ctx)
				if err != nil {
					failures.Add(1)
					continue
				}
				submitted.Add(1)
				fills.Add(int64(len(res.Fills)))
				if res.Status == types.StatusRejected {
					rejected.Add(1)
				}
				if n, err := t.maybeCancel(ctx); err == nil {
					cancels.Add(n)
				}
			}
		}(i, c)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Give in-flight trades a moment to reach the stream, then stop it.
	time.Sleep(500 * time.Millisecond)
	stopStream()
	stream.Close()

	if created {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := admin.EndSession(endCtx, id); err != nil {
			fmt.Fprintf(os.Stderr, "end session: %v\n", err)
		}
		cancel()
	}
	streamWG.Wait()

	ordersPerSec := float64(submitted.Load()) / elapsed.Seconds()
	fmt.Printf("session %s: submitted %d orders in %s (%.0f orders/s)\n",
		id, submitted.Load(), elapsed.Truncate(time.Millisecond), ordersPerSec)
	fmt.Printf("fills %d | rejected %d | cancels %d | request failures %d\n",
		fills.Load(), rejected.Load(), cancels.Load(), failures.Load())
	fmt.Printf("stream delivered %d trade events\n", streamTrades.Load())
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "loadgen:", err)
	os.Exit(1)
}

// initialMark picks a starting reference price: last trade if any, else
// the book mid, else 50.
func initialMark(ctx context.Context, c *client.Client, sessionID, securityID string) decimal.Decimal {
	book, err := c.GetBook(ctx, sessionID, securityID, 1)
	if err == nil {
		if m, ok := markFromBook(book); ok {
			return m
		}
	}
	return decimal.NewFromInt(50)
}

func markFromBook(book *types.BookSnapshot) (decimal.Decimal, bool) {
	if book.LastPrice.IsPositive() {
		return book.LastPrice, true
	}
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	if hasBid && hasAsk {
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
	}
	return decimal.Decimal{}, false
}

// trader is one synthetic participant's order stream state.
type trader struct {
	client      *client.Client
	sessionID   string
	security    types.Security
	rng         *rand.Rand
	mark        decimal.Decimal
	levels      int64
	marketRatio int
	cancelEvery int

	sent    int
	resting []uint64
}

// submitOne sends a random order near the current mark. Offsets span both
// sides of the mark so some orders cross and trade immediately while the
// rest add depth.
func (t *trader) submitOne(ctx context.Context) (*types.SubmitResult, error) {
	t.sent++
	if t.sent%25 == 0 {
		if book, err := t.client.GetBook(ctx, t.sessionID, t.security.ID, 1); err == nil {
			if m, ok := markFromBook(book); ok {
				t.mark = m
			}
		}
	}

	intent := types.OrderIntent{
		SecurityID: t.security.ID,
		Side:       types.BUY,
		Type:       types.Limit,
		Quantity:   (t.rng.Int63n(5) + 1) * max(t.security.MinQuantity, 1),
		TIF:        types.TIFDay,
	}
	if t.rng.Intn(2) == 1 {
		intent.Side = types.SELL
	}
	if t.rng.Intn(10) == 0 {
		intent.TIF = types.TIFIOC
	}

	if t.marketRatio > 0 && t.rng.Intn(t.marketRatio) == 0 {
		intent.Type = types.Market
		intent.TIF = types.TIFIOC
	} else {
		offset := t.rng.Int63n(2*t.levels+1) - t.levels
		price := t.mark.Add(t.security.TickSize.Mul(decimal.NewFromInt(offset)))
		if !price.IsPositive() {
			price = t.security.TickSize
		}
		intent.Price = price
	}

	res, err := t.client.SubmitOrder(ctx, t.sessionID, intent)
	if err != nil {
		return nil, err
	}
	if res.Status == types.StatusNew || res.Status == types.StatusPartial {
		t.resting = append(t.resting, res.OrderID)
	}
	return res, nil
}

// maybeCancel prunes a random resting order every cancelEvery submissions.
func (t *trader) maybeCancel(ctx context.Context) (int64, error) {
	if t.cancelEvery <= 0 || t.sent%t.cancelEvery != 0 || len(t.resting) == 0 {
		return 0, nil
	}
	i := t.rng.Intn(len(t.resting))
	orderID := t.resting[i]
	t.resting = append(t.resting[:i], t.resting[i+1:]...)

	ok, err := t.client.CancelOrder(ctx, t.sessionID, orderID)
	if err != nil {
		return 0, err
	}
	if ok {
		return 1, nil
	}
	return 0, nil
}
