// Replay reconstructs a recorded session from its journal and prints the
// final standings: a leaderboard, open positions, and per-security trade
// activity. It reads either a JSONL journal file or the SQLite journal
// database.
//
// Usage:
//
//	replay -journal sessions/<id>.jsonl
//	replay -db journal.db -session <id>
//	replay -db journal.db            (lists recorded sessions)
//
// The portfolios are rebuilt from the input events alone (joins, cash
// adjustments, trades, ticks), so the numbers double as an audit of the
// live accounting rather than an echo of it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"openoutcry/internal/journal"
	"openoutcry/pkg/types"
)

func main() {
	journalPath := flag.String("journal", "", "path to a JSONL session journal")
	dbPath := flag.String("db", "", "path to a SQLite journal database")
	sessionID := flag.String("session", "", "session to replay (defaults to the journal file's session)")
	flag.Parse()

	if (*journalPath == "") == (*dbPath == "") {
		fmt.Fprintln(os.Stderr, "usage:")
		fmt.Fprintln(os.Stderr, "  replay -journal sessions/<id>.jsonl")
		fmt.Fprintln(os.Stderr, "  replay -db journal.db -session <id>")
		fmt.Fprintln(os.Stderr, "  replay -db journal.db")
		os.Exit(2)
	}

	// Tables go to stdout; keep replay diagnostics on stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	records, id, listed, err := loadRecords(*journalPath, *dbPath, *sessionID)
	if err != nil {
		fatal(err)
	}
	if listed {
		return
	}
	if len(records) == 0 {
		fatal(fmt.Errorf("journal holds no records for session %s", id))
	}

	snapshots, err := journal.Replay(logger, id, records)
	if err != nil {
		fatal(fmt.Errorf("replay: %w", err))
	}

	report(os.Stdout, id, records, snapshots)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "replay:", err)
	os.Exit(1)
}

// loadRecords reads the journal from whichever source was given. With -db
// and no -session it prints the recorded session IDs instead and reports
// listed=true.
func loadRecords(journalPath, dbPath, sessionID string) (records []journal.Record, id string, listed bool, err error) {
	if journalPath != "" {
		reader, err := journal.NewReader(journalPath)
		if err != nil {
			return nil, "", false, err
		}
		defer reader.Close()

		records, err := reader.ReadAll()
		if err != nil {
			return nil, "", false, err
		}
		id := sessionID
		if id == "" && len(records) > 0 {
			id = records[0].SessionID
		}
		return records, id, false, nil
	}

	sink, err := journal.NewSQLiteSink(dbPath)
	if err != nil {
		return nil, "", false, err
	}
	defer sink.Close()

	if sessionID == "" {
		ids, err := sink.Sessions()
		if err != nil {
			return nil, "", false, err
		}
		if len(ids) == 0 {
			fmt.Println("no recorded sessions")
			return nil, "", true, nil
		}
		fmt.Println("recorded sessions:")
		for _, id := range ids {
			fmt.Println(" ", id)
		}
		return nil, "", true, nil
	}

	records, err = sink.ReadSession(sessionID)
	if err != nil {
		return nil, "", false, err
	}
	return records, sessionID, false, nil
}

// securityStats aggregates the trade prints for one security.
type securityStats struct {
	id       string
	trades   int
	volume   int64
	notional decimal.Decimal
	last     decimal.Decimal
	high     decimal.Decimal
	low      decimal.Decimal
}

func report(out *os.File, sessionID string, records []journal.Record, snapshots []types.PortfolioSnapshot) {
	counts := map[types.EventKind]int{}
	stats := map[string]*securityStats{}
	lastDay := 0

	for _, rec := range records {
		counts[rec.Kind]++
		v, err := rec.Decode()
		if err != nil {
			continue // unknown kinds are not fatal for reporting
		}
		switch p := v.(type) {
		case types.Trade:
			s, ok := stats[p.SecurityID]
			if !ok {
				s = &securityStats{id: p.SecurityID, low: p.Price, high: p.Price}
				stats[p.SecurityID] = s
			}
			s.trades++
			s.volume += p.Quantity
			s.notional = s.notional.Add(p.Notional())
			s.last = p.Price
			if p.Price.GreaterThan(s.high) {
				s.high = p.Price
			}
			if p.Price.LessThan(s.low) {
				s.low = p.Price
			}
		case types.MarketTick:
			if p.Day > lastDay {
				lastDay = p.Day
			}
		case types.LifecycleEvent:
			if p.Day > lastDay {
				lastDay = p.Day
			}
		}
	}

	first, last := records[0].Timestamp, records[len(records)-1].Timestamp
	fmt.Fprintf(out, "\n========================================================\n")
	fmt.Fprintf(out, "  SESSION REPLAY  %s\n", sessionID)
	fmt.Fprintf(out, "  %s to %s (%d records, day %d)\n",
		first.Format("2006-01-02 15:04:05"),
		last.Format("2006-01-02 15:04:05"),
		len(records), lastDay)
	fmt.Fprintf(out, "========================================================\n")
	fmt.Fprintf(out, "\n  trades %d | orders %d | ticks %d | news %d | lifecycle %d\n",
		counts[types.KindTrade], counts[types.KindOrderUpdate],
		counts[types.KindMarketTick], counts[types.KindNews],
		counts[types.KindLifecycle])

	// Leaderboard sorted by equity, best first.
	sort.Slice(snapshots, func(i, j int) bool {
		ei, ej := snapshots[i].Equity(), snapshots[j].Equity()
		if !ei.Equal(ej) {
			return ei.GreaterThan(ej)
		}
		return snapshots[i].UserID < snapshots[j].UserID
	})

	fmt.Fprintf(out, "\n  --- LEADERBOARD ---\n")
	lb := tablewriter.NewWriter(out)
	lb.Header("#", "User", "Equity", "Cash", "PnL", "Return")
	for i, snap := range snapshots {
		pnl := snap.Equity().Sub(snap.StartingCash)
		ret := "-"
		if snap.StartingCash.IsPositive() {
			ret = pnl.Div(snap.StartingCash).Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
		}
		lb.Append(
			strconv.Itoa(i+1),
			snap.UserID,
			snap.Equity().StringFixed(2),
			snap.Cash.StringFixed(2),
			pnl.StringFixed(2),
			ret,
		)
	}
	lb.Render()

	var open int
	for _, snap := range snapshots {
		open += len(snap.Positions)
	}
	if open > 0 {
		fmt.Fprintf(out, "\n  --- OPEN POSITIONS ---\n")
		pt := tablewriter.NewWriter(out)
		pt.Header("User", "Security", "Qty", "Avg Px", "Mark", "Unrealized", "Realized")
		for _, snap := range snapshots {
			for _, pos := range snap.Positions {
				pt.Append(
					pos.UserID,
					pos.SecurityID,
					strconv.FormatInt(pos.Quantity, 10),
					pos.AvgPrice.StringFixed(2),
					pos.LastMarkPrice.StringFixed(2),
					pos.UnrealizedPnL.StringFixed(2),
					pos.RealizedPnL.StringFixed(2),
				)
			}
		}
		pt.Render()
	}

	if len(stats) > 0 {
		ids := make([]string, 0, len(stats))
		for id := range stats {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Fprintf(out, "\n  --- TRADE ACTIVITY ---\n")
		tt := tablewriter.NewWriter(out)
		tt.Header("Security", "Trades", "Volume", "VWAP", "Last", "High", "Low")
		for _, id := range ids {
			s := stats[id]
			vwap := "-"
			if s.volume > 0 {
				vwap = s.notional.Div(decimal.NewFromInt(s.volume)).StringFixed(2)
			}
			tt.Append(
				s.id,
				strconv.Itoa(s.trades),
				strconv.FormatInt(s.volume, 10),
				vwap,
				s.last.StringFixed(2),
				s.high.StringFixed(2),
				s.low.StringFixed(2),
			)
		}
		tt.Render()
	}

	fmt.Fprintln(out)
}
