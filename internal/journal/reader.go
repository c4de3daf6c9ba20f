package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"openoutcry/internal/bus"
	"openoutcry/internal/portfolio"
	"openoutcry/pkg/types"
)

// Reader streams records out of a JSONL journal file.
type Reader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewReader opens a journal file for reading.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 256*1024), 1024*1024)
	return &Reader{file: f, scanner: scanner}, nil
}

// Next returns the next record, or io.EOF at end of journal.
func (r *Reader) Next() (Record, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, io.EOF
	}
	var rec Record
	if err := json.Unmarshal(r.scanner.Bytes(), &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

// ReadAll drains the file.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay feeds a recorded session through a fresh portfolio engine and
// returns the rebuilt snapshots. Records must be in seq order, as both
// sinks store them. Only input records drive state: joins and cash
// adjustments from lifecycle records, trades, and market ticks. Emitted
// views in the journal (position updates, summaries) are ignored, which is
// what makes the replay a real check of the accounting rather than an
// echo of it.
func Replay(logger *slog.Logger, sessionID string, records []Record) ([]types.PortfolioSnapshot, error) {
	b := bus.New(logger, types.SystemClock{})
	b.OpenSession(sessionID)
	defer b.CloseSession(sessionID)

	pf := portfolio.NewEngine(logger, sessionID, b)

	for _, rec := range records {
		switch rec.Kind {
		case types.KindLifecycle:
			var lc types.LifecycleEvent
			if err := json.Unmarshal(rec.Payload, &lc); err != nil {
				return nil, fmt.Errorf("seq %d: %w", rec.Seq, err)
			}
			switch lc.Stage {
			case types.StageJoined:
				if err := pf.CreateAccount(lc.UserID, lc.Amount); err != nil {
					return nil, fmt.Errorf("seq %d: replay join: %w", rec.Seq, err)
				}
			case types.StageCashAdjust:
				if _, err := pf.AdjustCash(lc.UserID, lc.Amount, "replay"); err != nil {
					return nil, fmt.Errorf("seq %d: replay cash adjust: %w", rec.Seq, err)
				}
			}
		case types.KindTrade:
			var t types.Trade
			if err := json.Unmarshal(rec.Payload, &t); err != nil {
				return nil, fmt.Errorf("seq %d: %w", rec.Seq, err)
			}
			pf.ApplyTrades([]types.Trade{t})
		case types.KindMarketTick:
			var tick types.MarketTick
			if err := json.Unmarshal(rec.Payload, &tick); err != nil {
				return nil, fmt.Errorf("seq %d: %w", rec.Seq, err)
			}
			pf.MarkToMarket(tick)
		}
	}

	return pf.Snapshots(), nil
}
