// Package fetcher walks a date range window by window, runs one query per
// window, and appends each window's messages to the output before moving on.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"matomo-requests-tool/internal/ledger"
	"matomo-requests-tool/internal/logsquery"
	"matomo-requests-tool/internal/window"
)

// Searcher runs a query for one window to completion.
type Searcher interface {
	Search(ctx context.Context, w window.Window) (logsquery.Result, error)
}

// Sink receives the messages of each window in order.
type Sink interface {
	Append(lines []string) error
}

// Recorder stores per-window outcomes.
type Recorder interface {
	RecordWindow(ctx context.Context, runID string, w ledger.Window) error
}

// Window statuses recorded in the ledger.
const (
	WindowComplete = "Complete"
	WindowSplit    = "Split"
	WindowFailed   = "Failed"
)

// Config controls how a range is cut and queried.
type Config struct {
	Window time.Duration
	// SplitFactor re-queries a window that hit Limit as this many parts. Zero
	// keeps the truncated result.
	SplitFactor int
	Limit       int32
	DryRun      bool
}

// Stats summarises a run.
type Stats struct {
	Queries   int
	Windows   int
	Records   int
	Truncated int
	Splits    int
}

// Fetcher is the sequential range walker.
type Fetcher struct {
	searcher Searcher
	sink     Sink
	cfg      Config
	logger   *slog.Logger
	recorder Recorder
	runID    string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithRecorder records every queried window under runID.
func WithRecorder(r Recorder, runID string) Option {
	return func(f *Fetcher) {
		f.recorder = r
		f.runID = runID
	}
}

// New returns a Fetcher.
func New(s Searcher, sink Sink, cfg Config, opts ...Option) *Fetcher {
	if cfg.Window <= 0 {
		cfg.Window = window.DefaultSize
	}
	f := &Fetcher{searcher: s, sink: sink, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run fetches r day by day. Each day is tiled into full windows plus an
// optional remainder. The first error stops the run; the returned stats
// cover what was written until then.
func (f *Fetcher) Run(ctx context.Context, r window.Range) (Stats, error) {
	var st Stats
	days := r.Days()
	f.logger.Info("Starting fetch",
		"range_start", r.Start.Format(time.RFC3339),
		"range_end", r.Last().Format(time.RFC3339Nano),
		"days", len(days),
		"window", f.cfg.Window,
		"dry_run", f.cfg.DryRun,
	)

	for i, day := range days {
		full, remainder := window.Count(day.Duration(), f.cfg.Window)
		f.logger.Info("Processing day",
			"day", i+1,
			"of", len(days),
			"start", day.Start.Format(time.RFC3339),
			"full_windows", full,
			"remainder", remainder,
		)
		for _, w := range window.Tile(day, f.cfg.Window) {
			if err := f.fetchWindow(ctx, w, 0, &st); err != nil {
				return st, err
			}
		}
	}

	f.logger.Info("Fetch finished",
		"queries", st.Queries,
		"windows", st.Windows,
		"records", st.Records,
		"truncated", st.Truncated,
		"splits", st.Splits,
	)
	return st, nil
}

func (f *Fetcher) fetchWindow(ctx context.Context, w window.Window, depth int, st *Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.cfg.DryRun {
		f.logger.Info("[DRY-RUN] Would query", "window", w.String(), "depth", depth)
		st.Windows++
		return nil
	}

	f.logger.Debug("Querying", "window", w.String(), "depth", depth)
	res, err := f.searcher.Search(ctx, w)
	st.Queries++
	if err != nil {
		f.record(ctx, w, depth, res, WindowFailed, false)
		return fmt.Errorf("window %s: %w", w, err)
	}

	truncated := res.Truncated(f.cfg.Limit)
	if truncated {
		st.Truncated++
		if parts := window.Split(w, f.cfg.SplitFactor, window.Resolution); parts != nil {
			f.logger.Warn("Result limit hit, splitting window",
				"window", w.String(), "query_id", res.QueryID, "rows", res.Rows, "parts", len(parts), "depth", depth)
			f.record(ctx, w, depth, res, WindowSplit, true)
			st.Splits++
			for _, p := range parts {
				if err := f.fetchWindow(ctx, p, depth+1, st); err != nil {
					return err
				}
			}
			return nil
		}
		f.logger.Warn("Result limit hit, window may be missing records",
			"window", w.String(), "query_id", res.QueryID, "rows", res.Rows, "limit", f.cfg.Limit)
	}

	if err := f.sink.Append(res.Messages); err != nil {
		return fmt.Errorf("window %s: %w", w, err)
	}
	st.Windows++
	st.Records += len(res.Messages)
	f.record(ctx, w, depth, res, WindowComplete, truncated)
	f.logger.Debug("Window written", "window", w.String(), "query_id", res.QueryID, "records", len(res.Messages))
	return nil
}

// record is best effort: a ledger failure is logged and the fetch goes on.
func (f *Fetcher) record(ctx context.Context, w window.Window, depth int, res logsquery.Result, status string, truncated bool) {
	if f.recorder == nil {
		return
	}
	err := f.recorder.RecordWindow(ctx, f.runID, ledger.Window{
		Window:    w,
		Depth:     depth,
		QueryID:   res.QueryID,
		Status:    status,
		Records:   len(res.Messages),
		Truncated: truncated,
	})
	if err != nil {
		f.logger.Error("Failed to record window", "window", w.String(), "error", err)
	}
}
