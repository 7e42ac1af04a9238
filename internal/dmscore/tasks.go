package dmscore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/fetcher"
	"github.com/quantcore/platform/internal/symbol"
	"github.com/rs/zerolog"
)

// TaskRunner executes the four maintenance task kinds against a
// BarStore/Fetcher pair, per spec §4.3.
type TaskRunner struct {
	store   barstore.BarStore
	fetch   fetcher.Fetcher
	clock   *clock.Clock
	log     zerolog.Logger
}

// NewTaskRunner builds a TaskRunner.
func NewTaskRunner(store barstore.BarStore, fetch fetcher.Fetcher, clk *clock.Clock, log zerolog.Logger) *TaskRunner {
	return &TaskRunner{store: store, fetch: fetch, clock: clk, log: log.With().Str("component", "dms_tasks").Logger()}
}

const defaultInitialDays = 1825

// RunIncremental implements spec §4.3 "Incremental": for each symbol,
// fetch only rows strictly after the stored latest timestamp (or the
// last InitialDays if none exist yet).
func (t *TaskRunner) RunIncremental(ctx context.Context, task Task) (RunResult, error) {
	res := RunResult{Task: task.Name, Kind: KindIncremental, StartTime: t.clock.Now()}
	now := t.clock.Now()
	initialDays := task.InitialDays
	if initialDays <= 0 {
		initialDays = defaultInitialDays
	}
	gapThreshold := task.GapThresholdDays

	for _, rawSym := range task.Symbols {
		sym := symbol.Canonicalize(rawSym)
		if sym == "" {
			continue
		}
		latest, ok, err := t.store.LatestTimestamp(ctx, sym, task.Interval)
		if err != nil {
			return res, fmt.Errorf("dmscore: incremental latest(%s): %w", sym, err)
		}

		var start time.Time
		if !ok {
			start = now.AddDate(0, 0, -initialDays)
		} else {
			start = latest.AddDate(0, 0, 1)
			if gapThreshold > 0 && now.Sub(latest) > time.Duration(gapThreshold)*24*time.Hour {
				t.log.Warn().Str("symbol", sym).Time("latest", latest).Msg("incremental gap exceeds threshold, fetching anyway")
			}
		}
		if start.After(now) {
			continue
		}

		bars, err := t.fetch.History(ctx, sym, task.Interval, start, now)
		if err != nil {
			return res, fmt.Errorf("dmscore: incremental fetch(%s): %w", sym, err)
		}
		var toWrite []barstore.Bar
		for _, b := range bars {
			if ok && !b.Timestamp.After(latest) {
				continue
			}
			toWrite = append(toWrite, b)
		}
		if len(toWrite) == 0 {
			continue
		}
		if err := t.store.Write(ctx, toWrite); err != nil {
			return res, fmt.Errorf("dmscore: incremental write(%s): %w", sym, err)
		}
		res.DataCount += len(toWrite)
	}
	res.Status = StatusCompleted
	res.EndTime = t.clock.Now()
	return res, nil
}

// RunFullSync implements spec §4.3 "Full-sync": re-fetch the full
// configured range and overwrite the store for each symbol.
func (t *TaskRunner) RunFullSync(ctx context.Context, task Task) (RunResult, error) {
	res := RunResult{Task: task.Name, Kind: KindFullSync, StartTime: t.clock.Now()}
	start, end := task.FullSyncStart, task.FullSyncEnd
	if end.IsZero() {
		end = t.clock.Now()
	}

	for _, rawSym := range task.Symbols {
		sym := symbol.Canonicalize(rawSym)
		if sym == "" {
			continue
		}
		bars, err := t.fetch.History(ctx, sym, task.Interval, start, end)
		if err != nil {
			return res, fmt.Errorf("dmscore: full_sync fetch(%s): %w", sym, err)
		}
		if err := t.store.Delete(ctx, sym, task.Interval, start, end); err != nil {
			return res, fmt.Errorf("dmscore: full_sync delete(%s): %w", sym, err)
		}
		if err := t.store.Write(ctx, bars); err != nil {
			return res, fmt.Errorf("dmscore: full_sync write(%s): %w", sym, err)
		}
		res.DataCount += len(bars)
	}
	res.Status = StatusCompleted
	res.EndTime = t.clock.Now()
	return res, nil
}

// RunValidation implements spec §4.3 "Validation": inspect recent bars
// for data-quality issues without writing anything.
func (t *TaskRunner) RunValidation(ctx context.Context, task Task) (RunResult, error) {
	res := RunResult{Task: task.Name, Kind: KindValidation, StartTime: t.clock.Now()}
	checkDays := task.CheckRangeDays
	if checkDays <= 0 {
		checkDays = 30
	}
	maxChange := task.MaxPriceChangePct
	if maxChange <= 0 {
		maxChange = 0.20
	}
	now := t.clock.Now()
	start := now.AddDate(0, 0, -checkDays)

	for _, rawSym := range task.Symbols {
		sym := symbol.Canonicalize(rawSym)
		if sym == "" {
			continue
		}
		bars, err := t.store.Read(ctx, sym, task.Interval, start, now)
		if err != nil {
			return res, fmt.Errorf("dmscore: validation read(%s): %w", sym, err)
		}
		res.Issues = append(res.Issues, validateBars(sym, bars, maxChange)...)
		res.DataCount += len(bars)
	}
	res.Status = StatusCompleted
	res.EndTime = t.clock.Now()
	return res, nil
}

func validateBars(sym string, bars []barstore.Bar, maxChangePct float64) []ValidationIssue {
	var issues []ValidationIssue
	var prevClose float64
	havePrev := false
	for _, b := range bars {
		if b.Open == 0 && b.High == 0 && b.Low == 0 && b.Close == 0 {
			issues = append(issues, ValidationIssue{Symbol: sym, Timestamp: b.Timestamp, Kind: "missing_column", Detail: "all OHLC fields are zero"})
			continue
		}
		if b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0 {
			issues = append(issues, ValidationIssue{Symbol: sym, Timestamp: b.Timestamp, Kind: "negative_price", Detail: "a price field is negative"})
		}
		maxOC := math.Max(b.Open, b.Close)
		minOC := math.Min(b.Open, b.Close)
		if b.High < math.Max(maxOC, b.Low) || b.Low > math.Min(minOC, b.High) {
			issues = append(issues, ValidationIssue{Symbol: sym, Timestamp: b.Timestamp, Kind: "ohlc_violation", Detail: "high/low inconsistent with open/close"})
		}
		if b.Volume == 0 {
			issues = append(issues, ValidationIssue{Symbol: sym, Timestamp: b.Timestamp, Kind: "zero_volume", Detail: "volume is zero"})
		}
		if havePrev && prevClose != 0 {
			change := math.Abs(b.Close-prevClose) / math.Abs(prevClose)
			if change > maxChangePct {
				issues = append(issues, ValidationIssue{Symbol: sym, Timestamp: b.Timestamp, Kind: "price_jump",
					Detail: fmt.Sprintf("close changed %.2f%% vs prior close", change*100)})
			}
		}
		prevClose = b.Close
		havePrev = true
	}
	return issues
}

// RunRepair implements spec §4.3 "Repair": compare stored vs freshly
// fetched recent bars, overwriting rows that disagree by more than
// task.RepairTolerance (default 1%).
func (t *TaskRunner) RunRepair(ctx context.Context, task Task) (RunResult, error) {
	res := RunResult{Task: task.Name, Kind: KindRepair, StartTime: t.clock.Now()}
	checkDays := task.CheckRangeDays
	if checkDays <= 0 {
		checkDays = 7
	}
	tolerance := task.RepairTolerance
	if tolerance <= 0 {
		tolerance = 0.01
	}
	now := t.clock.Now()
	start := now.AddDate(0, 0, -checkDays)

	for _, rawSym := range task.Symbols {
		sym := symbol.Canonicalize(rawSym)
		if sym == "" {
			continue
		}
		stored, err := t.store.Read(ctx, sym, task.Interval, start, now)
		if err != nil {
			return res, fmt.Errorf("dmscore: repair read(%s): %w", sym, err)
		}
		fresh, err := t.fetch.History(ctx, sym, task.Interval, start, now)
		if err != nil {
			return res, fmt.Errorf("dmscore: repair fetch(%s): %w", sym, err)
		}
		storedByTS := make(map[int64]barstore.Bar, len(stored))
		for _, b := range stored {
			storedByTS[b.Timestamp.Unix()] = b
		}
		var toWrite []barstore.Bar
		for _, f := range fresh {
			s, ok := storedByTS[f.Timestamp.Unix()]
			if !ok || s.Close == 0 {
				continue
			}
			diff := math.Abs(s.Close-f.Close) / math.Abs(s.Close)
			if diff > tolerance {
				toWrite = append(toWrite, f)
			}
		}
		if len(toWrite) == 0 {
			continue
		}
		if err := t.store.Write(ctx, toWrite); err != nil {
			return res, fmt.Errorf("dmscore: repair write(%s): %w", sym, err)
		}
		res.DataCount += len(toWrite)
	}
	res.Status = StatusCompleted
	res.EndTime = t.clock.Now()
	return res, nil
}

// Run dispatches to the kind-specific runner.
func (t *TaskRunner) Run(ctx context.Context, task Task) (RunResult, error) {
	switch task.Kind {
	case KindIncremental:
		return t.RunIncremental(ctx, task)
	case KindFullSync:
		return t.RunFullSync(ctx, task)
	case KindValidation:
		return t.RunValidation(ctx, task)
	case KindRepair:
		return t.RunRepair(ctx, task)
	default:
		return RunResult{}, fmt.Errorf("dmscore: unknown task kind %q", task.Kind)
	}
}
