// Package stimedrv implements the Stime driver (spec C12): a single
// simulation clock plus a cancellable, strictly sequential
// advance-then-fan-out-tick job. Deliberately single-worker — per the
// source note this component should NOT use a goroutine pool, since
// the whole point is step N+1 never starting before step N's tick
// fan-out has completed or failed.
package stimedrv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/metrics"
	"github.com/rs/zerolog"
)

// Unit is the clock-advance granularity for one step.
type Unit string

const (
	UnitDays    Unit = "days"
	UnitHours   Unit = "hours"
	UnitMinutes Unit = "minutes"
	UnitSeconds Unit = "seconds"
)

func (u Unit) duration(stepValue int) (time.Duration, error) {
	switch u {
	case UnitDays:
		return time.Duration(stepValue) * 24 * time.Hour, nil
	case UnitHours:
		return time.Duration(stepValue) * time.Hour, nil
	case UnitMinutes:
		return time.Duration(stepValue) * time.Minute, nil
	case UnitSeconds:
		return time.Duration(stepValue) * time.Second, nil
	default:
		return 0, fmt.Errorf("stimedrv: unknown unit %q", u)
	}
}

// StartRequest is the input to Start.
type StartRequest struct {
	Unit           Unit
	StepValue      int
	StepsCount     int
	TickURLs       []string
	Timeout        time.Duration // per-URL timeout, default 600s
	SnapToBoundary bool
	Token          string // X-Webhook-Token, if configured
}

// State is the driver's readable status, safe to copy.
type State struct {
	Running       bool      `json:"running"`
	StepsDone     int       `json:"steps_done"`
	StepsTotal    int       `json:"steps_total"`
	ExecutedTotal int       `json:"executed_total"`
	Cancelled     bool      `json:"cancelled"`
	Error         string    `json:"error,omitempty"`
	Now           time.Time `json:"now"`
}

// Driver runs at most one advance-and-tick job at a time, guarded by a
// mutex (spec §5: "exactly one worker at a time").
type Driver struct {
	mu     sync.Mutex
	clock  *clock.Clock
	client *http.Client
	log    zerolog.Logger

	state  State
	cancel chan struct{} // non-nil while a job is running
}

// New builds a Driver bound to clk.
func New(clk *clock.Clock, log zerolog.Logger) *Driver {
	return &Driver{
		clock:  clk,
		client: &http.Client{},
		log:    log.With().Str("component", "stime_driver").Logger(),
	}
}

// State returns a snapshot of the driver's current status.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.state
	s.Now = d.clock.Now()
	return s
}

// errAlreadyRunning is returned by Start when a job is in flight; the
// HTTP layer maps this to 409.
var errAlreadyRunning = fmt.Errorf("stimedrv: a job is already running")

// IsAlreadyRunning reports whether err is errAlreadyRunning, for the
// HTTP handler to map onto a 409.
func IsAlreadyRunning(err error) bool { return err == errAlreadyRunning }

// Start runs the §4.10 advance-and-tick algorithm synchronously to
// completion. Callers that need to return to an HTTP client immediately
// (§6.4's 202 ack) should use Begin followed by RunLoop in a goroutine
// instead, so the already-running check happens synchronously.
func (d *Driver) Start(ctx context.Context, req StartRequest) error {
	cancelCh, err := d.Begin(req)
	if err != nil {
		return err
	}
	return d.RunLoop(ctx, req, cancelCh)
}

// Begin validates req and atomically claims the "running" slot,
// returning errAlreadyRunning if a job is already in flight. It does
// no I/O and no clock stepping — safe to call synchronously from an
// HTTP handler before dispatching RunLoop in a goroutine.
func (d *Driver) Begin(req StartRequest) (cancelCh chan struct{}, err error) {
	if req.StepsCount < 1 {
		return nil, fmt.Errorf("stimedrv: steps_count must be >= 1")
	}
	if req.StepValue < 1 {
		return nil, fmt.Errorf("stimedrv: step_value must be >= 1")
	}
	if _, err := req.Unit.duration(req.StepValue); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Running {
		return nil, errAlreadyRunning
	}
	d.state = State{Running: true, StepsTotal: req.StepsCount}
	d.cancel = make(chan struct{})
	metrics.StimeStepsDone.Set(0)
	metrics.StimeStepsTotal.Set(float64(req.StepsCount))
	return d.cancel, nil
}

// RunLoop executes the step loop claimed by a prior Begin call.
func (d *Driver) RunLoop(ctx context.Context, req StartRequest, cancelCh chan struct{}) error {
	stepDur, err := req.Unit.duration(req.StepValue)
	if err != nil {
		d.failJob(err)
		return err
	}
	if req.Timeout <= 0 {
		req.Timeout = 600 * time.Second
	}

	if req.SnapToBoundary && req.Unit == UnitMinutes {
		if err := d.clock.SnapToPreviousBoundary(req.StepValue); err != nil {
			d.log.Debug().Err(err).Msg("snap_to_boundary skipped: step value is not a valid boundary")
		}
	}

	for i := 0; i < req.StepsCount; i++ {
		select {
		case <-cancelCh:
			d.mu.Lock()
			d.state.Cancelled = true
			d.state.Running = false
			d.mu.Unlock()
			return nil
		default:
		}

		if err := d.clock.Advance(stepDur); err != nil {
			d.failJob(err)
			return err
		}

		executed, err := d.tickStep(ctx, req)
		if err != nil {
			d.failJob(err)
			return err
		}
		d.mu.Lock()
		d.state.StepsDone++
		d.state.ExecutedTotal += executed
		d.mu.Unlock()
		metrics.StimeStepsDone.Set(float64(d.state.StepsDone))
	}

	d.mu.Lock()
	d.state.Running = false
	d.mu.Unlock()
	return nil
}

func (d *Driver) failJob(err error) {
	d.mu.Lock()
	d.state.Running = false
	d.state.Error = err.Error()
	d.mu.Unlock()
	d.log.Error().Err(err).Msg("advance-and-tick job failed")
}

// tickStep POSTs to every tick URL in order. The first URL's failure
// aborts the whole job (and every remaining URL of this step); later
// URLs' failures are logged and do not stop the loop, per §4.10 step 2c.
func (d *Driver) tickStep(ctx context.Context, req StartRequest) (executedTotal int, err error) {
	now := d.clock.Now()
	for i, url := range req.TickURLs {
		n, postErr := d.postTick(ctx, url, now, req)
		if postErr != nil {
			if i == 0 {
				return executedTotal, fmt.Errorf("stimedrv: tick to %s failed: %w", url, postErr)
			}
			d.log.Warn().Err(postErr).Str("url", url).Msg("non-first tick URL failed, continuing")
			continue
		}
		executedTotal += n
	}
	return executedTotal, nil
}

func (d *Driver) postTick(ctx context.Context, url string, now time.Time, req StartRequest) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(httpapi.HeaderSimTime, now.UTC().Format(time.RFC3339))
	if req.Token != "" {
		httpReq.Header.Set(httpapi.HeaderWebhookToken, req.Token)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	var parsed struct {
		ExecutedCount int `json:"executed_count"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed.ExecutedCount, nil
	}
	return 0, nil
}

// Cancel requests the in-flight job stop before its next step. The
// current step, if already in flight, is allowed to complete.
func (d *Driver) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.Running || d.cancel == nil {
		return fmt.Errorf("stimedrv: no job is running")
	}
	select {
	case <-d.cancel:
	default:
		close(d.cancel)
	}
	return nil
}
