package stimedrv

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/rs/zerolog"
)

// Handlers wires the Stime HTTP API (spec §6.4) onto a chi.Router.
type Handlers struct {
	clock  *clock.Clock
	driver *Driver
	stream *StatusStream
	log    zerolog.Logger

	mu       sync.Mutex
	tickURLs []string
	timeout  time.Duration
	token    string
}

// NewHandlers builds Handlers bound to clk and driver, including the
// supplemented /ws/status push stream.
func NewHandlers(clk *clock.Clock, driver *Driver, log zerolog.Logger) *Handlers {
	return &Handlers{
		clock: clk, driver: driver, timeout: 600 * time.Second,
		stream: NewStatusStream(driver, log),
		log:    log.With().Str("component", "stime_handlers").Logger(),
	}
}

// Stream returns the /ws/status push stream so the caller's main can
// run its polling loop alongside the HTTP server.
func (h *Handlers) Stream() *StatusStream { return h.stream }

// Mount registers every Stime route under r.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/now", h.handleNow)
	r.Post("/set", h.handleSet)
	r.Post("/advance", h.handleAdvance)
	r.Post("/advance-and-tick", h.handleAdvanceAndTick)
	r.Get("/advance-and-tick/status", h.handleStatus)
	r.Post("/advance-and-tick/cancel", h.handleCancel)
	r.Get("/config", h.handleGetConfig)
	r.Post("/config", h.handleSetConfig)
	r.Get("/ws/status", h.stream.ServeHTTP)
}

func (h *Handlers) handleNow(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"now": h.clock.NowISO()})
}

type setRequest struct {
	Now string `json:"now"`
}

func (h *Handlers) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.clock.Set(req.Now); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"now": h.clock.NowISO()})
}

type advanceRequest struct {
	Days    int `json:"days"`
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// handleAdvance steps the clock once, synchronously, with no tick
// fan-out — distinct from advance-and-tick, which also notifies the
// configured tick URLs after each step.
func (h *Handlers) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	unit, value, err := singleUnit(req)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	dur, err := unit.duration(value)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.clock.Advance(dur); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"now": h.clock.NowISO()})
}

func singleUnit(req advanceRequest) (Unit, int, error) {
	set := 0
	var unit Unit
	var value int
	if req.Days >= 1 {
		set++
		unit, value = UnitDays, req.Days
	}
	if req.Hours >= 1 {
		set++
		unit, value = UnitHours, req.Hours
	}
	if req.Minutes >= 1 {
		set++
		unit, value = UnitMinutes, req.Minutes
	}
	if req.Seconds >= 1 {
		set++
		unit, value = UnitSeconds, req.Seconds
	}
	if set != 1 {
		return "", 0, errOneUnitRequired
	}
	return unit, value, nil
}

var errOneUnitRequired = httpError("exactly one of days|hours|minutes|seconds must be set, >= 1")

type httpError string

func (e httpError) Error() string { return string(e) }

type advanceAndTickRequest struct {
	Unit           Unit `json:"unit"`
	StepValue      int  `json:"step_value"`
	Steps          int  `json:"steps"`
	SnapToBoundary bool `json:"snap_to_boundary"`
}

// handleAdvanceAndTick starts the job in a background goroutine and
// returns 202 immediately, per §6.4; the caller polls
// advance-and-tick/status for progress.
func (h *Handlers) handleAdvanceAndTick(w http.ResponseWriter, r *http.Request) {
	var req advanceAndTickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.mu.Lock()
	cfg := StartRequest{
		Unit: req.Unit, StepValue: req.StepValue, StepsCount: req.Steps,
		TickURLs: append([]string(nil), h.tickURLs...), Timeout: h.timeout,
		SnapToBoundary: req.SnapToBoundary, Token: h.token,
	}
	h.mu.Unlock()

	cancelCh, err := h.driver.Begin(cfg)
	if err != nil {
		if IsAlreadyRunning(err) {
			httpapi.WriteError(w, http.StatusConflict, err.Error())
			return
		}
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	go func() {
		_ = h.driver.RunLoop(context.Background(), cfg, cancelCh)
	}()
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "started", "steps": req.Steps})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, h.driver.State())
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.driver.Cancel(); err != nil {
		httpapi.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

type configBody struct {
	TickURLs          []string `json:"tick_urls"`
	ZuilowTickTimeout int      `json:"zuilow_tick_timeout"`
}

func (h *Handlers) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	httpapi.WriteJSON(w, http.StatusOK, configBody{
		TickURLs: append([]string(nil), h.tickURLs...), ZuilowTickTimeout: int(h.timeout.Seconds()),
	})
}

func (h *Handlers) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.mu.Lock()
	h.tickURLs = body.TickURLs
	if body.ZuilowTickTimeout > 0 {
		h.timeout = time.Duration(body.ZuilowTickTimeout) * time.Second
	}
	h.mu.Unlock()
	httpapi.WriteJSON(w, http.StatusOK, body)
}

// SetToken sets the webhook token forwarded on every tick POST.
func (h *Handlers) SetToken(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

// SetDefaults seeds the tick URLs and per-URL timeout from startup
// configuration; POST /config overrides these at runtime.
func (h *Handlers) SetDefaults(tickURLs []string, timeout time.Duration) {
	h.mu.Lock()
	h.tickURLs = tickURLs
	if timeout > 0 {
		h.timeout = timeout
	}
	h.mu.Unlock()
}
