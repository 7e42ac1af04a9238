package dmscore

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quantcore/platform/internal/barstore"
	"github.com/quantcore/platform/internal/clock"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/symbol"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"
)

// Handlers wires DMS's HTTP API (spec §6.1) onto a chi.Router.
type Handlers struct {
	sched    *Scheduler
	primary  barstore.BarStore
	repo     *Repository
	clock    *clock.Clock
	log      zerolog.Logger
	role     string
	masterOK bool // whether this instance may serve /database/clear
	started  time.Time
}

// NewHandlers builds Handlers.
func NewHandlers(sched *Scheduler, primary barstore.BarStore, repo *Repository, clk *clock.Clock, log zerolog.Logger, role string) *Handlers {
	return &Handlers{sched: sched, primary: primary, repo: repo, clock: clk,
		log: log.With().Str("component", "dms_handlers").Logger(), role: role, masterOK: role == "master", started: time.Now()}
}

// Mount registers every DMS route under r (expected to already be
// scoped to the "/api/dms" prefix).
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/status", h.handleStatus)
	r.Get("/symbols", h.handleSymbols)
	r.Get("/symbol/{symbol}/info", h.handleSymbolInfo)
	r.Post("/read/batch", h.handleReadBatch)
	r.Post("/tasks/trigger", h.handleTriggerTask)
	r.Post("/tasks/trigger-all", h.handleTriggerAll)
	r.Get("/maintenance/log", h.handleMaintenanceLog)
	r.Post("/database/clear", h.handleDatabaseClear)
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.started)
	hostInfo, _ := host.Info()
	resp := map[string]any{
		"running":     true,
		"uptime":      uptime.String(),
		"role":        h.role,
		"tasks_count": len(h.sched.Tasks()),
	}
	if hostInfo != nil {
		resp["host_uptime_seconds"] = hostInfo.Uptime
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleSymbols(w http.ResponseWriter, r *http.Request) {
	seen := map[string]bool{}
	var syms []string
	for _, t := range h.sched.Tasks() {
		for _, s := range t.Symbols {
			c := symbol.Canonicalize(s)
			if c != "" && !seen[c] {
				seen[c] = true
				syms = append(syms, c)
			}
		}
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"symbols": syms})
}

func (h *Handlers) handleSymbolInfo(w http.ResponseWriter, r *http.Request) {
	sym := symbol.Canonicalize(chi.URLParam(r, "symbol"))
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1d"
	}
	ctx := r.Context()
	latest, ok, err := h.primary.LatestTimestamp(ctx, sym, interval)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"latest_date": nil, "record_count": 0}
	if ok {
		bars, err := h.primary.Read(ctx, sym, interval, time.Time{}, latest)
		if err == nil {
			resp["record_count"] = len(bars)
		}
		resp["latest_date"] = latest.Format(time.RFC3339)
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

type readBatchRequest struct {
	Symbols   []string `json:"symbols"`
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Interval  string   `json:"interval"`
}

func (h *Handlers) handleReadBatch(w http.ResponseWriter, r *http.Request) {
	var req readBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid start_date")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid end_date")
		return
	}
	batch, err := h.sched.ReadBatch(r.Context(), h.primary, req.Symbols, req.Interval, start, end)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make(map[string]any, len(batch))
	for sym, bars := range batch {
		data := make([]map[string]float64, len(bars))
		index := make([]string, len(bars))
		for i, b := range bars {
			data[i] = map[string]float64{"Open": b.Open, "High": b.High, "Low": b.Low, "Close": b.Close, "Volume": b.Volume}
			index[i] = b.Timestamp.Format(time.RFC3339)
		}
		resp[sym] = map[string]any{"data": data, "index": index}
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskName string `json:"task_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	go func() {
		if _, err := h.sched.TriggerNow(context.Background(), req.TaskName); err != nil {
			h.log.Error().Err(err).Str("task", req.TaskName).Msg("manual trigger failed")
		}
	}()
	httpapi.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "ack", "task_name": req.TaskName})
}

func (h *Handlers) handleTriggerAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskType string `json:"task_type"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	results := map[string]string{}
	successCount := 0
	triggered := 0
	for _, t := range h.sched.Tasks() {
		if req.TaskType != "" && string(t.Kind) != req.TaskType {
			continue
		}
		triggered++
		res, err := h.sched.TriggerNow(r.Context(), t.Name)
		if err != nil {
			results[t.Name] = err.Error()
			continue
		}
		if res.Status == StatusCompleted {
			successCount++
			results[t.Name] = "completed"
		} else {
			results[t.Name] = "failed: " + res.Error
		}
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"triggered_count": triggered,
		"success_count":   successCount,
		"results":         results,
	})
}

func (h *Handlers) handleMaintenanceLog(w http.ResponseWriter, r *http.Request) {
	taskName := r.URL.Query().Get("task_name")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	logs, err := h.repo.ListLogs(taskName, limit, offset)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (h *Handlers) handleDatabaseClear(w http.ResponseWriter, r *http.Request) {
	if !h.masterOK {
		httpapi.WriteError(w, http.StatusForbidden, "database clear requires role=master")
		return
	}
	clearable, ok := h.primary.(barstore.Clearable)
	if !ok {
		httpapi.WriteError(w, http.StatusNotImplemented, "configured BarStore does not support clearing")
		return
	}
	if err := clearable.Clear(r.Context()); err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Warn().Msg("database cleared via /database/clear (role=master)")
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
