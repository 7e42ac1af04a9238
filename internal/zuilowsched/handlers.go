package zuilowsched

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quantcore/platform/internal/broker"
	"github.com/quantcore/platform/internal/executor"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/signalstore"
	"github.com/rs/zerolog"
)

// Handlers wires the ZuiLow HTTP API (spec §6.3) onto a chi.Router:
// scheduler control, the signal log, and a thin order/market-data
// passthrough onto the account's resolved broker.Gateway.
type Handlers struct {
	sched          *Scheduler
	signals        *signalstore.Store
	gateways       *broker.Registry
	accounts       executor.AccountTypes
	defaultAccount string
	log            zerolog.Logger
}

// NewHandlers builds Handlers. defaultAccount is used by POST /api/order
// when the request omits account.
func NewHandlers(sched *Scheduler, signals *signalstore.Store, gateways *broker.Registry, accounts executor.AccountTypes, defaultAccount string, log zerolog.Logger) *Handlers {
	return &Handlers{
		sched: sched, signals: signals, gateways: gateways, accounts: accounts,
		defaultAccount: defaultAccount, log: log.With().Str("component", "zuilow_handlers").Logger(),
	}
}

// Mount registers every ZuiLow route under r.
func (h *Handlers) Mount(r chi.Router) {
	r.Post("/scheduler/start", h.handleSchedulerStart)
	r.Post("/scheduler/stop", h.handleSchedulerStop)
	r.Post("/scheduler/tick", h.handleSchedulerTick)
	r.Get("/scheduler/status", h.handleSchedulerStatus)
	r.Get("/scheduler/jobs", h.handleSchedulerJobs)
	r.Get("/scheduler/history", h.handleSchedulerHistory)
	r.Get("/scheduler/statistics", h.handleSchedulerStatistics)

	r.Get("/signals", h.handleListSignals)
	r.Post("/signals/{id}/cancel", h.handleCancelSignal)

	r.Post("/order", h.handleOrder)
	r.Get("/account", h.handleAccount)
	r.Get("/positions", h.handlePositions)
	r.Get("/orders", h.handleOrders)
	r.Get("/trades", h.handleTrades)

	r.Get("/market/quote/{symbol}", h.handleQuote)
	r.Get("/market/history", h.handleHistory)
}

func (h *Handlers) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start(r.Context())
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handlers) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop(10 * time.Second)
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handlers) handleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	if _, present, err := httpapi.SimulationTime(r); present && err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid X-Simulation-Time")
		return
	}
	h.sched.Tick(r.Context())
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ticked"})
}

func (h *Handlers) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handlers) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"jobs": h.sched.Jobs()})
}

func (h *Handlers) handleSchedulerHistory(w http.ResponseWriter, r *http.Request) {
	jobName := r.URL.Query().Get("job_name")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	hist, err := h.sched.History(jobName, limit, offset)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"history": hist})
}

func (h *Handlers) handleSchedulerStatistics(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, http.StatusOK, h.sched.Statistics())
}

func (h *Handlers) handleListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := signalstore.Filters{
		Account: q.Get("account"),
		Market:  q.Get("market"),
		Kind:    signalstore.Kind(q.Get("kind")),
		Status:  signalstore.Status(q.Get("status")),
	}
	if v := q.Get("date_from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.DateFrom = &t
		}
	}
	if v := q.Get("date_to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.DateTo = &t
		}
	}
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit := queryInt(r, "limit", 100)
	offset := (page - 1) * limit

	sigs, err := h.signals.ListSignals(f, offset, limit)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.signals.CountSignals(f)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"signals": sigs, "total": total, "page": page, "limit": limit})
}

func (h *Handlers) handleCancelSignal(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid signal id")
		return
	}
	if err := h.signals.Cancel(id); err != nil {
		httpapi.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type orderRequest struct {
	Symbol  string   `json:"symbol"`
	Side    string   `json:"side"`
	Qty     float64  `json:"qty"`
	Account string   `json:"account"`
	Price   *float64 `json:"price"`
	Mode    string   `json:"mode"`
}

// handleOrder routes an immediate order by account type, per §6.3
// "routes by account type; if account is omitted, falls back to the
// configured default mode" — the executor never guesses, so an
// unresolvable account type fails closed with 400, same as §4.8.
func (h *Handlers) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Symbol == "" || req.Qty <= 0 {
		httpapi.WriteError(w, http.StatusBadRequest, "symbol and qty > 0 are required")
		return
	}
	account := req.Account
	if account == "" {
		account = h.defaultAccount
	}

	gw, err := h.resolveGateway(account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var simTime *time.Time
	if t, present, err := httpapi.SimulationTime(r); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid X-Simulation-Time")
		return
	} else if present {
		simTime = &t
	}

	orderID, err := gw.PlaceOrder(r.Context(), broker.PlaceOrderRequest{
		Symbol: req.Symbol, Side: req.Side, Qty: req.Qty, Price: req.Price, Account: account, SimTime: simTime,
	})
	if err != nil {
		httpapi.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "order": map[string]string{"id": orderID}})
}

func (h *Handlers) resolveGateway(account string) (broker.Gateway, error) {
	accountType, ok := h.accounts.AccountType(account)
	if !ok {
		return nil, errUnknownAccount(account)
	}
	gw, ok := h.gateways.Resolve(accountType)
	if !ok {
		return nil, errNoGateway(accountType)
	}
	return gw, nil
}

func (h *Handlers) handleAccount(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	gw, err := h.resolveGateway(account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := gw.GetAccount(r.Context(), account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, info)
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	gw, err := h.resolveGateway(account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := gw.GetPositions(r.Context(), account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (h *Handlers) handleOrders(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	gw, err := h.resolveGateway(account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	orders, err := gw.GetOrders(r.Context(), account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handlers) handleTrades(w http.ResponseWriter, r *http.Request) {
	// Trades are PPT's own ledger concept and the Gateway has no trades
	// call, so this serves the account's orders feed in their place, for
	// every account type.
	h.handleOrders(w, r)
}

func (h *Handlers) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	account := r.URL.Query().Get("account")
	if account == "" {
		account = h.defaultAccount
	}
	gw, err := h.resolveGateway(account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	q, err := gw.GetQuote(r.Context(), symbol, nil)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, q)
}

func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	account := q.Get("account")
	if account == "" {
		account = h.defaultAccount
	}
	start, _ := time.Parse(time.RFC3339, q.Get("start"))
	end, _ := time.Parse(time.RFC3339, q.Get("end"))
	ktype := q.Get("ktype")

	gw, err := h.resolveGateway(account)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	bars, err := gw.GetHistory(r.Context(), symbol, start, end, ktype)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"bars": bars})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

type errUnknownAccount string

func (e errUnknownAccount) Error() string { return "zuilow: unknown account " + string(e) }

type errNoGateway string

func (e errNoGateway) Error() string { return "zuilow: no gateway registered for account type " + string(e) }
