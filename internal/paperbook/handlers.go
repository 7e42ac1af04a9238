package paperbook

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/quantcore/platform/internal/httpapi"
	"github.com/quantcore/platform/internal/symbol"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Handlers wires the PPT HTTP API (spec §6.2) onto a chi.Router.
type Handlers struct {
	svc          *Service
	webhookToken string
	log          zerolog.Logger
}

// NewHandlers builds Handlers. webhookToken, if non-empty, is required
// on /api/webhook, either in the X-Webhook-Token header or in the
// body's "token" field.
func NewHandlers(svc *Service, webhookToken string, log zerolog.Logger) *Handlers {
	return &Handlers{svc: svc, webhookToken: webhookToken, log: log.With().Str("component", "ppt_handlers").Logger()}
}

// Mount registers every PPT route under r (expected to already be
// scoped to the "/api" prefix).
func (h *Handlers) Mount(r chi.Router) {
	r.Post("/webhook", h.handleWebhook)
	r.Post("/orders", h.handleWebOrder)
	r.Get("/account", h.handleAccount)
	r.Get("/positions", h.handlePositions)
	r.Get("/orders", h.handleListOrders)
	r.Get("/trades", h.handleListTrades)
	r.Get("/equity", h.handleEquity)
	r.Post("/equity/update", h.handleEquityUpdate)
	r.Get("/export/trades", h.handleExportTrades)
	r.Get("/export/equity", h.handleExportEquity)
	r.Get("/accounts", h.handleListAccounts)
	r.Post("/accounts", h.handleCreateAccount)
	r.Post("/accounts/switch", h.handleSwitchAccount)
	r.Delete("/accounts/{name}", h.handleDeleteAccount)
	r.Post("/account/deposit", h.handleDeposit)
	r.Post("/account/withdraw", h.handleWithdraw)
	r.Post("/account/reset", h.handleReset)
}

var sideAliases = map[string]Side{
	"buy": SideBuy, "long": SideBuy, "buy_to_open": SideBuy,
	"sell": SideSell, "short": SideSell, "close": SideSell, "sell_to_close": SideSell,
}

type webhookRequest struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Action    string          `json:"action"`
	Qty       decimal.Decimal `json:"qty"`
	Contracts decimal.Decimal `json:"contracts"`
	Price     decimal.Decimal `json:"price"`
	Account   string          `json:"account"`
	Token     string          `json:"token"`
}

func (h *Handlers) decodeOrderRequest(r *http.Request, source Source) (OrderRequest, webhookRequest, error) {
	var body webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return OrderRequest{}, body, err
	}
	sideRaw := strings.ToLower(body.Side)
	if sideRaw == "" {
		sideRaw = strings.ToLower(body.Action)
	}
	side, ok := sideAliases[sideRaw]
	if !ok {
		return OrderRequest{}, body, errBadSide
	}
	qty := body.Qty
	if qty.IsZero() {
		qty = body.Contracts
	}
	account := body.Account
	if account == "" {
		account = h.svc.CurrentAccountName()
	}

	req := OrderRequest{
		Account:        account,
		Symbol:         symbol.Canonicalize(body.Symbol),
		Side:           side,
		RequestedQty:   qty,
		RequestedPrice: body.Price,
		Source:         source,
	}
	if t, present, err := httpapi.SimulationTime(r); present {
		if err != nil {
			return OrderRequest{}, body, errBadSimTime
		}
		req.TimeOverride = &t
	}
	return req, body, nil
}

var errBadSide = simpleErr("unrecognized side/action")
var errBadSimTime = simpleErr("invalid X-Simulation-Time header")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func (h *Handlers) placeOrderHandler(w http.ResponseWriter, r *http.Request, source Source) {
	req, body, err := h.decodeOrderRequest(r, source)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if source == SourceWebhook && h.webhookToken != "" {
		headerOK := r.Header.Get(httpapi.HeaderWebhookToken) == h.webhookToken
		bodyOK := body.Token == h.webhookToken
		if !headerOK && !bodyOK {
			httpapi.WriteError(w, http.StatusUnauthorized, "invalid webhook token")
			return
		}
	}
	res, err := h.svc.PlaceOrder(r.Context(), req)
	if err != nil {
		if berr, ok := err.(*BookError); ok {
			switch berr.Kind {
			case ErrInsufficientCash, ErrInsufficientPosition, ErrMarketQuoteMissing:
				httpapi.WriteJSON(w, http.StatusBadRequest, map[string]any{
					"status": "rejected", "reason": string(berr.Kind), "order": orderJSON(res.Order),
				})
				return
			case ErrUnknownAccount:
				httpapi.WriteError(w, http.StatusNotFound, berr.Error())
				return
			}
		}
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"order":  orderJSON(res.Order),
		"simulation": map[string]any{
			"slippage":   res.SlippagePct,
			"commission": res.Commission,
			"fill_rate":  res.FillRate,
			"total_cost": res.TotalCost,
		},
		"cash": res.Cash,
	})
}

func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	h.placeOrderHandler(w, r, SourceWebhook)
}

func (h *Handlers) handleWebOrder(w http.ResponseWriter, r *http.Request) {
	h.placeOrderHandler(w, r, SourceWeb)
}

func orderJSON(o Order) map[string]any {
	return map[string]any{
		"id": o.ID, "symbol": o.Symbol, "side": o.Side,
		"requested_qty": o.RequestedQty, "filled_qty": o.FilledQty,
		"requested_price": o.RequestedPrice, "exec_price": o.ExecPrice,
		"time": o.Time, "status": o.Status, "source": o.Source,
	}
}

func (h *Handlers) accountName(r *http.Request) string {
	if a := r.URL.Query().Get("account"); a != "" {
		return a
	}
	return h.svc.CurrentAccountName()
}

func (h *Handlers) handleAccount(w http.ResponseWriter, r *http.Request) {
	name := h.accountName(r)
	acct := h.svc.Book().Account(name)
	if acct == nil {
		httpapi.WriteError(w, http.StatusNotFound, "unknown account")
		return
	}
	equity, err := h.svc.UpdateEquity(r.Context(), name)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	positionValue := equity.Sub(acct.Cash)
	pnl := equity.Sub(acct.InitialCapital)
	pnlPct := decimal.Zero
	if acct.InitialCapital.GreaterThan(decimal.Zero) {
		pnlPct = pnl.Div(acct.InitialCapital).Mul(decimal.NewFromInt(100))
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{
		"account": name, "equity": equity, "cash": acct.Cash,
		"position_value": positionValue, "pnl": pnl, "pnl_pct": pnlPct,
	})
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	name := h.accountName(r)
	acct := h.svc.Book().Account(name)
	if acct == nil {
		httpapi.WriteError(w, http.StatusNotFound, "unknown account")
		return
	}
	out := make([]map[string]any, 0, len(acct.Positions))
	for _, p := range acct.Positions {
		out = append(out, map[string]any{
			"symbol": p.Symbol, "qty": p.Qty, "avg_price": p.AvgPrice,
			"current_price": p.CurrentPrice, "has_quote": p.HasQuote,
		})
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"positions": out})
}

func limitParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func (h *Handlers) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.Repository().ListOrders(h.accountName(r), limitParam(r))
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handlers) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.svc.Repository().ListTrades(h.accountName(r), limitParam(r))
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (h *Handlers) handleEquity(w http.ResponseWriter, r *http.Request) {
	points, err := h.svc.Repository().EquityHistory(h.accountName(r))
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"equity": points})
}

func (h *Handlers) handleEquityUpdate(w http.ResponseWriter, r *http.Request) {
	name := h.accountName(r)
	equity, err := h.svc.UpdateEquity(r.Context(), name)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"account": name, "equity": equity})
}

func (h *Handlers) handleExportTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.svc.Repository().ListTrades(h.accountName(r), 0)
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=trades.csv")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"time", "symbol", "side", "qty", "price", "value"})
	for _, t := range trades {
		value := t.Qty.Mul(t.Price)
		_ = cw.Write([]string{t.Time.Format("2006-01-02T15:04:05Z07:00"), t.Symbol, string(t.Side), t.Qty.String(), t.Price.String(), value.String()})
	}
	cw.Flush()
}

func (h *Handlers) handleExportEquity(w http.ResponseWriter, r *http.Request) {
	points, err := h.svc.Repository().EquityHistory(h.accountName(r))
	if err != nil {
		httpapi.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=equity.csv")
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"date", "equity", "pnl", "pnl_pct"})
	for _, p := range points {
		_ = cw.Write([]string{p.Date.Format("2006-01-02"), p.Equity.String(), p.PnL.String(), p.PnLPct.String()})
	}
	cw.Flush()
}

func (h *Handlers) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	names := h.svc.Book().AccountNames()
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"accounts": names, "current": h.svc.CurrentAccountName()})
}

func (h *Handlers) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string          `json:"name"`
		InitialCapital decimal.Decimal `json:"initial_capital"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := h.svc.CreateAccount(body.Name, body.InitialCapital)
	if err != nil {
		httpapi.WriteError(w, http.StatusConflict, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, map[string]any{"name": a.Name, "cash": a.Cash})
}

func (h *Handlers) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.svc.SwitchAccount(body.Name); err != nil {
		httpapi.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"current": body.Name})
}

func (h *Handlers) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.svc.DeleteAccount(name); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handlers) deltaRequest(r *http.Request) (string, decimal.Decimal, error) {
	var body struct {
		Account string          `json:"account"`
		Amount  decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", decimal.Zero, err
	}
	account := body.Account
	if account == "" {
		account = h.svc.CurrentAccountName()
	}
	return account, body.Amount, nil
}

func (h *Handlers) handleDeposit(w http.ResponseWriter, r *http.Request) {
	account, amount, err := h.deltaRequest(r)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.svc.DepositWithdraw(account, amount.Abs()); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	account, amount, err := h.deltaRequest(r)
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.svc.DepositWithdraw(account, amount.Abs().Neg()); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Account        string           `json:"account"`
		InitialCapital *decimal.Decimal `json:"initial_capital"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account := body.Account
	if account == "" {
		account = h.svc.CurrentAccountName()
	}
	if err := h.svc.ResetAccount(account, body.InitialCapital); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
