package paperbook

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantcore/platform/internal/store"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	name             TEXT PRIMARY KEY,
	initial_capital  TEXT NOT NULL,
	cash             TEXT NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	account       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	qty           TEXT NOT NULL,
	avg_price     TEXT NOT NULL,
	current_price TEXT NOT NULL,
	has_quote     INTEGER NOT NULL,
	PRIMARY KEY (account, symbol)
);
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	account         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	requested_qty   TEXT NOT NULL,
	filled_qty      TEXT NOT NULL,
	requested_price TEXT NOT NULL,
	exec_price      TEXT NOT NULL,
	status          TEXT NOT NULL,
	source          TEXT NOT NULL,
	reject_reason   TEXT NOT NULL,
	ts              TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account_ts ON orders(account, ts);
CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	account       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	qty           TEXT NOT NULL,
	price         TEXT NOT NULL,
	commission    TEXT NOT NULL,
	slippage_cost TEXT NOT NULL,
	realized_pnl  TEXT NOT NULL,
	ts            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_account_ts ON trades(account, ts);
CREATE TABLE IF NOT EXISTS equity_history (
	account TEXT NOT NULL,
	date    TEXT NOT NULL,
	equity  TEXT NOT NULL,
	pnl     TEXT NOT NULL,
	pnl_pct TEXT NOT NULL,
	PRIMARY KEY (account, date)
);
CREATE TABLE IF NOT EXISTS watchlist (
	account    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	last_price TEXT NOT NULL,
	PRIMARY KEY (account, symbol)
);
CREATE TABLE IF NOT EXISTS current_account (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	name TEXT NOT NULL
);
`

// Repository persists Book state to SQLite, following the explicit
// column-list repository pattern the teacher uses for trades; it does
// no validation of its own before writing.
type Repository struct {
	db *store.DB
}

// NewRepository migrates the schema and returns a Repository.
func NewRepository(db *store.DB) (*Repository, error) {
	if err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("paperbook: migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

const tsLayout = time.RFC3339
const dateLayout = "2006-01-02"

// SaveAccount upserts an account's cash/identity row.
func (r *Repository) SaveAccount(a *Account) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO accounts (name, initial_capital, cash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET cash = excluded.cash
	`, a.Name, a.InitialCapital.String(), a.Cash.String(), a.CreatedAt.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("paperbook: save account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account and its positions.
func (r *Repository) DeleteAccount(name string) error {
	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("paperbook: delete account begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM accounts WHERE name = ?`, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM positions WHERE account = ?`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadAccounts returns every account with its positions populated.
func (r *Repository) LoadAccounts() ([]*Account, error) {
	rows, err := r.db.Conn().Query(`SELECT name, initial_capital, cash, created_at FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("paperbook: load accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var name, initCap, cash, createdAt string
		if err := rows.Scan(&name, &initCap, &cash, &createdAt); err != nil {
			return nil, err
		}
		a := &Account{Name: name, Positions: map[string]*Position{}}
		a.InitialCapital, _ = decimal.NewFromString(initCap)
		a.Cash, _ = decimal.NewFromString(cash)
		a.CreatedAt, _ = time.Parse(tsLayout, createdAt)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range accounts {
		positions, err := r.loadPositions(a.Name)
		if err != nil {
			return nil, err
		}
		a.Positions = positions
	}
	return accounts, nil
}

func (r *Repository) loadPositions(account string) (map[string]*Position, error) {
	rows, err := r.db.Conn().Query(`
		SELECT symbol, qty, avg_price, current_price, has_quote FROM positions WHERE account = ?
	`, account)
	if err != nil {
		return nil, fmt.Errorf("paperbook: load positions: %w", err)
	}
	defer rows.Close()
	out := map[string]*Position{}
	for rows.Next() {
		var p Position
		var qty, avg, cur string
		var hasQuote int
		if err := rows.Scan(&p.Symbol, &qty, &avg, &cur, &hasQuote); err != nil {
			return nil, err
		}
		p.Qty, _ = decimal.NewFromString(qty)
		p.AvgPrice, _ = decimal.NewFromString(avg)
		p.CurrentPrice, _ = decimal.NewFromString(cur)
		p.HasQuote = hasQuote != 0
		out[p.Symbol] = &p
	}
	return out, rows.Err()
}

// SavePositions overwrites the persisted position set for an account.
func (r *Repository) SavePositions(account string, positions map[string]*Position) error {
	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("paperbook: save positions begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM positions WHERE account = ?`, account); err != nil {
		return err
	}
	for _, p := range positions {
		_, err := tx.Exec(`
			INSERT INTO positions (account, symbol, qty, avg_price, current_price, has_quote)
			VALUES (?, ?, ?, ?, ?, ?)
		`, account, p.Symbol, p.Qty.String(), p.AvgPrice.String(), p.CurrentPrice.String(), boolToInt(p.HasQuote))
		if err != nil {
			return fmt.Errorf("paperbook: save position %s: %w", p.Symbol, err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertOrder persists one Order row.
func (r *Repository) InsertOrder(o Order) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO orders (id, account, symbol, side, requested_qty, filled_qty, requested_price,
			exec_price, status, source, reject_reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.Account, o.Symbol, string(o.Side), o.RequestedQty.String(), o.FilledQty.String(),
		o.RequestedPrice.String(), o.ExecPrice.String(), string(o.Status), string(o.Source),
		o.RejectReason, o.Time.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("paperbook: insert order: %w", err)
	}
	return nil
}

// InsertTrade persists one Trade row.
func (r *Repository) InsertTrade(t Trade) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO trades (id, account, symbol, side, qty, price, commission, slippage_cost, realized_pnl, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Account, t.Symbol, string(t.Side), t.Qty.String(), t.Price.String(), t.Commission.String(),
		t.SlippageCost.String(), t.RealizedPnL.String(), t.Time.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("paperbook: insert trade: %w", err)
	}
	return nil
}

// ListOrders returns an account's orders, most recent first.
func (r *Repository) ListOrders(account string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Conn().Query(`
		SELECT id, account, symbol, side, requested_qty, filled_qty, requested_price, exec_price,
			status, source, reject_reason, ts
		FROM orders WHERE account = ? ORDER BY ts DESC LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("paperbook: list orders: %w", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(rows *sql.Rows) (Order, error) {
	var o Order
	var reqQty, filledQty, reqPrice, execPrice, ts string
	if err := rows.Scan(&o.ID, &o.Account, &o.Symbol, (*string)(&o.Side), &reqQty, &filledQty,
		&reqPrice, &execPrice, (*string)(&o.Status), (*string)(&o.Source), &o.RejectReason, &ts); err != nil {
		return Order{}, fmt.Errorf("paperbook: scan order: %w", err)
	}
	o.RequestedQty, _ = decimal.NewFromString(reqQty)
	o.FilledQty, _ = decimal.NewFromString(filledQty)
	o.RequestedPrice, _ = decimal.NewFromString(reqPrice)
	o.ExecPrice, _ = decimal.NewFromString(execPrice)
	o.Time, _ = time.Parse(tsLayout, ts)
	return o, nil
}

// ListTrades returns an account's trades, most recent first.
func (r *Repository) ListTrades(account string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Conn().Query(`
		SELECT id, account, symbol, side, qty, price, commission, slippage_cost, realized_pnl, ts
		FROM trades WHERE account = ? ORDER BY ts DESC LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("paperbook: list trades: %w", err)
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var t Trade
		var qty, price, commission, slip, pnl, ts string
		if err := rows.Scan(&t.ID, &t.Account, &t.Symbol, (*string)(&t.Side), &qty, &price, &commission, &slip, &pnl, &ts); err != nil {
			return nil, fmt.Errorf("paperbook: scan trade: %w", err)
		}
		t.Qty, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.Commission, _ = decimal.NewFromString(commission)
		t.SlippageCost, _ = decimal.NewFromString(slip)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		t.Time, _ = time.Parse(tsLayout, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertEquityPoint overwrites today's (or any) equity row for the account.
func (r *Repository) UpsertEquityPoint(p EquityPoint) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO equity_history (account, date, equity, pnl, pnl_pct)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account, date) DO UPDATE SET equity = excluded.equity, pnl = excluded.pnl, pnl_pct = excluded.pnl_pct
	`, p.Account, p.Date.UTC().Format(dateLayout), p.Equity.String(), p.PnL.String(), p.PnLPct.String())
	if err != nil {
		return fmt.Errorf("paperbook: upsert equity: %w", err)
	}
	return nil
}

// EquityHistory returns an account's equity curve, oldest first.
func (r *Repository) EquityHistory(account string) ([]EquityPoint, error) {
	rows, err := r.db.Conn().Query(`
		SELECT account, date, equity, pnl, pnl_pct FROM equity_history WHERE account = ? ORDER BY date ASC
	`, account)
	if err != nil {
		return nil, fmt.Errorf("paperbook: equity history: %w", err)
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		var date, equity, pnl, pnlPct string
		if err := rows.Scan(&p.Account, &date, &equity, &pnl, &pnlPct); err != nil {
			return nil, err
		}
		p.Date, _ = time.Parse(dateLayout, date)
		p.Equity, _ = decimal.NewFromString(equity)
		p.PnL, _ = decimal.NewFromString(pnl)
		p.PnLPct, _ = decimal.NewFromString(pnlPct)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetCurrentAccount records the single active account name (spec
// §6.5's singleton current_account row).
func (r *Repository) SetCurrentAccount(name string) error {
	_, err := r.db.Conn().Exec(`
		INSERT INTO current_account (id, name) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, name)
	if err != nil {
		return fmt.Errorf("paperbook: set current account: %w", err)
	}
	return nil
}

// ClearHistory deletes every order, trade, and equity row for an
// account, used by account reset (spec §4.4: reset "clears
// positions/orders/trades/equity").
func (r *Repository) ClearHistory(account string) error {
	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("paperbook: clear history begin: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"orders", "trades", "equity_history"} {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE account = ?`, table), account); err != nil {
			return fmt.Errorf("paperbook: clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// CurrentAccount returns the active account name, or "" if unset.
func (r *Repository) CurrentAccount() (string, error) {
	var name string
	err := r.db.Conn().QueryRow(`SELECT name FROM current_account WHERE id = 1`).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("paperbook: get current account: %w", err)
	}
	return name, nil
}
