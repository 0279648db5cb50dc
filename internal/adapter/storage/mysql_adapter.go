package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/pickline/internal/core/domain"
	"github.com/rl1809/pickline/internal/port"
)

const (
	mysqlErrDuplicateEntry = 1062
	pickUniqueKey          = "uq_inventory_transactions_pick"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

func (m *MySQLAdapter) Requests() port.RequestRepository {
	return &requestStore{q: m.db, db: m.db}
}

func (m *MySQLAdapter) Ledger() port.LedgerRepository {
	return &ledgerStore{q: m.db}
}

func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, stores port.Stores) error) error {
	return withTx(ctx, m.db, func(tx querier) error {
		return fn(ctx, port.Stores{
			Requests: &requestStore{q: tx},
			Ledger:   &ledgerStore{q: tx},
		})
	})
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx querier) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistenceUnavailable, err)
}

func isDuplicate(err error) (*mysql.MySQLError, bool) {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry {
		return me, true
	}
	return nil, false
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

type requestStore struct {
	q  querier
	db *sql.DB // set outside a transaction so multi-statement writes can open their own
}

func (s *requestStore) CreateRequest(ctx context.Context, req domain.PickingRequest) error {
	if s.db != nil {
		return withTx(ctx, s.db, func(tx querier) error { return insertRequest(ctx, tx, req) })
	}
	return insertRequest(ctx, s.q, req)
}

func insertRequest(ctx context.Context, q querier, req domain.PickingRequest) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO picking_requests (request_number, status, created_by, created_at, started_by, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestNumber, req.Status, req.CreatedBy, req.CreatedAt,
		nullString(req.StartedBy), nullTime(req.StartedAt), nullTime(req.CompletedAt), req.UpdatedAt,
	)
	if _, dup := isDuplicate(err); dup {
		return fmt.Errorf("request %s: %w", req.RequestNumber, domain.ErrDuplicate)
	}
	if err != nil {
		return unavailable("insert request", err)
	}

	for _, li := range req.LineItems {
		_, err := q.ExecContext(ctx, `
			INSERT INTO line_items (request_number, line_number, product_code, device_id, quantity, status,
				started_at, started_by, completed_at, completed_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.RequestNumber, li.LineNumber, li.ProductCode, li.DeviceID, li.Quantity, li.Status,
			nullTime(li.StartedAt), nullString(li.StartedBy), nullTime(li.CompletedAt), nullString(li.CompletedBy),
		)
		if err != nil {
			return unavailable("insert line item", err)
		}
	}
	return nil
}

const selectRequests = `
	SELECT r.request_number, r.status, r.created_by, r.created_at, COALESCE(r.started_by, ''), r.started_at,
		r.completed_at, r.updated_at,
		li.line_number, li.product_code, li.device_id, li.quantity, li.status,
		li.started_at, COALESCE(li.started_by, ''), li.completed_at, COALESCE(li.completed_by, '')
	FROM picking_requests r
	JOIN line_items li ON li.request_number = r.request_number`

const orderRequests = ` ORDER BY r.created_at DESC, r.request_number DESC, li.line_number`

func (s *requestStore) FindByRequestNumber(ctx context.Context, requestNumber string) (*domain.PickingRequest, error) {
	reqs, err := s.query(ctx, selectRequests+` WHERE r.request_number = ?`+orderRequests, requestNumber)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("request %s: %w", requestNumber, domain.ErrNotFound)
	}
	return &reqs[0], nil
}

func (s *requestStore) ListAll(ctx context.Context) ([]domain.PickingRequest, error) {
	return s.query(ctx, selectRequests+orderRequests)
}

func (s *requestStore) ListByStatus(ctx context.Context, status domain.RequestStatus) ([]domain.PickingRequest, error) {
	return s.query(ctx, selectRequests+` WHERE r.status = ?`+orderRequests, status)
}

func (s *requestStore) query(ctx context.Context, query string, args ...any) ([]domain.PickingRequest, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query requests", err)
	}
	defer rows.Close()

	var (
		out   []domain.PickingRequest
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			r                      domain.PickingRequest
			li                     domain.LineItem
			rStarted, rCompleted   sql.NullTime
			liStarted, liCompleted sql.NullTime
		)
		if err := rows.Scan(
			&r.RequestNumber, &r.Status, &r.CreatedBy, &r.CreatedAt, &r.StartedBy, &rStarted,
			&rCompleted, &r.UpdatedAt,
			&li.LineNumber, &li.ProductCode, &li.DeviceID, &li.Quantity, &li.Status,
			&liStarted, &li.StartedBy, &liCompleted, &li.CompletedBy,
		); err != nil {
			return nil, unavailable("scan request", err)
		}
		li.StartedAt, li.CompletedAt = timeOrNil(liStarted), timeOrNil(liCompleted)

		i, ok := index[r.RequestNumber]
		if !ok {
			r.StartedAt, r.CompletedAt = timeOrNil(rStarted), timeOrNil(rCompleted)
			out = append(out, r)
			i = len(out) - 1
			index[r.RequestNumber] = i
		}
		out[i].LineItems = append(out[i].LineItems, li)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate requests", err)
	}
	return out, nil
}

func (s *requestStore) requestStatus(ctx context.Context, requestNumber string) (domain.RequestStatus, error) {
	var status domain.RequestStatus
	err := s.q.QueryRowContext(ctx,
		`SELECT status FROM picking_requests WHERE request_number = ?`, requestNumber,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("request %s: %w", requestNumber, domain.ErrNotFound)
	}
	if err != nil {
		return "", unavailable("query request status", err)
	}
	return status, nil
}

func (s *requestStore) StartRequest(ctx context.Context, requestNumber, worker string, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE picking_requests
		SET status = ?, started_by = COALESCE(started_by, ?), started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE request_number = ? AND status <> ?`,
		domain.RequestStatusInProgress, worker, at, at, requestNumber, domain.RequestStatusCompleted,
	)
	if err != nil {
		return unavailable("start request", err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}

	status, err := s.requestStatus(ctx, requestNumber)
	if err != nil {
		return err
	}
	if status == domain.RequestStatusCompleted {
		return fmt.Errorf("request %s: %w", requestNumber, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *requestStore) UpdateLineItemStatus(ctx context.Context, requestNumber string, lineNumber int, status domain.LineItemStatus, actor string, at time.Time) (bool, error) {
	from := status.AllowedFrom()
	if len(from) > 0 {
		set := `status = ?`
		args := []any{status}
		switch status {
		case domain.LineItemStatusInProgress:
			set += `, started_at = COALESCE(started_at, ?), started_by = COALESCE(started_by, ?)`
			args = append(args, at, actor)
		case domain.LineItemStatusCompleted:
			set += `, completed_at = COALESCE(completed_at, ?), completed_by = COALESCE(completed_by, ?)`
			args = append(args, at, actor)
		}
		args = append(args, requestNumber, lineNumber)
		for _, f := range from {
			args = append(args, f)
		}

		result, err := s.q.ExecContext(ctx,
			`UPDATE line_items SET `+set+` WHERE request_number = ? AND line_number = ? AND status IN (?`+
				strings.Repeat(`, ?`, len(from)-1)+`)`,
			args...,
		)
		if err != nil {
			return false, unavailable("update line item", err)
		}
		if rows, _ := result.RowsAffected(); rows > 0 {
			return true, nil
		}
	}

	var exists int
	err := s.q.QueryRowContext(ctx,
		`SELECT 1 FROM line_items WHERE request_number = ? AND line_number = ?`, requestNumber, lineNumber,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("request %s line %d: %w", requestNumber, lineNumber, domain.ErrNotFound)
	}
	if err != nil {
		return false, unavailable("query line item", err)
	}
	return false, nil
}

func (s *requestStore) MarkRequestCompleted(ctx context.Context, requestNumber string, at time.Time) (bool, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE picking_requests r
		SET r.status = ?, r.completed_at = ?, r.updated_at = ?
		WHERE r.request_number = ? AND r.status <> ?
			AND EXISTS (SELECT 1 FROM line_items li WHERE li.request_number = r.request_number)
			AND NOT EXISTS (SELECT 1 FROM line_items li WHERE li.request_number = r.request_number AND li.status <> ?)`,
		domain.RequestStatusCompleted, at, at, requestNumber, domain.RequestStatusCompleted, domain.LineItemStatusCompleted,
	)
	if err != nil {
		return false, unavailable("complete request", err)
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return true, nil
	}
	if _, err := s.requestStatus(ctx, requestNumber); err != nil {
		return false, err
	}
	return false, nil
}

func (s *requestStore) ListStaleLineItems(ctx context.Context, startedBefore time.Time) ([]domain.StaleLineItem, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT request_number, line_number, device_id, product_code, started_at, COALESCE(started_by, '')
		FROM line_items
		WHERE status = ? AND started_at < ?
		ORDER BY started_at`,
		domain.LineItemStatusInProgress, startedBefore,
	)
	if err != nil {
		return nil, unavailable("query stale line items", err)
	}
	defer rows.Close()

	var out []domain.StaleLineItem
	for rows.Next() {
		var li domain.StaleLineItem
		if err := rows.Scan(&li.RequestNumber, &li.LineNumber, &li.DeviceID, &li.ProductCode, &li.StartedAt, &li.StartedBy); err != nil {
			return nil, unavailable("scan stale line item", err)
		}
		out = append(out, li)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate stale line items", err)
	}
	return out, nil
}

type ledgerStore struct {
	q querier
}

// LockItem takes the item's row lock, creating the row on first use.
func (s *ledgerStore) LockItem(ctx context.Context, code domain.ItemCode) error {
	if _, err := s.q.ExecContext(ctx,
		`INSERT IGNORE INTO inventory_items (device_id, product_code) VALUES (?, ?)`,
		code.DeviceID, code.ProductCode,
	); err != nil {
		return unavailable("insert inventory item", err)
	}
	var id string
	err := s.q.QueryRowContext(ctx,
		`SELECT device_id FROM inventory_items WHERE device_id = ? AND product_code = ? FOR UPDATE`,
		code.DeviceID, code.ProductCode,
	).Scan(&id)
	if err != nil {
		return unavailable("lock inventory item", err)
	}
	return nil
}

const selectTransactions = `
	SELECT id, device_id, product_code, ts, previous_physical, physical_quantity, reserved_quantity,
		available_quantity, action, source, COALESCE(actor, ''), COALESCE(request_number, ''), COALESCE(line_number, 0)
	FROM inventory_transactions
	WHERE device_id = ? AND product_code = ?
	ORDER BY ts DESC, seq DESC
	LIMIT ?`

func (s *ledgerStore) LatestFor(ctx context.Context, code domain.ItemCode) (domain.StockSnapshot, error) {
	entries, err := s.History(ctx, code, 1)
	if err != nil {
		return domain.StockSnapshot{}, err
	}
	if len(entries) == 0 {
		return domain.ZeroSnapshot(code), nil
	}
	return entries[0].Snapshot(), nil
}

func (s *ledgerStore) Append(ctx context.Context, t domain.InventoryTransaction) (bool, error) {
	var line any
	if t.RequestNumber != "" {
		line = t.LineNumber
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO inventory_transactions (id, device_id, product_code, ts, previous_physical, physical_quantity,
			reserved_quantity, available_quantity, action, source, actor, request_number, line_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ItemCode.DeviceID, t.ItemCode.ProductCode, t.Timestamp, t.PreviousPhysical, t.PhysicalQuantity,
		t.ReservedQuantity, t.AvailableQuantity, t.Action, t.Source, nullString(t.Actor), nullString(t.RequestNumber), line,
	)
	if me, dup := isDuplicate(err); dup {
		if strings.Contains(me.Message, pickUniqueKey) {
			return false, nil
		}
		return false, fmt.Errorf("transaction %s: %w", t.ID, domain.ErrDuplicate)
	}
	if err != nil {
		return false, unavailable("insert transaction", err)
	}
	return true, nil
}

func (s *ledgerStore) History(ctx context.Context, code domain.ItemCode, limit int) ([]domain.InventoryTransaction, error) {
	rows, err := s.q.QueryContext(ctx, selectTransactions, code.DeviceID, code.ProductCode, limit)
	if err != nil {
		return nil, unavailable("query transactions", err)
	}
	defer rows.Close()

	var out []domain.InventoryTransaction
	for rows.Next() {
		var t domain.InventoryTransaction
		if err := rows.Scan(
			&t.ID, &t.ItemCode.DeviceID, &t.ItemCode.ProductCode, &t.Timestamp, &t.PreviousPhysical,
			&t.PhysicalQuantity, &t.ReservedQuantity, &t.AvailableQuantity, &t.Action, &t.Source,
			&t.Actor, &t.RequestNumber, &t.LineNumber,
		); err != nil {
			return nil, unavailable("scan transaction", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate transactions", err)
	}
	return out, nil
}
