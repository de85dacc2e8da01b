// Package postgres persists order lifecycle state in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/orderstore"
	"github.com/meridianhq/ordercore/internal/schema"
)

// Store implements orderstore.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    account_id,
    symbol,
    side,
    order_type,
    quantity,
    limit_price,
    stop_price,
    status,
    broker_order_id,
    parent_order_id,
    filled_qty,
    filled_avg_price,
    retry_count,
    last_error,
    metadata,
    created_at,
    updated_at
)
VALUES (
    @id,
    @account_id,
    @symbol,
    @side,
    @order_type,
    @quantity,
    @limit_price,
    @stop_price,
    @status,
    @broker_order_id,
    @parent_order_id,
    @filled_qty,
    @filled_avg_price,
    @retry_count,
    @last_error,
    @metadata::jsonb,
    NOW(),
    NOW()
);
`

	orderCASSQL = `
UPDATE orders
SET status = @next,
    updated_at = NOW()
WHERE id = @id AND status = @expected;
`

	orderSelectBase = `
SELECT
    o.id,
    o.account_id,
    o.symbol,
    o.side,
    o.order_type,
    o.quantity::text,
    o.limit_price::text,
    o.stop_price::text,
    o.status,
    o.broker_order_id,
    o.parent_order_id,
    o.filled_qty::text,
    o.filled_avg_price::text,
    o.retry_count,
    o.last_error,
    o.metadata,
    o.created_at,
    o.updated_at
FROM orders o
`

	defaultListLimit = 200
	maxListLimit     = 1000
)

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errs.New("", errs.CodeStorage, errs.WithMessage("order store: nil pool"))
	}
	return s.pool, nil
}

// Create inserts a new order record.
func (s *Store) Create(ctx context.Context, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(order.ID) == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("order store: order id required"))
	}
	metadata, err := encodeMetadata(order.Metadata)
	if err != nil {
		return storageErr("encode metadata", err)
	}
	args := pgx.NamedArgs{
		"id":               order.ID,
		"account_id":       strings.TrimSpace(order.AccountID),
		"symbol":           order.Symbol,
		"side":             string(order.Side),
		"order_type":       string(order.Type),
		"quantity":         order.Quantity.String(),
		"limit_price":      nullableDecimal(order.LimitPrice),
		"stop_price":       nullableDecimal(order.StopPrice),
		"status":           string(order.Status),
		"broker_order_id":  nullableString(order.BrokerOrderID),
		"parent_order_id":  nullableString(order.ParentOrderID),
		"filled_qty":       order.FilledQty.String(),
		"filled_avg_price": order.FilledAvgPrice.String(),
		"retry_count":      order.RetryCount,
		"last_error":       order.LastError,
		"metadata":         metadata,
	}
	if _, err := pool.Exec(ctx, orderInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.New("", errs.CodeConflict, errs.WithMessage("order already exists"), errs.WithCause(err))
		}
		return storageErr("insert order", err)
	}
	return nil
}

// Get returns the current record for the provided order id.
func (s *Store) Get(ctx context.Context, id string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE o.id = $1", id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Order{}, errs.New("", errs.CodeNotFound, errs.WithMessage("order not found"))
		}
		return schema.Order{}, storageErr("get order", err)
	}
	return order, nil
}

// List retrieves persisted orders matching the supplied filter.
func (s *Store) List(ctx context.Context, filter orderstore.Filter) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(filter.Limit, defaultListLimit, maxListLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 5)
	argPos := 1

	if trimmed := strings.TrimSpace(filter.AccountID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.account_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(filter.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(filter.ParentOrderID); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.parent_order_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if filter.HasBrokerID {
		builder.WriteString(" AND o.broker_order_id IS NOT NULL")
	}
	if states := normalizedStatuses(filter.Statuses); len(states) > 0 {
		fmt.Fprintf(&builder, " AND o.status = ANY($%d)", argPos)
		args = append(args, states)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY o.created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, storageErr("list orders", err)
	}
	defer rows.Close()

	var records []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, storageErr("scan order", err)
		}
		records = append(records, order)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list orders", err)
	}
	return records, nil
}

// Update applies the non-nil fields to the record in a single statement.
func (s *Store) Update(ctx context.Context, id string, fields orderstore.Fields) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}

	builder := strings.Builder{}
	builder.WriteString("UPDATE orders SET updated_at = NOW()")
	args := make([]any, 0, 7)
	argPos := 1

	appendSet := func(column string, value any) {
		fmt.Fprintf(&builder, ", %s = $%d", column, argPos)
		args = append(args, value)
		argPos++
	}
	if fields.Status != nil {
		appendSet("status", string(*fields.Status))
	}
	if fields.BrokerOrderID != nil {
		appendSet("broker_order_id", nullableString(*fields.BrokerOrderID))
	}
	if fields.FilledQty != nil {
		appendSet("filled_qty", fields.FilledQty.String())
	}
	if fields.FilledAvgPrice != nil {
		appendSet("filled_avg_price", fields.FilledAvgPrice.String())
	}
	if fields.RetryCount != nil {
		appendSet("retry_count", *fields.RetryCount)
	}
	if fields.LastError != nil {
		appendSet("last_error", *fields.LastError)
	}
	fmt.Fprintf(&builder, " WHERE id = $%d", argPos)
	args = append(args, id)

	tag, err := pool.Exec(ctx, builder.String(), args...)
	if err != nil {
		return storageErr("update order", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	return nil
}

// CompareAndSetStatus flips the status only when the stored value matches
// expected. The guarded UPDATE is the single-row atomic primitive that
// serializes contended transitions.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next schema.Status) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":       id,
		"expected": string(expected),
		"next":     string(next),
	}
	tag, err := pool.Exec(ctx, orderCASSQL, args)
	if err != nil {
		return storageErr("cas order status", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	switch err := pool.QueryRow(ctx, "SELECT status FROM orders WHERE id = $1", id).Scan(&current); {
	case errors.Is(err, pgx.ErrNoRows):
		return errs.New("", errs.CodeNotFound, errs.WithMessage("order not found"))
	case err != nil:
		return storageErr("cas order status", err)
	default:
		return errs.New("", errs.CodeConflict, errs.WithMessage("status mismatch: "+current))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (schema.Order, error) {
	var (
		id, accountID, symbol, side, orderType string
		quantity, filledQty, filledAvgPrice    string
		limitPrice, stopPrice                  sql.NullString
		status                                 string
		brokerOrderID, parentOrderID           sql.NullString
		retryCount                             int
		lastError                              string
		metadataBytes                          []byte
		createdAt, updatedAt                   time.Time
	)
	if err := row.Scan(
		&id,
		&accountID,
		&symbol,
		&side,
		&orderType,
		&quantity,
		&limitPrice,
		&stopPrice,
		&status,
		&brokerOrderID,
		&parentOrderID,
		&filledQty,
		&filledAvgPrice,
		&retryCount,
		&lastError,
		&metadataBytes,
		&createdAt,
		&updatedAt,
	); err != nil {
		return schema.Order{}, err
	}

	order := schema.Order{
		ID:            id,
		AccountID:     accountID,
		Symbol:        symbol,
		Side:          schema.Side(side),
		Type:          schema.OrderType(orderType),
		Status:        schema.Status(status),
		BrokerOrderID: brokerOrderID.String,
		ParentOrderID: parentOrderID.String,
		RetryCount:    retryCount,
		LastError:     lastError,
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
	}
	var err error
	if order.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return schema.Order{}, fmt.Errorf("parse quantity: %w", err)
	}
	if order.FilledQty, err = decimal.NewFromString(filledQty); err != nil {
		return schema.Order{}, fmt.Errorf("parse filled_qty: %w", err)
	}
	if order.FilledAvgPrice, err = decimal.NewFromString(filledAvgPrice); err != nil {
		return schema.Order{}, fmt.Errorf("parse filled_avg_price: %w", err)
	}
	if limitPrice.Valid {
		price, err := decimal.NewFromString(limitPrice.String)
		if err != nil {
			return schema.Order{}, fmt.Errorf("parse limit_price: %w", err)
		}
		order.LimitPrice = &price
	}
	if stopPrice.Valid {
		price, err := decimal.NewFromString(stopPrice.String)
		if err != nil {
			return schema.Order{}, fmt.Errorf("parse stop_price: %w", err)
		}
		order.StopPrice = &price
	}
	if len(metadataBytes) > 0 {
		if err := json.Unmarshal(metadataBytes, &order.Metadata); err != nil {
			return schema.Order{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return order, nil
}

func encodeMetadata(metadata map[string]any) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableDecimal(value *decimal.Decimal) any {
	if value == nil {
		return nil
	}
	return value.String()
}

func normalizedStatuses(statuses []schema.Status) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		if trimmed := strings.TrimSpace(string(status)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampLimit(requested, fallback, ceiling int) int {
	if requested <= 0 {
		return fallback
	}
	if requested > ceiling {
		return ceiling
	}
	return requested
}

func storageErr(op string, err error) error {
	return errs.New("", errs.CodeStorage, errs.WithMessage("order store: "+op), errs.WithCause(err))
}
