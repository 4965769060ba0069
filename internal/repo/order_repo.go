package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
)

// OrderRepo — репозиторий для работы с ордерами.
type OrderRepo struct {
	pool *pgxpool.Pool
}

// NewOrderRepo создаёт новый OrderRepo.
func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

const orderColumns = `key, run_id, market_id, side, outcome, size, price::text, external_id,
	status, filled_qty, avg_fill_price::text, reject_reason, version, created_at, submitted_at, updated_at`

// CreateOrder вставляет ордер, если ключ свободен, иначе возвращает существующий.
func (r *OrderRepo) CreateOrder(ctx context.Context, order *domain.Order) (*domain.Order, bool, error) {
	query := `
		INSERT INTO orders (key, run_id, market_id, side, outcome, size, price, status,
		                    filled_qty, avg_fill_price, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, 0, 0, 1, $9, $10)
		ON CONFLICT (key) DO NOTHING
		RETURNING ` + orderColumns

	saved, err := scanOrder(r.pool.QueryRow(ctx, query,
		order.Key,
		order.RunID,
		order.MarketID,
		order.Side,
		order.Outcome,
		order.Size,
		order.Price.String(),
		order.Status,
		order.CreatedAt,
		order.UpdatedAt,
	))
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	existing, err := r.GetOrder(ctx, order.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetOrder возвращает ордер по ключу идемпотентности.
func (r *OrderRepo) GetOrder(ctx context.Context, key string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE key = $1`
	return scanOrder(r.pool.QueryRow(ctx, query, key))
}

// UpdateOrder сохраняет изменения ордера с проверкой версии.
func (r *OrderRepo) UpdateOrder(ctx context.Context, order *domain.Order) error {
	query := `
		UPDATE orders
		SET external_id = $3, status = $4, filled_qty = $5, avg_fill_price = $6::numeric,
		    reject_reason = $7, submitted_at = $8, updated_at = $9, version = version + 1
		WHERE key = $1 AND version = $2
		  AND status NOT IN ('FILLED', 'REJECTED', 'CANCELLED')
	`
	result, err := r.pool.Exec(ctx, query,
		order.Key,
		order.Version,
		nullString(order.ExternalID),
		order.Status,
		order.FilledQty,
		order.AvgFillPrice.String(),
		nullString(order.RejectReason),
		order.SubmittedAt,
		order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, getErr := r.GetOrder(ctx, order.Key); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	order.Version++
	return nil
}

// ListOpenOrders возвращает ордера в нетерминальных статусах.
func (r *OrderRepo) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE status IN ('PENDING', 'SUBMITTED', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return collectOrders(rows)
}

// ListOrders возвращает ордера с фильтрацией.
func (r *OrderRepo) ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE ($1::uuid IS NULL OR run_id = $1)
		  AND ($2::text IS NULL OR market_id = $2)
		  AND ($3::text IS NULL OR status = $3)
		ORDER BY created_at DESC, key
		LIMIT $4 OFFSET $5
	`
	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.RunID),
		nullString(filter.MarketID),
		nullString(string(filter.Status)),
		EffectiveLimit(filter.Limit),
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collectOrders(rows)
}

// --- Helpers ---

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var price, avgPrice string
	var externalID, rejectReason *string

	err := row.Scan(
		&o.Key,
		&o.RunID,
		&o.MarketID,
		&o.Side,
		&o.Outcome,
		&o.Size,
		&price,
		&externalID,
		&o.Status,
		&o.FilledQty,
		&avgPrice,
		&rejectReason,
		&o.Version,
		&o.CreatedAt,
		&o.SubmittedAt,
		&o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return nil, fmt.Errorf("parse avg fill price: %w", err)
	}
	if externalID != nil {
		o.ExternalID = *externalID
	}
	if rejectReason != nil {
		o.RejectReason = *rejectReason
	}
	return &o, nil
}
