package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shaiso/Signalflow/internal/domain"
	"github.com/shaiso/Signalflow/internal/repo"
)

const orderColumns = `key, run_id, market_id, side, outcome, size, price, external_id,
	status, filled_qty, avg_fill_price, reject_reason, version, created_at, submitted_at, updated_at`

// CreateOrder вставляет ордер, если ключ свободен, иначе возвращает существующий.
func (s *Store) CreateOrder(ctx context.Context, order *domain.Order) (*domain.Order, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (key, run_id, market_id, side, outcome, size, price, status,
		                    filled_qty, avg_fill_price, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '0', 1, ?, ?)
		ON CONFLICT (key) DO NOTHING
	`,
		order.Key,
		order.RunID.String(),
		order.MarketID,
		string(order.Side),
		string(order.Outcome),
		order.Size,
		order.Price.String(),
		string(order.Status),
		toNanos(order.CreatedAt),
		toNanos(order.UpdatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert order: %w", err)
	}

	saved, err := s.GetOrder(ctx, order.Key)
	if err != nil {
		return nil, false, err
	}
	n, _ := result.RowsAffected()
	return saved, n == 1, nil
}

// GetOrder возвращает ордер по ключу идемпотентности.
func (s *Store) GetOrder(ctx context.Context, key string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE key = ?`, key)
	return scanOrder(row)
}

// UpdateOrder сохраняет изменения ордера с проверкой версии.
func (s *Store) UpdateOrder(ctx context.Context, order *domain.Order) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET external_id = ?, status = ?, filled_qty = ?, avg_fill_price = ?,
		    reject_reason = ?, submitted_at = ?, updated_at = ?, version = version + 1
		WHERE key = ? AND version = ?
		  AND status NOT IN ('FILLED', 'REJECTED', 'CANCELLED')
	`,
		nullString(order.ExternalID),
		string(order.Status),
		order.FilledQty,
		order.AvgFillPrice.String(),
		nullString(order.RejectReason),
		nullNanos(order.SubmittedAt),
		toNanos(order.UpdatedAt),
		order.Key,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, getErr := s.GetOrder(ctx, order.Key); getErr != nil {
			return getErr
		}
		return repo.ErrVersionConflict
	}
	order.Version++
	return nil
}

// ListOpenOrders возвращает ордера в нетерминальных статусах.
func (s *Store) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return s.queryOrders(ctx, `SELECT `+orderColumns+`
		FROM orders
		WHERE status IN ('PENDING', 'SUBMITTED', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC`)
}

// ListOrders возвращает ордера с фильтрацией.
func (s *Store) ListOrders(ctx context.Context, filter repo.OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	var args []any

	if filter.RunID != nil {
		query += " AND run_id = ?"
		args = append(args, filter.RunID.String())
	}
	if filter.MarketID != "" {
		query += " AND market_id = ?"
		args = append(args, filter.MarketID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, key LIMIT ? OFFSET ?"
	args = append(args, repo.EffectiveLimit(filter.Limit), filter.Offset)

	return s.queryOrders(ctx, query, args...)
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
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

func scanOrder(row scanner) (*domain.Order, error) {
	var o domain.Order
	var price, avgPrice string
	var externalID, rejectReason sql.NullString
	var submittedAt sql.NullInt64
	var createdAt, updatedAt int64

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
		&createdAt,
		&submittedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, scanErr("order", err)
	}

	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return nil, fmt.Errorf("parse avg fill price: %w", err)
	}
	o.ExternalID = externalID.String
	o.RejectReason = rejectReason.String
	o.SubmittedAt = ptrFromNanos(submittedAt)
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	return &o, nil
}
