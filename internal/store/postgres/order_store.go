package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderColumns = `
	id, kind, side, maker, taker, contract, token_kind, token_id::text, token_set_id,
	currency, conduit, price::text, value::text, normalized_value::text, fee_bps,
	nonce::text, quantity::text, quantity_filled::text, quantity_remaining::text,
	valid_from, valid_until, source, fillability_status, approval_status, raw_data,
	created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                                           domain.Order
		kind, side, tokenKind, fill, approval       string
		maker, taker, contract, currency, conduit   []byte
		tokenID, price, value, normalized, nonce    *string
		quantity, quantityFilled, quantityRemaining *string
		validFrom, validUntil                       *time.Time
		source                                      *string
	)
	err := row.Scan(
		&o.ID, &kind, &side, &maker, &taker, &contract, &tokenKind, &tokenID, &o.TokenSetID,
		&currency, &conduit, &price, &value, &normalized, &o.FeeBps,
		&nonce, &quantity, &quantityFilled, &quantityRemaining,
		&validFrom, &validUntil, &source, &fill, &approval, &o.RawData,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}

	o.Kind = domain.OrderKind(kind)
	o.Side = domain.Side(side)
	o.TokenKind = domain.TokenKind(tokenKind)
	o.Maker = toAddr(maker)
	o.Taker = toAddr(taker)
	o.Contract = toAddr(contract)
	o.Currency = toAddr(currency)
	o.Conduit = toAddr(conduit)
	o.FillabilityStatus = domain.FillabilityStatus(fill)
	o.ApprovalStatus = domain.ApprovalStatus(approval)
	o.ValidFrom = derefTime(validFrom)
	o.ValidUntil = derefTime(validUntil)
	o.Source = derefString(source)

	for _, f := range []struct {
		dst **big.Int
		src *string
	}{
		{&o.TokenID, tokenID},
		{&o.Price, price},
		{&o.Value, value},
		{&o.NormalizedValue, normalized},
		{&o.Nonce, nonce},
		{&o.Quantity, quantity},
		{&o.QuantityFilled, quantityFilled},
		{&o.QuantityRemaining, quantityRemaining},
	} {
		if *f.dst, err = parseNumeric(f.src); err != nil {
			return o, err
		}
	}
	return o, nil
}

// Get returns the order with the given id.
func (s *OrderStore) Get(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// Upsert inserts an order or refreshes its pricing fields. Status columns
// are never touched by an upsert; they only move through
// CompareAndSwapStatus.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) (bool, error) {
	if o.Quantity == nil {
		o.Quantity = big.NewInt(1)
	}
	if o.QuantityRemaining == nil {
		o.QuantityRemaining = o.Quantity
	}
	if o.FillabilityStatus == "" {
		o.FillabilityStatus = domain.FillabilityFillable
	}
	if o.ApprovalStatus == "" {
		o.ApprovalStatus = domain.ApprovalApproved
	}

	const query = `
		INSERT INTO orders (
			id, kind, side, maker, taker, contract, token_kind, token_id, token_set_id,
			currency, conduit, price, value, normalized_value, fee_bps, nonce,
			quantity, quantity_remaining, valid_from, valid_until, source,
			fillability_status, approval_status, raw_data
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8::numeric, $9,
			$10, $11, $12::numeric, $13::numeric, $14::numeric, $15, $16::numeric,
			$17::numeric, $18::numeric, $19, $20, $21,
			$22, $23, $24
		)
		ON CONFLICT (id) DO UPDATE SET
			price            = EXCLUDED.price,
			value            = EXCLUDED.value,
			normalized_value = EXCLUDED.normalized_value,
			valid_until      = EXCLUDED.valid_until,
			raw_data         = EXCLUDED.raw_data,
			updated_at       = NOW()
		RETURNING (xmax = 0)`

	var created bool
	err := s.pool.QueryRow(ctx, query,
		o.ID, string(o.Kind), string(o.Side), o.Maker.Bytes(), nullableAddr(o.Taker),
		o.Contract.Bytes(), string(o.TokenKind), numeric(o.TokenID), o.TokenSetID,
		o.Currency.Bytes(), nullableAddr(o.Conduit), numericOrZero(o.Price), numericOrZero(o.Value),
		numeric(o.NormalizedValue), o.FeeBps, numeric(o.Nonce),
		numericOrZero(o.Quantity), numericOrZero(o.QuantityRemaining),
		nullableTime(o.ValidFrom), nullableTime(o.ValidUntil), nullableString(o.Source),
		string(o.FillabilityStatus), string(o.ApprovalStatus), []byte(o.RawData),
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}

	if o.TokenID != nil && strings.HasPrefix(o.TokenSetID, "token:") {
		const tst = `
			INSERT INTO token_sets_tokens (token_set_id, contract, token_id)
			VALUES ($1, $2, $3::numeric) ON CONFLICT DO NOTHING`
		if _, err := s.pool.Exec(ctx, tst, o.TokenSetID, o.Contract.Bytes(), o.TokenID.String()); err != nil {
			return created, fmt.Errorf("postgres: upsert order %s token set: %w", o.ID, err)
		}
	}
	return created, nil
}

// CompareAndSwapStatus implements the conditional status write. The row is
// locked, compared in Go, and only a real difference produces an UPDATE and
// an order_events row, both in one transaction.
func (s *OrderStore) CompareAndSwapStatus(
	ctx context.Context,
	id string,
	next domain.OrderStatus,
	quantityRemaining *big.Int,
	trig domain.Trigger,
) (*domain.OrderTransition, error) {
	var transition *domain.OrderTransition

	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			kind, side, fill, approval string
			remaining                  *string
		)
		err := tx.QueryRow(ctx, `
			SELECT kind, side, fillability_status, approval_status, quantity_remaining::text
			FROM orders WHERE id = $1 FOR UPDATE`, id,
		).Scan(&kind, &side, &fill, &approval, &remaining)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}

		prev := domain.OrderStatus{
			Fillability: domain.FillabilityStatus(fill),
			Approval:    domain.ApprovalStatus(approval),
		}
		curRemaining := mustNumeric(remaining)
		if !statusChangeAllowed(prev, next) {
			return nil
		}
		if quantityRemaining == nil {
			quantityRemaining = curRemaining
		}
		if prev == next && curRemaining.Cmp(quantityRemaining) == 0 {
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE orders
			SET fillability_status = $2, approval_status = $3,
			    quantity_remaining = $4::numeric, updated_at = $5
			WHERE id = $1`,
			id, string(next.Fillability), string(next.Approval), quantityRemaining.String(), now,
		); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO order_events (
				order_id, kind, status, fillability_status, approval_status,
				tx_hash, tx_timestamp, quantity_remaining, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9)`,
			id, string(trig.Kind), string(next.EventStatus()),
			string(next.Fillability), string(next.Approval),
			nullableHash(trig.TxHash), nullableTime(trig.TxTimestamp), quantityRemaining.String(), now,
		); err != nil {
			return err
		}

		transition = &domain.OrderTransition{
			OrderID:           id,
			Kind:              domain.OrderKind(kind),
			Side:              domain.Side(side),
			Previous:          prev,
			Current:           next,
			QuantityRemaining: quantityRemaining,
			Trigger:           trig,
			At:                now,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: cas order status %s: %w", id, err)
	}
	return transition, nil
}

// AppendStatusEvent copies the order's current status into order_events.
func (s *OrderStore) AppendStatusEvent(ctx context.Context, id string, trig domain.Trigger) (domain.OrderEvent, error) {
	var (
		ev             domain.OrderEvent
		fill, approval string
		status         string
		remaining      *string
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO order_events (
			order_id, kind, status, fillability_status, approval_status,
			tx_hash, tx_timestamp, quantity_remaining, created_at
		)
		SELECT id, $2,
		       CASE
		           WHEN fillability_status IN ('filled', 'cancelled', 'expired') THEN fillability_status
		           WHEN fillability_status = 'no-balance' THEN 'inactive'
		           WHEN approval_status IN ('no-approval', 'disabled') THEN 'inactive'
		           ELSE 'active'
		       END,
		       fillability_status, approval_status, $3, $4, quantity_remaining, NOW()
		FROM orders WHERE id = $1
		RETURNING id, status, fillability_status, approval_status, quantity_remaining::text, created_at`,
		id, string(trig.Kind), nullableHash(trig.TxHash), nullableTime(trig.TxTimestamp),
	).Scan(&ev.ID, &status, &fill, &approval, &remaining, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = domain.ErrNotFound
		}
		return ev, fmt.Errorf("postgres: append status event %s: %w", id, err)
	}

	ev.OrderID = id
	ev.Kind = trig.Kind
	ev.Status = domain.OrderEventStatus(status)
	ev.Fillability = domain.FillabilityStatus(fill)
	ev.Approval = domain.ApprovalStatus(approval)
	ev.TxHash = trig.TxHash
	ev.TxTimestamp = trig.TxTimestamp
	ev.QuantityRemaining = mustNumeric(remaining)
	return ev, nil
}

// statusChangeAllowed keeps terminal fillability states sticky: once an
// order is cancelled, filled or expired no later check may revive it.
func statusChangeAllowed(prev, next domain.OrderStatus) bool {
	if prev.Fillability.Terminal() && prev.Fillability != next.Fillability {
		return false
	}
	return true
}

// RefreshQuantityFilled recomputes quantity_filled from fill_events. The
// fill rows are unique by natural key, so duplicate deliveries cannot be
// counted twice, and the result is capped at the order quantity.
func (s *OrderStore) RefreshQuantityFilled(ctx context.Context, id string) (domain.Order, error) {
	query := `
		UPDATE orders o
		SET quantity_filled    = LEAST(o.quantity, f.total),
		    quantity_remaining = GREATEST(o.quantity - LEAST(o.quantity, f.total), 0),
		    updated_at         = NOW()
		FROM (SELECT COALESCE(SUM(amount), 0) AS total FROM fill_events WHERE order_id = $1) f
		WHERE o.id = $1
		RETURNING ` + prefixed("o.", orderColumns)

	o, err := scanOrder(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: refresh quantity filled %s: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: refresh quantity filled %s: %w", id, err)
	}
	return o, nil
}

// ListByMaker returns the maker's orders matching q.
func (s *OrderStore) ListByMaker(ctx context.Context, q domain.MakerOrderQuery) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE maker = $1 AND side = $2`
	args := []any{q.Maker.Bytes(), string(q.Side)}
	argIdx := 3

	if q.Contract != nil {
		col := "contract"
		if q.Side == domain.SideBuy {
			col = "currency"
		}
		query += fmt.Sprintf(" AND %s = $%d", col, argIdx)
		args = append(args, q.Contract.Bytes())
		argIdx++
	}
	if q.TokenID != nil {
		query += fmt.Sprintf(" AND token_id = $%d::numeric", argIdx)
		args = append(args, q.TokenID.String())
		argIdx++
	}
	if q.Conduit != nil {
		query += fmt.Sprintf(" AND conduit = $%d", argIdx)
		args = append(args, q.Conduit.Bytes())
		argIdx++
	}
	if q.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, string(q.Kind))
		argIdx++
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND fillability_status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}
	if len(q.Approvals) > 0 {
		approvals := make([]string, len(q.Approvals))
		for i, ap := range q.Approvals {
			approvals[i] = string(ap)
		}
		query += fmt.Sprintf(" AND approval_status = ANY($%d)", argIdx)
		args = append(args, approvals)
		argIdx++
	}
	if len(q.ExcludeKinds) > 0 {
		kinds := make([]string, len(q.ExcludeKinds))
		for i, k := range q.ExcludeKinds {
			kinds[i] = string(k)
		}
		query += fmt.Sprintf(" AND kind <> ALL($%d)", argIdx)
		args = append(args, kinds)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by maker %s: %w", q.Maker.Hex(), err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders by maker rows: %w", err)
	}
	return orders, nil
}

// ListBelowNonce returns the non-terminal orders invalidated by a bulk cancel:
// for counter kinds every order not signed with the new counter, otherwise
// every order below minNonce.
func (s *OrderStore) ListBelowNonce(ctx context.Context, kind domain.OrderKind, maker common.Address, side *domain.Side, minNonce *big.Int) ([]string, error) {
	var sideArg *string
	if side != nil {
		v := string(*side)
		sideArg = &v
	}
	const query = `
		SELECT id FROM orders
		WHERE kind = $1 AND maker = $2 AND ($3::text IS NULL OR side = $3)
		  AND CASE WHEN $5::bool THEN nonce <> $4::numeric ELSE nonce < $4::numeric END
		  AND fillability_status NOT IN ('cancelled', 'filled', 'expired')`
	return s.queryIDs(ctx, "list below nonce", query, string(kind), maker.Bytes(), sideArg, numericOrZero(minNonce), kind.CounterNonce())
}

// ListByNonce returns the non-terminal orders signed with exactly nonce.
func (s *OrderStore) ListByNonce(ctx context.Context, kind domain.OrderKind, maker common.Address, nonce *big.Int) ([]string, error) {
	const query = `
		SELECT id FROM orders
		WHERE kind = $1 AND maker = $2 AND nonce = $3::numeric
		  AND fillability_status NOT IN ('cancelled', 'filled', 'expired')`
	return s.queryIDs(ctx, "list by nonce", query, string(kind), maker.Bytes(), numericOrZero(nonce))
}

// ListExpired returns live orders whose validity window has passed.
func (s *OrderStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id FROM orders
		WHERE valid_until IS NOT NULL AND valid_until < $1
		  AND fillability_status IN ('fillable', 'no-balance')
		ORDER BY valid_until
		LIMIT $2`
	return s.queryIDs(ctx, "list expired", query, now, limit)
}

func (s *OrderStore) queryIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return ids, nil
}

// ListConduits returns the distinct conduits of the maker's buy orders of
// the given kind.
func (s *OrderStore) ListConduits(ctx context.Context, maker common.Address, kind domain.OrderKind) ([]common.Address, error) {
	const query = `
		SELECT DISTINCT conduit FROM orders
		WHERE maker = $1 AND kind = $2 AND side = 'buy' AND conduit IS NOT NULL
		  AND fillability_status = 'fillable'`
	rows, err := s.pool.Query(ctx, query, maker.Bytes(), string(kind))
	if err != nil {
		return nil, fmt.Errorf("postgres: list conduits: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("postgres: list conduits rows: %w", err)
	}
	out := make([]common.Address, len(raw))
	for i, b := range raw {
		out[i] = toAddr(b)
	}
	return out, nil
}

// ScanForRevalidation pages through live orders by (created_at, id).
// created_at never changes, so a scan cannot revisit rows it just updated.
func (s *OrderStore) ScanForRevalidation(ctx context.Context, after domain.Cursor, limit int) ([]domain.Order, domain.Cursor, error) {
	const query = `
		SELECT ` + orderColumns + ` FROM orders
		WHERE (created_at, id) > ($1, $2)
		  AND fillability_status IN ('fillable', 'no-balance')
		ORDER BY created_at, id
		LIMIT $3`
	rows, err := s.pool.Query(ctx, query, after.Timestamp, after.ID, limit)
	if err != nil {
		return nil, after, fmt.Errorf("postgres: scan orders: %w", err)
	}
	defer rows.Close()

	next := after
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, after, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
		next = domain.Cursor{Timestamp: o.CreatedAt, ID: o.ID}
	}
	if err := rows.Err(); err != nil {
		return nil, after, fmt.Errorf("postgres: scan orders rows: %w", err)
	}
	return orders, next, nil
}

// TokensOfSet lists the tokens belonging to a token set.
func (s *OrderStore) TokensOfSet(ctx context.Context, tokenSetID string) ([]domain.TokenRef, error) {
	const query = `SELECT contract, token_id::text FROM token_sets_tokens WHERE token_set_id = $1`
	rows, err := s.pool.Query(ctx, query, tokenSetID)
	if err != nil {
		return nil, fmt.Errorf("postgres: tokens of set %s: %w", tokenSetID, err)
	}
	defer rows.Close()

	var refs []domain.TokenRef
	for rows.Next() {
		var (
			contract []byte
			tokenID  string
		)
		if err := rows.Scan(&contract, &tokenID); err != nil {
			return nil, fmt.Errorf("postgres: scan token set row: %w", err)
		}
		refs = append(refs, domain.TokenRef{Contract: toAddr(contract), TokenID: mustNumeric(&tokenID)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: tokens of set rows: %w", err)
	}
	return refs, nil
}

// prefixed qualifies every column of a comma-separated list with prefix,
// keeping trailing casts in place.
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

var _ domain.OrderStore = (*OrderStore)(nil)
