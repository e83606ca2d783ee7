package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Inserts use
// ON CONFLICT DO NOTHING on the natural key and report back only the rows
// that were actually new, so derived effects (balance deltas, order
// transitions) are applied at most once per on-chain event.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// baseArgs returns the shared leading columns of every event table.
func baseArgs(b domain.EventBase) []any {
	return []any{
		b.TxHash.Bytes(), int(b.LogIndex), int(b.BatchIndex), b.Address.Bytes(),
		int64(b.Block), b.BlockHash.Bytes(), b.Timestamp,
	}
}

const baseColumns = `tx_hash, log_index, batch_index, address, block, block_hash, timestamp`

// insertNew queues one INSERT per item in a single round trip and returns a
// mask of the items that were inserted.
func insertNew[T any](ctx context.Context, db interface {
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}, items []T, query string, args func(T) []any) ([]bool, error) {
	if len(items) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(query, args(it)...)
	}

	br := db.SendBatch(ctx, batch)
	defer br.Close()

	inserted := make([]bool, len(items))
	for i := range items {
		var one int
		err := br.QueryRow().Scan(&one)
		switch {
		case err == nil:
			inserted[i] = true
		case errors.Is(err, pgx.ErrNoRows):
			// duplicate delivery
		default:
			return nil, err
		}
	}
	return inserted, nil
}

func keep[T any](items []T, mask []bool) []T {
	var out []T
	for i, it := range items {
		if mask[i] {
			out = append(out, it)
		}
	}
	return out
}

// InsertFills persists fill events.
func (s *EventStore) InsertFills(ctx context.Context, fills []domain.FillEvent) ([]domain.FillEvent, error) {
	const query = `
		INSERT INTO fill_events (` + baseColumns + `,
			order_kind, order_id, order_side, maker, taker, contract, token_id, amount,
			price, currency, currency_price, order_source, aggregator_source, fill_source,
			wash_trading_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14::numeric, $15::numeric,
			$16::numeric, $17, $18::numeric, $19, $20, $21, $22)
		ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING
		RETURNING 1`

	mask, err := insertNew(ctx, s.pool, fills, query, func(f domain.FillEvent) []any {
		return append(baseArgs(f.EventBase),
			string(f.OrderKind), nullableString(f.OrderID), string(f.OrderSide),
			f.Maker.Bytes(), f.Taker.Bytes(), f.Contract.Bytes(), numericOrZero(f.TokenID),
			numericOrZero(f.Amount), numericOrZero(f.Price), f.Currency.Bytes(),
			numeric(f.CurrencyPrice), nullableString(f.OrderSource),
			nullableString(f.AggregatorSource), nullableString(f.FillSource), f.WashTradingScore,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert fills: %w", err)
	}
	return keep(fills, mask), nil
}

// InsertCancels persists single-order cancellations.
func (s *EventStore) InsertCancels(ctx context.Context, cancels []domain.CancelEvent) ([]domain.CancelEvent, error) {
	const query = `
		INSERT INTO cancel_events (` + baseColumns + `, order_kind, order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING
		RETURNING 1`

	mask, err := insertNew(ctx, s.pool, cancels, query, func(c domain.CancelEvent) []any {
		return append(baseArgs(c.EventBase), string(c.OrderKind), c.OrderID)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert cancels: %w", err)
	}
	return keep(cancels, mask), nil
}

// InsertBulkCancels persists min-nonce raises.
func (s *EventStore) InsertBulkCancels(ctx context.Context, cancels []domain.BulkCancelEvent) ([]domain.BulkCancelEvent, error) {
	const query = `
		INSERT INTO bulk_cancel_events (` + baseColumns + `, order_kind, maker, min_nonce, side, across_all)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12)
		ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING
		RETURNING 1`

	mask, err := insertNew(ctx, s.pool, cancels, query, func(c domain.BulkCancelEvent) []any {
		var side *string
		if c.Side != nil {
			v := string(*c.Side)
			side = &v
		}
		return append(baseArgs(c.EventBase),
			string(c.OrderKind), c.Maker.Bytes(), numericOrZero(c.MinNonce), side, c.AcrossAll)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert bulk cancels: %w", err)
	}
	return keep(cancels, mask), nil
}

// InsertNonceCancels persists per-nonce cancellations.
func (s *EventStore) InsertNonceCancels(ctx context.Context, cancels []domain.NonceCancelEvent) ([]domain.NonceCancelEvent, error) {
	const query = `
		INSERT INTO nonce_cancel_events (` + baseColumns + `, order_kind, maker, nonce)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric)
		ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING
		RETURNING 1`

	mask, err := insertNew(ctx, s.pool, cancels, query, func(c domain.NonceCancelEvent) []any {
		return append(baseArgs(c.EventBase), string(c.OrderKind), c.Maker.Bytes(), numericOrZero(c.Nonce))
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert nonce cancels: %w", err)
	}
	return keep(cancels, mask), nil
}

// InsertNftApprovals persists approval events and folds new ones into the
// nft_approvals mirror, keeping only the latest (block, log_index).
func (s *EventStore) InsertNftApprovals(ctx context.Context, events []domain.NftApprovalEvent) ([]domain.NftApprovalEvent, error) {
	const query = `
		INSERT INTO nft_approval_events (` + baseColumns + `, owner, operator, approved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING
		RETURNING 1`

	var fresh []domain.NftApprovalEvent
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		mask, err := insertNew(ctx, tx, events, query, func(e domain.NftApprovalEvent) []any {
			return append(baseArgs(e.EventBase), e.Owner.Bytes(), e.Operator.Bytes(), e.Approved)
		})
		if err != nil {
			return err
		}
		fresh = keep(events, mask)

		const mirror = `
			INSERT INTO nft_approvals (contract, owner, operator, approved, block, log_index)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (contract, owner, operator) DO UPDATE SET
				approved = EXCLUDED.approved, block = EXCLUDED.block, log_index = EXCLUDED.log_index
			WHERE (nft_approvals.block, nft_approvals.log_index) < (EXCLUDED.block, EXCLUDED.log_index)`
		for _, e := range fresh {
			if _, err := tx.Exec(ctx, mirror,
				e.Address.Bytes(), e.Owner.Bytes(), e.Operator.Bytes(), e.Approved, int64(e.Block), int(e.LogIndex),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert nft approvals: %w", err)
	}
	return fresh, nil
}

// InsertFtApprovals persists ERC20 allowance events and folds new ones into
// the ft_approvals mirror.
func (s *EventStore) InsertFtApprovals(ctx context.Context, events []domain.FtApprovalEvent) ([]domain.FtApprovalEvent, error) {
	const query = `
		INSERT INTO ft_approval_events (` + baseColumns + `, owner, spender, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric)
		ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING
		RETURNING 1`

	var fresh []domain.FtApprovalEvent
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		mask, err := insertNew(ctx, tx, events, query, func(e domain.FtApprovalEvent) []any {
			return append(baseArgs(e.EventBase), e.Owner.Bytes(), e.Spender.Bytes(), numericOrZero(e.Value))
		})
		if err != nil {
			return err
		}
		fresh = keep(events, mask)

		const mirror = `
			INSERT INTO ft_approvals (token, owner, spender, value, block, log_index)
			VALUES ($1, $2, $3, $4::numeric, $5, $6)
			ON CONFLICT (token, owner, spender) DO UPDATE SET
				value = EXCLUDED.value, block = EXCLUDED.block, log_index = EXCLUDED.log_index
			WHERE (ft_approvals.block, ft_approvals.log_index) < (EXCLUDED.block, EXCLUDED.log_index)`
		for _, e := range fresh {
			if _, err := tx.Exec(ctx, mirror,
				e.Address.Bytes(), e.Owner.Bytes(), e.Spender.Bytes(), numericOrZero(e.Value), int64(e.Block), int(e.LogIndex),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert ft approvals: %w", err)
	}
	return fresh, nil
}

// InsertFtTransfers persists ERC20 transfers and applies balance deltas for
// the new ones.
func (s *EventStore) InsertFtTransfers(ctx context.Context, events []domain.FtTransferEvent) ([]domain.FtTransferEvent, error) {
	const query = `
		INSERT INTO ft_transfer_events (` + baseColumns + `, "from", "to", amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric)
		ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING
		RETURNING 1`

	var fresh []domain.FtTransferEvent
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		mask, err := insertNew(ctx, tx, events, query, func(e domain.FtTransferEvent) []any {
			return append(baseArgs(e.EventBase), e.From.Bytes(), e.To.Bytes(), numericOrZero(e.Amount))
		})
		if err != nil {
			return err
		}
		fresh = keep(events, mask)

		const delta = `
			INSERT INTO ft_balances (contract, owner, amount) VALUES ($1, $2, $3::numeric)
			ON CONFLICT (contract, owner) DO UPDATE SET amount = ft_balances.amount + EXCLUDED.amount`
		batch := &pgx.Batch{}
		for _, e := range fresh {
			amount := numericOrZero(e.Amount)
			if !isZeroAddr(e.From) {
				batch.Queue(delta, e.Address.Bytes(), e.From.Bytes(), "-"+amount)
			}
			if !isZeroAddr(e.To) {
				batch.Queue(delta, e.Address.Bytes(), e.To.Bytes(), amount)
			}
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert ft transfers: %w", err)
	}
	return fresh, nil
}

// InsertNftTransfers persists NFT transfers and applies balance deltas for
// the new ones.
func (s *EventStore) InsertNftTransfers(ctx context.Context, events []domain.NftTransferEvent) ([]domain.NftTransferEvent, error) {
	const query = `
		INSERT INTO nft_transfer_events (` + baseColumns + `, kind, "from", "to", token_id, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, $12::numeric)
		ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING
		RETURNING 1`

	var fresh []domain.NftTransferEvent
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		mask, err := insertNew(ctx, tx, events, query, func(e domain.NftTransferEvent) []any {
			return append(baseArgs(e.EventBase),
				string(e.Kind), e.From.Bytes(), e.To.Bytes(), numericOrZero(e.TokenID), numericOrZero(e.Amount))
		})
		if err != nil {
			return err
		}
		fresh = keep(events, mask)

		const delta = `
			INSERT INTO nft_balances (contract, token_id, owner, amount) VALUES ($1, $2::numeric, $3, $4::numeric)
			ON CONFLICT (contract, token_id, owner) DO UPDATE SET amount = nft_balances.amount + EXCLUDED.amount`
		const contract = `
			INSERT INTO contracts (address, kind) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		batch := &pgx.Batch{}
		for _, e := range fresh {
			tokenID := numericOrZero(e.TokenID)
			amount := numericOrZero(e.Amount)
			batch.Queue(contract, e.Address.Bytes(), string(e.Kind))
			if !isZeroAddr(e.From) {
				batch.Queue(delta, e.Address.Bytes(), tokenID, e.From.Bytes(), "-"+amount)
			}
			if !isZeroAddr(e.To) {
				batch.Queue(delta, e.Address.Bytes(), tokenID, e.To.Bytes(), amount)
			}
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: insert nft transfers: %w", err)
	}
	return fresh, nil
}

var _ domain.EventStore = (*EventStore)(nil)
