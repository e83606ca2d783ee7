package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// cacheSpec describes where one cache kind lives and how its best order is
// aggregated. Token-scoped queries take ($1 contract, $2 token id);
// collection-scoped queries take ($1 collection id).
type cacheSpec struct {
	table      string
	prefix     string
	eventTable string
	best       string
}

const activeSell = `o.side = 'sell' AND o.fillability_status = 'fillable'
	AND o.approval_status = 'approved' AND o.taker IS NULL`

const activeBuy = `o.side = 'buy' AND o.fillability_status = 'fillable'
	AND o.approval_status = 'approved'`

func tokenAggregate(prefix, extra string) string {
	return fmt.Sprintf(`
		SELECT t.%[1]s_id, t.%[1]s_maker, t.%[1]s_value::text, t.%[1]s_source,
		       t.%[1]s_valid_from, t.%[1]s_valid_until
		FROM tokens t
		WHERE t.collection_id = $1 AND t.%[1]s_value IS NOT NULL %[2]s
		ORDER BY t.%[1]s_value, t.%[1]s_id
		LIMIT 1`, prefix, extra)
}

var cacheSpecs = map[domain.CacheKind]cacheSpec{
	domain.CacheTokenFloor: {
		table:      "tokens",
		prefix:     "floor_sell",
		eventTable: "token_floor_sell_events",
		best: `
			SELECT o.id, o.maker, o.value::text, o.source, o.valid_from, o.valid_until
			FROM orders o
			JOIN token_sets_tokens tst ON tst.token_set_id = o.token_set_id
			WHERE tst.contract = $1 AND tst.token_id = $2::numeric AND ` + activeSell + `
			ORDER BY o.value, o.fee_bps, o.id
			LIMIT 1`,
	},
	domain.CacheTokenNormalizedFloor: {
		table:      "tokens",
		prefix:     "normalized_floor_sell",
		eventTable: "token_normalized_floor_sell_events",
		best: `
			SELECT o.id, o.maker, COALESCE(o.normalized_value, o.value)::text, o.source,
			       o.valid_from, o.valid_until
			FROM orders o
			JOIN token_sets_tokens tst ON tst.token_set_id = o.token_set_id
			WHERE tst.contract = $1 AND tst.token_id = $2::numeric AND ` + activeSell + `
			  AND o.kind <> 'blur'
			ORDER BY COALESCE(o.normalized_value, o.value), o.fee_bps, o.id
			LIMIT 1`,
	},
	domain.CacheCollectionFloor: {
		table:      "collections",
		prefix:     "floor_sell",
		eventTable: "collection_floor_sell_events",
		best:       tokenAggregate("floor_sell", ""),
	},
	domain.CacheCollectionNonFlaggedFloor: {
		table:      "collections",
		prefix:     "non_flagged_floor_sell",
		eventTable: "collection_non_flagged_floor_sell_events",
		best:       tokenAggregate("floor_sell", "AND t.is_flagged = FALSE"),
	},
	domain.CacheCollectionNormalizedFloor: {
		table:      "collections",
		prefix:     "normalized_floor_sell",
		eventTable: "collection_normalized_floor_sell_events",
		best:       tokenAggregate("normalized_floor_sell", ""),
	},
	domain.CacheTokenTopBid: {
		table:      "tokens",
		prefix:     "top_buy",
		eventTable: "token_top_bid_events",
		best: `
			SELECT o.id, o.maker, o.value::text, o.source, o.valid_from, o.valid_until
			FROM orders o
			JOIN token_sets_tokens tst ON tst.token_set_id = o.token_set_id
			WHERE tst.contract = $1 AND tst.token_id = $2::numeric AND ` + activeBuy + `
			ORDER BY o.value DESC, o.id
			LIMIT 1`,
	},
	domain.CacheCollectionTopBid: {
		table:      "collections",
		prefix:     "top_buy",
		eventTable: "collection_top_bid_events",
		best: `
			SELECT o.id, o.maker, o.value::text, o.source, o.valid_from, o.valid_until
			FROM orders o
			JOIN collections c ON c.token_set_id = o.token_set_id
			WHERE c.id = $1 AND ` + activeBuy + `
			ORDER BY o.value DESC, o.id
			LIMIT 1`,
	},
}

// CacheStore implements domain.CacheStore using PostgreSQL.
type CacheStore struct {
	pool *pgxpool.Pool
}

// NewCacheStore creates a new CacheStore backed by the given connection pool.
func NewCacheStore(pool *pgxpool.Pool) *CacheStore {
	return &CacheStore{pool: pool}
}

func lookupSpec(kind domain.CacheKind, target domain.CacheTarget) (cacheSpec, []any, string, error) {
	spec, ok := cacheSpecs[kind]
	if !ok {
		return cacheSpec{}, nil, "", fmt.Errorf("unknown cache kind %s", kind)
	}
	if kind.TokenScoped() {
		if target.Token == nil {
			return cacheSpec{}, nil, "", fmt.Errorf("%s needs a token target", kind)
		}
		return spec, []any{target.Token.Contract.Bytes(), numericOrZero(target.Token.TokenID)}, target.Token.String(), nil
	}
	if target.CollectionID == "" {
		return cacheSpec{}, nil, "", fmt.Errorf("%s needs a collection target", kind)
	}
	return spec, []any{target.CollectionID}, target.CollectionID, nil
}

func (spec cacheSpec) where(tokenScoped bool) string {
	if tokenScoped {
		return "contract = $1 AND token_id = $2::numeric"
	}
	return "id = $1"
}

func (spec cacheSpec) columns() string {
	return fmt.Sprintf(`%[1]s_id, %[1]s_maker, %[1]s_value::text, %[1]s_source, %[1]s_valid_from, %[1]s_valid_until`, spec.prefix)
}

func scanBest(row pgx.Row) (domain.BestPrice, error) {
	var (
		p                     domain.BestPrice
		id, value, source     *string
		maker                 []byte
		validFrom, validUntil *time.Time
	)
	if err := row.Scan(&id, &maker, &value, &source, &validFrom, &validUntil); err != nil {
		return p, err
	}
	p.OrderID = derefString(id)
	p.Maker = toAddr(maker)
	p.Source = derefString(source)
	p.ValidFrom = derefTime(validFrom)
	p.ValidUntil = derefTime(validUntil)
	v, err := parseNumeric(value)
	if err != nil {
		return p, err
	}
	p.Value = v
	return p, nil
}

// Get returns the stored slot.
func (s *CacheStore) Get(ctx context.Context, kind domain.CacheKind, target domain.CacheTarget) (domain.BestPrice, error) {
	spec, args, entity, err := lookupSpec(kind, target)
	if err != nil {
		return domain.BestPrice{}, fmt.Errorf("postgres: get cache: %w", err)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, spec.columns(), spec.table, spec.where(kind.TokenScoped()))
	p, err := scanBest(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BestPrice{}, fmt.Errorf("postgres: get %s %s: %w", kind, entity, domain.ErrNotFound)
		}
		return domain.BestPrice{}, fmt.Errorf("postgres: get %s %s: %w", kind, entity, err)
	}
	return p, nil
}

// Recompute locks the slot's row, runs a fresh aggregation and writes the
// result together with a change row only when it differs from what is
// stored. Concurrent recomputations of the same slot serialize on the row
// lock, so equal results never produce two change rows.
func (s *CacheStore) Recompute(ctx context.Context, kind domain.CacheKind, target domain.CacheTarget, trig domain.Trigger) (*domain.CacheChange, error) {
	spec, args, entity, err := lookupSpec(kind, target)
	if err != nil {
		return nil, fmt.Errorf("postgres: recompute cache: %w", err)
	}
	where := spec.where(kind.TokenScoped())

	var change *domain.CacheChange
	err = withTx(ctx, s.pool, func(tx pgx.Tx) error {
		lock := fmt.Sprintf(`SELECT %s FROM %s WHERE %s FOR UPDATE`, spec.columns(), spec.table, where)
		prev, err := scanBest(tx.QueryRow(ctx, lock, args...))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}

		next, err := scanBest(tx.QueryRow(ctx, spec.best, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			next, err = domain.BestPrice{}, nil
		}
		if err != nil {
			return err
		}
		if prev.Same(next) {
			return nil
		}

		now := time.Now().UTC()
		update := fmt.Sprintf(`
			UPDATE %[1]s SET
				%[2]s_id = $%[3]d, %[2]s_maker = $%[4]d, %[2]s_value = $%[5]d::numeric,
				%[2]s_source = $%[6]d, %[2]s_valid_from = $%[7]d, %[2]s_valid_until = $%[8]d,
				updated_at = $%[9]d
			WHERE %[10]s`,
			spec.table, spec.prefix,
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5, len(args)+6, len(args)+7,
			where)
		updateArgs := append(append([]any{}, args...),
			nullableString(next.OrderID), nullableAddr(next.Maker), numeric(next.Value),
			nullableString(next.Source), nullableTime(next.ValidFrom), nullableTime(next.ValidUntil), now)
		if _, err := tx.Exec(ctx, update, updateArgs...); err != nil {
			return err
		}

		var contract []byte
		var tokenID *string
		if target.Token != nil {
			contract = target.Token.Contract.Bytes()
			tokenID = numeric(target.Token.TokenID)
		}
		insert := fmt.Sprintf(`
			INSERT INTO %s (
				kind, entity_id, contract, token_id, order_id, maker, price, previous_price,
				source, valid_from, valid_until, tx_hash, tx_timestamp, created_at
			) VALUES ($1, $2, $3, $4::numeric, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13, $14)`,
			spec.eventTable)
		if _, err := tx.Exec(ctx, insert,
			string(trig.Kind), entity, contract, tokenID, nullableString(next.OrderID), nullableAddr(next.Maker),
			numeric(next.Value), numeric(prev.Value), nullableString(next.Source),
			nullableTime(next.ValidFrom), nullableTime(next.ValidUntil),
			nullableHash(trig.TxHash), nullableTime(trig.TxTimestamp), now,
		); err != nil {
			return err
		}

		change = &domain.CacheChange{
			Cache:         kind,
			EntityID:      entity,
			Token:         target.Token,
			Current:       next,
			PreviousValue: prev.Value,
			Trigger:       trig.Kind,
			TxHash:        trig.TxHash,
			TxTimestamp:   trig.TxTimestamp,
			CreatedAt:     now,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: recompute %s %s: %w", kind, entity, err)
	}
	return change, nil
}

// CollectionOf returns the collection owning a token, or "" when the token
// belongs to none.
func (s *CacheStore) CollectionOf(ctx context.Context, ref domain.TokenRef) (string, error) {
	var collection *string
	err := s.pool.QueryRow(ctx,
		`SELECT collection_id FROM tokens WHERE contract = $1 AND token_id = $2::numeric`,
		ref.Contract.Bytes(), numericOrZero(ref.TokenID),
	).Scan(&collection)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("postgres: collection of %s: %w", ref, err)
	}
	return derefString(collection), nil
}

var _ domain.CacheStore = (*CacheStore)(nil)
