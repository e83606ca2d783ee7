package normalizer

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Enricher fills in attribution and wash-trading scores after decoding.
// Lookup failures never fail the batch.
type Enricher struct {
	txs     domain.TxLookup
	routers map[common.Address]string
	logger  *slog.Logger
}

// NewEnricher creates an Enricher. routers maps router contracts to the
// aggregator source they belong to.
func NewEnricher(txs domain.TxLookup, routers map[common.Address]string, logger *slog.Logger) *Enricher {
	return &Enricher{txs: txs, routers: routers, logger: logger.With(slog.String("component", "enricher"))}
}

// Enrich updates every fill list of out in place. Attribution is skipped
// for backfills.
func (e *Enricher) Enrich(ctx context.Context, out *domain.OnChainData, backfill bool) {
	// Lookups are cached per batch; a failed lookup is cached as unknown.
	cache := make(map[common.Hash]string)
	lists := [][]domain.FillEvent{out.FillEvents, out.FillEventsPartial, out.FillEventsOnChain}
	for _, fills := range lists {
		for i := range fills {
			f := &fills[i]
			f.WashTradingScore = WashTradingScore(*f)
			if backfill || e.txs == nil || len(e.routers) == 0 {
				continue
			}
			source, ok := cache[f.TxHash]
			if !ok {
				source = e.lookup(ctx, f.TxHash)
				cache[f.TxHash] = source
			}
			if source != "" {
				f.AggregatorSource = source
				f.FillSource = source
			}
		}
	}
}

func (e *Enricher) lookup(ctx context.Context, tx common.Hash) string {
	to, err := e.txs.TransactionTo(ctx, tx)
	if err != nil {
		e.logger.Warn("attribution lookup failed",
			slog.String("tx_hash", tx.Hex()),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return e.routers[to]
}

// WashTradingScore flags self-trades.
func WashTradingScore(f domain.FillEvent) float64 {
	if f.Maker == f.Taker {
		return 1
	}
	return 0
}
