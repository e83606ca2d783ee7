package normalizer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Adapter decodes the logs of one protocol family into out. Adapters never
// call each other; a log they cannot decode is reported and skipped.
type Adapter interface {
	Handle(ctx context.Context, logs []Log, out *domain.OnChainData) error
}

// Options controls a Normalize call.
type Options struct {
	// Backfill skips attribution lookups.
	Backfill bool
}

// Config holds the normalizer parameters.
type Config struct {
	ConsecutiveTransferThreshold int
	Routers                      map[common.Address]string
}

// Normalizer dispatches logs to the adapter of their kind.
type Normalizer struct {
	erc721    *erc721Adapter
	erc1155   *erc1155Adapter
	erc20     *erc20Adapter
	seaport   *seaportAdapter
	looksRare *looksRareAdapter
	sudoswap  *sudoswapAdapter
	enricher  *Enricher
	logger    *slog.Logger
}

// New creates a Normalizer. txs may be nil, which disables attribution.
// pools resolves the collection of an AMM pool and may be nil.
func New(cfg Config, txs domain.TxLookup, pools domain.PoolStore, logger *slog.Logger) *Normalizer {
	logger = logger.With(slog.String("component", "normalizer"))
	threshold := cfg.ConsecutiveTransferThreshold
	if threshold < 1 {
		threshold = 1000
	}
	return &Normalizer{
		erc721:    &erc721Adapter{threshold: threshold, logger: logger},
		erc1155:   &erc1155Adapter{logger: logger},
		erc20:     &erc20Adapter{logger: logger},
		seaport:   &seaportAdapter{logger: logger},
		looksRare: &looksRareAdapter{logger: logger},
		sudoswap:  &sudoswapAdapter{pools: pools, logger: logger},
		enricher:  NewEnricher(txs, cfg.Routers, logger),
		logger:    logger,
	}
}

// adapter maps every kind to its adapter. Adding a kind without a case here
// fails the exhaustiveness test.
func (n *Normalizer) adapter(kind EventKind) (Adapter, error) {
	switch kind {
	case KindERC721:
		return n.erc721, nil
	case KindERC1155:
		return n.erc1155, nil
	case KindERC20:
		return n.erc20, nil
	case KindSeaport:
		return n.seaport, nil
	case KindLooksRareV2:
		return n.looksRare, nil
	case KindSudoswapV2:
		return n.sudoswap, nil
	}
	return nil, fmt.Errorf("normalizer: no adapter for %s", kind)
}

// Normalize decodes logs into one batch. Logs of unknown kinds are ignored.
func (n *Normalizer) Normalize(ctx context.Context, logs []Log, opts Options) (*domain.OnChainData, error) {
	SortLogs(logs)

	grouped := make(map[EventKind][]Log)
	for _, l := range logs {
		kind, ok := Classify(l.Log)
		if !ok {
			continue
		}
		grouped[kind] = append(grouped[kind], l)
	}

	out := &domain.OnChainData{}
	for _, kind := range AllKinds {
		batch := grouped[kind]
		if len(batch) == 0 {
			continue
		}
		a, err := n.adapter(kind)
		if err != nil {
			return nil, err
		}
		if err := a.Handle(ctx, batch, out); err != nil {
			return nil, fmt.Errorf("normalizer: %s: %w", kind, err)
		}
	}

	n.enricher.Enrich(ctx, out, opts.Backfill)
	return out, nil
}

// ExpandRange materializes token ids [from, to] of a deferred consecutive
// transfer.
func (n *Normalizer) ExpandRange(r domain.ConsecutiveRange, from, to *big.Int) *domain.OnChainData {
	out := &domain.OnChainData{}
	n.erc721.expand(r, from, to, out)
	return out
}

// skip logs a log an adapter could not decode.
func skip(logger *slog.Logger, l Log, err error) {
	logger.Warn("skipping undecodable log",
		slog.String("tx_hash", l.TxHash.Hex()),
		slog.Uint64("log_index", uint64(l.Index)),
		slog.String("address", l.Address.Hex()),
		slog.String("error", err.Error()),
	)
}
