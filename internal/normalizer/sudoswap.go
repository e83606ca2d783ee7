package normalizer

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

type sudoswapAdapter struct {
	pools  domain.PoolStore
	logger *slog.Logger
}

func (a *sudoswapAdapter) Handle(ctx context.Context, logs []Log, out *domain.OnChainData) error {
	upserted := make(map[common.Address]struct{})
	for _, l := range logs {
		pool := l.Address

		switch l.Topics[0] {
		case sudoswapV2ABI.Events["SwapNFTInPair"].ID:
			// The pool bought NFTs: its synthetic bid was filled.
			if err := a.swap(ctx, l, "SwapNFTInPair", domain.SideBuy, out); err != nil {
				return err
			}
		case sudoswapV2ABI.Events["SwapNFTOutPair"].ID:
			if err := a.swap(ctx, l, "SwapNFTOutPair", domain.SideSell, out); err != nil {
				return err
			}
		}

		// Every pool event may move its price or inventory.
		if _, ok := upserted[pool]; ok {
			continue
		}
		upserted[pool] = struct{}{}
		out.Orders = append(out.Orders, domain.OrderUpsert{
			Kind:        domain.OrderKindSudoswapV2,
			Pool:        pool,
			TxHash:      l.TxHash,
			TxTimestamp: l.Timestamp,
			LogIndex:    l.Index,
		})
	}
	return nil
}

func (a *sudoswapAdapter) swap(ctx context.Context, l Log, event string, side domain.Side, out *domain.OnChainData) error {
	values, err := unpack(sudoswapV2ABI, event, l.Data)
	if err != nil {
		skip(a.logger, l, err)
		return nil
	}
	ids := asBigs(values[1])
	if len(ids) == 0 {
		return nil
	}
	if a.pools == nil {
		return nil
	}
	pool, err := a.pools.Get(ctx, l.Address)
	if errors.Is(err, domain.ErrNotFound) {
		a.logger.Debug("swap on unknown pool", slog.String("pool", l.Address.Hex()))
		return nil
	}
	if err != nil {
		return err
	}

	price := new(big.Int).Div(asBig(values[0]), big.NewInt(int64(len(ids))))
	var orderID string
	if side == domain.SideBuy {
		orderID = domain.PoolOrderID(domain.OrderKindSudoswapV2, l.Address)
	}
	for i, id := range ids {
		out.FillEventsOnChain = append(out.FillEventsOnChain, domain.FillEvent{
			EventBase: base(l, uint(i)),
			OrderKind: domain.OrderKindSudoswapV2,
			OrderID:   orderID,
			OrderSide: side,
			Maker:     l.Address,
			Contract:  pool.Contract,
			TokenID:   id,
			Amount:    big.NewInt(1),
			Price:     price,
			Currency:  pool.Currency,
		})
		out.FillInfos = append(out.FillInfos, domain.FillInfo{
			Context:   orderContext(l, uint(i), "fill", l.Address.Hex()),
			OrderID:   orderID,
			OrderSide: side,
			Contract:  pool.Contract,
			TokenID:   id,
			Price:     price,
			Timestamp: l.Timestamp,
		})
	}
	return nil
}
