package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/normalizer"
)

// Logs returns every log in [from, to] whose first topic the normalizer
// recognizes, stamped with its block time.
func (c *Client) Logs(ctx context.Context, from, to uint64) ([]normalizer.Log, error) {
	if err := c.allow(ctx, "filter logs"); err != nil {
		return nil, err
	}
	raw, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]common.Hash{normalizer.Topics()},
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs %d-%d: %w", from, to, err)
	}

	times := make(map[uint64]time.Time)
	out := make([]normalizer.Log, 0, len(raw))
	for _, l := range raw {
		if l.Removed {
			continue
		}
		ts, ok := times[l.BlockNumber]
		if !ok {
			ts, err = c.BlockTime(ctx, l.BlockNumber)
			if err != nil {
				return nil, err
			}
			times[l.BlockNumber] = ts
		}
		out = append(out, normalizer.Log{Log: l, Timestamp: ts})
	}
	normalizer.SortLogs(out)
	return out, nil
}
