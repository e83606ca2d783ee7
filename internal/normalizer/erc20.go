package normalizer

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

type erc20Adapter struct {
	logger *slog.Logger
}

func (a *erc20Adapter) Handle(_ context.Context, logs []Log, out *domain.OnChainData) error {
	for _, l := range logs {
		if len(l.Topics) != 3 {
			continue
		}
		first, second := topicAddress(l.Topics[1]), topicAddress(l.Topics[2])

		switch l.Topics[0] {
		case erc20ABI.Events["Transfer"].ID:
			values, err := unpack(erc20ABI, "Transfer", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			out.FtTransferEvents = append(out.FtTransferEvents, domain.FtTransferEvent{
				EventBase: base(l, 0),
				From:      first,
				To:        second,
				Amount:    asBig(values[0]),
			})
			for _, owner := range []common.Address{first, second} {
				if isZero(owner) {
					continue
				}
				out.MakerInfos = append(out.MakerInfos, domain.MakerInfo{
					Context:  makerContext(l, 0, "buy-balance", owner),
					Maker:    owner,
					Kind:     domain.MakerBuyBalance,
					Contract: l.Address,
					Trigger:  trigger(domain.TriggerBalanceChange, l, 0),
				})
			}

		case erc20ABI.Events["Approval"].ID:
			values, err := unpack(erc20ABI, "Approval", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			out.FtApprovalEvents = append(out.FtApprovalEvents, domain.FtApprovalEvent{
				EventBase: base(l, 0),
				Owner:     first,
				Spender:   second,
				Value:     asBig(values[0]),
			})
			spender := second
			out.MakerInfos = append(out.MakerInfos, domain.MakerInfo{
				Context:  makerContext(l, 0, "buy-approval", first),
				Maker:    first,
				Kind:     domain.MakerBuyApproval,
				Contract: l.Address,
				Operator: &spender,
				Trigger:  trigger(domain.TriggerApprovalChange, l, 0),
			})
		}
	}
	return nil
}
