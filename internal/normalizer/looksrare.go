package normalizer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

type nonceInvalidation struct {
	OrderHash          [32]byte
	OrderNonce         *big.Int
	IsNonceInvalidated bool
}

type looksRareAdapter struct {
	logger *slog.Logger
}

func (a *looksRareAdapter) Handle(_ context.Context, logs []Log, out *domain.OnChainData) error {
	for _, l := range logs {
		switch l.Topics[0] {
		case looksRareV2ABI.Events["TakerAsk"].ID:
			// A taker sold into a maker bid.
			if err := a.taker(l, "TakerAsk", domain.SideBuy, out); err != nil {
				skip(a.logger, l, err)
			}

		case looksRareV2ABI.Events["TakerBid"].ID:
			// A taker bought a maker ask.
			if err := a.taker(l, "TakerBid", domain.SideSell, out); err != nil {
				skip(a.logger, l, err)
			}

		case looksRareV2ABI.Events["NewBidAskNonces"].ID:
			values, err := unpack(looksRareV2ABI, "NewBidAskNonces", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			user := asAddress(values[0])
			buy, sell := domain.SideBuy, domain.SideSell
			out.BulkCancelEvents = append(out.BulkCancelEvents,
				domain.BulkCancelEvent{
					EventBase: base(l, 0),
					OrderKind: domain.OrderKindLooksRareV2,
					Maker:     user,
					MinNonce:  asBig(values[1]),
					Side:      &buy,
				},
				domain.BulkCancelEvent{
					EventBase: base(l, 1),
					OrderKind: domain.OrderKindLooksRareV2,
					Maker:     user,
					MinNonce:  asBig(values[2]),
					Side:      &sell,
				},
			)

		case looksRareV2ABI.Events["OrderNoncesCancelled"].ID:
			values, err := unpack(looksRareV2ABI, "OrderNoncesCancelled", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			user := asAddress(values[0])
			for i, nonce := range asBigs(values[1]) {
				out.NonceCancelEvents = append(out.NonceCancelEvents, domain.NonceCancelEvent{
					EventBase: base(l, uint(i)),
					OrderKind: domain.OrderKindLooksRareV2,
					Maker:     user,
					Nonce:     nonce,
				})
			}
		}
	}
	return nil
}

func (a *looksRareAdapter) taker(l Log, event string, side domain.Side, out *domain.OnChainData) error {
	values, err := unpack(looksRareV2ABI, event, l.Data)
	if err != nil {
		return err
	}
	params := *abi.ConvertType(values[0], new(nonceInvalidation)).(*nonceInvalidation)
	first, second := asAddress(values[1]), asAddress(values[2])
	currency := asAddress(values[4])
	collection := asAddress(values[5])
	itemIDs, amounts := asBigs(values[6]), asBigs(values[7])
	feeRecipients, _ := values[8].([2]common.Address)
	feeAmounts, _ := values[9].([3]*big.Int)

	if len(itemIDs) == 0 || len(itemIDs) != len(amounts) {
		return fmt.Errorf("%s: %d item ids, %d amounts", event, len(itemIDs), len(amounts))
	}

	var maker, taker common.Address
	if side == domain.SideBuy {
		// TakerAsk(askUser, bidUser, ...): the bid was the maker order.
		maker, taker = second, first
	} else {
		// TakerBid(bidUser, bidRecipient, ...): the ask maker is paid through
		// the first fee recipient.
		maker, taker = feeRecipients[0], first
	}

	total := new(big.Int)
	for _, fee := range feeAmounts {
		if fee != nil {
			total.Add(total, fee)
		}
	}
	units := new(big.Int)
	for _, amt := range amounts {
		units.Add(units, amt)
	}
	if units.Sign() == 0 {
		units.SetInt64(1)
	}
	price := new(big.Int).Div(total, units)
	orderID := common.Hash(params.OrderHash).Hex()

	for i := range itemIDs {
		fill := domain.FillEvent{
			EventBase: base(l, uint(i)),
			OrderKind: domain.OrderKindLooksRareV2,
			OrderID:   orderID,
			OrderSide: side,
			Maker:     maker,
			Taker:     taker,
			Contract:  collection,
			TokenID:   itemIDs[i],
			Amount:    amounts[i],
			Price:     price,
			Currency:  currency,
		}
		out.FillEvents = append(out.FillEvents, fill)
		out.FillInfos = append(out.FillInfos, domain.FillInfo{
			Context:   orderContext(l, uint(i), "fill", orderID),
			OrderID:   orderID,
			OrderSide: side,
			Contract:  collection,
			TokenID:   itemIDs[i],
			Price:     price,
			Timestamp: l.Timestamp,
		})
	}

	out.OrderInfos = append(out.OrderInfos, domain.OrderInfo{
		Context: orderContext(l, 0, "sale", orderID),
		ID:      orderID,
		Trigger: trigger(domain.TriggerSale, l, 0),
	})

	if params.IsNonceInvalidated {
		out.NonceCancelEvents = append(out.NonceCancelEvents, domain.NonceCancelEvent{
			EventBase: base(l, uint(len(itemIDs))),
			OrderKind: domain.OrderKindLooksRareV2,
			Maker:     maker,
			Nonce:     params.OrderNonce,
		})
	}
	return nil
}
