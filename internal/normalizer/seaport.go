package normalizer

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Seaport item types.
const (
	itemNative  uint8 = 0
	itemERC20   uint8 = 1
	itemERC721  uint8 = 2
	itemERC1155 uint8 = 3
)

type spentItem struct {
	ItemType   uint8
	Token      common.Address
	Identifier *big.Int
	Amount     *big.Int
}

type receivedItem struct {
	ItemType   uint8
	Token      common.Address
	Identifier *big.Int
	Amount     *big.Int
	Recipient  common.Address
}

func isNFT(t uint8) bool { return t == itemERC721 || t == itemERC1155 }

func isPayment(t uint8) bool { return t == itemNative || t == itemERC20 }

type seaportAdapter struct {
	logger *slog.Logger
}

func (a *seaportAdapter) Handle(_ context.Context, logs []Log, out *domain.OnChainData) error {
	for _, l := range logs {
		if len(l.Topics) < 2 {
			continue
		}
		offerer := topicAddress(l.Topics[1])

		switch l.Topics[0] {
		case seaportABI.Events["OrderFulfilled"].ID:
			values, err := unpack(seaportABI, "OrderFulfilled", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			orderHash := common.Hash(values[0].([32]byte)).Hex()
			recipient := asAddress(values[1])
			offer := *abi.ConvertType(values[2], new([]spentItem)).(*[]spentItem)
			consideration := *abi.ConvertType(values[3], new([]receivedItem)).(*[]receivedItem)

			fill, ok := seaportFill(l, orderHash, offerer, recipient, offer, consideration)
			if !ok {
				continue
			}
			out.FillEventsPartial = append(out.FillEventsPartial, fill)
			out.FillInfos = append(out.FillInfos, domain.FillInfo{
				Context:   orderContext(l, 0, "fill", orderHash),
				OrderID:   orderHash,
				OrderSide: fill.OrderSide,
				Contract:  fill.Contract,
				TokenID:   fill.TokenID,
				Price:     fill.Price,
				Timestamp: l.Timestamp,
			})
			out.OrderInfos = append(out.OrderInfos, domain.OrderInfo{
				Context: orderContext(l, 0, "sale", orderHash),
				ID:      orderHash,
				Trigger: trigger(domain.TriggerSale, l, 0),
			})

		case seaportABI.Events["OrderCancelled"].ID:
			values, err := unpack(seaportABI, "OrderCancelled", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			orderHash := common.Hash(values[0].([32]byte)).Hex()
			out.CancelEvents = append(out.CancelEvents, domain.CancelEvent{
				EventBase: base(l, 0),
				OrderKind: domain.OrderKindSeaportV15,
				OrderID:   orderHash,
			})
			out.OrderInfos = append(out.OrderInfos, domain.OrderInfo{
				Context: orderContext(l, 0, "cancel", orderHash),
				ID:      orderHash,
				Trigger: trigger(domain.TriggerCancel, l, 0),
			})

		case seaportABI.Events["CounterIncremented"].ID:
			values, err := unpack(seaportABI, "CounterIncremented", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			out.BulkCancelEvents = append(out.BulkCancelEvents, domain.BulkCancelEvent{
				EventBase: base(l, 0),
				OrderKind: domain.OrderKindSeaportV15,
				Maker:     offerer,
				MinNonce:  asBig(values[0]),
			})
		}
	}
	return nil
}

// seaportFill derives the fill of a fulfilled order. An NFT in the offer
// means the offerer sold; an NFT in the consideration means the offerer
// bought. Orders trading NFTs on both sides are skipped.
func seaportFill(l Log, orderHash string, offerer, recipient common.Address, offer []spentItem, consideration []receivedItem) (domain.FillEvent, bool) {
	var (
		side     domain.Side
		nft      spentItem
		currency common.Address
		nfts     int
	)
	total := new(big.Int)

	for _, it := range offer {
		if isNFT(it.ItemType) {
			side, nft = domain.SideSell, it
			nfts++
		}
	}
	for _, it := range consideration {
		if isNFT(it.ItemType) {
			side = domain.SideBuy
			nft = spentItem{ItemType: it.ItemType, Token: it.Token, Identifier: it.Identifier, Amount: it.Amount}
			nfts++
		}
	}
	if nfts != 1 {
		return domain.FillEvent{}, false
	}

	if side == domain.SideSell {
		for _, it := range consideration {
			if isPayment(it.ItemType) {
				currency = it.Token
				total.Add(total, it.Amount)
			}
		}
	} else {
		for _, it := range offer {
			if isPayment(it.ItemType) {
				currency = it.Token
				total.Add(total, it.Amount)
			}
		}
	}

	amount := nft.Amount
	if amount == nil || amount.Sign() == 0 {
		amount = big.NewInt(1)
	}
	price := new(big.Int).Div(total, amount)

	return domain.FillEvent{
		EventBase: base(l, 0),
		OrderKind: domain.OrderKindSeaportV15,
		OrderID:   orderHash,
		OrderSide: side,
		Maker:     offerer,
		Taker:     recipient,
		Contract:  nft.Token,
		TokenID:   nft.Identifier,
		Amount:    amount,
		Price:     price,
		Currency:  currency,
	}, true
}
