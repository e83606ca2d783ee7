package normalizer

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

type erc721Adapter struct {
	threshold int
	logger    *slog.Logger
}

func (a *erc721Adapter) Handle(_ context.Context, logs []Log, out *domain.OnChainData) error {
	for _, l := range logs {
		switch l.Topics[0] {
		case erc20ABI.Events["Transfer"].ID:
			if len(l.Topics) != 4 {
				continue
			}
			from, to := topicAddress(l.Topics[1]), topicAddress(l.Topics[2])
			tokenID := new(big.Int).SetBytes(l.Topics[3].Bytes())
			nftTransfer(out, l, 0, domain.TokenKindERC721, from, to, tokenID, big.NewInt(1))

		case erc721ABI.Events["ApprovalForAll"].ID:
			if len(l.Topics) != 3 {
				continue
			}
			values, err := unpack(erc721ABI, "ApprovalForAll", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			owner, operator := topicAddress(l.Topics[1]), topicAddress(l.Topics[2])
			out.NftApprovalEvents = append(out.NftApprovalEvents, domain.NftApprovalEvent{
				EventBase: base(l, 0),
				Owner:     owner,
				Operator:  operator,
				Approved:  asBool(values[0]),
			})
			op := operator
			out.MakerInfos = append(out.MakerInfos, domain.MakerInfo{
				Context:  makerContext(l, 0, "sell-approval", owner),
				Maker:    owner,
				Kind:     domain.MakerSellApproval,
				Contract: l.Address,
				Operator: &op,
				Trigger:  trigger(domain.TriggerApprovalChange, l, 0),
			})

		case erc721ABI.Events["ConsecutiveTransfer"].ID:
			if len(l.Topics) != 4 {
				continue
			}
			values, err := unpack(erc721ABI, "ConsecutiveTransfer", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			r := domain.ConsecutiveRange{
				EventBase:   base(l, 0),
				FromTokenID: new(big.Int).SetBytes(l.Topics[1].Bytes()),
				ToTokenID:   asBig(values[0]),
				From:        topicAddress(l.Topics[2]),
				To:          topicAddress(l.Topics[3]),
			}
			if r.ToTokenID.Cmp(r.FromTokenID) < 0 {
				continue
			}
			size := new(big.Int).Sub(r.ToTokenID, r.FromTokenID)
			size.Add(size, big.NewInt(1))
			if size.Cmp(big.NewInt(int64(a.threshold))) > 0 {
				out.DeferredRanges = append(out.DeferredRanges, r)
				continue
			}
			a.expand(r, r.FromTokenID, r.ToTokenID, out)
		}
	}
	return nil
}

// expand emits one transfer per token id in [from, to]. The batch index is
// the offset from the start of the whole range, so chunks of a deferred
// range keep distinct natural keys.
func (a *erc721Adapter) expand(r domain.ConsecutiveRange, from, to *big.Int, out *domain.OnChainData) {
	l := Log{}
	l.Address = r.Address
	l.BlockNumber = r.Block
	l.BlockHash = r.BlockHash
	l.TxHash = r.TxHash
	l.TxIndex = r.TxIndex
	l.Index = r.LogIndex
	l.Timestamp = r.Timestamp

	one := big.NewInt(1)
	for id := new(big.Int).Set(from); id.Cmp(to) <= 0; id.Add(id, one) {
		offset := new(big.Int).Sub(id, r.FromTokenID)
		nftTransfer(out, l, uint(offset.Uint64()), domain.TokenKindERC721, r.From, r.To, new(big.Int).Set(id), big.NewInt(1))
	}
}

// nftTransfer records a transfer, a mint when minted, and a balance check
// for both sides.
func nftTransfer(out *domain.OnChainData, l Log, batch uint, kind domain.TokenKind, from, to common.Address, tokenID, amount *big.Int) {
	out.NftTransferEvents = append(out.NftTransferEvents, domain.NftTransferEvent{
		EventBase: base(l, batch),
		Kind:      kind,
		From:      from,
		To:        to,
		TokenID:   tokenID,
		Amount:    amount,
	})
	if isZero(from) {
		out.MintInfos = append(out.MintInfos, domain.MintInfo{
			Contract:        l.Address,
			TokenID:         tokenID,
			MintedTimestamp: l.Timestamp,
		})
	}
	for _, owner := range []common.Address{from, to} {
		if isZero(owner) {
			continue
		}
		out.MakerInfos = append(out.MakerInfos, domain.MakerInfo{
			Context:  makerContext(l, batch, "sell-balance", owner),
			Maker:    owner,
			Kind:     domain.MakerSellBalance,
			Contract: l.Address,
			TokenID:  tokenID,
			Trigger:  trigger(domain.TriggerBalanceChange, l, batch),
		})
	}
}
