package normalizer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

type erc1155Adapter struct {
	logger *slog.Logger
}

func (a *erc1155Adapter) Handle(_ context.Context, logs []Log, out *domain.OnChainData) error {
	for _, l := range logs {
		if len(l.Topics) != 4 {
			continue
		}
		from, to := topicAddress(l.Topics[2]), topicAddress(l.Topics[3])

		switch l.Topics[0] {
		case erc1155ABI.Events["TransferSingle"].ID:
			values, err := unpack(erc1155ABI, "TransferSingle", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			nftTransfer(out, l, 0, domain.TokenKindERC1155, from, to, asBig(values[0]), asBig(values[1]))

		case erc1155ABI.Events["TransferBatch"].ID:
			values, err := unpack(erc1155ABI, "TransferBatch", l.Data)
			if err != nil {
				skip(a.logger, l, err)
				continue
			}
			ids, amounts := asBigs(values[0]), asBigs(values[1])
			if len(ids) != len(amounts) {
				skip(a.logger, l, fmt.Errorf("%d ids but %d values", len(ids), len(amounts)))
				continue
			}
			for i := range ids {
				nftTransfer(out, l, uint(i), domain.TokenKindERC1155, from, to, ids[i], amounts[i])
			}
		}
	}
	return nil
}
