// Package normalizer turns raw contract logs into the canonical
// domain.OnChainData batch. Protocol knowledge stops here.
package normalizer

import (
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// EventKind is the closed set of protocol families with an adapter.
type EventKind int

const (
	KindERC721 EventKind = iota
	KindERC1155
	KindERC20
	KindSeaport
	KindLooksRareV2
	KindSudoswapV2
)

// AllKinds lists every kind in processing order.
var AllKinds = []EventKind{
	KindERC721,
	KindERC1155,
	KindERC20,
	KindSeaport,
	KindLooksRareV2,
	KindSudoswapV2,
}

func (k EventKind) String() string {
	switch k {
	case KindERC721:
		return "erc721"
	case KindERC1155:
		return "erc1155"
	case KindERC20:
		return "erc20"
	case KindSeaport:
		return "seaport"
	case KindLooksRareV2:
		return "looksrare-v2"
	case KindSudoswapV2:
		return "sudoswap-v2"
	}
	return fmt.Sprintf("event-kind(%d)", int(k))
}

// Log is a raw log with the timestamp of its block.
type Log struct {
	types.Log
	Timestamp time.Time
}

// base builds the position of a log. batch distinguishes several events
// decoded from one log.
func base(l Log, batch uint) domain.EventBase {
	return domain.EventBase{
		Address:    l.Address,
		Block:      l.BlockNumber,
		BlockHash:  l.BlockHash,
		TxHash:     l.TxHash,
		TxIndex:    l.TxIndex,
		LogIndex:   l.Index,
		BatchIndex: batch,
		Timestamp:  l.Timestamp,
	}
}

// SortLogs orders logs by (block, tx index, log index).
func SortLogs(logs []Log) {
	sort.SliceStable(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.TxIndex != b.TxIndex {
			return a.TxIndex < b.TxIndex
		}
		return a.Index < b.Index
	})
}

// Classify returns the kind of adapter responsible for l. ERC20 and ERC721
// share the Transfer and Approval signatures and are told apart by topic
// count.
func Classify(l types.Log) (EventKind, bool) {
	if len(l.Topics) == 0 {
		return 0, false
	}
	topic := l.Topics[0]
	switch topic {
	case erc20ABI.Events["Transfer"].ID, erc20ABI.Events["Approval"].ID:
		if len(l.Topics) == 4 {
			return KindERC721, true
		}
		return KindERC20, true
	}
	kind, ok := topicKinds[topic]
	return kind, ok
}

var topicKinds = map[common.Hash]EventKind{}

func registerTopics(kind EventKind, ids ...common.Hash) {
	for _, id := range ids {
		topicKinds[id] = kind
	}
}

// Topics returns every topic0 the normalizer understands, for log filters.
func Topics() []common.Hash {
	out := []common.Hash{erc20ABI.Events["Transfer"].ID, erc20ABI.Events["Approval"].ID}
	for t := range topicKinds {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

func topicAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}

func makerContext(l Log, batch uint, what string, maker common.Address) string {
	return fmt.Sprintf("%s-%d-%d-%s-%s", l.TxHash.Hex(), l.Index, batch, what, maker.Hex())
}

func orderContext(l Log, batch uint, what, id string) string {
	return fmt.Sprintf("%s-%d-%d-%s-%s", l.TxHash.Hex(), l.Index, batch, what, id)
}

func trigger(kind domain.TriggerKind, l Log, batch uint) domain.Trigger {
	return domain.Trigger{
		Kind:        kind,
		TxHash:      l.TxHash,
		TxTimestamp: l.Timestamp,
		LogIndex:    l.Index,
		BatchIndex:  batch,
		BlockHash:   l.BlockHash,
	}
}
