package normalizer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("normalizer: bad abi: %v", err))
	}
	return parsed
}

// unpack decodes the non-indexed fields of a log.
func unpack(a abi.ABI, event string, data []byte) ([]any, error) {
	values, err := a.Unpack(event, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event, err)
	}
	return values, nil
}

func asBig(v any) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func asBigs(v any) []*big.Int {
	if bs, ok := v.([]*big.Int); ok {
		return bs
	}
	return nil
}

func asAddress(v any) common.Address {
	if a, ok := v.(common.Address); ok {
		return a
	}
	return common.Address{}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func isZero(a common.Address) bool {
	return a == (common.Address{})
}

const erc20ABIJSON = `[
 {"type":"event","name":"Transfer","anonymous":false,"inputs":[
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"value","type":"uint256","indexed":false}]},
 {"type":"event","name":"Approval","anonymous":false,"inputs":[
  {"name":"owner","type":"address","indexed":true},
  {"name":"spender","type":"address","indexed":true},
  {"name":"value","type":"uint256","indexed":false}]}
]`

const erc721ABIJSON = `[
 {"type":"event","name":"ApprovalForAll","anonymous":false,"inputs":[
  {"name":"owner","type":"address","indexed":true},
  {"name":"operator","type":"address","indexed":true},
  {"name":"approved","type":"bool","indexed":false}]},
 {"type":"event","name":"ConsecutiveTransfer","anonymous":false,"inputs":[
  {"name":"fromTokenId","type":"uint256","indexed":true},
  {"name":"toTokenId","type":"uint256","indexed":false},
  {"name":"fromAddress","type":"address","indexed":true},
  {"name":"toAddress","type":"address","indexed":true}]}
]`

const erc1155ABIJSON = `[
 {"type":"event","name":"TransferSingle","anonymous":false,"inputs":[
  {"name":"operator","type":"address","indexed":true},
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"id","type":"uint256","indexed":false},
  {"name":"value","type":"uint256","indexed":false}]},
 {"type":"event","name":"TransferBatch","anonymous":false,"inputs":[
  {"name":"operator","type":"address","indexed":true},
  {"name":"from","type":"address","indexed":true},
  {"name":"to","type":"address","indexed":true},
  {"name":"ids","type":"uint256[]","indexed":false},
  {"name":"values","type":"uint256[]","indexed":false}]}
]`

const seaportABIJSON = `[
 {"type":"event","name":"OrderFulfilled","anonymous":false,"inputs":[
  {"name":"orderHash","type":"bytes32","indexed":false},
  {"name":"offerer","type":"address","indexed":true},
  {"name":"zone","type":"address","indexed":true},
  {"name":"recipient","type":"address","indexed":false},
  {"name":"offer","type":"tuple[]","indexed":false,"components":[
   {"name":"itemType","type":"uint8"},
   {"name":"token","type":"address"},
   {"name":"identifier","type":"uint256"},
   {"name":"amount","type":"uint256"}]},
  {"name":"consideration","type":"tuple[]","indexed":false,"components":[
   {"name":"itemType","type":"uint8"},
   {"name":"token","type":"address"},
   {"name":"identifier","type":"uint256"},
   {"name":"amount","type":"uint256"},
   {"name":"recipient","type":"address"}]}]},
 {"type":"event","name":"OrderCancelled","anonymous":false,"inputs":[
  {"name":"orderHash","type":"bytes32","indexed":false},
  {"name":"offerer","type":"address","indexed":true},
  {"name":"zone","type":"address","indexed":true}]},
 {"type":"event","name":"CounterIncremented","anonymous":false,"inputs":[
  {"name":"newCounter","type":"uint256","indexed":false},
  {"name":"offerer","type":"address","indexed":true}]}
]`

const looksRareV2ABIJSON = `[
 {"type":"event","name":"TakerAsk","anonymous":false,"inputs":[
  {"name":"nonceInvalidationParameters","type":"tuple","indexed":false,"components":[
   {"name":"orderHash","type":"bytes32"},
   {"name":"orderNonce","type":"uint256"},
   {"name":"isNonceInvalidated","type":"bool"}]},
  {"name":"askUser","type":"address","indexed":false},
  {"name":"bidUser","type":"address","indexed":false},
  {"name":"strategyId","type":"uint256","indexed":false},
  {"name":"currency","type":"address","indexed":false},
  {"name":"collection","type":"address","indexed":false},
  {"name":"itemIds","type":"uint256[]","indexed":false},
  {"name":"amounts","type":"uint256[]","indexed":false},
  {"name":"feeRecipients","type":"address[2]","indexed":false},
  {"name":"feeAmounts","type":"uint256[3]","indexed":false}]},
 {"type":"event","name":"TakerBid","anonymous":false,"inputs":[
  {"name":"nonceInvalidationParameters","type":"tuple","indexed":false,"components":[
   {"name":"orderHash","type":"bytes32"},
   {"name":"orderNonce","type":"uint256"},
   {"name":"isNonceInvalidated","type":"bool"}]},
  {"name":"bidUser","type":"address","indexed":false},
  {"name":"bidRecipient","type":"address","indexed":false},
  {"name":"strategyId","type":"uint256","indexed":false},
  {"name":"currency","type":"address","indexed":false},
  {"name":"collection","type":"address","indexed":false},
  {"name":"itemIds","type":"uint256[]","indexed":false},
  {"name":"amounts","type":"uint256[]","indexed":false},
  {"name":"feeRecipients","type":"address[2]","indexed":false},
  {"name":"feeAmounts","type":"uint256[3]","indexed":false}]},
 {"type":"event","name":"NewBidAskNonces","anonymous":false,"inputs":[
  {"name":"user","type":"address","indexed":false},
  {"name":"bidNonce","type":"uint256","indexed":false},
  {"name":"askNonce","type":"uint256","indexed":false}]},
 {"type":"event","name":"OrderNoncesCancelled","anonymous":false,"inputs":[
  {"name":"user","type":"address","indexed":false},
  {"name":"orderNonces","type":"uint256[]","indexed":false}]}
]`

const sudoswapV2ABIJSON = `[
 {"type":"event","name":"SwapNFTInPair","anonymous":false,"inputs":[
  {"name":"amountOut","type":"uint256","indexed":false},
  {"name":"ids","type":"uint256[]","indexed":false}]},
 {"type":"event","name":"SwapNFTOutPair","anonymous":false,"inputs":[
  {"name":"amountIn","type":"uint256","indexed":false},
  {"name":"ids","type":"uint256[]","indexed":false}]},
 {"type":"event","name":"SpotPriceUpdate","anonymous":false,"inputs":[
  {"name":"newSpotPrice","type":"uint128","indexed":false}]},
 {"type":"event","name":"TokenDeposit","anonymous":false,"inputs":[
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"TokenWithdrawal","anonymous":false,"inputs":[
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"NFTWithdrawal","anonymous":false,"inputs":[
  {"name":"ids","type":"uint256[]","indexed":false}]}
]`

var (
	erc20ABI       = mustABI(erc20ABIJSON)
	erc721ABI      = mustABI(erc721ABIJSON)
	erc1155ABI     = mustABI(erc1155ABIJSON)
	seaportABI     = mustABI(seaportABIJSON)
	looksRareV2ABI = mustABI(looksRareV2ABIJSON)
	sudoswapV2ABI  = mustABI(sudoswapV2ABIJSON)
)

func eventIDs(a abi.ABI) []common.Hash {
	out := make([]common.Hash, 0, len(a.Events))
	for _, e := range a.Events {
		out = append(out, e.ID)
	}
	return out
}

func init() {
	registerTopics(KindERC721, eventIDs(erc721ABI)...)
	registerTopics(KindERC1155, eventIDs(erc1155ABI)...)
	registerTopics(KindSeaport, eventIDs(seaportABI)...)
	registerTopics(KindLooksRareV2, eventIDs(looksRareV2ABI)...)
	registerTopics(KindSudoswapV2, eventIDs(sudoswapV2ABI)...)
}
