package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CacheKind names one of the best-price caches kept per token or collection.
type CacheKind int

const (
	CacheTokenFloor CacheKind = iota
	CacheTokenNormalizedFloor
	CacheCollectionFloor
	CacheCollectionNonFlaggedFloor
	CacheCollectionNormalizedFloor
	CacheTokenTopBid
	CacheCollectionTopBid
)

// CacheKinds lists every cache kind.
var CacheKinds = []CacheKind{
	CacheTokenFloor,
	CacheTokenNormalizedFloor,
	CacheCollectionFloor,
	CacheCollectionNonFlaggedFloor,
	CacheCollectionNormalizedFloor,
	CacheTokenTopBid,
	CacheCollectionTopBid,
}

func (k CacheKind) String() string {
	switch k {
	case CacheTokenFloor:
		return "token-floor"
	case CacheTokenNormalizedFloor:
		return "token-normalized-floor"
	case CacheCollectionFloor:
		return "collection-floor"
	case CacheCollectionNonFlaggedFloor:
		return "collection-non-flagged-floor"
	case CacheCollectionNormalizedFloor:
		return "collection-normalized-floor"
	case CacheTokenTopBid:
		return "token-top-bid"
	case CacheCollectionTopBid:
		return "collection-top-bid"
	}
	return fmt.Sprintf("cache-kind(%d)", int(k))
}

// ParseCacheKind is the inverse of String.
func ParseCacheKind(s string) (CacheKind, bool) {
	for _, k := range CacheKinds {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// TokenScoped reports whether the cache is keyed by token rather than
// collection.
func (k CacheKind) TokenScoped() bool {
	return k == CacheTokenFloor || k == CacheTokenNormalizedFloor || k == CacheTokenTopBid
}

// Bid reports whether the cache tracks the highest buy price.
func (k CacheKind) Bid() bool {
	return k == CacheTokenTopBid || k == CacheCollectionTopBid
}

// TokenRef identifies a single token.
type TokenRef struct {
	Contract common.Address `json:"contract"`
	TokenID  *big.Int       `json:"tokenId"`
}

func (t TokenRef) String() string {
	id := "<nil>"
	if t.TokenID != nil {
		id = t.TokenID.String()
	}
	return t.Contract.Hex() + ":" + id
}

// ParseTokenRef parses the "contract:tokenId" form produced by String.
func ParseTokenRef(s string) (TokenRef, error) {
	contract, id, ok := strings.Cut(s, ":")
	if !ok || !common.IsHexAddress(contract) {
		return TokenRef{}, fmt.Errorf("invalid token %q", s)
	}
	tokenID, ok := new(big.Int).SetString(id, 10)
	if !ok || tokenID.Sign() < 0 {
		return TokenRef{}, fmt.Errorf("invalid token id in %q", s)
	}
	return TokenRef{Contract: common.HexToAddress(contract), TokenID: tokenID}, nil
}

// SingleTokenSetID is the token-set id of an order targeting exactly one
// token.
func (t TokenRef) SingleTokenSetID() string {
	return "token:" + t.String()
}

// Token is the subset of token state the engine reads.
type Token struct {
	TokenRef
	CollectionID string
	IsFlagged    bool
	UpdatedAt    time.Time
}

// BestPrice is the value stored in a cache slot. An empty OrderID means the
// slot is empty.
type BestPrice struct {
	OrderID    string         `json:"orderId,omitempty"`
	Maker      common.Address `json:"maker"`
	Value      *big.Int       `json:"value,omitempty"`
	Source     string         `json:"source,omitempty"`
	ValidFrom  time.Time      `json:"validFrom,omitempty"`
	ValidUntil time.Time      `json:"validUntil,omitempty"`
}

// Empty reports whether the slot holds no order.
func (p BestPrice) Empty() bool {
	return p.OrderID == ""
}

// Same reports whether two slots are indistinguishable for change detection.
func (p BestPrice) Same(o BestPrice) bool {
	return p.OrderID == o.OrderID && p.Maker == o.Maker && bigEqual(p.Value, o.Value)
}

// CacheChange is an append-only audit row describing one detected change.
type CacheChange struct {
	Cache         CacheKind   `json:"cache"`
	EntityID      string      `json:"entityId"`
	Token         *TokenRef   `json:"token,omitempty"`
	Current       BestPrice   `json:"current"`
	PreviousValue *big.Int    `json:"previousValue,omitempty"`
	Trigger       TriggerKind `json:"trigger"`
	TxHash        common.Hash `json:"txHash,omitempty"`
	TxTimestamp   time.Time   `json:"txTimestamp,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

// BigEqual compares two optional integers, treating nil as SQL NULL.
func BigEqual(a, b *big.Int) bool { return bigEqual(a, b) }

// CacheJob asks for one cache slot to be recomputed. Collection-scoped jobs
// may carry only the triggering token; the collection is resolved from it.
type CacheJob struct {
	Context      string    `json:"context"`
	Kind         CacheKind `json:"kind"`
	Token        *TokenRef `json:"token,omitempty"`
	CollectionID string    `json:"collectionId,omitempty"`
	Trigger      Trigger   `json:"trigger"`
}

// TokenFlagUpdate asks for a token's flagged state to be set.
type TokenFlagUpdate struct {
	Context   string   `json:"context"`
	Token     TokenRef `json:"token"`
	IsFlagged bool     `json:"isFlagged"`
}
