package domain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRefRoundTrip(t *testing.T) {
	ref := TokenRef{
		Contract: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		TokenID:  big.NewInt(42),
	}

	parsed, err := ParseTokenRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref.Contract, parsed.Contract)
	assert.Equal(t, 0, ref.TokenID.Cmp(parsed.TokenID))
	assert.Equal(t, "token:"+ref.String(), ref.SingleTokenSetID())
}

func TestParseTokenRefRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "0xabc", "nothex:1", "0x00000000000000000000000000000000000000aa:-1", "0x00000000000000000000000000000000000000aa:x"} {
		_, err := ParseTokenRef(in)
		assert.Error(t, err, in)
	}
}

func TestBestPriceSame(t *testing.T) {
	a := BestPrice{OrderID: "a", Value: big.NewInt(10)}

	tests := []struct {
		name string
		b    BestPrice
		want bool
	}{
		{"identical", BestPrice{OrderID: "a", Value: big.NewInt(10)}, true},
		{"other order", BestPrice{OrderID: "b", Value: big.NewInt(10)}, false},
		{"other value", BestPrice{OrderID: "a", Value: big.NewInt(11)}, false},
		{"empty", BestPrice{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Same(tt.b))
		})
	}

	assert.True(t, BestPrice{}.Same(BestPrice{}))
	assert.True(t, BestPrice{}.Empty())
}

func TestCacheKindScopes(t *testing.T) {
	for _, k := range CacheKinds {
		assert.NotContains(t, k.String(), "cache-kind(")
	}
	assert.True(t, CacheTokenFloor.TokenScoped())
	assert.False(t, CacheCollectionNonFlaggedFloor.TokenScoped())
	assert.True(t, CacheCollectionTopBid.Bid())
	assert.False(t, CacheTokenNormalizedFloor.Bid())
}

func TestParseCacheKind(t *testing.T) {
	for _, k := range CacheKinds {
		got, ok := ParseCacheKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, got)
	}
	_, ok := ParseCacheKind("cache-kind(99)")
	assert.False(t, ok)
}
