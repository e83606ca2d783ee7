package postgres

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

func TestStatusChangeAllowed(t *testing.T) {
	st := func(f domain.FillabilityStatus, a domain.ApprovalStatus) domain.OrderStatus {
		return domain.OrderStatus{Fillability: f, Approval: a}
	}

	tests := []struct {
		name       string
		prev, next domain.OrderStatus
		want       bool
	}{
		{"fillable to no-balance", st(domain.FillabilityFillable, domain.ApprovalApproved), st(domain.FillabilityNoBalance, domain.ApprovalApproved), true},
		{"no-balance back to fillable", st(domain.FillabilityNoBalance, domain.ApprovalApproved), st(domain.FillabilityFillable, domain.ApprovalApproved), true},
		{"cancelled cannot revive", st(domain.FillabilityCancelled, domain.ApprovalApproved), st(domain.FillabilityFillable, domain.ApprovalApproved), false},
		{"filled cannot become cancelled", st(domain.FillabilityFilled, domain.ApprovalApproved), st(domain.FillabilityCancelled, domain.ApprovalApproved), false},
		{"terminal keeps approval updates", st(domain.FillabilityExpired, domain.ApprovalApproved), st(domain.FillabilityExpired, domain.ApprovalNoApproval), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusChangeAllowed(tt.prev, tt.next))
		})
	}
}

func TestEveryCacheKindHasSpec(t *testing.T) {
	for _, kind := range domain.CacheKinds {
		spec, ok := cacheSpecs[kind]
		require.True(t, ok, kind.String())
		assert.NotEmpty(t, spec.best)
		assert.True(t, strings.HasSuffix(spec.eventTable, "_events"))
		if kind.TokenScoped() {
			assert.Equal(t, "tokens", spec.table)
			assert.Contains(t, spec.best, "$2::numeric")
		} else {
			assert.Equal(t, "collections", spec.table)
			assert.NotContains(t, spec.best, "$2")
		}
	}
}

func TestLookupSpecRequiresMatchingTarget(t *testing.T) {
	ref := &domain.TokenRef{Contract: common.HexToAddress("0x01"), TokenID: big.NewInt(7)}

	_, args, entity, err := lookupSpec(domain.CacheTokenFloor, domain.CacheTarget{Token: ref})
	require.NoError(t, err)
	assert.Len(t, args, 2)
	assert.Equal(t, ref.String(), entity)

	_, _, _, err = lookupSpec(domain.CacheTokenFloor, domain.CacheTarget{CollectionID: "c"})
	assert.Error(t, err)

	_, args, entity, err = lookupSpec(domain.CacheCollectionNonFlaggedFloor, domain.CacheTarget{CollectionID: "c"})
	require.NoError(t, err)
	assert.Equal(t, []any{"c"}, args)
	assert.Equal(t, "c", entity)
}

func TestNonFlaggedAggregateFiltersFlaggedTokens(t *testing.T) {
	assert.Contains(t, cacheSpecs[domain.CacheCollectionNonFlaggedFloor].best, "is_flagged = FALSE")
	assert.NotContains(t, cacheSpecs[domain.CacheCollectionFloor].best, "is_flagged")
	assert.Contains(t, cacheSpecs[domain.CacheTokenNormalizedFloor].best, "kind <> 'blur'")
}

func TestPrefixed(t *testing.T) {
	got := prefixed("o.", "\n\tid, price::text,\n\tvalue")
	assert.Equal(t, "o.id, o.price::text, o.value", got)
}

func TestNumericHelpers(t *testing.T) {
	assert.Nil(t, numeric(nil))
	assert.Equal(t, "0", numericOrZero(nil))

	v, err := parseNumeric(numeric(big.NewInt(12345)))
	require.NoError(t, err)
	assert.Equal(t, int64(12345), v.Int64())

	bad := "1.5"
	_, err = parseNumeric(&bad)
	assert.Error(t, err)
	assert.Equal(t, int64(0), mustNumeric(&bad).Int64())

	assert.Nil(t, nullableAddr(common.Address{}))
	assert.Nil(t, nullableHash(common.Hash{}))
	assert.True(t, isZeroAddr(common.Address{}))
}

func TestExportSourcesAllowlist(t *testing.T) {
	for name, src := range exportSources {
		assert.NotEmpty(t, src.table, name)
		assert.NotEmpty(t, src.ts, name)
	}
	_, ok := exportSources["pg_user"]
	assert.False(t, ok)
}

func TestDSNFromParts(t *testing.T) {
	dsn := DSN(ClientConfig{Host: "db", Database: "orderbook", User: "ob", Password: "p@ss/word"})
	assert.Equal(t, "postgres://ob:p%40ss%2Fword@db:5432/orderbook?sslmode=disable", dsn)

	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig(ClientConfig{Host: "db", Database: "orderbook", User: "ob", MaxConns: 40, MinConns: 4, SSLMode: "require"})
	require.NoError(t, err)
	assert.Equal(t, int32(40), cfg.MaxConns)
	assert.Equal(t, int32(4), cfg.MinConns)
	assert.Equal(t, "orderbookd", cfg.ConnConfig.RuntimeParams["application_name"])

	cfg, err = poolConfig(ClientConfig{DSN: "postgres://ob@db/orderbook?application_name=ops"})
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.ConnConfig.RuntimeParams["application_name"])
}

func TestMigrationFilesInOrder(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_orders.sql", "002_events.sql", "003_caches.sql"}, names)
}
