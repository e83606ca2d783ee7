package postgres

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Addresses and hashes are stored as BYTEA, integers of arbitrary size as
// NUMERIC(78, 0) passed and read back as text.

func numeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func numericOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", *s)
	}
	return v, nil
}

func mustNumeric(s *string) *big.Int {
	v, err := parseNumeric(s)
	if err != nil || v == nil {
		return new(big.Int)
	}
	return v
}

// nullableAddr maps the zero address to NULL.
func nullableAddr(a common.Address) []byte {
	if a == (common.Address{}) {
		return nil
	}
	return a.Bytes()
}

func optAddr(a *common.Address) []byte {
	if a == nil {
		return nil
	}
	return a.Bytes()
}

func toAddr(b []byte) common.Address {
	return common.BytesToAddress(b)
}

func toHash(b []byte) common.Hash {
	return common.BytesToHash(b)
}

// nullableHash maps the zero hash to NULL.
func nullableHash(h common.Hash) []byte {
	if h == (common.Hash{}) {
		return nil
	}
	return h.Bytes()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isZeroAddr(a common.Address) bool {
	return a == (common.Address{})
}
