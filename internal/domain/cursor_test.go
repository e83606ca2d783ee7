package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorCompare(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		a, b Cursor
		want int
	}{
		{"earlier timestamp sorts first", Cursor{t0, "z"}, Cursor{t0.Add(time.Second), "a"}, -1},
		{"later timestamp sorts last", Cursor{t0.Add(time.Second), "a"}, Cursor{t0, "z"}, 1},
		{"ties broken by id", Cursor{t0, "a"}, Cursor{t0, "b"}, -1},
		{"equal", Cursor{t0, "a"}, Cursor{t0, "a"}, 0},
		{"zero sorts before everything", Cursor{}, Cursor{t0, ""}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestCursorEncodingIsOpaqueAndReversible(t *testing.T) {
	c := Cursor{Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 123000, time.UTC), ID: "0xabc_def"}

	enc := c.Encode()
	assert.NotContains(t, enc, "0xabc")

	got, err := DecodeCursor(enc)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Compare(got))
	assert.Equal(t, "0xabc_def", got.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	_, err = DecodeCursor("bm9zZXBhcmF0b3I") // "noseparator"
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestZeroCursorEncodesEmpty(t *testing.T) {
	assert.Equal(t, "", Cursor{}.Encode())

	c, err := DecodeCursor("")
	require.NoError(t, err)
	assert.True(t, c.IsZero())
}
