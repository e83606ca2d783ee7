package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is a position in a scan ordered by (Timestamp, ID).
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// IsZero reports whether the cursor points before the first row.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.ID == ""
}

// Compare returns -1, 0 or 1 using tuple ordering on (Timestamp, ID).
func (c Cursor) Compare(o Cursor) int {
	switch {
	case c.Timestamp.Before(o.Timestamp):
		return -1
	case c.Timestamp.After(o.Timestamp):
		return 1
	}
	return strings.Compare(c.ID, o.ID)
}

// After reports whether c sorts strictly after o.
func (c Cursor) After(o Cursor) bool {
	return c.Compare(o) > 0
}

// Encode renders the cursor as an opaque string. The zero cursor encodes to
// the empty string.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := strconv.FormatInt(c.Timestamp.UnixMicro(), 10) + "_" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a string produced by Encode.
func DecodeCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	ts, id, ok := strings.Cut(string(raw), "_")
	if !ok {
		return Cursor{}, fmt.Errorf("%w: missing separator", ErrInvalidCursor)
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return Cursor{Timestamp: time.UnixMicro(micros).UTC(), ID: id}, nil
}

// MarshalText implements encoding.TextMarshaler so cursors travel opaquely in
// job payloads.
func (c Cursor) MarshalText() ([]byte, error) {
	return []byte(c.Encode()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Cursor) UnmarshalText(b []byte) error {
	parsed, err := DecodeCursor(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
