package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// LSN is a position in the server change log. On the wire it travels as the
// "HI/LO" hexadecimal text form used by Postgres ("0/16B3748"); in storage it is
// a plain BIGINT so ordering is a numeric comparison
type LSN uint64

// ZeroLSN means "no position known"
const ZeroLSN LSN = 0

// ParseLSN accepts "HI/LO" hex text or a bare decimal sequence number.
// The empty string parses to ZeroLSN
func ParseLSN(s string) (LSN, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ZeroLSN, nil
	}

	hi, lo, found := strings.Cut(s, "/")
	if !found {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return ZeroLSN, fmt.Errorf("invalid lsn %q: %w", s, err)
		}
		return LSN(n), nil
	}

	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return ZeroLSN, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return ZeroLSN, fmt.Errorf("invalid lsn %q: %w", s, err)
	}
	return LSN(h<<32 | l), nil
}

// MustParseLSN panics on malformed input. Intended for constants and tests
func MustParseLSN(s string) LSN {
	l, err := ParseLSN(s)
	if err != nil {
		panic(err)
	}
	return l
}

func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint32(l>>32), uint32(l))
}

func (l LSN) IsZero() bool {
	return l == ZeroLSN
}

// MaxLSN returns the later of two positions. Cursor advancement always goes
// through it so a reordered or duplicated ack can never move a cursor backwards
func MaxLSN(a, b LSN) LSN {
	if a > b {
		return a
	}
	return b
}

func (l LSN) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LSN) UnmarshalText(b []byte) error {
	parsed, err := ParseLSN(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Value stores the LSN as BIGINT
func (l LSN) Value() (driver.Value, error) {
	return int64(l), nil
}

// Scan reads BIGINT columns as well as textual LSNs
func (l *LSN) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = ZeroLSN
	case int64:
		*l = LSN(v)
	case int32:
		*l = LSN(v)
	case int:
		*l = LSN(v)
	case []byte:
		return l.UnmarshalText(v)
	case string:
		return l.UnmarshalText([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into LSN", src)
	}
	return nil
}
