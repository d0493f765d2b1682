package mapper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Guizzs26/go-sync-engine/internal/models"
	"github.com/Guizzs26/go-sync-engine/pkg/encoding"
)

var ErrInvalidValue = errors.New("invalid value")

// Codec coerces a value as decoded from JSON or returned by a database driver
// into the canonical Go value for its column type:
//
//	text, enum, uuid  string
//	integer           int64
//	numeric           decimal.Decimal
//	boolean           bool
//	timestamp         time.Time (UTC, microseconds)
//	date              Date
//	json              json.RawMessage (compact)
//	array             []any of canonical elements
//	interval          Interval
//	range             Range
//
// nil is handled by the caller and never reaches a codec
type Codec func(col models.Column, v any) (any, error)

// Codecs is the per-column-type codec table
var Codecs map[models.ColumnType]Codec

func init() {
	Codecs = map[models.ColumnType]Codec{
		models.TypeText:      textCodec,
		models.TypeInteger:   integerCodec,
		models.TypeNumeric:   numericCodec,
		models.TypeBoolean:   booleanCodec,
		models.TypeTimestamp: timestampCodec,
		models.TypeDate:      dateCodec,
		models.TypeUUID:      uuidCodec,
		models.TypeJSON:      jsonCodec,
		models.TypeEnum:      enumCodec,
		models.TypeArray:     arrayCodec,
		models.TypeInterval:  intervalCodec,
		models.TypeRange:     rangeCodec,
	}
}

// Normalize runs the codec registered for col's type
func Normalize(col models.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	codec, ok := Codecs[col.Type]
	if !ok {
		return nil, invalid(col, "no codec for type %q", col.Type)
	}
	return codec(col, v)
}

func invalid(col models.Column, format string, args ...any) error {
	return fmt.Errorf("%w: column %s: %s", ErrInvalidValue, col.Name, fmt.Sprintf(format, args...))
}

// Row is a change's data after every column went through its codec
type Row struct {
	Values    map[string]any
	PK        any
	UpdatedAt time.Time
	// Defaulted lists enum columns whose invalid value was replaced by the
	// column default
	Defaulted []string
}

// NormalizeRow validates and coerces the data of one change. Deletes only need
// the primary key and, when present, updated_at; every other column is ignored
func NormalizeRow(t *models.Table, op models.Operation, data map[string]any) (Row, error) {
	row := Row{Values: make(map[string]any, len(data))}

	for key, raw := range data {
		col, ok := t.Column(key)
		if !ok {
			if op == models.OpDelete {
				continue
			}
			return Row{}, fmt.Errorf("%w: unknown column %q on %s", ErrInvalidValue, key, t.Name)
		}
		isPK := strings.EqualFold(col.Name, t.PrimaryKey)
		if op == models.OpDelete && !isPK && col.Name != models.ColumnUpdatedAt {
			continue
		}

		if raw == nil {
			if isPK || !col.Nullable && op != models.OpDelete {
				return Row{}, invalid(col, "null not allowed")
			}
			row.Values[col.Name] = nil
			continue
		}

		v, err := Normalize(col, raw)
		if err != nil {
			if col.Type == models.TypeEnum && col.Default != "" && errors.Is(err, ErrInvalidValue) {
				row.Values[col.Name] = col.Default
				row.Defaulted = append(row.Defaulted, col.Name)
				continue
			}
			return Row{}, err
		}
		row.Values[col.Name] = v
	}

	// An insert that leaves out an enum column gets its declared default
	if op == models.OpInsert {
		for _, col := range t.Columns {
			if _, set := row.Values[col.Name]; !set && col.Type == models.TypeEnum && col.Default != "" {
				row.Values[col.Name] = col.Default
			}
		}
	}

	pk, ok := row.Values[t.PrimaryKey]
	if !ok || pk == nil {
		return Row{}, fmt.Errorf("%w: missing primary key %s on %s", ErrInvalidValue, t.PrimaryKey, t.Name)
	}
	row.PK = pk

	if ts, ok := row.Values[models.ColumnUpdatedAt].(time.Time); ok {
		row.UpdatedAt = ts
	} else if op != models.OpDelete {
		return Row{}, fmt.Errorf("%w: missing %s on %s", ErrInvalidValue, models.ColumnUpdatedAt, t.Name)
	}

	sort.Strings(row.Defaulted)
	return row, nil
}

// DecodeStored turns a row read back from a store into canonical values.
// Column names are matched case-insensitively against the table definition
func DecodeStored(t *models.Table, stored map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(stored))
	for key, raw := range stored {
		col, ok := t.Column(key)
		if !ok {
			continue
		}
		v, err := Normalize(col, raw)
		if err != nil {
			return nil, err
		}
		out[col.Name] = v
	}
	return out, nil
}

func asString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		if utf8.Valid(val) {
			return string(val), true
		}
		return encoding.ToUTF8(val), true
	case json.Number:
		return val.String(), true
	}
	return "", false
}

func textCodec(col models.Column, v any) (any, error) {
	if s, ok := asString(v); ok {
		if !utf8.ValidString(s) {
			return encoding.ToUTF8([]byte(s)), nil
		}
		return s, nil
	}
	switch val := v.(type) {
	case bool, int, int32, int64, float64:
		return fmt.Sprint(val), nil
	}
	return nil, invalid(col, "expected text, got %T", v)
}

func integerCodec(col models.Column, v any) (any, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return nil, invalid(col, "%v is not an integer", val)
		}
		return int64(val), nil
	}
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected integer, got %T", v)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, invalid(col, "%q is not an integer", s)
	}
	return n, nil
}

func numericCodec(col models.Column, v any) (any, error) {
	switch val := v.(type) {
	case decimal.Decimal:
		return val, nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case float64:
		return decimal.NewFromFloat(val), nil
	}
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected numeric, got %T", v)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, invalid(col, "%q is not numeric", s)
	}
	return d, nil
}

func booleanCodec(col models.Column, v any) (any, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int64:
		return integerBool(col, val)
	case int:
		return integerBool(col, int64(val))
	case int16:
		return integerBool(col, int64(val))
	case int32:
		return integerBool(col, int64(val))
	case float64:
		return integerBool(col, int64(val))
	}
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected boolean, got %T", v)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "1", "yes", "y":
		return true, nil
	case "false", "f", "0", "no", "n":
		return false, nil
	}
	return nil, invalid(col, "%q is not a boolean", s)
}

func integerBool(col models.Column, n int64) (any, error) {
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return nil, invalid(col, "%d is not a boolean", n)
}

func timestampCodec(col models.Column, v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return models.CanonicalTime(t), nil
	}
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected timestamp, got %T", v)
	}
	t, err := models.ParseTimestamp(strings.TrimSpace(s))
	if err != nil {
		return nil, invalid(col, "%v", err)
	}
	return t, nil
}

func dateCodec(col models.Column, v any) (any, error) {
	switch val := v.(type) {
	case Date:
		return val, nil
	case time.Time:
		return DateOf(val), nil
	}
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected date, got %T", v)
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return DateOf(t), nil
	}
	t, err := models.ParseTimestamp(s)
	if err != nil {
		return nil, invalid(col, "%q is not a date", s)
	}
	return DateOf(t), nil
}

func uuidCodec(col models.Column, v any) (any, error) {
	if id, ok := v.(uuid.UUID); ok {
		return id.String(), nil
	}
	if b, ok := v.([16]byte); ok {
		return uuid.UUID(b).String(), nil
	}
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected uuid, got %T", v)
	}
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, invalid(col, "%q is not a uuid", s)
	}
	return id.String(), nil
}

// jsonCodec accepts structured values as well as their serialized text. A
// string that is not itself valid JSON is stored as a JSON string
func jsonCodec(col models.Column, v any) (any, error) {
	var raw []byte
	switch val := v.(type) {
	case json.RawMessage:
		raw = val
	case string:
		raw = []byte(val)
		if !json.Valid(raw) {
			raw, _ = json.Marshal(val)
		}
	case []byte:
		raw = val
		if !json.Valid(raw) {
			return nil, invalid(col, "malformed json")
		}
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, invalid(col, "cannot serialize %T: %v", v, err)
		}
		raw = b
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, invalid(col, "malformed json: %v", err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// enumCodec never lets a value outside the allow-list through. NormalizeRow
// substitutes the column default when one is declared
func enumCodec(col models.Column, v any) (any, error) {
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected enum label, got %T", v)
	}
	if !col.AllowsEnum(s) {
		return nil, invalid(col, "%q is not one of %v", s, col.Values)
	}
	return s, nil
}

func elementColumn(col models.Column) models.Column {
	return models.Column{Name: col.Name, Type: col.Element, Values: col.Values, Nullable: true}
}

// arrayCodec accepts a JSON array, its serialized text or a Postgres array
// literal such as {a,"b c",NULL}
func arrayCodec(col models.Column, v any) (any, error) {
	var items []any
	switch val := v.(type) {
	case []any:
		items = val
	case []string:
		for _, s := range val {
			items = append(items, s)
		}
	default:
		s, ok := asString(v)
		if !ok {
			return nil, invalid(col, "expected array, got %T", v)
		}
		parsed, err := parseArrayText(strings.TrimSpace(s))
		if err != nil {
			return nil, invalid(col, "%v", err)
		}
		items = parsed
	}

	elem := elementColumn(col)
	out := make([]any, len(items))
	for i, item := range items {
		n, err := Normalize(elem, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

func parseArrayText(s string) ([]any, error) {
	switch {
	case strings.HasPrefix(s, "["):
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var items []any
		if err := dec.Decode(&items); err != nil {
			return nil, fmt.Errorf("malformed json array: %w", err)
		}
		return items, nil
	case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		return parsePGArray(s[1 : len(s)-1])
	}
	return nil, fmt.Errorf("unrecognized array literal %q", s)
}

// parsePGArray splits the body of a one-dimensional array literal
func parsePGArray(body string) ([]any, error) {
	items := []any{}
	if strings.TrimSpace(body) == "" {
		return items, nil
	}
	for _, tok := range splitTopLevel(body) {
		if tok.quoted {
			items = append(items, tok.text)
			continue
		}
		t := strings.TrimSpace(tok.text)
		if strings.EqualFold(t, "NULL") {
			items = append(items, nil)
			continue
		}
		if strings.HasPrefix(t, "{") {
			return nil, errors.New("multi-dimensional arrays are not supported")
		}
		items = append(items, t)
	}
	return items, nil
}

type token struct {
	text   string
	quoted bool
}

// splitTopLevel splits on commas outside double quotes, unescaping quoted parts
func splitTopLevel(s string) []token {
	var (
		out     []token
		cur     strings.Builder
		quoted  bool
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case inQuote && c == '"' && i+1 < len(s) && s[i+1] == '"':
			i++
			cur.WriteByte('"')
		case c == '"':
			inQuote = !inQuote
			quoted = true
		case c == ',' && !inQuote:
			out = append(out, token{text: cur.String(), quoted: quoted})
			cur.Reset()
			quoted = false
		default:
			cur.WriteByte(c)
		}
	}
	return append(out, token{text: cur.String(), quoted: quoted})
}

func intervalCodec(col models.Column, v any) (any, error) {
	switch val := v.(type) {
	case Interval:
		return val, nil
	case time.Duration:
		return Interval{Micros: val.Microseconds()}, nil
	case int64:
		return Interval{Micros: val * 1e6}, nil
	case float64:
		return Interval{Micros: int64(math.Round(val * 1e6))}, nil
	}
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected interval, got %T", v)
	}
	iv, err := ParseInterval(s)
	if err != nil {
		return nil, invalid(col, "%v", err)
	}
	return iv, nil
}

func rangeCodec(col models.Column, v any) (any, error) {
	elem := elementColumn(col)
	switch val := v.(type) {
	case Range:
		return val, nil
	case map[string]any:
		r, err := rangeFromObject(elem, val)
		if err != nil {
			return nil, invalid(col, "%v", err)
		}
		return r, nil
	}
	s, ok := asString(v)
	if !ok {
		return nil, invalid(col, "expected range, got %T", v)
	}
	r, err := ParseRange(elem, s)
	if err != nil {
		return nil, invalid(col, "%v", err)
	}
	return r, nil
}

// TextOf renders a canonical scalar the way it appears inside array and
// range literals
func TextOf(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case decimal.Decimal:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case json.RawMessage:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprint(v)
}
