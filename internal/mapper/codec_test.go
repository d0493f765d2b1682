package mapper

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

func col(typ models.ColumnType) models.Column {
	return models.Column{Name: "c", Type: typ}
}

func TestScalarCodecs(t *testing.T) {
	ts := time.Date(2025, 2, 3, 4, 5, 6, 789000000, time.UTC)

	tests := []struct {
		name string
		col  models.Column
		in   any
		want any
	}{
		{"text", col(models.TypeText), "hello", "hello"},
		{"text from number", col(models.TypeText), json.Number("12"), "12"},
		{"text from win1252", col(models.TypeText), []byte{0x53, 0xE3, 0x6F}, "São"},
		{"integer from json number", col(models.TypeInteger), json.Number("42"), int64(42)},
		{"integer from float", col(models.TypeInteger), float64(7), int64(7)},
		{"integer from string", col(models.TypeInteger), " 9 ", int64(9)},
		{"boolean", col(models.TypeBoolean), true, true},
		{"boolean from int", col(models.TypeBoolean), int64(0), false},
		{"boolean from text", col(models.TypeBoolean), "t", true},
		{"timestamp from rfc3339", col(models.TypeTimestamp), "2025-02-03T06:05:06.789+02:00", ts},
		{"timestamp from sqlite text", col(models.TypeTimestamp), "2025-02-03T04:05:06.789000Z", ts},
		{"timestamp from firebird text", col(models.TypeTimestamp), []byte("2025-02-03 04:05:06.789000"), ts},
		{"date", col(models.TypeDate), "2025-02-03", Date{2025, time.February, 3}},
		{"date from timestamp", col(models.TypeDate), "2025-02-03T23:00:00Z", Date{2025, time.February, 3}},
		{"uuid canonical case", col(models.TypeUUID), "A0EEBC99-9C0B-4EF8-BB6D-6BB9BD380A11", "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"},
		{"json object", col(models.TypeJSON), map[string]any{"a": "x\"y"}, json.RawMessage(`{"a":"x\"y"}`)},
		{"json text", col(models.TypeJSON), `{ "a" : [1, 2] }`, json.RawMessage(`{"a":[1,2]}`)},
		{"json plain string", col(models.TypeJSON), `it's "quoted"`, json.RawMessage(`"it's \"quoted\""`)},
		{"interval seconds", col(models.TypeInterval), json.Number("90"), Interval{Micros: 90e6}},
		{"interval go duration", col(models.TypeInterval), "1h30m", Interval{Micros: 5400e6}},
		{"interval postgres", col(models.TypeInterval), "1 year 2 mons 3 days 04:05:06.5", Interval{Months: 14, Days: 3, Micros: 14706500000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.col, tt.in)
			require.NoError(t, err)
			if want, ok := tt.want.(time.Time); ok {
				assert.True(t, want.Equal(got.(time.Time)), "got %v", got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNumericCodec(t *testing.T) {
	got, err := Normalize(col(models.TypeNumeric), json.Number("1234.5600"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1234.56").Equal(got.(decimal.Decimal)))

	_, err = Normalize(col(models.TypeNumeric), "abc")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestCodecRejections(t *testing.T) {
	enum := models.Column{Name: "status", Type: models.TypeEnum, Values: []string{"todo", "done"}}
	tests := []struct {
		name string
		col  models.Column
		in   any
	}{
		{"enum outside allow-list", enum, "archived"},
		{"integer fraction", col(models.TypeInteger), 1.5},
		{"boolean two", col(models.TypeBoolean), int64(2)},
		{"bad uuid", col(models.TypeUUID), "not-a-uuid"},
		{"bad timestamp", col(models.TypeTimestamp), "31/12/2024"},
		{"text from object", col(models.TypeText), map[string]any{}},
		{"interval unit", col(models.TypeInterval), "3 fortnights"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.col, tt.in)
			assert.ErrorIs(t, err, ErrInvalidValue)
		})
	}
}

func TestArrayCodec(t *testing.T) {
	labels := models.Column{Name: "labels", Type: models.TypeArray, Element: models.TypeText}

	for _, in := range []any{
		[]any{"a", "b c", `q"t`},
		`["a","b c","q\"t"]`,
		`{a,"b c","q\"t"}`,
	} {
		got, err := Normalize(labels, in)
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b c", `q"t`}, got)
	}

	got, err := Normalize(labels, "{x,NULL}")
	require.NoError(t, err)
	assert.Equal(t, []any{"x", nil}, got)

	ints := models.Column{Name: "n", Type: models.TypeArray, Element: models.TypeInteger}
	got, err = Normalize(ints, "{1,2,3}")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, got)

	_, err = Normalize(ints, "{1,x}")
	assert.ErrorIs(t, err, ErrInvalidValue)

	assert.Equal(t, `{"a","b c","q\"t",NULL}`, ArrayLiteral([]any{"a", "b c", `q"t`, nil}))
}

func TestRangeCodec(t *testing.T) {
	period := models.Column{Name: "active_period", Type: models.TypeRange, Element: models.TypeTimestamp}
	lower := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	upper := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	for _, in := range []any{
		`["2024-01-01 00:00:00+00","2024-02-01 00:00:00+00")`,
		`[2024-01-01T00:00:00Z,2024-02-01T00:00:00Z)`,
		map[string]any{"lower": "2024-01-01T00:00:00Z", "upper": "2024-02-01T00:00:00Z", "bounds": "[)"},
	} {
		got, err := Normalize(period, in)
		require.NoError(t, err)
		r := got.(Range)
		assert.True(t, r.LowerInc)
		assert.False(t, r.UpperInc)
		assert.True(t, lower.Equal(r.Lower.(time.Time)))
		assert.True(t, upper.Equal(r.Upper.(time.Time)))
		assert.Equal(t, `["2024-01-01T00:00:00Z","2024-02-01T00:00:00Z")`, r.String())
	}

	got, err := Normalize(period, "(,2024-02-01T00:00:00Z]")
	require.NoError(t, err)
	r := got.(Range)
	assert.Nil(t, r.Lower)
	assert.True(t, r.UpperInc)

	got, err = Normalize(period, "empty")
	require.NoError(t, err)
	assert.True(t, got.(Range).Empty)

	_, err = Normalize(period, "[a,b,c)")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestIntervalString(t *testing.T) {
	assert.Equal(t, "00:00:00", Interval{}.String())
	assert.Equal(t, "14 mons 3 days 04:05:06.5", Interval{Months: 14, Days: 3, Micros: 14706500000}.String())
	assert.Equal(t, "-01:30:00", Interval{Micros: -5400e6}.String())

	back, err := ParseInterval(Interval{Months: 1, Days: -2, Micros: 61e6}.String())
	require.NoError(t, err)
	assert.Equal(t, Interval{Months: 1, Days: -2, Micros: 61e6}, back)
}

func TestNormalizeRow(t *testing.T) {
	tasks, err := models.DefaultRegistry().Lookup("tasks")
	require.NoError(t, err)

	data := map[string]any{
		"id":         "3f0e7c1a-8d0b-4c55-9a55-0b3b8f6a1d01",
		"project_id": "3f0e7c1a-8d0b-4c55-9a55-0b3b8f6a1d02",
		"title":      "write tests",
		"status":     "blocked",
		"completed":  json.Number("0"),
		"priority":   json.Number("2"),
		"updated_at": "2025-01-01T00:00:00Z",
		"created_at": "2025-01-01T00:00:00Z",
	}

	row, err := NormalizeRow(tasks, models.OpInsert, data)
	require.NoError(t, err)
	assert.Equal(t, "todo", row.Values["status"], "invalid enum falls back to the declared default")
	assert.Equal(t, []string{"status"}, row.Defaulted)
	assert.Equal(t, false, row.Values["completed"])
	assert.Equal(t, int64(2), row.Values["priority"])
	assert.Equal(t, data["id"], row.PK)
	assert.False(t, row.UpdatedAt.IsZero())

	t.Run("unknown column", func(t *testing.T) {
		bad := map[string]any{"id": data["id"], "updated_at": data["updated_at"], "color": "red"}
		_, err := NormalizeRow(tasks, models.OpUpdate, bad)
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("missing updated_at", func(t *testing.T) {
		_, err := NormalizeRow(tasks, models.OpUpdate, map[string]any{"id": data["id"]})
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("enum without default is rejected", func(t *testing.T) {
		projects, err := models.DefaultRegistry().Lookup("projects")
		require.NoError(t, err)
		_, err = NormalizeRow(projects, models.OpInsert, map[string]any{
			"id": data["id"], "status": "deleted", "updated_at": data["updated_at"],
		})
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("insert fills omitted enum default", func(t *testing.T) {
		users, err := models.DefaultRegistry().Lookup("users")
		require.NoError(t, err)
		row, err := NormalizeRow(users, models.OpInsert, map[string]any{
			"id": data["id"], "email": "ana@example.com", "updated_at": data["updated_at"],
		})
		require.NoError(t, err)
		assert.Equal(t, "member", row.Values["role"])
		assert.Empty(t, row.Defaulted)

		row, err = NormalizeRow(users, models.OpUpdate, map[string]any{
			"id": data["id"], "email": "ana@example.com", "updated_at": data["updated_at"],
		})
		require.NoError(t, err)
		assert.NotContains(t, row.Values, "role", "updates leave untouched columns alone")
	})

	t.Run("delete keeps key only", func(t *testing.T) {
		row, err := NormalizeRow(tasks, models.OpDelete, map[string]any{"id": data["id"], "title": 5, "junk": true})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": data["id"]}, row.Values)
		assert.True(t, row.UpdatedAt.IsZero())
	})

	t.Run("null primary key", func(t *testing.T) {
		_, err := NormalizeRow(tasks, models.OpDelete, map[string]any{"id": nil})
		assert.ErrorIs(t, err, ErrInvalidValue)
	})
}
