package mapper

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

// Dialect renders canonical values and identifiers for one database engine
type Dialect interface {
	Name() string
	Placeholder() sq.PlaceholderFormat
	Quote(ident string) string
	// Arg turns a canonical value into a statement argument. The returned
	// value may be a squirrel expression when the engine needs a cast
	Arg(col models.Column, v any) (any, error)
	// ColumnType is the DDL type used when the schema is created locally
	ColumnType(col models.Column) string
}

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
	DialectFirebird = "firebirdsql"
)

// DialectFor resolves a database/sql driver name
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case DialectPostgres, "pgx", "postgresql":
		return Postgres{}, nil
	case DialectSQLite, "sqlite":
		return SQLite{}, nil
	case DialectFirebird, "firebird":
		return Firebird{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Postgres passes every non-trivial value as text and casts it server side, so
// array, range and interval literals reach the column parser unchanged
type Postgres struct{}

func (Postgres) Name() string                      { return DialectPostgres }
func (Postgres) Placeholder() sq.PlaceholderFormat { return sq.Dollar }
func (Postgres) Quote(ident string) string         { return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"` }

func (p Postgres) Arg(col models.Column, v any) (any, error) {
	switch col.Type {
	case models.TypeText, models.TypeEnum, models.TypeInteger, models.TypeBoolean, models.TypeTimestamp:
		return v, nil
	}
	var text any
	if v != nil {
		switch val := v.(type) {
		case []any:
			text = ArrayLiteral(val)
		default:
			text = TextOf(val)
		}
	}
	return sq.Expr("?::text::"+p.ColumnType(col), text), nil
}

func (Postgres) ColumnType(col models.Column) string {
	switch col.Type {
	case models.TypeText, models.TypeEnum:
		return "text"
	case models.TypeInteger:
		return "bigint"
	case models.TypeNumeric:
		return "numeric"
	case models.TypeBoolean:
		return "boolean"
	case models.TypeTimestamp:
		return "timestamptz"
	case models.TypeDate:
		return "date"
	case models.TypeUUID:
		return "uuid"
	case models.TypeJSON:
		return "jsonb"
	case models.TypeInterval:
		return "interval"
	case models.TypeArray:
		return Postgres{}.ColumnType(models.Column{Type: col.Element}) + "[]"
	case models.TypeRange:
		switch col.Element {
		case models.TypeInteger:
			return "int8range"
		case models.TypeNumeric:
			return "numrange"
		case models.TypeDate:
			return "daterange"
		default:
			return "tstzrange"
		}
	}
	return "text"
}

// SQLite keeps everything but integers and booleans as TEXT. Timestamps use a
// fixed-width layout so text comparison matches time order
type SQLite struct{}

const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

func (SQLite) Name() string                      { return DialectSQLite }
func (SQLite) Placeholder() sq.PlaceholderFormat { return sq.Question }
func (SQLite) Quote(ident string) string         { return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"` }

func (SQLite) Arg(col models.Column, v any) (any, error) {
	return textArg(col, v, sqliteTimeLayout)
}

func (SQLite) ColumnType(col models.Column) string {
	switch col.Type {
	case models.TypeInteger, models.TypeBoolean:
		return "INTEGER"
	}
	return "TEXT"
}

// Firebird follows the legacy branch databases: upper-case identifiers,
// SMALLINT booleans and zone-less timestamps
type Firebird struct{}

const firebirdTimeLayout = "2006-01-02 15:04:05.000000"

func (Firebird) Name() string                      { return DialectFirebird }
func (Firebird) Placeholder() sq.PlaceholderFormat { return sq.Question }
func (Firebird) Quote(ident string) string         { return strings.ToUpper(ident) }

func (Firebird) Arg(col models.Column, v any) (any, error) {
	return textArg(col, v, firebirdTimeLayout)
}

func (Firebird) ColumnType(col models.Column) string {
	switch col.Type {
	case models.TypeInteger:
		return "BIGINT"
	case models.TypeBoolean:
		return "SMALLINT"
	case models.TypeUUID:
		return "CHAR(36)"
	case models.TypeTimestamp:
		return "VARCHAR(32)"
	case models.TypeDate:
		return "VARCHAR(10)"
	case models.TypeEnum:
		return "VARCHAR(64)"
	case models.TypeText:
		if col.Name == models.ColumnOrigin {
			return "VARCHAR(64)"
		}
	}
	return "BLOB SUB_TYPE TEXT"
}

// textArg is shared by the engines that store typed values as text
func textArg(col models.Column, v any, timeLayout string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case int64, string:
		return val, nil
	case time.Time:
		return val.UTC().Format(timeLayout), nil
	case decimal.Decimal:
		return val.String(), nil
	case json.RawMessage:
		return string(val), nil
	case []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		return string(b), nil
	case Date, Interval, Range:
		return TextOf(val), nil
	}
	return nil, fmt.Errorf("%w: column %s: unexpected %T", ErrInvalidValue, col.Name, v)
}
