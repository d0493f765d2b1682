package mapper

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

// SQLBuilder translates canonical rows into statements for one dialect
type SQLBuilder struct {
	dialect Dialect
}

// NewSQLBuilder initializes a new mapper instance
func NewSQLBuilder(d Dialect) *SQLBuilder {
	return &SQLBuilder{dialect: d}
}

func (b *SQLBuilder) Dialect() Dialect {
	return b.dialect
}

// BuildUpsert generates an insert-or-replace keyed on the primary key.
// Postgres and SQLite use ON CONFLICT, Firebird uses UPDATE OR INSERT
func (b *SQLBuilder) BuildUpsert(t *models.Table, row map[string]any) (string, []any, error) {
	if len(row) == 0 {
		return "", nil, fmt.Errorf("no data provided for upsert on table %s", t.Name)
	}
	if _, ok := row[t.PrimaryKey]; !ok {
		return "", nil, fmt.Errorf("primary key %s missing for upsert on table %s", t.PrimaryKey, t.Name)
	}

	// Sort keys for deterministic SQL generation
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	columns := make([]string, 0, len(keys))
	values := make([]any, 0, len(keys))
	var updates []string
	for _, k := range keys {
		col, ok := t.Column(k)
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown column %q on %s", ErrInvalidValue, k, t.Name)
		}
		arg, err := b.dialect.Arg(col, row[k])
		if err != nil {
			return "", nil, err
		}
		quoted := b.dialect.Quote(col.Name)
		columns = append(columns, quoted)
		values = append(values, arg)
		if col.Name != t.PrimaryKey {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
		}
	}

	if b.dialect.Name() == DialectFirebird {
		return b.firebirdUpsert(t, columns, values)
	}

	conflict := fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", b.dialect.Quote(t.PrimaryKey))
	if len(updates) > 0 {
		conflict = fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", b.dialect.Quote(t.PrimaryKey), strings.Join(updates, ", "))
	}

	return sq.Insert(b.dialect.Quote(t.Name)).
		Columns(columns...).
		Values(values...).
		Suffix(conflict).
		PlaceholderFormat(b.dialect.Placeholder()).
		ToSql()
}

// firebirdUpsert builds the Firebird 2.x merge statement by hand, squirrel has
// no way to emit UPDATE OR INSERT
func (b *SQLBuilder) firebirdUpsert(t *models.Table, columns []string, values []any) (string, []any, error) {
	placeholders := make([]string, len(values))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	query := fmt.Sprintf(
		"UPDATE OR INSERT INTO %s (%s) VALUES (%s) MATCHING (%s)",
		b.dialect.Quote(t.Name),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		b.dialect.Quote(t.PrimaryKey),
	)
	return query, values, nil
}

// BuildDelete generates a DELETE keyed on the primary key
func (b *SQLBuilder) BuildDelete(t *models.Table, pk any) (string, []any, error) {
	arg, err := b.pkArg(t, pk)
	if err != nil {
		return "", nil, err
	}
	return sq.Delete(b.dialect.Quote(t.Name)).
		Where(b.pkEq(t, arg)).
		PlaceholderFormat(b.dialect.Placeholder()).
		ToSql()
}

// BuildSelectRow reads every declared column of one row
func (b *SQLBuilder) BuildSelectRow(t *models.Table, pk any) (string, []any, error) {
	arg, err := b.pkArg(t, pk)
	if err != nil {
		return "", nil, err
	}
	return b.selectColumns(t, t.ColumnNames()...).
		Where(b.pkEq(t, arg)).
		ToSql()
}

// BuildSelectUpdatedAt reads the stored last-write-wins timestamp of one row
func (b *SQLBuilder) BuildSelectUpdatedAt(t *models.Table, pk any) (string, []any, error) {
	arg, err := b.pkArg(t, pk)
	if err != nil {
		return "", nil, err
	}
	return b.selectColumns(t, models.ColumnUpdatedAt).
		Where(b.pkEq(t, arg)).
		ToSql()
}

// BuildCount counts the rows of a table
func (b *SQLBuilder) BuildCount(t *models.Table) (string, []any, error) {
	return sq.Select("COUNT(*)").
		From(b.dialect.Quote(t.Name)).
		PlaceholderFormat(b.dialect.Placeholder()).
		ToSql()
}

func (b *SQLBuilder) selectColumns(t *models.Table, names ...string) sq.SelectBuilder {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = b.dialect.Quote(n)
	}
	return sq.Select(quoted...).
		From(b.dialect.Quote(t.Name)).
		PlaceholderFormat(b.dialect.Placeholder())
}

func (b *SQLBuilder) pkArg(t *models.Table, pk any) (any, error) {
	if pk == nil {
		return nil, fmt.Errorf("primary key value missing for table %s", t.Name)
	}
	col, _ := t.Column(t.PrimaryKey)
	v, err := Normalize(col, pk)
	if err != nil {
		return nil, err
	}
	return b.dialect.Arg(col, v)
}

// pkEq compares the key column, unwrapping casts the dialect added to the value
func (b *SQLBuilder) pkEq(t *models.Table, arg any) sq.Sqlizer {
	quoted := b.dialect.Quote(t.PrimaryKey)
	if expr, ok := arg.(sq.Sqlizer); ok {
		sql, args, err := expr.ToSql()
		if err == nil {
			return sq.Expr(quoted+" = "+sql, args...)
		}
	}
	return sq.Eq{quoted: arg}
}

// BuildCreateTable renders the DDL used when a local store creates the
// replicated tables itself
func (b *SQLBuilder) BuildCreateTable(t *models.Table) string {
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		def := fmt.Sprintf("%s %s", b.dialect.Quote(c.Name), b.dialect.ColumnType(c))
		if c.Type == models.TypeEnum && c.Default != "" {
			def += " DEFAULT " + quoteLiteral(c.Default)
		}
		switch {
		case c.Name == t.PrimaryKey:
			def += " NOT NULL PRIMARY KEY"
		case !c.Nullable:
			def += " NOT NULL"
		}
		if c.References != "" {
			parent, key, _ := strings.Cut(c.References, ".")
			if key == "" {
				key = "id"
			}
			def += fmt.Sprintf(" REFERENCES %s (%s)", b.dialect.Quote(parent), b.dialect.Quote(key))
		}
		if c.Type == models.TypeEnum && b.dialect.Name() != DialectFirebird {
			quoted := make([]string, len(c.Values))
			for i, v := range c.Values {
				quoted[i] = quoteLiteral(v)
			}
			def += fmt.Sprintf(" CHECK (%s IN (%s))", b.dialect.Quote(c.Name), strings.Join(quoted, ", "))
		}
		defs = append(defs, def)
	}

	create := "CREATE TABLE IF NOT EXISTS"
	if b.dialect.Name() == DialectFirebird {
		create = "CREATE TABLE"
	}
	return fmt.Sprintf("%s %s (\n  %s\n)", create, b.dialect.Quote(t.Name), strings.Join(defs, ",\n  "))
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
