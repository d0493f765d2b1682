package models

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

var ErrUnknownTable = errors.New("unknown table")

// ColumnType selects the codec used to coerce incoming values
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeNumeric   ColumnType = "numeric"
	TypeBoolean   ColumnType = "boolean"
	TypeTimestamp ColumnType = "timestamp"
	TypeDate      ColumnType = "date"
	TypeUUID      ColumnType = "uuid"
	TypeJSON      ColumnType = "json"
	TypeEnum      ColumnType = "enum"
	TypeArray     ColumnType = "array"
	TypeInterval  ColumnType = "interval"
	TypeRange     ColumnType = "range"
)

// Direction restricts which way a table replicates
type Direction string

const (
	DirectionBoth Direction = "both"
	// DirectionDown tables only flow server -> client
	DirectionDown Direction = "down"
	// DirectionUp tables only flow client -> server
	DirectionUp Direction = "up"
)

type Column struct {
	Name       string     `yaml:"name"`
	Type       ColumnType `yaml:"type"`
	Nullable   bool       `yaml:"nullable"`
	Values     []string   `yaml:"values"`
	Default    string     `yaml:"default"`
	Element    ColumnType `yaml:"element"`
	References string     `yaml:"references"`
}

// AllowsEnum reports whether v is in the column's allow-list
func (c Column) AllowsEnum(v string) bool {
	for _, allowed := range c.Values {
		if allowed == v {
			return true
		}
	}
	return false
}

type Table struct {
	Name       string    `yaml:"name"`
	PrimaryKey string    `yaml:"primary_key"`
	Level      int       `yaml:"level"`
	Direction  Direction `yaml:"direction"`
	Columns    []Column  `yaml:"columns"`

	index map[string]int
}

func (t *Table) Column(name string) (Column, bool) {
	i, ok := t.index[strings.ToLower(name)]
	if !ok {
		return Column{}, false
	}
	return t.Columns[i], true
}

// ColumnNames returns the columns in declaration order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Flows reports whether changes to this table may travel in direction d.
// d must be DirectionDown or DirectionUp
func (t *Table) Flows(d Direction) bool {
	return t.Direction == DirectionBoth || t.Direction == d
}

// Registry is the static table hierarchy shared by every component: it maps
// a conceptual table name to its definition and knows the dependency order
type Registry struct {
	tables  map[string]*Table
	ordered []*Table
}

// LoadRegistry reads a hierarchy file. An empty path loads the built-in one
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return ParseRegistry(defaultTablesYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	return ParseRegistry(data)
}

// DefaultRegistry returns the built-in hierarchy
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultTablesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded tables.yaml is invalid: %v", err))
	}
	return r
}

func ParseRegistry(data []byte) (*Registry, error) {
	var doc struct {
		Tables []*Table `yaml:"tables"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tables file: %w", err)
	}
	return NewRegistry(doc.Tables...)
}

// NewRegistry validates the definitions and adds the reserved sync columns
// (updated_at, client_id) when a table does not declare them
func NewRegistry(tables ...*Table) (*Registry, error) {
	r := &Registry{tables: make(map[string]*Table, len(tables))}

	for _, t := range tables {
		t.Name = strings.ToLower(strings.TrimSpace(t.Name))
		if t.Name == "" {
			return nil, errors.New("table without name")
		}
		if _, dup := r.tables[t.Name]; dup {
			return nil, fmt.Errorf("table %s declared twice", t.Name)
		}
		if t.PrimaryKey == "" {
			t.PrimaryKey = "id"
		}
		if t.Direction == "" {
			t.Direction = DirectionBoth
		}
		if t.Direction != DirectionBoth && t.Direction != DirectionDown && t.Direction != DirectionUp {
			return nil, fmt.Errorf("table %s: invalid direction %q", t.Name, t.Direction)
		}

		t.index = make(map[string]int, len(t.Columns)+2)
		for i, c := range t.Columns {
			if err := validateColumn(t.Name, c); err != nil {
				return nil, err
			}
			t.index[strings.ToLower(c.Name)] = i
		}
		if _, ok := t.index[strings.ToLower(t.PrimaryKey)]; !ok {
			return nil, fmt.Errorf("table %s: primary key %s is not a column", t.Name, t.PrimaryKey)
		}
		t.ensureColumn(Column{Name: ColumnUpdatedAt, Type: TypeTimestamp})
		t.ensureColumn(Column{Name: ColumnOrigin, Type: TypeText, Nullable: true})

		r.tables[t.Name] = t
		r.ordered = append(r.ordered, t)
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].Level != r.ordered[j].Level {
			return r.ordered[i].Level < r.ordered[j].Level
		}
		return r.ordered[i].Name < r.ordered[j].Name
	})

	for _, t := range r.ordered {
		for _, c := range t.Columns {
			if c.References == "" {
				continue
			}
			parent, _, _ := strings.Cut(c.References, ".")
			p, ok := r.tables[parent]
			if !ok {
				return nil, fmt.Errorf("table %s: column %s references unknown table %s", t.Name, c.Name, parent)
			}
			if p.Level >= t.Level && p != t {
				return nil, fmt.Errorf("table %s (level %d) references %s (level %d): parents must sit at a lower level",
					t.Name, t.Level, p.Name, p.Level)
			}
		}
	}

	return r, nil
}

func validateColumn(table string, c Column) error {
	if c.Name == "" {
		return fmt.Errorf("table %s: column without name", table)
	}
	switch c.Type {
	case TypeText, TypeInteger, TypeNumeric, TypeBoolean, TypeTimestamp, TypeDate, TypeUUID, TypeJSON, TypeInterval:
	case TypeEnum:
		if len(c.Values) == 0 {
			return fmt.Errorf("table %s: enum column %s has no values", table, c.Name)
		}
		if c.Default != "" && !c.AllowsEnum(c.Default) {
			return fmt.Errorf("table %s: enum column %s default %q is not an allowed value", table, c.Name, c.Default)
		}
	case TypeArray, TypeRange:
		if c.Element == "" {
			return fmt.Errorf("table %s: column %s needs an element type", table, c.Name)
		}
	default:
		return fmt.Errorf("table %s: column %s has unknown type %q", table, c.Name, c.Type)
	}
	return nil
}

func (t *Table) ensureColumn(c Column) {
	if _, ok := t.index[c.Name]; ok {
		return
	}
	t.Columns = append(t.Columns, c)
	t.index[c.Name] = len(t.Columns) - 1
}

// Lookup resolves a table name as it appears on the wire
func (r *Registry) Lookup(name string) (*Table, error) {
	t, ok := r.tables[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Ordered returns every table, root tables first
func (r *Registry) Ordered() []*Table {
	return append([]*Table(nil), r.ordered...)
}

// Flowing returns the tables replicated in direction d, root tables first
func (r *Registry) Flowing(d Direction) []*Table {
	var out []*Table
	for _, t := range r.ordered {
		if t.Flows(d) {
			out = append(out, t)
		}
	}
	return out
}
