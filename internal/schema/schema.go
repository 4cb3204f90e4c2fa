// Package schema describes what an import accepts: the expected columns, how
// each is checked, which database column it lands in, and the unique key used
// for in-file duplicate detection and overwrite upserts.
//
// Definitions are YAML:
//
//	name: people
//	table: people
//	unique_key: [email]
//	fields:
//	  - name: email
//	    type: text
//	    required: true
//	    normalize: lower
//	    aliases: ["e-mail", "email address"]
//	  - name: status
//	    type: enum
//	    enum: [active, inactive]
package schema

import (
	_ "embed"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// FieldType is the expected data type of a column.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldEnum    FieldType = "enum"
	FieldDate    FieldType = "date"
	FieldNumeric FieldType = "numeric"
	FieldBool    FieldType = "bool"
	FieldUUID    FieldType = "uuid"
)

// Normalizers applied to a cell before it is checked and staged.
const (
	NormalizeNone  = ""
	NormalizeLower = "lower"
	NormalizeUpper = "upper"
)

// DefaultHeaderSearchRows is how many leading records are scanned for the
// header row when a definition does not say.
const DefaultHeaderSearchRows = 20

// FieldSpec describes one column.
type FieldSpec struct {
	Name       string    `yaml:"name"`   // canonical field name; staged rows use it as the key
	Column     string    `yaml:"column"` // database column, derived from Name when empty
	Type       FieldType `yaml:"type"`
	Required   bool      `yaml:"required"`    // column must exist in the header
	AllowEmpty bool      `yaml:"allow_empty"` // empty values allowed even when Required
	EnumValues []string  `yaml:"enum"`
	Aliases    []string  `yaml:"aliases"` // alternative header spellings
	Normalize  string    `yaml:"normalize"`
}

// DBColumn returns the database column for the field.
func (f FieldSpec) DBColumn() string {
	if f.Column != "" {
		return f.Column
	}
	return ToDBColumnName(f.Name)
}

// Apply runs the field's normalizer on a cleaned value.
func (f FieldSpec) Apply(v string) string {
	switch f.Normalize {
	case NormalizeLower:
		return strings.ToLower(v)
	case NormalizeUpper:
		return strings.ToUpper(v)
	}
	return v
}

// Definition is one import target.
type Definition struct {
	Name             string      `yaml:"name"`
	Table            string      `yaml:"table"`
	Fields           []FieldSpec `yaml:"fields"`
	UniqueKey        []string    `yaml:"unique_key"`
	HeaderSearchRows int         `yaml:"header_search_rows"`

	byHeader map[string]int
	byColumn map[string]string
}

//go:embed default.yaml
var defaultYAML []byte

// Default returns the built-in definition used when no schema file is set.
func Default() *Definition {
	def, err := Parse(defaultYAML)
	if err != nil {
		panic(errors.Wrap(err, "built-in schema"))
	}
	return def
}

// Load reads and validates a definition file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read schema %s", path)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "schema %s", path)
	}
	return def, nil
}

// Parse decodes and validates a YAML definition.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.Wrap(err, "parse schema YAML")
	}
	if err := def.init(); err != nil {
		return nil, err
	}
	return &def, nil
}

// init validates the definition and builds the lookup indexes.
func (d *Definition) init() error {
	var errs []string
	if d.Name == "" {
		errs = append(errs, "name is required")
	}
	if d.Table == "" {
		d.Table = ToDBColumnName(d.Name)
	}
	if len(d.Fields) == 0 {
		errs = append(errs, "at least one field is required")
	}
	if d.HeaderSearchRows <= 0 {
		d.HeaderSearchRows = DefaultHeaderSearchRows
	}

	d.byHeader = make(map[string]int)
	d.byColumn = make(map[string]string)
	for i := range d.Fields {
		f := &d.Fields[i]
		if f.Name == "" {
			errs = append(errs, "field name is required")
			continue
		}
		if f.Type == "" {
			f.Type = FieldText
		}
		switch f.Type {
		case FieldText, FieldDate, FieldNumeric, FieldBool, FieldUUID:
		case FieldEnum:
			if len(f.EnumValues) == 0 {
				errs = append(errs, "field "+f.Name+": enum needs values")
			}
		default:
			errs = append(errs, "field "+f.Name+": unknown type "+string(f.Type))
		}
		switch f.Normalize {
		case NormalizeNone, NormalizeLower, NormalizeUpper:
		default:
			errs = append(errs, "field "+f.Name+": unknown normalizer "+f.Normalize)
		}

		for _, h := range append([]string{f.Name}, f.Aliases...) {
			key := HeaderKey(h)
			if prev, dup := d.byHeader[key]; dup && prev != i {
				errs = append(errs, "header "+h+" maps to more than one field")
				continue
			}
			d.byHeader[key] = i
		}
		d.byColumn[strings.ToLower(f.DBColumn())] = f.Name
	}

	for _, k := range d.UniqueKey {
		if _, ok := d.Field(k); !ok {
			errs = append(errs, "unique_key field "+k+" is not defined")
		}
	}

	if len(errs) > 0 {
		return errors.Newf("invalid schema:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Field returns the spec with the given canonical name.
func (d *Definition) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Resolve maps a header cell to the canonical field name through names and
// aliases. Unknown headers return false.
func (d *Definition) Resolve(header string) (string, bool) {
	i, ok := d.byHeader[HeaderKey(header)]
	if !ok {
		return "", false
	}
	return d.Fields[i].Name, true
}

// FieldForColumn maps a database column back to the field that fills it.
// It returns "" for columns the definition does not know.
func (d *Definition) FieldForColumn(column string) string {
	return d.byColumn[strings.ToLower(column)]
}

// FieldNames returns the canonical field names in declared order.
func (d *Definition) FieldNames() []string {
	out := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		out[i] = f.Name
	}
	return out
}

// Columns returns the database columns in declared field order.
func (d *Definition) Columns() []string {
	out := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		out[i] = f.DBColumn()
	}
	return out
}

// UniqueColumns returns the database columns of the unique key.
func (d *Definition) UniqueColumns() []string {
	out := make([]string, 0, len(d.UniqueKey))
	for _, k := range d.UniqueKey {
		if f, ok := d.Field(k); ok {
			out = append(out, f.DBColumn())
		}
	}
	return out
}

// HeaderKey normalizes a header cell for matching: trimmed, lowercased, with
// runs of spaces, dashes and underscores collapsed to one underscore.
func HeaderKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	var b strings.Builder
	sep := false
	for _, r := range h {
		if r == ' ' || r == '-' || r == '_' {
			sep = true
			continue
		}
		if sep && b.Len() > 0 {
			b.WriteByte('_')
		}
		sep = false
		b.WriteRune(r)
	}
	return b.String()
}

// ToDBColumnName converts a field name to snake_case.
func ToDBColumnName(name string) string {
	return HeaderKey(name)
}
