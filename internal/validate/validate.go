// Package validate checks parsed rows against an import schema and splits
// them into rows that may be committed and row errors.
package validate

// Validation happens at two levels:
//  1. Cell checks: required values, normalizers, and the field type
//     (numeric, date, bool, uuid, enum)
//  2. Key checks: rows repeating the unique key of an earlier row in the same
//     file, and, when overwrite is off and a KeyChecker is configured, rows
//     whose key already exists in the target table
//
// Valid rows carry the canonical form of every schema field, so the preview
// shows exactly what a commit will write.

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/schema"
)

// ContextCheckInterval is how many rows are checked between cancellation
// checks.
var ContextCheckInterval = 100

// KeyChecker reports which unique keys already exist in the target table.
// Keys are the field values of the unique key in declared order; the result
// is indexed by KeyString.
type KeyChecker interface {
	ExistingKeys(ctx context.Context, keys [][]string) (map[string]bool, error)
}

// Options configures a Validator.
type Options struct {
	Existing KeyChecker // optional
	Logger   *slog.Logger
}

// Validator implements core.Validator for one schema.
type Validator struct {
	def      *schema.Definition
	key      []schema.FieldSpec
	existing KeyChecker
	logger   *slog.Logger
}

var _ core.Validator = (*Validator)(nil)

// New creates a validator for def.
func New(def *schema.Definition, opts Options) *Validator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{def: def, existing: opts.Existing, logger: logger}
	for _, name := range def.UniqueKey {
		if f, ok := def.Field(name); ok {
			v.key = append(v.key, f)
		}
	}
	return v
}

// KeyString joins key values into a single map key.
func KeyString(values []string) string {
	return strings.Join(values, "\x1f")
}

// Validate checks every row. The first row with a given unique key wins; later
// rows repeating it are reported, whatever allowOverwrite says, since one
// upsert cannot touch the same target row twice. Errors are ordered by row
// number.
func (v *Validator) Validate(ctx context.Context, rows []core.Row, allowOverwrite bool) ([]core.Row, []core.RowError, error) {
	valid := make([]core.Row, 0, len(rows))
	var errs []core.RowError
	seen := make(map[string]int)

	for i, row := range rows {
		if i%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}

		data, rowErrs := v.CheckRow(row)
		if len(rowErrs) > 0 {
			errs = append(errs, rowErrs...)
			continue
		}

		if values, ok := v.keyValues(data); ok {
			k := KeyString(values)
			if first, dup := seen[k]; dup {
				errs = append(errs, core.RowError{
					RowNumber: row.Number,
					Field:     v.keyField(),
					Message:   fmt.Sprintf("duplicate %s %q: already used by row %d", v.keyField(), strings.Join(values, ", "), first),
				})
				continue
			}
			seen[k] = row.Number
		}
		valid = append(valid, core.Row{Number: row.Number, Data: data})
	}

	if v.existing != nil && !allowOverwrite && len(seen) > 0 {
		var err error
		valid, errs, err = v.rejectExisting(ctx, valid, errs)
		if err != nil {
			return nil, nil, err
		}
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].RowNumber < errs[j].RowNumber })
	v.logger.Debug("rows validated",
		slog.Int("rows", len(rows)),
		slog.Int("valid", len(valid)),
		slog.Int("errors", len(errs)),
	)
	return valid, errs, nil
}

// CheckRow validates one row and returns its canonical data, or every cell
// error it has.
func (v *Validator) CheckRow(row core.Row) (map[string]string, []core.RowError) {
	data := make(map[string]string, len(v.def.Fields))
	var errs []core.RowError

	for _, f := range v.def.Fields {
		raw, present := row.Data[f.Name]
		raw = strings.TrimSpace(raw)

		if raw == "" {
			if f.Required && !f.AllowEmpty {
				msg := "required field is empty"
				if !present {
					msg = "missing required column"
				}
				errs = append(errs, core.RowError{RowNumber: row.Number, Field: f.Name, Message: msg})
			}
			data[f.Name] = ""
			continue
		}

		value, err := Canonical(f.Apply(raw), f)
		if err != nil {
			errs = append(errs, core.RowError{
				RowNumber: row.Number,
				Field:     f.Name,
				Message:   fmt.Sprintf("%s: %q", err.Error(), raw),
			})
			continue
		}
		data[f.Name] = value
	}
	return data, errs
}

// keyValues returns the unique key of data. Rows with an empty key part have
// no key and are never duplicates.
func (v *Validator) keyValues(data map[string]string) ([]string, bool) {
	if len(v.key) == 0 {
		return nil, false
	}
	values := make([]string, len(v.key))
	for i, f := range v.key {
		values[i] = data[f.Name]
		if values[i] == "" {
			return nil, false
		}
	}
	return values, true
}

func (v *Validator) keyField() string {
	names := make([]string, len(v.key))
	for i, f := range v.key {
		names[i] = f.Name
	}
	return strings.Join(names, "+")
}

func (v *Validator) rejectExisting(ctx context.Context, valid []core.Row, errs []core.RowError) ([]core.Row, []core.RowError, error) {
	keys := make([][]string, 0, len(valid))
	for _, row := range valid {
		if values, ok := v.keyValues(row.Data); ok {
			keys = append(keys, values)
		}
	}
	existing, err := v.existing.ExistingKeys(ctx, keys)
	if err != nil {
		return nil, nil, errors.Wrap(err, "check existing keys")
	}
	if len(existing) == 0 {
		return valid, errs, nil
	}

	kept := valid[:0]
	for _, row := range valid {
		values, ok := v.keyValues(row.Data)
		if ok && existing[KeyString(values)] {
			errs = append(errs, core.RowError{
				RowNumber: row.Number,
				Field:     v.keyField(),
				Message:   fmt.Sprintf("%s %q already exists; enable overwrite to update it", v.keyField(), strings.Join(values, ", ")),
			})
			continue
		}
		kept = append(kept, row)
	}
	return kept, errs, nil
}
