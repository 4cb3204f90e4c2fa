// Package persist writes committed import rows into PostgreSQL.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/schema"
	"github.com/JonMunkholm/stagedimport/internal/validate"
)

// DefaultBatchSize is the number of rows per INSERT statement.
const DefaultBatchSize = 1000

// maxParams is the PostgreSQL limit on bind parameters per statement.
const maxParams = 65535

// DB is the subset of *pgxpool.Pool the persister needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Options configures a Postgres persister.
type Options struct {
	BatchSize int
	Logger    *slog.Logger
}

// Postgres writes rows of one schema into its table in a single transaction.
type Postgres struct {
	db        DB
	def       *schema.Definition
	batchSize int
	logger    *slog.Logger
}

var _ validate.KeyChecker = (*Postgres)(nil)

// New creates a persister for def over db.
func New(db DB, def *schema.Definition, opts Options) *Postgres {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if n := maxParams / len(def.Fields); opts.BatchSize > n {
		opts.BatchSize = n
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, def: def, batchSize: opts.BatchSize, logger: logger}
}

// Persist implements core.PersistFunc. All rows are written or none are; a
// unique violation surfaces as the driver's *pgconn.PgError so the commit
// coordinator can parse it.
func (p *Postgres) Persist(ctx context.Context, rows []core.Row, allowOverwrite bool) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	var written int64
	for start := 0; start < len(rows); start += p.batchSize {
		end := min(start+p.batchSize, len(rows))
		batch := rows[start:end]

		args, err := p.args(batch)
		if err != nil {
			return 0, err
		}
		tag, err := tx.Exec(ctx, InsertSQL(p.def, len(batch), allowOverwrite), args...)
		if err != nil {
			return 0, errors.Wrapf(err, "insert rows %d-%d", batch[0].Number, batch[len(batch)-1].Number)
		}
		written += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit transaction")
	}

	p.logger.Info("rows persisted",
		slog.String("table", p.def.Table),
		slog.Int("rows", len(rows)),
		slog.Int64("affected", written),
		slog.Bool("overwrite", allowOverwrite),
	)
	return len(rows), nil
}

func (p *Postgres) args(rows []core.Row) ([]any, error) {
	args := make([]any, 0, len(rows)*len(p.def.Fields))
	for _, row := range rows {
		for _, f := range p.def.Fields {
			v, err := validate.PgValue(row.Data[f.Name], f)
			if err != nil {
				return nil, errors.Wrapf(err, "row %d", row.Number)
			}
			args = append(args, v)
		}
	}
	return args, nil
}

// ExistingKeys implements validate.KeyChecker with one lookup per batch of
// keys.
func (p *Postgres) ExistingKeys(ctx context.Context, keys [][]string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(keys) == 0 || len(p.def.UniqueKey) == 0 {
		return out, nil
	}
	fields := make([]schema.FieldSpec, 0, len(p.def.UniqueKey))
	for _, name := range p.def.UniqueKey {
		f, _ := p.def.Field(name)
		fields = append(fields, f)
	}

	step := min(p.batchSize, maxParams/len(fields))
	for start := 0; start < len(keys); start += step {
		batch := keys[start:min(start+step, len(keys))]
		args := make([]any, 0, len(batch)*len(fields))
		for _, key := range batch {
			for i, f := range fields {
				v, err := validate.PgValue(key[i], f)
				if err != nil {
					return nil, err
				}
				args = append(args, v)
			}
		}

		rows, err := p.db.Query(ctx, ExistingKeysSQL(p.def, len(batch)), args...)
		if err != nil {
			return nil, errors.Wrap(err, "query existing keys")
		}
		for rows.Next() {
			values := make([]string, len(fields))
			dest := make([]any, len(fields))
			for i := range values {
				dest[i] = &values[i]
			}
			if err := rows.Scan(dest...); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan existing key")
			}
			out[validate.KeyString(values)] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "read existing keys")
		}
	}
	return out, nil
}

// InsertSQL builds a multi-row INSERT for n rows. With overwrite and a unique
// key, conflicting rows are updated in place.
func InsertSQL(def *schema.Definition, n int, overwrite bool) string {
	cols := def.Columns()
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", tableIdent(def.Table), identList(cols))
	writePlaceholders(&b, n, len(cols))

	keys := def.UniqueColumns()
	if !overwrite || len(keys) == 0 {
		return b.String()
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) DO ", identList(keys))
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, ident(c)+" = EXCLUDED."+ident(c))
		}
	}
	if len(sets) == 0 {
		b.WriteString("NOTHING")
	} else {
		b.WriteString("UPDATE SET " + strings.Join(sets, ", "))
	}
	return b.String()
}

// ExistingKeysSQL builds the lookup for n unique keys. Key columns are read
// back as text so they compare with staged values.
func ExistingKeysSQL(def *schema.Definition, n int) string {
	keys := def.UniqueColumns()
	sel := make([]string, len(keys))
	for i, k := range keys {
		sel[i] = ident(k) + "::text"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE (%s) IN (", strings.Join(sel, ", "), tableIdent(def.Table), identList(keys))
	writePlaceholders(&b, n, len(keys))
	b.WriteString(")")
	return b.String()
}

func writePlaceholders(b *strings.Builder, rows, cols int) {
	param := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "$%d", param)
			param++
		}
		b.WriteByte(')')
	}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// tableIdent quotes a possibly schema-qualified table name.
func tableIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func identList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ident(n)
	}
	return strings.Join(out, ", ")
}
