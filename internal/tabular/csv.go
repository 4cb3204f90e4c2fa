// Package tabular turns uploaded CSV files into staged rows keyed by the
// canonical field names of an import schema.
package tabular

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/schema"
)

// DefaultMaxFileSize is the upload size limit when none is configured (100MB).
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// DefaultAllowedExtensions lists the accepted file extensions.
var DefaultAllowedExtensions = []string{".csv"}

// ContextCheckInterval is how many records are read between cancellation
// checks.
var ContextCheckInterval = 100

// Options configures a Parser.
type Options struct {
	MaxFileSize       int64    // bytes; <= 0 uses DefaultMaxFileSize
	AllowedExtensions []string // lowercase with dot; empty uses DefaultAllowedExtensions
	Logger            *slog.Logger
}

// Parser reads CSV uploads for one schema. It implements core.Parser.
type Parser struct {
	def    *schema.Definition
	max    int64
	exts   []string
	logger *slog.Logger
}

var _ core.Parser = (*Parser)(nil)

// NewParser creates a parser for def.
func NewParser(def *schema.Definition, opts Options) *Parser {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	exts := opts.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultAllowedExtensions
	}
	normalized := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		normalized = append(normalized, e)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{def: def, max: opts.MaxFileSize, exts: normalized, logger: logger}
}

// MaxFileSize returns the configured size limit in bytes.
func (p *Parser) MaxFileSize() int64 { return p.max }

// CheckFileName rejects file names whose extension is not allowed.
func (p *Parser) CheckFileName(fileName string) error {
	ext := strings.ToLower(filepath.Ext(fileName))
	for _, allowed := range p.exts {
		if ext == allowed {
			return nil
		}
	}
	return core.InvalidArgument("file", "file type %q is not allowed; accepted: %s", ext, strings.Join(p.exts, ", "))
}

// Parse reads the header row and every data row of r.
//
// The header is the first of the leading records in which every required
// field resolves, by name or alias. Columns the schema does not know are
// dropped. Blank records are skipped; the remaining data rows are numbered
// from 1 in file order. Short rows are padded with empty values.
func (p *Parser) Parse(ctx context.Context, fileName string, r io.Reader) ([]core.Row, error) {
	if err := p.CheckFileName(fileName); err != nil {
		return nil, err
	}

	limited := &sizeLimitReader{r: r, max: p.max}
	cr := csv.NewReader(newTextReader(limited))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	fields, err := p.findHeader(cr)
	if err != nil {
		return nil, p.readError(err)
	}

	var rows []core.Row
	for i := 0; ; i++ {
		if i%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, p.readError(err)
		}
		if isEmptyRecord(record) {
			continue
		}

		data := make(map[string]string, len(fields))
		for pos, name := range fields {
			if name == "" {
				continue
			}
			v := ""
			if pos < len(record) {
				v = CleanCell(record[pos])
			}
			data[name] = v
		}
		rows = append(rows, core.Row{Number: len(rows) + 1, Data: data})
	}

	p.logger.Debug("csv parsed",
		slog.String("file", fileName),
		slog.Int("rows", len(rows)),
		slog.Int64("bytes", limited.BytesRead),
	)
	if rows == nil {
		rows = []core.Row{}
	}
	return rows, nil
}

// findHeader scans the leading records for the header and returns, per
// column position, the canonical field name or "" for unknown columns.
func (p *Parser) findHeader(cr *csv.Reader) ([]string, error) {
	var seen int
	for seen < p.def.HeaderSearchRows {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if isEmptyRecord(record) {
			continue
		}
		seen++

		fields, ok, err := p.matchHeader(record)
		if err != nil {
			return nil, err
		}
		if ok {
			return fields, nil
		}
	}
	if seen == 0 {
		return nil, core.InvalidArgument("file", "empty file: no header row")
	}
	return nil, core.ParseError(errors.Newf("header row not found in the first %d rows (expected: %s)",
		p.def.HeaderSearchRows, strings.Join(p.requiredNames(), ", ")))
}

func (p *Parser) matchHeader(record []string) ([]string, bool, error) {
	fields := make([]string, len(record))
	used := make(map[string]int, len(record))
	known := 0
	for i, cell := range record {
		name, ok := p.def.Resolve(CleanCell(cell))
		if !ok {
			continue
		}
		if prev, dup := used[name]; dup {
			return nil, false, core.ParseError(errors.Newf("columns %d and %d both map to field %q", prev+1, i+1, name))
		}
		used[name] = i
		fields[i] = name
		known++
	}
	if known == 0 {
		return nil, false, nil
	}
	for _, f := range p.def.Fields {
		if f.Required {
			if _, ok := used[f.Name]; !ok {
				return nil, false, nil
			}
		}
	}
	return fields, true, nil
}

func (p *Parser) requiredNames() []string {
	var out []string
	for _, f := range p.def.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	if len(out) == 0 {
		return p.def.FieldNames()
	}
	return out
}

// readError converts reader failures into typed errors.
func (p *Parser) readError(err error) error {
	if _, ok := core.AsError(err); ok {
		return err
	}
	if errors.Is(err, errFileTooLarge) {
		return core.InvalidArgument("file", "file too large: exceeds the %s limit", formatBytes(p.max))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return core.ParseError(err)
}

func isEmptyRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func formatBytes(n int64) string {
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%dMB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
