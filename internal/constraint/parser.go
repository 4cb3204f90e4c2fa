// Package constraint turns duplicate-key errors raised by database engines
// into structured conflict descriptors.
//
// Five grammars are supported and tried in a fixed priority order:
//
//	PostgreSQL   Key (col[, col...])=(val[, val...]) already exists.
//	MySQL        Duplicate entry 'val' for key 'key_name'
//	SQLite       UNIQUE constraint failed: table.col[, table.col...]
//	SQL Server   Violation of UNIQUE KEY constraint 'name'
//	Oracle       ORA-00001: unique constraint (SCHEMA.NAME) violated
//
// Parsing is best-effort. Input that matches none of the grammars yields a
// nil *Detail and never an error or panic.
package constraint

import (
	"fmt"
	"regexp"
	"strings"
)

// DBType identifies the engine whose grammar produced a Detail.
type DBType string

const (
	PostgreSQL DBType = "postgresql"
	MySQL      DBType = "mysql"
	SQLite     DBType = "sqlite"
	SQLServer  DBType = "mssql"
	Oracle     DBType = "oracle"
	Unknown    DBType = "unknown"
)

// Detail describes a parsed unique constraint violation.
//
// Columns and Values keep the order in which the engine reported them, which
// is the declared order of the unique index. Either may be empty when the
// engine does not report that part (MySQL has no column names, SQLite has no
// values, SQL Server and Oracle only name the constraint).
type Detail struct {
	DBType         DBType   `json:"db_type"`
	Columns        []string `json:"columns"`
	Values         []string `json:"values"`
	ConstraintName string   `json:"constraint_name,omitempty"`
	// Schema is the owner prefix of a schema-qualified constraint name
	// (Oracle's SCHEMA.NAME). ConstraintName never carries the prefix.
	Schema string `json:"schema,omitempty"`
}

// Empty reports whether the detail carries no usable information.
func (d *Detail) Empty() bool {
	return d == nil || (len(d.Columns) == 0 && len(d.Values) == 0 && d.ConstraintName == "")
}

// Summary renders the conflict for humans: "email=a@b.com" when columns and
// values are both known, otherwise whatever parts are available.
func (d *Detail) Summary() string {
	if d.Empty() {
		return "unique constraint violated"
	}
	if len(d.Columns) > 0 && len(d.Values) > 0 {
		pairs := make([]string, 0, len(d.Columns))
		for i, col := range d.Columns {
			if i >= len(d.Values) {
				break
			}
			pairs = append(pairs, fmt.Sprintf("%s=%s", col, d.Values[i]))
		}
		return strings.Join(pairs, ", ")
	}
	var parts []string
	if len(d.Columns) > 0 {
		parts = append(parts, "columns "+strings.Join(d.Columns, ", "))
	}
	if len(d.Values) > 0 {
		parts = append(parts, "value "+strings.Join(d.Values, ", "))
	}
	if d.ConstraintName != "" {
		parts = append(parts, "constraint "+d.ConstraintName)
	}
	return strings.Join(parts, "; ")
}

var (
	pgKeyRe        = regexp.MustCompile(`Key\s+\((?P<cols>[^)]+)\)=\((?P<vals>[^)]*)\)\s+already exists`)
	pgConstraintRe = regexp.MustCompile(`unique constraint "(?P<name>[^"]+)"`)

	// Greedy value match so values that contain quotes still reach the
	// final "' for key '" separator.
	mysqlRe = regexp.MustCompile(`(?i)Duplicate entry '(?P<val>.*)' for key '(?P<key>[^']+)'`)

	// modernc appends the extended result code in parentheses, so the column
	// list stops at the first '(' or line break.
	sqliteRe = regexp.MustCompile(`(?i)UNIQUE constraint failed:\s*(?P<cols>[^\n(]+)`)

	mssqlConstraintRe = regexp.MustCompile(`(?i)Violation of (?:UNIQUE KEY|PRIMARY KEY) constraint '(?P<name>[^']+)'`)
	mssqlIndexRe      = regexp.MustCompile(`(?i)Cannot insert duplicate key row in object '[^']+' with unique index '(?P<name>[^']+)'`)
	mssqlValuesRe     = regexp.MustCompile(`(?i)The duplicate key value is \((?P<vals>[^)]*)\)`)

	oracleRe = regexp.MustCompile(`(?i)ORA-00001:\s*unique constraint \((?P<name>[^)]+)\) violated`)
)

// grammar parses one engine's message shape.
type grammar func(msg, detail string) *Detail

// grammars is ordered by priority. PostgreSQL comes first because its DETAIL
// line is the most specific shape; Oracle is last because its error code
// prefix is unambiguous and rarely embedded in other engines' text.
var grammars = []grammar{
	parsePostgres,
	parseMySQL,
	parseSQLite,
	parseSQLServer,
	parseOracle,
}

// Parse tries every grammar in priority order against msg and detail and
// returns the first structural match, or nil when nothing matches.
func Parse(msg, detail string) *Detail {
	if strings.TrimSpace(msg) == "" && strings.TrimSpace(detail) == "" {
		return nil
	}
	for _, g := range grammars {
		if d := g(msg, detail); d != nil {
			return d
		}
	}
	return nil
}

func parsePostgres(msg, detail string) *Detail {
	// The DETAIL line carries the key; the primary message names the constraint.
	for _, src := range []string{detail, msg} {
		if src == "" {
			continue
		}
		m := pgKeyRe.FindStringSubmatch(src)
		if m == nil {
			continue
		}
		d := &Detail{
			DBType:  PostgreSQL,
			Columns: splitList(m[pgKeyRe.SubexpIndex("cols")]),
			Values:  splitList(m[pgKeyRe.SubexpIndex("vals")]),
		}
		if cm := pgConstraintRe.FindStringSubmatch(msg); cm != nil {
			d.ConstraintName = cm[pgConstraintRe.SubexpIndex("name")]
		}
		return d
	}
	return nil
}

func parseMySQL(msg, detail string) *Detail {
	m := mysqlRe.FindStringSubmatch(joinText(msg, detail))
	if m == nil {
		return nil
	}
	// MySQL joins composite key values with '-', which is indistinguishable
	// from a hyphen inside a single value, so the value is kept whole.
	return &Detail{
		DBType:         MySQL,
		Columns:        []string{},
		Values:         []string{m[mysqlRe.SubexpIndex("val")]},
		ConstraintName: m[mysqlRe.SubexpIndex("key")],
	}
}

func parseSQLite(msg, detail string) *Detail {
	m := sqliteRe.FindStringSubmatch(joinText(msg, detail))
	if m == nil {
		return nil
	}
	var cols []string
	for _, part := range splitList(m[sqliteRe.SubexpIndex("cols")]) {
		if i := strings.LastIndex(part, "."); i >= 0 {
			part = strings.TrimSpace(part[i+1:])
		}
		if part != "" {
			cols = append(cols, part)
		}
	}
	if len(cols) == 0 {
		return nil
	}
	return &Detail{DBType: SQLite, Columns: cols, Values: []string{}}
}

func parseSQLServer(msg, detail string) *Detail {
	text := joinText(msg, detail)
	d := &Detail{DBType: SQLServer, Columns: []string{}, Values: []string{}}
	if m := mssqlConstraintRe.FindStringSubmatch(text); m != nil {
		d.ConstraintName = m[mssqlConstraintRe.SubexpIndex("name")]
	} else if m := mssqlIndexRe.FindStringSubmatch(text); m != nil {
		d.ConstraintName = m[mssqlIndexRe.SubexpIndex("name")]
	}
	if m := mssqlValuesRe.FindStringSubmatch(text); m != nil {
		d.Values = splitList(m[mssqlValuesRe.SubexpIndex("vals")])
	}
	// The values line alone is enough; some drivers drop the first sentence.
	if d.ConstraintName == "" && len(d.Values) == 0 {
		return nil
	}
	return d
}

func parseOracle(msg, detail string) *Detail {
	m := oracleRe.FindStringSubmatch(joinText(msg, detail))
	if m == nil {
		return nil
	}
	schema, name := splitQualified(m[oracleRe.SubexpIndex("name")])
	if name == "" {
		return nil
	}
	return &Detail{
		DBType:         Oracle,
		Columns:        []string{},
		Values:         []string{},
		ConstraintName: name,
		Schema:         schema,
	}
}

// splitQualified splits "SCHEMA.NAME" at the last dot. Unqualified names
// come back with an empty schema.
func splitQualified(s string) (schema, name string) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "."); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	return "", s
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinText(msg, detail string) string {
	if detail == "" {
		return msg
	}
	return msg + "\n" + detail
}
