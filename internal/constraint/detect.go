package constraint

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	pgUniqueViolation    = "23505"
	mysqlDuplicateEntry  = 1062
	mysqlDuplicateKeyOld = 1586
)

// Violation is the unique-violation signal raised by a persistence function.
// Persisters that do not surface a driver error can return one directly.
type Violation struct {
	Message    string // primary engine message
	Detail     string // secondary text, e.g. PostgreSQL's DETAIL line
	Constraint string // constraint name when the driver reports it separately
	Err        error
}

func (v *Violation) Error() string {
	if v.Detail != "" {
		return v.Message + ": " + v.Detail
	}
	return v.Message
}

func (v *Violation) Unwrap() error { return v.Err }

// uniqueKeywords flags unique violations in plain error text.
var uniqueKeywords = []string{
	"duplicate key value violates unique constraint", // PostgreSQL
	"duplicate entry",                    // MySQL / MariaDB
	"unique constraint failed",           // SQLite
	"violation of unique key constraint", // SQL Server
	"violation of primary key constraint",
	"cannot insert duplicate key row",
	"ora-00001", // Oracle
}

// IsUniqueViolation reports whether msg or detail looks like a unique
// constraint violation from any supported engine.
func IsUniqueViolation(msg, detail string) bool {
	text := strings.ToLower(msg + " " + detail)
	for _, kw := range uniqueKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// FromError extracts the unique-violation signal from err.
//
// Driver error types are checked first so their structured fields (detail
// line, constraint name) are preserved; plain errors fall back to keyword
// matching on their text. It returns false for anything else.
func FromError(err error) (*Violation, bool) {
	if err == nil {
		return nil, false
	}

	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgUniqueViolation {
			return nil, false
		}
		return &Violation{
			Message:    pgErr.Message,
			Detail:     pgErr.Detail,
			Constraint: pgErr.ConstraintName,
			Err:        err,
		}, true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		if myErr.Number != mysqlDuplicateEntry && myErr.Number != mysqlDuplicateKeyOld {
			return nil, false
		}
		return &Violation{Message: myErr.Message, Err: err}, true
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return &Violation{Message: liteErr.Error(), Err: err}, true
		}
		return nil, false
	}

	if IsUniqueViolation(err.Error(), "") {
		return &Violation{Message: err.Error(), Err: err}, true
	}
	return nil, false
}

// Analyze parses a violation into a Detail. A constraint name reported out
// of band by the driver fills in when the message grammar did not carry one.
// The result is nil only when no grammar matched and the driver gave no
// constraint name either.
func Analyze(v *Violation) *Detail {
	if v == nil {
		return nil
	}
	d := Parse(v.Message, v.Detail)
	if d == nil {
		if v.Constraint == "" {
			return nil
		}
		d = &Detail{DBType: Unknown, Columns: []string{}, Values: []string{}}
	}
	if d.ConstraintName == "" && v.Constraint != "" {
		d.Schema, d.ConstraintName = splitQualified(v.Constraint)
	}
	return d
}
