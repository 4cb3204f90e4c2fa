package validate

// convert.go turns cleaned cell text into PostgreSQL values.
//
// These functions accept the messy reality of spreadsheet exports:
//   - Multiple date formats (US, EU, ISO, etc.)
//   - Currency symbols and thousand separators in numbers
//   - Various boolean representations (yes/no, true/false, 1/0)
//
// All ToPg* functions return pgtype values with Valid=false for empty or
// invalid input, so the database receives NULL.

import (
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/stagedimport/internal/schema"
)

// numericRegex matches integers, decimals, and scientific notation after
// cleanup.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would land more than this many years in the future are assumed
// to be in the previous century.
var TwoDigitYearPivot = 20

// Date layouts split by year format for 2-digit year handling.
var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// ToPgText converts a string to pgtype.Text.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate converts a string to pgtype.Date.
func ToPgDate(s string) pgtype.Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Date{}
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Date{Time: t, Valid: true}
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: t, Valid: true}
		}
	}
	return pgtype.Date{}
}

// cleanNumber strips currency symbols and thousands separators and turns the
// accounting form "(123.45)" into "-123.45". It returns "" when the result
// is not a number.
func cleanNumber(s string) string {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.NewReplacer("$", "", "\u20ac", "", "\u00a3", "", ",", "").Replace(s)
	s = strings.TrimSpace(s)
	if negative {
		s = "-" + s
	}
	if !numericRegex.MatchString(s) {
		return ""
	}
	return s
}

// ToPgNumeric converts a string to pgtype.Numeric.
func ToPgNumeric(s string) pgtype.Numeric {
	s = cleanNumber(s)
	if s == "" {
		return pgtype.Numeric{}
	}
	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}
	}
	return n
}

// ToPgBool converts a string to pgtype.Bool.
// Accepts true/false, yes/no, t/f, y/n and 1/0.
func ToPgBool(s string) pgtype.Bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "true", "t", "yes", "y", "1":
		return pgtype.Bool{Bool: true, Valid: true}
	case "false", "f", "no", "n", "0":
		return pgtype.Bool{Bool: false, Valid: true}
	}
	return pgtype.Bool{}
}

// ToPgUUID converts a string to pgtype.UUID.
func ToPgUUID(s string) pgtype.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}

// Canonical checks a normalized, non-empty value against the field type and
// returns the form that is staged: ISO dates, true/false, lowercase UUIDs,
// plain decimal numbers and the declared spelling of enum values.
func Canonical(value string, f schema.FieldSpec) (string, error) {
	switch f.Type {
	case schema.FieldNumeric:
		n := cleanNumber(value)
		if n == "" || !ToPgNumeric(n).Valid {
			return "", errors.New("invalid number format")
		}
		return n, nil
	case schema.FieldDate:
		d := ToPgDate(value)
		if !d.Valid {
			return "", errors.New("invalid date format (use YYYY-MM-DD or similar)")
		}
		return d.Time.Format(time.DateOnly), nil
	case schema.FieldBool:
		b := ToPgBool(value)
		if !b.Valid {
			return "", errors.New("must be yes/no, true/false, or 1/0")
		}
		if b.Bool {
			return "true", nil
		}
		return "false", nil
	case schema.FieldUUID:
		u := ToPgUUID(value)
		if !u.Valid {
			return "", errors.New("invalid UUID")
		}
		return uuid.UUID(u.Bytes).String(), nil
	case schema.FieldEnum:
		for _, ev := range f.EnumValues {
			if strings.EqualFold(ev, value) {
				return ev, nil
			}
		}
		return "", errors.Newf("value must be one of: %s", strings.Join(f.EnumValues, ", "))
	}
	return value, nil
}

// PgValue converts a staged value into the query argument for its column.
// Empty values become NULL.
func PgValue(value string, f schema.FieldSpec) (any, error) {
	switch f.Type {
	case schema.FieldNumeric:
		n := ToPgNumeric(value)
		if value != "" && !n.Valid {
			return nil, errors.Newf("%s: invalid number %q", f.Name, value)
		}
		return n, nil
	case schema.FieldDate:
		d := ToPgDate(value)
		if value != "" && !d.Valid {
			return nil, errors.Newf("%s: invalid date %q", f.Name, value)
		}
		return d, nil
	case schema.FieldBool:
		b := ToPgBool(value)
		if value != "" && !b.Valid {
			return nil, errors.Newf("%s: invalid bool %q", f.Name, value)
		}
		return b, nil
	case schema.FieldUUID:
		u := ToPgUUID(value)
		if value != "" && !u.Valid {
			return nil, errors.Newf("%s: invalid UUID %q", f.Name, value)
		}
		return u, nil
	}
	return ToPgText(value), nil
}
