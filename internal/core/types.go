package core

import (
	"context"
	"io"
	"time"
)

// Status is the lifecycle state of an import session.
type Status string

const (
	StatusStaged    Status = "staged"
	StatusValidated Status = "validated"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusFailed
}

// transitions lists the legal moves of the session state machine.
var transitions = map[Status][]Status{
	StatusStaged:    {StatusValidated},
	StatusValidated: {StatusCommitted, StatusFailed},
}

// CanTransition reports whether a session may move from one status to
// another. Nothing skips VALIDATED and terminal states never move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ArtifactKind names one of the snapshots written for a session.
type ArtifactKind string

const (
	KindAll   ArtifactKind = "all"   // every parsed row
	KindValid ArtifactKind = "valid" // rows that passed validation
	// KindErrors holds the row errors of a session. It is not pageable.
	KindErrors ArtifactKind = "errors"
)

// Pageable reports whether k may be requested through preview.
func (k ArtifactKind) Pageable() bool {
	return k == KindAll || k == KindValid
}

// Row is one parsed input row. Number is 1-based in input order and is
// preserved when the row is copied into the valid artifact.
type Row struct {
	Number int               `json:"row_number"`
	Data   map[string]string `json:"data"`
}

// RowError is a validation failure tied to an input row.
type RowError struct {
	RowNumber int    `json:"row_number"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
}

// ImportSession is the metadata of one staged import. Everything except the
// status and the commit outcome is fixed once staging returns.
type ImportSession struct {
	ID        string    `json:"import_id"`
	FileName  string    `json:"file_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	TotalRows int       `json:"total_rows"`
	ValidRows int       `json:"valid_rows"`
	ErrorRows int       `json:"error_rows"`
	Checksum  string    `json:"checksum"`
	Status    Status    `json:"status"`

	CommittedRows int        `json:"committed_rows,omitempty"`
	CommittedAt   *time.Time `json:"committed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	FailureCode   ErrorCode  `json:"failure_code,omitempty"`
}

// RowCount returns the number of rows in the artifact of the given kind.
func (s *ImportSession) RowCount(kind ArtifactKind) int {
	if kind == KindValid {
		return s.ValidRows
	}
	return s.TotalRows
}

// Outcome is recorded alongside a status transition out of VALIDATED.
type Outcome struct {
	CommittedRows int
	At            time.Time
	FailureCode   ErrorCode
}

// Apply copies the outcome onto s for the target status.
func (o Outcome) Apply(s *ImportSession, to Status) {
	s.Status = to
	switch to {
	case StatusCommitted:
		at := o.At
		s.CommittedRows = o.CommittedRows
		s.CommittedAt = &at
	case StatusFailed:
		at := o.At
		s.FailedAt = &at
		s.FailureCode = o.FailureCode
	}
}

// CommitRequest asks to persist the valid rows of a staged import.
type CommitRequest struct {
	ImportID       string `json:"import_id"`
	Checksum       string `json:"checksum"`
	AllowOverwrite bool   `json:"allow_overwrite"`
}

// CommitResult is returned for a successful commit. CreatedAt is the time
// the commit was recorded.
type CommitResult struct {
	ImportID     string    `json:"import_id"`
	ImportedRows int       `json:"imported_rows"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Page is one preview window over an artifact.
type Page struct {
	ImportID  string       `json:"import_id"`
	Checksum  string       `json:"checksum"`
	Kind      ArtifactKind `json:"kind"`
	Page      int          `json:"page"`
	PageSize  int          `json:"page_size"`
	TotalRows int          `json:"total_rows"`
	Rows      []Row        `json:"rows"`
}

// StageResult is returned by the stage-and-validate call.
type StageResult struct {
	Session *ImportSession
	Errors  []RowError
}

// Parser turns an uploaded byte stream into ordered rows.
type Parser interface {
	Parse(ctx context.Context, fileName string, r io.Reader) ([]Row, error)
}

// Validator splits parsed rows into valid rows and row errors. It includes
// duplicate detection within the batch on unique fields.
type Validator interface {
	Validate(ctx context.Context, rows []Row, allowOverwrite bool) (valid []Row, errs []RowError, err error)
}

// PersistFunc writes the valid rows to the system of record and returns the
// number of rows written. It is the only write path out of staging.
type PersistFunc func(ctx context.Context, rows []Row, allowOverwrite bool) (int, error)

// Store is the durable backend for sessions and their artifacts.
//
// Artifacts are write-once. Status changes go through Transition, which is a
// compare-and-set on the current status.
type Store interface {
	CreateSession(ctx context.Context, s *ImportSession) error
	GetSession(ctx context.Context, id string) (*ImportSession, error)
	// Transition moves the session from one status to another and records
	// the outcome. It fails with ErrStaleStatus when the current status is
	// not from.
	Transition(ctx context.Context, id string, from, to Status, o Outcome) (*ImportSession, error)
	PutArtifact(ctx context.Context, id string, kind ArtifactKind, data []byte) error
	OpenArtifact(ctx context.Context, id string, kind ArtifactKind) (io.ReadCloser, error)
}

// StatusCounter is implemented by stores that can summarize their sessions
// for health output.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
