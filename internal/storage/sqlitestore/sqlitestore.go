// Package sqlitestore is a core.Store backed by SQLite through bun and the
// pure Go modernc driver. Artifacts are stored as blobs next to the session
// rows, so one database file holds everything a restart needs.
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/JonMunkholm/stagedimport/internal/constraint"
	"github.com/JonMunkholm/stagedimport/internal/core"
)

//go:embed schema.sql
var schemaSQL string

type sessionModel struct {
	bun.BaseModel `bun:"table:import_sessions"`

	ID            string     `bun:"id,pk"`
	FileName      string     `bun:"file_name"`
	CreatedAt     time.Time  `bun:"created_at"`
	TotalRows     int        `bun:"total_rows"`
	ValidRows     int        `bun:"valid_rows"`
	ErrorRows     int        `bun:"error_rows"`
	Checksum      string     `bun:"checksum"`
	Status        string     `bun:"status"`
	CommittedRows int        `bun:"committed_rows"`
	CommittedAt   *time.Time `bun:"committed_at"`
	FailedAt      *time.Time `bun:"failed_at"`
	FailureCode   string     `bun:"failure_code"`
}

type artifactModel struct {
	bun.BaseModel `bun:"table:import_artifacts"`

	ImportID string `bun:"import_id,pk"`
	Kind     string `bun:"kind,pk"`
	Data     []byte `bun:"data"`
}

// Store implements core.Store on a bun database.
type Store struct {
	db *bun.DB
}

var _ core.Store = (*Store)(nil)

// Open opens (or creates) the SQLite database at dsn and applies the schema.
// The pool is limited to one connection, which serializes writers.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	sqlDB.SetMaxOpenConns(1)

	s, err := New(ctx, bun.NewDB(sqlDB, sqlitedialect.New()))
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing bun database and applies the schema.
func New(ctx context.Context, db *bun.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply staging schema")
		}
	}
	return nil
}

// CreateSession implements core.Store.
func (s *Store) CreateSession(ctx context.Context, sess *core.ImportSession) error {
	m := toModel(sess)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if _, dup := constraint.FromError(err); dup {
			return errors.Wrapf(core.ErrSessionExists, "session %s", sess.ID)
		}
		return errors.Wrapf(err, "insert session %s", sess.ID)
	}
	return nil
}

// GetSession implements core.Store.
func (s *Store) GetSession(ctx context.Context, id string) (*core.ImportSession, error) {
	return getSession(ctx, s.db, id)
}

// Transition implements core.Store as a conditional UPDATE on the current
// status inside a transaction.
func (s *Store) Transition(ctx context.Context, id string, from, to core.Status, o core.Outcome) (*core.ImportSession, error) {
	if !core.CanTransition(from, to) {
		return nil, errors.Newf("illegal transition %s -> %s", from, to)
	}

	var out *core.ImportSession
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().
			Model((*sessionModel)(nil)).
			Set("status = ?", string(to))
		switch to {
		case core.StatusCommitted:
			q = q.Set("committed_rows = ?", o.CommittedRows).Set("committed_at = ?", o.At.UTC())
		case core.StatusFailed:
			q = q.Set("failed_at = ?", o.At.UTC()).Set("failure_code = ?", string(o.FailureCode))
		}
		res, err := q.Where("id = ?", id).Where("status = ?", string(from)).Exec(ctx)
		if err != nil {
			return errors.Wrapf(err, "update session %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}

		cur, err := getSession(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.Wrapf(core.ErrStaleStatus, "session %s is %s, not %s", id, cur.Status, from)
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutArtifact implements core.Store.
func (s *Store) PutArtifact(ctx context.Context, id string, kind core.ArtifactKind, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	m := &artifactModel{ImportID: id, Kind: string(kind), Data: data}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if _, dup := constraint.FromError(err); dup {
			return errors.Wrapf(core.ErrArtifactExists, "%s artifact of %s", kind, id)
		}
		return errors.Wrapf(err, "insert %s artifact of %s", kind, id)
	}
	return nil
}

// OpenArtifact implements core.Store. The blob is read whole.
func (s *Store) OpenArtifact(ctx context.Context, id string, kind core.ArtifactKind) (io.ReadCloser, error) {
	var m artifactModel
	err := s.db.NewSelect().
		Model(&m).
		Where("import_id = ?", id).
		Where("kind = ?", string(kind)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(core.ErrArtifactNotFound, "%s artifact of %s", kind, id)
		}
		return nil, errors.Wrapf(err, "select %s artifact of %s", kind, id)
	}
	return io.NopCloser(bytes.NewReader(m.Data)), nil
}

// CountByStatus returns the number of sessions in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[core.Status]int, error) {
	var rows []struct {
		Status string `bun:"status"`
		N      int    `bun:"n"`
	}
	err := s.db.NewSelect().
		Model((*sessionModel)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS n").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, errors.Wrap(err, "count sessions")
	}
	out := make(map[core.Status]int, len(rows))
	for _, r := range rows {
		out[core.Status(r.Status)] = r.N
	}
	return out, nil
}

func getSession(ctx context.Context, db bun.IDB, id string) (*core.ImportSession, error) {
	var m sessionModel
	err := db.NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(core.ErrSessionNotFound, "session %s", id)
		}
		return nil, errors.Wrapf(err, "select session %s", id)
	}
	return fromModel(&m), nil
}

func toModel(s *core.ImportSession) *sessionModel {
	return &sessionModel{
		ID:            s.ID,
		FileName:      s.FileName,
		CreatedAt:     s.CreatedAt.UTC(),
		TotalRows:     s.TotalRows,
		ValidRows:     s.ValidRows,
		ErrorRows:     s.ErrorRows,
		Checksum:      s.Checksum,
		Status:        string(s.Status),
		CommittedRows: s.CommittedRows,
		CommittedAt:   utcPtr(s.CommittedAt),
		FailedAt:      utcPtr(s.FailedAt),
		FailureCode:   string(s.FailureCode),
	}
}

func fromModel(m *sessionModel) *core.ImportSession {
	return &core.ImportSession{
		ID:            m.ID,
		FileName:      m.FileName,
		CreatedAt:     m.CreatedAt,
		TotalRows:     m.TotalRows,
		ValidRows:     m.ValidRows,
		ErrorRows:     m.ErrorRows,
		Checksum:      m.Checksum,
		Status:        core.Status(m.Status),
		CommittedRows: m.CommittedRows,
		CommittedAt:   m.CommittedAt,
		FailedAt:      m.FailedAt,
		FailureCode:   core.ErrorCode(m.FailureCode),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
