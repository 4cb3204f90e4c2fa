package core

// commit.go implements the locked, checksum-gated commit of a staged import.
//
// A commit attempt runs:
//
//  1. load the session (not_found)
//  2. require VALIDATED (invalid_state)
//  3. require the request checksum to equal the stored one (checksum_mismatch)
//  4. take the per-import lock with a bounded wait (lock_conflict), then
//     repeat 1-3 so a commit that finished while we waited is seen
//  5. load the valid artifact, check it against the checksum, call persist
//  6. record COMMITTED, or FAILED with constraint_violation or
//     persistence_failure
//
// The lock is released on every path after it was taken, with a context that
// survives request cancellation.

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagedimport/internal/constraint"
	"github.com/JonMunkholm/stagedimport/internal/lock"
)

const (
	// DefaultLockNamespace scopes commit locks.
	DefaultLockNamespace = "import"
	// DefaultLockWait bounds how long a commit waits for the import lock.
	DefaultLockWait = 5 * time.Second
	// MaxConflictRows caps the row numbers reported with a conflict.
	MaxConflictRows = 50
)

// CommitOptions tunes the coordinator.
type CommitOptions struct {
	LockNamespace string
	LockWait      time.Duration
	// BlockOnErrors refuses to commit imports that have any row errors.
	// When false only the valid rows are committed.
	BlockOnErrors bool
	// FieldForColumn maps a database column named in a conflict back to the
	// row field holding its value. Nil means the names are equal.
	FieldForColumn func(column string) string
}

// Coordinator runs commits.
type Coordinator struct {
	stager *Stager
	locker lock.Locker
	opts   CommitOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator creates a coordinator. Zero options take the defaults.
func NewCoordinator(stager *Stager, locker lock.Locker, opts CommitOptions, logger *slog.Logger) *Coordinator {
	if opts.LockNamespace == "" {
		opts.LockNamespace = DefaultLockNamespace
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{stager: stager, locker: locker, opts: opts, logger: logger, now: time.Now}
}

// Commit persists the valid rows of a staged import at most once.
func (c *Coordinator) Commit(ctx context.Context, req CommitRequest, persist PersistFunc) (*CommitResult, error) {
	if persist == nil {
		return nil, MissingDependency("persist", nil)
	}
	log := c.logger.With(slog.String("import_id", req.ImportID)).With(clientAttrs(ctx)...)

	session, err := c.stager.Session(ctx, req.ImportID)
	if err != nil {
		return nil, err
	}
	if err := c.checkCommittable(session, req); err != nil {
		return nil, err
	}

	handle, err := c.locker.Acquire(ctx, c.opts.LockNamespace, req.ImportID, c.opts.LockWait)
	if err != nil {
		if errors.Is(err, lock.ErrConflict) {
			log.Info("commit lock busy")
			return nil, LockConflict(req.ImportID, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Info("commit cancelled waiting for lock")
			return nil, LockConflict(req.ImportID, ctxErr)
		}
		return nil, MissingDependency("lock", err)
	}
	defer func() {
		if rerr := handle.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Error("release commit lock", slog.String("error", rerr.Error()))
		}
	}()

	// Another holder may have finished while we waited.
	session, err = c.stager.Session(ctx, req.ImportID)
	if err != nil {
		return nil, err
	}
	if err := c.checkCommittable(session, req); err != nil {
		return nil, err
	}

	rows, err := c.stager.LoadVerified(ctx, session)
	if err != nil {
		return nil, err
	}

	start := c.now()
	n, perr := callPersist(ctx, persist, rows, req.AllowOverwrite)
	if perr != nil {
		cerr := c.classify(perr, rows)
		c.record(ctx, req.ImportID, StatusFailed, Outcome{At: c.now().UTC(), FailureCode: CodeOf(cerr)})
		log.Warn("commit failed",
			slog.String("code", string(CodeOf(cerr))),
			slog.String("error", perr.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return nil, cerr
	}

	at := c.now().UTC()
	if err := c.recordCommitted(ctx, req.ImportID, Outcome{CommittedRows: n, At: at}); err != nil {
		// The rows are written but the session still reads VALIDATED, so a
		// retry would persist them again.
		log.Error("commit persisted but outcome not recorded",
			slog.Int("imported_rows", n),
			slog.String("error", err.Error()),
		)
		return nil, PersistenceFailure(err)
	}
	log.Info("import committed",
		slog.Int("imported_rows", n),
		slog.Duration("duration", time.Since(start)),
	)
	return &CommitResult{
		ImportID:     req.ImportID,
		ImportedRows: n,
		Status:       StatusCommitted,
		CreatedAt:    at,
	}, nil
}

func (c *Coordinator) checkCommittable(s *ImportSession, req CommitRequest) error {
	if s.Status != StatusValidated {
		return InvalidState(s.ID, s.Status)
	}
	if !ChecksumEqual(req.Checksum, s.Checksum) {
		return ChecksumMismatch(s.ID)
	}
	if c.opts.BlockOnErrors && s.ErrorRows > 0 {
		return BlockedByErrors(s.ID, s.ErrorRows)
	}
	if s.ValidRows == 0 {
		return NothingToCommit(s.ID)
	}
	return nil
}

// record writes the commit outcome. It runs detached from the request so a
// cancelled client still leaves the session in a terminal state.
func (c *Coordinator) record(ctx context.Context, id string, to Status, o Outcome) error {
	_, err := c.stager.Store().Transition(context.WithoutCancel(ctx), id, StatusValidated, to, o)
	if err != nil {
		c.logger.Error("record commit outcome",
			slog.String("import_id", id),
			slog.String("status", string(to)),
			slog.String("error", err.Error()),
		)
		return errors.Wrapf(err, "record %s for import %s", to, id)
	}
	return nil
}

// recordAttempts is how often a COMMITTED outcome is written before giving up.
const recordAttempts = 3

// recordCommitted retries the COMMITTED transition while the lock is still
// held. A transition that lost to another writer is not retried.
func (c *Coordinator) recordCommitted(ctx context.Context, id string, o Outcome) error {
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = c.record(ctx, id, StatusCommitted, o); err == nil {
			return nil
		}
		if errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrSessionNotFound) {
			return err
		}
		if attempt < recordAttempts {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return err
}

// classify turns a persist failure into a constraint_violation when the
// error carries a unique-violation signal and a persistence_failure
// otherwise.
func (c *Coordinator) classify(err error, rows []Row) error {
	v, ok := constraint.FromError(err)
	if !ok {
		return PersistenceFailure(err)
	}
	detail := constraint.Analyze(v)
	if detail == nil {
		detail = &constraint.Detail{DBType: constraint.Unknown, Columns: []string{}, Values: []string{}}
	}
	return ConstraintViolation(detail, conflictRows(rows, detail, c.opts.FieldForColumn, MaxConflictRows), err)
}

// callPersist invokes persist and converts a panic into an error so the
// outcome is still recorded and the lock released.
func callPersist(ctx context.Context, persist PersistFunc, rows []Row, allowOverwrite bool) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("persist panicked: %v", r)
		}
	}()
	return persist(ctx, rows, allowOverwrite)
}

// conflictRows returns the numbers of rows whose values match the parsed
// conflict on every column, up to limit. It needs both columns and values.
func conflictRows(rows []Row, d *constraint.Detail, fieldFor func(string) string, limit int) []int {
	if d == nil || len(d.Columns) == 0 || len(d.Values) == 0 {
		return []int{}
	}
	n := len(d.Columns)
	if len(d.Values) < n {
		n = len(d.Values)
	}

	fields := make([]string, n)
	for i := 0; i < n; i++ {
		col := d.Columns[i]
		if fieldFor != nil {
			if f := fieldFor(col); f != "" {
				col = f
			}
		}
		fields[i] = col
	}

	out := []int{}
	for _, r := range rows {
		if matchesConflict(r, fields, d.Values[:n]) {
			out = append(out, r.Number)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func matchesConflict(r Row, fields, values []string) bool {
	for i, f := range fields {
		v, ok := lookupField(r.Data, f)
		if !ok || strings.TrimSpace(v) != values[i] {
			return false
		}
	}
	return true
}

// lookupField finds a field by exact name, then case-insensitively.
func lookupField(data map[string]string, name string) (string, bool) {
	if v, ok := data[name]; ok {
		return v, true
	}
	for k, v := range data {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
