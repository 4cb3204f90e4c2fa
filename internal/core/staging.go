package core

// staging.go writes the immutable snapshots of an import and creates its
// session. A session becomes visible only after both row artifacts and the
// error list are on the store, so a reader that finds the session can always
// open its artifacts.

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// NewImportID returns a fresh opaque import identifier.
func NewImportID() string {
	return uuid.NewString()
}

// StageInput is everything the stager needs to snapshot one import.
type StageInput struct {
	ID       string
	FileName string
	All      []Row
	Valid    []Row
	Errors   []RowError
}

// Stager writes staged artifacts and reads them back.
type Stager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStager creates a stager over the given store.
func NewStager(store Store, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{store: store, logger: logger, now: time.Now}
}

// Store returns the backend the stager writes to.
func (s *Stager) Store() Store { return s.store }

// Stage writes the all, valid and errors artifacts, computes the checksum
// over the encoded valid artifact, and creates the session. The session is
// created STAGED and moved to VALIDATED before Stage returns.
func (s *Stager) Stage(ctx context.Context, in StageInput) (*ImportSession, error) {
	if in.ID == "" {
		return nil, InvalidArgument("import_id", "import id is required")
	}
	if err := checkRowNumbers(in.All, in.Valid); err != nil {
		return nil, err
	}

	allBytes, err := EncodeRows(in.All)
	if err != nil {
		return nil, errors.Wrap(err, "encode all rows")
	}
	validBytes, err := EncodeRows(in.Valid)
	if err != nil {
		return nil, errors.Wrap(err, "encode valid rows")
	}
	errBytes, err := encodeLines(in.Errors)
	if err != nil {
		return nil, errors.Wrap(err, "encode row errors")
	}

	artifacts := []struct {
		kind ArtifactKind
		data []byte
	}{
		{KindAll, allBytes},
		{KindValid, validBytes},
		{KindErrors, errBytes},
	}
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.store.PutArtifact(ctx, in.ID, a.kind, a.data); err != nil {
			return nil, errors.Wrapf(err, "write %s artifact", a.kind)
		}
	}

	session := &ImportSession{
		ID:        in.ID,
		FileName:  in.FileName,
		CreatedAt: s.now().UTC(),
		TotalRows: len(in.All),
		ValidRows: len(in.Valid),
		ErrorRows: countErrorRows(in.Errors),
		Checksum:  ComputeChecksum(validBytes),
		Status:    StatusStaged,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, errors.Wrap(err, "create session")
	}

	validated, err := s.store.Transition(ctx, in.ID, StatusStaged, StatusValidated, Outcome{At: session.CreatedAt})
	if err != nil {
		return nil, errors.Wrap(err, "mark session validated")
	}

	s.logger.With(clientAttrs(ctx)...).Info("import staged",
		slog.String("import_id", in.ID),
		slog.Int("total_rows", validated.TotalRows),
		slog.Int("valid_rows", validated.ValidRows),
		slog.Int("error_rows", validated.ErrorRows),
	)
	return validated, nil
}

// Session returns the metadata of an import.
func (s *Stager) Session(ctx context.Context, id string) (*ImportSession, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, NotFound(id, err)
		}
		return nil, errors.Wrapf(err, "load session %s", id)
	}
	return session, nil
}

// Open returns a reader over one artifact of an existing session.
func (s *Stager) Open(ctx context.Context, id string, kind ArtifactKind) (io.ReadCloser, error) {
	if _, err := s.Session(ctx, id); err != nil {
		return nil, err
	}
	return s.openArtifact(ctx, id, kind)
}

func (s *Stager) openArtifact(ctx context.Context, id string, kind ArtifactKind) (io.ReadCloser, error) {
	rc, err := s.store.OpenArtifact(ctx, id, kind)
	if err != nil {
		if errors.Is(err, ErrArtifactNotFound) || errors.Is(err, ErrSessionNotFound) {
			return nil, NotFound(id, err)
		}
		return nil, errors.Wrapf(err, "open %s artifact of %s", kind, id)
	}
	return rc, nil
}

// Load reads a whole row artifact. It fails with not_found for an unknown
// import or an artifact that was never written.
func (s *Stager) Load(ctx context.Context, id string, kind ArtifactKind) ([]Row, error) {
	if !kind.Pageable() {
		return nil, InvalidArgument("kind", "kind must be all or valid, got %q", kind)
	}
	rc, err := s.Open(ctx, id, kind)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	rows, err := DecodeRows(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s artifact of %s", kind, id)
	}
	return rows, nil
}

// LoadVerified reads the valid artifact of a session and checks it still
// hashes to the session checksum before decoding it.
func (s *Stager) LoadVerified(ctx context.Context, session *ImportSession) ([]Row, error) {
	rc, err := s.openArtifact(ctx, session.ID, KindValid)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read valid artifact of %s", session.ID)
	}
	if !VerifyChecksum(session.Checksum, data) {
		s.logger.Error("staged data does not match its checksum", slog.String("import_id", session.ID))
		return nil, ChecksumMismatch(session.ID)
	}
	rows, err := DecodeRows(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "decode valid artifact of %s", session.ID)
	}
	return rows, nil
}

// LoadErrors reads the row errors recorded for an import.
func (s *Stager) LoadErrors(ctx context.Context, id string) ([]RowError, error) {
	rc, err := s.Open(ctx, id, KindErrors)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	errs, err := decodeLines[RowError](rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read errors artifact of %s", id)
	}
	if errs == nil {
		errs = []RowError{}
	}
	return errs, nil
}

// checkRowNumbers enforces the numbering contract: the all artifact is
// numbered 1..n in order, and valid rows are an ordered subset of it.
func checkRowNumbers(all, valid []Row) error {
	for i, r := range all {
		if r.Number != i+1 {
			return InvalidArgument("rows", "row %d has row number %d; rows must be numbered from 1 in input order", i+1, r.Number)
		}
	}
	prev := 0
	for _, r := range valid {
		if r.Number <= prev || r.Number > len(all) {
			return InvalidArgument("rows", "valid row number %d is out of order or not in the input", r.Number)
		}
		prev = r.Number
	}
	return nil
}

// countErrorRows returns the number of distinct input rows with errors.
// File-level errors (row number 0) are not counted.
func countErrorRows(errs []RowError) int {
	seen := make(map[int]struct{}, len(errs))
	for _, e := range errs {
		if e.RowNumber > 0 {
			seen[e.RowNumber] = struct{}{}
		}
	}
	return len(seen)
}
