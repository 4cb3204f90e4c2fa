package core

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagedimport/internal/lock"
)

// DefaultStageTimeout is the maximum duration of one parse, validate and
// stage call when ServiceConfig.StageTimeout is zero.
const DefaultStageTimeout = 10 * time.Minute

// ServiceConfig wires the collaborators of a Service.
type ServiceConfig struct {
	Parser    Parser
	Validator Validator
	Store     Store
	Locker    lock.Locker
	Persist   PersistFunc

	Commit              CommitOptions
	MaxPageSize         int
	MaxConcurrentStages int
	StageWait           time.Duration
	StageTimeout        time.Duration

	Logger *slog.Logger
}

// Service is the entry point for the staged import workflow: stage an
// upload, preview it page by page, then commit it.
type Service struct {
	parser    Parser
	validator Validator
	persist   PersistFunc

	stager    *Stager
	paginator *Paginator
	commits   *Coordinator
	limiter   *StageLimiter
	logger    *slog.Logger

	stageTimeout time.Duration
}

// NewService checks that every required collaborator is present and builds
// the service. A missing collaborator fails with missing_dependency.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Parser == nil:
		return nil, MissingDependency("parser", nil)
	case cfg.Validator == nil:
		return nil, MissingDependency("validator", nil)
	case cfg.Store == nil:
		return nil, MissingDependency("staging store", nil)
	case cfg.Locker == nil:
		return nil, MissingDependency("lock", nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stageTimeout := cfg.StageTimeout
	if stageTimeout <= 0 {
		stageTimeout = DefaultStageTimeout
	}

	stager := NewStager(cfg.Store, logger)
	return &Service{
		parser:    cfg.Parser,
		validator: cfg.Validator,
		persist:   cfg.Persist,
		stager:    stager,
		paginator: NewPaginator(stager, cfg.MaxPageSize),
		commits:   NewCoordinator(stager, cfg.Locker, cfg.Commit, logger),
		limiter:   NewStageLimiter(cfg.MaxConcurrentStages, cfg.StageWait),
		logger:    logger,

		stageTimeout: stageTimeout,
	}, nil
}

// Limiter exposes the stage limiter for health output and shutdown.
func (s *Service) Limiter() *StageLimiter { return s.limiter }

// MaxPageSize returns the largest accepted preview page size.
func (s *Service) MaxPageSize() int { return s.paginator.MaxPageSize() }

// Stage parses and validates an upload and snapshots the result under a new
// import id. Rows with any error are left out of the valid artifact.
func (s *Service) Stage(ctx context.Context, fileName string, r io.Reader, allowOverwrite bool) (*StageResult, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	ctx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	rows, err := s.parser.Parse(ctx, fileName, r)
	if err != nil {
		if _, ok := AsError(err); ok {
			return nil, err
		}
		return nil, ParseError(err)
	}

	valid, rowErrs, err := s.validator.Validate(ctx, rows, allowOverwrite)
	if err != nil {
		if _, ok := AsError(err); ok {
			return nil, err
		}
		return nil, errors.Wrap(err, "validate rows")
	}
	valid = withoutErrored(valid, rowErrs)
	if rowErrs == nil {
		rowErrs = []RowError{}
	}

	session, err := s.stager.Stage(ctx, StageInput{
		ID:       NewImportID(),
		FileName: fileName,
		All:      rows,
		Valid:    valid,
		Errors:   rowErrs,
	})
	if err != nil {
		return nil, err
	}
	return &StageResult{Session: session, Errors: rowErrs}, nil
}

// PreviewRequest selects one page of a staged artifact.
type PreviewRequest struct {
	ImportID string
	Checksum string
	Kind     ArtifactKind
	Page     int
	PageSize int
}

// Preview returns one page of a staged artifact. The checksum must match the
// one issued at staging time.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*Page, error) {
	if err := s.paginator.ValidatePage(req.Kind, req.Page, req.PageSize); err != nil {
		return nil, err
	}
	session, err := s.stager.Session(ctx, req.ImportID)
	if err != nil {
		return nil, err
	}
	if !ChecksumEqual(req.Checksum, session.Checksum) {
		return nil, ChecksumMismatch(req.ImportID)
	}
	return s.paginator.window(ctx, session, req.Kind, req.Page, req.PageSize)
}

// Commit persists the valid rows of a staged import.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	return s.commits.Commit(ctx, req, s.persist)
}

// Session returns the metadata of an import.
func (s *Service) Session(ctx context.Context, id string) (*ImportSession, error) {
	return s.stager.Session(ctx, id)
}

// Errors returns every row error recorded for an import.
func (s *Service) Errors(ctx context.Context, id string) ([]RowError, error) {
	return s.stager.LoadErrors(ctx, id)
}

// withoutErrored drops valid rows that also appear in errs.
func withoutErrored(valid []Row, errs []RowError) []Row {
	if len(errs) == 0 {
		return valid
	}
	bad := make(map[int]struct{}, len(errs))
	for _, e := range errs {
		bad[e.RowNumber] = struct{}{}
	}
	out := make([]Row, 0, len(valid))
	for _, r := range valid {
		if _, ok := bad[r.Number]; !ok {
			out = append(out, r)
		}
	}
	return out
}
