package core

import (
	"context"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultPageSize is used by callers that do not ask for a size.
	DefaultPageSize = 50
	// MaxPageSize bounds page_size. Larger requests are rejected, not clamped.
	MaxPageSize = 500
)

// Paginator serves fixed-size windows over staged artifacts.
type Paginator struct {
	stager      *Stager
	maxPageSize int
}

// NewPaginator creates a paginator. maxPageSize <= 0 or above MaxPageSize
// falls back to MaxPageSize.
func NewPaginator(stager *Stager, maxPageSize int) *Paginator {
	if maxPageSize <= 0 || maxPageSize > MaxPageSize {
		maxPageSize = MaxPageSize
	}
	return &Paginator{stager: stager, maxPageSize: maxPageSize}
}

// MaxPageSize returns the largest page size this paginator accepts.
func (p *Paginator) MaxPageSize() int { return p.maxPageSize }

// ValidatePage checks paging parameters before any I/O.
func (p *Paginator) ValidatePage(kind ArtifactKind, page, pageSize int) error {
	if page < 1 {
		return InvalidArgument("page", "page must be >= 1, got %d", page)
	}
	if pageSize < 1 || pageSize > p.maxPageSize {
		return InvalidArgument("page_size", "page_size must be between 1 and %d, got %d", p.maxPageSize, pageSize)
	}
	if !kind.Pageable() {
		return InvalidArgument("kind", "kind must be all or valid, got %q", kind)
	}
	return nil
}

// Paginate returns rows[(page-1)*pageSize : page*pageSize] of the artifact
// in row-number order. The total comes from session metadata, so rows after
// the window are never read. A window past the end is empty, not an error.
func (p *Paginator) Paginate(ctx context.Context, id string, kind ArtifactKind, page, pageSize int) (*Page, error) {
	if err := p.ValidatePage(kind, page, pageSize); err != nil {
		return nil, err
	}
	session, err := p.stager.Session(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.window(ctx, session, kind, page, pageSize)
}

func (p *Paginator) window(ctx context.Context, session *ImportSession, kind ArtifactKind, page, pageSize int) (*Page, error) {
	result := &Page{
		ImportID:  session.ID,
		Checksum:  session.Checksum,
		Kind:      kind,
		Page:      page,
		PageSize:  pageSize,
		TotalRows: session.RowCount(kind),
		Rows:      []Row{},
	}

	// Compare in page units so huge page numbers cannot overflow the offset.
	if result.TotalRows == 0 || page-1 > (result.TotalRows-1)/pageSize {
		return result, nil
	}
	offset := (page - 1) * pageSize

	rc, err := p.stager.openArtifact(ctx, session.ID, kind)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sc := newLineScanner(rc)
	for i := 0; sc.Next(); i++ {
		if i%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if i < offset {
			continue
		}
		var row Row
		if err := sc.Decode(&row); err != nil {
			return nil, errors.Wrapf(err, "decode row %d of %s artifact", i+1, kind)
		}
		result.Rows = append(result.Rows, row)
		if len(result.Rows) == pageSize {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s artifact", kind)
	}
	return result, nil
}

// ContextCheckInterval is how many rows are read between cancellation checks.
var ContextCheckInterval = 100
