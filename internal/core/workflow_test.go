package core_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/lock"
	"github.com/JonMunkholm/stagedimport/internal/storage/memstore"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// people returns n rows numbered from 1. Rows listed in blank have no email.
func people(n int, blank ...int) []core.Row {
	skip := map[int]bool{}
	for _, b := range blank {
		skip[b] = true
	}
	rows := make([]core.Row, n)
	for i := range rows {
		email := fmt.Sprintf("user%d@example.com", i+1)
		if skip[i+1] {
			email = ""
		}
		rows[i] = core.Row{Number: i + 1, Data: map[string]string{"email": email, "name": fmt.Sprintf("User %d", i+1)}}
	}
	return rows
}

type stubParser struct {
	rows []core.Row
	err  error
}

func (p stubParser) Parse(context.Context, string, io.Reader) ([]core.Row, error) {
	return p.rows, p.err
}

// emailValidator requires an email. It returns every row as valid so the
// service has to drop the errored ones.
type emailValidator struct{}

func (emailValidator) Validate(_ context.Context, rows []core.Row, _ bool) ([]core.Row, []core.RowError, error) {
	var errs []core.RowError
	for _, r := range rows {
		if r.Data["email"] == "" {
			errs = append(errs, core.RowError{RowNumber: r.Number, Field: "email", Message: "email is required"})
		}
	}
	return rows, errs, nil
}

// recorder is a persist function that counts calls and keeps the last rows.
type recorder struct {
	calls atomic.Int32
	mu    sync.Mutex
	rows  []core.Row
	err   error
	delay time.Duration
	panic bool
}

func (r *recorder) persist(_ context.Context, rows []core.Row, _ bool) (int, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.panic {
		panic("driver exploded")
	}
	r.mu.Lock()
	r.rows = rows
	r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	return len(rows), nil
}

type harness struct {
	svc    *core.Service
	store  *memstore.Store
	locks  *lock.Memory
	rec    *recorder
	parser *stubParser
}

func newHarness(t *testing.T, rows []core.Row, opts core.CommitOptions) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		locks:  lock.NewMemory(),
		rec:    &recorder{},
		parser: &stubParser{rows: rows},
	}
	svc, err := core.NewService(core.ServiceConfig{
		Parser:    h.parser,
		Validator: emailValidator{},
		Store:     h.store,
		Locker:    h.locks,
		Persist:   h.rec.persist,
		Commit:    opts,
		Logger:    discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.svc = svc
	return h
}

func (h *harness) stage(t *testing.T) *core.ImportSession {
	t.Helper()
	res, err := h.svc.Stage(context.Background(), "people.csv", strings.NewReader(""), false)
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	return res.Session
}

func wantCode(t *testing.T, err error, code core.ErrorCode) *core.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", code)
	}
	e, ok := core.AsError(err)
	if !ok {
		t.Fatalf("error %v is not a core.Error, want %s", err, code)
	}
	if e.Code != code {
		t.Fatalf("code = %s, want %s (%v)", e.Code, code, err)
	}
	return e
}

func (h *harness) status(t *testing.T, id string) *core.ImportSession {
	t.Helper()
	s, err := h.svc.Session(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// --- staging ---

func TestStage_CountsAndChecksum(t *testing.T) {
	h := newHarness(t, people(5, 2, 4), core.CommitOptions{})
	s := h.stage(t)

	if s.Status != core.StatusValidated {
		t.Errorf("status = %s, want validated", s.Status)
	}
	if s.TotalRows != 5 || s.ValidRows != 3 || s.ErrorRows != 2 {
		t.Errorf("counts = %d/%d/%d, want 5/3/2", s.TotalRows, s.ValidRows, s.ErrorRows)
	}

	valid := people(5)
	want, err := core.EncodeRows([]core.Row{valid[0], valid[2], valid[4]})
	if err != nil {
		t.Fatal(err)
	}
	if s.Checksum != core.ComputeChecksum(want) {
		t.Error("checksum is not the digest of the valid rows")
	}

	errs, err := h.svc.Errors(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 2 || errs[0].RowNumber != 2 || errs[1].RowNumber != 4 {
		t.Errorf("Errors() = %+v", errs)
	}
}

func TestStage_SameRowsSameChecksum(t *testing.T) {
	h := newHarness(t, people(4), core.CommitOptions{})
	a := h.stage(t)
	b := h.stage(t)
	if a.ID == b.ID {
		t.Error("two stages share an import id")
	}
	if a.Checksum != b.Checksum {
		t.Error("identical valid rows produced different checksums")
	}

	h.parser.rows = people(4, 3)
	c := h.stage(t)
	if c.Checksum == a.Checksum {
		t.Error("different valid rows produced the same checksum")
	}
}

func TestStage_NoErrorsReturnsEmptyList(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{})
	res, err := h.svc.Stage(context.Background(), "people.csv", strings.NewReader(""), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Errors == nil || len(res.Errors) != 0 {
		t.Errorf("Errors = %#v, want empty non-nil", res.Errors)
	}
}

func TestStage_ParserFailure(t *testing.T) {
	h := newHarness(t, nil, core.CommitOptions{})
	h.parser.err = errors.New("record on line 3: wrong number of fields")

	_, err := h.svc.Stage(context.Background(), "bad.csv", strings.NewReader(""), false)
	e := wantCode(t, err, core.CodeParseError)
	if !strings.Contains(e.Message, "wrong number of fields") {
		t.Errorf("message %q lost the parser detail", e.Message)
	}
	if h.store.Len() != 0 {
		t.Error("a session was created for an unparseable file")
	}
}

func TestStager_RejectsBadRowNumbers(t *testing.T) {
	st := core.NewStager(memstore.New(), discard)
	rows := people(3)
	rows[1].Number = 7

	_, err := st.Stage(context.Background(), core.StageInput{ID: "x", All: rows, Valid: rows})
	e := wantCode(t, err, core.CodeInvalidArgument)
	if e.Param != "rows" {
		t.Errorf("param = %q, want rows", e.Param)
	}

	all := people(3)
	_, err = st.Stage(context.Background(), core.StageInput{ID: "y", All: all, Valid: []core.Row{all[2], all[0]}})
	wantCode(t, err, core.CodeInvalidArgument)
}

func TestStager_LoadRoundTrip(t *testing.T) {
	st := core.NewStager(memstore.New(), discard)
	all := people(4)
	valid := []core.Row{all[0], all[3]}
	s, err := st.Stage(context.Background(), core.StageInput{ID: "imp", All: all, Valid: valid})
	if err != nil {
		t.Fatal(err)
	}

	got, err := st.Load(context.Background(), s.ID, core.KindValid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Number != 1 || got[1].Number != 4 {
		t.Errorf("Load(valid) = %+v", got)
	}
	if got[1].Data["email"] != "user4@example.com" {
		t.Errorf("row data changed: %+v", got[1].Data)
	}

	_, err = st.Load(context.Background(), s.ID, core.KindErrors)
	wantCode(t, err, core.CodeInvalidArgument)
}

func TestUnknownImport(t *testing.T) {
	h := newHarness(t, people(1), core.CommitOptions{})
	ctx := context.Background()

	_, err := h.svc.Session(ctx, "missing")
	wantCode(t, err, core.CodeNotFound)
	_, err = h.svc.Errors(ctx, "missing")
	wantCode(t, err, core.CodeNotFound)
	_, err = h.svc.Preview(ctx, core.PreviewRequest{ImportID: "missing", Checksum: "x", Kind: core.KindAll, Page: 1, PageSize: 10})
	wantCode(t, err, core.CodeNotFound)
	_, err = h.svc.Commit(ctx, core.CommitRequest{ImportID: "missing", Checksum: "x"})
	wantCode(t, err, core.CodeNotFound)
}

// --- preview ---

func TestPreview_Windows(t *testing.T) {
	h := newHarness(t, people(7), core.CommitOptions{})
	s := h.stage(t)
	ctx := context.Background()

	tests := []struct {
		page, size int
		want       []int
	}{
		{1, 3, []int{1, 2, 3}},
		{2, 3, []int{4, 5, 6}},
		{3, 3, []int{7}},
		{4, 3, []int{}},
		{1, 500, []int{1, 2, 3, 4, 5, 6, 7}},
		{math.MaxInt, 500, []int{}},
		{math.MaxInt/500 + 2, 500, []int{}},
		{math.MaxInt/3 + 2, 3, []int{}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("page %d size %d", tt.page, tt.size), func(t *testing.T) {
			p, err := h.svc.Preview(ctx, core.PreviewRequest{
				ImportID: s.ID, Checksum: s.Checksum, Kind: core.KindAll, Page: tt.page, PageSize: tt.size,
			})
			if err != nil {
				t.Fatal(err)
			}
			if p.TotalRows != 7 || p.Checksum != s.Checksum || p.Page != tt.page || p.PageSize != tt.size {
				t.Errorf("page metadata = %+v", p)
			}
			if p.Rows == nil {
				t.Fatal("Rows is nil, want empty slice")
			}
			got := make([]int, len(p.Rows))
			for i, r := range p.Rows {
				got[i] = r.Number
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("row numbers = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreview_ValidKeepsInputRowNumbers(t *testing.T) {
	h := newHarness(t, people(6, 1, 2, 5), core.CommitOptions{})
	s := h.stage(t)

	p, err := h.svc.Preview(context.Background(), core.PreviewRequest{
		ImportID: s.ID, Checksum: s.Checksum, Kind: core.KindValid, Page: 2, PageSize: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.TotalRows != 3 {
		t.Errorf("TotalRows = %d, want 3", p.TotalRows)
	}
	if len(p.Rows) != 1 || p.Rows[0].Number != 6 {
		t.Errorf("rows = %+v, want row 6", p.Rows)
	}
}

func TestPreview_InvalidParameters(t *testing.T) {
	h := newHarness(t, people(3), core.CommitOptions{})
	s := h.stage(t)

	tests := []struct {
		name      string
		kind      core.ArtifactKind
		page      int
		size      int
		wantParam string
	}{
		{"page zero", core.KindAll, 0, 10, "page"},
		{"negative page", core.KindAll, -1, 10, "page"},
		{"page size zero", core.KindAll, 1, 0, "page_size"},
		{"page size over max", core.KindAll, 1, core.MaxPageSize + 1, "page_size"},
		{"errors kind", core.KindErrors, 1, 10, "kind"},
		{"unknown kind", core.ArtifactKind("other"), 1, 10, "kind"},
		{"page checked first", core.ArtifactKind("other"), 0, 0, "page"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Preview(context.Background(), core.PreviewRequest{
				ImportID: s.ID, Checksum: s.Checksum, Kind: tt.kind, Page: tt.page, PageSize: tt.size,
			})
			e := wantCode(t, err, core.CodeInvalidArgument)
			if e.Param != tt.wantParam {
				t.Errorf("param = %q, want %q", e.Param, tt.wantParam)
			}
		})
	}
}

func TestPreview_ChecksumGate(t *testing.T) {
	h := newHarness(t, people(3), core.CommitOptions{})
	s := h.stage(t)
	ctx := context.Background()

	for _, sum := range []string{"", "deadbeef", strings.ToUpper(s.Checksum)} {
		_, err := h.svc.Preview(ctx, core.PreviewRequest{ImportID: s.ID, Checksum: sum, Kind: core.KindAll, Page: 1, PageSize: 10})
		wantCode(t, err, core.CodeChecksumMismatch)
	}
}

func TestPaginate_ContextCancelled(t *testing.T) {
	st := core.NewStager(memstore.New(), discard)
	rows := people(10)
	s, err := st.Stage(context.Background(), core.StageInput{ID: "imp", All: rows, Valid: rows})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = core.NewPaginator(st, 0).Paginate(ctx, s.ID, core.KindAll, 1, 5)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// --- commit ---

func TestCommit_Success(t *testing.T) {
	h := newHarness(t, people(4, 3), core.CommitOptions{})
	s := h.stage(t)

	before := time.Now().UTC()
	res, err := h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	if err != nil {
		t.Fatal(err)
	}
	if res.ImportedRows != 3 || res.Status != core.StatusCommitted || res.ImportID != s.ID {
		t.Errorf("result = %+v", res)
	}
	if res.CreatedAt.Before(before) {
		t.Errorf("CreatedAt %v is before the commit started", res.CreatedAt)
	}

	h.rec.mu.Lock()
	persisted := h.rec.rows
	h.rec.mu.Unlock()
	if len(persisted) != 3 || persisted[2].Number != 4 {
		t.Errorf("persisted rows = %+v", persisted)
	}

	cur := h.status(t, s.ID)
	if cur.Status != core.StatusCommitted || cur.CommittedRows != 3 || cur.CommittedAt == nil {
		t.Errorf("session after commit = %+v", cur)
	}
	if h.locks.Held(core.DefaultLockNamespace, s.ID) {
		t.Error("lock still held after commit")
	}
}

func TestCommit_IsTerminal(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{})
	s := h.stage(t)
	req := core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum}

	if _, err := h.svc.Commit(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, err := h.svc.Commit(context.Background(), req)
	wantCode(t, err, core.CodeInvalidState)
	if n := h.rec.calls.Load(); n != 1 {
		t.Errorf("persist called %d times, want 1", n)
	}
}

func TestCommit_ChecksumMismatch(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{})
	s := h.stage(t)

	_, err := h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: "0" + s.Checksum[1:]})
	wantCode(t, err, core.CodeChecksumMismatch)
	if h.rec.calls.Load() != 0 {
		t.Error("persist called despite checksum mismatch")
	}
	if st := h.status(t, s.ID).Status; st != core.StatusValidated {
		t.Errorf("status = %s, want validated", st)
	}
}

func TestCommit_TamperedArtifact(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	staged, _ := core.EncodeRows(people(2))
	claimed, _ := core.EncodeRows(people(3))
	sum := core.ComputeChecksum(claimed)

	for _, k := range []core.ArtifactKind{core.KindAll, core.KindValid} {
		if err := store.PutArtifact(ctx, "imp", k, staged); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateSession(ctx, &core.ImportSession{ID: "imp", TotalRows: 2, ValidRows: 2, Checksum: sum, Status: core.StatusStaged}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(ctx, "imp", core.StatusStaged, core.StatusValidated, core.Outcome{}); err != nil {
		t.Fatal(err)
	}

	locks := lock.NewMemory()
	rec := &recorder{}
	c := core.NewCoordinator(core.NewStager(store, discard), locks, core.CommitOptions{}, discard)
	_, err := c.Commit(ctx, core.CommitRequest{ImportID: "imp", Checksum: sum}, rec.persist)
	wantCode(t, err, core.CodeChecksumMismatch)

	if rec.calls.Load() != 0 {
		t.Error("persist called with tampered data")
	}
	s, _ := store.GetSession(ctx, "imp")
	if s.Status != core.StatusValidated {
		t.Errorf("status = %s, want validated", s.Status)
	}
	if locks.Held(core.DefaultLockNamespace, "imp") {
		t.Error("lock still held")
	}
}

func TestCommit_ConstraintViolation(t *testing.T) {
	h := newHarness(t, people(4), core.CommitOptions{})
	h.rec.err = &pgconn.PgError{
		Code:           "23505",
		Message:        `duplicate key value violates unique constraint "users_email_key"`,
		Detail:         "Key (email)=(user3@example.com) already exists.",
		ConstraintName: "users_email_key",
	}
	s := h.stage(t)

	_, err := h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	e := wantCode(t, err, core.CodeConstraintViolation)
	if e.Conflict == nil || fmt.Sprint(e.Conflict.Columns) != "[email]" || e.Conflict.ConstraintName != "users_email_key" {
		t.Errorf("conflict = %+v", e.Conflict)
	}
	if fmt.Sprint(e.RowNumbers) != "[3]" {
		t.Errorf("row numbers = %v, want [3]", e.RowNumbers)
	}
	if strings.Contains(e.Message, "SQLSTATE") || strings.Contains(e.Message, "violates") {
		t.Errorf("message leaks driver text: %q", e.Message)
	}

	cur := h.status(t, s.ID)
	if cur.Status != core.StatusFailed || cur.FailureCode != core.CodeConstraintViolation || cur.FailedAt == nil {
		t.Errorf("session after failure = %+v", cur)
	}
	if h.locks.Held(core.DefaultLockNamespace, s.ID) {
		t.Error("lock still held after failure")
	}

	_, err = h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	wantCode(t, err, core.CodeInvalidState)
}

func TestCommit_ConflictColumnMapping(t *testing.T) {
	h := newHarness(t, people(3), core.CommitOptions{
		FieldForColumn: func(c string) string {
			if c == "email_address" {
				return "email"
			}
			return ""
		},
	})
	h.rec.err = errors.New(`duplicate key value violates unique constraint "people_email_address_key": Key (email_address)=(user2@example.com) already exists.`)
	s := h.stage(t)

	_, err := h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	e := wantCode(t, err, core.CodeConstraintViolation)
	if fmt.Sprint(e.RowNumbers) != "[2]" {
		t.Errorf("row numbers = %v, want [2]", e.RowNumbers)
	}
}

func TestCommit_PersistenceFailure(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{})
	h.rec.err = errors.New("write tcp: connection reset by peer")
	s := h.stage(t)

	_, err := h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	e := wantCode(t, err, core.CodePersistenceFailure)
	if strings.Contains(e.Message, "connection reset") {
		t.Errorf("message leaks driver text: %q", e.Message)
	}
	if cur := h.status(t, s.ID); cur.Status != core.StatusFailed || cur.FailureCode != core.CodePersistenceFailure {
		t.Errorf("session after failure = %+v", cur)
	}
}

func TestCommit_PersistPanic(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{})
	h.rec.panic = true
	s := h.stage(t)

	_, err := h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	wantCode(t, err, core.CodePersistenceFailure)
	if cur := h.status(t, s.ID); cur.Status != core.StatusFailed {
		t.Errorf("status = %s, want failed", cur.Status)
	}
	if h.locks.Held(core.DefaultLockNamespace, s.ID) {
		t.Error("lock still held after panic")
	}
}

func TestCommit_LockConflict(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{LockWait: 20 * time.Millisecond})
	s := h.stage(t)

	held, err := h.locks.Acquire(context.Background(), core.DefaultLockNamespace, s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(context.Background())

	_, err = h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	wantCode(t, err, core.CodeLockConflict)
	if h.rec.calls.Load() != 0 {
		t.Error("persist called without the lock")
	}
	if st := h.status(t, s.ID).Status; st != core.StatusValidated {
		t.Errorf("status = %s, want validated", st)
	}
}

func TestCommit_ConcurrentCommitsPersistOnce(t *testing.T) {
	h := newHarness(t, people(5), core.CommitOptions{LockWait: 2 * time.Second})
	h.rec.delay = 30 * time.Millisecond
	s := h.stage(t)
	req := core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum}

	const n = 8
	var wg sync.WaitGroup
	var ok atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Commit(context.Background(), req); err != nil {
				errs <- err
				return
			}
			ok.Add(1)
		}()
	}
	wg.Wait()
	close(errs)

	if ok.Load() != 1 {
		t.Errorf("%d commits succeeded, want 1", ok.Load())
	}
	if h.rec.calls.Load() != 1 {
		t.Errorf("persist called %d times, want 1", h.rec.calls.Load())
	}
	for err := range errs {
		if c := core.CodeOf(err); c != core.CodeInvalidState && c != core.CodeLockConflict {
			t.Errorf("loser got %v", err)
		}
	}
}

func TestCommit_BlockOnErrors(t *testing.T) {
	h := newHarness(t, people(3, 2), core.CommitOptions{BlockOnErrors: true})
	s := h.stage(t)

	_, err := h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	wantCode(t, err, core.CodeInvalidState)
	if h.rec.calls.Load() != 0 {
		t.Error("persist called for a blocked import")
	}
}

func TestCommit_NothingToCommit(t *testing.T) {
	h := newHarness(t, people(2, 1, 2), core.CommitOptions{})
	s := h.stage(t)

	_, err := h.svc.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	wantCode(t, err, core.CodeInvalidState)
	if st := h.status(t, s.ID).Status; st != core.StatusValidated {
		t.Errorf("status = %s, want validated", st)
	}
}

func TestCommit_CancelledClientStillRecordsOutcome(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{})
	s := h.stage(t)

	ctx, cancel := context.WithCancel(context.Background())
	persist := func(_ context.Context, rows []core.Row, _ bool) (int, error) {
		cancel()
		return len(rows), nil
	}
	c := core.NewCoordinator(core.NewStager(h.store, discard), h.locks, core.CommitOptions{}, discard)
	if _, err := c.Commit(ctx, core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum}, persist); err != nil {
		t.Fatal(err)
	}
	if st := h.status(t, s.ID).Status; st != core.StatusCommitted {
		t.Errorf("status = %s, want committed", st)
	}
	if h.locks.Held(core.DefaultLockNamespace, s.ID) {
		t.Error("lock still held")
	}
}

func TestCommit_CancelledWhileWaitingForLock(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{LockWait: 5 * time.Second})
	s := h.stage(t)

	held, err := h.locks.Acquire(context.Background(), core.DefaultLockNamespace, s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.svc.Commit(ctx, core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum})
	wantCode(t, err, core.CodeLockConflict)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error %v does not wrap the context error", err)
	}
	if h.rec.calls.Load() != 0 {
		t.Error("persist called without the lock")
	}
}

// flakyStore fails the first failures COMMITTED transitions.
type flakyStore struct {
	*memstore.Store
	failures int32
	attempts atomic.Int32
}

func (s *flakyStore) Transition(ctx context.Context, id string, from, to core.Status, o core.Outcome) (*core.ImportSession, error) {
	if to == core.StatusCommitted && s.attempts.Add(1) <= s.failures {
		return nil, errors.New("disk full")
	}
	return s.Store.Transition(ctx, id, from, to, o)
}

func TestCommit_RecordCommittedRetries(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{})
	s := h.stage(t)
	store := &flakyStore{Store: h.store, failures: 2}

	c := core.NewCoordinator(core.NewStager(store, discard), h.locks, core.CommitOptions{}, discard)
	if _, err := c.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum}, h.rec.persist); err != nil {
		t.Fatal(err)
	}
	if st := h.status(t, s.ID).Status; st != core.StatusCommitted {
		t.Errorf("status = %s, want committed", st)
	}
	if got := store.attempts.Load(); got != 3 {
		t.Errorf("transition attempts = %d, want 3", got)
	}
}

func TestCommit_UnrecordedOutcomeIsPersistenceFailure(t *testing.T) {
	h := newHarness(t, people(2), core.CommitOptions{})
	s := h.stage(t)
	store := &flakyStore{Store: h.store, failures: 100}

	c := core.NewCoordinator(core.NewStager(store, discard), h.locks, core.CommitOptions{}, discard)
	_, err := c.Commit(context.Background(), core.CommitRequest{ImportID: s.ID, Checksum: s.Checksum}, h.rec.persist)
	wantCode(t, err, core.CodePersistenceFailure)
	if h.rec.calls.Load() != 1 {
		t.Errorf("persist calls = %d, want 1", h.rec.calls.Load())
	}
	if h.locks.Held(core.DefaultLockNamespace, s.ID) {
		t.Error("lock still held")
	}
}

// deadlineParser records the deadline of the context it is called with.
type deadlineParser struct {
	deadline time.Time
	ok       bool
}

func (p *deadlineParser) Parse(ctx context.Context, _ string, _ io.Reader) ([]core.Row, error) {
	p.deadline, p.ok = ctx.Deadline()
	return people(1), nil
}

func TestStage_UsesConfiguredTimeout(t *testing.T) {
	for _, tt := range []struct {
		timeout, want time.Duration
	}{
		{time.Minute, time.Minute},
		{0, core.DefaultStageTimeout},
	} {
		p := &deadlineParser{}
		svc, err := core.NewService(core.ServiceConfig{
			Parser:       p,
			Validator:    emailValidator{},
			Store:        memstore.New(),
			Locker:       lock.NewMemory(),
			StageTimeout: tt.timeout,
			Logger:       discard,
		})
		if err != nil {
			t.Fatal(err)
		}
		start := time.Now()
		if _, err := svc.Stage(context.Background(), "people.csv", strings.NewReader(""), false); err != nil {
			t.Fatal(err)
		}
		if !p.ok {
			t.Fatal("parse context has no deadline")
		}
		if got := p.deadline.Sub(start); got < tt.want-time.Second || got > tt.want+time.Second {
			t.Errorf("timeout %v: deadline in %v, want about %v", tt.timeout, got, tt.want)
		}
	}
}

func TestNewService_MissingDependencies(t *testing.T) {
	base := core.ServiceConfig{
		Parser:    stubParser{},
		Validator: emailValidator{},
		Store:     memstore.New(),
		Locker:    lock.NewMemory(),
	}
	tests := []struct {
		name  string
		patch func(*core.ServiceConfig)
	}{
		{"parser", func(c *core.ServiceConfig) { c.Parser = nil }},
		{"validator", func(c *core.ServiceConfig) { c.Validator = nil }},
		{"store", func(c *core.ServiceConfig) { c.Store = nil }},
		{"locker", func(c *core.ServiceConfig) { c.Locker = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.patch(&cfg)
			_, err := core.NewService(cfg)
			wantCode(t, err, core.CodeMissingDependency)
		})
	}

	// Persist is optional until a commit needs it.
	svc, err := core.NewService(base)
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.Stage(context.Background(), "f.csv", strings.NewReader(""), false)
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Commit(context.Background(), core.CommitRequest{ImportID: res.Session.ID, Checksum: res.Session.Checksum})
	wantCode(t, err, core.CodeMissingDependency)
}
