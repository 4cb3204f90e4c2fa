// Package storetest holds the behaviour every core.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/stagedimport/internal/core"
)

// Run exercises a backend created fresh by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) core.Store) {
	t.Run("session round trip", func(t *testing.T) { sessionRoundTrip(t, newStore(t)) })
	t.Run("duplicate session", func(t *testing.T) { duplicateSession(t, newStore(t)) })
	t.Run("unknown session", func(t *testing.T) { unknownSession(t, newStore(t)) })
	t.Run("transition compare and set", func(t *testing.T) { transitionCAS(t, newStore(t)) })
	t.Run("transition records outcome", func(t *testing.T) { transitionOutcome(t, newStore(t)) })
	t.Run("concurrent transitions", func(t *testing.T) { concurrentTransitions(t, newStore(t)) })
	t.Run("artifacts are write once", func(t *testing.T) { artifactsWriteOnce(t, newStore(t)) })
	t.Run("missing artifact", func(t *testing.T) { missingArtifact(t, newStore(t)) })
}

func newSession() *core.ImportSession {
	return &core.ImportSession{
		ID:        uuid.NewString(),
		FileName:  "people.csv",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		TotalRows: 3,
		ValidRows: 2,
		ErrorRows: 1,
		Checksum:  "abc123",
		Status:    core.StatusStaged,
	}
}

func sessionRoundTrip(t *testing.T, s core.Store) {
	ctx := context.Background()
	want := newSession()
	require.NoError(t, s.CreateSession(ctx, want))

	got, err := s.GetSession(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.FileName, got.FileName)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, want.TotalRows, got.TotalRows)
	assert.Equal(t, want.ValidRows, got.ValidRows)
	assert.Equal(t, want.ErrorRows, got.ErrorRows)
	assert.Equal(t, want.Checksum, got.Checksum)
	assert.Equal(t, core.StatusStaged, got.Status)

	// Callers get their own copy.
	got.Status = core.StatusCommitted
	again, err := s.GetSession(ctx, want.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStaged, again.Status)
}

func duplicateSession(t *testing.T, s core.Store) {
	ctx := context.Background()
	sess := newSession()
	require.NoError(t, s.CreateSession(ctx, sess))
	err := s.CreateSession(ctx, sess)
	assert.True(t, errors.Is(err, core.ErrSessionExists), "got %v", err)
}

func unknownSession(t *testing.T, s core.Store) {
	ctx := context.Background()
	_, err := s.GetSession(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, core.ErrSessionNotFound), "got %v", err)

	_, err = s.Transition(ctx, uuid.NewString(), core.StatusStaged, core.StatusValidated, core.Outcome{})
	assert.True(t, errors.Is(err, core.ErrSessionNotFound), "got %v", err)
}

func transitionCAS(t *testing.T, s core.Store) {
	ctx := context.Background()
	sess := newSession()
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.Transition(ctx, sess.ID, core.StatusStaged, core.StatusValidated, core.Outcome{})
	require.NoError(t, err)
	assert.Equal(t, core.StatusValidated, got.Status)

	// Stale "from" is rejected and leaves the status alone.
	_, err = s.Transition(ctx, sess.ID, core.StatusStaged, core.StatusValidated, core.Outcome{})
	assert.True(t, errors.Is(err, core.ErrStaleStatus), "got %v", err)

	// Skipping VALIDATED or leaving a terminal state is never allowed.
	_, err = s.Transition(ctx, sess.ID, core.StatusCommitted, core.StatusFailed, core.Outcome{})
	assert.Error(t, err)

	cur, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusValidated, cur.Status)
}

func transitionOutcome(t *testing.T, s core.Store) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	ok := newSession()
	require.NoError(t, s.CreateSession(ctx, ok))
	_, err := s.Transition(ctx, ok.ID, core.StatusStaged, core.StatusValidated, core.Outcome{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, ok.ID, core.StatusValidated, core.StatusCommitted, core.Outcome{CommittedRows: 2, At: at})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCommitted, got.Status)
	assert.Equal(t, 2, got.CommittedRows)
	require.NotNil(t, got.CommittedAt)
	assert.True(t, at.Equal(*got.CommittedAt))

	bad := newSession()
	require.NoError(t, s.CreateSession(ctx, bad))
	_, err = s.Transition(ctx, bad.ID, core.StatusStaged, core.StatusValidated, core.Outcome{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, bad.ID, core.StatusValidated, core.StatusFailed, core.Outcome{At: at, FailureCode: core.CodeConstraintViolation})
	require.NoError(t, err)

	got, err = s.GetSession(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, got.Status)
	assert.Equal(t, core.CodeConstraintViolation, got.FailureCode)
	require.NotNil(t, got.FailedAt)
}

func concurrentTransitions(t *testing.T, s core.Store) {
	ctx := context.Background()
	sess := newSession()
	require.NoError(t, s.CreateSession(ctx, sess))
	_, err := s.Transition(ctx, sess.ID, core.StatusStaged, core.StatusValidated, core.Outcome{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, sess.ID, core.StatusValidated, core.StatusCommitted, core.Outcome{CommittedRows: 1, At: time.Now()})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func artifactsWriteOnce(t *testing.T, s core.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	data := []byte("{\"row_number\":1,\"data\":{\"email\":\"a@b.com\"}}\n")

	require.NoError(t, s.PutArtifact(ctx, id, core.KindValid, data))
	err := s.PutArtifact(ctx, id, core.KindValid, []byte("other"))
	assert.True(t, errors.Is(err, core.ErrArtifactExists), "got %v", err)

	// Mutating the caller's slice after the write does not change the artifact.
	data[0] = 'X'

	rc, err := s.OpenArtifact(ctx, id, core.KindValid)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "{\"row_number\":1,\"data\":{\"email\":\"a@b.com\"}}\n", string(got))

	require.NoError(t, s.PutArtifact(ctx, id, core.KindAll, nil))
	rc2, err := s.OpenArtifact(ctx, id, core.KindAll)
	require.NoError(t, err)
	defer rc2.Close()
	empty, err := io.ReadAll(rc2)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func missingArtifact(t *testing.T, s core.Store) {
	ctx := context.Background()
	id := uuid.NewString()
	_, err := s.OpenArtifact(ctx, id, core.KindAll)
	assert.True(t, errors.Is(err, core.ErrArtifactNotFound), "got %v", err)

	require.NoError(t, s.PutArtifact(ctx, id, core.KindAll, []byte("x\n")))
	_, err = s.OpenArtifact(ctx, id, core.KindValid)
	assert.True(t, errors.Is(err, core.ErrArtifactNotFound), "got %v", err)
}
