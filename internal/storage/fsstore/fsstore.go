// Package fsstore is a core.Store on the local filesystem.
//
// Each import gets one directory under the root:
//
//	<root>/<import_id>/session.json
//	<root>/<import_id>/all.jsonl.zst
//	<root>/<import_id>/valid.jsonl.zst
//	<root>/<import_id>/errors.jsonl.zst
//
// Artifacts are zstd-compressed and written to a temp file that is renamed
// into place, so readers never see a partial artifact.
package fsstore

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/JonMunkholm/stagedimport/internal/core"
)

const (
	sessionFile = "session.json"
	artifactExt = ".jsonl.zst"
	dirPerm     = 0o750
	filePerm    = 0o640
	tempPrefix  = ".tmp-"
)

// Store keeps imports under a root directory. One process owns a root; the
// mutex makes Transition a compare-and-set within that process.
type Store struct {
	root string
	mu   sync.Mutex
}

var _ core.Store = (*Store)(nil)

// New creates the root directory if needed and returns a store over it.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("fsstore: root directory is required")
	}
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "create staging root %s", root)
	}
	return &Store{root: root}, nil
}

// Root returns the directory the store writes under.
func (s *Store) Root() string { return s.root }

// validID rejects ids that would escape the root or name it.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id
}

func (s *Store) dir(id string) string { return filepath.Join(s.root, id) }

func (s *Store) sessionPath(id string) string { return filepath.Join(s.dir(id), sessionFile) }

func (s *Store) artifactPath(id string, kind core.ArtifactKind) string {
	return filepath.Join(s.dir(id), string(kind)+artifactExt)
}

// CreateSession implements core.Store.
func (s *Store) CreateSession(_ context.Context, sess *core.ImportSession) error {
	if !validID(sess.ID) {
		return errors.Newf("fsstore: invalid import id %q", sess.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.sessionPath(sess.ID)); err == nil {
		return errors.Wrapf(core.ErrSessionExists, "session %s", sess.ID)
	}
	if err := os.MkdirAll(s.dir(sess.ID), dirPerm); err != nil {
		return errors.Wrapf(err, "create directory for %s", sess.ID)
	}
	return s.writeSession(sess)
}

// GetSession implements core.Store.
func (s *Store) GetSession(_ context.Context, id string) (*core.ImportSession, error) {
	if !validID(id) {
		return nil, errors.Wrapf(core.ErrSessionNotFound, "session %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSession(id)
}

// Transition implements core.Store.
func (s *Store) Transition(_ context.Context, id string, from, to core.Status, o core.Outcome) (*core.ImportSession, error) {
	if !core.CanTransition(from, to) {
		return nil, errors.Newf("illegal transition %s -> %s", from, to)
	}
	if !validID(id) {
		return nil, errors.Wrapf(core.ErrSessionNotFound, "session %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.readSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != from {
		return nil, errors.Wrapf(core.ErrStaleStatus, "session %s is %s, not %s", id, sess.Status, from)
	}
	o.Apply(sess, to)
	if err := s.writeSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// PutArtifact implements core.Store.
func (s *Store) PutArtifact(_ context.Context, id string, kind core.ArtifactKind, data []byte) error {
	if !validID(id) {
		return errors.Newf("fsstore: invalid import id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.artifactPath(id, kind)
	if _, err := os.Stat(path); err == nil {
		return errors.Wrapf(core.ErrArtifactExists, "%s artifact of %s", kind, id)
	}
	if err := os.MkdirAll(s.dir(id), dirPerm); err != nil {
		return errors.Wrapf(err, "create directory for %s", id)
	}
	return writeAtomic(path, func(w io.Writer) error {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return errors.Wrap(err, "create zstd writer")
		}
		if _, err := zw.Write(data); err != nil {
			_ = zw.Close()
			return errors.Wrap(err, "compress artifact")
		}
		return errors.Wrap(zw.Close(), "flush artifact")
	})
}

// OpenArtifact implements core.Store. The returned reader decompresses on
// the fly; closing it closes the file.
func (s *Store) OpenArtifact(_ context.Context, id string, kind core.ArtifactKind) (io.ReadCloser, error) {
	if !validID(id) {
		return nil, errors.Wrapf(core.ErrArtifactNotFound, "%s artifact of %q", kind, id)
	}
	f, err := os.Open(s.artifactPath(id, kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(core.ErrArtifactNotFound, "%s artifact of %s", kind, id)
		}
		return nil, errors.Wrapf(err, "open %s artifact of %s", kind, id)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "create zstd reader")
	}
	return &artifactReader{zr: zr, f: f}, nil
}

// Delete removes an import directory.
func (s *Store) Delete(id string) error {
	if !validID(id) {
		return errors.Newf("fsstore: invalid import id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrapf(os.RemoveAll(s.dir(id)), "delete %s", id)
}

func (s *Store) readSession(id string) (*core.ImportSession, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(core.ErrSessionNotFound, "session %s", id)
		}
		return nil, errors.Wrapf(err, "read session %s", id)
	}
	var sess core.ImportSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, errors.Wrapf(err, "decode session %s", id)
	}
	return &sess, nil
}

func (s *Store) writeSession(sess *core.ImportSession) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode session %s", sess.ID)
	}
	return writeAtomic(s.sessionPath(sess.ID), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// writeAtomic writes through fill into a temp file beside path and renames
// it over path once fill and fsync succeed.
func writeAtomic(path string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrapf(err, "sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "close %s", path)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return errors.Wrapf(err, "chmod %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return errors.Wrapf(err, "rename into %s", path)
	}
	return nil
}

type artifactReader struct {
	zr *zstd.Decoder
	f  *os.File
}

func (r *artifactReader) Read(p []byte) (int, error) { return r.zr.Read(p) }

func (r *artifactReader) Close() error {
	r.zr.Close()
	return r.f.Close()
}
