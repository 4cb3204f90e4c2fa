package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/logging"
	"github.com/JonMunkholm/stagedimport/internal/web/views"
)

// UploadResponse is returned by POST /api/imports.
type UploadResponse struct {
	ImportID        string          `json:"import_id"`
	Checksum        string          `json:"checksum"`
	Status          core.Status     `json:"status"`
	TotalRows       int             `json:"total_rows"`
	ValidRows       int             `json:"valid_rows"`
	ErrorRows       int             `json:"error_rows"`
	Errors          []core.RowError `json:"errors"`
	ErrorsTruncated bool            `json:"errors_truncated"`
}

// commitBody is the JSON body of POST /api/imports/{importID}/commit.
type commitBody struct {
	Checksum       string `json:"checksum"`
	AllowOverwrite bool   `json:"allow_overwrite"`
}

// handleUpload parses, validates and stages an uploaded file.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, core.InvalidArgument("file", "file exceeds the %d byte limit", s.opts.MaxUploadSize))
			return
		}
		s.respondError(w, r, core.InvalidArgument("file", "invalid multipart form: %v", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, core.InvalidArgument("file", "no file provided"))
		return
	}
	defer file.Close()

	allowOverwrite, err := parseBoolParam(r.FormValue("allow_overwrite"))
	if err != nil {
		s.respondError(w, r, core.InvalidArgument("allow_overwrite", "allow_overwrite must be true or false"))
		return
	}

	res, err := s.service.Stage(withClient(r), header.Filename, file, allowOverwrite)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	sess := res.Session
	resp := UploadResponse{
		ImportID:  sess.ID,
		Checksum:  sess.Checksum,
		Status:    sess.Status,
		TotalRows: sess.TotalRows,
		ValidRows: sess.ValidRows,
		ErrorRows: sess.ErrorRows,
		Errors:    res.Errors,
	}
	limit := s.opts.ResponseErrorLimit
	if limit < 0 {
		limit = 0
	}
	if len(resp.Errors) > limit {
		resp.Errors = resp.Errors[:limit]
		resp.ErrorsTruncated = true
	}
	if resp.Errors == nil {
		resp.Errors = []core.RowError{}
	}

	logging.ForImport(r.Context(), sess.ID).Info("upload staged",
		"file", header.Filename,
		"size", header.Size,
		"error_rows", sess.ErrorRows,
	)
	writeJSON(w, http.StatusCreated, resp)
}

// handleSession returns the metadata of an import.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.Session(r.Context(), chi.URLParam(r, "importID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handlePreview returns one page of a staged artifact.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	req, err := previewRequest(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	page, err := s.service.Preview(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleErrors returns every row error of an import.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "importID")
	rowErrs, err := s.service.Errors(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if rowErrs == nil {
		rowErrs = []core.RowError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"import_id": id,
		"errors":    rowErrs,
	})
}

// handleCommit persists the valid rows of an import.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var body commitBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		s.respondError(w, r, core.InvalidArgument("body", "invalid commit request: %v", err))
		return
	}

	res, err := s.service.Commit(withClient(r), core.CommitRequest{
		ImportID:       chi.URLParam(r, "importID"),
		Checksum:       body.Checksum,
		AllowOverwrite: body.AllowOverwrite,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePreviewPage renders the HTML preview of an import.
func (s *Server) handlePreviewPage(w http.ResponseWriter, r *http.Request) {
	req, err := previewRequest(r)
	if err != nil {
		s.respondErrorHTML(w, r, err)
		return
	}
	page, err := s.service.Preview(r.Context(), req)
	if err != nil {
		s.respondErrorHTML(w, r, err)
		return
	}
	sess, err := s.service.Session(r.Context(), req.ImportID)
	if err != nil {
		s.respondErrorHTML(w, r, err)
		return
	}

	data := views.PreviewData{
		Session: sess,
		Page:    page,
		Columns: s.opts.Columns,
	}
	if page.Page > 1 {
		data.PrevURL = pageURL(r, page.Page-1)
	}
	if page.Page*page.PageSize < page.TotalRows {
		data.NextURL = pageURL(r, page.Page+1)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.PreviewPage(data).Render(r.Context(), w); err != nil {
		logging.FromContext(r.Context()).Error("render preview page", "error", err)
	}
}

// handleHealth reports stage capacity and, when available, session counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"stages": s.service.Limiter().Status(),
	}
	if s.opts.Stats != nil {
		counts, err := s.opts.Stats.CountByStatus(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).Error("count sessions", "error", err)
			resp["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["sessions"] = counts
	}
	writeJSON(w, http.StatusOK, resp)
}

// previewRequest reads the preview parameters. Absent values take the
// defaults; malformed values are rejected rather than replaced.
func previewRequest(r *http.Request) (core.PreviewRequest, error) {
	q := r.URL.Query()
	req := core.PreviewRequest{
		ImportID: chi.URLParam(r, "importID"),
		Checksum: q.Get("checksum"),
		Kind:     core.KindAll,
	}
	if k := q.Get("kind"); k != "" {
		req.Kind = core.ArtifactKind(strings.ToLower(k))
	}

	var err error
	if req.Page, err = parseIntParam(q, "page", 1); err != nil {
		return req, err
	}
	if req.PageSize, err = parseIntParam(q, "page_size", core.DefaultPageSize); err != nil {
		return req, err
	}
	return req, nil
}

// parseIntParam parses an integer query parameter with a default value.
// Range checks are left to the service.
func parseIntParam(q url.Values, name string, defaultVal int) (int, error) {
	val := strings.TrimSpace(q.Get(name))
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, core.InvalidArgument(name, "%s must be an integer, got %q", name, val)
	}
	return i, nil
}

func parseBoolParam(val string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "", "false", "0", "off", "no":
		return false, nil
	case "true", "1", "on", "yes":
		return true, nil
	}
	return false, errors.Newf("invalid boolean %q", val)
}

// withClient adds the caller's address and user agent to the request
// context. RemoteAddr has already been rewritten by chi's RealIP.
func withClient(r *http.Request) context.Context {
	return core.ContextWithClient(r.Context(), r.RemoteAddr, r.UserAgent())
}

func pageURL(r *http.Request, page int) string {
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	u := url.URL{Path: r.URL.Path, RawQuery: q.Encode()}
	return u.String()
}
