// Package views renders the HTML pages of the import preview.
package views

import (
	"context"
	"io"
	"sort"
	"strconv"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/stagedimport/internal/core"
)

// PreviewData is everything the preview page shows.
type PreviewData struct {
	Session *core.ImportSession
	Page    *core.Page
	Columns []string // field order; derived from the rows when empty
	PrevURL string   // empty on the first page
	NextURL string   // empty on the last page
}

// htmlWriter stops writing after the first error.
type htmlWriter struct {
	w   io.Writer
	err error
}

func (h *htmlWriter) raw(s string) {
	if h.err != nil {
		return
	}
	_, h.err = io.WriteString(h.w, s)
}

func (h *htmlWriter) text(s string) {
	h.raw(templ.EscapeString(s))
}

func (h *htmlWriter) open(title string) {
	h.raw("<!DOCTYPE html><html lang=\"en\"><head><meta charset=\"utf-8\"><title>")
	h.text(title)
	h.raw("</title></head><body><main>")
}

func (h *htmlWriter) close() {
	h.raw("</main></body></html>")
}

// ErrorAlert renders an inline error message.
func ErrorAlert(message, action, code string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		h := &htmlWriter{w: w}
		h.raw(`<div class="alert alert-error" role="alert"><p>`)
		h.text(message)
		h.raw("</p>")
		if action != "" {
			h.raw(`<p class="alert-action">`)
			h.text(action)
			h.raw("</p>")
		}
		if code != "" {
			h.raw(`<p class="alert-code">Error code: `)
			h.text(code)
			h.raw("</p>")
		}
		h.raw("</div>")
		return h.err
	})
}

// ErrorPage wraps ErrorAlert in a full document.
func ErrorPage(message, action, code string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		h := &htmlWriter{w: w}
		h.open("Import error")
		if h.err != nil {
			return h.err
		}
		if err := ErrorAlert(message, action, code).Render(ctx, w); err != nil {
			return err
		}
		h.close()
		return h.err
	})
}

// PreviewPage renders one page of staged rows with paging links.
func PreviewPage(d PreviewData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		h := &htmlWriter{w: w}
		h.open("Import " + d.Session.ID)

		h.raw("<h1>Import ")
		h.text(d.Session.ID)
		h.raw("</h1>")
		summary(h, d.Session)

		cols := d.Columns
		if len(cols) == 0 {
			cols = columnsOf(d.Page.Rows)
		}

		h.raw(`<table class="preview"><thead><tr><th>Row</th>`)
		for _, c := range cols {
			h.raw("<th>")
			h.text(c)
			h.raw("</th>")
		}
		h.raw("</tr></thead><tbody>")
		if len(d.Page.Rows) == 0 {
			h.raw(`<tr><td colspan="`)
			h.raw(strconv.Itoa(len(cols) + 1))
			h.raw(`">No rows on this page</td></tr>`)
		}
		for _, row := range d.Page.Rows {
			h.raw("<tr><td>")
			h.raw(strconv.Itoa(row.Number))
			h.raw("</td>")
			for _, c := range cols {
				h.raw("<td>")
				h.text(row.Data[c])
				h.raw("</td>")
			}
			h.raw("</tr>")
		}
		h.raw("</tbody></table>")

		h.raw(`<nav class="pager"><span>Page `)
		h.raw(strconv.Itoa(d.Page.Page))
		h.raw(" of ")
		h.raw(strconv.Itoa(pageCount(d.Page)))
		h.raw("</span>")
		if d.PrevURL != "" {
			h.raw(` <a rel="prev" href="`)
			h.text(string(templ.URL(d.PrevURL)))
			h.raw(`">Previous</a>`)
		}
		if d.NextURL != "" {
			h.raw(` <a rel="next" href="`)
			h.text(string(templ.URL(d.NextURL)))
			h.raw(`">Next</a>`)
		}
		h.raw("</nav>")

		h.close()
		return h.err
	})
}

func summary(h *htmlWriter, s *core.ImportSession) {
	h.raw(`<dl class="summary">`)
	item := func(label, value string) {
		h.raw("<dt>")
		h.text(label)
		h.raw("</dt><dd>")
		h.text(value)
		h.raw("</dd>")
	}
	if s.FileName != "" {
		item("File", s.FileName)
	}
	item("Status", string(s.Status))
	item("Total rows", strconv.Itoa(s.TotalRows))
	item("Valid rows", strconv.Itoa(s.ValidRows))
	item("Rows with errors", strconv.Itoa(s.ErrorRows))
	h.raw("</dl>")
}

// pageCount is at least 1 so an empty import still shows "Page 1 of 1".
func pageCount(p *core.Page) int {
	if p.PageSize < 1 || p.TotalRows == 0 {
		return 1
	}
	return (p.TotalRows + p.PageSize - 1) / p.PageSize
}

func columnsOf(rows []core.Row) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range rows {
		for k := range r.Data {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
