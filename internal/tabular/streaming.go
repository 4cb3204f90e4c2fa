package tabular

// streaming.go provides the readers an upload passes through before the CSV
// decoder sees it:
//
//   - sizeLimitReader: fails with errFileTooLarge once the byte limit is passed
//   - textReader: drops a leading UTF-8 BOM and replaces invalid UTF-8 with
//     U+FFFD
//
// Neither buffers more than a few bytes beyond what the caller asked for, so
// memory stays flat regardless of file size.

import (
	"bufio"
	"io"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

var errFileTooLarge = errors.New("file too large")

// sizeLimitReader counts bytes and fails once more than max have been read.
// A max of zero or less disables the limit.
type sizeLimitReader struct {
	r         io.Reader
	max       int64
	BytesRead int64
}

func (l *sizeLimitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.BytesRead += int64(n)
	if l.max > 0 && l.BytesRead > l.max {
		return 0, errFileTooLarge
	}
	return n, err
}

// textReader decodes runes from the underlying reader and re-encodes them,
// so every byte it returns is valid UTF-8.
type textReader struct {
	br      *bufio.Reader
	started bool
	pending []byte // encoded rune that did not fit the caller's buffer
}

func newTextReader(r io.Reader) *textReader {
	return &textReader{br: bufio.NewReader(r)}
}

func (t *textReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]

	var buf [utf8.UTFMax]byte
	for n < len(p) {
		r, _, err := t.br.ReadRune()
		if err != nil {
			if n > 0 && err == io.EOF {
				return n, nil
			}
			return n, err
		}
		if !t.started {
			t.started = true
			if r == '\uFEFF' {
				continue
			}
		}
		w := utf8.EncodeRune(buf[:], r)
		c := copy(p[n:], buf[:w])
		n += c
		if c < w {
			t.pending = append(t.pending[:0], buf[c:w]...)
			break
		}
	}
	return n, nil
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// surrounding whitespace, the Excel text-formula wrapper (="..."), a leading
// '=', and surrounding quotes.
func CleanCell(s string) string {
	if len(s) == 0 {
		return s
	}
	// Most cells are already clean.
	if s[0] != ' ' && s[0] != '\t' && s[0] != '=' && s[0] != '"' && s[0] != '\'' {
		last := s[len(s)-1]
		if last != ' ' && last != '\t' && last != '\r' && last != '"' && last != '\'' {
			return s
		}
	}
	s = trimSpace(s)
	if len(s) >= 3 && s[0] == '=' && s[1] == '"' && s[len(s)-1] == '"' {
		s = s[2 : len(s)-1]
	} else if len(s) > 0 && s[0] == '=' {
		s = s[1:]
	}
	return trimQuotes(trimSpace(s))
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

func trimQuotes(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == '"' || s[start] == '\'') {
		start++
	}
	for end > start && (s[end-1] == '"' || s[end-1] == '\'') {
		end--
	}
	return s[start:end]
}
