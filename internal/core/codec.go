package core

// codec.go defines the artifact serialization: JSON Lines, one record per
// line. encoding/json writes map keys in sorted order and escapes newlines
// inside strings, so identical rows always produce identical bytes and a
// record never spans lines. The checksum is taken over these bytes, so the
// format must not change within a deployment.

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
)

// encodeLines serializes items as JSON Lines.
func encodeLines[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	for i := range items {
		b, err := json.Marshal(items[i])
		if err != nil {
			return nil, errors.Wrapf(err, "encode record %d", i+1)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// EncodeRows serializes rows into artifact bytes.
func EncodeRows(rows []Row) ([]byte, error) {
	return encodeLines(rows)
}

// lineScanner walks a JSON Lines stream one record at a time without
// decoding records the caller skips.
type lineScanner struct {
	br   *bufio.Reader
	line []byte
	err  error
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next advances to the next non-empty line.
func (s *lineScanner) Next() bool {
	for s.err == nil {
		line, err := s.br.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				s.err = err
				return false
			}
			s.err = io.EOF
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			s.line = line
			return true
		}
	}
	return false
}

// Decode unmarshals the current line into v.
func (s *lineScanner) Decode(v any) error {
	return json.Unmarshal(s.line, v)
}

// Err returns the first read error other than io.EOF.
func (s *lineScanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

// decodeLines reads every record of a JSON Lines stream.
func decodeLines[T any](r io.Reader) ([]T, error) {
	sc := newLineScanner(r)
	var out []T
	for sc.Next() {
		var v T
		if err := sc.Decode(&v); err != nil {
			return nil, errors.Wrapf(err, "decode record %d", len(out)+1)
		}
		out = append(out, v)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read artifact")
	}
	return out, nil
}

// DecodeRows reads every row of an artifact.
func DecodeRows(r io.Reader) ([]Row, error) {
	return decodeLines[Row](r)
}
