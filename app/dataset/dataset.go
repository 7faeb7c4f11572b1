// Package dataset reads labeled samples from csv files. The first line of a file is a header and
// skipped, every other line is "text,label" where label is 0 for ham and 1 for spam.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/text/encoding/charmap"

	"github.com/umputun/trie-spam/lib"
	"github.com/umputun/trie-spam/lib/trie"
)

// Encoding of the input file
type Encoding string

// enum of supported encodings
const (
	UTF8   Encoding = "utf8"
	Latin1 Encoding = "latin1"
)

// Validate checks if the encoding is supported
func (e Encoding) Validate() error {
	switch e {
	case UTF8, Latin1, "":
		return nil
	}
	return fmt.Errorf("unsupported encoding %q", e)
}

// Reader reads samples from a csv stream
type Reader struct {
	csv *csv.Reader
}

// NewReader makes a Reader for the stream in the given encoding, empty encoding means utf8
func NewReader(r io.Reader, enc Encoding) (*Reader, error) {
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	if enc == Latin1 {
		r = charmap.ISO8859_1.NewDecoder().Reader(r)
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // checked per row, with a better error
	cr.LazyQuotes = true
	cr.ReuseRecord = true
	return &Reader{csv: cr}, nil
}

// Record is a row of a test file, Labeled is false if the row has no valid label
type Record struct {
	Text    string
	Class   trie.Class
	Labeled bool
}

// Samples returns an iterator over samples. The header is skipped, empty lines are ignored.
// A malformed row yields an error and stops the iteration.
func (r *Reader) Samples() iter.Seq2[lib.Sample, error] {
	return readRows(r, parseRow)
}

// Records returns an iterator over rows with optional labels. A row with an empty label is
// unlabeled text without the label field, a row with any other label than 0 or 1 is unlabeled
// text of the whole row. Only csv errors stop the iteration.
func (r *Reader) Records() iter.Seq2[Record, error] {
	return readRows(r, func(rec []string) (Record, error) { return parseRecord(rec), nil })
}

func readRows[T any](r *Reader, parse func(rec []string) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var empty T
		header := true
		for {
			rec, err := r.csv.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(empty, fmt.Errorf("can't read csv: %w", err))
				return
			}
			if header {
				header = false
				continue
			}
			line, _ := r.csv.FieldPos(0)
			v, err := parse(rec)
			if err != nil {
				yield(empty, fmt.Errorf("line %d: %w", line, err))
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// ReadAll reads all samples from the stream
func (r *Reader) ReadAll() ([]lib.Sample, error) {
	res := []lib.Sample{}
	for s, err := range r.Samples() {
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

// ReadFiles reads samples from all files. Failed files don't stop reading of others,
// their errors are collected and returned together with samples of good files.
func ReadFiles(enc Encoding, paths ...string) ([]lib.Sample, error) {
	res := []lib.Sample{}
	errs := new(multierror.Error)
	for _, path := range paths {
		samples, err := readFile(path, enc)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		res = append(res, samples...)
	}
	return res, errs.ErrorOrNil()
}

func readFile(path string, enc Encoding) ([]lib.Sample, error) {
	fh, err := os.Open(path) //nolint:gosec // path is controlled by the app
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer fh.Close()

	rd, err := NewReader(fh, enc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	samples, err := rd.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return samples, nil
}

func parseRow(rec []string) (lib.Sample, error) {
	if len(rec) < 2 {
		return lib.Sample{}, fmt.Errorf("expected text and label, got %d fields", len(rec))
	}
	label := strings.TrimSpace(rec[len(rec)-1])
	// unquoted commas in the text split it into several fields, the label is always the last one
	text := strings.Join(rec[:len(rec)-1], ",")
	switch label {
	case "0":
		return lib.Sample{Text: text, Class: trie.Ham}, nil
	case "1":
		return lib.Sample{Text: text, Class: trie.Spam}, nil
	}
	return lib.Sample{}, fmt.Errorf("invalid label %q, expected 0 or 1", label)
}

func parseRecord(rec []string) Record {
	s, err := parseRow(rec)
	if err == nil {
		return Record{Text: s.Text, Class: s.Class, Labeled: true}
	}
	if len(rec) > 1 && strings.TrimSpace(rec[len(rec)-1]) == "" {
		return Record{Text: strings.Join(rec[:len(rec)-1], ",")}
	}
	return Record{Text: strings.Join(rec, ",")}
}
