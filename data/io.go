package data

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/nasa-jpl/labauto/param"
)

const (
	commentsLabel   = "Comments:"
	parametersLabel = "Parameters:"

	// DefaultPrefix is the file name prefix UniqueFilename uses when given ""
	DefaultPrefix = "DATA"
)

// now is swapped out by tests
var now = time.Now

// Header is the text written before the rows: the comment block, the
// parameter block, and the line of field names.  Empty blocks are left out.
func (d *Data) Header() string {
	var b strings.Builder
	if len(d.comments) > 0 {
		d.commentLine(&b, commentsLabel)
		for _, c := range d.comments {
			d.commentLine(&b, c)
		}
	}
	if len(d.params) > 0 {
		d.commentLine(&b, parametersLabel)
		for _, p := range d.params {
			d.commentLine(&b, p.String())
		}
	}
	b.WriteString(strings.Join(d.schema.Names(), d.delimiter))
	b.WriteString(d.lineBreak)
	return b.String()
}

func (d *Data) commentLine(b *strings.Builder, text string) {
	b.WriteString(d.commentSymbol)
	b.WriteString(text)
	b.WriteString(d.lineBreak)
}

func (d *Data) formatRow(i int, formats []string) string {
	parts := make([]string, len(d.cols))
	for j := range d.cols {
		verb := ""
		if j < len(formats) {
			verb = formats[j]
		}
		parts[j] = d.cols[j].format(i, verb)
	}
	return strings.Join(parts, d.delimiter) + d.lineBreak
}

func (d *Data) write(w io.Writer, formats []string) (int64, error) {
	bw := bufio.NewWriter(w)
	var total int64
	n, err := bw.WriteString(d.Header())
	total += int64(n)
	if err != nil {
		return total, err
	}
	for i := 0; i < d.fill; i++ {
		n, err = bw.WriteString(d.formatRow(i, formats))
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, bw.Flush()
}

// WriteTo writes the header and the filled rows to w
func (d *Data) WriteTo(w io.Writer) (int64, error) {
	return d.write(w, nil)
}

// String is the same text WriteTo produces
func (d *Data) String() string {
	var buf bytes.Buffer
	d.write(&buf, nil)
	return buf.String()
}

// Save writes the header and the filled rows to filename, truncating it.
// formats holds an optional fmt verb per column, e.g. "%.6e"; missing or
// empty entries use the default formatting.
func (d *Data) Save(filename string, formats ...string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	_, err = d.write(f, formats)
	return err
}

// AutoSave makes every subsequent Append also append the row to filename.
// The header is written along with the first row.  "" disables auto-save.
func (d *Data) AutoSave(filename string) {
	d.autoSave = filename
}

// AutoSaveUnique is AutoSave with a name from UniqueFilename
func (d *Data) AutoSaveUnique(directory, prefix string) error {
	fn, err := UniqueFilename(directory, prefix)
	if err != nil {
		return err
	}
	d.AutoSave(fn)
	return nil
}

// AutoSaveFilename is the current auto-save target, or ""
func (d *Data) AutoSaveFilename() string {
	return d.autoSave
}

// autoSaveRow is called after the fill pointer has moved past the new row
func (d *Data) autoSaveRow() (err error) {
	if d.autoSave == "" {
		return nil
	}
	f, err := os.OpenFile(d.autoSave, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("auto-save: %w", err)
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	var b strings.Builder
	if d.fill == 1 {
		b.WriteString(d.Header())
	}
	b.WriteString(d.formatRow(d.fill-1, nil))
	if _, err = io.WriteString(f, b.String()); err != nil {
		return fmt.Errorf("auto-save: %w", err)
	}
	return nil
}

// UniqueFilename returns {directory}/{prefix}{YYYYMMDD}_{n}.csv for the
// smallest n >= 1 that does not exist yet.  Two callers racing on the same
// directory may receive the same name.
func UniqueFilename(directory, prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	date := now().Format("20060102")
	for n := 1; ; n++ {
		fn := filepath.Join(directory, fmt.Sprintf("%s%s_%d.csv", prefix, date, n))
		_, err := os.Stat(fn)
		if errors.Is(err, fs.ErrNotExist) {
			return fn, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// Load reads a file written by Save, see Read
func Load(filename string, fields Schema, opts ...Option) (*Data, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, fields, opts...)
}

type dataLine struct {
	no     int
	tokens []string
}

// Read parses the text format.  Comment lines before the header become
// comments, or parameters once a "Parameters:" label has been seen.  The first
// uncommented line is the header.  With fields == nil, the field names come
// from the header and the types are inferred from the first row; otherwise
// fields is the schema and the header is skipped.
//
// The result is full: Len and Cap both equal the number of rows read.  A file
// with a header and no rows produces Float fields and a zero-capacity Data.
func Read(r io.Reader, fields Schema, opts ...Option) (*Data, error) {
	o := collect(opts)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sc.Split(splitOn(o.lineBreak))

	var (
		comments []string
		params   []*param.Parameter
		inParams bool
		header   []string
		rows     []dataLine
		lineNo   int
	)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if o.lineBreak == "\n" {
			line = strings.TrimSuffix(line, "\r")
		}
		if strings.HasPrefix(line, o.commentSymbol) {
			if header != nil {
				continue
			}
			text := strings.TrimPrefix(line, o.commentSymbol)
			switch strings.TrimSpace(text) {
			case commentsLabel:
				continue
			case parametersLabel:
				inParams = true
				continue
			}
			if inParams {
				p, err := param.Parse(text)
				if err != nil {
					return nil, pkgerrors.Wrapf(err, "line %d", lineNo)
				}
				params = append(params, p)
			} else {
				comments = append(comments, text)
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		tokens := strings.Split(line, o.delimiter)
		if header == nil {
			header = tokens
			continue
		}
		rows = append(rows, dataLine{no: lineNo, tokens: tokens})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, fmt.Errorf("%w: no header line", ErrFormat)
	}

	schema := fields
	if schema == nil {
		schema = make(Schema, len(header))
		for i, name := range header {
			schema[i] = Field{Name: name, Type: param.Float}
			if len(rows) > 0 && i < len(rows[0].tokens) {
				schema[i].Type = param.InferType(rows[0].tokens[i])
			}
		}
	}

	d, err := alloc(schema, len(rows), o)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if len(row.tokens) != len(schema) {
			return nil, pkgerrors.Wrapf(ErrFormat, "line %d: %d values for %d fields", row.no, len(row.tokens), len(schema))
		}
		vals := make(Row, len(row.tokens))
		for i, t := range row.tokens {
			vals[i] = t
		}
		if err := d.put(vals); err != nil {
			return nil, pkgerrors.Wrapf(err, "line %d", row.no)
		}
	}
	d.comments = comments
	d.params = params
	return d, nil
}

// splitOn is a bufio.SplitFunc for an arbitrary line terminator
func splitOn(sep string) bufio.SplitFunc {
	s := []byte(sep)
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, s); i >= 0 {
			return i + len(s), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
