/*Package data provides a fixed-capacity, typed, append-only buffer for tabular
measurement data, along with the comment and parameter metadata that describe
it.

A Data is created with a Schema, an ordered list of fields each holding
int32, float32, or string values.  Rows are appended until the buffer is full.
The buffer can be written to a delimited text file with a commented header,
and read back again:

	#Comments:
	#Sample was a quartz window
	#Parameters:
	#Voltage (V): 3.3
	index,voltage,reading
	0,0.0,0.0012
	1,0.5,0.0483

Data is not safe for concurrent use.
*/
package data

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/nasa-jpl/labauto/param"
)

var (
	// ErrConfig is generated when a Data cannot be built from the arguments given
	ErrConfig = errors.New("invalid data configuration")

	// ErrFull is generated when appending to a buffer with no free rows
	ErrFull = errors.New("data buffer is full")

	// ErrArity is generated when a row has a different number of values than the schema has fields
	ErrArity = errors.New("row does not match the number of fields")

	// ErrUnknownField is generated when a field name is not in the schema
	ErrUnknownField = errors.New("unknown field")

	// ErrType is generated when a value cannot be stored in a field
	ErrType = errors.New("value does not match field type")

	// ErrSizeMismatch is generated when columns differ in length
	ErrSizeMismatch = errors.New("columns differ in length")

	// ErrFormat is generated when a data file cannot be parsed
	ErrFormat = errors.New("malformed data file")
)

// Field is a named, typed column
type Field struct {
	Name string
	Type param.Kind
}

// Schema is the ordered list of fields in a Data
type Schema []Field

// Names makes a schema of float fields with the given names
func Names(names ...string) Schema {
	s := make(Schema, len(names))
	for i, n := range names {
		s[i] = Field{Name: n, Type: param.Float}
	}
	return s
}

// Names returns the field names in order
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = f.Name
	}
	return out
}

func (s Schema) validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: schema has no fields", ErrConfig)
	}
	seen := make(map[string]bool, len(s))
	for _, f := range s {
		if f.Name == "" {
			return fmt.Errorf("%w: field with empty name", ErrConfig)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: field %q appears twice", ErrConfig, f.Name)
		}
		if !f.Type.Valid() {
			return fmt.Errorf("%w: field %q has unsupported type %v", ErrConfig, f.Name, f.Type)
		}
		seen[f.Name] = true
	}
	return nil
}

// Row is one record, with values in schema order
type Row []interface{}

// Data is a buffer of rows conforming to a schema.  Its capacity is fixed at
// construction; Len grows by one with each Append.
type Data struct {
	schema Schema
	index  map[string]int
	cols   []column
	size   int
	fill   int

	comments []string
	params   []*param.Parameter
	autoSave string

	commentSymbol string
	delimiter     string
	lineBreak     string
}

type options struct {
	buffer    []Row
	hasBuffer bool
	size      int
	hasSize   bool

	commentSymbol string
	delimiter     string
	lineBreak     string
}

// Option configures a Data
type Option func(*options)

// WithBuffer provides initial rows.  Without WithBufferSize, the capacity is
// exactly len(rows) and the buffer is full.
func WithBuffer(rows []Row) Option {
	return func(o *options) {
		o.buffer = rows
		o.hasBuffer = true
	}
}

// WithBufferSize sets the capacity in rows
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.size = n
		o.hasSize = true
	}
}

// WithCommentSymbol sets the prefix of comment lines, default "#"
func WithCommentSymbol(s string) Option {
	return func(o *options) { o.commentSymbol = s }
}

// WithDelimiter sets the separator between values on a line, default ","
func WithDelimiter(s string) Option {
	return func(o *options) { o.delimiter = s }
}

// WithLineBreak sets the line terminator, default "\n"
func WithLineBreak(s string) Option {
	return func(o *options) { o.lineBreak = s }
}

func collect(opts []Option) options {
	o := options{commentSymbol: "#", delimiter: ",", lineBreak: "\n"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a Data.  Either WithBufferSize (> 0) or WithBuffer must be given;
// with both, the size must be at least the number of rows in the buffer.
func New(schema Schema, opts ...Option) (*Data, error) {
	o := collect(opts)
	var size int
	switch {
	case !o.hasBuffer:
		if !o.hasSize || o.size <= 0 {
			return nil, fmt.Errorf("%w: buffer size must be > 0 when no buffer is given", ErrConfig)
		}
		size = o.size
	case !o.hasSize:
		size = len(o.buffer)
	default:
		if o.size < len(o.buffer) {
			return nil, fmt.Errorf("%w: buffer size %d is smaller than the %d rows given", ErrConfig, o.size, len(o.buffer))
		}
		size = o.size
	}
	d, err := alloc(schema, size, o)
	if err != nil {
		return nil, err
	}
	for i, row := range o.buffer {
		if err := d.put(row); err != nil {
			return nil, fmt.Errorf("%w: buffer row %d: %v", ErrConfig, i, err)
		}
	}
	return d, nil
}

func alloc(schema Schema, size int, o options) (*Data, error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	if o.delimiter == "" || o.lineBreak == "" || o.commentSymbol == "" {
		return nil, fmt.Errorf("%w: delimiter, line break, and comment symbol must not be empty", ErrConfig)
	}
	d := &Data{
		schema:        append(Schema(nil), schema...),
		index:         make(map[string]int, len(schema)),
		cols:          make([]column, len(schema)),
		size:          size,
		commentSymbol: o.commentSymbol,
		delimiter:     o.delimiter,
		lineBreak:     o.lineBreak,
	}
	for i, f := range schema {
		d.index[f.Name] = i
		d.cols[i] = newColumn(f.Type, size)
	}
	return d, nil
}

// Schema returns a copy of the schema
func (d *Data) Schema() Schema {
	return append(Schema(nil), d.schema...)
}

// Len is the number of filled rows
func (d *Data) Len() int {
	return d.fill
}

// Cap is the number of allocated rows
func (d *Data) Cap() int {
	return d.size
}

// Full is true when no more rows may be appended
func (d *Data) Full() bool {
	return d.fill == d.size
}

func (d *Data) lookup(field string) (int, error) {
	i, ok := d.index[field]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownField, field)
	}
	return i, nil
}

// Get returns a copy of an entire column, including rows that have not been
// filled.  The result is a []int32, []float32, or []string.
func (d *Data) Get(field string) (interface{}, error) {
	i, err := d.lookup(field)
	if err != nil {
		return nil, err
	}
	return d.cols[i].slice(), nil
}

// Floats returns a copy of a float column
func (d *Data) Floats(field string) ([]float32, error) {
	v, err := d.Get(field)
	if err != nil {
		return nil, err
	}
	f, ok := v.([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not a float", ErrType, field)
	}
	return f, nil
}

// Ints returns a copy of an int column
func (d *Data) Ints(field string) ([]int32, error) {
	v, err := d.Get(field)
	if err != nil {
		return nil, err
	}
	is, ok := v.([]int32)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not an int", ErrType, field)
	}
	return is, nil
}

// Strings returns a copy of a string column
func (d *Data) Strings(field string) ([]string, error) {
	v, err := d.Get(field)
	if err != nil {
		return nil, err
	}
	s, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is not a string", ErrType, field)
	}
	return s, nil
}

// Set overwrites an entire column.  values must be a slice with one element
// per allocated row.  The fill pointer does not move.
func (d *Data) Set(field string, values interface{}) error {
	i, err := d.lookup(field)
	if err != nil {
		return err
	}
	vals, err := toValues(values)
	if err != nil {
		return err
	}
	if len(vals) != d.size {
		return fmt.Errorf("%w: %d values given for %d rows", ErrSizeMismatch, len(vals), d.size)
	}
	col := &d.cols[i]
	typed := make([]interface{}, len(vals))
	for j, v := range vals {
		typed[j], err = d.coerce(col.kind, v)
		if err != nil {
			return fmt.Errorf("field %q row %d: %w", field, j, err)
		}
	}
	for j, v := range typed {
		col.put(j, v)
	}
	return nil
}

// Row returns the values of filled row i
func (d *Data) Row(i int) (Row, error) {
	if i < 0 || i >= d.fill {
		return nil, fmt.Errorf("row %d out of range [0, %d)", i, d.fill)
	}
	return d.row(i), nil
}

func (d *Data) row(i int) Row {
	r := make(Row, len(d.cols))
	for j := range d.cols {
		r[j] = d.cols[j].value(i)
	}
	return r
}

// Rows iterates the filled rows in order.  It may be ranged over any number
// of times.
func (d *Data) Rows() iter.Seq2[int, Row] {
	return func(yield func(int, Row) bool) {
		for i := 0; i < d.fill; i++ {
			if !yield(i, d.row(i)) {
				return
			}
		}
	}
}

// Append adds a row given as positional values in schema order.
func (d *Data) Append(values ...interface{}) error {
	if d.Full() {
		return fmt.Errorf("%w: %d of %d rows used", ErrFull, d.fill, d.size)
	}
	if err := d.put(values); err != nil {
		return err
	}
	return d.autoSaveRow()
}

// AppendMap adds a row given as field name => value.  Every field must be present.
func (d *Data) AppendMap(m map[string]interface{}) error {
	if d.Full() {
		return fmt.Errorf("%w: %d of %d rows used", ErrFull, d.fill, d.size)
	}
	if len(m) != len(d.schema) {
		return fmt.Errorf("%w: got %d values for %d fields", ErrArity, len(m), len(d.schema))
	}
	row := make(Row, len(d.schema))
	for k, v := range m {
		i, err := d.lookup(k)
		if err != nil {
			return err
		}
		row[i] = v
	}
	if err := d.put(row); err != nil {
		return err
	}
	return d.autoSaveRow()
}

// put validates the whole row before writing any of it
func (d *Data) put(values Row) error {
	if d.fill == d.size {
		return ErrFull
	}
	if len(values) != len(d.cols) {
		return fmt.Errorf("%w: got %d values for %d fields", ErrArity, len(values), len(d.cols))
	}
	typed := make([]interface{}, len(values))
	for j, v := range values {
		var err error
		typed[j], err = d.coerce(d.cols[j].kind, v)
		if err != nil {
			return fmt.Errorf("field %q: %w", d.schema[j].Name, err)
		}
	}
	for j, v := range typed {
		d.cols[j].put(d.fill, v)
	}
	d.fill++
	return nil
}

// coerce converts v to the storage type of kind k
func (d *Data) coerce(k param.Kind, v interface{}) (interface{}, error) {
	switch k {
	case param.Int:
		return toInt32(v)
	case param.Float:
		return toFloat32(v)
	default:
		s, ok := v.(string)
		if !ok {
			if v == nil {
				return nil, fmt.Errorf("%w: nil", ErrType)
			}
			s = param.FormatValue(v)
		}
		if strings.Contains(s, d.delimiter) || strings.Contains(s, d.lineBreak) {
			return nil, fmt.Errorf("%w: %q contains the delimiter or a line break", ErrType, s)
		}
		return s, nil
	}
}

func toInt32(v interface{}) (interface{}, error) {
	var i int64
	switch t := v.(type) {
	case int:
		i = int64(t)
	case int8:
		i = int64(t)
	case int16:
		i = int64(t)
	case int32:
		return t, nil
	case int64:
		i = t
	case uint8:
		i = int64(t)
	case uint16:
		i = int64(t)
	case uint32:
		i = int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrType, err)
		}
		return int32(n), nil
	default:
		return nil, fmt.Errorf("%w: cannot store %v (%T) as int32", ErrType, v, v)
	}
	if i < math.MinInt32 || i > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d overflows int32", ErrType, i)
	}
	return int32(i), nil
}

func toFloat32(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case float32:
		return t, nil
	case float64:
		return float32(t), nil
	case int:
		return float32(t), nil
	case int32:
		return float32(t), nil
	case int64:
		return float32(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrType, err)
		}
		return float32(f), nil
	default:
		return nil, fmt.Errorf("%w: cannot store %v (%T) as float32", ErrType, v, v)
	}
}

// toValues flattens a typed slice into interface values
func toValues(values interface{}) ([]interface{}, error) {
	var out []interface{}
	switch t := values.(type) {
	case []interface{}:
		return t, nil
	case Row:
		return t, nil
	case []int:
		for _, v := range t {
			out = append(out, v)
		}
	case []int32:
		for _, v := range t {
			out = append(out, v)
		}
	case []float32:
		for _, v := range t {
			out = append(out, v)
		}
	case []float64:
		for _, v := range t {
			out = append(out, v)
		}
	case []string:
		for _, v := range t {
			out = append(out, v)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported column type %T", ErrConfig, values)
	}
	if out == nil {
		out = []interface{}{}
	}
	return out, nil
}

// SetParameter adds p to the parameter list.  p must survive being written
// to the header and read back, so an unset or empty value is refused.
func (d *Data) SetParameter(p *param.Parameter) error {
	if p == nil {
		return fmt.Errorf("%w: nil parameter", ErrConfig)
	}
	if _, err := param.Parse(p.String()); err != nil {
		return fmt.Errorf("%w: parameter %s cannot be read back: %v", ErrConfig, p.Name, err)
	}
	d.params = append(d.params, p)
	return nil
}

// Parameters returns the parameter list
func (d *Data) Parameters() []*param.Parameter {
	return append([]*param.Parameter(nil), d.params...)
}

// Comment adds a comment.  Text spanning several lines becomes several
// comments.  A line that reads as a header block label is refused, and then
// none of text is added.
func (d *Data) Comment(text string) error {
	lines := strings.Split(text, d.lineBreak)
	for _, l := range lines {
		switch strings.TrimSpace(l) {
		case commentsLabel, parametersLabel:
			return fmt.Errorf("%w: comment %q is a header label", ErrConfig, l)
		}
	}
	d.comments = append(d.comments, lines...)
	return nil
}

// Comments returns the comment list
func (d *Data) Comments() []string {
	return append([]string(nil), d.comments...)
}

// Column is a named slice of values, see FromColumns
type Column struct {
	Name string

	// Values is a []int, []int32, []float32, []float64, or []string
	Values interface{}
}

// FromColumns builds a full Data from equal-length columns.  The field types
// follow the slice types: ints become Int fields, floats Float, strings String.
func FromColumns(cols ...Column) (*Data, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: no columns given", ErrConfig)
	}
	schema := make(Schema, len(cols))
	n := -1
	for i, c := range cols {
		var l int
		switch v := c.Values.(type) {
		case []int:
			schema[i], l = Field{c.Name, param.Int}, len(v)
		case []int32:
			schema[i], l = Field{c.Name, param.Int}, len(v)
		case []float32:
			schema[i], l = Field{c.Name, param.Float}, len(v)
		case []float64:
			schema[i], l = Field{c.Name, param.Float}, len(v)
		case []string:
			schema[i], l = Field{c.Name, param.String}, len(v)
		default:
			return nil, fmt.Errorf("%w: column %q has unsupported type %T", ErrConfig, c.Name, c.Values)
		}
		if n >= 0 && l != n {
			return nil, fmt.Errorf("%w: column %q has %d values, expected %d", ErrSizeMismatch, c.Name, l, n)
		}
		n = l
	}
	d, err := alloc(schema, n, collect(nil))
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		if err := d.Set(c.Name, c.Values); err != nil {
			return nil, err
		}
	}
	d.fill = n
	return d, nil
}
