// Package param holds named, unit-carrying scalar values and the rules used
// to infer their type from text.
//
// A Parameter renders as "NAME (UNIT): VALUE", or "NAME: VALUE" when it has
// no unit, and Parse reads that form back.
package param

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrFormat is returned when text is not of the form NAME (UNIT): VALUE
var ErrFormat = errors.New("parameter must be formatted as 'NAME (UNIT): VALUE' or 'NAME: VALUE'")

var pattern = regexp.MustCompile(`^(\w+)(\s\((\w+)\))?:\s(.+)$`)

// Parameter is a single named value with an optional unit
type Parameter struct {
	// Name identifies the parameter, e.g. "Voltage"
	Name string

	// Unit is the unit of Value, e.g. "V".  Empty means no unit.
	Unit string

	// Value is an int, float64, string, or nil when unset
	Value interface{}
}

// New creates a Parameter.  def may be nil, leaving it unset.
func New(name, unit string, def interface{}) *Parameter {
	return &Parameter{Name: name, Unit: unit, Value: def}
}

// Get returns the value
func (p *Parameter) Get() interface{} {
	return p.Value
}

// Set replaces the value
func (p *Parameter) Set(v interface{}) {
	p.Value = v
}

// IsSet is true if the value is not nil
func (p *Parameter) IsSet() bool {
	return p.Value != nil
}

// Copy returns a new Parameter with the same fields
func (p *Parameter) Copy() *Parameter {
	cp := *p
	return &cp
}

// Equal is true if the name, unit, and value of p and o match
func (p *Parameter) Equal(o *Parameter) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Name == o.Name && p.Unit == o.Unit && p.Value == o.Value
}

// String formats the parameter so that Parse can read it back
func (p *Parameter) String() string {
	v := FormatValue(p.Value)
	if p.Unit != "" {
		return fmt.Sprintf("%s (%s): %s", p.Name, p.Unit, v)
	}
	return fmt.Sprintf("%s: %s", p.Name, v)
}

// Parse reads a Parameter from its String form.  The value's type is
// inferred from its literal text.
func Parse(text string) (*Parameter, error) {
	m := pattern.FindStringSubmatch(strings.TrimRight(text, "\r\n"))
	if m == nil {
		return nil, fmt.Errorf("%w, got %q", ErrFormat, text)
	}
	v, err := Cast(m[4])
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", m[1], err)
	}
	return &Parameter{Name: m[1], Unit: m[3], Value: v}, nil
}

// FormatValue renders a scalar the way InferType will read it back.
// Floats always carry a decimal point.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case float64:
		return FormatFloat(t, 64)
	case float32:
		return FormatFloat(float64(t), 32)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// FormatFloat is strconv.FormatFloat in 'g' format with the shortest
// representation, plus ".0" inserted where the result would otherwise look
// like an integer
func FormatFloat(f float64, bitSize int) string {
	s := strconv.FormatFloat(f, 'g', -1, bitSize)
	if strings.ContainsAny(s, ".nN") { // NaN, Inf
		return s
	}
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		return s[:i] + ".0" + s[i:]
	}
	return s + ".0"
}
