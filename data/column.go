package data

import (
	"fmt"
	"strconv"

	"github.com/nasa-jpl/labauto/param"
)

// column is typed storage for one field; exactly one slice is in use
type column struct {
	kind   param.Kind
	ints   []int32
	floats []float32
	strs   []string
}

func newColumn(k param.Kind, n int) column {
	c := column{kind: k}
	switch k {
	case param.Int:
		c.ints = make([]int32, n)
	case param.Float:
		c.floats = make([]float32, n)
	default:
		c.strs = make([]string, n)
	}
	return c
}

// put stores v, which has already been coerced to the column's type
func (c *column) put(i int, v interface{}) {
	switch c.kind {
	case param.Int:
		c.ints[i] = v.(int32)
	case param.Float:
		c.floats[i] = v.(float32)
	default:
		c.strs[i] = v.(string)
	}
}

func (c *column) value(i int) interface{} {
	switch c.kind {
	case param.Int:
		return c.ints[i]
	case param.Float:
		return c.floats[i]
	default:
		return c.strs[i]
	}
}

func (c *column) slice() interface{} {
	switch c.kind {
	case param.Int:
		return append([]int32(nil), c.ints...)
	case param.Float:
		return append([]float32(nil), c.floats...)
	default:
		return append([]string(nil), c.strs...)
	}
}

// format renders row i.  verb is a fmt verb such as "%.3e"; empty uses the
// shortest form that reads back as the same type.
func (c *column) format(i int, verb string) string {
	if verb != "" {
		return fmt.Sprintf(verb, c.value(i))
	}
	switch c.kind {
	case param.Int:
		return strconv.FormatInt(int64(c.ints[i]), 10)
	case param.Float:
		return param.FormatFloat(float64(c.floats[i]), 32)
	default:
		return c.strs[i]
	}
}
