package param

import (
	"regexp"
	"strconv"
)

// Kind is the scalar type of a value that has been read as text
type Kind int

const (
	// String is text that is neither an Int nor a Float
	String Kind = iota
	// Int is an unsigned run of digits
	Int
	// Float has a decimal point and an optional exponent
	Float
)

var (
	floatPattern = regexp.MustCompile(`^(\d+\.\d*|\.\d+)([eE][-+]?\d+)?$`)
	intPattern   = regexp.MustCompile(`^\d+$`)
)

// String returns "int", "float", or "string"
func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Valid is true for the three known kinds
func (k Kind) Valid() bool {
	return k == String || k == Int || k == Float
}

// InferType classifies a token by its literal form.
// Signs are not part of either numeric pattern, so "-1" is a String.
func InferType(token string) Kind {
	switch {
	case floatPattern.MatchString(token):
		return Float
	case intPattern.MatchString(token):
		return Int
	default:
		return String
	}
}

// Cast parses token as the kind InferType returns for it.
// The result is an int, float64, or string.
func Cast(token string) (interface{}, error) {
	switch InferType(token) {
	case Float:
		return strconv.ParseFloat(token, 64)
	case Int:
		return strconv.Atoi(token)
	default:
		return token, nil
	}
}
