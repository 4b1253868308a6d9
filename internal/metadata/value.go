package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the declared type of a metadata field.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeDouble Type = "double"
	TypeBool   Type = "boolean"
)

func ParseType(raw string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypeString, TypeInt, TypeDouble, TypeBool:
		return t, nil
	case "bool":
		return TypeBool, nil
	case "float", "float64":
		return TypeDouble, nil
	default:
		return "", fmt.Errorf("unknown metadata type %q", raw)
	}
}

// Value is one of String, Int, Double or Bool.
type Value interface {
	Type() Type
	// Encode returns the stored text form.
	Encode() string
	isValue()
}

type String string
type Int int64
type Double float64
type Bool bool

func (String) Type() Type { return TypeString }
func (Int) Type() Type    { return TypeInt }
func (Double) Type() Type { return TypeDouble }
func (Bool) Type() Type   { return TypeBool }

func (v String) Encode() string { return string(v) }
func (v Int) Encode() string    { return strconv.FormatInt(int64(v), 10) }
func (v Double) Encode() string { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v Bool) Encode() string   { return strconv.FormatBool(bool(v)) }

func (String) isValue() {}
func (Int) isValue()    {}
func (Double) isValue() {}
func (Bool) isValue()   {}

// Parse decodes raw as a value of type t.
func Parse(t Type, raw string) (Value, error) {
	switch t {
	case TypeString:
		return String(raw), nil
	case TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an int", ErrInvalidValue, raw)
		}
		return Int(n), nil
	case TypeDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, raw)
		}
		return Double(f), nil
	case TypeBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, raw)
		}
		return Bool(b), nil
	default:
		return nil, fmt.Errorf("unknown metadata type %q", t)
	}
}

// JSON renders v for API responses; nil stays nil.
func JSON(v Value) any {
	switch x := v.(type) {
	case String:
		return string(x)
	case Int:
		return int64(x)
	case Double:
		return float64(x)
	case Bool:
		return bool(x)
	default:
		return nil
	}
}
