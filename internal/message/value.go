package message

import "time"

// Data type tags carried on the wire. Integrators may use their own
// tags; anything unrecognized decodes as a tagged raw string.
const (
	DataTypeNull     = "null"
	DataTypeString   = "string"
	DataTypeInt      = "int"
	DataTypeDouble   = "double"
	DataTypeBool     = "bool"
	DataTypeDateTime = "datetime"
	DataTypeJSON     = "json"
)

// Kind enumerates the variants a cell value can take.
type Kind int

const (
	// KindNull is the absent value.
	KindNull Kind = iota
	// KindString holds text verbatim.
	KindString
	// KindInt holds a signed integer.
	KindInt
	// KindDouble holds an IEEE-754 double, including ±Inf and NaN.
	KindDouble
	// KindBool holds a boolean.
	KindBool
	// KindDateTime holds an instant with time zone offset.
	KindDateTime
	// KindJSON holds a decoded JSON structure.
	KindJSON
	// KindTagged holds a caller-defined data type tag with the caller's
	// own serialized form.
	KindTagged
)

// Value is the tagged sum of cell value variants. The zero Value is
// null. Construct values through the package functions; runtime type
// inspection is deliberately not part of the contract.
type Value struct {
	kind       Kind
	text       string
	integer    int64
	double     float64
	boolean    bool
	instant    time.Time
	structured any
	tag        string
}

// Null returns the absent value.
func Null() Value {
	return Value{kind: KindNull}
}

// String wraps text.
func String(text string) Value {
	return Value{kind: KindString, text: text}
}

// Int wraps a signed integer.
func Int(value int64) Value {
	return Value{kind: KindInt, integer: value}
}

// Double wraps a float.
func Double(value float64) Value {
	return Value{kind: KindDouble, double: value}
}

// Bool wraps a boolean.
func Bool(value bool) Value {
	return Value{kind: KindBool, boolean: value}
}

// DateTime wraps an instant.
func DateTime(instant time.Time) Value {
	return Value{kind: KindDateTime, instant: instant}
}

// JSON wraps a structure that serializes to canonical JSON.
func JSON(structured any) Value {
	return Value{kind: KindJSON, structured: structured}
}

// Tagged wraps a caller-defined data type with its serialized form.
// The tag is preserved on the wire and the value travels verbatim.
func Tagged(dataType, serialized string) Value {
	return Value{kind: KindTagged, tag: dataType, text: serialized}
}

// Kind reports the variant held.
func (v Value) Kind() Kind {
	return v.kind
}

// Text returns the string payload for KindString and KindTagged.
func (v Value) Text() string {
	return v.text
}

// Integer returns the payload for KindInt.
func (v Value) Integer() int64 {
	return v.integer
}

// Float returns the payload for KindDouble.
func (v Value) Float() float64 {
	return v.double
}

// Boolean returns the payload for KindBool.
func (v Value) Boolean() bool {
	return v.boolean
}

// Instant returns the payload for KindDateTime.
func (v Value) Instant() time.Time {
	return v.instant
}

// Structured returns the payload for KindJSON.
func (v Value) Structured() any {
	return v.structured
}

// Tag returns the data type tag for KindTagged.
func (v Value) Tag() string {
	return v.tag
}
