// Package expr evaluates the operator- and function-rich expressions of
// the job-file meta-language over a tagged-value algebra.
package expr

import (
	"fmt"
	"strings"
	"time"
)

// MaxFloatDigitsDisplayedAfterPoint caps the precision hint carried by
// float values.
const MaxFloatDigitsDisplayedAfterPoint = 7

// MaxStringExpressionLength bounds string scratch space during evaluation.
const MaxStringExpressionLength = 100

// TypeCode tags the active variant of a Value.
type TypeCode int

const (
	// TypeNone is the null value.
	TypeNone TypeCode = iota
	// TypeBool is a boolean.
	TypeBool
	// TypeChar is a single character.
	TypeChar
	// TypeInt32 is a signed 32-bit integer.
	TypeInt32
	// TypeUint32 is an unsigned 32-bit integer, used for enumerations.
	TypeUint32
	// TypeUint64 is a 56-bit packed large unsigned value.
	TypeUint64
	// TypeFloat is a float carrying a display precision hint.
	TypeFloat
	// TypeCString is a constant string (literals, object model statics).
	TypeCString
	// TypeHeapString is a computed string.
	TypeHeapString
	// TypeDateTime is a date-time carried as a 56-bit seconds payload.
	TypeDateTime
	// TypeDriverID identifies a stepper driver.
	TypeDriverID
	// TypeIPAddress is an IPv4 address.
	TypeIPAddress
	// TypeMacAddress is a MAC address.
	TypeMacAddress
	// TypeObject is a handle into the object model.
	TypeObject
)

const u56Mask = (uint64(1) << 56) - 1

// Value is the tagged union the evaluator computes over. It is passed and
// returned by value; strings share backing storage.
type Value struct {
	typ  TypeCode
	bVal bool
	iVal int32
	uVal uint32
	u64  uint64
	fVal float64
	sVal string
	oVal interface{}

	// param is the precision hint for floats and the board number for
	// driver ids.
	param int
}

// Type returns the active variant.
func (v Value) Type() TypeCode { return v.typ }

// Null returns the null value.
func Null() Value { return Value{typ: TypeNone} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{typ: TypeBool, bVal: b} }

// Char wraps a single character.
func Char(c byte) Value { return Value{typ: TypeChar, sVal: string(c)} }

// Int wraps a signed integer.
func Int(i int32) Value { return Value{typ: TypeInt32, iVal: i} }

// Uint wraps an unsigned integer.
func Uint(u uint32) Value { return Value{typ: TypeUint32, uVal: u} }

// Float wraps a float with a display precision hint.
func Float(f float64, digits int) Value {
	if digits < 1 {
		digits = 1
	} else if digits > MaxFloatDigitsDisplayedAfterPoint {
		digits = MaxFloatDigitsDisplayedAfterPoint
	}
	return Value{typ: TypeFloat, fVal: f, param: digits}
}

// ConstString wraps a constant string.
func ConstString(s string) Value { return Value{typ: TypeCString, sVal: s} }

// HeapString wraps a computed string.
func HeapString(s string) Value { return Value{typ: TypeHeapString, sVal: s} }

// DateTime wraps a seconds-since-epoch payload, truncated to 56 bits.
func DateTime(seconds uint64) Value { return Value{typ: TypeDateTime, u64: seconds & u56Mask} }

// Uint56 wraps a large unsigned payload, truncated to 56 bits.
func Uint56(u uint64) Value { return Value{typ: TypeUint64, u64: u & u56Mask} }

// DriverID wraps a driver number on a board.
func DriverID(board, port uint32) Value {
	return Value{typ: TypeDriverID, uVal: port, param: int(board)}
}

// IPAddress wraps an IPv4 address in network byte order.
func IPAddress(ip uint32) Value { return Value{typ: TypeIPAddress, uVal: ip} }

// MacAddress wraps the low 48 bits of a MAC address.
func MacAddress(mac uint64) Value { return Value{typ: TypeMacAddress, u64: mac & (uint64(1)<<48 - 1)} }

// Object wraps an opaque object-model handle.
func Object(handle interface{}) Value { return Value{typ: TypeObject, oVal: handle} }

// AsBool returns the wrapped boolean (only valid for TypeBool).
func (v Value) AsBool() bool { return v.bVal }

// AsInt returns the wrapped signed integer (only valid for TypeInt32).
func (v Value) AsInt() int32 { return v.iVal }

// AsUint returns the wrapped unsigned integer.
func (v Value) AsUint() uint32 { return v.uVal }

// AsFloat returns the wrapped float (only valid for TypeFloat).
func (v Value) AsFloat() float64 { return v.fVal }

// AsString returns the string payload of either string flavour or a char.
func (v Value) AsString() string { return v.sVal }

// FloatDigits returns the display precision hint of a float.
func (v Value) FloatDigits() int { return v.param }

// DriverBoard returns the board number of a driver id.
func (v Value) DriverBoard() int { return v.param }

// Get56BitValue returns the 56-bit payload of date-time and large
// unsigned values.
func (v Value) Get56BitValue() uint64 { return v.u64 & u56Mask }

// IsStringType reports whether the value is either string flavour.
func (v Value) IsStringType() bool {
	return v.typ == TypeCString || v.typ == TypeHeapString
}

// AppendAsString renders the value as the meta-language prints it.
func (v Value) AppendAsString(sb *strings.Builder) {
	switch v.typ {
	case TypeNone:
		// null renders as nothing
	case TypeBool:
		if v.bVal {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case TypeChar, TypeCString, TypeHeapString:
		sb.WriteString(v.sVal)
	case TypeInt32:
		fmt.Fprintf(sb, "%d", v.iVal)
	case TypeUint32:
		fmt.Fprintf(sb, "%d", v.uVal)
	case TypeUint64:
		fmt.Fprintf(sb, "%d", v.Get56BitValue())
	case TypeFloat:
		fmt.Fprintf(sb, "%.*f", v.param, v.fVal)
	case TypeDateTime:
		t := time.Unix(int64(v.Get56BitValue()), 0).UTC()
		sb.WriteString(t.Format("2006-01-02T15:04:05"))
	case TypeDriverID:
		if v.param != 0 {
			fmt.Fprintf(sb, "%d.%d", v.param, v.uVal)
		} else {
			fmt.Fprintf(sb, "%d", v.uVal)
		}
	case TypeIPAddress:
		fmt.Fprintf(sb, "%d.%d.%d.%d", byte(v.uVal), byte(v.uVal>>8), byte(v.uVal>>16), byte(v.uVal>>24))
	case TypeMacAddress:
		mac := v.Get56BitValue()
		for i := 0; i < 6; i++ {
			if i > 0 {
				sb.WriteByte(':')
			}
			fmt.Fprintf(sb, "%02x", byte(mac>>(8*i)))
		}
	case TypeObject:
		sb.WriteString("{object}")
	}
}

// String renders the value for replies and echo output.
func (v Value) String() string {
	var sb strings.Builder
	v.AppendAsString(&sb)
	return sb.String()
}
