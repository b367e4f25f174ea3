// Package value implements the §3.2/§6.3 variant type carried by links, and
// its self-describing export/import byte encoding (arn_export/arn_import).
package value

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies which alternative of the variant is populated.
type Kind byte

const (
	KindNull Kind = iota
	KindInt
	KindReal
	KindBool
	KindBytes
	KindString
	KindGeneric
)

// Value is the typed variant stored by a leaf link (spec §3.2).
type Value struct {
	kind   Kind
	i      int64
	f      float64
	b      bool
	bytes  []byte
	str    string
}

func Null() Value                 { return Value{kind: KindNull} }
func Int(i int64) Value           { return Value{kind: KindInt, i: i} }
func Real(f float64) Value        { return Value{kind: KindReal, f: f} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Bytes(b []byte) Value        { return Value{kind: KindBytes, bytes: append([]byte(nil), b...)} }
func String(s string) Value       { return Value{kind: KindString, str: s} }
func Generic(b []byte) Value      { return Value{kind: KindGeneric, bytes: append([]byte(nil), b...)} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) Int() int64   { return v.i }
func (v Value) Real() float64 { return v.f }
func (v Value) Bool() bool   { return v.b }
func (v Value) Bytes() []byte { return v.bytes }
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindBytes, KindGeneric:
		return string(v.bytes)
	default:
		return ""
	}
}

// Equal reports byte-for-byte equality of the encoded form, as required by
// the ignore-same-value check (spec §4.1).
func (v Value) Equal(other Value) bool {
	a, aErr := Export(v)
	b, bErr := Export(other)
	if aErr != nil || bErr != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ExportCode is the one-byte tag prefixing exported bytes (spec §6.3).
type ExportCode byte

const (
	ExportString    ExportCode = 'S'
	ExportVariantTxt ExportCode = 'V'
	ExportInt       ExportCode = 'I'
	ExportReal      ExportCode = 'R'
	ExportBool      ExportCode = 'B'
	ExportByteArray ExportCode = 'A'
	// ExportNull is an extension beyond spec §6.3's listed codes, needed so
	// Null round-trips through Export/Import distinctly from the empty
	// string (see DESIGN.md's Open Question decisions).
	ExportNull ExportCode = 'N'
)

// Export renders v as self-describing bytes per spec §6.3.
func Export(v Value) ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte{byte(ExportNull)}, nil
	case KindString:
		return append([]byte{byte(ExportString)}, []byte(v.str)...), nil
	case KindInt:
		buf := make([]byte, 1+8)
		buf[0] = byte(ExportInt)
		binary.BigEndian.PutUint64(buf[1:], uint64(v.i))
		return buf, nil
	case KindReal:
		buf := make([]byte, 1+8)
		buf[0] = byte(ExportReal)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v.f))
		return buf, nil
	case KindBool:
		b := byte(0)
		if v.b {
			b = 1
		}
		return []byte{byte(ExportBool), b}, nil
	case KindBytes:
		return append([]byte{byte(ExportByteArray)}, v.bytes...), nil
	case KindGeneric:
		repr := fmt.Sprintf("generic:%s", string(v.bytes))
		return append([]byte{byte(ExportVariantTxt)}, []byte(repr)...), nil
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

// Import parses self-describing bytes per spec §6.3. If the first byte is
// below 0x20 and not a recognized ExportCode, it is treated as a plain
// UTF-8 string (spec's fallback rule).
func Import(b []byte) (Value, error) {
	if len(b) == 0 {
		return Null(), nil
	}
	code := ExportCode(b[0])
	switch code {
	case ExportNull:
		return Null(), nil
	case ExportString:
		return String(string(b[1:])), nil
	case ExportInt:
		if len(b) < 9 {
			return Value{}, fmt.Errorf("value: short Int payload")
		}
		return Int(int64(binary.BigEndian.Uint64(b[1:9]))), nil
	case ExportReal:
		if len(b) < 9 {
			return Value{}, fmt.Errorf("value: short Real payload")
		}
		return Real(math.Float64frombits(binary.BigEndian.Uint64(b[1:9]))), nil
	case ExportBool:
		if len(b) < 2 {
			return Value{}, fmt.Errorf("value: short Bool payload")
		}
		return Bool(b[1] != 0), nil
	case ExportByteArray:
		return Bytes(b[1:]), nil
	case ExportVariantTxt:
		return importVariantTxt(b[1:])
	default:
		if b[0] < 0x20 {
			return String(string(b)), nil
		}
		return String(string(b)), nil
	}
}

func importVariantTxt(repr []byte) (Value, error) {
	s := string(repr)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			typeName, payload := s[:i], s[i+1:]
			switch typeName {
			case "generic":
				return Generic([]byte(payload)), nil
			case "int":
				n, err := strconv.ParseInt(payload, 10, 64)
				if err != nil {
					return Value{}, err
				}
				return Int(n), nil
			case "real":
				f, err := strconv.ParseFloat(payload, 64)
				if err != nil {
					return Value{}, err
				}
				return Real(f), nil
			default:
				return String(payload), nil
			}
		}
	}
	return String(s), nil
}
