package sunspecmodel

import (
	"math"
	"strings"
)

// DecodedField is the result of decoding one Field: either Present with
// a typed physical quantity, or NotImplemented. Present is the zero
// value's complement — the zero value of DecodedField is NotImplemented.
type DecodedField struct {
	Present bool
	Int     int64   // valid when Present and the field is integer-encoded and unscaled
	Float   float64 // valid when Present and the field is scaled or float32-encoded
	Str     string  // valid when Present and the field is string-encoded
	Scaled  bool    // true if Float holds a scale-factor-applied value
}

// NotImplemented is the sentinel DecodedField value.
var NotImplemented = DecodedField{}

// ScaleLookup resolves a scale-factor field name (e.g. "A_SF") to its
// already-decoded value within the same model/cycle. The second return
// is false if the name is unknown.
type ScaleLookup func(name string) (DecodedField, bool)

// DecodeModel performs the two-pass decode spec.md §4.4 requires: scale
// factor fields (encoding sunssf) are decoded first, then all other
// fields are decoded and scaled against them. words is the register
// frame for this model only, used as given: fields that run past its
// end decode as NotImplemented, and words beyond the last field are
// ignored.
func DecodeModel(desc ModelDescriptor, words []uint16) map[string]DecodedField {
	out := make(map[string]DecodedField, len(desc.Fields))

	// Pass 1: decode every sunssf field.
	for _, f := range desc.Fields {
		if f.Encoding == SunSSF {
			out[f.Name] = decodeRaw(f, words)
		}
	}

	lookup := func(name string) (DecodedField, bool) {
		v, ok := out[name]
		return v, ok
	}

	// Pass 2: decode everything else, applying scale factors.
	for _, f := range desc.Fields {
		if f.Encoding == SunSSF {
			continue
		}
		out[f.Name] = DecodeField(f, words, lookup)
	}

	return out
}

// DecodeField decodes one field's raw bytes according to its encoding,
// detects sentinels, and applies the scale factor obtained via
// sfLookup(f.ScaleField). A field whose offset+width exceeds the
// available words is emitted as NotImplemented (TruncatedWords), never
// an error.
func DecodeField(f FieldDescriptor, words []uint16, sfLookup ScaleLookup) DecodedField {
	width := f.effectiveWidth()
	if f.Offset+width > len(words) {
		return NotImplemented
	}

	raw := decodeRaw(f, words)
	if !raw.Present {
		return NotImplemented
	}
	if f.ScaleField == "" {
		return raw
	}

	sf, ok := sfLookup(f.ScaleField)
	if !ok || !sf.Present {
		return NotImplemented
	}

	scale := math.Pow(10, float64(sf.Int))
	return DecodedField{Present: true, Scaled: true, Float: float64(raw.Int) * scale}
}

// decodeRaw decodes the bit pattern without consulting or applying any
// scale factor, returning NotImplemented if the raw bytes equal the
// field's sentinel.
func decodeRaw(f FieldDescriptor, words []uint16) DecodedField {
	width := f.effectiveWidth()
	if f.Offset+width > len(words) {
		return NotImplemented
	}
	slice := words[f.Offset : f.Offset+width]

	switch f.Encoding {
	case Uint16:
		v := slice[0]
		if v == 0xFFFF {
			return NotImplemented
		}
		return DecodedField{Present: true, Int: int64(v)}

	case Int16, SunSSF:
		v := int16(slice[0])
		if uint16(v) == 0x8000 {
			return NotImplemented
		}
		return DecodedField{Present: true, Int: int64(v)}

	case Uint32:
		v := uint32(slice[0])<<16 | uint32(slice[1])
		if v == 0xFFFFFFFF {
			return NotImplemented
		}
		return DecodedField{Present: true, Int: int64(v)}

	case Int32:
		v := int32(uint32(slice[0])<<16 | uint32(slice[1]))
		if uint32(v) == 0x80000000 {
			return NotImplemented
		}
		return DecodedField{Present: true, Int: int64(v)}

	case Float32:
		bits := uint32(slice[0])<<16 | uint32(slice[1])
		v := math.Float32frombits(bits)
		if isNaN32(v) {
			return NotImplemented
		}
		return DecodedField{Present: true, Float: float64(v)}

	case String:
		return decodeString(slice)

	default:
		return NotImplemented
	}
}

func isNaN32(v float32) bool {
	return v != v
}

// decodeString converts a register slice to a trimmed ASCII string,
// treating all-zero or all-space content as the string sentinel.
func decodeString(words []uint16) DecodedField {
	b := make([]byte, 0, len(words)*2)
	allSentinel := true
	for _, w := range words {
		hi, lo := byte(w>>8), byte(w&0xFF)
		if hi != 0 && hi != ' ' {
			allSentinel = false
		}
		if lo != 0 && lo != ' ' {
			allSentinel = false
		}
		b = append(b, hi, lo)
	}
	if allSentinel {
		return NotImplemented
	}

	// Trim trailing NUL/space padding and stop at the first embedded NUL.
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return DecodedField{Present: true, Str: strings.TrimRight(string(b), " ")}
}
