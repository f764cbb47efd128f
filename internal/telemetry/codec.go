package telemetry

import (
	"fmt"

	"github.com/linkedin/goavro/v2"

	"github.com/sunfield-io/sunspec-collector/internal/sunspecmodel"
)

// observationSchema matches spec.md §6's downstream wire format: a
// record carrying the observation timestamp, device address, and the
// decoded model fields as a map of nullable scalars (NotImplemented
// fields serialize as null).
const observationSchema = `{
  "type": "record",
  "name": "Observation",
  "namespace": "io.sunfield.collector",
  "fields": [
    {"name": "sequence", "type": "long"},
    {"name": "timestamp_ms", "type": "long"},
    {"name": "device", "type": {
      "type": "record", "name": "Device",
      "fields": [
        {"name": "host", "type": "string"},
        {"name": "port", "type": "int"},
        {"name": "unit_id", "type": "int"}
      ]
    }},
    {"name": "models", "type": {"type": "array", "items": {
      "type": "record", "name": "Model",
      "fields": [
        {"name": "model_id", "type": "int"},
        {"name": "fields", "type": {"type": "map", "values": ["null", "long", "double", "string"]}}
      ]
    }}}
  ]
}`

var observationCodec *goavro.Codec

func init() {
	c, err := goavro.NewCodec(observationSchema)
	if err != nil {
		panic(fmt.Sprintf("telemetry: observation schema does not compile: %v", err))
	}
	observationCodec = c
}

// Encode serializes o per observationSchema. NotImplemented fields
// serialize as a typed null; Present fields serialize as their decoded
// Go value narrowed to the schema's long/double/string union.
func (o Observation) Encode() ([]byte, error) {
	models := make([]any, len(o.Models))
	for i, m := range o.Models {
		fields := make(map[string]any, len(m.Fields))
		for name, f := range m.Fields {
			fields[name] = encodeUnion(f)
		}
		models[i] = map[string]any{
			"model_id": int32(m.ModelID),
			"fields":   fields,
		}
	}

	native := map[string]any{
		"sequence":     int64(o.Sequence),
		"timestamp_ms": o.TimestampMillis,
		"device": map[string]any{
			"host":    o.Address.Host,
			"port":    int32(o.Address.Port),
			"unit_id": int32(o.Address.UnitID),
		},
		"models": models,
	}
	return observationCodec.BinaryFromNative(nil, native)
}

// encodeUnion narrows a DecodedField to the schema's
// null|long|double|string union, matching goavro's expected
// map[string]any{"branchName": value} encoding for Avro unions.
func encodeUnion(f sunspecmodel.DecodedField) any {
	if !f.Present {
		return nil
	}
	switch {
	case f.Str != "":
		return map[string]any{"string": f.Str}
	case f.Scaled || f.Float != 0:
		return map[string]any{"double": f.Float}
	default:
		return map[string]any{"long": f.Int}
	}
}
