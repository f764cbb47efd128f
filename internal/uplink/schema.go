package uplink

// containerSchema is the Avro schema embedded in every published
// container: an ordered list of buffered records sharing one topic,
// each carrying its buffer-assigned id so downstream consumers can
// detect and collapse at-least-once duplicates.
const containerSchema = `{
  "type": "record",
  "name": "TelemetryBatch",
  "namespace": "io.sunfield.collector",
  "fields": [
    {
      "name": "records",
      "type": {
        "type": "array",
        "items": {
          "type": "record",
          "name": "BufferedRecord",
          "fields": [
            {"name": "id", "type": "long"},
            {"name": "created_at", "type": "long"},
            {"name": "payload", "type": "bytes"}
          ]
        }
      }
    }
  ]
}`
