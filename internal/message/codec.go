package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Encode serializes a value into its wire pair. Only KindJSON can fail,
// when the wrapped structure is not marshalable.
func Encode(value Value) (dataType string, serialized string, err error) {
	switch value.Kind() {
	case KindNull:
		return DataTypeNull, "", nil
	case KindString:
		return DataTypeString, value.Text(), nil
	case KindInt:
		return DataTypeInt, strconv.FormatInt(value.Integer(), 10), nil
	case KindDouble:
		return DataTypeDouble, strconv.FormatFloat(value.Float(), 'g', -1, 64), nil
	case KindBool:
		if value.Boolean() {
			return DataTypeBool, "1", nil
		}
		return DataTypeBool, "0", nil
	case KindDateTime:
		return DataTypeDateTime, value.Instant().Format(time.RFC3339Nano), nil
	case KindJSON:
		encoded, marshalErr := json.Marshal(value.Structured())
		if marshalErr != nil {
			return "", "", fmt.Errorf("message: encode json value: %w", marshalErr)
		}
		return DataTypeJSON, string(encoded), nil
	case KindTagged:
		return value.Tag(), value.Text(), nil
	default:
		return DataTypeString, value.Text(), nil
	}
}

// Decode reconstructs a value from its wire pair. Decoding is lossy and
// best-effort so the cell view stays populated even when producers and
// consumers disagree on the data type: unparseable numbers decode to
// zero, an unparseable instant decodes to null, unparseable JSON and
// unknown tags fall back to the raw string.
func Decode(dataType, serialized string) Value {
	switch dataType {
	case DataTypeNull:
		return Null()
	case "":
		if serialized == "" {
			return Null()
		}
		return String(serialized)
	case DataTypeString:
		return String(serialized)
	case DataTypeInt:
		parsed, err := strconv.ParseInt(serialized, 10, 64)
		if err != nil {
			return Int(0)
		}
		return Int(parsed)
	case DataTypeDouble:
		parsed, err := strconv.ParseFloat(serialized, 64)
		if err != nil {
			return Double(0)
		}
		return Double(parsed)
	case DataTypeBool:
		return Bool(serialized == "1" || strings.EqualFold(serialized, "true"))
	case DataTypeDateTime:
		parsed, err := time.Parse(time.RFC3339Nano, serialized)
		if err != nil {
			return Null()
		}
		return DateTime(parsed)
	case DataTypeJSON:
		var structured any
		if err := json.Unmarshal([]byte(serialized), &structured); err != nil {
			return String(serialized)
		}
		return JSON(structured)
	default:
		return Tagged(dataType, serialized)
	}
}
