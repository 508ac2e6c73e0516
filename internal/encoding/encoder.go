// Package encoding turns records into bytes for capture files, the push
// channel and the MQTT mirror.
package encoding

import (
	"fmt"
	"strings"

	"github.com/serena/serena-cli/internal/models"
)

// Format represents the encoding format
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// ParseFormat accepts "json", "ndjson", "protobuf" and "pb".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "json", "ndjson":
		return FormatJSON, nil
	case "protobuf", "pb":
		return FormatProtobuf, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// Encoder encodes records to bytes
type Encoder interface {
	Encode(rec models.IngestRecord) ([]byte, error)
	ContentType() string
}

// Decoder is the inverse of an Encoder.
type Decoder interface {
	Decode(data []byte) (models.IngestRecord, error)
}

// JSONEncoder encodes records in their flat wire shape.
type JSONEncoder struct{}

func NewJSONEncoder() *JSONEncoder {
	return &JSONEncoder{}
}

func (e *JSONEncoder) Encode(rec models.IngestRecord) ([]byte, error) {
	return models.MarshalRecord(rec)
}

func (e *JSONEncoder) Decode(data []byte) (models.IngestRecord, error) {
	return models.UnmarshalRecord(data)
}

func (e *JSONEncoder) ContentType() string {
	return "application/json"
}

// NewEncoder creates an encoder for the given format
func NewEncoder(format Format) Encoder {
	switch format {
	case FormatProtobuf:
		return NewProtobufEncoder()
	default:
		return NewJSONEncoder()
	}
}
