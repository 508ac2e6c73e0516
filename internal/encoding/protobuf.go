package encoding

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/serena/serena-cli/internal/models"
)

// ProtobufEncoder encodes records as google.protobuf.Struct messages
// holding the wire fields.
type ProtobufEncoder struct{}

func NewProtobufEncoder() *ProtobufEncoder {
	return &ProtobufEncoder{}
}

func (e *ProtobufEncoder) Encode(rec models.IngestRecord) ([]byte, error) {
	pb, err := RecordToStruct(rec)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(pb)
}

func (e *ProtobufEncoder) Decode(data []byte) (models.IngestRecord, error) {
	var pb structpb.Struct
	if err := proto.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return StructToRecord(&pb)
}

func (e *ProtobufEncoder) ContentType() string {
	return "application/x-protobuf"
}

// RecordToStruct converts rec to a Struct with the same fields as its
// JSON form.
func RecordToStruct(rec models.IngestRecord) (*structpb.Struct, error) {
	data, err := models.MarshalRecord(rec)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	pb, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return pb, nil
}

// StructToRecord converts a Struct written by RecordToStruct back into
// its record variant.
func StructToRecord(pb *structpb.Struct) (models.IngestRecord, error) {
	data, err := json.Marshal(pb.AsMap())
	if err != nil {
		return nil, fmt.Errorf("failed to encode struct: %w", err)
	}
	return models.UnmarshalRecord(data)
}
