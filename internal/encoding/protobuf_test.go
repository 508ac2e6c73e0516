package encoding

import (
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/serena/serena-cli/internal/models"
)

func TestProtobufEncoder_HeartRate(t *testing.T) {
	enc := NewProtobufEncoder()
	rec := &models.HeartRateRecord{
		Header:        models.Header{DeviceID: "dev-1", SessionID: "s-1", TS: 1735812000123},
		BPM:           72,
		RRIntervalsMs: []float64{812.5, 830},
	}

	data, err := enc.Encode(rec)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var pb structpb.Struct
	if err := proto.Unmarshal(data, &pb); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got := pb.Fields["signal"].GetStringValue(); got != "hr_derived" {
		t.Errorf("signal = %q, want hr_derived", got)
	}
	if got := pb.Fields["device_id"].GetStringValue(); got != "dev-1" {
		t.Errorf("device_id = %q, want dev-1", got)
	}
	if got := pb.Fields["bpm"].GetNumberValue(); got != 72 {
		t.Errorf("bpm = %v, want 72", got)
	}
	if got := len(pb.Fields["rr_ms"].GetListValue().GetValues()); got != 2 {
		t.Errorf("rr_ms length = %d, want 2", got)
	}
}

func TestProtobufEncoder_DecodeECG(t *testing.T) {
	enc := NewProtobufEncoder()
	rec := &models.ECGRecord{
		Header:  models.Header{DeviceID: "dev-1", TS: 1735812000123},
		Samples: []int32{-8388608, -1, 0, 1, 8388607},
	}

	data, err := enc.Encode(rec)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := enc.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	ecg, ok := got.(*models.ECGRecord)
	if !ok {
		t.Fatalf("decoded %T, want *models.ECGRecord", got)
	}
	if ecg.TS != rec.TS {
		t.Errorf("ts = %d, want %d", ecg.TS, rec.TS)
	}
	if len(ecg.Samples) != len(rec.Samples) {
		t.Fatalf("samples = %v, want %v", ecg.Samples, rec.Samples)
	}
	for i := range rec.Samples {
		if ecg.Samples[i] != rec.Samples[i] {
			t.Errorf("sample %d = %d, want %d", i, ecg.Samples[i], rec.Samples[i])
		}
	}
}

func TestProtobufEncoder_UnknownSignalKept(t *testing.T) {
	enc := NewProtobufEncoder()
	rec, err := models.UnmarshalRecord([]byte(`{"signal":"spo2","device_id":"dev-1","ts":1,"value":97}`))
	if err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}

	data, err := enc.Encode(rec)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := enc.Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Signal() != "spo2" {
		t.Errorf("signal = %q, want spo2", got.Signal())
	}
	if got.Envelope().DeviceID != "dev-1" {
		t.Errorf("device_id = %q, want dev-1", got.Envelope().DeviceID)
	}
}

func TestJSONEncoder(t *testing.T) {
	enc := NewEncoder(FormatJSON)
	if enc.ContentType() != "application/json" {
		t.Errorf("content type = %q", enc.ContentType())
	}
	data, err := enc.Encode(&models.RespirationRecord{Header: models.Header{DeviceID: "d", TS: 5}, EstRR: 6.5})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := `{"signal":"resp_rr","device_id":"d","ts":5,"estRR":6.5}`
	if string(data) != want {
		t.Errorf("encoded %s, want %s", data, want)
	}
}

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{"": FormatJSON, "ndjson": FormatJSON, "PB": FormatProtobuf, "protobuf": FormatProtobuf}
	for in, want := range tests {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}
