package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SignalType discriminates record variants on the wire.
type SignalType string

const (
	SignalECG          SignalType = "ecg"
	SignalHRDerived    SignalType = "hr_derived"
	SignalRespRR       SignalType = "resp_rr"
	SignalGuidance     SignalType = "guidance"
	SignalBreathTarget SignalType = "BreathTarget"
)

// KnownSignals lists every discriminator with a dedicated variant.
var KnownSignals = []SignalType{SignalECG, SignalHRDerived, SignalRespRR, SignalGuidance, SignalBreathTarget}

// Header is the envelope shared by every record variant.
type Header struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id,omitempty"`
	TS        int64  `json:"ts"` // epoch milliseconds
	DT        string `json:"dt,omitempty"`
}

// IngestRecord is one telemetry record. Each signal kind has its own
// concrete type carrying only its fields.
type IngestRecord interface {
	Signal() SignalType
	Envelope() *Header
}

// ECGRecord carries raw ECG samples from one PMD notification.
type ECGRecord struct {
	Header
	Samples []int32 `json:"samples"`
}

// HeartRateRecord carries a heart rate value and optional RR intervals.
type HeartRateRecord struct {
	Header
	BPM           float64   `json:"bpm"`
	RRIntervalsMs []float64 `json:"rr_ms,omitempty"`
}

// RespirationRecord carries an estimated respiration rate.
type RespirationRecord struct {
	Header
	EstRR  float64 `json:"estRR"`
	Tijd   string  `json:"tijd,omitempty"`
	Inhale string  `json:"inhale,omitempty"`
	Exhale string  `json:"exhale,omitempty"`
}

// GuidanceRecord carries breathing feedback shown or spoken to the user.
type GuidanceRecord struct {
	Header
	Text      string   `json:"text"`
	AudioText string   `json:"audio_text,omitempty"`
	Color     string   `json:"color,omitempty"` // ok | warn | bad | accent
	Target    *float64 `json:"target,omitempty"`
	Actual    *float64 `json:"actual,omitempty"`
}

// BreathCycle is one breathing pattern in seconds.
type BreathCycle struct {
	In    float64 `json:"in"`
	Hold1 float64 `json:"hold1,omitempty"`
	Out   float64 `json:"out"`
	Hold2 float64 `json:"hold2,omitempty"`
}

// BreathTargetRecord starts, updates or (TargetRR == 0) ends a guided session.
type BreathTargetRecord struct {
	Header
	TargetRR           float64      `json:"TargetRR"`
	Technique          string       `json:"technique,omitempty"`
	BreathCycle        *BreathCycle `json:"breath_cycle,omitempty"`
	ActiveParamVersion string       `json:"active_param_version,omitempty"`
}

// RawRecord preserves a record whose discriminator has no dedicated type.
type RawRecord struct {
	Header
	Kind SignalType
	Raw  json.RawMessage
}

func (r *ECGRecord) Signal() SignalType          { return SignalECG }
func (r *HeartRateRecord) Signal() SignalType    { return SignalHRDerived }
func (r *RespirationRecord) Signal() SignalType  { return SignalRespRR }
func (r *GuidanceRecord) Signal() SignalType     { return SignalGuidance }
func (r *BreathTargetRecord) Signal() SignalType { return SignalBreathTarget }
func (r *RawRecord) Signal() SignalType          { return r.Kind }

func (r *ECGRecord) Envelope() *Header          { return &r.Header }
func (r *HeartRateRecord) Envelope() *Header    { return &r.Header }
func (r *RespirationRecord) Envelope() *Header  { return &r.Header }
func (r *GuidanceRecord) Envelope() *Header     { return &r.Header }
func (r *BreathTargetRecord) Envelope() *Header { return &r.Header }
func (r *RawRecord) Envelope() *Header          { return &r.Header }

func (r *ECGRecord) MarshalJSON() ([]byte, error) {
	type plain ECGRecord
	return marshalTagged(SignalECG, (*plain)(r))
}

func (r *HeartRateRecord) MarshalJSON() ([]byte, error) {
	type plain HeartRateRecord
	return marshalTagged(SignalHRDerived, (*plain)(r))
}

func (r *RespirationRecord) MarshalJSON() ([]byte, error) {
	type plain RespirationRecord
	return marshalTagged(SignalRespRR, (*plain)(r))
}

func (r *GuidanceRecord) MarshalJSON() ([]byte, error) {
	type plain GuidanceRecord
	return marshalTagged(SignalGuidance, (*plain)(r))
}

func (r *BreathTargetRecord) MarshalJSON() ([]byte, error) {
	type plain BreathTargetRecord
	return marshalTagged(SignalBreathTarget, (*plain)(r))
}

// MarshalJSON returns the original bytes.
func (r *RawRecord) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return marshalTagged(r.Kind, &r.Header)
	}
	return r.Raw, nil
}

// marshalTagged encodes v as an object and prepends the signal discriminator.
func marshalTagged(signal SignalType, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(signal)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 12)
	buf.WriteString(`{"signal":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// MarshalRecord encodes a record in its flat wire shape.
func MarshalRecord(r IngestRecord) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("nil record")
	}
	return json.Marshal(r)
}

// UnmarshalRecord decodes one wire object into its variant. Unknown
// discriminators decode to *RawRecord.
func UnmarshalRecord(data []byte) (IngestRecord, error) {
	var probe struct {
		Signal SignalType `json:"signal"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	var rec IngestRecord
	switch probe.Signal {
	case SignalECG:
		rec = &ECGRecord{}
	case SignalHRDerived:
		rec = &HeartRateRecord{}
	case SignalRespRR:
		rec = &RespirationRecord{}
	case SignalGuidance:
		rec = &GuidanceRecord{}
	case SignalBreathTarget:
		rec = &BreathTargetRecord{}
	default:
		raw := &RawRecord{Kind: probe.Signal, Raw: append(json.RawMessage(nil), data...)}
		if err := json.Unmarshal(data, &raw.Header); err != nil {
			return nil, fmt.Errorf("failed to decode record header: %w", err)
		}
		return raw, nil
	}

	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", probe.Signal, err)
	}
	return rec, nil
}

// Records is a list of records that round-trips through JSON.
type Records []IngestRecord

func (rs Records) MarshalJSON() ([]byte, error) {
	if rs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]IngestRecord(rs))
}

func (rs *Records) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Records, 0, len(raws))
	for i, raw := range raws {
		rec, err := UnmarshalRecord(raw)
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, rec)
	}
	*rs = out
	return nil
}

// NewECGRecord builds the wire record for one decoded ECG notification.
func NewECGRecord(deviceID, sessionID string, s ECGSample) *ECGRecord {
	return &ECGRecord{
		Header:  Header{DeviceID: deviceID, SessionID: sessionID, TS: s.Timestamp.UnixMilli()},
		Samples: s.Samples,
	}
}

// NewHeartRateRecord builds the wire record for one heart rate notification.
func NewHeartRateRecord(deviceID, sessionID string, s HeartRateSample) *HeartRateRecord {
	return &HeartRateRecord{
		Header:        Header{DeviceID: deviceID, SessionID: sessionID, TS: s.Timestamp.UnixMilli()},
		BPM:           float64(s.BPM),
		RRIntervalsMs: s.RRIntervalsMs,
	}
}

// dtLayout is the backend's human readable timestamp, milliseconds appended.
const dtLayout = "02-01-2006 15:04:05"

// FormatDT renders an epoch-ms timestamp as "DD-MM-YYYY HH:MM:SS:mmm".
func FormatDT(ts int64) string {
	t := time.UnixMilli(ts).UTC()
	return fmt.Sprintf("%s:%03d", t.Format(dtLayout), ts%1000)
}

// NormalizeTimestamp converts second, microsecond or nanosecond epochs to
// milliseconds. Values that fit no known unit fall back to now.
func NormalizeTimestamp(ts int64, now time.Time) int64 {
	switch {
	case ts > 100_000_000_000_000_000:
		return ts / 1_000_000
	case ts > 100_000_000_000_000:
		return ts / 1_000
	case ts > 100_000_000_000:
		return ts
	case ts > 100_000_000:
		return ts * 1000
	default:
		return now.UnixMilli()
	}
}
