package models

import (
	"encoding/json"
	"fmt"
)

// SignalRecord is a record as pushed by the collection service's stream:
// the wire record plus the server assigned id.
type SignalRecord struct {
	ID     string
	Record IngestRecord
}

// Signal returns the record's discriminator.
func (s SignalRecord) Signal() SignalType {
	if s.Record == nil {
		return ""
	}
	return s.Record.Signal()
}

// Header returns the record envelope, zero if the record is missing.
func (s SignalRecord) Header() Header {
	if s.Record == nil {
		return Header{}
	}
	return *s.Record.Envelope()
}

func (s SignalRecord) MarshalJSON() ([]byte, error) {
	if s.Record == nil {
		return nil, fmt.Errorf("signal record %q has no payload", s.ID)
	}
	body, err := MarshalRecord(s.Record)
	if err != nil {
		return nil, err
	}
	if _, raw := s.Record.(*RawRecord); raw || s.ID == "" {
		return body, nil
	}
	id, err := json.Marshal(s.ID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(id)+8)
	out = append(out, `{"_id":`...)
	out = append(out, id...)
	out = append(out, ',')
	return append(out, body[1:]...), nil
}

func (s *SignalRecord) UnmarshalJSON(data []byte) error {
	var meta struct {
		ID json.RawMessage `json:"_id"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	rec, err := UnmarshalRecord(data)
	if err != nil {
		return err
	}
	s.ID = decodeID(meta.ID)
	s.Record = rec
	return nil
}

// decodeID accepts string ids as well as the {"$oid": "..."} form.
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return str
	}
	var oid struct {
		OID string `json:"$oid"`
	}
	if json.Unmarshal(raw, &oid) == nil {
		return oid.OID
	}
	return string(raw)
}
