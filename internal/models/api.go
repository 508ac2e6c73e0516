package models

import (
	"encoding/json"
	"sort"
)

// Device is a sensor registered with the collection service.
type Device struct {
	ID        string         `json:"_id"`
	DeviceID  string         `json:"device_id"`
	Name      string         `json:"name,omitempty"`
	Type      string         `json:"type,omitempty"`
	CreatedAt string         `json:"created_at"`
	LastSeen  string         `json:"last_seen"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type DeviceCreate struct {
	DeviceID string         `json:"device_id"`
	Name     string         `json:"name,omitempty"`
	Type     string         `json:"type,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type DeviceUpdate struct {
	Name     *string        `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session status values.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// Session is one guided breathing session.
type Session struct {
	ID            string         `json:"_id"`
	SessionID     string         `json:"session_id"`
	DeviceID      string         `json:"device_id"`
	StartedAt     string         `json:"started_at"`
	EndedAt       string         `json:"ended_at,omitempty"`
	TechniqueName string         `json:"technique_name,omitempty"`
	ParamVersion  string         `json:"param_version"`
	TargetRR      *float64       `json:"target_rr,omitempty"`
	Status        string         `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type SessionCreate struct {
	DeviceID      string         `json:"device_id"`
	TechniqueName string         `json:"technique_name,omitempty"`
	ParamVersion  string         `json:"param_version,omitempty"`
	TargetRR      *float64       `json:"target_rr,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type SessionUpdate struct {
	TechniqueName *string        `json:"technique_name,omitempty"`
	TargetRR      *float64       `json:"target_rr,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SessionQuery filters session listings. Zero values are omitted.
type SessionQuery struct {
	DeviceID  string
	Status    string
	StartDate string
	EndDate   string
	Limit     int
	Skip      int
}

// SignalQuery filters signal listings. Zero values are omitted.
type SignalQuery struct {
	DeviceID  string
	SessionID string
	Signal    SignalType
	StartTS   int64
	EndTS     int64
	Limit     int
	Skip      int
}

// Technique is a breathing technique. Each protocol step is
// [in, hold1, out, hold2, repeats?] in seconds.
type Technique struct {
	ID           string      `json:"_id,omitempty"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	ParamVersion string      `json:"param_version,omitempty"`
	Protocol     [][]float64 `json:"protocol"`
	ShowInApp    bool        `json:"show_in_app"`
	IsActive     bool        `json:"is_active"`
	CreatedAt    string      `json:"created_at,omitempty"`
	UpdatedAt    string      `json:"updated_at,omitempty"`
}

type TechniqueCreate struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Protocol    BreathCycle `json:"protocol"`
	ShowInApp   *bool       `json:"show_in_app,omitempty"`
	IsActive    *bool       `json:"is_active,omitempty"`
}

// Techniques decodes either a JSON array of techniques or an object keyed
// by technique name. Object entries are ordered by name.
type Techniques []Technique

func (ts *Techniques) UnmarshalJSON(data []byte) error {
	var list []Technique
	if err := json.Unmarshal(data, &list); err == nil {
		*ts = list
		return nil
	}

	var byName map[string]Technique
	if err := json.Unmarshal(data, &byName); err != nil {
		return err
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(Techniques, 0, len(names))
	for _, name := range names {
		t := byName[name]
		if t.Name == "" {
			t.Name = name
		}
		out = append(out, t)
	}
	*ts = out
	return nil
}

type FeedbackSettings struct {
	StabilityThreshold float64 `json:"stability_threshold"`
	MinStableTime      float64 `json:"min_stable_time"`
	FeedbackDelay      float64 `json:"feedback_delay"`
}

type FeedbackRule struct {
	Condition  string `json:"condition"`
	VisualText string `json:"visual_text"`
	AudioText  string `json:"audio_text"`
	Color      string `json:"color"`
}

// FeedbackRules configure the guidance the service generates.
type FeedbackRules struct {
	ID        string           `json:"_id,omitempty"`
	Settings  FeedbackSettings `json:"settings"`
	Rules     []FeedbackRule   `json:"rules"`
	UpdatedAt string           `json:"updated_at,omitempty"`
}

// ParameterSet is a versioned bag of processing parameters.
type ParameterSet struct {
	ID         string         `json:"_id,omitempty"`
	Version    string         `json:"version"`
	IsDefault  bool           `json:"is_default"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  string         `json:"created_at,omitempty"`
	UpdatedAt  string         `json:"updated_at,omitempty"`
}

// SystemStatus is the collection service health report.
type SystemStatus struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// IngestResponse reports how many records the service accepted. Services
// answer with either "ingested" or "accepted"; Count returns whichever
// was set.
type IngestResponse struct {
	Ingested  *int   `json:"ingested,omitempty"`
	Accepted  *int   `json:"accepted,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (r IngestResponse) Count() int {
	switch {
	case r.Ingested != nil:
		return *r.Ingested
	case r.Accepted != nil:
		return *r.Accepted
	}
	return 0
}
