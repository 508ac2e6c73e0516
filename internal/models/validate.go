package models

// ValidationError represents a record validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the fields every collection service requires.
func Validate(r IngestRecord) error {
	if r == nil {
		return &ValidationError{Field: "record", Message: "is required"}
	}
	h := r.Envelope()
	if h.DeviceID == "" {
		return &ValidationError{Field: "device_id", Message: "is required"}
	}
	if r.Signal() == "" {
		return &ValidationError{Field: "signal", Message: "is required"}
	}
	if h.TS < 0 {
		return &ValidationError{Field: "ts", Message: "must not be negative"}
	}

	switch rec := r.(type) {
	case *ECGRecord:
		if len(rec.Samples) == 0 {
			return &ValidationError{Field: "samples", Message: "must not be empty"}
		}
	case *HeartRateRecord:
		if rec.BPM < 0 {
			return &ValidationError{Field: "bpm", Message: "must not be negative"}
		}
	case *GuidanceRecord:
		switch rec.Color {
		case "", "ok", "warn", "bad", "accent":
		default:
			return &ValidationError{Field: "color", Message: "must be one of ok, warn, bad, accent"}
		}
	case *BreathTargetRecord:
		if rec.TargetRR < 0 {
			return &ValidationError{Field: "TargetRR", Message: "must not be negative"}
		}
	}
	return nil
}
