package protocol

import "testing"

func strPtr(s string) *string { return &s }

func TestIsPolarDevice(t *testing.T) {
	tests := []struct {
		name *string
		want bool
	}{
		{nil, true},
		{strPtr(""), true},
		{strPtr("   "), true},
		{strPtr("Polar H10 A1B2C3D4"), true},
		{strPtr("POLAR OH1"), true},
		{strPtr("H10"), true},
		{strPtr("h9"), true},
		{strPtr("OH1+"), true},
		{strPtr("Verity Sense"), true},
		{strPtr("veritysense"), true},
		{strPtr("Mi Band 7"), false},
		{strPtr("H10 Pro"), false},
		{strPtr("Garmin HRM"), false},
	}

	for _, tt := range tests {
		label := "<nil>"
		if tt.name != nil {
			label = *tt.name
		}
		if got := IsPolarDevice(tt.name); got != tt.want {
			t.Errorf("IsPolarDevice(%q) = %v, want %v", label, got, tt.want)
		}
	}
}
