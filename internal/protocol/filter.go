package protocol

import (
	"regexp"
	"strings"
)

var polarModel = regexp.MustCompile(`(?i)^(H10|H9|OH1\+?|Verity\s*Sense)$`)

// IsPolarDevice reports whether an advertised name belongs to a supported
// sensor. Unnamed advertisements pass because some stacks omit the name from
// scan records.
func IsPolarDevice(name *string) bool {
	if name == nil {
		return true
	}
	n := strings.TrimSpace(*name)
	if n == "" {
		return true
	}
	if strings.Contains(strings.ToLower(n), "polar") {
		return true
	}
	return polarModel.MatchString(n)
}

// NamePrefixes are the request filters the browser bridge hands to the
// page's device chooser.
var NamePrefixes = []string{"Polar"}

// ExactNames are the model names advertised without the vendor prefix.
var ExactNames = []string{"H10", "H9", "OH1", "OH1+"}
