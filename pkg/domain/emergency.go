package domain

import dErrors "github.com/SearocIsMe/elderly-companion/pkg/domain-errors"

// Severity grades an emergency from 1 (lowest) to 4 (critical).
type Severity int

// Severity bounds.
const (
	SeverityMin Severity = 1
	SeverityMax Severity = 4
)

// ParseSeverity validates a severity value from external input.
func ParseSeverity(n int) (Severity, error) {
	s := Severity(n)
	if !s.IsValid() {
		return 0, dErrors.New(dErrors.CodeBadRequest, "severity must be in 1..4")
	}
	return s, nil
}

// IsValid reports whether the severity is within the supported range.
func (s Severity) IsValid() bool {
	return s >= SeverityMin && s <= SeverityMax
}

// EmergencyCategory classifies why an emergency was raised. Categories are
// ordered: when an utterance matches keywords from more than one category the
// highest-ranked one wins.
type EmergencyCategory string

// Emergency categories, highest rank first.
const (
	CategoryMedical   EmergencyCategory = "medical"
	CategoryFall      EmergencyCategory = "fall"
	CategorySOS       EmergencyCategory = "sos"
	CategorySecurity  EmergencyCategory = "security"
	CategoryDistress  EmergencyCategory = "distress"
	CategoryElevation EmergencyCategory = "elevation"
)

// categoryRank orders categories for tie-breaking; lower is more urgent.
var categoryRank = map[EmergencyCategory]int{
	CategoryMedical:   0,
	CategoryFall:      1,
	CategorySOS:       2,
	CategorySecurity:  3,
	CategoryDistress:  4,
	CategoryElevation: 5,
}

// ParseEmergencyCategory constructs an EmergencyCategory from external input.
func ParseEmergencyCategory(s string) (EmergencyCategory, error) {
	c := EmergencyCategory(s)
	if !c.IsValid() {
		return "", dErrors.New(dErrors.CodeBadRequest, "unknown emergency category")
	}
	return c, nil
}

// IsValid checks if the category is one of the supported enum values.
func (c EmergencyCategory) IsValid() bool {
	_, ok := categoryRank[c]
	return ok
}

// Rank returns the urgency rank of the category; lower is more urgent.
// Unknown categories rank last.
func (c EmergencyCategory) Rank() int {
	if r, ok := categoryRank[c]; ok {
		return r
	}
	return len(categoryRank)
}

// String returns the string representation of the category.
func (c EmergencyCategory) String() string {
	return string(c)
}
