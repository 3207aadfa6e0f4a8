package pollen

import (
	"strings"
	"unicode"
)

// riskRanks orders normalized risk labels by severity.
var riskRanks = map[string]int{
	"very-high": 5,
	"extreme":   5,
	"severe":    4,
	"high":      3,
	"moderate":  2,
	"medium":    2,
	"low":       1,
	"very-low":  0,
	"minimal":   0,
}

// unknownRisk ranks below every known label.
const unknownRisk = -1

// NormalizeRisk lower-cases a label and turns whitespace and underscores into
// single hyphens, so "Very High" and "very_high" both become "very-high".
func NormalizeRisk(label string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(label)), func(r rune) bool {
		return unicode.IsSpace(r) || r == '_'
	})
	return strings.Join(fields, "-")
}

// RiskScore ranks a label; nil, empty and unrecognized labels score -1.
func RiskScore(label *string) int {
	if label == nil {
		return unknownRisk
	}
	if rank, ok := riskRanks[NormalizeRisk(*label)]; ok {
		return rank
	}
	return unknownRisk
}

// PickHigherRisk returns candidate only when it ranks strictly higher than
// current. A nil current is replaced by any non-nil candidate.
func PickHigherRisk(current, candidate *string) *string {
	if candidate == nil {
		return current
	}
	if current == nil {
		return candidate
	}
	if RiskScore(candidate) > RiskScore(current) {
		return candidate
	}
	return current
}

// MaxOf is the daily-max merge: a missing value never lowers the result and
// the result is nil only when neither side was observed.
func MaxOf(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *b > *a:
		return b
	default:
		return a
	}
}

// FirstNonEmpty returns the first value that is non-nil and not blank.
func FirstNonEmpty(values ...*string) *string {
	for _, v := range values {
		if v != nil && strings.TrimSpace(*v) != "" {
			return v
		}
	}
	return nil
}

// sourced is implemented by values that carry provenance for PreferNonForecast.
type sourced interface {
	source() Source
	forecast() bool
}

// PreferNonForecast selects the canonical item for a city/time bucket: the
// first ambee actual in arrival order, otherwise the first item.
func PreferNonForecast[T sourced](items []T) (T, bool) {
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	for _, it := range items {
		if it.source() == SourceAmbee && !it.forecast() {
			return it, true
		}
	}
	return items[0], true
}
