// internal/domain/domain.go
package domain

import "strings"

// Domain selects the prompt template family used for an analysis.
type Domain string

const (
	Finance       Domain = "finance"
	Healthcare    Domain = "healthcare"
	Ecommerce     Domain = "ecommerce"
	Logistics     Domain = "logistics"
	Manufacturing Domain = "manufacturing"
	RealEstate    Domain = "realestate"
	Education     Domain = "education"
	Environmental Domain = "environmental"
	Generic       Domain = "generic"
)

// Parse maps a caller-supplied tag to a Domain. Unrecognized tags fall
// back to Generic rather than erroring, keeping the tag set open.
func Parse(s string) Domain {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "finance":
		return Finance
	case "healthcare":
		return Healthcare
	case "ecommerce":
		return Ecommerce
	case "logistics":
		return Logistics
	case "manufacturing":
		return Manufacturing
	case "realestate", "real_estate":
		return RealEstate
	case "education":
		return Education
	case "environmental":
		return Environmental
	default:
		return Generic
	}
}

// All returns every supported domain tag.
func All() []Domain {
	return []Domain{
		Finance, Healthcare, Ecommerce, Logistics,
		Manufacturing, RealEstate, Education, Environmental, Generic,
	}
}

// InsightKind categorizes a derived insight.
type InsightKind string

const (
	KindPattern    InsightKind = "pattern"
	KindAnomaly    InsightKind = "anomaly"
	KindTrend      InsightKind = "trend"
	KindPrediction InsightKind = "prediction"
)

// ParseKind returns the insight kind for s, or false if unrecognized.
func ParseKind(s string) (InsightKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pattern":
		return KindPattern, true
	case "anomaly":
		return KindAnomaly, true
	case "trend":
		return KindTrend, true
	case "prediction":
		return KindPrediction, true
	default:
		return "", false
	}
}

// Impact grades how much an insight matters.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// ParseImpact maps s to an Impact, defaulting to low for anything
// unrecognized so a sloppy backend never inflates severity.
func ParseImpact(s string) Impact {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return ImpactHigh
	case "medium":
		return ImpactMedium
	default:
		return ImpactLow
	}
}
