// internal/orchestrator/insights.go
package orchestrator

import (
	"strconv"
	"strings"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/domain"
)

const (
	insightMarker   = "INSIGHT:"
	recommendMarker = "RECOMMEND:"
)

// ExtractInsights scans successful turns for the structured marker
// lines the prompt contract asks for:
//
//	INSIGHT: kind|impact|confidence|description
//
// Responses that produce no parsable insight anywhere degrade to a
// single low-confidence generic insight so the request still completes.
func ExtractInsights(turns []analysis.Turn) []analysis.Insight {
	var out []analysis.Insight
	for _, t := range turns {
		if t.Failed {
			continue
		}
		for _, line := range strings.Split(t.Response, "\n") {
			if insight, ok := parseInsightLine(line); ok {
				out = append(out, insight)
			}
		}
	}

	if len(out) == 0 {
		out = append(out, analysis.Insight{
			Kind:        domain.KindPattern,
			Description: "analysis produced no structured findings; review raw transcript",
			Confidence:  0.1,
			Impact:      domain.ImpactLow,
		})
	}
	return out
}

func parseInsightLine(line string) (analysis.Insight, bool) {
	line = strings.TrimSpace(line)
	rest, found := strings.CutPrefix(line, insightMarker)
	if !found {
		return analysis.Insight{}, false
	}

	parts := strings.SplitN(rest, "|", 4)
	if len(parts) != 4 {
		return analysis.Insight{}, false
	}

	kind, ok := domain.ParseKind(parts[0])
	if !ok {
		return analysis.Insight{}, false
	}

	confidence, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return analysis.Insight{}, false
	}
	confidence = clamp01(confidence)

	description := strings.TrimSpace(parts[3])
	if description == "" {
		return analysis.Insight{}, false
	}

	return analysis.Insight{
		Kind:        kind,
		Description: description,
		Confidence:  confidence,
		Impact:      domain.ParseImpact(parts[1]),
	}, true
}

// ExtractRecommendations unions RECOMMEND: lines across turns in
// first-seen order, deduplicated case-insensitively.
func ExtractRecommendations(turns []analysis.Turn) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range turns {
		if t.Failed {
			continue
		}
		for _, line := range strings.Split(t.Response, "\n") {
			rest, found := strings.CutPrefix(strings.TrimSpace(line), recommendMarker)
			if !found {
				continue
			}
			rec := strings.TrimSpace(rest)
			if rec == "" {
				continue
			}
			key := strings.ToLower(rec)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, rec)
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
