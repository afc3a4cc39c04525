// internal/prompt/builder.go
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/InsightForge/oracle/internal/analysis"
	"github.com/InsightForge/oracle/internal/domain"
)

// TranscriptWindow bounds how many prior turns each model sees. Older
// turns are truncated so prompt size stays flat however many rounds a
// conversation runs.
const TranscriptWindow = 6

// Build assembles the prompt for one turn. It is a pure function: the
// same (domain, payload, turns, model) always yields byte-identical
// output, which the orchestrator relies on for testability.
func Build(d domain.Domain, payload json.RawMessage, turns []analysis.Turn, model string) string {
	var b strings.Builder

	b.WriteString(template(d))
	b.WriteString("\n\nDOMAIN: ")
	b.WriteString(strings.ToUpper(string(d)))
	b.WriteString("\nMODEL: ")
	b.WriteString(model)

	b.WriteString("\n\n")
	b.WriteString(outputContract)

	if transcript := condenseTranscript(turns); transcript != "" {
		b.WriteString("\n\nCONVERSATION SO FAR:\n")
		b.WriteString(transcript)
	}

	b.WriteString("\n\nDATA TO ANALYZE:\n")
	b.WriteString(formatPayload(payload))

	return b.String()
}

// outputContract tells the backend how to mark up findings so the
// orchestrator can parse them. Free text outside these markers is kept
// in the transcript but does not become structured output.
const outputContract = `Mark every finding on its own line as:
INSIGHT: <pattern|anomaly|trend|prediction>|<low|medium|high>|<confidence 0.0-1.0>|<description>
Mark every recommendation on its own line as:
RECOMMEND: <recommendation>`

func template(d domain.Domain) string {
	switch d {
	case domain.Finance:
		return "You are a quantitative analyst specializing in portfolio and market data.\n" +
			"Assess positions, concentration risk, and market opportunities in the data below."
	case domain.Healthcare:
		return "You are a clinical data analyst. Review the metrics below for abnormal\n" +
			"values, concerning combinations, and monitoring priorities.\n" +
			"This is informational only; defer to qualified healthcare professionals."
	case domain.Ecommerce:
		return "You are an e-commerce analyst focused on sales, conversion and retention.\n" +
			"Identify demand patterns, inventory signals, and growth levers in the data below."
	case domain.Logistics:
		return "You are a logistics analyst. Examine the data below for route efficiency,\n" +
			"inventory bottlenecks, and supply chain risk."
	case domain.Manufacturing:
		return "You are a manufacturing analyst. Review the data below for throughput,\n" +
			"defect rates, and maintenance signals."
	case domain.RealEstate:
		return "You are a real estate analyst. Assess the data below for valuation trends,\n" +
			"occupancy patterns, and market positioning."
	case domain.Education:
		return "You are an education data analyst. Review the data below for learning\n" +
			"outcomes, engagement patterns, and cohort trends."
	case domain.Environmental:
		return "You are an environmental data analyst. Examine the data below for emission\n" +
			"trends, resource usage patterns, and compliance signals."
	default:
		return "You are a data analyst specializing in pattern recognition.\n" +
			"Identify patterns, anomalies, trends and predictions in the data below."
	}
}

// condenseTranscript renders the most recent TranscriptWindow turns,
// oldest first, with a marker for anything elided. Failed turns are
// skipped; the model only needs usable context.
func condenseTranscript(turns []analysis.Turn) string {
	var usable []analysis.Turn
	for _, t := range turns {
		if !t.Failed {
			usable = append(usable, t)
		}
	}
	if len(usable) == 0 {
		return ""
	}

	elided := 0
	if len(usable) > TranscriptWindow {
		elided = len(usable) - TranscriptWindow
		usable = usable[elided:]
	}

	var b strings.Builder
	if elided > 0 {
		fmt.Fprintf(&b, "[%d earlier turns truncated]\n", elided)
	}
	for _, t := range usable {
		fmt.Fprintf(&b, "[round %d, %s]\n%s\n", t.Round, t.Model, strings.TrimSpace(t.Response))
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatPayload renders the payload as indented JSON. json.Indent over
// the raw bytes preserves key order, keeping output deterministic for
// identical input bytes.
func formatPayload(payload json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return string(payload)
	}
	return buf.String()
}
