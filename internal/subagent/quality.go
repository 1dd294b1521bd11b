package subagent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knearme/portfolio-agent/internal/portfolio"
)

// QualityOutcome is the typed mapping of a successful quality invocation.
// The assessment is advisory: nothing in it feeds a publish gate, and the
// orchestrator keeps the previous assessment when the agent fails rather
// than fabricating a readiness value.
type QualityOutcome struct {
	Update     *portfolio.Update
	Assessment portfolio.Assessment
}

type qualityPayload struct {
	Ready            bool     `json:"ready"`
	ConfidenceLevel  string   `json:"confidence_level"`
	Suggestions      []string `json:"suggestions"`
	ContextualChecks []string `json:"contextual_checks"`
}

// MapQualityResult converts a successful quality result into an assessment
// delta. An unrecognized confidence level degrades to "low" instead of being
// trusted.
func MapQualityResult(res Result) (QualityOutcome, error) {
	if res.Failed() {
		return QualityOutcome{}, fmt.Errorf("cannot map failed result")
	}
	var payload qualityPayload
	if err := json.Unmarshal([]byte(res.Raw), &payload); err != nil {
		return QualityOutcome{}, fmt.Errorf("decode quality payload: %w", err)
	}

	level := strings.ToLower(strings.TrimSpace(payload.ConfidenceLevel))
	if !portfolio.IsValidAssessConfidence(level) {
		level = portfolio.AssessConfidenceLow
	}

	assessment := portfolio.Assessment{
		Ready:            payload.Ready,
		Confidence:       level,
		Suggestions:      trimNonEmpty(payload.Suggestions),
		ContextualChecks: trimNonEmpty(payload.ContextualChecks),
	}
	return QualityOutcome{
		Update:     &portfolio.Update{Assessment: &assessment},
		Assessment: assessment,
	}, nil
}

func trimNonEmpty(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		if v := strings.TrimSpace(raw); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
