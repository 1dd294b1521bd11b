package portfolio

// PublishDecision is the answer to "may this project be published right now".
// Allowed is always true: the quality assessment is advisory and nothing in
// this core sets a blocking flag. Suggestions and Checks are display strings
// copied from the assessment for the caller to render, nothing more.
type PublishDecision struct {
	Allowed     bool     `json:"allowed"`
	Suggestions []string `json:"suggestions,omitempty"`
	Checks      []string `json:"checks,omitempty"`
}

// PublishEligibility answers the publish question independently of the quality
// agent. It reads only display strings from the assessment; the Ready flag is
// deliberately not consulted so a ready=false (or absent) assessment can never
// gate a publish.
func PublishEligibility(s *State) PublishDecision {
	out := PublishDecision{Allowed: true}
	if s == nil || s.Assessment == nil {
		return out
	}
	out.Suggestions = cloneStrings(s.Assessment.Suggestions)
	out.Checks = cloneStrings(s.Assessment.ContextualChecks)
	return out
}
