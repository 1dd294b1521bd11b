package orchestrator

import (
	"fmt"
	"strings"

	"github.com/knearme/portfolio-agent/internal/portfolio"
	"github.com/knearme/portfolio-agent/internal/subagent"
)

// failureMessage turns a specialist failure into the soft continuation the
// user sees. Raw error text never reaches the user.
func failureMessage(typ subagent.Type, info *subagent.ErrorInfo) string {
	var doing string
	switch typ {
	case subagent.TypeStory:
		doing = "writing up your project"
	case subagent.TypeDesign:
		doing = "putting the layout together"
	case subagent.TypeQuality:
		doing = "reviewing the page"
	default:
		doing = "working on that"
	}
	if info != nil && info.Kind == subagent.ErrKindTimeout {
		return fmt.Sprintf("That took longer than expected while %s. Everything you've told me so far is saved — want me to try again?", doing)
	}
	return fmt.Sprintf("I hit a snag while %s. Nothing was lost — we can retry, or keep going and come back to it.", doing)
}

func synthesizeStoryMessage(outcome subagent.StoryOutcome, res subagent.Result, state *portfolio.State) string {
	// A follow-up question is the whole point of the turn when present.
	if q := strings.TrimSpace(outcome.FollowUpQuestion); q != "" {
		if msg := strings.TrimSpace(res.Message); msg != "" {
			return msg + " " + q
		}
		return q
	}
	if msg := strings.TrimSpace(res.Message); msg != "" {
		return msg
	}
	if state != nil && strings.TrimSpace(state.Project.Title) != "" {
		return fmt.Sprintf("I've updated the write-up for %q.", state.Project.Title)
	}
	return "I've noted that down and updated the project."
}

func synthesizeDesignMessage(outcome subagent.DesignOutcome, res subagent.Result) string {
	parts := make([]string, 0, 2)
	if msg := strings.TrimSpace(res.Message); msg != "" {
		parts = append(parts, msg)
	} else if len(outcome.Blocks) > 0 {
		parts = append(parts, "The layout is ready to preview.")
	} else {
		parts = append(parts, "I've updated the page styling.")
	}
	// The design agent explains its choices in plain language; that
	// rationale travels with the preview instead of being dropped.
	if r := strings.TrimSpace(outcome.Rationale); r != "" {
		parts = append(parts, r)
	}
	return strings.Join(parts, " ")
}

func synthesizeQualityMessage(outcome subagent.QualityOutcome, res subagent.Result) string {
	var b strings.Builder
	if msg := strings.TrimSpace(res.Message); msg != "" {
		b.WriteString(msg)
	} else if outcome.Assessment.Ready {
		b.WriteString("The page looks ready to go.")
	} else {
		b.WriteString("A few things could make the page stronger.")
	}
	for _, s := range outcome.Assessment.Suggestions {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(s))
	}
	if !outcome.Assessment.Ready {
		b.WriteString(" You can publish now anyway — these are just suggestions.")
	}
	return b.String()
}
