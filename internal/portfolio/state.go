// Package portfolio defines the shared project state that all agents read and
// write while a portfolio page is being built, plus the deterministic merge
// and checkpoint rules the orchestrator applies to it.
//
// Ownership model:
//   - The orchestrator is the only component that mutates a State.
//   - Subagents receive immutable snapshots (Clone) and return deltas (Update).
//   - Each agent writes a distinct sub-section; no cross-namespace writes.
package portfolio

import "strings"

// Voice values for BusinessContext.Voice.
const (
	VoiceFormal    = "formal"
	VoiceCasual    = "casual"
	VoiceTechnical = "technical"
)

// Image categories inferred by the story agent. An empty category means the
// image has not been categorized yet.
const (
	ImageCategoryBefore   = "before"
	ImageCategoryAfter    = "after"
	ImageCategoryProgress = "progress"
	ImageCategoryDetail   = "detail"
)

// Assessment confidence levels.
const (
	AssessConfidenceHigh   = "high"
	AssessConfidenceMedium = "medium"
	AssessConfidenceLow    = "low"
)

// BusinessContext is inferred by the story agent from conversation.
// Type is free-form on purpose: the set of trades is open-ended.
type BusinessContext struct {
	Name       string   `json:"name,omitempty"`
	Type       string   `json:"type,omitempty"`
	Voice      string   `json:"voice,omitempty"`
	Vocabulary []string `json:"vocabulary,omitempty"`
}

// ImageRecord references an externally stored image. Records are created when
// an upload registers an image; agents only categorize, reorder, and mark the
// hero. Deletion is an external operation.
type ImageRecord struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Category     string `json:"category,omitempty"`
	AltText      string `json:"alt_text,omitempty"`
	DisplayOrder int    `json:"display_order"`
	IsHero       bool   `json:"is_hero,omitempty"`
}

// Project is the narrative section written by the story agent.
type Project struct {
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Story       string        `json:"story,omitempty"`
	Images      []ImageRecord `json:"images,omitempty"`
}

// Design holds the token selections made by the design agent. Every field is
// a value from a closed set (see internal/subagent design tokens), never free
// text, so visual variation stays bounded.
type Design struct {
	Layout       string `json:"layout,omitempty"`
	Spacing      string `json:"spacing,omitempty"`
	HeadingStyle string `json:"heading_style,omitempty"`
	AccentColor  string `json:"accent_color,omitempty"`
	HeroImageID  string `json:"hero_image_id,omitempty"`
}

// Assessment is the quality agent's advisory readiness report. It never gates
// anything: Ready=false must not block a publish action.
type Assessment struct {
	Ready            bool     `json:"ready"`
	Confidence       string   `json:"confidence,omitempty"`
	Suggestions      []string `json:"suggestions,omitempty"`
	ContextualChecks []string `json:"contextual_checks,omitempty"`
}

// State is the single source of truth for one portfolio-in-progress.
//
// Design/Assessment are pointers so "never produced" is distinguishable from
// "produced with zero values"; the orchestrator preserves the previous
// Assessment on quality-agent failure instead of fabricating one.
type State struct {
	ConversationID string `json:"conversation_id"`

	BusinessContext BusinessContext `json:"business_context"`
	Project         Project         `json:"project"`
	Design          *Design         `json:"design,omitempty"`
	Assessment      *Assessment     `json:"assessment,omitempty"`

	Checkpoint Checkpoint `json:"checkpoint,omitempty"`

	// Flattened vocabulary fields kept for the page templates that render
	// them as filter chips. Set-typed fields merge via insertion-order union.
	Materials  []string `json:"materials,omitempty"`
	Techniques []string `json:"techniques,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Location    string `json:"location,omitempty"`
	HeroImageID string `json:"hero_image_id,omitempty"`
}

// NewState returns an empty state for a conversation.
func NewState(conversationID string) *State {
	return &State{ConversationID: strings.TrimSpace(conversationID)}
}

// Clone returns a deep copy. Subagents only ever see clones, never the live
// state the orchestrator owns.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.BusinessContext.Vocabulary = cloneStrings(s.BusinessContext.Vocabulary)
	out.Project.Images = CloneImages(s.Project.Images)
	if s.Design != nil {
		d := *s.Design
		out.Design = &d
	}
	if s.Assessment != nil {
		a := *s.Assessment
		a.Suggestions = cloneStrings(s.Assessment.Suggestions)
		a.ContextualChecks = cloneStrings(s.Assessment.ContextualChecks)
		out.Assessment = &a
	}
	out.Materials = cloneStrings(s.Materials)
	out.Techniques = cloneStrings(s.Techniques)
	out.Tags = cloneStrings(s.Tags)
	return &out
}

// ImageByID returns the image record with the given id, if present.
func (s *State) ImageByID(id string) (ImageRecord, bool) {
	id = strings.TrimSpace(id)
	if s == nil || id == "" {
		return ImageRecord{}, false
	}
	for _, img := range s.Project.Images {
		if img.ID == id {
			return img, true
		}
	}
	return ImageRecord{}, false
}

// CloneImages copies an image slice. Image slices are always replaced
// wholesale, so a copy is enough to keep snapshots isolated.
func CloneImages(in []ImageRecord) []ImageRecord {
	if len(in) == 0 {
		return nil
	}
	out := make([]ImageRecord, len(in))
	copy(out, in)
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// IsValidVoice reports whether v is a recognized voice token.
func IsValidVoice(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case VoiceFormal, VoiceCasual, VoiceTechnical:
		return true
	default:
		return false
	}
}

// IsValidImageCategory reports whether c is a recognized image category.
// Unknown categories are tolerated elsewhere (they sort last for hero
// selection) but are never written into state.
func IsValidImageCategory(c string) bool {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case ImageCategoryBefore, ImageCategoryAfter, ImageCategoryProgress, ImageCategoryDetail:
		return true
	default:
		return false
	}
}

// IsValidAssessConfidence reports whether c is a recognized confidence level.
func IsValidAssessConfidence(c string) bool {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case AssessConfidenceHigh, AssessConfidenceMedium, AssessConfidenceLow:
		return true
	default:
		return false
	}
}
