package subagent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knearme/portfolio-agent/internal/portfolio"
)

// StoryOutcome is the typed mapping of a successful story invocation.
type StoryOutcome struct {
	Update           *portfolio.Update
	FollowUpQuestion string
	CheckpointSignal portfolio.Checkpoint
}

type storyImagePayload struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	AltText      string `json:"alt_text"`
	DisplayOrder int    `json:"display_order"`
	IsHero       bool   `json:"is_hero"`
}

type storyPayload struct {
	BusinessContext *struct {
		Name       string   `json:"name"`
		Type       string   `json:"type"`
		Voice      string   `json:"voice"`
		Vocabulary []string `json:"vocabulary"`
	} `json:"business_context"`
	Project *struct {
		Title       string              `json:"title"`
		Description string              `json:"description"`
		Story       string              `json:"story"`
		Images      []storyImagePayload `json:"images"`
	} `json:"project"`
	Materials        []string `json:"materials"`
	Techniques       []string `json:"techniques"`
	Tags             []string `json:"tags"`
	City             string   `json:"city"`
	State            string   `json:"state"`
	Location         string   `json:"location"`
	FollowUpQuestion string   `json:"follow_up_question"`
	CheckpointSignal string   `json:"checkpoint_signal"`
}

// MapStoryResult converts a successful story result into a state delta.
// Image entries are joined against the snapshot by id: the model only ever
// categorizes and reorders images that exist, it cannot invent or drop them.
// Ids not present in the snapshot are discarded.
func MapStoryResult(res Result, snapshot *portfolio.State) (StoryOutcome, error) {
	if res.Failed() {
		return StoryOutcome{}, fmt.Errorf("cannot map failed result")
	}
	var payload storyPayload
	if err := json.Unmarshal([]byte(res.Raw), &payload); err != nil {
		return StoryOutcome{}, fmt.Errorf("decode story payload: %w", err)
	}

	update := &portfolio.Update{
		Materials:  normalizeTerms(payload.Materials),
		Techniques: normalizeTerms(payload.Techniques),
		Tags:       normalizeTerms(payload.Tags),
		City:       strings.TrimSpace(payload.City),
		State:      strings.TrimSpace(payload.State),
		Location:   strings.TrimSpace(payload.Location),
	}

	if bc := payload.BusinessContext; bc != nil {
		update.BusinessContext = &portfolio.BusinessContext{
			Name:       strings.TrimSpace(bc.Name),
			Type:       strings.TrimSpace(bc.Type),
			Voice:      strings.ToLower(strings.TrimSpace(bc.Voice)),
			Vocabulary: normalizeTerms(bc.Vocabulary),
		}
	}

	if p := payload.Project; p != nil {
		update.Project = &portfolio.ProjectUpdate{
			Title:       strings.TrimSpace(p.Title),
			Description: strings.TrimSpace(p.Description),
			Story:       strings.TrimSpace(p.Story),
			Images:      joinStoryImages(p.Images, snapshot),
		}
	}

	return StoryOutcome{
		Update:           update,
		FollowUpQuestion: strings.TrimSpace(payload.FollowUpQuestion),
		CheckpointSignal: portfolio.ParseCheckpoint(payload.CheckpointSignal),
	}, nil
}

// joinStoryImages rebuilds the full image sequence from model output joined
// with the snapshot. Identity (id, url) always comes from the snapshot so the
// records stay consistent with external storage. Returns nil when the model
// sent no usable entries, which the merge treats as "no image write".
func joinStoryImages(entries []storyImagePayload, snapshot *portfolio.State) []portfolio.ImageRecord {
	if len(entries) == 0 || snapshot == nil {
		return nil
	}
	out := make([]portfolio.ImageRecord, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		existing, ok := snapshot.ImageByID(entry.ID)
		if !ok {
			continue
		}
		if _, dup := seen[existing.ID]; dup {
			continue
		}
		seen[existing.ID] = struct{}{}
		rec := existing
		if portfolio.IsValidImageCategory(entry.Category) {
			rec.Category = strings.ToLower(strings.TrimSpace(entry.Category))
		}
		if alt := strings.TrimSpace(entry.AltText); alt != "" {
			rec.AltText = alt
		}
		if entry.DisplayOrder >= 0 {
			rec.DisplayOrder = entry.DisplayOrder
		}
		rec.IsHero = entry.IsHero
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil
	}
	// Snapshot images missing from the model output are appended unchanged:
	// a partial categorization pass must not drop images.
	for _, existing := range snapshot.Project.Images {
		if _, ok := seen[existing.ID]; ok {
			continue
		}
		out = append(out, existing)
	}
	return out
}

func normalizeTerms(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
