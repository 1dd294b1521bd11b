package portfolio

import "strings"

// Update is a partial state delta produced by one subagent invocation. The
// orchestrator applies it with Merge; subagents never touch the live state.
//
// Nil section pointers mean "no write to that namespace". A story update must
// never carry a Design section and a design update must never carry a
// BusinessContext section; the per-agent output mappers enforce that.
type Update struct {
	BusinessContext *BusinessContext `json:"business_context,omitempty"`
	Project         *ProjectUpdate   `json:"project,omitempty"`
	Design          *Design          `json:"design,omitempty"`
	Assessment      *Assessment      `json:"assessment,omitempty"`

	Materials  []string `json:"materials,omitempty"`
	Techniques []string `json:"techniques,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Location    string `json:"location,omitempty"`
	HeroImageID string `json:"hero_image_id,omitempty"`
}

// ProjectUpdate is a partial write to the project namespace. Images is only
// applied when non-empty: an empty slice must not wipe existing images.
type ProjectUpdate struct {
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	Story       string        `json:"story,omitempty"`
	Images      []ImageRecord `json:"images,omitempty"`
}

// IsZero reports whether the update would change nothing.
func (u *Update) IsZero() bool {
	if u == nil {
		return true
	}
	if u.BusinessContext != nil || u.Project != nil || u.Design != nil || u.Assessment != nil {
		return false
	}
	if len(u.Materials) > 0 || len(u.Techniques) > 0 || len(u.Tags) > 0 {
		return false
	}
	return u.City == "" && u.State == "" && u.Location == "" && u.HeroImageID == ""
}

// Merge combines an update into an existing state and returns the new state.
// The input state is not modified.
//
// Rules:
//   - Scalars: the update value wins when present (non-empty), otherwise the
//     existing value is kept.
//   - Set-like fields (materials, techniques, tags, vocabulary): union with
//     insertion-order de-duplication; existing entries keep their positions.
//   - project.Images: replaced wholesale, and only when the update slice is
//     non-empty. len(images) == 0 never clears state — presence of the field
//     is not enough, the length check is deliberate.
//   - Nested sections merge shallowly within their own namespace only.
func Merge(existing *State, update *Update) *State {
	out := existing.Clone()
	if out == nil {
		out = NewState("")
	}
	if update == nil {
		return out
	}

	if bc := update.BusinessContext; bc != nil {
		out.BusinessContext.Name = mergeScalar(out.BusinessContext.Name, bc.Name)
		out.BusinessContext.Type = mergeScalar(out.BusinessContext.Type, bc.Type)
		if IsValidVoice(bc.Voice) {
			out.BusinessContext.Voice = strings.ToLower(strings.TrimSpace(bc.Voice))
		}
		out.BusinessContext.Vocabulary = unionStrings(out.BusinessContext.Vocabulary, bc.Vocabulary)
	}

	if p := update.Project; p != nil {
		out.Project.Title = mergeScalar(out.Project.Title, p.Title)
		out.Project.Description = mergeScalar(out.Project.Description, p.Description)
		out.Project.Story = mergeScalar(out.Project.Story, p.Story)
		if len(p.Images) > 0 {
			out.Project.Images = CloneImages(p.Images)
		}
	}

	if d := update.Design; d != nil {
		merged := Design{}
		if out.Design != nil {
			merged = *out.Design
		}
		merged.Layout = mergeScalar(merged.Layout, d.Layout)
		merged.Spacing = mergeScalar(merged.Spacing, d.Spacing)
		merged.HeadingStyle = mergeScalar(merged.HeadingStyle, d.HeadingStyle)
		merged.AccentColor = mergeScalar(merged.AccentColor, d.AccentColor)
		merged.HeroImageID = mergeScalar(merged.HeroImageID, d.HeroImageID)
		out.Design = &merged
	}

	if a := update.Assessment; a != nil {
		cp := *a
		cp.Suggestions = cloneStrings(a.Suggestions)
		cp.ContextualChecks = cloneStrings(a.ContextualChecks)
		out.Assessment = &cp
	}

	out.Materials = unionStrings(out.Materials, update.Materials)
	out.Techniques = unionStrings(out.Techniques, update.Techniques)
	out.Tags = unionStrings(out.Tags, update.Tags)

	out.City = mergeScalar(out.City, update.City)
	out.State = mergeScalar(out.State, update.State)
	out.Location = mergeScalar(out.Location, update.Location)
	out.HeroImageID = mergeScalar(out.HeroImageID, update.HeroImageID)

	return out
}

func mergeScalar(existing string, update string) string {
	if v := strings.TrimSpace(update); v != "" {
		return v
	}
	return existing
}

// unionStrings de-duplicates with insertion order preserved: existing entries
// first, new entries appended in their given order. Comparison is exact; the
// agents normalize casing before emitting vocabulary.
func unionStrings(existing []string, updates []string) []string {
	if len(updates) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(updates))
	out := make([]string, 0, len(existing)+len(updates))
	for _, v := range existing {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	for _, raw := range updates {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
