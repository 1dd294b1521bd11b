package subagent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/knearme/portfolio-agent/internal/portfolio"
)

// Design token sets. Closed on purpose: the design agent selects, it never
// styles. Free-text values are rejected at the mapping layer.
var (
	layoutTokens       = []string{"hero-top", "gallery-first", "split", "story-led", "minimal"}
	spacingTokens      = []string{"compact", "balanced", "airy"}
	headingStyleTokens = []string{"serif", "sans", "bold-caps"}
	accentColorTokens  = []string{"slate", "terracotta", "forest", "ocean", "amber"}
)

// Block kinds for composed presentation blocks.
const (
	BlockKindHeading   = "heading"
	BlockKindParagraph = "paragraph"
	BlockKindImageRow  = "image_row"
)

// DescriptionBlock is one presentation block of the composed page.
type DescriptionBlock struct {
	Kind     string   `json:"kind"`
	Text     string   `json:"text,omitempty"`
	ImageIDs []string `json:"image_ids,omitempty"`
}

// DesignOutcome is the typed mapping of a design invocation. On failure the
// orchestrator uses the zero value, so success and failure expose the same
// shape to callers; absent fields are zero, never inconsistent.
type DesignOutcome struct {
	Update      *portfolio.Update
	Blocks      []DescriptionBlock
	HeroImageID string
	Rationale   string
}

type designPayload struct {
	Design *struct {
		Layout       string `json:"layout"`
		Spacing      string `json:"spacing"`
		HeadingStyle string `json:"heading_style"`
		AccentColor  string `json:"accent_color"`
	} `json:"design"`
	HeroImageID string `json:"hero_image_id"`
	Blocks      []struct {
		Kind     string   `json:"kind"`
		Text     string   `json:"text"`
		ImageIDs []string `json:"image_ids"`
	} `json:"blocks"`
	Rationale string `json:"rationale"`
}

// MapDesignResult converts a successful design result into a state delta plus
// composed blocks. Token values outside the closed sets are dropped so the
// merge keeps whatever was chosen before; a hero id the snapshot does not
// contain falls back to priority-based selection.
func MapDesignResult(res Result, snapshot *portfolio.State) (DesignOutcome, error) {
	if res.Failed() {
		return DesignOutcome{}, fmt.Errorf("cannot map failed result")
	}
	var payload designPayload
	if err := json.Unmarshal([]byte(res.Raw), &payload); err != nil {
		return DesignOutcome{}, fmt.Errorf("decode design payload: %w", err)
	}

	design := portfolio.Design{}
	if d := payload.Design; d != nil {
		design.Layout = matchToken(d.Layout, layoutTokens)
		design.Spacing = matchToken(d.Spacing, spacingTokens)
		design.HeadingStyle = matchToken(d.HeadingStyle, headingStyleTokens)
		design.AccentColor = matchToken(d.AccentColor, accentColorTokens)
	}

	heroID := strings.TrimSpace(payload.HeroImageID)
	var images []portfolio.ImageRecord
	if snapshot != nil {
		images = snapshot.Project.Images
	}
	if _, ok := snapshotHasImage(snapshot, heroID); !ok {
		heroID, _ = SelectHeroImage(images)
	}
	design.HeroImageID = heroID

	outcome := DesignOutcome{
		Update:      &portfolio.Update{Design: &design, HeroImageID: heroID},
		Blocks:      mapDesignBlocks(payload.Blocks, snapshot),
		HeroImageID: heroID,
		Rationale:   strings.TrimSpace(payload.Rationale),
	}
	return outcome, nil
}

func snapshotHasImage(snapshot *portfolio.State, id string) (portfolio.ImageRecord, bool) {
	if snapshot == nil {
		return portfolio.ImageRecord{}, false
	}
	return snapshot.ImageByID(id)
}

func mapDesignBlocks(in []struct {
	Kind     string   `json:"kind"`
	Text     string   `json:"text"`
	ImageIDs []string `json:"image_ids"`
}, snapshot *portfolio.State) []DescriptionBlock {
	out := make([]DescriptionBlock, 0, len(in))
	for _, raw := range in {
		block := DescriptionBlock{Kind: strings.ToLower(strings.TrimSpace(raw.Kind))}
		switch block.Kind {
		case BlockKindHeading, BlockKindParagraph:
			block.Text = strings.TrimSpace(raw.Text)
			if block.Text == "" {
				continue
			}
		case BlockKindImageRow:
			for _, id := range raw.ImageIDs {
				if _, ok := snapshotHasImage(snapshot, id); ok {
					block.ImageIDs = append(block.ImageIDs, strings.TrimSpace(id))
				}
			}
			if len(block.ImageIDs) == 0 {
				continue
			}
		default:
			continue
		}
		out = append(out, block)
	}
	return out
}

// heroCategoryPriority orders image categories for hero selection, best
// first. An after shot sells the outcome; detail shots are the weakest lead.
var heroCategoryPriority = []string{
	portfolio.ImageCategoryAfter,
	portfolio.ImageCategoryBefore,
	portfolio.ImageCategoryProgress,
	portfolio.ImageCategoryDetail,
}

// heroPriority maps a category to its priority rank. Unknown or empty
// categories map to len(heroCategoryPriority) so they sort last — mapping
// "not found" to -1 would sort an uncategorized image first.
func heroPriority(category string) int {
	category = strings.ToLower(strings.TrimSpace(category))
	for i, c := range heroCategoryPriority {
		if c == category {
			return i
		}
	}
	return len(heroCategoryPriority)
}

// SelectHeroImage picks the hero by category priority, breaking ties by
// display order then position. Returns ok=false when there are no images.
func SelectHeroImage(images []portfolio.ImageRecord) (string, bool) {
	if len(images) == 0 {
		return "", false
	}
	type candidate struct {
		idx int
		img portfolio.ImageRecord
	}
	candidates := make([]candidate, 0, len(images))
	for i, img := range images {
		candidates = append(candidates, candidate{idx: i, img: img})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := heroPriority(candidates[i].img.Category), heroPriority(candidates[j].img.Category)
		if pi != pj {
			return pi < pj
		}
		if candidates[i].img.DisplayOrder != candidates[j].img.DisplayOrder {
			return candidates[i].img.DisplayOrder < candidates[j].img.DisplayOrder
		}
		return candidates[i].idx < candidates[j].idx
	})
	return candidates[0].img.ID, true
}

func matchToken(raw string, tokens []string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, t := range tokens {
		if t == v {
			return t
		}
	}
	return ""
}
