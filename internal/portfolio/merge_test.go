package portfolio

import (
	"reflect"
	"testing"
)

func sampleState() *State {
	return &State{
		ConversationID: "conv_1",
		BusinessContext: BusinessContext{
			Name:       "Hartley Masonry",
			Type:       "masonry contractor",
			Voice:      VoiceCasual,
			Vocabulary: []string{"tuckpointing", "flashing"},
		},
		Project: Project{
			Title:       "Chimney Rebuild",
			Description: "Full rebuild above the roofline.",
			Images: []ImageRecord{
				{ID: "img_1", URL: "https://cdn.example.com/img_1.jpg", Category: ImageCategoryBefore, DisplayOrder: 0},
				{ID: "img_2", URL: "https://cdn.example.com/img_2.jpg", Category: ImageCategoryAfter, DisplayOrder: 1},
			},
		},
		Materials:  []string{"brick", "mortar"},
		Techniques: []string{"repointing"},
		City:       "Portland",
		State:      "OR",
		Checkpoint: CheckpointBasicInfo,
	}
}

func TestMerge_EmptyUpdateIsIdentity(t *testing.T) {
	t.Parallel()

	s := sampleState()
	got := Merge(s, &Update{})
	if !reflect.DeepEqual(got, s) {
		t.Fatalf("merge with empty update changed state:\n got %+v\nwant %+v", got, s)
	}

	got = Merge(s, nil)
	if !reflect.DeepEqual(got, s) {
		t.Fatalf("merge with nil update changed state:\n got %+v\nwant %+v", got, s)
	}
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	s := sampleState()
	before := s.Clone()
	_ = Merge(s, &Update{
		Project:   &ProjectUpdate{Title: "New Title", Images: []ImageRecord{{ID: "img_9", URL: "u"}}},
		Materials: []string{"stone"},
	})
	if !reflect.DeepEqual(s, before) {
		t.Fatalf("merge mutated the existing state:\n got %+v\nwant %+v", s, before)
	}
}

func TestMerge_EmptyImagesDoNotWipe(t *testing.T) {
	t.Parallel()

	s := sampleState()
	got := Merge(s, &Update{Project: &ProjectUpdate{Description: "Updated copy.", Images: []ImageRecord{}}})
	if len(got.Project.Images) != 2 {
		t.Fatalf("images wiped by empty update slice: got %d, want 2", len(got.Project.Images))
	}
	if got.Project.Description != "Updated copy." {
		t.Fatalf("description=%q, want %q", got.Project.Description, "Updated copy.")
	}
}

func TestMerge_NonEmptyImagesReplaceWholesale(t *testing.T) {
	t.Parallel()

	s := sampleState()
	got := Merge(s, &Update{Project: &ProjectUpdate{Images: []ImageRecord{
		{ID: "img_3", URL: "https://cdn.example.com/img_3.jpg", Category: ImageCategoryDetail, DisplayOrder: 0},
	}}})
	if len(got.Project.Images) != 1 || got.Project.Images[0].ID != "img_3" {
		t.Fatalf("images not replaced wholesale: got %+v", got.Project.Images)
	}
}

func TestMerge_SetUnionDedup(t *testing.T) {
	t.Parallel()

	got := Merge(&State{Materials: []string{"brick", "mortar"}}, &Update{Materials: []string{"mortar", "stone"}})
	want := []string{"brick", "mortar", "stone"}
	if !reflect.DeepEqual(got.Materials, want) {
		t.Fatalf("materials=%v, want %v", got.Materials, want)
	}

	// Duplicate across a second merge stays deduplicated.
	got = Merge(got, &Update{Materials: []string{"stone", "brick"}})
	if !reflect.DeepEqual(got.Materials, want) {
		t.Fatalf("materials after repeat merge=%v, want %v", got.Materials, want)
	}
}

func TestMerge_ScalarLastWriteWins(t *testing.T) {
	t.Parallel()

	s := sampleState()
	got := Merge(s, &Update{City: "Salem", Project: &ProjectUpdate{Title: "Chimney Restoration"}})
	if got.City != "Salem" {
		t.Fatalf("city=%q, want Salem", got.City)
	}
	if got.Project.Title != "Chimney Restoration" {
		t.Fatalf("title=%q, want Chimney Restoration", got.Project.Title)
	}
	// Absent scalar keeps the existing value.
	if got.State != "OR" {
		t.Fatalf("state=%q, want OR", got.State)
	}
}

func TestMerge_DesignNamespaceShallowMerge(t *testing.T) {
	t.Parallel()

	s := sampleState()
	got := Merge(s, &Update{Design: &Design{Layout: "gallery-first", AccentColor: "terracotta"}})
	if got.Design == nil || got.Design.Layout != "gallery-first" {
		t.Fatalf("design not applied: %+v", got.Design)
	}

	// A second partial design write keeps earlier token choices.
	got = Merge(got, &Update{Design: &Design{Spacing: "airy"}})
	if got.Design.Layout != "gallery-first" || got.Design.AccentColor != "terracotta" || got.Design.Spacing != "airy" {
		t.Fatalf("design shallow merge lost fields: %+v", got.Design)
	}

	// Design writes must not touch the story namespace.
	if got.Project.Title != s.Project.Title {
		t.Fatalf("design merge altered project title: %q", got.Project.Title)
	}
}

func TestMerge_InvalidVoiceIgnored(t *testing.T) {
	t.Parallel()

	s := sampleState()
	got := Merge(s, &Update{BusinessContext: &BusinessContext{Voice: "shouty"}})
	if got.BusinessContext.Voice != VoiceCasual {
		t.Fatalf("voice=%q, want existing %q kept", got.BusinessContext.Voice, VoiceCasual)
	}
}

func TestMerge_IdempotentForSameUpdate(t *testing.T) {
	t.Parallel()

	s := sampleState()
	u := &Update{
		Project:    &ProjectUpdate{Title: "Kitchen Remodel", Images: []ImageRecord{{ID: "img_7", URL: "u7"}}},
		Materials:  []string{"tile", "grout"},
		Techniques: []string{"waterproofing"},
	}
	once := Merge(s, u)
	twice := Merge(once, u)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("repeat merge diverged:\n once %+v\ntwice %+v", once, twice)
	}
}

func TestClone_IsolatesSnapshots(t *testing.T) {
	t.Parallel()

	s := sampleState()
	snap := s.Clone()
	snap.Project.Images[0].Category = ImageCategoryDetail
	snap.Materials[0] = "granite"
	snap.BusinessContext.Vocabulary = append(snap.BusinessContext.Vocabulary, "scaffolding")

	if s.Project.Images[0].Category != ImageCategoryBefore {
		t.Fatalf("clone shares image backing array")
	}
	if s.Materials[0] != "brick" {
		t.Fatalf("clone shares materials backing array")
	}
	if len(s.BusinessContext.Vocabulary) != 2 {
		t.Fatalf("clone shares vocabulary backing array")
	}
}
