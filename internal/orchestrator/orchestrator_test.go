package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/knearme/portfolio-agent/internal/auditlog"
	"github.com/knearme/portfolio-agent/internal/portfolio"
	"github.com/knearme/portfolio-agent/internal/subagent"
)

// memStore is an in-memory StateStore with the same versioning contract as
// the sqlite store.
type memStore struct {
	mu       sync.Mutex
	states   map[string]*portfolio.State
	versions map[string]int64
	saves    int
}

func newMemStore() *memStore {
	return &memStore{states: map[string]*portfolio.State{}, versions: map[string]int64{}}
}

func (m *memStore) LoadState(ctx context.Context, id string) (*portfolio.State, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		return nil, 0, nil
	}
	return s.Clone(), m.versions[id], nil
}

func (m *memStore) SaveState(ctx context.Context, id string, state *portfolio.State, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.versions[id]; expectedVersion > 0 && expectedVersion != cur {
		return 0, errors.New("stale state")
	}
	m.states[id] = state.Clone()
	m.versions[id]++
	m.saves++
	return m.versions[id], nil
}

// scriptedProvider maps each specialist's system prompt to a canned response,
// so one provider can serve mixed and parallel delegations.
type scriptedProvider struct {
	mu        sync.Mutex
	responses map[string]scriptedResponse
}

type scriptedResponse struct {
	output string
	err    error
	delay  time.Duration
}

func (p *scriptedProvider) Generate(ctx context.Context, req subagent.GenerateRequest) (string, error) {
	p.mu.Lock()
	resp, ok := p.responses[req.System]
	p.mu.Unlock()
	if !ok {
		return "", errors.New("unscripted system prompt")
	}
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return resp.output, resp.err
}

func (p *scriptedProvider) script(t *testing.T, rt *subagent.Runtime, typ subagent.Type, resp scriptedResponse) {
	t.Helper()
	def, ok := rt.Definition(typ)
	if !ok {
		t.Fatalf("no definition for %s", typ)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[def.SystemPrompt()] = resp
}

type harness struct {
	orch     *Orchestrator
	runtime  *subagent.Runtime
	provider *scriptedProvider
	store    *memStore
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	provider := &scriptedProvider{responses: map[string]scriptedResponse{}}
	rt, err := subagent.NewRuntime(subagent.RuntimeOptions{Provider: provider, Model: "test-model", Timeout: timeout})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	store := newMemStore()
	orch, err := New(Options{Runtime: rt, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{orch: orch, runtime: rt, provider: provider, store: store}
}

func testImages(n int) []portfolio.ImageRecord {
	out := make([]portfolio.ImageRecord, 0, n)
	ids := []string{"img_a", "img_b", "img_c", "img_d"}
	for i := 0; i < n; i++ {
		out = append(out, portfolio.ImageRecord{ID: ids[i], URL: "https://cdn.example.com/" + ids[i] + ".jpg"})
	}
	return out
}

const storySuccessJSON = `{
	"project": {"title": "Kitchen Remodel", "description": "A full gut renovation.", "story": "The homeowners wanted more light.",
		"images": [
			{"id": "img_a", "category": "before", "display_order": 0},
			{"id": "img_b", "category": "progress", "display_order": 1},
			{"id": "img_c", "category": "after", "display_order": 2, "is_hero": true}
		]},
	"materials": ["quartz", "oak"],
	"checkpoint_signal": "basic_info",
	"confidence": 0.9,
	"message": "Sounds like a big transformation."
}`

const designSuccessJSON = `{
	"design": {"layout": "hero-top", "spacing": "airy", "heading_style": "serif", "accent_color": "slate"},
	"hero_image_id": "img_c",
	"blocks": [
		{"kind": "heading", "text": "Kitchen Remodel"},
		{"kind": "image_row", "image_ids": ["img_a", "img_c"]}
	],
	"rationale": "I led with the finished kitchen since after shots sell the result.",
	"confidence": 0.8
}`

const qualityReadyJSON = `{
	"ready": true,
	"confidence_level": "high",
	"contextual_checks": ["The story covers materials and process."],
	"confidence": 0.9,
	"message": "This reads well and the photos tell the story."
}`

const qualityNotReadyJSON = `{
	"ready": false,
	"confidence_level": "medium",
	"suggestions": ["Add a sentence about the timeline."],
	"contextual_checks": ["Before and after photos are both present."],
	"confidence": 0.7
}`

func TestStoryTurn_AdvancesCheckpointAndKeepsImages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	ctx := context.Background()

	reg, err := h.orch.RegisterImages(ctx, "conv1", testImages(3))
	if err != nil {
		t.Fatalf("RegisterImages: %v", err)
	}
	if reg.State.Checkpoint != portfolio.CheckpointImagesUploaded {
		t.Fatalf("checkpoint=%q, want images_uploaded", reg.State.Checkpoint)
	}

	h.provider.script(t, h.runtime, subagent.TypeStory, scriptedResponse{output: storySuccessJSON})
	res, err := h.orch.DelegateToStoryAgent(ctx, "conv1", StoryInput{Message: "finished a kitchen remodel last month"})
	if err != nil {
		t.Fatalf("DelegateToStoryAgent: %v", err)
	}
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	if res.State.Checkpoint != portfolio.CheckpointBasicInfo {
		t.Fatalf("checkpoint=%q, want basic_info", res.State.Checkpoint)
	}
	if got := len(res.State.Project.Images); got != 3 {
		t.Fatalf("images=%d, want 3", got)
	}
	if res.State.Project.Title != "Kitchen Remodel" {
		t.Fatalf("title=%q", res.State.Project.Title)
	}
	img, ok := res.State.ImageByID("img_c")
	if !ok || img.Category != portfolio.ImageCategoryAfter || !img.IsHero {
		t.Fatalf("img_c=%+v, want categorized after and hero", img)
	}
	if res.Message == "" {
		t.Fatal("empty message")
	}
	if len(res.Actions) == 0 || res.Actions[0] != ActionGenerateContent {
		t.Fatalf("actions=%v", res.Actions)
	}
}

func TestStoryComplete_RoutesToLayoutComposition(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	ctx := context.Background()

	if _, err := h.orch.RegisterImages(ctx, "conv1b", testImages(3)); err != nil {
		t.Fatalf("RegisterImages: %v", err)
	}
	complete := strings.Replace(storySuccessJSON, `"checkpoint_signal": "basic_info"`, `"checkpoint_signal": "story_complete"`, 1)
	h.provider.script(t, h.runtime, subagent.TypeStory, scriptedResponse{output: complete})

	res, err := h.orch.DelegateToStoryAgent(ctx, "conv1b", StoryInput{Message: "that's everything about the project"})
	if err != nil {
		t.Fatalf("DelegateToStoryAgent: %v", err)
	}
	if res.State.Checkpoint != portfolio.CheckpointStoryComplete {
		t.Fatalf("checkpoint=%q, want story_complete", res.State.Checkpoint)
	}
	// Layout composition is a distinct action from content generation.
	if len(res.Actions) == 0 || res.Actions[0] != ActionComposeLayout {
		t.Fatalf("actions=%v, want compose_layout first", res.Actions)
	}
}

func TestDesignTimeout_LeavesDesignUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 30*time.Millisecond)
	ctx := context.Background()

	h.provider.script(t, h.runtime, subagent.TypeStory, scriptedResponse{output: storySuccessJSON})
	if _, err := h.orch.RegisterImages(ctx, "conv2", testImages(3)); err != nil {
		t.Fatalf("RegisterImages: %v", err)
	}
	if _, err := h.orch.DelegateToStoryAgent(ctx, "conv2", StoryInput{Message: "kitchen remodel"}); err != nil {
		t.Fatalf("story turn: %v", err)
	}
	savesBefore := h.store.saves

	h.provider.script(t, h.runtime, subagent.TypeDesign, scriptedResponse{output: designSuccessJSON, delay: 500 * time.Millisecond})
	res, err := h.orch.DelegateToDesignAgent(ctx, "conv2", DesignInput{Goal: "make it pop"})
	if err != nil {
		t.Fatalf("timeout must degrade, not error: %v", err)
	}
	if res.Failure == nil || res.Failure.Kind != subagent.ErrKindTimeout {
		t.Fatalf("failure=%+v, want timeout", res.Failure)
	}
	if res.State.Design != nil {
		t.Fatalf("design section written on timeout: %+v", res.State.Design)
	}
	if res.Message == "" {
		t.Fatal("degraded turn must carry a user-facing message")
	}
	if h.store.saves != savesBefore {
		t.Fatalf("state saved on a failed turn: saves=%d, want %d", h.store.saves, savesBefore)
	}
	if len(res.Actions) == 0 || res.Actions[0] != ActionRetry {
		t.Fatalf("actions=%v, want retry first", res.Actions)
	}

	// Earlier story content survived.
	if res.State.Project.Title != "Kitchen Remodel" {
		t.Fatalf("title=%q lost on degraded turn", res.State.Project.Title)
	}
}

func TestQualityNotReady_PublishStaysAvailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.provider.script(t, h.runtime, subagent.TypeQuality, scriptedResponse{output: qualityNotReadyJSON})
	res, err := h.orch.DelegateToQualityAgent(ctx, "conv3")
	if err != nil {
		t.Fatalf("DelegateToQualityAgent: %v", err)
	}
	if res.State.Assessment == nil || res.State.Assessment.Ready {
		t.Fatalf("assessment=%+v, want stored with ready=false", res.State.Assessment)
	}
	// The checkpoint marks that the review ran; the verdict is advisory and
	// must not hold it back.
	if res.State.Checkpoint != portfolio.CheckpointReadyToPublish {
		t.Fatalf("checkpoint=%q after quality ran, want ready_to_publish", res.State.Checkpoint)
	}
	if !strings.Contains(res.Message, "timeline") {
		t.Fatalf("suggestions missing from message: %q", res.Message)
	}
	found := false
	for _, a := range res.Actions {
		if a == ActionOfferPublish {
			found = true
		}
	}
	if !found {
		t.Fatalf("actions=%v, want offer_publish", res.Actions)
	}

	decision, err := h.orch.PublishCheck(ctx, "conv3")
	if err != nil {
		t.Fatalf("PublishCheck: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("ready=false blocked publishing")
	}
	if len(decision.Suggestions) == 0 {
		t.Fatal("suggestions dropped from publish decision")
	}
}

func TestQualityFailure_PreservesPriorAssessment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	ctx := context.Background()

	h.provider.script(t, h.runtime, subagent.TypeQuality, scriptedResponse{output: qualityNotReadyJSON})
	first, err := h.orch.DelegateToQualityAgent(ctx, "conv4")
	if err != nil {
		t.Fatalf("first quality turn: %v", err)
	}
	prior := first.State.Assessment
	if prior == nil {
		t.Fatal("no assessment after first turn")
	}

	h.provider.script(t, h.runtime, subagent.TypeQuality, scriptedResponse{err: errors.New("rate limited")})
	second, err := h.orch.DelegateToQualityAgent(ctx, "conv4")
	if err != nil {
		t.Fatalf("failed quality turn must degrade: %v", err)
	}
	if second.Failure == nil || second.Failure.Kind != subagent.ErrKindProvider {
		t.Fatalf("failure=%+v, want provider", second.Failure)
	}
	if second.State.Assessment == nil || second.State.Assessment.Ready != prior.Ready {
		t.Fatalf("assessment=%+v, want prior preserved", second.State.Assessment)
	}
	if len(second.State.Assessment.Suggestions) != len(prior.Suggestions) {
		t.Fatal("prior suggestions lost on failed turn")
	}
}

func TestConcurrentTurn_Rejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	// A gated provider holds the first turn open until released.
	gated := subagent.ProviderFunc(func(ctx context.Context, req subagent.GenerateRequest) (string, error) {
		close(started)
		<-release
		return storySuccessJSON, nil
	})
	rt, err := subagent.NewRuntime(subagent.RuntimeOptions{Provider: gated, Model: "test-model"})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	orch, err := New(Options{Runtime: rt, Store: h.store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := orch.DelegateToStoryAgent(ctx, "conv5", StoryInput{Message: "hello"})
		done <- err
	}()
	<-started

	_, err = orch.DelegateToQualityAgent(ctx, "conv5")
	if !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("err=%v, want ErrTurnInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first turn: %v", err)
	}

	// A different conversation is never blocked.
	h.provider.script(t, h.runtime, subagent.TypeQuality, scriptedResponse{output: qualityNotReadyJSON})
	if _, err := h.orch.DelegateToQualityAgent(ctx, "conv5-other"); err != nil {
		t.Fatalf("independent conversation rejected: %v", err)
	}
}

func TestDelegateParallel_MergesInRequestOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	ctx := context.Background()

	if _, err := h.orch.RegisterImages(ctx, "conv6", testImages(3)); err != nil {
		t.Fatalf("RegisterImages: %v", err)
	}
	// Story is slowest; its message must still come first.
	h.provider.script(t, h.runtime, subagent.TypeStory, scriptedResponse{output: storySuccessJSON, delay: 60 * time.Millisecond})
	h.provider.script(t, h.runtime, subagent.TypeQuality, scriptedResponse{output: qualityNotReadyJSON})

	res, err := h.orch.DelegateParallel(ctx, "conv6", []ParallelRequest{
		{Type: subagent.TypeStory, Story: StoryInput{Message: "kitchen remodel"}},
		{Type: subagent.TypeQuality},
	})
	if err != nil {
		t.Fatalf("DelegateParallel: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages=%d, want 2", len(res.Messages))
	}
	if !strings.Contains(res.Messages[0], "transformation") {
		t.Fatalf("messages[0]=%q, want story message first", res.Messages[0])
	}
	if !strings.Contains(res.Messages[1], "timeline") {
		t.Fatalf("messages[1]=%q, want quality message second", res.Messages[1])
	}
	if res.State.Project.Title != "Kitchen Remodel" {
		t.Fatalf("title=%q", res.State.Project.Title)
	}
	if res.State.Assessment == nil {
		t.Fatal("assessment not merged")
	}
	if res.State.Checkpoint != portfolio.CheckpointReadyToPublish {
		t.Fatalf("checkpoint=%q after parallel quality run, want ready_to_publish", res.State.Checkpoint)
	}
}

func TestDelegateParallel_FailureDoesNotTaintSibling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	ctx := context.Background()

	if _, err := h.orch.RegisterImages(ctx, "conv7", testImages(3)); err != nil {
		t.Fatalf("RegisterImages: %v", err)
	}
	h.provider.script(t, h.runtime, subagent.TypeStory, scriptedResponse{err: errors.New("boom")})
	h.provider.script(t, h.runtime, subagent.TypeQuality, scriptedResponse{output: qualityNotReadyJSON})

	res, err := h.orch.DelegateParallel(ctx, "conv7", []ParallelRequest{
		{Type: subagent.TypeStory, Story: StoryInput{Message: "hi"}},
		{Type: subagent.TypeQuality},
	})
	if err != nil {
		t.Fatalf("DelegateParallel: %v", err)
	}
	if res.Failure == nil {
		t.Fatal("branch failure not surfaced")
	}
	if res.State.Assessment == nil {
		t.Fatal("healthy branch result dropped")
	}
	if len(res.Messages) != 2 || res.Messages[0] == "" {
		t.Fatalf("messages=%v, want soft failure message first", res.Messages)
	}
}

func TestFullPipeline_Deterministic(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T) *portfolio.State {
		h := newHarness(t, time.Second)
		ctx := context.Background()
		h.provider.script(t, h.runtime, subagent.TypeStory, scriptedResponse{output: storySuccessJSON})
		h.provider.script(t, h.runtime, subagent.TypeDesign, scriptedResponse{output: designSuccessJSON})
		h.provider.script(t, h.runtime, subagent.TypeQuality, scriptedResponse{output: qualityReadyJSON})

		if _, err := h.orch.RegisterImages(ctx, "conv8", testImages(3)); err != nil {
			t.Fatalf("RegisterImages: %v", err)
		}
		if _, err := h.orch.DelegateToStoryAgent(ctx, "conv8", StoryInput{Message: "kitchen remodel"}); err != nil {
			t.Fatalf("story: %v", err)
		}
		if _, err := h.orch.DelegateToDesignAgent(ctx, "conv8", DesignInput{Goal: "clean look"}); err != nil {
			t.Fatalf("design: %v", err)
		}
		res, err := h.orch.DelegateToQualityAgent(ctx, "conv8")
		if err != nil {
			t.Fatalf("quality: %v", err)
		}
		return res.State
	}

	a := run(t)
	b := run(t)

	if a.Checkpoint != portfolio.CheckpointReadyToPublish {
		t.Fatalf("checkpoint=%q, want ready_to_publish", a.Checkpoint)
	}
	if a.Design == nil || a.Design.Layout != "hero-top" || a.Design.HeroImageID != "img_c" {
		t.Fatalf("design=%+v", a.Design)
	}
	if b.Design == nil || *a.Design != *b.Design {
		t.Fatalf("design not deterministic: %+v vs %+v", a.Design, b.Design)
	}
	if a.Checkpoint != b.Checkpoint || a.Project.Title != b.Project.Title || len(a.Project.Images) != len(b.Project.Images) {
		t.Fatal("pipeline output differs across identical runs")
	}
}

func TestRegisterImages_DedupsByID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Second)
	ctx := context.Background()

	if _, err := h.orch.RegisterImages(ctx, "conv9", testImages(2)); err != nil {
		t.Fatalf("RegisterImages: %v", err)
	}
	res, err := h.orch.RegisterImages(ctx, "conv9", testImages(3))
	if err != nil {
		t.Fatalf("RegisterImages: %v", err)
	}
	if got := len(res.State.Project.Images); got != 3 {
		t.Fatalf("images=%d, want 3 after dedup", got)
	}
	if res.State.Project.Images[2].DisplayOrder != 2 {
		t.Fatalf("display order=%d, want appended at 2", res.State.Project.Images[2].DisplayOrder)
	}
}

func TestAuditTrail_RecordsSuccessAndMappingFailure(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{responses: map[string]scriptedResponse{}}
	rt, err := subagent.NewRuntime(subagent.RuntimeOptions{Provider: provider, Model: "test-model", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	audit, err := auditlog.New(auditlog.Options{StateDir: t.TempDir()})
	if err != nil {
		t.Fatalf("auditlog.New: %v", err)
	}
	orch, err := New(Options{Runtime: rt, Store: newMemStore(), Audit: audit})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	provider.script(t, rt, subagent.TypeStory, scriptedResponse{output: storySuccessJSON})
	if _, err := orch.DelegateToStoryAgent(ctx, "conv10", StoryInput{Message: "kitchen remodel"}); err != nil {
		t.Fatalf("DelegateToStoryAgent: %v", err)
	}

	entries, err := audit.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries=%d after one turn, want 1", len(entries))
	}
	if entries[0].Status != "success" {
		t.Fatalf("status=%q after successful delegation, want success", entries[0].Status)
	}
	if entries[0].Subagent != string(subagent.TypeStory) || entries[0].TurnID == "" {
		t.Fatalf("entry missing attribution: %+v", entries[0])
	}

	// Passes the output contract (materials is an array) but cannot decode
	// into the typed payload.
	provider.script(t, rt, subagent.TypeStory, scriptedResponse{output: `{"materials": [1], "confidence": 0.9}`})
	res, err := orch.DelegateToStoryAgent(ctx, "conv10", StoryInput{Message: "more detail"})
	if err != nil {
		t.Fatalf("DelegateToStoryAgent: %v", err)
	}
	if res.Failure == nil || res.Failure.Kind != subagent.ErrKindInvalidOutput {
		t.Fatalf("failure=%+v, want invalid output", res.Failure)
	}

	entries, err = audit.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d after two turns, want 2", len(entries))
	}
	if entries[0].Status != "failure" {
		t.Fatalf("status=%q after undecodable payload, want failure", entries[0].Status)
	}
	if entries[0].Error == "" {
		t.Fatal("failure entry carries no error summary")
	}
	if kind, _ := entries[0].Detail["kind"].(string); kind != string(subagent.ErrKindInvalidOutput) {
		t.Fatalf("detail kind=%q, want %q", kind, subagent.ErrKindInvalidOutput)
	}
}
