// Package orchestrator implements the account manager: the single component
// that mutates shared project state. It delegates work to the specialist
// subagents, merges their deltas deterministically, advances the checkpoint,
// and synthesizes a user-facing message for every turn — including failed
// ones. A subagent failure never aborts a turn and never escapes as a Go
// error; only infrastructure failures (store unreachable, stale write) do.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/knearme/portfolio-agent/internal/auditlog"
	"github.com/knearme/portfolio-agent/internal/portfolio"
	"github.com/knearme/portfolio-agent/internal/subagent"
)

// ErrTurnInFlight is returned when a second turn is attempted on a
// conversation whose previous turn has not finished. Interleaving writes
// would be a merge conflict; the second caller is rejected instead.
var ErrTurnInFlight = errors.New("conversation turn already in flight")

// Actions emitted to the surrounding tool layer.
const (
	ActionGenerateContent = "generate_content"
	ActionComposeLayout   = "compose_layout"
	ActionShowPreview     = "show_preview"
	ActionOfferPublish    = "offer_publish"
	ActionAskUser         = "ask_user"
	ActionRetry           = "retry"
)

// StateStore is the narrow persistence contract the orchestrator consumes.
type StateStore interface {
	LoadState(ctx context.Context, conversationID string) (*portfolio.State, int64, error)
	SaveState(ctx context.Context, conversationID string, state *portfolio.State, expectedVersion int64) (int64, error)
}

// TurnResult is what every delegation entry point returns. State is always
// populated (possibly unchanged). Failure carries the specialist's error when
// the turn degraded; Message is non-empty either way.
type TurnResult struct {
	State    *portfolio.State    `json:"state"`
	Actions  []string            `json:"actions"`
	Message  string              `json:"message"`
	Messages []string            `json:"messages,omitempty"`
	Failure  *subagent.ErrorInfo `json:"failure,omitempty"`
}

// StoryInput is the payload for a story delegation.
type StoryInput struct {
	Message   string
	ImageURLs []string
}

// DesignInput is the payload for a design delegation.
type DesignInput struct {
	Goal       string
	FocusAreas []string
}

// ParallelRequest names one branch of a parallel delegation.
type ParallelRequest struct {
	Type   subagent.Type
	Story  StoryInput
	Design DesignInput
}

// Options configures an Orchestrator.
type Options struct {
	Runtime *subagent.Runtime
	Store   StateStore
	Log     *slog.Logger
	// Audit is optional; when set, every turn leaves an audit trail entry.
	Audit *auditlog.Store
}

type Orchestrator struct {
	runtime *subagent.Runtime
	store   StateStore
	log     *slog.Logger
	audit   *auditlog.Store

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Runtime == nil {
		return nil, errors.New("missing subagent runtime")
	}
	if opts.Store == nil {
		return nil, errors.New("missing state store")
	}
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runtime:  opts.Runtime,
		store:    opts.Store,
		log:      logger.With("component", "orchestrator"),
		audit:    opts.Audit,
		inFlight: map[string]struct{}{},
	}, nil
}

// auditDelegation records one delegation outcome. errInfo overrides the
// result's own error so mapping failures (valid schema, undecodable payload)
// are audited as failures too; nil falls back to res.Error.
func (o *Orchestrator) auditDelegation(conversationID string, turnID string, typ subagent.Type, res subagent.Result, errInfo *subagent.ErrorInfo, checkpoint portfolio.Checkpoint) {
	if o.audit == nil {
		return
	}
	e := auditlog.Entry{
		Action:         "delegation",
		Status:         "success",
		ConversationID: conversationID,
		TurnID:         turnID,
		Subagent:       string(typ),
		Checkpoint:     string(checkpoint),
		ElapsedMS:      res.ElapsedMS,
	}
	if errInfo == nil {
		errInfo = res.Error
	}
	if errInfo != nil {
		e.Status = "failure"
		e.Error = errInfo.Message
		e.Detail = map[string]any{"kind": string(errInfo.Kind)}
	}
	o.audit.Append(e)
}

// beginTurn reserves the conversation for one orchestration pass. State is
// single-threaded per conversation by discipline; a concurrent second caller
// gets ErrTurnInFlight rather than interleaved writes.
func (o *Orchestrator) beginTurn(conversationID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[conversationID]; busy {
		return fmt.Errorf("%w: %s", ErrTurnInFlight, conversationID)
	}
	o.inFlight[conversationID] = struct{}{}
	return nil
}

func (o *Orchestrator) endTurn(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, conversationID)
}

func (o *Orchestrator) loadOrInit(ctx context.Context, conversationID string) (*portfolio.State, int64, error) {
	state, version, err := o.store.LoadState(ctx, conversationID)
	if err != nil {
		return nil, 0, fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		state = portfolio.NewState(conversationID)
	}
	return state, version, nil
}

// DelegateToStoryAgent runs the story specialist over the latest user input
// and merges the extracted content.
func (o *Orchestrator) DelegateToStoryAgent(ctx context.Context, conversationID string, input StoryInput) (TurnResult, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := o.beginTurn(conversationID); err != nil {
		return TurnResult{}, err
	}
	defer o.endTurn(conversationID)

	state, version, err := o.loadOrInit(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}

	turnID := uuid.NewString()
	o.log.Info("delegation begin", "turn_id", turnID, "type", subagent.TypeStory, "conversation_id", conversationID)

	res := o.runtime.Spawn(ctx, subagent.TypeStory, subagent.Context{Snapshot: state.Clone()}, subagent.Input{
		Message:   input.Message,
		ImageURLs: input.ImageURLs,
	})
	if res.Failed() {
		o.log.Warn("delegation failed", "turn_id", turnID, "type", subagent.TypeStory, "kind", res.Error.Kind)
		o.auditDelegation(conversationID, turnID, subagent.TypeStory, res, nil, state.Checkpoint)
		return degradedTurn(state, res.Error, subagent.TypeStory), nil
	}

	outcome, err := subagent.MapStoryResult(res, state)
	if err != nil {
		// A payload that passed schema validation but does not decode is an
		// invalid output for recovery purposes.
		info := &subagent.ErrorInfo{Kind: subagent.ErrKindInvalidOutput, Message: err.Error()}
		o.log.Warn("delegation mapping failed", "turn_id", turnID, "type", subagent.TypeStory, "err", err)
		o.auditDelegation(conversationID, turnID, subagent.TypeStory, res, info, state.Checkpoint)
		return degradedTurn(state, info, subagent.TypeStory), nil
	}

	merged := portfolio.Merge(state, outcome.Update)
	signals := []portfolio.Checkpoint{outcome.CheckpointSignal}
	// Images may arrive in the request or already live in persisted state;
	// checking only the transient request caused redundant upload prompts.
	if len(input.ImageURLs) > 0 || len(merged.Project.Images) > 0 {
		signals = append(signals, portfolio.CheckpointImagesUploaded)
	}
	merged.Checkpoint = portfolio.NextCheckpoint(state.Checkpoint, signals...)

	if _, err := o.store.SaveState(ctx, conversationID, merged, version); err != nil {
		return TurnResult{}, fmt.Errorf("save state: %w", err)
	}

	out := TurnResult{
		State:   merged,
		Actions: storyActions(merged.Checkpoint, outcome.FollowUpQuestion),
		Message: synthesizeStoryMessage(outcome, res, merged),
	}
	o.auditDelegation(conversationID, turnID, subagent.TypeStory, res, nil, merged.Checkpoint)
	o.log.Info("delegation end", "turn_id", turnID, "type", subagent.TypeStory, "checkpoint", merged.Checkpoint, "confidence", res.Confidence)
	return out, nil
}

// DelegateToDesignAgent runs the design specialist and merges the selected
// tokens, hero image, and composed blocks.
func (o *Orchestrator) DelegateToDesignAgent(ctx context.Context, conversationID string, input DesignInput) (TurnResult, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := o.beginTurn(conversationID); err != nil {
		return TurnResult{}, err
	}
	defer o.endTurn(conversationID)

	state, version, err := o.loadOrInit(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}

	turnID := uuid.NewString()
	o.log.Info("delegation begin", "turn_id", turnID, "type", subagent.TypeDesign, "conversation_id", conversationID)

	res := o.runtime.Spawn(ctx, subagent.TypeDesign, subagent.Context{Snapshot: state.Clone()}, subagent.Input{
		Goal:       input.Goal,
		FocusAreas: input.FocusAreas,
	})
	if res.Failed() {
		o.log.Warn("delegation failed", "turn_id", turnID, "type", subagent.TypeDesign, "kind", res.Error.Kind)
		o.auditDelegation(conversationID, turnID, subagent.TypeDesign, res, nil, state.Checkpoint)
		return degradedTurn(state, res.Error, subagent.TypeDesign), nil
	}

	outcome, err := subagent.MapDesignResult(res, state)
	if err != nil {
		info := &subagent.ErrorInfo{Kind: subagent.ErrKindInvalidOutput, Message: err.Error()}
		o.log.Warn("delegation mapping failed", "turn_id", turnID, "type", subagent.TypeDesign, "err", err)
		o.auditDelegation(conversationID, turnID, subagent.TypeDesign, res, info, state.Checkpoint)
		return degradedTurn(state, info, subagent.TypeDesign), nil
	}

	merged := portfolio.Merge(state, outcome.Update)
	if len(outcome.Blocks) > 0 && outcome.HeroImageID != "" {
		merged.Checkpoint = portfolio.NextCheckpoint(state.Checkpoint, portfolio.CheckpointDesignComplete)
	}

	if _, err := o.store.SaveState(ctx, conversationID, merged, version); err != nil {
		return TurnResult{}, fmt.Errorf("save state: %w", err)
	}

	out := TurnResult{
		State:   merged,
		Actions: []string{ActionShowPreview},
		Message: synthesizeDesignMessage(outcome, res),
	}
	o.auditDelegation(conversationID, turnID, subagent.TypeDesign, res, nil, merged.Checkpoint)
	o.log.Info("delegation end", "turn_id", turnID, "type", subagent.TypeDesign, "checkpoint", merged.Checkpoint, "hero", outcome.HeroImageID)
	return out, nil
}

// DelegateToQualityAgent runs the quality specialist. On failure the previous
// assessment is preserved untouched: fabricating ready=true (or false) on an
// internal error would turn an advisory read into misinformation.
func (o *Orchestrator) DelegateToQualityAgent(ctx context.Context, conversationID string) (TurnResult, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := o.beginTurn(conversationID); err != nil {
		return TurnResult{}, err
	}
	defer o.endTurn(conversationID)

	state, version, err := o.loadOrInit(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}

	turnID := uuid.NewString()
	o.log.Info("delegation begin", "turn_id", turnID, "type", subagent.TypeQuality, "conversation_id", conversationID)

	res := o.runtime.Spawn(ctx, subagent.TypeQuality, subagent.Context{Snapshot: state.Clone()}, subagent.Input{})
	if res.Failed() {
		o.log.Warn("delegation failed", "turn_id", turnID, "type", subagent.TypeQuality, "kind", res.Error.Kind)
		o.auditDelegation(conversationID, turnID, subagent.TypeQuality, res, nil, state.Checkpoint)
		out := degradedTurn(state, res.Error, subagent.TypeQuality)
		// Publishing stays available whether or not the check ran.
		out.Actions = append(out.Actions, ActionOfferPublish)
		return out, nil
	}

	outcome, err := subagent.MapQualityResult(res)
	if err != nil {
		info := &subagent.ErrorInfo{Kind: subagent.ErrKindInvalidOutput, Message: err.Error()}
		o.log.Warn("delegation mapping failed", "turn_id", turnID, "type", subagent.TypeQuality, "err", err)
		o.auditDelegation(conversationID, turnID, subagent.TypeQuality, res, info, state.Checkpoint)
		out := degradedTurn(state, info, subagent.TypeQuality)
		out.Actions = append(out.Actions, ActionOfferPublish)
		return out, nil
	}

	merged := portfolio.Merge(state, outcome.Update)
	// The checkpoint records that the review ran, not its verdict. Publishing
	// is available either way.
	merged.Checkpoint = portfolio.NextCheckpoint(state.Checkpoint, portfolio.CheckpointReadyToPublish)

	if _, err := o.store.SaveState(ctx, conversationID, merged, version); err != nil {
		return TurnResult{}, fmt.Errorf("save state: %w", err)
	}

	out := TurnResult{
		State:   merged,
		Actions: []string{ActionOfferPublish},
		Message: synthesizeQualityMessage(outcome, res),
	}
	o.auditDelegation(conversationID, turnID, subagent.TypeQuality, res, nil, merged.Checkpoint)
	o.log.Info("delegation end", "turn_id", turnID, "type", subagent.TypeQuality, "ready", outcome.Assessment.Ready)
	return out, nil
}

// DelegateParallel fans out several specialists against the same snapshot,
// merges their deltas in request order, and surfaces every branch's message.
// A failed branch degrades to a soft message without tainting the siblings.
func (o *Orchestrator) DelegateParallel(ctx context.Context, conversationID string, requests []ParallelRequest) (TurnResult, error) {
	conversationID = strings.TrimSpace(conversationID)
	if len(requests) == 0 {
		return TurnResult{}, errors.New("no parallel requests")
	}
	if err := o.beginTurn(conversationID); err != nil {
		return TurnResult{}, err
	}
	defer o.endTurn(conversationID)

	state, version, err := o.loadOrInit(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}

	turnID := uuid.NewString()
	o.log.Info("delegation begin", "turn_id", turnID, "type", "parallel", "conversation_id", conversationID, "branches", len(requests))

	// Every branch works off the same immutable snapshot taken at turn start.
	snapshot := state.Clone()
	spawns := make([]subagent.SpawnRequest, 0, len(requests))
	for _, req := range requests {
		spawn := subagent.SpawnRequest{Type: req.Type, Context: subagent.Context{Snapshot: snapshot}}
		switch req.Type {
		case subagent.TypeStory:
			spawn.Input = subagent.Input{Message: req.Story.Message, ImageURLs: req.Story.ImageURLs}
		case subagent.TypeDesign:
			spawn.Input = subagent.Input{Goal: req.Design.Goal, FocusAreas: req.Design.FocusAreas}
		}
		spawns = append(spawns, spawn)
	}

	results := o.runtime.SpawnParallel(ctx, spawns)

	merged := state
	signals := make([]portfolio.Checkpoint, 0, len(results))
	messages := make([]string, 0, len(results))
	branchErrs := make([]*subagent.ErrorInfo, len(results))
	var firstFailure *subagent.ErrorInfo
	changed := false

	for i, res := range results {
		if res.Failed() {
			if firstFailure == nil {
				firstFailure = res.Error
			}
			branchErrs[i] = res.Error
			messages = append(messages, failureMessage(requests[i].Type, res.Error))
			continue
		}
		switch requests[i].Type {
		case subagent.TypeStory:
			outcome, err := subagent.MapStoryResult(res, snapshot)
			if err != nil {
				branchErrs[i] = &subagent.ErrorInfo{Kind: subagent.ErrKindInvalidOutput, Message: err.Error()}
				messages = append(messages, failureMessage(subagent.TypeStory, branchErrs[i]))
				continue
			}
			merged = portfolio.Merge(merged, outcome.Update)
			signals = append(signals, outcome.CheckpointSignal)
			// Follow-up questions and summaries from parallel branches must
			// surface; dropping them stranded conversations.
			messages = append(messages, synthesizeStoryMessage(outcome, res, merged))
			changed = true
		case subagent.TypeDesign:
			outcome, err := subagent.MapDesignResult(res, snapshot)
			if err != nil {
				branchErrs[i] = &subagent.ErrorInfo{Kind: subagent.ErrKindInvalidOutput, Message: err.Error()}
				messages = append(messages, failureMessage(subagent.TypeDesign, branchErrs[i]))
				continue
			}
			merged = portfolio.Merge(merged, outcome.Update)
			if len(outcome.Blocks) > 0 && outcome.HeroImageID != "" {
				signals = append(signals, portfolio.CheckpointDesignComplete)
			}
			messages = append(messages, synthesizeDesignMessage(outcome, res))
			changed = true
		case subagent.TypeQuality:
			outcome, err := subagent.MapQualityResult(res)
			if err != nil {
				branchErrs[i] = &subagent.ErrorInfo{Kind: subagent.ErrKindInvalidOutput, Message: err.Error()}
				messages = append(messages, failureMessage(subagent.TypeQuality, branchErrs[i]))
				continue
			}
			merged = portfolio.Merge(merged, outcome.Update)
			signals = append(signals, portfolio.CheckpointReadyToPublish)
			messages = append(messages, synthesizeQualityMessage(outcome, res))
			changed = true
		}
	}

	if changed {
		merged.Checkpoint = portfolio.NextCheckpoint(state.Checkpoint, signals...)
		if _, err := o.store.SaveState(ctx, conversationID, merged, version); err != nil {
			return TurnResult{}, fmt.Errorf("save state: %w", err)
		}
	}

	for i, res := range results {
		o.auditDelegation(conversationID, turnID, requests[i].Type, res, branchErrs[i], merged.Checkpoint)
	}

	out := TurnResult{
		State:    merged,
		Actions:  []string{ActionShowPreview},
		Message:  strings.Join(messages, " "),
		Messages: messages,
		Failure:  firstFailure,
	}
	o.log.Info("delegation end", "turn_id", turnID, "type", "parallel", "checkpoint", merged.Checkpoint, "changed", changed)
	return out, nil
}

// RegisterImages is the callback surface for the external image pipeline:
// newly uploaded images are appended to the project sequence (deduplicated by
// id) and the checkpoint acknowledges the upload.
func (o *Orchestrator) RegisterImages(ctx context.Context, conversationID string, images []portfolio.ImageRecord) (TurnResult, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := o.beginTurn(conversationID); err != nil {
		return TurnResult{}, err
	}
	defer o.endTurn(conversationID)

	state, version, err := o.loadOrInit(ctx, conversationID)
	if err != nil {
		return TurnResult{}, err
	}

	combined := portfolio.CloneImages(state.Project.Images)
	seen := make(map[string]struct{}, len(combined))
	for _, img := range combined {
		seen[img.ID] = struct{}{}
	}
	added := 0
	for _, img := range images {
		id := strings.TrimSpace(img.ID)
		if id == "" || strings.TrimSpace(img.URL) == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		img.ID = id
		img.DisplayOrder = len(combined)
		combined = append(combined, img)
		added++
	}
	if added == 0 {
		return TurnResult{State: state, Actions: []string{ActionGenerateContent}, Message: "Those images are already part of the project."}, nil
	}

	merged := portfolio.Merge(state, &portfolio.Update{Project: &portfolio.ProjectUpdate{Images: combined}})
	merged.Checkpoint = portfolio.NextCheckpoint(state.Checkpoint, portfolio.CheckpointImagesUploaded)

	if _, err := o.store.SaveState(ctx, conversationID, merged, version); err != nil {
		return TurnResult{}, fmt.Errorf("save state: %w", err)
	}

	if o.audit != nil {
		o.audit.Append(auditlog.Entry{
			Action:         "images_registered",
			ConversationID: conversationID,
			Checkpoint:     string(merged.Checkpoint),
			Detail:         map[string]any{"added": added, "total": len(combined)},
		})
	}
	o.log.Info("images registered", "conversation_id", conversationID, "added", added, "total", len(combined))
	return TurnResult{
		State:   merged,
		Actions: []string{ActionGenerateContent},
		Message: fmt.Sprintf("Got %d new photo(s). Tell me about this project and I'll start building the page.", added),
	}, nil
}

// PublishCheck answers publish eligibility for an external caller. It is
// independent of the quality agent by construction: portfolio.PublishEligibility
// reads only display strings from the assessment, never the Ready flag.
func (o *Orchestrator) PublishCheck(ctx context.Context, conversationID string) (portfolio.PublishDecision, error) {
	state, _, err := o.store.LoadState(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return portfolio.PublishDecision{}, fmt.Errorf("load state: %w", err)
	}
	return portfolio.PublishEligibility(state), nil
}

func storyActions(checkpoint portfolio.Checkpoint, followUp string) []string {
	actions := make([]string, 0, 2)
	if checkpoint == portfolio.CheckpointStoryComplete || checkpoint == portfolio.CheckpointDesignComplete || checkpoint == portfolio.CheckpointReadyToPublish {
		// Distinct from generate_content so callers route to the design
		// specialist instead of re-running content generation.
		actions = append(actions, ActionComposeLayout)
	} else {
		actions = append(actions, ActionGenerateContent)
	}
	if followUp != "" {
		actions = append(actions, ActionAskUser)
	}
	return actions
}

// degradedTurn builds the graceful-continuation result for a failed
// delegation: prior state untouched, a retry action, and a soft user-facing
// message instead of a raw error.
func degradedTurn(state *portfolio.State, info *subagent.ErrorInfo, typ subagent.Type) TurnResult {
	return TurnResult{
		State:   state,
		Actions: []string{ActionRetry},
		Message: failureMessage(typ, info),
		Failure: info,
	}
}
