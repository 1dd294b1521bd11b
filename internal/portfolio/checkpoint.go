package portfolio

import "strings"

// Checkpoint is a named milestone in the portfolio conversation. Checkpoints
// sequence work without gating it: they tell the UI what to show next, they
// never forbid an action.
type Checkpoint string

const (
	CheckpointNone           Checkpoint = ""
	CheckpointImagesUploaded Checkpoint = "images_uploaded"
	CheckpointBasicInfo      Checkpoint = "basic_info"
	CheckpointStoryComplete  Checkpoint = "story_complete"
	CheckpointDesignComplete Checkpoint = "design_complete"
	CheckpointReadyToPublish Checkpoint = "ready_to_publish"
)

// ParseCheckpoint normalizes a raw signal value. Unknown signals map to
// CheckpointNone so a malformed subagent signal can never move the state.
func ParseCheckpoint(raw string) Checkpoint {
	switch Checkpoint(strings.ToLower(strings.TrimSpace(raw))) {
	case CheckpointImagesUploaded:
		return CheckpointImagesUploaded
	case CheckpointBasicInfo:
		return CheckpointBasicInfo
	case CheckpointStoryComplete:
		return CheckpointStoryComplete
	case CheckpointDesignComplete:
		return CheckpointDesignComplete
	case CheckpointReadyToPublish:
		return CheckpointReadyToPublish
	default:
		return CheckpointNone
	}
}

func (c Checkpoint) rank() int {
	switch c {
	case CheckpointImagesUploaded:
		return 1
	case CheckpointBasicInfo:
		return 2
	case CheckpointStoryComplete:
		return 3
	case CheckpointDesignComplete:
		return 4
	case CheckpointReadyToPublish:
		return 5
	default:
		return 0
	}
}

// NextCheckpoint is the pure transition function for one orchestration pass:
// the checkpoint advances to the highest-ranked signal or stays level. It
// never moves backward within a pass. Later turns may legitimately regress
// (new images after story_complete) — that is a fresh assignment by the
// orchestrator, not a transition through this function.
func NextCheckpoint(current Checkpoint, signals ...Checkpoint) Checkpoint {
	next := current
	for _, sig := range signals {
		if sig.rank() > next.rank() {
			next = sig
		}
	}
	return next
}
