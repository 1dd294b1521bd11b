package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/knearme/portfolio-agent/internal/orchestrator"
	"github.com/knearme/portfolio-agent/internal/portfolio"
	"github.com/knearme/portfolio-agent/internal/statestore"
)

// repl is the interactive loop. Plain text goes to the story specialist;
// commands starting with ':' drive the other delegations.
type repl struct {
	orch           *orchestrator.Orchestrator
	store          *statestore.Store
	log            *slog.Logger
	conversationID string
}

func newREPL(orch *orchestrator.Orchestrator, store *statestore.Store, log *slog.Logger, conversationID string) *repl {
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	return &repl{orch: orch, store: store, log: log.With("component", "repl"), conversationID: conversationID}
}

func (r *repl) run(ctx context.Context) error {
	fmt.Printf("Conversation: %s\n", r.conversationID)
	fmt.Println(`Tell me about a project, or type :help for commands.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		res, err := r.orch.DelegateToStoryAgent(ctx, r.conversationID, orchestrator.StoryInput{Message: line})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		r.printTurn(res)
	}
}

func (r *repl) command(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":help":
		fmt.Print(`Commands:
  :images <url> [url...]   Add project photos by URL.
  :design [goal]           Ask the design specialist to compose the page.
  :check                   Run the quality review (advisory only).
  :publish                 Show publish eligibility.
  :state                   Dump the current project state.
  :conversations           List stored conversations.
  :new                     Start a fresh conversation.
  :quit                    Exit.
`)
	case ":images":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: :images <url> [url...]")
		}
		images := make([]portfolio.ImageRecord, 0, len(fields)-1)
		for _, raw := range fields[1:] {
			images = append(images, portfolio.ImageRecord{ID: "img_" + uuid.NewString()[:8], URL: raw})
		}
		res, err := r.orch.RegisterImages(ctx, r.conversationID, images)
		if err != nil {
			return false, err
		}
		r.printTurn(res)
	case ":design":
		goal := strings.TrimSpace(strings.TrimPrefix(line, ":design"))
		res, err := r.orch.DelegateToDesignAgent(ctx, r.conversationID, orchestrator.DesignInput{Goal: goal})
		if err != nil {
			return false, err
		}
		r.printTurn(res)
	case ":check":
		res, err := r.orch.DelegateToQualityAgent(ctx, r.conversationID)
		if err != nil {
			return false, err
		}
		r.printTurn(res)
	case ":publish":
		decision, err := r.orch.PublishCheck(ctx, r.conversationID)
		if err != nil {
			return false, err
		}
		fmt.Println("Publishing is available.")
		for _, s := range decision.Suggestions {
			fmt.Printf("  suggestion: %s\n", s)
		}
		for _, c := range decision.Checks {
			fmt.Printf("  check: %s\n", c)
		}
	case ":state":
		state, _, err := r.store.LoadState(ctx, r.conversationID)
		if err != nil {
			return false, err
		}
		if state == nil {
			fmt.Println("(no state yet)")
			return false, nil
		}
		b, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Println(string(b))
	case ":conversations":
		metas, err := r.store.ListConversations(ctx, 20)
		if err != nil {
			return false, err
		}
		if len(metas) == 0 {
			fmt.Println("(none)")
			return false, nil
		}
		for _, m := range metas {
			fmt.Printf("  %s  checkpoint=%s\n", m.ConversationID, m.Checkpoint)
		}
	case ":new":
		r.conversationID = uuid.NewString()
		fmt.Printf("Conversation: %s\n", r.conversationID)
	case ":quit", ":exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %s (try :help)", fields[0])
	}
	return false, nil
}

func (r *repl) printTurn(res orchestrator.TurnResult) {
	if len(res.Messages) > 1 {
		for _, m := range res.Messages {
			fmt.Println(m)
		}
	} else if res.Message != "" {
		fmt.Println(res.Message)
	}
	if res.State != nil && res.State.Checkpoint != portfolio.CheckpointNone {
		fmt.Printf("  [%s]\n", res.State.Checkpoint)
	}
}
