package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/opencoach/internal/errkind"
	"github.com/xonecas/opencoach/internal/provider"
	"github.com/xonecas/opencoach/internal/promptloop"
	"github.com/xonecas/opencoach/internal/snapshot"
	"github.com/xonecas/opencoach/internal/store"
	"github.com/xonecas/opencoach/internal/update"
)

// conversation drives one session's turns against its session runtime,
// owning the in-memory history and the turn counter the Tool Registry's
// turn-scoped handlers (Edit, SubAgent) key their C4 snapshots on.
type conversation struct {
	s *session

	mu          sync.Mutex
	history     []provider.Message
	turn        int64
	running     bool // a turn's prompt loop is in flight
	cancel      context.CancelFunc
	turnStartAt map[int64]int   // history length just before the turn's user message was appended
	turnRowID   map[int64]int64 // webCache row ID of the turn's user message, if persisted
}

func newConversation(s *session, resume []provider.Message) *conversation {
	return &conversation{
		s:           s,
		history:     resume,
		turnStartAt: make(map[int64]int),
		turnRowID:   make(map[int64]int64),
	}
}

// Handle implements backend.ActionHandler.
func (c *conversation) Handle(ctx context.Context, action update.ActionEnvelope) error {
	switch action.Type {
	case update.ActionSendPrompt:
		var payload update.SendPromptPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("opencoach: decode send_prompt payload: %w", err)
		}
		c.mu.Lock()
		if c.running {
			c.mu.Unlock()
			return fmt.Errorf("%w: session %s already has a turn in progress", errkind.Internal, c.s.id)
		}
		c.running = true
		c.mu.Unlock()
		go c.runTurn(payload.Text)
		return nil

	case update.ActionCancel:
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	case update.ActionPermissionAnswer:
		var payload update.PermissionAnswerPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("opencoach: decode permission_answer payload: %w", err)
		}
		if !c.s.askBroker.Resolve(payload.RequestID, payload.Allow, payload.Remember) {
			return fmt.Errorf("opencoach: no outstanding permission request %q", payload.RequestID)
		}
		return nil

	case update.ActionRevert:
		var payload update.RevertPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return fmt.Errorf("opencoach: decode revert payload: %w", err)
		}
		return c.revert(payload.TurnID)

	case update.ActionSandboxStart:
		return c.sandboxTransition(ctx, c.s.tools.Sandbox().Start)

	case update.ActionSandboxStop:
		return c.sandboxTransition(ctx, c.s.tools.Sandbox().Stop)

	case update.ActionSandboxRestart:
		return c.sandboxTransition(ctx, c.s.tools.Sandbox().Restart)

	default:
		return fmt.Errorf("opencoach: unknown action type %q", action.Type)
	}
}

func (c *conversation) runTurn(text string) {
	c.mu.Lock()
	c.turn++
	turnID := c.turn
	c.turnStartAt[turnID] = len(c.history)
	userMsg := provider.Message{Role: "user", Content: text, CreatedAt: time.Now()}
	c.history = append(c.history, userMsg)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	history := append([]provider.Message(nil), c.history...)
	c.mu.Unlock()

	defer cancel()

	c.s.tools.SetTurn(turnID)
	if c.s.deltaTracker != nil {
		c.s.deltaTracker.BeginTurn(turnID)
	}
	if c.s.webCache != nil {
		rowID, err := c.s.webCache.SaveMessageSync(c.s.id, store.SessionMessage{
			Role: "user", Content: text, CreatedAt: userMsg.CreatedAt,
		})
		if err != nil {
			log.Warn().Err(err).Str("session", c.s.id).Msg("opencoach: failed to persist user message")
		} else {
			c.mu.Lock()
			c.turnRowID[turnID] = rowID
			c.mu.Unlock()
		}
	}

	result, err := promptloop.ProcessTurn(ctx, promptloop.Config{
		SessionID: c.s.id,
		Provider:  c.s.provider,
		Registry:  c.s.tools.Registry,
		Tools:     c.s.tools.Registry.List(),
		History:   history,
		Bus:       c.s.bus,
	})
	if err != nil {
		log.Warn().Err(err).Str("session", c.s.id).Msg("opencoach: turn failed")
	}

	c.mu.Lock()
	newMessages := append([]provider.Message(nil), result.History[len(history):]...)
	c.history = append(c.history[:len(history)], newMessages...)
	c.cancel = nil
	c.running = false
	c.mu.Unlock()

	if c.s.webCache == nil {
		return
	}
	toSave := make([]store.SessionMessage, 0, len(newMessages))
	for _, m := range newMessages {
		var tc json.RawMessage
		if len(m.ToolCalls) > 0 {
			if b, err := json.Marshal(m.ToolCalls); err == nil {
				tc = b
			}
		}
		toSave = append(toSave, store.SessionMessage{
			Role: m.Role, Content: m.Content, Reasoning: m.Reasoning,
			ToolCalls: tc, ToolCallID: m.ToolCallID, CreatedAt: m.CreatedAt,
			InputTokens: m.InputTokens, OutputTokens: m.OutputTokens,
		})
	}
	if err := c.s.webCache.SaveMessages(c.s.id, toSave); err != nil {
		log.Warn().Err(err).Str("session", c.s.id).Msg("opencoach: failed to persist turn")
	}
}

// sandboxTransition runs a Sandbox Runtime (C6) lifecycle step — Start,
// Stop, or Restart — and publishes the resulting state as a SandboxUpdated
// Update regardless of outcome, so a frontend driving the sandbox sees the
// transition even when it fails.
func (c *conversation) sandboxTransition(ctx context.Context, step func(context.Context) (string, error)) error {
	state, err := step(ctx)
	upd := update.SandboxUpdated{SessionID: c.s.id, State: state}
	if err != nil {
		upd.Error = err.Error()
	}
	c.s.bus.Publish(upd)
	return err
}

// revert restores every file C4 snapshotted during turnID, undoes the
// complementary delta log, truncates in-memory history back to just before
// that turn's user message, and — if the turn's first message made it to
// disk — deletes from there onward too.
func (c *conversation) revert(turnID int64) error {
	if c.s.snapshots != nil {
		messageID := strconv.FormatInt(turnID, 10)
		snaps, err := c.s.snapshots.ListByMessage(messageID)
		if err != nil {
			return fmt.Errorf("opencoach: list snapshots for turn %d: %w", turnID, err)
		}
		// snaps comes back newest-first; a file edited more than once in the
		// same turn has one snapshot per edit, and only the oldest holds the
		// content from before the turn touched it at all.
		oldest := make(map[string]*snapshot.Snapshot, len(snaps))
		for i := len(snaps) - 1; i >= 0; i-- {
			for _, f := range snaps[i].Files {
				if _, ok := oldest[f]; !ok {
					oldest[f] = snaps[i]
				}
			}
		}
		restored := make(map[string]bool, len(oldest))
		for _, snap := range oldest {
			if restored[snap.ID] {
				continue
			}
			if _, err := c.s.snapshots.Restore(snap.ID); err != nil {
				return fmt.Errorf("opencoach: restore snapshot %s for turn %d: %w", snap.ID, turnID, err)
			}
			restored[snap.ID] = true
		}
		for _, snap := range snaps {
			if err := c.s.snapshots.Delete(snap.ID); err != nil {
				log.Warn().Err(err).Str("snapshot", snap.ID).Msg("opencoach: failed to delete snapshot after revert")
			}
		}
	}
	if c.s.deltaTracker != nil {
		if _, err := c.s.deltaTracker.Undo(c.s.id, turnID); err != nil {
			log.Warn().Err(err).Int64("turn", turnID).Msg("opencoach: delta undo failed")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	start, ok := c.turnStartAt[turnID]
	if ok && start <= len(c.history) {
		c.history = c.history[:start]
	}
	rowID, hasRow := c.turnRowID[turnID]
	delete(c.turnStartAt, turnID)
	delete(c.turnRowID, turnID)
	if hasRow && c.s.webCache != nil {
		if err := c.s.webCache.DeleteMessagesFrom(c.s.id, rowID); err != nil {
			return fmt.Errorf("opencoach: delete persisted messages from turn %d: %w", turnID, err)
		}
	}
	return nil
}
