package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/xonecas/opencoach/internal/backend"
	"github.com/xonecas/opencoach/internal/bus"
	"github.com/xonecas/opencoach/internal/permission"
	"github.com/xonecas/opencoach/internal/update"
)

var (
	flagSession  string
	flagContinue bool
	flagList     bool
)

var (
	styleAssistant = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleTool      = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	stylePrompt    = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
)

// newRootCmd builds the bare `opencoach` interactive subcommand: a REPL
// client speaking to a session's runtime entirely in-process through the
// Backend Abstraction (C11) local transport, trimmed down from the
// teacher's bubbletea frontend to a single stdin/stdout loop since a full
// TUI is out of scope here — the wiring it drives (bus subscription,
// action dispatch, update rendering) is unchanged.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "opencoach",
		Short: "Interactive coding agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&flagSession, "session", "s", "", "resume a specific session ID")
	cmd.Flags().BoolVarP(&flagContinue, "continue", "c", false, "continue the most recent session")
	cmd.Flags().BoolVarP(&flagList, "list", "l", false, "list saved sessions and exit")
	return cmd
}

func runInteractive(ctx context.Context) error {
	cfg, creds, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
	}

	if flagList {
		webCache := openWebCache(cfg)
		printSessionList(webCache)
		if webCache != nil {
			_ = webCache.Close()
		}
		return nil
	}

	webCache := openWebCache(cfg)
	sessionID, resume, err := resolveSession(flagSession, flagContinue, webCache)
	if webCache != nil {
		_ = webCache.Close()
	}
	if err != nil {
		return err
	}

	sess, err := buildSession(ctx, cfg, creds, sessionID)
	if err != nil {
		return fmt.Errorf("build session %q: %w", sessionID, err)
	}
	defer sess.Close()

	conv := newConversation(sess, resume)
	local := backend.NewLocal(sess.bus, conv.Handle, bus.SubscribeOptions{})
	sess.local = local
	defer local.Close()

	fmt.Printf("opencoach — session %s\n", sessionID)
	fmt.Println("Type your message and press Enter. Ctrl+D to exit.")

	go renderUpdates(local.Updates())

	return readLoop(ctx, os.Stdin, local)
}

func readLoop(ctx context.Context, r io.Reader, local *backend.LocalBackend) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print(stylePrompt.Render("> "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if handled, err := handleSlashCommand(ctx, line, local); handled {
			if err != nil {
				fmt.Println(styleError.Render(err.Error()))
			}
			continue
		}

		payload, _ := json.Marshal(update.SendPromptPayload{Text: line})
		action := update.ActionEnvelope{Type: update.ActionSendPrompt, Payload: payload}
		if err := local.SendAction(ctx, action); err != nil {
			fmt.Println(styleError.Render(err.Error()))
		}
	}
}

func handleSlashCommand(ctx context.Context, line string, local *backend.LocalBackend) (bool, error) {
	switch {
	case line == "/cancel":
		return true, local.SendAction(ctx, update.ActionEnvelope{Type: update.ActionCancel})
	case strings.HasPrefix(line, "/revert "):
		var turnID int64
		if _, err := fmt.Sscanf(strings.TrimPrefix(line, "/revert "), "%d", &turnID); err != nil {
			return true, fmt.Errorf("usage: /revert <turn>")
		}
		payload, _ := json.Marshal(update.RevertPayload{TurnID: turnID})
		return true, local.SendAction(ctx, update.ActionEnvelope{Type: update.ActionRevert, Payload: payload})
	default:
		return false, nil
	}
}

// renderUpdates drains the local backend's Update stream to stdout until
// the session closes. It runs concurrently with readLoop so streamed
// assistant output interleaves with the next prompt.
func renderUpdates(updates <-chan update.Envelope) {
	for env := range updates {
		switch env.Type {
		case update.TypeTextDelta:
			var ev map[string]any
			if json.Unmarshal(env.Payload, &ev) == nil {
				if delta, ok := ev["text"].(string); ok {
					fmt.Print(styleAssistant.Render(delta))
				}
			}
		case update.TypeTextEnd:
			fmt.Println()
		case update.TypeToolCall:
			var ev map[string]any
			if json.Unmarshal(env.Payload, &ev) == nil {
				fmt.Println(styleTool.Render(fmt.Sprintf("[tool] %v", ev["name"])))
			}
		case update.TypeToolResult:
			fmt.Println(styleTool.Render("[tool result received]"))
		case update.TypePermissionAsk:
			var ev permission.AskEvent
			if json.Unmarshal(env.Payload, &ev) == nil {
				fmt.Println(stylePrompt.Render(fmt.Sprintf("[permission] %s wants to run %s on %s — reply with a permission_answer action (request %s)", ev.SessionID, ev.Tool, ev.Path, ev.RequestID)))
			}
		case update.TypeError:
			var ev map[string]string
			if json.Unmarshal(env.Payload, &ev) == nil {
				fmt.Println(styleError.Render("[error] " + ev["message"]))
			}
		}
	}
}
