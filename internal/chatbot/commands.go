package chatbot

import (
	"context"
	"fmt"
	"strings"

	"NutriChat/internal/auth"
	"NutriChat/internal/session"
	"NutriChat/internal/store"
)

// handleCommand handles special commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		sess := cb.orch.CreateSession(ctx, arg)
		cb.printf("Started new session: %s (%s)\n", sess.ID, sess.Mode)
		return false, nil

	case "/temp":
		sess := cb.orch.CreateTemporarySession()
		cb.printf("Started temporary session: %s\n", sess.ID)
		return false, nil

	case "/sessions":
		sessions := cb.orch.Sessions()
		if cb.bridge != nil && auth.CanPersist(cb.auth) {
			loaded, err := cb.orch.LoadSessions(ctx)
			if err != nil {
				return false, fmt.Errorf("failed to load sessions: %w", err)
			}
			sessions = loaded
		}
		active := cb.orch.ActiveSession().ID
		cb.printf("\nSessions:\n")
		for i, s := range sessions {
			marker := " "
			if s.ID == active {
				marker = "*"
			}
			cb.printf("%s %d. %s  %s (%s, %d messages)\n", marker, i+1, shortID(s.ID), s.Title, s.Mode,
				len(cb.orch.GetMessagesForSession(s.ID)))
		}
		cb.printf("\n")
		return false, nil

	case "/switch":
		if arg == "" {
			return false, fmt.Errorf("usage: /switch <session-id>")
		}
		id, err := cb.resolveSession(arg)
		if err != nil {
			return false, err
		}
		if err := cb.orch.SwitchSession(id); err != nil {
			return false, err
		}
		sess := cb.orch.ActiveSession()
		cb.printf("Switched to %s\n", sess.Title)
		cb.printHistory(sess.ID)
		return false, nil

	case "/rename":
		if arg == "" {
			return false, fmt.Errorf("usage: /rename <title>")
		}
		id := cb.orch.ActiveSession().ID
		if err := cb.orch.RenameSession(id, arg); err != nil {
			return false, err
		}
		cb.printf("Renamed session to: %s\n", cb.orch.ActiveSession().Title)
		return false, nil

	case "/delete":
		id := cb.orch.ActiveSession().ID
		if arg != "" {
			resolved, err := cb.resolveSession(arg)
			if err != nil {
				return false, err
			}
			id = resolved
		}
		if err := cb.orch.DeleteSession(id); err != nil {
			return false, err
		}
		cb.printf("Deleted session %s\n", shortID(id))
		return false, nil

	case "/history":
		cb.printHistory(cb.orch.ActiveSession().ID)
		return false, nil

	case "/recipes":
		msg, ok := cb.lastReply()
		if !ok {
			cb.printf("No replies yet.\n")
			return false, nil
		}
		entries, err := cb.orch.ExtractRecipes(msg.ID)
		if err != nil {
			return false, err
		}
		if len(entries) == 0 {
			cb.printf("The last reply has no recipes.\n")
			return false, nil
		}
		var sb strings.Builder
		writeRecipes(&sb, entries)
		cb.printf("%s", sb.String())
		return false, nil

	case "/abort":
		if cb.orch.CanSend() {
			cb.printf("Nothing to abort.\n")
			return false, nil
		}
		cb.orch.AbortCurrentMessage()
		return false, nil

	case "/login":
		cb.auth.SetAuthenticated(true)
		cb.printf("Signed in. New messages in temporary sessions will be saved.\n")
		return false, nil

	case "/logout":
		cb.auth.SetAuthenticated(false)
		cb.printf("Signed out. Continuing as guest.\n")
		return false, nil

	case "/help":
		cb.printf("Available commands:\n")
		cb.printf("  /quit, /exit       - Exit the chatbot\n")
		cb.printf("  /new [title]       - Start a new session (saved when signed in)\n")
		cb.printf("  /temp              - Start a local session (saved on first send when signed in)\n")
		cb.printf("  /sessions          - List sessions\n")
		cb.printf("  /switch <id>       - Switch to a session (id prefix is enough)\n")
		cb.printf("  /rename <title>    - Rename the current session\n")
		cb.printf("  /delete [id]       - Delete a session, the current one by default\n")
		cb.printf("  /history           - Show the current session\n")
		cb.printf("  /recipes           - List recipes found in the last reply\n")
		cb.printf("  /abort             - Stop the reply being streamed (or press Ctrl-C)\n")
		cb.printf("  /login, /logout    - Toggle the signed-in state\n")
		cb.printf("  /help              - Show this help message\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

// resolveSession matches a full id or a unique id prefix
func (cb *ChatBot) resolveSession(prefix string) (string, error) {
	var match string
	for _, s := range cb.orch.Sessions() {
		if s.ID == prefix {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("session prefix %q is ambiguous", prefix)
			}
			match = s.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", store.ErrSessionNotFound, prefix)
	}
	return match, nil
}

func (cb *ChatBot) printHistory(sessionID string) {
	msgs := cb.orch.GetMessagesForSession(sessionID)
	if len(msgs) == 0 {
		cb.printf("(empty session)\n")
		return
	}
	for _, msg := range msgs {
		who := "You"
		if msg.Role == session.RoleAssistant {
			who = "Bot"
		}
		suffix := ""
		if msg.Status != session.StatusDone {
			suffix = fmt.Sprintf(" [%s]", msg.Status)
		}
		cb.printf("%s: %s%s\n", who, msg.Content, suffix)
	}
	cb.printf("\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
