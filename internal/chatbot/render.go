package chatbot

import (
	"fmt"
	"io"

	"NutriChat/internal/extract"
	"NutriChat/internal/session"
)

// render prints whatever part of an assistant message has not been shown
// yet. It is idempotent, so dropped or repeated events are harmless.
func (cb *ChatBot) render(messageID string) {
	msg, ok := cb.orch.GetMessage(messageID)
	if !ok || msg.Role != session.RoleAssistant {
		return
	}
	if msg.SessionID != cb.orch.ActiveSession().ID {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed[msg.ID] {
		return
	}

	n, started := cb.printed[msg.ID]
	if !started && (msg.Content != "" || msg.Status.Terminal()) {
		fmt.Fprint(cb.out, "Bot: ")
		started = true
	}
	if len(msg.Content) > n {
		fmt.Fprint(cb.out, msg.Content[n:])
		n = len(msg.Content)
	}
	if started {
		cb.printed[msg.ID] = n
	}

	if !msg.Status.Terminal() {
		return
	}
	cb.closed[msg.ID] = true
	delete(cb.printed, msg.ID)

	switch msg.Status {
	case session.StatusAborted:
		fmt.Fprint(cb.out, "\n[stopped]\n\n")
	case session.StatusError:
		fmt.Fprint(cb.out, "\n[error: reply incomplete, send again to retry]\n\n")
	default:
		fmt.Fprint(cb.out, "\n\n")
		if msg.Type == session.TypeRecipe {
			writeRecipes(cb.out, extract.Extract(msg.Content))
		}
	}
}

// renderLast flushes the newest reply of the active session
func (cb *ChatBot) renderLast() {
	if msg, ok := cb.lastReply(); ok {
		cb.render(msg.ID)
	}
}

func writeRecipes(w io.Writer, entries []extract.Entry) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "Found %d recipe(s):\n", len(entries))
	for i, e := range entries {
		fmt.Fprintf(w, "  %d. %s\n", i+1, e.Name)
		for _, kv := range [][2]string{
			{"Servings", e.Servings},
			{"Tools", e.Tools},
			{"Cost", e.Cost},
			{"Difficulty", e.Difficulty},
			{"Features", e.Features},
		} {
			if kv[1] != "" {
				fmt.Fprintf(w, "     %-11s %s\n", kv[0]+":", kv[1])
			}
		}
	}
	fmt.Fprintln(w)
}
