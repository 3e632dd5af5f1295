package session

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/MJYKIM99/ClaudeBench/internal/agent"
	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful`

const titleTimeout = 30 * time.Second

func isDefaultTitle(title string) bool {
	return title == "" || strings.HasPrefix(title, defaultTitle)
}

// generateTitle derives a short session title from the first exchange with a
// secondary one-turn invocation. Best effort: any failure leaves the default
// title in place and is never surfaced.
func (r *Registry) generateTitle(sess *types.Session, prompt, assistantText string) {
	if !isDefaultTitle(sess.Title) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	request := "Generate a title for this conversation:\n\n" + prompt
	if assistantText != "" {
		request += "\n\n" + assistantText
	}

	stream, err := r.runner.Run(ctx, request, agent.Options{
		Cwd:          sess.Cwd,
		MaxTurns:     1,
		Model:        r.settings.Model,
		Env:          r.settings.Env,
		SystemPrompt: titleSystemPrompt,
	})
	if err != nil {
		return
	}
	defer stream.Close()

	var text strings.Builder
	for {
		msg, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		if m, ok := msg.(*agent.AssistantMessage); ok {
			text.WriteString(m.Text())
		}
	}

	title := cleanTitle(text.String())
	if title == "" {
		return
	}

	err = r.store.UpdateSession(ctx, sess.ID, types.SessionUpdate{Title: &title})
	if err != nil {
		return
	}
	sess.Title = title
	r.publishStatus(sess.ID, types.StatusCompleted, title)
}

// cleanTitle keeps the first non-empty line, capped in length.
func cleanTitle(raw string) string {
	title := ""
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			title = line
			break
		}
	}
	if len(title) > 100 {
		title = title[:97] + "..."
	}
	return title
}
