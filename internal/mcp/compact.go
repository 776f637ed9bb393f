package mcp

import (
	"fmt"
	"time"

	"github.com/ashita-ai/daiku/internal/model"
)

const maxCompactRequirements = 120

// compactSession returns a minimal representation of a session for MCP
// responses. Drops the full requirements text (often several KB) in
// favor of a preview, and skips counters that are zero.
func compactSession(sess model.Session) map[string]any {
	m := map[string]any{
		"id":         sess.ID,
		"phase":      sess.Phase,
		"status":     sess.Status,
		"iteration":  sess.Iteration,
		"created_at": sess.CreatedAt,
	}
	if sess.Requirements != "" {
		m["requirements_preview"] = truncate(sess.Requirements, maxCompactRequirements)
	}
	if sess.TestRetries > 0 {
		m["test_retries"] = sess.TestRetries
	}
	if sess.ReviewRounds > 0 {
		m["review_rounds"] = sess.ReviewRounds
	}
	if sess.CompletedAt != nil {
		m["completed_at"] = sess.CompletedAt
	}

	// Outcome-based context note (rule-based, not LLM).
	if note := sessionNote(sess, time.Now()); note != "" {
		m["context_note"] = note
	}

	return m
}

// sessionNote produces a human-readable signal note for a session.
// Rules are evaluated in priority order; first match wins. Returns ""
// when no rule fires.
func sessionNote(sess model.Session, now time.Time) string {
	switch {
	case sess.Status == model.StatusCompleted && sess.Iteration == 1 && sess.TestRetries == 0 && sess.ReviewRounds == 0:
		return "Completed on the first pass with no retries."

	case sess.Status == model.StatusCompleted && sess.TestRetries > 0:
		return fmt.Sprintf("Completed after %d failing test run(s).", sess.TestRetries)

	case sess.Status == model.StatusCompleted && sess.ReviewRounds > 0:
		return fmt.Sprintf("Completed after %d review rework round(s).", sess.ReviewRounds)

	case sess.Status == model.StatusNeedsRevision:
		return fmt.Sprintf("Stopped for human revision after %d review round(s).", sess.ReviewRounds)

	case sess.Status == model.StatusFailed:
		return fmt.Sprintf("Failed after %d iteration(s).", sess.Iteration)

	case sess.Status == model.StatusInProgress && now.Sub(sess.CreatedAt) > longRunningAfter:
		return fmt.Sprintf("Still running after %d minute(s).", int(now.Sub(sess.CreatedAt).Minutes()))
	}
	return ""
}

// longRunningAfter is the age at which an in-progress session earns a
// note; most runs finish in well under a minute of wall-clock steps.
const longRunningAfter = 10 * time.Minute

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
