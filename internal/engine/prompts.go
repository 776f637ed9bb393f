package engine

import (
	"strings"
	"unicode/utf8"
)

// Prompt inputs are bounded so a long-running session cannot grow
// requests without limit.
const (
	maxPromptRequirements = 4000
	maxPromptPlan         = 2000
	maxPromptCode         = 8000
	maxPromptTests        = 4000
	maxPromptReview       = 2000
	maxPromptErrors       = 2
	maxPromptErrorLen     = 500
)

const (
	plannerMaxTokens  = 1024
	coderMaxTokens    = 4096
	testerMaxTokens   = 2048
	reviewerMaxTokens = 1024

	plannerTemperature  float32 = 0.4
	coderTemperature    float32 = 0.2
	testerTemperature   float32 = 0.2
	reviewerTemperature float32 = 0.1
)

// approvalMarker is the token the reviewer is instructed to emit when
// the code is acceptable.
const approvalMarker = "APPROVED"

const (
	plannerSystem = "You are a senior software architect. Produce concise, numbered development plans."

	coderSystem = "You are a senior Python engineer. Write complete, runnable code. " +
		"Emit one fenced code block per file, each starting with a '# File: <name>' comment."

	testerSystem = "You are a test engineer. Write pytest test files. " +
		"Emit one fenced code block per file, each starting with a '# File: <name>' comment."

	reviewerSystem = "You are a code reviewer. Assess the code and tests against the requirements. " +
		"Reply with the single word APPROVED when the work is acceptable; otherwise list the required changes."
)

func plannerPrompt(requirements string) string {
	var b strings.Builder
	b.WriteString("Create a development plan for the following requirements:\n\n")
	b.WriteString(truncate(requirements, maxPromptRequirements))
	b.WriteString("\n\nList the files to create, the main components, and the testing approach.")
	return b.String()
}

func coderPrompt(requirements, plan, review, recentErrors string) string {
	var b strings.Builder
	b.WriteString("Requirements:\n")
	b.WriteString(truncate(requirements, maxPromptRequirements))
	b.WriteString("\n\nPlan:\n")
	b.WriteString(truncate(plan, maxPromptPlan))
	if review != "" {
		b.WriteString("\n\nReviewer feedback to address:\n")
		b.WriteString(truncate(review, maxPromptReview))
	}
	if recentErrors != "" {
		b.WriteString("\n\nRecent errors to fix:\n")
		b.WriteString(recentErrors)
	}
	b.WriteString("\n\nWrite the complete implementation now.")
	return b.String()
}

func testerPrompt(requirements, code string) string {
	var b strings.Builder
	b.WriteString("Write pytest tests for the following code.\n\nRequirements:\n")
	b.WriteString(truncate(requirements, maxPromptRequirements))
	b.WriteString("\n\nCode:\n")
	b.WriteString(truncate(code, maxPromptCode))
	b.WriteString("\n\nCover the main paths and the obvious edge cases.")
	return b.String()
}

func reviewerPrompt(requirements, code, tests, recentErrors string) string {
	var b strings.Builder
	b.WriteString("Review this work.\n\nRequirements:\n")
	b.WriteString(truncate(requirements, maxPromptRequirements))
	b.WriteString("\n\nCode:\n")
	b.WriteString(truncate(code, maxPromptCode))
	b.WriteString("\n\nTests:\n")
	b.WriteString(truncate(tests, maxPromptTests))
	if recentErrors != "" {
		b.WriteString("\n\nOutstanding errors:\n")
		b.WriteString(recentErrors)
	}
	return b.String()
}

// truncate bounds s to limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// formatRecentErrors renders the most recent error entries as a bounded
// bullet list, or "" when there are none.
func formatRecentErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	start := len(errs) - maxPromptErrors
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, e := range errs[start:] {
		b.WriteString("- ")
		b.WriteString(truncate(e, maxPromptErrorLen))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Fallback artifacts stand in when the generation collaborator fails.
// They are deterministic and never empty, so the workflow can always
// keep moving.

const fallbackPlanText = `1. Review the requirements and identify the core feature set.
2. Implement the main module with the required functionality.
3. Add input validation and error handling.
4. Write unit tests covering the main paths.
5. Run the test suite and fix any failures.`

const fallbackAPICode = `from fastapi import FastAPI

app = FastAPI()


@app.get("/")
def read_root():
    return {"status": "ok"}


@app.get("/health")
def health():
    return {"healthy": True}
`

const fallbackScriptCode = `def main():
    print("Hello from the generated program")
    return 0


if __name__ == "__main__":
    main()
`

const fallbackTestsText = `import main


def test_main_runs():
    assert main.main() == 0
`

const fallbackReviewText = `The work could not be fully reviewed. Unresolved issues remain: ` +
	`verify the error log, improve test coverage, and resubmit for review.`

func fallbackPlan() string { return fallbackPlanText }

// fallbackCode picks a FastAPI skeleton when the requirements read like
// a web service, a plain script otherwise.
func fallbackCode(requirements string) string {
	lower := strings.ToLower(requirements)
	for _, hint := range []string{"api", "endpoint", "http", "web service", "fastapi", "rest"} {
		if strings.Contains(lower, hint) {
			return fallbackAPICode
		}
	}
	return fallbackScriptCode
}

func fallbackTests() string { return fallbackTestsText }

func fallbackReview() string { return fallbackReviewText }
