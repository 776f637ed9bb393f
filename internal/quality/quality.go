// Package quality provides heuristic scoring of generated code artifacts.
// Scores (0-100) measure structural completeness, not correctness; they
// feed the code_quality_score metric on the workflow state.
package quality

import (
	"strings"
)

// Score computes a quality score (0-100) for a code artifact.
// Higher scores indicate more complete, better-structured output.
//
// Scoring factors:
//   - Comments or docstrings present: 15
//   - Function definitions (>=3: 20, >=1: 10)
//   - Error handling constructs: 15
//   - Imports present: 10
//   - Entry point (main guard or app instantiation): 10
//   - Substantive length (>800 chars: 20, >300: 10, >100: 5)
//   - Test functions referenced: 10
func Score(code string) float64 {
	var score float64
	if code == "" {
		return 0
	}

	if strings.Contains(code, `"""`) || strings.Contains(code, "# ") {
		score += 15
	}

	switch defs := strings.Count(code, "def ") + strings.Count(code, "function "); {
	case defs >= 3:
		score += 20
	case defs >= 1:
		score += 10
	}

	if strings.Contains(code, "try:") || strings.Contains(code, "except") ||
		strings.Contains(code, "raise ") {
		score += 15
	}

	if strings.Contains(code, "import ") || strings.Contains(code, "from ") {
		score += 10
	}

	if strings.Contains(code, `if __name__ == "__main__"`) ||
		strings.Contains(code, "FastAPI(") || strings.Contains(code, "Flask(") {
		score += 10
	}

	switch n := len(strings.TrimSpace(code)); {
	case n > 800:
		score += 20
	case n > 300:
		score += 10
	case n > 100:
		score += 5
	}

	if strings.Contains(code, "def test_") {
		score += 10
	}

	return score
}
