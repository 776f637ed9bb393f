// Package extract turns unstructured generated text into named file
// contents. All functions are pure and deterministic: the same input
// always yields the same files in the same order.
//
// Filename resolution walks an ordered rule list — explicit directives
// first (author intent), then content signatures, then a language-tag
// default with positional numbering. New signatures slot into the rule
// list without touching the scan loop.
package extract

import (
	"fmt"
	"regexp"
	"strings"
)

// File is one extracted artifact. Content is never empty.
type File struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// fenceRE matches one fenced region: optional language tag, optional
// filename directive adjacent to the opening fence (consumed, so it does
// not become part of the content), then the body up to the closing fence.
var fenceRE = regexp.MustCompile("(?is)```(?:(\\w+))?\\s*(?:#\\s*(?:file:|filename:)\\s*([^\n]+))?\n(.*?)```")

// directiveRE pulls a filename out of a marker line inside the content.
var directiveRE = regexp.MustCompile(`(?i)(?:file:|filename:|#\s*file)[:\s]*([^\s\n]+)`)

// directiveScanLines bounds how deep into a region the directive scan looks.
const directiveScanLines = 5

// codeIndicators are the tokens that mark bare text as code for the
// whole-text fallback.
var codeIndicators = []string{
	"def ", "class ", "import ", "from ",
	"function ", "var ", "const ", "let ",
	"#!/", "<?", "<!DOCTYPE",
}

// defaultExtensions maps a lowercased language tag to its file extension.
// Unknown and empty tags fall back to Python.
var defaultExtensions = map[string]string{
	"python":     ".py",
	"javascript": ".js",
	"html":       ".html",
	"css":        ".css",
	"text":       ".txt",
	"":           ".py",
}

// detectRule resolves a filename from region content. A false second
// return passes resolution to the next rule in order.
type detectRule struct {
	name    string
	resolve func(content, language string) (string, bool)
}

// detectRules is the resolution order for regions without a fence
// directive. Earlier rules win.
var detectRules = []detectRule{
	{name: "comment directive", resolve: resolveCommentDirective},
	{name: "fastapi entrypoint", resolve: resolveFastAPI},
	{name: "main guard", resolve: resolveMainGuard},
	{name: "pytest suite", resolve: resolvePytest},
	{name: "dependency manifest", resolve: resolveManifest},
}

// Files extracts every fenced region from text in scan order. A repeated
// filename keeps its first-seen position and takes the later region's
// content. Regions whose trimmed content is empty never produce a file.
// With zero fenced regions, text that contains a code indicator is
// returned whole as a single default-named file; otherwise the result is
// empty.
func Files(text string) []File {
	var out []File
	position := make(map[string]int)
	put := func(name, content string) {
		if i, ok := position[name]; ok {
			out[i].Content = content
			return
		}
		position[name] = len(out)
		out = append(out, File{Name: name, Content: content})
	}

	for i, m := range fenceRE.FindAllStringSubmatch(text, -1) {
		language, directive, body := m[1], m[2], m[3]
		content := strings.TrimSpace(body)
		if content == "" {
			continue
		}
		name := strings.TrimSpace(directive)
		if name == "" {
			name = DetectFilename(content, language, i)
		}
		put(name, content)
	}

	if len(out) == 0 && looksLikeCode(text) {
		trimmed := strings.TrimSpace(text)
		if trimmed != "" {
			put(DetectFilename(trimmed, "python", 0), trimmed)
		}
	}

	return out
}

// DetectFilename resolves a filename for region content that carried no
// fence directive. It walks the detection rules in order and falls back
// to the language default: main.<ext> for the first region in a scan,
// file_<index>.<ext> for later ones. Never returns an empty name.
func DetectFilename(content, language string, index int) string {
	for _, rule := range detectRules {
		if name, ok := rule.resolve(content, language); ok {
			return name
		}
	}
	return defaultName(language, index)
}

// resolveCommentDirective scans the first few content lines for an
// explicit filename marker. The marker line stays in the content.
func resolveCommentDirective(content, _ string) (string, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) > directiveScanLines {
		lines = lines[:directiveScanLines]
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "file:") &&
			!strings.Contains(lower, "filename:") &&
			!strings.Contains(lower, "# file") {
			continue
		}
		if m := directiveRE.FindStringSubmatch(line); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				return name, true
			}
		}
	}
	return "", false
}

func resolveFastAPI(content, _ string) (string, bool) {
	if strings.Contains(content, "from fastapi import") || strings.Contains(content, "FastAPI(") {
		return "app.py", true
	}
	return "", false
}

func resolveMainGuard(content, _ string) (string, bool) {
	if strings.Contains(content, `if __name__ == "__main__"`) && strings.Contains(content, "app.run") {
		return "main.py", true
	}
	return "", false
}

func resolvePytest(content, _ string) (string, bool) {
	if strings.Contains(content, "def test_") || strings.Contains(content, "import pytest") {
		return "test_main.py", true
	}
	return "", false
}

// resolveManifest treats a mention of a well-known package as a dependency
// manifest in text regions and as program code in tagged ones.
func resolveManifest(content, language string) (string, bool) {
	lower := strings.ToLower(content)
	for _, dep := range []string{"requests", "fastapi", "flask"} {
		if strings.Contains(lower, dep) {
			if language == "" || strings.EqualFold(language, "text") {
				return "requirements.txt", true
			}
			return "main.py", true
		}
	}
	return "", false
}

func defaultName(language string, index int) string {
	ext, ok := defaultExtensions[strings.ToLower(language)]
	if !ok {
		ext = ".py"
	}
	if index == 0 {
		return "main" + ext
	}
	return fmt.Sprintf("file_%d%s", index, ext)
}

func looksLikeCode(text string) bool {
	for _, indicator := range codeIndicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}
	return false
}
