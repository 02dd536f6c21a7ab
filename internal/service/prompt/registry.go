// Package prompt loads the named prompt templates shipped with the worker.
package prompt

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Registry holds the prompts parsed from the prompt file, keyed by the
// upper-cased header name.
type Registry struct {
	prompts map[string]string
}

const endMarker = "=== END PROMPT ==="

// Load reads and parses the prompt file.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=prompt.Load path=%s: %w", path, err)
	}
	return Parse(string(raw)), nil
}

// Parse splits the prompt file into named sections. A section starts at a
// line of the form "### PROMPT: NAME" or "### NAME" and runs until the end
// marker or the next header. Text outside any section is ignored.
func Parse(s string) *Registry {
	r := &Registry{prompts: map[string]string{}}
	var name string
	var body []string
	flush := func() {
		if name != "" {
			r.prompts[name] = strings.TrimSpace(strings.Join(body, "\n"))
		}
		name = ""
		body = nil
	}
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "### "):
			flush()
			h := strings.TrimSpace(strings.TrimPrefix(trimmed, "### "))
			h = strings.TrimSpace(strings.TrimPrefix(h, "PROMPT:"))
			name = strings.ToUpper(strings.ReplaceAll(h, " ", "_"))
		case trimmed == endMarker:
			flush()
		case name != "":
			body = append(body, line)
		}
	}
	flush()
	return r
}

// Resolve finds a prompt by name, trying the exact upper-cased name first
// and then the name with a _PROMPT suffix.
func (r *Registry) Resolve(name string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if p, ok := r.prompts[key]; ok {
		return p, nil
	}
	if p, ok := r.prompts[key+"_PROMPT"]; ok {
		return p, nil
	}
	return "", fmt.Errorf("op=prompt.Resolve: prompt %q not found (have %d prompts)", name, len(r.prompts))
}

// Names lists the loaded prompt names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.prompts))
	for k := range r.prompts {
		out = append(out, k)
	}
	return out
}

// ForSubtype maps a document content subtype to its prompt name. All known
// subtypes currently share one OCR prompt; the map stays so corpora with
// genre-specific prompts can split later.
func ForSubtype(base, subtype string) string {
	switch strings.ToLower(strings.TrimSpace(subtype)) {
	case "jain_literature", "general", "":
		return base
	}
	return base
}

// RenderPage substitutes the page-number placeholders a page prompt may
// carry. Both spellings appear in existing prompt files.
func RenderPage(template string, pageNum int) string {
	out := strings.ReplaceAll(template, "{page}", strconv.Itoa(pageNum))
	return strings.ReplaceAll(out, "{PAGE_NUMBER}", strconv.Itoa(pageNum))
}
