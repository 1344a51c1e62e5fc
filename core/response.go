package core

import (
	"fmt"
	"strings"
	"sync"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// renderData is the top-level dot-context exposed to say/prompt/confirm
// templates: the active flow's own slots plus the flow's name. Formatting
// helpers (title, upper, lower) are template funcs, not fields.
type renderData struct {
	Slots map[string]interface{}
	Flow  string
}

var templateFuncs = template.FuncMap{
	"title": cases.Title(language.Und).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// responseRenderer parses and caches text/template instances for every
// say/prompt/confirm message string in a compiled spec, mirroring
// teleflow's template registry but scoped to plain text: transport-level
// markup escaping has no home once Telegram's parse modes are out of
// scope (SPEC_FULL.md Non-goals).
type responseRenderer struct {
	mu    sync.Mutex
	cache map[string]*template.Template
}

func newResponseRenderer() *responseRenderer {
	return &responseRenderer{cache: make(map[string]*template.Template)}
}

// render interpolates text against one flow's slot map. Parse errors are
// startup-fatal in practice (config.go validates every message string
// up front); a render-time failure falls back to the raw text rather
// than dropping the turn's response.
func (r *responseRenderer) render(text string, flowName string, slots map[string]interface{}) string {
	tmpl, err := r.parsed(text)
	if err != nil {
		return text
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, renderData{Slots: slots, Flow: flowName}); err != nil {
		return text
	}
	return buf.String()
}

func (r *responseRenderer) parsed(text string) (*template.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[text]; ok {
		return t, nil
	}
	t, err := template.New("").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", text, err)
	}
	r.cache[text] = t
	return t, nil
}

// validateTemplate parses text without caching it, used by config.go at
// startup to reject malformed message templates before the first turn.
func validateTemplate(text string) error {
	_, err := template.New("").Funcs(templateFuncs).Parse(text)
	return err
}
