// Package template renders the agent prompt from a task and its surrounding
// context (spec §6 Template renderer contract). Handlebars-style
// authoring is explicitly out of scope for this repo (spec.md §1), and no
// Handlebars-shaped third-party library appears anywhere in the retrieved
// example pack, so the reference renderer is built on the standard
// library's text/template — its {{ }} delimiters already match the
// contract's placeholder shape, so no remapping is needed.
package template

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/ralph-run/ralph/internal/tracker"
)

// ExtendedContext carries optional material a tracker can supply for richer
// prompts (spec §6): recent progress notes, observed codebase patterns, and
// the PRD body itself.
type ExtendedContext struct {
	RecentProgress  string
	CodebasePatterns string
	PRD             string
}

// Result is the outcome of one render attempt (spec §6).
type Result struct {
	Success bool
	Prompt  string
	Source  string // "tracker" | "default" | "override"
	Error   error
}

// Renderer turns a task plus its config/epic/context into a rendered
// prompt. Implementations must be pure: same inputs, same output.
type Renderer func(task tracker.Task, epic string, extended *ExtendedContext, trackerTemplate string) Result

const defaultTemplateBody = `Task: {{.Task.Title}} ({{.Task.ID}})
{{if .Task.Description}}
Description: {{.Task.Description}}
{{end}}
{{if .Epic}}Epic: {{.Epic}}
{{end}}
{{if .Extended}}{{if .Extended.PRD}}
PRD context:
{{.Extended.PRD}}
{{end}}{{if .Extended.RecentProgress}}
Recent progress:
{{.Extended.RecentProgress}}
{{end}}{{if .Extended.CodebasePatterns}}
Observed codebase patterns:
{{.Extended.CodebasePatterns}}
{{end}}{{end}}
Work the task to completion. When done, emit exactly:
<promise>COMPLETE</promise>
`

type renderVars struct {
	Task     tracker.Task
	Epic     string
	Extended *ExtendedContext
}

// Render implements Renderer. A non-empty trackerTemplate takes precedence
// over the built-in default, matching spec §4.1's "tracker-specific prompt
// template fragment" contract.
func Render(task tracker.Task, epic string, extended *ExtendedContext, trackerTemplate string) Result {
	body := defaultTemplateBody
	source := "default"
	if trackerTemplate != "" {
		body = trackerTemplate
		source = "tracker"
	}

	tmpl, err := template.New("prompt").Parse(body)
	if err != nil {
		return Result{Success: false, Source: source, Error: fmt.Errorf("parsing prompt template: %w", err)}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, renderVars{Task: task, Epic: epic, Extended: extended}); err != nil {
		return Result{Success: false, Source: source, Error: fmt.Errorf("rendering prompt template: %w", err)}
	}

	return Result{Success: true, Prompt: buf.String(), Source: source}
}
