package ai

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"novel-engine/shared/models"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

const (
	outlinePromptFile = "outline.tmpl"
	segmentPromptFile = "segment.tmpl"
	summaryPromptFile = "summary.tmpl"
)

// Prompts - набор шаблонов системных промптов story-провайдера.
type Prompts struct {
	tmpl *template.Template
}

// LoadPrompts parses the embedded prompt templates.
func LoadPrompts() (*Prompts, error) {
	tmpl, err := template.New("prompts").
		Funcs(template.FuncMap{"join": strings.Join}).
		ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt templates: %w", err)
	}
	return &Prompts{tmpl: tmpl}, nil
}

func (p *Prompts) render(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (p *Prompts) Outline(req models.OutlineRequest) (string, error) {
	return p.render(outlinePromptFile, req)
}

func (p *Prompts) Segment(req models.SegmentRequest) (string, error) {
	return p.render(segmentPromptFile, req)
}

func (p *Prompts) Summary(req models.SummaryRequest) (string, error) {
	return p.render(summaryPromptFile, req)
}
