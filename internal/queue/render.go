package queue

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"sync"
	"text/template"

	"relaybot/internal/domain"
)

// DefaultTemplate renders title, author, link and hashtags.
const DefaultTemplate = `{{with .Content.Title}}{{.}}
{{end}}{{with .Content.Author}}by {{.}}
{{end}}{{.Content.URL}}{{with .Content.Tags}}
{{hashtags .}}{{end}}`

// RenderData is what a push template sees.
type RenderData struct {
	Content domain.Content
	Target  string
	RuleID  int64
}

var funcs = template.FuncMap{
	"hashtags": func(tags []string) string {
		out := make([]string, 0, len(tags))
		for _, t := range tags {
			t = strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(t))
			if t != "" {
				out = append(out, "#"+t)
			}
		}
		return strings.Join(out, " ")
	},
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"html":  html.EscapeString,
	"attr": func(c domain.Content, key string) string {
		return c.Attrs[key]
	},
}

// Renderer holds compiled templates by id.
type Renderer struct {
	mu   sync.RWMutex
	byID map[string]*template.Template
	def  *template.Template
}

// NewRenderer compiles templates. defaultID names the template used when a
// dispatch has no template id or an unknown one; empty means DefaultTemplate.
func NewRenderer(templates map[string]string, defaultID string) (*Renderer, error) {
	r := &Renderer{}
	if err := r.Set(templates, defaultID); err != nil {
		return nil, err
	}
	return r, nil
}

// Set replaces the template set. On error the previous set stays active.
func (r *Renderer) Set(templates map[string]string, defaultID string) error {
	byID := make(map[string]*template.Template, len(templates))
	for id, src := range templates {
		id = strings.TrimSpace(id)
		t, err := template.New(id).Funcs(funcs).Option("missingkey=zero").Parse(src)
		if err != nil {
			return fmt.Errorf("rules.templates.%s: %w", id, err)
		}
		byID[id] = t
	}
	def := template.Must(template.New("default").Funcs(funcs).Parse(DefaultTemplate))
	if id := strings.TrimSpace(defaultID); id != "" {
		t, ok := byID[id]
		if !ok {
			return fmt.Errorf("rules.default_template: unknown template %q", id)
		}
		def = t
	}

	r.mu.Lock()
	r.byID = byID
	r.def = def
	r.mu.Unlock()
	return nil
}

// Render executes the template for templateID.
func (r *Renderer) Render(templateID string, data RenderData) (string, error) {
	r.mu.RLock()
	t, ok := r.byID[strings.TrimSpace(templateID)]
	if !ok {
		t = r.def
	}
	r.mu.RUnlock()

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
