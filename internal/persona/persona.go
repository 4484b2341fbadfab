// Package persona wraps user queries in the assistant's instruction template.
package persona

import (
	"fmt"
	"os"
	"strings"
	"text/template"
)

// DefaultTemplate is the Elley culinary assistant persona.
const DefaultTemplate = `
You are Elley, a helpful and creative culinary assistant integrated into the ElectraWireless smart home app.
A user has asked for the following: "{{.Query}}"
Provide a clear and helpful response in well-structured Markdown format.
`

// Persona builds backend prompts from a template with a single .Query slot.
// The query is substituted verbatim; no escaping is applied.
type Persona struct {
	tmpl *template.Template
}

// New parses text as a persona template. The template must reference .Query.
func New(text string) (*Persona, error) {
	if !strings.Contains(text, ".Query") {
		return nil, fmt.Errorf("persona template must contain a {{.Query}} slot")
	}
	tmpl, err := template.New("persona").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse persona template: %w", err)
	}
	p := &Persona{tmpl: tmpl}
	if _, err := p.Build("check"); err != nil {
		return nil, err
	}
	return p, nil
}

// Load picks the persona from a template file, inline text, or the default, in that order.
func Load(file, text string) (*Persona, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		return New(string(data))
	case text != "":
		return New(text)
	default:
		return Default(), nil
	}
}

// Default returns the built-in Elley persona.
func Default() *Persona {
	p, err := New(DefaultTemplate)
	if err != nil {
		panic(err)
	}
	return p
}

// Build returns the prompt for query.
func (p *Persona) Build(query string) (string, error) {
	var b strings.Builder
	if err := p.tmpl.Execute(&b, struct{ Query string }{Query: query}); err != nil {
		return "", fmt.Errorf("render persona template: %w", err)
	}
	return b.String(), nil
}
