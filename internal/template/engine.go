package template

import (
	"bytes"
	"fmt"
	htmlTemplate "html/template"
	"strings"
	textTemplate "text/template"
)

// Engine turns a confirmation Template into a parsed form that can be
// executed once per recipient group.
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Compiled is a parsed confirmation template. The subject and the plain
// text body use text/template; the HTML body uses html/template so
// customer names and order values are escaped. A nil part renders empty.
type Compiled struct {
	subject *textTemplate.Template
	html    *htmlTemplate.Template
	text    *textTemplate.Template
}

// Compile parses every non-empty part of tmpl.
func (e *Engine) Compile(tmpl *Template) (*Compiled, error) {
	c := &Compiled{}
	var err error

	if tmpl.Subject != "" {
		if c.subject, err = textTemplate.New(SubjectFile).Parse(tmpl.Subject); err != nil {
			return nil, fmt.Errorf("invalid subject template: %w", err)
		}
	}
	if tmpl.HTML != "" {
		if c.html, err = htmlTemplate.New(HTMLFile).Parse(tmpl.HTML); err != nil {
			return nil, fmt.Errorf("invalid html template: %w", err)
		}
	}
	if tmpl.Text != "" {
		if c.text, err = textTemplate.New(TextFile).Parse(tmpl.Text); err != nil {
			return nil, fmt.Errorf("invalid text template: %w", err)
		}
	}

	return c, nil
}

// Execute renders the confirmation for one recipient group. data is
// normally a Data built by NewData. The rendered subject is folded onto
// a single line so template output cannot inject extra headers.
func (c *Compiled) Execute(data any) (*RenderResult, error) {
	result := &RenderResult{}

	if c.subject != nil {
		var buf bytes.Buffer
		if err := c.subject.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render subject: %w", err)
		}
		result.Subject = singleLine(buf.String())
	}
	if c.html != nil {
		var buf bytes.Buffer
		if err := c.html.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render html: %w", err)
		}
		result.HTML = buf.String()
	}
	if c.text != nil {
		var buf bytes.Buffer
		if err := c.text.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render text: %w", err)
		}
		result.Text = buf.String()
	}

	return result, nil
}

// Render compiles tmpl and executes it against data in one step.
func (e *Engine) Render(tmpl *Template, data any) (*RenderResult, error) {
	c, err := e.Compile(tmpl)
	if err != nil {
		return nil, err
	}
	return c.Execute(data)
}

// Validate checks template syntax and, when sample is non-nil, executes the
// template against it so misspelled Data fields are caught at load time.
func (e *Engine) Validate(tmpl *Template, sample any) error {
	c, err := e.Compile(tmpl)
	if err != nil {
		return err
	}
	if sample != nil {
		if _, err := c.Execute(sample); err != nil {
			return err
		}
	}
	return nil
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
