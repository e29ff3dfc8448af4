package prompts

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	_ "time/tzdata" // embedded zone database for containers

	"github.com/Masterminds/sprig/v3"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/nikolalohinski/gonja"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "prompts")

const (
	// DefaultTimezone is used when no timezone is configured
	DefaultTimezone = "Europe/Rome"

	// LongDateFormat is the format of the TodayLong value
	LongDateFormat = "Monday, 02 January 2006, 15:04:05 MST"
	// ISODateFormat is the format of the TodayISO value
	ISODateFormat = "2006-01-02"
)

// DefaultSystemPrompt is the default template of the system directive.
const DefaultSystemPrompt = `Role
You are a tool-using assistant that orchestrates calls to MCP servers. Aim for correctness, brevity, and reproducibility.

Context
- System date/time: {{ .TodayLong }} (ISO {{ .TodayISO }})
- You have access to MCP tools discovered at runtime.
- JWT-auth may be required; never invent or print secrets/tokens.
{{- if .Tools }}
- Available tools:
{{- range .Tools }}
  - {{ .Name }}{{ if .Description }}: {{ .Description | trunc 200 }}{{ end }}
{{- end }}
{{- end }}

General Rules
1) Don't hallucinate. If something is unknown, say so and propose the next best tool/query.
2) Ask for missing critical parameters only when absolutely necessary; otherwise make a minimal, explicit assumption and proceed.
3) Keep answers concise; when listing results, prefer short bullet points or a compact Markdown table.

Tooling Policy
- If asked "what tools are available", list tool names and one-line descriptions from discovery.
- Use only the tools listed by discovery, with arguments matching their schema.

Execution Policy
- Make one tool call at a time unless chaining is clearly required.
- After each tool call, interpret the tool output and continue until you can answer.
- If a tool errors, retry once with minimal, safe adjustments; otherwise explain the failure succinctly and suggest a next step.

Safety & Privacy
- Never expose credentials, JWTs, or internal endpoints.
- Redact sensitive identifiers if they appear in tool outputs.
`

// ToolInfo describes a tool in the system directive.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Values are the variables available to a system prompt template.
type Values struct {
	TodayLong string
	TodayISO  string
	Tools     []ToolInfo
}

type renderer interface {
	render(v *Values) (string, error)
}

// SystemPrompt renders a time-stamped system directive.
// It is safe for concurrent use.
type SystemPrompt struct {
	r        renderer
	location *time.Location
	now      func() time.Time
}

// Option configures SystemPrompt
type Option func(*SystemPrompt)

// WithClock sets the time source
func WithClock(now func() time.Time) Option {
	return func(p *SystemPrompt) {
		p.now = now
	}
}

// WithLocation sets the timezone of the timestamp
func WithLocation(loc *time.Location) Option {
	return func(p *SystemPrompt) {
		if loc != nil {
			p.location = loc
		}
	}
}

// LoadLocation returns the location by name,
// empty name returns DefaultTimezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid timezone: %s", name)
	}
	return loc, nil
}

// New returns SystemPrompt for the Go template,
// sprig functions are available in the template.
// Empty template uses DefaultSystemPrompt.
func New(tmpl string, opts ...Option) (*SystemPrompt, error) {
	if tmpl == "" {
		tmpl = DefaultSystemPrompt
	}
	t, err := template.New("system").Funcs(sprig.TxtFuncMap()).Parse(tmpl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse system prompt")
	}
	return newPrompt(&goTemplate{t: t}, opts...), nil
}

// NewJinja returns SystemPrompt for the Jinja template,
// variables are available as today_long, today_iso and tools.
func NewJinja(tmpl string, opts ...Option) (*SystemPrompt, error) {
	t, err := gonja.FromString(tmpl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse system prompt")
	}
	execute := func(vars map[string]any) (string, error) {
		return t.Execute(vars)
	}
	return newPrompt(&jinjaTemplate{execute: execute}, opts...), nil
}

// Load returns SystemPrompt from the file,
// files with .j2 or .jinja extension are Jinja templates.
func Load(file string, opts ...Option) (*SystemPrompt, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	switch strings.ToLower(filepath.Ext(file)) {
	case ".j2", ".jinja":
		return NewJinja(string(b), opts...)
	default:
		return New(string(b), opts...)
	}
}

func newPrompt(r renderer, opts ...Option) *SystemPrompt {
	p := &SystemPrompt{
		r:   r,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.location == nil {
		loc, err := LoadLocation("")
		if err != nil {
			logger.KV(xlog.WARNING, "reason", "load_location", "err", err.Error())
			loc = time.UTC
		}
		p.location = loc
	}
	return p
}

// Values returns the template variables for the current time
func (p *SystemPrompt) Values(tools []ToolInfo) *Values {
	now := p.now().In(p.location)
	return &Values{
		TodayLong: now.Format(LongDateFormat),
		TodayISO:  now.Format(ISODateFormat),
		Tools:     tools,
	}
}

// Render returns the system directive stamped with the current time
func (p *SystemPrompt) Render(tools []ToolInfo) (string, error) {
	s, err := p.r.render(p.Values(tools))
	if err != nil {
		return "", errors.Wrap(err, "failed to render system prompt")
	}
	return strings.TrimSpace(s), nil
}

type goTemplate struct {
	t *template.Template
}

func (g *goTemplate) render(v *Values) (string, error) {
	var buf bytes.Buffer
	if err := g.t.Execute(&buf, v); err != nil {
		return "", errors.WithStack(err)
	}
	return buf.String(), nil
}

type jinjaTemplate struct {
	execute func(vars map[string]any) (string, error)
}

func (j *jinjaTemplate) render(v *Values) (string, error) {
	tools := make([]map[string]any, 0, len(v.Tools))
	for _, t := range v.Tools {
		tools = append(tools, map[string]any{
			"name":        t.Name,
			"description": t.Description,
		})
	}
	out, err := j.execute(map[string]any{
		"today_long": v.TodayLong,
		"today_iso":  v.TodayISO,
		"tools":      tools,
	})
	if err != nil {
		return "", errors.WithStack(err)
	}
	return out, nil
}
