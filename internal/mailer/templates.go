package mailer

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

type rendered struct {
	Subject string
	Text    string
	HTML    string
}

type mailTemplate struct {
	subject string
	body    string
}

// Bodies are shared between the plain text and the HTML part; the HTML part
// escapes interpolated values and wraps paragraphs.
var templates = map[Kind]mailTemplate{
	KindAssignment: {
		subject: `You were assigned to "{{.EntityName}}"`,
		body: `{{.ActorName}} assigned you to the task "{{.EntityName}}"{{if .ParentName}} in {{.ParentName}}{{end}}.
{{if .URL}}
Open the task: {{.URL}}{{end}}`,
	},
	KindStatusChange: {
		subject: `Status changed: "{{.EntityName}}"`,
		body: `{{.ActorName}} changed the status of "{{.EntityName}}"{{if .Status}} to {{.Status}}{{end}}.
{{if .URL}}
Open the task: {{.URL}}{{end}}`,
	},
	KindComment: {
		subject: `New comment on "{{.EntityName}}"`,
		body: `{{.ActorName}} commented on "{{.EntityName}}".
{{if .Excerpt}}
"{{.Excerpt}}"
{{end}}{{if .URL}}
Read the discussion: {{.URL}}{{end}}`,
	},
	KindProjectCreated: {
		subject: `New project: {{.EntityName}}`,
		body: `{{.ActorName}} created the project "{{.EntityName}}"{{if .ParentName}} in {{.ParentName}}{{end}}.
{{if .URL}}
Open the project: {{.URL}}{{end}}`,
	},
	KindProjectUpdated: {
		subject: `Project updated: {{.EntityName}}`,
		body: `{{.ActorName}} updated the project "{{.EntityName}}".
{{if .URL}}
Open the project: {{.URL}}{{end}}`,
	},
	KindMention: {
		subject: `{{.ActorName}} mentioned you`,
		body: `{{.ActorName}} mentioned you{{if .EntityName}} in "{{.EntityName}}"{{end}}.
{{if .Excerpt}}
"{{.Excerpt}}"
{{end}}{{if .URL}}
Jump to it: {{.URL}}{{end}}`,
	},
	KindSystem: {
		subject: `{{if .Title}}{{.Title}}{{else}}System notification{{end}}`,
		body: `{{.Body}}
{{if .URL}}
More: {{.URL}}{{end}}`,
	},
	KindPasswordReset: {
		subject: `Reset your password`,
		body: `We received a request to reset your password.

Reset it here: {{.URL}}

If you did not ask for this, you can ignore this email.`,
	},
	KindPasswordResetConfirmation: {
		subject: `Your password was changed`,
		body: `Your password was changed successfully.

If this was not you, contact your workspace administrator right away.`,
	},
}

func render(kind Kind, c Context) (rendered, error) {
	t, ok := templates[kind]
	if !ok {
		return rendered{}, fmt.Errorf("mailer: no template for %q", kind)
	}
	if strings.TrimSpace(c.ActorName) == "" {
		c.ActorName = "Someone"
	}

	subject, err := execText(string(kind)+".subject", t.subject, c)
	if err != nil {
		return rendered{}, err
	}
	text, err := execText(string(kind)+".text", t.body, c)
	if err != nil {
		return rendered{}, err
	}
	html, err := execHTML(string(kind)+".html", t.body, c)
	if err != nil {
		return rendered{}, err
	}
	return rendered{
		Subject: strings.Join(strings.Fields(subject), " "),
		Text:    strings.TrimSpace(text) + "\n",
		HTML:    html,
	}, nil
}

func execText(name, src string, c Context) (string, error) {
	tpl, err := texttemplate.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("mailer: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("mailer: render %s: %w", name, err)
	}
	return buf.String(), nil
}

func execHTML(name, src string, c Context) (string, error) {
	tpl, err := htmltemplate.New(name).Parse(src)
	if err != nil {
		return "", fmt.Errorf("mailer: parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, c); err != nil {
		return "", fmt.Errorf("mailer: render %s: %w", name, err)
	}
	var out strings.Builder
	out.WriteString("<!doctype html><html><body>")
	for _, p := range strings.Split(strings.TrimSpace(buf.String()), "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out.WriteString("<p>")
		out.WriteString(strings.ReplaceAll(p, "\n", "<br>"))
		out.WriteString("</p>")
	}
	out.WriteString("</body></html>")
	return out.String(), nil
}
