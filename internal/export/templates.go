package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var summaryTemplate = template.Must(template.New("summary.html").Funcs(template.FuncMap{
	"formatDate":  func(t time.Time, layout string) string { return t.Format(layout) },
	"statusLabel": statusLabel,
}).ParseFS(templateFS, "templates/summary.html"))

// TemplateData is the view of one ended meeting.
type TemplateData struct {
	TeamName             string
	MeetingNumber        int
	EndedAt              time.Time
	SuccessExpression    string
	SuccessStatement     string
	AgendaItemsCompleted int
	NewTaskCount         int
	PresentCount         int
	Invitees             []TemplateInvitee
}

type TemplateInvitee struct {
	PreferredName string
	Present       bool
	Tasks         []TemplateTask
}

// TemplateTask carries content already rendered and sanitized by richtext.
type TemplateTask struct {
	Status      string
	ContentHTML template.HTML
}

func statusLabel(status string) string {
	switch status {
	case "":
		return ""
	case "future":
		return "Future"
	default:
		return strings.ToUpper(status[:1]) + status[1:]
	}
}

func RenderSummaryHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
