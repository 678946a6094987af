// Package email sends meeting summary mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppURL   string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends mail through a single SMTP relay.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart message with a plain-text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return nil
	}
	msg := buildMessage(s.fromHeader(), to, subject, textBody, htmlBody)
	return s.send(s.server, s.auth, s.config.From, to, msg)
}

func buildMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	boundary := "boundary-parabol-summary"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type MeetingSummaryData struct {
	TeamName          string
	MeetingNumber     int
	SuccessExpression string
	SuccessStatement  string
	TaskCount         int
	SummaryURL        string
}

// SendMeetingSummary mails the summary link to the members present at the
// end of a meeting.
func (s *Service) SendMeetingSummary(to []string, data MeetingSummaryData) error {
	if data.SummaryURL == "" {
		data.SummaryURL = strings.TrimRight(s.config.AppURL, "/") + "/me"
	}
	html, err := renderTemplate(meetingSummaryTemplate, data)
	if err != nil {
		return fmt.Errorf("render meeting summary template: %w", err)
	}
	subject := fmt.Sprintf("%s Action Meeting #%d Summary", data.TeamName, data.MeetingNumber)
	text := fmt.Sprintf("%s %s\r\n\r\nNew tasks: %d\r\nFull summary: %s",
		data.SuccessExpression, data.SuccessStatement, data.TaskCount, data.SummaryURL)
	return s.SendHTMLEmail(to, subject, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const meetingSummaryTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.TeamName}} Action Meeting #{{.MeetingNumber}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #444258; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #5f5b8a; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #5f5b8a; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #82809a; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.TeamName}} Action Meeting #{{.MeetingNumber}}</h1>
    </div>

    <h2>{{.SuccessExpression}}</h2>
    <p>{{.SuccessStatement}}</p>
    <p>Your team created {{.TaskCount}} new task{{if ne .TaskCount 1}}s{{end}}.</p>

    <p>
        <a href="{{.SummaryURL}}" class="button">View Meeting Summary</a>
    </p>

    <div class="footer">
        <p>You received this because you attended the meeting.</p>
    </div>
</body>
</html>`
