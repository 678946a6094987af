package export

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"html/template"

	"parabol/api/internal/meeting"
	"parabol/api/internal/richtext"
	"parabol/api/internal/store"
)

type DataStore interface {
	GetMeeting(ctx context.Context, id string) (store.Meeting, error)
}

type renderFunc func(ctx context.Context, html, title string) (*Result, error)

// Service renders summaries of ended meetings.
type Service struct {
	store      DataStore
	renderPDF  renderFunc
	renderDOCX renderFunc
}

func NewService(store DataStore) *Service {
	return &Service{store: store, renderPDF: exportPDF, renderDOCX: exportDOCX}
}

// Export renders the frozen snapshot of req.MeetingID.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	m, err := s.store.GetMeeting(ctx, req.MeetingID)
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	if m.EndedAt == nil {
		return nil, ErrMeetingInProgress
	}

	data, err := BuildTemplateData(m)
	if err != nil {
		return nil, err
	}
	page, err := RenderSummaryHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	title := fmt.Sprintf("%s Action Meeting %d", m.TeamName, m.MeetingNumber)

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF, "":
		return s.renderPDF(ctx, page, title)
	case FormatDOCX:
		return s.renderDOCX(ctx, page, title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// BuildTemplateData decodes the invitee snapshot stored on an ended meeting.
func BuildTemplateData(m store.Meeting) (TemplateData, error) {
	var invitees []meeting.Invitee
	if len(m.Invitees) > 0 {
		if err := json.Unmarshal(m.Invitees, &invitees); err != nil {
			return TemplateData{}, fmt.Errorf("decode invitees: %w", err)
		}
	}

	data := TemplateData{
		TeamName:             m.TeamName,
		MeetingNumber:        m.MeetingNumber,
		SuccessExpression:    m.SuccessExpression,
		SuccessStatement:     m.SuccessStatement,
		AgendaItemsCompleted: m.AgendaItemsCompleted,
		Invitees:             make([]TemplateInvitee, 0, len(invitees)),
	}
	if m.EndedAt != nil {
		data.EndedAt = *m.EndedAt
	}

	for _, inv := range invitees {
		if inv.Present {
			data.PresentCount++
		}
		row := TemplateInvitee{PreferredName: inv.PreferredName, Present: inv.Present}
		for _, task := range inv.Tasks {
			row.Tasks = append(row.Tasks, TemplateTask{Status: task.Status, ContentHTML: taskHTML(task.Content)})
		}
		data.NewTaskCount += len(inv.Tasks)
		data.Invitees = append(data.Invitees, row)
	}
	return data, nil
}

func taskHTML(raw string) template.HTML {
	content, err := richtext.Parse(raw)
	if err != nil {
		return template.HTML("<p>" + html.EscapeString(raw) + "</p>")
	}
	return template.HTML(content.HTML())
}
