package app

import (
	"encoding/json"
	"time"

	"parabol/api/internal/meeting"
	"parabol/api/internal/notification"
	"parabol/api/internal/search"
	"parabol/api/internal/store"
)

// Payload shapes keep the GraphQL field names clients already consume.

type UserView struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	PreferredName string `json:"preferredName"`
	Picture       string `json:"picture,omitempty"`
}

type TeamView struct {
	ID                   string          `json:"id"`
	OrgID                string          `json:"orgId,omitempty"`
	Name                 string          `json:"name,omitempty"`
	IsPaid               bool            `json:"isPaid"`
	CheckInGreeting      json.RawMessage `json:"checkInGreeting,omitempty"`
	CheckInQuestion      string          `json:"checkInQuestion,omitempty"`
	MeetingID            *string         `json:"meetingId"`
	ActiveFacilitator    *string         `json:"activeFacilitator"`
	FacilitatorPhase     string          `json:"facilitatorPhase"`
	FacilitatorPhaseItem *int            `json:"facilitatorPhaseItem"`
	MeetingPhase         string          `json:"meetingPhase"`
	MeetingPhaseItem     *int            `json:"meetingPhaseItem"`
}

type TeamMemberView struct {
	ID            string `json:"id"`
	TeamID        string `json:"teamId"`
	UserID        string `json:"userId"`
	PreferredName string `json:"preferredName"`
	Picture       string `json:"picture,omitempty"`
	IsLead        bool   `json:"isLead"`
	IsFacilitator bool   `json:"isFacilitator"`
	IsCheckedIn   *bool  `json:"isCheckedIn"`
	CheckInOrder  int    `json:"checkInOrder"`
}

type MeetingView struct {
	ID                   string          `json:"id"`
	TeamID               string          `json:"teamId"`
	TeamName             string          `json:"teamName"`
	MeetingNumber        int             `json:"meetingNumber"`
	Facilitator          *string         `json:"facilitator,omitempty"`
	AgendaItemsCompleted int             `json:"agendaItemsCompleted"`
	SuccessExpression    string          `json:"successExpression,omitempty"`
	SuccessStatement     string          `json:"successStatement,omitempty"`
	Invitees             json.RawMessage `json:"invitees,omitempty"`
	Tasks                json.RawMessage `json:"tasks,omitempty"`
	SummaryURL           *string         `json:"summaryUrl,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	EndedAt              *time.Time      `json:"endedAt"`
}

type AgendaItemView struct {
	ID           string    `json:"id"`
	TeamID       string    `json:"teamId"`
	TeamMemberID string    `json:"teamMemberId"`
	Content      string    `json:"content"`
	IsActive     bool      `json:"isActive"`
	IsComplete   bool      `json:"isComplete"`
	SortOrder    float64   `json:"sortOrder"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type TaskView struct {
	ID           string    `json:"id"`
	TeamID       string    `json:"teamId"`
	TeamMemberID string    `json:"teamMemberId"`
	UserID       string    `json:"userId"`
	AgendaID     *string   `json:"agendaId"`
	Content      string    `json:"content"`
	Status       string    `json:"status"`
	Tags         []string  `json:"tags"`
	SortOrder    float64   `json:"sortOrder"`
	CreatedAt    time.Time `json:"createdAt"`
	CreatedBy    string    `json:"createdBy"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Event payloads

type MeetingUpdated struct {
	Team    TeamView     `json:"team"`
	Meeting *MeetingView `json:"meeting,omitempty"`
}

type TaskPayload struct {
	Task TaskView `json:"task"`
}

type NotificationsAddedPayload struct {
	Notifications []notification.Notification `json:"notifications"`
}

type NotificationsClearedPayload struct {
	DeletedIDs []string `json:"deletedIds"`
}

type TeamMemberPayload struct {
	TeamMember TeamMemberView `json:"teamMember"`
}

type AgendaItemPayload struct {
	AgendaItem AgendaItemView `json:"agendaItem"`
}

type TeamAddedPayload struct {
	Team TeamView `json:"team"`
}

type OrganizationAddedPayload struct {
	OrgID string `json:"orgId"`
	Name  string `json:"name"`
}

type NewAuthTokenPayload struct {
	AuthToken string `json:"authToken"`
}

func userView(u store.User) UserView {
	return UserView{ID: u.ID, Email: u.Email, PreferredName: u.PreferredName, Picture: u.Picture}
}

func teamView(t store.Team) TeamView {
	greeting := t.CheckInGreeting
	if string(greeting) == "null" {
		greeting = nil
	}
	return TeamView{
		ID:                   t.ID,
		OrgID:                t.OrgID,
		Name:                 t.Name,
		IsPaid:               t.IsPaid,
		CheckInGreeting:      greeting,
		CheckInQuestion:      t.CheckInQuestion,
		MeetingID:            t.MeetingID,
		ActiveFacilitator:    t.ActiveFacilitator,
		FacilitatorPhase:     t.FacilitatorPhase,
		FacilitatorPhaseItem: t.FacilitatorPhaseItem,
		MeetingPhase:         t.MeetingPhase,
		MeetingPhaseItem:     t.MeetingPhaseItem,
	}
}

// withState overlays a meeting state on a team view.
func (v TeamView) withState(st meeting.State) TeamView {
	stored := storeState(st)
	v.MeetingID = stored.MeetingID
	v.ActiveFacilitator = stored.ActiveFacilitator
	v.FacilitatorPhase = stored.FacilitatorPhase
	v.FacilitatorPhaseItem = stored.FacilitatorPhaseItem
	v.MeetingPhase = stored.MeetingPhase
	v.MeetingPhaseItem = stored.MeetingPhaseItem
	return v
}

func teamMemberView(m store.TeamMember) TeamMemberView {
	return TeamMemberView{
		ID:            m.ID,
		TeamID:        m.TeamID,
		UserID:        m.UserID,
		PreferredName: m.PreferredName,
		Picture:       m.Picture,
		IsLead:        m.IsLead,
		IsFacilitator: m.IsFacilitator,
		IsCheckedIn:   m.IsCheckedIn,
		CheckInOrder:  m.CheckInOrder,
	}
}

func meetingView(m store.Meeting) *MeetingView {
	return &MeetingView{
		ID:                   m.ID,
		TeamID:               m.TeamID,
		TeamName:             m.TeamName,
		MeetingNumber:        m.MeetingNumber,
		Facilitator:          m.Facilitator,
		AgendaItemsCompleted: m.AgendaItemsCompleted,
		SuccessExpression:    m.SuccessExpression,
		SuccessStatement:     m.SuccessStatement,
		Invitees:             m.Invitees,
		Tasks:                m.Tasks,
		SummaryURL:           m.SummaryURL,
		CreatedAt:            m.CreatedAt,
		EndedAt:              m.EndedAt,
	}
}

func agendaItemView(a store.AgendaItem) AgendaItemView {
	return AgendaItemView{
		ID:           a.ID,
		TeamID:       a.TeamID,
		TeamMemberID: a.TeamMemberID,
		Content:      a.Content,
		IsActive:     a.IsActive,
		IsComplete:   a.IsComplete,
		SortOrder:    a.SortOrder,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func taskView(t store.Task) TaskView {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return TaskView{
		ID:           t.ID,
		TeamID:       t.TeamID,
		TeamMemberID: t.TeamMemberID,
		UserID:       t.UserID,
		AgendaID:     t.AgendaID,
		Content:      t.Content,
		Status:       t.Status,
		Tags:         tags,
		SortOrder:    t.SortOrder,
		CreatedAt:    t.CreatedAt,
		CreatedBy:    t.CreatedBy,
		UpdatedAt:    t.UpdatedAt,
	}
}

func taskRecord(t store.Task) search.TaskRecord {
	return search.TaskRecord{
		ID:           t.ID,
		TeamID:       t.TeamID,
		UserID:       t.UserID,
		TeamMemberID: t.TeamMemberID,
		Status:       t.Status,
		Tags:         t.Tags,
		PlainText:    t.PlainText,
	}
}

// State conversions between the team row and the meeting state machine.

func stateFromTeam(t store.Team) meeting.State {
	st := meeting.State{
		Facilitator: meeting.PointerFrom(t.FacilitatorPhase, t.FacilitatorPhaseItem),
		Meeting:     meeting.PointerFrom(t.MeetingPhase, t.MeetingPhaseItem),
	}
	if t.MeetingID != nil {
		st.MeetingID = *t.MeetingID
	}
	if t.ActiveFacilitator != nil {
		st.ActiveFacilitator = *t.ActiveFacilitator
	}
	return st
}

func storeState(st meeting.State) store.MeetingState {
	return store.MeetingState{
		MeetingID:            optional(st.MeetingID),
		ActiveFacilitator:    optional(st.ActiveFacilitator),
		FacilitatorPhase:     st.Facilitator.Phase.String(),
		FacilitatorPhaseItem: st.Facilitator.ItemPtr(),
		MeetingPhase:         st.Meeting.Phase.String(),
		MeetingPhaseItem:     st.Meeting.ItemPtr(),
	}
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// Notifications

func storeNotification(n notification.Notification) (store.Notification, error) {
	if err := n.Validate(); err != nil {
		return store.Notification{}, err
	}
	payload, err := n.MarshalPayload()
	if err != nil {
		return store.Notification{}, err
	}
	return store.Notification{
		ID:      n.ID,
		Type:    string(n.Type),
		UserIDs: n.UserIDs,
		TeamID:  optional(n.TeamID),
		OrgID:   optional(n.OrgID),
		Payload: payload,
		StartAt: n.StartAt,
	}, nil
}

func domainNotification(n store.Notification) (notification.Notification, error) {
	payload, err := notification.DecodePayload(notification.Type(n.Type), n.Payload)
	if err != nil {
		return notification.Notification{}, err
	}
	out := notification.Notification{
		ID:      n.ID,
		Type:    notification.Type(n.Type),
		UserIDs: n.UserIDs,
		StartAt: n.StartAt,
		Payload: payload,
	}
	if n.TeamID != nil {
		out.TeamID = *n.TeamID
	}
	if n.OrgID != nil {
		out.OrgID = *n.OrgID
	}
	return out, nil
}
