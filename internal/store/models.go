package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID            string
	Email         string
	PreferredName string
	Picture       string
	PasswordHash  string
	IsSuperUser   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Organization struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	OrgRoleBillingLeader = "BILLING_LEADER"
	OrgRoleMember        = "MEMBER"
)

type OrganizationUser struct {
	OrgID  string
	UserID string
	Role   string
}

// Team carries the ephemeral meeting fields alongside its identity. When
// MeetingID is nil every phase field is LOBBY/nil.
type Team struct {
	ID                   string
	OrgID                string
	Name                 string
	IsPaid               bool
	CheckInGreeting      json.RawMessage
	CheckInQuestion      string
	MeetingID            *string
	ActiveFacilitator    *string
	FacilitatorPhase     string
	FacilitatorPhaseItem *int
	MeetingPhase         string
	MeetingPhaseItem     *int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

type TeamMember struct {
	ID            string
	TeamID        string
	UserID        string
	PreferredName string
	Email         string
	Picture       string
	IsLead        bool
	IsFacilitator bool
	IsNotRemoved  bool
	IsCheckedIn   *bool
	CheckInOrder  int
	CreatedAt     time.Time
}

// MeetingState is the set of team columns a meeting transition writes.
type MeetingState struct {
	MeetingID            *string
	ActiveFacilitator    *string
	FacilitatorPhase     string
	FacilitatorPhaseItem *int
	MeetingPhase         string
	MeetingPhaseItem     *int
}

type Meeting struct {
	ID                   string
	TeamID               string
	TeamName             string
	MeetingNumber        int
	Facilitator          *string
	AgendaItemsCompleted int
	SuccessExpression    string
	SuccessStatement     string
	Invitees             json.RawMessage
	Tasks                json.RawMessage
	SummaryURL           *string
	CreatedAt            time.Time
	EndedAt              *time.Time
}

type AgendaItem struct {
	ID           string
	TeamID       string
	TeamMemberID string
	Content      string
	IsActive     bool
	IsComplete   bool
	SortOrder    float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Task struct {
	ID           string
	TeamID       string
	TeamMemberID string
	UserID       string
	AgendaID     *string
	Content      string
	PlainText    string
	Status       string
	Tags         []string
	SortOrder    float64
	CreatedAt    time.Time
	CreatedBy    string
	UpdatedAt    time.Time
}

type TaskHistory struct {
	ID           string
	TaskID       string
	Content      string
	Status       string
	TeamMemberID string
	UpdatedAt    time.Time
}

type Notification struct {
	ID      string
	Type    string
	UserIDs []string
	TeamID  *string
	OrgID   *string
	Payload json.RawMessage
	StartAt time.Time
}

// TaskUpdate is a partial update; nil fields are left alone.
type TaskUpdate struct {
	Content      *string
	PlainText    *string
	Status       *string
	Tags         []string
	SortOrder    *float64
	TeamMemberID *string
	UserID       *string
	AgendaID     *string
	UpdatedAt    time.Time
}

// StartMeetingParams is the batch written when a meeting opens.
type StartMeetingParams struct {
	TeamID          string
	State           MeetingState
	CheckInGreeting json.RawMessage
	CheckInQuestion string
	Meeting         Meeting
}

// EndMeetingParams is the batch written when a meeting closes. Everything is
// applied in one transaction.
type EndMeetingParams struct {
	TeamID               string
	MeetingID            string
	EndedAt              time.Time
	Facilitator          string
	AgendaItemsCompleted int
	SuccessExpression    string
	SuccessStatement     string
	Invitees             json.RawMessage
	Tasks                json.RawMessage
	SortOrders           map[string]float64
	CheckInOrder         []string
	ArchivedTasks        []Task
}

// TaskFilter narrows ListTasks. Empty fields are ignored.
type TaskFilter struct {
	TeamID          string
	UserID          string
	Status          string
	IncludeArchived bool
	Limit           int
}

// CreateTaskParams inserts a task, its first history row, and any
// notifications in one transaction.
type CreateTaskParams struct {
	Task          Task
	History       TaskHistory
	Notifications []Notification
}
