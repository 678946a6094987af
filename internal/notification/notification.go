// Package notification defines the notification records fanned out to users.
// Each Type carries exactly one payload shape; Validate and Describe switch
// over every type so a new one cannot be added without handling it.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Type string

const (
	TaskInvolves    Type = "TASK_INVOLVES"
	TeamInvitation  Type = "TEAM_INVITATION"
	KickedOut       Type = "KICKED_OUT"
	PaymentRejected Type = "PAYMENT_REJECTED"
	MeetingSummary  Type = "MEETING_SUMMARY"
)

// Involvement says why a user is attached to a task.
type Involvement string

const (
	Assignee  Involvement = "ASSIGNEE"
	Mentionee Involvement = "MENTIONEE"
)

var ErrInvalidNotification = errors.New("invalid notification")

type Notification struct {
	ID      string
	Type    Type
	UserIDs []string
	StartAt time.Time
	TeamID  string
	OrgID   string
	Payload Payload
}

// Payload is implemented by the per-type bodies below.
type Payload interface {
	notificationType() Type
}

type TaskInvolvesPayload struct {
	Involvement    Involvement `json:"involvement"`
	TaskID         string      `json:"taskId"`
	ChangeAuthorID string      `json:"changeAuthorId"`
}

type TeamInvitationPayload struct {
	InviterUserID string `json:"inviterUserId"`
	InviterName   string `json:"inviterName"`
	InviteeEmail  string `json:"inviteeEmail"`
	TeamName      string `json:"teamName"`
}

type KickedOutPayload struct {
	TeamName string `json:"teamName"`
}

type PaymentRejectedPayload struct {
	Last4 string `json:"last4"`
	Brand string `json:"brand"`
}

type MeetingSummaryPayload struct {
	MeetingID     string `json:"meetingId"`
	MeetingNumber int    `json:"meetingNumber"`
	SummaryURL    string `json:"summaryUrl,omitempty"`
}

func (TaskInvolvesPayload) notificationType() Type    { return TaskInvolves }
func (TeamInvitationPayload) notificationType() Type  { return TeamInvitation }
func (KickedOutPayload) notificationType() Type       { return KickedOut }
func (PaymentRejectedPayload) notificationType() Type { return PaymentRejected }
func (MeetingSummaryPayload) notificationType() Type  { return MeetingSummary }

// Validate checks the envelope and that the payload matches the type.
func (n Notification) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidNotification)
	}
	if len(n.UserIDs) == 0 {
		return fmt.Errorf("%w: at least one user is required", ErrInvalidNotification)
	}
	if n.Payload == nil || n.Payload.notificationType() != n.Type {
		return fmt.Errorf("%w: payload does not match type %s", ErrInvalidNotification, n.Type)
	}

	switch p := n.Payload.(type) {
	case TaskInvolvesPayload:
		if p.TaskID == "" || p.ChangeAuthorID == "" {
			return fmt.Errorf("%w: task involvement needs task and author", ErrInvalidNotification)
		}
		if p.Involvement != Assignee && p.Involvement != Mentionee {
			return fmt.Errorf("%w: unknown involvement %q", ErrInvalidNotification, p.Involvement)
		}
	case TeamInvitationPayload:
		if p.InviteeEmail == "" || p.TeamName == "" {
			return fmt.Errorf("%w: invitation needs invitee and team", ErrInvalidNotification)
		}
	case KickedOutPayload:
		if p.TeamName == "" {
			return fmt.Errorf("%w: team name is required", ErrInvalidNotification)
		}
	case PaymentRejectedPayload:
		if p.Last4 == "" {
			return fmt.Errorf("%w: card digits are required", ErrInvalidNotification)
		}
	case MeetingSummaryPayload:
		if p.MeetingID == "" || p.MeetingNumber < 1 {
			return fmt.Errorf("%w: meeting is required", ErrInvalidNotification)
		}
	default:
		return fmt.Errorf("%w: unknown payload %T", ErrInvalidNotification, p)
	}
	return nil
}

// Describe renders a one-line message, used for email digests and logs.
func (n Notification) Describe() string {
	switch p := n.Payload.(type) {
	case TaskInvolvesPayload:
		if p.Involvement == Assignee {
			return "You have been assigned a task"
		}
		return "You were mentioned in a task"
	case TeamInvitationPayload:
		return fmt.Sprintf("%s invited you to join %s", p.InviterName, p.TeamName)
	case KickedOutPayload:
		return fmt.Sprintf("You have been removed from %s", p.TeamName)
	case PaymentRejectedPayload:
		return fmt.Sprintf("Your %s card ending in %s was declined", p.Brand, p.Last4)
	case MeetingSummaryPayload:
		return fmt.Sprintf("Action meeting #%d is complete", p.MeetingNumber)
	default:
		return string(n.Type)
	}
}

// MarshalPayload encodes the payload for storage.
func (n Notification) MarshalPayload() (json.RawMessage, error) {
	if n.Payload == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(n.Payload)
}

// DecodePayload is the inverse of MarshalPayload.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var (
		payload Payload
		err     error
	)
	switch t {
	case TaskInvolves:
		var p TaskInvolvesPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TeamInvitation:
		var p TeamInvitationPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case KickedOut:
		var p KickedOutPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case PaymentRejected:
		var p PaymentRejectedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case MeetingSummary:
		var p MeetingSummaryPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return payload, nil
}

// MarshalJSON flattens the payload into the notification object, the shape
// subscribers receive.
func (n Notification) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if n.Payload != nil {
		raw, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["id"] = n.ID
	fields["type"] = n.Type
	fields["userIds"] = n.UserIDs
	fields["startAt"] = n.StartAt
	if n.TeamID != "" {
		fields["teamId"] = n.TeamID
	}
	if n.OrgID != "" {
		fields["orgId"] = n.OrgID
	}
	return json.Marshal(fields)
}

// UnmarshalJSON reads the flattened shape produced by MarshalJSON.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var envelope struct {
		ID      string    `json:"id"`
		Type    Type      `json:"type"`
		UserIDs []string  `json:"userIds"`
		StartAt time.Time `json:"startAt"`
		TeamID  string    `json:"teamId"`
		OrgID   string    `json:"orgId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	payload, err := DecodePayload(envelope.Type, data)
	if err != nil {
		return err
	}
	*n = Notification{
		ID:      envelope.ID,
		Type:    envelope.Type,
		UserIDs: envelope.UserIDs,
		StartAt: envelope.StartAt,
		TeamID:  envelope.TeamID,
		OrgID:   envelope.OrgID,
		Payload: payload,
	}
	return nil
}
