package notification

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	valid := Notification{
		ID:      "ntf-1",
		Type:    TaskInvolves,
		UserIDs: []string{"user-1"},
		Payload: TaskInvolvesPayload{Involvement: Mentionee, TaskID: "team::t1", ChangeAuthorID: "user-2::team"},
	}

	tests := []struct {
		name   string
		mutate func(*Notification)
		ok     bool
	}{
		{name: "valid", mutate: func(*Notification) {}, ok: true},
		{name: "missing id", mutate: func(n *Notification) { n.ID = "" }},
		{name: "no users", mutate: func(n *Notification) { n.UserIDs = nil }},
		{name: "mismatched payload", mutate: func(n *Notification) { n.Payload = KickedOutPayload{TeamName: "x"} }},
		{name: "bad involvement", mutate: func(n *Notification) {
			n.Payload = TaskInvolvesPayload{Involvement: "WATCHER", TaskID: "t", ChangeAuthorID: "a"}
		}},
		{name: "missing payload", mutate: func(n *Notification) { n.Payload = nil }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := valid
			tc.mutate(&n)
			err := n.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidNotification) {
				t.Fatalf("expected ErrInvalidNotification, got %v", err)
			}
		})
	}
}

func TestJSONFlattensPayload(t *testing.T) {
	n := Notification{
		ID:      "ntf-1",
		Type:    TaskInvolves,
		UserIDs: []string{"user-1"},
		StartAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		TeamID:  "team-1",
		Payload: TaskInvolvesPayload{Involvement: Assignee, TaskID: "team-1::abc", ChangeAuthorID: "user-2::team-1"},
	}

	encoded, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{`"involvement":"ASSIGNEE"`, `"taskId":"team-1::abc"`, `"type":"TASK_INVOLVES"`, `"teamId":"team-1"`} {
		if !strings.Contains(string(encoded), want) {
			t.Fatalf("expected %s in %s", want, encoded)
		}
	}

	var decoded Notification
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	payload, ok := decoded.Payload.(TaskInvolvesPayload)
	if !ok || payload.Involvement != Assignee || payload.TaskID != "team-1::abc" {
		t.Fatalf("unexpected payload %#v", decoded.Payload)
	}
}

func TestDecodePayloadUnknownType(t *testing.T) {
	if _, err := DecodePayload("NOPE", nil); !errors.Is(err, ErrInvalidNotification) {
		t.Fatalf("expected ErrInvalidNotification, got %v", err)
	}
}

func TestDescribeCoversEveryType(t *testing.T) {
	payloads := []Payload{
		TaskInvolvesPayload{Involvement: Mentionee},
		TeamInvitationPayload{InviterName: "Amy", TeamName: "Core"},
		KickedOutPayload{TeamName: "Core"},
		PaymentRejectedPayload{Brand: "Visa", Last4: "4242"},
		MeetingSummaryPayload{MeetingNumber: 3},
	}
	for _, payload := range payloads {
		n := Notification{Type: payload.notificationType(), Payload: payload}
		if got := n.Describe(); got == "" || got == string(n.Type) {
			t.Fatalf("Describe() for %s = %q", n.Type, got)
		}
	}
}
