// Package pubsub is the typed event bus mutations publish to. Topics are
// "<kind>.<scopeId>" where the scope is a team or user id. Delivery is at
// most once; nothing is persisted or replayed.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type EventKind string

const (
	MeetingUpdated       EventKind = "meetingUpdated"
	TaskCreated          EventKind = "taskCreated"
	TaskUpdated          EventKind = "taskUpdated"
	NotificationsAdded   EventKind = "notificationsAdded"
	NotificationsCleared EventKind = "notificationsCleared"
	TeamMemberUpdated    EventKind = "teamMemberUpdated"
	AgendaItemAdded      EventKind = "agendaItemAdded"
	AgendaItemUpdated    EventKind = "agendaItemUpdated"
	TeamAdded            EventKind = "teamAdded"
	OrganizationAdded    EventKind = "organizationAdded"
	NewAuthToken         EventKind = "newAuthToken"
)

var ErrInvalidTopic = errors.New("invalid topic")

// Kinds lists every event kind.
func Kinds() []EventKind {
	return []EventKind{
		MeetingUpdated,
		TaskCreated,
		TaskUpdated,
		NotificationsAdded,
		NotificationsCleared,
		TeamMemberUpdated,
		AgendaItemAdded,
		AgendaItemUpdated,
		TeamAdded,
		OrganizationAdded,
		NewAuthToken,
	}
}

func (k EventKind) Valid() bool {
	for _, kind := range Kinds() {
		if kind == k {
			return true
		}
	}
	return false
}

// Scopes returns which subscriber scopes a kind is delivered to. taskCreated
// goes to both the team and the owning user.
func (k EventKind) Scopes() (team, user bool) {
	switch k {
	case MeetingUpdated, TaskUpdated, TeamMemberUpdated, AgendaItemAdded, AgendaItemUpdated:
		return true, false
	case TaskCreated:
		return true, true
	case NotificationsAdded, NotificationsCleared, TeamAdded, OrganizationAdded, NewAuthToken:
		return false, true
	default:
		return false, false
	}
}

func Topic(kind EventKind, scopeID string) string {
	return string(kind) + "." + scopeID
}

func ParseTopic(topic string) (EventKind, string, error) {
	kind, scopeID, ok := strings.Cut(topic, ".")
	if !ok || scopeID == "" || !EventKind(kind).Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return EventKind(kind), scopeID, nil
}

// Message is what a publisher hands the bus. OperationID lets the originating
// client recognise its own echo; MutatorID is the socket that made the change.
type Message struct {
	OperationID string
	MutatorID   string
	Payload     any
}

// Envelope is the wire shape delivered to subscribers.
type Envelope struct {
	Kind        EventKind       `json:"kind"`
	ScopeID     string          `json:"scopeId"`
	OperationID string          `json:"operationId,omitempty"`
	MutatorID   string          `json:"mutatorId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (e Envelope) Topic() string {
	return Topic(e.Kind, e.ScopeID)
}

func NewEnvelope(kind EventKind, scopeID string, msg Message) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidTopic, kind)
	}
	if scopeID == "" {
		return Envelope{}, fmt.Errorf("%w: scope id is required", ErrInvalidTopic)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		Kind:        kind,
		ScopeID:     scopeID,
		OperationID: msg.OperationID,
		MutatorID:   msg.MutatorID,
		Payload:     payload,
	}, nil
}

type Handler func(Envelope)

type Subscription interface {
	Close() error
}

// Bus is implemented by MemoryBus for a single node and RedisBus when API
// nodes share events.
type Bus interface {
	Publish(ctx context.Context, kind EventKind, scopeID string, msg Message) error
	Subscribe(ctx context.Context, topics []string, handler Handler) (Subscription, error)
	Close() error
}
