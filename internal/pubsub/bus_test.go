package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestTopicRoundTrip(t *testing.T) {
	topic := Topic(MeetingUpdated, "team-1")
	if topic != "meetingUpdated.team-1" {
		t.Fatalf("unexpected topic %q", topic)
	}
	kind, scope, err := ParseTopic(topic)
	if err != nil || kind != MeetingUpdated || scope != "team-1" {
		t.Fatalf("ParseTopic() = %q, %q, %v", kind, scope, err)
	}
	if _, _, err := ParseTopic("nope.team-1"); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected ErrInvalidTopic, got %v", err)
	}
	if _, _, err := ParseTopic("taskCreated."); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected ErrInvalidTopic for empty scope, got %v", err)
	}
}

func TestEveryKindHasAScope(t *testing.T) {
	for _, kind := range Kinds() {
		team, user := kind.Scopes()
		if !team && !user {
			t.Fatalf("kind %s has no subscriber scope", kind)
		}
	}
}

func receive(t *testing.T, events <-chan Envelope) Envelope {
	t.Helper()
	select {
	case envelope := <-events:
		return envelope
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Envelope{}
	}
}

func TestMemoryBusDeliversToTopicOnly(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	events := make(chan Envelope, 4)
	sub, err := bus.Subscribe(ctx, []string{Topic(TaskCreated, "team-1")}, func(e Envelope) { events <- e })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, TaskCreated, "team-2", Message{Payload: map[string]string{"id": "other"}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := bus.Publish(ctx, TaskCreated, "team-1", Message{OperationID: "op-1", MutatorID: "socket-1", Payload: map[string]string{"id": "t1"}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := receive(t, events)
	if got.OperationID != "op-1" || got.MutatorID != "socket-1" || got.ScopeID != "team-1" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil || payload["id"] != "t1" {
		t.Fatalf("unexpected payload %s", got.Payload)
	}

	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusDropsWhenSubscriberIsSlow(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32
	sub, err := bus.Subscribe(ctx, []string{Topic(TaskUpdated, "team-1")}, func(Envelope) {
		if delivered.Add(1) == 1 {
			close(started)
			<-release
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, TaskUpdated, "team-1", Message{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	<-started
	for i := 0; i < subscriberBuffer+10; i++ {
		if err := bus.Publish(ctx, TaskUpdated, "team-1", Message{}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() < subscriberBuffer+1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := delivered.Load(); got != subscriberBuffer+1 {
		t.Fatalf("expected %d deliveries, got %d", subscriberBuffer+1, got)
	}
}

func TestMemoryBusClosedSubscriptionStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(nil)
	ctx := context.Background()

	events := make(chan Envelope, 1)
	sub, err := bus.Subscribe(ctx, []string{Topic(MeetingUpdated, "team-1")}, func(e Envelope) { events <- e })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bus.Publish(ctx, MeetingUpdated, "team-1", Message{}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected event after close %+v", e)
	case <-time.After(50 * time.Millisecond):
	}

	_ = bus.Close()
	if err := bus.Publish(ctx, MeetingUpdated, "team-1", Message{}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestPublishRejectsUnknownKind(t *testing.T) {
	bus := NewMemoryBus(nil)
	if err := bus.Publish(context.Background(), "taskDeleted", "team-1", Message{}); !errors.Is(err, ErrInvalidTopic) {
		t.Fatalf("expected ErrInvalidTopic, got %v", err)
	}
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	s := miniredis.RunT(t)
	bus, err := NewRedisBus("redis://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisBus() error = %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	if err := bus.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	events := make(chan Envelope, 2)
	sub, err := bus.Subscribe(ctx, []string{Topic(NotificationsAdded, "user-1")}, func(e Envelope) { events <- e })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, NotificationsAdded, "user-1", Message{OperationID: "op-9", Payload: []string{"ntf-1"}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got := receive(t, events)
	if got.Kind != NotificationsAdded || got.OperationID != "op-9" || string(got.Payload) != `["ntf-1"]` {
		t.Fatalf("unexpected envelope %+v", got)
	}
}

func TestRedisSubscriptionSurvivesServerRestart(t *testing.T) {
	s := miniredis.RunT(t)
	bus, err := NewRedisBus("redis://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisBus() error = %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	events := make(chan Envelope, 16)
	sub, err := bus.Subscribe(ctx, []string{Topic(MeetingUpdated, "team-a")}, func(e Envelope) { events <- e })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	s.Close()
	if err := s.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	// Publish until the resubscribed connection sees one.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_ = bus.Publish(ctx, MeetingUpdated, "team-a", Message{OperationID: "op-after-restart"})
		select {
		case got := <-events:
			if got.OperationID != "op-after-restart" {
				t.Fatalf("unexpected envelope %+v", got)
			}
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("no event delivered after the server restarted")
}

func TestRedisSubscriptionCloseStopsDelivery(t *testing.T) {
	s := miniredis.RunT(t)
	bus, err := NewRedisBus("redis://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisBus() error = %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	var delivered atomic.Int32
	sub, err := bus.Subscribe(ctx, []string{Topic(TaskUpdated, "team-a")}, func(Envelope) { delivered.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := bus.Publish(ctx, TaskUpdated, "team-a", Message{OperationID: "op-1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := delivered.Load(); got != 0 {
		t.Fatalf("closed subscription received %d events", got)
	}
}

func TestNewRedisBusFailsWithoutServer(t *testing.T) {
	if _, err := NewRedisBus("redis://127.0.0.1:1", nil); err == nil {
		t.Fatal("expected connection error")
	}
}
