package app

import (
	"context"
	"net/http"
	"slices"
	"testing"

	"parabol/api/internal/pubsub"
	"parabol/api/internal/richtext"
	"parabol/api/internal/store"
)

func activeTask() store.Task {
	return store.Task{
		ID:           "team-a::t1",
		TeamID:       "team-a",
		UserID:       "user-1",
		TeamMemberID: "user-1::team-a",
		Content:      richtext.FromText("write the notes").String(),
		Status:       "active",
		Tags:         []string{},
		CreatedAt:    testNow,
	}
}

// applyUpdate is a fake UpdateTask that merges the patch onto task.
func applyUpdate(task store.Task, update store.TaskUpdate) store.Task {
	if update.Content != nil {
		task.Content = *update.Content
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Tags != nil {
		task.Tags = update.Tags
	}
	task.UpdatedAt = update.UpdatedAt
	return task
}

func TestUpdateTaskWritesHistoryAndNotifiesNewMentions(t *testing.T) {
	var history *store.TaskHistory
	var notes []store.Notification
	fake := &fakeStore{
		getTask: func(string) (store.Task, error) { return activeTask(), nil },
		updateTask: func(_ string, update store.TaskUpdate, h *store.TaskHistory, n []store.Notification) (store.Task, error) {
			history, notes = h, n
			return applyUpdate(activeTask(), update), nil
		},
	}
	svc, bus := newTestService(t, fake)

	got, err := svc.UpdateTask(context.Background(), sessionFor("user-1", "team-a"), "team-a::t1", UpdateTaskInput{
		Content: ptr(mentionContent),
		Status:  ptr("done"),
	})
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if got.Status != "done" {
		t.Fatalf("status = %q", got.Status)
	}
	if history == nil || history.Status != "done" || history.TaskID != "team-a::t1" {
		t.Fatalf("unexpected history %+v", history)
	}
	if len(notes) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notes))
	}
	if len(bus.of(pubsub.TaskUpdated)) != 1 || len(bus.of(pubsub.NotificationsAdded)) != 2 {
		t.Fatalf("unexpected events %+v", bus.events)
	}
}

func TestUpdateTaskSortOrderAloneSkipsHistory(t *testing.T) {
	var history *store.TaskHistory
	fake := &fakeStore{
		getTask: func(string) (store.Task, error) { return activeTask(), nil },
		updateTask: func(_ string, update store.TaskUpdate, h *store.TaskHistory, _ []store.Notification) (store.Task, error) {
			history = h
			return applyUpdate(activeTask(), update), nil
		},
	}
	svc, _ := newTestService(t, fake)

	if _, err := svc.UpdateTask(context.Background(), sessionFor("user-1", "team-a"), "team-a::t1", UpdateTaskInput{SortOrder: ptr(3.5)}); err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}
	if history != nil {
		t.Fatalf("sort order change should not be recorded, got %+v", history)
	}
}

func TestUpdateTaskRejectsAssigneeOffTeam(t *testing.T) {
	fake := &fakeStore{getTask: func(string) (store.Task, error) { return activeTask(), nil }}
	svc, bus := newTestService(t, fake)

	_, err := svc.UpdateTask(context.Background(), sessionFor("user-1", "team-a"), "team-a::t1", UpdateTaskInput{UserID: ptr("user-9")})
	requireDomainError(t, err, http.StatusUnprocessableEntity)
	if fake.called("UpdateTask") != 0 || len(bus.events) != 0 {
		t.Fatal("a rejected update must not write or publish")
	}
}

func TestUpdateTaskOnForeignTeamIsForbidden(t *testing.T) {
	fake := &fakeStore{}
	svc, _ := newTestService(t, fake)

	_, err := svc.UpdateTask(context.Background(), sessionFor("user-1", "team-a"), "team-b::t1", UpdateTaskInput{Status: ptr("done")})
	requireDomainError(t, err, http.StatusForbidden)
	if fake.called("GetTask") != 0 {
		t.Fatal("task should not be read for a team outside the token")
	}
}

func TestArchiveTaskTagsContentAndTags(t *testing.T) {
	var update store.TaskUpdate
	fake := &fakeStore{
		getTask: func(string) (store.Task, error) { return activeTask(), nil },
		updateTask: func(_ string, u store.TaskUpdate, _ *store.TaskHistory, _ []store.Notification) (store.Task, error) {
			update = u
			return applyUpdate(activeTask(), u), nil
		},
	}
	svc, bus := newTestService(t, fake)

	if _, err := svc.ArchiveTask(context.Background(), sessionFor("user-1", "team-a"), "team-a::t1"); err != nil {
		t.Fatalf("ArchiveTask() error = %v", err)
	}
	if !slices.Contains(update.Tags, richtext.TagArchived) || update.Content == nil {
		t.Fatalf("unexpected update %+v", update)
	}
	content, err := richtext.Parse(*update.Content)
	if err != nil || !slices.Contains(content.Tags(), richtext.TagArchived) {
		t.Fatalf("content not tagged: %v", err)
	}
	if len(bus.of(pubsub.TaskUpdated)) != 1 {
		t.Fatal("expected one taskUpdated event")
	}
}

func TestArchiveTaskTwiceIsNoop(t *testing.T) {
	task := activeTask()
	task.Tags = []string{richtext.TagArchived}
	fake := &fakeStore{getTask: func(string) (store.Task, error) { return task, nil }}
	svc, bus := newTestService(t, fake)

	if _, err := svc.ArchiveTask(context.Background(), sessionFor("user-1", "team-a"), "team-a::t1"); err != nil {
		t.Fatalf("ArchiveTask() error = %v", err)
	}
	if fake.called("UpdateTask") != 0 || len(bus.events) != 0 {
		t.Fatal("archiving an archived task must not write")
	}
}

func TestAddAgendaItemAppendsAfterLastItem(t *testing.T) {
	fake := &fakeStore{
		getTeamMember: activeMember("user-1", "team-a"),
		listAgendaItems: func(string, bool) ([]store.AgendaItem, error) {
			return []store.AgendaItem{{ID: "team-a::a1", SortOrder: 1}, {ID: "team-a::a2", SortOrder: 3}}, nil
		},
	}
	svc, bus := newTestService(t, fake)

	got, err := svc.AddAgendaItem(context.Background(), sessionFor("user-1", "team-a"), "team-a", AgendaItemInput{Content: ptr("  Hiring plan ")})
	if err != nil {
		t.Fatalf("AddAgendaItem() error = %v", err)
	}
	if got.Content != "Hiring plan" || got.SortOrder != 4 || !got.IsActive || got.TeamMemberID != "user-1::team-a" {
		t.Fatalf("unexpected agenda item %+v", got)
	}
	added := bus.of(pubsub.AgendaItemAdded)
	if len(added) != 1 || added[0].scopeID != "team-a" {
		t.Fatalf("unexpected events %+v", bus.events)
	}
}

func TestAddAgendaItemRequiresContent(t *testing.T) {
	fake := &fakeStore{}
	svc, _ := newTestService(t, fake)

	_, err := svc.AddAgendaItem(context.Background(), sessionFor("user-1", "team-a"), "team-a", AgendaItemInput{Content: ptr("   ")})
	requireDomainError(t, err, http.StatusUnprocessableEntity)
	if len(fake.calls) != 0 {
		t.Fatalf("expected no store calls, got %v", fake.calls)
	}
}

func TestUpdateAgendaItemCompletes(t *testing.T) {
	fake := &fakeStore{
		getAgendaItem: func(id string) (store.AgendaItem, error) {
			return store.AgendaItem{ID: id, TeamID: "team-a", Content: "Hiring plan", IsActive: true}, nil
		},
	}
	svc, bus := newTestService(t, fake)

	got, err := svc.UpdateAgendaItem(context.Background(), sessionFor("user-1", "team-a"), "team-a::a1", AgendaItemInput{IsComplete: ptr(true)})
	if err != nil {
		t.Fatalf("UpdateAgendaItem() error = %v", err)
	}
	if !got.IsComplete || got.Content != "Hiring plan" {
		t.Fatalf("unexpected agenda item %+v", got)
	}
	if len(bus.of(pubsub.AgendaItemUpdated)) != 1 {
		t.Fatal("expected one agendaItemUpdated event")
	}
}

func TestUpdateAgendaItemMissingIsNotFound(t *testing.T) {
	svc, _ := newTestService(t, &fakeStore{})

	_, err := svc.UpdateAgendaItem(context.Background(), sessionFor("user-1", "team-a"), "team-a::gone", AgendaItemInput{IsActive: ptr(false)})
	requireDomainError(t, err, http.StatusNotFound)
}
