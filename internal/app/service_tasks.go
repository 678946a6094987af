package app

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"parabol/api/internal/meeting"
	"parabol/api/internal/notification"
	"parabol/api/internal/pubsub"
	"parabol/api/internal/richtext"
	"parabol/api/internal/search"
	"parabol/api/internal/store"
	"parabol/api/internal/util"
)

const (
	TaskStatusActive = "active"
	TaskStatusStuck  = "stuck"
	TaskStatusDone   = "done"
	TaskStatusFuture = "future"
)

// AreaMeeting marks a task created from inside a running meeting.
const AreaMeeting = "meeting"

func validTaskStatus(status string) bool {
	switch status {
	case TaskStatusActive, TaskStatusStuck, TaskStatusDone, TaskStatusFuture:
		return true
	default:
		return false
	}
}

type CreateTaskInput struct {
	TeamID    string   `json:"teamId"`
	UserID    string   `json:"userId"`
	Content   string   `json:"content"`
	Status    string   `json:"status"`
	SortOrder *float64 `json:"sortOrder"`
	AgendaID  string   `json:"agendaId"`
}

// CreateTask writes a task with its first history row and the TASK_INVOLVES
// notifications it causes. Members checked in to a running meeting are not
// notified about tasks created in that meeting; they saw it happen.
func (s *Service) CreateTask(ctx context.Context, session Session, input CreateTaskInput, area string) (TaskView, error) {
	var fields fieldErrors
	if strings.TrimSpace(input.TeamID) == "" {
		fields.add("teamId", "Team is required")
	}
	if input.Status == "" {
		input.Status = TaskStatusActive
	}
	if !validTaskStatus(input.Status) {
		fields.add("status", "Status must be active, stuck, done or future")
	}
	var content richtext.Content
	if input.Content == "" {
		content = richtext.FromText("")
	} else {
		parsed, err := richtext.Parse(input.Content)
		if err != nil {
			fields.add("content", "Content must be Draft.js JSON")
		}
		content = parsed
	}
	if err := fields.err(); err != nil {
		return TaskView{}, err
	}
	if err := s.requireTeam(session, input.TeamID); err != nil {
		return TaskView{}, err
	}

	ownerID := input.UserID
	if ownerID == "" {
		ownerID = session.UserID()
	}
	teamMemberID := util.CompositeID(ownerID, input.TeamID)
	owner, err := s.store.GetTeamMember(ctx, teamMemberID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !owner.IsNotRemoved) {
		return TaskView{}, validationFailed([]FieldError{{Field: "userId", Message: "Assignee is not on the team"}})
	}
	if err != nil {
		return TaskView{}, err
	}

	var agendaID *string
	if input.AgendaID != "" {
		item, err := s.store.GetAgendaItem(ctx, input.AgendaID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && item.TeamID != input.TeamID) {
			return TaskView{}, validationFailed([]FieldError{{Field: "agendaId", Message: "Agenda item is not on the team"}})
		}
		if err != nil {
			return TaskView{}, err
		}
		agendaID = &item.ID
	}

	sortOrder := 0.0
	if input.SortOrder != nil {
		sortOrder = *input.SortOrder
	} else {
		maxSort, err := s.store.MaxTaskSortOrder(ctx, input.TeamID)
		if err != nil {
			return TaskView{}, err
		}
		sortOrder = maxSort + meeting.SortOrderStep
	}

	var usersToIgnore []string
	if area == AreaMeeting {
		usersToIgnore, err = s.store.ListCheckedInUserIDs(ctx, input.TeamID)
		if err != nil {
			return TaskView{}, err
		}
	}

	now := s.now()
	task := store.Task{
		ID:           util.CompositeID(input.TeamID, util.ShortID()),
		TeamID:       input.TeamID,
		TeamMemberID: teamMemberID,
		UserID:       ownerID,
		AgendaID:     agendaID,
		Content:      content.String(),
		PlainText:    content.PlainText(),
		Status:       input.Status,
		Tags:         content.Tags(),
		SortOrder:    sortOrder,
		CreatedAt:    now,
		CreatedBy:    session.UserID(),
		UpdatedAt:    now,
	}

	notes := s.involvementNotifications(task, session.UserID(), "", nil, content.Mentions(), usersToIgnore)
	storeNotes, err := storeNotifications(notes)
	if err != nil {
		return TaskView{}, err
	}

	created, err := s.store.CreateTask(ctx, store.CreateTaskParams{
		Task: task,
		History: store.TaskHistory{
			ID:           util.NewID("th"),
			TaskID:       task.ID,
			Content:      task.Content,
			Status:       task.Status,
			TeamMemberID: task.TeamMemberID,
			UpdatedAt:    now,
		},
		Notifications: storeNotes,
	})
	if errors.Is(err, store.ErrConflict) {
		return TaskView{}, stateConflict("Task already exists")
	}
	if err != nil {
		return TaskView{}, err
	}

	view := taskView(created)
	s.publishNotifications(ctx, session, notes)
	s.publish(ctx, pubsub.TaskCreated, created.TeamID, session, TaskPayload{Task: view})
	s.publish(ctx, pubsub.TaskCreated, created.UserID, session, TaskPayload{Task: view})
	if s.search != nil {
		s.search.IndexTasks(taskRecord(created))
	}
	return view, nil
}

// involvementNotifications builds the TASK_INVOLVES notifications for a task
// change: one for the owner when the author is someone else, one per newly
// mentioned user other than the author and the owner.
func (s *Service) involvementNotifications(task store.Task, authorID, previousOwnerID string, previousMentions, mentions, ignore []string) []notification.Notification {
	now := s.now()
	skip := func(userID string) bool {
		return userID == "" || userID == authorID || slices.Contains(ignore, userID)
	}

	var notes []notification.Notification
	if task.UserID != previousOwnerID && !skip(task.UserID) {
		notes = append(notes, notification.Notification{
			ID:      util.NewID("ntf"),
			Type:    notification.TaskInvolves,
			UserIDs: []string{task.UserID},
			StartAt: now,
			TeamID:  task.TeamID,
			Payload: notification.TaskInvolvesPayload{
				Involvement:    notification.Assignee,
				TaskID:         task.ID,
				ChangeAuthorID: util.CompositeID(authorID, task.TeamID),
			},
		})
	}

	seen := map[string]bool{}
	for _, userID := range mentions {
		if seen[userID] || userID == task.UserID || skip(userID) || slices.Contains(previousMentions, userID) {
			continue
		}
		seen[userID] = true
		notes = append(notes, notification.Notification{
			ID:      util.NewID("ntf"),
			Type:    notification.TaskInvolves,
			UserIDs: []string{userID},
			StartAt: now,
			TeamID:  task.TeamID,
			Payload: notification.TaskInvolvesPayload{
				Involvement:    notification.Mentionee,
				TaskID:         task.ID,
				ChangeAuthorID: util.CompositeID(authorID, task.TeamID),
			},
		})
	}
	return notes
}

func storeNotifications(notes []notification.Notification) ([]store.Notification, error) {
	out := make([]store.Notification, 0, len(notes))
	for _, n := range notes {
		row, err := storeNotification(n)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// publishNotifications sends one notificationsAdded event per recipient.
func (s *Service) publishNotifications(ctx context.Context, session Session, notes []notification.Notification) {
	for _, n := range notes {
		for _, userID := range n.UserIDs {
			s.publish(ctx, pubsub.NotificationsAdded, userID, session, NotificationsAddedPayload{
				Notifications: []notification.Notification{n},
			})
		}
	}
}

func (s *Service) insertAndPublish(ctx context.Context, session Session, notes []notification.Notification) error {
	rows, err := storeNotifications(notes)
	if err != nil {
		return err
	}
	if err := s.store.InsertNotifications(ctx, rows); err != nil {
		return err
	}
	s.publishNotifications(ctx, session, notes)
	return nil
}

type UpdateTaskInput struct {
	Content   *string  `json:"content"`
	Status    *string  `json:"status"`
	SortOrder *float64 `json:"sortOrder"`
	UserID    *string  `json:"userId"`
	AgendaID  *string  `json:"agendaId"`
}

func (s *Service) loadTask(ctx context.Context, session Session, taskID string) (store.Task, error) {
	teamID, _, ok := util.SplitCompositeID(taskID)
	if !ok {
		return store.Task{}, notFound("Task")
	}
	if err := s.requireTeam(session, teamID); err != nil {
		return store.Task{}, err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, notFound("Task")
	}
	return task, err
}

// UpdateTask applies a patch. History is written when content, status or
// owner changes; new mentions and a new owner are notified.
func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, input UpdateTaskInput) (TaskView, error) {
	var fields fieldErrors
	var content *richtext.Content
	if input.Content != nil {
		parsed, err := richtext.Parse(*input.Content)
		if err != nil {
			fields.add("content", "Content must be Draft.js JSON")
		} else {
			content = &parsed
		}
	}
	if input.Status != nil && !validTaskStatus(*input.Status) {
		fields.add("status", "Status must be active, stuck, done or future")
	}
	if err := fields.err(); err != nil {
		return TaskView{}, err
	}

	current, err := s.loadTask(ctx, session, taskID)
	if err != nil {
		return TaskView{}, err
	}

	now := s.now()
	update := store.TaskUpdate{Status: input.Status, SortOrder: input.SortOrder, UpdatedAt: now}
	next := current
	var previousMentions, mentions []string
	if content != nil {
		text, plain := content.String(), content.PlainText()
		update.Content = &text
		update.PlainText = &plain
		update.Tags = content.Tags()
		if update.Tags == nil {
			update.Tags = []string{}
		}
		next.Content = text
		mentions = content.Mentions()
		if old, err := richtext.Parse(current.Content); err == nil {
			previousMentions = old.Mentions()
		}
	}
	if input.Status != nil {
		next.Status = *input.Status
	}
	if input.UserID != nil && *input.UserID != current.UserID {
		memberID := util.CompositeID(*input.UserID, current.TeamID)
		member, err := s.store.GetTeamMember(ctx, memberID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !member.IsNotRemoved) {
			return TaskView{}, validationFailed([]FieldError{{Field: "userId", Message: "Assignee is not on the team"}})
		}
		if err != nil {
			return TaskView{}, err
		}
		update.UserID = input.UserID
		update.TeamMemberID = &memberID
		next.UserID = *input.UserID
		next.TeamMemberID = memberID
	}
	if input.AgendaID != nil {
		if *input.AgendaID != "" {
			item, err := s.store.GetAgendaItem(ctx, *input.AgendaID)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && item.TeamID != current.TeamID) {
				return TaskView{}, validationFailed([]FieldError{{Field: "agendaId", Message: "Agenda item is not on the team"}})
			}
			if err != nil {
				return TaskView{}, err
			}
		}
		update.AgendaID = input.AgendaID
	}

	var history *store.TaskHistory
	if next.Content != current.Content || next.Status != current.Status || next.TeamMemberID != current.TeamMemberID {
		history = &store.TaskHistory{
			ID:           util.NewID("th"),
			TaskID:       current.ID,
			Content:      next.Content,
			Status:       next.Status,
			TeamMemberID: next.TeamMemberID,
			UpdatedAt:    now,
		}
	}

	notes := s.involvementNotifications(next, session.UserID(), current.UserID, previousMentions, mentions, nil)
	storeNotes, err := storeNotifications(notes)
	if err != nil {
		return TaskView{}, err
	}

	updated, err := s.store.UpdateTask(ctx, taskID, update, history, storeNotes)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskView{}, notFound("Task")
	}
	if err != nil {
		return TaskView{}, err
	}

	view := taskView(updated)
	s.publishNotifications(ctx, session, notes)
	s.publish(ctx, pubsub.TaskUpdated, updated.TeamID, session, TaskPayload{Task: view})
	if s.search != nil {
		s.search.IndexTasks(taskRecord(updated))
	}
	return view, nil
}

// ArchiveTask tags a task #archived. Archiving twice is a no-op.
func (s *Service) ArchiveTask(ctx context.Context, session Session, taskID string) (TaskView, error) {
	current, err := s.loadTask(ctx, session, taskID)
	if err != nil {
		return TaskView{}, err
	}
	if meeting.HasTag(current.Tags, richtext.TagArchived) {
		return taskView(current), nil
	}

	archived := archiveTask(current, s.now())
	update := store.TaskUpdate{Content: &archived.Content, Tags: archived.Tags, UpdatedAt: archived.UpdatedAt}
	history := &store.TaskHistory{
		ID:           util.NewID("th"),
		TaskID:       current.ID,
		Content:      archived.Content,
		Status:       current.Status,
		TeamMemberID: current.TeamMemberID,
		UpdatedAt:    archived.UpdatedAt,
	}
	updated, err := s.store.UpdateTask(ctx, taskID, update, history, nil)
	if err != nil {
		return TaskView{}, err
	}

	view := taskView(updated)
	s.publish(ctx, pubsub.TaskUpdated, updated.TeamID, session, TaskPayload{Task: view})
	if s.search != nil {
		s.search.IndexTasks(taskRecord(updated))
	}
	return view, nil
}

type TaskHistoryView struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	Status       string    `json:"status"`
	TeamMemberID string    `json:"teamMemberId"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s *Service) TaskHistory(ctx context.Context, session Session, taskID string) ([]TaskHistoryView, error) {
	if _, err := s.loadTask(ctx, session, taskID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListTaskHistory(ctx, taskID)
	if err != nil {
		return nil, err
	}
	views := make([]TaskHistoryView, len(entries))
	for i, entry := range entries {
		views[i] = TaskHistoryView{
			ID:           entry.ID,
			Content:      entry.Content,
			Status:       entry.Status,
			TeamMemberID: entry.TeamMemberID,
			UpdatedAt:    entry.UpdatedAt,
		}
	}
	return views, nil
}

// Agenda items

type AgendaItemInput struct {
	Content    *string  `json:"content"`
	IsActive   *bool    `json:"isActive"`
	IsComplete *bool    `json:"isComplete"`
	SortOrder  *float64 `json:"sortOrder"`
}

const maxAgendaItemLength = 64

func (s *Service) AddAgendaItem(ctx context.Context, session Session, teamID string, input AgendaItemInput) (AgendaItemView, error) {
	var fields fieldErrors
	content := ""
	if input.Content != nil {
		content = strings.TrimSpace(*input.Content)
	}
	if content == "" {
		fields.add("content", "Content is required")
	} else if len([]rune(content)) > maxAgendaItemLength {
		fields.add("content", "Content is too long")
	}
	if err := fields.err(); err != nil {
		return AgendaItemView{}, err
	}
	member, err := s.requireActiveMember(ctx, session, teamID)
	if err != nil {
		return AgendaItemView{}, err
	}

	sortOrder := 0.0
	if input.SortOrder != nil {
		sortOrder = *input.SortOrder
	} else {
		items, err := s.store.ListAgendaItems(ctx, teamID, true)
		if err != nil {
			return AgendaItemView{}, err
		}
		if len(items) > 0 {
			sortOrder = items[len(items)-1].SortOrder + 1
		}
	}

	now := s.now()
	item, err := s.store.InsertAgendaItem(ctx, store.AgendaItem{
		ID:           util.CompositeID(teamID, util.ShortID()),
		TeamID:       teamID,
		TeamMemberID: member.ID,
		Content:      content,
		IsActive:     true,
		SortOrder:    sortOrder,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return AgendaItemView{}, err
	}

	view := agendaItemView(item)
	s.publish(ctx, pubsub.AgendaItemAdded, teamID, session, AgendaItemPayload{AgendaItem: view})
	s.indexAgendaItem(item)
	return view, nil
}

func (s *Service) UpdateAgendaItem(ctx context.Context, session Session, agendaItemID string, input AgendaItemInput) (AgendaItemView, error) {
	teamID, _, ok := util.SplitCompositeID(agendaItemID)
	if !ok {
		return AgendaItemView{}, notFound("Agenda item")
	}
	if err := s.requireTeam(session, teamID); err != nil {
		return AgendaItemView{}, err
	}
	item, err := s.store.GetAgendaItem(ctx, agendaItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return AgendaItemView{}, notFound("Agenda item")
	}
	if err != nil {
		return AgendaItemView{}, err
	}

	if input.Content != nil {
		content := strings.TrimSpace(*input.Content)
		if content == "" || len([]rune(content)) > maxAgendaItemLength {
			return AgendaItemView{}, validationFailed([]FieldError{{Field: "content", Message: "Content must be 1 to 64 characters"}})
		}
		item.Content = content
	}
	if input.IsActive != nil {
		item.IsActive = *input.IsActive
	}
	if input.IsComplete != nil {
		item.IsComplete = *input.IsComplete
	}
	if input.SortOrder != nil {
		item.SortOrder = *input.SortOrder
	}
	item.UpdatedAt = s.now()

	updated, err := s.store.UpdateAgendaItem(ctx, item)
	if err != nil {
		return AgendaItemView{}, err
	}
	view := agendaItemView(updated)
	s.publish(ctx, pubsub.AgendaItemUpdated, teamID, session, AgendaItemPayload{AgendaItem: view})
	s.indexAgendaItem(updated)
	return view, nil
}

func (s *Service) indexAgendaItem(item store.AgendaItem) {
	if s.search == nil {
		return
	}
	s.search.IndexAgendaItem(search.AgendaItemRecord{
		ID:       item.ID,
		TeamID:   item.TeamID,
		Content:  item.Content,
		IsActive: item.IsActive,
	})
}

// Task queries

type TaskListFilter struct {
	UserID          string
	Status          string
	IncludeArchived bool
	Limit           int
}

// ListTeamTasks hides other members' #private tasks.
func (s *Service) ListTeamTasks(ctx context.Context, session Session, teamID string, filter TaskListFilter) ([]TaskView, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return nil, err
	}
	if filter.Status != "" && !validTaskStatus(filter.Status) {
		return nil, validationFailed([]FieldError{{Field: "status", Message: "Status must be active, stuck, done or future"}})
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
		TeamID:          teamID,
		UserID:          filter.UserID,
		Status:          filter.Status,
		IncludeArchived: filter.IncludeArchived,
		Limit:           filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		if task.UserID != session.UserID() && meeting.HasTag(task.Tags, richtext.TagPrivate) {
			continue
		}
		views = append(views, taskView(task))
	}
	return views, nil
}

// ListUserTasks lists the caller's own tasks across every team.
func (s *Service) ListUserTasks(ctx context.Context, session Session, filter TaskListFilter) ([]TaskView, error) {
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{
		UserID:          session.UserID(),
		Status:          filter.Status,
		IncludeArchived: filter.IncludeArchived,
		Limit:           filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(tasks))
	for _, task := range tasks {
		if session.Claims.HasTeam(task.TeamID) {
			views = append(views, taskView(task))
		}
	}
	return views, nil
}

// SearchTasks is limited to the teams in the caller's token.
func (s *Service) SearchTasks(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	q.TeamIDs = session.Claims.Tms
	q.UserID = session.UserID()
	if q.FilterStatus != "" && !validTaskStatus(q.FilterStatus) {
		return search.Response{}, validationFailed([]FieldError{{Field: "status", Message: "Status must be active, stuck, done or future"}})
	}
	return s.search.Search(ctx, q), nil
}

// Notifications

func (s *Service) ListNotifications(ctx context.Context, session Session, limit int) ([]notification.Notification, error) {
	rows, err := s.store.ListNotifications(ctx, session.UserID(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]notification.Notification, 0, len(rows))
	for _, row := range rows {
		n, err := domainNotification(row)
		if err != nil {
			s.logger.Warn("skip unreadable notification", zap.String("notification_id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// ClearNotification removes the caller from a notification's audience.
func (s *Service) ClearNotification(ctx context.Context, session Session, notificationID string) error {
	n, err := s.store.GetNotification(ctx, notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("Notification")
	}
	if err != nil {
		return err
	}
	if !slices.Contains(n.UserIDs, session.UserID()) {
		return forbidden("Notification belongs to another user")
	}
	if err := s.store.ClearNotification(ctx, notificationID, session.UserID()); errors.Is(err, sql.ErrNoRows) {
		return notFound("Notification")
	} else if err != nil {
		return err
	}
	s.publish(ctx, pubsub.NotificationsCleared, session.UserID(), session, NotificationsClearedPayload{DeletedIDs: []string{notificationID}})
	return nil
}
