package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const taskColumns = `id, team_id, team_member_id, user_id, agenda_id, content, plain_text, status,
	to_jsonb(tags)::text, sort_order, created_at, created_by, updated_at`

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var tags []byte
	err := row.Scan(
		&task.ID,
		&task.TeamID,
		&task.TeamMemberID,
		&task.UserID,
		&task.AgendaID,
		&task.Content,
		&task.PlainText,
		&task.Status,
		&tags,
		&task.SortOrder,
		&task.CreatedAt,
		&task.CreatedBy,
		&task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if task.Tags, err = decodeStrings(tags); err != nil {
		return Task{}, fmt.Errorf("decode task tags: %w", err)
	}
	return task, nil
}

func decodeStrings(raw []byte) ([]string, error) {
	values := []string{}
	if len(raw) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// CreateTask writes the task, its first history entry, and the notifications
// it triggers atomically.
func (s *PostgresStore) CreateTask(ctx context.Context, params CreateTaskParams) (Task, error) {
	var created Task
	err := s.withTx(ctx, "create task", func(tx *sql.Tx) error {
		task := params.Task
		row := tx.QueryRowContext(ctx, `
			INSERT INTO tasks (id, team_id, team_member_id, user_id, agenda_id, content, plain_text, status, tags, sort_order, created_at, created_by, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $11)
			RETURNING `+taskColumns,
			task.ID,
			task.TeamID,
			task.TeamMemberID,
			task.UserID,
			task.AgendaID,
			task.Content,
			task.PlainText,
			task.Status,
			nonNilStrings(task.Tags),
			task.SortOrder,
			task.CreatedAt,
			task.CreatedBy,
		)
		var err error
		created, err = scanTask(row)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := insertTaskHistory(ctx, tx, params.History); err != nil {
			return err
		}
		return insertNotifications(ctx, tx, params.Notifications)
	})
	if err != nil {
		return Task{}, err
	}
	return created, nil
}

func insertTaskHistory(ctx context.Context, tx *sql.Tx, history TaskHistory) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_history (id, task_id, content, status, team_member_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, history.ID, history.TaskID, history.Content, history.Status, history.TeamMemberID, history.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task history: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID))
}

// UpdateTask applies a partial update, records a history row when content,
// status or owner changed, and stores any notifications the change caused.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, update TaskUpdate, history *TaskHistory, notifications []Notification) (Task, error) {
	sets := []string{"updated_at=$2"}
	args := []any{taskID, update.UpdatedAt}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if update.Content != nil {
		add("content", *update.Content)
	}
	if update.PlainText != nil {
		add("plain_text", *update.PlainText)
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.Tags != nil {
		add("tags", update.Tags)
	}
	if update.SortOrder != nil {
		add("sort_order", *update.SortOrder)
	}
	if update.TeamMemberID != nil {
		add("team_member_id", *update.TeamMemberID)
	}
	if update.UserID != nil {
		add("user_id", *update.UserID)
	}
	if update.AgendaID != nil {
		add("agenda_id", nullIfEmpty(*update.AgendaID))
	}

	var updated Task
	err := s.withTx(ctx, "update task", func(tx *sql.Tx) error {
		var err error
		updated, err = scanTask(tx.QueryRowContext(ctx, `
			UPDATE tasks SET `+strings.Join(sets, ", ")+`
			WHERE id=$1
			RETURNING `+taskColumns, args...))
		if err != nil {
			return err
		}
		if history != nil {
			if err := insertTaskHistory(ctx, tx, *history); err != nil {
				return err
			}
		}
		return insertNotifications(ctx, tx, notifications)
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	where := []string{"TRUE"}
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.TeamID != "" {
		add("team_id=$%d", filter.TeamID)
	}
	if filter.UserID != "" {
		add("user_id=$%d", filter.UserID)
	}
	if filter.Status != "" {
		add("status=$%d", filter.Status)
	}
	if !filter.IncludeArchived {
		where = append(where, "NOT ('archived' = ANY(tags))")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY sort_order DESC, created_at ASC LIMIT $%d`, taskColumns, strings.Join(where, " AND "), len(args))
	return s.queryTasks(ctx, "list tasks", query, args...)
}

// ListTasksByAgendaIDs returns the tasks created against the given agenda
// items.
func (s *PostgresStore) ListTasksByAgendaIDs(ctx context.Context, agendaIDs []string) ([]Task, error) {
	if len(agendaIDs) == 0 {
		return []Task{}, nil
	}
	return s.queryTasks(ctx, "list agenda tasks", `
		SELECT `+taskColumns+` FROM tasks
		WHERE agenda_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, agendaIDs)
}

// ListDoneUnarchivedTasks returns the team's done tasks that do not yet carry
// the archived tag.
func (s *PostgresStore) ListDoneUnarchivedTasks(ctx context.Context, teamID string) ([]Task, error) {
	return s.queryTasks(ctx, "list done tasks", `
		SELECT `+taskColumns+` FROM tasks
		WHERE team_id=$1 AND status='done' AND NOT ('archived' = ANY(tags))
		ORDER BY created_at ASC, id ASC
	`, teamID)
}

func (s *PostgresStore) MaxTaskSortOrder(ctx context.Context, teamID string) (float64, error) {
	var maxSortOrder float64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), 0) FROM tasks WHERE team_id=$1`, teamID).Scan(&maxSortOrder); err != nil {
		return 0, fmt.Errorf("max task sort order: %w", err)
	}
	return maxSortOrder, nil
}

func (s *PostgresStore) ListTaskHistory(ctx context.Context, taskID string) ([]TaskHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, content, status, team_member_id, updated_at
		FROM task_history
		WHERE task_id=$1
		ORDER BY updated_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task history: %w", err)
	}
	defer rows.Close()

	var history []TaskHistory
	for rows.Next() {
		var entry TaskHistory
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.Content, &entry.Status, &entry.TeamMemberID, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task history: %w", err)
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (s *PostgresStore) queryTasks(ctx context.Context, op, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Notifications

func insertNotifications(ctx context.Context, tx *sql.Tx, notifications []Notification) error {
	for _, n := range notifications {
		payload := n.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (id, type, user_ids, team_id, org_id, payload, start_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		`, n.ID, n.Type, nonNilStrings(n.UserIDs), n.TeamID, n.OrgID, string(payload), n.StartAt); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertNotifications(ctx context.Context, notifications []Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	return s.withTx(ctx, "insert notifications", func(tx *sql.Tx) error {
		return insertNotifications(ctx, tx, notifications)
	})
}

const notificationColumns = `id, type, to_jsonb(user_ids)::text, team_id, org_id, COALESCE(payload::text, '{}'), start_at`

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	var userIDs, payload []byte
	if err := row.Scan(&n.ID, &n.Type, &userIDs, &n.TeamID, &n.OrgID, &payload, &n.StartAt); err != nil {
		return Notification{}, err
	}
	var err error
	if n.UserIDs, err = decodeStrings(userIDs); err != nil {
		return Notification{}, fmt.Errorf("decode notification users: %w", err)
	}
	n.Payload = payload
	return n, nil
}

// ListNotifications returns the notifications still addressed to a user,
// newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE $1 = ANY(user_ids) AND start_at <= NOW()
		ORDER BY start_at DESC, id ASC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications := []Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *PostgresStore) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	return scanNotification(s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=$1`, notificationID))
}

// ClearNotification removes a single user from a notification's audience. The
// row itself is kept for the remaining recipients.
func (s *PostgresStore) ClearNotification(ctx context.Context, notificationID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET user_ids=array_remove(user_ids, $2)
		WHERE id=$1 AND $2 = ANY(user_ids)
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("clear notification: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
