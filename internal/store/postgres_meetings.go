package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const meetingColumns = `id, team_id, team_name, meeting_number, facilitator, agenda_items_completed,
	success_expression, success_statement, COALESCE(invitees::text, '[]'), COALESCE(tasks::text, '[]'),
	summary_url, created_at, ended_at`

func scanMeeting(row rowScanner) (Meeting, error) {
	var meeting Meeting
	var invitees, tasks []byte
	err := row.Scan(
		&meeting.ID,
		&meeting.TeamID,
		&meeting.TeamName,
		&meeting.MeetingNumber,
		&meeting.Facilitator,
		&meeting.AgendaItemsCompleted,
		&meeting.SuccessExpression,
		&meeting.SuccessStatement,
		&invitees,
		&tasks,
		&meeting.SummaryURL,
		&meeting.CreatedAt,
		&meeting.EndedAt,
	)
	if err != nil {
		return Meeting{}, err
	}
	meeting.Invitees = invitees
	meeting.Tasks = tasks
	return meeting, nil
}

// StartMeeting creates the meeting row and moves the team out of the lobby.
// The team row is locked for the duration so two facilitators racing to start
// produce exactly one meeting; the loser gets ErrConflict.
func (s *PostgresStore) StartMeeting(ctx context.Context, params StartMeetingParams) (Meeting, error) {
	var meeting Meeting
	err := s.withTx(ctx, "start meeting", func(tx *sql.Tx) error {
		var (
			current  *string
			teamName string
		)
		if err := tx.QueryRowContext(ctx, `SELECT meeting_id, name FROM teams WHERE id=$1 FOR UPDATE`, params.TeamID).Scan(&current, &teamName); err != nil {
			return err
		}
		if current != nil {
			return ErrConflict
		}

		var number int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(meeting_number), 0) + 1 FROM meetings WHERE team_id=$1`, params.TeamID).Scan(&number); err != nil {
			return fmt.Errorf("next meeting number: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO meetings (id, team_id, team_name, meeting_number, facilitator, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+meetingColumns,
			params.Meeting.ID,
			params.TeamID,
			teamName,
			number,
			params.Meeting.Facilitator,
			params.Meeting.CreatedAt,
		)
		created, err := scanMeeting(row)
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert meeting: %w", err)
		}
		meeting = created

		greeting := params.CheckInGreeting
		if len(greeting) == 0 {
			greeting = []byte("null")
		}
		state := params.State
		if _, err := tx.ExecContext(ctx, `
			UPDATE teams SET
				meeting_id=$2,
				active_facilitator=$3,
				facilitator_phase=$4,
				facilitator_phase_item=$5,
				meeting_phase=$6,
				meeting_phase_item=$7,
				check_in_greeting=$8::jsonb,
				check_in_question=$9,
				updated_at=NOW()
			WHERE id=$1
		`, params.TeamID, state.MeetingID, state.ActiveFacilitator, state.FacilitatorPhase, state.FacilitatorPhaseItem, state.MeetingPhase, state.MeetingPhaseItem, string(greeting), params.CheckInQuestion); err != nil {
			return fmt.Errorf("update team meeting state: %w", err)
		}
		return nil
	})
	if err != nil {
		return Meeting{}, err
	}
	return meeting, nil
}

// EndMeeting applies every end-of-meeting write in a single transaction. A
// meeting that was already ended by a concurrent caller yields ErrConflict.
func (s *PostgresStore) EndMeeting(ctx context.Context, params EndMeetingParams) (Meeting, error) {
	var meeting Meeting
	err := s.withTx(ctx, "end meeting", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE meetings SET
				ended_at=$3,
				facilitator=$4,
				agenda_items_completed=$5,
				success_expression=$6,
				success_statement=$7,
				invitees=$8::jsonb,
				tasks=$9::jsonb
			WHERE id=$1 AND team_id=$2 AND ended_at IS NULL
			RETURNING `+meetingColumns,
			params.MeetingID,
			params.TeamID,
			params.EndedAt,
			nullIfEmpty(params.Facilitator),
			params.AgendaItemsCompleted,
			params.SuccessExpression,
			params.SuccessStatement,
			string(jsonOrEmptyArray(params.Invitees)),
			string(jsonOrEmptyArray(params.Tasks)),
		)
		ended, err := scanMeeting(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("close meeting: %w", err)
		}
		meeting = ended

		for taskID, sortOrder := range params.SortOrders {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET sort_order=$2, updated_at=$3 WHERE id=$1`, taskID, sortOrder, params.EndedAt); err != nil {
				return fmt.Errorf("update task sort order: %w", err)
			}
		}

		if err := resetTeamToLobby(ctx, tx, params.TeamID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agenda_items SET is_active=FALSE, updated_at=$2 WHERE team_id=$1 AND is_active`, params.TeamID, params.EndedAt); err != nil {
			return fmt.Errorf("deactivate agenda items: %w", err)
		}
		for order, teamMemberID := range params.CheckInOrder {
			if _, err := tx.ExecContext(ctx, `UPDATE team_members SET check_in_order=$2 WHERE id=$1`, teamMemberID, order); err != nil {
				return fmt.Errorf("update check-in order: %w", err)
			}
		}

		for _, task := range params.ArchivedTasks {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET content=$2, tags=$3, updated_at=$4
				WHERE id=$1
			`, task.ID, task.Content, nonNilStrings(task.Tags), params.EndedAt); err != nil {
				return fmt.Errorf("archive task: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Meeting{}, err
	}
	return meeting, nil
}

// KillMeeting abandons a meeting: it is stamped as ended and the team goes
// back to the lobby, but no snapshot, reordering or archiving happens.
func (s *PostgresStore) KillMeeting(ctx context.Context, teamID, meetingID string, endedAt time.Time) error {
	return s.withTx(ctx, "kill meeting", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE meetings SET ended_at=$3
			WHERE id=$1 AND team_id=$2 AND ended_at IS NULL
		`, meetingID, teamID, endedAt)
		if err != nil {
			return fmt.Errorf("kill meeting: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return ErrConflict
		}
		return resetTeamToLobby(ctx, tx, teamID)
	})
}

func resetTeamToLobby(ctx context.Context, tx *sql.Tx, teamID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE teams SET
			meeting_id=NULL,
			active_facilitator=NULL,
			facilitator_phase='LOBBY',
			facilitator_phase_item=NULL,
			meeting_phase='LOBBY',
			meeting_phase_item=NULL,
			updated_at=NOW()
		WHERE id=$1
	`, teamID); err != nil {
		return fmt.Errorf("reset team meeting state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE team_members SET is_checked_in=NULL WHERE team_id=$1`, teamID); err != nil {
		return fmt.Errorf("reset team check-ins: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetMeetingSummaryURL(ctx context.Context, meetingID, summaryURL string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE meetings SET summary_url=$2 WHERE id=$1`, meetingID, summaryURL)
	if err != nil {
		return fmt.Errorf("set meeting summary url: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetMeeting(ctx context.Context, meetingID string) (Meeting, error) {
	return scanMeeting(s.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id=$1`, meetingID))
}

// LatestMeeting returns the most recently created meeting for a team.
func (s *PostgresStore) LatestMeeting(ctx context.Context, teamID string) (Meeting, error) {
	return scanMeeting(s.db.QueryRowContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE team_id=$1
		ORDER BY created_at DESC, meeting_number DESC
		LIMIT 1
	`, teamID))
}

func (s *PostgresStore) ListMeetings(ctx context.Context, teamID string, limit int) ([]Meeting, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE team_id=$1
		ORDER BY meeting_number DESC
		LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []Meeting
	for rows.Next() {
		meeting, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, meeting)
	}
	return meetings, rows.Err()
}

// Agenda items

const agendaColumns = `id, team_id, team_member_id, content, is_active, is_complete, sort_order, created_at, updated_at`

func scanAgendaItem(row rowScanner) (AgendaItem, error) {
	var item AgendaItem
	err := row.Scan(&item.ID, &item.TeamID, &item.TeamMemberID, &item.Content, &item.IsActive, &item.IsComplete, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListAgendaItems(ctx context.Context, teamID string, activeOnly bool) ([]AgendaItem, error) {
	query := `SELECT ` + agendaColumns + ` FROM agenda_items WHERE team_id=$1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY sort_order ASC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("list agenda items: %w", err)
	}
	defer rows.Close()

	var items []AgendaItem
	for rows.Next() {
		item, err := scanAgendaItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agenda item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetAgendaItem(ctx context.Context, agendaItemID string) (AgendaItem, error) {
	return scanAgendaItem(s.db.QueryRowContext(ctx, `SELECT `+agendaColumns+` FROM agenda_items WHERE id=$1`, agendaItemID))
}

func (s *PostgresStore) InsertAgendaItem(ctx context.Context, item AgendaItem) (AgendaItem, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO agenda_items (id, team_id, team_member_id, content, is_active, is_complete, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+agendaColumns,
		item.ID, item.TeamID, item.TeamMemberID, item.Content, item.IsActive, item.IsComplete, item.SortOrder, item.CreatedAt,
	)
	created, err := scanAgendaItem(row)
	if isUniqueViolation(err) {
		return AgendaItem{}, ErrConflict
	}
	if err != nil {
		return AgendaItem{}, fmt.Errorf("insert agenda item: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateAgendaItem(ctx context.Context, item AgendaItem) (AgendaItem, error) {
	return scanAgendaItem(s.db.QueryRowContext(ctx, `
		UPDATE agenda_items SET content=$2, is_complete=$3, sort_order=$4, updated_at=$5
		WHERE id=$1
		RETURNING `+agendaColumns,
		item.ID, item.Content, item.IsComplete, item.SortOrder, item.UpdatedAt,
	))
}

func jsonOrEmptyArray(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("[]")
	}
	return raw
}
