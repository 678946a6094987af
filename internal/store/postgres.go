package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when a write loses to a concurrent writer or hits a
// uniqueness constraint.
var ErrConflict = errors.New("conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) withTx(ctx context.Context, name string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", name, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", name, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// Users

const userColumns = `id, email, preferred_name, picture, password_hash, is_super_user, created_at, updated_at`

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PreferredName, &user.Picture, &user.PasswordHash, &user.IsSuperUser, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, preferred_name, picture, password_hash, is_super_user)
		VALUES ($1, LOWER($2), $3, $4, $5, $6)
	`, user.ID, user.Email, user.PreferredName, user.Picture, user.PasswordHash, user.IsSuperUser)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
}

// Organizations and teams

func (s *PostgresStore) OrgExists(ctx context.Context, orgID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM organizations WHERE id=$1)`, orgID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check organization: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) TeamExists(ctx context.Context, teamID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM teams WHERE id=$1)`, teamID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check team: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetOrgUserRole(ctx context.Context, orgID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM organization_users WHERE org_id=$1 AND user_id=$2`, orgID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

// CreateTeam inserts a team with its leader inside an existing organization.
func (s *PostgresStore) CreateTeam(ctx context.Context, team Team, leader TeamMember) error {
	return s.withTx(ctx, "create team", func(tx *sql.Tx) error {
		if err := insertTeam(ctx, tx, team); err != nil {
			return err
		}
		if err := insertTeamMember(ctx, tx, leader); err != nil {
			return err
		}
		return upsertOrgUser(ctx, tx, OrganizationUser{OrgID: team.OrgID, UserID: leader.UserID, Role: OrgRoleMember})
	})
}

// CreateOrgWithTeam inserts a new organization, its billing leader, and its
// first team.
func (s *PostgresStore) CreateOrgWithTeam(ctx context.Context, org Organization, team Team, leader TeamMember) error {
	return s.withTx(ctx, "create org", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO organizations (id, name, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (id) DO NOTHING
		`, org.ID, org.Name, org.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert organization: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return ErrConflict
		}
		if err := upsertOrgUser(ctx, tx, OrganizationUser{OrgID: org.ID, UserID: leader.UserID, Role: OrgRoleBillingLeader}); err != nil {
			return err
		}
		if err := insertTeam(ctx, tx, team); err != nil {
			return err
		}
		return insertTeamMember(ctx, tx, leader)
	})
}

func insertTeam(ctx context.Context, tx *sql.Tx, team Team) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO teams (id, org_id, name, is_paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, team.ID, team.OrgID, team.Name, team.IsPaid, team.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func insertTeamMember(ctx context.Context, tx *sql.Tx, member TeamMember) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO team_members (id, team_id, user_id, preferred_name, email, picture, is_lead, is_facilitator, is_not_removed, check_in_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, member.ID, member.TeamID, member.UserID, member.PreferredName, member.Email, member.Picture, member.IsLead, member.IsFacilitator, member.IsNotRemoved, member.CheckInOrder)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert team member: %w", err)
	}
	return nil
}

func upsertOrgUser(ctx context.Context, tx *sql.Tx, orgUser OrganizationUser) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO organization_users (org_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO NOTHING
	`, orgUser.OrgID, orgUser.UserID, orgUser.Role)
	if err != nil {
		return fmt.Errorf("upsert organization user: %w", err)
	}
	return nil
}

const teamColumns = `id, org_id, name, is_paid, COALESCE(check_in_greeting::text, 'null'), check_in_question,
	meeting_id, active_facilitator, facilitator_phase, facilitator_phase_item, meeting_phase, meeting_phase_item,
	created_at, updated_at`

func scanTeam(row rowScanner) (Team, error) {
	var team Team
	var greeting []byte
	err := row.Scan(
		&team.ID,
		&team.OrgID,
		&team.Name,
		&team.IsPaid,
		&greeting,
		&team.CheckInQuestion,
		&team.MeetingID,
		&team.ActiveFacilitator,
		&team.FacilitatorPhase,
		&team.FacilitatorPhaseItem,
		&team.MeetingPhase,
		&team.MeetingPhaseItem,
		&team.CreatedAt,
		&team.UpdatedAt,
	)
	if err != nil {
		return Team{}, err
	}
	team.CheckInGreeting = greeting
	return team, nil
}

func (s *PostgresStore) GetTeam(ctx context.Context, teamID string) (Team, error) {
	return scanTeam(s.db.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE id=$1`, teamID))
}

// ListUserTeamIDs returns the teams a user is an active member of; it feeds
// the tms claim of the auth token.
func (s *PostgresStore) ListUserTeamIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_id FROM team_members
		WHERE user_id=$1 AND is_not_removed
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user teams: %w", err)
	}
	defer rows.Close()

	var teamIDs []string
	for rows.Next() {
		var teamID string
		if err := rows.Scan(&teamID); err != nil {
			return nil, fmt.Errorf("scan user team: %w", err)
		}
		teamIDs = append(teamIDs, teamID)
	}
	return teamIDs, rows.Err()
}

const teamMemberColumns = `id, team_id, user_id, preferred_name, email, picture, is_lead, is_facilitator, is_not_removed, is_checked_in, check_in_order, created_at`

func scanTeamMember(row rowScanner) (TeamMember, error) {
	var member TeamMember
	err := row.Scan(
		&member.ID,
		&member.TeamID,
		&member.UserID,
		&member.PreferredName,
		&member.Email,
		&member.Picture,
		&member.IsLead,
		&member.IsFacilitator,
		&member.IsNotRemoved,
		&member.IsCheckedIn,
		&member.CheckInOrder,
		&member.CreatedAt,
	)
	return member, err
}

func (s *PostgresStore) GetTeamMember(ctx context.Context, teamMemberID string) (TeamMember, error) {
	return scanTeamMember(s.db.QueryRowContext(ctx, `SELECT `+teamMemberColumns+` FROM team_members WHERE id=$1`, teamMemberID))
}

// ListTeamMembers returns every member of a team, removed ones included, in
// check-in order.
func (s *PostgresStore) ListTeamMembers(ctx context.Context, teamID string) ([]TeamMember, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+teamMemberColumns+` FROM team_members WHERE team_id=$1 ORDER BY check_in_order ASC, id ASC`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	var members []TeamMember
	for rows.Next() {
		member, err := scanTeamMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// ListCheckedInUserIDs returns the users currently checked in to a team's
// meeting.
func (s *PostgresStore) ListCheckedInUserIDs(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM team_members WHERE team_id=$1 AND is_checked_in IS TRUE`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list checked in members: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan checked in member: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

func (s *PostgresStore) SetTeamMemberCheckIn(ctx context.Context, teamMemberID string, isCheckedIn *bool) (TeamMember, error) {
	return scanTeamMember(s.db.QueryRowContext(ctx, `
		UPDATE team_members SET is_checked_in=$2
		WHERE id=$1
		RETURNING `+teamMemberColumns, teamMemberID, isCheckedIn))
}

func (s *PostgresStore) UpdateCheckInQuestion(ctx context.Context, teamID, question string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE teams SET check_in_question=$2, updated_at=NOW() WHERE id=$1`, teamID, question)
	if err != nil {
		return fmt.Errorf("update check-in question: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateMeetingState writes a phase move or facilitator change. The write only
// lands if the team is still running the meeting the caller read.
func (s *PostgresStore) UpdateMeetingState(ctx context.Context, teamID, expectedMeetingID string, state MeetingState) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE teams SET
			meeting_id=$3,
			active_facilitator=$4,
			facilitator_phase=$5,
			facilitator_phase_item=$6,
			meeting_phase=$7,
			meeting_phase_item=$8,
			updated_at=NOW()
		WHERE id=$1 AND meeting_id=$2
	`, teamID, expectedMeetingID, state.MeetingID, state.ActiveFacilitator, state.FacilitatorPhase, state.FacilitatorPhaseItem, state.MeetingPhase, state.MeetingPhaseItem)
	if err != nil {
		return fmt.Errorf("update meeting state: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}
