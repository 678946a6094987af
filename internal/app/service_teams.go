package app

import (
	"context"
	"database/sql"
	"errors"
	"net/mail"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"parabol/api/internal/authz"
	"parabol/api/internal/meeting"
	"parabol/api/internal/notification"
	"parabol/api/internal/pubsub"
	"parabol/api/internal/store"
	"parabol/api/internal/util"
)

const (
	maxTeamNameLength = 50
	maxOrgNameLength  = 50
	maxClientIDLength = 100
)

type NewTeamInput struct {
	ID    string `json:"id"`
	OrgID string `json:"orgId"`
	Name  string `json:"name"`
}

type InviteeInput struct {
	Email    string `json:"email"`
	FullName string `json:"fullName"`
}

type AddTeamInput struct {
	NewTeam  NewTeamInput   `json:"newTeam"`
	Invitees []InviteeInput `json:"invitees"`
}

type AddOrgInput struct {
	NewTeam  NewTeamInput   `json:"newTeam"`
	OrgName  string         `json:"orgName"`
	Invitees []InviteeInput `json:"invitees"`
}

// TeamCreated is returned from AddTeam and AddOrg. The token already carries
// the new team in tms.
type TeamCreated struct {
	AuthToken string   `json:"authToken"`
	Team      TeamView `json:"team"`
}

// validClientID rejects ids that would break composite ids (team::short) or
// bus topics (kind.scope).
func validClientID(id string) bool {
	return id != "" && len(id) <= maxClientIDLength &&
		!strings.Contains(id, util.CompositeSeparator) &&
		!strings.ContainsAny(id, ". \t\n")
}

func validateNewTeam(fields *fieldErrors, team NewTeamInput, invitees []InviteeInput) {
	if !validClientID(team.ID) {
		fields.add("newTeam.id", "Team id may not contain '::', '.' or spaces")
	}
	name := strings.TrimSpace(team.Name)
	if name == "" {
		fields.add("newTeam.name", "Team name is required")
	} else if len([]rune(name)) > maxTeamNameLength {
		fields.add("newTeam.name", "Team name is too long")
	}
	for _, invitee := range invitees {
		if _, err := mail.ParseAddress(invitee.Email); err != nil {
			fields.add("invitees", "Invalid email "+invitee.Email)
		}
	}
}

// AddTeam creates a team inside an organization the caller belongs to.
func (s *Service) AddTeam(ctx context.Context, session Session, input AddTeamInput) (TeamCreated, error) {
	if input.NewTeam.ID == "" {
		input.NewTeam.ID = util.ShortID()
	}
	var fields fieldErrors
	if strings.TrimSpace(input.NewTeam.OrgID) == "" {
		fields.add("newTeam.orgId", "Organization is required")
	}
	validateNewTeam(&fields, input.NewTeam, input.Invitees)
	if err := fields.err(); err != nil {
		return TeamCreated{}, err
	}

	role, err := s.store.GetOrgUserRole(ctx, input.NewTeam.OrgID, session.UserID())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return TeamCreated{}, err
	}
	if err := authz.OrgAction(session.Claims, role, authz.ActionAddTeam); err != nil {
		return TeamCreated{}, forbidden("Not a member of this organization")
	}

	exists, err := s.store.TeamExists(ctx, input.NewTeam.ID)
	if err != nil {
		return TeamCreated{}, err
	}
	if exists {
		return TeamCreated{}, stateConflict("Team already exists")
	}

	user, err := s.store.GetUserByID(ctx, session.UserID())
	if err != nil {
		return TeamCreated{}, err
	}
	token, err := s.refreshToken(session.Claims, input.NewTeam.ID)
	if err != nil {
		return TeamCreated{}, err
	}

	team := s.newTeam(input.NewTeam)
	if err := s.store.CreateTeam(ctx, team, leaderOf(user, team.ID)); errors.Is(err, store.ErrConflict) {
		return TeamCreated{}, stateConflict("Team already exists")
	} else if err != nil {
		return TeamCreated{}, err
	}

	view := teamView(team)
	s.announceTeam(ctx, session, token, view)
	s.inviteToTeam(ctx, session, user, team, input.Invitees)
	return TeamCreated{AuthToken: token, Team: view}, nil
}

// AddOrg creates an organization with the caller as billing leader and its
// first team.
func (s *Service) AddOrg(ctx context.Context, session Session, input AddOrgInput) (TeamCreated, error) {
	if input.NewTeam.ID == "" {
		input.NewTeam.ID = util.ShortID()
	}
	if input.NewTeam.OrgID == "" {
		input.NewTeam.OrgID = util.ShortID()
	}
	var fields fieldErrors
	if !validClientID(input.NewTeam.OrgID) {
		fields.add("newTeam.orgId", "Organization id may not contain '::', '.' or spaces")
	}
	orgName := strings.TrimSpace(input.OrgName)
	if orgName == "" {
		fields.add("orgName", "Organization name is required")
	} else if len([]rune(orgName)) > maxOrgNameLength {
		fields.add("orgName", "Organization name is too long")
	}
	validateNewTeam(&fields, input.NewTeam, input.Invitees)
	if err := fields.err(); err != nil {
		return TeamCreated{}, err
	}

	var teamExists, orgExists bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		teamExists, err = s.store.TeamExists(gctx, input.NewTeam.ID)
		return err
	})
	g.Go(func() error {
		var err error
		orgExists, err = s.store.OrgExists(gctx, input.NewTeam.OrgID)
		return err
	})
	if err := g.Wait(); err != nil {
		return TeamCreated{}, err
	}
	if teamExists {
		return TeamCreated{}, stateConflict("Team already exists")
	}
	if orgExists {
		return TeamCreated{}, stateConflict("Organization already exists")
	}

	user, err := s.store.GetUserByID(ctx, session.UserID())
	if err != nil {
		return TeamCreated{}, err
	}
	token, err := s.refreshToken(session.Claims, input.NewTeam.ID)
	if err != nil {
		return TeamCreated{}, err
	}

	now := s.now()
	org := store.Organization{ID: input.NewTeam.OrgID, Name: orgName, CreatedAt: now, UpdatedAt: now}
	team := s.newTeam(input.NewTeam)
	if err := s.store.CreateOrgWithTeam(ctx, org, team, leaderOf(user, team.ID)); errors.Is(err, store.ErrConflict) {
		return TeamCreated{}, stateConflict("Organization or team already exists")
	} else if err != nil {
		return TeamCreated{}, err
	}

	view := teamView(team)
	s.publish(ctx, pubsub.OrganizationAdded, session.UserID(), session, OrganizationAddedPayload{OrgID: org.ID, Name: org.Name})
	s.announceTeam(ctx, session, token, view)
	s.inviteToTeam(ctx, session, user, team, input.Invitees)
	return TeamCreated{AuthToken: token, Team: view}, nil
}

func (s *Service) newTeam(input NewTeamInput) store.Team {
	now := s.now()
	return store.Team{
		ID:               input.ID,
		OrgID:            input.OrgID,
		Name:             strings.TrimSpace(input.Name),
		FacilitatorPhase: meeting.Lobby.String(),
		MeetingPhase:     meeting.Lobby.String(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func leaderOf(user store.User, teamID string) store.TeamMember {
	return store.TeamMember{
		ID:            util.CompositeID(user.ID, teamID),
		TeamID:        teamID,
		UserID:        user.ID,
		PreferredName: user.PreferredName,
		Email:         user.Email,
		Picture:       user.Picture,
		IsLead:        true,
		IsFacilitator: true,
		IsNotRemoved:  true,
	}
}

// announceTeam pushes the refreshed token before teamAdded so a live socket
// has joined the team's topics by the time team events arrive.
func (s *Service) announceTeam(ctx context.Context, session Session, token string, team TeamView) {
	s.publish(ctx, pubsub.NewAuthToken, session.UserID(), session, NewAuthTokenPayload{AuthToken: token})
	s.publish(ctx, pubsub.TeamAdded, session.UserID(), session, TeamAddedPayload{Team: team})
}

// inviteToTeam notifies invitees who already have an account. Unknown
// addresses are skipped.
func (s *Service) inviteToTeam(ctx context.Context, session Session, inviter store.User, team store.Team, invitees []InviteeInput) {
	var notes []notification.Notification
	for _, invitee := range invitees {
		addr, err := mail.ParseAddress(invitee.Email)
		if err != nil {
			continue
		}
		user, err := s.store.GetUserByEmail(ctx, strings.ToLower(addr.Address))
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Info("invitee has no account", zap.String("team_id", team.ID))
			continue
		}
		if err != nil {
			s.logger.Warn("look up invitee", zap.String("team_id", team.ID), zap.Error(err))
			continue
		}
		if user.ID == inviter.ID {
			continue
		}
		notes = append(notes, notification.Notification{
			ID:      util.NewID("ntf"),
			Type:    notification.TeamInvitation,
			UserIDs: []string{user.ID},
			StartAt: s.now(),
			TeamID:  team.ID,
			OrgID:   team.OrgID,
			Payload: notification.TeamInvitationPayload{
				InviterUserID: inviter.ID,
				InviterName:   inviter.PreferredName,
				InviteeEmail:  user.Email,
				TeamName:      team.Name,
			},
		})
	}
	if len(notes) == 0 {
		return
	}
	if err := s.insertAndPublish(ctx, session, notes); err != nil {
		s.logger.Warn("team invitations", zap.String("team_id", team.ID), zap.Error(err))
	}
}

// TeamDetail is the team query: the team row with its members and active
// agenda.
type TeamDetail struct {
	Team        TeamView         `json:"team"`
	Members     []TeamMemberView `json:"teamMembers"`
	AgendaItems []AgendaItemView `json:"agendaItems"`
}

func (s *Service) GetTeam(ctx context.Context, session Session, teamID string) (TeamDetail, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return TeamDetail{}, err
	}

	var (
		team    store.Team
		members []store.TeamMember
		agenda  []store.AgendaItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		team, err = s.loadTeam(gctx, teamID)
		return err
	})
	g.Go(func() error {
		var err error
		members, err = s.store.ListTeamMembers(gctx, teamID)
		return err
	})
	g.Go(func() error {
		var err error
		agenda, err = s.store.ListAgendaItems(gctx, teamID, true)
		return err
	})
	if err := g.Wait(); err != nil {
		return TeamDetail{}, err
	}

	detail := TeamDetail{
		Team:        teamView(team),
		Members:     make([]TeamMemberView, 0, len(members)),
		AgendaItems: make([]AgendaItemView, 0, len(agenda)),
	}
	for _, member := range members {
		if member.IsNotRemoved {
			detail.Members = append(detail.Members, teamMemberView(member))
		}
	}
	for _, item := range agenda {
		detail.AgendaItems = append(detail.AgendaItems, agendaItemView(item))
	}
	return detail, nil
}
