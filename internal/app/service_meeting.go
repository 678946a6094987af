package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"parabol/api/internal/email"
	"parabol/api/internal/export"
	"parabol/api/internal/meeting"
	"parabol/api/internal/notification"
	"parabol/api/internal/pubsub"
	"parabol/api/internal/richtext"
	"parabol/api/internal/search"
	"parabol/api/internal/store"
	"parabol/api/internal/util"
)

// StartMeeting moves a team from the lobby to the first check-in item and
// opens a new meeting row numbered after the team's previous meetings.
func (s *Service) StartMeeting(ctx context.Context, session Session, teamID string) (MeetingUpdated, error) {
	facilitator, err := s.requireActiveMember(ctx, session, teamID)
	if err != nil {
		return MeetingUpdated{}, err
	}
	team, err := s.loadTeam(ctx, teamID)
	if err != nil {
		return MeetingUpdated{}, err
	}

	now := s.now()
	meetingID := util.ShortID()
	next, err := stateFromTeam(team).Start(meetingID, facilitator.ID)
	if errors.Is(err, meeting.ErrMeetingInProgress) {
		return MeetingUpdated{}, stateConflict("Meeting already in progress")
	}
	if err != nil {
		return MeetingUpdated{}, err
	}
	if err := s.checkState(teamID, next); err != nil {
		return MeetingUpdated{}, err
	}

	week := meeting.WeekOfYear(now)
	greeting, err := json.Marshal(meeting.CheckInGreeting(week, teamID))
	if err != nil {
		return MeetingUpdated{}, fmt.Errorf("encode greeting: %w", err)
	}
	question := richtext.FromText(meeting.CheckInQuestion(week, teamID)).String()

	created, err := s.store.StartMeeting(ctx, store.StartMeetingParams{
		TeamID:          teamID,
		State:           storeState(next),
		CheckInGreeting: greeting,
		CheckInQuestion: question,
		Meeting: store.Meeting{
			ID:          meetingID,
			TeamID:      teamID,
			Facilitator: &facilitator.ID,
			CreatedAt:   now,
		},
	})
	if errors.Is(err, store.ErrConflict) {
		return MeetingUpdated{}, stateConflict("Meeting already in progress")
	}
	if err != nil {
		return MeetingUpdated{}, err
	}

	team.CheckInGreeting = greeting
	team.CheckInQuestion = question
	payload := MeetingUpdated{Team: teamView(team).withState(next), Meeting: meetingView(created)}
	s.publish(ctx, pubsub.MeetingUpdated, teamID, session, payload)
	return payload, nil
}

// endMeetingInput is everything EndMeeting reads before it writes.
type endMeetingInput struct {
	agendaItems []store.AgendaItem
	members     []store.TeamMember
	doneTasks   []store.Task
	baseSort    float64
	tasks       []store.Task
}

func (s *Service) loadEndMeetingInput(ctx context.Context, teamID string) (endMeetingInput, error) {
	var in endMeetingInput
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		in.agendaItems, err = s.store.ListAgendaItems(gctx, teamID, true)
		return err
	})
	g.Go(func() error {
		var err error
		in.members, err = s.store.ListTeamMembers(gctx, teamID)
		return err
	})
	g.Go(func() error {
		var err error
		in.doneTasks, err = s.store.ListDoneUnarchivedTasks(gctx, teamID)
		return err
	})
	g.Go(func() error {
		var err error
		in.baseSort, err = s.store.MaxTaskSortOrder(gctx, teamID)
		return err
	})
	if err := g.Wait(); err != nil {
		return endMeetingInput{}, err
	}

	if len(in.agendaItems) > 0 {
		agendaIDs := make([]string, len(in.agendaItems))
		for i, item := range in.agendaItems {
			agendaIDs[i] = item.ID
		}
		tasks, err := s.store.ListTasksByAgendaIDs(ctx, agendaIDs)
		if err != nil {
			return endMeetingInput{}, err
		}
		in.tasks = tasks
	}
	return in, nil
}

// EndMeeting freezes the meeting snapshot, returns the team to the lobby,
// reorders the meeting's tasks, reshuffles check-in order and archives done
// tasks, all in one write. Everything after that write is best effort.
func (s *Service) EndMeeting(ctx context.Context, session Session, teamID string) (MeetingUpdated, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return MeetingUpdated{}, err
	}
	latest, err := s.store.LatestMeeting(ctx, teamID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && latest.EndedAt != nil) {
		return MeetingUpdated{}, stateConflict("Meeting already ended")
	}
	if err != nil {
		return MeetingUpdated{}, err
	}
	team, err := s.loadTeam(ctx, teamID)
	if err != nil {
		return MeetingUpdated{}, err
	}
	if _, err := stateFromTeam(team).End(); err != nil {
		return MeetingUpdated{}, stateConflict("Meeting already ended")
	}

	in, err := s.loadEndMeetingInput(ctx, teamID)
	if err != nil {
		return MeetingUpdated{}, err
	}

	now := s.now()
	rng := s.random()

	taskInputs := make([]meeting.TaskInput, len(in.tasks))
	sortItems := make([]meeting.SortItem, len(in.tasks))
	for i, task := range in.tasks {
		taskInputs[i] = meeting.TaskInput{
			ID:           task.ID,
			Content:      task.Content,
			Status:       task.Status,
			Tags:         task.Tags,
			TeamMemberID: task.TeamMemberID,
			CreatedAt:    task.CreatedAt,
		}
		sortItems[i] = meeting.SortItem{ID: task.ID, CreatedAt: task.CreatedAt}
	}
	snapshot := meeting.SnapshotTasks(latest.ID, taskInputs)

	memberInputs := make([]meeting.MemberInput, len(in.members))
	memberIDs := make([]string, len(in.members))
	for i, member := range in.members {
		memberInputs[i] = meeting.MemberInput{
			ID:            member.ID,
			UserID:        member.UserID,
			Picture:       member.Picture,
			PreferredName: member.PreferredName,
			IsNotRemoved:  member.IsNotRemoved,
			IsCheckedIn:   member.IsCheckedIn,
		}
		memberIDs[i] = member.ID
	}
	invitees := meeting.Invitees(memberInputs, snapshot)

	sortOrders := make(map[string]float64, len(sortItems))
	for _, assignment := range meeting.EndMeetingSortOrders(sortItems, in.baseSort) {
		sortOrders[assignment.ID] = assignment.SortOrder
	}

	archived := make([]store.Task, 0, len(in.doneTasks))
	for _, task := range in.doneTasks {
		archived = append(archived, archiveTask(task, now))
	}

	inviteesJSON, err := json.Marshal(invitees)
	if err != nil {
		return MeetingUpdated{}, fmt.Errorf("encode invitees: %w", err)
	}
	tasksJSON, err := json.Marshal(snapshot)
	if err != nil {
		return MeetingUpdated{}, fmt.Errorf("encode tasks: %w", err)
	}

	ended, err := s.store.EndMeeting(ctx, store.EndMeetingParams{
		TeamID:               teamID,
		MeetingID:            latest.ID,
		EndedAt:              now,
		Facilitator:          util.CompositeID(session.UserID(), teamID),
		AgendaItemsCompleted: len(in.agendaItems),
		SuccessExpression:    meeting.SuccessExpression(rng),
		SuccessStatement:     meeting.SuccessStatement(rng),
		Invitees:             inviteesJSON,
		Tasks:                tasksJSON,
		SortOrders:           sortOrders,
		CheckInOrder:         meeting.ShuffleCheckInOrder(memberIDs, rng),
		ArchivedTasks:        archived,
	})
	if errors.Is(err, store.ErrConflict) {
		return MeetingUpdated{}, stateConflict("Meeting already ended")
	}
	if err != nil {
		return MeetingUpdated{}, err
	}

	records := make([]search.TaskRecord, 0, len(archived))
	for _, task := range archived {
		s.publish(ctx, pubsub.TaskUpdated, teamID, session, TaskPayload{Task: taskView(task)})
		records = append(records, taskRecord(task))
	}
	if s.search != nil {
		s.search.IndexTasks(records...)
	}

	payload := MeetingUpdated{
		Team:    TeamView{ID: teamID, Name: team.Name, OrgID: team.OrgID}.withState(meeting.SummaryView()),
		Meeting: meetingView(ended),
	}
	s.publish(ctx, pubsub.MeetingUpdated, teamID, session, payload)

	present := meeting.PresentUserIDs(invitees)
	emails := presentEmails(in.members, invitees)
	s.async(func() {
		s.afterMeeting(context.WithoutCancel(ctx), session, ended, present, emails)
	})
	s.logger.Info("meeting ended",
		zap.String("team_id", teamID),
		zap.String("meeting_id", ended.ID),
		zap.Int("meeting_number", ended.MeetingNumber),
		zap.Int("archived_tasks", len(archived)),
	)
	return payload, nil
}

// archiveTask tags a task #archived in both its content and tag set.
func archiveTask(task store.Task, now time.Time) store.Task {
	if content, err := richtext.Parse(task.Content); err == nil {
		task.Content = content.WithTag(richtext.TagArchived).String()
	}
	if !meeting.HasTag(task.Tags, richtext.TagArchived) {
		task.Tags = append(append([]string(nil), task.Tags...), richtext.TagArchived)
	}
	task.UpdatedAt = now
	return task
}

func presentEmails(members []store.TeamMember, invitees []meeting.Invitee) []string {
	byID := make(map[string]string, len(members))
	for _, member := range members {
		byID[member.ID] = member.Email
	}
	var emails []string
	for _, invitee := range invitees {
		if invitee.Present && byID[invitee.ID] != "" {
			emails = append(emails, byID[invitee.ID])
		}
	}
	return emails
}

// afterMeeting archives the summary, notifies the attendees and mails them.
// Failures are logged; the meeting has already ended.
func (s *Service) afterMeeting(ctx context.Context, session Session, ended store.Meeting, present, emails []string) {
	log := s.logger.With(zap.String("meeting_id", ended.ID), zap.String("team_id", ended.TeamID))

	summaryURL := strings.TrimRight(s.cfg.AppURL, "/") + "/summary/" + ended.ID
	if s.archive != nil && s.exporter != nil {
		result, err := s.exporter.Export(ctx, export.Request{MeetingID: ended.ID, Format: export.FormatPDF})
		if err != nil {
			log.Warn("render summary", zap.Error(err))
		} else if link, err := s.archive.PutSummary(ctx, ended.TeamID, ended.ID, "pdf", result.MimeType, result.Data); err != nil {
			log.Warn("archive summary", zap.Error(err))
		} else {
			summaryURL = link
			if err := s.store.SetMeetingSummaryURL(ctx, ended.ID, link); err != nil {
				log.Warn("store summary url", zap.Error(err))
			}
		}
	}

	if len(present) > 0 {
		n := notification.Notification{
			ID:      util.NewID("ntf"),
			Type:    notification.MeetingSummary,
			UserIDs: present,
			StartAt: s.now(),
			TeamID:  ended.TeamID,
			Payload: notification.MeetingSummaryPayload{
				MeetingID:     ended.ID,
				MeetingNumber: ended.MeetingNumber,
				SummaryURL:    summaryURL,
			},
		}
		if err := s.insertAndPublish(ctx, session, []notification.Notification{n}); err != nil {
			log.Warn("meeting summary notification", zap.Error(err))
		}
	}

	if s.mail != nil && len(emails) > 0 {
		taskCount, err := snapshotTaskCount(ended.Tasks)
		if err != nil {
			log.Warn("decode meeting snapshot", zap.Error(err))
		}
		err = s.mail.SendMeetingSummary(emails, email.MeetingSummaryData{
			TeamName:          ended.TeamName,
			MeetingNumber:     ended.MeetingNumber,
			SuccessExpression: ended.SuccessExpression,
			SuccessStatement:  ended.SuccessStatement,
			TaskCount:         taskCount,
			SummaryURL:        summaryURL,
		})
		if err != nil {
			log.Warn("meeting summary email", zap.Error(err))
		}
	}
}

func snapshotTaskCount(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var snapshot []meeting.SnapshotTask
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return 0, fmt.Errorf("meeting task snapshot: %w", err)
	}
	return len(snapshot), nil
}

// KillMeeting abandons the running meeting without a summary.
func (s *Service) KillMeeting(ctx context.Context, session Session, teamID string) (MeetingUpdated, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return MeetingUpdated{}, err
	}
	team, err := s.loadTeam(ctx, teamID)
	if err != nil {
		return MeetingUpdated{}, err
	}
	current := stateFromTeam(team)
	next, err := current.End()
	if err != nil {
		return MeetingUpdated{}, stateConflict("Meeting already ended")
	}
	if err := s.store.KillMeeting(ctx, teamID, current.MeetingID, s.now()); errors.Is(err, store.ErrConflict) {
		return MeetingUpdated{}, stateConflict("Meeting already ended")
	} else if err != nil {
		return MeetingUpdated{}, err
	}

	payload := MeetingUpdated{Team: teamView(team).withState(next)}
	s.publish(ctx, pubsub.MeetingUpdated, teamID, session, payload)
	return payload, nil
}

type MoveMeetingInput struct {
	NextPhase     string `json:"nextPhase"`
	NextPhaseItem *int   `json:"nextPhaseItem"`
	Force         bool   `json:"force"`
}

// MoveMeeting moves the facilitator. Only the active facilitator may move.
func (s *Service) MoveMeeting(ctx context.Context, session Session, teamID string, input MoveMeetingInput) (MeetingUpdated, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return MeetingUpdated{}, err
	}
	phase, err := meeting.ParsePhase(input.NextPhase)
	if err != nil {
		return MeetingUpdated{}, validationFailed([]FieldError{{Field: "nextPhase", Message: err.Error()}})
	}
	to := meeting.Pointer{Phase: phase}
	if input.NextPhaseItem != nil {
		to.Item = *input.NextPhaseItem
	}

	team, err := s.loadTeam(ctx, teamID)
	if err != nil {
		return MeetingUpdated{}, err
	}
	current := stateFromTeam(team)

	itemCount, err := s.phaseItemCount(ctx, teamID, phase)
	if err != nil {
		return MeetingUpdated{}, err
	}
	next, err := current.Move(meeting.MoveRequest{
		To:        to,
		By:        util.CompositeID(session.UserID(), teamID),
		Force:     input.Force,
		ItemCount: itemCount,
	})
	if err != nil {
		return MeetingUpdated{}, transitionError(err)
	}
	if err := s.checkState(teamID, next); err != nil {
		return MeetingUpdated{}, err
	}

	if err := s.store.UpdateMeetingState(ctx, teamID, current.MeetingID, storeState(next)); errors.Is(err, store.ErrConflict) {
		return MeetingUpdated{}, stateConflict("Meeting changed, reload and try again")
	} else if err != nil {
		return MeetingUpdated{}, err
	}

	payload := MeetingUpdated{Team: teamView(team).withState(next)}
	s.publish(ctx, pubsub.MeetingUpdated, teamID, session, payload)
	return payload, nil
}

func (s *Service) phaseItemCount(ctx context.Context, teamID string, phase meeting.Phase) (int, error) {
	switch phase {
	case meeting.CheckIn, meeting.Updates:
		members, err := s.store.ListTeamMembers(ctx, teamID)
		if err != nil {
			return 0, err
		}
		count := 0
		for _, member := range members {
			if member.IsNotRemoved {
				count++
			}
		}
		return count, nil
	case meeting.AgendaItems:
		items, err := s.store.ListAgendaItems(ctx, teamID, true)
		if err != nil {
			return 0, err
		}
		return len(items), nil
	default:
		return 0, nil
	}
}

// checkState refuses to persist a state that breaks the meeting invariants,
// which only happens when the stored team row is already inconsistent.
func (s *Service) checkState(teamID string, next meeting.State) error {
	if err := next.Validate(); err != nil {
		s.logger.Warn("refusing inconsistent meeting state", zap.String("team_id", teamID), zap.Error(err))
		return stateConflict("Meeting state is inconsistent, end or kill the meeting")
	}
	return nil
}

func transitionError(err error) error {
	switch {
	case errors.Is(err, meeting.ErrNotFacilitator):
		return forbidden("Only the facilitator can move the meeting")
	case errors.Is(err, meeting.ErrNoActiveMeeting):
		return stateConflict("Meeting already ended")
	case errors.Is(err, meeting.ErrMeetingInProgress):
		return stateConflict("Meeting already in progress")
	case errors.Is(err, meeting.ErrInvalidTransition):
		return validationFailed([]FieldError{{Field: "nextPhase", Message: err.Error()}})
	default:
		return err
	}
}

// PromoteFacilitator hands the running meeting to another active member.
func (s *Service) PromoteFacilitator(ctx context.Context, session Session, teamID, facilitatorID string) (MeetingUpdated, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return MeetingUpdated{}, err
	}
	target, err := s.store.GetTeamMember(ctx, facilitatorID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (target.TeamID != teamID || !target.IsNotRemoved)) {
		return MeetingUpdated{}, validationFailed([]FieldError{{Field: "facilitatorId", Message: "Facilitator is not active on that team"}})
	}
	if err != nil {
		return MeetingUpdated{}, err
	}

	team, err := s.loadTeam(ctx, teamID)
	if err != nil {
		return MeetingUpdated{}, err
	}
	current := stateFromTeam(team)
	next, err := current.PromoteFacilitator(target.ID)
	if err != nil {
		return MeetingUpdated{}, transitionError(err)
	}
	if err := s.checkState(teamID, next); err != nil {
		return MeetingUpdated{}, err
	}
	if err := s.store.UpdateMeetingState(ctx, teamID, current.MeetingID, storeState(next)); errors.Is(err, store.ErrConflict) {
		return MeetingUpdated{}, stateConflict("Meeting changed, reload and try again")
	} else if err != nil {
		return MeetingUpdated{}, err
	}

	payload := MeetingUpdated{Team: teamView(team).withState(next)}
	s.publish(ctx, pubsub.MeetingUpdated, teamID, session, payload)
	return payload, nil
}

// MeetingCheckIn marks a member present (true), absent (false) or unknown.
func (s *Service) MeetingCheckIn(ctx context.Context, session Session, teamMemberID string, isCheckedIn *bool) (TeamMemberView, error) {
	_, teamID, ok := util.SplitCompositeID(teamMemberID)
	if !ok {
		return TeamMemberView{}, validationFailed([]FieldError{{Field: "teamMemberId", Message: "Invalid team member id"}})
	}
	if err := s.requireTeam(session, teamID); err != nil {
		return TeamMemberView{}, err
	}
	member, err := s.store.SetTeamMemberCheckIn(ctx, teamMemberID, isCheckedIn)
	if errors.Is(err, sql.ErrNoRows) {
		return TeamMemberView{}, notFound("Team member")
	}
	if err != nil {
		return TeamMemberView{}, err
	}
	view := teamMemberView(member)
	s.publish(ctx, pubsub.TeamMemberUpdated, teamID, session, TeamMemberPayload{TeamMember: view})
	return view, nil
}

const maxCheckInQuestionLength = 2000

// UpdateCheckInQuestion accepts either Draft.js content or plain text.
func (s *Service) UpdateCheckInQuestion(ctx context.Context, session Session, teamID, question string) (MeetingUpdated, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return MeetingUpdated{}, err
	}
	var fields fieldErrors
	content, err := richtext.Parse(question)
	if err != nil {
		if strings.TrimSpace(question) == "" {
			fields.add("checkInQuestion", "Question is required")
		}
		content = richtext.FromText(strings.TrimSpace(question))
	}
	if len(content.Text()) > maxCheckInQuestionLength {
		fields.add("checkInQuestion", "Question is too long")
	}
	if err := fields.err(); err != nil {
		return MeetingUpdated{}, err
	}

	normalized := content.String()
	if err := s.store.UpdateCheckInQuestion(ctx, teamID, normalized); errors.Is(err, sql.ErrNoRows) {
		return MeetingUpdated{}, notFound("Team")
	} else if err != nil {
		return MeetingUpdated{}, err
	}
	team, err := s.loadTeam(ctx, teamID)
	if err != nil {
		return MeetingUpdated{}, err
	}
	payload := MeetingUpdated{Team: teamView(team)}
	s.publish(ctx, pubsub.MeetingUpdated, teamID, session, payload)
	return payload, nil
}

// Queries

func (s *Service) GetMeeting(ctx context.Context, session Session, meetingID string) (*MeetingView, error) {
	m, err := s.store.GetMeeting(ctx, meetingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("Meeting")
	}
	if err != nil {
		return nil, err
	}
	if err := s.requireTeam(session, m.TeamID); err != nil {
		return nil, err
	}
	return meetingView(m), nil
}

func (s *Service) ListMeetings(ctx context.Context, session Session, teamID string, limit int) ([]*MeetingView, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return nil, err
	}
	meetings, err := s.store.ListMeetings(ctx, teamID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*MeetingView, len(meetings))
	for i, m := range meetings {
		views[i] = meetingView(m)
	}
	return views, nil
}

// ExportMeetingSummary renders an ended meeting's summary document.
func (s *Service) ExportMeetingSummary(ctx context.Context, session Session, meetingID, format string) (*export.Result, error) {
	if _, err := s.GetMeeting(ctx, session, meetingID); err != nil {
		return nil, err
	}
	parsed, ok := export.ParseFormat(format)
	if !ok {
		return nil, validationFailed([]FieldError{{Field: "format", Message: "Format must be html, pdf or docx"}})
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	result, err := s.exporter.Export(ctx, export.Request{MeetingID: meetingID, Format: parsed})
	switch {
	case errors.Is(err, export.ErrMeetingInProgress):
		return nil, stateConflict("Meeting has not ended")
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
	case err != nil:
		return nil, err
	}
	return result, nil
}
