package app

import (
	"context"
	"database/sql"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"parabol/api/internal/auth"
	"parabol/api/internal/authpw"
	"parabol/api/internal/config"
	"parabol/api/internal/pubsub"
	"parabol/api/internal/store"
)

// fakeStore answers with the configured funcs; unset reads return
// sql.ErrNoRows or empty results and unset writes succeed. Every call is
// recorded by name.
type fakeStore struct {
	mu    sync.Mutex
	calls []string

	getUserByID          func(string) (store.User, error)
	getUserByEmail       func(string) (store.User, error)
	listUserTeamIDs      func(string) ([]string, error)
	orgExists            func(string) (bool, error)
	teamExists           func(string) (bool, error)
	getOrgUserRole       func(string, string) (string, error)
	createTeam           func(store.Team, store.TeamMember) error
	createOrgWithTeam    func(store.Organization, store.Team, store.TeamMember) error
	getTeam              func(string) (store.Team, error)
	getTeamMember        func(string) (store.TeamMember, error)
	listTeamMembers      func(string) ([]store.TeamMember, error)
	listCheckedInUserIDs func(string) ([]string, error)
	setTeamMemberCheckIn func(string, *bool) (store.TeamMember, error)
	updateMeetingState   func(string, string, store.MeetingState) error

	startMeeting  func(store.StartMeetingParams) (store.Meeting, error)
	endMeeting    func(store.EndMeetingParams) (store.Meeting, error)
	killMeeting   func(string, string, time.Time) error
	getMeeting    func(string) (store.Meeting, error)
	latestMeeting func(string) (store.Meeting, error)

	listAgendaItems func(string, bool) ([]store.AgendaItem, error)
	getAgendaItem   func(string) (store.AgendaItem, error)

	createTask              func(store.CreateTaskParams) (store.Task, error)
	getTask                 func(string) (store.Task, error)
	updateTask              func(string, store.TaskUpdate, *store.TaskHistory, []store.Notification) (store.Task, error)
	listTasks               func(store.TaskFilter) ([]store.Task, error)
	listTasksByAgendaIDs    func([]string) ([]store.Task, error)
	listDoneUnarchivedTasks func(string) ([]store.Task, error)
	maxTaskSortOrder        func(string) (float64, error)

	insertNotifications func([]store.Notification) error
	getNotification     func(string) (store.Notification, error)
	clearNotification   func(string, string) error
}

func (f *fakeStore) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeStore) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == name {
			count++
		}
	}
	return count
}

func (f *fakeStore) Ping(context.Context) error {
	f.record("Ping")
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.record("GetUserByID")
	if f.getUserByID != nil {
		return f.getUserByID(id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.record("GetUserByEmail")
	if f.getUserByEmail != nil {
		return f.getUserByEmail(email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) ListUserTeamIDs(_ context.Context, userID string) ([]string, error) {
	f.record("ListUserTeamIDs")
	if f.listUserTeamIDs != nil {
		return f.listUserTeamIDs(userID)
	}
	return nil, nil
}

func (f *fakeStore) OrgExists(_ context.Context, id string) (bool, error) {
	f.record("OrgExists")
	if f.orgExists != nil {
		return f.orgExists(id)
	}
	return false, nil
}

func (f *fakeStore) TeamExists(_ context.Context, id string) (bool, error) {
	f.record("TeamExists")
	if f.teamExists != nil {
		return f.teamExists(id)
	}
	return false, nil
}

func (f *fakeStore) GetOrgUserRole(_ context.Context, orgID, userID string) (string, error) {
	f.record("GetOrgUserRole")
	if f.getOrgUserRole != nil {
		return f.getOrgUserRole(orgID, userID)
	}
	return "", sql.ErrNoRows
}

func (f *fakeStore) CreateTeam(_ context.Context, team store.Team, leader store.TeamMember) error {
	f.record("CreateTeam")
	if f.createTeam != nil {
		return f.createTeam(team, leader)
	}
	return nil
}

func (f *fakeStore) CreateOrgWithTeam(_ context.Context, org store.Organization, team store.Team, leader store.TeamMember) error {
	f.record("CreateOrgWithTeam")
	if f.createOrgWithTeam != nil {
		return f.createOrgWithTeam(org, team, leader)
	}
	return nil
}

func (f *fakeStore) GetTeam(_ context.Context, id string) (store.Team, error) {
	f.record("GetTeam")
	if f.getTeam != nil {
		return f.getTeam(id)
	}
	return store.Team{}, sql.ErrNoRows
}

func (f *fakeStore) GetTeamMember(_ context.Context, id string) (store.TeamMember, error) {
	f.record("GetTeamMember")
	if f.getTeamMember != nil {
		return f.getTeamMember(id)
	}
	return store.TeamMember{}, sql.ErrNoRows
}

func (f *fakeStore) ListTeamMembers(_ context.Context, teamID string) ([]store.TeamMember, error) {
	f.record("ListTeamMembers")
	if f.listTeamMembers != nil {
		return f.listTeamMembers(teamID)
	}
	return nil, nil
}

func (f *fakeStore) ListCheckedInUserIDs(_ context.Context, teamID string) ([]string, error) {
	f.record("ListCheckedInUserIDs")
	if f.listCheckedInUserIDs != nil {
		return f.listCheckedInUserIDs(teamID)
	}
	return nil, nil
}

func (f *fakeStore) SetTeamMemberCheckIn(_ context.Context, id string, checkedIn *bool) (store.TeamMember, error) {
	f.record("SetTeamMemberCheckIn")
	if f.setTeamMemberCheckIn != nil {
		return f.setTeamMemberCheckIn(id, checkedIn)
	}
	return store.TeamMember{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateCheckInQuestion(context.Context, string, string) error {
	f.record("UpdateCheckInQuestion")
	return nil
}

func (f *fakeStore) UpdateMeetingState(_ context.Context, teamID, meetingID string, state store.MeetingState) error {
	f.record("UpdateMeetingState")
	if f.updateMeetingState != nil {
		return f.updateMeetingState(teamID, meetingID, state)
	}
	return nil
}

func (f *fakeStore) StartMeeting(_ context.Context, params store.StartMeetingParams) (store.Meeting, error) {
	f.record("StartMeeting")
	if f.startMeeting != nil {
		return f.startMeeting(params)
	}
	return params.Meeting, nil
}

func (f *fakeStore) EndMeeting(_ context.Context, params store.EndMeetingParams) (store.Meeting, error) {
	f.record("EndMeeting")
	if f.endMeeting != nil {
		return f.endMeeting(params)
	}
	return store.Meeting{ID: params.MeetingID, TeamID: params.TeamID, EndedAt: &params.EndedAt}, nil
}

func (f *fakeStore) KillMeeting(_ context.Context, teamID, meetingID string, endedAt time.Time) error {
	f.record("KillMeeting")
	if f.killMeeting != nil {
		return f.killMeeting(teamID, meetingID, endedAt)
	}
	return nil
}

func (f *fakeStore) SetMeetingSummaryURL(context.Context, string, string) error {
	f.record("SetMeetingSummaryURL")
	return nil
}

func (f *fakeStore) GetMeeting(_ context.Context, id string) (store.Meeting, error) {
	f.record("GetMeeting")
	if f.getMeeting != nil {
		return f.getMeeting(id)
	}
	return store.Meeting{}, sql.ErrNoRows
}

func (f *fakeStore) LatestMeeting(_ context.Context, teamID string) (store.Meeting, error) {
	f.record("LatestMeeting")
	if f.latestMeeting != nil {
		return f.latestMeeting(teamID)
	}
	return store.Meeting{}, sql.ErrNoRows
}

func (f *fakeStore) ListMeetings(context.Context, string, int) ([]store.Meeting, error) {
	f.record("ListMeetings")
	return nil, nil
}

func (f *fakeStore) ListAgendaItems(_ context.Context, teamID string, activeOnly bool) ([]store.AgendaItem, error) {
	f.record("ListAgendaItems")
	if f.listAgendaItems != nil {
		return f.listAgendaItems(teamID, activeOnly)
	}
	return nil, nil
}

func (f *fakeStore) GetAgendaItem(_ context.Context, id string) (store.AgendaItem, error) {
	f.record("GetAgendaItem")
	if f.getAgendaItem != nil {
		return f.getAgendaItem(id)
	}
	return store.AgendaItem{}, sql.ErrNoRows
}

func (f *fakeStore) InsertAgendaItem(_ context.Context, item store.AgendaItem) (store.AgendaItem, error) {
	f.record("InsertAgendaItem")
	return item, nil
}

func (f *fakeStore) UpdateAgendaItem(_ context.Context, item store.AgendaItem) (store.AgendaItem, error) {
	f.record("UpdateAgendaItem")
	return item, nil
}

func (f *fakeStore) CreateTask(_ context.Context, params store.CreateTaskParams) (store.Task, error) {
	f.record("CreateTask")
	if f.createTask != nil {
		return f.createTask(params)
	}
	return params.Task, nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (store.Task, error) {
	f.record("GetTask")
	if f.getTask != nil {
		return f.getTask(id)
	}
	return store.Task{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateTask(_ context.Context, id string, update store.TaskUpdate, history *store.TaskHistory, notes []store.Notification) (store.Task, error) {
	f.record("UpdateTask")
	if f.updateTask != nil {
		return f.updateTask(id, update, history, notes)
	}
	return store.Task{}, sql.ErrNoRows
}

func (f *fakeStore) ListTasks(_ context.Context, filter store.TaskFilter) ([]store.Task, error) {
	f.record("ListTasks")
	if f.listTasks != nil {
		return f.listTasks(filter)
	}
	return nil, nil
}

func (f *fakeStore) ListTasksByAgendaIDs(_ context.Context, ids []string) ([]store.Task, error) {
	f.record("ListTasksByAgendaIDs")
	if f.listTasksByAgendaIDs != nil {
		return f.listTasksByAgendaIDs(ids)
	}
	return nil, nil
}

func (f *fakeStore) ListDoneUnarchivedTasks(_ context.Context, teamID string) ([]store.Task, error) {
	f.record("ListDoneUnarchivedTasks")
	if f.listDoneUnarchivedTasks != nil {
		return f.listDoneUnarchivedTasks(teamID)
	}
	return nil, nil
}

func (f *fakeStore) MaxTaskSortOrder(_ context.Context, teamID string) (float64, error) {
	f.record("MaxTaskSortOrder")
	if f.maxTaskSortOrder != nil {
		return f.maxTaskSortOrder(teamID)
	}
	return 0, nil
}

func (f *fakeStore) ListTaskHistory(context.Context, string) ([]store.TaskHistory, error) {
	f.record("ListTaskHistory")
	return nil, nil
}

func (f *fakeStore) InsertNotifications(_ context.Context, notes []store.Notification) error {
	f.record("InsertNotifications")
	if f.insertNotifications != nil {
		return f.insertNotifications(notes)
	}
	return nil
}

func (f *fakeStore) ListNotifications(context.Context, string, int) ([]store.Notification, error) {
	f.record("ListNotifications")
	return nil, nil
}

func (f *fakeStore) GetNotification(_ context.Context, id string) (store.Notification, error) {
	f.record("GetNotification")
	if f.getNotification != nil {
		return f.getNotification(id)
	}
	return store.Notification{}, sql.ErrNoRows
}

func (f *fakeStore) ClearNotification(_ context.Context, id, userID string) error {
	f.record("ClearNotification")
	if f.clearNotification != nil {
		return f.clearNotification(id, userID)
	}
	return nil
}

// writes lists the store calls that change data.
var writes = []string{
	"CreateTeam", "CreateOrgWithTeam", "SetTeamMemberCheckIn", "UpdateCheckInQuestion",
	"UpdateMeetingState", "StartMeeting", "EndMeeting", "KillMeeting", "SetMeetingSummaryURL",
	"InsertAgendaItem", "UpdateAgendaItem", "CreateTask", "UpdateTask",
	"InsertNotifications", "ClearNotification",
}

func (f *fakeStore) wrote() []string {
	var out []string
	for _, name := range writes {
		if f.called(name) > 0 {
			out = append(out, name)
		}
	}
	return out
}

type published struct {
	kind    pubsub.EventKind
	scopeID string
	msg     pubsub.Message
}

// recordingBus keeps every publish in order.
type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBus) Publish(_ context.Context, kind pubsub.EventKind, scopeID string, msg pubsub.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{kind: kind, scopeID: scopeID, msg: msg})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, []string, pubsub.Handler) (pubsub.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) of(kind pubsub.EventKind) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, event := range b.events {
		if event.kind == kind {
			out = append(out, event)
		}
	}
	return out
}

type fakePasswords struct {
	signUp func(authpw.SignUpRequest) (store.User, error)
	signIn func(string, string) (store.User, error)
}

func (f fakePasswords) SignUp(_ context.Context, req authpw.SignUpRequest) (store.User, error) {
	return f.signUp(req)
}

func (f fakePasswords) SignIn(_ context.Context, email, password string) (store.User, error) {
	return f.signIn(email, password)
}

var testNow = time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

const testSecret = "app-test-secret"

func newTestService(t *testing.T, fake *fakeStore) (*Service, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	return &Service{
		cfg:    config.Config{JWTSecret: testSecret, AccessTTL: time.Hour, AppURL: "https://app.parabol.test"},
		store:  fake,
		bus:    bus,
		logger: zap.NewNop(),
		now:    func() time.Time { return testNow },
		rng:    rand.New(rand.NewPCG(1, 2)),
		async:  func(fn func()) { fn() },
	}, bus
}

func sessionFor(userID string, teams ...string) Session {
	return Session{
		Claims:      auth.Claims{Sub: userID, Tms: teams},
		OperationID: "op-1",
		MutatorID:   "sock-1",
	}
}

func ptr[T any](v T) *T {
	return &v
}
