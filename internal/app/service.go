package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"parabol/api/internal/archive"
	"parabol/api/internal/auth"
	"parabol/api/internal/authpw"
	"parabol/api/internal/authz"
	"parabol/api/internal/config"
	"parabol/api/internal/email"
	"parabol/api/internal/export"
	"parabol/api/internal/pubsub"
	"parabol/api/internal/search"
	"parabol/api/internal/store"
	"parabol/api/internal/util"
)

// Session is the caller of one request: the verified token plus the ids the
// client sent so it can recognise its own echoes.
type Session struct {
	Token       string
	Claims      auth.Claims
	OperationID string
	MutatorID   string
}

func (s Session) UserID() string {
	return s.Claims.Sub
}

func (s Session) message(payload any) pubsub.Message {
	return pubsub.Message{OperationID: s.OperationID, MutatorID: s.MutatorID, Payload: payload}
}

type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUserTeamIDs(context.Context, string) ([]string, error)

	OrgExists(context.Context, string) (bool, error)
	TeamExists(context.Context, string) (bool, error)
	GetOrgUserRole(context.Context, string, string) (string, error)
	CreateTeam(context.Context, store.Team, store.TeamMember) error
	CreateOrgWithTeam(context.Context, store.Organization, store.Team, store.TeamMember) error
	GetTeam(context.Context, string) (store.Team, error)
	GetTeamMember(context.Context, string) (store.TeamMember, error)
	ListTeamMembers(context.Context, string) ([]store.TeamMember, error)
	ListCheckedInUserIDs(context.Context, string) ([]string, error)
	SetTeamMemberCheckIn(context.Context, string, *bool) (store.TeamMember, error)
	UpdateCheckInQuestion(context.Context, string, string) error
	UpdateMeetingState(context.Context, string, string, store.MeetingState) error

	StartMeeting(context.Context, store.StartMeetingParams) (store.Meeting, error)
	EndMeeting(context.Context, store.EndMeetingParams) (store.Meeting, error)
	KillMeeting(context.Context, string, string, time.Time) error
	SetMeetingSummaryURL(context.Context, string, string) error
	GetMeeting(context.Context, string) (store.Meeting, error)
	LatestMeeting(context.Context, string) (store.Meeting, error)
	ListMeetings(context.Context, string, int) ([]store.Meeting, error)

	ListAgendaItems(context.Context, string, bool) ([]store.AgendaItem, error)
	GetAgendaItem(context.Context, string) (store.AgendaItem, error)
	InsertAgendaItem(context.Context, store.AgendaItem) (store.AgendaItem, error)
	UpdateAgendaItem(context.Context, store.AgendaItem) (store.AgendaItem, error)

	CreateTask(context.Context, store.CreateTaskParams) (store.Task, error)
	GetTask(context.Context, string) (store.Task, error)
	UpdateTask(context.Context, string, store.TaskUpdate, *store.TaskHistory, []store.Notification) (store.Task, error)
	ListTasks(context.Context, store.TaskFilter) ([]store.Task, error)
	ListTasksByAgendaIDs(context.Context, []string) ([]store.Task, error)
	ListDoneUnarchivedTasks(context.Context, string) ([]store.Task, error)
	MaxTaskSortOrder(context.Context, string) (float64, error)
	ListTaskHistory(context.Context, string) ([]store.TaskHistory, error)

	InsertNotifications(context.Context, []store.Notification) error
	ListNotifications(context.Context, string, int) ([]store.Notification, error)
	GetNotification(context.Context, string) (store.Notification, error)
	ClearNotification(context.Context, string, string) error
}

type passwordService interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.User, error)
	SignIn(context.Context, string, string) (store.User, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexTasks(...search.TaskRecord)
	IndexAgendaItem(search.AgendaItemRecord)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type summaryArchive interface {
	PutSummary(ctx context.Context, teamID, meetingID, ext, contentType string, data []byte) (string, error)
}

type mailer interface {
	IsConfigured() bool
	SendMeetingSummary(to []string, data email.MeetingSummaryData) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	bus       pubsub.Bus
	passwords passwordService
	search    searchService
	exporter  exporter
	archive   summaryArchive
	mail      mailer
	logger    *zap.Logger
	now       func() time.Time
	rng       *rand.Rand
	async     func(func())
}

type Option func(*Service)

func WithSearch(svc *search.Service) Option {
	return func(s *Service) {
		if svc != nil {
			s.search = svc
		}
	}
}

func WithExporter(svc *export.Service) Option {
	return func(s *Service) {
		if svc != nil {
			s.exporter = svc
		}
	}
}

// WithArchive enables uploading summaries. A nil store leaves it disabled.
func WithArchive(a *archive.Store) Option {
	return func(s *Service) {
		if a != nil {
			s.archive = a
		}
	}
}

func WithEmail(svc *email.Service) Option {
	return func(s *Service) {
		if svc != nil && svc.IsConfigured() {
			s.mail = svc
		}
	}
}

func New(cfg config.Config, dataStore *store.PostgresStore, bus pubsub.Bus, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:       cfg,
		store:     dataStore,
		bus:       bus,
		passwords: authpw.NewService(dataStore),
		logger:    logger,
		now:       time.Now,
		async:     func(fn func()) { go fn() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// publish runs after the write it describes is durable. Delivery is best
// effort, so a failure is logged and never fails the mutation.
func (s *Service) publish(ctx context.Context, kind pubsub.EventKind, scopeID string, session Session, payload any) {
	if s.bus == nil || scopeID == "" {
		return
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), kind, scopeID, session.message(payload)); err != nil {
		s.logger.Warn("publish failed",
			zap.String("kind", string(kind)),
			zap.String("scope_id", scopeID),
			zap.String("operation_id", session.OperationID),
			zap.Error(err),
		)
	}
}

func (s *Service) random() *rand.Rand {
	if s.rng != nil {
		return s.rng
	}
	return rand.New(rand.NewPCG(uint64(s.now().UnixNano()), rand.Uint64()))
}

// Auth

func (s *Service) secret() []byte {
	return []byte(s.cfg.JWTSecret)
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := s.VerifyToken(token)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, Claims: claims}, nil
}

// VerifyToken checks a bearer token for the subscription socket.
func (s *Service) VerifyToken(token string) (auth.Claims, error) {
	return auth.ParseToken(s.secret(), token)
}

// AuthResult is returned from sign-up and sign-in.
type AuthResult struct {
	AuthToken string   `json:"authToken"`
	User      UserView `json:"user"`
	Tms       []string `json:"tms"`
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (AuthResult, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if errors.Is(err, authpw.ErrEmailTaken) {
		return AuthResult{}, validationFailed([]FieldError{{Field: "email", Message: "Email already registered"}})
	}
	if errors.Is(err, authpw.ErrInvalidSignUp) {
		return AuthResult{}, validationFailed([]FieldError{{Field: "signUp", Message: err.Error()}})
	}
	if err != nil {
		return AuthResult{}, err
	}
	return s.issueFor(user, nil)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (AuthResult, error) {
	user, err := s.passwords.SignIn(ctx, emailAddr, password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return AuthResult{}, unauthorized("Invalid email or password")
	}
	if err != nil {
		return AuthResult{}, err
	}
	teamIDs, err := s.store.ListUserTeamIDs(ctx, user.ID)
	if err != nil {
		return AuthResult{}, err
	}
	return s.issueFor(user, teamIDs)
}

func (s *Service) issueFor(user store.User, teamIDs []string) (AuthResult, error) {
	claims := auth.Claims{Sub: user.ID, Tms: teamIDs}
	if claims.Tms == nil {
		claims.Tms = []string{}
	}
	if user.IsSuperUser {
		claims.Rol = auth.RoleSuperUser
	}
	token, err := auth.IssueToken(s.secret(), claims, s.cfg.AccessTTL)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue token: %w", err)
	}
	return AuthResult{AuthToken: token, User: userView(user), Tms: claims.Tms}, nil
}

// refreshToken re-signs the caller's claims with teamID added to tms.
func (s *Service) refreshToken(claims auth.Claims, teamID string) (string, error) {
	next := claims.WithTeam(teamID)
	next.ExpiresAt = nil
	next.IssuedAt = nil
	next.NotBefore = nil
	token, err := auth.IssueToken(s.secret(), next, s.cfg.AccessTTL)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

func (s *Service) Me(ctx context.Context, session Session) (UserView, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID())
	if errors.Is(err, sql.ErrNoRows) {
		return UserView{}, unauthorized("Unknown user")
	}
	if err != nil {
		return UserView{}, err
	}
	return userView(user), nil
}

// Authorization helpers

func (s *Service) requireTeam(session Session, teamID string) error {
	if err := authz.SUOrTeamMember(session.Claims, teamID); err != nil {
		return forbidden("Not a member of this team")
	}
	return nil
}

// requireActiveMember also checks the membership row: the token can lag a
// removal from the team.
func (s *Service) requireActiveMember(ctx context.Context, session Session, teamID string) (store.TeamMember, error) {
	if err := s.requireTeam(session, teamID); err != nil {
		return store.TeamMember{}, err
	}
	member, err := s.store.GetTeamMember(ctx, util.CompositeID(session.UserID(), teamID))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !member.IsNotRemoved) {
		return store.TeamMember{}, forbidden("Not an active member of this team")
	}
	if err != nil {
		return store.TeamMember{}, err
	}
	return member, nil
}

func (s *Service) loadTeam(ctx context.Context, teamID string) (store.Team, error) {
	team, err := s.store.GetTeam(ctx, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Team{}, notFound("Team")
	}
	return team, err
}
