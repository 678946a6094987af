package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"parabol/api/internal/auth"
	"parabol/api/internal/authpw"
	"parabol/api/internal/search"
	"parabol/api/internal/util"
)

type HTTPServer struct {
	service       *Service
	corsOrigin    string
	logger        *zap.Logger
	subscriptions http.Handler
}

// NewHTTPServer builds the API router. subscriptions serves the websocket
// endpoint and may be nil.
func NewHTTPServer(service *Service, corsOrigin string, subscriptions http.Handler, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger, subscriptions: subscriptions}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(corsOptions(s.corsOrigin)))
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)

	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Post("/api/auth/signup", s.handleSignUp)
	r.Post("/api/auth/signin", s.handleSignIn)

	if s.subscriptions != nil {
		r.Get("/api/subscriptions", s.subscriptions.ServeHTTP)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireSession)

		pr.Get("/api/session", s.handleSession)

		pr.Post("/api/orgs", s.handleAddOrg)
		pr.Post("/api/teams", s.handleAddTeam)

		pr.Route("/api/teams/{teamId}", func(tr chi.Router) {
			tr.Get("/", s.handleGetTeam)
			tr.Post("/meeting/start", s.handleStartMeeting)
			tr.Post("/meeting/end", s.handleEndMeeting)
			tr.Post("/meeting/kill", s.handleKillMeeting)
			tr.Post("/meeting/move", s.handleMoveMeeting)
			tr.Post("/meeting/facilitator", s.handlePromoteFacilitator)
			tr.Post("/checkin", s.handleCheckIn)
			tr.Put("/checkin-question", s.handleCheckInQuestion)
			tr.Get("/agenda-items", s.handleListAgenda)
			tr.Post("/agenda-items", s.handleAddAgendaItem)
			tr.Get("/tasks", s.handleListTeamTasks)
			tr.Get("/meetings", s.handleListMeetings)
			tr.Get("/meetings/{meetingId}", s.handleGetMeeting)
			tr.Get("/meetings/{meetingId}/export", s.handleExportMeeting)
		})

		pr.Patch("/api/agenda-items/{agendaItemId}", s.handleUpdateAgendaItem)

		pr.Get("/api/tasks", s.handleListUserTasks)
		pr.Post("/api/tasks", s.handleCreateTask)
		pr.Patch("/api/tasks/{taskId}", s.handleUpdateTask)
		pr.Post("/api/tasks/{taskId}/archive", s.handleArchiveTask)
		pr.Get("/api/tasks/{taskId}/history", s.handleTaskHistory)

		pr.Get("/api/notifications", s.handleListNotifications)
		pr.Delete("/api/notifications/{notificationId}", s.handleClearNotification)

		pr.Get("/api/search/tasks", s.handleSearchTasks)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

// Health

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// Auth

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		PreferredName string `json:"preferredName"`
	}
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:         body.Email,
		Password:      body.Password,
		PreferredName: body.PreferredName,
	})
	s.respond(w, r, http.StatusCreated, result, err)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	user, err := s.service.Me(r.Context(), session)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": user,
		"tms":  session.Claims.Tms,
		"rol":  session.Claims.Rol,
	})
}

// Teams and organizations

func (s *HTTPServer) handleAddOrg(w http.ResponseWriter, r *http.Request) {
	var body AddOrgInput
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.AddOrg(r.Context(), sessionFrom(r), body)
	s.respond(w, r, http.StatusCreated, result, err)
}

func (s *HTTPServer) handleAddTeam(w http.ResponseWriter, r *http.Request) {
	var body AddTeamInput
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.AddTeam(r.Context(), sessionFrom(r), body)
	s.respond(w, r, http.StatusCreated, result, err)
}

func (s *HTTPServer) handleGetTeam(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.GetTeam(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"))
	s.respond(w, r, http.StatusOK, result, err)
}

// Meetings

func (s *HTTPServer) handleStartMeeting(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.StartMeeting(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"))
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleEndMeeting(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.EndMeeting(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"))
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleKillMeeting(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.KillMeeting(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"))
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleMoveMeeting(w http.ResponseWriter, r *http.Request) {
	var body MoveMeetingInput
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.MoveMeeting(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"), body)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handlePromoteFacilitator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FacilitatorID string `json:"facilitatorId"`
	}
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.PromoteFacilitator(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"), body.FacilitatorID)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TeamMemberID string `json:"teamMemberId"`
		IsCheckedIn  *bool  `json:"isCheckedIn"`
	}
	if !readBody(w, r, &body) {
		return
	}
	teamID := chi.URLParam(r, "teamId")
	if _, memberTeamID, ok := util.SplitCompositeID(body.TeamMemberID); !ok || memberTeamID != teamID {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, "teamMemberId must belong to the team", nil)
		return
	}
	result, err := s.service.MeetingCheckIn(r.Context(), sessionFrom(r), body.TeamMemberID, body.IsCheckedIn)
	s.respond(w, r, http.StatusOK, map[string]any{"teamMember": result}, err)
}

func (s *HTTPServer) handleCheckInQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CheckInQuestion string `json:"checkInQuestion"`
	}
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.UpdateCheckInQuestion(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"), body.CheckInQuestion)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	result, err := s.service.ListMeetings(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"), limit)
	s.respond(w, r, http.StatusOK, map[string]any{"meetings": result}, err)
}

func (s *HTTPServer) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.GetMeeting(r.Context(), sessionFrom(r), chi.URLParam(r, "meetingId"))
	if err == nil && result.TeamID != chi.URLParam(r, "teamId") {
		err = notFound("Meeting")
	}
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleExportMeeting(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	meetingID := chi.URLParam(r, "meetingId")
	if m, err := s.service.GetMeeting(r.Context(), session, meetingID); err != nil {
		s.fail(w, r, err)
		return
	} else if m.TeamID != chi.URLParam(r, "teamId") {
		s.fail(w, r, notFound("Meeting"))
		return
	}
	result, err := s.service.ExportMeetingSummary(r.Context(), session, meetingID, r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// Agenda

func (s *HTTPServer) handleListAgenda(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.GetTeam(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"))
	s.respond(w, r, http.StatusOK, map[string]any{"agendaItems": result.AgendaItems}, err)
}

func (s *HTTPServer) handleAddAgendaItem(w http.ResponseWriter, r *http.Request) {
	var body AgendaItemInput
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.AddAgendaItem(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"), body)
	s.respond(w, r, http.StatusCreated, map[string]any{"agendaItem": result}, err)
}

func (s *HTTPServer) handleUpdateAgendaItem(w http.ResponseWriter, r *http.Request) {
	var body AgendaItemInput
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.UpdateAgendaItem(r.Context(), sessionFrom(r), chi.URLParam(r, "agendaItemId"), body)
	s.respond(w, r, http.StatusOK, map[string]any{"agendaItem": result}, err)
}

// Tasks

func taskFilterFrom(w http.ResponseWriter, r *http.Request) (TaskListFilter, bool) {
	limit, ok := queryInt(w, r, "limit", 100)
	if !ok {
		return TaskListFilter{}, false
	}
	q := r.URL.Query()
	return TaskListFilter{
		UserID:          strings.TrimSpace(q.Get("userId")),
		Status:          strings.TrimSpace(q.Get("status")),
		IncludeArchived: q.Get("includeArchived") == "true",
		Limit:           limit,
	}, true
}

func (s *HTTPServer) handleListTeamTasks(w http.ResponseWriter, r *http.Request) {
	filter, ok := taskFilterFrom(w, r)
	if !ok {
		return
	}
	result, err := s.service.ListTeamTasks(r.Context(), sessionFrom(r), chi.URLParam(r, "teamId"), filter)
	s.respond(w, r, http.StatusOK, map[string]any{"tasks": result}, err)
}

func (s *HTTPServer) handleListUserTasks(w http.ResponseWriter, r *http.Request) {
	filter, ok := taskFilterFrom(w, r)
	if !ok {
		return
	}
	result, err := s.service.ListUserTasks(r.Context(), sessionFrom(r), filter)
	s.respond(w, r, http.StatusOK, map[string]any{"tasks": result}, err)
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewTask CreateTaskInput `json:"newTask"`
		Area    string          `json:"area"`
	}
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.CreateTask(r.Context(), sessionFrom(r), body.NewTask, body.Area)
	s.respond(w, r, http.StatusCreated, TaskPayload{Task: result}, err)
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var body UpdateTaskInput
	if !readBody(w, r, &body) {
		return
	}
	result, err := s.service.UpdateTask(r.Context(), sessionFrom(r), chi.URLParam(r, "taskId"), body)
	s.respond(w, r, http.StatusOK, TaskPayload{Task: result}, err)
}

func (s *HTTPServer) handleArchiveTask(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.ArchiveTask(r.Context(), sessionFrom(r), chi.URLParam(r, "taskId"))
	s.respond(w, r, http.StatusOK, TaskPayload{Task: result}, err)
}

func (s *HTTPServer) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.TaskHistory(r.Context(), sessionFrom(r), chi.URLParam(r, "taskId"))
	s.respond(w, r, http.StatusOK, map[string]any{"history": result}, err)
}

// Notifications

func (s *HTTPServer) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	result, err := s.service.ListNotifications(r.Context(), sessionFrom(r), limit)
	s.respond(w, r, http.StatusOK, NotificationsAddedPayload{Notifications: result}, err)
}

func (s *HTTPServer) handleClearNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "notificationId")
	err := s.service.ClearNotification(r.Context(), sessionFrom(r), id)
	s.respond(w, r, http.StatusOK, NotificationsClearedPayload{DeletedIDs: []string{id}}, err)
}

// Search

func (s *HTTPServer) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 20)
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset", 0)
	if !ok {
		return
	}
	q := r.URL.Query()
	result, err := s.service.SearchTasks(r.Context(), sessionFrom(r), search.Query{
		Text:            strings.TrimSpace(q.Get("q")),
		FilterType:      search.ResultType(strings.TrimSpace(q.Get("type"))),
		FilterStatus:    strings.TrimSpace(q.Get("status")),
		IncludeArchived: q.Get("includeArchived") == "true",
		Limit:           limit,
		Offset:          offset,
	})
	s.respond(w, r, http.StatusOK, result, err)
}

// Plumbing

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

type sessionKey struct{}

// requireSession verifies the bearer token and attaches the caller's
// operation and socket ids. A request without an operation id gets one, echoed
// back in X-Operation-ID.
func (s *HTTPServer) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeAuthorization, "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		session.OperationID = strings.TrimSpace(r.Header.Get("X-Operation-ID"))
		if session.OperationID == "" {
			session.OperationID = util.ShortID()
		}
		w.Header().Set("X-Operation-ID", session.OperationID)
		session.MutatorID = strings.TrimSpace(r.Header.Get("X-Socket-ID"))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(r *http.Request) Session {
	session, _ := r.Context().Value(sessionKey{}).(Session)
	return session
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setResponseHeaders(writer.Header())
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// corsOptions allows one origin, or any origin for "*" and empty.
func corsOptions(origin string) cors.Options {
	origins := []string{"*"}
	if origin = strings.TrimSpace(origin); origin != "" {
		origins = []string{origin}
	}
	return cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "X-Operation-ID", "X-Socket-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Operation-ID"},
		MaxAge:         300,
	}
}

func setResponseHeaders(header http.Header) {
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, name+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, CodeNotFound, "Not found", nil
	}
	if errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeAuthorization, "Token expired", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, CodeAuthorization, "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
