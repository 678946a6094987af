package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parabol/api/internal/auth"
	"parabol/api/internal/pubsub"
	"parabol/api/internal/store"
)

func newTestHandler(t *testing.T, fake *fakeStore) (http.Handler, *recordingBus) {
	t.Helper()
	svc, bus := newTestService(t, fake)
	return NewHTTPServer(svc, "*", nil, nil).Handler(), bus
}

func bearer(t *testing.T, claims auth.Claims) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), claims, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHealthNeedsNoToken(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeStore{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeStore{})

	for _, header := range []string{"", "Bearer not-a-token"} {
		req := httptest.NewRequest(http.MethodPost, "/api/teams/team-a/meeting/start", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%q: status = %d", header, rec.Code)
		}
		if body := decodeError(t, rec); body["code"] != CodeAuthorization {
			t.Fatalf("%q: body = %v", header, body)
		}
	}
}

func TestStartMeetingCarriesOperationID(t *testing.T) {
	fake := &fakeStore{
		getTeamMember: activeMember("user-1", "team-a"),
		getTeam:       func(string) (store.Team, error) { return lobbyTeam("team-a"), nil },
	}
	handler, bus := newTestHandler(t, fake)

	req := httptest.NewRequest(http.MethodPost, "/api/teams/team-a/meeting/start", nil)
	req.Header.Set("Authorization", bearer(t, auth.Claims{Sub: "user-1", Tms: []string{"team-a"}}))
	req.Header.Set("X-Operation-ID", "op-42")
	req.Header.Set("X-Socket-ID", "sock-9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	events := bus.of(pubsub.MeetingUpdated)
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].msg.OperationID != "op-42" || events[0].msg.MutatorID != "sock-9" {
		t.Fatalf("unexpected message ids %+v", events[0].msg)
	}
}

func TestMutationWithoutOperationIDGetsOne(t *testing.T) {
	fake := &fakeStore{
		getTeamMember: activeMember("user-1", "team-a"),
		getTeam:       func(string) (store.Team, error) { return lobbyTeam("team-a"), nil },
	}
	handler, bus := newTestHandler(t, fake)

	req := httptest.NewRequest(http.MethodPost, "/api/teams/team-a/meeting/start", nil)
	req.Header.Set("Authorization", bearer(t, auth.Claims{Sub: "user-1", Tms: []string{"team-a"}}))
	req.Header.Set("Origin", "https://app.parabol.test")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	events := bus.of(pubsub.MeetingUpdated)
	if len(events) != 1 || events[0].msg.OperationID == "" {
		t.Fatalf("expected a generated operation id, got %+v", events)
	}
	if got := rec.Header().Get("X-Operation-ID"); got != events[0].msg.OperationID {
		t.Fatalf("response operation id = %q, event carries %q", got, events[0].msg.OperationID)
	}
	if exposed := strings.ToLower(rec.Header().Get("Access-Control-Expose-Headers")); !strings.Contains(exposed, "x-operation-id") {
		t.Fatalf("operation id header not exposed to browsers: %q", exposed)
	}
}

func TestPreflightIsAnsweredWithoutToken(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://app.parabol.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, X-Operation-ID")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code >= 300 {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q", got)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, http.MethodPost) {
		t.Fatalf("allow methods = %q", methods)
	}
}

func TestCreateTaskValidationShape(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeStore{})

	body := `{"newTask": {"teamId": "team-a", "status": "someday"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body))
	req.Header.Set("Authorization", bearer(t, auth.Claims{Sub: "user-1", Tms: []string{"team-a"}}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	got := decodeError(t, rec)
	if got["code"] != CodeValidation {
		t.Fatalf("code = %v", got["code"])
	}
	details, ok := got["details"].([]any)
	if !ok || len(details) != 1 {
		t.Fatalf("details = %v", got["details"])
	}
	if field := details[0].(map[string]any)["field"]; field != "status" {
		t.Fatalf("field = %v", field)
	}
}

func TestCheckInRejectsMemberOfAnotherTeam(t *testing.T) {
	fake := &fakeStore{}
	handler, _ := newTestHandler(t, fake)

	body := `{"teamMemberId": "user-1::team-b", "isCheckedIn": true}`
	req := httptest.NewRequest(http.MethodPost, "/api/teams/team-a/checkin", strings.NewReader(body))
	req.Header.Set("Authorization", bearer(t, auth.Claims{Sub: "user-1", Tms: []string{"team-a", "team-b"}}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rec.Code)
	}
	if fake.called("SetTeamMemberCheckIn") != 0 {
		t.Fatal("check-in written for the wrong team")
	}
}

func TestUnknownRouteIsJSON(t *testing.T) {
	handler, _ := newTestHandler(t, &fakeStore{})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeError(t, rec); body["code"] != CodeNotFound {
		t.Fatalf("body = %v", body)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", stateConflict("Meeting already ended"), http.StatusConflict, CodeStateConflict},
		{"wrapped domain", fmt.Errorf("end: %w", forbidden("no")), http.StatusForbidden, CodeAuthorization},
		{"no rows", fmt.Errorf("get team: %w", sql.ErrNoRows), http.StatusNotFound, CodeNotFound},
		{"expired token", auth.ErrExpiredToken, http.StatusUnauthorized, CodeAuthorization},
		{"other", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _, _ := mapError(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("mapError() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}
