package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJoinByCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/join" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Code != "ABC123" {
			t.Errorf("expected the code upper-cased, got %q", req.Code)
		}
		if req.Age != 12 || !req.Consent {
			t.Errorf("expected age and consent forwarded, got %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": "jwt-1",
			"student": map[string]any{
				"id":          "stu-1",
				"displayName": "Ada",
				"sessionId":   "sess-1",
				"isLeader":    true,
			},
			"session": map[string]any{
				"id":     "sess-1",
				"title":  "Photosynthesis Lab",
				"status": "active",
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())
	result, err := c.JoinByCode(context.Background(), JoinRequest{Code: " abc123 ", DisplayName: "Ada", Age: 12, Consent: true})
	if err != nil {
		t.Fatalf("JoinByCode failed: %v", err)
	}
	if result.Token != "jwt-1" {
		t.Fatalf("unexpected token %q", result.Token)
	}
	if !result.Student.IsLeader || result.Student.ID != "stu-1" {
		t.Fatalf("unexpected student: %+v", result.Student)
	}
	if result.Session.Status != domain.SessionActive {
		t.Fatalf("unexpected session status %q", result.Session.Status)
	}
	if result.Group != nil {
		t.Fatalf("expected no group before assignment, got %+v", result.Group)
	}
}

func TestJoinByCodeValidatesLocally(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())

	cases := map[string]JoinRequest{
		"missing code":    {DisplayName: "Ada"},
		"short code":      {Code: "AB1", DisplayName: "Ada"},
		"symbols in code": {Code: "AB-12!", DisplayName: "Ada"},
		"missing name":    {Code: "ABC123"},
		"one-letter name": {Code: "ABC123", DisplayName: "A"},
		"bad email":       {Code: "ABC123", DisplayName: "Ada", Email: "not-an-email"},
		"implausible age": {Code: "ABC123", DisplayName: "Ada", Age: 150},
	}
	for name, req := range cases {
		req := req
		t.Run(name, func(t *testing.T) {
			_, err := c.JoinByCode(context.Background(), req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected a ValidationError, got %v", err)
			}
		})
	}

	if hits.Load() != 0 {
		t.Fatalf("expected no network traffic for invalid requests, got %d", hits.Load())
	}
}

func TestJoinByCodeBackendError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"SESSION_NOT_FOUND","message":"no session with that code"}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())
	_, err := c.JoinByCode(context.Background(), JoinRequest{Code: "ABC123", DisplayName: "Ada"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected an APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "SESSION_NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestGroupAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/groups/auth" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req GroupAuthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.SessionCode != "ABC123" || req.GroupNumber != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":   "jwt-g",
			"student": map[string]any{"id": "kiosk-1", "displayName": "Group 2", "sessionId": "sess-1"},
			"session": map[string]any{"id": "sess-1", "status": "active"},
			"group": map[string]any{
				"id":       "group-2",
				"name":     "Group 2",
				"leaderId": "stu-7",
				"isReady":  true,
				"members": []map[string]any{
					{"id": "stu-7", "name": "Ada", "isLeader": true},
					{"id": "stu-8", "name": "Grace"},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())
	result, err := c.GroupAuth(context.Background(), GroupAuthRequest{SessionCode: " abc123 ", GroupNumber: 2})
	if err != nil {
		t.Fatalf("GroupAuth failed: %v", err)
	}
	if result.Token != "jwt-g" {
		t.Fatalf("unexpected token %q", result.Token)
	}
	if result.Group == nil || result.Group.ID != "group-2" || result.Group.LeaderID != "stu-7" {
		t.Fatalf("expected the assigned group, got %+v", result.Group)
	}
	if len(result.Group.Members) != 2 || !result.Group.Members[0].IsLeader {
		t.Fatalf("unexpected members: %+v", result.Group.Members)
	}

	if _, err := c.GroupAuth(context.Background(), GroupAuthRequest{GroupNumber: 2}); err == nil {
		t.Fatal("expected a validation error without a session code")
	}
}

func TestUpdateGroupStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sess-1/groups/group-1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer jwt-1" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body struct {
			IsReady bool `json:"isReady"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.IsReady {
			t.Errorf("unexpected body (err=%v, isReady=%v)", err, body.IsReady)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())
	if err := c.UpdateGroupStatus(context.Background(), "jwt-1", "sess-1", "group-1", true); err != nil {
		t.Fatalf("UpdateGroupStatus failed: %v", err)
	}

	if err := c.UpdateGroupStatus(context.Background(), "jwt-1", "", "group-1", true); err == nil {
		t.Fatal("expected a validation error without a session id")
	}
}

func TestLeaveGroup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sess-1/groups/group-1/leave" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())
	if err := c.LeaveGroup(context.Background(), "jwt-1", "sess-1", "group-1"); err != nil {
		t.Fatalf("LeaveGroup failed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())
	status := c.Health(context.Background())
	if status.Status != "ok" {
		t.Fatalf("expected ok, got %+v", status)
	}
	if status.LatencyMS < 0 {
		t.Fatalf("expected a latency reading, got %+v", status)
	}
}

func TestHealthDegradedOnSlowBackend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, HealthTimeout: 20 * time.Millisecond}, testLogger())
	status := c.Health(context.Background())
	if status.Status != "degraded" {
		t.Fatalf("expected degraded, got %+v", status)
	}
}

func TestHealthOfflineWhenUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())
	status := c.Health(context.Background())
	if status.Status != "offline" {
		t.Fatalf("expected offline, got %+v", status)
	}
}

func TestHealthDegradedOnServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, testLogger())
	status := c.Health(context.Background())
	if status.Status != "degraded" {
		t.Fatalf("expected degraded, got %+v", status)
	}
}
