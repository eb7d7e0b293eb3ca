package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
)

const maxResponseBytes = 1 << 20

// Config tunes the REST client.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	HealthTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 2500 * time.Millisecond
	}
	return c
}

// ValidationError reports a request that failed local validation before any
// network traffic happened.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (rule: %s)", e.Field, e.Rule)
}

// APIError reports a non-2xx backend response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// JoinRequest is the join-by-code form. The code is six alphanumeric
// characters handed out by the teacher. Age and consent ride along when
// the join flow collected them; the backend decides whether they are
// required.
type JoinRequest struct {
	Code        string `json:"code" validate:"required,len=6,alphanum"`
	DisplayName string `json:"displayName" validate:"required,min=2,max=40"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Age         int    `json:"age,omitempty" validate:"omitempty,gte=4,lte=120"`
	Consent     bool   `json:"consent,omitempty"`
}

// GroupAuthRequest authenticates a whole group from a shared device, by
// session code and group number rather than individual identity.
type GroupAuthRequest struct {
	SessionCode string `json:"sessionCode" validate:"required,len=6,alphanum"`
	GroupNumber int    `json:"groupNumber" validate:"required,gte=1,lte=99"`
}

// JoinResult is what both join flows hand back on success. Group is set
// when the backend already assigned one.
type JoinResult struct {
	Token   string
	Student domain.Student
	Session domain.Session
	Group   *domain.Group
}

// Client talks to the ClassWaves REST backend.
type Client struct {
	cfg      Config
	http     *http.Client
	validate *validator.Validate
	log      *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
	}

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout, Transport: transport},
		validate: validator.New(),
		log:      log,
	}
}

type wireStudent struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	SessionID   string `json:"sessionId"`
	Email       string `json:"email"`
	IsLeader    bool   `json:"isLeader"`
	FromRoster  bool   `json:"fromRoster"`
}

type wireSession struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type wireGroup struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LeaderID string `json:"leaderId"`
	IsReady  bool   `json:"isReady"`
	Members  []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		IsLeader bool   `json:"isLeader"`
	} `json:"members"`
}

type joinResponse struct {
	Token   string      `json:"token"`
	Student wireStudent `json:"student"`
	Session wireSession `json:"session"`
	Group   *wireGroup  `json:"group"`
}

func (r joinResponse) toResult() JoinResult {
	res := JoinResult{
		Token: r.Token,
		Student: domain.Student{
			ID:          r.Student.ID,
			DisplayName: r.Student.DisplayName,
			SessionID:   r.Student.SessionID,
			Email:       r.Student.Email,
			IsLeader:    r.Student.IsLeader,
			FromRoster:  r.Student.FromRoster,
		},
		Session: domain.Session{
			ID:     r.Session.ID,
			Title:  r.Session.Title,
			Status: domain.SessionStatus(r.Session.Status),
		},
	}
	if r.Group != nil {
		g := &domain.Group{
			ID:       r.Group.ID,
			Name:     r.Group.Name,
			LeaderID: r.Group.LeaderID,
			IsReady:  r.Group.IsReady,
		}
		for _, m := range r.Group.Members {
			g.Members = append(g.Members, domain.GroupMember{ID: m.ID, Name: m.Name, IsLeader: m.IsLeader})
		}
		res.Group = g
	}
	return res
}

// JoinByCode exchanges a session code for a student identity and token.
// The request is validated locally first; validation failures never reach
// the network.
func (c *Client) JoinByCode(ctx context.Context, req JoinRequest) (JoinResult, error) {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.Email = strings.TrimSpace(req.Email)
	if err := c.check(req); err != nil {
		return JoinResult{}, err
	}

	var resp joinResponse
	if err := c.post(ctx, "/api/v1/sessions/join", "", req, &resp); err != nil {
		return JoinResult{}, err
	}
	c.log.Info("joined session by code", "sessionId", resp.Session.ID, "studentId", resp.Student.ID)
	return resp.toResult(), nil
}

// GroupAuth signs a shared device in for a whole group, addressed by
// session code and group number.
func (c *Client) GroupAuth(ctx context.Context, req GroupAuthRequest) (JoinResult, error) {
	req.SessionCode = strings.ToUpper(strings.TrimSpace(req.SessionCode))
	if err := c.check(req); err != nil {
		return JoinResult{}, err
	}

	var resp joinResponse
	if err := c.post(ctx, "/api/v1/groups/auth", "", req, &resp); err != nil {
		return JoinResult{}, err
	}
	c.log.Info("authenticated as group", "sessionId", resp.Session.ID, "groupNumber", req.GroupNumber)
	return resp.toResult(), nil
}

// UpdateGroupStatus reports group readiness over REST, the durable
// counterpart of the realtime status update.
func (c *Client) UpdateGroupStatus(ctx context.Context, token, sessionID, groupID string, isReady bool) error {
	if sessionID == "" || groupID == "" {
		return &ValidationError{Field: "groupId", Rule: "required"}
	}
	path := fmt.Sprintf("/api/v1/sessions/%s/groups/%s/status", sessionID, groupID)
	body := struct {
		IsReady bool `json:"isReady"`
	}{IsReady: isReady}
	return c.post(ctx, path, token, body, nil)
}

// LeaveGroup detaches the student from their group server-side.
func (c *Client) LeaveGroup(ctx context.Context, token, sessionID, groupID string) error {
	if sessionID == "" || groupID == "" {
		return &ValidationError{Field: "groupId", Rule: "required"}
	}
	path := fmt.Sprintf("/api/v1/sessions/%s/groups/%s/leave", sessionID, groupID)
	return c.post(ctx, path, token, struct{}{}, nil)
}

// Health pings the backend with a short deadline. It never returns an
// error: unreachable backends map to "offline" and slow ones to
// "degraded".
func (c *Client) Health(ctx context.Context) domain.HealthStatus {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodGet, c.cfg.BaseURL+"/api/v1/health", nil)
	if err != nil {
		return domain.HealthStatus{Status: "offline", Detail: err.Error()}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		status := "offline"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "degraded"
		}
		return domain.HealthStatus{Status: status, LatencyMS: latency, Detail: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return domain.HealthStatus{Status: "degraded", LatencyMS: latency, Detail: resp.Status}
	}
	return domain.HealthStatus{Status: "ok", LatencyMS: latency}
}

func (c *Client) check(v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{Field: verrs[0].Field(), Rule: verrs[0].Tag()}
	}
	return err
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed response body: %w", err)
	}
	return nil
}

func decodeAPIError(status int, raw []byte) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error.Message != "" {
			apiErr.Code = body.Error.Code
			apiErr.Message = body.Error.Message
		} else if body.Message != "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}
