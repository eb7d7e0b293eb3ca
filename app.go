package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"github.com/ClassWaves-AI/classwaves-student/internal/api"
	"github.com/ClassWaves-AI/classwaves-student/internal/bootstrap"
	"github.com/ClassWaves-AI/classwaves-student/internal/config"
	"github.com/ClassWaves-AI/classwaves-student/internal/continuity"
	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/realtime"
	"github.com/ClassWaves-AI/classwaves-student/internal/state"
	"github.com/ClassWaves-AI/classwaves-student/internal/usecase"
)

const (
	eventState         = "classwaves:state"
	eventListener      = "classwaves:listener"
	eventCountdown     = "classwaves:countdown"
	eventLevel         = "classwaves:level"
	eventTranscription = "classwaves:transcription"
	eventInsight       = "classwaves:insight"
	eventError         = "classwaves:error"
	eventRejoin        = "classwaves:rejoin"
)

// App is the Wails application root. It implements the event sink, so
// every backend component reports to the frontend through it.
type App struct {
	ctx context.Context

	cfg        config.Config
	log        *slog.Logger
	api        *api.Client
	gateway    *realtime.Client
	store      *state.Store
	controller *usecase.ListenController
	reconciler *usecase.Reconciler
	guard      *continuity.Guard

	cancelRun context.CancelFunc
	bootErr   error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.cfg = services.Config
	a.log = services.Log
	a.api = services.API
	a.gateway = services.Gateway
	a.store = services.Store
	a.controller = services.Controller
	a.reconciler = services.Reconciler
	a.guard = services.Guard

	a.store.Subscribe(a.emitState)
	a.store.Subscribe(a.trackContinuity)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	go a.reconciler.Run(runCtx)

	a.ListenerStateChanged(domain.ListenerIdle, domain.ReasonStartup)

	if offer, ok := a.guard.Resume(""); ok {
		a.RejoinOffered(offer)
	}
}

func (a *App) shutdown(ctx context.Context) {
	if a.controller != nil {
		a.controller.Shutdown()
	}
	if a.guard != nil {
		a.guard.MarkInterrupted()
	}
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.cancelRun != nil {
		a.cancelRun()
	}
	if a.reconciler != nil {
		<-a.reconciler.Done()
	}
}

// Join authenticates with a six-character session code and enters the
// session. Age and consent are optional; the backend enforces its own
// policy for them.
func (a *App) Join(code, displayName, email string, age int, consent bool) (state.Snapshot, error) {
	if err := a.requireReady(); err != nil {
		return state.Snapshot{}, err
	}
	result, err := a.api.JoinByCode(a.ctx, api.JoinRequest{
		Code:        code,
		DisplayName: displayName,
		Email:       email,
		Age:         age,
		Consent:     consent,
	})
	if err != nil {
		a.SessionError(joinErrorCode(err), err.Error())
		return state.Snapshot{}, err
	}
	return a.enterSession(result)
}

// JoinAsGroup authenticates a whole group from a shared device.
func (a *App) JoinAsGroup(sessionCode string, groupNumber int) (state.Snapshot, error) {
	if err := a.requireReady(); err != nil {
		return state.Snapshot{}, err
	}
	result, err := a.api.GroupAuth(a.ctx, api.GroupAuthRequest{
		SessionCode: sessionCode,
		GroupNumber: groupNumber,
	})
	if err != nil {
		a.SessionError(joinErrorCode(err), err.Error())
		return state.Snapshot{}, err
	}
	return a.enterSession(result)
}

// enterSession seeds the store from a join result and brings the gateway
// up. The store goes first so the connect handshake reads fresh state.
func (a *App) enterSession(result api.JoinResult) (state.Snapshot, error) {
	a.store.SetAuth(result.Token, &result.Student)
	session := result.Session
	a.store.SetSession(&session)
	a.controller.HandleSessionStatus(session.Status)
	if result.Group != nil {
		a.store.SetGroup(result.Group)
		a.controller.BindGroup(result.Group.ID)
		a.controller.HandleGroupReadiness(result.Group.IsReady)
	}

	if err := a.gateway.Connect(a.ctx, result.Token); err != nil {
		a.SessionError(domain.ErrorCodeConnection, err.Error())
		return a.store.Snapshot(), err
	}
	return a.store.Snapshot(), nil
}

// Leave exits the current session but keeps the student signed in.
func (a *App) Leave() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	snap := a.store.Snapshot()

	a.controller.HandleLeave()
	if snap.Session != nil {
		if snap.Group != nil {
			a.gateway.LeaveGroup(snap.Group.ID)
			if err := a.api.LeaveGroup(a.ctx, snap.Token, snap.Session.ID, snap.Group.ID); err != nil {
				a.log.Warn("leave group request failed", "error", err)
			}
		}
		a.gateway.LeaveSession(snap.Session.ID)
	}
	a.gateway.Disconnect()

	a.store.SetGroup(nil)
	a.store.SetSession(nil)
	a.guard.Clear()
	return nil
}

// Logout leaves the session and forgets the persisted identity.
func (a *App) Logout() error {
	if err := a.Leave(); err != nil {
		return err
	}
	a.store.Logout()
	return nil
}

// SetGroupReady reports the group's ready flag. The server decides what
// leadership means; readiness comes back through a gateway event rather
// than being applied locally.
func (a *App) SetGroupReady(ready bool) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	snap := a.store.Snapshot()
	if snap.Session == nil || snap.Group == nil {
		return fmt.Errorf("not in a group")
	}
	if err := a.api.UpdateGroupStatus(a.ctx, snap.Token, snap.Session.ID, snap.Group.ID, ready); err != nil {
		a.SessionError(joinErrorCode(err), err.Error())
		return err
	}
	if snap.Student != nil && snap.Group.LeaderID == snap.Student.ID {
		a.gateway.MarkLeaderReady(snap.Session.ID, snap.Group.ID, ready)
	}
	return nil
}

// RequestMicPermission probes the capture device so auto-capture can arm.
func (a *App) RequestMicPermission() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.RequestPermission(a.ctx)
}

// StartListening starts a manual capture span for the bound group.
func (a *App) StartListening() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.StartManual(a.ctx)
}

// StopListening stops a manual span and returns the clip for preview.
func (a *App) StopListening() (domain.CaptureClip, error) {
	if err := a.requireReady(); err != nil {
		return domain.CaptureClip{}, err
	}
	return a.controller.StopManual()
}

func (a *App) PauseListening() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Pause()
}

func (a *App) ResumeListening() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Resume()
}

// RetryCapture re-probes the device after a capture error.
func (a *App) RetryCapture() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Retry(a.ctx)
}

// StartMicCheck runs a local-only capture so the student can test levels.
func (a *App) StartMicCheck() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.StartMicCheck(a.ctx)
}

func (a *App) StopMicCheck() (domain.CaptureClip, error) {
	if err := a.requireReady(); err != nil {
		return domain.CaptureClip{}, err
	}
	return a.controller.StopMicCheck()
}

// AcceptRejoin reconnects to the restored session from a rejoin offer.
func (a *App) AcceptRejoin() (state.Snapshot, error) {
	if err := a.requireReady(); err != nil {
		return state.Snapshot{}, err
	}
	snap := a.store.Snapshot()
	if !snap.IsAuthenticated || snap.Session == nil {
		err := errors.New("no saved session to rejoin")
		a.SessionError(domain.ErrorCodeSession, err.Error())
		return snap, err
	}
	a.controller.HandleSessionStatus(snap.Session.Status)
	if snap.Group != nil {
		a.controller.BindGroup(snap.Group.ID)
		a.controller.HandleGroupReadiness(snap.Group.IsReady)
	}
	if err := a.gateway.Connect(a.ctx, snap.Token); err != nil {
		a.SessionError(domain.ErrorCodeConnection, err.Error())
		return snap, err
	}
	return a.store.Snapshot(), nil
}

// DeclineRejoin drops the saved session instead of resuming it.
func (a *App) DeclineRejoin() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	a.guard.Clear()
	a.store.SetGroup(nil)
	a.store.SetSession(nil)
	return nil
}

// GetState returns the current UI snapshot.
func (a *App) GetState() state.Snapshot {
	if a.store == nil {
		return state.Snapshot{}
	}
	return a.store.Snapshot()
}

// GetHealth reports backend reachability.
func (a *App) GetHealth() domain.HealthStatus {
	if a.api == nil {
		detail := "not initialized"
		if a.bootErr != nil {
			detail = a.bootErr.Error()
		}
		return domain.HealthStatus{Status: "offline", Detail: detail}
	}
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return a.api.Health(ctx)
}

// GroupMemberNames lists display names for the roster badge.
func (a *App) GroupMemberNames() []string {
	snap := a.GetState()
	if snap.Group == nil {
		return nil
	}
	return lo.Map(snap.Group.Members, func(m domain.GroupMember, _ int) string {
		return m.Name
	})
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"apiBaseUrl":       a.cfg.Server.APIBaseURL,
		"gatewayUrl":       a.cfg.Server.GatewayURL,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
		"filterRules":      a.cfg.Filter.RulesPath,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) emitState(snap state.Snapshot) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventState, snap)
}

// trackContinuity feeds every store change into the continuity guard so a
// crash leaves behind a fresh snapshot to offer rejoin from.
func (a *App) trackContinuity(snap state.Snapshot) {
	if snap.Session == nil {
		return
	}
	groupID := ""
	if snap.Group != nil {
		groupID = snap.Group.ID
	}
	studentID := ""
	if snap.Student != nil {
		studentID = snap.Student.ID
	}
	a.guard.Observe(snap.Session.ID, groupID, studentID, snap.Session.Status)
}

// ListenerStateChanged mirrors listener transitions into the store and UI.
func (a *App) ListenerStateChanged(state domain.ListenerState, reason domain.ListenerReason) {
	if a.store != nil {
		live := state == domain.ListenerRecording || state == domain.ListenerPaused
		a.store.SetRecording(live)
	}
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventListener, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": listenerMessage(reason),
	})
}

func (a *App) CountdownTick(remaining int) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventCountdown, map[string]int{"remaining": remaining})
}

func (a *App) LevelChanged(level int) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventLevel, map[string]int{"level": level})
}

func (a *App) TranscriptionReceived(t domain.Transcription) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventTranscription, t)
}

func (a *App) InsightReceived(in domain.Insight) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventInsight, in)
}

func (a *App) RejoinOffered(offer domain.RejoinOffer) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventRejoin, offer)
}

// SessionError emits backend errors to the UI with a suggested next step.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"action":  errorAction(code),
		"detail":  detail,
	})
}

func joinErrorCode(err error) domain.ErrorCode {
	var vErr *api.ValidationError
	if errors.As(err, &vErr) {
		return domain.ErrorCodeValidation
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return domain.ErrorCodeSession
	}
	return domain.ErrorCodeConnection
}

func listenerMessage(reason domain.ListenerReason) string {
	switch reason {
	case domain.ReasonStartup:
		return "Ready"
	case domain.ReasonCountdownStarted:
		return "Get ready, recording soon"
	case domain.ReasonCountdownCancelled:
		return "Countdown cancelled"
	case domain.ReasonCaptureStarted:
		return "Recording"
	case domain.ReasonManualStarted:
		return "Recording started"
	case domain.ReasonMicCheckStarted:
		return "Mic check running"
	case domain.ReasonCapturePaused:
		return "Recording paused"
	case domain.ReasonCaptureResumed:
		return "Recording resumed"
	case domain.ReasonCaptureStopped:
		return "Recording stopped"
	case domain.ReasonSessionPaused:
		return "Your teacher paused the session"
	case domain.ReasonSessionEnded:
		return "Session ended"
	case domain.ReasonLeftSession:
		return "You left the session"
	case domain.ReasonShutdown:
		return "Shutting down"
	case domain.ReasonPermissionDenied:
		return "Microphone permission needed"
	case domain.ReasonPermissionGranted:
		return "Microphone ready"
	case domain.ReasonPermissionRevoked:
		return "Microphone permission was revoked"
	case domain.ReasonDeviceLost:
		return "Microphone disconnected"
	case domain.ReasonStreamFailed:
		return "Audio stream failed"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermission:
		return "Microphone permission needed"
	case domain.ErrorCodeDevice:
		return "Microphone unavailable"
	case domain.ErrorCodeCapture:
		return "Recording failed"
	case domain.ErrorCodeConnection:
		return "Connection to class lost"
	case domain.ErrorCodeValidation:
		return "Check the join details"
	case domain.ErrorCodeSession:
		return "Session request failed"
	case domain.ErrorCodeAudio:
		return "Audio processing issue"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

func errorAction(code domain.ErrorCode) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Restart the app. If this keeps happening, tell your teacher."
	case domain.ErrorCodePermission:
		return "Allow microphone access in your system settings, then retry."
	case domain.ErrorCodeDevice:
		return "Check that your microphone is plugged in, then retry."
	case domain.ErrorCodeCapture:
		return "Tap retry to start recording again."
	case domain.ErrorCodeConnection:
		return "Check your internet connection and rejoin the session."
	case domain.ErrorCodeValidation:
		return "Fix the highlighted fields and try again."
	case domain.ErrorCodeSession:
		return "Try again, or ask your teacher for a new code."
	case domain.ErrorCodeAudio:
		return "Wait a moment and try again."
	default:
		return "Try again."
	}
}
