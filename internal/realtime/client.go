package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/ports"
)

var errClientClosed = errors.New("realtime client is closed")

// ConnState is the coarse transport state surfaced to the UI.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// wsConn is the slice of *websocket.Conn the transport relies on; tests
// substitute an in-memory implementation.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc opens one websocket connection to the gateway.
type DialFunc func(ctx context.Context, rawURL string, header http.Header) (wsConn, error)

func defaultDial(ctx context.Context, rawURL string, header http.Header) (wsConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("gateway dial failed: %w", err)
	}
	return conn, nil
}

// Config tunes the gateway transport.
type Config struct {
	URL            string
	MaxReconnects  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	return c
}

// Client maintains one live websocket to the session gateway and turns its
// frames into typed events. When an established connection drops it walks
// the retry schedule; when the schedule is exhausted it emits one terminal
// failure event and goes quiet. Every outbound command is a silent no-op
// while the transport is down.
type Client struct {
	cfg   Config
	log   *slog.Logger
	dial  DialFunc
	sleep SleepFunc

	events chan domain.GatewayEvent

	mu     sync.Mutex
	state  ConnState
	sock   *gatewaySocket
	token  string
	gen    int
	cancel context.CancelFunc
	closed bool
}

var _ ports.Commands = (*Client)(nil)

func NewClient(cfg Config, log *slog.Logger) *Client {
	return newClient(cfg, log, defaultDial, sleepContext)
}

func newClient(cfg Config, log *slog.Logger, dial DialFunc, sleep SleepFunc) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		log:    log,
		dial:   dial,
		sleep:  sleep,
		events: make(chan domain.GatewayEvent, 64),
	}
}

// Events is the typed event stream. The channel is never closed; consumers
// stop on their own lifecycle.
func (c *Client) Events() <-chan domain.GatewayEvent {
	return c.events
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Connect establishes the initial connection. A dial failure here is
// returned to the caller without entering the retry schedule; retries only
// guard connections that were once established. Connecting while already
// connected is a no-op.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClientClosed
	}
	if c.sock != nil {
		c.mu.Unlock()
		c.log.Debug("gateway already connected")
		return nil
	}
	c.state = StateConnecting
	c.token = token
	c.mu.Unlock()

	sock, err := c.open(ctx, token)
	if err != nil {
		c.mu.Lock()
		if c.sock == nil {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to reach the session gateway: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed || c.sock != nil {
		c.mu.Unlock()
		cancel()
		sock.discard()
		return nil
	}
	c.cancel = cancel
	c.gen++
	gen := c.gen
	c.sock = sock
	c.state = StateConnected
	c.mu.Unlock()

	sock.run()
	go c.supervise(runCtx, sock, gen)

	c.log.Info("gateway connected", "url", c.cfg.URL)
	c.emit(domain.ConnectedEvent{})
	return nil
}

// Disconnect tears the transport down deliberately. No reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	sock := c.sock
	cancel := c.cancel
	c.sock = nil
	c.cancel = nil
	c.gen++
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sock != nil {
		sock.stop()
		c.log.Info("gateway disconnected")
	}
}

// Close shuts the client down for good.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Client) open(ctx context.Context, token string) (*gatewaySocket, error) {
	endpoint, err := BuildGatewayURL(c.cfg.URL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := c.dial(dialCtx, endpoint, header)
	if err != nil {
		return nil, err
	}
	return newGatewaySocket(conn, c.cfg.PingInterval, c.log, c.emit), nil
}

// supervise waits on one socket generation and drives the retry schedule
// when it dies out from under us. A deliberate Disconnect bumps the
// generation first, which makes the supervisor exit silently.
func (c *Client) supervise(ctx context.Context, sock *gatewaySocket, gen int) {
	err := sock.wait()

	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.state = StateReconnecting
	token := c.token
	c.mu.Unlock()

	c.log.Warn("gateway connection lost", "error", err)
	c.emit(domain.DisconnectedEvent{Reason: dropReason(err)})
	c.reconnect(ctx, gen, token)
}

func (c *Client) reconnect(ctx context.Context, gen int, token string) {
	sched := retrySchedule{initial: c.cfg.InitialBackoff, max: c.cfg.MaxBackoff}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := sched.delay(attempt)
		c.log.Info("scheduling gateway reconnect", "attempt", attempt, "max", c.cfg.MaxReconnects, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return
		}

		sock, err := c.open(ctx, token)
		if err != nil {
			lastErr = err
			c.log.Warn("gateway reconnect attempt failed", "attempt", attempt, "error", err)
			if attempt < c.cfg.MaxReconnects {
				c.emit(domain.ConnectionFailedEvent{Err: err, Attempts: attempt})
			}
			continue
		}

		c.mu.Lock()
		if c.closed || c.gen != gen {
			c.mu.Unlock()
			sock.discard()
			return
		}
		c.gen++
		newGen := c.gen
		c.sock = sock
		c.state = StateConnected
		c.mu.Unlock()

		sock.run()
		go c.supervise(ctx, sock, newGen)

		c.log.Info("gateway connection restored", "attempt", attempt)
		c.emit(domain.ConnectedEvent{Resumed: true})
		return
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.log.Error("gateway reconnect attempts exhausted", "attempts", c.cfg.MaxReconnects, "error", lastErr)
	c.emit(domain.ConnectionFailedEvent{Err: lastErr, Attempts: c.cfg.MaxReconnects, Terminal: true})
}

func (c *Client) emit(evt domain.GatewayEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	default:
		c.log.Warn("dropping gateway event, consumer too slow", "event", fmt.Sprintf("%T", evt))
	}
}

func dropReason(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

func (c *Client) JoinSession(sessionID string) {
	c.sendCommand(cmdSessionJoin, sessionRefPayload{SessionID: sessionID})
}

func (c *Client) LeaveSession(sessionID string) {
	c.sendCommand(cmdSessionLeave, sessionRefPayload{SessionID: sessionID})
}

func (c *Client) JoinGroup(groupID string, sessionID string) {
	c.sendCommand(cmdGroupJoin, groupJoinPayload{GroupID: groupID, SessionID: sessionID})
}

func (c *Client) LeaveGroup(groupID string) {
	c.sendCommand(cmdGroupLeave, groupRefPayload{GroupID: groupID})
}

func (c *Client) UpdateGroupStatus(groupID string, isReady bool) {
	c.sendCommand(cmdGroupStatus, groupStatusPayload{GroupID: groupID, IsReady: isReady})
}

func (c *Client) MarkLeaderReady(sessionID string, groupID string, ready bool) {
	c.sendCommand(cmdLeaderReady, leaderReadyPayload{SessionID: sessionID, GroupID: groupID, Ready: ready})
}

func (c *Client) StartAudioStream(groupID string) {
	c.sendCommand(cmdAudioStreamStart, groupRefPayload{GroupID: groupID})
}

// SendAudioChunk forwards one captured chunk. Chunks with a mime type
// outside the gateway's allow-list are dropped before they reach the wire.
func (c *Client) SendAudioChunk(groupID string, chunk domain.AudioChunk) {
	if !mimeAllowed(chunk.MimeType) {
		c.log.Warn("dropping audio chunk with unsupported mime type", "mimeType", chunk.MimeType)
		return
	}
	c.sendCommand(cmdAudioChunk, audioChunkPayload{
		GroupID:   groupID,
		ChunkID:   chunk.ID,
		MimeType:  chunk.MimeType,
		Data:      chunk.Data,
		Timestamp: chunk.Timestamp,
		Seq:       chunk.Seq,
	})
}

func (c *Client) EndAudioStream(groupID string) {
	c.sendCommand(cmdAudioStreamEnd, groupRefPayload{GroupID: groupID})
}

func (c *Client) ReportAudioIssue(groupID string, code domain.IssueCode, detail string) {
	c.sendCommand(cmdAudioIssue, audioIssuePayload{GroupID: groupID, Code: string(code), Message: detail})
}

func (c *Client) sendCommand(name string, payload any) {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		c.log.Debug("dropping gateway command, not connected", "command", name)
		return
	}

	frame, err := encodeCommand(name, payload)
	if err != nil {
		c.log.Error("failed to encode gateway command", "command", name, "error", err)
		return
	}
	if err := sock.enqueue(frame); err != nil {
		c.log.Warn("failed to queue gateway command", "command", name, "error", err)
	}
}

// gatewaySocket owns one physical connection and its read/write loops.
type gatewaySocket struct {
	conn    wsConn
	log     *slog.Logger
	onEvent func(domain.GatewayEvent)

	pingInterval time.Duration

	send chan []byte
	done chan struct{}
	wg   sync.WaitGroup

	closeSendOnce sync.Once
	closeOnce     sync.Once

	sendMu     sync.Mutex
	sendClosed bool

	errMu sync.Mutex
	err   error
}

func newGatewaySocket(conn wsConn, pingInterval time.Duration, log *slog.Logger, onEvent func(domain.GatewayEvent)) *gatewaySocket {
	return &gatewaySocket{
		conn:         conn,
		log:          log,
		onEvent:      onEvent,
		pingInterval: pingInterval,
		send:         make(chan []byte, 32),
		done:         make(chan struct{}),
	}
}

func (s *gatewaySocket) run() {
	readWait := 2 * s.pingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	s.wg.Add(2)
	go s.readLoop(readWait)
	go s.writeLoop()
}

func (s *gatewaySocket) readLoop(readWait time.Duration) {
	defer s.wg.Done()
	defer s.closeConn()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

		name, evt, err := decodeEvent(raw)
		if err != nil {
			s.log.Warn("dropping malformed gateway frame", "error", err)
			continue
		}
		if evt == nil {
			s.log.Debug("ignoring unhandled gateway event", "event", name)
			continue
		}
		s.onEvent(evt)
	}
}

func (s *gatewaySocket) writeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				deadline := time.Now().Add(2 * time.Second)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.setErr(err)
				s.closeConn()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.setErr(err)
				s.closeConn()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *gatewaySocket) enqueue(frame []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return errors.New("gateway socket is closed")
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return errors.New("gateway send buffer is full")
	}
}

func (s *gatewaySocket) closeSend() {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.send)
		s.sendMu.Unlock()
	})
}

func (s *gatewaySocket) closeConn() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// stop closes the socket politely: drain the send queue, write a close
// frame, give the peer a moment to reply, then force the connection shut.
func (s *gatewaySocket) stop() {
	s.closeSend()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		s.closeConn()
		<-finished
	}
}

// discard releases a socket whose loops never ran.
func (s *gatewaySocket) discard() {
	s.closeSend()
	s.closeConn()
}

func (s *gatewaySocket) wait() error {
	s.wg.Wait()
	return s.Err()
}

// setErr records the first meaningful failure. Expected close codes are
// not failures.
func (s *gatewaySocket) setErr(err error) {
	if err == nil {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *gatewaySocket) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
