// Package heartbeat maintains the single outbound WebSocket a provider
// agent keeps open to the upstream platform: it advertises device
// init/delete events, replays current state after a reconnect, and
// dispatches the platform's only inbound command (cold-restarting a
// device) back into the process.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liuma-go/provider/internal/model"
)

const (
	pingInterval = 30 * time.Second
	maxBackoff   = 30 * time.Second
	// warnAfterAttempts is how many consecutive failed reconnects trigger
	// the configuration-error hint. Reconnecting itself never stops: an
	// unreachable platform is an Infrastructure error, retried forever.
	warnAfterAttempts = 30
	queueSize         = 256
)

// ColdHandler is invoked when the platform asks this agent to
// cold-restart a device. It runs in its own goroutine so a slow or
// stuck handler never blocks the read loop.
type ColdHandler func(serial string)

// Options configures a Link.
type Options struct {
	PlatformURL string // e.g. "http://platform.example.com"
	Project     string
	Owner       string
	// System labels this link's log lines ("Android" or "Apple") — one
	// Link per platform, each with its own connection to the platform.
	System string
	OnCold ColdHandler
}

// Link owns one outbound WebSocket connection and the send queue in
// front of it. The zero value is not usable; build one with New.
type Link struct {
	wsURL  string
	system string
	onCold ColdHandler

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	queue chan any

	shadowMu sync.Mutex
	shadow   map[string]any

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Link. Call Run to start connecting; it blocks until ctx
// is cancelled.
func New(opts Options) (*Link, error) {
	wsURL, err := toWebSocketURL(opts.PlatformURL, opts.Project, opts.Owner)
	if err != nil {
		return nil, err
	}
	return &Link{
		wsURL:  wsURL,
		system: opts.System,
		onCold: opts.OnCold,
		queue:  make(chan any, queueSize),
		shadow: make(map[string]any),
		closed: make(chan struct{}),
	}, nil
}

func toWebSocketURL(platformURL, project, owner string) (string, error) {
	u, err := url.Parse(platformURL)
	if err != nil {
		return "", fmt.Errorf("heartbeat: parsing platform url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket/heartbeat"
	q := u.Query()
	q.Set("project", project)
	q.Set("owner", owner)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EmitInit enqueues an {command:"init", ...} message and records it as
// serial's last-known state for reconnect replay. Satisfies
// supervisor.EventEmitter.
func (l *Link) EmitInit(serial string, endpoints model.Endpoints, properties map[string]any) {
	l.enqueue(map[string]any{
		"command":    "init",
		"serial":     serial,
		"agent":      endpoints,
		"properties": properties,
	})
}

// EmitDelete enqueues a {command:"delete", serial} message. Satisfies
// supervisor.EventEmitter.
func (l *Link) EmitDelete(serial string) {
	l.enqueue(map[string]any{
		"command": "delete",
		"serial":  serial,
	})
}

// enqueue is non-blocking: a full queue means the platform link is
// badly backed up, and a supervisor's own state transitions must never
// stall waiting on it. The message is dropped and logged instead.
func (l *Link) enqueue(msg map[string]any) {
	select {
	case l.queue <- msg:
	default:
		slog.Warn("heartbeat: send queue full, dropping message", "system", l.system, "command", msg["command"])
	}
}

// enqueueReplaySentinel queues the nil marker drainLoop recognizes as
// "resend the shadow map". Kept separate from enqueue, whose parameter
// type is map[string]any: passing nil through that parameter would box
// a non-nil interface (type map[string]any, value nil), which the
// drain loop's msg == nil check would never see as the sentinel.
func (l *Link) enqueueReplaySentinel() {
	select {
	case l.queue <- nil:
	default:
		slog.Warn("heartbeat: send queue full, dropping replay sentinel", "system", l.system)
	}
}

// Run connects, then drives the read/drain/ping loops until ctx is
// cancelled. It reconnects on its own after any disconnect and only
// returns once ctx is done.
func (l *Link) Run(ctx context.Context) {
	go l.drainLoop(ctx)
	go l.pingLoop(ctx)
	l.readLoop(ctx)
}

// readLoop owns the current connection: it (re)connects, reads frames
// until the socket closes or ctx is cancelled, and after every successful
// connect queues a replay sentinel so the drain loop resends current state.
func (l *Link) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := l.connect(ctx)
		if err != nil {
			return // ctx was cancelled while connecting
		}
		l.setConn(conn)
		slog.Info("heartbeat connected", "system", l.system)
		l.enqueueReplaySentinel()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				slog.Warn("heartbeat: connection closed, reconnecting", "system", l.system, "err", err)
				l.setConn(nil)
				conn.Close()
				break
			}
			l.handleInbound(string(data))
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Link) handleInbound(msg string) {
	slog.Debug("heartbeat: received", "system", l.system, "message", msg)
	if !strings.HasPrefix(msg, "cold@") {
		return
	}
	serial := strings.TrimPrefix(msg, "cold@")
	if l.onCold == nil {
		return
	}
	go func() {
		slog.Info("heartbeat: cold restart requested", "system", l.system, "serial", serial)
		l.onCold(serial)
	}()
}

// connect dials with exponential backoff (1s, 2s, 3s, ... capped at
// maxBackoff), logging a configuration-error hint every warnAfterAttempts
// consecutive failures without ever permanently giving up: an
// unreachable platform is an Infrastructure error, per spec, and those
// retry forever.
func (l *Link) connect(ctx context.Context) (*websocket.Conn, error) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.wsURL, nil)
		if err == nil {
			_, agentID, readErr := conn.ReadMessage()
			if readErr == nil {
				slog.Info("heartbeat: agent identifier assigned", "system", l.system, "agentId", string(agentID))
			}
			return conn, nil
		}

		attempt++
		if attempt%warnAfterAttempts == 0 {
			slog.Warn("heartbeat: platform unreachable after repeated attempts, check platform url/project/owner",
				"system", l.system, "attempts", attempt, "err", err)
		}
		backoff := time.Duration(attempt) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (l *Link) setConn(c *websocket.Conn) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.conn = c
}

func (l *Link) currentConn() *websocket.Conn {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.conn
}

// drainLoop is the queue's single consumer. A nil entry is the replay
// sentinel: every entry currently in the shadow map is resent before
// normal draining resumes, so a client never observes a newer state
// reverting to an older one, only an older one briefly reasserted.
// It keeps draining after ctx is cancelled, so Drain can flush what is
// still queued, and stops once Drain closes the link.
func (l *Link) drainLoop(ctx context.Context) {
	for {
		select {
		case <-l.closed:
			return
		case msg := <-l.queue:
			if msg == nil {
				l.replayShadow()
				continue
			}
			l.recordShadow(msg)
			l.write(msg)
		}
	}
}

func (l *Link) recordShadow(msg any) {
	m, ok := msg.(map[string]any)
	if !ok {
		return
	}
	serial, ok := m["serial"].(string)
	if !ok {
		return
	}
	l.shadowMu.Lock()
	defer l.shadowMu.Unlock()
	l.shadow[serial] = msg
}

func (l *Link) replayShadow() {
	l.shadowMu.Lock()
	values := make([]any, 0, len(l.shadow))
	for _, v := range l.shadow {
		values = append(values, v)
	}
	l.shadowMu.Unlock()

	slog.Info("heartbeat: replaying state after reconnect", "system", l.system, "count", len(values))
	for _, v := range values {
		l.write(v)
	}
}

func (l *Link) write(msg any) {
	conn := l.currentConn()
	if conn == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("heartbeat: marshaling message", "system", l.system, "err", err)
		return
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		slog.Warn("heartbeat: write failed", "system", l.system, "err", err)
	}
}

// pingLoop keeps the socket alive through NAT idle timeouts. Ping
// failures are swallowed: a dead socket is already handled by readLoop.
func (l *Link) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := l.currentConn()
			if conn == nil {
				continue
			}
			l.writeMu.Lock()
			_ = conn.WriteMessage(websocket.PingMessage, nil)
			l.writeMu.Unlock()
		}
	}
}

// Drain blocks until the send queue empties or timeout elapses,
// whichever comes first, then closes the underlying connection. Call
// this once during shutdown, after every supervisor has been cancelled
// and awaited.
func (l *Link) Drain(timeout time.Duration) {
	deadline := time.After(timeout)
drain:
	for len(l.queue) > 0 {
		select {
		case <-deadline:
			slog.Warn("heartbeat: drain deadline hit with messages still queued", "system", l.system, "remaining", len(l.queue))
			break drain
		case <-time.After(10 * time.Millisecond):
		}
	}
	l.closeOnce.Do(func() {
		close(l.closed)
		if conn := l.currentConn(); conn != nil {
			conn.Close()
		}
	})
}
