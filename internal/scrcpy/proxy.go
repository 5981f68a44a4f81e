package scrcpy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inputCommand is the wire shape accepted by the proxy's input route.
// Fields are fractions in [0,1] except DistanceX/Y (scroll units, raw),
// UnitPixels (swipe step size), and DurationMS (swipe duration).
type inputCommand struct {
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	EndX       float64 `json:"endX"`
	EndY       float64 `json:"endY"`
	TouchID    int64   `json:"touchId"`
	Action     string  `json:"action"`
	DistanceX  int32   `json:"distanceX"`
	DistanceY  int32   `json:"distanceY"`
	UnitPixels float64 `json:"unitPixels"`
	DurationMS int64   `json:"durationMs"`
}

// Proxy fronts one device's Client behind a local HTTP server: a
// WebSocket route streams video frames to every connected subscriber,
// and a plain HTTP route accepts JSON input commands.
type Proxy struct {
	client *Client
	ln     net.Listener
	srv    *http.Server
}

// ServeProxy binds port and starts serving immediately in the
// background. Stop with Close.
func ServeProxy(port int, client *Client) (*Proxy, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("scrcpy: binding proxy port %d: %w", port, err)
	}

	p := &Proxy{client: client, ln: ln}
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", p.handleStream)
	mux.HandleFunc("/input", p.handleInput)
	p.srv = &http.Server{Handler: mux}

	go func() {
		if err := p.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("scrcpy: proxy server stopped", "err", err)
		}
	}()
	return p, nil
}

// Addr is the proxy's bound local address.
func (p *Proxy) Addr() net.Addr { return p.ln.Addr() }

func (p *Proxy) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("scrcpy: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	frames := make(chan []byte, 64)
	p.client.Subscribe(id, frames)
	defer p.client.Unsubscribe(id)

	for frame := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
	}
}

func (p *Proxy) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cmd inputCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var err error
	switch cmd.Type {
	case "touch":
		err = p.client.InjectTouch(cmd.X, cmd.Y, touchActionFromString(cmd.Action), cmd.TouchID)
	case "scroll":
		err = p.client.InjectScroll(cmd.X, cmd.Y, cmd.DistanceX, cmd.DistanceY)
	case "swipe":
		unit := cmd.UnitPixels
		if unit <= 0 {
			unit = 10
		}
		err = p.client.Swipe(cmd.X, cmd.Y, cmd.EndX, cmd.EndY, unit, time.Duration(cmd.DurationMS)*time.Millisecond)
	default:
		http.Error(w, "unknown input type", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func touchActionFromString(s string) int {
	switch s {
	case "up":
		return actionUp
	case "move":
		return actionMove
	default:
		return actionDown
	}
}

// Stop closes the listener at once, then waits up to 2s for in-flight
// HTTP requests to finish; hijacked WebSocket connections are not waited
// for. Satisfies
// model.ChildProcess so the supervisor can drain it like any other
// helper process.
func (p *Proxy) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.srv.Shutdown(ctx)
}
