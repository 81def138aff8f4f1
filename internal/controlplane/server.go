// Package controlplane implements the HTTP+WebSocket control surface
// (C11): a read-only state snapshot, a live WebSocket event stream,
// and a typed command endpoint, all Bearer-authenticated and redacted
// on the wire.
package controlplane

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/ralphd/internal/eventbus"
	metrics "github.com/itskum47/ralphd/internal/observability"
	"github.com/itskum47/ralphd/internal/redact"
)

const (
	defaultReplayLast = 50
	maxReplayLast     = 1000
)

// SnapshotProvider returns the current state snapshot. Its shape is
// opaque to the server — whatever the scheduler assembles is passed
// through the Redactor verbatim.
type SnapshotProvider func(ctx context.Context) (any, error)

// CommandError is a typed 4xx/5xx command failure.
type CommandError struct {
	Status  int
	Code    string
	Message string
}

func (e *CommandError) Error() string { return e.Message }

// CommandHandler processes one POST /v1/commands/<name> body and
// reports whether the command was applied synchronously (ok) or only
// accepted for later processing (202 accepted).
type CommandHandler func(ctx context.Context, body json.RawMessage) (payload map[string]any, accepted bool, err *CommandError)

// Config holds the server's auth token and stream defaults.
type Config struct {
	Token                   string
	ExposeRawOpencodeEvents bool
	DefaultReplayLast       int
	MaxReplayLast           int
	HomeDir                 string // passed to redact.Options for path scrubbing
}

// Server is the HTTP handler bundling all C11 routes.
type Server struct {
	bus      *eventbus.Bus
	snapshot SnapshotProvider
	cfg      Config
	mux      *http.ServeMux

	handlers map[string]CommandHandler
	upgrader websocket.Upgrader
}

// New builds a Server. Register commands with RegisterCommand before
// calling Handler.
func New(bus *eventbus.Bus, snapshot SnapshotProvider, cfg Config) *Server {
	if cfg.DefaultReplayLast <= 0 {
		cfg.DefaultReplayLast = defaultReplayLast
	}
	if cfg.MaxReplayLast <= 0 {
		cfg.MaxReplayLast = maxReplayLast
	}
	s := &Server{
		bus:      bus,
		snapshot: snapshot,
		cfg:      cfg,
		handlers: make(map[string]CommandHandler),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /v1/state", s.withBearerAuth(s.handleState))
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("POST /v1/commands/", s.withBearerAuth(s.handleCommand))
	s.mux.HandleFunc("GET /healthz", s.withBearerAuth(s.handleHealthz))
	return s
}

// RegisterCommand wires name (e.g. "pause", "message/enqueue") to h.
func (s *Server) RegisterCommand(name string, h CommandHandler) {
	s.handlers[name] = h
}

// Handler returns the composed http.Handler for all C11 routes.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) withBearerAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if !constantTimeEqual(token, s.cfg.Token) {
			writeUnauthorized(w, s.cfg.HomeDir)
			return
		}
		next(w, r)
	}
}

func writeUnauthorized(w http.ResponseWriter, homeDir string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSONError(w, homeDir, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	if b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, s.cfg.HomeDir, http.StatusInternalServerError, "snapshot_unavailable", err.Error())
		return
	}
	writeJSON(w, s.cfg.HomeDir, http.StatusOK, snap)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg.HomeDir, http.StatusOK, map[string]any{"ok": true})
}

// handleEvents authenticates via Bearer header, the
// "ralph.bearer.<token>" WebSocket subprotocol, or ?access_token=,
// then upgrades and streams redacted events in publish order.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	var subprotocol string
	if token == "" {
		for _, p := range websocket.Subprotocols(r) {
			if strings.HasPrefix(p, "ralph.bearer.") {
				token = strings.TrimPrefix(p, "ralph.bearer.")
				subprotocol = p
				break
			}
		}
	}
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if !constantTimeEqual(token, s.cfg.Token) {
		writeUnauthorized(w, s.cfg.HomeDir)
		return
	}

	replayLast := s.cfg.DefaultReplayLast
	if q := r.URL.Query().Get("replayLast"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			replayLast = n
		}
	}
	replayLast = clamp(replayLast, 0, s.cfg.MaxReplayLast)

	var upgradeHeader http.Header
	if subprotocol != "" {
		upgradeHeader = http.Header{"Sec-WebSocket-Protocol": []string{subprotocol}}
	}
	conn, err := s.upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.ControlPlaneActiveStreams.Inc()
	defer metrics.ControlPlaneActiveStreams.Dec()

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() { close(done) })
	}
	defer closeDone()

	unsub := s.bus.Subscribe(func(e eventbus.Event) {
		if e.Type == eventbus.TypeLogOpencodeEvent && !s.cfg.ExposeRawOpencodeEvents {
			return
		}
		raw, err := json.Marshal(e)
		if err != nil {
			return
		}
		redacted := redact.Text(string(raw), redact.Options{HomeDir: s.cfg.HomeDir})
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if werr := conn.WriteMessage(websocket.TextMessage, []byte(redacted)); werr != nil {
			closeDone()
		}
	}, replayLast)
	defer unsub()

	// Server-push only: drain and discard client messages until the
	// connection closes, so the read pump detects disconnects promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeDone()
				return
			}
		}
	}()

	<-done
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/v1/commands/")
	name = strings.Trim(name, "/")
	if name == "" {
		writeJSONError(w, s.cfg.HomeDir, http.StatusNotFound, "unknown_command", "no command name given")
		return
	}

	handler, ok := s.handlers[name]
	if !ok {
		if name == "message/interrupt" {
			writeJSONError(w, s.cfg.HomeDir, http.StatusNotImplemented, "not_implemented", "message/interrupt has no registered handler")
			return
		}
		writeJSONError(w, s.cfg.HomeDir, http.StatusNotFound, "unknown_command", "unsupported command: "+name)
		return
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeJSONError(w, s.cfg.HomeDir, http.StatusUnsupportedMediaType, "unsupported_media_type", "request body must be application/json")
		metrics.ControlPlaneCommandTotal.WithLabelValues(name, "error").Inc()
		return
	}

	body, err := readBody(r)
	if err != nil {
		writeJSONError(w, s.cfg.HomeDir, http.StatusBadRequest, "invalid_body", err.Error())
		metrics.ControlPlaneCommandTotal.WithLabelValues(name, "error").Inc()
		return
	}

	payload, accepted, cmdErr := handler(r.Context(), body)
	if cmdErr != nil {
		writeJSONError(w, s.cfg.HomeDir, cmdErr.Status, cmdErr.Code, cmdErr.Message)
		metrics.ControlPlaneCommandTotal.WithLabelValues(name, "error").Inc()
		return
	}
	out := map[string]any{}
	for k, v := range payload {
		out[k] = v
	}
	status := http.StatusOK
	outcome := "ok"
	if accepted {
		status = http.StatusAccepted
		outcome = "accepted"
		out["accepted"] = true
	} else {
		out["ok"] = true
	}
	metrics.ControlPlaneCommandTotal.WithLabelValues(name, outcome).Inc()
	writeJSON(w, s.cfg.HomeDir, status, out)
}

func readBody(r *http.Request) (json.RawMessage, error) {
	defer r.Body.Close()
	var raw json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, homeDir string, status int, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	redacted := redact.Text(string(raw), redact.Options{HomeDir: homeDir})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(redacted))
}

func writeJSONError(w http.ResponseWriter, homeDir string, status int, code, message string) {
	writeJSON(w, homeDir, status, map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
