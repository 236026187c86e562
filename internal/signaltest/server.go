// Package signaltest runs a scripted SFU signaling server for tests.
package signaltest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrNoReply makes the server swallow a request without answering it.
var ErrNoReply = errors.New("signaltest: no reply")

// Handler answers one request. A returned error becomes an error payload.
type Handler func(data json.RawMessage) (any, error)

type frame struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Request is a recorded client request.
type Request struct {
	Event string
	Data  json.RawMessage
}

type serverConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *serverConn) write(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	conns    map[*serverConn]struct{}
	requests []Request
	accepted int

	http *httptest.Server
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		conns:    make(map[*serverConn]struct{}),
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/api/ws/signal", s.handleSignal)

	s.http = httptest.NewServer(r)
	return s
}

// URL returns the websocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/api/ws/signal"
}

func (s *Server) Handle(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = h
}

// Reply registers a handler that always answers with v.
func (s *Server) Reply(event string, v any) {
	s.Handle(event, func(json.RawMessage) (any, error) { return v, nil })
}

// Push sends a server event to every connected client.
func (s *Server) Push(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for _, c := range s.snapshot() {
		if err := c.write(frame{Event: event, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

// Requests returns the recorded payloads of event.
func (s *Server) Requests(event string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, r := range s.requests {
		if r.Event == event {
			out = append(out, r.Data)
		}
	}
	return out
}

// Accepted returns how many websocket connections were upgraded so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every client connection without a close handshake.
func (s *Server) DropConnections() {
	for _, c := range s.snapshot() {
		_ = c.ws.Close()
	}
}

func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

func (s *Server) snapshot() []*serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) handleSignal(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signaltest").Msg("ws upgrade")
		return
	}
	conn := &serverConn{ws: ws}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req frame
		if err := json.Unmarshal(data, &req); err != nil {
			log.Error().Err(err).Str("module", "signaltest").Msg("bad json")
			continue
		}
		go s.serve(conn, req)
	}
}

func (s *Server) serve(conn *serverConn, req frame) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{Event: req.Event, Data: req.Data})
	h, ok := s.handlers[req.Event]
	s.mu.Unlock()

	if !ok {
		_ = conn.write(frame{ID: req.ID, Error: "unknown event " + req.Event})
		return
	}
	v, err := h(req.Data)
	if errors.Is(err, ErrNoReply) {
		return
	}
	if err != nil {
		_ = conn.write(frame{ID: req.ID, Error: err.Error()})
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		_ = conn.write(frame{ID: req.ID, Error: err.Error()})
		return
	}
	_ = conn.write(frame{ID: req.ID, OK: true, Data: data})
}
