package apitest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// CloseReauthenticate is the close code asking clients to re-authenticate.
const CloseReauthenticate websocket.StatusCode = 4001

const handshakeTimeout = 5 * time.Second

type frame struct {
	Type  string          `json:"type"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handshake is one received auth frame.
type Handshake struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	AccountID    string `json:"accountId"`
	ClientID     string `json:"-"`
	Accepted     bool   `json:"-"`
}

type realtimeHub struct {
	server *Server

	mu         sync.Mutex
	conns      map[*websocket.Conn]string
	handshakes []Handshake
	requests   []string
	rejectNext int
	onRequest  func(event string)
}

func newRealtimeHub(s *Server) *realtimeHub {
	return &realtimeHub{
		server: s,
		conns:  make(map[*websocket.Conn]string),
	}
}

func (h *realtimeHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx := r.Context()
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	var auth frame
	err = wsjson.Read(hctx, conn, &auth)
	cancel()
	if err != nil || auth.Type != "auth" {
		_ = conn.Close(websocket.StatusPolicyViolation, "auth frame expected")
		return
	}

	var hs Handshake
	if err := json.Unmarshal(auth.Data, &hs); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "bad auth payload")
		return
	}
	hs.ClientID = r.Header.Get("X-Client-ID")

	h.mu.Lock()
	reject := h.rejectNext > 0
	if reject {
		h.rejectNext--
	}
	h.mu.Unlock()

	if !reject {
		if _, err := h.server.verifyAccessToken(hs.Token); err != nil {
			reject = true
		}
	}
	hs.Accepted = !reject

	h.mu.Lock()
	h.handshakes = append(h.handshakes, hs)
	h.mu.Unlock()

	if reject {
		_ = conn.Close(CloseReauthenticate, "reauthenticate")
		return
	}
	if err := wsjson.Write(ctx, conn, frame{Type: "ready"}); err != nil {
		return
	}

	h.mu.Lock()
	h.conns[conn] = hs.AccountID
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	for {
		var msg frame
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if msg.Type != "request" {
			continue
		}
		h.mu.Lock()
		h.requests = append(h.requests, msg.Event)
		fn := h.onRequest
		h.mu.Unlock()
		if fn != nil {
			fn(msg.Event)
		}
	}
}

func (h *realtimeHub) snapshot() []*websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *realtimeHub) closeAll() {
	for _, c := range h.snapshot() {
		_ = c.CloseNow()
	}
}

// Push sends a push frame to every connected client.
func (s *Server) Push(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic("apitest: encoding push: " + err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	for _, c := range s.realtime.snapshot() {
		_ = wsjson.Write(ctx, c, frame{Type: "push", Event: event, Data: raw})
	}
}

// DisconnectAll closes every realtime connection with code.
func (s *Server) DisconnectAll(code websocket.StatusCode, reason string) {
	for _, c := range s.realtime.snapshot() {
		_ = c.Close(code, reason)
	}
}

// RejectNextHandshakes closes the next n handshakes with
// CloseReauthenticate regardless of the token.
func (s *Server) RejectNextHandshakes(n int) {
	s.realtime.mu.Lock()
	defer s.realtime.mu.Unlock()
	s.realtime.rejectNext = n
}

// OnRequest registers fn to run for every client request frame.
func (s *Server) OnRequest(fn func(event string)) {
	s.realtime.mu.Lock()
	defer s.realtime.mu.Unlock()
	s.realtime.onRequest = fn
}

// Handshakes returns every received handshake in order.
func (s *Server) Handshakes() []Handshake {
	s.realtime.mu.Lock()
	defer s.realtime.mu.Unlock()
	return append([]Handshake(nil), s.realtime.handshakes...)
}

// Requests returns every received request event in order.
func (s *Server) Requests() []string {
	s.realtime.mu.Lock()
	defer s.realtime.mu.Unlock()
	return append([]string(nil), s.realtime.requests...)
}

// Connections returns the number of live realtime connections.
func (s *Server) Connections() int {
	s.realtime.mu.Lock()
	defer s.realtime.mu.Unlock()
	return len(s.realtime.conns)
}
