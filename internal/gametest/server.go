package gametest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteelephant/client/internal/transport"
	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventHandler answers one inbound envelope on the server side.
type EventHandler func(conn *ServerConn, envelope transport.Envelope)

// JoinRequest is the decoded joinRoom payload.
type JoinRequest struct {
	UserID    int64  `json:"userId"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// JoinReply is the joinRoomResponse payload.
type JoinReply struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Logger *zap.Logger
	// EchoRequestID copies the joinRoom requestId into the reply. Off by default:
	// the game server answers with success and message only.
	EchoRequestID bool
}

// Server is a scripted game server: the lobby HTTP routes plus a websocket endpoint.
type Server struct {
	httpServer *httptest.Server
	logger     *zap.Logger
	echoID     bool

	mu             sync.Mutex
	refuse         bool
	conns          map[*ServerConn]struct{}
	received       []transport.Envelope
	receivedSignal chan struct{}
	handlers       map[string]EventHandler
	joinReply      func(JoinRequest) JoinReply
	state          json.RawMessage
	users          map[int64]string
	rooms          map[string]*lobbyRoom
	nextUserID     int64
	nextRoom       int
}

type lobbyRoom struct {
	code    string
	ownerID int64
	members map[int64]struct{}
}

// NewServer starts a server on a loopback listener. Callers must Close it.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		logger:         logger,
		echoID:         cfg.EchoRequestID,
		conns:          make(map[*ServerConn]struct{}),
		receivedSignal: make(chan struct{}, 1),
		handlers:       make(map[string]EventHandler),
		users:          make(map[int64]string),
		rooms:          make(map[string]*lobbyRoom),
		state:          json.RawMessage(`{}`),
	}
	server.joinReply = func(JoinRequest) JoinReply { return JoinReply{Success: true} }
	server.installDefaults()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	router.POST("/users/add-user", server.handleAddUser)
	router.POST("/rooms/create", server.handleCreateRoom)
	router.POST("/rooms/join", server.handleJoinRoom)
	router.GET("/rooms/:code", server.handleRoomInfo)
	router.GET("/ws", server.handleWebSocket)

	server.httpServer = httptest.NewServer(router)
	return server
}

// URL is the base URL of the lobby API.
func (s *Server) URL() string {
	return s.httpServer.URL
}

// WSURL is the websocket endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpServer.URL, "http") + "/ws"
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	s.DropAll()
	s.httpServer.Close()
}

// Handle replaces the handler for event.
func (s *Server) Handle(event string, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = handler
}

// ReplyToJoins decides the joinRoomResponse for every later joinRoom.
func (s *Server) ReplyToJoins(reply func(JoinRequest) JoinReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinReply = reply
}

// SetState sets the snapshot served on getGameState.
func (s *Server) SetState(snapshot any) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = data
}

// PushState broadcasts the current snapshot as an unsolicited gameStateUpdate.
func (s *Server) PushState() {
	s.Broadcast(transport.EventGameStateUpdate, s.stateUpdate())
}

// Broadcast sends event to every open connection.
func (s *Server) Broadcast(event string, payload any) {
	for _, conn := range s.connections() {
		if err := conn.Send(event, payload); err != nil {
			s.logger.Debug("broadcast skipped", zap.String("event", event), zap.Error(err))
		}
	}
}

// Refuse makes the websocket route reject upgrades while refuse is true.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = refuse
}

// DropAll closes every open connection without a close handshake.
func (s *Server) DropAll() {
	for _, conn := range s.connections() {
		conn.Drop()
	}
}

// Connections reports the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Received returns inbound envelopes for event, or all of them when event is empty.
func (s *Server) Received(event string) []transport.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.Envelope, 0, len(s.received))
	for _, envelope := range s.received {
		if event == "" || envelope.Event == event {
			out = append(out, envelope)
		}
	}
	return out
}

// WaitReceived blocks until at least n envelopes for event have arrived.
func (s *Server) WaitReceived(t testing.TB, event string, n int, within time.Duration) []transport.Envelope {
	t.Helper()
	deadline := time.After(within)
	for {
		if received := s.Received(event); len(received) >= n {
			return received
		}
		select {
		case <-s.receivedSignal:
		case <-deadline:
			t.Fatalf("timed out waiting for %d %q messages, have %d", n, event, len(s.Received(event)))
			return nil
		}
	}
}

// WaitConnections blocks until exactly n connections are open.
func (s *Server) WaitConnections(t testing.TB, n int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for s.Connections() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d connections, have %d", n, s.Connections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) installDefaults() {
	s.handlers[transport.EventJoinRoom] = func(conn *ServerConn, envelope transport.Envelope) {
		var request JoinRequest
		if err := json.Unmarshal(envelope.Data, &request); err != nil {
			_ = conn.Send(transport.EventJoinRoomResponse, JoinReply{Message: "malformed join"})
			return
		}
		s.mu.Lock()
		decide := s.joinReply
		s.mu.Unlock()
		reply := decide(request)
		if s.echoID {
			reply.RequestID = request.RequestID
		}
		_ = conn.Send(transport.EventJoinRoomResponse, reply)
		if reply.Success {
			s.Broadcast(transport.EventParticipantCount, map[string]int{"count": s.Connections()})
		}
	}
	s.handlers[transport.EventGetGameState] = func(conn *ServerConn, _ transport.Envelope) {
		_ = conn.Send(transport.EventGameStateUpdate, s.stateUpdate())
	}
	accept := func(conn *ServerConn, envelope transport.Envelope) {
		_ = conn.Ack(envelope, map[string]bool{"success": true})
	}
	for _, event := range []string{
		transport.EventAddGift,
		transport.EventCheckIn,
		transport.EventStartChecking,
		transport.EventStartGame,
		transport.EventPickGift,
		transport.EventStealGift,
	} {
		s.handlers[event] = accept
	}
}

func (s *Server) stateUpdate() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"success": true, "gameState": s.state}
}

func (s *Server) connections() []*ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ServerConn, 0, len(s.conns))
	for conn := range s.conns {
		out = append(out, conn)
	}
	return out
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "unavailable"})
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(1 << 20)
	conn := &ServerConn{ws: ws}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = ws.CloseNow()
	}()

	ctx := c.Request.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var envelope transport.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			s.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		s.record(envelope)

		s.mu.Lock()
		handler := s.handlers[envelope.Event]
		s.mu.Unlock()
		if handler != nil {
			handler(conn, envelope)
		}
	}
}

func (s *Server) record(envelope transport.Envelope) {
	s.mu.Lock()
	s.received = append(s.received, envelope)
	s.mu.Unlock()
	select {
	case s.receivedSignal <- struct{}{}:
	default:
	}
}

type addUserRequest struct {
	Name string `json:"name"`
}

type userResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type roomRequest struct {
	UserID int64  `json:"userId"`
	Code   string `json:"code"`
}

func (s *Server) handleAddUser(c *gin.Context) {
	var request addUserRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "name is required"})
		return
	}
	s.mu.Lock()
	s.nextUserID++
	id := s.nextUserID
	s.users[id] = request.Name
	s.mu.Unlock()
	c.JSON(http.StatusCreated, userResponse{ID: id, Name: request.Name})
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	var request roomRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "userId is required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[request.UserID]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "User not found"})
		return
	}
	s.nextRoom++
	code := fmt.Sprintf("ROOM%02d", s.nextRoom)
	s.rooms[code] = &lobbyRoom{
		code:    code,
		ownerID: request.UserID,
		members: map[int64]struct{}{request.UserID: {}},
	}
	c.JSON(http.StatusCreated, gin.H{"code": code})
}

func (s *Server) handleJoinRoom(c *gin.Context) {
	var request roomRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID <= 0 || request.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "userId and code are required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[request.Code]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Room not found"})
		return
	}
	room.members[request.UserID] = struct{}{}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Joined room"})
}

func (s *Server) handleRoomInfo(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[c.Param("code")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":             room.code,
		"ownerId":          room.ownerID,
		"participantCount": len(room.members),
	})
}

// ServerConn is the server side of one websocket connection.
type ServerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Send writes an event to the client.
func (c *ServerConn) Send(event string, payload any) error {
	envelope, err := transport.NewEnvelope(event, payload, 0)
	if err != nil {
		return err
	}
	return c.write(envelope)
}

// Ack answers request with payload.
func (c *ServerConn) Ack(request transport.Envelope, payload any) error {
	if request.Ack == 0 {
		return errors.New("gametest: request carries no ack id")
	}
	envelope, err := transport.NewEnvelope(transport.EventAck, payload, request.Ack)
	if err != nil {
		return err
	}
	return c.write(envelope)
}

// Drop terminates the connection abruptly.
func (c *ServerConn) Drop() {
	_ = c.ws.CloseNow()
}

func (c *ServerConn) write(envelope transport.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
