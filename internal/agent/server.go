// Package agent implements the loopback TCP server that desktop clients talk
// to. The protocol is newline-delimited JSON with exactly one request per
// connection: the client connects, writes one request line, reads the
// response lines for that request and the connection closes.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"proxychat/internal/accounting"
	"proxychat/internal/compact"
	"proxychat/internal/logger"
	"proxychat/internal/store"
	"proxychat/pkg/agenttypes"
)

// Request defaults applied when the corresponding field is absent.
const (
	DefaultMaxTokens = 512
	DefaultCharLimit = 12000
	DefaultKeepLastN = 8
)

// ClientProvider resolves an endpoint selector to a completion client.
// Satisfied by llm.Factory.
type ClientProvider interface {
	GetClient(endpoint string) (agenttypes.CompletionClient, error)
}

// Config carries everything the server needs besides its collaborators.
type Config struct {
	Host string
	Port int

	// DefaultModel is used when a stream_chat request names no model.
	DefaultModel string
}

// Server accepts loopback connections and dispatches protocol actions. One
// goroutine serves each connection; writes to a session are serialized by a
// per-session lock so concurrent chats against the same session id cannot
// interleave load-modify-save cycles.
type Server struct {
	config     Config
	store      *store.SessionStore
	clients    ClientProvider
	compactor  *compact.Compactor
	accountant *accounting.Accountant
	logger     *log.Logger

	listener net.Listener
	wg       sync.WaitGroup

	locksMu      sync.Mutex
	sessionLocks map[string]*sync.Mutex
}

// NewServer wires a server from its collaborators.
func NewServer(config Config, sessionStore *store.SessionStore, clients ClientProvider, prices agenttypes.PriceLookup) *Server {
	return &Server{
		config:       config,
		store:        sessionStore,
		clients:      clients,
		compactor:    compact.NewCompactor(),
		accountant:   accounting.NewAccountant(prices),
		logger:       logger.NewStyledLogger("Agent"),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// Addr returns the bound listen address, valid after Start. Useful with port
// 0 in tests.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins accepting connections in the
// background. The server stops when ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("Agent listening", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Shutdown closes the listener and waits for in-flight connections.
func (s *Server) Shutdown() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Debug("Accept loop exiting", "error", err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection reads the single request line, dispatches it and closes
// the connection. A panic in a handler is contained to its connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr().String()
	s.logger.Debug("Client connected", "peer", peer)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Connection handler panicked", "peer", peer, "panic", r)
			_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: fmt.Sprintf("%v", r)})
		}
		_ = conn.Close()
		s.logger.Debug("Client disconnected", "peer", peer)
	}()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	var request agenttypes.Request
	if err := json.Unmarshal([]byte(line), &request); err != nil {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: "Invalid JSON"})
		return
	}

	s.logger.Debug("Request received", "peer", peer, "action", request.Action)

	switch request.Action {
	case agenttypes.ActionPing:
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypePong})
	case agenttypes.ActionListSessions:
		s.handleListSessions(conn)
	case agenttypes.ActionGetSession:
		s.handleGetSession(conn, &request)
	case agenttypes.ActionResetSession:
		s.handleResetSession(conn, &request)
	case agenttypes.ActionStreamChat:
		s.handleStreamChat(ctx, conn, &request)
	default:
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: "Unknown action"})
	}
}

func (s *Server) handleListSessions(conn net.Conn) {
	sessions := s.store.List()
	if sessions == nil {
		sessions = []agenttypes.SessionInfo{}
	}
	_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeSessions, Sessions: sessions})
}

func (s *Server) handleGetSession(conn net.Conn, request *agenttypes.Request) {
	sessionID := strings.TrimSpace(request.SessionID)
	if sessionID == "" {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: "session_id is required"})
		return
	}

	session := s.store.Load(sessionID)

	// Long sessions can exceed the client's line buffer, so this response
	// goes through the chunked framing when needed.
	_ = writeJSONMaybeChunked(conn, &agenttypes.Response{Type: agenttypes.TypeSession, Session: session})
}

func (s *Server) handleResetSession(conn net.Conn, request *agenttypes.Request) {
	sessionID := strings.TrimSpace(request.SessionID)
	if sessionID == "" {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: "session_id is required"})
		return
	}

	if err := s.store.Delete(sessionID); err != nil {
		_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeError, Message: err.Error()})
		return
	}
	_ = writeJSON(conn, &agenttypes.Response{Type: agenttypes.TypeOK})
}

// lockSession returns the mutex guarding one session id, creating it on
// first use.
func (s *Server) lockSession(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.sessionLocks[sessionID] = lock
	}
	return lock
}
