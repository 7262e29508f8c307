// Package agentclient is the Go client for the agent's loopback protocol.
// Each call opens one connection, writes one request line and consumes the
// response lines for it, transparently reassembling chunked payloads.
package agentclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"proxychat/internal/testutils"
	"proxychat/pkg/agenttypes"
)

// controlTimeout bounds the control actions (ping, list, get, reset). Chat
// streaming is bounded by the caller's context instead, since a long
// completion legitimately takes longer than any fixed deadline.
const controlTimeout = 10 * time.Second

// maxLineBytes mirrors the agent's largest single response line.
const maxLineBytes = 60000

// Client talks to one agent address.
type Client struct {
	addr string
}

// New creates a client for the agent at addr (host:port).
func New(addr string) *Client {
	return &Client{addr: addr}
}

// NewSessionID returns a fresh session identifier, deterministic when test
// mode is active.
func NewSessionID() string {
	return testutils.GenerateUUID()
}

// StreamResult is the terminal state of a completed chat stream.
type StreamResult struct {
	Model        string
	Endpoint     string
	Usage        map[string]any
	Cost         *float64
	SessionID    string
	Title        string
	MessageStats *agenttypes.MessageStats
}

// Ping checks that the agent is up.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, &agenttypes.Request{Action: agenttypes.ActionPing})
	if err != nil {
		return err
	}
	if resp.Type != agenttypes.TypePong {
		return fmt.Errorf("unexpected response type: %s", resp.Type)
	}
	return nil
}

// ListSessions returns the stored sessions, most recently updated first.
func (c *Client) ListSessions(ctx context.Context) ([]agenttypes.SessionInfo, error) {
	resp, err := c.roundTrip(ctx, &agenttypes.Request{Action: agenttypes.ActionListSessions})
	if err != nil {
		return nil, err
	}
	if resp.Type != agenttypes.TypeSessions {
		return nil, fmt.Errorf("unexpected response type: %s", resp.Type)
	}
	return resp.Sessions, nil
}

// GetSession fetches the full session, which may arrive chunked for long
// histories. An id the agent has never seen yields a fresh empty session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*agenttypes.Session, error) {
	resp, err := c.roundTrip(ctx, &agenttypes.Request{Action: agenttypes.ActionGetSession, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	if resp.Type != agenttypes.TypeSession || resp.Session == nil {
		return nil, fmt.Errorf("unexpected response type: %s", resp.Type)
	}
	return resp.Session, nil
}

// ResetSession deletes the session's current backing file. Resetting an
// unknown session succeeds.
func (c *Client) ResetSession(ctx context.Context, sessionID string) error {
	resp, err := c.roundTrip(ctx, &agenttypes.Request{Action: agenttypes.ActionResetSession, SessionID: sessionID})
	if err != nil {
		return err
	}
	if resp.Type != agenttypes.TypeOK {
		return fmt.Errorf("unexpected response type: %s", resp.Type)
	}
	return nil
}

// StreamChat sends one chat turn and invokes onChunk for every streamed
// content piece, returning the terminal result once the agent reports done.
// onChunk may be nil when the caller only wants the final state.
func (c *Client) StreamChat(ctx context.Context, request *agenttypes.Request, onChunk func(string)) (*StreamResult, error) {
	req := *request
	req.Action = agenttypes.ActionStreamChat

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if err := writeRequest(conn, &req); err != nil {
		return nil, err
	}

	reader := newResponseReader(conn)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := reader.next()
		if err != nil {
			return nil, err
		}

		switch resp.Type {
		case agenttypes.TypeChunk:
			if onChunk != nil {
				onChunk(resp.Chunk)
			}
		case agenttypes.TypeDone:
			return &StreamResult{
				Model:        resp.Model,
				Endpoint:     resp.Endpoint,
				Usage:        resp.Usage,
				Cost:         resp.Cost,
				SessionID:    resp.SessionID,
				Title:        resp.Title,
				MessageStats: resp.MessageStats,
			}, nil
		case agenttypes.TypeError:
			return nil, fmt.Errorf("agent error: %s", resp.Message)
		default:
			return nil, fmt.Errorf("unexpected response type: %s", resp.Type)
		}
	}
}

// roundTrip performs one control action under the control deadline.
func (c *Client) roundTrip(ctx context.Context, request *agenttypes.Request) (*agenttypes.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeRequest(conn, request); err != nil {
		return nil, err
	}

	resp, err := newResponseReader(conn).next()
	if err != nil {
		return nil, err
	}
	if resp.Type == agenttypes.TypeError {
		return nil, fmt.Errorf("agent error: %s", resp.Message)
	}
	return resp, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", c.addr, err)
	}
	return conn, nil
}

func writeRequest(conn net.Conn, request *agenttypes.Request) error {
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// responseReader yields logical responses, folding a chunked_start /
// chunked_part / chunked_end sequence back into the single response it
// carries.
type responseReader struct {
	scanner *bufio.Scanner
}

func newResponseReader(conn net.Conn) *responseReader {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes+4096)
	return &responseReader{scanner: scanner}
}

func (r *responseReader) next() (*agenttypes.Response, error) {
	resp, err := r.readLine()
	if err != nil {
		return nil, err
	}
	if resp.Type != agenttypes.TypeChunkedStart {
		return resp, nil
	}

	var payload strings.Builder
	for {
		part, err := r.readLine()
		if err != nil {
			return nil, err
		}
		switch part.Type {
		case agenttypes.TypeChunkedPart:
			payload.WriteString(part.Data)
		case agenttypes.TypeChunkedEnd:
			var assembled agenttypes.Response
			if err := json.Unmarshal([]byte(payload.String()), &assembled); err != nil {
				return nil, fmt.Errorf("failed to reassemble chunked %s response: %w", resp.OrigType, err)
			}
			return &assembled, nil
		default:
			return nil, fmt.Errorf("unexpected %s inside chunked sequence", part.Type)
		}
	}
}

func (r *responseReader) readLine() (*agenttypes.Response, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("connection closed by agent")
	}
	var resp agenttypes.Response
	if err := json.Unmarshal(r.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse agent response: %w", err)
	}
	return &resp, nil
}
