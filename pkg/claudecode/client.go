package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
)

// maxLineSize bounds a single stream-json line. Tool results with large file
// contents are the usual reason for long lines.
const maxLineSize = 10 * 1024 * 1024

// ErrClientStopped is returned for requests that cannot complete because the read loop has exited.
var ErrClientStopped = errors.New("claudecode: client stopped")

// RequestHandler answers a control request from the CLI, typically a hook
// callback, with SendControlResponse or SendControlError.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler receives every non-control line from the CLI.
type MessageHandler func(msg *CLIMessage)

// Handlers are invoked from the read loop goroutine, one line at a time.
type Handlers struct {
	Message MessageHandler
	Request RequestHandler
}

// Client speaks the CLI's stream-json protocol: newline-delimited JSON on
// the child's stdin and stdout, with request ids correlating control
// requests and their responses.
type Client struct {
	stdin    io.Writer
	stdout   io.Reader
	handlers Handlers
	logger   *logger.Logger

	writeMu sync.Mutex
	pending *correlator

	done    chan struct{}
	readErr error
}

// NewClient wires a client to the CLI's pipes. Nothing is read until Start.
func NewClient(stdin io.Writer, stdout io.Reader, handlers Handlers, log *logger.Logger) *Client {
	return &Client{
		stdin:    stdin,
		stdout:   stdout,
		handlers: handlers,
		logger:   log.WithFields(zap.String("component", "claudecode-client")),
		pending:  newCorrelator(),
		done:     make(chan struct{}),
	}
}

// Start begins reading stdout in a goroutine. Done is closed at EOF.
func (c *Client) Start() {
	go c.readLoop()
}

// Done is closed once the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop exited: io.EOF for a clean close. It is nil
// while the loop is running.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Initialize registers hooks and waits for the CLI to accept them. For a
// resumed conversation this is where an unknown session id is reported.
func (c *Client) Initialize(ctx context.Context, hooks map[string][]HookMatcher) (json.RawMessage, error) {
	resp, err := c.request(ctx, SDKControlRequestBody{Subtype: SubtypeInitialize, Hooks: hooks})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return resp.Response, nil
}

// Interrupt asks the CLI to stop the turn in progress and waits for the acknowledgement.
func (c *Client) Interrupt(ctx context.Context) error {
	if _, err := c.request(ctx, SDKControlRequestBody{Subtype: SubtypeInterrupt}); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// SendUserMessage starts a turn with content as the prompt.
func (c *Client) SendUserMessage(content string) error {
	return c.writeLine(&UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	})
}

// SendControlResponse answers a CLI control request with a success payload.
func (c *Client) SendControlResponse(requestID string, payload any) error {
	resp := ControlResponse{Subtype: ResponseSuccess, RequestID: requestID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal control response: %w", err)
		}
		resp.Response = data
	}
	return c.writeLine(&ControlResponseMessage{Type: MessageTypeControlResponse, Response: resp})
}

// SendControlError answers a CLI control request with an error.
func (c *Client) SendControlError(requestID, message string) error {
	return c.writeLine(&ControlResponseMessage{
		Type:     MessageTypeControlResponse,
		Response: ControlResponse{Subtype: ResponseError, RequestID: requestID, Error: message},
	})
}

func (c *Client) request(ctx context.Context, body SDKControlRequestBody) (*ControlResponse, error) {
	requestID := uuid.NewString()
	ch := c.pending.register(requestID)
	defer c.pending.forget(requestID)

	err := c.writeLine(&SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   body,
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("sent control request",
		zap.String("request_id", requestID),
		zap.String("subtype", body.Subtype))

	select {
	case resp := <-ch:
		if resp.Subtype == ResponseError {
			return nil, fmt.Errorf("%s rejected: %s", body.Subtype, resp.Error)
		}
		return resp, nil
	case <-c.done:
		return nil, ErrClientStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) writeLine(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := scanner.Bytes(); len(line) > 0 {
			c.dispatch(line)
		}
	}

	c.readErr = io.EOF
	if err := scanner.Err(); err != nil {
		c.readErr = err
		c.logger.Warn("read loop error", zap.Error(err))
	}
}

// dispatch routes one line. Lines that are not JSON (CLI warnings printed
// to stdout) are logged and skipped.
func (c *Client) dispatch(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("skipping non-JSON line", zap.Error(err), zap.ByteString("line", line))
		return
	}

	switch {
	case msg.Type == MessageTypeControlResponse && msg.Response != nil:
		if !c.pending.resolve(msg.Response) {
			c.logger.Debug("control response for unknown request", zap.String("request_id", msg.Response.RequestID))
		}
	case msg.Type == MessageTypeControlRequest && msg.Request != nil:
		if c.handlers.Request != nil {
			c.handlers.Request(msg.RequestID, msg.Request)
			return
		}
		c.logger.Warn("rejecting control request without a handler",
			zap.String("request_id", msg.RequestID),
			zap.String("subtype", msg.Request.Subtype))
		if err := c.SendControlError(msg.RequestID, "no handler registered"); err != nil {
			c.logger.Warn("failed to send error response", zap.Error(err))
		}
	case c.handlers.Message != nil:
		c.handlers.Message(&msg)
	}
}

// correlator matches control responses to the requests waiting on them.
type correlator struct {
	mu      sync.Mutex
	waiters map[string]chan *ControlResponse
}

func newCorrelator() *correlator {
	return &correlator{waiters: make(map[string]chan *ControlResponse)}
}

func (p *correlator) register(id string) <-chan *ControlResponse {
	ch := make(chan *ControlResponse, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *correlator) forget(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve delivers resp to its waiter, reporting false if nobody is waiting.
func (p *correlator) resolve(resp *ControlResponse) bool {
	p.mu.Lock()
	ch, ok := p.waiters[resp.RequestID]
	delete(p.waiters, resp.RequestID)
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
	return ok
}
