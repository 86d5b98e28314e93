package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/pkg/claudecode"
)

const hookTimeout = 5 * time.Second

type hookRegistration struct {
	matcher    *regexp.Regexp
	callbackID string
}

type turn struct {
	ctx    context.Context
	prompt string
}

// agent plays the CLI side of the stream-json protocol. The read loop owns
// control requests; turns run one at a time on a worker goroutine.
type agent struct {
	scenarios *ScenarioSet
	opts      options
	logger    *logger.Logger

	encMu sync.Mutex
	enc   *json.Encoder

	sessionID string
	hooks     []hookRegistration

	// cancelTurn is only touched by the read loop.
	cancelTurn context.CancelFunc

	mu       sync.Mutex
	pending  map[string]chan *claudecode.ControlResponse
	sequence int
}

func newAgent(out io.Writer, opts options, scenarios *ScenarioSet, log *logger.Logger) *agent {
	return &agent{
		scenarios: scenarios,
		opts:      opts,
		logger:    log,
		enc:       json.NewEncoder(out),
		sessionID: uuid.NewString(),
		pending:   make(map[string]chan *claudecode.ControlResponse),
	}
}

func (a *agent) emit(v any) {
	a.encMu.Lock()
	defer a.encMu.Unlock()
	if err := a.enc.Encode(v); err != nil {
		a.logger.Debug("write failed", zap.Error(err))
	}
}

func (a *agent) nextID(prefix string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sequence++
	return fmt.Sprintf("%s_%d", prefix, a.sequence)
}

// run reads stdin until it closes. It returns after the last turn has ended.
func (a *agent) run(ctx context.Context, in io.Reader) error {
	turns := make(chan turn, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for t := range turns {
			a.playTurn(t.ctx, t.prompt)
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			a.logger.Warn("ignoring malformed input", zap.Error(err))
			continue
		}

		switch msg.Type {
		case claudecode.MessageTypeControlRequest:
			if msg.Request != nil {
				a.handleControlRequest(msg.RequestID, msg.Request)
			}
		case claudecode.MessageTypeControlResponse:
			a.deliver(msg.Response)
		case claudecode.MessageTypeUser:
			if msg.Message == nil {
				continue
			}
			turnCtx, cancel := context.WithCancel(ctx)
			a.cancelTurn = cancel
			turns <- turn{ctx: turnCtx, prompt: promptText(msg.Message.Content)}
		}
	}

	if a.cancelTurn != nil {
		a.cancelTurn()
	}
	close(turns)
	wg.Wait()
	return scanner.Err()
}

func promptText(content claudecode.Content) string {
	var sb strings.Builder
	for _, block := range content {
		if block.Type == claudecode.BlockText {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func (a *agent) handleControlRequest(requestID string, req *incomingRequest) {
	switch req.Subtype {
	case claudecode.SubtypeInitialize:
		a.initialize(requestID, req)
	case claudecode.SubtypeInterrupt:
		if a.cancelTurn != nil {
			a.cancelTurn()
		}
		a.respond(requestID, map[string]any{})
	default:
		a.respondError(requestID, "unsupported control request: "+req.Subtype)
	}
}

func (a *agent) initialize(requestID string, req *incomingRequest) {
	if a.opts.Resume != "" {
		if _, err := uuid.Parse(a.opts.Resume); err != nil || a.scenarios.RejectResume {
			a.respondError(requestID, "No conversation found with session ID: "+a.opts.Resume)
			return
		}
		a.sessionID = a.opts.Resume
	}

	for _, m := range req.Hooks[claudecode.HookPostToolUse] {
		if len(m.HookCallbackIDs) == 0 {
			continue
		}
		re, err := regexp.Compile(m.Matcher)
		if err != nil {
			a.respondError(requestID, fmt.Sprintf("invalid hook matcher %q: %v", m.Matcher, err))
			return
		}
		a.hooks = append(a.hooks, hookRegistration{matcher: re, callbackID: m.HookCallbackIDs[0]})
	}

	a.respond(requestID, InitializeResponse{Commands: a.scenarios.Commands()})
}

func (a *agent) respond(requestID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		a.respondError(requestID, err.Error())
		return
	}
	a.emit(claudecode.ControlResponseMessage{
		Type: claudecode.MessageTypeControlResponse,
		Response: claudecode.ControlResponse{
			Subtype:   claudecode.ResponseSuccess,
			RequestID: requestID,
			Response:  data,
		},
	})
}

func (a *agent) respondError(requestID, message string) {
	a.emit(claudecode.ControlResponseMessage{
		Type: claudecode.MessageTypeControlResponse,
		Response: claudecode.ControlResponse{
			Subtype:   claudecode.ResponseError,
			RequestID: requestID,
			Error:     message,
		},
	})
}

func (a *agent) deliver(resp *claudecode.ControlResponse) {
	if resp == nil {
		return
	}
	a.mu.Lock()
	ch, ok := a.pending[resp.RequestID]
	delete(a.pending, resp.RequestID)
	a.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// playTurn runs the scenario matching prompt and always ends with a result,
// including after an interrupt.
func (a *agent) playTurn(ctx context.Context, prompt string) {
	sc := a.scenarios.Match(prompt)
	if sc == nil {
		a.emitResult(true, "error_during_execution", "no scenario matches the prompt")
		return
	}

	var reply strings.Builder
	for _, step := range sc.Steps {
		if ctx.Err() != nil {
			break
		}
		switch {
		case step.Text != "":
			text := expand(step.Text, prompt)
			a.streamText(ctx, text)
			reply.WriteString(text)
		case step.Tool != nil:
			a.runTool(ctx, step.Tool)
		case step.Sleep > 0:
			a.pause(ctx, step.Sleep)
		case step.Error != "":
			a.emitResult(true, "error_during_execution", step.Error)
			return
		}
	}

	if ctx.Err() != nil {
		a.emitResult(true, "error_during_execution", "interrupted")
		return
	}
	a.emitResult(false, "success", reply.String())
}

func (a *agent) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// streamText emits the text as word-sized deltas followed by the complete
// assistant message, the way the CLI does with --include-partial-messages.
func (a *agent) streamText(ctx context.Context, text string) {
	for _, chunk := range strings.SplitAfter(text, " ") {
		if chunk == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		a.emit(claudecode.CLIMessage{
			Type:      claudecode.MessageTypeStreamEvent,
			SessionID: a.sessionID,
			Event: &claudecode.StreamEvent{
				Type:  claudecode.EventContentDelta,
				Delta: &claudecode.Delta{Type: claudecode.DeltaText, Text: chunk},
			},
		})
		a.pause(ctx, a.opts.Delay)
	}

	a.emit(claudecode.CLIMessage{
		Type:      claudecode.MessageTypeAssistant,
		SessionID: a.sessionID,
		Message: &claudecode.Message{
			ID:      a.nextID("msg_mock"),
			Role:    "assistant",
			Content: claudecode.Content{{Type: claudecode.BlockText, Text: text}},
			Model:   a.opts.Model,
		},
	})
}

func (a *agent) runTool(ctx context.Context, tool *ToolStep) {
	toolUseID := a.nextID("toolu_mock")
	input := tool.inputJSON()

	a.emit(claudecode.CLIMessage{
		Type:      claudecode.MessageTypeAssistant,
		SessionID: a.sessionID,
		Message: &claudecode.Message{
			ID:   a.nextID("msg_mock"),
			Role: "assistant",
			Content: claudecode.Content{{
				Type:  claudecode.BlockToolUse,
				ID:    toolUseID,
				Name:  tool.Name,
				Input: input,
			}},
			Model:      a.opts.Model,
			StopReason: "tool_use",
		},
	})
	a.pause(ctx, a.opts.Delay)

	response, _ := json.Marshal(toolResponse{Output: tool.Result, IsError: tool.IsError})
	a.runHook(ctx, tool.Name, input, response)

	content, _ := json.Marshal(tool.Result)
	isError := tool.IsError
	a.emit(claudecode.CLIMessage{
		Type:      claudecode.MessageTypeUser,
		SessionID: a.sessionID,
		Message: &claudecode.Message{
			Role: "user",
			Content: claudecode.Content{{
				Type:      claudecode.BlockToolResult,
				ToolUseID: toolUseID,
				Content:   content,
				IsError:   &isError,
			}},
		},
	})
}

// runHook sends a PostToolUse hook_callback when a registered matcher accepts
// the tool, then waits for the acknowledgement.
func (a *agent) runHook(ctx context.Context, toolName string, input, response json.RawMessage) {
	callbackID := ""
	for _, h := range a.hooks {
		if h.matcher.MatchString(toolName) {
			callbackID = h.callbackID
			break
		}
	}
	if callbackID == "" {
		return
	}

	hookInput, err := json.Marshal(claudecode.HookInput{
		HookEventName: claudecode.HookPostToolUse,
		SessionID:     a.sessionID,
		ToolName:      toolName,
		ToolInput:     input,
		ToolResponse:  response,
	})
	if err != nil {
		return
	}

	requestID := a.nextID("mock_hook")
	ack := make(chan *claudecode.ControlResponse, 1)
	a.mu.Lock()
	a.pending[requestID] = ack
	a.mu.Unlock()

	a.emit(claudecode.CLIMessage{
		Type:      claudecode.MessageTypeControlRequest,
		RequestID: requestID,
		Request: &claudecode.ControlRequest{
			Subtype:    claudecode.SubtypeHookCallback,
			CallbackID: callbackID,
			Input:      hookInput,
		},
	})

	select {
	case <-ack:
	case <-ctx.Done():
	case <-time.After(hookTimeout):
		a.logger.Warn("hook callback not acknowledged", zap.String("request_id", requestID))
	}

	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()
}

func (a *agent) emitResult(isError bool, subtype, result string) {
	a.emit(claudecode.CLIMessage{
		Type:       claudecode.MessageTypeResult,
		Subtype:    subtype,
		SessionID:  a.sessionID,
		Result:     result,
		IsError:    isError,
		NumTurns:   1,
		DurationMS: 1,
	})
}
