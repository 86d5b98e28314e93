// Package acp implements backend handles over the Agent Client Protocol.
package acp

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
)

// errUnsupported answers the filesystem and terminal requests: chat sessions
// only reach the outside world through the agent's own tools.
var errUnsupported = errors.New("not supported by agentchat")

const permissionRejectOnce = acp.PermissionOptionKind("reject_once")

// UpdateHandler receives the session/update notifications of one session.
type UpdateHandler func(notification acp.SessionNotification)

// ToolPolicy decides permission requests. An empty allow-list allows every
// tool; otherwise a tool is allowed when its kind or title starts with an
// entry, the same prefix semantics the Claude backend's --allowedTools has.
type ToolPolicy struct {
	Allowed []string
}

func (p ToolPolicy) allows(kind, title string) bool {
	if len(p.Allowed) == 0 {
		return true
	}
	for _, a := range p.Allowed {
		if a == "" {
			continue
		}
		if strings.HasPrefix(kind, a) || strings.HasPrefix(title, a) {
			return true
		}
	}
	return false
}

// Client is the acp.Client side of one agent connection. Updates are
// dropped until the handle that owns the session attaches.
type Client struct {
	policy  ToolPolicy
	updates atomic.Pointer[UpdateHandler]
	logger  *logger.Logger
}

// NewClient creates a client that answers permission requests with policy.
func NewClient(policy ToolPolicy, log *logger.Logger) *Client {
	return &Client{
		policy: policy,
		logger: log.WithFields(zap.String("component", "acp-client")),
	}
}

// Attach routes future session updates to h.
func (c *Client) Attach(h UpdateHandler) {
	c.updates.Store(&h)
}

// RequestPermission picks an allow option for permitted tools and a reject
// option otherwise. With no usable option the request is cancelled.
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	var kind, title string
	if p.ToolCall.Kind != nil {
		kind = string(*p.ToolCall.Kind)
	}
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	allowed := c.policy.allows(kind, title)

	option := pickOption(p.Options, allowed)
	log := c.logger.WithFields(
		zap.String("tool_call_id", string(p.ToolCall.ToolCallId)),
		zap.String("tool_kind", kind),
		zap.Bool("allowed", allowed))
	if option == nil {
		log.Warn("no matching permission option, cancelling request")
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	log.Debug("answered permission request", zap.String("option_id", string(option.OptionId)))
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: option.OptionId},
		},
	}, nil
}

func pickOption(options []acp.PermissionOption, allow bool) *acp.PermissionOption {
	for i := range options {
		k := options[i].Kind
		isAllow := k == acp.PermissionOptionKindAllowOnce || k == acp.PermissionOptionKindAllowAlways
		if isAllow == allow && (allow || k == permissionRejectOnce) {
			return &options[i]
		}
	}
	if !allow {
		// Any non-allow option rejects; prefer reject_once above so "always"
		// decisions are never made on the user's behalf.
		for i := range options {
			k := options[i].Kind
			if k != acp.PermissionOptionKindAllowOnce && k != acp.PermissionOptionKindAllowAlways {
				return &options[i]
			}
		}
	}
	return nil
}

// SessionUpdate forwards the notification to the attached handle.
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	if h := c.updates.Load(); h != nil {
		(*h)(n)
		return nil
	}
	c.logger.Debug("dropping update before handle attached", zap.String("acp_session_id", string(n.SessionId)))
	return nil
}

func (c *Client) ReadTextFile(context.Context, acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, errUnsupported
}

func (c *Client) WriteTextFile(context.Context, acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, errUnsupported
}

func (c *Client) CreateTerminal(context.Context, acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, errUnsupported
}

func (c *Client) KillTerminalCommand(context.Context, acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, errUnsupported
}

func (c *Client) TerminalOutput(context.Context, acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, errUnsupported
}

func (c *Client) ReleaseTerminal(context.Context, acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, errUnsupported
}

func (c *Client) WaitForTerminalExit(context.Context, acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, errUnsupported
}

var _ acp.Client = (*Client)(nil)
