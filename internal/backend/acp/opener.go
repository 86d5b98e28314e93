package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/backend/process"
	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
)

const (
	clientName    = "agentchat"
	clientVersion = "1.0.0"
	stopGrace     = 5 * time.Second
)

// Opener launches one ACP agent process per session.
type Opener struct {
	cfg    config.BackendConfig
	logger *logger.Logger
}

// NewOpener creates an Opener.
func NewOpener(cfg config.BackendConfig, log *logger.Logger) *Opener {
	return &Opener{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "acp-opener")),
	}
}

// Open starts the agent, runs the ACP handshake and creates or loads a session.
// Loading requires the agent's loadSession capability; without it, or when the
// agent rejects the id, Open returns ErrResumeFailed.
func (o *Opener) Open(ctx context.Context, opts backend.OpenOptions) (backend.Handle, error) {
	proc, err := process.Start(ctx, process.Spec{
		Args:    process.Cmd(o.cfg.Command).Flag(o.cfg.Args...).Build(),
		WorkDir: o.cfg.WorkDir,
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrConnectionFailed, err)
	}

	client := NewClient(ToolPolicy{Allowed: o.cfg.AllowedTools}, o.logger)
	conn := acp.NewClientSideConnection(client, proc.Stdin(), proc.Stdout())

	initCtx, cancel := context.WithTimeout(ctx, o.cfg.InitTimeoutDuration())
	defer cancel()

	sessionID, err := o.setup(initCtx, conn, opts.ResumeToken)
	if err != nil {
		o.logger.Warn("acp setup failed",
			zap.String("session_id", opts.SessionID),
			zap.String("detail", proc.Describe()),
			zap.Error(err))
		proc.Stop(stopGrace)
		return nil, err
	}

	h := NewHandle(conn, sessionID, HandleConfig{
		SessionID:    opts.SessionID,
		OnToolResult: opts.OnToolResult,
		OnClose:      func() { proc.Stop(stopGrace) },
	}, o.logger)
	client.Attach(h.HandleUpdate)
	return h, nil
}

func (o *Opener) setup(ctx context.Context, conn *acp.ClientSideConnection, resumeToken string) (acp.SessionId, error) {
	resp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: initialize: %v", backend.ErrConnectionFailed, err)
	}

	if resumeToken != "" {
		if !resp.AgentCapabilities.LoadSession {
			return "", fmt.Errorf("%w: agent does not support session loading", backend.ErrResumeFailed)
		}
		if _, err := conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId:  acp.SessionId(resumeToken),
			Cwd:        o.cwd(),
			McpServers: []acp.McpServer{},
		}); err != nil {
			return "", fmt.Errorf("%w: load session %s: %v", backend.ErrResumeFailed, resumeToken, err)
		}
		o.logger.Info("loaded acp session", zap.String("acp_session_id", resumeToken))
		return acp.SessionId(resumeToken), nil
	}

	sess, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        o.cwd(),
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return "", fmt.Errorf("%w: new session: %v", backend.ErrConnectionFailed, err)
	}
	o.logger.Info("created acp session", zap.String("acp_session_id", string(sess.SessionId)))
	return sess.SessionId, nil
}

// cwd is the absolute session directory ACP requires.
func (o *Opener) cwd() string {
	dir := o.cfg.WorkDir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}
