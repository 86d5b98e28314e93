package claude

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/backend"
	"github.com/kandev/agentchat/internal/backend/process"
	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
)

const stopGrace = 5 * time.Second

// Opener launches one Claude CLI process per session.
type Opener struct {
	cfg         config.BackendConfig
	hookMatcher string
	logger      *logger.Logger
}

// NewOpener creates an Opener. hookTools limits the PostToolUse hook to those tool names.
func NewOpener(cfg config.BackendConfig, hookTools []string, log *logger.Logger) *Opener {
	return &Opener{
		cfg:         cfg,
		hookMatcher: matcherFor(hookTools),
		logger:      log.WithFields(zap.String("component", "claude-opener")),
	}
}

// Args builds the CLI command line for a session.
func (o *Opener) Args(resumeToken string) []string {
	return process.Cmd(o.cfg.Command).
		Flag(o.cfg.Args...).
		Flag("-p",
			"--output-format=stream-json",
			"--input-format=stream-json",
			"--permission-prompt-tool=stdio",
			"--include-partial-messages",
			"--verbose").
		FlagIf("--resume", resumeToken).
		FlagIf("--mcp-config", o.cfg.MCPConfig).
		Repeat("--allowedTools", o.cfg.AllowedTools).
		Build()
}

// Open starts the CLI and performs the handshake.
func (o *Opener) Open(ctx context.Context, opts backend.OpenOptions) (backend.Handle, error) {
	proc, err := process.Start(ctx, process.Spec{
		Args:    o.Args(opts.ResumeToken),
		WorkDir: o.cfg.WorkDir,
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrConnectionFailed, err)
	}

	h, err := NewHandle(ctx, proc.Stdin(), proc.Stdout(), HandleConfig{
		SessionID:    opts.SessionID,
		ResumeToken:  opts.ResumeToken,
		InitTimeout:  o.cfg.InitTimeoutDuration(),
		HookMatcher:  o.hookMatcher,
		OnToolResult: opts.OnToolResult,
		OnClose:      func() { proc.Stop(stopGrace) },
	}, o.logger)
	if err != nil {
		o.logger.Warn("claude handshake failed",
			zap.String("session_id", opts.SessionID),
			zap.String("detail", proc.Describe()),
			zap.Error(err))
		return nil, err
	}
	return h, nil
}

// matcherFor builds an anchored alternation so the hook fires only for the given tools.
func matcherFor(tools []string) string {
	if len(tools) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tools))
	for _, t := range tools {
		quoted = append(quoted, regexp.QuoteMeta(t))
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}
