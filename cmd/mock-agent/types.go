package main

import "github.com/kandev/agentchat/pkg/claudecode"

// incomingMessage is one line read from stdin. Initialize requests carry hook
// registrations, which claudecode.ControlRequest does not model.
type incomingMessage struct {
	Type      string                      `json:"type"`
	RequestID string                      `json:"request_id,omitempty"`
	Request   *incomingRequest            `json:"request,omitempty"`
	Response  *claudecode.ControlResponse `json:"response,omitempty"`
	Message   *claudecode.Message         `json:"message,omitempty"`
}

type incomingRequest struct {
	Subtype string                              `json:"subtype"`
	Hooks   map[string][]claudecode.HookMatcher `json:"hooks,omitempty"`
}

// InitializeResponse is the response to an initialize control request.
type InitializeResponse struct {
	Commands []Command `json:"commands"`
}

// Command is an available slash command.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// toolResponse is what the PostToolUse hook reports as tool_response.
type toolResponse struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}
