package events

import (
	"fmt"
	"strings"

	"github.com/kandev/agentchat/internal/common/config"
	"github.com/kandev/agentchat/internal/common/logger"
	"github.com/kandev/agentchat/internal/events/bus"
)

// Provide builds the NATS bus when nats.url is set and the in-memory bus otherwise.
func Provide(cfg config.NATSConfig, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error {
			natsBus.Close()
			return nil
		}, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error {
		memBus.Close()
		return nil
	}, nil
}
