package app

import (
	"context"
	"fmt"

	"chatwatch/internal/domain"
)

// HandleCommand routes one administrative command.
// Params: context and decoded command.
// Returns: state backend error.
func (m *Manager) HandleCommand(ctx context.Context, command domain.Command) error {
	switch command.Kind {
	case domain.CommandMute:
		return m.Mute(ctx, command.Transport, command.Channel)
	case domain.CommandUnmute:
		return m.Unmute(ctx, command.Transport, command.Channel)
	default:
		return fmt.Errorf("unsupported command %q", command.Kind)
	}
}

// Mute suspends dispatch and optionally resets counters and budgets.
// Params: context plus transport/channel receiving the acknowledgment.
// Returns: state backend error.
func (m *Manager) Mute(ctx context.Context, transport, channel string) error {
	if err := m.store.SetMuted(ctx, true); err != nil {
		return fmt.Errorf("set mute flag: %w", err)
	}
	if m.cfg.Alert.ResetCountersOnMute() {
		if err := m.store.ClearAll(ctx); err != nil {
			return fmt.Errorf("reset state on mute: %w", err)
		}
	}
	m.metrics.SetMuted(true)
	m.logger.Info("alerts muted", "channel", channel, "transport", transport)
	m.acknowledge(ctx, transport, channel, m.cfg.Alert.MuteAck)
	return nil
}

// Unmute resets counters and budgets, then re-enables dispatch.
// State is cleared while still muted so no hit lands between the two steps.
// Params: context plus transport/channel receiving the acknowledgment.
// Returns: state backend error.
func (m *Manager) Unmute(ctx context.Context, transport, channel string) error {
	if err := m.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("reset state on unmute: %w", err)
	}
	if err := m.store.SetMuted(ctx, false); err != nil {
		return fmt.Errorf("clear mute flag: %w", err)
	}
	m.metrics.SetMuted(false)
	m.logger.Info("alerts unmuted", "channel", channel, "transport", transport)
	m.acknowledge(ctx, transport, channel, m.cfg.Alert.UnmuteAck)
	return nil
}

func (m *Manager) acknowledge(ctx context.Context, transport, channel, text string) {
	if m.dispatcher == nil || channel == "" || text == "" {
		return
	}
	if err := m.dispatcher.Reply(ctx, transport, channel, text); err != nil {
		m.logger.Warn("command acknowledgment failed", "channel", channel, "transport", transport, "error", err.Error())
	}
}
