package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatwatch/internal/audit"
	"chatwatch/internal/clock"
	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/engine"
	"chatwatch/internal/gate"
	"chatwatch/internal/metrics"
	"chatwatch/internal/notify"
	"chatwatch/internal/state"
)

// Identity holds the bot's own platform ids used to drop self-authored messages.
type Identity struct {
	UserID string
	BotID  string
}

// Manager coordinates matching, counting, reservation, and dispatch.
// Params: runtime config, state backend, rate gate, dispatcher, audit log, metrics, logger, and clock.
// Returns: message/command sink safe for concurrent use.
type Manager struct {
	cfg        config.Config
	rules      []config.RuleConfig
	logger     *slog.Logger
	store      state.Store
	gate       *gate.Gate
	dispatcher *notify.Dispatcher
	audit      audit.Log
	metrics    *metrics.Metrics
	clock      clock.Clock

	identityMu sync.RWMutex
	identity   Identity
}

// NewManager creates manager for loaded configuration.
// Params: validated config with rules in evaluation order and runtime dependencies.
// Returns: initialized manager.
func NewManager(
	cfg config.Config,
	logger *slog.Logger,
	store state.Store,
	dispatcher *notify.Dispatcher,
	auditLog audit.Log,
	metricSet *metrics.Metrics,
	clk clock.Clock,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if auditLog == nil {
		auditLog = audit.Nop{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		cfg:        cfg,
		rules:      cfg.Rule,
		logger:     logger,
		store:      store,
		gate:       gate.New(store, cfg.Alert.Rate, logger),
		dispatcher: dispatcher,
		audit:      auditLog,
		metrics:    metricSet,
		clock:      clk,
		identity: Identity{
			UserID: cfg.Ingest.Slack.SelfUserID,
			BotID:  cfg.Ingest.Slack.SelfBotID,
		},
	}
}

// SetIdentity replaces self ids, keeping configured values for empty fields.
// Params: resolved identity.
// Returns: none.
func (m *Manager) SetIdentity(identity Identity) {
	m.identityMu.Lock()
	defer m.identityMu.Unlock()
	if identity.UserID != "" {
		m.identity.UserID = identity.UserID
	}
	if identity.BotID != "" {
		m.identity.BotID = identity.BotID
	}
}

func (m *Manager) isSelf(message domain.Message) bool {
	m.identityMu.RLock()
	defer m.identityMu.RUnlock()
	return (m.identity.UserID != "" && message.User == m.identity.UserID) ||
		(m.identity.BotID != "" && message.BotID == m.identity.BotID)
}

// LogRules writes one boot line per configured rule.
func (m *Manager) LogRules() {
	for _, rule := range m.rules {
		m.logger.Info("rule loaded",
			"rule", rule.Name,
			"channel", rule.SourceChannel,
			"keyword", rule.Keyword,
			"match", rule.Match,
			"threshold", rule.Threshold,
			"window", config.EffectiveWindow(m.cfg.Alert, rule).String(),
			"actions", len(rule.Notify),
		)
	}
}

// HandleMessage processes one inbound chat message.
// Delivery failures are absorbed; only state backend failures are returned.
// Params: context and message from ingest.
// Returns: state backend error.
func (m *Manager) HandleMessage(ctx context.Context, message domain.Message) error {
	started := time.Now()
	result, err := m.handleMessage(ctx, message)
	m.metrics.ObserveMessage(result, time.Since(started))
	return err
}

func (m *Manager) handleMessage(ctx context.Context, message domain.Message) (string, error) {
	if message.Subtype != "" || m.isSelf(message) {
		return metrics.MessageSkipped, nil
	}
	if message.EventID != "" {
		first, err := m.store.MarkSeen(ctx, message.EventID, m.cfg.Alert.DedupTTL())
		if err != nil {
			return metrics.MessageError, fmt.Errorf("mark event %q seen: %w", message.EventID, err)
		}
		if !first {
			m.logger.Debug("duplicate event dropped", "event_id", message.EventID, "channel", message.Channel)
			return metrics.MessageDuplicate, nil
		}
	}
	if kind, ok := domain.CommandFromText(message.Text); ok {
		err := m.HandleCommand(ctx, domain.Command{
			Kind:      kind,
			Channel:   message.Channel,
			Transport: message.Transport,
			User:      message.User,
		})
		if err != nil {
			return metrics.MessageError, err
		}
		return metrics.MessageCommand, nil
	}

	muted, err := m.store.Muted(ctx)
	if err != nil {
		return metrics.MessageError, fmt.Errorf("read mute flag: %w", err)
	}
	if muted {
		return metrics.MessageMuted, nil
	}

	now := m.clock.Now()
	for _, match := range engine.Evaluate(m.rules, message) {
		stop, err := m.processMatch(ctx, match, message, now)
		if err != nil {
			return metrics.MessageError, err
		}
		if stop {
			break
		}
	}
	return metrics.MessageProcessed, nil
}

// processMatch counts hits of one rule and runs reservation protocol on threshold.
// Params: context, matched rule with hits, source message, and processing time.
// Returns: stop flag for remaining rules and state error.
func (m *Manager) processMatch(ctx context.Context, match engine.Match, message domain.Message, now time.Time) (bool, error) {
	rule := match.Rule
	m.metrics.ObserveHits(rule.Name, match.Hits)

	counterKey := engine.CounterKey(rule)
	count, err := m.store.RecordHits(ctx, counterKey, now, match.Hits, config.EffectiveWindow(m.cfg.Alert, rule))
	if err != nil {
		return false, fmt.Errorf("record hits for rule %q: %w", rule.Name, err)
	}
	if count < rule.Threshold {
		return false, nil
	}

	ticket, verdict, err := m.gate.Reserve(ctx, rule.Name, now)
	if err != nil {
		m.record(ctx, rule, now, count, domain.OutcomeError, notify.Result{})
		return false, fmt.Errorf("reserve dispatch slot for rule %q: %w", rule.Name, err)
	}

	switch verdict {
	case state.VerdictGranted:
	case state.VerdictMuted:
		return false, m.suppressed(ctx, rule, counterKey, now, count, domain.OutcomeMuted)
	default:
		return false, m.suppressed(ctx, rule, counterKey, now, count, domain.OutcomeRateLimited)
	}

	result := m.dispatcher.Dispatch(ctx, rule, message, count)
	for _, action := range result.Actions {
		m.metrics.ObserveDelivery(action.Transport, action.Err)
	}

	if result.OK() {
		m.logger.Info("alert dispatched",
			"rule", rule.Name,
			"channel", rule.SourceChannel,
			"count", count,
			"delivered", result.Delivered,
			"failed", result.Failed(),
		)
		m.record(ctx, rule, now, count, domain.OutcomeDelivered, result)
		if err := m.store.ClearCounter(ctx, counterKey); err != nil {
			return false, fmt.Errorf("clear counter for rule %q: %w", rule.Name, err)
		}
		return m.cfg.Alert.StopOnFirst(), nil
	}

	m.logger.Warn("alert delivery failed, releasing reservation",
		"rule", rule.Name,
		"channel", rule.SourceChannel,
		"count", count,
		"failed", result.Failed(),
	)
	m.record(ctx, rule, now, count, domain.OutcomeFailed, result)
	if err := m.gate.Rollback(ctx, ticket); err != nil {
		return false, fmt.Errorf("rollback reservation for rule %q: %w", rule.Name, err)
	}
	if m.cfg.Alert.ClearCounterOn == config.ClearOnAttempt || m.cfg.Alert.ClearCounterOn == config.ClearOnAlways {
		if err := m.store.ClearCounter(ctx, counterKey); err != nil {
			return false, fmt.Errorf("clear counter for rule %q: %w", rule.Name, err)
		}
	}
	return false, nil
}

// suppressed handles denied reservation; counter keeps accumulating unless policy says always.
func (m *Manager) suppressed(ctx context.Context, rule config.RuleConfig, counterKey string, now time.Time, count int, outcome domain.Outcome) error {
	m.logger.Info("alert suppressed",
		"rule", rule.Name,
		"channel", rule.SourceChannel,
		"count", count,
		"verdict", string(outcome),
	)
	m.record(ctx, rule, now, count, outcome, notify.Result{})
	if m.cfg.Alert.ClearCounterOn != config.ClearOnAlways {
		return nil
	}
	if err := m.store.ClearCounter(ctx, counterKey); err != nil {
		return fmt.Errorf("clear counter for rule %q: %w", rule.Name, err)
	}
	return nil
}

// record emits trigger metric and audit row; audit failures are logged only.
func (m *Manager) record(ctx context.Context, rule config.RuleConfig, now time.Time, count int, outcome domain.Outcome, result notify.Result) {
	m.metrics.ObserveTrigger(rule.Name, outcome)
	err := m.audit.Append(ctx, domain.DispatchRecord{
		At:            now,
		RuleName:      rule.Name,
		SourceChannel: rule.SourceChannel,
		Count:         count,
		Outcome:       outcome,
		Delivered:     result.Delivered,
		Failed:        result.Failed(),
		Errors:        result.Errors(),
	})
	if err != nil {
		m.logger.Warn("audit append failed", "rule", rule.Name, "error", err.Error())
	}
}

// Sweep drops expired state entries of backends without native expiry.
// Params: context.
// Returns: backend sweep error.
func (m *Manager) Sweep(ctx context.Context) error {
	removed, err := m.store.Sweep(ctx, m.clock.Now())
	if err != nil {
		return fmt.Errorf("sweep state: %w", err)
	}
	if removed > 0 {
		m.logger.Debug("state swept", "removed", removed)
	}
	return nil
}
