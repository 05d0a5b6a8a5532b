package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"chatwatch/internal/clock"
	"chatwatch/internal/config"
	"chatwatch/internal/domain"
	"chatwatch/internal/permanent"
	"chatwatch/internal/templatefmt"

	"golang.org/x/time/rate"
)

// Sender delivers one outbound message over one transport.
// Params: context and notification with destination channel.
// Returns: transport error when send fails.
type Sender interface {
	Transport() string
	Send(ctx context.Context, notification domain.Notification) error
}

// ActionResult reports one notify action outcome.
// Params: transport, destination channel, and delivery error.
// Returns: per-action dispatch result.
type ActionResult struct {
	Transport string
	Channel   string
	Err       error
}

// Result aggregates notify action outcomes of one trigger.
// Params: ordered action results and success count.
// Returns: dispatch summary.
type Result struct {
	Actions   []ActionResult
	Delivered int
}

// OK reports whether at least one action succeeded.
func (r Result) OK() bool {
	return r.Delivered > 0
}

// Failed returns count of failed actions.
func (r Result) Failed() int {
	return len(r.Actions) - r.Delivered
}

// Errors returns failed action errors as strings.
// Params: none.
// Returns: `transport/channel: error` descriptions in action order.
func (r Result) Errors() []string {
	var out []string
	for _, action := range r.Actions {
		if action.Err == nil {
			continue
		}
		out = append(out, action.Transport+"/"+action.Channel+": "+action.Err.Error())
	}
	return out
}

type transportRuntime struct {
	sender  Sender
	retry   config.NotifyRetry
	limiter *rate.Limiter
}

// Dispatcher renders and delivers rule notify actions.
// Params: transport senders, compiled action templates, and delivery policy.
// Returns: delivery helper for manager and mute controller.
type Dispatcher struct {
	transports map[string]transportRuntime
	templates  map[string][]*template.Template
	vars       map[string]string
	cfg        config.NotifyConfig
	alert      config.AlertConfig
	timeout    time.Duration
	logger     *slog.Logger
	clock      clock.Clock
}

// NewDispatcher builds dispatcher with senders for every enabled transport.
// Params: full config snapshot, optional logger, and clock stamping notifications.
// Returns: configured dispatcher or sender/template initialization error.
func NewDispatcher(cfg config.Config, logger *slog.Logger, clk clock.Clock) (*Dispatcher, error) {
	senders := make(map[string]Sender)
	for _, transport := range config.TransportNames() {
		if !config.TransportEnabled(cfg.Notify, transport) {
			continue
		}
		sender, err := newSender(transport, cfg.Notify)
		if err != nil {
			return nil, err
		}
		senders[transport] = sender
	}
	return NewDispatcherWithSenders(cfg, senders, logger, clk)
}

// NewDispatcherWithSenders builds dispatcher over explicit senders.
// Params: config snapshot, senders keyed by transport, optional logger, and optional clock.
// Returns: configured dispatcher or template compilation error.
func NewDispatcherWithSenders(cfg config.Config, senders map[string]Sender, logger *slog.Logger, clk clock.Clock) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	transports := make(map[string]transportRuntime, len(senders))
	for transport, sender := range senders {
		transports[transport] = transportRuntime{
			sender:  sender,
			retry:   config.TransportRetry(cfg.Notify, transport),
			limiter: newLimiter(config.TransportPacing(cfg.Notify, transport)),
		}
	}

	templates := make(map[string][]*template.Template, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		compiled := make([]*template.Template, 0, len(rule.Notify))
		for i, action := range rule.Notify {
			name := fmt.Sprintf("rule.%s.notify[%d].text", rule.Name, i)
			tmpl, err := templatefmt.ParseActionTemplate(name, action.Text)
			if err != nil {
				return nil, fmt.Errorf("compile %s: %w", name, err)
			}
			compiled = append(compiled, tmpl)
		}
		templates[rule.Name] = compiled
	}

	timeout := cfg.Notify.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		transports: transports,
		templates:  templates,
		vars:       cfg.Notify.Vars,
		cfg:        cfg.Notify,
		alert:      cfg.Alert,
		timeout:    timeout,
		logger:     logger,
		clock:      clk,
	}, nil
}

// newLimiter builds outbound pacing limiter.
// Params: pacing settings.
// Returns: limiter or nil when pacing is disabled.
func newLimiter(pacing config.Pacing) *rate.Limiter {
	if pacing.RatePerSec <= 0 {
		return nil
	}
	burst := pacing.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(pacing.RatePerSec), burst)
}

// newSender builds transport sender implementation for one transport key.
// Params: normalized transport key and notify config.
// Returns: sender or initialization error.
func newSender(transport string, cfg config.NotifyConfig) (Sender, error) {
	switch transport {
	case config.TransportSlack:
		return NewSlackSender(cfg.Slack), nil
	case config.TransportTelegram:
		return NewTelegramSender(cfg.Telegram)
	case config.TransportMattermost:
		return NewMattermostSender(cfg.Mattermost), nil
	case config.TransportHTTP:
		return NewHTTPSender(cfg.HTTP), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}

// Dispatch executes every notify action of triggered rule in order.
// Action failures are collected; siblings still run.
// Params: context, triggered rule, triggering message, and window count.
// Returns: per-action results.
func (d *Dispatcher) Dispatch(ctx context.Context, rule config.RuleConfig, message domain.Message, count int) Result {
	result := Result{Actions: make([]ActionResult, 0, len(rule.Notify))}
	compiled := d.templates[rule.Name]
	data := templatefmt.ActionData{
		Rule:          rule.Name,
		Keyword:       rule.Keyword,
		SourceChannel: rule.SourceChannel,
		Threshold:     rule.Threshold,
		Count:         count,
		Window:        config.EffectiveWindow(d.alert, rule),
		Vars:          d.vars,
	}

	for i, action := range rule.Notify {
		transport := config.ActionTransport(d.cfg, action)
		actionResult := ActionResult{Transport: transport, Channel: action.Channel}

		text, err := d.renderAction(compiled, i, action, data, message)
		if err == nil {
			err = d.deliver(ctx, transport, domain.Notification{
				Transport: transport,
				Channel:   action.Channel,
				RuleName:  rule.Name,
				Text:      text,
				Timestamp: d.clock.Now().UTC(),
			})
		}
		if err != nil {
			actionResult.Err = err
			d.logger.Warn("notify action failed",
				"rule", rule.Name,
				"transport", transport,
				"channel", action.Channel,
				"error", err.Error(),
			)
		} else {
			result.Delivered++
		}
		result.Actions = append(result.Actions, actionResult)
	}
	return result
}

// Reply sends plain text through one transport, used for command acknowledgments.
// Params: context, transport key (empty uses default), destination channel, and text.
// Returns: delivery error.
func (d *Dispatcher) Reply(ctx context.Context, transport, channel, text string) error {
	transport = config.NormalizeTransport(transport)
	if transport == "" {
		transport = config.NormalizeTransport(d.cfg.DefaultTransport)
	}
	return d.deliver(ctx, transport, domain.Notification{
		Transport: transport,
		Channel:   channel,
		Text:      text,
		Timestamp: d.clock.Now().UTC(),
	})
}

// renderAction renders action template and appends optional log excerpt.
// Params: compiled templates of rule, action index, action config, data, and message.
// Returns: final outbound text.
func (d *Dispatcher) renderAction(compiled []*template.Template, index int, action config.NotifyAction, data templatefmt.ActionData, message domain.Message) (string, error) {
	if index >= len(compiled) || compiled[index] == nil {
		return "", fmt.Errorf("rule %q action %d has no compiled template", data.Rule, index)
	}
	text, err := templatefmt.Render(compiled[index], data)
	if err != nil {
		return "", permanent.Mark(fmt.Errorf("render action text: %w", err))
	}
	if action.IncludeLog {
		text = AppendLogExcerpt(text, message.Text)
	}
	return text, nil
}

// AppendLogExcerpt appends original message as fenced code excerpt.
// Params: rendered action text and original message text.
// Returns: combined text.
func AppendLogExcerpt(text, original string) string {
	var builder strings.Builder
	builder.Grow(len(text) + len(original) + 8)
	builder.WriteString(text)
	builder.WriteString("\n\n```")
	builder.WriteString(original)
	builder.WriteString("```")
	return builder.String()
}

// deliver sends one notification under bounded timeout with pacing and retries.
// Params: context, transport key, and notification.
// Returns: final error, including recovered sender panics.
func (d *Dispatcher) deliver(ctx context.Context, transport string, notification domain.Notification) (err error) {
	runtime, ok := d.transports[transport]
	if !ok {
		return permanent.Mark(fmt.Errorf("notify transport %q is not configured", transport))
	}
	if strings.TrimSpace(notification.Channel) == "" {
		return permanent.Mark(errors.New("notify channel is required"))
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%s sender panic: %v", transport, recovered)
		}
	}()

	if runtime.limiter != nil {
		if waitErr := runtime.limiter.Wait(sendCtx); waitErr != nil {
			return fmt.Errorf("%s pacing wait: %w", transport, waitErr)
		}
	}
	return d.sendWithRetry(sendCtx, runtime.sender, notification, runtime.retry)
}

// sendWithRetry sends one notification with transport-specific retry policy.
// Params: sender, payload, and retry policy for the sender transport.
// Returns: final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender Sender, notification domain.Notification, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, notification)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	for {
		attempt++
		err := sender.Send(ctx, notification)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "transport", sender.Transport(), "attempt", attempt)
			}
			return nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "transport", sender.Transport(), "attempt", attempt, "error", err.Error())
		}
		if permanent.Is(err) {
			return err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return fmt.Errorf("transport %s failed after %d attempts: %w", sender.Transport(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("transport %s gave up after %d attempts: %w", sender.Transport(), attempt, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// Transports returns configured transport keys.
// Params: none.
// Returns: transport keys in deterministic order.
func (d *Dispatcher) Transports() []string {
	out := make([]string, 0, len(d.transports))
	for _, transport := range config.TransportNames() {
		if _, ok := d.transports[transport]; ok {
			out = append(out, transport)
		}
	}
	return out
}
