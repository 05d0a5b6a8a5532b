package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"chatwatch/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName       = "chatwatch"
	defaultSweepIntervalSec  = 30
	defaultHTTPListen        = ":8080"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultEventsPath        = "/events"
	defaultCommandsPath      = "/commands"
	defaultMetricsPath       = "/metrics"
	defaultAuditPath         = "/alerts/recent"
	defaultSlackEventsPath   = "/slack/events"
	defaultSlackCommandsPath = "/slack/commands"
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultNATSSubject       = "chatwatch.messages"
	defaultNATSStream        = "CHATWATCH_MESSAGES"
	defaultNATSConsumer      = "chatwatch-ingest"
	defaultNATSGroup         = "chatwatch-workers"
	defaultNATSAckWaitSec    = 30
	defaultNATSNackDelayMS   = 1000
	defaultNATSMaxDeliver    = 5
	defaultNATSMaxAckPending = 1024
	defaultStateBucket       = "chatwatch_state"
	defaultSeenBucket        = "chatwatch_seen"
	defaultCASRetries        = 16
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultKeyPrefix         = "chatwatch"
	defaultWindowSec         = 240
	defaultRateWindowSec     = 300
	defaultRateLimit         = 1
	defaultDedupTTLSec       = 600
	defaultNotifyTimeoutSec  = 10
	defaultSlackAPIBase      = "https://slack.com/api/"
	defaultTelegramAPIBase   = "https://api.telegram.org"
	defaultAuditPathFile     = "chatwatch-audit.db"
	defaultAuditRetainRows   = 10000
	defaultMuteAck           = "🔇 Bot muted. All alerts are suspended."
	defaultUnmuteAck         = "🔔 Bot unmuted."

	// StateBackendMemory keeps counters, budget, and mute flag in process memory.
	StateBackendMemory = "memory"
	// StateBackendNATS keeps shared state in JetStream KV buckets.
	StateBackendNATS = "nats"
	// StateBackendRedis keeps shared state in Redis sorted sets.
	StateBackendRedis = "redis"

	// TransportSlack identifies Slack Web API transport.
	TransportSlack = "slack"
	// TransportTelegram identifies Telegram Bot API transport.
	TransportTelegram = "telegram"
	// TransportMattermost identifies Mattermost REST transport.
	TransportMattermost = "mattermost"
	// TransportHTTP identifies generic HTTP webhook transport.
	TransportHTTP = "http"

	// MatchContains counts keyword occurrences.
	MatchContains = "contains"
	// MatchAbsent counts messages that do not contain the keyword.
	MatchAbsent = "absent"

	// RateScopeGlobal shares one budget across all rules.
	RateScopeGlobal = "global"
	// RateScopeRule keeps one budget (cooldown) per rule.
	RateScopeRule = "rule"
	// RateScopeRuleAndGlobal requires a free slot in both rule and global budgets.
	RateScopeRuleAndGlobal = "rule_and_global"

	// ClearOnSuccess clears counter only after confirmed delivery.
	ClearOnSuccess = "success"
	// ClearOnAttempt clears counter after any granted dispatch attempt.
	ClearOnAttempt = "attempt"
	// ClearOnAlways clears counter on every threshold crossing, including denied ones.
	ClearOnAlways = "always"
)

var (
	transportOrder      = []string{TransportSlack, TransportTelegram, TransportMattermost, TransportHTTP}
	legacyRuleArray     = regexp.MustCompile(`(?m)^\s*\[\[\s*rule\s*\]\]`)
	envReferencePattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)
)

// Config holds service runtime settings and alert rules.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service ServiceConfig
	Log     LogConfig
	Ingest  IngestConfig
	State   StateConfig
	Alert   AlertConfig
	Notify  NotifyConfig
	Audit   AuditConfig
	Rule    []RuleConfig
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule map keyed by rule name.
type rawConfig struct {
	Service ServiceConfig            `toml:"service"`
	Log     LogConfig                `toml:"log"`
	Ingest  IngestConfig             `toml:"ingest"`
	State   StateConfig              `toml:"state"`
	Alert   AlertConfig              `toml:"alert"`
	Notify  NotifyConfig             `toml:"notify"`
	Audit   AuditConfig              `toml:"audit"`
	Rule    map[string]rawRuleConfig `toml:"rule"`
}

// rawRuleConfig stores one rule body from `[rule.<name>]` table.
// Params: rule fields except top-level key-derived name.
// Returns: intermediate rule body used for normalization.
type rawRuleConfig struct {
	Name          string         `toml:"name"`
	SourceChannel string         `toml:"source_channel"`
	Keyword       string         `toml:"keyword"`
	Match         string         `toml:"match"`
	Threshold     int            `toml:"threshold"`
	WindowSec     int            `toml:"window_sec"`
	Priority      int            `toml:"priority"`
	Notify        []NotifyAction `toml:"notify"`
}

// ServiceConfig contains process-level settings.
// Params: service name and sweep cadence for expiring in-memory entries.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name             string `toml:"name"`
	SweepIntervalSec int    `toml:"sweep_interval_sec"`
}

// IngestConfig defines inbound message interfaces.
// Params: HTTP, NATS, and Slack ingest sections.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP  HTTPIngestConfig  `toml:"http"`
	NATS  NATSIngestConfig  `toml:"nats"`
	Slack SlackIngestConfig `toml:"slack"`
}

// HTTPIngestConfig configures HTTP listener and generic JSON endpoints.
// Params: enable flag for generic endpoints, listen address, paths, and body limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	EventsPath   string `toml:"events_path"`
	CommandsPath string `toml:"commands_path"`
	MetricsPath  string `toml:"metrics_path"`
	AuditPath    string `toml:"audit_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection, stream routing, and ack/redelivery policy.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"subject"`
	Stream        string   `toml:"stream"`
	ConsumerName  string   `toml:"consumer_name"`
	DeliverGroup  string   `toml:"deliver_group"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	CreateStream  bool     `toml:"create_stream"`
}

// SlackIngestConfig configures Slack Events API and slash command endpoints.
// Params: signing secret, endpoint paths, and bot identity for self-message filtering.
// Returns: Slack ingest behavior.
type SlackIngestConfig struct {
	Enabled         bool   `toml:"enabled"`
	SigningSecret   string `toml:"signing_secret"`
	EventsPath      string `toml:"events_path"`
	CommandsPath    string `toml:"commands_path"`
	SelfUserID      string `toml:"self_user_id"`
	SelfBotID       string `toml:"self_bot_id"`
	ResolveIdentity bool   `toml:"resolve_identity"`
}

// StateConfig selects runtime state backend.
// Params: backend name, key prefix, and backend-specific settings.
// Returns: state backend options.
type StateConfig struct {
	Backend   string           `toml:"backend"`
	KeyPrefix string           `toml:"key_prefix"`
	NATS      NATSStateConfig  `toml:"nats"`
	Redis     RedisStateConfig `toml:"redis"`
}

// NATSStateConfig contains JetStream KV controls for state backend.
// Params: URLs, bucket names, bucket creation toggle, and CAS retry bound.
// Returns: NATS state backend options.
type NATSStateConfig struct {
	URL                []string `toml:"url"`
	Bucket             string   `toml:"bucket"`
	SeenBucket         string   `toml:"seen_bucket"`
	AllowCreateBuckets bool     `toml:"allow_create_buckets"`
	MaxCASRetries      int      `toml:"max_cas_retries"`
}

// RedisStateConfig contains Redis connection settings.
// Params: address, password, and logical DB index.
// Returns: Redis state backend options.
type RedisStateConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// AlertConfig defines counting window, trigger flow, and mute behavior.
// Params: window, rate budget policy, counter clearing policy, dedup TTL, and ack texts.
// Returns: alert pipeline controls.
type AlertConfig struct {
	WindowSec          int        `toml:"window_sec"`
	StopOnFirstTrigger *bool      `toml:"stop_on_first_trigger"`
	ClearCounterOn     string     `toml:"clear_counter_on"`
	ResetOnMute        *bool      `toml:"reset_on_mute"`
	DedupTTLSec        int        `toml:"dedup_ttl_sec"`
	MuteAck            string     `toml:"mute_ack"`
	UnmuteAck          string     `toml:"unmute_ack"`
	Rate               RateConfig `toml:"rate"`
}

// StopOnFirst reports effective stop_on_first_trigger value.
// Params: none.
// Returns: true unless explicitly disabled.
func (c AlertConfig) StopOnFirst() bool {
	return c.StopOnFirstTrigger == nil || *c.StopOnFirstTrigger
}

// ResetCountersOnMute reports effective reset_on_mute value.
// Params: none.
// Returns: true unless explicitly disabled.
func (c AlertConfig) ResetCountersOnMute() bool {
	return c.ResetOnMute == nil || *c.ResetOnMute
}

// Window returns default counting window.
// Params: none.
// Returns: window duration.
func (c AlertConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// DedupTTL returns seen-set entry lifetime.
// Params: none.
// Returns: TTL duration.
func (c AlertConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSec) * time.Second
}

// RateConfig defines rate budget granularity and quotas.
// Params: scope plus global and per-rule budget settings.
// Returns: rate gate policy.
type RateConfig struct {
	Scope  string     `toml:"scope"`
	Global RateBudget `toml:"global"`
	Rule   RateBudget `toml:"rule"`
}

// RateBudget is one sliding quota.
// Params: window seconds and max reservations per window.
// Returns: quota definition.
type RateBudget struct {
	WindowSec int `toml:"window_sec"`
	Limit     int `toml:"limit"`
}

// Window returns budget window duration.
// Params: none.
// Returns: window duration.
func (b RateBudget) Window() time.Duration {
	return time.Duration(b.WindowSec) * time.Second
}

// NotifyConfig defines outbound delivery behavior.
// Params: default transport, per-action timeout, template vars, and transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	DefaultTransport string             `toml:"default_transport"`
	TimeoutSec       int                `toml:"timeout_sec"`
	Vars             map[string]string  `toml:"vars"`
	Slack            SlackNotifier      `toml:"slack"`
	Telegram         TelegramNotifier   `toml:"telegram"`
	Mattermost       MattermostNotifier `toml:"mattermost"`
	HTTP             HTTPNotifier       `toml:"http"`
}

// Timeout returns per-action delivery timeout.
// Params: none.
// Returns: timeout duration.
func (c NotifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// Pacing configures outbound send rate for one transport.
// Params: sustained sends per second (0 disables) and burst size.
// Returns: limiter settings.
type Pacing struct {
	RatePerSec float64 `toml:"rate_per_sec"`
	Burst      int     `toml:"burst"`
}

// SlackNotifier defines Slack Web API settings.
// Params: enabled flag, bot token, API base URL, pacing, and retry policy.
// Returns: Slack sender configuration.
type SlackNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	APIBase  string      `toml:"api_base"`
	Pacing   Pacing      `toml:"pacing"`
	Retry    NotifyRetry `toml:"retry"`
}

// TelegramNotifier defines Telegram Bot API settings.
// Params: enabled flag, bot token, API base URL, pacing, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	APIBase  string      `toml:"api_base"`
	Pacing   Pacing      `toml:"pacing"`
	Retry    NotifyRetry `toml:"retry"`
}

// MattermostNotifier defines Mattermost API settings.
// Params: enabled flag, server base URL, bot token, pacing, and retry policy.
// Returns: Mattermost sender configuration.
type MattermostNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BaseURL  string      `toml:"base_url"`
	BotToken string      `toml:"bot_token"`
	Pacing   Pacing      `toml:"pacing"`
	Retry    NotifyRetry `toml:"retry"`
}

// HTTPNotifier defines generic outbound webhook endpoint.
// Params: URL, method, static headers, pacing, and retry policy.
// Returns: HTTP sender configuration.
type HTTPNotifier struct {
	Enabled bool              `toml:"enabled"`
	URL     string            `toml:"url"`
	Method  string            `toml:"method"`
	Headers map[string]string `toml:"headers"`
	Pacing  Pacing            `toml:"pacing"`
	Retry   NotifyRetry       `toml:"retry"`
}

// AuditConfig defines dispatch audit log storage.
// Params: enable flag, SQLite file path, and retained row count.
// Returns: audit store settings.
type AuditConfig struct {
	Enabled    bool   `toml:"enabled"`
	Path       string `toml:"path"`
	RetainRows int    `toml:"retain_rows"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// RuleConfig describes one keyword alert rule.
// Params: source channel, keyword predicate, threshold, window override, order, and notify actions.
// Returns: runtime rule definition.
type RuleConfig struct {
	Name          string
	SourceChannel string
	Keyword       string
	Match         string
	Threshold     int
	WindowSec     int
	Priority      int
	Notify        []NotifyAction
}

// NotifyAction is one outbound message for a triggered rule.
// Params: destination channel, text template, log excerpt toggle, and optional transport.
// Returns: one dispatch step.
type NotifyAction struct {
	Channel    string `toml:"channel"`
	Text       string `toml:"text"`
	IncludeLog bool   `toml:"include_log"`
	Transport  string `toml:"transport"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, _, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	expandSecrets(&cfg)
	applyDefaults(&cfg)
	sortRules(cfg.Rule)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes one TOML document and returns validated runtime config.
// Params: TOML document body.
// Returns: validated config or decode/validation error.
func Parse(body []byte) (Config, error) {
	cfg, _, err := decode(body)
	if err != nil {
		return Config{}, err
	}
	expandSecrets(&cfg)
	applyDefaults(&cfg)
	sortRules(cfg.Rule)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EffectiveWindow returns counting window for one rule.
// Params: alert defaults and rule with optional override.
// Returns: rule window duration.
func EffectiveWindow(alert AlertConfig, rule RuleConfig) time.Duration {
	if rule.WindowSec > 0 {
		return time.Duration(rule.WindowSec) * time.Second
	}
	return alert.Window()
}

// ActionTransport returns effective transport for one notify action.
// Params: notify defaults and action with optional override.
// Returns: normalized transport key.
func ActionTransport(notify NotifyConfig, action NotifyAction) string {
	transport := NormalizeTransport(action.Transport)
	if transport == "" {
		transport = NormalizeTransport(notify.DefaultTransport)
	}
	return transport
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service: raw.Service,
		Log:     raw.Log,
		Ingest:  raw.Ingest,
		State:   raw.State,
		Alert:   raw.Alert,
		Notify:  raw.Notify,
		Audit:   raw.Audit,
	}
	if len(raw.Rule) == 0 {
		return cfg, nil
	}

	names := make([]string, 0, len(raw.Rule))
	for name := range raw.Rule {
		names = append(names, name)
	}
	sort.Strings(names)
	cfg.Rule = make([]RuleConfig, 0, len(names))
	for _, name := range names {
		body := raw.Rule[name]
		if strings.TrimSpace(body.Name) != "" {
			return Config{}, fmt.Errorf("rule.%s.name is not supported; use [rule.%s] key as rule name", name, name)
		}
		cfg.Rule = append(cfg.Rule, RuleConfig{
			Name:          name,
			SourceChannel: strings.TrimSpace(body.SourceChannel),
			Keyword:       body.Keyword,
			Match:         body.Match,
			Threshold:     body.Threshold,
			WindowSec:     body.WindowSec,
			Priority:      body.Priority,
			Notify:        body.Notify,
		})
	}
	return cfg, nil
}

// sortRules orders rules by priority then name.
// Params: rule slice to sort in place.
// Returns: none.
func sortRules(rules []RuleConfig) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
}

// decode parses one TOML document into config fragment and top-level section set.
// Params: raw TOML body.
// Returns: config fragment, declared top-level sections, and decode error.
func decode(body []byte) (Config, map[string]struct{}, error) {
	if legacyRuleArray.Match(body) {
		return Config{}, nil, errors.New("[[rule]] arrays are not supported; use [rule.<rule_name>] tables")
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, nil, err
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, nil, err
	}
	var top map[string]any
	if err := toml.Unmarshal(body, &top); err != nil {
		return Config{}, nil, err
	}
	sections := make(map[string]struct{}, len(top))
	for key := range top {
		sections[key] = struct{}{}
	}
	return cfg, sections, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config, declared sections, or read/decode error.
func loadFile(path string) (Config, map[string]struct{}, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, sections, err := decode(body)
	if err != nil {
		return Config{}, nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, sections, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	ruleOwner := make(map[string]string)
	for _, file := range files {
		fragment, sections, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		for _, rule := range fragment.Rule {
			if owner, exists := ruleOwner[rule.Name]; exists {
				return Config{}, fmt.Errorf("rule %q defined in both %q and %q", rule.Name, owner, file)
			}
			ruleOwner[rule.Name] = file
		}
		mergeConfig(&merged, fragment, sections)
	}
	return merged, nil
}

// mergeConfig overlays declared sections of source onto destination.
// Params: destination config, next fragment, and sections declared by the fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, sections map[string]struct{}) {
	has := func(name string) bool {
		_, ok := sections[name]
		return ok
	}
	if has("service") {
		dst.Service = src.Service
	}
	if has("log") {
		dst.Log = src.Log
	}
	if has("ingest") {
		dst.Ingest = src.Ingest
	}
	if has("state") {
		dst.State = src.State
	}
	if has("alert") {
		dst.Alert = src.Alert
	}
	if has("notify") {
		dst.Notify = src.Notify
	}
	if has("audit") {
		dst.Audit = src.Audit
	}
	dst.Rule = append(dst.Rule, src.Rule...)
}

// expandSecrets resolves `${ENV}` references in credential fields.
// Params: config snapshot to mutate.
// Returns: none.
func expandSecrets(cfg *Config) {
	for _, field := range []*string{
		&cfg.Ingest.Slack.SigningSecret,
		&cfg.Notify.Slack.BotToken,
		&cfg.Notify.Telegram.BotToken,
		&cfg.Notify.Mattermost.BotToken,
		&cfg.State.Redis.Password,
	} {
		*field = expandEnvReference(*field)
	}
	for key, value := range cfg.Notify.HTTP.Headers {
		cfg.Notify.HTTP.Headers[key] = expandEnvReference(value)
	}
}

// expandEnvReference replaces one whole-value `${NAME}` reference with environment value.
// Params: raw config value.
// Returns: expanded value, or raw value when it is not a reference.
func expandEnvReference(value string) string {
	match := envReferencePattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return value
	}
	return os.Getenv(match[1])
}

// applyDefaults fills omitted settings.
// Params: config snapshot to mutate.
// Returns: none.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.SweepIntervalSec <= 0 {
		cfg.Service.SweepIntervalSec = defaultSweepIntervalSec
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	httpIngest := &cfg.Ingest.HTTP
	defaultString(&httpIngest.Listen, defaultHTTPListen)
	defaultString(&httpIngest.HealthPath, defaultHealthPath)
	defaultString(&httpIngest.ReadyPath, defaultReadyPath)
	defaultString(&httpIngest.EventsPath, defaultEventsPath)
	defaultString(&httpIngest.CommandsPath, defaultCommandsPath)
	defaultString(&httpIngest.MetricsPath, defaultMetricsPath)
	defaultString(&httpIngest.AuditPath, defaultAuditPath)
	if httpIngest.MaxBodyBytes <= 0 {
		httpIngest.MaxBodyBytes = 1 << 20
	}

	natsIngest := &cfg.Ingest.NATS
	natsIngest.URL = normalizeNATSURLs(natsIngest.URL)
	if natsIngest.Enabled && len(natsIngest.URL) == 0 {
		natsIngest.URL = []string{defaultNATSURL}
	}
	defaultString(&natsIngest.Subject, defaultNATSSubject)
	defaultString(&natsIngest.Stream, defaultNATSStream)
	defaultString(&natsIngest.ConsumerName, defaultNATSConsumer)
	defaultString(&natsIngest.DeliverGroup, defaultNATSGroup)
	if natsIngest.AckWaitSec <= 0 {
		natsIngest.AckWaitSec = defaultNATSAckWaitSec
	}
	if natsIngest.NackDelayMS == 0 {
		natsIngest.NackDelayMS = defaultNATSNackDelayMS
	}
	if natsIngest.MaxDeliver == 0 {
		natsIngest.MaxDeliver = defaultNATSMaxDeliver
	}
	if natsIngest.MaxAckPending <= 0 {
		natsIngest.MaxAckPending = defaultNATSMaxAckPending
	}

	slackIngest := &cfg.Ingest.Slack
	defaultString(&slackIngest.EventsPath, defaultSlackEventsPath)
	defaultString(&slackIngest.CommandsPath, defaultSlackCommandsPath)

	cfg.State.Backend = strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	defaultString(&cfg.State.Backend, StateBackendMemory)
	defaultString(&cfg.State.KeyPrefix, defaultKeyPrefix)
	cfg.State.NATS.URL = normalizeNATSURLs(cfg.State.NATS.URL)
	if len(cfg.State.NATS.URL) == 0 {
		cfg.State.NATS.URL = append([]string(nil), cfg.Ingest.NATS.URL...)
	}
	if len(cfg.State.NATS.URL) == 0 {
		cfg.State.NATS.URL = []string{defaultNATSURL}
	}
	defaultString(&cfg.State.NATS.Bucket, defaultStateBucket)
	defaultString(&cfg.State.NATS.SeenBucket, defaultSeenBucket)
	if cfg.State.NATS.MaxCASRetries <= 0 {
		cfg.State.NATS.MaxCASRetries = defaultCASRetries
	}
	defaultString(&cfg.State.Redis.Addr, defaultRedisAddr)

	alert := &cfg.Alert
	if alert.WindowSec == 0 {
		alert.WindowSec = defaultWindowSec
	}
	alert.ClearCounterOn = strings.ToLower(strings.TrimSpace(alert.ClearCounterOn))
	defaultString(&alert.ClearCounterOn, ClearOnSuccess)
	if alert.DedupTTLSec == 0 {
		alert.DedupTTLSec = defaultDedupTTLSec
	}
	defaultString(&alert.MuteAck, defaultMuteAck)
	defaultString(&alert.UnmuteAck, defaultUnmuteAck)
	alert.Rate.Scope = strings.ToLower(strings.TrimSpace(alert.Rate.Scope))
	defaultString(&alert.Rate.Scope, RateScopeGlobal)
	fillRateBudgetDefaults(&alert.Rate.Global)
	fillRateBudgetDefaults(&alert.Rate.Rule)

	notify := &cfg.Notify
	notify.DefaultTransport = NormalizeTransport(notify.DefaultTransport)
	defaultString(&notify.DefaultTransport, TransportSlack)
	if notify.TimeoutSec <= 0 {
		notify.TimeoutSec = defaultNotifyTimeoutSec
	}
	defaultString(&notify.Slack.APIBase, defaultSlackAPIBase)
	if !strings.HasSuffix(notify.Slack.APIBase, "/") {
		notify.Slack.APIBase += "/"
	}
	defaultString(&notify.Telegram.APIBase, defaultTelegramAPIBase)
	defaultString(&notify.HTTP.Method, "POST")
	fillNotifyRetryDefaults(&notify.Slack.Retry)
	fillNotifyRetryDefaults(&notify.Telegram.Retry)
	fillNotifyRetryDefaults(&notify.Mattermost.Retry)
	fillNotifyRetryDefaults(&notify.HTTP.Retry)

	defaultString(&cfg.Audit.Path, defaultAuditPathFile)
	if cfg.Audit.RetainRows <= 0 {
		cfg.Audit.RetainRows = defaultAuditRetainRows
	}

	for i := range cfg.Rule {
		rule := &cfg.Rule[i]
		rule.Match = strings.ToLower(strings.TrimSpace(rule.Match))
		defaultString(&rule.Match, MatchContains)
	}
}

func defaultString(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func fillRateBudgetDefaults(budget *RateBudget) {
	if budget.WindowSec == 0 {
		budget.WindowSec = defaultRateWindowSec
	}
	if budget.Limit == 0 {
		budget.Limit = defaultRateLimit
	}
}

func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = 250
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = 4000
	}
	if retry.Enabled && retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if len(cfg.Rule) == 0 {
		return errors.New("at least one rule is required")
	}
	if cfg.Service.SweepIntervalSec <= 0 {
		return errors.New("service.sweep_interval_sec must be >0")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if err := validateIngest(cfg); err != nil {
		return err
	}
	if err := validateState(cfg.State); err != nil {
		return err
	}
	if err := validateAlert(cfg.Alert); err != nil {
		return err
	}
	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" {
		return errors.New("audit.path is required when audit.enabled=true")
	}

	for i, rule := range cfg.Rule {
		if err := validateRule(cfg, rule); err != nil {
			return fmt.Errorf("rule[%d] %q: %w", i, rule.Name, err)
		}
	}
	return nil
}

// validateIngest checks inbound interface settings and credentials.
// Params: full config snapshot.
// Returns: first ingest validation error.
func validateIngest(cfg Config) error {
	ingest := cfg.Ingest
	if !ingest.HTTP.Enabled && !ingest.NATS.Enabled && !ingest.Slack.Enabled {
		return errors.New("at least one of ingest.http, ingest.nats, ingest.slack must be enabled")
	}
	if strings.TrimSpace(ingest.HTTP.Listen) == "" {
		return errors.New("ingest.http.listen is required")
	}
	paths := map[string]string{
		"ingest.http.health_path":  ingest.HTTP.HealthPath,
		"ingest.http.ready_path":   ingest.HTTP.ReadyPath,
		"ingest.http.metrics_path": ingest.HTTP.MetricsPath,
	}
	if ingest.HTTP.Enabled {
		paths["ingest.http.events_path"] = ingest.HTTP.EventsPath
		paths["ingest.http.commands_path"] = ingest.HTTP.CommandsPath
	}
	if cfg.Audit.Enabled {
		paths["ingest.http.audit_path"] = ingest.HTTP.AuditPath
	}
	if ingest.Slack.Enabled {
		paths["ingest.slack.events_path"] = ingest.Slack.EventsPath
		paths["ingest.slack.commands_path"] = ingest.Slack.CommandsPath
	}
	if err := validatePaths(paths); err != nil {
		return err
	}

	if ingest.NATS.Enabled {
		if len(ingest.NATS.URL) == 0 {
			return errors.New("ingest.nats.url is required when ingest.nats.enabled=true")
		}
		if ingest.NATS.NackDelayMS < 0 {
			return errors.New("ingest.nats.nack_delay_ms must be >=0")
		}
		if ingest.NATS.MaxDeliver < -1 {
			return errors.New("ingest.nats.max_deliver must be -1 or >0")
		}
	}

	if ingest.Slack.Enabled {
		if strings.TrimSpace(ingest.Slack.SigningSecret) == "" {
			return errors.New("ingest.slack.signing_secret is required when ingest.slack.enabled=true")
		}
		if !cfg.Notify.Slack.Enabled {
			return errors.New("ingest.slack requires notify.slack.enabled=true")
		}
	}
	return nil
}

// validatePaths checks HTTP paths are absolute and unique.
// Params: map of config field name to path value.
// Returns: first path validation error.
func validatePaths(paths map[string]string) error {
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := make(map[string]string, len(paths))
	for _, name := range names {
		path := strings.TrimSpace(paths[name])
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
		if other, exists := seen[path]; exists {
			return fmt.Errorf("%s duplicates %s (%q)", name, other, path)
		}
		seen[path] = name
	}
	return nil
}

// validateState checks state backend selection.
// Params: state section.
// Returns: state validation error.
func validateState(state StateConfig) error {
	switch state.Backend {
	case StateBackendMemory:
	case StateBackendNATS:
		for i, url := range state.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("state.nats.url[%d] is empty", i)
			}
		}
		if state.NATS.Bucket == state.NATS.SeenBucket {
			return errors.New("state.nats.bucket and state.nats.seen_bucket must differ")
		}
	case StateBackendRedis:
		if strings.TrimSpace(state.Redis.Addr) == "" {
			return errors.New("state.redis.addr is required when state.backend=redis")
		}
		if state.Redis.DB < 0 {
			return errors.New("state.redis.db must be >=0")
		}
	default:
		return fmt.Errorf("state.backend has unsupported value %q", state.Backend)
	}
	if strings.ContainsAny(state.KeyPrefix, " \t*>") {
		return fmt.Errorf("state.key_prefix %q contains unsupported characters", state.KeyPrefix)
	}
	return nil
}

// validateAlert checks alert pipeline controls.
// Params: alert section.
// Returns: alert validation error.
func validateAlert(alert AlertConfig) error {
	if alert.WindowSec <= 0 {
		return errors.New("alert.window_sec must be >0")
	}
	if alert.DedupTTLSec <= 0 {
		return errors.New("alert.dedup_ttl_sec must be >0")
	}
	switch alert.ClearCounterOn {
	case ClearOnSuccess, ClearOnAttempt, ClearOnAlways:
	default:
		return fmt.Errorf("alert.clear_counter_on has unsupported value %q", alert.ClearCounterOn)
	}
	switch alert.Rate.Scope {
	case RateScopeGlobal, RateScopeRule, RateScopeRuleAndGlobal:
	default:
		return fmt.Errorf("alert.rate.scope has unsupported value %q", alert.Rate.Scope)
	}
	if err := validateRateBudget("alert.rate.global", alert.Rate.Global); err != nil {
		return err
	}
	if err := validateRateBudget("alert.rate.rule", alert.Rate.Rule); err != nil {
		return err
	}
	return nil
}

func validateRateBudget(name string, budget RateBudget) error {
	if budget.WindowSec <= 0 {
		return fmt.Errorf("%s.window_sec must be >0", name)
	}
	if budget.Limit < 1 {
		return fmt.Errorf("%s.limit must be >=1", name)
	}
	return nil
}

// validateNotify checks transport credentials and delivery controls.
// Params: notify section.
// Returns: notify validation error.
func validateNotify(notify NotifyConfig) error {
	if !IsSupportedTransport(notify.DefaultTransport) {
		return fmt.Errorf("notify.default_transport has unsupported value %q", notify.DefaultTransport)
	}
	enabled := 0
	for _, transport := range transportOrder {
		if TransportEnabled(notify, transport) {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("at least one notify transport must be enabled")
	}
	if notify.Slack.Enabled && strings.TrimSpace(notify.Slack.BotToken) == "" {
		return errors.New("notify.slack.bot_token is required when notify.slack.enabled=true")
	}
	if notify.Telegram.Enabled && strings.TrimSpace(notify.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
	}
	if notify.Mattermost.Enabled {
		if strings.TrimSpace(notify.Mattermost.BaseURL) == "" {
			return errors.New("notify.mattermost.base_url is required when notify.mattermost.enabled=true")
		}
		if strings.TrimSpace(notify.Mattermost.BotToken) == "" {
			return errors.New("notify.mattermost.bot_token is required when notify.mattermost.enabled=true")
		}
	}
	if notify.HTTP.Enabled && strings.TrimSpace(notify.HTTP.URL) == "" {
		return errors.New("notify.http.url is required when notify.http.enabled=true")
	}
	for _, transport := range transportOrder {
		pacing := TransportPacing(notify, transport)
		if pacing.RatePerSec < 0 {
			return fmt.Errorf("notify.%s.pacing.rate_per_sec must be >=0", transport)
		}
		if pacing.Burst < 0 {
			return fmt.Errorf("notify.%s.pacing.burst must be >=0", transport)
		}
	}
	return nil
}

// validateRule validates one alert rule against schema constraints.
// Params: full config for transport lookups and one decoded rule.
// Returns: rule-level validation error.
func validateRule(cfg Config, rule RuleConfig) error {
	if strings.TrimSpace(rule.Name) == "" {
		return errors.New("name is required")
	}
	if rule.SourceChannel == "" {
		return errors.New("source_channel is required")
	}
	if strings.TrimSpace(rule.Keyword) == "" {
		return errors.New("keyword is required")
	}
	switch rule.Match {
	case MatchContains, MatchAbsent:
	default:
		return fmt.Errorf("match has unsupported value %q", rule.Match)
	}
	if rule.Threshold < 1 {
		return errors.New("threshold must be >=1")
	}
	if rule.WindowSec < 0 {
		return errors.New("window_sec must be >=0")
	}
	if len(rule.Notify) == 0 {
		return errors.New("at least one notify action is required")
	}
	for i, action := range rule.Notify {
		path := fmt.Sprintf("notify[%d]", i)
		if strings.TrimSpace(action.Channel) == "" {
			return fmt.Errorf("%s.channel is required", path)
		}
		transport := ActionTransport(cfg.Notify, action)
		if !IsSupportedTransport(transport) {
			return fmt.Errorf("%s.transport has unsupported value %q", path, action.Transport)
		}
		if !TransportEnabled(cfg.Notify, transport) {
			return fmt.Errorf("%s.transport %q is not enabled", path, transport)
		}
		if err := validateActionTemplate(path+".text", action.Text, cfg, rule); err != nil {
			return err
		}
	}
	return nil
}

// validateActionTemplate parses one action text and dry-runs it with rule data.
// Params: field path, template body, config, and owning rule.
// Returns: parse/render/empty error.
func validateActionTemplate(path, body string, cfg Config, rule RuleConfig) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%s is required", path)
	}
	tmpl, err := templatefmt.ParseActionTemplate(path, body)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	data := templatefmt.ActionData{
		Rule:          rule.Name,
		Keyword:       rule.Keyword,
		SourceChannel: rule.SourceChannel,
		Threshold:     rule.Threshold,
		Count:         rule.Threshold,
		Window:        EffectiveWindow(cfg.Alert, rule),
		Vars:          cfg.Notify.Vars,
	}
	if _, err := templatefmt.Render(tmpl, data); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}

func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// NormalizeTransport canonicalizes transport key.
// Params: raw transport name.
// Returns: lower-case trimmed transport key.
func NormalizeTransport(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// IsSupportedTransport reports whether transport key is known.
// Params: normalized transport key.
// Returns: true for supported transports.
func IsSupportedTransport(transport string) bool {
	for _, known := range transportOrder {
		if known == transport {
			return true
		}
	}
	return false
}

// TransportNames returns supported transport keys in deterministic order.
// Params: none.
// Returns: transport key copy.
func TransportNames() []string {
	return append([]string(nil), transportOrder...)
}

// TransportEnabled reports whether transport is enabled in notify config.
// Params: notify config and transport key.
// Returns: enabled flag.
func TransportEnabled(cfg NotifyConfig, transport string) bool {
	switch transport {
	case TransportSlack:
		return cfg.Slack.Enabled
	case TransportTelegram:
		return cfg.Telegram.Enabled
	case TransportMattermost:
		return cfg.Mattermost.Enabled
	case TransportHTTP:
		return cfg.HTTP.Enabled
	default:
		return false
	}
}

// TransportRetry returns retry policy of one transport.
// Params: notify config and transport key.
// Returns: retry policy (zero value for unknown transport).
func TransportRetry(cfg NotifyConfig, transport string) NotifyRetry {
	switch transport {
	case TransportSlack:
		return cfg.Slack.Retry
	case TransportTelegram:
		return cfg.Telegram.Retry
	case TransportMattermost:
		return cfg.Mattermost.Retry
	case TransportHTTP:
		return cfg.HTTP.Retry
	default:
		return NotifyRetry{}
	}
}

// TransportPacing returns outbound pacing of one transport.
// Params: notify config and transport key.
// Returns: pacing settings (zero value disables pacing).
func TransportPacing(cfg NotifyConfig, transport string) Pacing {
	switch transport {
	case TransportSlack:
		return cfg.Slack.Pacing
	case TransportTelegram:
		return cfg.Telegram.Pacing
	case TransportMattermost:
		return cfg.Mattermost.Pacing
	case TransportHTTP:
		return cfg.HTTP.Pacing
	default:
		return Pacing{}
	}
}
