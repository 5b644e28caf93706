// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// EnvProduction is the app.env value that forbids the signature bypass.
const EnvProduction = "production"

// rateLimitRuleEntry is the mapstructure shape of one rate_limit.rules item.
type rateLimitRuleEntry struct {
	Scope         string        `mapstructure:"scope"`
	Window        time.Duration `mapstructure:"window"`
	MaxRequests   int32         `mapstructure:"max_requests"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	FailOpen      bool          `mapstructure:"fail_open"`
}

type breakerEntry struct {
	FailureThreshold int32         `mapstructure:"failure_threshold"`
	FailureWindow    time.Duration `mapstructure:"failure_window"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	HalfOpenMaxCalls int32         `mapstructure:"half_open_max_calls"`
	SuccessThreshold int32         `mapstructure:"success_threshold"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
}

type faqEntry struct {
	Keywords []string `mapstructure:"keywords"`
	Answer   string   `mapstructure:"answer"`
}

type alertRuleEntry struct {
	Name       string  `mapstructure:"name"`
	Metric     string  `mapstructure:"metric"`
	Aggregate  string  `mapstructure:"aggregate"`
	Comparator string  `mapstructure:"comparator"`
	Threshold  float64 `mapstructure:"threshold"`
	Severity   string  `mapstructure:"severity"`
	MinSamples int32   `mapstructure:"min_samples"`
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with REPLYRELAY_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or REPLYRELAY_DATA_DATABASE_SOURCE: MySQL connection string
//   - WHATSAPP_APP_SECRET or REPLYRELAY_WEBHOOK_APP_SECRET: webhook signing secret
//   - WHATSAPP_ACCESS_TOKEN, WHATSAPP_PHONE_NUMBER_ID: Cloud API credentials
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("REPLYRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow the provider-style variable names used by deployment manifests
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "REPLYRELAY_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "REPLYRELAY_DATA_REDIS_ADDR")
	_ = v.BindEnv("webhook.app_secret", "WHATSAPP_APP_SECRET", "REPLYRELAY_WEBHOOK_APP_SECRET")
	_ = v.BindEnv("webhook.verify_token", "WHATSAPP_VERIFY_TOKEN", "REPLYRELAY_WEBHOOK_VERIFY_TOKEN")
	_ = v.BindEnv("webhook.insecure_skip_signature", "REPLYRELAY_WEBHOOK_INSECURE_SKIP_SIGNATURE")
	_ = v.BindEnv("whatsapp.access_token", "WHATSAPP_ACCESS_TOKEN", "REPLYRELAY_WHATSAPP_ACCESS_TOKEN")
	_ = v.BindEnv("whatsapp.phone_number_id", "WHATSAPP_PHONE_NUMBER_ID", "REPLYRELAY_WHATSAPP_PHONE_NUMBER_ID")
	_ = v.BindEnv("llm.openai.api_key", "OPENAI_API_KEY", "REPLYRELAY_LLM_OPENAI_API_KEY")
	_ = v.BindEnv("llm.gemini.api_key", "GEMINI_API_KEY", "REPLYRELAY_LLM_GEMINI_API_KEY")
	_ = v.BindEnv("server.admin_token", "REPLYRELAY_ADMIN_TOKEN")
	_ = v.BindEnv("data.encryption_key", "REPLYRELAY_ENCRYPTION_KEY")
	_ = v.BindEnv("app.env", "REPLYRELAY_ENV", "REPLYRELAY_APP_ENV")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		App: &App{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
			AdminToken: v.GetString("server.admin_token"),
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				Db:           v.GetInt32("data.redis.db"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
			LocalCacheSize: v.GetInt32("data.local_cache_size"),
			EncryptionKey:  v.GetString("data.encryption_key"),
		},
		Webhook: &Webhook{
			Path:                  v.GetString("webhook.path"),
			AppSecret:             v.GetString("webhook.app_secret"),
			VerifyToken:           v.GetString("webhook.verify_token"),
			InsecureSkipSignature: v.GetBool("webhook.insecure_skip_signature"),
			MaxBodyBytes:          v.GetInt64("webhook.max_body_bytes"),
		},
		Whatsapp: &WhatsApp{
			BaseUrl:            v.GetString("whatsapp.base_url"),
			ApiVersion:         v.GetString("whatsapp.api_version"),
			PhoneNumberId:      v.GetString("whatsapp.phone_number_id"),
			AccessToken:        v.GetString("whatsapp.access_token"),
			ProxyUrl:           v.GetString("whatsapp.proxy_url"),
			Timeout:            durationpb.New(v.GetDuration("whatsapp.timeout")),
			IdempotentUpstream: v.GetBool("whatsapp.idempotent_upstream"),
		},
		Llm: &LLM{
			Openai: &LLM_OpenAI{
				BaseUrl:     v.GetString("llm.openai.base_url"),
				ApiKey:      v.GetString("llm.openai.api_key"),
				Model:       v.GetString("llm.openai.model"),
				RouterModel: v.GetString("llm.openai.router_model"),
				ProxyUrl:    v.GetString("llm.openai.proxy_url"),
				MaxTokens:   v.GetInt32("llm.openai.max_tokens"),
				Temperature: float32(v.GetFloat64("llm.openai.temperature")),
				Timeout:     durationpb.New(v.GetDuration("llm.openai.timeout")),
			},
			Gemini: &LLM_Gemini{
				ApiKey: v.GetString("llm.gemini.api_key"),
				Model:  v.GetString("llm.gemini.model"),
			},
		},
		Orchestrator: &Orchestrator{
			Strategies:      v.GetStringSlice("orchestrator.strategies"),
			StrategyTimeout: durationpb.New(v.GetDuration("orchestrator.strategy_timeout")),
			FallbackMessage: v.GetString("orchestrator.fallback_message"),
			SystemPrompt:    v.GetString("orchestrator.system_prompt"),
			HistoryTurns:    v.GetInt32("orchestrator.history_turns"),
			HistoryTtl:      durationpb.New(v.GetDuration("orchestrator.history_ttl")),
			Specialists:     v.GetStringMapString("orchestrator.specialists"),
		},
		RateLimit: &RateLimit{
			IdleTtl: durationpb.New(v.GetDuration("rate_limit.idle_ttl")),
		},
		Breakers: &Breakers{
			Overrides: map[string]*Breakers_Config{},
		},
		Delivery: &Delivery{
			MaxRetries:     v.GetInt32("delivery.max_retries"),
			BaseDelay:      durationpb.New(v.GetDuration("delivery.base_delay")),
			MaxDelay:       durationpb.New(v.GetDuration("delivery.max_delay")),
			IdempotencyTtl: durationpb.New(v.GetDuration("delivery.idempotency_ttl")),
		},
		Pipeline: &Pipeline{
			Workers:        v.GetInt32("pipeline.workers"),
			QueueSize:      v.GetInt32("pipeline.queue_size"),
			MessageTimeout: durationpb.New(v.GetDuration("pipeline.message_timeout")),
			EnqueueTimeout: durationpb.New(v.GetDuration("pipeline.enqueue_timeout")),
		},
		Alerting: &Alerting{
			Interval:  durationpb.New(v.GetDuration("alerting.interval")),
			Cooldown:  durationpb.New(v.GetDuration("alerting.cooldown")),
			Window:    durationpb.New(v.GetDuration("alerting.window")),
			RulesFile: v.GetString("alerting.rules_file"),
			Sinks: &Alerting_Sinks{
				DispatchTimeout: durationpb.New(v.GetDuration("alerting.sinks.dispatch_timeout")),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			OutputFile: v.GetString("log.output_file"),
			Env:        v.GetString("app.env"),
		},
	}

	if err := loadStructured(v, bc); err != nil {
		return nil, err
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// loadStructured decodes the list and map sections that plain getters cannot express.
func loadStructured(v *viper.Viper, bc *Bootstrap) error {
	var rules []rateLimitRuleEntry
	if err := v.UnmarshalKey("rate_limit.rules", &rules); err != nil {
		return fmt.Errorf("invalid rate_limit.rules: %w", err)
	}
	if len(rules) == 0 {
		rules = defaultRateLimitRules()
	}
	for _, r := range rules {
		bc.RateLimit.Rules = append(bc.RateLimit.Rules, &RateLimit_Rule{
			Scope:         r.Scope,
			Window:        durationpb.New(r.Window),
			MaxRequests:   r.MaxRequests,
			BlockDuration: durationpb.New(r.BlockDuration),
			FailOpen:      r.FailOpen,
		})
	}

	// Read field by field so a partial breakers.default in the file keeps the other defaults.
	def := breakerEntry{
		FailureThreshold: v.GetInt32("breakers.default.failure_threshold"),
		FailureWindow:    v.GetDuration("breakers.default.failure_window"),
		OpenDuration:     v.GetDuration("breakers.default.open_duration"),
		HalfOpenMaxCalls: v.GetInt32("breakers.default.half_open_max_calls"),
		SuccessThreshold: v.GetInt32("breakers.default.success_threshold"),
		CallTimeout:      v.GetDuration("breakers.default.call_timeout"),
	}
	bc.Breakers.Default = def.toConf()

	overrides := map[string]breakerEntry{}
	if err := v.UnmarshalKey("breakers.overrides", &overrides); err != nil {
		return fmt.Errorf("invalid breakers.overrides: %w", err)
	}
	for name, o := range overrides {
		bc.Breakers.Overrides[name] = o.mergeOnto(def).toConf()
	}

	var faqs []faqEntry
	if err := v.UnmarshalKey("orchestrator.faqs", &faqs); err != nil {
		return fmt.Errorf("invalid orchestrator.faqs: %w", err)
	}
	for _, f := range faqs {
		bc.Orchestrator.Faqs = append(bc.Orchestrator.Faqs, &Orchestrator_FAQ{Keywords: f.Keywords, Answer: f.Answer})
	}

	var alertRules []alertRuleEntry
	if err := v.UnmarshalKey("alerting.rules", &alertRules); err != nil {
		return fmt.Errorf("invalid alerting.rules: %w", err)
	}
	for _, r := range alertRules {
		bc.Alerting.Rules = append(bc.Alerting.Rules, &Alerting_Rule{
			Name:       r.Name,
			Metric:     r.Metric,
			Aggregate:  r.Aggregate,
			Comparator: r.Comparator,
			Threshold:  r.Threshold,
			Severity:   r.Severity,
			MinSamples: r.MinSamples,
		})
	}
	if bc.Alerting.RulesFile != "" {
		fileRules, err := LoadAlertRules(bc.Alerting.RulesFile)
		if err != nil {
			return err
		}
		bc.Alerting.Rules = append(bc.Alerting.Rules, fileRules...)
	}
	if len(bc.Alerting.Rules) == 0 {
		bc.Alerting.Rules = DefaultAlertRules()
	}

	if url := v.GetString("alerting.sinks.webhook.url"); url != "" {
		bc.Alerting.Sinks.Webhook = &Alerting_Webhook{
			Url:     url,
			Headers: v.GetStringMapString("alerting.sinks.webhook.headers"),
		}
	}
	if host := v.GetString("alerting.sinks.email.smtp_host"); host != "" {
		bc.Alerting.Sinks.Email = &Alerting_Email{
			SmtpHost: host,
			SmtpPort: v.GetInt32("alerting.sinks.email.smtp_port"),
			Username: v.GetString("alerting.sinks.email.username"),
			Password: v.GetString("alerting.sinks.email.password"),
			From:     v.GetString("alerting.sinks.email.from"),
			To:       v.GetStringSlice("alerting.sinks.email.to"),
		}
	}

	return nil
}

func (b breakerEntry) toConf() *Breakers_Config {
	return &Breakers_Config{
		FailureThreshold: b.FailureThreshold,
		FailureWindow:    durationpb.New(b.FailureWindow),
		OpenDuration:     durationpb.New(b.OpenDuration),
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
		SuccessThreshold: b.SuccessThreshold,
		CallTimeout:      durationpb.New(b.CallTimeout),
	}
}

// mergeOnto fills zero fields of an override from the default breaker settings.
func (b breakerEntry) mergeOnto(def breakerEntry) breakerEntry {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = def.FailureThreshold
	}
	if b.FailureWindow == 0 {
		b.FailureWindow = def.FailureWindow
	}
	if b.OpenDuration == 0 {
		b.OpenDuration = def.OpenDuration
	}
	if b.HalfOpenMaxCalls == 0 {
		b.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = def.SuccessThreshold
	}
	if b.CallTimeout == 0 {
		b.CallTimeout = def.CallTimeout
	}
	return b
}

func defaultRateLimitRules() []rateLimitRuleEntry {
	return []rateLimitRuleEntry{
		{Scope: "ip", Window: time.Minute, MaxRequests: 100, BlockDuration: 5 * time.Minute},
		{Scope: "user", Window: time.Minute, MaxRequests: 20, BlockDuration: 2 * time.Minute},
		{Scope: "endpoint", Window: time.Minute, MaxRequests: 600, BlockDuration: time.Minute, FailOpen: true},
		{Scope: "global", Window: time.Minute, MaxRequests: 1000, BlockDuration: 30 * time.Second, FailOpen: true},
	}
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ReplyRelay")
	v.SetDefault("app.env", "development")

	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment
	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)
	v.SetDefault("data.local_cache_size", 10000)

	v.SetDefault("webhook.path", "/webhook")
	v.SetDefault("webhook.insecure_skip_signature", false)
	v.SetDefault("webhook.max_body_bytes", 1<<20)

	v.SetDefault("whatsapp.base_url", "https://graph.facebook.com")
	v.SetDefault("whatsapp.api_version", "v21.0")
	v.SetDefault("whatsapp.timeout", 8*time.Second)
	v.SetDefault("whatsapp.idempotent_upstream", false)

	v.SetDefault("llm.openai.base_url", "https://api.openai.com")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.router_model", "gpt-4o-mini")
	v.SetDefault("llm.openai.max_tokens", 512)
	v.SetDefault("llm.openai.temperature", 0.3)
	v.SetDefault("llm.openai.timeout", 20*time.Second)
	v.SetDefault("llm.gemini.model", "gemini-1.5-flash")

	v.SetDefault("orchestrator.strategies", []string{"hybrid", "simple_llm", "advanced_llm", "multi_agent"})
	v.SetDefault("orchestrator.strategy_timeout", 8*time.Second)
	v.SetDefault("orchestrator.fallback_message",
		"Thanks for your message! We are experiencing a temporary issue and will get back to you shortly.")
	v.SetDefault("orchestrator.system_prompt", "You are a helpful assistant for a small business on WhatsApp. Answer briefly.")
	v.SetDefault("orchestrator.history_turns", 10)
	v.SetDefault("orchestrator.history_ttl", 24*time.Hour)

	v.SetDefault("rate_limit.idle_ttl", 10*time.Minute)

	v.SetDefault("breakers.default.failure_threshold", 5)
	v.SetDefault("breakers.default.failure_window", time.Minute)
	v.SetDefault("breakers.default.open_duration", 30*time.Second)
	v.SetDefault("breakers.default.half_open_max_calls", 2)
	v.SetDefault("breakers.default.success_threshold", 2)
	v.SetDefault("breakers.default.call_timeout", 10*time.Second)

	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.base_delay", 500*time.Millisecond)
	v.SetDefault("delivery.max_delay", 10*time.Second)
	v.SetDefault("delivery.idempotency_ttl", 24*time.Hour)

	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.message_timeout", 60*time.Second)
	v.SetDefault("pipeline.enqueue_timeout", 2*time.Second)

	v.SetDefault("alerting.interval", 30*time.Second)
	v.SetDefault("alerting.cooldown", 10*time.Minute)
	v.SetDefault("alerting.window", 5*time.Minute)
	v.SetDefault("alerting.sinks.dispatch_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if bc.Whatsapp == nil || bc.Whatsapp.AccessToken == "" {
		missingFields = append(missingFields, "whatsapp.access_token (WHATSAPP_ACCESS_TOKEN)")
	}
	if bc.Whatsapp == nil || bc.Whatsapp.PhoneNumberId == "" {
		missingFields = append(missingFields, "whatsapp.phone_number_id (WHATSAPP_PHONE_NUMBER_ID)")
	}

	env := ""
	if bc.App != nil {
		env = bc.App.Env
	}
	if bc.Webhook == nil {
		missingFields = append(missingFields, "webhook.app_secret (WHATSAPP_APP_SECRET)")
	} else {
		if bc.Webhook.InsecureSkipSignature && env == EnvProduction {
			return fmt.Errorf("webhook.insecure_skip_signature must not be enabled when app.env is %s", EnvProduction)
		}
		if bc.Webhook.AppSecret == "" && !bc.Webhook.InsecureSkipSignature {
			missingFields = append(missingFields, "webhook.app_secret (WHATSAPP_APP_SECRET)")
		}
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	// The HTTP client must give up before the breaker does, otherwise the
	// two timeouts race on every slow send.
	if bc.Whatsapp.Timeout != nil {
		clientTimeout := bc.Whatsapp.Timeout.AsDuration()
		if callTimeout := bc.Breakers.callTimeout("whatsapp"); callTimeout > 0 && clientTimeout >= callTimeout {
			return fmt.Errorf("whatsapp.timeout (%s) must be shorter than the whatsapp breaker call_timeout (%s)", clientTimeout, callTimeout)
		}
	}

	return nil
}

// callTimeout returns the effective call timeout for dependency, zero when unset.
func (b *Breakers) callTimeout(dependency string) time.Duration {
	if b == nil {
		return 0
	}
	if o, ok := b.Overrides[dependency]; ok && o != nil && o.CallTimeout != nil {
		return o.CallTimeout.AsDuration()
	}
	if b.Default != nil && b.Default.CallTimeout != nil {
		return b.Default.CallTimeout.AsDuration()
	}
	return 0
}
