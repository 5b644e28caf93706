package conf

import (
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration tree.
type Bootstrap struct {
	App          *App
	Server       *Server
	Data         *Data
	Webhook      *Webhook
	Whatsapp     *WhatsApp
	Llm          *LLM
	Orchestrator *Orchestrator
	RateLimit    *RateLimit
	Breakers     *Breakers
	Delivery     *Delivery
	Pipeline     *Pipeline
	Alerting     *Alerting
	Log          *Log
}

type App struct {
	Name string
	// Env is one of development, staging, production.
	Env string
}

type Server struct {
	Http *Server_HTTP
	// AdminToken guards the /admin endpoints. Empty disables them.
	AdminToken string
}

type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
	// LocalCacheSize bounds the in-process LRU fallbacks (idempotency keys, counters).
	LocalCacheSize int32
	// EncryptionKey seals message bodies stored in MySQL, 32 bytes raw or base64
	EncryptionKey string
}

type Data_Database struct {
	Driver string
	Source string
}

type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	Db           int32
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

type Webhook struct {
	Path                  string
	AppSecret             string
	VerifyToken           string
	InsecureSkipSignature bool
	MaxBodyBytes          int64
}

type WhatsApp struct {
	BaseUrl       string
	ApiVersion    string
	PhoneNumberId string
	AccessToken   string
	ProxyUrl      string
	Timeout       *durationpb.Duration
	// IdempotentUpstream reports whether the send API deduplicates on X-Idempotency-Key.
	IdempotentUpstream bool
}

type LLM struct {
	Openai *LLM_OpenAI
	Gemini *LLM_Gemini
}

type LLM_OpenAI struct {
	BaseUrl     string
	ApiKey      string
	Model       string
	RouterModel string
	ProxyUrl    string
	MaxTokens   int32
	Temperature float32
	Timeout     *durationpb.Duration
}

type LLM_Gemini struct {
	ApiKey string
	Model  string
}

type Orchestrator struct {
	// Strategies lists strategy ids in priority order.
	Strategies      []string
	StrategyTimeout *durationpb.Duration
	FallbackMessage string
	SystemPrompt    string
	HistoryTurns    int32
	HistoryTtl      *durationpb.Duration
	Faqs            []*Orchestrator_FAQ
	// Specialists maps a router intent to the specialist system prompt.
	Specialists map[string]string
}

type Orchestrator_FAQ struct {
	Keywords []string
	Answer   string
}

type RateLimit struct {
	Rules   []*RateLimit_Rule
	IdleTtl *durationpb.Duration
}

type RateLimit_Rule struct {
	Scope         string
	Window        *durationpb.Duration
	MaxRequests   int32
	BlockDuration *durationpb.Duration
	FailOpen      bool
}

type Breakers struct {
	Default   *Breakers_Config
	Overrides map[string]*Breakers_Config
}

type Breakers_Config struct {
	FailureThreshold int32
	FailureWindow    *durationpb.Duration
	OpenDuration     *durationpb.Duration
	HalfOpenMaxCalls int32
	SuccessThreshold int32
	CallTimeout      *durationpb.Duration
}

type Delivery struct {
	MaxRetries     int32
	BaseDelay      *durationpb.Duration
	MaxDelay       *durationpb.Duration
	IdempotencyTtl *durationpb.Duration
}

type Pipeline struct {
	Workers        int32
	QueueSize      int32
	MessageTimeout *durationpb.Duration
	EnqueueTimeout *durationpb.Duration
}

type Alerting struct {
	Interval  *durationpb.Duration
	Cooldown  *durationpb.Duration
	Window    *durationpb.Duration
	RulesFile string
	Rules     []*Alerting_Rule
	Sinks     *Alerting_Sinks
}

type Alerting_Rule struct {
	Name       string
	Metric     string
	Aggregate  string
	Comparator string
	Threshold  float64
	Severity   string
	MinSamples int32
}

type Alerting_Sinks struct {
	DispatchTimeout *durationpb.Duration
	Webhook         *Alerting_Webhook
	Email           *Alerting_Email
}

type Alerting_Webhook struct {
	Url     string
	Headers map[string]string
}

type Alerting_Email struct {
	SmtpHost string
	SmtpPort int32
	Username string
	Password string
	From     string
	To       []string
}

type Log struct {
	Level      string
	Format     string
	OutputFile string
	Env        string
}
