package config

import "time"

// EngineConfig holds runtime configuration for the deployment engine.
type EngineConfig struct {
	Environment      string
	Addr             string
	LogLevel         string
	StatePath        string
	StoreEngine      string
	DatabaseURL      string
	EnvEncryptionKey string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	DockerHost       string
	WorkspaceRoot    string
	ImageRegistry    string

	Limiter    LimiterConfig
	Invoker    InvokerConfig
	Poller     PollerConfig
	Pipeline   PipelineConfig
	Reconciler ReconcilerConfig
}

// LimiterConfig tunes the distributed rate limiter.
type LimiterConfig struct {
	Window           time.Duration
	SafetyMargin     float64
	RequestLimit     int64
	TokenLimit       int64
	CriticalHeadroom float64
	LowHeadroom      float64
	RedisTimeout     time.Duration
}

// InvokerConfig tunes retry, backoff and circuit breaking.
type InvokerConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
	AcquireTimeout   time.Duration
}

// PollerConfig tunes long-running operation polling and progress synthesis.
// Booster values are UX smoothing knobs, not correctness parameters.
type PollerConfig struct {
	Interval     time.Duration
	BoostAfter   time.Duration
	BoostPerSec  float64
	StepGapShare float64
	ProgressCap  int
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	BuildTimeout        time.Duration
	DeployTimeout       time.Duration
	HealthTimeout       time.Duration
	HealthInterval      time.Duration
	AnalysisTTL         time.Duration
	AutoApplyConfidence int
	FlushDebounce       time.Duration
}

// ReconcilerConfig tunes the background healing loop.
type ReconcilerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// LoadEngineConfig constructs an EngineConfig from environment variables.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("ENGINE_ADDR", ":4100"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		StatePath:        GetString("STATE_PATH", "data/deployments.json"),
		StoreEngine:      GetString("STORE_ENGINE", "file"),
		DatabaseURL:      GetString("DATABASE_URL", ""),
		EnvEncryptionKey: GetString("ENV_ENCRYPTION_KEY", ""),
		RedisAddr:        GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RedisPassword:    GetString("RATE_LIMIT_REDIS_PASS", ""),
		RedisDB:          GetInt("RATE_LIMIT_REDIS_DB", 0),
		DockerHost:       GetString("DOCKER_HOST_OVERRIDE", ""),
		WorkspaceRoot:    GetString("WORKSPACE_ROOT", "/tmp/launchpad"),
		ImageRegistry:    GetString("IMAGE_REGISTRY", "local"),
		Limiter:          LoadLimiterConfig(),
		Invoker:          LoadInvokerConfig(),
		Poller:           LoadPollerConfig(),
		Pipeline:         LoadPipelineConfig(),
		Reconciler: ReconcilerConfig{
			Interval:   GetDuration("RECONCILE_INTERVAL", time.Minute),
			StaleAfter: GetDuration("RECONCILE_STALE_AFTER", 30*time.Minute),
		},
	}
}

// LoadLimiterConfig reads limiter tuning from the environment.
func LoadLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Window:           GetDuration("RATE_WINDOW", time.Minute),
		SafetyMargin:     GetFloat("RATE_SAFETY_MARGIN", 0.8),
		RequestLimit:     int64(GetInt("RATE_REQUEST_LIMIT", 60)),
		TokenLimit:       int64(GetInt("RATE_TOKEN_LIMIT", 100000)),
		CriticalHeadroom: GetFloat("RATE_CRITICAL_HEADROOM", 1.2),
		LowHeadroom:      GetFloat("RATE_LOW_HEADROOM", 0.85),
		RedisTimeout:     GetDuration("RATE_REDIS_TIMEOUT", 250*time.Millisecond),
	}
}

// LoadInvokerConfig reads resilience tuning from the environment.
func LoadInvokerConfig() InvokerConfig {
	return InvokerConfig{
		MaxAttempts:      GetInt("INVOKE_MAX_ATTEMPTS", 4),
		BaseDelay:        GetDuration("INVOKE_BASE_DELAY", 500*time.Millisecond),
		MaxDelay:         GetDuration("INVOKE_MAX_DELAY", 10*time.Second),
		Jitter:           GetDuration("INVOKE_JITTER", 250*time.Millisecond),
		FailureThreshold: GetInt("BREAKER_FAILURE_THRESHOLD", 5),
		RecoveryTimeout:  GetDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		AcquireTimeout:   GetDuration("RATE_ACQUIRE_TIMEOUT", 30*time.Second),
	}
}

// LoadPollerConfig reads polling tuning from the environment.
func LoadPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:     GetDuration("POLL_INTERVAL", 3*time.Second),
		BoostAfter:   GetDuration("POLL_BOOST_AFTER", 5*time.Second),
		BoostPerSec:  GetFloat("POLL_BOOST_PER_SEC", 0.25),
		StepGapShare: GetFloat("POLL_STEP_GAP_SHARE", 0.9),
		ProgressCap:  GetInt("POLL_PROGRESS_CAP", 99),
	}
}

// LoadPipelineConfig reads orchestrator tuning from the environment.
func LoadPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BuildTimeout:        GetDuration("BUILD_TIMEOUT", 15*time.Minute),
		DeployTimeout:       GetDuration("DEPLOY_TIMEOUT", 10*time.Minute),
		HealthTimeout:       GetDuration("HEALTH_TIMEOUT", 2*time.Minute),
		HealthInterval:      GetDuration("HEALTH_INTERVAL", 3*time.Second),
		AnalysisTTL:         GetDuration("ANALYSIS_TTL", 24*time.Hour),
		AutoApplyConfidence: GetInt("ADVISOR_AUTO_APPLY_CONFIDENCE", 90),
		FlushDebounce:       GetDuration("STORE_FLUSH_DEBOUNCE", 2*time.Second),
	}
}
