package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the signaling server settings.
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig

	// StoreBackend selects the call record store: "redis" or "memory".
	StoreBackend string
	// RelayBus selects the fan-out bus: "redis" or "local".
	RelayBus string
	// SignalRatePerSecond bounds publishes per websocket connection.
	SignalRatePerSecond float64
	SignalRateBurst     int
}

// RedisConfig is the connection for the store and the relay bus.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// CallConfig tunes the peer-connection lifecycle on the agent side.
type CallConfig struct {
	ICEServers       []string
	MaxSendAttempts  int
	RetryBase        time.Duration
	MaxICERestarts   int
	ICEDisconnected  time.Duration
	ICEFailed        time.Duration
	ICEKeepalive     time.Duration
	EarlySignalLimit int
}

// AgentConfig holds the settings of the headless call agent.
type AgentConfig struct {
	ServerURL   string
	Username    string
	Password    string
	Environment string
	LogLevel    string
	Call        CallConfig
}

// Load reads the signaling server settings from the environment.
func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := SplitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		StoreBackend:        getEnv("STORE_BACKEND", "redis"),
		RelayBus:            getEnv("RELAY_BUS", "redis"),
		SignalRatePerSecond: getEnvFloat("SIGNAL_RATE_PER_SECOND", 50),
		SignalRateBurst:     getEnvInt("SIGNAL_RATE_BURST", 100),
	}
}

// LoadAgent reads the call agent settings.
func LoadAgent() *AgentConfig {
	return &AgentConfig{
		ServerURL:   getEnv("SIGNALING_URL", "http://localhost:8080"),
		Username:    getEnv("AGENT_USER", ""),
		Password:    getEnv("AGENT_PASSWORD", ""),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Call:        LoadCall(),
	}
}

// LoadCall reads the peer-connection tuning knobs. Defaults are the
// documented limits: 3 delivery attempts, 1s linear backoff base, 2 ICE
// restarts.
func LoadCall() CallConfig {
	return CallConfig{
		ICEServers: SplitList(getEnv("ICE_SERVERS",
			"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302")),
		MaxSendAttempts:  getEnvInt("CALL_MAX_SEND_ATTEMPTS", 3),
		RetryBase:        getEnvDuration("CALL_RETRY_BASE", time.Second),
		MaxICERestarts:   getEnvInt("CALL_MAX_ICE_RESTARTS", 2),
		ICEDisconnected:  getEnvDuration("CALL_ICE_DISCONNECTED_TIMEOUT", 5*time.Second),
		ICEFailed:        getEnvDuration("CALL_ICE_FAILED_TIMEOUT", 25*time.Second),
		ICEKeepalive:     getEnvDuration("CALL_ICE_KEEPALIVE", 2*time.Second),
		EarlySignalLimit: getEnvInt("CALL_EARLY_SIGNAL_LIMIT", 64),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
