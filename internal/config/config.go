package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Tool-invocation modes recognized by the completion client.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// Delivery modes for streamed chunks.
const (
	DeliveryModePush   = "push"
	DeliveryModeDirect = "direct"
)

// Config aggregates all service configuration.
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Relay  RelayConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Relay: relay}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as-is.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig describes the completion provider.
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	SystemPrompt   string
	HistoryLimit   int
	ToolChoice     string
}

// RelayConfig tunes the stream relay and session store.
type RelayConfig struct {
	DeliveryMode        string
	ChunkDelay          time.Duration
	KeepPartialOnCancel bool
	SessionIdleTTL      time.Duration
	JanitorInterval     time.Duration
}

// Enabled reports whether the required provider credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds the Ark chat model from this configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + ARK_MODEL, or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 20
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			historyLimit = 1
		} else {
			historyLimit = *override
		}
	}

	toolChoice := getEnvOrDefault("AI_TOOL_CHOICE", ToolChoiceAuto)
	if toolChoice != ToolChoiceAuto && toolChoice != ToolChoiceNone {
		return AIConfig{}, fmt.Errorf("invalid AI_TOOL_CHOICE value %q: want %q or %q", toolChoice, ToolChoiceAuto, ToolChoiceNone)
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		SystemPrompt:   getEnvOrDefault("AI_SYSTEM_PROMPT", "You are a helpful assistant."),
		HistoryLimit:   historyLimit,
		ToolChoice:     toolChoice,
	}, nil
}

func loadRelayConfig() (RelayConfig, error) {
	mode := getEnvOrDefault("RELAY_DELIVERY_MODE", DeliveryModePush)
	if mode != DeliveryModePush && mode != DeliveryModeDirect {
		return RelayConfig{}, fmt.Errorf("invalid RELAY_DELIVERY_MODE value %q: want %q or %q", mode, DeliveryModePush, DeliveryModeDirect)
	}

	chunkDelayMS := 0
	if override, err := parseOptionalIntEnv("RELAY_CHUNK_DELAY_MS"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return RelayConfig{}, fmt.Errorf("invalid RELAY_CHUNK_DELAY_MS value %d: must not be negative", *override)
		}
		chunkDelayMS = *override
	}

	keepPartial, err := parseBoolEnv("RELAY_KEEP_PARTIAL_ON_CANCEL", false)
	if err != nil {
		return RelayConfig{}, err
	}

	idleMinutes := 0
	if override, err := parseOptionalIntEnv("SESSION_IDLE_TTL_MINUTES"); err != nil {
		return RelayConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return RelayConfig{}, fmt.Errorf("invalid SESSION_IDLE_TTL_MINUTES value %d: must not be negative", *override)
		}
		idleMinutes = *override
	}

	janitorMinutes := 5
	if override, err := parseOptionalIntEnv("SESSION_JANITOR_INTERVAL_MINUTES"); err != nil {
		return RelayConfig{}, err
	} else if override != nil && *override > 0 {
		janitorMinutes = *override
	}

	return RelayConfig{
		DeliveryMode:        mode,
		ChunkDelay:          time.Duration(chunkDelayMS) * time.Millisecond,
		KeepPartialOnCancel: keepPartial,
		SessionIdleTTL:      time.Duration(idleMinutes) * time.Minute,
		JanitorInterval:     time.Duration(janitorMinutes) * time.Minute,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
