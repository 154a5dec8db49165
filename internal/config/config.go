// Package config loads voicebridge service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Defaults for optional settings.
const (
	DefaultPort       = "3000"
	DefaultLogLevel   = "info"
	DefaultChatModel  = "gpt-4o-mini"
	DefaultVoiceModel = "aura-asteria-en"
)

// Config holds the full service configuration.
type Config struct {
	// HTTP server
	Port     string
	LogLevel string

	// PublicHost is the externally reachable hostname used to build the
	// wss:// stream URL handed to the telephony provider.
	PublicHost string

	// Speech-to-text
	DeepgramAPIKey string

	// Language model (any OpenAI-compatible endpoint)
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ChatModel     string

	// Speech synthesis
	VoiceModel       string
	ElevenLabsAPIKey string
	ElevenLabsVoice  string

	// Lifecycle event publishing
	KafkaBrokers []string
	KafkaTopic   string
	KafkaEnabled bool
}

// Load reads configuration from the environment, applying defaults.
// It returns an error when a required value is missing.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		PublicHost:       os.Getenv("SERVER"),
		DeepgramAPIKey:   os.Getenv("DEEPGRAM_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ChatModel:        getEnv("CHAT_MODEL", DefaultChatModel),
		VoiceModel:       getEnv("VOICE_MODEL", DefaultVoiceModel),
		ElevenLabsAPIKey: os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoice:  os.Getenv("ELEVENLABS_VOICE_ID"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "voicebridge.call-lifecycle"),
		KafkaEnabled:     getEnvBool("KAFKA_ENABLED", false),
	}

	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("config: DEEPGRAM_API_KEY is required")
	}
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("config: OPENAI_API_KEY is required")
	}

	return cfg, nil
}

// getEnv returns the environment value or the fallback when unset.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvBool parses a boolean environment value, falling back on parse failure.
func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// splitList splits a comma-separated value, trimming whitespace and
// dropping empty entries.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
