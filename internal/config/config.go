package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Model     ModelConfig     `mapstructure:"model"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Doubao    DoubaoConfig    `mapstructure:"doubao"`
	Qwen      QwenConfig      `mapstructure:"qwen"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Session   SessionConfig   `mapstructure:"session"`
	Storage   StorageConfig   `mapstructure:"storage"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxHeaderBytes int           `mapstructure:"max_header_bytes"`
}

// ModelConfig selects the generation backend: gemini, openai, doubao, qwen or mock.
type ModelConfig struct {
	Provider     string `mapstructure:"provider"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

type GeminiConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	Temperature     float32 `mapstructure:"temperature"`
	MaxOutputTokens int32   `mapstructure:"max_output_tokens"`
}

type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DoubaoConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type QwenConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float32       `mapstructure:"temperature"`
	TopP         float32       `mapstructure:"top_p"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DebugRequest bool          `mapstructure:"debug_request"`
}

// StreamConfig bounds a single generation. A zero timeout disables it.
type StreamConfig struct {
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	OverallTimeout time.Duration `mapstructure:"overall_timeout"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
}

type SessionConfig struct {
	Greeting      string `mapstructure:"greeting"`
	DefaultTitle  string `mapstructure:"default_title"`
	TitleMaxRunes int    `mapstructure:"title_max_runes"`
}

type StorageConfig struct {
	Type     string `mapstructure:"type"`
	DataDir  string `mapstructure:"data_dir"`
	Key      string `mapstructure:"key"`
	MaxBytes int    `mapstructure:"max_bytes"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

const DefaultGreeting = "Hello! I'm your Teacher AI. Ask me a question, and I'll break it down for you with text and visuals for each step!"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.max_header_bytes", 1<<20)

	v.SetDefault("model.provider", "gemini")
	v.SetDefault("model.system_prompt", "")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.temperature", 1.0)
	v.SetDefault("gemini.max_output_tokens", 0)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", 5*time.Minute)

	v.SetDefault("doubao.api_key", "")
	v.SetDefault("doubao.model", "")

	v.SetDefault("qwen.api_key", "")
	v.SetDefault("qwen.base_url", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("qwen.model", "qwen-plus")
	v.SetDefault("qwen.max_tokens", 8192)
	v.SetDefault("qwen.temperature", 0.7)
	v.SetDefault("qwen.top_p", 0.9)
	v.SetDefault("qwen.timeout", 5*time.Minute)
	v.SetDefault("qwen.debug_request", false)

	v.SetDefault("stream.idle_timeout", 90*time.Second)
	v.SetDefault("stream.overall_timeout", 15*time.Minute)
	v.SetDefault("stream.max_upload_bytes", 20<<20)
	v.SetDefault("stream.heartbeat", 30*time.Second)

	v.SetDefault("session.greeting", DefaultGreeting)
	v.SetDefault("session.default_title", "New Chat")
	v.SetDefault("session.title_max_runes", 40)

	v.SetDefault("storage.type", "disk")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.key", "tutor-chats")
	v.SetDefault("storage.max_bytes", 0)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Origin", "Content-Type", "Accept"})
	v.SetDefault("cors.exposed_headers", []string{"Content-Length"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 43200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_minute", 30)
	v.SetDefault("rate_limit.burst", 5)
}

var cfg *Config

// Load reads configPath when it exists, then applies TUTOR_* environment
// overrides. A missing file is not an error; every key has a default.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TUTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}

	c.applyKeyFallbacks()

	cfg = c
	return c, nil
}

// applyKeyFallbacks fills empty API keys from the conventional provider
// variables. The config file and TUTOR_* variables take precedence.
func (c *Config) applyKeyFallbacks() {
	if c.Gemini.APIKey == "" {
		c.Gemini.APIKey = firstEnv("GEMINI_API_KEY", "API_KEY")
	}
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = firstEnv("OPENAI_API_KEY")
	}
	if c.Doubao.APIKey == "" {
		c.Doubao.APIKey = firstEnv("ARK_API_KEY", "DOUBAO_API_KEY")
	}
	if c.Qwen.APIKey == "" {
		c.Qwen.APIKey = firstEnv("DASHSCOPE_API_KEY")
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func Get() *Config {
	return cfg
}
