// Package config loads the gateway's layered configuration: environment
// variables with an optional config_<env>.yaml file underneath, the way
// the teacher project's viper-based settings loader does.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// UpstreamConfig describes the bidirectional model endpoint.
type UpstreamConfig struct {
	ProjectID      string        `mapstructure:"vertex_ai_project_id"`
	Location       string        `mapstructure:"vertex_ai_location"`
	Model          string        `mapstructure:"vertex_ai_model"`
	APIKey         string        `mapstructure:"vertex_ai_api_key"`
	Voice          string        `mapstructure:"voice"`
	Temperature    float64       `mapstructure:"temperature" default:"0.7"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" default:"60s"`
	SetupTimeout   time.Duration `mapstructure:"setup_timeout" default:"30s"`
	KeepaliveEvery time.Duration `mapstructure:"keepalive_every" default:"30s"`
	KeepaliveIdle  time.Duration `mapstructure:"keepalive_idle" default:"25s"`
}

// FallbackASRConfig describes the secondary speech-to-text path.
type FallbackASRConfig struct {
	Enabled         bool   `mapstructure:"stt_fallback_enabled" default:"true"`
	DisableOnVertex bool   `mapstructure:"stt_disable_on_vertex" default:"true"`
	ProjectID       string `mapstructure:"vertex_ai_project_id"`
	Region          string `mapstructure:"stt_region" default:"global"`
	LanguageCode    string `mapstructure:"stt_language_code" default:"en-US"`
	MaxRetries      int    `mapstructure:"stt_max_retries" default:"5"`
	BaseRetryDelay  time.Duration `mapstructure:"stt_base_retry_delay" default:"250ms"`
	JitterBufferLen int    `mapstructure:"stt_jitter_buffer_bytes" default:"65536"`
}

// AuthConfig controls identity verification.
type AuthConfig struct {
	AllowMockTokens bool `mapstructure:"allow_mock_tokens" default:"false"`
	JWTSecret       string `mapstructure:"jwt_secret"`
}

// Settings is the full process configuration.
type Settings struct {
	Env              string            `mapstructure:"env"`
	Debug            bool              `mapstructure:"debug" default:"false"`
	Port             int               `mapstructure:"port" default:"8080"`
	AllowedOrigins   []string          `mapstructure:"allowed_origins"`
	AssistantEmitPartials bool         `mapstructure:"assistant_emit_partials" default:"false"`
	Upstream         UpstreamConfig    `mapstructure:"upstream"`
	FallbackASR      FallbackASRConfig `mapstructure:"fallback_asr"`
	Auth             AuthConfig        `mapstructure:"auth"`
}

// Load reads configuration from GATEWAY_CONFIG if set, otherwise from
// config_<env>.yaml in the conventional search path, then overlays
// environment variables and unmarshals into Settings. A missing config
// file is tolerated; environment variables alone can fully configure the
// gateway.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnv(v)
	setDefaults(v)

	if cfgPath := os.Getenv("GATEWAY_CONFIG"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("config_" + genEnv())
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/voicegateway")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if settings.Env == "" {
		settings.Env = genEnv()
	}

	return &settings, nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("env", "NODE_ENV", "ENV")
	_ = v.BindEnv("allowed_origins", "ALLOWED_ORIGINS")
	_ = v.BindEnv("assistant_emit_partials", "ASSISTANT_EMIT_PARTIALS")
	_ = v.BindEnv("upstream.vertex_ai_project_id", "VERTEX_AI_PROJECT_ID")
	_ = v.BindEnv("upstream.vertex_ai_location", "VERTEX_AI_LOCATION")
	_ = v.BindEnv("upstream.vertex_ai_model", "VERTEX_AI_MODEL")
	_ = v.BindEnv("upstream.vertex_ai_api_key", "VERTEX_AI_API_KEY")
	_ = v.BindEnv("fallback_asr.stt_fallback_enabled", "STT_FALLBACK_ENABLED")
	_ = v.BindEnv("fallback_asr.stt_disable_on_vertex", "STT_DISABLE_ON_VERTEX")
	_ = v.BindEnv("fallback_asr.vertex_ai_project_id", "VERTEX_AI_PROJECT_ID")
	_ = v.BindEnv("auth.allow_mock_tokens", "ALLOW_MOCK_TOKENS")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("assistant_emit_partials", false)
	v.SetDefault("upstream.temperature", 0.7)
	v.SetDefault("upstream.connect_timeout", 60*time.Second)
	v.SetDefault("upstream.setup_timeout", 30*time.Second)
	v.SetDefault("upstream.keepalive_every", 30*time.Second)
	v.SetDefault("upstream.keepalive_idle", 25*time.Second)
	v.SetDefault("fallback_asr.stt_fallback_enabled", true)
	v.SetDefault("fallback_asr.stt_disable_on_vertex", true)
	v.SetDefault("fallback_asr.stt_region", "global")
	v.SetDefault("fallback_asr.stt_language_code", "en-US")
	v.SetDefault("fallback_asr.stt_max_retries", 5)
	v.SetDefault("fallback_asr.stt_base_retry_delay", 250*time.Millisecond)
	v.SetDefault("fallback_asr.stt_jitter_buffer_bytes", 65536)
	v.SetDefault("auth.allow_mock_tokens", false)
}

func genEnv() string {
	env := os.Getenv("NODE_ENV")
	if env == "" {
		env = os.Getenv("ENV")
	}
	if env == "" {
		return "dev"
	}
	return env
}
