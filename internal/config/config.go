// Package config loads and validates the process configuration.
//
// Sources, in order of precedence:
//  1. Environment variables (WEBSSH_*)
//  2. Configuration file (config.yaml)
//  3. Default values
//
// A .env file in the working directory is folded into the environment
// before viper runs. The resulting Config is immutable for the process
// lifetime; everything downstream receives it as a read-only value.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/websoft9/webssh/internal/policy"
)

type Config struct {
	Listen  ListenConfig  `mapstructure:"listen"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	SSH     SSHConfig     `mapstructure:"ssh"`
	Options OptionsConfig `mapstructure:"options"`
	Session SessionConfig `mapstructure:"session"`
	Header  HeaderConfig  `mapstructure:"header"`
	Log     LogConfig     `mapstructure:"log"`
}

type ListenConfig struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`
}

type HTTPConfig struct {
	// Origins is the allow-list for CORS and the WebSocket origin check.
	// "*" allows any origin.
	Origins []string `mapstructure:"origins" validate:"min=1"`
}

type SSHConfig struct {
	// Host/Port pin the SSH target for every session. An empty Host
	// means the client chooses the target.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"required,gt=0,lte=65535"`

	// Term is the default terminal name when the client sends none.
	Term string `mapstructure:"term" validate:"required"`

	ReadyTimeout      time.Duration `mapstructure:"ready_timeout" validate:"required,gt=0"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"required,gt=0"`
	KeepaliveCountMax int           `mapstructure:"keepalive_count_max" validate:"required,gt=0"`

	// AlwaysSendKeyboardInteractivePrompts forwards every prompt set to
	// the client even when a stored password could answer it.
	AlwaysSendKeyboardInteractivePrompts bool `mapstructure:"always_send_keyboard_interactive_prompts"`

	// AllowedAuthMethods narrows which SSH auth methods may be attempted.
	AllowedAuthMethods []string `mapstructure:"allowed_auth_methods" validate:"min=1,dive,oneof=password keyboard-interactive publickey"`

	Algorithms AlgorithmsConfig `mapstructure:"algorithms"`

	// KnownHosts points at a known_hosts file. Empty skips host-key
	// verification, matching the browser-terminal trust model where the
	// gateway is the client.
	KnownHosts string `mapstructure:"known_hosts"`
}

type AlgorithmsConfig struct {
	Kex           []string `mapstructure:"kex"`
	Cipher        []string `mapstructure:"cipher"`
	ServerHostKey []string `mapstructure:"server_host_key"`
}

type OptionsConfig struct {
	AllowReplay    bool `mapstructure:"allow_replay"`
	AllowReauth    bool `mapstructure:"allow_reauth"`
	AllowReconnect bool `mapstructure:"allow_reconnect"`
	AutoLog        bool `mapstructure:"auto_log"`
}

type SessionConfig struct {
	Name            string        `mapstructure:"name" validate:"required"`
	Secret          string        `mapstructure:"secret" validate:"omitempty,min=16"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"required,gt=0"`
	MaxAuthAttempts int           `mapstructure:"max_auth_attempts" validate:"required,gt=0"`
}

type HeaderConfig struct {
	Text       string `mapstructure:"text"`
	Background string `mapstructure:"background"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json pretty"`
}

// AllowedMethods converts the configured method names into policy
// tokens. Load has already validated the names.
func (c SSHConfig) AllowedMethods() policy.Allowed {
	out := make(policy.Allowed, 0, len(c.AllowedAuthMethods))
	for _, s := range c.AllowedAuthMethods {
		if m, ok := policy.ParseMethod(s); ok {
			out = append(out, m)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.ip", "0.0.0.0")
	v.SetDefault("listen.port", 2222)
	v.SetDefault("http.origins", []string{"*"})
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.term", "xterm-color")
	v.SetDefault("ssh.ready_timeout", 20*time.Second)
	v.SetDefault("ssh.keepalive_interval", 120*time.Second)
	v.SetDefault("ssh.keepalive_count_max", 10)
	v.SetDefault("ssh.allowed_auth_methods", []string{"password", "keyboard-interactive", "publickey"})
	v.SetDefault("options.allow_replay", false)
	v.SetDefault("options.allow_reauth", false)
	v.SetDefault("options.allow_reconnect", false)
	v.SetDefault("options.auto_log", false)
	v.SetDefault("session.name", "webssh.sid")
	v.SetDefault("session.secret", "")
	v.SetDefault("session.timeout", time.Hour)
	v.SetDefault("session.max_auth_attempts", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from path (or the working directory when
// path is empty), applies environment overrides, and validates the
// result.
func Load(path string) (*Config, error) {
	// Optional .env bootstrap; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WEBSSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		// No config file: defaults + env only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies the struct tags plus cross-field rules viper cannot
// express.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	if cfg.Session.Secret == "" {
		return fmt.Errorf("config: session.secret is required (set WEBSSH_SESSION_SECRET)")
	}
	return nil
}
