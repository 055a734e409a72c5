// Package config loads the gateway configuration from the config file and
// WARELAY_-prefixed environment variables, with optional named profiles
// overlaid on top of the base settings.
package config

import (
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/warelay/warelay/pkg/agent"
	"github.com/warelay/warelay/pkg/batching"
	"github.com/warelay/warelay/pkg/dlq"
	"github.com/warelay/warelay/pkg/telemetry"
	"github.com/warelay/warelay/pkg/tts"
	"github.com/warelay/warelay/pkg/webhook"
	"github.com/warelay/warelay/pkg/whatsapp"
)

// Message store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

const redactedPlaceholder = "[redacted]"

// StoreConfig selects and parameterises the dedup message store.
type StoreConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
}

func (c StoreConfig) Validate() error {
	switch c.Backend {
	case StoreMemory:
		return nil
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
		return nil
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend")
		}
		return nil
	default:
		return errors.Errorf("unknown store backend %q", c.Backend)
	}
}

// SpeechConfig controls voice replies. Chance is the probability in [0,1]
// that a reply goes out as a voice note instead of text; zero disables
// synthesis entirely.
type SpeechConfig struct {
	tts.Config `mapstructure:",squash" yaml:",inline"`

	Chance float64 `mapstructure:"chance" yaml:"chance"`
}

// Enabled reports whether replies can ever go out as voice notes.
func (c SpeechConfig) Enabled() bool {
	return c.Chance > 0
}

// ProfileConfig is a named bundle of overrides applied on top of the base
// configuration when selected via the profile key.
type ProfileConfig map[string]any

// Config is the full gateway configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	Store      StoreConfig          `mapstructure:"store" yaml:"store"`
	Webhook    webhook.ServerConfig `mapstructure:"webhook" yaml:"webhook"`
	WhatsApp   whatsapp.Config      `mapstructure:"whatsapp" yaml:"whatsapp"`
	Agent      agent.Config         `mapstructure:"agent" yaml:"agent"`
	Speech     SpeechConfig         `mapstructure:"speech" yaml:"speech"`
	Pipeline   batching.Options     `mapstructure:"pipeline" yaml:"pipeline"`
	DeadLetter dlq.Config           `mapstructure:"dead_letter" yaml:"dead_letter"`
	Tracing    telemetry.Config     `mapstructure:"tracing" yaml:"tracing"`

	Profile  string                   `mapstructure:"profile" yaml:"profile,omitempty"`
	Profiles map[string]ProfileConfig `mapstructure:"profiles" yaml:"profiles,omitempty"`
}

// DefaultConfig returns the stock configuration: SQLite dedup store,
// anthropic agent, default pipeline parameters, tracing off.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Store: StoreConfig{
			Backend:    StoreSQLite,
			SQLitePath: "warelay.db",
		},
		Webhook: webhook.ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			Path:         "/webhook",
			MaxBodyBytes: webhook.DefaultMaxBodyBytes,
		},
		WhatsApp: whatsapp.Config{
			BaseURL:    whatsapp.DefaultBaseURL,
			APIVersion: whatsapp.DefaultAPIVersion,
		},
		Agent: agent.Config{
			Provider: agent.ProviderAnthropic,
		},
		Pipeline: batching.DefaultOptions(),
		Tracing: telemetry.Config{
			ServiceName:  "warelay",
			SamplerType:  "always",
			SamplerRatio: 1,
		},
	}
}

// Init registers every configuration key with viper so environment
// variables bind even for keys absent from the config file. Call once at
// startup, after viper's env and file setup and before Load.
func Init() {
	var settings map[string]any
	if err := mapstructure.Decode(DefaultConfig(), &settings); err != nil {
		panic(errors.Wrap(err, "encoding default configuration"))
	}
	registerDefaults("", settings)
}

func registerDefaults(prefix string, values map[string]any) {
	for key, value := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			registerDefaults(full, nested)
			continue
		}
		viper.SetDefault(full, value)
	}
}

// Load reads the effective configuration from viper and applies the
// active profile, if any.
func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "unmarshalling configuration")
	}

	// "default" is the base configuration itself, never an overlay.
	delete(config.Profiles, "default")

	if name := activeProfile(config.Profile); name != "" {
		profile, ok := config.Profiles[name]
		if !ok {
			return nil, errors.Errorf("unknown profile %q", name)
		}
		if err := applyProfile(&config, profile); err != nil {
			return nil, err
		}
	}
	return &config, nil
}

func activeProfile(name string) string {
	if name == "default" {
		return ""
	}
	return name
}

// applyProfile merges profile values over config, leaving keys the
// profile does not mention untouched.
func applyProfile(config *Config, profile ProfileConfig) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           config,
		WeaklyTypedInput: true,
		ZeroFields:       false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return errors.Wrap(err, "creating profile decoder")
	}
	if err := decoder.Decode(map[string]any(profile)); err != nil {
		return errors.Wrap(err, "applying profile configuration")
	}
	return nil
}

// DeadLetterEnabled reports whether a Kafka dead letter sink is
// configured.
func (c *Config) DeadLetterEnabled() bool {
	return len(c.DeadLetter.Brokers) > 0 || c.DeadLetter.Topic != ""
}

// Validate checks everything the serve command needs. It aggregates all
// problems so a broken deployment surfaces them in one pass.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, errors.Errorf("invalid log level %q", c.LogLevel))
	}
	if err := c.Store.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Webhook.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.WhatsApp.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.Agent.Provider {
	case "", agent.ProviderAnthropic, agent.ProviderOpenAI:
	default:
		result = multierror.Append(result, errors.Errorf("unknown agent provider %q", c.Agent.Provider))
	}
	if c.Speech.Chance < 0 || c.Speech.Chance > 1 {
		result = multierror.Append(result, errors.Errorf("speech chance must be within [0, 1], got %v", c.Speech.Chance))
	}
	if c.DeadLetterEnabled() {
		if err := c.DeadLetter.Validate(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// Redacted returns a copy safe to print: credentials are masked, profile
// bundles are dropped since they may carry their own secrets.
func (c *Config) Redacted() Config {
	out := *c
	out.Webhook.AppSecret = redactSecret(out.Webhook.AppSecret)
	out.Webhook.VerifyToken = redactSecret(out.Webhook.VerifyToken)
	out.WhatsApp.AccessToken = redactSecret(out.WhatsApp.AccessToken)
	out.Agent.APIKey = redactSecret(out.Agent.APIKey)
	out.Speech.APIKey = redactSecret(out.Speech.APIKey)
	out.Store.RedisPassword = redactSecret(out.Store.RedisPassword)
	out.Profiles = nil
	return out
}

func redactSecret(s string) string {
	if s == "" {
		return ""
	}
	return redactedPlaceholder
}

// EnvKeyReplacer maps nested config keys onto environment variable names,
// so whatsapp.access_token binds to WARELAY_WHATSAPP_ACCESS_TOKEN.
func EnvKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}
