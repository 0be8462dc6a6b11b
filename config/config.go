package config

import (
	"errors"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	StrategyRoundRobin = "round-robin"
	StrategyRandom     = "random"
)

var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type GatewayConfig struct {
	// Name is the caller identity used when a request names none.
	Name         string `mapstructure:"name"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type RegistryConfig struct {
	RegistrationGrace time.Duration `mapstructure:"registration_grace"`
	GoneRetention     time.Duration `mapstructure:"gone_retention"`
}

type ProbeConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
	HealthyThreshold   int           `mapstructure:"healthy_threshold"`
	Path               string        `mapstructure:"path"`
	Workers            int           `mapstructure:"workers"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RollingWindow    time.Duration `mapstructure:"rolling_window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	CooldownCap      time.Duration `mapstructure:"cooldown_cap"`
}

type DispatchConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

type RouterConfig struct {
	Strategy string `mapstructure:"strategy"`
}

type EventsConfig struct {
	Buffer        int    `mapstructure:"buffer"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Registry RegistryConfig `mapstructure:"registry"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Router   RouterConfig   `mapstructure:"router"`
	Events   EventsConfig   `mapstructure:"events"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("gateway.name", "gateway")
	v.SetDefault("gateway.max_body_bytes", 10<<20)
	v.SetDefault("registry.registration_grace", "30s")
	v.SetDefault("registry.gone_retention", "30s")
	v.SetDefault("probe.interval", "5s")
	v.SetDefault("probe.timeout", "2s")
	v.SetDefault("probe.unhealthy_threshold", 3)
	v.SetDefault("probe.healthy_threshold", 2)
	v.SetDefault("probe.path", "/health")
	v.SetDefault("probe.workers", 16)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.rolling_window", "30s")
	v.SetDefault("breaker.cooldown", "5s")
	v.SetDefault("breaker.cooldown_cap", "2m")
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.per_attempt_timeout", "2s")
	v.SetDefault("router.strategy", StrategyRoundRobin)
	v.SetDefault("events.buffer", 1024)
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "fabric")
}

// Load reads config.yaml from ./config or the working directory, then
// applies environment overrides such as PROBE_INTERVAL=10s.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Gateway,
			validation.Required,
			validation.By(func(value interface{}) error {
				gc, ok := value.(GatewayConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a GatewayConfig")
				}
				return validation.ValidateStruct(&gc,
					validation.Field(&gc.Name, validation.Required, validation.Length(1, 128)),
					validation.Field(&gc.MaxBodyBytes, validation.Required, validation.Min(int64(1))),
				)
			}),
		),
		validation.Field(&c.Registry,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RegistryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RegistryConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.RegistrationGrace, validation.Required, validation.Min(time.Second)),
					validation.Field(&rc.GoneRetention, validation.Min(time.Duration(0))),
				)
			}),
		),
		validation.Field(&c.Probe,
			validation.Required,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProbeConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProbeConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.Interval, validation.Required, validation.Min(10*time.Millisecond)),
					validation.Field(&pc.Timeout,
						validation.Required,
						validation.Min(time.Millisecond),
						validation.Max(pc.Interval).Error("must not exceed the probe interval"),
					),
					validation.Field(&pc.UnhealthyThreshold, validation.Required, validation.Min(1)),
					validation.Field(&pc.HealthyThreshold, validation.Required, validation.Min(1)),
					validation.Field(&pc.Path, validation.Required, validation.By(validatePath)),
					validation.Field(&pc.Workers, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Breaker,
			validation.Required,
			validation.By(func(value interface{}) error {
				bc, ok := value.(BreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
				}
				return validation.ValidateStruct(&bc,
					validation.Field(&bc.FailureThreshold, validation.Required, validation.Min(1)),
					validation.Field(&bc.RollingWindow, validation.Min(time.Duration(0))),
					validation.Field(&bc.Cooldown, validation.Required, validation.Min(time.Millisecond)),
					validation.Field(&bc.CooldownCap,
						validation.Required,
						validation.Min(bc.Cooldown).Error("must be at least the cooldown"),
					),
				)
			}),
		),
		validation.Field(&c.Dispatch,
			validation.Required,
			validation.By(func(value interface{}) error {
				dc, ok := value.(DispatchConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a DispatchConfig")
				}
				return validation.ValidateStruct(&dc,
					validation.Field(&dc.MaxAttempts, validation.Required, validation.Min(1), validation.Max(10)),
					validation.Field(&dc.PerAttemptTimeout, validation.Required, validation.Min(time.Millisecond)),
				)
			}),
		),
		validation.Field(&c.Router,
			validation.Required,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RouterConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RouterConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.Strategy,
						validation.Required,
						validation.In(StrategyRoundRobin, StrategyRandom),
					),
				)
			}),
		),
		validation.Field(&c.Events,
			validation.Required,
			validation.By(func(value interface{}) error {
				ec, ok := value.(EventsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an EventsConfig")
				}
				return validation.ValidateStruct(&ec,
					validation.Field(&ec.Buffer, validation.Required, validation.Min(1)),
					validation.Field(&ec.NATSURL, validation.By(validateNATSURL)),
					validation.Field(&ec.SubjectPrefix, validation.Required, validation.Match(subjectPattern)),
				)
			}),
		),
	)
}

// DispatchBudget is the longest a single gateway request may spend in the
// dispatcher.
func (c *Config) DispatchBudget() time.Duration {
	return time.Duration(c.Dispatch.MaxAttempts) * c.Dispatch.PerAttemptTimeout
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validatePath(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if !strings.HasPrefix(path, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}

	return nil
}

func validateNATSURL(value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if raw == "" {
		return nil
	}

	for _, server := range strings.Split(raw, ",") {
		parsedURL, err := url.Parse(strings.TrimSpace(server))
		if err != nil {
			return validation.NewError("validation_invalid_url", "must be a valid URL")
		}

		switch parsedURL.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return validation.NewError("validation_invalid_scheme", "URL must use nats, tls, ws or wss scheme")
		}

		if parsedURL.Host == "" {
			return validation.NewError("validation_missing_host", "URL must have a host")
		}
	}

	return nil
}
