package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/MikeSquared-Agency/genrebot/internal/irc"
	"github.com/MikeSquared-Agency/genrebot/internal/reconcile"
	"github.com/MikeSquared-Agency/genrebot/internal/store"
)

// Duration reads "10s"-style strings from TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	IRCServer        string `toml:"irc_server" validate:"required,hostname_rfc1123|ip"`
	IRCPort          int    `toml:"irc_port" validate:"min=1,max=65535"`
	IRCTLS           bool   `toml:"irc_tls"`
	IRCTLSInsecure   bool   `toml:"irc_tls_insecure"`
	IRCNick          string `toml:"irc_nick" validate:"required"`
	IRCRealName      string `toml:"irc_realname"`
	NickServPassword string `toml:"irc_nickserv_password"`
	MonitorChannel   string `toml:"irc_channel_monitor" validate:"required,startswith=#"`
	LogChannel       string `toml:"irc_channel_log" validate:"omitempty,startswith=#"`
	AnnouncerNick    string `toml:"announcer_nick" validate:"required"`

	DatabaseURL string       `toml:"database_url" validate:"required"`
	Catalog     store.Schema `toml:"catalog"`

	LogLevel      string `toml:"log_level" validate:"oneof=debug info warn error"`
	NatsURL       string `toml:"nats_url"`
	NatsToken     string `toml:"nats_token"`
	SlackBotToken string `toml:"slack_bot_token"`
	SlackChannel  string `toml:"slack_channel" validate:"required_with=SlackBotToken"`
	Port          int    `toml:"port" validate:"min=1,max=65535"`
	APIToken      string `toml:"api_token"`
	DataDir       string `toml:"data_dir" validate:"required"`

	MaxAttempts     int        `toml:"max_attempts" validate:"min=0"`
	AcceptThreshold float64    `toml:"accept_threshold" validate:"gt=0,lte=1"`
	WaitSchedule    []Duration `toml:"wait_schedule"`
	InitialDelay    Duration   `toml:"initial_delay"`
	QueueSize       int        `toml:"queue_size" validate:"min=1"`

	DeadLetterCron     string `toml:"deadletter_cron"`
	DeadLetterMaxTries int    `toml:"deadletter_max_tries" validate:"min=1"`
	StatsCron          string `toml:"stats_cron"`
}

// Defaults returns the configuration before any file or environment is applied.
func Defaults() Config {
	p := reconcile.DefaultPolicy()
	schedule := make([]Duration, len(p.WaitSchedule))
	for i, d := range p.WaitSchedule {
		schedule[i] = Duration(d)
	}
	return Config{
		IRCPort:            6697,
		IRCTLS:             true,
		IRCTLSInsecure:     true,
		IRCNick:            "GenreBot",
		IRCRealName:        "Genre Bot",
		Catalog:            store.DefaultSchema(),
		LogLevel:           "info",
		Port:               8760,
		DataDir:            "./data",
		MaxAttempts:        p.MaxAttempts,
		AcceptThreshold:    p.AcceptThreshold,
		WaitSchedule:       schedule,
		InitialDelay:       Duration(p.InitialDelay),
		QueueSize:          256,
		DeadLetterCron:     "@every 15m",
		DeadLetterMaxTries: 5,
		StatsCron:          "0 */6 * * *",
	}
}

// Load layers .env, defaults, the TOML file named by GENREBOT_CONFIG and the
// process environment, later sources winning. It does not validate.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("GENREBOT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.IRCServer = envStr("IRC_SERVER", cfg.IRCServer)
	cfg.IRCPort = envInt("IRC_PORT", cfg.IRCPort)
	cfg.IRCTLS = envBool("IRC_TLS", cfg.IRCTLS)
	cfg.IRCTLSInsecure = envBool("IRC_TLS_INSECURE", cfg.IRCTLSInsecure)
	cfg.IRCNick = envStr("IRC_NICK", cfg.IRCNick)
	cfg.IRCRealName = envStr("IRC_REALNAME", cfg.IRCRealName)
	cfg.NickServPassword = envStr("IRC_NICKSERV_PASSWORD", cfg.NickServPassword)
	cfg.MonitorChannel = envStr("IRC_CHANNEL_MONITOR", cfg.MonitorChannel)
	cfg.LogChannel = envStr("IRC_CHANNEL_LOG", cfg.LogChannel)
	cfg.AnnouncerNick = envStr("ANNOUNCER_NICK", cfg.AnnouncerNick)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = envStr("LOG_LEVEL", cfg.LogLevel)
	cfg.NatsURL = envStr("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = envStr("NATS_TOKEN", cfg.NatsToken)
	cfg.SlackBotToken = envStr("SLACK_BOT_TOKEN", cfg.SlackBotToken)
	cfg.SlackChannel = envStr("SLACK_CHANNEL", cfg.SlackChannel)
	cfg.Port = envInt("GENREBOT_PORT", cfg.Port)
	cfg.APIToken = envStr("GENREBOT_API_TOKEN", cfg.APIToken)
	cfg.DataDir = envStr("GENREBOT_DATA_DIR", cfg.DataDir)
	cfg.MaxAttempts = envInt("GENREBOT_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.AcceptThreshold = envFloat("GENREBOT_ACCEPT_THRESHOLD", cfg.AcceptThreshold)
	cfg.WaitSchedule = envDurations("GENREBOT_WAIT_SCHEDULE", cfg.WaitSchedule)
	cfg.InitialDelay = Duration(envDuration("GENREBOT_INITIAL_DELAY", time.Duration(cfg.InitialDelay)))
	cfg.QueueSize = envInt("GENREBOT_QUEUE_SIZE", cfg.QueueSize)
	cfg.DeadLetterCron = envStr("GENREBOT_DEADLETTER_CRON", cfg.DeadLetterCron)
	cfg.StatsCron = envStr("GENREBOT_STATS_CRON", cfg.StatsCron)

	return cfg, nil
}

// Validate checks the fields needed to run the listener.
func (c Config) Validate() error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("toml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	if len(c.WaitSchedule) < c.MaxAttempts {
		return fmt.Errorf("invalid config: wait_schedule has %d entries, max_attempts is %d", len(c.WaitSchedule), c.MaxAttempts)
	}
	for i, d := range c.WaitSchedule {
		if d < 0 {
			return fmt.Errorf("invalid config: wait_schedule[%d] is negative", i)
		}
	}
	return nil
}

// ValidateCatalog checks only what the catalog-facing CLI commands need.
func (c Config) ValidateCatalog() error {
	if c.DatabaseURL == "" {
		return errors.New("invalid config: DATABASE_URL is required")
	}
	return nil
}

func (c Config) IRC() irc.Config {
	channels := []string{c.MonitorChannel}
	if c.LogChannel != "" && c.LogChannel != c.MonitorChannel {
		channels = append(channels, c.LogChannel)
	}
	return irc.Config{
		Server:             c.IRCServer,
		Port:               c.IRCPort,
		TLS:                c.IRCTLS,
		InsecureSkipVerify: c.IRCTLSInsecure,
		Nick:               c.IRCNick,
		RealName:           c.IRCRealName,
		NickServPassword:   c.NickServPassword,
		Channels:           channels,
	}
}

func (c Config) Policy() reconcile.Policy {
	schedule := make([]time.Duration, len(c.WaitSchedule))
	for i, d := range c.WaitSchedule {
		schedule[i] = time.Duration(d)
	}
	return reconcile.Policy{
		MaxAttempts:     c.MaxAttempts,
		AcceptThreshold: c.AcceptThreshold,
		WaitSchedule:    schedule,
		InitialDelay:    time.Duration(c.InitialDelay),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envDurations parses a comma separated list. Any bad element keeps the fallback.
func envDurations(key string, fallback []Duration) []Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		out = append(out, Duration(d))
	}
	return out
}
