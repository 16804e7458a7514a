package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/OliverSchlueter/mail-bridge/internal/credential"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "MAILBRIDGE"

var ErrInvalidConfig = errors.New("invalid configuration")

type IMAPSettings struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"-"`
	TLS      bool   `mapstructure:"tls" json:"tls"`

	// Keyring resolves an empty password from the OS keyring.
	Keyring bool `mapstructure:"keyring" json:"keyring"`
}

type DKIMSettings struct {
	Domain   string `mapstructure:"domain" json:"domain"`
	Selector string `mapstructure:"selector" json:"selector"`
	KeyFile  string `mapstructure:"key_file" json:"key_file"`
}

type SMTPSettings struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	User     string `mapstructure:"user" json:"user"`
	Password string `mapstructure:"password" json:"-"`
	TLS      bool   `mapstructure:"tls" json:"tls"`

	From        string       `mapstructure:"from" json:"from"`
	Helo        string       `mapstructure:"helo" json:"helo"`
	ImplicitTLS bool         `mapstructure:"implicit_tls" json:"implicit_tls"`
	DotStuffing bool         `mapstructure:"dot_stuffing" json:"dot_stuffing"`
	Keyring     bool         `mapstructure:"keyring" json:"keyring"`
	DKIM        DKIMSettings `mapstructure:"dkim" json:"dkim"`
}

type Timeouts struct {
	Connect time.Duration `mapstructure:"connect" json:"connect"`
	Command time.Duration `mapstructure:"command" json:"command"`
}

type Config struct {
	IMAP     IMAPSettings `mapstructure:"imap" json:"imap"`
	SMTP     SMTPSettings `mapstructure:"smtp" json:"smtp"`
	Timeouts Timeouts     `mapstructure:"timeouts" json:"timeouts"`
}

// SecretStore is where passwords left empty in the file are looked up.
type SecretStore interface {
	Get(key string) (string, error)
}

// DefaultPath returns ~/.config/mailbridge/config.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.json")
	}
	return filepath.Join(home, ".config", "mailbridge", "config.json")
}

// every key needs a default, AutomaticEnv only overrides keys viper knows
var defaults = map[string]any{
	"imap.host":          "",
	"imap.port":          993,
	"imap.user":          "",
	"imap.password":      "",
	"imap.tls":           true,
	"imap.keyring":       false,
	"smtp.host":          "",
	"smtp.port":          587,
	"smtp.user":          "",
	"smtp.password":      "",
	"smtp.tls":           true,
	"smtp.from":          "",
	"smtp.helo":          "localhost",
	"smtp.implicit_tls":  false,
	"smtp.dot_stuffing":  false,
	"smtp.keyring":       false,
	"smtp.dkim.domain":   "",
	"smtp.dkim.selector": "",
	"smtp.dkim.key_file": "",
	"timeouts.connect":   "10s",
	"timeouts.command":   "15s",
}

// Load reads the settings file at path. The format follows the extension
// (json, yaml or toml). A missing file is not an error, the defaults and the
// MAILBRIDGE_* environment are used instead. A .env file in the working
// directory is loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		slog.Debug("No config file found, using defaults", slog.String("path", path))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	warnUnused(&cfg)

	return &cfg, nil
}

// LoadDotEnv adds the variables of a .env file to the environment without
// overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ResolveSecrets fills empty passwords of keyring enabled accounts from
// store.
func (c *Config) ResolveSecrets(store SecretStore) error {
	if c.IMAP.Keyring && c.IMAP.Password == "" {
		password, err := store.Get(credential.Key("imap", c.IMAP.User))
		if err != nil {
			return fmt.Errorf("resolving IMAP password: %w", err)
		}
		c.IMAP.Password = password
	}

	if c.SMTP.Keyring && c.SMTP.Password == "" {
		password, err := store.Get(credential.Key("smtp", c.SMTP.User))
		if err != nil {
			return fmt.Errorf("resolving SMTP password: %w", err)
		}
		c.SMTP.Password = password
	}

	return nil
}

// NeedsKeyring reports whether ResolveSecrets would consult the keyring.
func (c *Config) NeedsKeyring() bool {
	return (c.IMAP.Keyring && c.IMAP.Password == "") || (c.SMTP.Keyring && c.SMTP.Password == "")
}

func (s IMAPSettings) Validate() error {
	if err := validate("imap", s.Host, s.Port); err != nil {
		return err
	}
	if s.User == "" {
		return fmt.Errorf("%w: imap.user is not set", ErrInvalidConfig)
	}
	if HasLineBreak(s.User) || HasLineBreak(s.Password) {
		return fmt.Errorf("%w: imap.user and imap.password must not contain line breaks", ErrInvalidConfig)
	}
	return nil
}

func (s SMTPSettings) Validate() error {
	if err := validate("smtp", s.Host, s.Port); err != nil {
		return err
	}
	if s.From == "" && s.User == "" {
		return fmt.Errorf("%w: smtp.from or smtp.user must be set", ErrInvalidConfig)
	}
	if HasLineBreak(s.From) || HasLineBreak(s.User) {
		return fmt.Errorf("%w: smtp.from and smtp.user must not contain line breaks", ErrInvalidConfig)
	}
	if s.DKIM.Domain != "" && s.DKIM.KeyFile == "" {
		return fmt.Errorf("%w: smtp.dkim.key_file must be set when signing", ErrInvalidConfig)
	}
	return nil
}

// HasLineBreak reports whether s would end a protocol line early.
func HasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}

func validate(section, host string, port int) error {
	if host == "" {
		return fmt.Errorf("%w: %s.host is not set", ErrInvalidConfig, section)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %s.port %d is out of range", ErrInvalidConfig, section, port)
	}
	return nil
}

// LogValue hides passwords when settings end up in a log line.
func (s IMAPSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", s.Host),
		slog.Int("port", s.Port),
		slog.String("user", s.User),
		slog.Bool("tls", s.TLS),
	)
}

func (s SMTPSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", s.Host),
		slog.Int("port", s.Port),
		slog.String("user", s.User),
		slog.Bool("tls", s.TLS),
		slog.Bool("implicit_tls", s.ImplicitTLS),
	)
}

func warnUnused(cfg *Config) {
	if cfg.SMTP.DKIM.KeyFile != "" && cfg.SMTP.DKIM.Domain == "" {
		slog.Warn("smtp.dkim.key_file is set without smtp.dkim.domain, messages are not signed", sloki.WrapError(ErrInvalidConfig))
	}
}
