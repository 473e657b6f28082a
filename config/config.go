package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Secure  SecureConfig  `mapstructure:"secure"`
	DB      DBConfig      `mapstructure:"db"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	Control ControlConfig `mapstructure:"control"`
}

type ServerConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	MaxClients int    `mapstructure:"max_clients"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ChatConfig struct {
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

type SecureConfig struct {
	DHBits   int    `mapstructure:"dh_bits"`
	DHParams string `mapstructure:"dh_params"` // "generate" or "rfc3526"
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	Credentials string `mapstructure:"credentials"` // "plain" or "bcrypt"
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type ControlConfig struct {
	Socket string `mapstructure:"socket"`
}

const envPrefix = "SECUREMSG"

// Load builds the configuration from, lowest priority first: defaults, a
// securemsg.yaml file, a .env file, SECUREMSG_* variables and args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("securemsg")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.securemsg")

	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	flags := pflag.NewFlagSet("securemsg", pflag.ContinueOnError)
	bindFlags(v, flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 25566)
	v.SetDefault("server.max_clients", 10)

	v.SetDefault("chat.sync_interval", "500ms")

	v.SetDefault("secure.dh_bits", 2048)
	v.SetDefault("secure.dh_params", "generate")

	v.SetDefault("db.path", "securemsg.db")
	v.SetDefault("auth.credentials", "plain")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("control.socket", "/tmp/securemsg.sock")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.String("config", "", "Path to config file")
	flags.String("host", "0.0.0.0", "Listen host")
	flags.Int("port", 25566, "Listen port")
	flags.Int("max-clients", 10, "Maximum concurrent clients")
	flags.Duration("sync-interval", 500*time.Millisecond, "Chat sync interval")
	flags.String("dh-params", "generate", "DH parameters: generate or rfc3526")
	flags.String("db", "securemsg.db", "SQLite database path")
	flags.String("log-level", "info", "Log level: debug, info, warn, error, none")
	flags.String("log-file", "", "Log file (stdout when empty)")

	v.BindPFlag("server.host", flags.Lookup("host"))
	v.BindPFlag("server.port", flags.Lookup("port"))
	v.BindPFlag("server.max_clients", flags.Lookup("max-clients"))
	v.BindPFlag("chat.sync_interval", flags.Lookup("sync-interval"))
	v.BindPFlag("secure.dh_params", flags.Lookup("dh-params"))
	v.BindPFlag("db.path", flags.Lookup("db"))
	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("log.file", flags.Lookup("log-file"))
}

func (c *Config) Validate() error {
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("server.max_clients must be at least 1, got %d", c.Server.MaxClients)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Chat.SyncInterval <= 0 {
		return fmt.Errorf("chat.sync_interval must be positive, got %s", c.Chat.SyncInterval)
	}
	switch c.Secure.DHParams {
	case "generate", "rfc3526":
	default:
		return fmt.Errorf("unknown secure.dh_params %q", c.Secure.DHParams)
	}
	if c.Secure.DHBits < 512 {
		return fmt.Errorf("secure.dh_bits must be at least 512, got %d", c.Secure.DHBits)
	}
	switch c.Auth.Credentials {
	case "plain", "bcrypt":
	default:
		return fmt.Errorf("unknown auth.credentials %q", c.Auth.Credentials)
	}
	return nil
}
