// Package config implements the server's configuration surface (C10),
// grounded on marmos91-dnfs/pkg/config: spf13/viper binds file, env, and
// flag sources into a mapstructure-tagged Config, then
// go-playground/validator/v10 checks it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DBConfig names the database the server's user table lives in.
type DBConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user" validate:"required"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name" validate:"required"`
	PoolSize int    `mapstructure:"pool_size" validate:"min=1"`
}

// LogConfig configures the async log sink (C3).
type LogConfig struct {
	Mode       string `mapstructure:"mode" validate:"oneof=sync async"`
	Dir        string `mapstructure:"dir" validate:"required"`
	BaseName   string `mapstructure:"base_name" validate:"required"`
	SplitLines int    `mapstructure:"split_lines" validate:"min=0"`
	QueueSize  int    `mapstructure:"queue_size" validate:"min=0"`
	Disabled   bool   `mapstructure:"disabled"`
}

// ServerConfig configures the reactor and worker pool (C9, C7).
type ServerConfig struct {
	WorkerCount      int    `mapstructure:"worker_count" validate:"min=1"`
	MaxRequests      int    `mapstructure:"max_requests" validate:"min=1"`
	Linger           bool   `mapstructure:"linger"`
	ListenerTrigger  string `mapstructure:"listener_trigger" validate:"oneof=LT ET"`
	ConnTrigger      string `mapstructure:"conn_trigger" validate:"oneof=LT ET"`
	ActorModel       string `mapstructure:"actor_model" validate:"oneof=reactor proactor"`
	TimeslotSeconds  int    `mapstructure:"timeslot_seconds" validate:"min=1"`
	PinWorkers       bool   `mapstructure:"pin_workers"`

	// AcceptRatePerSecond and AcceptBurst bound how many connections a
	// single remote IP may open; 0 disables the limiter.
	AcceptRatePerSecond float64 `mapstructure:"accept_rate_per_second" validate:"min=0"`
	AcceptBurst         int     `mapstructure:"accept_burst" validate:"min=0"`
}

// MetricsConfig configures the side Prometheus listener (C11).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
}

// Config is the root configuration object.
type Config struct {
	Port    int           `mapstructure:"port" validate:"required"`
	DocRoot string        `mapstructure:"doc_root" validate:"required"`
	DB      DBConfig      `mapstructure:"db" validate:"required"`
	Log     LogConfig     `mapstructure:"log" validate:"required"`
	Server  ServerConfig  `mapstructure:"server" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// Default returns the compiled-in defaults every load starts from, so a
// missing config file is not itself an error. Default leaves db.user and
// db.name empty, so Validate rejects it until those are supplied.
func Default() Config {
	return Config{
		Port:    9006,
		DocRoot: "./root",
		DB: DBConfig{
			Host:     "127.0.0.1",
			Port:     3306,
			PoolSize: 8,
		},
		Log: LogConfig{
			Mode:       "async",
			Dir:        "./ServerLog",
			BaseName:   "emberweb.log",
			SplitLines: 5_000_000,
			QueueSize:  1000,
		},
		Server: ServerConfig{
			WorkerCount:     8,
			MaxRequests:     10000,
			ListenerTrigger: "LT",
			ConnTrigger:     "LT",
			ActorModel:      "reactor",
			TimeslotSeconds: 5,
			AcceptRatePerSecond: 50,
			AcceptBurst:         100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9106",
		},
	}
}

// Load builds a viper.Viper bound to path (if non-empty) plus the
// EMBERWEB_ environment prefix, unmarshals on top of Default, and
// validates, mirroring dnfs's Load/setupViper split.
func Load(path string) (*Config, error) {
	v := viper.New()
	setupViper(v, path)

	cfg := Default()
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix("EMBERWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.SetConfigName("emberweb")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := configDir(); err == nil {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, path string) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if ok := asConfigFileNotFound(err, &notFound); ok {
		return nil
	}
	// An explicit path that does not exist surfaces as an fs error rather
	// than ConfigFileNotFoundError; it is tolerated the same way.
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("reading config file: %w", err)
}

func asConfigFileNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "emberweb"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "emberweb"), nil
}
