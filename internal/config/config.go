// Package config loads obexpush settings from TOML, the environment and defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"bluetooth-obex/internal/logging"
	"bluetooth-obex/internal/obex"
)

const (
	dirName    = ".obexpush"
	fileName   = "config"
	fileType   = "toml"
	envPrefix  = "OBEXPUSH"
	dirPerm    = 0o755
	filePerm   = 0o600
	maxChannel = 30
)

type Config struct {
	LogLevel        string        `mapstructure:"log_level" toml:"log_level"`
	ReceiveDir      string        `mapstructure:"receive_dir" toml:"receive_dir"`
	ServiceName     string        `mapstructure:"service_name" toml:"service_name"`
	RFCOMMChannel   uint16        `mapstructure:"rfcomm_channel" toml:"rfcomm_channel"`
	SpoofType       bool          `mapstructure:"spoof_type" toml:"spoof_type"`
	SpoofName       string        `mapstructure:"spoof_name" toml:"spoof_name"`
	MaxObjectSize   int64         `mapstructure:"max_object_size" toml:"max_object_size"`
	ScanTimeout     time.Duration `mapstructure:"scan_timeout" toml:"scan_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" toml:"connect_timeout"`
	DecisionTimeout time.Duration `mapstructure:"decision_timeout" toml:"decision_timeout"`
	MetricsAddr     string        `mapstructure:"metrics_addr" toml:"metrics_addr"`
}

// fileConfig is the on-disk shape; durations are written as strings.
type fileConfig struct {
	LogLevel        string `toml:"log_level"`
	ReceiveDir      string `toml:"receive_dir"`
	ServiceName     string `toml:"service_name"`
	RFCOMMChannel   uint16 `toml:"rfcomm_channel"`
	SpoofType       bool   `toml:"spoof_type"`
	SpoofName       string `toml:"spoof_name"`
	MaxObjectSize   int64  `toml:"max_object_size"`
	ScanTimeout     string `toml:"scan_timeout"`
	ConnectTimeout  string `toml:"connect_timeout"`
	DecisionTimeout string `toml:"decision_timeout"`
	MetricsAddr     string `toml:"metrics_addr"`
}

// DefaultPath is ~/.obexpush/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, dirName, fileName+"."+fileType), nil
}

// Default returns the built-in settings.
func Default() *Config {
	receiveDir := "."
	if home, err := os.UserHomeDir(); err == nil {
		receiveDir = filepath.Join(home, "Downloads")
	}
	return &Config{
		LogLevel:        "info",
		ReceiveDir:      receiveDir,
		ServiceName:     "OBEX Object Push",
		RFCOMMChannel:   9,
		SpoofType:       false,
		SpoofName:       obex.SpoofBaseName.String(),
		MaxObjectSize:   obex.DefaultMaxObjectSize,
		ScanTimeout:     10 * time.Second,
		ConnectTimeout:  30 * time.Second,
		DecisionTimeout: 60 * time.Second,
		MetricsAddr:     "",
	}
}

// Load reads configPath, or the default locations when it is empty. A missing
// file is not an error; defaults and OBEXPUSH_* variables still apply.
func Load(configPath string) (*Config, error) {
	v, err := initViper(configPath)
	if err != nil {
		return nil, err
	}
	def := Default()
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("receive_dir", def.ReceiveDir)
	v.SetDefault("service_name", def.ServiceName)
	v.SetDefault("rfcomm_channel", def.RFCOMMChannel)
	v.SetDefault("spoof_type", def.SpoofType)
	v.SetDefault("spoof_name", def.SpoofName)
	v.SetDefault("max_object_size", def.MaxObjectSize)
	v.SetDefault("scan_timeout", def.ScanTimeout)
	v.SetDefault("connect_timeout", def.ConnectTimeout)
	v.SetDefault("decision_timeout", def.DecisionTimeout)
	v.SetDefault("metrics_addr", def.MetricsAddr)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.ReceiveDir = expandPath(cfg.ReceiveDir)
	if used := v.ConfigFileUsed(); used != "" {
		logging.Debug("config loaded", logging.Fields{logging.ConfigPath: used})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func initViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(fileType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, dirName))
		}
		v.AddConfigPath(".")
		v.SetConfigName(fileName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil
		}
		if configPath != "" && errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		logging.Error("config file unreadable", logging.Fields{
			logging.ConfigPath: configPath,
			logging.FieldError: err.Error(),
		})
		return nil, fmt.Errorf("read config: %w", err)
	}
	return v, nil
}

// Validate rejects settings the transfer layer cannot work with.
func (cfg *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		errs = append(errs, errors.New("service_name must not be empty"))
	}
	if cfg.RFCOMMChannel < 1 || cfg.RFCOMMChannel > maxChannel {
		errs = append(errs, fmt.Errorf("rfcomm_channel must be 1..%d, got %d", maxChannel, cfg.RFCOMMChannel))
	}
	if _, err := obex.ParseSpoofNameMode(cfg.SpoofName); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxObjectSize <= 0 {
		errs = append(errs, fmt.Errorf("max_object_size must be positive, got %d", cfg.MaxObjectSize))
	}
	for key, d := range map[string]time.Duration{
		"scan_timeout":     cfg.ScanTimeout,
		"connect_timeout":  cfg.ConnectTimeout,
		"decision_timeout": cfg.DecisionTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SpoofNameMode returns the parsed spoof_name setting.
func (cfg *Config) SpoofNameMode() obex.SpoofNameMode {
	mode, _ := obex.ParseSpoofNameMode(cfg.SpoofName)
	return mode
}

// Save writes cfg as TOML to path, or to DefaultPath when path is empty, and
// returns the path written.
func (cfg *Config) Save(path string) (string, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return "", err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg.toFile()); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), filePerm); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

func (cfg *Config) toFile() fileConfig {
	return fileConfig{
		LogLevel:        cfg.LogLevel,
		ReceiveDir:      cfg.ReceiveDir,
		ServiceName:     cfg.ServiceName,
		RFCOMMChannel:   cfg.RFCOMMChannel,
		SpoofType:       cfg.SpoofType,
		SpoofName:       cfg.SpoofName,
		MaxObjectSize:   cfg.MaxObjectSize,
		ScanTimeout:     cfg.ScanTimeout.String(),
		ConnectTimeout:  cfg.ConnectTimeout.String(),
		DecisionTimeout: cfg.DecisionTimeout.String(),
		MetricsAddr:     cfg.MetricsAddr,
	}
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
