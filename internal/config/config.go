package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode    string `mapstructure:"mode"`
	DataDir string `mapstructure:"data_dir"`

	// Client side.
	ServerURL string `mapstructure:"server_url"`
	APIBase   string `mapstructure:"api_base"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	AuthTimeout  time.Duration `mapstructure:"auth_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`

	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	QueueCap       int           `mapstructure:"queue_cap"`

	STUNServers []string `mapstructure:"stun_servers"`

	// Devserver side.
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("server_url", "ws://localhost:8080/ws")
	v.SetDefault("api_base", "http://localhost:8080")
	v.SetDefault("dial_timeout", "10s")
	v.SetDefault("auth_timeout", "10s")
	v.SetDefault("ping_interval", "30s")
	v.SetDefault("pong_timeout", "5s")
	v.SetDefault("backoff_initial", "1s")
	v.SetDefault("backoff_max", "30s")
	v.SetDefault("backoff_factor", 2.0)
	v.SetDefault("max_attempts", 10)
	v.SetDefault("queue_cap", 100)
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "dev-secret-change-me")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".wasel"
	}
	return base + string(os.PathSeparator) + "wasel"
}
