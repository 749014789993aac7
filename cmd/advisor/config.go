package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/advisor/internal/llm"
)

// Config holds all advisor configuration.
// Priority: ADVISOR_* env vars > config file > defaults.
type Config struct {
	DB struct {
		Driver string `mapstructure:"driver"` // libsql or postgres
		Path   string `mapstructure:"path"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Pricing struct {
		File string `mapstructure:"file"`
	} `mapstructure:"pricing"`
	OpenRouter struct {
		APIKey  string        `mapstructure:"api_key"`
		BaseURL string        `mapstructure:"base_url"`
		Referer string        `mapstructure:"referer"`
		Title   string        `mapstructure:"title"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"openrouter"`
	HTTP struct {
		Timeout         time.Duration `mapstructure:"timeout"`
		MaxResponseBody int64         `mapstructure:"max_response_body"`
	} `mapstructure:"http"`
	Scheduler struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"scheduler"`
	Pool struct {
		Size int `mapstructure:"size"`
	} `mapstructure:"pool"`
}

func advisorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".advisor"
	}
	return filepath.Join(home, ".advisor")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", "libsql")
	v.SetDefault("db.path", filepath.Join(advisorDir(), "advisor.db"))
	v.SetDefault("db.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("pricing.file", "")
	v.SetDefault("openrouter.api_key", "")
	v.SetDefault("openrouter.base_url", llm.DefaultOpenRouterURL)
	v.SetDefault("openrouter.referer", "")
	v.SetDefault("openrouter.title", "")
	v.SetDefault("openrouter.timeout", 120*time.Second)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_response_body", 10*1024*1024)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", 60*time.Second)
	v.SetDefault("pool.size", 4)
}

// loadConfig layers defaults, the config file and the environment. An
// explicit path must exist; the default ~/.advisor/config.yaml is optional.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("ADVISOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(advisorDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
