// Package config loads tokenkeeper settings from an optional YAML file and
// TOKENKEEPER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TOKENKEEPER_SERVER_URL
const EnvPrefix = "TOKENKEEPER"

var validate = validator.New()

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.login_endpoint", "/auth/login")
	v.SetDefault("server.refresh_endpoint", "/auth/refresh")
	v.SetDefault("server.timeout", "30s")

	v.SetDefault("refresh.buffer", "5m")
	v.SetDefault("refresh.retry_interval", "1m")
	v.SetDefault("refresh.timeout", "30s")
	v.SetDefault("refresh.fatal_codes", []int{401, 403, 10401})

	v.SetDefault("store.backend", BackendFS)
	v.SetDefault("store.path", "")
	v.SetDefault("store.app_name", "tokenkeeper")
	v.SetDefault("store.key", "default")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.project_id", "")
	v.SetDefault("store.namespace", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_ttl", "0s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.addr", ":9464")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and reports every failing field
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
