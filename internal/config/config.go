package config

import "time"

// Store backends
const (
	BackendMemory    = "memory"
	BackendFS        = "fs"
	BackendGorm      = "gorm"
	BackendDatastore = "datastore"
	BackendRedis     = "redis"
)

type Server struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	LoginEndpoint   string        `mapstructure:"login_endpoint" validate:"required,startswith=/"`
	RefreshEndpoint string        `mapstructure:"refresh_endpoint" validate:"required,startswith=/"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type Refresh struct {
	Buffer        time.Duration `mapstructure:"buffer" validate:"gte=0"`
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	FatalCodes    []int         `mapstructure:"fatal_codes"`
}

type Store struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory fs gorm datastore redis"`

	// fs
	Path    string `mapstructure:"path"`
	AppName string `mapstructure:"app_name"`

	// gorm, datastore and redis share the record key
	Key string `mapstructure:"key"`

	DSN string `mapstructure:"dsn" validate:"required_if=Backend gorm"`

	ProjectID string `mapstructure:"project_id" validate:"required_if=Backend datastore"`
	Namespace string `mapstructure:"namespace"`

	RedisAddr     string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl" validate:"gte=0"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Metrics struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Server  Server  `mapstructure:"server"`
	Refresh Refresh `mapstructure:"refresh"`
	Store   Store   `mapstructure:"store"`
	Log     Log     `mapstructure:"log"`
	Metrics Metrics `mapstructure:"metrics"`
}
