package config

import (
	"fmt"
	"regexp"

	"github.com/spf13/viper"
)

// MaxInstanceLength bounds ACCORD_INSTANCE, which names Redis keys and the
// NATS queue group.
const MaxInstanceLength = 63

// InstancePattern: lowercase alphanumeric, hyphens allowed but not at start or end.
var InstancePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Runtime holds the process settings read from the environment.
type Runtime struct {
	Environment string
	Instance    string
	ConfigPath  string
	RedisURL    string
	NATSURL     string
	DBDSN       string // Selects the PostgreSQL store when set
	JWTSecret   string
	HTTPAddr    string
}

// LoadEnv reads runtime settings from the environment, optionally overlaid by
// an app.env file in the working directory.
func LoadEnv() (*Runtime, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("ACCORD_INSTANCE", "default")
	v.SetDefault("ACCORD_CONFIG", "accord.yml")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("NATS_URL", "nats://127.0.0.1:4222")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8181")

	rt := &Runtime{
		Environment: v.GetString("APP_ENV"),
		Instance:    v.GetString("ACCORD_INSTANCE"),
		ConfigPath:  v.GetString("ACCORD_CONFIG"),
		RedisURL:    v.GetString("REDIS_URL"),
		NATSURL:     v.GetString("NATS_URL"),
		DBDSN:       v.GetString("DB_DSN"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		HTTPAddr:    v.GetString("HTTP_ADDR"),
	}

	if err := rt.validate(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (r *Runtime) validate() error {
	if err := ValidateInstanceName(r.Instance); err != nil {
		return err
	}
	if r.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(r.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	return nil
}

// ValidateInstanceName checks ACCORD_INSTANCE against InstancePattern.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if len(name) > MaxInstanceLength {
		return fmt.Errorf("instance name too long: %d characters (max: %d)", len(name), MaxInstanceLength)
	}
	if !InstancePattern.MatchString(name) {
		return fmt.Errorf("invalid instance name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

// Production reports whether the process runs with production logging.
func (r *Runtime) Production() bool {
	return r.Environment == "production"
}
