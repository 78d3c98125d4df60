package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DirectoryBuiltin = "builtin"
	DirectoryYAML    = "yaml"
	DirectorySQLite  = "sqlite"

	defaultJWTSecret = "change-me-in-production"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	Log            LogConfig
	Directory      DirectoryConfig
	Signaling      SignalingConfig
	Redis          RedisConfig
}

type LogConfig struct {
	Level  string
	Format string // console or json
}

type DirectoryConfig struct {
	Source    string
	UsersFile string
	DBPath    string
}

type SignalingConfig struct {
	RoutingMode string
	RingTimeout time.Duration // zero disables
	Rate        float64       // inbound events per second per connection
	Burst       int
	SendBuffer  int
}

type RedisConfig struct {
	Enabled     bool
	Host        string
	Port        string
	Password    string
	DB          int
	PresenceTTL time.Duration
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	var origins []string
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	env := getEnv("ENVIRONMENT", "development")
	logFormat := "console"
	if env == "production" {
		logFormat = "json"
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    env,
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
		TokenTTL:       getEnvDuration("TOKEN_TTL", 24*time.Hour),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", logFormat),
		},
		Directory: DirectoryConfig{
			Source:    getEnv("DIRECTORY_SOURCE", DirectoryBuiltin),
			UsersFile: getEnv("USERS_FILE", "users.yaml"),
			DBPath:    getEnv("DIRECTORY_DB", "callrelay.db"),
		},
		Signaling: SignalingConfig{
			RoutingMode: getEnv("ROUTING_MODE", "strict"),
			RingTimeout: getEnvDuration("RING_TIMEOUT", 0),
			Rate:        getEnvFloat("SIGNAL_RATE", 50),
			Burst:       getEnvInt("SIGNAL_BURST", 100),
			SendBuffer:  getEnvInt("SEND_BUFFER", 256),
		},
		Redis: RedisConfig{
			Enabled:     getEnvBool("REDIS_ENABLED", false),
			Host:        getEnv("REDIS_HOST", "localhost"),
			Port:        getEnv("REDIS_PORT", "6379"),
			Password:    getEnv("REDIS_PASSWORD", ""),
			DB:          getEnvInt("REDIS_DB", 0),
			PresenceTTL: getEnvDuration("PRESENCE_TTL", 2*time.Minute),
		},
	}
}

// Validate reports every setting that would keep the server from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is empty"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not console or json", c.Log.Format))
	}

	switch c.Directory.Source {
	case DirectoryBuiltin:
		if c.IsProduction() {
			errs = append(errs, errors.New("DIRECTORY_SOURCE=builtin uses demo passwords and is not allowed in production"))
		}
	case DirectoryYAML:
		if c.Directory.UsersFile == "" {
			errs = append(errs, errors.New("USERS_FILE is required for DIRECTORY_SOURCE=yaml"))
		}
	case DirectorySQLite:
		if c.Directory.DBPath == "" {
			errs = append(errs, errors.New("DIRECTORY_DB is required for DIRECTORY_SOURCE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DIRECTORY_SOURCE %q", c.Directory.Source))
	}

	switch c.Signaling.RoutingMode {
	case "strict", "lenient":
	default:
		errs = append(errs, fmt.Errorf("ROUTING_MODE %q is not strict or lenient", c.Signaling.RoutingMode))
	}
	if c.Signaling.RingTimeout < 0 {
		errs = append(errs, errors.New("RING_TIMEOUT cannot be negative"))
	}
	if c.Signaling.Rate <= 0 || c.Signaling.Burst <= 0 {
		errs = append(errs, errors.New("SIGNAL_RATE and SIGNAL_BURST must be positive"))
	}
	if c.Signaling.SendBuffer <= 0 {
		errs = append(errs, errors.New("SEND_BUFFER must be positive"))
	}

	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	if c.Redis.Enabled && c.Redis.PresenceTTL <= 0 {
		errs = append(errs, errors.New("PRESENCE_TTL must be positive when redis is enabled"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}
