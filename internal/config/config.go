// Package config builds the process-wide, read-once configuration of the counter service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	BackendRedis     = "redis"
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendDatastore = "datastore"
)

type Redis struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	PoolSize int    `yaml:"pool_size"`
}

func (r Redis) Addr() string {
	return r.Host + ":" + strconv.Itoa(r.Port)
}

type Datastore struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Kind            string `yaml:"kind"`
}

type Connect struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Config is constructed once at startup and passed by value afterwards.
type Config struct {
	Port              int           `yaml:"port"`
	APIKey            string        `yaml:"api_key"`
	Debug             bool          `yaml:"debug"`
	LogLevel          string        `yaml:"log_level"`
	Backend           string        `yaml:"backend"`
	CounterKey        string        `yaml:"counter_key"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	Workers           int           `yaml:"workers"`
	HealthRequireAuth bool          `yaml:"health_require_auth"`
	SQLitePath        string        `yaml:"sqlite_path"`

	Redis     Redis     `yaml:"redis"`
	Datastore Datastore `yaml:"datastore"`
	Connect   Connect   `yaml:"connect"`
}

func Default() Config {
	return Config{
		Port:            5000,
		LogLevel:        "info",
		Backend:         BackendRedis,
		CounterKey:      "api_counter",
		RequestTimeout:  5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		SQLitePath:      "counter.db",
		Redis: Redis{
			Host: "localhost",
			Port: 6379,
		},
		Datastore: Datastore{
			Kind: "Counter",
		},
		Connect: Connect{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    8 * time.Second,
		},
	}
}

// Level resolves the effective log level; DEBUG wins over LOG_LEVEL.
func (c Config) Level() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load applies, in order: defaults, the YAML file at path (if non-empty), then the
// environment seen through lookup. The result is validated.
func Load(path string, lookup LookupFunc) (Config, error) {
	c := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("os.ReadFile: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("yaml.Unmarshal: path=%s, %w", path, err)
		}
	}

	e := &envReader{lookup: lookup}
	e.str("REDIS_HOST", &c.Redis.Host)
	e.int("REDIS_PORT", &c.Redis.Port)
	e.int("REDIS_DB", &c.Redis.DB)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.int("REDIS_POOL_SIZE", &c.Redis.PoolSize)
	e.int("PORT", &c.Port)
	e.str("API_KEY", &c.APIKey)
	e.bool("DEBUG", &c.Debug)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("STORE_BACKEND", &c.Backend)
	e.str("COUNTER_KEY", &c.CounterKey)
	e.str("SQLITE_PATH", &c.SQLitePath)
	e.str("PROJECT_ID", &c.Datastore.ProjectID)
	e.str("DATASTORE_CREDENTIALS_FILE", &c.Datastore.CredentialsFile)
	e.str("DATASTORE_KIND", &c.Datastore.Kind)
	e.duration("REQUEST_TIMEOUT", &c.RequestTimeout)
	e.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	e.int("CONNECT_MAX_ATTEMPTS", &c.Connect.MaxAttempts)
	e.duration("CONNECT_BASE_DELAY", &c.Connect.BaseDelay)
	e.duration("CONNECT_MAX_DELAY", &c.Connect.MaxDelay)
	e.int("WORKERS", &c.Workers)
	e.bool("HEALTH_REQUIRE_AUTH", &c.HealthRequireAuth)
	if e.err != nil {
		return Config{}, e.err
	}

	c.Backend = strings.ToLower(c.Backend)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("API_KEY must be specified"))
	}
	if _, err := zapcore.ParseLevel(c.Level()); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT out of range: %d", c.Port))
	}
	if c.CounterKey == "" {
		errs = append(errs, errors.New("COUNTER_KEY must not be empty"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive: %s", c.RequestTimeout))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive: %s", c.ShutdownTimeout))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("WORKERS must not be negative: %d", c.Workers))
	}
	if c.Connect.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("CONNECT_MAX_ATTEMPTS must be >= 1: %d", c.Connect.MaxAttempts))
	}
	if c.Connect.BaseDelay <= 0 || c.Connect.MaxDelay < c.Connect.BaseDelay {
		errs = append(errs, fmt.Errorf("invalid connect delays: base=%s, max=%s", c.Connect.BaseDelay, c.Connect.MaxDelay))
	}

	switch c.Backend {
	case BackendRedis:
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT out of range: %d", c.Redis.Port))
		}
		if c.Redis.DB < 0 {
			errs = append(errs, fmt.Errorf("REDIS_DB must not be negative: %d", c.Redis.DB))
		}
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH must be specified"))
		}
	case BackendDatastore:
		if c.Datastore.ProjectID == "" {
			errs = append(errs, errors.New("PROJECT_ID must be specified"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND: %s", c.Backend))
	}

	return errors.Join(errs...)
}

// envReader keeps the first parse error so Load can check once.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s: strconv.Atoi: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		e.err = fmt.Errorf("%s: strconv.ParseBool: %w", key, err)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: time.ParseDuration: %w", key, err)
		return
	}
	*dst = d
}
