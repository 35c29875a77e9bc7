// Package config carga la configuración: YAML, luego overrides HF_* del
// entorno, luego defaults y validación.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dropDatabas3/hellofed/internal/validation"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env         string `yaml:"env"`
		LogLevel    string `yaml:"log_level"`
		ServiceName string `yaml:"service_name"`
		// BaseURL es el origen público de los actores locales (https://fed.example).
		BaseURL string `yaml:"base_url"`
	} `yaml:"app"`

	Server struct {
		Addr         string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		MaxBodyBytes int64         `yaml:"max_body_bytes"`
		// AdminToken protege /deliveries. Obligatorio en prod.
		AdminToken string `yaml:"admin_token"`
		// TrustedProxies: CIDRs o IPs cuyo X-Forwarded-For se respeta.
		// Vacío = se usa siempre el peer TCP.
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Storage struct {
		Driver   string `yaml:"driver"` // memory | fs | postgres
		Dir      string `yaml:"dir"`
		Postgres struct {
			DSN             string        `yaml:"dsn"`
			MaxConns        int           `yaml:"max_conns"`
			ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		Driver string `yaml:"driver"` // memory | redis
		Prefix string `yaml:"prefix"`
		Redis  struct {
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			Password string `yaml:"password"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Keys struct {
		RotationInterval  time.Duration `yaml:"rotation_interval"`
		KeyOverlap        time.Duration `yaml:"key_overlap"`
		KeySize           int           `yaml:"key_size"`
		Algorithm         string        `yaml:"algorithm"`
		SigningAlgorithms []string      `yaml:"signing_algorithms"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
		AutoRotate        *bool         `yaml:"auto_rotate"`
		// Actors son los actores locales a los que se garantiza clave al arrancar.
		Actors []string `yaml:"actors"`
		// InstanceActor firma los fetches de claves remotas (authorized fetch). Opcional.
		InstanceActor string `yaml:"instance_actor"`
	} `yaml:"keys"`

	Verify struct {
		ClockSkewTolerance time.Duration `yaml:"clock_skew_tolerance"`
		KeyCacheTTL        time.Duration `yaml:"key_cache_ttl"`
		KeyCacheMaxStale   time.Duration `yaml:"key_cache_max_stale"`
		FetchTimeout       time.Duration `yaml:"fetch_timeout"`
		LocalKeyPrefix     string        `yaml:"local_key_prefix"`
	} `yaml:"verify"`

	Delivery struct {
		Workers      int           `yaml:"workers"`
		MaxAttempts  int           `yaml:"max_attempts"`
		Timeout      time.Duration `yaml:"timeout"`
		BaseDelay    time.Duration `yaml:"base_delay"`
		MaxDelay     time.Duration `yaml:"max_delay"`
		Jitter       *float64      `yaml:"jitter"`
		PollInterval time.Duration `yaml:"poll_interval"`
		Queue        string        `yaml:"queue"` // memory | redis | postgres
		UserAgent    string        `yaml:"user_agent"`
	} `yaml:"delivery"`

	Rate struct {
		Enabled *bool  `yaml:"enabled"`
		Driver  string `yaml:"driver"` // memory | redis
		Inbox   struct {
			Window time.Duration `yaml:"window"`
			Max    int           `yaml:"max"`
		} `yaml:"inbox"`
	} `yaml:"rate"`

	Notify struct {
		SMTP struct {
			Host               string   `yaml:"host"`
			Port               int      `yaml:"port"`
			Username           string   `yaml:"username"`
			Password           string   `yaml:"password"`
			From               string   `yaml:"from"`
			To                 []string `yaml:"to"`
			TLS                string   `yaml:"tls"`                  // auto | starttls | ssl | none
			InsecureSkipVerify bool     `yaml:"insecure_skip_verify"` // sólo dev
		} `yaml:"smtp"`
	} `yaml:"notify"`
}

// Load lee path (si no es vacío), aplica env y defaults, y valida.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default es la config sin archivo ni entorno.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	setStr(&c.App.Env, "dev")
	setStr(&c.App.LogLevel, "info")
	setStr(&c.App.ServiceName, "hellofed")
	c.App.BaseURL = strings.TrimRight(c.App.BaseURL, "/")

	setStr(&c.Server.Addr, ":8080")
	setDur(&c.Server.ReadTimeout, 10*time.Second)
	setDur(&c.Server.WriteTimeout, 30*time.Second)
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}

	setStr(&c.Storage.Driver, "memory")
	setStr(&c.Storage.Dir, "./data/keys")
	setInt(&c.Storage.Postgres.MaxConns, 8)

	setStr(&c.Cache.Driver, "memory")
	setStr(&c.Cache.Prefix, "hf")
	setStr(&c.Cache.Redis.Addr, "localhost:6379")

	setDur(&c.Keys.RotationInterval, 30*24*time.Hour)
	setDur(&c.Keys.KeyOverlap, 48*time.Hour)
	setInt(&c.Keys.KeySize, 2048)
	setStr(&c.Keys.Algorithm, "rsa-sha256")
	if len(c.Keys.SigningAlgorithms) == 0 {
		c.Keys.SigningAlgorithms = []string{"rsa-sha256"}
	}
	setDur(&c.Keys.SweepInterval, time.Hour)
	if c.Keys.AutoRotate == nil {
		c.Keys.AutoRotate = ptr(true)
	}

	setDur(&c.Verify.ClockSkewTolerance, 300*time.Second)
	setDur(&c.Verify.KeyCacheTTL, time.Hour)
	setDur(&c.Verify.KeyCacheMaxStale, 24*time.Hour)
	setDur(&c.Verify.FetchTimeout, 30*time.Second)
	if c.Verify.LocalKeyPrefix == "" && c.App.BaseURL != "" {
		c.Verify.LocalKeyPrefix = c.App.BaseURL + "/"
	}

	setInt(&c.Delivery.Workers, 10)
	setInt(&c.Delivery.MaxAttempts, 5)
	setDur(&c.Delivery.Timeout, 30*time.Second)
	setDur(&c.Delivery.BaseDelay, 300*time.Second)
	setDur(&c.Delivery.MaxDelay, 24*time.Hour)
	if c.Delivery.Jitter == nil {
		c.Delivery.Jitter = ptr(0.2)
	}
	setDur(&c.Delivery.PollInterval, 5*time.Second)
	setStr(&c.Delivery.Queue, "memory")
	setStr(&c.Delivery.UserAgent, "hellofed/1.0")

	if c.Rate.Enabled == nil {
		c.Rate.Enabled = ptr(true)
	}
	setStr(&c.Rate.Driver, "memory")
	setDur(&c.Rate.Inbox.Window, 3600*time.Second)
	setInt(&c.Rate.Inbox.Max, 1000)

	setInt(&c.Notify.SMTP.Port, 587)
	setStr(&c.Notify.SMTP.TLS, "auto")
}

// applyEnvOverrides: pisa el YAML con variables HF_*.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("HF_APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("HF_LOG_LEVEL"); ok {
		c.App.LogLevel = v
	}
	if v, ok := getEnvStr("HF_BASE_URL"); ok {
		c.App.BaseURL = v
	}

	// SERVER
	if v, ok := getEnvStr("HF_SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("HF_ADMIN_TOKEN"); ok {
		c.Server.AdminToken = v
	}
	if v, ok := getEnvInt("HF_SERVER_MAX_BODY_BYTES"); ok {
		c.Server.MaxBodyBytes = int64(v)
	}
	if v, ok := getEnvCSV("HF_SERVER_TRUSTED_PROXIES"); ok {
		c.Server.TrustedProxies = v
	}

	// STORAGE
	if v, ok := getEnvStr("HF_STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("HF_STORAGE_DIR"); ok {
		c.Storage.Dir = v
	}
	if v, ok := getEnvStr("HF_STORAGE_POSTGRES_DSN"); ok {
		c.Storage.Postgres.DSN = v
	}
	if v, ok := getEnvInt("HF_STORAGE_POSTGRES_MAX_CONNS"); ok {
		c.Storage.Postgres.MaxConns = v
	}

	// CACHE
	if v, ok := getEnvStr("HF_CACHE_DRIVER"); ok {
		c.Cache.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("HF_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("HF_REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("HF_REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}

	// KEYS
	if v, ok := getEnvDur("HF_KEYS_ROTATION_INTERVAL"); ok {
		c.Keys.RotationInterval = v
	}
	if v, ok := getEnvDur("HF_KEYS_KEY_OVERLAP"); ok {
		c.Keys.KeyOverlap = v
	}
	if v, ok := getEnvInt("HF_KEYS_KEY_SIZE"); ok {
		c.Keys.KeySize = v
	}
	if v, ok := getEnvStr("HF_KEYS_ALGORITHM"); ok {
		c.Keys.Algorithm = strings.ToLower(v)
	}
	if v, ok := getEnvCSV("HF_KEYS_SIGNING_ALGORITHMS"); ok {
		c.Keys.SigningAlgorithms = v
	}
	if v, ok := getEnvDur("HF_KEYS_SWEEP_INTERVAL"); ok {
		c.Keys.SweepInterval = v
	}
	if v, ok := getEnvBool("HF_KEYS_AUTO_ROTATE"); ok {
		c.Keys.AutoRotate = ptr(v)
	}
	if v, ok := getEnvCSV("HF_KEYS_ACTORS"); ok {
		c.Keys.Actors = v
	}

	// VERIFY
	if v, ok := getEnvDur("HF_VERIFY_CLOCK_SKEW_TOLERANCE"); ok {
		c.Verify.ClockSkewTolerance = v
	}
	if v, ok := getEnvDur("HF_VERIFY_KEY_CACHE_TTL"); ok {
		c.Verify.KeyCacheTTL = v
	}
	if v, ok := getEnvDur("HF_VERIFY_FETCH_TIMEOUT"); ok {
		c.Verify.FetchTimeout = v
	}

	// DELIVERY
	if v, ok := getEnvInt("HF_DELIVERY_WORKERS"); ok {
		c.Delivery.Workers = v
	}
	if v, ok := getEnvInt("HF_DELIVERY_MAX_ATTEMPTS"); ok {
		c.Delivery.MaxAttempts = v
	}
	if v, ok := getEnvDur("HF_DELIVERY_TIMEOUT"); ok {
		c.Delivery.Timeout = v
	}
	if v, ok := getEnvStr("HF_DELIVERY_QUEUE"); ok {
		c.Delivery.Queue = strings.ToLower(v)
	}

	// RATE
	if v, ok := getEnvBool("HF_RATE_ENABLED"); ok {
		c.Rate.Enabled = ptr(v)
	}
	if v, ok := getEnvStr("HF_RATE_DRIVER"); ok {
		c.Rate.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvInt("HF_RATE_INBOX_MAX"); ok {
		c.Rate.Inbox.Max = v
	}
	if v, ok := getEnvDur("HF_RATE_INBOX_WINDOW"); ok {
		c.Rate.Inbox.Window = v
	}

	// NOTIFY
	if v, ok := getEnvStr("HF_SMTP_HOST"); ok {
		c.Notify.SMTP.Host = v
	}
	if v, ok := getEnvInt("HF_SMTP_PORT"); ok {
		c.Notify.SMTP.Port = v
	}
	if v, ok := getEnvStr("HF_SMTP_USERNAME"); ok {
		c.Notify.SMTP.Username = v
	}
	if v, ok := getEnvStr("HF_SMTP_PASSWORD"); ok {
		c.Notify.SMTP.Password = v
	}
	if v, ok := getEnvStr("HF_SMTP_FROM"); ok {
		c.Notify.SMTP.From = v
	}
	if v, ok := getEnvCSV("HF_SMTP_TO"); ok {
		c.Notify.SMTP.To = v
	}
}

var knownAlgorithms = map[string]bool{"rsa-sha256": true, "hs2019": true}

// Validate junta todos los problemas en un solo error.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	for name, d := range map[string]time.Duration{
		"keys.rotation_interval":      c.Keys.RotationInterval,
		"keys.key_overlap":            c.Keys.KeyOverlap,
		"keys.sweep_interval":         c.Keys.SweepInterval,
		"verify.clock_skew_tolerance": c.Verify.ClockSkewTolerance,
		"verify.key_cache_ttl":        c.Verify.KeyCacheTTL,
		"verify.fetch_timeout":        c.Verify.FetchTimeout,
		"delivery.timeout":            c.Delivery.Timeout,
		"delivery.base_delay":         c.Delivery.BaseDelay,
		"delivery.max_delay":          c.Delivery.MaxDelay,
		"delivery.poll_interval":      c.Delivery.PollInterval,
		"rate.inbox.window":           c.Rate.Inbox.Window,
	} {
		if d <= 0 {
			bad("%s must be positive", name)
		}
	}
	if c.Keys.KeyOverlap >= c.Keys.RotationInterval {
		bad("keys.key_overlap (%s) must be shorter than keys.rotation_interval (%s)", c.Keys.KeyOverlap, c.Keys.RotationInterval)
	}
	if c.Keys.KeySize < 2048 {
		bad("keys.key_size must be >= 2048, got %d", c.Keys.KeySize)
	}
	if !knownAlgorithms[c.Keys.Algorithm] {
		bad("keys.algorithm %q unknown", c.Keys.Algorithm)
	}
	if len(c.Keys.SigningAlgorithms) == 0 {
		bad("keys.signing_algorithms must not be empty")
	}
	for _, a := range c.Keys.SigningAlgorithms {
		if !knownAlgorithms[strings.ToLower(a)] {
			bad("keys.signing_algorithms: %q unknown", a)
		}
	}
	if c.Verify.KeyCacheMaxStale < c.Verify.KeyCacheTTL {
		bad("verify.key_cache_max_stale must be >= verify.key_cache_ttl")
	}
	if c.Delivery.Workers < 1 {
		bad("delivery.workers must be >= 1")
	}
	if c.Delivery.MaxAttempts < 1 {
		bad("delivery.max_attempts must be >= 1")
	}
	if j := *c.Delivery.Jitter; j < 0 || j >= 1 {
		bad("delivery.jitter must be in [0,1), got %v", j)
	}
	if c.Rate.Inbox.Max < 1 {
		bad("rate.inbox.max must be >= 1")
	}
	oneOf := func(field, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		bad("%s %q must be one of %s", field, v, strings.Join(allowed, "|"))
	}
	oneOf("storage.driver", c.Storage.Driver, "memory", "fs", "postgres")
	oneOf("cache.driver", c.Cache.Driver, "memory", "redis")
	oneOf("delivery.queue", c.Delivery.Queue, "memory", "redis", "postgres")
	oneOf("rate.driver", c.Rate.Driver, "memory", "redis")
	if c.App.BaseURL != "" && !validation.HTTPURL(c.App.BaseURL) {
		bad("app.base_url %q must be an absolute http(s) URL", c.App.BaseURL)
	}
	for _, a := range c.Keys.Actors {
		if !validation.ActorURI(a) {
			bad("keys.actors: %q is not an actor URI", a)
		}
	}
	for _, p := range c.Server.TrustedProxies {
		if !validation.IPOrCIDR(p) {
			bad("server.trusted_proxies: %q is not an IP or CIDR", p)
		}
	}
	if c.Keys.InstanceActor != "" && !validation.ActorURI(c.Keys.InstanceActor) {
		bad("keys.instance_actor %q is not an actor URI", c.Keys.InstanceActor)
	}
	if c.App.Env == "prod" && c.Server.AdminToken == "" {
		bad("server.admin_token is required in prod")
	}
	if (c.Storage.Driver == "postgres" || c.Delivery.Queue == "postgres") && c.Storage.Postgres.DSN == "" {
		bad("storage.postgres.dsn is required when postgres is used")
	}
	return errors.Join(errs...)
}

// UsesRedis reporta si algún componente necesita Redis.
func (c *Config) UsesRedis() bool {
	return c.Cache.Driver == "redis" || c.Delivery.Queue == "redis" || (*c.Rate.Enabled && c.Rate.Driver == "redis")
}

func setStr(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func setDur(p *time.Duration, def time.Duration) {
	if *p == 0 {
		*p = def
	}
}

func ptr[T any](v T) *T { return &v }

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}
