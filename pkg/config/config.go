package config

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

var (
	ErrMissingConfig = errors.New("missing required configuration")
	ErrNoValidPorts  = errors.New("no valid UDP ports")
	ErrInvalidConfig = errors.New("invalid configuration value")
)

const (
	MinPort = 1024
	MaxPort = 65535

	// LogSubdir is where per-device log files live, relative to VAR_DIR.
	LogSubdir = "log/devices"
)

// Config is the validated daemon configuration. It is built once at startup
// and handed to each component by pointer.
type Config struct {
	VarDir    string
	Debug     bool
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	LogSink   LogSinkConfig
	Listener  ListenerConfig
	Admin     AdminConfig
}

type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	PoolSize       int
	ConnectTimeout time.Duration
	KeepAlive      KeepAliveConfig
}

// KeepAliveConfig tunes TCP keep-alive probing on store connections.
type KeepAliveConfig struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

type SchedulerConfig struct {
	// TimeError compensates for latency between scheduling and the probe
	// actually starting its measurement.
	TimeError time.Duration
	// MaxDelay is the longest a request may be asked to wait for an
	// exclusive target.
	MaxDelay      time.Duration
	DefaultTarget string
}

type LogSinkConfig struct {
	Dir       string
	Recipient string
}

type ListenerConfig struct {
	Workers        int
	QueueSize      int
	RequestTimeout time.Duration
}

type AdminConfig struct {
	Addr string
}

type envKey struct {
	key string
	env string
}

var required = []envKey{
	{"var_dir", "VAR_DIR"},
	{"database.host", "BDM_PG_HOST"},
	{"database.user", "BDM_PG_USER"},
	{"database.password", "BDM_PG_PASSWORD"},
	{"database.dbname", "BDM_PG_MGMT_DBNAME"},
}

var optional = []struct {
	envKey
	def any
}{
	{envKey{"database.port", "BDM_PG_PORT"}, 5432},
	{envKey{"database.sslmode", "BDM_PG_SSLMODE"}, "disable"},
	{envKey{"database.pool_size", "BDMD_TXPG_CONNPOOL"}, 5},
	{envKey{"database.connect_timeout", "BDMD_DB_CONNECT_TIMEOUT"}, "30s"},
	{envKey{"database.keepalive.idle", "BDMD_TCP_KEEPIDLE"}, 10},
	{envKey{"database.keepalive.count", "BDMD_TCP_KEEPCNT"}, 2},
	{envKey{"database.keepalive.interval", "BDMD_TCP_KEEPINTVL"}, 10},
	{envKey{"scheduler.time_error", "BDMD_TIME_ERROR"}, 2},
	{envKey{"scheduler.max_delay", "BDMD_MAX_DELAY"}, 300},
	{envKey{"scheduler.default_target", "BDMD_DEFAULT_TARGET"}, "porter-square.cc.gt.atl.ga.us."},
	{envKey{"logsink.recipient", "BDMD_MAILBOX_RECIPIENT"}, "BDM"},
	{envKey{"listener.request_timeout", "BDMD_REQUEST_TIMEOUT"}, "30s"},
	{envKey{"listener.workers", "BDMD_WORKERS"}, 32},
	{envKey{"listener.queue_size", "BDMD_QUEUE_SIZE"}, 1024},
	{envKey{"admin.addr", "BDMD_METRICS_ADDR"}, ""},
	{envKey{"debug", "BDMD_DEBUG"}, false},
}

// Bind registers env bindings and defaults on v. Values set in a config file
// read by v take precedence over defaults, env vars over both.
func Bind(v *viper.Viper) error {
	for _, k := range required {
		if err := v.BindEnv(k.key, k.env); err != nil {
			return fmt.Errorf("binding %s: %w", k.env, err)
		}
	}
	for _, o := range optional {
		if err := v.BindEnv(o.key, o.env); err != nil {
			return fmt.Errorf("binding %s: %w", o.env, err)
		}
		v.SetDefault(o.key, o.def)
	}
	return nil
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var missing []string
	for _, k := range required {
		if strings.TrimSpace(v.GetString(k.key)) == "" {
			missing = append(missing, k.env)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	connectTimeout, err := duration(v, "database.connect_timeout")
	if err != nil {
		return nil, err
	}
	requestTimeout, err := duration(v, "listener.request_timeout")
	if err != nil {
		return nil, err
	}

	varDir, err := filepath.Abs(v.GetString("var_dir"))
	if err != nil {
		return nil, fmt.Errorf("resolving VAR_DIR: %w", err)
	}

	r := &reader{v: v}
	cfg := &Config{
		VarDir: varDir,
		Debug:  v.GetBool("debug"),
		Database: DatabaseConfig{
			Host:           v.GetString("database.host"),
			Port:           r.integer("database.port"),
			User:           v.GetString("database.user"),
			Password:       v.GetString("database.password"),
			Name:           v.GetString("database.dbname"),
			SSLMode:        v.GetString("database.sslmode"),
			PoolSize:       r.integer("database.pool_size"),
			ConnectTimeout: connectTimeout,
			KeepAlive: KeepAliveConfig{
				Idle:     r.seconds("database.keepalive.idle"),
				Interval: r.seconds("database.keepalive.interval"),
				Count:    r.integer("database.keepalive.count"),
			},
		},
		Scheduler: SchedulerConfig{
			TimeError:     r.seconds("scheduler.time_error"),
			MaxDelay:      r.seconds("scheduler.max_delay"),
			DefaultTarget: v.GetString("scheduler.default_target"),
		},
		LogSink: LogSinkConfig{
			Dir:       filepath.Join(varDir, LogSubdir),
			Recipient: v.GetString("logsink.recipient"),
		},
		Listener: ListenerConfig{
			Workers:        r.integer("listener.workers"),
			QueueSize:      r.integer("listener.queue_size"),
			RequestTimeout: requestTimeout,
		},
		Admin: AdminConfig{
			Addr: v.GetString("admin.addr"),
		},
	}
	if r.err != nil {
		return nil, r.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges of the optional settings.
func (c *Config) Validate() error {
	switch {
	case c.Database.Port < 1 || c.Database.Port > MaxPort:
		return fmt.Errorf("invalid database port %d", c.Database.Port)
	case c.Database.PoolSize < 1:
		return fmt.Errorf("pool size must be positive, got %d", c.Database.PoolSize)
	case c.Database.ConnectTimeout <= 0:
		return fmt.Errorf("connect timeout must be positive")
	case c.Database.KeepAlive.Count < 0:
		return fmt.Errorf("keepalive count must not be negative")
	case c.Scheduler.TimeError < 0:
		return fmt.Errorf("time error must not be negative")
	case c.Scheduler.MaxDelay < 0:
		return fmt.Errorf("max delay must not be negative")
	case c.Scheduler.DefaultTarget == "":
		return fmt.Errorf("default target must not be empty")
	case c.LogSink.Recipient == "":
		return fmt.Errorf("mailbox recipient must not be empty")
	case c.Listener.Workers < 1:
		return fmt.Errorf("workers must be positive, got %d", c.Listener.Workers)
	case c.Listener.QueueSize < 0:
		return fmt.Errorf("queue size must not be negative")
	case c.Listener.RequestTimeout <= 0:
		return fmt.Errorf("request timeout must be positive")
	}
	return nil
}

// ParsePorts returns the valid UDP ports among args together with the
// arguments that were rejected. It fails only when no port is usable.
func ParsePorts(args []string) (ports []int, rejected []string, err error) {
	seen := make(map[int]bool)
	for _, a := range args {
		p, perr := strconv.Atoi(strings.TrimSpace(a))
		if perr != nil || p < MinPort || p > MaxPort {
			rejected = append(rejected, a)
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		ports = append(ports, p)
	}
	if len(ports) == 0 {
		return nil, rejected, ErrNoValidPorts
	}
	return ports, rejected, nil
}

// reader pulls typed settings out of v and keeps the first conversion
// error.
type reader struct {
	v   *viper.Viper
	err error
}

// integer reads key as a whole number. Strings from the environment must be
// plain decimal; anything else is an error, never a silent zero.
func (r *reader) integer(key string) int {
	raw := r.v.Get(key)

	var (
		n   int
		err error
	)
	switch val := raw.(type) {
	case string:
		n, err = strconv.Atoi(strings.TrimSpace(val))
	case float32, float64:
		f := cast.ToFloat64(val)
		if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
			err = fmt.Errorf("not a whole number")
			break
		}
		n = int(f)
	default:
		n, err = cast.ToIntE(val)
	}
	if err != nil {
		r.fail(fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidConfig, envName(key), raw))
		return 0
	}
	return n
}

// seconds reads key as an integer number of seconds.
func (r *reader) seconds(key string) time.Duration {
	n := r.integer(key)
	if int64(n) > math.MaxInt64/int64(time.Second) || int64(n) < math.MinInt64/int64(time.Second) {
		r.fail(fmt.Errorf("%w: %s is out of range: %d", ErrInvalidConfig, envName(key), n))
		return 0
	}
	return time.Duration(n) * time.Second
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// envName returns the environment variable bound to key.
func envName(key string) string {
	for _, k := range required {
		if k.key == key {
			return k.env
		}
	}
	for _, o := range optional {
		if o.key == key {
			return o.env
		}
	}
	return key
}

// duration accepts either a Go duration string or a bare number of seconds.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a duration, got %q", ErrInvalidConfig, envName(key), raw)
	}
	return d, nil
}
