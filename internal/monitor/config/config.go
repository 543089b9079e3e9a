// Package config is adapted from the teacher's internal/praefect/config:
// a TOML file loaded with FromFile, defaulted with setDefaults, and
// validated with Validate. The monitor's GUC-style tunables (health-check
// period, probe timeout, retry count, unhealthy timeout, startup grace
// period, election timeout) live on this immutable Config value rather
// than package globals, matching the teacher's "no global mutable
// config" discipline.
package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

// Duration is a TOML-friendly wrapper around time.Duration, parsed from
// strings like "5s" or "500ms" the way the teacher's gitaly/config.Duration
// is parsed from the same TOML library.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Logging configures internal/log, mirroring the teacher's
// gitaly/config/log.Config.
type Logging struct {
	Format string `toml:"format" envconfig:"format"`
	Level  string `toml:"level" envconfig:"level"`
}

// Sentry configures panic reporting for internal/dontpanic, mirroring the
// teacher's gitaly/config/sentry.Config.
type Sentry struct {
	DSN         string `toml:"sentry_dsn" envconfig:"dsn"`
	Environment string `toml:"sentry_environment" envconfig:"environment"`
}

// DB holds the Postgres connection parameters for the monitor's own
// datastore, following the field set (and the ToPQString building logic)
// of the teacher's praefect config.DB.
type DB struct {
	Host        string `toml:"host" envconfig:"host"`
	Port        int    `toml:"port" envconfig:"port"`
	User        string `toml:"user" envconfig:"user"`
	Password    string `toml:"password" envconfig:"password"`
	DBName      string `toml:"dbname" envconfig:"dbname"`
	SSLMode     string `toml:"sslmode" envconfig:"sslmode"`
	SSLCert     string `toml:"sslcert" envconfig:"sslcert"`
	SSLKey      string `toml:"sslkey" envconfig:"sslkey"`
	SSLRootCert string `toml:"sslrootcert" envconfig:"sslrootcert"`
}

// ToPQString returns a connection string suitable for github.com/lib/pq,
// built field-by-field the same way the teacher's DB.ToPQString does.
func (db DB) ToPQString() string {
	var fields []string
	if db.Port > 0 {
		fields = append(fields, fmt.Sprintf("port=%d", db.Port))
	}
	for _, kv := range []struct{ key, value string }{
		{"host", db.Host},
		{"user", db.User},
		{"password", db.Password},
		{"dbname", db.DBName},
		{"sslmode", db.SSLMode},
		{"sslcert", db.SSLCert},
		{"sslkey", db.SSLKey},
		{"sslrootcert", db.SSLRootCert},
	} {
		if kv.value == "" {
			continue
		}
		v := strings.ReplaceAll(kv.value, `\`, `\\`)
		v = strings.ReplaceAll(v, "'", `\'`)
		fields = append(fields, fmt.Sprintf("%s='%s'", kv.key, v))
	}
	return strings.Join(fields, " ")
}

// HealthCheck holds the §4.6 worker's tunables.
type HealthCheck struct {
	// Period is the interval between consecutive probes of a node.
	Period Duration `toml:"period" envconfig:"period"`
	// Timeout bounds a single probe attempt.
	Timeout Duration `toml:"timeout" envconfig:"timeout"`
	// RetryCount is how many consecutive probe failures mark a node bad.
	RetryCount int `toml:"retry_count" envconfig:"retry_count"`
	// UnhealthyTimeout is how long a node may stay bad before the FSM
	// considers it a failover candidate's departed rival rather than a
	// transient blip.
	UnhealthyTimeout Duration `toml:"unhealthy_timeout" envconfig:"unhealthy_timeout"`
	// StartupGracePeriod suppresses failover consideration entirely for
	// this long after the health worker starts, so a monitor that just
	// came up doesn't call every node bad before it has managed to probe
	// any of them even once.
	StartupGracePeriod Duration `toml:"startup_grace_period" envconfig:"startup_grace_period"`
}

// Election holds the §4.3 tunables for the report_lsn collection window.
type Election struct {
	// Timeout bounds how long the FSM waits in report_lsn for standbys to
	// report their LSN; once it elapses with reports still missing, the
	// failover is aborted and the prior primary restored.
	Timeout Duration `toml:"timeout" envconfig:"timeout"`
}

// Failover holds the tunables for operator-driven promotion (§6 Open
// Question 3).
type Failover struct {
	// PromotionLSNThreshold is how far behind the current primary's last
	// known LSN a perform_promotion target may lag and still be accepted;
	// 0 means it must be fully caught up.
	PromotionLSNThreshold int64 `toml:"promotion_lsn_threshold" envconfig:"promotion_lsn_threshold"`
}

// Config is the container for everything found in the TOML config file,
// mirroring the shape (if not the exact fields) of the teacher's
// praefect config.Config.
type Config struct {
	ListenAddr  string      `toml:"listen_addr" envconfig:"listen_addr"`
	DB          DB          `toml:"database" envconfig:"database"`
	Logging     Logging     `toml:"logging" envconfig:"logging"`
	Sentry      Sentry      `toml:"sentry" envconfig:"sentry"`
	HealthCheck HealthCheck `toml:"health_check" envconfig:"health_check"`
	Election    Election    `toml:"election" envconfig:"election"`
	Failover    Failover    `toml:"failover" envconfig:"failover"`

	// PrometheusListenAddr, when non-empty, starts the metrics listener
	// (internal/monitor/metrics).
	PrometheusListenAddr string `toml:"prometheus_listen_addr" envconfig:"prometheus_listen_addr"`

	// AuthToken, when set, requires every protocol call to present an
	// HMAC token derived from it (internal/monitor/auth).
	AuthToken string `toml:"auth_token" envconfig:"auth_token"`
}

var (
	errNoListener = errors.New("no listen address configured")
	errNoDBName   = errors.New("no database name configured")
)

// FromFile loads the config for the passed file path, defaults it, and
// overlays PG_AUTO_FAILOVER_MONITOR_* environment variables on top —
// the envconfig overlay the teacher's TOML-only config doesn't need but
// this monitor's container deployments do (secrets injected as env vars).
func FromFile(filePath string) (Config, error) {
	b, err := ioutil.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := envconfig.Process("pg_auto_failover_monitor", conf); err != nil {
		return Config{}, fmt.Errorf("apply environment overrides: %w", err)
	}

	conf.setDefaults()

	return *conf, nil
}

func (c *Config) setDefaults() {
	if c.HealthCheck.Period.Duration() == 0 {
		c.HealthCheck.Period = Duration(5 * time.Second)
	}
	if c.HealthCheck.Timeout.Duration() == 0 {
		c.HealthCheck.Timeout = Duration(5 * time.Second)
	}
	if c.HealthCheck.RetryCount == 0 {
		c.HealthCheck.RetryCount = 3
	}
	if c.HealthCheck.UnhealthyTimeout.Duration() == 0 {
		c.HealthCheck.UnhealthyTimeout = Duration(20 * time.Second)
	}
	if c.HealthCheck.StartupGracePeriod.Duration() == 0 {
		c.HealthCheck.StartupGracePeriod = Duration(10 * time.Second)
	}
	if c.Election.Timeout.Duration() == 0 {
		c.Election.Timeout = Duration(10 * time.Second)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// GenerateMonitorName identifies this monitor process across restarts and
// alongside any redundant monitor processes backing the same formation
// set, the way the teacher's GeneratePraefectName identifies a Praefect
// process for its own SQL election. The hostname is preferred over a
// random id so the name stays stable across restarts — a name that
// changes on every restart would transiently look like an extra monitor
// process to anything counting distinct names.
func GenerateMonitorName(c Config, log logrus.FieldLogger) string {
	name, err := os.Hostname()
	if err != nil {
		name = uuid.New().String()
		log.WithError(err).WithField("monitor_name", name).Warn("unable to determine hostname, using a random id instead")
	}
	if c.ListenAddr != "" {
		return fmt.Sprintf("%s:%s", name, c.ListenAddr)
	}
	return name
}

// Validate establishes whether the config is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errNoListener
	}
	if c.DB.DBName == "" {
		return errNoDBName
	}
	if c.HealthCheck.RetryCount < 1 {
		return fmt.Errorf("health_check.retry_count was %d but must be >=1", c.HealthCheck.RetryCount)
	}
	return nil
}
