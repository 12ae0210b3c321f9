// Package config loads the coordinator's environment-variable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the coordinator's runtime configuration, read from the
// environment per the fixed variable table the coordinator contracts with
// its deployment environment on.
type Config struct {
	EtcdEndpoints []string
	EtcdUser      string
	EtcdPassword  string
	EtcdNamespace string

	ReplUsername string
	ReplPassword string

	ProxyAdminAddr     string
	ProxyAdminUser     string
	ProxyAdminPassword string

	CheckInterval        time.Duration
	PromotionGracePeriod time.Duration
	MaxAge               time.Duration
	WriterHostgroup      int
	ReaderHostgroup      int
	ProbeTimeout         time.Duration
	ProbeConcurrency     int
	ReplicationLagThresh time.Duration
	MetricsAddr          string
}

// Load reads Config from the environment, applying defaults for optional
// variables and returning an error naming every missing required variable.
func Load() (*Config, error) {
	cfg := &Config{
		CheckInterval:        5 * time.Second,
		PromotionGracePeriod: 30 * time.Second,
		MaxAge:               300 * time.Second,
		WriterHostgroup:      10,
		ReaderHostgroup:      20,
		ProbeTimeout:         3 * time.Second,
		ProbeConcurrency:     16,
		ReplicationLagThresh: 300 * time.Second,
		MetricsAddr:          ":9090",
		ProxyAdminAddr:       "127.0.0.1:6032",
	}

	var missing []string
	require := func(name string) string {
		v := os.Getenv(name)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}

	endpoints := require("ETCDCTL_ENDPOINTS")
	cfg.EtcdEndpoints = splitNonEmpty(endpoints, ",")

	if userPass := require("ETCDCTL_USER"); userPass != "" {
		cfg.EtcdUser, cfg.EtcdPassword = splitUserPass(userPass)
	}

	cfg.ReplUsername = require("MYSQL_REPL_USERNAME")
	cfg.ReplPassword = require("MYSQL_REPL_PASSWORD")

	cfg.ProxyAdminUser = require("PROXYSQL_ADMIN_USER")
	cfg.ProxyAdminPassword = require("PROXYSQL_ADMIN_PASSWORD")

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if v := os.Getenv("ETCD_NAMESPACE"); v != "" {
		cfg.EtcdNamespace = v
	}
	if v := os.Getenv("PROXYSQL_ADMIN_ADDR"); v != "" {
		cfg.ProxyAdminAddr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if err := overrideSeconds("CHECK_INTERVAL", &cfg.CheckInterval); err != nil {
		return nil, err
	}
	if err := overrideSeconds("PROMOTION_GRACE_PERIOD", &cfg.PromotionGracePeriod); err != nil {
		return nil, err
	}
	if err := overrideSeconds("MAX_AGE", &cfg.MaxAge); err != nil {
		return nil, err
	}
	if err := overrideSeconds("PROBE_TIMEOUT", &cfg.ProbeTimeout); err != nil {
		return nil, err
	}
	if err := overrideSeconds("REPLICATION_LAG_THRESHOLD", &cfg.ReplicationLagThresh); err != nil {
		return nil, err
	}
	if err := overrideInt("WRITER_HOSTGROUP", &cfg.WriterHostgroup); err != nil {
		return nil, err
	}
	if err := overrideInt("READER_HOSTGROUP", &cfg.ReaderHostgroup); err != nil {
		return nil, err
	}
	if err := overrideInt("PROBE_CONCURRENCY", &cfg.ProbeConcurrency); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants Load's parsing can't express on its own.
func (c *Config) Validate() error {
	if len(c.EtcdEndpoints) == 0 {
		return fmt.Errorf("ETCDCTL_ENDPOINTS must name at least one endpoint")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("CHECK_INTERVAL must be positive, got %s", c.CheckInterval)
	}
	if c.WriterHostgroup == c.ReaderHostgroup {
		return fmt.Errorf("WRITER_HOSTGROUP and READER_HOSTGROUP must differ, both are %d", c.WriterHostgroup)
	}
	if c.ProbeConcurrency <= 0 {
		return fmt.Errorf("PROBE_CONCURRENCY must be positive, got %d", c.ProbeConcurrency)
	}
	return nil
}

func overrideSeconds(envVar string, dst *time.Duration) error {
	v := os.Getenv(envVar)
	if v == "" {
		return nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", envVar, v, err)
	}
	*dst = time.Duration(secs) * time.Second
	return nil
}

func overrideInt(envVar string, dst *int) error {
	v := os.Getenv(envVar)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", envVar, v, err)
	}
	*dst = n
	return nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitUserPass(userPass string) (user, pass string) {
	idx := strings.IndexByte(userPass, ':')
	if idx < 0 {
		return userPass, ""
	}
	return userPass[:idx], userPass[idx+1:]
}
