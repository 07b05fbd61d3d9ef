package config

import "time"

// Config represents the complete configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Admin      AdminConfig      `yaml:"admin"`
	Node       NodeConfig       `yaml:"node"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	HTTPClient HTTPClientConfig `yaml:"http_client"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	APIs       []APIConfig      `yaml:"apis"`
}

// ServerConfig represents the gateway HTTP server configuration
type ServerConfig struct {
	Address        string        `yaml:"address"`
	TLS            TLSConfig     `yaml:"tls"`
	H2C            bool          `yaml:"h2c"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig represents the admin API server configuration
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// NodeConfig identifies this gateway instance in alert events
type NodeConfig struct {
	ID           string `yaml:"id"`
	Hostname     string `yaml:"hostname"`
	Organization string `yaml:"organization"`
	Environment  string `yaml:"environment"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string        `yaml:"level"`
	Output string        `yaml:"output"` // stdout, stderr, file
	Caller bool          `yaml:"caller"`
	File   LogFileConfig `yaml:"file"`
}

// LogFileConfig configures rotation for file output
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled bool         `yaml:"enabled"`
	Jaeger  JaegerConfig `yaml:"jaeger"`
}

// JaegerConfig represents Jaeger configuration
type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// HTTPClientConfig holds the transport settings shared by every per-API client.
// They are fixed when a client is built.
type HTTPClientConfig struct {
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	KeepAlive           time.Duration `yaml:"keep_alive"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	BufferSize          int           `yaml:"buffer_size"`
	Workers             int           `yaml:"workers"`
}

// AlertsConfig selects where health transition alerts are delivered
type AlertsConfig struct {
	Driver      string        `yaml:"driver"` // log, redis, none
	SendTimeout time.Duration `yaml:"send_timeout"`
	Redis       RedisConfig   `yaml:"redis"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Channel      string        `yaml:"channel"`
	KeyPrefix    string        `yaml:"key_prefix"`
	HistorySize  int64         `yaml:"history_size"`
	HistoryTTL   time.Duration `yaml:"history_ttl"`
	ReportProbes bool          `yaml:"report_probes"`
}

// APIConfig describes one deployed API and its endpoint group
type APIConfig struct {
	ID                 string                   `yaml:"id"`
	Name               string                   `yaml:"name"`
	ContextPath        string                   `yaml:"context_path"`
	LoadBalancing      string                   `yaml:"load_balancing"`
	Failover           FailoverConfig           `yaml:"failover"`
	HealthCheck        HealthCheckConfig        `yaml:"health_check"`
	PassiveHealthCheck PassiveHealthCheckConfig `yaml:"passive_health_check"`
	Endpoints          []EndpointConfig         `yaml:"endpoints"`
}

// FailoverConfig represents failover configuration
type FailoverConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryTimeout  time.Duration `yaml:"retry_timeout"`
	MaxReplayBody int64         `yaml:"max_replay_body"`
}

// HealthCheckConfig represents active health check configuration
type HealthCheckConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	Method           string        `yaml:"method"`
	Path             string        `yaml:"path"`
	ExpectedStatus   []int         `yaml:"expected_status"`
	SuccessThreshold int           `yaml:"success_threshold"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// PassiveHealthCheckConfig feeds proxied traffic outcomes into the health state
type PassiveHealthCheckConfig struct {
	Enabled            bool          `yaml:"enabled"`
	FailureStatusCodes []int         `yaml:"failure_status_codes"`
	IsolationDuration  time.Duration `yaml:"isolation_duration"`
}

// EndpointConfig represents a single upstream endpoint
type EndpointConfig struct {
	Name          string `yaml:"name"`
	Target        string `yaml:"target"`
	Weight        int    `yaml:"weight"`
	Backup        bool   `yaml:"backup"`
	InitialStatus string `yaml:"initial_status"` // UP or DOWN
}
