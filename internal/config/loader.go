package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to every API that leaves the corresponding field empty.
const (
	DefaultSuccessThreshold  = 2
	DefaultFailureThreshold  = 3
	DefaultMaxAttempts       = 3
	DefaultRetryTimeout      = 10 * time.Second
	DefaultMaxReplayBody     = 1 << 20
	DefaultIsolationDuration = 30 * time.Second
	MinClientWorkers         = 2
)

// Default returns the configuration used before any file or environment
// override is applied.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			H2C:            true,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   0,
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 1048576,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Node: NodeConfig{
			ID:           hostname,
			Hostname:     hostname,
			Organization: "DEFAULT",
			Environment:  "DEFAULT",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File: LogFileConfig{
				Path:       "logs/conduit.log",
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 14,
			},
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "conduit",
			Subsystem: "gateway",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Jaeger: JaegerConfig{
				Endpoint:    "http://localhost:14268/api/traces",
				ServiceName: "conduit-node",
				SampleRate:  0.1,
			},
		},
		HTTPClient: HTTPClientConfig{
			ConnectTimeout:      5 * time.Second,
			ReadTimeout:         10 * time.Second,
			IdleTimeout:         60 * time.Second,
			KeepAlive:           30 * time.Second,
			MaxIdleConnsPerHost: 32,
			MaxConnsPerHost:     0,
			BufferSize:          32 * 1024,
			Workers:             200,
		},
		Alerts: AlertsConfig{
			Driver:      "log",
			SendTimeout: 2 * time.Second,
			Redis: RedisConfig{
				Address:     "localhost:6379",
				Channel:     "conduit:alerts",
				KeyPrefix:   "conduit:health",
				HistorySize: 100,
				HistoryTTL:  24 * time.Hour,
			},
		},
	}
}

// Load loads configuration from file with environment variable overrides
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	applyAPIDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(cfg *Config, filename string) error {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", filename)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) error {
	if addr := os.Getenv("CONDUIT_SERVER_ADDRESS"); addr != "" {
		cfg.Server.Address = addr
	}
	if addr := os.Getenv("CONDUIT_ADMIN_ADDRESS"); addr != "" {
		cfg.Admin.Address = addr
	}

	// Node identity
	if id := os.Getenv("CONDUIT_NODE_ID"); id != "" {
		cfg.Node.ID = id
	}
	if org := os.Getenv("CONDUIT_NODE_ORGANIZATION"); org != "" {
		cfg.Node.Organization = org
	}
	if env := os.Getenv("CONDUIT_NODE_ENVIRONMENT"); env != "" {
		cfg.Node.Environment = env
	}

	// Logging configuration
	if logLevel := os.Getenv("CONDUIT_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if output := os.Getenv("CONDUIT_LOG_OUTPUT"); output != "" {
		cfg.Logging.Output = output
	}

	// Alerts
	if driver := os.Getenv("CONDUIT_ALERTS_DRIVER"); driver != "" {
		cfg.Alerts.Driver = driver
	}
	if addr := os.Getenv("CONDUIT_REDIS_ADDRESS"); addr != "" {
		cfg.Alerts.Redis.Address = addr
	}
	if password := os.Getenv("CONDUIT_REDIS_PASSWORD"); password != "" {
		cfg.Alerts.Redis.Password = password
	}
	if db := os.Getenv("CONDUIT_REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid CONDUIT_REDIS_DB %q: %w", db, err)
		}
		cfg.Alerts.Redis.DB = n
	}

	if workers := os.Getenv("CONDUIT_HTTP_CLIENT_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid CONDUIT_HTTP_CLIENT_WORKERS %q: %w", workers, err)
		}
		cfg.HTTPClient.Workers = n
	}

	if v := os.Getenv("CONDUIT_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CONDUIT_TRACING_ENABLED %q: %w", v, err)
		}
		cfg.Tracing.Enabled = enabled
	}

	return nil
}

// applyAPIDefaults fills per-API fields left empty in the file.
func applyAPIDefaults(cfg *Config) {
	if cfg.HTTPClient.Workers < MinClientWorkers {
		cfg.HTTPClient.Workers = MinClientWorkers
	}

	for i := range cfg.APIs {
		api := &cfg.APIs[i]
		if api.Name == "" {
			api.Name = api.ID
		}
		if api.ContextPath == "" {
			api.ContextPath = "/" + api.ID
		}
		if !strings.HasPrefix(api.ContextPath, "/") {
			api.ContextPath = "/" + api.ContextPath
		}
		if api.LoadBalancing == "" {
			api.LoadBalancing = "round_robin"
		}

		if api.Failover.MaxAttempts == 0 {
			api.Failover.MaxAttempts = DefaultMaxAttempts
		}
		if api.Failover.RetryTimeout == 0 {
			api.Failover.RetryTimeout = DefaultRetryTimeout
		}
		if api.Failover.MaxReplayBody == 0 {
			api.Failover.MaxReplayBody = DefaultMaxReplayBody
		}

		hc := &api.HealthCheck
		if hc.Interval == 0 {
			hc.Interval = 10 * time.Second
		}
		if hc.Timeout == 0 {
			hc.Timeout = 2 * time.Second
		}
		if hc.Method == "" {
			hc.Method = "GET"
		}
		if hc.Path == "" {
			hc.Path = "/"
		}
		if hc.SuccessThreshold == 0 {
			hc.SuccessThreshold = DefaultSuccessThreshold
		}
		if hc.FailureThreshold == 0 {
			hc.FailureThreshold = DefaultFailureThreshold
		}

		phc := &api.PassiveHealthCheck
		if len(phc.FailureStatusCodes) == 0 {
			phc.FailureStatusCodes = []int{502, 503, 504}
		}
		if phc.IsolationDuration == 0 {
			phc.IsolationDuration = DefaultIsolationDuration
		}

		for j := range api.Endpoints {
			ep := &api.Endpoints[j]
			if ep.Weight == 0 {
				ep.Weight = 1
			}
			if ep.InitialStatus == "" {
				ep.InitialStatus = "UP"
			}
			ep.InitialStatus = strings.ToUpper(ep.InitialStatus)
		}
	}
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires cert_file and key_file")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Alerts.Driver {
	case "log", "none", "":
	case "redis":
		if cfg.Alerts.Redis.Address == "" {
			return fmt.Errorf("redis address cannot be empty when alerts driver is redis")
		}
	default:
		return fmt.Errorf("invalid alerts driver: %s", cfg.Alerts.Driver)
	}

	validAlgorithms := map[string]bool{
		"round_robin":          true,
		"weighted_round_robin": true,
	}

	ids := make(map[string]bool, len(cfg.APIs))
	paths := make(map[string]string, len(cfg.APIs))
	for _, api := range cfg.APIs {
		if api.ID == "" {
			return fmt.Errorf("api id cannot be empty")
		}
		if ids[api.ID] {
			return fmt.Errorf("duplicate api id: %s", api.ID)
		}
		ids[api.ID] = true

		if other, ok := paths[api.ContextPath]; ok {
			return fmt.Errorf("api %s: context path %s already used by api %s", api.ID, api.ContextPath, other)
		}
		paths[api.ContextPath] = api.ID

		if !validAlgorithms[api.LoadBalancing] {
			return fmt.Errorf("api %s: invalid load balancing algorithm: %s", api.ID, api.LoadBalancing)
		}
		if api.Failover.MaxAttempts < 1 {
			return fmt.Errorf("api %s: failover max_attempts must be >= 1", api.ID)
		}
		if api.Failover.RetryTimeout <= 0 {
			return fmt.Errorf("api %s: failover retry_timeout must be positive", api.ID)
		}
		if api.HealthCheck.SuccessThreshold < 1 || api.HealthCheck.FailureThreshold < 1 {
			return fmt.Errorf("api %s: health check thresholds must be >= 1", api.ID)
		}
		if len(api.Endpoints) == 0 {
			return fmt.Errorf("api %s: at least one endpoint is required", api.ID)
		}

		names := make(map[string]bool, len(api.Endpoints))
		for _, ep := range api.Endpoints {
			if ep.Name == "" {
				return fmt.Errorf("api %s: endpoint name cannot be empty", api.ID)
			}
			if names[ep.Name] {
				return fmt.Errorf("api %s: duplicate endpoint name: %s", api.ID, ep.Name)
			}
			names[ep.Name] = true

			u, err := url.Parse(ep.Target)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("api %s: endpoint %s has invalid target %q", api.ID, ep.Name, ep.Target)
			}
			if ep.Weight < 0 {
				return fmt.Errorf("api %s: endpoint %s weight cannot be negative", api.ID, ep.Name)
			}
			if ep.InitialStatus != "UP" && ep.InitialStatus != "DOWN" {
				return fmt.Errorf("api %s: endpoint %s has invalid initial_status %q", api.ID, ep.Name, ep.InitialStatus)
			}
		}
	}

	return nil
}
