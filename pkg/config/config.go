package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"sigs.k8s.io/yaml"
)

// Config is the full process configuration surface. Values come from an
// optional YAML file overridden by CLI flags; durations are expressed in
// seconds to keep the file format trivial.
type Config struct {
	Namespace string `json:"namespace"`
	LogDir    string `json:"logDir"`

	KubeConfigPath       string `json:"kubeConfigPath"`
	KubeContext          string `json:"kubeContext"`
	KubeConfigDataBase64 string `json:"kubeConfigDataBase64"`

	Verbose     bool   `json:"verbose"`
	MetricsAddr string `json:"metricsAddr"`

	MaxAttempts                int   `json:"maxAttempts"`
	BaseRetryDelaySeconds      int   `json:"baseRetryDelaySeconds"`
	MaxRetryDelaySeconds       int   `json:"maxRetryDelaySeconds"`
	ReconnectDelaySeconds      int   `json:"reconnectDelaySeconds"`
	WatchTimeoutSeconds        int64 `json:"watchTimeoutSeconds"`
	AuthRefreshIntervalSeconds int   `json:"authRefreshIntervalSeconds"`

	TailLines      int64 `json:"tailLines"`
	LedgerEviction bool  `json:"ledgerEviction"`
}

const configSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"namespace":                  {"type": "string"},
		"logDir":                     {"type": "string"},
		"kubeConfigPath":             {"type": "string"},
		"kubeContext":                {"type": "string"},
		"kubeConfigDataBase64":       {"type": "string"},
		"verbose":                    {"type": "boolean"},
		"metricsAddr":                {"type": "string"},
		"maxAttempts":                {"type": "integer", "minimum": 1},
		"baseRetryDelaySeconds":      {"type": "integer", "minimum": 1},
		"maxRetryDelaySeconds":       {"type": "integer", "minimum": 1},
		"reconnectDelaySeconds":      {"type": "integer", "minimum": 1},
		"watchTimeoutSeconds":        {"type": "integer", "minimum": 1},
		"authRefreshIntervalSeconds": {"type": "integer", "minimum": 0},
		"tailLines":                  {"type": "integer", "minimum": 0},
		"ledgerEviction":             {"type": "boolean"}
	}
}`

func Default() *Config {
	logDir := os.Getenv("POD_LOG_DIR")
	if logDir == "" {
		logDir = "./pod_logs"
	}

	return &Config{
		LogDir:                     logDir,
		MaxAttempts:                5,
		BaseRetryDelaySeconds:      1,
		MaxRetryDelaySeconds:       30,
		ReconnectDelaySeconds:      5,
		WatchTimeoutSeconds:        300,
		AuthRefreshIntervalSeconds: 3600,
	}
}

// Load reads a YAML config file over the defaults, validating it against the
// embedded schema first so typos fail loudly at startup instead of silently
// producing zero values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config file %q: %w", path, err)
	}

	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file %q: %w", path, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to validate config file %q: %w", path, err)
	}
	if !result.Valid() {
		var problems []string
		for _, resErr := range result.Errors() {
			problems = append(problems, resErr.String())
		}
		return nil, fmt.Errorf("invalid config file %q: %s", path, strings.Join(problems, "; "))
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config file %q: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}
	if c.LogDir == "" {
		return fmt.Errorf("log directory is required")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1")
	}
	return nil
}

func (c *Config) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelaySeconds) * time.Second
}

func (c *Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelaySeconds) * time.Second
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

func (c *Config) AuthRefreshInterval() time.Duration {
	return time.Duration(c.AuthRefreshIntervalSeconds) * time.Second
}
