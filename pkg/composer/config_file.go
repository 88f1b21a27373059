package composer

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/privateai/sidecar/pkg/engines"
	"github.com/privateai/sidecar/pkg/sidecar"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 32121
	DefaultContextSize = 4096
)

type ModelConfig struct {
	// Path is the explicit model file. When it does not exist the
	// resolution chain continues with PRIVATE_AI_MODEL_PATH.
	Path string `json:"path" yaml:"path"`
}

type EngineConfig struct {
	// URL of an already running OpenAI-compatible server (root, without /v1).
	// Empty means llama-server is started as a child process.
	URL            string            `json:"url" yaml:"url"`
	Binary         string            `json:"binary" yaml:"binary"`
	APIKey         string            `json:"api_key" yaml:"api_key"`
	ModelName      string            `json:"model_name" yaml:"model_name"`
	HTTPProxy      string            `json:"http_proxy" yaml:"http_proxy"`
	ExtraHeaders   map[string]string `json:"extra_headers" yaml:"extra_headers"`
	ContextSize    int               `json:"context_size" yaml:"context_size"`
	GPULayers      int               `json:"gpu_layers" yaml:"gpu_layers"`
	Threads        int               `json:"threads" yaml:"threads"` // 0 means runtime.NumCPU()
	StartupTimeout string            `json:"startup_timeout" yaml:"startup_timeout"`
	LogPath        string            `json:"log_path" yaml:"log_path"` // default <base>/Logs/llama-server.log
	ExtraArgs      []string          `json:"extra_args" yaml:"extra_args"`

	// merged over DefaultRequestRewrites
	RequestRewrites *engines.RewritePolicy `json:"request_rewrites" yaml:"request_rewrites"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text or json
}

type ConfigFile struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	BaseDir      string `json:"base_dir" yaml:"base_dir"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes"`
	// AuthToken, when set, must be sent as a bearer token to the chat endpoints.
	AuthToken    string `json:"auth_token" yaml:"auth_token"`

	Model  ModelConfig  `json:"model" yaml:"model"`
	Engine EngineConfig `json:"engine" yaml:"engine"`
	Log    LogConfig    `json:"log" yaml:"log"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *ConfigFile {
	return &ConfigFile{
		Host:         DefaultHost,
		Port:         DefaultPort,
		SystemPrompt: sidecar.DefaultSystemPrompt,
		MaxBodyBytes: sidecar.DefaultMaxBodyBytes,
		Engine: EngineConfig{
			ContextSize:    DefaultContextSize,
			StartupTimeout: "2m",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// DefaultRequestRewrites are the sampling parameters sent with every
// generation unless the config overrides them.
func DefaultRequestRewrites() *engines.RewritePolicy {
	return &engines.RewritePolicy{
		SetKeys: map[string]any{
			"temperature": 0.7,
			"max_tokens":  512,
		},
	}
}

// ReadConfigFile reads path over DefaultConfig. Keys absent from the file keep
// their defaults.
func ReadConfigFile(path string) (*ConfigFile, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays PRIVATE_AI_* variables read through lookup, which is
// usually os.LookupEnv. PRIVATE_AI_MODEL_PATH is not applied here: it is a
// step of the model resolution chain.
func (c *ConfigFile) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("PRIVATE_AI_HOST", &c.Host)
	str("PRIVATE_AI_BASE_DIR", &c.BaseDir)
	str("PRIVATE_AI_SYSTEM_PROMPT", &c.SystemPrompt)
	str("PRIVATE_AI_AUTH_TOKEN", &c.AuthToken)
	str("PRIVATE_AI_LLAMA_SERVER", &c.Engine.Binary)
	str("PRIVATE_AI_ENGINE_URL", &c.Engine.URL)
	str("PRIVATE_AI_LOG_LEVEL", &c.Log.Level)
	for key, dst := range map[string]*int{
		"PRIVATE_AI_PORT":           &c.Port,
		"PRIVATE_AI_CONTEXT_LENGTH": &c.Engine.ContextSize,
		"PRIVATE_AI_GPU_LAYERS":     &c.Engine.GPULayers,
		"PRIVATE_AI_LLAMA_THREADS":  &c.Engine.Threads,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the configuration and fills derived values: the base
// directory, the engine thread count and the merged request rewrites.
func (c *ConfigFile) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if c.Engine.ContextSize < 0 {
		return fmt.Errorf("engine.context_size must not be negative")
	}
	if c.Engine.Threads < 0 {
		return fmt.Errorf("engine.threads must not be negative")
	}
	if _, err := c.Engine.StartupTimeoutDuration(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := engines.NewJSONRewriter(c.Engine.RequestRewrites); err != nil {
		return fmt.Errorf("engine.request_rewrites: %w", err)
	}

	if c.BaseDir == "" {
		base, err := DefaultBaseDir()
		if err != nil {
			return err
		}
		c.BaseDir = base
	}
	if c.Engine.Threads == 0 {
		c.Engine.Threads = max(1, runtime.NumCPU())
	}
	c.Engine.RequestRewrites = DefaultRequestRewrites().Merge(c.Engine.RequestRewrites)
	return nil
}

func (e *EngineConfig) StartupTimeoutDuration() (time.Duration, error) {
	if e.StartupTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(e.StartupTimeout)
	if err != nil {
		return 0, fmt.Errorf("engine.startup_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("engine.startup_timeout must not be negative")
	}
	return d, nil
}
