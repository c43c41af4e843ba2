package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token        string  `toml:"token"`
	Host         string  `toml:"host"`
	Port         string  `toml:"port"`
	Threshold    float32 `toml:"threshold"`
	Libonnx      string  `toml:"libonnx"`
	Device       string  `toml:"device"`
	DefaultModel string  `toml:"default_model"`

	Models ModelsConfig `toml:"models"`
	Engine EngineConfig `toml:"engine"`
	Log    LogConfig    `toml:"log"`
}

type ModelsConfig struct {
	ONNXDir         string `toml:"onnx_dir"`
	DeepDanbooruDir string `toml:"deepdanbooru_dir"`
	CacheDir        string `toml:"cache_dir"`
	HFEndpoint      string `toml:"hf_endpoint"`
	RemoteCatalog   bool   `toml:"remote_catalog"`
}

type EngineConfig struct {
	MemoryBudgetMB      int64 `toml:"memory_budget_mb"`
	InferenceTimeoutSec int   `toml:"inference_timeout_sec"`
	SerializeInference  bool  `toml:"serialize_inference"`
	IntraOpThreads      int   `toml:"intra_op_threads"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func (e EngineConfig) MemoryBudget() int64 {
	return e.MemoryBudgetMB << 20
}

func (e EngineConfig) InferenceTimeout() time.Duration {
	return time.Duration(e.InferenceTimeoutSec) * time.Second
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func Default() Config {
	return Config{
		Host:         "0.0.0.0",
		Port:         "8000",
		Threshold:    0.0,
		Device:       "auto",
		DefaultModel: "wd14-vit.v2",
		Models: ModelsConfig{
			ONNXDir:         filepath.Join("models", "TaggerOnnx"),
			DeepDanbooruDir: filepath.Join("models", "deepdanbooru"),
			CacheDir:        filepath.Join("models", "interrogators"),
			HFEndpoint:      "https://huggingface.co",
			RemoteCatalog:   true,
		},
		Engine: EngineConfig{
			InferenceTimeoutSec: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

var (
	cfg      = Default()
	loadOnce sync.Once
	loadErr  error
)

// Init loads path once. A missing file keeps the defaults.
func Init(path string) error {
	loadOnce.Do(func() {
		cfg, loadErr = Load(path)
	})
	return loadErr
}

func C() Config {
	loadOnce.Do(func() {
		cfg, loadErr = Load("config.toml")
		if loadErr != nil {
			panic(loadErr)
		}
	})
	return cfg
}

// Load reads a config file on top of the defaults and applies environment
// overrides.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return c, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	applyEnv(&c)
	if c.Threshold < 0 || c.Threshold > 1 {
		return c, fmt.Errorf("threshold %v is out of [0, 1]", c.Threshold)
	}
	return c, nil
}

func applyEnv(c *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Models.ONNXDir, "ONNXTAGGER_PATH")
	set(&c.Models.DeepDanbooruDir, "DEEPDANBOORU_PROJECTS_PATH")
	if v := os.Getenv("HF_HUB_CACHE"); v != "" {
		c.Models.CacheDir = v
	} else if v := os.Getenv("HF_HOME"); v != "" {
		c.Models.CacheDir = filepath.Join(v, "hub")
	}
	set(&c.DefaultModel, "DEFAULT_MODEL")
	set(&c.Token, "API_TOKEN")
}
