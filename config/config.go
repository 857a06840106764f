package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Token     string  `toml:"token" mapstructure:"token"`
	Host      string  `toml:"host" mapstructure:"host"`
	Port      string  `toml:"port" mapstructure:"port"`
	Threshold float32 `toml:"threshold" mapstructure:"threshold"`
	MCut      bool    `toml:"mcut" mapstructure:"mcut"`
	Libonnx   string  `toml:"libonnx" mapstructure:"libonnx"`

	Repo     string `toml:"repo" mapstructure:"repo"`
	Revision string `toml:"revision" mapstructure:"revision"`
	// ModelDir serves artifacts from a local directory instead of the hub.
	ModelDir       string `toml:"model_dir" mapstructure:"model_dir"`
	ModelFileName  string `toml:"model_file_name" mapstructure:"model_file_name"`
	ConfigFileName string `toml:"config_file_name" mapstructure:"config_file_name"`
	TagsFileName   string `toml:"tags_file_name" mapstructure:"tags_file_name"`
	CacheDir       string `toml:"cache_dir" mapstructure:"cache_dir"`
	HFToken        string `toml:"hf_token" mapstructure:"hf_token"`

	Devices       []string `toml:"devices" mapstructure:"devices"`
	Normalization string   `toml:"normalization" mapstructure:"normalization"`
	Interpolation string   `toml:"interpolation" mapstructure:"interpolation"`
	Activation    string   `toml:"activation" mapstructure:"activation"`
	BatchSize     int      `toml:"batch_size" mapstructure:"batch_size"`
	Workers       int      `toml:"workers" mapstructure:"workers"`
	// IntraOpThreads caps ONNX Runtime's per-session threads; 0 lets it decide.
	IntraOpThreads int `toml:"intra_op_threads" mapstructure:"intra_op_threads"`

	DBPath   string `toml:"db_path" mapstructure:"db_path"`
	LogLevel string `toml:"log_level" mapstructure:"log_level"`
}

func Default() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           "8000",
		Threshold:      0.35,
		Repo:           "SmilingWolf/wd-swinv2-tagger-v3",
		ModelFileName:  "model.onnx",
		ConfigFileName: "config.json",
		TagsFileName:   "selected_tags.csv",
		Devices:        []string{"cpu"},
		Normalization:  "raw",
		Interpolation:  "catmullrom",
		Activation:     "none",
		BatchSize:      4,
		Workers:        16,
		LogLevel:       "info",
	}
}

var (
	cfg      Config
	loadOnce sync.Once
)

// C returns the process configuration, loading .env and the config file on first use.
// The file is WDTAGGER_CONFIG or config.toml in the working directory; a missing file
// leaves the defaults.
func C() Config {
	loadOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to load .env", slog.String("error", err.Error()))
		}
		path := os.Getenv("WDTAGGER_CONFIG")
		if path == "" {
			path = "config.toml"
		}
		c, err := Load(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				panic(err)
			}
			c = Default()
			c.applyEnv()
		}
		cfg = c
	})
	return cfg
}

// Load reads a TOML file over the defaults and applies environment overrides.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	c := Default()
	if err := toml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HF_TOKEN"); v != "" && c.HFToken == "" {
		c.HFToken = v
	}
	if v := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); v != "" && c.Libonnx == "" {
		c.Libonnx = v
	}
	if v := os.Getenv("WDTAGGER_TOKEN"); v != "" {
		c.Token = v
	}
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// ParseLogLevel maps a level name to slog. An unknown name logs a warning and yields
// info.
func ParseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		slog.Warn("Invalid log level, using info", slog.String("level", s), slog.String("error", err.Error()))
		return slog.LevelInfo
	}
	return level
}
