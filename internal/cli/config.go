package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the optional --config file. Command-line flags override it.
type Config struct {
	Workers            int           `yaml:"workers"`
	FailFast           bool          `yaml:"fail_fast"`
	Mode               string        `yaml:"mode"`
	StrictDependencies bool          `yaml:"strict_dependencies"`
	ColonPattern       string        `yaml:"colon_pattern"`
	Templates          []string      `yaml:"templates"`
	GeneratorURL       string        `yaml:"generator_url"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	DB                 string        `yaml:"db"`
	Out                string        `yaml:"out"`
}

// DefaultConfig returns the values used when neither the config file nor a
// flag sets them.
func DefaultConfig() Config {
	return Config{
		Workers: 1,
		Mode:    "strict",
		DB:      "peagen.db",
		Out:     ".",
	}
}

// LoadConfig reads a YAML config file over DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Workers < 0 {
		return cfg, fmt.Errorf("config %s: workers must not be negative", path)
	}
	return cfg, nil
}

// execFlags are the execution settings shared by run and resume. Each one
// has a config file key.
type execFlags struct {
	Workers         int
	FailFast        bool
	Mode            string
	Strict          bool
	ColonPattern    string
	Templates       []string
	GeneratorURL    string
	DispatchTimeout time.Duration
	DB              string
	Out             string
}

func (f *execFlags) register(fs *pflag.FlagSet) {
	fs.IntVarP(&f.Workers, "workers", "w", 1, "maximum concurrent dispatches")
	fs.BoolVar(&f.FailFast, "fail-fast", false, "stop dispatching at the first failed record")
	fs.StringVar(&f.Mode, "mode", "strict", "ordering mode (strict|transitive)")
	fs.BoolVar(&f.Strict, "strict-deps", false, "treat unresolved dependencies as errors")
	fs.StringVar(&f.ColonPattern, "colon-pattern", "", "path pattern for colon references")
	fs.StringSliceVarP(&f.Templates, "templates", "t", nil, "template directories, searched in order")
	fs.StringVar(&f.GeneratorURL, "generator-url", "", "content generator endpoint")
	fs.DurationVar(&f.DispatchTimeout, "dispatch-timeout", 0, "per-record dispatch timeout (0 = none)")
	fs.StringVar(&f.DB, "db", "peagen.db", "path to SQLite database")
	fs.StringVarP(&f.Out, "out", "o", ".", "artifact output directory")
}

// merge fills every flag the user did not set from cfg.
func (f *execFlags) merge(fs *pflag.FlagSet, cfg Config) {
	if !fs.Changed("workers") && cfg.Workers > 0 {
		f.Workers = cfg.Workers
	}
	if !fs.Changed("fail-fast") {
		f.FailFast = cfg.FailFast
	}
	if !fs.Changed("mode") && cfg.Mode != "" {
		f.Mode = cfg.Mode
	}
	if !fs.Changed("strict-deps") {
		f.Strict = cfg.StrictDependencies
	}
	if !fs.Changed("colon-pattern") {
		f.ColonPattern = cfg.ColonPattern
	}
	if !fs.Changed("templates") {
		f.Templates = cfg.Templates
	}
	if !fs.Changed("generator-url") {
		f.GeneratorURL = cfg.GeneratorURL
	}
	if !fs.Changed("dispatch-timeout") {
		f.DispatchTimeout = cfg.DispatchTimeout
	}
	if !fs.Changed("db") && cfg.DB != "" {
		f.DB = cfg.DB
	}
	if !fs.Changed("out") && cfg.Out != "" {
		f.Out = cfg.Out
	}
}
