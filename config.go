package bgremover

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Engine kinds.
const (
	EngineKey    = "key"
	EngineExec   = "exec"
	EngineRemote = "remote"
)

// Config holds settings shared by the command line and the service.
type Config struct {
	Workers    int      `toml:"workers"`
	Extensions []string `toml:"extensions"`
	// Suffix is inserted before the extension of output names. Empty keeps
	// names unchanged.
	Suffix  string       `toml:"suffix"`
	Retries int `toml:"retries"`
	// MaxPixels is the largest width*height accepted for decoding.
	MaxPixels int          `toml:"max_pixels"`
	Engine    EngineConfig `toml:"engine"`
	Server    ServerConfig `toml:"server"`
}

// EngineConfig selects and configures Engine.
type EngineConfig struct {
	Kind      string `toml:"kind"`
	Command   string `toml:"command"`
	URL       string `toml:"url"`
	Tolerance int    `toml:"tolerance"`
	// TimeoutSeconds bounds a single remote transform.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// ServerConfig configures the HTTP service.
type ServerConfig struct {
	Listen string `toml:"listen"`
	// MaxJobs is the amount of batches processed at once, further requests wait.
	MaxJobs int `toml:"max_jobs"`
	// QueueSeconds is how long a request waits for a free slot before 503.
	QueueSeconds int `toml:"queue_seconds"`
	MaxBodySize  int `toml:"max_body_size"`
}

// DefaultConfig returns configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Workers:    runtime.NumCPU(),
		Extensions: append([]string(nil), DefaultExtensions...),
		MaxPixels:  DefaultMaxPixels,
		Engine: EngineConfig{
			Kind:           EngineKey,
			Tolerance:      DefaultTolerance,
			TimeoutSeconds: int(DefaultRemoteTimeout / time.Second),
		},
		Server: ServerConfig{
			Listen:       ":8000",
			MaxJobs:      2,
			QueueSeconds: 30,
			MaxBodySize:  64 * 1024 * 1024,
		},
	}
}

// LoadConfig reads TOML file fname over DefaultConfig. Empty fname returns
// the defaults.
func LoadConfig(fname string) (Config, error) {
	cfg := DefaultConfig()
	if fname == "" {
		return cfg, nil
	}

	buf, err := os.ReadFile(fname)
	if err != nil {
		return cfg, err
	}
	if err := toml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", fname, err)
	}
	cfg.Normalize()
	return cfg, cfg.Validate()
}

// Normalize lowercases names and adds missing dots to extensions.
func (c *Config) Normalize() {
	for i, e := range c.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" && !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		c.Extensions[i] = e
	}
	c.Engine.Kind = strings.ToLower(strings.TrimSpace(c.Engine.Kind))
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.MaxPixels < 1 {
		errs = append(errs, errors.New("max_pixels must be at least 1"))
	}
	if c.Retries < 0 {
		errs = append(errs, errors.New("retries must not be negative"))
	}
	if len(c.Extensions) == 0 {
		errs = append(errs, errors.New("extensions must not be empty"))
	}
	for _, e := range c.Extensions {
		if e != ".png" && e != ".jpg" && e != ".jpeg" {
			errs = append(errs, fmt.Errorf("extension %q: %w", e, ErrUnsupportedFormat))
		}
	}
	switch c.Engine.Kind {
	case EngineKey:
	case EngineExec:
		if strings.TrimSpace(c.Engine.Command) == "" {
			errs = append(errs, errors.New("engine command is required for exec engine"))
		}
	case EngineRemote:
		if c.Engine.URL == "" {
			errs = append(errs, errors.New("engine url is required for remote engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine.Kind))
	}
	if c.Server.MaxJobs < 1 {
		errs = append(errs, errors.New("server max_jobs must be at least 1"))
	}
	return errors.Join(errs...)
}

// Namer returns Namer for the configured suffix.
func (c *Config) Namer() Namer {
	if c.Suffix == "" {
		return KeepName
	}
	return SuffixName(c.Suffix)
}

// NewEngine returns Engine described by ec.
func NewEngine(l zerolog.Logger, ec EngineConfig) (Engine, error) {
	switch ec.Kind {
	case EngineKey, "":
		return NewKeyEngine(l, ec.Tolerance), nil
	case EngineExec:
		return NewExecEngine(l, ec.Command)
	case EngineRemote:
		re := NewRemoteEngine(l, ec.URL)
		if ec.TimeoutSeconds > 0 {
			re.SetReadTimeout(time.Duration(ec.TimeoutSeconds) * time.Second)
		}
		return re, nil
	}
	return nil, fmt.Errorf("unknown engine %q", ec.Kind)
}
