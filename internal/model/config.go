package model

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	SinkTypeWebhook = "webhook"
	SinkTypeEmail   = "email"
	SinkTypeCommand = "command"
	SinkTypeFile    = "file"

	DefaultPollInterval = 100 * time.Millisecond
	DefaultGCExpiry     = 7 * 24 * time.Hour
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version           int       `json:"version" yaml:"version"`
	StoragePath       string    `json:"storage_path,omitempty" yaml:"storage_path,omitempty"`
	GCExpiry          *Duration `json:"gc_expiry,omitempty" yaml:"gc_expiry,omitempty"`
	PollInterval      *Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	Verbose           bool      `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	NotificationSinks []Sink    `json:"notification_sinks,omitempty" yaml:"notification_sinks,omitempty"`
}

// Sink is a notification target. A tagged union over Type.
type Sink struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"` // webhook | email | command | file

	// webhook
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout *Duration         `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// email
	Addr     string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	From     string   `json:"from,omitempty" yaml:"from,omitempty"`
	To       []string `json:"to,omitempty" yaml:"to,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`

	// command
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// file
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// DefaultConfig returns configuration used when no config file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version:     0,
		StoragePath: defaultStoragePath(),
	}
}

// defaultStoragePath is $XDG_DATA_HOME/jobman, ~/.local/share/jobman on
// Linux by default.
func defaultStoragePath() string {
	return filepath.Join(xdg.DataHome, "jobman")
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	// durations are decoded by Duration.UnmarshalText
	raw, err := unified.MarshalJSON()
	if err != nil {
		return Config{}, err
	}
	var out Config
	if err := json.Unmarshal(raw, &out); err != nil {
		return Config{}, err
	}
	if out.StoragePath == "" {
		out.StoragePath = defaultStoragePath()
	}
	return out, nil
}

// ApplyEnv overrides the configuration by JOBMAN_* environment variables.
func (c *Config) ApplyEnv() error {
	v := viper.New()
	v.SetEnvPrefix("jobman")
	v.AutomaticEnv()

	if p := v.GetString("storage_path"); p != "" {
		c.StoragePath = p
	}
	if s := v.GetString("poll_interval"); s != "" {
		var d Duration
		if err := d.UnmarshalText([]byte(s)); err != nil {
			return err
		}
		c.PollInterval = &d
	}
	if s := v.GetString("gc_expiry"); s != "" {
		var d Duration
		if err := d.UnmarshalText([]byte(s)); err != nil {
			return err
		}
		c.GCExpiry = &d
	}
	if v.IsSet("verbose") {
		c.Verbose = v.GetBool("verbose")
	}
	return nil
}

// Storage returns the expanded root of the jobman data directory.
func (c Config) Storage() string {
	p := os.ExpandEnv(c.StoragePath)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if p == "" {
		p = defaultStoragePath()
	}
	return p
}

func (c Config) DBPath() string {
	return filepath.Join(c.Storage(), "db")
}

func (c Config) StdioPath() string {
	return filepath.Join(c.Storage(), "stdio")
}

func (c Config) LogPath() string {
	return filepath.Join(c.Storage(), "log")
}

func (c Config) Poll() time.Duration {
	if c.PollInterval == nil || *c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval.Std()
}

func (c Config) Expiry() time.Duration {
	if c.GCExpiry == nil || *c.GCExpiry <= 0 {
		return DefaultGCExpiry
	}
	return c.GCExpiry.Std()
}
