// Package config loads and validates a sigbridge run file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/pkg/adapters/process"
	"github.com/aretw0/sigbridge/pkg/adapters/reqrep"
	"github.com/aretw0/sigbridge/pkg/adapters/stream"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/orchestrator"
	"github.com/aretw0/sigbridge/pkg/session"
	"github.com/aretw0/sigbridge/pkg/sim"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Address template placeholders.
const (
	PlaceholderRun  = "{run}"
	PlaceholderRank = "{rank}"
	PlaceholderTmp  = "{tmp}"
)

// Config is a complete run description.
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Model     ModelConfig     `mapstructure:"model"`
	Run       RunConfig       `mapstructure:"run"`
	Stimulus  StimulusConfig  `mapstructure:"stimulus"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Lock      LockConfig      `mapstructure:"lock"`
	Log       LogConfig       `mapstructure:"log"`
}

type TransportConfig struct {
	Kind           string        `mapstructure:"kind"`
	Address        string        `mapstructure:"address"`
	MaxMessageSize int           `mapstructure:"max_message_size"`
	Framing        string        `mapstructure:"framing"`
	BindMode       string        `mapstructure:"bind_mode"`
	DialRetry      time.Duration `mapstructure:"dial_retry"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type WorkersConfig struct {
	Count     int  `mapstructure:"count"`
	InProcess bool `mapstructure:"in_process"`
	// Command launches each worker. An empty command re-executes this binary's worker subcommand.
	process.Command `mapstructure:",squash"`
	// CommandFile names a standalone command file used in place of Command.
	CommandFile string `mapstructure:"command_file"`
}

type ModelConfig struct {
	Name  string `mapstructure:"name"`
	Width uint   `mapstructure:"width"`
}

type RunConfig struct {
	Ticks          uint64        `mapstructure:"ticks"`
	StopPolicy     string        `mapstructure:"stop_policy"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	RetryTimeout   bool          `mapstructure:"retry_timeout"`
	Trace          bool          `mapstructure:"trace"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LockConfig struct {
	Redis  string        `mapstructure:"redis"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Defaults returns the configuration used when no run file is given.
func Defaults() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:           string(domain.TransportStream),
			MaxMessageSize: session.DefaultMaxMessageSize,
			Framing:        stream.LengthPrefix{}.Name(),
			BindMode:       reqrep.Inverted.String(),
			DialRetry:      50 * time.Millisecond,
			ConnectTimeout: 10 * time.Second,
		},
		Workers: WorkersConfig{Count: 1},
		Model:   ModelConfig{Name: "inverter", Width: sim.DefaultWidth},
		Run: RunConfig{
			Ticks:      10,
			StopPolicy: orchestrator.DropStopped.String(),
			Trace:      true,
		},
		Lock: LockConfig{Prefix: "sigbridge:", TTL: 10 * time.Minute},
		Log:  LogConfig{Level: "info", Format: string(logging.FormatText)},
	}
}

// Load reads a YAML run file (JSON is accepted too) over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	cfg := Defaults()
	if err := Decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Decode merges raw into cfg. Unknown keys are rejected; durations may be strings.
func Decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// Validate checks the configuration as a whole.
func (c *Config) Validate() error {
	var errs []error

	kind, err := domain.ParseTransportKind(c.Transport.Kind)
	if err != nil {
		errs = append(errs, err)
	}
	if c.Transport.MaxMessageSize < 16 {
		errs = append(errs, fmt.Errorf("transport.max_message_size %d is too small", c.Transport.MaxMessageSize))
	}
	if _, err := stream.ParseFramer(c.Transport.Framing); err != nil {
		errs = append(errs, err)
	}
	if _, err := reqrep.ParseBindMode(c.Transport.BindMode); err != nil {
		errs = append(errs, err)
	}
	if c.Workers.Count < 1 {
		errs = append(errs, fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count))
	}
	if c.Workers.Count > 1 && !strings.Contains(c.AddressTemplate(), PlaceholderRank) {
		errs = append(errs, fmt.Errorf("transport.address %q needs %s with %d workers", c.AddressTemplate(), PlaceholderRank, c.Workers.Count))
	}
	if c.Workers.CommandFile != "" && c.Workers.Path != "" {
		errs = append(errs, errors.New("workers.command and workers.command_file are mutually exclusive"))
	}
	if kind == domain.TransportMemory && !c.Workers.InProcess {
		errs = append(errs, errors.New("the memory transport requires workers.in_process"))
	}
	if _, err := sim.Lookup(c.Model.Name, c.Model.Width); err != nil {
		errs = append(errs, err)
	}
	if _, err := orchestrator.ParseStopPolicy(c.Run.StopPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Transport.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("transport.connect_timeout must be positive"))
	}
	if c.Run.ReceiveTimeout < 0 {
		errs = append(errs, errors.New("run.receive_timeout must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AddressTemplate returns the configured template or the default for the transport kind.
func (c *Config) AddressTemplate() string {
	if c.Transport.Address != "" {
		return c.Transport.Address
	}
	switch domain.TransportKind(c.Transport.Kind) {
	case domain.TransportReqRep:
		return "ipc://{tmp}/sigbridge-{run}-{rank}.ipc"
	case domain.TransportMemory:
		return "sigbridge-{run}-{rank}"
	default:
		return "{tmp}/sigbridge-{run}-{rank}.sock"
	}
}

// Addresses expands the template once per worker.
func (c *Config) Addresses(run string) []string {
	tmpl := c.AddressTemplate()
	out := make([]string, c.Workers.Count)
	for rank := range out {
		out[rank] = ExpandAddress(tmpl, run, rank)
	}
	return out
}

// ExpandAddress substitutes the run id, rank and temp directory.
func ExpandAddress(tmpl, run string, rank int) string {
	return strings.NewReplacer(
		PlaceholderRun, run,
		PlaceholderRank, strconv.Itoa(rank),
		PlaceholderTmp, strings.TrimSuffix(os.TempDir(), string(filepath.Separator)),
	).Replace(tmpl)
}

// NewRunID returns a short unique run id suitable for socket paths.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
