package process

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placeholders substituted in Command.Args.
const (
	PlaceholderAddress = "{address}"
	PlaceholderRank    = "{rank}"
)

// Environment variables set on every spawned worker.
const (
	EnvAddress = "SIGBRIDGE_ADDRESS"
	EnvRank    = "SIGBRIDGE_RANK"
)

// Command describes how to launch one worker process.
type Command struct {
	Path string            `yaml:"command" json:"command" mapstructure:"command"`
	Args []string          `yaml:"args" json:"args" mapstructure:"args"`
	Env  map[string]string `yaml:"env" json:"env" mapstructure:"env"`
	Dir  string            `yaml:"dir" json:"dir" mapstructure:"dir"`
}

// Validate checks that a command is set.
func (c Command) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("worker command is empty")
	}
	return nil
}

// Expand returns the argument list for one rank with placeholders replaced.
func (c Command) Expand(rank int, address string) []string {
	r := strings.NewReplacer(PlaceholderAddress, address, PlaceholderRank, strconv.Itoa(rank))
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// Environ returns the extra environment entries for one rank, sorted by key
// after the fixed SIGBRIDGE_* entries.
func (c Command) Environ(rank int, address string) []string {
	env := []string{
		EnvAddress + "=" + address,
		EnvRank + "=" + strconv.Itoa(rank),
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// LoadCommand reads a standalone worker command file (YAML, or JSON by extension).
func LoadCommand(path string) (Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Command{}, fmt.Errorf("failed to read worker command: %w", err)
	}

	// YAML is a superset of JSON, so one decoder serves both.
	var cmd Command
	if err := yaml.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
