package sdmmc

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softmmc/pkg"
)

// Config describes one card slot: its device names, the controller's
// supported bus frequencies, and the polling budget for the two waits the
// protocol requires.
type Config struct {
	// Name is the raw card device name; partitions are named Name+"p1"..
	Name string `yaml:"name"`

	// Frequencies lists the controller's supported bus clocks in kHz,
	// ascending. Index 0 is used during identification.
	Frequencies []uint32 `yaml:"frequencies"`

	// DataBits is the widest data bus the slot is wired for (1, 4 or 8).
	DataBits int `yaml:"data_bits"`

	// OpCondAttempts bounds the operation condition (power-up) poll.
	OpCondAttempts int `yaml:"op_cond_attempts"`

	// ReadyAttempts bounds each card readiness poll.
	ReadyAttempts int `yaml:"ready_attempts"`

	// PollInterval is the pause between poll attempts.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default configuration values.
const (
	DefaultName           = "mmc0"
	DefaultDataBits       = 4
	DefaultOpCondAttempts = 1000
	DefaultReadyAttempts  = 100000
)

// DefaultFrequencies is a typical controller clock table in kHz.
var DefaultFrequencies = []uint32{400, 12500, 20000, 25000, 50000}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		Name:           DefaultName,
		Frequencies:    append([]uint32(nil), DefaultFrequencies...),
		DataBits:       DefaultDataBits,
		OpCondAttempts: DefaultOpCondAttempts,
		ReadyAttempts:  DefaultReadyAttempts,
	}
}

// Validate checks that the configuration can drive a card.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty device name", pkg.ErrInvalidParameter)
	}
	if len(c.Frequencies) == 0 {
		return fmt.Errorf("%w: empty frequency table", pkg.ErrInvalidParameter)
	}
	if !sort.SliceIsSorted(c.Frequencies, func(i, j int) bool {
		return c.Frequencies[i] < c.Frequencies[j]
	}) {
		return fmt.Errorf("%w: frequency table not ascending", pkg.ErrInvalidParameter)
	}
	switch c.DataBits {
	case 1, 4, 8:
	default:
		return fmt.Errorf("%w: data bits %d", pkg.ErrInvalidParameter, c.DataBits)
	}
	if c.OpCondAttempts < 1 || c.ReadyAttempts < 1 {
		return fmt.Errorf("%w: poll attempts must be positive", pkg.ErrInvalidParameter)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: negative poll interval", pkg.ErrInvalidParameter)
	}
	return nil
}

// PartitionName returns the device name of partition index (0-based).
func (c *Config) PartitionName(index int) string {
	return fmt.Sprintf("%sp%d", c.Name, index+1)
}

// ParseConfig decodes YAML over the defaults, so omitted keys keep their
// default value.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return ParseConfig(data)
}

// Encode returns the configuration as YAML.
func (c Config) Encode() ([]byte, error) {
	return yaml.Marshal(c)
}
