package vmm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMemoryBase  = 0x1000
	DefaultMemorySize  = 0x1000
	DefaultDeviceBase  = 0x0
	DefaultDeviceSize  = 0x1000
	DefaultConsolePort = 0x3f8
	DefaultSentinel    = 0x42
)

// Config describes the machine layout. Zero values select the defaults,
// except DeviceBase where zero is the default.
type Config struct {
	MemoryBase  uint64 `yaml:"memoryBase,omitempty"`
	MemorySize  uint64 `yaml:"memorySize,omitempty"`
	DeviceBase  uint64 `yaml:"deviceBase,omitempty"`
	DeviceSize  uint64 `yaml:"deviceSize,omitempty"`
	ConsolePort uint16 `yaml:"consolePort,omitempty"`
	Sentinel    uint8  `yaml:"sentinel,omitempty"`

	// Backend is "kvm" or "emu".
	Backend string `yaml:"backend,omitempty"`

	// Guest names a built-in payload; Payload is a path to a flat binary.
	Guest   string `yaml:"guest,omitempty"`
	Payload string `yaml:"payload,omitempty"`
}

func DefaultConfig() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.MemoryBase == 0 {
		c.MemoryBase = DefaultMemoryBase
	}
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.DeviceSize == 0 {
		c.DeviceSize = DefaultDeviceSize
	}
	if c.ConsolePort == 0 {
		c.ConsolePort = DefaultConsolePort
	}
	if c.Sentinel == 0 {
		c.Sentinel = DefaultSentinel
	}
}

const pageSize = 0x1000

// Validate checks the layout is one KVM can map. It does not check for
// RAM/device overlap; the address space does that when the machine is built.
func (c Config) Validate() error {
	if c.MemorySize == 0 {
		return fmt.Errorf("memorySize must be non-zero")
	}
	if c.MemoryBase%pageSize != 0 || c.MemorySize%pageSize != 0 {
		return fmt.Errorf("memory [0x%x, +0x%x) must be page aligned", c.MemoryBase, c.MemorySize)
	}
	if c.MemoryBase+c.MemorySize < c.MemoryBase {
		return fmt.Errorf("memory [0x%x, +0x%x) overflows", c.MemoryBase, c.MemorySize)
	}
	// Real-mode code runs with CS base 0, so the load address must be a
	// 16-bit offset.
	if c.MemoryBase > 0xffff {
		return fmt.Errorf("memoryBase 0x%x is not reachable from real mode", c.MemoryBase)
	}
	if c.DeviceSize == 0 {
		return fmt.Errorf("deviceSize must be non-zero")
	}
	if c.DeviceBase+c.DeviceSize < c.DeviceBase {
		return fmt.Errorf("device [0x%x, +0x%x) overflows", c.DeviceBase, c.DeviceSize)
	}
	if c.Guest != "" && c.Payload != "" {
		return fmt.Errorf("guest and payload are mutually exclusive")
	}
	return nil
}

// LoadConfig reads a YAML machine description and fills in defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Marshal renders cfg as YAML with defaults filled in.
func (c Config) Marshal() ([]byte, error) {
	c.normalize()
	return yaml.Marshal(&c)
}
