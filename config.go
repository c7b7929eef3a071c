package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	configFilePath    = "/etc/cec-sync.yaml"
	envPrefix         = "CEC_SYNC"
	defaultDeviceName = "cec-sync"
)

// Config is the effective daemon configuration.
type Config struct {
	CECAdapter      string           `yaml:"cec-adapter"`
	DeviceName      string           `yaml:"device-name"`
	Debug           bool             `yaml:"debug"`
	PowerDevices    []int            `yaml:"devices"`
	LogicalAddress  int              `yaml:"logical-address"`
	Input           string           `yaml:"input"`
	KeyMapOverrides map[string][]int `yaml:"keymap,omitempty"`
	QueueDir        string           `yaml:"queue-dir,omitempty"`
	SocketPath      string           `yaml:"socket"`
}

// newViper returns a viper instance with the daemon defaults and CEC_SYNC_*
// environment overrides.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("device-name", defaultDeviceName)
	v.SetDefault("logical-address", int(LogicalAddressPlayback1))
	v.SetDefault("input", inputGamescope)
	return v
}

// loadConfig loads configuration from file and environment variables.
// Flags bound to v take precedence over the environment, which takes
// precedence over the file and then the defaults. A missing file is only an
// error when path was given explicitly.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = configFilePath
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		switch {
		case explicit:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		case !missing:
			slog.Warn("Error reading config file", "path", path, "error", err)
		}
	}

	cfg := &Config{
		CECAdapter:     v.GetString("cec-adapter"),
		DeviceName:     v.GetString("device-name"),
		Debug:          v.GetBool("debug"),
		LogicalAddress: v.GetInt("logical-address"),
		Input:          v.GetString("input"),
		QueueDir:       v.GetString("queue-dir"),
		SocketPath:     v.GetString("socket"),
	}

	// Handle keymap overrides
	switch km := v.Get("keymap").(type) {
	case []any:
		cfg.KeyMapOverrides = parseKeyMapFlags(toStrings(km))
	case []string:
		cfg.KeyMapOverrides = parseKeyMapFlags(km)
	case map[string]any:
		cfg.KeyMapOverrides = parseKeyMapFromMap(km)
	case string:
		cfg.KeyMapOverrides = parseKeyMapFlags(strings.Fields(km))
	}

	// Handle power devices
	switch devices := v.Get("devices").(type) {
	case []any:
		cfg.PowerDevices = parseDevices(toStrings(devices))
	case []string:
		cfg.PowerDevices = parseDevices(devices)
	case []int:
		cfg.PowerDevices = devices
	case string:
		cfg.PowerDevices = parseDevices([]string{devices})
	default:
		cfg.PowerDevices = parseDevices(nil)
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Input {
	case inputGamescope, inputKeyboard, inputNone:
	default:
		return fmt.Errorf("invalid input %q: want %s, %s or %s", c.Input, inputGamescope, inputKeyboard, inputNone)
	}
	if !LogicalAddress(c.LogicalAddress).Registered() {
		return fmt.Errorf("invalid logical address %d", c.LogicalAddress)
	}
	for _, dev := range c.PowerDevices {
		if !LogicalAddress(dev).Registered() {
			return fmt.Errorf("invalid power device address %d", dev)
		}
	}
	return nil
}

// powerDevices returns the configured power devices as logical addresses.
func (c *Config) powerDevices() []LogicalAddress {
	out := make([]LogicalAddress, len(c.PowerDevices))
	for i, dev := range c.PowerDevices {
		out[i] = LogicalAddress(dev)
	}
	return out
}

func toStrings(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch val := item.(type) {
		case string:
			out = append(out, val)
		case int:
			out = append(out, strconv.Itoa(val))
		case int64:
			out = append(out, strconv.FormatInt(val, 10))
		case float64:
			out = append(out, strconv.FormatFloat(val, 'f', -1, 64))
		}
	}
	return out
}

// parseKeyMapFlags parses "<cec key>:<linux code>[+<linux code>...]" entries.
func parseKeyMapFlags(keyMapArgs []string) map[string][]int {
	m := make(map[string][]int)
	for _, entry := range keyMapArgs {
		name, codes, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			slog.Warn("Invalid keymap entry", "entry", entry)
			continue
		}
		if linuxCodes := parseLinuxCodes(codes); len(linuxCodes) > 0 {
			m[name] = linuxCodes
		}
	}
	return m
}

// parseKeyMapFromMap parses the map form of the keymap setting, where values
// are "<linux code>[+<linux code>...]" strings.
func parseKeyMapFromMap(keyMap map[string]any) map[string][]int {
	m := make(map[string][]int)
	for name, value := range keyMap {
		codes, ok := value.(string)
		if !ok {
			slog.Warn("Invalid keymap value, expected a string", "key", name, "value", value)
			continue
		}
		if linuxCodes := parseLinuxCodes(codes); len(linuxCodes) > 0 {
			m[name] = linuxCodes
		}
	}
	return m
}

func parseLinuxCodes(s string) []int {
	var linuxCodes []int
	for _, codeStr := range strings.Split(s, "+") {
		code, err := strconv.Atoi(strings.TrimSpace(codeStr))
		if err != nil {
			slog.Warn("Invalid linux key code", "code", codeStr, "error", err)
			continue
		}
		linuxCodes = append(linuxCodes, code)
	}
	return linuxCodes
}

func parseDevices(devices []string) []int {
	if len(devices) == 0 {
		return []int{int(LogicalAddressTV)}
	}
	var result []int
	for _, devStr := range devices {
		for _, part := range strings.Split(devStr, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			dev, err := strconv.Atoi(part)
			if err != nil {
				slog.Warn("Invalid device address", "device", part, "error", err)
				continue
			}
			result = append(result, dev)
		}
	}
	return result
}
