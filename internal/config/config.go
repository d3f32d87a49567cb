package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/sensorlink/internal/handshake"
	"github.com/banshee-data/sensorlink/internal/sensors"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/sensorlink.defaults.json"

// Config is the daemon configuration. Every field is optional: nil means
// "use the default", which the Get* methods supply. Command-line flags are
// applied on top by setting the corresponding pointer.
type Config struct {
	// Serial link
	Port        *string `json:"port,omitempty"`
	BaudRate    *int    `json:"baud_rate,omitempty"`
	ReadTimeout *string `json:"read_timeout,omitempty"` // duration string like "1s"

	// Protocol
	Protocol              *string `json:"protocol,omitempty"`       // "minimal" or "extended"
	RequestPolicy         *string `json:"request_policy,omitempty"` // "resync" or "strict"
	DiscardAlternateLines *bool   `json:"discard_alternate_lines,omitempty"`

	// Persistence
	SaveInterval     *string `json:"save_interval,omitempty"` // duration string like "5s"
	DataDir          *string `json:"data_dir,omitempty"`
	FlushOnShutdown  *bool   `json:"flush_on_shutdown,omitempty"`
	DBPath           *string `json:"db_path,omitempty"`
	HistoryRetention *string `json:"history_retention,omitempty"` // duration string, "0" keeps everything
	MQTTBroker       *string `json:"mqtt_broker,omitempty"`
	MQTTTopicPrefix  *string `json:"mqtt_topic_prefix,omitempty"`

	// Diagnostics
	Verbose *bool   `json:"verbose,omitempty"`
	Listen  *string `json:"listen,omitempty"`

	// Sensors replaces the built-in catalog when non-empty.
	Sensors []SensorConfig `json:"sensors,omitempty"`
}

// SensorConfig is one catalog entry in the config file.
type SensorConfig struct {
	ID     SensorID `json:"id"`
	Name   string   `json:"name"`
	Length int      `json:"length"`
}

// SensorID is an identity byte. In JSON it may be a number (17) or a string
// in decimal or 0x-prefixed hex ("0x11").
type SensorID byte

func (id *SensorID) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var n uint64
	switch v := raw.(type) {
	case float64:
		if v < 0 || v > 255 || v != float64(uint8(v)) {
			return fmt.Errorf("sensor id %v is not a byte", v)
		}
		n = uint64(v)
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 0, 8)
		if err != nil {
			return fmt.Errorf("sensor id %q: %w", v, err)
		}
		n = parsed
	default:
		return fmt.Errorf("sensor id must be a number or string, got %s", data)
	}
	*id = SensorID(n)
	return nil
}

func (id SensorID) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%02X", byte(id)))
}

// Helper functions to create pointers
func ptrBool(v bool) *bool       { return &v }
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyConfig returns a Config with all fields set to nil.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() *Config {
	return &Config{
		Port:                  ptrString(DefaultPort),
		BaudRate:              ptrInt(DefaultBaudRate),
		ReadTimeout:           ptrString(DefaultReadTimeout.String()),
		Protocol:              ptrString(handshake.Minimal.String()),
		RequestPolicy:         ptrString(handshake.Resync.String()),
		DiscardAlternateLines: ptrBool(false),
		SaveInterval:          ptrString(DefaultSaveInterval.String()),
		DataDir:               ptrString(DefaultDataDir),
		FlushOnShutdown:       ptrBool(false),
		DBPath:                ptrString(""),
		HistoryRetention:      ptrString("0s"),
		MQTTBroker:            ptrString(""),
		MQTTTopicPrefix:       ptrString(DefaultTopicPrefix),
		Verbose:               ptrBool(false),
		Listen:                ptrString(""),
	}
}

// Defaults.
const (
	DefaultPort         = "/dev/serial0"
	DefaultBaudRate     = 9600
	DefaultReadTimeout  = time.Second
	DefaultSaveInterval = 5 * time.Second
	DefaultDataDir      = "./SensorData"
	DefaultTopicPrefix  = "sensorlink"
)

// LoadConfig loads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file keep their defaults, so partial configs are safe.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Port != nil && *c.Port == "" {
		errs = append(errs, errors.New("port must not be empty"))
	}
	if c.BaudRate != nil && *c.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate))
	}
	for name, v := range map[string]*string{
		"read_timeout":      c.ReadTimeout,
		"save_interval":     c.SaveInterval,
		"history_retention": c.HistoryRetention,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s '%s': %w", name, *v, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", name, *v))
		}
	}
	if c.ReadTimeout != nil && *c.ReadTimeout != "" {
		if d, err := time.ParseDuration(*c.ReadTimeout); err == nil && d == 0 {
			errs = append(errs, errors.New("read_timeout must be positive so shutdown is not blocked"))
		}
	}
	if c.Protocol != nil {
		if _, err := ParseVariant(*c.Protocol); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RequestPolicy != nil {
		if _, err := ParseRequestPolicy(*c.RequestPolicy); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DataDir != nil && *c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if len(c.Sensors) > 0 {
		if _, err := sensors.NewRegistry(c.catalog()); err != nil {
			errs = append(errs, fmt.Errorf("sensors: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ParseVariant maps a protocol name to a handshake variant.
func ParseVariant(s string) (handshake.Variant, error) {
	switch strings.ToLower(s) {
	case "", "minimal":
		return handshake.Minimal, nil
	case "extended":
		return handshake.Extended, nil
	default:
		return 0, fmt.Errorf("protocol must be minimal or extended, got %q", s)
	}
}

// ParseRequestPolicy maps a policy name to a handshake request policy.
func ParseRequestPolicy(s string) (handshake.RequestPolicy, error) {
	switch strings.ToLower(s) {
	case "", "resync":
		return handshake.Resync, nil
	case "strict":
		return handshake.Strict, nil
	default:
		return 0, fmt.Errorf("request_policy must be resync or strict, got %q", s)
	}
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetPort returns the serial device path, or "auto".
func (c *Config) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return DefaultPort
	}
	return *c.Port
}

// GetBaudRate returns the baud_rate value or the default.
func (c *Config) GetBaudRate() int {
	if c.BaudRate == nil || *c.BaudRate <= 0 {
		return DefaultBaudRate
	}
	return *c.BaudRate
}

// GetReadTimeout parses and returns the ReadTimeout as a time.Duration.
func (c *Config) GetReadTimeout() time.Duration {
	d := duration(c.ReadTimeout, DefaultReadTimeout)
	if d <= 0 {
		return DefaultReadTimeout
	}
	return d
}

// GetSaveInterval parses and returns the SaveInterval as a time.Duration.
func (c *Config) GetSaveInterval() time.Duration {
	return duration(c.SaveInterval, DefaultSaveInterval)
}

// GetHistoryRetention returns how long database history is kept; zero keeps
// everything.
func (c *Config) GetHistoryRetention() time.Duration {
	return duration(c.HistoryRetention, 0)
}

// GetHandshakeOptions assembles the protocol options.
func (c *Config) GetHandshakeOptions() handshake.Options {
	var opts handshake.Options
	if c.Protocol != nil {
		opts.Variant, _ = ParseVariant(*c.Protocol)
	}
	if c.RequestPolicy != nil {
		opts.RequestPolicy, _ = ParseRequestPolicy(*c.RequestPolicy)
	}
	opts.DiscardAlternateLines = c.DiscardAlternateLines != nil && *c.DiscardAlternateLines
	return opts
}

// GetDataDir returns the directory sensor files are written to.
func (c *Config) GetDataDir() string {
	if c.DataDir == nil || *c.DataDir == "" {
		return DefaultDataDir
	}
	return *c.DataDir
}

// GetFlushOnShutdown returns the flush_on_shutdown value or the default.
func (c *Config) GetFlushOnShutdown() bool {
	return c.FlushOnShutdown != nil && *c.FlushOnShutdown
}

// GetDBPath returns the SQLite history path; empty disables the history.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetMQTTBroker returns the broker URL; empty disables MQTT publishing.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTTopicPrefix returns the mqtt_topic_prefix value or the default.
func (c *Config) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == nil || *c.MQTTTopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return *c.MQTTTopicPrefix
}

// GetVerbose returns the verbose value or the default.
func (c *Config) GetVerbose() bool {
	return c.Verbose != nil && *c.Verbose
}

// GetListen returns the debug HTTP address; empty disables the server.
func (c *Config) GetListen() string {
	if c.Listen == nil {
		return ""
	}
	return *c.Listen
}

// GetCatalog returns the configured sensors, or the built-in catalog.
func (c *Config) GetCatalog() []sensors.Descriptor {
	if len(c.Sensors) == 0 {
		return sensors.DefaultCatalog()
	}
	return c.catalog()
}

func (c *Config) catalog() []sensors.Descriptor {
	out := make([]sensors.Descriptor, len(c.Sensors))
	for i, s := range c.Sensors {
		out[i] = sensors.Descriptor{ID: byte(s.ID), Name: s.Name, Length: s.Length}
	}
	return out
}
