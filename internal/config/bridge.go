package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/jointbridge/internal/bridge"
	"github.com/banshee-data/jointbridge/internal/jointstate"
	"github.com/banshee-data/jointbridge/internal/scheduler"
	"github.com/banshee-data/jointbridge/internal/serialmux"
	"github.com/banshee-data/jointbridge/internal/stream"
	"github.com/banshee-data/jointbridge/internal/transport"
)

// DefaultConfigPath is the path to the canonical bridge defaults file.
const DefaultConfigPath = "config/bridge.defaults.json"

// Transport kinds accepted by the "transport" field.
const (
	TransportLocal  = "local"
	TransportNATS   = "nats"
	TransportSerial = "serial"
)

// TopicsConfig overrides individual topic names. Unset topics keep the
// robot defaults from bridge.DefaultTopics.
type TopicsConfig struct {
	Auxiliary    *string `json:"auxiliary,omitempty"`
	Canonical    *string `json:"canonical,omitempty"`
	Transform    *string `json:"transform,omitempty"`
	Merged       *string `json:"merged,omitempty"`
	TransformOut *string `json:"transform_out,omitempty"`
}

// BridgeConfig is the root configuration file. Every field is optional; the
// Get* methods return the default for anything unset.
type BridgeConfig struct {
	Period     *string       `json:"period,omitempty"` // duration string like "50ms"
	UnitPrefix *string       `json:"unit_prefix,omitempty"`
	Topics     *TopicsConfig `json:"topics,omitempty"`

	Transport   *string                `json:"transport,omitempty"` // local, nats or serial
	NATSURL     *string                `json:"nats_url,omitempty"`
	NATSName    *string                `json:"nats_name,omitempty"`
	Serial      *serialmux.PortOptions `json:"serial,omitempty"`
	LocalBuffer *int                   `json:"local_buffer,omitempty"`

	GRPCListen     *string `json:"grpc_listen,omitempty"` // "" disables the stream server
	GRPCMaxClients *int    `json:"grpc_max_clients,omitempty"`
	AdminListen    *string `json:"admin_listen,omitempty"`
}

// EmptyBridgeConfig returns a BridgeConfig with all fields set to nil.
func EmptyBridgeConfig() *BridgeConfig {
	return &BridgeConfig{}
}

// LoadBridgeConfig loads a BridgeConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

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

	cfg := EmptyBridgeConfig()
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

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. Panics if the file
// cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *BridgeConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,    // from cmd/jointbridge/
		"../../" + DefaultConfigPath, // from internal/config/
	}
	for _, path := range candidates {
		if cfg, err := LoadBridgeConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *BridgeConfig) Validate() error {
	if c.Period != nil && *c.Period != "" {
		d, err := time.ParseDuration(*c.Period)
		if err != nil {
			return fmt.Errorf("invalid period '%s': %w", *c.Period, err)
		}
		if d <= 0 {
			return fmt.Errorf("period must be positive, got %s", d)
		}
	}

	if c.UnitPrefix != nil {
		p := *c.UnitPrefix
		if p == "" || strings.ContainsAny(p, " \t/") {
			return fmt.Errorf("unit_prefix must be a non-empty name without spaces or slashes, got %q", p)
		}
	}

	if err := c.GetTopics().Validate(); err != nil {
		return fmt.Errorf("invalid topics: %w", err)
	}

	switch kind := c.GetTransport(); kind {
	case TransportLocal, TransportNATS:
	case TransportSerial:
		if c.GetSerial().Path == "" {
			return fmt.Errorf("serial transport requires serial.path")
		}
	default:
		return fmt.Errorf("unknown transport %q: expected local, nats or serial", kind)
	}

	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("invalid serial options: %w", err)
		}
	}

	if c.LocalBuffer != nil && *c.LocalBuffer < 1 {
		return fmt.Errorf("local_buffer must be at least 1, got %d", *c.LocalBuffer)
	}
	if c.GRPCMaxClients != nil && *c.GRPCMaxClients < 1 {
		return fmt.Errorf("grpc_max_clients must be at least 1, got %d", *c.GRPCMaxClients)
	}
	return nil
}

// GetPeriod parses and returns the publish period.
func (c *BridgeConfig) GetPeriod() time.Duration {
	if c.Period == nil || *c.Period == "" {
		return scheduler.DefaultPeriod
	}
	d, err := time.ParseDuration(*c.Period)
	if err != nil || d <= 0 {
		return scheduler.DefaultPeriod // default on parse error
	}
	return d
}

// GetUnitPrefix returns the auxiliary joint name prefix or the default.
func (c *BridgeConfig) GetUnitPrefix() string {
	if c.UnitPrefix == nil {
		return jointstate.DefaultUnitPrefix
	}
	return *c.UnitPrefix
}

// GetTopics returns the configured topics over the robot defaults.
func (c *BridgeConfig) GetTopics() bridge.Topics {
	t := bridge.DefaultTopics()
	if c.Topics == nil {
		return t
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&t.Auxiliary, c.Topics.Auxiliary)
	set(&t.Canonical, c.Topics.Canonical)
	set(&t.Transform, c.Topics.Transform)
	set(&t.Merged, c.Topics.Merged)
	set(&t.TransformOut, c.Topics.TransformOut)
	return t
}

// GetTransport returns the transport kind or the default (local).
func (c *BridgeConfig) GetTransport() string {
	if c.Transport == nil || *c.Transport == "" {
		return TransportLocal
	}
	return strings.ToLower(*c.Transport)
}

// GetNATSOptions returns the NATS connection options.
func (c *BridgeConfig) GetNATSOptions() transport.NATSOptions {
	var o transport.NATSOptions
	if c.NATSURL != nil {
		o.URL = *c.NATSURL
	}
	if c.NATSName != nil {
		o.Name = *c.NATSName
	}
	return o
}

// GetSerial returns the serial port options. Unset fields are filled in by
// serialmux when the port is opened.
func (c *BridgeConfig) GetSerial() serialmux.PortOptions {
	if c.Serial == nil {
		return serialmux.PortOptions{}
	}
	return *c.Serial
}

// GetLocalBuffer returns the local bus queue length or the default.
func (c *BridgeConfig) GetLocalBuffer() int {
	if c.LocalBuffer == nil {
		return transport.DefaultLocalBuffer
	}
	return *c.LocalBuffer
}

// GetGRPCListen returns the stream server address. An empty string
// disables the server.
func (c *BridgeConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return stream.DefaultConfig().ListenAddr
	}
	return *c.GRPCListen
}

// GetGRPCMaxClients returns the stream client limit or the default.
func (c *BridgeConfig) GetGRPCMaxClients() int {
	if c.GRPCMaxClients == nil {
		return stream.DefaultConfig().MaxClients
	}
	return *c.GRPCMaxClients
}

// GetAdminListen returns the admin HTTP address or the default.
func (c *BridgeConfig) GetAdminListen() string {
	if c.AdminListen == nil || *c.AdminListen == "" {
		return "localhost:8090"
	}
	return *c.AdminListen
}
