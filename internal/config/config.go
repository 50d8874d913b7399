// Package config loads GhostDrop's SessionConfig from TOML using
// github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// SessionConfig carries the tunables a Session needs beyond its builtin
// defaults: handshake timeouts, GATT retry timing, reassembly GC age, and
// the default chunk/window sizing a sender picks absent receiver
// capabilities narrowing them further.
type SessionConfig struct {
	HelloAckTimeout  Duration `toml:"hello_ack_timeout"`
	VerifyAckTimeout Duration `toml:"verify_ack_timeout"`

	GATTRetryInterval Duration `toml:"gatt_retry_interval"`
	GATTRetryTimeout  Duration `toml:"gatt_retry_timeout"`
	// ReassemblyGCAge is loaded and defaulted but not read by the GATT
	// transport, which garbage-collects stale reassembly entries after a
	// fixed 10s.
	ReassemblyGCAge Duration `toml:"reassembly_gc_age"`

	DefaultChunkSize  uint32 `toml:"default_chunk_size"`
	DefaultWindowSize uint   `toml:"default_window_size"`

	MaxPacketSize uint32 `toml:"max_packet_size"`
}

// Duration wraps time.Duration so it can be expressed as a TOML string
// such as "15s", since encoding/toml does not decode time.Duration from
// plain integers the way Go's String() prints it.
type Duration struct{ time.Duration }

// UnmarshalText implements encoding.TextUnmarshaler, which BurntSushi/toml
// uses for string-valued keys.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns GhostDrop's documented default tunables.
func Default() SessionConfig {
	return SessionConfig{
		HelloAckTimeout:   Duration{15 * time.Second},
		VerifyAckTimeout:  Duration{15 * time.Second},
		GATTRetryInterval: Duration{200 * time.Millisecond},
		GATTRetryTimeout:  Duration{2 * time.Second},
		ReassemblyGCAge:   Duration{10 * time.Second},
		DefaultChunkSize:  128,
		DefaultWindowSize: 8,
		MaxPacketSize:     185,
	}
}

// LoadFile decodes a SessionConfig from a TOML file, filling any field the
// file omits with its default value.
func LoadFile(path string) (SessionConfig, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return SessionConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
