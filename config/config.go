// Package config loads DataBlock segment creation options from TOML, with
// environment-variable overrides — the same pattern the teacher's
// config.go and main.go use (config.Load reading a TOML file whose path
// comes from an env var, then individual env vars punching through
// specific fields), generalized from "which exchanges are enabled" to
// "what segment this process should create or attach to".
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/Qing-LAB/pylabhub-sub000/internal/layout"
)

// Env var names recognised as overrides over the TOML file (spec.md §6
// "Creation configuration").
const (
	EnvConfigPath   = "DATABLOCK_CONFIG"
	EnvSegmentName  = "DATABLOCK_SEGMENT"
	EnvSharedSecret = "DATABLOCK_SECRET"
)

// DefaultConfigPath is used when DATABLOCK_CONFIG is unset.
const DefaultConfigPath = "datablock.toml"

// CreateOptions enumerates every recognised segment-creation option from
// spec.md §6. Validate rejects invalid or missing values rather than
// silently defaulting them, except RingPolicy: it is not checked, and
// CreateSegment always records RingBuffer.
type CreateOptions struct {
	SegmentName    string `toml:"segment_name"`
	RingPolicy     string `toml:"ring_policy"`
	ConsumerPolicy string `toml:"consumer_sync_policy"`
	ChecksumPolicy string `toml:"checksum_policy"`

	SharedSecret uint64 `toml:"shared_secret"`
	RingCapacity uint32 `toml:"ring_capacity"`
	PageSize     uint32 `toml:"physical_page_size"`
	FlexZoneSize uint32 `toml:"flex_zone_size"`

	Force bool `toml:"force"`

	HeartbeatCapacity    int   `toml:"heartbeat_capacity"`
	ConsumerLivenessNS   int64 `toml:"consumer_liveness_window_ns"`
	ReclaimGraceWindowNS int64 `toml:"reclaim_grace_window_ns"`
}

// file is the on-disk TOML shape; CreateOptions is flattened for API
// ergonomics but stored under a "segment" table in the file.
type file struct {
	Segment CreateOptions `toml:"segment"`
}

// Load reads path (TOML), applies recognised environment overrides, and
// validates the result. A missing DATABLOCK_CONFIG env var falls back to
// DefaultConfigPath, matching the teacher's ALEPH_FEEDER_CONFIG pattern in
// main.go. godotenv.Load is attempted first (best-effort, ignored if no
// .env file exists) so a deployment can set DATABLOCK_* vars via .env the
// same way the broader pack's services do.
func Load(path string) (*CreateOptions, error) {
	_ = godotenv.Load()

	if path == "" {
		if p := os.Getenv(EnvConfigPath); p != "" {
			path = p
		} else {
			path = DefaultConfigPath
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f file
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	opts := f.Segment

	applyEnvOverrides(&opts)

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

func applyEnvOverrides(opts *CreateOptions) {
	if v := os.Getenv(EnvSegmentName); v != "" {
		opts.SegmentName = v
	}
	if v := os.Getenv(EnvSharedSecret); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			opts.SharedSecret = parsed
		}
	}
}

// Validate enforces spec.md §6's recognised-value constraints. ring_policy
// is not checked; any value, including an empty one, is accepted. It never
// mutates opts; callers that want defaults filled in should do so before
// calling Validate.
func (o *CreateOptions) Validate() error {
	if o.SegmentName == "" {
		return fmt.Errorf("config: segment_name is required")
	}
	if o.RingCapacity == 0 {
		return fmt.Errorf("config: ring_capacity must be >= 1")
	}
	if o.PageSize == 0 || o.PageSize%4096 != 0 {
		return fmt.Errorf("config: physical_page_size must be a positive multiple of 4096")
	}
	if o.FlexZoneSize == 0 || o.FlexZoneSize%o.PageSize != 0 {
		return fmt.Errorf("config: flex_zone_size must be a positive multiple of physical_page_size")
	}
	if _, err := ParseConsumerPolicy(o.ConsumerPolicy); err != nil {
		return err
	}
	if _, err := ParseChecksumPolicy(o.ChecksumPolicy); err != nil {
		return err
	}
	if o.HeartbeatCapacity <= 0 {
		return fmt.Errorf("config: heartbeat_capacity must be >= 1")
	}
	if o.ConsumerLivenessNS <= 0 {
		return fmt.Errorf("config: consumer_liveness_window_ns must be positive")
	}
	if o.ReclaimGraceWindowNS < 0 {
		return fmt.Errorf("config: reclaim_grace_window_ns must be non-negative")
	}
	return nil
}

// ParseConsumerPolicy maps a TOML policy name to its layout enum value.
func ParseConsumerPolicy(s string) (layout.ConsumerSyncPolicy, error) {
	switch s {
	case "Latest_only":
		return layout.LatestOnly, nil
	case "Single_reader":
		return layout.SingleReader, nil
	case "Sync_reader":
		return layout.SyncReader, nil
	default:
		return 0, fmt.Errorf("config: unrecognised consumer_sync_policy %q", s)
	}
}

// ParseChecksumPolicy maps a TOML policy name to its layout enum value.
func ParseChecksumPolicy(s string) (layout.ChecksumPolicy, error) {
	switch s {
	case "None":
		return layout.ChecksumNone, nil
	case "Enforced":
		return layout.ChecksumEnforced, nil
	case "Manual":
		return layout.ChecksumManual, nil
	default:
		return 0, fmt.Errorf("config: unrecognised checksum_policy %q", s)
	}
}
