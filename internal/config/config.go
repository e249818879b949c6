// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"time"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// DefaultPath is where the agent looks for its configuration.
const DefaultPath = "/etc/ltsagent.hcl"

// DefaultCollector is the long-term-stats collector endpoint.
const DefaultCollector = "stats.libreqos.io:9128"

// Config is the top-level agent configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Node identity reported to the collector.
	NodeID string `hcl:"node_id,optional" json:"node_id,omitempty"`
	// Human readable node name. Defaults to NodeID.
	NodeName string `hcl:"node_name,optional" json:"node_name,omitempty"`

	// State directory for the submission queue database.
	// @default: "/var/lib/ltsagent"
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	LongTermStats *LongTermStatsConfig `hcl:"long_term_stats,block" json:"long_term_stats,omitempty"`
	Queues        *QueuesConfig        `hcl:"queues,block" json:"queues,omitempty"`
	Flows         *FlowsConfig         `hcl:"flows,block" json:"flows,omitempty"`
	API           *APIConfig           `hcl:"api,block" json:"api,omitempty"`
	Logging       *LoggingConfig       `hcl:"logging,block" json:"logging,omitempty"`
}

// LongTermStatsConfig controls the uplink to the stats collector.
type LongTermStatsConfig struct {
	// Master switch for gathering and submitting stats.
	GatherStats bool   `hcl:"gather_stats,optional" json:"gather_stats"`
	LicenseKey  string `hcl:"license_key,optional" json:"license_key,omitempty"`
	// Collector host:port.
	// @default: "stats.libreqos.io:9128"
	Collector string `hcl:"collector,optional" json:"collector,omitempty"`
	// How often a stats submission is queued.
	// @default: "60s"
	SubmitInterval string `hcl:"submit_interval,optional" json:"submit_interval,omitempty"`
	// Deadline applied to every uplink read and write.
	// @default: "30s"
	IOTimeout string `hcl:"io_timeout,optional" json:"io_timeout,omitempty"`
	// Number of top flows included in a submission.
	// @default: 10
	TopFlows int `hcl:"top_flows,optional" json:"top_flows,omitempty"`
	// Cap on undelivered submissions. New submissions are refused, never
	// the queued ones. Zero means unbounded.
	// @default: 0
	MaxQueued int `hcl:"max_queued,optional" json:"max_queued,omitempty"`
}

// QueuesConfig controls watched-queue polling.
type QueuesConfig struct {
	// YAML snapshot of circuit to queue handle mappings.
	// @default: "/etc/ltsagent/queue_structure.yaml"
	StructureFile     string `hcl:"structure_file,optional" json:"structure_file,omitempty"`
	DownloadInterface string `hcl:"download_interface,optional" json:"download_interface,omitempty"`
	UploadInterface   string `hcl:"upload_interface,optional" json:"upload_interface,omitempty"`
	// @default: "2s"
	SweepInterval string `hcl:"sweep_interval,optional" json:"sweep_interval,omitempty"`
	// @default: "1s"
	PollInterval string `hcl:"poll_interval,optional" json:"poll_interval,omitempty"`
}

// FlowsConfig controls the flow-state registry and its kernel source.
type FlowsConfig struct {
	// Flow source: "ebpf", "conntrack" or "none".
	// @default: "ebpf"
	Source string `hcl:"source,optional" json:"source,omitempty"`
	// Pinned BPF map holding raw flow records.
	// @default: "/sys/fs/bpf/flowbee"
	PinnedMap string `hcl:"pinned_map,optional" json:"pinned_map,omitempty"`
	// @default: "1s"
	PollInterval string `hcl:"poll_interval,optional" json:"poll_interval,omitempty"`
	// @default: "5m"
	FlowTimeout string `hcl:"flow_timeout,optional" json:"flow_timeout,omitempty"`
	// How long a closed (FIN/RST) flow is kept after last being seen.
	// @default: "30s"
	ClosedGrace string `hcl:"closed_grace,optional" json:"closed_grace,omitempty"`
	// @default: "30s"
	CleanupInterval string `hcl:"cleanup_interval,optional" json:"cleanup_interval,omitempty"`
	// @default: 100000
	MaxFlows int `hcl:"max_flows,optional" json:"max_flows,omitempty"`
}

// APIConfig controls the local read-only HTTP surface.
type APIConfig struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`
	// @default: "127.0.0.1:9180"
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// @default: "info"
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
	// Rotated log file. Empty logs to stderr.
	File string `hcl:"file,optional" json:"file,omitempty"`
}

// DefaultConfig returns a configuration with every block populated with defaults.
// Stats gathering stays off until a license key is configured.
func DefaultConfig() *Config {
	c := &Config{SchemaVersion: CurrentSchemaVersion}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.NodeName == "" {
		c.NodeName = c.NodeID
	}
	if c.StateDir == "" {
		c.StateDir = "/var/lib/ltsagent"
	}
	if c.Queues == nil {
		c.Queues = &QueuesConfig{}
	}
	if c.Queues.StructureFile == "" {
		c.Queues.StructureFile = "/etc/ltsagent/queue_structure.yaml"
	}
	if c.Queues.SweepInterval == "" {
		c.Queues.SweepInterval = "2s"
	}
	if c.Queues.PollInterval == "" {
		c.Queues.PollInterval = "1s"
	}
	if c.Flows == nil {
		c.Flows = &FlowsConfig{}
	}
	if c.Flows.Source == "" {
		c.Flows.Source = "ebpf"
	}
	if c.Flows.PinnedMap == "" {
		c.Flows.PinnedMap = "/sys/fs/bpf/flowbee"
	}
	if c.Flows.PollInterval == "" {
		c.Flows.PollInterval = "1s"
	}
	if c.Flows.FlowTimeout == "" {
		c.Flows.FlowTimeout = "5m"
	}
	if c.Flows.ClosedGrace == "" {
		c.Flows.ClosedGrace = "30s"
	}
	if c.Flows.CleanupInterval == "" {
		c.Flows.CleanupInterval = "30s"
	}
	if c.Flows.MaxFlows == 0 {
		c.Flows.MaxFlows = 100000
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:9180"
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if lts := c.LongTermStats; lts != nil {
		if lts.Collector == "" {
			lts.Collector = DefaultCollector
		}
		if lts.SubmitInterval == "" {
			lts.SubmitInterval = "60s"
		}
		if lts.IOTimeout == "" {
			lts.IOTimeout = "30s"
		}
		if lts.TopFlows == 0 {
			lts.TopFlows = 10
		}
	}
}

// Duration parses a duration string, falling back to def when s is empty
// or malformed. Validate reports malformed values separately.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
