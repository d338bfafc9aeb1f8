// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the flowguard daemon configuration from HCL.
package config

// Config is the top level configuration file.
type Config struct {
	Log     *LogConfig     `hcl:"log,block" json:"log,omitempty"`
	Kernel  *KernelConfig  `hcl:"kernel,block" json:"kernel,omitempty"`
	Engine  *EngineConfig  `hcl:"engine,block" json:"engine,omitempty"`
	Control *ControlConfig `hcl:"control,block" json:"control,omitempty"`
	API     *APIConfig     `hcl:"api,block" json:"api,omitempty"`
	Policy  *PolicyConfig  `hcl:"policy,block" json:"policy,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `hcl:"level,optional" json:"level,omitempty"`
	JSON  bool   `hcl:"json,optional" json:"json,omitempty"`
	// RingSize is the number of lines kept for GetLogs.
	RingSize int `hcl:"ring_size,optional" json:"ring_size,omitempty"`
	// RingLevel is the minimum level copied into the ring.
	RingLevel string `hcl:"ring_level,optional" json:"ring_level,omitempty"`
}

// KernelConfig selects and configures the interception provider.
type KernelConfig struct {
	// Provider is "linux" or "sim".
	Provider         string `hcl:"provider,optional" json:"provider,omitempty"`
	Table            string `hcl:"table,optional" json:"table,omitempty"`
	QueueOut         int    `hcl:"queue_out,optional" json:"queue_out,omitempty"`
	QueueIn          int    `hcl:"queue_in,optional" json:"queue_in,omitempty"`
	MaxQueueLen      int    `hcl:"max_queue_len,optional" json:"max_queue_len,omitempty"`
	InjectMark       int    `hcl:"inject_mark,optional" json:"inject_mark,omitempty"`
	RejectMark       int    `hcl:"reject_mark,optional" json:"reject_mark,omitempty"`
	ConntrackWorkers int    `hcl:"conntrack_workers,optional" json:"conntrack_workers,omitempty"`
	ReadTimeout      string `hcl:"read_timeout,optional" json:"read_timeout,omitempty"`
}

// EngineConfig tunes the connection cache and periodic reports.
type EngineConfig struct {
	EndedRetention    string `hcl:"ended_retention,optional" json:"ended_retention,omitempty"`
	IdleTimeout       string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
	GCInterval        string `hcl:"gc_interval,optional" json:"gc_interval,omitempty"`
	GCBatch           int    `hcl:"gc_batch,optional" json:"gc_batch,omitempty"`
	BandwidthInterval string `hcl:"bandwidth_interval,optional" json:"bandwidth_interval,omitempty"`
	AdoptUnknown      *bool  `hcl:"adopt_unknown,optional" json:"adopt_unknown,omitempty"`
}

// ControlConfig configures the policy socket.
type ControlConfig struct {
	Socket    string `hcl:"socket,optional" json:"socket,omitempty"`
	QueueSize int    `hcl:"queue_size,optional" json:"queue_size,omitempty"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
	// RuleStatsInterval is the period of the nftables counter scrape.
	RuleStatsInterval string `hcl:"rule_stats_interval,optional" json:"rule_stats_interval,omitempty"`
}

// PolicyConfig holds the rules used by the bundled policy client.
type PolicyConfig struct {
	DefaultVerdict string       `hcl:"default_verdict,optional" json:"default_verdict,omitempty"`
	Rules          []PolicyRule `hcl:"rule,block" json:"rule,omitempty"`
}

// PolicyRule matches connection requests. Rules are evaluated in order and the
// first match wins.
type PolicyRule struct {
	Name    string `hcl:"name,label" json:"name"`
	Verdict string `hcl:"verdict" json:"verdict"`

	Protocol  string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Direction string `hcl:"direction,optional" json:"direction,omitempty"`

	RemoteIP     string `hcl:"remote_ip,optional" json:"remote_ip,omitempty"`
	InvertRemote bool   `hcl:"invert_remote,optional" json:"invert_remote,omitempty"`
	LocalIP      string `hcl:"local_ip,optional" json:"local_ip,omitempty"`
	InvertLocal  bool   `hcl:"invert_local,optional" json:"invert_local,omitempty"`

	RemotePort  int   `hcl:"remote_port,optional" json:"remote_port,omitempty"`
	RemotePorts []int `hcl:"remote_ports,optional" json:"remote_ports,omitempty"`
	LocalPort   int   `hcl:"local_port,optional" json:"local_port,omitempty"`
	LocalPorts  []int `hcl:"local_ports,optional" json:"local_ports,omitempty"`

	// ProcessID pins the rule to one process. Zero matches any.
	ProcessID int `hcl:"process_id,optional" json:"process_id,omitempty"`
}
