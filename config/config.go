// Package config loads flowlens' on-disk configuration document and
// overlays command-line flags on top of it. Loose values are coerced
// with github.com/spf13/cast rather than hand-rolled parsing.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// document is the on-disk YAML shape: every field is a loose string/number
// so cast can coerce it the same way a flag or environment variable would
// be, rather than requiring the document author to match Go's native
// duration/size syntax exactly.
type document struct {
	Capture struct {
		IdleTimeout string `yaml:"idle_timeout"`
		L2Enabled   bool   `yaml:"l2_enabled"`
	} `yaml:"capture"`

	BasicStats struct {
		LengthLayer string `yaml:"length_layer"`
		LengthMod   uint64 `yaml:"length_mod"`
		ExcludeMin  uint64 `yaml:"exclude_min"`
		ExcludeMax  uint64 `yaml:"exclude_max"`
	} `yaml:"basic_stats"`

	TCPState struct {
		WinMinThreshold  uint32  `yaml:"win_min_threshold"`
		RTTRatio         float64 `yaml:"rtt_ratio"`
		ScanPacketMax    uint32  `yaml:"scan_packet_max"`
		SynRetryInterval float64 `yaml:"syn_retry_interval"`
		JA4TEnabled      bool    `yaml:"ja4t_enabled"`
	} `yaml:"tcp_state"`

	SMB struct {
		OutputDir  string `yaml:"output_dir"`
		FilePrefix string `yaml:"file_prefix"`
	} `yaml:"smb"`

	NetFlow struct {
		Collector      string  `yaml:"collector"`
		Transport      string  `yaml:"transport"`
		MaxFlowsPerMsg int     `yaml:"max_flows_per_message"`
		SendRate       float64 `yaml:"send_rate"`
	} `yaml:"netflow"`

	Report struct {
		MonitorInterval string `yaml:"monitor_interval"`
	} `yaml:"report"`

	GeoLookup struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"geolookup"`
}

// Config is the resolved, typed configuration the rest of flowlens
// consumes; every field here is the shape a constructor actually wants
// (time.Duration, not a duration string), the coercion already applied.
type Config struct {
	IdleTimeout time.Duration
	L2Enabled   bool

	BasicStatsLengthLayer string // "l2"/"l3"/"l4"/"l7", resolved by caller to basicstats.LengthLayer
	BasicStatsLengthMod   uint64
	BasicStatsExcludeMin  uint64
	BasicStatsExcludeMax  uint64

	TCPWinMinThreshold  uint32
	TCPRTTRatio         float64
	TCPScanPacketMax    uint32
	TCPSynRetryInterval float64
	TCPJA4TEnabled      bool

	SMBOutputDir  string
	SMBFilePrefix string

	NetFlowCollector      string
	NetFlowTransport      string
	NetFlowMaxFlowsPerMsg int
	NetFlowSendRate       float64

	MonitorInterval time.Duration

	GeoLookupEndpoint string
}

// Default returns the baseline configuration applied before any YAML
// document or flag overlay, matching tcpstate.DefaultConfig's thresholds
// and report.DefaultMonitorInterval.
func Default() *Config {
	return &Config{
		IdleTimeout:         30 * time.Second,
		BasicStatsLengthLayer: "l4",
		TCPWinMinThreshold:  1460,
		TCPRTTRatio:         1.5,
		TCPScanPacketMax:    4,
		TCPSynRetryInterval: 0.9,
		NetFlowTransport:    "udp",
		NetFlowMaxFlowsPerMsg: 30,
		NetFlowSendRate:     1000,
		MonitorInterval:     5 * time.Second,
	}
}

// Load reads and parses the YAML document at path, returning Default()
// overlaid with whatever the document sets. A missing optional field
// keeps its Default() value since document's zero value coerces to the
// same zero/blank the flag overlay would otherwise leave untouched.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc document
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.applyDocument(&doc)
	return cfg, nil
}

func (cfg *Config) applyDocument(doc *document) {
	if doc.Capture.IdleTimeout != "" {
		if d, err := cast.ToDurationE(doc.Capture.IdleTimeout); err == nil {
			cfg.IdleTimeout = d
		}
	}
	cfg.L2Enabled = doc.Capture.L2Enabled

	if doc.BasicStats.LengthLayer != "" {
		cfg.BasicStatsLengthLayer = doc.BasicStats.LengthLayer
	}
	cfg.BasicStatsLengthMod = doc.BasicStats.LengthMod
	cfg.BasicStatsExcludeMin = doc.BasicStats.ExcludeMin
	cfg.BasicStatsExcludeMax = doc.BasicStats.ExcludeMax

	if doc.TCPState.WinMinThreshold != 0 {
		cfg.TCPWinMinThreshold = doc.TCPState.WinMinThreshold
	}
	if doc.TCPState.RTTRatio != 0 {
		cfg.TCPRTTRatio = doc.TCPState.RTTRatio
	}
	if doc.TCPState.ScanPacketMax != 0 {
		cfg.TCPScanPacketMax = doc.TCPState.ScanPacketMax
	}
	if doc.TCPState.SynRetryInterval != 0 {
		cfg.TCPSynRetryInterval = doc.TCPState.SynRetryInterval
	}
	cfg.TCPJA4TEnabled = doc.TCPState.JA4TEnabled

	cfg.SMBOutputDir = doc.SMB.OutputDir
	cfg.SMBFilePrefix = doc.SMB.FilePrefix

	if doc.NetFlow.Collector != "" {
		cfg.NetFlowCollector = doc.NetFlow.Collector
	}
	if doc.NetFlow.Transport != "" {
		cfg.NetFlowTransport = doc.NetFlow.Transport
	}
	if doc.NetFlow.MaxFlowsPerMsg != 0 {
		cfg.NetFlowMaxFlowsPerMsg = doc.NetFlow.MaxFlowsPerMsg
	}
	if doc.NetFlow.SendRate != 0 {
		cfg.NetFlowSendRate = doc.NetFlow.SendRate
	}

	if doc.Report.MonitorInterval != "" {
		if d, err := cast.ToDurationE(doc.Report.MonitorInterval); err == nil {
			cfg.MonitorInterval = d
		}
	}

	cfg.GeoLookupEndpoint = doc.GeoLookup.Endpoint
}
