package config

import (
	"flag"
	"time"

	"github.com/spf13/cast"
)

// Flags binds the CLI overlay onto fs, exactly as example.go declares its
// opt_active/opt_asn/opt_hold/opt_id package vars directly against the
// standard flag package rather than a third-party flag library. Every
// flag is a string so loose operator input ("30s", "1500", "true") is
// accepted uniformly and coerced by cast at Overlay time, rather than
// flag's own strict per-type parsing rejecting input the YAML document
// would have accepted.
type Flags struct {
	idleTimeout     *string
	l2Enabled       *string
	lengthLayer     *string
	lengthMod       *string
	excludeMin      *string
	excludeMax      *string
	winMinThreshold *string
	rttRatio        *string
	scanPacketMax   *string
	synRetryIval    *string
	ja4tEnabled     *string
	smbOutputDir    *string
	smbFilePrefix   *string
	netflowCollector *string
	netflowTransport *string
	netflowMaxFlows  *string
	netflowSendRate  *string
	monitorInterval  *string
	geoEndpoint      *string
}

// RegisterFlags declares the overlay flags on fs and returns the bound
// Flags, to be passed to Config.Overlay after fs.Parse.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	f.idleTimeout = fs.String("idle-timeout", "", "flow idle timeout (e.g. 30s)")
	f.l2Enabled = fs.String("l2-enabled", "", "include MAC addresses in the flow key (true/false)")
	f.lengthLayer = fs.String("length-layer", "", "packet length layer for basic stats: l2/l3/l4/l7")
	f.lengthMod = fs.String("length-mod", "", "modulo applied to packet length before aggregation")
	f.excludeMin = fs.String("exclude-min", "", "minimum packet length included in length/IAT moments")
	f.excludeMax = fs.String("exclude-max", "", "maximum packet length included in length/IAT moments")
	f.winMinThreshold = fs.String("tcp-win-min", "", "TCP window-below-threshold counter floor")
	f.rttRatio = fs.String("tcp-rtt-ratio", "", "RTT multiple gating true-retransmission detection")
	f.scanPacketMax = fs.String("tcp-scan-pmax", "", "captured-packet count at which a flow no longer qualifies as a scan")
	f.synRetryIval = fs.String("tcp-syn-retry", "", "seconds between SYNs to count as a retry, not a new attempt")
	f.ja4tEnabled = fs.String("tcp-ja4t", "", "enable JA4T TCP fingerprint collection (true/false)")
	f.smbOutputDir = fs.String("smb-output-dir", "", "directory for reconstructed SMB files and auth lines")
	f.smbFilePrefix = fs.String("smb-file-prefix", "", "filename prefix for reconstructed SMB files")
	f.netflowCollector = fs.String("netflow-collector", "", "NetFlow v9 collector address, host:port")
	f.netflowTransport = fs.String("netflow-transport", "", "NetFlow v9 transport: udp/tcp")
	f.netflowMaxFlows = fs.String("netflow-max-flows", "", "max flow records per NetFlow v9 datagram")
	f.netflowSendRate = fs.String("netflow-send-rate", "", "max NetFlow v9 flow records exported per second")
	f.monitorInterval = fs.String("monitor-interval", "", "operator monitoring tick interval (e.g. 5s)")
	f.geoEndpoint = fs.String("geo-endpoint", "", "subnet/geolocation lookup service endpoint")
	return f
}

// Overlay applies every flag in fs that was explicitly set (fs.Visit,
// not fs.VisitAll) on top of cfg, so an unset flag never clobbers a value
// already loaded from the YAML document.
func (cfg *Config) Overlay(fs *flag.FlagSet, f *Flags) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "idle-timeout":
			cfg.IdleTimeout = mustDuration(*f.idleTimeout, cfg.IdleTimeout)
		case "l2-enabled":
			cfg.L2Enabled = mustBool(*f.l2Enabled, cfg.L2Enabled)
		case "length-layer":
			cfg.BasicStatsLengthLayer = *f.lengthLayer
		case "length-mod":
			cfg.BasicStatsLengthMod = mustUint64(*f.lengthMod, cfg.BasicStatsLengthMod)
		case "exclude-min":
			cfg.BasicStatsExcludeMin = mustUint64(*f.excludeMin, cfg.BasicStatsExcludeMin)
		case "exclude-max":
			cfg.BasicStatsExcludeMax = mustUint64(*f.excludeMax, cfg.BasicStatsExcludeMax)
		case "tcp-win-min":
			cfg.TCPWinMinThreshold = uint32(mustUint64(*f.winMinThreshold, uint64(cfg.TCPWinMinThreshold)))
		case "tcp-rtt-ratio":
			cfg.TCPRTTRatio = mustFloat(*f.rttRatio, cfg.TCPRTTRatio)
		case "tcp-scan-pmax":
			cfg.TCPScanPacketMax = uint32(mustUint64(*f.scanPacketMax, uint64(cfg.TCPScanPacketMax)))
		case "tcp-syn-retry":
			cfg.TCPSynRetryInterval = mustFloat(*f.synRetryIval, cfg.TCPSynRetryInterval)
		case "tcp-ja4t":
			cfg.TCPJA4TEnabled = mustBool(*f.ja4tEnabled, cfg.TCPJA4TEnabled)
		case "smb-output-dir":
			cfg.SMBOutputDir = *f.smbOutputDir
		case "smb-file-prefix":
			cfg.SMBFilePrefix = *f.smbFilePrefix
		case "netflow-collector":
			cfg.NetFlowCollector = *f.netflowCollector
		case "netflow-transport":
			cfg.NetFlowTransport = *f.netflowTransport
		case "netflow-max-flows":
			cfg.NetFlowMaxFlowsPerMsg = int(mustUint64(*f.netflowMaxFlows, uint64(cfg.NetFlowMaxFlowsPerMsg)))
		case "netflow-send-rate":
			cfg.NetFlowSendRate = mustFloat(*f.netflowSendRate, cfg.NetFlowSendRate)
		case "monitor-interval":
			cfg.MonitorInterval = mustDuration(*f.monitorInterval, cfg.MonitorInterval)
		case "geo-endpoint":
			cfg.GeoLookupEndpoint = *f.geoEndpoint
		}
	})
}

// EnvOverlay applies the same coercions as Overlay, sourced from
// environment variables under prefix (e.g. "FLOWLENS_IDLE_TIMEOUT"), for
// the deployment style where flags are inconvenient but env vars are
// already how the surrounding process is configured.
func EnvOverlay(cfg *Config, lookup func(key string) (string, bool)) {
	if v, ok := lookup("FLOWLENS_IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = mustDuration(v, cfg.IdleTimeout)
	}
	if v, ok := lookup("FLOWLENS_L2_ENABLED"); ok {
		cfg.L2Enabled = mustBool(v, cfg.L2Enabled)
	}
	if v, ok := lookup("FLOWLENS_NETFLOW_COLLECTOR"); ok {
		cfg.NetFlowCollector = v
	}
	if v, ok := lookup("FLOWLENS_MONITOR_INTERVAL"); ok {
		cfg.MonitorInterval = mustDuration(v, cfg.MonitorInterval)
	}
}

func mustDuration(s string, fallback time.Duration) time.Duration {
	if d, err := cast.ToDurationE(s); err == nil {
		return d
	}
	return fallback
}

func mustBool(s string, fallback bool) bool {
	if b, err := cast.ToBoolE(s); err == nil {
		return b
	}
	return fallback
}

func mustUint64(s string, fallback uint64) uint64 {
	if v, err := cast.ToUint64E(s); err == nil {
		return v
	}
	return fallback
}

func mustFloat(s string, fallback float64) float64 {
	if v, err := cast.ToFloat64E(s); err == nil {
		return v
	}
	return fallback
}
