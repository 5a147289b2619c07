// Command flowlens wires the dissector pipeline of this module into a
// runnable offline analyzer: parse flags, load configuration, register
// dissectors in dependency order, drive them over a packet source, and
// flush every output at end of capture.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/flowlens/flowlens/capture"
	"github.com/flowlens/flowlens/config"
	"github.com/flowlens/flowlens/dissector"
	"github.com/flowlens/flowlens/dissectors/arp"
	"github.com/flowlens/flowlens/dissectors/basicstats"
	"github.com/flowlens/flowlens/dissectors/centrality"
	"github.com/flowlens/flowlens/dissectors/dhcp"
	"github.com/flowlens/flowlens/dissectors/ospf"
	"github.com/flowlens/flowlens/dissectors/smb"
	"github.com/flowlens/flowlens/dissectors/tcpstate"
	"github.com/flowlens/flowlens/dissectors/tls"
	"github.com/flowlens/flowlens/dissectors/voip"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/geolookup"
	"github.com/flowlens/flowlens/netflow"
	"github.com/flowlens/flowlens/outputs/flowfile"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/outputs/packetmeta"
	"github.com/flowlens/flowlens/report"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "flowlens:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("flowlens", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a YAML configuration document (optional)")
	outDir := fs.String("out", ".", "directory for flow/packet/auxiliary output files")
	flags := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: flowlens [OPTIONS] <capture-file>")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.Overlay(fs, flags)

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	rpt := report.NewReporter(report.Options{
		Logger:          &logger,
		MonitorInterval: cfg.MonitorInterval,
	})

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	flowOut, err := os.Create(filepath.Join(*outDir, "flows.bin"))
	if err != nil {
		return err
	}
	defer flowOut.Close()
	flowWriter := flowfile.NewWriter(flowOut)

	pktOut, err := os.Create(filepath.Join(*outDir, "packets.tsv"))
	if err != nil {
		return err
	}
	defer pktOut.Close()
	pktWriter := packetmeta.NewWriter(pktOut)
	defer pktWriter.Flush()

	smbDir := cfg.SMBOutputDir
	if smbDir == "" {
		smbDir = filepath.Join(*outDir, "smb")
	}
	if err := os.MkdirAll(smbDir, 0o755); err != nil {
		return fmt.Errorf("create smb output directory: %w", err)
	}
	smbFiles, err := newFileSink(smbDir, cfg.SMBFilePrefix)
	if err != nil {
		return err
	}
	defer smbFiles.Close()
	smbAuth, err := newAuthSink(filepath.Join(smbDir, cfg.SMBFilePrefix+"auth.txt"))
	if err != nil {
		return err
	}
	defer smbAuth.Close()

	voipDir := filepath.Join(*outDir, "voip")
	if err := os.MkdirAll(voipDir, 0o755); err != nil {
		return fmt.Errorf("create voip output directory: %w", err)
	}
	voipFiles, err := newFileSink(voipDir, "")
	if err != nil {
		return err
	}
	defer voipFiles.Close()

	if cfg.GeoLookupEndpoint != "" {
		geo, err := geolookup.LoadFile(cfg.GeoLookupEndpoint)
		if err != nil {
			rpt.Warn("flowlens", "could not load geolookup table %s: %v", cfg.GeoLookupEndpoint, err)
		} else {
			rpt.Line("flowlens", "loaded %d geolookup entries from %s", geo.Len(), cfg.GeoLookupEndpoint)
		}
	}

	reg := dissector.NewRegistry()

	basicStats := basicstats.New(basicstats.Config{
		LengthLayer: resolveLengthLayer(cfg.BasicStatsLengthLayer),
		LengthMod:   cfg.BasicStatsLengthMod,
		ExcludeMin:  cfg.BasicStatsExcludeMin,
		ExcludeMax:  cfg.BasicStatsExcludeMax,
	})
	tcpState := tcpstate.New(tcpstate.Config{
		WinMinThreshold:  cfg.TCPWinMinThreshold,
		RTTRatio:         cfg.TCPRTTRatio,
		ScanPacketMax:    cfg.TCPScanPacketMax,
		SynRetryInterval: cfg.TCPSynRetryInterval,
		JA4TEnabled:      cfg.TCPJA4TEnabled,
	})

	smbDiss := smb.New()
	smbDiss.Files = smbFiles
	smbDiss.Auth = smbAuth

	voipDiss := voip.New()
	voipDiss.Sink = voipFiles

	centralitySink, err := newCentralitySink(filepath.Join(*outDir, "centrality.txt"))
	if err != nil {
		return err
	}
	defer centralitySink.Close()
	centralityDiss := centrality.New()
	centralityDiss.Sink = centralitySink

	var netflowDiss *netflow.Dissector
	if cfg.NetFlowCollector != "" {
		conn, err := dialExporter(cfg.NetFlowTransport, cfg.NetFlowCollector)
		if err != nil {
			rpt.Warn("netflow", "could not dial collector %s: %v", cfg.NetFlowCollector, err)
		} else {
			netflowDiss = netflow.New(conn, cfg.NetFlowMaxFlowsPerMsg, time.Now(), 1, cfg.NetFlowSendRate)
			defer netflowDiss.Flush()
		}
	}

	arpDiss := arp.New()
	dhcpDiss := dhcp.New()
	ospfDiss := ospf.New()
	tlsDiss := tls.New()

	dissectors := []dissector.Dissector{
		arpDiss,
		basicStats,
		tcpState,
		dhcpDiss,
		ospfDiss,
		smbDiss,
		tlsDiss,
		voipDiss,
		centralityDiss,
	}
	for _, d := range dissectors {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.Name(), err)
		}
	}
	if netflowDiss != nil {
		if err := reg.Register(netflowDiss); err != nil {
			return fmt.Errorf("register netflow: %w", err)
		}
	}
	if err := reg.Load(); err != nil {
		return fmt.Errorf("resolve dissector order: %w", err)
	}

	tbl := flowtable.New()
	dispatcher := dissector.NewDispatcher(reg, tbl, cfg.IdleTimeout)
	dispatcher.L2Enabled = cfg.L2Enabled
	dispatcher.PacketSink = pktWriter
	dispatcher.FlowSink = flowWriter

	src, closeSrc, err := openSource(fs.Arg(0))
	if err != nil {
		return err
	}
	defer closeSrc()

	if err := processAll(dispatcher, src, rpt, flowWriter, pktWriter); err != nil {
		return err
	}

	dispatcher.Flush()
	if netflowDiss != nil {
		netflowDiss.Flush()
	}
	centralityDiss.Flush(dispatcher.LastTimestamp())
	rpt.Summary("flowlens", flowWriter.Flows, report.Snapshot{
		{Name: "flows", Value: flowWriter.Flows},
		{Name: "packets", Value: pktWriter.Packets},
	})
	reportDissectorSummaries(rpt, dissectors)
	if dispatcher.TimeJumped {
		rpt.Warn("flowlens", "timestamp regression observed during capture")
	}
	return nil
}

// reportDissectorSummaries emits one aggregate status bitfield and one
// packet-count line per dissector that tracks them, so the operator sees
// a per-protocol OR of every flow's status bits alongside the capture's
// flow/packet totals.
func reportDissectorSummaries(rpt *report.Reporter, dissectors []dissector.Dissector) {
	for _, d := range dissectors {
		s, ok := d.(dissector.Summary)
		if !ok {
			continue
		}
		name := d.Name()
		rpt.StatusHex(name, name+"Stat", s.StatusBits())
		rpt.Summary(name, s.Packets(), report.Snapshot{
			{Name: "packets", Value: s.Packets()},
		})
	}
}

func processAll(d *dissector.Dispatcher, src capture.Source, rpt *report.Reporter, fw *flowfile.Writer, pw *packetmeta.Writer) error {
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read capture: %w", err)
		}

		pkt := newDecodedPacket(rec)
		d.Process(pkt)

		rpt.Tick("flowlens", report.Snapshot{
			{Name: "flows", Value: fw.Flows},
			{Name: "packets", Value: pw.Packets},
		})
	}
}

func openSource(path string) (capture.Source, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return capture.NewFileSource(f), func() { f.Close() }, nil
}

func newDecodedPacket(rec *capture.Record) *packet.Packet {
	p := packet.New(rec.Timestamp, rec.WireLen, rec.Raw, false)
	p.Decode()
	return p
}

func dialExporter(transport, addr string) (net.Conn, error) {
	if transport == "" {
		transport = "udp"
	}
	return net.Dial(transport, addr)
}

func resolveLengthLayer(s string) basicstats.LengthLayer {
	switch s {
	case "l2":
		return basicstats.LenL2
	case "l3":
		return basicstats.LenL3
	case "l7":
		return basicstats.LenL7
	default:
		return basicstats.LenL4
	}
}
