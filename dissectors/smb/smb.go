// Package smb implements the SMB1/SMB2 parser with chunked write/read
// reconstruction and NTLMSSP hash extraction. SMB3 packets are recognized
// (by magic) and counted but never parsed further, since SMB3 traffic is
// encrypted past its transform header.
package smb

import (
	"encoding/binary"
	"fmt"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
)

// SMB's own header fields are little-endian on the wire; the leading
// NetBIOS session header (big-endian, but unused here — see feed) is the
// only big-endian framing this package would otherwise need.
var le = binary.LittleEndian

const Name = "smb"

const (
	portNetBIOS   = 139
	portSMBDirect = 445
)

// SMBNumFname bounds the per-flow accessed-filename list.
const SMBNumFname = 8

// winTimeToUnix converts a Windows FILETIME (100ns ticks since 1601-01-01)
// to a Unix epoch second count.
func winTimeToUnix(t uint64) int64 {
	const winTick = 10_000_000
	const winUnixDiff = 11_644_473_600
	if t == 0 {
		return 0
	}
	return int64(t/winTick) - winUnixDiff
}

// Reassembly states, a small state machine: NONE -> NB -> SMB ->
// SMB1|SMB2 -> DATA|RDATA. The WRITE/READ fixed command headers are
// parsed as part of the SMB1/SMB2 body (assumed to arrive whole within
// one segment); only the bulk WRITE/READ data payload that legitimately
// spans many segments gets its own accumulation state.
type hdrState uint8

const (
	stNone hdrState = iota
	stNB            // accumulating the 4-byte NetBIOS session header
	stSMB           // accumulating the 4-byte SMB magic
	stSMB1          // accumulating the 28-byte post-magic SMB1 header
	stSMB2          // accumulating the 60-byte post-magic SMB2 header
	stData          // copying WRITE payload bytes to a sink file
	stRData         // copying READ payload bytes to a sink file
)

const (
	nbHdrLen = 4
	magicLen = 4
	// smb1HdrLen/smb2HdrLen count only the bytes *after* the 4-byte magic
	// already consumed by the stSMB state: a full SMB1 header is 32 bytes
	// (cmd(1) status(4) flags(1) flags2(2) pidHigh(2) signature(8)
	// reserved(2) tid(2) pidLow(2) uid(2) mid(2) = 28, plus the magic);
	// a full SMB2 header is 64 bytes (60 plus the magic).
	smb1HdrLen = 28
	smb2HdrLen = 60
)

var smb1Magic = [4]byte{0xFF, 'S', 'M', 'B'}
var smb2Magic = [4]byte{0xFE, 'S', 'M', 'B'}
var smb3Magic = [4]byte{0xFD, 'S', 'M', 'B'} // SMB3 transform (encrypted) header

// Status bits, OR-only: once set on a flow, a bit is never cleared.
type Status uint32

const (
	StatMalformed Status = 1 << iota
	StatAuthExtracted
	StatWriteFromSMB1
	StatWriteFromSMB2
	StatListOverflow // accessed-filename list hit SMBNumFname
)

type ntlm struct {
	ntProofStr     [16]byte
	clientChal     []byte
	serverChal     [8]byte
	user           string
	domain         string
	host           string
	haveServerChal bool
	haveAuth       bool
}

// writeState tracks an in-progress WRITE whose payload spans multiple TCP
// segments: left counts remaining bytes, off is the logical file offset.
type writeState struct {
	fileID uint64
	off    int64
	left   int64
}

// readReq remembers a READ request's (file id, offset) until the matching
// response arrives, keyed by SMB2 message ID / SMB1 MID.
type readReq struct {
	fileID uint64
	offset int64
}

type slot struct {
	hdrstat hdrState
	hdroff  int
	scratch []byte
	tcpSeq  uint32

	pendingWrite *writeState
	pendingRead  *readState

	dialects1 []string
	dialects2 []uint16

	status Status

	sessionFlags uint16
	securityMode uint8
	capabilities uint32

	serverStartTime int64 // unix seconds, 0 if unset

	maxTransact uint32
	maxRead     uint32
	maxWrite    uint32

	guid string

	sharePath         string
	fileNames         []string
	pendingCreateName string // filename from the last CREATE request, consumed by its response

	opcodeSeenBF uint32
	opcodeCounts [19]uint32

	reads map[uint64]readReq // pending READ requests, keyed by message ID

	ntlmIn ntlm // this flow's own NTLMSSP captures
}

// readState mirrors writeState for the bulk-copy RDATA state.
type readState struct {
	fileID uint64
	off    int64
	left   int64
}

func newSlot() *slot {
	return &slot{reads: make(map[uint64]readReq)}
}

// FileSink receives reconstructed WRITE/READ payload bytes and CREATE's
// GUID-to-filename mapping. It is an external collaborator (the sink
// files themselves live outside this package, the way packet capture
// lives outside the packet package); a production wiring opens one file
// per (file id, findex, configured prefix).
type FileSink interface {
	WriteAt(fileKey string, offset int64, data []byte)
	MapGUID(guid, filename string)
}

// AuthSink receives one extracted NTLMv2 credential line per completed
// handshake, formatted as "user::domain:serverChal:NTProof:clientChal".
type AuthSink interface {
	WriteAuthLine(line string)
}

// Dissector parses SMB1/SMB2 traffic per flow, reconstructing WRITE/READ
// payloads and NTLMSSP credentials through Files/Auth.
type Dissector struct {
	slots map[uint64]*slot

	Files FileSink
	Auth  AuthSink

	globalStat Status // OR of every terminated flow's stat bitfield
	packets    uint64 // SMB-port TCP packets observed across all flows
}

func New() *Dissector {
	return &Dissector{slots: make(map[uint64]*slot)}
}

// StatusBits returns the OR of every terminated flow's SMB status
// bitfield, for the end-of-capture aggregate report.
func (d *Dissector) StatusBits() uint32 { return uint32(d.globalStat) }

// Packets returns the total count of SMB-port TCP packets observed.
func (d *Dissector) Packets() uint64 { return d.packets }

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

func (d *Dissector) Schema() schema.Schema {
	return schema.Schema{
		schema.F("smbStat", schema.Uint32, "SMB status bitfield"),
		schema.R("smbDialects1", "SMB1 dialect strings negotiated", schema.F("dialect", schema.String, "dialect string")),
		schema.R("smbDialects2", "SMB2/3 dialect revisions negotiated", schema.F("revision", schema.Uint16, "dialect revision")),
		schema.F("smbSessionFlags", schema.Uint16, "session setup response flags"),
		schema.F("smbSecurityMode", schema.Uint8, "negotiated security mode"),
		schema.F("smbCapabilities", schema.Uint32, "negotiated capabilities bitfield"),
		schema.F("smbServerStartTime", schema.Uint32, "server start time, unix seconds"),
		schema.F("smbMaxTransact", schema.Uint32, "max transaction size"),
		schema.F("smbMaxRead", schema.Uint32, "max read size"),
		schema.F("smbMaxWrite", schema.Uint32, "max write size"),
		schema.F("smbGUID", schema.String, "SMB client/server GUID"),
		schema.F("smbSharePath", schema.String, "connected share path"),
		schema.F("smbNTLMUser", schema.String, "NTLMSSP authenticate username, if captured"),
		schema.F("smbNTLMDomain", schema.String, "NTLMSSP authenticate domain, if captured"),
		schema.F("smbNTLMHost", schema.String, "NTLMSSP authenticate workstation, if captured"),
		schema.R("smbFileNames", "deduplicated accessed filenames", schema.F("name", schema.String, "filename")),
		schema.F("smbOpcodeSeenBF", schema.Uint32, "bitfield of SMB2 opcodes seen"),
		schema.R("smbOpcodeCounts", "per-opcode SMB2 message counts",
			schema.F("count", schema.Uint32, "count")),
	}
}

func (d *Dissector) slotFor(findex uint64) *slot {
	s, ok := d.slots[findex]
	if !ok {
		s = newSlot()
		d.slots[findex] = s
	}
	return s
}

func isSMBPort(p uint16) bool { return p == portNetBIOS || p == portSMBDirect }

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	if pkt.Protocol == packet.PROTO_TCP && (isSMBPort(pkt.SrcPort) || isSMBPort(pkt.DstPort)) {
		d.slotFor(rec.Findex)
	}
}

func (d *Dissector) OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	if pkt.Protocol != packet.PROTO_TCP || !isSMBPort(pkt.SrcPort) && !isSMBPort(pkt.DstPort) {
		return
	}
	s := d.slotFor(rec.Findex)
	d.packets++

	// tcpSeq is the sequence number the next in-order segment carries.
	// If a newer segment arrives with seq > tcpSeq, the reassembly state
	// is reset: an out-of-order or dropped segment invalidates partial
	// data rather than risk splicing unrelated bytes together.
	seq := pkt.TCPSeq()
	if s.hdrstat != stNone && seq > s.tcpSeq {
		s.hdrstat = stNone
		s.hdroff = 0
		s.scratch = s.scratch[:0]
	}

	payload := pkt.Bytes(packet.L7)
	s.tcpSeq = seq + uint32(len(payload))
	if len(payload) == 0 {
		return
	}
	d.feed(rec, tbl, s, payload)
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s, ok := d.slots[rec.Findex]
	if !ok {
		s = newSlot()
	}
	d.globalStat |= s.status

	d.maybeEmitAuth(tbl, rec, s)

	out.AppendUint32(uint32(s.status))

	out.AppendCount(len(s.dialects1))
	for _, dl := range s.dialects1 {
		out.AppendString(dl)
	}
	out.AppendCount(len(s.dialects2))
	for _, dl := range s.dialects2 {
		out.AppendUint16(dl)
	}

	out.AppendUint16(s.sessionFlags).
		AppendUint8(s.securityMode).
		AppendUint32(s.capabilities).
		AppendUint32(uint32(s.serverStartTime)).
		AppendUint32(s.maxTransact).
		AppendUint32(s.maxRead).
		AppendUint32(s.maxWrite).
		AppendString(s.guid).
		AppendString(s.sharePath).
		AppendString(s.ntlmIn.user).
		AppendString(s.ntlmIn.domain).
		AppendString(s.ntlmIn.host)

	out.AppendCount(len(s.fileNames))
	for _, n := range s.fileNames {
		out.AppendString(n)
	}

	out.AppendUint32(s.opcodeSeenBF)
	out.AppendCount(len(s.opcodeCounts))
	for _, c := range s.opcodeCounts {
		out.AppendUint32(c)
	}

	delete(d.slots, rec.Findex)
}

// addFileName appends name to s.fileNames if not already present, bounded
// by SMBNumFname.
func addFileName(s *slot, name string) {
	for _, n := range s.fileNames {
		if n == name {
			return
		}
	}
	if len(s.fileNames) >= SMBNumFname {
		s.status |= StatListOverflow
		return
	}
	s.fileNames = append(s.fileNames, name)
}

func addOpcode(s *slot, op uint8, n int) {
	if op < 32 {
		s.opcodeSeenBF |= 1 << op
	}
	if int(op) < len(s.opcodeCounts) {
		s.opcodeCounts[op] += uint32(n)
	}
}

// fileKey derives the sink-file identifier (file id, findex); any
// configured path prefix is applied by the FileSink implementation itself.
func fileKey(findex uint64, fileID uint64) string {
	return fmt.Sprintf("%d_%016x", findex, fileID)
}
