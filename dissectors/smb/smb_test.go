package smb

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/stretchr/testify/assert"
)

var beTest = binary.BigEndian

func buildTCPSeg(srcPort, dstPort uint16, seq uint32, payload []byte) []byte {
	buf := make([]byte, 14+20+20+len(payload))
	beTest.PutUint16(buf[12:], 0x0800)

	ip := buf[14:34]
	ip[0] = 0x45
	beTest.PutUint16(ip[2:], uint16(20+20+len(payload)))
	ip[8] = 64
	ip[9] = packet.PROTO_TCP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})

	tcp := buf[34:54]
	beTest.PutUint16(tcp[0:], srcPort)
	beTest.PutUint16(tcp[2:], dstPort)
	beTest.PutUint32(tcp[4:], seq)
	tcp[12] = 5 << 4 // data offset: 20-byte TCP header, no options

	copy(buf[54:], payload)
	return buf
}

func decodedSMBPkt(srcPort, dstPort uint16, seq uint32, payload []byte) *packet.Packet {
	raw := buildTCPSeg(srcPort, dstPort, seq, payload)
	p := packet.New(time.Unix(0, 0), len(raw), raw, false)
	p.Decode()
	return p
}

// nbFrame wraps an SMB message in a 4-byte NetBIOS session header.
func nbFrame(msg []byte) []byte {
	hdr := make([]byte, 4)
	hdr[0] = 0
	beTest.PutUint16(hdr[2:4], uint16(len(msg)))
	return append(hdr, msg...)
}

// smb1Msg builds a full SMB1 message: magic + 28-byte header + wordCount
// + params + byteCount + data.
func smb1Msg(cmd uint8, flags uint8, mid uint16, params []byte, data []byte) []byte {
	hdr := make([]byte, 28)
	hdr[0] = cmd
	hdr[5] = flags
	le.PutUint16(hdr[26:28], mid)

	body := []byte{byte(len(params) / 2)}
	body = append(body, params...)
	bc := make([]byte, 2)
	le.PutUint16(bc, uint16(len(data)))
	body = append(body, bc...)
	body = append(body, data...)

	msg := append([]byte{}, smb1Magic[:]...)
	msg = append(msg, hdr...)
	msg = append(msg, body...)
	return msg
}

type fakeFileSink struct {
	writes map[string][]byte
	guids  map[string]string
}

func newFakeFileSink() *fakeFileSink {
	return &fakeFileSink{writes: make(map[string][]byte), guids: make(map[string]string)}
}

func (f *fakeFileSink) WriteAt(key string, offset int64, data []byte) {
	buf := f.writes[key]
	need := int(offset) + len(data)
	if len(buf) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	f.writes[key] = buf
}

func (f *fakeFileSink) MapGUID(guid, filename string) {
	f.guids[guid] = filename
}

type fakeAuthSink struct {
	lines []string
}

func (f *fakeAuthSink) WriteAuthLine(line string) {
	f.lines = append(f.lines, line)
}

func TestFeed_SMB1WriteAndXReconstructsFile(t *testing.T) {
	assert := assert.New(t)
	files := newFakeFileSink()
	d := New()
	d.Files = files
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 7, Opposite: flowtable.NotFound}

	payload := []byte("hello, smb world")
	params := make([]byte, 28) // wordCount 14: AndXCmd/Rsv,AndXOff,FID,Off,OffHi,Rsv,Rsv,WriteMode,Remaining,DataLenHi,DataLen,DataOff,OffsetHigh(2 words)
	le.PutUint16(params[4:6], 42)                  // FID
	le.PutUint32(params[6:10], 100)                // Offset
	le.PutUint16(params[20:22], uint16(len(payload))) // DataLength

	msg := smb1Msg(cmd1WriteAndX, 0, 1, params, payload)
	frame := nbFrame(msg)

	d.OnNewFlow(rec, decodedSMBPkt(55555, portSMBDirect, 0, frame), dir.DIR_A)
	pkt := decodedSMBPkt(55555, portSMBDirect, 1000, frame)
	d.OnLayer4(rec, tbl, pkt, dir.DIR_A)

	key := fileKey(rec.Findex, 42)
	got := files.writes[key]
	assert.GreaterOrEqual(len(got), 100+len(payload))
	assert.Equal(payload, got[100:100+len(payload)])
}

func TestFeed_SequenceResetOnNewerSegment(t *testing.T) {
	assert := assert.New(t)
	d := New()
	tbl := flowtable.New()
	rec := &flowtable.Record{Findex: 3, Opposite: flowtable.NotFound}

	full := nbFrame(smb1Msg(cmd1Negotiate, 0, 1, nil, nil))
	// feed only the NetBIOS header + partial magic, then a *newer* segment:
	// the partial state must be discarded, not silently completed with the
	// new segment's unrelated bytes.
	partial := full[:6]
	pkt1 := decodedSMBPkt(55555, portSMBDirect, 1000, partial)
	d.OnNewFlow(rec, pkt1, dir.DIR_A)
	d.OnLayer4(rec, tbl, pkt1, dir.DIR_A)

	s := d.slots[3]
	assert.NotEqual(stNone, s.hdrstat)

	pkt2 := decodedSMBPkt(55555, portSMBDirect, 1000+uint32(len(partial))+50, full)
	d.OnLayer4(rec, tbl, pkt2, dir.DIR_A)

	s = d.slots[3]
	assert.Equal(stNone, s.hdrstat)
}

func TestHandleNTLMSSP_AuthenticateExtractsCredentials(t *testing.T) {
	assert := assert.New(t)
	auth := &fakeAuthSink{}
	d := New()
	d.Auth = auth
	tbl := flowtable.New()

	keyA := flowtable.Key{Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"), SrcPort: 55555, DstPort: portSMBDirect, Proto: packet.PROTO_TCP}
	recA, _ := tbl.GetOrCreate(keyA, time.Unix(0, 0))
	recB, _ := tbl.GetOrCreate(keyA.Reverse(), time.Unix(0, 0))

	sChal := d.slotFor(recA.Findex)
	challenge := make([]byte, 32)
	copy(challenge[0:8], ntlmsspSignature)
	le.PutUint32(challenge[8:12], ntlmTypeChallenge)
	copy(challenge[24:32], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	d.handleNTLMSSP(recA, tbl, sChal, challenge)
	assert.True(sChal.ntlmIn.haveServerChal)

	sAuth := d.slotFor(recB.Findex)
	user := encodeUTF16LE("alice")
	domain := encodeUTF16LE("CORP")
	ntResp := make([]byte, 24) // 16-byte NTProofStr + 8-byte client challenge
	for i := range ntResp {
		ntResp[i] = byte(i + 1)
	}

	const base = 64
	auth2 := make([]byte, base)
	copy(auth2[0:8], ntlmsspSignature)
	le.PutUint32(auth2[8:12], ntlmTypeAuthenticate)

	putField := func(msg []byte, fieldOff int, data []byte) []byte {
		off := len(msg)
		le.PutUint16(msg[fieldOff:fieldOff+2], uint16(len(data)))
		le.PutUint32(msg[fieldOff+4:fieldOff+8], uint32(off))
		return append(msg, data...)
	}
	auth2 = putField(auth2, 20, ntResp)
	auth2 = putField(auth2, 28, domain)
	auth2 = putField(auth2, 36, user)

	d.handleNTLMSSP(recB, tbl, sAuth, auth2)

	if assert.Len(auth.lines, 1) {
		assert.Contains(auth.lines[0], "alice::CORP:")
	}
}

func encodeUTF16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		buf := make([]byte, 2)
		le.PutUint16(buf, uint16(r))
		out = append(out, buf...)
	}
	return out
}
