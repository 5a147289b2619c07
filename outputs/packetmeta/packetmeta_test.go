package packetmeta

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/packet"
	"github.com/stretchr/testify/assert"
)

// buildTCP assembles an Ethernet/IPv4/TCP frame with correct IP and TCP
// checksums and a TCP option list: MSS(4), Window Scale(3), NOP(1),
// End(1) — 9 bytes, padded to a 4-byte boundary by the data offset.
func buildTCP(mss uint16, wscale uint8, payload []byte) []byte {
	optLen := 12 // MSS(4) + WScale(3) + NOP(1) + pad(4) rounds to 12
	tcpLen := 20 + optLen + len(payload)
	buf := make([]byte, 14+20+tcpLen)
	be.PutUint16(buf[12:], 0x0800)

	ip := buf[14:34]
	ip[0] = 0x45
	be.PutUint16(ip[2:], uint16(20+tcpLen))
	ip[8] = 64
	ip[9] = packet.PROTO_TCP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})
	ipChk := internetChecksum(ip[:20])
	be.PutUint16(ip[10:12], ipChk)

	tcp := buf[34:]
	be.PutUint16(tcp[0:], 51000)
	be.PutUint16(tcp[2:], 80)
	tcp[12] = byte((20 + optLen) / 4 << 4)
	tcp[13] = 0x18 // PSH|ACK
	be.PutUint16(tcp[14:], 65535)

	opt := tcp[20:]
	opt[0], opt[1] = 2, 4
	be.PutUint16(opt[2:4], mss)
	opt[4], opt[5], opt[6] = 3, 3, wscale
	opt[7] = 1 // NOP
	opt[8] = 0 // end of options
	copy(tcp[20+optLen:], payload)

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], ip[12:16])
	copy(pseudo[4:8], ip[16:20])
	pseudo[9] = packet.PROTO_TCP
	be.PutUint16(pseudo[10:12], uint16(tcpLen))
	scratch := append(pseudo, tcp...)
	tcpChk := internetChecksum(scratch)
	be.PutUint16(tcp[16:18], tcpChk)

	return buf
}

func decodedPkt(raw []byte) *packet.Packet {
	p := packet.New(time.Unix(1700000000, 0), len(raw), raw, false)
	p.Decode()
	return p
}

func TestOnPacket_EmitsHeaderOnceThenOneRowPerPacket(t *testing.T) {
	assert := assert.New(t)
	var out bytes.Buffer
	w := NewWriter(&out)

	pkt := decodedPkt(buildTCP(1460, 7, []byte("hello")))
	w.OnPacket(nil, pkt, dir.DIR_A)
	w.OnPacket(nil, pkt, dir.DIR_A)
	assert.NoError(w.Flush())

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	assert.Len(lines, 3) // header + 2 rows
	assert.Equal(strings.Join(columns, "\t"), lines[0])
	assert.EqualValues(2, w.Packets)
}

func TestOnPacket_ChecksumsMatchForWellFormedPacket(t *testing.T) {
	assert := assert.New(t)
	var out bytes.Buffer
	w := NewWriter(&out)

	pkt := decodedPkt(buildTCP(1460, 7, []byte("hello")))
	w.OnPacket(nil, pkt, dir.DIR_A)
	assert.NoError(w.Flush())

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	fields := strings.Split(lines[1], "\t")
	idx := columnIndex("ipChkCaptured")
	assert.Equal(fields[idx], fields[idx+1]) // captured == computed
	idx = columnIndex("l4ChkCaptured")
	assert.Equal(fields[idx], fields[idx+1])
}

func TestOnPacket_ParsesMSSAndWindowScale(t *testing.T) {
	assert := assert.New(t)
	var out bytes.Buffer
	w := NewWriter(&out)

	pkt := decodedPkt(buildTCP(1460, 7, nil))
	w.OnPacket(nil, pkt, dir.DIR_A)
	assert.NoError(w.Flush())

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	fields := strings.Split(lines[1], "\t")
	assert.Equal("1460", fields[columnIndex("tcpMSS")])
	assert.Equal("7", fields[columnIndex("tcpWindowScale")])
	assert.Equal("0203", fields[columnIndex("tcpOptKinds")][:4])
}

func columnIndex(name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
