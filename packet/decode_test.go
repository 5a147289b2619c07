package packet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// buildTCP builds a minimal Ethernet/IPv4/TCP frame for testing.
func buildTCP(payload []byte) []byte {
	buf := make([]byte, 14+20+20+len(payload))
	// dst/src MAC
	copy(buf[0:6], []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})
	copy(buf[6:12], []byte{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb})
	be.PutUint16(buf[12:], uint16(ETH_IPV4))

	ip := buf[14:34]
	ip[0] = 0x45 // version 4, IHL 5
	ip[1] = 0    // ToS
	be.PutUint16(ip[2:], uint16(20+20+len(payload)))
	be.PutUint16(ip[4:], 0x1234) // IPID
	ip[8] = 64                   // TTL
	ip[9] = PROTO_TCP
	copy(ip[12:16], []byte{10, 0, 0, 1})
	copy(ip[16:20], []byte{10, 0, 0, 2})

	tcp := buf[34:54]
	be.PutUint16(tcp[0:], 54321)
	be.PutUint16(tcp[2:], 80)
	be.PutUint32(tcp[4:], 1000) // seq
	be.PutUint32(tcp[8:], 2000) // ack
	tcp[12] = 5 << 4            // data offset 20
	tcp[13] = 0x18              // PSH|ACK
	be.PutUint16(tcp[14:], 65535)

	copy(buf[54:], payload)
	return buf
}

func TestDecode_TCP(t *testing.T) {
	assert := assert.New(t)
	raw := buildTCP([]byte("hello"))
	p := New(time.Unix(1, 0), len(raw), raw, false)
	p.Decode()

	assert.True(p.HasLayer(L2))
	assert.True(p.HasLayer(L3))
	assert.True(p.HasLayer(L4))
	assert.True(p.HasLayer(L7))
	assert.Equal(uint8(4), p.IPVersion)
	assert.Equal(PROTO_TCP, p.Protocol)
	assert.Equal("10.0.0.1", p.SrcIP.String())
	assert.Equal("10.0.0.2", p.DstIP.String())
	assert.Equal(uint16(54321), p.SrcPort)
	assert.Equal(uint16(80), p.DstPort)
	assert.Equal(uint32(1000), p.TCPSeq())
	assert.Equal(uint32(2000), p.TCPAck())
	assert.Equal("hello", string(p.Bytes(L7)))
	assert.False(p.Truncated(L7))
}

func TestDecode_Truncated(t *testing.T) {
	assert := assert.New(t)
	raw := buildTCP([]byte("hello world"))
	raw = raw[:40] // cut off mid-TCP-header
	p := New(time.Unix(1, 0), 54+11, raw, false)
	p.Decode()

	assert.True(p.HasLayer(L3))
	// TCP header needs 20 bytes; only 6 were captured past L4 offset
	assert.False(p.HasLayer(L7))
}

func TestDecode_Fragment(t *testing.T) {
	assert := assert.New(t)
	raw := buildTCP(nil)
	ipOff := 14
	flagsFrag := be.Uint16(raw[ipOff+6:])
	flagsFrag |= 0x2000 // MF bit
	be.PutUint16(raw[ipOff+6:], flagsFrag)

	p := New(time.Unix(1, 0), len(raw), raw, false)
	p.Decode()

	assert.True(p.MoreFragments())
	assert.True(p.IsFragment())
	// L4 parsing is suppressed for non-first... but this IS first (offset 0)
	// with MF set, so it is still a fragment and spec says "TCP/UDP L4
	// parsing suppressed" only for MORE_FRAG with nonzero offset in some
	// readings; here offset 0 + MF means first fragment, L4 header present.
	assert.True(p.FirstFragment())
}

func TestDecode_ARP(t *testing.T) {
	assert := assert.New(t)
	buf := make([]byte, 14+28)
	copy(buf[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(buf[6:12], []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})
	be.PutUint16(buf[12:], uint16(ETH_ARP))

	arp := buf[14:]
	be.PutUint16(arp[0:], 1)      // htype ethernet
	be.PutUint16(arp[2:], 0x0800) // ptype ipv4
	arp[4] = 6
	arp[5] = 4
	be.PutUint16(arp[6:], 1) // request
	copy(arp[8:14], []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})
	copy(arp[14:18], []byte{10, 0, 0, 5})
	copy(arp[24:28], []byte{10, 0, 0, 6})

	p := New(time.Unix(1, 0), len(buf), buf, false)
	p.Decode()

	assert.Equal(PROTO_ARP, p.Protocol)
	assert.Equal("10.0.0.5", p.SrcIP.String())
	assert.Equal("10.0.0.6", p.DstIP.String())
	assert.False(p.HasLayer(L4))
}
