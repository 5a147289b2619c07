// Package tls implements a sliding parse of TLS/DTLS records over TCP
// and UDP, ClientHello/ServerHello/Certificate extraction, and the
// Tor / obfuscated-Tor classification rules.
//
// Record decoding is hand-rolled (there is no ecosystem library for
// this kind of partial, tolerant TLS-handshake sniffing), but the
// Certificate message itself is handed to crypto/x509 rather than
// reimplementing ASN.1/X.509 parsing by hand.
package tls

import (
	"github.com/flowlens/flowlens/dir"
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/packet"
	"github.com/flowlens/flowlens/schema"
)

const Name = "tls"

// SSL/TLS record content types.
const (
	rtChangeCipherSpec = 0x14
	rtAlert            = 0x15
	rtHandshake        = 0x16
	rtApplicationData  = 0x17
	rtHeartbeat        = 0x18
)

func rtIsValid(t uint8) bool { return t >= rtChangeCipherSpec && t <= rtHeartbeat }

const recordHdrLen = 5 // type(1) version(2) length(2)
const recordMaxLen = 16384

// TLS/DTLS version words, as they appear on the wire.
const (
	sslv3  = 0x0300
	tlsv13 = 0x0304

	dtls10old = 0x0100
	dtls10    = 0xfeff
	dtls12    = 0xfefd
)

func versionIsDTLS(v uint16) bool { return v == dtls10 || v == dtls12 || v == dtls10old }
func versionIsSSL(v uint16) bool  { return v >= sslv3 && v <= tlsv13 }
func versionIsValid(v uint16) bool { return versionIsSSL(v) || versionIsDTLS(v) }

// Handshake message types.
const (
	htClientHello = 0x01
	htServerHello = 0x02
	htCertificate = 0x0B
)

// Hello extension types relevant to the Tor classifier.
const (
	extServerName  = 0x0000
	extRenegInfo   = 0xff01
	extALPN        = 0x0010
	extNPN         = 0x3374
)

const helloRandomLen = 32
const sniMaxLen = 255
const tlsEmptyRenegotiationSCSV = 0x00ff

// obfuscationBytes is the prefix length sampled for the entropy check;
// obfuscationThreshold is the Shannon-entropy cutoff, on the 0..1 scale
// shannonEntropy returns (bits/byte divided by 8), above which a stream
// is classified as high-entropy (e.g. obfuscated or encrypted-looking)
// traffic.
const (
	obfuscationBytes     = 1024
	obfuscationThreshold = 0.97
)

// Status bits, OR-only except where noted: StatObfuscated is provisional
// until OnFlowTerminate confirms (or retracts) it against the opposite
// flow's own entropy check, since "obfuscated Tor" requires high entropy
// in both directions.
type Status uint32

const (
	StatTor Status = 1 << iota
	StatObfuscated
	StatPktlenHeuristic
	obfuscationChecked
	StatSnap // truncated capture mid-record
)

type slot struct {
	status Status

	client clientHello
	server serverHello
	cert   certInfo

	obfByteCount int
	obfHist      [256]uint32

	minL3PktSz, maxL3PktSz uint16
	haveL3PktSz            bool

	ja3 string
}

func newSlot() *slot {
	return &slot{minL3PktSz: 0xFFFF}
}

// Dissector parses TLS/DTLS handshakes per flow and classifies Tor and
// obfuscated-Tor traffic from the resulting fingerprints.
type Dissector struct {
	slots map[uint64]*slot

	globalStat Status // OR of every terminated flow's stat bitfield
	packets    uint64 // TCP/UDP packets observed across all tracked flows
}

func New() *Dissector {
	return &Dissector{slots: make(map[uint64]*slot)}
}

// StatusBits returns the OR of every terminated flow's Tor/obfuscation
// status bitfield, for the end-of-capture aggregate report.
func (d *Dissector) StatusBits() uint32 { return uint32(d.globalStat) }

// Packets returns the total count of packets observed on tracked flows.
func (d *Dissector) Packets() uint64 { return d.packets }

func (d *Dissector) Name() string        { return Name }
func (d *Dissector) DependsOn() []string { return nil }

func (d *Dissector) Schema() schema.Schema {
	return schema.Schema{
		schema.F("torStat", schema.Uint32, "Tor/obfuscation status bitfield"),
		schema.F("tlsSNI", schema.String, "ClientHello server_name extension"),
		schema.F("tlsJA3", schema.String, "JA3-style raw fingerprint (version-ciphers-extensions)"),
		schema.F("tlsCipherCount", schema.Uint16, "ClientHello cipher suite count"),

		schema.F("tlsCertLen", schema.Uint32, "server certificate DER length"),
		schema.F("tlsCertPKeyType", schema.String, "certificate public key algorithm"),
		schema.F("tlsCertPKeyBits", schema.Uint16, "certificate public key size in bits"),
		schema.F("tlsCertSubjectCN", schema.String, "certificate subject common name"),
		schema.F("tlsCertSubjectO", schema.String, "certificate subject organization"),
		schema.F("tlsCertSubjectCountry", schema.String, "certificate subject country"),
		schema.F("tlsCertIssuerCN", schema.String, "certificate issuer common name"),
		schema.F("tlsCertIssuerO", schema.String, "certificate issuer organization"),
		schema.F("tlsCertIssuerCountry", schema.String, "certificate issuer country"),
		schema.F("tlsCertNotBefore", schema.Timestamp, "certificate validity start"),
		schema.F("tlsCertNotAfter", schema.Timestamp, "certificate validity end"),
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

func (d *Dissector) OnNewFlow(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {
	proto := pkt.Protocol
	if proto != packet.PROTO_TCP && proto != packet.PROTO_UDP {
		return
	}
	d.slotFor(rec.Findex)
}

func (d *Dissector) OnLayer2(rec *flowtable.Record, pkt *packet.Packet, pd dir.Dir) {}

func (d *Dissector) OnLayer4(rec *flowtable.Record, tbl *flowtable.Table, pkt *packet.Packet, pd dir.Dir) {
	proto := pkt.Protocol
	if proto != packet.PROTO_TCP && proto != packet.PROTO_UDP {
		return
	}
	s, ok := d.slots[rec.Findex]
	if !ok {
		return
	}
	d.packets++

	payload := pkt.Bytes(packet.L7)
	if len(payload) > 0 {
		feedObfuscation(s, payload)
	}

	if proto == packet.PROTO_TCP && (pkt.SrcPort == 443 || pkt.DstPort == 443) {
		trackPktlen(s, pkt.WireLen)
	}

	if len(payload) == 0 {
		return
	}
	d.decodeRecords(rec, tbl, s, payload, proto)
}

func (d *Dissector) OnFlowTerminate(rec *flowtable.Record, tbl *flowtable.Table, out *schema.Buffer) {
	s, ok := d.slots[rec.Findex]
	if !ok {
		s = newSlot()
	}

	if s.haveL3PktSz && s.minL3PktSz == 2 && (s.maxL3PktSz == 6 || s.maxL3PktSz == 7) {
		s.status |= StatPktlenHeuristic
	}

	if opp := tbl.Opposite(rec); opp != nil {
		if oppS, ok := d.slots[opp.Findex]; ok {
			if s.status&StatObfuscated != 0 {
				bothConfirmed := oppS.status&obfuscationChecked != 0 && oppS.status&StatObfuscated != 0
				if !bothConfirmed {
					s.status &^= StatObfuscated
				}
			}
			if oppS.status&StatTor != 0 {
				s.status |= StatTor
			}
		} else if s.status&StatObfuscated != 0 {
			s.status &^= StatObfuscated
		}
	} else if s.status&StatObfuscated != 0 {
		s.status &^= StatObfuscated
	}
	d.globalStat |= s.status

	out.AppendUint32(uint32(s.status))
	out.AppendString(s.client.sni)
	out.AppendString(s.ja3)
	out.AppendUint16(uint16(len(s.client.ciphers)))

	out.AppendUint32(s.cert.len)
	out.AppendString(s.cert.pkeyType)
	out.AppendUint16(s.cert.pkeyBits)
	out.AppendString(s.cert.subjectCN)
	out.AppendString(s.cert.subjectO)
	out.AppendString(s.cert.subjectCountry)
	out.AppendString(s.cert.issuerCN)
	out.AppendString(s.cert.issuerO)
	out.AppendString(s.cert.issuerCountry)
	out.AppendTimestamp(s.cert.notBefore)
	out.AppendTimestamp(s.cert.notAfter)

	delete(d.slots, rec.Findex)
}

func trackPktlen(s *slot, wireLen int) {
	m := uint16(wireLen % 8)
	if m == 0 {
		return
	}
	s.haveL3PktSz = true
	if m < s.minL3PktSz {
		s.minL3PktSz = m
	}
	if m > s.maxL3PktSz {
		s.maxL3PktSz = m
	}
}

// feedObfuscation folds payload bytes into the flow's byte-value
// histogram until obfuscationBytes bytes have been seen (or a bucket
// saturates), then computes entropy once over the whole prefix. This
// prefix should ideally be gap-free, but this package has no
// cross-dissector TCP-retransmission signal of its own, so that guard
// is not implemented here (a documented simplification, see DESIGN.md).
func feedObfuscation(s *slot, payload []byte) {
	if s.status&obfuscationChecked != 0 {
		return
	}
	for _, b := range payload {
		if s.obfByteCount >= obfuscationBytes || s.obfHist[b] == 0xFFFFFFFF {
			e := shannonEntropy(s.obfHist[:], s.obfByteCount)
			if e > obfuscationThreshold {
				s.status |= StatObfuscated
			}
			s.status |= obfuscationChecked
			return
		}
		s.obfHist[b]++
		s.obfByteCount++
	}
}
