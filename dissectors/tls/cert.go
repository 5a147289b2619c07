package tls

import (
	"crypto/rsa"
	"crypto/x509"
	"regexp"
	"time"

	"github.com/flowlens/flowlens/flowtable"
)

// base32Chars is the RFC 4648 base32 alphabet Tor uses for its generated
// hidden-service-style hostnames.
const base32Chars = "abcdefghijklmnopqrstuvwxyz234567"

// Compiled once at package init rather than per packet.
var (
	subjectRe = regexp.MustCompile(`^www\.[` + base32Chars + `]{8,20}\.net$`)
	issuerRe  = regexp.MustCompile(`^www\.[` + base32Chars + `]{8,20}\.(net|com)$`)
	sniRe     = regexp.MustCompile(`^www\.[` + base32Chars + `]{4,25}\.com$`)
)

func matchSNI(sni string) bool { return sni != "" && sniRe.MatchString(sni) }

const maxTorCertLen = 600

type certInfo struct {
	len      uint32
	pkeyType string
	pkeyBits uint16

	subjectCN, subjectO, subjectCountry string
	issuerCN, issuerO, issuerCountry    string

	notBefore, notAfter time.Time
}

// decodeCertificate parses a Certificate handshake message: a 24-bit
// total length, then one or more 24-bit-length-prefixed DER
// certificates. Only the first (leaf) certificate is decoded; the Tor
// classification rules only ever look at the server's leaf certificate.
func (d *Dissector) decodeCertificate(rec *flowtable.Record, tbl *flowtable.Table, s *slot, msg []byte) {
	c := newCur(msg)
	c.skip(3) // length of all certificates
	certLen := int(c.u8())<<16 | int(c.u8())<<8 | int(c.u8())
	if !c.ok || certLen <= 0 {
		return
	}
	der := c.bytes(certLen)
	if der == nil {
		return
	}

	x509Cert, err := x509.ParseCertificate(der)
	if err != nil {
		return
	}

	info := certInfo{
		len:            uint32(certLen),
		subjectCN:      x509Cert.Subject.CommonName,
		issuerCN:       x509Cert.Issuer.CommonName,
		notBefore:      x509Cert.NotBefore,
		notAfter:       x509Cert.NotAfter,
	}
	if len(x509Cert.Subject.Organization) > 0 {
		info.subjectO = x509Cert.Subject.Organization[0]
	}
	if len(x509Cert.Subject.Country) > 0 {
		info.subjectCountry = x509Cert.Subject.Country[0]
	}
	if len(x509Cert.Issuer.Organization) > 0 {
		info.issuerO = x509Cert.Issuer.Organization[0]
	}
	if len(x509Cert.Issuer.Country) > 0 {
		info.issuerCountry = x509Cert.Issuer.Country[0]
	}

	if rsaKey, ok := x509Cert.PublicKey.(*rsa.PublicKey); ok {
		info.pkeyType = "RSA"
		info.pkeyBits = uint16(rsaKey.N.BitLen())
	} else if x509Cert.PublicKey != nil {
		info.pkeyType = "UNDEF"
	}

	s.cert = info

	if !isTorCertificate(info) {
		if opp := tbl.Opposite(rec); opp != nil {
			if oppS, ok := d.slots[opp.Findex]; ok {
				oppS.status &^= StatTor
			}
		}
	}
}

// isTorCertificate applies the Tor self-signed-certificate heuristics:
// short RSA key, 1024/2048 bits, a round validity period, no
// organization/country fields, and base32-hostname-shaped CNs.
func isTorCertificate(info certInfo) bool {
	if info.len > maxTorCertLen {
		return false
	}
	if info.pkeyType != "RSA" || (info.pkeyBits != 1024 && info.pkeyBits != 2048) {
		return false
	}
	if info.notBefore.IsZero() || info.notAfter.IsZero() {
		return false
	}
	start := info.notBefore.Unix()
	end := info.notAfter.Unix()
	const day = 24 * 3600
	const year = 365 * day
	if start%day != 0 && (end-start) != year {
		return false
	}
	if info.subjectCN == info.issuerCN {
		return false // self-signed
	}
	if info.subjectO != "" || info.issuerO != "" || info.subjectCountry != "" || info.issuerCountry != "" {
		return false
	}
	if !subjectRe.MatchString(info.subjectCN) || !issuerRe.MatchString(info.issuerCN) {
		return false
	}
	return true
}
