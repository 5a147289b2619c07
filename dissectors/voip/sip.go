package voip

import (
	"bytes"
	"net/netip"
	"strconv"

	"github.com/flowlens/flowlens/flowtable"
)

// sipMethods lists the recognized SIP request methods in method-bitmap
// bit order (bit 0 reserved for "unknown").
var sipMethods = []string{
	"", "INVITE", "ACK", "BYE", "CANCEL", "REGISTER", "OPTIONS", "PRACK",
	"SUBSCRIBE", "NOTIFY", "PUBLISH", "INFO", "REFER", "MESSAGE", "UPDATE",
}

const sdpMarker = "Content-Type: application/sdp"

func isSIPStart(payload []byte) bool {
	if bytes.HasPrefix(payload, []byte("SIP/2.0")) {
		return true
	}
	for _, m := range sipMethods[1:] {
		if bytes.HasPrefix(payload, []byte(m+" ")) {
			return true
		}
	}
	return false
}

func (d *Dissector) decodeSIP(rec *flowtable.Record, s *slot, payload []byte) {
	s.status |= StatSIP

	lines := bytes.Split(payload, []byte("\r\n"))
	if len(lines) == 0 {
		return
	}

	first := lines[0]
	switch {
	case bytes.HasPrefix(first, []byte("SIP/2.0")):
		fields := bytes.Fields(first)
		if len(fields) >= 2 {
			if code, err := strconv.Atoi(string(fields[1])); err == nil {
				addStatusCode(s, uint16(code))
			}
		}
	default:
		fields := bytes.Fields(first)
		if len(fields) >= 1 {
			addMethod(s, string(fields[0]))
		}
	}

	blank := len(lines)
	for i, line := range lines {
		if len(line) == 0 {
			blank = i
			break
		}
		switch {
		case hasHeader(line, "From:"):
			addBounded(&s.sip.from, headerValue(line, "From:"), s)
		case hasHeader(line, "To:"):
			addBounded(&s.sip.to, headerValue(line, "To:"), s)
		case hasHeader(line, "Call-ID:"):
			addBounded(&s.sip.callID, headerValue(line, "Call-ID:"), s)
		case hasHeader(line, "Contact:"):
			addBounded(&s.sip.contact, headerValue(line, "Contact:"), s)
		case hasHeader(line, "User-Agent:"):
			s.sip.userAgent = headerValue(line, "User-Agent:")
		case hasHeader(line, "X-Real-IP:"):
			s.sip.realIP = headerValue(line, "X-Real-IP:")
		}
	}

	if bytes.Contains(payload, []byte(sdpMarker)) {
		s.status |= StatSDP
		d.parseSDP(s, lines[blank:])
	}
}

func hasHeader(line []byte, name string) bool {
	return len(line) > len(name) && bytes.EqualFold(line[:len(name)], []byte(name))
}

func headerValue(line []byte, name string) string {
	v := bytes.TrimSpace(line[len(name):])
	return string(v)
}

func addMethod(s *slot, name string) {
	addBounded(&s.sip.reqMethods, name, s)
	for i, m := range sipMethods {
		if m == name {
			s.sip.methodBitmap |= 1 << uint(i)
			return
		}
	}
	s.sip.methodBitmap |= 1 // unknown method bit
}

func addStatusCode(s *slot, code uint16) {
	for _, c := range s.sip.statusCodes {
		if c == code {
			return
		}
	}
	if len(s.sip.statusCodes) >= sipStatMax {
		s.status |= StatOverrun
		return
	}
	s.sip.statusCodes = append(s.sip.statusCodes, code)
}

func addBounded(list *[]string, v string, s *slot) {
	if v == "" {
		return
	}
	for _, e := range *list {
		if e == v {
			return
		}
	}
	if len(*list) >= sipStatMax {
		s.status |= StatOverrun
		return
	}
	*list = append(*list, v)
}

// parseSDP walks an SDP body's c=/m=audio/m=video/a=rtpmap lines (RFC
// 4566), recording announced media targets and rtpmap strings, spec
// §4.7's SDP correlation-seed extraction.
func (d *Dissector) parseSDP(s *slot, lines [][]byte) {
	var addr netip.Addr
	haveAddr := false

	for _, line := range lines {
		switch {
		case bytes.HasPrefix(line, []byte("c=IN IP4 ")):
			if a, err := netip.ParseAddr(string(bytes.TrimSpace(line[len("c=IN IP4 "):]))); err == nil {
				addr, haveAddr = a, true
			}
		case bytes.HasPrefix(line, []byte("c=IN IP6 ")):
			if a, err := netip.ParseAddr(string(bytes.TrimSpace(line[len("c=IN IP6 "):]))); err == nil {
				addr, haveAddr = a, true
			}
		case bytes.HasPrefix(line, []byte("m=audio ")):
			if port, ok := firstField(line[len("m=audio "):]); ok && haveAddr {
				setAnnounced(s, addr, port, 0)
			}
		case bytes.HasPrefix(line, []byte("m=video ")):
			if port, ok := firstField(line[len("m=video "):]); ok && haveAddr {
				setAnnounced(s, addr, 0, port)
			}
		case bytes.HasPrefix(line, []byte("a=rtpmap:")):
			v := string(bytes.TrimSpace(line[len("a=rtpmap:"):]))
			dup := v == ""
			for _, e := range s.sip.rtpmaps {
				dup = dup || e == v
			}
			if dup {
				break
			}
			if len(s.sip.rtpmaps) >= sipRefMax {
				s.status |= StatOverrun
				break
			}
			s.sip.rtpmaps = append(s.sip.rtpmaps, v)
		}
	}
}

func firstField(b []byte) (uint16, bool) {
	fields := bytes.Fields(b)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(string(fields[0]), 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// setAnnounced records (addr, audioPort, videoPort), merging into an
// existing entry for the same address rather than duplicating it.
func setAnnounced(s *slot, addr netip.Addr, audioPort, videoPort uint16) {
	a16 := to16(addr)
	for i := range s.sip.announced {
		if s.sip.announced[i].addr == a16 {
			if audioPort != 0 {
				s.sip.announced[i].audioPort = audioPort
				s.status |= StatAudioAnnounced
			}
			if videoPort != 0 {
				s.sip.announced[i].videoPort = videoPort
				s.status |= StatVideoAnnounced
			}
			return
		}
	}
	if len(s.sip.announced) >= sipRefMax {
		s.status |= StatOverrun
		return
	}
	t := sdpTarget{addr: a16, audioPort: audioPort, videoPort: videoPort}
	if audioPort != 0 {
		s.status |= StatAudioAnnounced
	}
	if videoPort != 0 {
		s.status |= StatVideoAnnounced
	}
	s.sip.announced = append(s.sip.announced, t)
}
