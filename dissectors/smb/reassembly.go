package smb

import (
	"github.com/flowlens/flowlens/flowtable"
	"github.com/flowlens/flowlens/util"
)

// assemble accumulates avail bytes toward a fixed-size target into s's
// scratch buffer, returning the complete target-length slice and the
// unconsumed remainder once enough bytes have arrived. It is the single
// mechanism behind every hdrstat transition that waits on a fixed-size
// structure (NB header, SMB magic, SMB1/SMB2 headers), grounded on
// util.AppendAt/GrowCap which were written for exactly this kind of
// partial, possibly out-of-order placement.
func (s *slot) assemble(avail []byte, target int) (chunk, rest []byte, ok bool) {
	if s.hdroff == 0 && len(avail) >= target {
		return avail[:target], avail[target:], true
	}
	need := target - s.hdroff
	take := need
	if take > len(avail) {
		take = len(avail)
	}
	s.scratch = util.GrowCap(s.scratch, s.hdroff+take)
	s.scratch = util.AppendAt(s.scratch, s.hdroff, avail[:take])
	s.hdroff += take
	rest = avail[take:]
	if s.hdroff < target {
		return nil, rest, false
	}
	chunk = append([]byte(nil), s.scratch[:target]...)
	s.hdroff = 0
	s.scratch = s.scratch[:0]
	return chunk, rest, true
}

// feed drives the NONE -> NB -> SMB -> SMB1|SMB2 -> WRITE|READ -> DATA|RDATA
// state machine over one TCP segment's payload. Multiple SMB messages
// packed into one segment (header piggybacking) are walked in a loop; a
// WRITE/READ payload that spans segments parks in stData/stRData until its
// declared length has been copied to the file sink.
func (d *Dissector) feed(rec *flowtable.Record, tbl *flowtable.Table, s *slot, payload []byte) {
	for len(payload) > 0 {
		switch s.hdrstat {
		case stNone, stNB:
			var chunk []byte
			var ok bool
			chunk, payload, ok = s.assemble(payload, nbHdrLen)
			if !ok {
				s.hdrstat = stNB
				return
			}
			_ = chunk // NetBIOS session length isn't needed: SMB framing is self-describing
			s.hdrstat = stSMB

		case stSMB:
			var chunk []byte
			var ok bool
			chunk, payload, ok = s.assemble(payload, magicLen)
			if !ok {
				return
			}
			switch {
			case [4]byte(chunk) == smb1Magic:
				s.hdrstat = stSMB1
			case [4]byte(chunk) == smb2Magic:
				s.hdrstat = stSMB2
			case [4]byte(chunk) == smb3Magic:
				s.opcodeSeenBF |= 1 << 31 // reuse high bit as "SMB3 seen"
				s.hdrstat = stNone
			default:
				s.hdrstat = stNone
			}

		case stSMB1:
			var chunk []byte
			var ok bool
			chunk, payload, ok = s.assemble(payload, smb1HdrLen)
			if !ok {
				return
			}
			var consumed int
			payload, consumed = d.decodeSMB1(rec, tbl, s, chunk, payload)
			_ = consumed
			if s.hdrstat == stSMB1 { // a spanning WRITE/READ moved on to stData/stRData
				s.hdrstat = stNone
			}

		case stSMB2:
			var chunk []byte
			var ok bool
			chunk, payload, ok = s.assemble(payload, smb2HdrLen)
			if !ok {
				return
			}
			payload = d.decodeSMB2(rec, tbl, s, chunk, payload)
			if s.hdrstat == stSMB2 { // a spanning WRITE/READ moved on to stData/stRData
				s.hdrstat = stNone
			}

		case stData:
			w := s.pendingWrite
			if w == nil {
				s.hdrstat = stNone
				continue
			}
			n := int64(len(payload))
			if n > w.left {
				n = w.left
			}
			if d.Files != nil {
				d.Files.WriteAt(fileKey(rec.Findex, w.fileID), w.off, payload[:n])
			}
			w.off += n
			w.left -= n
			payload = payload[n:]
			if w.left <= 0 {
				s.pendingWrite = nil
				s.hdrstat = stNone
			} else {
				return
			}

		case stRData:
			r := s.pendingRead
			if r == nil {
				s.hdrstat = stNone
				continue
			}
			n := int64(len(payload))
			if n > r.left {
				n = r.left
			}
			if d.Files != nil {
				d.Files.WriteAt(fileKey(rec.Findex, r.fileID), r.off, payload[:n])
			}
			r.off += n
			r.left -= n
			payload = payload[n:]
			if r.left <= 0 {
				s.pendingRead = nil
				s.hdrstat = stNone
			} else {
				return
			}

		default:
			s.hdrstat = stNone
		}
	}
}

// startWrite begins a (possibly multi-segment) WRITE payload copy,
// transitioning to stData.
func (s *slot) startWrite(fileID uint64, off, length int64, avail []byte, findex uint64, files FileSink) []byte {
	n := length
	if n > int64(len(avail)) {
		n = int64(len(avail))
	}
	if files != nil && n > 0 {
		files.WriteAt(fileKey(findex, fileID), off, avail[:n])
	}
	remain := length - n
	avail = avail[n:]
	if remain > 0 {
		s.pendingWrite = &writeState{fileID: fileID, off: off + n, left: remain}
		s.hdrstat = stData
	}
	return avail
}

// startRead begins a (possibly multi-segment) READ payload copy,
// transitioning to stRData.
func (s *slot) startRead(fileID uint64, off, length int64, avail []byte, findex uint64, files FileSink) []byte {
	n := length
	if n > int64(len(avail)) {
		n = int64(len(avail))
	}
	if files != nil && n > 0 {
		files.WriteAt(fileKey(findex, fileID), off, avail[:n])
	}
	remain := length - n
	avail = avail[n:]
	if remain > 0 {
		s.pendingRead = &readState{fileID: fileID, off: off + n, left: remain}
		s.hdrstat = stRData
	}
	return avail
}
