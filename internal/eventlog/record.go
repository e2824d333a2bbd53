package eventlog

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/umbreak/nexus-sourcing/pkg/id"
)

// Entry envelope: sourceID(16B) | ts_ms(8B BE) | uvarint tagLen | tag |
// uvarint typeLen | type | payload | crc32c(all previous)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeEntry serializes an event entry for storage.
func EncodeEntry(src id.ID, tsMs int64, tag, eventType string, payload []byte) []byte {
	out := make([]byte, 0, 16+8+10+len(tag)+10+len(eventType)+len(payload)+4)
	out = append(out, src[:]...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tsMs))
	out = append(out, ts[:]...)

	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(tag)))
	out = append(out, tmp[:n]...)
	out = append(out, tag...)
	n = binary.PutUvarint(tmp[:], uint64(len(eventType)))
	out = append(out, tmp[:n]...)
	out = append(out, eventType...)
	out = append(out, payload...)

	crc := crc32.Checksum(out, castagnoli)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

// DecodedEntry is a parsed entry envelope, without the sequence (which
// lives in the key).
type DecodedEntry struct {
	SourceID     id.ID
	AppendedAtMs int64
	Tag          string
	Type         string
	Payload      []byte
}

// DecodeEntry parses a stored envelope. ok is false on truncation or
// checksum mismatch.
func DecodeEntry(b []byte) (DecodedEntry, bool) {
	if len(b) < 16+8+1+1+4 {
		return DecodedEntry{}, false
	}
	body := b[:len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(body, castagnoli) != expect {
		return DecodedEntry{}, false
	}

	var d DecodedEntry
	copy(d.SourceID[:], body[:16])
	d.AppendedAtMs = int64(binary.BigEndian.Uint64(body[16:24]))
	rest := body[24:]

	tagLen, n := binary.Uvarint(rest)
	if n <= 0 || int(tagLen) > len(rest)-n {
		return DecodedEntry{}, false
	}
	rest = rest[n:]
	d.Tag = string(rest[:tagLen])
	rest = rest[tagLen:]

	typeLen, n := binary.Uvarint(rest)
	if n <= 0 || int(typeLen) > len(rest)-n {
		return DecodedEntry{}, false
	}
	rest = rest[n:]
	d.Type = string(rest[:typeLen])
	d.Payload = append([]byte(nil), rest[typeLen:]...)
	return d, true
}
