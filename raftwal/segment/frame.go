package segment

import (
	"encoding/binary"
	"hash/crc32"
)

// frame wire format: <uvarint term><uvarint index><uvarint len><payload><crc32 checksum>
// The checksum covers term, index, len and payload so a torn write (the
// classic crash-mid-append case) is detected even if the length field
// itself happened to land on plausible-looking bytes.

const maxHeaderLen = binary.MaxVarintLen64 * 3

// EncodeFrame appends the wire encoding of (term, index, data) to buf,
// returning the extended slice.
func EncodeFrame(buf []byte, term, index uint64, data []byte) []byte {
	var hdr [maxHeaderLen]byte
	n := binary.PutUvarint(hdr[0:], term)
	n += binary.PutUvarint(hdr[n:], index)
	n += binary.PutUvarint(hdr[n:], uint64(len(data)))

	crc := crc32.NewIEEE()
	crc.Write(hdr[:n])
	crc.Write(data)
	sum := crc.Sum32()

	buf = append(buf, hdr[:n]...)
	buf = append(buf, data...)
	var sumBytes [4]byte
	binary.BigEndian.PutUint32(sumBytes[:], sum)
	buf = append(buf, sumBytes[:]...)
	return buf
}

// FrameSize returns the number of bytes EncodeFrame would add for a record
// with the given payload length, used to track a segment's size before
// the worker writes it and to check that an entry fits in a fresh segment.
func FrameSize(term, index uint64, dataLen int) int {
	var hdr [maxHeaderLen]byte
	n := binary.PutUvarint(hdr[0:], term)
	n += binary.PutUvarint(hdr[n:], index)
	n += binary.PutUvarint(hdr[n:], uint64(dataLen))
	return n + dataLen + 4
}

// DecodeFrame parses one frame out of buf, returning the term, index,
// payload (a sub-slice of buf, not copied) and the number of bytes
// consumed. ok is false (with no error) if buf doesn't hold a complete,
// valid frame: the caller stops there and keeps the prefix it has
// recovered so far.
func DecodeFrame(buf []byte) (term, index uint64, data []byte, n int, ok bool) {
	term, n1 := binary.Uvarint(buf)
	if n1 <= 0 {
		return 0, 0, nil, 0, false
	}
	rest := buf[n1:]
	index, n2 := binary.Uvarint(rest)
	if n2 <= 0 {
		return 0, 0, nil, 0, false
	}
	rest = rest[n2:]
	length, n3 := binary.Uvarint(rest)
	if n3 <= 0 {
		return 0, 0, nil, 0, false
	}
	rest = rest[n3:]

	hdrLen := n1 + n2 + n3
	total := hdrLen + int(length) + 4
	if len(buf) < total {
		return 0, 0, nil, 0, false
	}

	payload := buf[hdrLen : hdrLen+int(length)]
	wantSum := binary.BigEndian.Uint32(buf[hdrLen+int(length) : total])

	crc := crc32.NewIEEE()
	crc.Write(buf[:hdrLen])
	crc.Write(payload)
	if crc.Sum32() != wantSum {
		return 0, 0, nil, 0, false
	}
	return term, index, payload, total, true
}
