// Package wire frames cache entries as a fixed binary header followed by the
// payload, so expiry can be decided from the header alone.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	version   byte = 1
	kindEntry byte = 1

	// magic(4) | ver(1) | kind(1) | created(i64 be) | ttl(i64 be) | klen(u16 be)
	fixedHeader = 4 + 1 + 1 + 8 + 8 + 2

	// MaxKey is the longest key the header can carry.
	MaxKey = 0xFFFF
)

var (
	ErrCorrupt = errors.New("cachemux: corrupt entry")
	magic4     = [...]byte{'C', 'M', 'X', 'E'}
)

// Header is the metadata stored in front of every framed payload.
type Header struct {
	CreatedAt time.Time
	// TTL <= 0 means the entry never expires.
	TTL time.Duration
	Key string
}

// Expired reports whether CreatedAt+TTL lies strictly before now.
func (h Header) Expired(now time.Time) bool {
	if h.TTL <= 0 {
		return false
	}
	return h.CreatedAt.Add(h.TTL).Before(now)
}

// Entry: header | key(klen) | vlen(u32 be) | payload(vlen)
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(h.Key) > MaxKey {
		return nil, fmt.Errorf("wire: key length %d exceeds %d", len(h.Key), MaxKey)
	}
	var buf bytes.Buffer
	buf.Grow(fixedHeader + len(h.Key) + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], uint64(h.CreatedAt.UnixNano()))
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], uint64(h.TTL))
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], uint16(len(h.Key)))
	buf.Write(u2[:])
	buf.WriteString(h.Key)

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses a complete in-memory entry. Trailing bytes are rejected.
func Decode(b []byte) (Header, []byte, error) {
	r := bytes.NewReader(b)
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	off := len(b) - r.Len()
	if off+4 > len(b) {
		return Header{}, nil, ErrCorrupt
	}
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return Header{}, nil, ErrCorrupt
	}
	return h, b[off:], nil
}

// ReadHeader consumes only the header and key from r.
func ReadHeader(r io.Reader) (Header, error) {
	var hdr [fixedHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Header{}, ErrCorrupt
	}
	if !bytes.Equal(hdr[:4], magic4[:]) || hdr[4] != version || hdr[5] != kindEntry {
		return Header{}, ErrCorrupt
	}
	off := 6
	created := int64(binary.BigEndian.Uint64(hdr[off : off+8]))
	off += 8
	ttl := int64(binary.BigEndian.Uint64(hdr[off : off+8]))
	off += 8
	klen := int(binary.BigEndian.Uint16(hdr[off : off+2]))

	key := make([]byte, klen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Header{}, ErrCorrupt
	}
	return Header{
		CreatedAt: time.Unix(0, created),
		TTL:       time.Duration(ttl),
		Key:       string(key),
	}, nil
}

// ReadPayload consumes the length-prefixed payload that follows a header and
// requires r to be exhausted afterwards. A bogus length never triggers a
// large allocation up front.
func ReadPayload(r io.Reader) ([]byte, error) {
	var u4 [4]byte
	if _, err := io.ReadFull(r, u4[:]); err != nil {
		return nil, ErrCorrupt
	}
	vlen := int64(binary.BigEndian.Uint32(u4[:]))
	b, err := io.ReadAll(io.LimitReader(r, vlen+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) != vlen {
		return nil, ErrCorrupt
	}
	return b, nil
}
