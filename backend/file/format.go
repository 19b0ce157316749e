package file

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/unkn0wn-root/cachemux/backend"
	"github.com/unkn0wn-root/cachemux/internal/wire"
)

// Supported values for Config.FileType.
const (
	TypeJSON   = "json"
	TypeBinary = "binary"
	TypeCode   = "code"
)

// maxMetaLine bounds the JSON metadata line; longer lines are corrupt.
const maxMetaLine = 64 << 10

var errCorrupt = errors.New("file: corrupt entry")

// format is an on-disk record layout. readHeader consumes only the metadata
// where the layout allows it; body reads the payload that follows.
type format interface {
	ext() string
	encode(h wire.Header, payload []byte) ([]byte, error)
	readHeader(r *bufio.Reader) (h wire.Header, body func() ([]byte, error), err error)
}

func formatFor(fileType string) (format, error) {
	switch fileType {
	case TypeJSON:
		return jsonFormat{}, nil
	case TypeBinary:
		return binaryFormat{}, nil
	case TypeCode:
		return newCodeFormat()
	default:
		return nil, fmt.Errorf("file: unknown file_type %q (want %s, %s or %s)", fileType, TypeBinary, TypeJSON, TypeCode)
	}
}

// json: {"created_at":...,"ttl":<seconds>|false,"key":...}\n<payload>
type jsonFormat struct{}

type jsonMeta struct {
	CreatedAt time.Time `json:"created_at"`
	TTL       jsonTTL   `json:"ttl"`
	Key       string    `json:"key"`
}

// jsonTTL is seconds on the wire, or false for no expiry.
type jsonTTL time.Duration

func (t jsonTTL) MarshalJSON() ([]byte, error) {
	if t <= 0 {
		return []byte("false"), nil
	}
	return strconv.AppendFloat(nil, time.Duration(t).Seconds(), 'f', -1, 64), nil
}

func (t *jsonTTL) UnmarshalJSON(b []byte) error {
	if string(b) == "false" {
		*t = jsonTTL(backend.NoExpiry)
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*t = jsonTTL(f * float64(time.Second))
	return nil
}

func (jsonFormat) ext() string { return "json" }

func (jsonFormat) encode(h wire.Header, payload []byte) ([]byte, error) {
	meta, err := json.Marshal(jsonMeta{CreatedAt: h.CreatedAt, TTL: jsonTTL(h.TTL), Key: h.Key})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(meta)+1+len(payload))
	out = append(out, meta...)
	out = append(out, '\n')
	return append(out, payload...), nil
}

func (jsonFormat) readHeader(r *bufio.Reader) (wire.Header, func() ([]byte, error), error) {
	line, err := readLine(r, maxMetaLine)
	if err != nil {
		return wire.Header{}, nil, err
	}
	var m jsonMeta
	if err := json.Unmarshal(line, &m); err != nil || m.CreatedAt.IsZero() {
		return wire.Header{}, nil, errCorrupt
	}
	h := wire.Header{CreatedAt: m.CreatedAt, TTL: time.Duration(m.TTL), Key: m.Key}
	return h, func() ([]byte, error) { return io.ReadAll(r) }, nil
}

// readLine returns the next '\n'-terminated line without the terminator.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return nil, errCorrupt
		}
		switch {
		case err == nil:
			return bytes.TrimSuffix(line, []byte{'\n'}), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			// EOF before the newline: no payload separator
			return nil, errCorrupt
		}
	}
}

// binary: wire header followed by a length-prefixed payload.
type binaryFormat struct{}

func (binaryFormat) ext() string { return "dat" }

func (binaryFormat) encode(h wire.Header, payload []byte) ([]byte, error) {
	return wire.Encode(h, payload)
}

func (binaryFormat) readHeader(r *bufio.Reader) (wire.Header, func() ([]byte, error), error) {
	h, err := wire.ReadHeader(r)
	if err != nil {
		return wire.Header{}, nil, errCorrupt
	}
	return h, func() ([]byte, error) {
		p, err := wire.ReadPayload(r)
		if errors.Is(err, wire.ErrCorrupt) {
			return nil, errCorrupt
		}
		return p, err
	}, nil
}

// code: the whole file is one CBOR document {meta, data}. The metadata cannot
// be read on its own, so readHeader decodes everything.
type codeFormat struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type codeRecord struct {
	Meta codeMeta `cbor:"meta"`
	Data []byte   `cbor:"data"`
}

type codeMeta struct {
	CreatedAt int64  `cbor:"created_ns"`
	TTL       int64  `cbor:"ttl_ns"`
	Key       string `cbor:"key"`
}

func newCodeFormat() (codeFormat, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return codeFormat{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return codeFormat{}, err
	}
	return codeFormat{enc: em, dec: dm}, nil
}

func (codeFormat) ext() string { return "cbor" }

func (c codeFormat) encode(h wire.Header, payload []byte) ([]byte, error) {
	return c.enc.Marshal(codeRecord{
		Meta: codeMeta{CreatedAt: h.CreatedAt.UnixNano(), TTL: int64(h.TTL), Key: h.Key},
		Data: payload,
	})
}

func (c codeFormat) readHeader(r *bufio.Reader) (wire.Header, func() ([]byte, error), error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return wire.Header{}, nil, err
	}
	var rec codeRecord
	if err := c.dec.Unmarshal(raw, &rec); err != nil || rec.Meta.CreatedAt == 0 {
		return wire.Header{}, nil, errCorrupt
	}
	h := wire.Header{
		CreatedAt: time.Unix(0, rec.Meta.CreatedAt),
		TTL:       time.Duration(rec.Meta.TTL),
		Key:       rec.Meta.Key,
	}
	return h, func() ([]byte, error) { return rec.Data, nil }, nil
}
