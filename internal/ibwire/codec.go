// Package ibwire encodes and decodes the TWS API wire protocol.
//
// Frames are a 4-byte big-endian length prefix followed by NUL-terminated
// UTF-8 fields; the first field of every inbound frame is the numeric
// message id. The package is transport-agnostic: it reads and writes
// io.Reader/io.Writer and never touches sockets or business state.
//
// Field layouts follow the v100+ protocol as negotiated by the
// "v100..187" handshake range; encoders that depend on the negotiated
// server version take it as a parameter.
package ibwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// MaxFrameSize caps inbound frames. The gateway never sends frames close
// to this; anything larger is a framing desync and kills the connection.
const MaxFrameSize = 1 << 20

// MinServerVersion is the oldest server this codec encodes for. The
// handshake advertises v100..187 and the session rejects anything lower.
const (
	MinServerVersion = 157
	MaxServerVersion = 187
)

// VersionRange is the client version window sent during the handshake.
const VersionRange = "v100..187"

// APIPrefix is the raw preamble that switches the gateway socket into
// framed API mode. It is sent once, unframed, before the version range.
var APIPrefix = []byte("API\x00")

// Outbound message ids.
const (
	OutReqMktData       = 1
	OutCancelMktData    = 2
	OutPlaceOrder       = 3
	OutCancelOrder      = 4
	OutReqContractData  = 9
	OutReqCurrentTime   = 49
	OutStartAPI         = 71
	OutReqTickByTick    = 97
	OutCancelTickByTick = 98
)

// Inbound message ids.
const (
	InTickPrice       = 1
	InTickSize        = 2
	InOrderStatus     = 3
	InErrMsg          = 4
	InNextValidID     = 9
	InContractData    = 10
	InCurrentTime     = 49
	InContractDataEnd = 52
	InTickByTick      = 99
)

// ------------------------------------------------------------------------
// Framing
// ------------------------------------------------------------------------

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. The returned slice is freshly
// allocated and safe to retain.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds max %d", n, MaxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// SplitFields splits a frame payload into its NUL-terminated fields.
// A trailing NUL does not produce a final empty field.
func SplitFields(payload []byte) []string {
	s := string(payload)
	s = strings.TrimSuffix(s, "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// ------------------------------------------------------------------------
// Outbound builder
// ------------------------------------------------------------------------

// Builder accumulates NUL-terminated fields for one outbound message.
type Builder struct {
	buf []byte
}

// NewBuilder starts a message with the given id.
func NewBuilder(msgID int) *Builder {
	b := &Builder{buf: make([]byte, 0, 128)}
	b.Int(msgID)
	return b
}

// Str appends a string field.
func (b *Builder) Str(s string) *Builder {
	b.buf = append(b.buf, s...)
	b.buf = append(b.buf, 0)
	return b
}

// Int appends an integer field.
func (b *Builder) Int(n int) *Builder {
	return b.Str(strconv.Itoa(n))
}

// Int64 appends a 64-bit integer field.
func (b *Builder) Int64(n int64) *Builder {
	return b.Str(strconv.FormatInt(n, 10))
}

// Bool appends a boolean as "1" or "0".
func (b *Builder) Bool(v bool) *Builder {
	if v {
		return b.Str("1")
	}
	return b.Str("0")
}

// Decimal appends a decimal field.
func (b *Builder) Decimal(d decimal.Decimal) *Builder {
	return b.Str(d.String())
}

// OptDecimal appends a decimal field, or the empty field when d is zero.
// The protocol uses the empty string for unset numeric values.
func (b *Builder) OptDecimal(d decimal.Decimal) *Builder {
	if d.IsZero() {
		return b.Str("")
	}
	return b.Str(d.String())
}

// Empty appends n empty fields.
func (b *Builder) Empty(n int) *Builder {
	for i := 0; i < n; i++ {
		b.Str("")
	}
	return b
}

// Payload returns the encoded fields without the frame header.
func (b *Builder) Payload() []byte {
	return b.buf
}

// WriteTo frames the message onto w.
func (b *Builder) WriteTo(w io.Writer) error {
	return WriteFrame(w, b.buf)
}

// ------------------------------------------------------------------------
// Inbound field reader
// ------------------------------------------------------------------------

// fieldReader walks a field slice sequentially, latching the first error.
// Parsers read positionally and check Err once at the end.
type fieldReader struct {
	fields []string
	pos    int
	err    error
}

func newFieldReader(fields []string) *fieldReader {
	return &fieldReader{fields: fields}
}

func (r *fieldReader) Err() error { return r.err }

// Remaining reports how many unread fields are left.
func (r *fieldReader) Remaining() int { return len(r.fields) - r.pos }

func (r *fieldReader) Str() string {
	if r.err != nil {
		return ""
	}
	if r.pos >= len(r.fields) {
		r.err = fmt.Errorf("field %d: message truncated", r.pos)
		return ""
	}
	s := r.fields[r.pos]
	r.pos++
	return s
}

func (r *fieldReader) Skip(n int) {
	for i := 0; i < n && r.err == nil; i++ {
		r.Str()
	}
}

func (r *fieldReader) Int() int {
	s := r.Str()
	if r.err != nil || s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
		return 0
	}
	return n
}

func (r *fieldReader) Int64() int64 {
	s := r.Str()
	if r.err != nil || s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
		return 0
	}
	return n
}

func (r *fieldReader) Decimal() decimal.Decimal {
	s := r.Str()
	if r.err != nil || s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		r.err = fmt.Errorf("field %d: %w", r.pos-1, err)
		return decimal.Zero
	}
	return d
}
