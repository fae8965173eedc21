package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Frame layout shared by the speech services:
//
//	byte 0  version(4) | header_size(4)    header_size counts 4-byte words
//	byte 1  message_type(4) | flags(4)
//	byte 2  serialization(4) | compression(4)
//	byte 3  reserved
//	[sequence int32]          flags PositiveSequence or NegativeSequence
//	[error code uint32]       message_type Error
//	[event int32]             flags WithEvent
//	[session id len + bytes]  session-level events
//	[connect id len + bytes]  ConnectionStarted/Failed/Finished
//	payload size uint32, payload
//
// All integers are big-endian.

const (
	Version1 uint8 = 0b0001

	headerWords = 1
	headerLen   = headerWords * 4
)

// MessageType is the high nibble of header byte 1.
type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	// ServerACK doubles as the audio-only response type on the TTS service.
	ServerACK        MessageType = 0b1011
	FrontEndResponse MessageType = 0b1100
	ErrorResponse    MessageType = 0b1111
)

func (t MessageType) String() string {
	switch t {
	case FullClientRequest:
		return "full_client_request"
	case AudioOnlyRequest:
		return "audio_only_request"
	case FullServerResponse:
		return "full_server_response"
	case ServerACK:
		return "server_ack"
	case FrontEndResponse:
		return "frontend_response"
	case ErrorResponse:
		return "error"
	default:
		return fmt.Sprintf("unknown(%#x)", uint8(t))
	}
}

// Flags is the low nibble of header byte 1.
type Flags uint8

const (
	NoSequence       Flags = 0b0000
	PositiveSequence Flags = 0b0001
	LastNoSequence   Flags = 0b0010
	NegativeSequence Flags = 0b0011
	WithEvent        Flags = 0b0100
)

// HasSequence reports whether a sequence number follows the header.
func (f Flags) HasSequence() bool {
	return f == PositiveSequence || f == NegativeSequence
}

// Serialization is the high nibble of header byte 2.
type Serialization uint8

const (
	SerializationNone   Serialization = 0b0000
	SerializationJSON   Serialization = 0b0001
	SerializationThrift Serialization = 0b0011
)

// Compression is the low nibble of header byte 2.
type Compression uint8

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

var (
	ErrShortFrame  = errors.New("frame too short")
	ErrBadHeader   = errors.New("invalid frame header")
	ErrTruncated   = errors.New("frame truncated")
	errFieldTooBig = errors.New("field exceeds frame")
)

// Header is the fixed 4-byte prefix of every frame.
type Header struct {
	Version       uint8
	HeaderSize    uint8
	MessageType   MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
	Reserved      uint8
}

// NewHeader returns a version 1 header of the minimal size.
func NewHeader(t MessageType, flags Flags, s Serialization, c Compression) Header {
	return Header{
		Version:       Version1,
		HeaderSize:    headerWords,
		MessageType:   t,
		Flags:         flags,
		Serialization: s,
		Compression:   c,
	}
}

// Bytes packs the header fields into their wire nibbles.
func (h Header) Bytes() [4]byte {
	return [4]byte{
		h.Version<<4 | h.HeaderSize&0x0f,
		uint8(h.MessageType)<<4 | uint8(h.Flags)&0x0f,
		uint8(h.Serialization)<<4 | uint8(h.Compression)&0x0f,
		h.Reserved,
	}
}

// ParseHeader decodes the first four bytes of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < headerLen {
		return Header{}, ErrShortFrame
	}
	h := Header{
		Version:       data[0] >> 4,
		HeaderSize:    data[0] & 0x0f,
		MessageType:   MessageType(data[1] >> 4),
		Flags:         Flags(data[1] & 0x0f),
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0f),
		Reserved:      data[3],
	}
	if h.HeaderSize == 0 {
		return Header{}, ErrBadHeader
	}
	return h, nil
}

// Frame is a decoded message. Payload is kept as it travels on the wire;
// use Body to undo compression.
type Frame struct {
	Header
	Sequence  int32
	ErrorCode uint32
	Event     Event
	SessionID string
	ConnectID string
	Payload   []byte
}

// Body returns the payload, gunzipped when the header says so.
func (f *Frame) Body() ([]byte, error) {
	if f.Compression == CompressionGzip && len(f.Payload) > 0 {
		return Gunzip(f.Payload)
	}
	return f.Payload, nil
}

// Encode serialises f. When the header selects gzip, Payload is compressed
// here so callers always hand over plain bytes.
func Encode(f *Frame) ([]byte, error) {
	if f.HeaderSize == 0 {
		f.HeaderSize = headerWords
	}
	if f.Version == 0 {
		f.Version = Version1
	}

	buf := new(bytes.Buffer)
	head := f.Header.Bytes()
	buf.Write(head[:])
	for i := 1; i < int(f.HeaderSize); i++ {
		buf.Write([]byte{0, 0, 0, 0})
	}

	if f.MessageType == ErrorResponse {
		_ = binary.Write(buf, binary.BigEndian, f.ErrorCode)
	} else if f.Flags.HasSequence() {
		_ = binary.Write(buf, binary.BigEndian, f.Sequence)
	}

	if f.Flags == WithEvent {
		_ = binary.Write(buf, binary.BigEndian, int32(f.Event))
		if f.Event.carriesSessionID() {
			writeString(buf, f.SessionID)
		}
		if f.Event.carriesConnectID() {
			writeString(buf, f.ConnectID)
		}
	}

	payload := f.Payload
	if f.Compression == CompressionGzip && len(payload) > 0 {
		compressed, err := Gzip(payload)
		if err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		payload = compressed
	}
	_ = binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses one frame. Short or inconsistent input is reported as an
// error; the payload is not decompressed.
func Decode(data []byte) (*Frame, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	skip := int(h.HeaderSize) * 4
	if len(data) < skip {
		return nil, ErrTruncated
	}
	r := reader{data: data, off: skip}
	f := &Frame{Header: h}

	if h.MessageType == ErrorResponse {
		if f.ErrorCode, err = r.uint32(); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	} else if h.Flags.HasSequence() {
		seq, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
		f.Sequence = int32(seq)
	}

	if h.Flags == WithEvent {
		ev, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		f.Event = Event(int32(ev))
		if f.Event.carriesSessionID() {
			if f.SessionID, err = r.string(); err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
		}
		if f.Event.carriesConnectID() {
			if f.ConnectID, err = r.string(); err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
		}
	}

	size, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if f.Payload, err = r.bytes(int(size)); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return f, nil
}

// Gzip compresses data.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses data.
func Gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) uint32() (uint32, error) {
	if len(r.data)-r.off < 4 {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.off < n {
		return nil, errFieldTooBig
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n
	return out, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
