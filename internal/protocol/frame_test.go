package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
)

func TestHeaderBytesMatchKnownPrefixes(t *testing.T) {
	initHead := NewHeader(FullClientRequest, PositiveSequence, SerializationJSON, CompressionGzip).Bytes()
	if initHead != [4]byte{0x11, 0x11, 0x11, 0x00} {
		t.Fatalf("init header = % x, want 11 11 11 00", initHead)
	}
	audio := NewHeader(AudioOnlyRequest, PositiveSequence, SerializationNone, CompressionNone).Bytes()
	if audio != [4]byte{0x11, 0x21, 0x00, 0x00} {
		t.Fatalf("audio header = % x, want 11 21 00 00", audio)
	}
}

func TestEncodeASRInitRoundTrip(t *testing.T) {
	payload := DefaultASRInitPayload("tester")
	want, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	raw, err := EncodeASRInit(payload)
	if err != nil {
		t.Fatalf("EncodeASRInit() error = %v", err)
	}
	h, err := ParseHeader(raw)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.MessageType != FullClientRequest {
		t.Fatalf("MessageType = %v, want %v", h.MessageType, FullClientRequest)
	}

	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f.Sequence != 1 {
		t.Fatalf("Sequence = %d, want 1", f.Sequence)
	}
	body, err := f.Body()
	if err != nil {
		t.Fatalf("Body() error = %v", err)
	}
	if !bytes.Equal(body, want) {
		t.Fatalf("body = %s, want %s", body, want)
	}

	var decoded map[string]map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded["audio"]["sample_rate"] != float64(16000) || decoded["request"]["end_window_size"] != float64(600) {
		t.Fatalf("unexpected init payload: %s", body)
	}
}

func TestEncodeASRAudioLayout(t *testing.T) {
	raw, err := EncodeASRAudio(42, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("EncodeASRAudio() error = %v", err)
	}
	if len(raw) != 4+4+4+3 {
		t.Fatalf("len = %d, want 15", len(raw))
	}
	if seq := binary.BigEndian.Uint32(raw[4:8]); seq != 42 {
		t.Fatalf("sequence = %d, want 42", seq)
	}
	if size := binary.BigEndian.Uint32(raw[8:12]); size != 3 {
		t.Fatalf("payload size = %d, want 3", size)
	}
}

func TestEventFrameRoundTrip(t *testing.T) {
	in := &Frame{
		Header:    NewHeader(FullClientRequest, WithEvent, SerializationJSON, CompressionNone),
		Event:     EventTaskRequest,
		SessionID: "sess-1",
		Payload:   []byte(`{"text":"hi"}`),
	}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.Event != EventTaskRequest || out.SessionID != "sess-1" || string(out.Payload) != `{"text":"hi"}` {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestConnectionEventCarriesConnectIDOnly(t *testing.T) {
	raw, err := Encode(&Frame{
		Header:    NewHeader(FullServerResponse, WithEvent, SerializationJSON, CompressionNone),
		Event:     EventConnectionStarted,
		ConnectID: "conn-9",
		Payload:   []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.ConnectID != "conn-9" || out.SessionID != "" {
		t.Fatalf("ids = (%q, %q), want (\"\", conn-9)", out.SessionID, out.ConnectID)
	}
}

func TestErrorFrameCarriesCode(t *testing.T) {
	raw, err := Encode(&Frame{
		Header:    NewHeader(ErrorResponse, NoSequence, SerializationJSON, CompressionNone),
		ErrorCode: 45000001,
		Payload:   []byte(`{"error":"bad"}`),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if out.ErrorCode != 45000001 {
		t.Fatalf("ErrorCode = %d, want 45000001", out.ErrorCode)
	}
}

func TestDecodeRejectsTruncatedFrames(t *testing.T) {
	if _, err := Decode([]byte{0x11}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("error = %v, want ErrShortFrame", err)
	}
	raw, _ := EncodeASRAudio(1, []byte{1, 2, 3, 4})
	if _, err := Decode(raw[:len(raw)-2]); err == nil {
		t.Fatalf("error = nil, want truncation error")
	}
	if _, err := Decode([]byte{0x10, 0x90, 0x10, 0x00, 0, 0, 0, 0}); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("error = %v, want ErrBadHeader", err)
	}
}
