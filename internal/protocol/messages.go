package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNoAudio  = errors.New("message has no audio_data")
	ErrBadAudio = errors.New("audio_data is not valid base64")
)

// ClientAudioChunk is a text message sent by the client on /ws/asr.
// Sequence is optional; when absent the gateway continues from the
// previous number.
type ClientAudioChunk struct {
	AudioData string `json:"audio_data"`
	Sequence  *int32 `json:"sequence,omitempty"`
}

// ErrorEvent is sent to the client before the gateway gives up on a session.
type ErrorEvent struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// ParseClientAudioChunk decodes one client message and its PCM bytes.
// ErrNoAudio is returned only when the audio_data key is absent.
func ParseClientAudioChunk(raw []byte) (ClientAudioChunk, []byte, error) {
	var wire struct {
		AudioData *string `json:"audio_data"`
		Sequence  *int32  `json:"sequence"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ClientAudioChunk{}, nil, fmt.Errorf("invalid client message: %w", err)
	}
	if wire.AudioData == nil {
		return ClientAudioChunk{Sequence: wire.Sequence}, nil, ErrNoAudio
	}
	msg := ClientAudioChunk{AudioData: *wire.AudioData, Sequence: wire.Sequence}
	// An empty audio_data is still a frame; upstream sees a zero-length payload.
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		return msg, nil, fmt.Errorf("%w: %v", ErrBadAudio, err)
	}
	return msg, pcm, nil
}
