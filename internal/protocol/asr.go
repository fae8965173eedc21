package protocol

import (
	"encoding/json"
	"fmt"
)

// ASRAudio describes the PCM stream the client captures.
type ASRAudio struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Bits       int    `json:"bits"`
	Channel    int    `json:"channel"`
}

// ASRRequest selects recognition behaviour on the upstream service.
type ASRRequest struct {
	ModelName         string `json:"model_name"`
	ResultType        string `json:"result_type"`
	ShowUtterances    bool   `json:"show_utterances"`
	EndWindowSize     int    `json:"end_window_size"`
	ForceToSpeechTime int    `json:"force_to_speech_time"`
}

type ASRUser struct {
	UID string `json:"uid"`
}

// ASRInitPayload is the JSON body of the session-opening request.
type ASRInitPayload struct {
	User    ASRUser    `json:"user"`
	Audio   ASRAudio   `json:"audio"`
	Request ASRRequest `json:"request"`
}

// DefaultASRInitPayload returns the settings used for 16 kHz mono PCM from
// the browser client.
func DefaultASRInitPayload(uid string) ASRInitPayload {
	return ASRInitPayload{
		User: ASRUser{UID: uid},
		Audio: ASRAudio{
			Format:     "pcm",
			SampleRate: 16000,
			Bits:       16,
			Channel:    1,
		},
		Request: ASRRequest{
			ModelName:         "bigmodel",
			ResultType:        "single",
			ShowUtterances:    true,
			EndWindowSize:     600,
			ForceToSpeechTime: 1500,
		},
	}
}

// EncodeASRInit builds the full client request that opens an ASR session:
// JSON, gzip, positive sequence 1.
func EncodeASRInit(p ASRInitPayload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal asr init: %w", err)
	}
	return Encode(&Frame{
		Header:   NewHeader(FullClientRequest, PositiveSequence, SerializationJSON, CompressionGzip),
		Sequence: 1,
		Payload:  body,
	})
}

// EncodeASRAudio wraps raw PCM in an audio-only request with the given
// sequence number. The audio is sent uncompressed.
func EncodeASRAudio(seq int32, audio []byte) ([]byte, error) {
	return Encode(&Frame{
		Header:   NewHeader(AudioOnlyRequest, PositiveSequence, SerializationNone, CompressionNone),
		Sequence: seq,
		Payload:  audio,
	})
}

// ASRResult is what the client receives for a binary upstream frame.
type ASRResult struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// ASRAck is sent for SERVER_ACK frames.
type ASRAck struct {
	Type string `json:"type"`
}

type asrResponseBody struct {
	Result   json.RawMessage `json:"result"`
	Text     string          `json:"text"`
	Definite bool            `json:"definite"`
}

type asrUtterance struct {
	Text     string `json:"text"`
	Definite bool   `json:"definite"`
}

// ParseASRResponse converts an upstream binary frame into the JSON value
// forwarded to the client. ok is false when the frame carries nothing
// relayable: too short, undecodable, or of a type the client does not need.
func ParseASRResponse(data []byte) (msg any, ok bool) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, false
	}
	switch h.MessageType {
	case FullServerResponse:
		f, err := Decode(data)
		if err != nil || len(f.Payload) == 0 {
			return nil, false
		}
		res, ok := parseASRBody(f.Payload)
		if !ok {
			return nil, false
		}
		return res, true
	case ServerACK:
		return ASRAck{Type: "ack"}, true
	default:
		return nil, false
	}
}

// parseASRBody tries the payload as gzip then JSON, falling back to raw JSON.
func parseASRBody(payload []byte) (ASRResult, bool) {
	var body asrResponseBody
	if plain, err := Gunzip(payload); err == nil && json.Unmarshal(plain, &body) == nil {
		return body.result(), true
	}
	body = asrResponseBody{}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ASRResult{}, false
	}
	return body.result(), true
}

func (b asrResponseBody) result() ASRResult {
	var list []asrUtterance
	if len(b.Result) > 0 && json.Unmarshal(b.Result, &list) == nil && len(list) > 0 {
		return ASRResult{Text: list[0].Text, IsFinal: list[0].Definite}
	}
	// The bigmodel service also sends result as a single object.
	var single asrUtterance
	if len(b.Result) > 0 && json.Unmarshal(b.Result, &single) == nil && single.Text != "" {
		return ASRResult{Text: single.Text, IsFinal: single.Definite}
	}
	return ASRResult{Text: b.Text, IsFinal: b.Definite}
}
