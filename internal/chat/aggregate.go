package chat

import (
	"bytes"
	"io"
	"strings"

	"github.com/ent0n29/playmate/internal/model"
)

// Aggregated is a whole response collected from a stream.
type Aggregated struct {
	Content      string
	Audio        []byte
	Transcript   string
	FinishReason string
}

// HasAudio reports whether any chunk carried speech.
func (a Aggregated) HasAudio() bool {
	return len(a.Audio) > 0 || a.Transcript != ""
}

// Aggregate drains s, keeping text and audio apart. The stream is closed.
func Aggregate(s model.Stream) (Aggregated, error) {
	defer s.Close()
	var (
		content    strings.Builder
		transcript strings.Builder
		audio      bytes.Buffer
		out        Aggregated
	)
	for {
		c, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Aggregated{}, err
		}
		content.WriteString(c.Content)
		transcript.WriteString(c.Transcript)
		audio.Write(c.Audio)
		if c.FinishReason != "" {
			out.FinishReason = c.FinishReason
		}
	}
	out.Content = content.String()
	out.Transcript = transcript.String()
	if audio.Len() > 0 {
		out.Audio = audio.Bytes()
	}
	if out.FinishReason == "" {
		out.FinishReason = "stop"
	}
	return out, nil
}
