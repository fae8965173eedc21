package voice

import "context"

type TTSEventType string

const (
	TTSEventAudio    TTSEventType = "audio"
	TTSEventSentence TTSEventType = "sentence"
	TTSEventFinal    TTSEventType = "final"
	TTSEventError    TTSEventType = "error"
)

// TTSEvent is produced by a synthesis stream. Sentence events carry the
// text of the sentence whose audio follows.
type TTSEvent struct {
	Type   TTSEventType
	Audio  []byte
	Text   string
	Code   string
	Detail string
}

type TTSOptions struct {
	Speaker    string
	Format     string
	SampleRate int
}

// TTSStream is one synthesis session. Events is closed after the final or
// error event, or when the stream is closed.
type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, opts TTSOptions) (TTSStream, error)
}
