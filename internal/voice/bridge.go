package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/ent0n29/playmate/internal/model"
	"github.com/ent0n29/playmate/internal/reliability"
)

var errTTSClosedEarly = errors.New("tts stream closed before final event")

// BridgeStream turns a text stream into a stream of synthesized audio.
//
// A pump goroutine feeds text chunks to the TTS session while Next reads
// TTS events. Each sentence's transcript rides on the first audio chunk of
// that sentence, so joining every Transcript reproduces the spoken text.
type BridgeStream struct {
	tts    TTSStream
	text   model.Stream
	ctx    context.Context
	cancel context.CancelFunc

	pumpErr  chan error
	pumpDone chan struct{}

	mu      sync.Mutex
	sent    strings.Builder
	spoken  strings.Builder
	pending string
	err     error

	closeOnce sync.Once
}

var _ model.Stream = (*BridgeStream)(nil)

// Bridge starts forwarding text into tts. The bridge owns tts and closes
// it on Close. It never closes text.
func Bridge(ctx context.Context, tts TTSStream, text model.Stream) *BridgeStream {
	ctx, cancel := context.WithCancel(ctx)
	b := &BridgeStream{
		tts:      tts,
		text:     text,
		ctx:      ctx,
		cancel:   cancel,
		pumpErr:  make(chan error, 1),
		pumpDone: make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *BridgeStream) pump() {
	defer close(b.pumpDone)
	for {
		if b.ctx.Err() != nil {
			b.pumpErr <- b.ctx.Err()
			return
		}
		c, err := b.text.Next()
		if err == io.EOF {
			if err := b.tts.CloseInput(b.ctx); err != nil {
				b.pumpErr <- reliability.Upstream("tts", fmt.Errorf("close tts input: %w", err))
				return
			}
			b.pumpErr <- nil
			return
		}
		if err != nil {
			b.pumpErr <- err
			return
		}

		b.mu.Lock()
		delta := speechDelta(c.Content, b.sent.Len() > 0)
		b.sent.WriteString(delta)
		b.mu.Unlock()
		if delta == "" {
			continue
		}
		if err := b.tts.SendText(b.ctx, delta); err != nil {
			b.pumpErr <- reliability.Upstream("tts", fmt.Errorf("send tts text: %w", err))
			return
		}
	}
}

// Next returns the next audio chunk, io.EOF after the final TTS event, or
// the error that stopped synthesis. Errors are sticky.
func (b *BridgeStream) Next() (model.Chunk, error) {
	if b.err != nil {
		return model.Chunk{}, b.err
	}
	pumpErr := b.pumpErr
	events := b.tts.Events()
	for {
		select {
		case err := <-pumpErr:
			if err != nil {
				return b.fail(err)
			}
			// Input finished; keep draining audio.
			pumpErr = nil
			b.pumpErr = nil
		case ev, ok := <-events:
			if !ok {
				return b.fail(reliability.Upstream("tts", errTTSClosedEarly))
			}
			switch ev.Type {
			case TTSEventSentence:
				b.mu.Lock()
				b.pending += ev.Text
				b.mu.Unlock()
			case TTSEventAudio:
				b.mu.Lock()
				transcript := b.pending
				b.spoken.WriteString(transcript)
				b.pending = ""
				b.mu.Unlock()
				return model.Chunk{Audio: ev.Audio, Transcript: transcript}, nil
			case TTSEventFinal:
				b.mu.Lock()
				rest := b.pending
				b.spoken.WriteString(rest)
				b.pending = ""
				b.mu.Unlock()
				b.err = io.EOF
				if rest != "" {
					return model.Chunk{Transcript: rest}, nil
				}
				return model.Chunk{}, io.EOF
			case TTSEventError:
				return b.fail(reliability.Upstream("tts", fmt.Errorf("tts %s: %s", ev.Code, ev.Detail)))
			}
		case <-b.ctx.Done():
			return b.fail(b.ctx.Err())
		}
	}
}

func (b *BridgeStream) fail(err error) (model.Chunk, error) {
	b.err = err
	return model.Chunk{}, err
}

// Close releases the TTS session and waits for the pump to stop reading
// the text stream, after which the caller may read it directly.
func (b *BridgeStream) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		err = b.tts.Close()
		<-b.pumpDone
	})
	return err
}

// Unspoken returns text taken from the text stream that has not been
// reported in any transcript yet. Only meaningful after Close.
func (b *BridgeStream) Unspoken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return remainderAfter(b.sent.String(), b.spoken.String())
}

// remainderAfter strips the prefix of sent covered by spoken. Synthesis
// may normalize punctuation and spacing, so the two are aligned by the count
// of letters and digits rather than byte for byte.
func remainderAfter(sent, spoken string) string {
	want := 0
	for _, r := range spoken {
		if countsForAlignment(r) {
			want++
		}
	}
	if want == 0 {
		return sent
	}
	seen := 0
	for i, r := range sent {
		if !countsForAlignment(r) {
			continue
		}
		seen++
		if seen == want {
			rest := sent[i+utf8.RuneLen(r):]
			return strings.TrimLeftFunc(rest, func(r rune) bool {
				return !countsForAlignment(r) && !isOpening(r)
			})
		}
	}
	return ""
}

func countsForAlignment(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

// isOpening reports punctuation that belongs to the text after it.
func isOpening(r rune) bool {
	return unicode.Is(unicode.Ps, r) || unicode.Is(unicode.Pi, r)
}
