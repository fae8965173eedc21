package model

import (
	"context"
	"io"
	"strings"
)

// Chunk is one piece of a model response. Audio and Transcript are only
// set once a chunk has been through speech synthesis.
type Chunk struct {
	Content      string
	Audio        []byte
	Transcript   string
	FinishReason string
}

// Stream yields chunks in production order. Next returns io.EOF after the
// last chunk. Close must be called by the consumer and is safe to call
// more than once.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Request is a chat completion request for one model endpoint.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ChatModel opens streaming chat completions.
type ChatModel interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// SliceStream replays fixed chunks.
type SliceStream struct {
	chunks []Chunk
	pos    int
}

func NewSliceStream(chunks ...Chunk) *SliceStream {
	return &SliceStream{chunks: chunks}
}

func (s *SliceStream) Next() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *SliceStream) Close() error { return nil }

// Prepend returns a stream that yields head before the rest of tail.
// Closing it closes tail.
func Prepend(tail Stream, head ...Chunk) Stream {
	if len(head) == 0 {
		return tail
	}
	return &prependStream{head: head, tail: tail}
}

type prependStream struct {
	head []Chunk
	tail Stream
}

func (s *prependStream) Next() (Chunk, error) {
	if len(s.head) > 0 {
		c := s.head[0]
		s.head = s.head[1:]
		return c, nil
	}
	return s.tail.Next()
}

func (s *prependStream) Close() error { return s.tail.Close() }

// Collect drains s and joins the text content. The stream is closed.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for {
		c, err := s.Next()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(c.Content)
	}
}
