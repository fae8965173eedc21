package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType enumerates the structured content parts clients may send.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

var ErrUnsupportedPart = errors.New("unsupported content part type")

// Part is one element of structured content.
type Part struct {
	Type     PartType
	Text     string
	ImageURL string
}

func TextPart(text string) Part { return Part{Type: PartText, Text: text} }

func ImagePart(url string) Part { return Part{Type: PartImageURL, ImageURL: url} }

type wirePart struct {
	Type     PartType `json:"type"`
	Text     *string  `json:"text,omitempty"`
	ImageURL *struct {
		URL    string `json:"url"`
		Detail string `json:"detail,omitempty"`
	} `json:"image_url,omitempty"`
}

func (p Part) MarshalJSON() ([]byte, error) {
	w := wirePart{Type: p.Type}
	switch p.Type {
	case PartText:
		text := p.Text
		w.Text = &text
	case PartImageURL:
		w.ImageURL = &struct {
			URL    string `json:"url"`
			Detail string `json:"detail,omitempty"`
		}{URL: p.ImageURL}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPart, p.Type)
	}
	return json.Marshal(w)
}

func (p *Part) UnmarshalJSON(raw []byte) error {
	var w wirePart
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}
	switch w.Type {
	case PartText:
		*p = Part{Type: PartText}
		if w.Text != nil {
			p.Text = *w.Text
		}
	case PartImageURL:
		if w.ImageURL == nil || w.ImageURL.URL == "" {
			return errors.New("image_url part without url")
		}
		*p = Part{Type: PartImageURL, ImageURL: w.ImageURL.URL}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedPart, w.Type)
	}
	return nil
}

// Content is either plain text or a list of parts. Which one is decided
// once, when the request is decoded.
type Content struct {
	text       string
	parts      []Part
	structured bool
}

func PlainText(text string) Content { return Content{text: text} }

func StructuredParts(parts ...Part) Content {
	return Content{parts: append([]Part(nil), parts...), structured: true}
}

func (c Content) IsStructured() bool { return c.structured }

func (c Content) Parts() []Part {
	if !c.structured {
		if c.text == "" {
			return nil
		}
		return []Part{TextPart(c.text)}
	}
	return append([]Part(nil), c.parts...)
}

// Text joins every text part. Image parts contribute nothing.
func (c Content) Text() string {
	if !c.structured {
		return c.text
	}
	var b strings.Builder
	for _, p := range c.parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (c Content) HasImage() bool {
	for _, p := range c.parts {
		if p.Type == PartImageURL {
			return true
		}
	}
	return false
}

// IsEmpty reports content with no text and no image.
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text()) == "" && !c.HasImage()
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.structured {
		if c.parts == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.parts)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		*c = Content{}
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*c = PlainText(s)
	case raw[0] == '[':
		var parts []Part
		if err := json.Unmarshal(raw, &parts); err != nil {
			return err
		}
		*c = Content{parts: parts, structured: true}
	default:
		return errors.New("content must be a string or an array of parts")
	}
	return nil
}

// Message is a single chat message.
type Message struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

func SystemMessage(text string) Message { return Message{Role: RoleSystem, Content: PlainText(text)} }

func UserMessage(c Content) Message { return Message{Role: RoleUser, Content: c} }

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: PlainText(text)}
}
