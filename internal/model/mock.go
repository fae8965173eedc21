package model

import (
	"context"
	"fmt"
	"strings"
)

// MockModel provides deterministic local replies without a model service.
type MockModel struct {
	// ChunkRunes is the number of runes per streamed chunk.
	ChunkRunes int
}

var _ ChatModel = (*MockModel)(nil)

func NewMockModel() *MockModel { return &MockModel{ChunkRunes: 4} }

func (m *MockModel) Stream(ctx context.Context, req Request) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	reply := buildMockReply(req)
	size := m.ChunkRunes
	if size <= 0 {
		size = 4
	}
	runes := []rune(reply)
	chunks := make([]Chunk, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, Chunk{Content: string(runes[start:end])})
	}
	chunks = append(chunks, Chunk{FinishReason: "stop"})
	return NewSliceStream(chunks...), nil
}

func buildMockReply(req Request) string {
	var last Content
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	text := strings.TrimSpace(last.Text())
	switch {
	case text == "" && last.HasImage():
		return "画面里有一个正在玩游戏的人。"
	case text == "":
		return "我在听。"
	case last.HasImage():
		return fmt.Sprintf("我看到了画面，你说：%s", text)
	default:
		return fmt.Sprintf("我听到了：%s", text)
	}
}
