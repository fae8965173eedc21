package session

import (
	"context"
	"errors"
)

// Role names the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrNotFound = errors.New("session not found")

// Turn is one utterance in a conversation. Turns are never edited after
// they are appended.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Store holds the ordered turn history of every session.
//
// Operations on the same id are linearizable. Operations on different ids
// must not block each other for longer than a map lookup.
type Store interface {
	// Ensure creates an empty session if id is unknown and reports whether
	// this call created it.
	Ensure(ctx context.Context, id string) (bool, error)
	// History returns a copy of the turns of id in append order.
	History(ctx context.Context, id string) ([]Turn, error)
	// Append adds turns to id as one atomic batch.
	Append(ctx context.Context, id string, turns ...Turn) error
	Contains(ctx context.Context, id string) (bool, error)
	// Keys lists every known session id. Used for diagnostics.
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
