package dispatch

import (
	"context"

	"github.com/bowerhall/magritte/internal/session"
)

// Inbound is one user message after transport-level assembly: media
// groups are already merged, photos are ordered by arrival.
type Inbound struct {
	ChatID  string
	UserKey string
	Text    string
	Photos  []session.PhotoRef
}

// Command is a recognized bot command. Anything else a user types is
// treated as a prompt.
type Command struct {
	ChatID  string
	UserKey string
	Name    string // "start" or "swap"
}

// Selection is a model picked from the selection keyboard.
type Selection struct {
	ChatID  string
	UserKey string
	ModelID string
}

// ModelOption is one row of the model-selection keyboard.
type ModelOption struct {
	ID    string
	Label string
}

// Handler is what a chat transport drives. Implemented by Dispatcher.
type Handler interface {
	HandleMessage(ctx context.Context, in Inbound)
	HandleCommand(ctx context.Context, cmd Command)
	SelectModel(ctx context.Context, sel Selection) error
}

// Messenger is the outbound side of a chat transport. Status and
// picker messages return handles so they can be dismissed later;
// deletes are best effort.
type Messenger interface {
	SendText(ctx context.Context, chatID, text string) error
	SendImage(ctx context.Context, chatID string, data []byte) error
	SendStatus(ctx context.Context, chatID, text string) (session.MessageRef, error)
	SendModelPicker(ctx context.Context, chatID, text string, options []ModelOption) (session.MessageRef, error)
	DeleteMessage(ctx context.Context, ref session.MessageRef) error
	FetchPhoto(ctx context.Context, fileID string) (data []byte, ext string, err error)
}
