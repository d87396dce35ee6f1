package bot

import (
	"context"

	"github.com/bowerhall/magritte/internal/dispatch"
)

// Bot is a chat transport. It feeds inbound events to a
// dispatch.Handler and doubles as the dispatcher's outbound Messenger.
type Bot interface {
	dispatch.Messenger

	Start(ctx context.Context) error
	SetHandler(h dispatch.Handler)
}

// maxImageSize caps photo downloads (20MB).
const maxImageSize = 20 * 1024 * 1024

// modelCallbackPrefix tags model-selection button callbacks on both
// transports.
const modelCallbackPrefix = "model:"
