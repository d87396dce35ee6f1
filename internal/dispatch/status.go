package dispatch

import (
	"context"

	"github.com/bowerhall/magritte/internal/logger"
	"github.com/bowerhall/magritte/internal/session"
)

// User-facing texts for the transient status messages.
const (
	msgChooseModel    = "Choose a model."
	msgGreeting       = "Hi! Choose a model."
	msgInstruction    = "Model selected. Now send the prompt (and optionally photos) in one message."
	msgNeedPrompt     = "Send the prompt as text."
	msgPhotosReceived = "Got the photos. Now send the prompt as text."
	msgPhotosQueued   = "Got the photos. Generating the previous request, send the prompt after."
	msgPleaseWait     = "Still generating the previous request. Wait and send it again."
	msgGenerating     = "Generating..."
	msgFailed         = "Generation failed."
	msgNoSuchModel    = "that model is not available"
)

// show creates the status message for a kind, replacing a previous live
// one so at most a single message per session+kind exists.
func (d *Dispatcher) show(ctx context.Context, sess *session.Session, chatID string, kind session.StatusKind, text string) {
	ref, err := d.messenger.SendStatus(ctx, chatID, text)
	if err != nil {
		logger.Warn("failed to send status message", "kind", kind, "error", err)
		return
	}

	if prev, had := sess.PutStatus(kind, ref); had {
		d.deleteRef(ctx, prev)
	}
}

// dismiss removes the live status message for a kind, if any.
func (d *Dispatcher) dismiss(ctx context.Context, sess *session.Session, kind session.StatusKind) {
	if ref, ok := sess.TakeStatus(kind); ok {
		d.deleteRef(ctx, ref)
	}
}

// dismissAll clears every tracked status message except the kinds to
// keep. Used when a dispatch cycle starts or ends.
func (d *Dispatcher) dismissAll(ctx context.Context, sess *session.Session, keep ...session.StatusKind) {
	for _, ref := range sess.TakeAllStatuses(keep...) {
		d.deleteRef(ctx, ref)
	}
}

func (d *Dispatcher) deleteRef(ctx context.Context, ref session.MessageRef) {
	if err := d.messenger.DeleteMessage(ctx, ref); err != nil {
		// the handle is dropped either way; a stray message beats a
		// stuck session
		logger.Debug("failed to delete status message", "chat", ref.ChatID, "message", ref.MessageID, "error", err)
	}
}
