// Package dispatch holds the per-session generation state machine: it
// decides, for every inbound message, whether to buffer photos, merge
// them with an arriving prompt, or start a generation call, while
// keeping the transient status messages consistent.
package dispatch

import (
	"context"
	"strings"

	"github.com/bowerhall/magritte/internal/catalog"
	"github.com/bowerhall/magritte/internal/generate"
	"github.com/bowerhall/magritte/internal/logger"
	"github.com/bowerhall/magritte/internal/media"
	"github.com/bowerhall/magritte/internal/prefs"
	"github.com/bowerhall/magritte/internal/session"
	"github.com/google/uuid"
)

type Dispatcher struct {
	sessions  *session.Store
	registry  *catalog.Registry
	prefs     prefs.Store
	generator generate.Generator
	staging   *media.Staging
	messenger Messenger
}

var _ Handler = (*Dispatcher)(nil)

type Options struct {
	Registry        *catalog.Registry
	Prefs           prefs.Store
	Generator       generate.Generator
	Staging         *media.Staging
	Messenger       Messenger
	PendingPhotoCap int
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		sessions:  session.NewStore(opts.PendingPhotoCap),
		registry:  opts.Registry,
		prefs:     opts.Prefs,
		generator: opts.Generator,
		staging:   opts.Staging,
		messenger: opts.Messenger,
	}
}

// Session returns the per-user session, creating it on first use.
func (d *Dispatcher) Session(userKey string) *session.Session {
	return d.sessions.Get(userKey)
}

// HandleMessage runs one inbound message through the state machine.
// Transports call it from their own per-update goroutine; messages from
// the same user serialize on the session's internal lock.
func (d *Dispatcher) HandleMessage(ctx context.Context, in Inbound) {
	sess := d.sessions.Get(in.UserKey)
	prompt := strings.TrimSpace(in.Text)

	if prompt == "" {
		d.handlePromptless(ctx, sess, in)
		return
	}

	// the selection read is a storage round trip; keep it out of the
	// acquire-and-drain critical section below
	modelID := d.selectedModel(in.UserKey)
	if _, ok := d.registry.Get(modelID); modelID == "" || !ok {
		// keep the upload: it drains into the prompt sent once a
		// model is picked
		sess.AddPhotos(in.Photos...)
		d.dismissAll(ctx, sess, session.StatusPhotosReceived)
		d.offerModelPicker(ctx, sess, in.ChatID, false)
		return
	}

	// claiming the flight slot, merging the attached photos and
	// draining the buffer happen under one session lock hold, so a
	// photos-only message handled concurrently lands either in this
	// batch or in the next one. While a generation is in flight the
	// photos are buffered for the next dispatch.
	photos, ok := sess.TryBeginGeneration(in.Photos)
	if !ok {
		d.show(ctx, sess, in.ChatID, session.StatusPleaseWait, msgPleaseWait)
		return
	}

	d.dismissAll(ctx, sess)
	d.show(ctx, sess, in.ChatID, session.StatusGenerating, msgGenerating)

	d.runGeneration(ctx, sess, in, modelID, prompt, photos)
}

func (d *Dispatcher) handlePromptless(ctx context.Context, sess *session.Session, in Inbound) {
	if len(in.Photos) == 0 {
		if !sess.Generating() {
			d.dismissAll(ctx, sess)
		}
		d.show(ctx, sess, in.ChatID, session.StatusInstruction, msgNeedPrompt)
		return
	}

	busy := sess.Generating()
	if !busy {
		d.dismissAll(ctx, sess)
	}

	sess.AddPhotos(in.Photos...)

	text := msgPhotosReceived
	if busy {
		text = msgPhotosQueued
	}
	d.show(ctx, sess, in.ChatID, session.StatusPhotosReceived, text)
}

// runGeneration owns the acquired flight slot and always releases it.
// Every status shown before or during the call is dismissed on both
// the success and the failure path.
func (d *Dispatcher) runGeneration(ctx context.Context, sess *session.Session, in Inbound, modelID, prompt string, photos []session.PhotoRef) {
	reqID := uuid.New().String()[:8]
	logger.Info("generation dispatched", "req", reqID, "user", in.UserKey, "model", modelID, "photos", len(photos))

	var paths []string
	defer func() {
		d.staging.Cleanup(paths)
		sess.Release()
	}()

	fail := func(stage string, err error) {
		logger.Error("generation failed", "req", reqID, "user", in.UserKey, "stage", stage, "error", err)
		// photos buffered while we were busy keep their status message
		d.dismissAll(ctx, sess, session.StatusPhotosReceived)
		if err := d.messenger.SendText(ctx, in.ChatID, msgFailed); err != nil {
			logger.Error("failed to report generation failure", "req", reqID, "error", err)
		}
	}

	for i, photo := range photos {
		data, ext, err := d.messenger.FetchPhoto(ctx, photo.FileID)
		if err != nil {
			fail("fetch", err)
			return
		}
		path, err := d.staging.Stage(in.UserKey, i+1, data, ext)
		if err != nil {
			fail("stage", err)
			return
		}
		paths = append(paths, path)
	}

	image, err := d.generator.Generate(ctx, modelID, prompt, paths)
	if err != nil {
		fail("generate", err)
		return
	}

	if err := d.messenger.SendImage(ctx, in.ChatID, image); err != nil {
		fail("send", err)
		return
	}

	d.dismissAll(ctx, sess, session.StatusPhotosReceived)
	logger.Info("generation completed", "req", reqID, "user", in.UserKey, "bytes", len(image))
}

// HandleCommand reacts to the start and swap commands; both lead to the
// model-selection keyboard.
func (d *Dispatcher) HandleCommand(ctx context.Context, cmd Command) {
	sess := d.sessions.Get(cmd.UserKey)

	if !sess.Generating() {
		d.dismissAll(ctx, sess)
	}

	d.offerModelPicker(ctx, sess, cmd.ChatID, cmd.Name == "start")
}

// SelectModel records a model choice. A swap during an in-flight
// generation takes effect for the next dispatch only; the running call
// already captured its model id.
func (d *Dispatcher) SelectModel(ctx context.Context, sel Selection) error {
	model, ok := d.registry.Get(sel.ModelID)
	if !ok {
		return &generate.Failure{Reason: msgNoSuchModel}
	}

	if err := d.prefs.SetSelectedModel(sel.UserKey, sel.ModelID); err != nil {
		// degraded, not fatal: the selection just will not survive a
		// restart
		logger.Warn("failed to persist model selection", "user", sel.UserKey, "error", err)
	}

	sess := d.sessions.Get(sel.UserKey)
	d.dismiss(ctx, sess, session.StatusModelPicker)
	if !sess.Generating() {
		d.dismissAll(ctx, sess, session.StatusPhotosReceived)
	}

	logger.Info("model selected", "user", sel.UserKey, "model", model.ID)
	d.show(ctx, sess, sel.ChatID, session.StatusInstruction, msgInstruction)

	return nil
}

func (d *Dispatcher) offerModelPicker(ctx context.Context, sess *session.Session, chatID string, greeting bool) {
	options := make([]ModelOption, 0, len(d.registry.All()))
	for _, model := range d.registry.All() {
		options = append(options, ModelOption{ID: model.ID, Label: model.ID})
	}

	text := msgChooseModel
	if greeting {
		text = msgGreeting
	}

	ref, err := d.messenger.SendModelPicker(ctx, chatID, text, options)
	if err != nil {
		logger.Error("failed to send model picker", "error", err)
		return
	}

	if prev, had := sess.PutStatus(session.StatusModelPicker, ref); had {
		d.deleteRef(ctx, prev)
	}
}

func (d *Dispatcher) selectedModel(userKey string) string {
	modelID, err := d.prefs.SelectedModel(userKey)
	if err != nil {
		// storage trouble degrades to "nothing selected"
		logger.Warn("failed to read model selection", "user", userKey, "error", err)
		return ""
	}

	return modelID
}
