package dispatch

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bowerhall/magritte/internal/catalog"
	"github.com/bowerhall/magritte/internal/generate"
	"github.com/bowerhall/magritte/internal/media"
	"github.com/bowerhall/magritte/internal/prefs"
	"github.com/bowerhall/magritte/internal/session"
)

type genCall struct {
	Model  string
	Prompt string
	Images []string // staged file contents, in order
}

type fakeGenerator struct {
	mu      sync.Mutex
	calls   []genCall
	err     error
	started chan string   // receives the model id when a call begins
	release chan struct{} // blocks the call until closed/sent
}

func (g *fakeGenerator) Generate(ctx context.Context, modelID, prompt string, imagePaths []string) ([]byte, error) {
	// read staged files before the dispatcher cleans them up
	var images []string
	for _, path := range imagePaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		images = append(images, string(data))
	}

	g.mu.Lock()
	g.calls = append(g.calls, genCall{Model: modelID, Prompt: prompt, Images: images})
	g.mu.Unlock()

	if g.started != nil {
		g.started <- modelID
	}
	if g.release != nil {
		<-g.release
	}

	if g.err != nil {
		return nil, g.err
	}

	return []byte("generated"), nil
}

func (g *fakeGenerator) Calls() []genCall {
	g.mu.Lock()
	defer g.mu.Unlock()

	copied := make([]genCall, len(g.calls))
	copy(copied, g.calls)

	return copied
}

type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int
	texts   []string
	images  int
	pickers int
	deleted []session.MessageRef
}

func (m *fakeMessenger) SendText(ctx context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeMessenger) SendImage(ctx context.Context, chatID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images++
	return nil
}

func (m *fakeMessenger) SendStatus(ctx context.Context, chatID, text string) (session.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return session.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(m.nextID)}, nil
}

func (m *fakeMessenger) SendModelPicker(ctx context.Context, chatID, text string, options []ModelOption) (session.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.pickers++
	return session.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(m.nextID)}, nil
}

func (m *fakeMessenger) DeleteMessage(ctx context.Context, ref session.MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, ref)
	return nil
}

func (m *fakeMessenger) FetchPhoto(ctx context.Context, fileID string) ([]byte, string, error) {
	return []byte("img:" + fileID), ".png", nil
}

func (m *fakeMessenger) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]string, len(m.texts))
	copy(copied, m.texts)

	return copied
}

func (m *fakeMessenger) Images() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images
}

func (m *fakeMessenger) Pickers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pickers
}

func newTestDispatcherWith(t *testing.T, gen *fakeGenerator, store prefs.Store) (*Dispatcher, *fakeMessenger) {
	t.Helper()

	registry, err := catalog.NewRegistry([]catalog.Model{
		{ID: "image-a", Name: "models/image-a", DisplayName: "image-a", Methods: []string{"generateContent"}},
		{ID: "image-b", Name: "models/image-b", DisplayName: "image-b", Methods: []string{"generateContent"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	staging, err := media.NewStaging(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	messenger := &fakeMessenger{}

	d := New(Options{
		Registry:        registry,
		Prefs:           store,
		Generator:       gen,
		Staging:         staging,
		Messenger:       messenger,
		PendingPhotoCap: 10,
	})

	return d, messenger
}

func newTestDispatcher(t *testing.T, gen *fakeGenerator) (*Dispatcher, *fakeMessenger, prefs.Store) {
	t.Helper()

	store := prefs.NewMemory()
	d, messenger := newTestDispatcherWith(t, gen, store)

	return d, messenger, store
}

// blockingPrefs parks every SelectedModel read until block is closed,
// signalling the caller through reads first.
type blockingPrefs struct {
	prefs.Store
	block chan struct{}
	reads chan struct{}
}

func (p *blockingPrefs) SelectedModel(userKey string) (string, error) {
	p.reads <- struct{}{}
	<-p.block

	return p.Store.SelectedModel(userKey)
}

func photos(ids ...string) []session.PhotoRef {
	refs := make([]session.PhotoRef, 0, len(ids))
	for i, id := range ids {
		refs = append(refs, session.PhotoRef{FileID: id, MessageID: i})
	}
	return refs
}

func TestTextOnlyDispatchesWithEmptyImageList(t *testing.T) {
	gen := &fakeGenerator{}
	d, messenger, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")

	d.HandleMessage(context.Background(), Inbound{ChatID: "1", UserKey: "telegram:1", Text: "a red house"})

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(calls))
	}
	if calls[0].Model != "image-a" || calls[0].Prompt != "a red house" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
	if len(calls[0].Images) != 0 {
		t.Errorf("expected empty image list, got %v", calls[0].Images)
	}
	if messenger.Images() != 1 {
		t.Errorf("expected 1 image reply, got %d", messenger.Images())
	}
	if got := d.Session("telegram:1").State(); got != session.StateIdle {
		t.Errorf("expected idle after completion, got %s", got)
	}
}

func TestPhotosWithoutCaptionDoNotDispatch(t *testing.T) {
	gen := &fakeGenerator{}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")

	d.HandleMessage(context.Background(), Inbound{ChatID: "1", UserKey: "telegram:1", Photos: photos("p1", "p2")})

	if len(gen.Calls()) != 0 {
		t.Fatal("photos without caption must not dispatch")
	}

	sess := d.Session("telegram:1")
	if got := sess.State(); got != session.StateAwaitingPrompt {
		t.Errorf("expected awaiting_prompt, got %s", got)
	}
	if sess.PendingCount() != 2 {
		t.Errorf("expected 2 buffered photos, got %d", sess.PendingCount())
	}
	if sess.OutstandingStatuses() != 1 {
		t.Errorf("expected a photos-received status, got %d outstanding", sess.OutstandingStatuses())
	}
}

func TestPhotosThenTextDispatchesInOrder(t *testing.T) {
	gen := &fakeGenerator{}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")
	ctx := context.Background()

	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Photos: photos("p1", "p2", "p3")})
	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Photos: photos("p4", "p5")})
	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "combine these"})

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(calls))
	}
	want := []string{"img:p1", "img:p2", "img:p3", "img:p4", "img:p5"}
	if len(calls[0].Images) != len(want) {
		t.Fatalf("expected %d images, got %d", len(want), len(calls[0].Images))
	}
	for i := range want {
		if calls[0].Images[i] != want[i] {
			t.Errorf("image %d: expected %s, got %s", i, want[i], calls[0].Images[i])
		}
	}

	sess := d.Session("telegram:1")
	if sess.HasPending() {
		t.Error("buffer must be empty after dispatch")
	}

	// idempotent: the same text again dispatches text-only
	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "combine these"})
	calls = gen.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(calls))
	}
	if len(calls[1].Images) != 0 {
		t.Errorf("second dispatch should be text-only, got %v", calls[1].Images)
	}
}

func TestTextWithPhotosDispatchesImmediately(t *testing.T) {
	gen := &fakeGenerator{}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")

	d.HandleMessage(context.Background(), Inbound{
		ChatID: "1", UserKey: "telegram:1", Text: "merge", Photos: photos("p1", "p2"),
	})

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(calls))
	}
	if len(calls[0].Images) != 2 {
		t.Errorf("expected exactly the attached photos, got %v", calls[0].Images)
	}
}

func TestBufferCapEvictsOldest(t *testing.T) {
	gen := &fakeGenerator{}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Photos: photos(fmt.Sprintf("p%02d", i))})
	}

	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "go"})

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(calls))
	}
	if len(calls[0].Images) != 10 {
		t.Fatalf("expected cap of 10 images, got %d", len(calls[0].Images))
	}
	if calls[0].Images[0] != "img:p02" || calls[0].Images[9] != "img:p11" {
		t.Errorf("expected newest 10 in order, got %v", calls[0].Images)
	}
}

func TestNeedPromptReply(t *testing.T) {
	gen := &fakeGenerator{}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")

	d.HandleMessage(context.Background(), Inbound{ChatID: "1", UserKey: "telegram:1", Text: "   "})

	if len(gen.Calls()) != 0 {
		t.Error("whitespace-only text must not dispatch")
	}

	sess := d.Session("telegram:1")
	if sess.OutstandingStatuses() != 1 {
		t.Errorf("expected the need-prompt status, got %d outstanding", sess.OutstandingStatuses())
	}
}

func TestNoSelectedModelOffersPicker(t *testing.T) {
	gen := &fakeGenerator{}
	d, messenger, _ := newTestDispatcher(t, gen)

	d.HandleMessage(context.Background(), Inbound{ChatID: "1", UserKey: "telegram:1", Text: "a red house"})

	if len(gen.Calls()) != 0 {
		t.Error("no generation without a selected model")
	}
	if messenger.Pickers() != 1 {
		t.Errorf("expected a model picker, got %d", messenger.Pickers())
	}
	if got := d.Session("telegram:1").State(); got != session.StateIdle {
		t.Errorf("expected idle, got %s", got)
	}
}

func TestSelectModelUnknownFails(t *testing.T) {
	gen := &fakeGenerator{}
	d, _, _ := newTestDispatcher(t, gen)

	err := d.SelectModel(context.Background(), Selection{ChatID: "1", UserKey: "telegram:1", ModelID: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestSelectModelPersistsAndInstructs(t *testing.T) {
	gen := &fakeGenerator{}
	d, _, store := newTestDispatcher(t, gen)

	if err := d.SelectModel(context.Background(), Selection{ChatID: "1", UserKey: "telegram:1", ModelID: "image-b"}); err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}

	model, _ := store.SelectedModel("telegram:1")
	if model != "image-b" {
		t.Errorf("selection not persisted: %q", model)
	}
}

func TestModelSwapDuringGenerationAffectsNextDispatch(t *testing.T) {
	gen := &fakeGenerator{
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "first"})
		close(done)
	}()

	inFlightModel := <-gen.started
	if inFlightModel != "image-a" {
		t.Fatalf("in-flight call should use image-a, got %s", inFlightModel)
	}

	// swap while generating: recorded now, effective next dispatch
	if err := d.SelectModel(ctx, Selection{ChatID: "1", UserKey: "telegram:1", ModelID: "image-b"}); err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}

	close(gen.release)
	<-done

	calls := gen.Calls()
	if calls[0].Model != "image-a" {
		t.Errorf("in-flight model must not change, got %s", calls[0].Model)
	}

	gen.started = nil
	gen.release = nil
	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "second"})

	calls = gen.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(calls))
	}
	if calls[1].Model != "image-b" {
		t.Errorf("next dispatch should use the new model, got %s", calls[1].Model)
	}
}

func TestSingleFlightShowsPleaseWait(t *testing.T) {
	gen := &fakeGenerator{
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "first"})
		close(done)
	}()
	<-gen.started

	// a second prompt while busy must not start a second call
	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "second"})

	if len(gen.Calls()) != 1 {
		t.Fatalf("expected single flight, got %d calls", len(gen.Calls()))
	}

	sess := d.Session("telegram:1")
	if got := sess.State(); got != session.StateGenerating {
		t.Errorf("expected generating, got %s", got)
	}

	close(gen.release)
	<-done

	// the please-wait status is dismissed when the flight resolves
	if got := sess.OutstandingStatuses(); got != 0 {
		t.Errorf("expected zero outstanding statuses, got %d", got)
	}
	if got := sess.State(); got != session.StateIdle {
		t.Errorf("expected idle, got %s", got)
	}
}

func TestPhotosDuringGenerationAreBuffered(t *testing.T) {
	gen := &fakeGenerator{
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "first"})
		close(done)
	}()
	<-gen.started

	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Photos: photos("late1", "late2")})

	close(gen.release)
	<-done

	sess := d.Session("telegram:1")
	if got := sess.State(); got != session.StateAwaitingPrompt {
		t.Errorf("photos accumulated in flight should leave awaiting_prompt, got %s", got)
	}
	if sess.PendingCount() != 2 {
		t.Errorf("expected 2 buffered photos, got %d", sess.PendingCount())
	}
	// the photos-received acknowledgment survives the completed cycle
	if got := sess.OutstandingStatuses(); got != 1 {
		t.Errorf("expected 1 outstanding status, got %d", got)
	}

	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "use them"})

	calls := gen.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(calls))
	}
	if len(calls[1].Images) != 2 {
		t.Errorf("expected the late photos, got %v", calls[1].Images)
	}
	if got := sess.OutstandingStatuses(); got != 0 {
		t.Errorf("expected zero outstanding after the cycle, got %d", got)
	}
}

func TestPhotosDuringSelectionReadJoinCurrentBatch(t *testing.T) {
	inner := prefs.NewMemory()
	inner.SetSelectedModel("telegram:1", "image-a")
	store := &blockingPrefs{Store: inner, block: make(chan struct{}), reads: make(chan struct{}, 1)}

	gen := &fakeGenerator{}
	d, _ := newTestDispatcherWith(t, gen, store)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "draw"})
		close(done)
	}()
	<-store.reads

	sess := d.Session("telegram:1")

	// the prompt is parked in the selection read and must not hold the
	// flight slot yet
	if got := sess.State(); got == session.StateGenerating {
		t.Fatal("selection read must not hold the flight slot")
	}

	// photos landing before the flight begins belong to its batch
	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Photos: photos("late1", "late2")})

	close(store.block)
	<-done

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(calls))
	}
	if len(calls[0].Images) != 2 {
		t.Fatalf("expected the photos in the dispatched batch, got %v", calls[0].Images)
	}
	if sess.HasPending() {
		t.Error("no photos may be left behind")
	}
	if got := sess.OutstandingStatuses(); got != 0 {
		t.Errorf("expected zero outstanding statuses, got %d", got)
	}
}

func TestPromptPhotosKeptWhenNoModelSelected(t *testing.T) {
	gen := &fakeGenerator{}
	d, messenger, _ := newTestDispatcher(t, gen)
	ctx := context.Background()

	d.HandleMessage(ctx, Inbound{
		ChatID: "1", UserKey: "telegram:1", Text: "draw", Photos: photos("p1", "p2"),
	})

	if len(gen.Calls()) != 0 {
		t.Fatal("no generation without a selected model")
	}
	if messenger.Pickers() != 1 {
		t.Errorf("expected a model picker, got %d", messenger.Pickers())
	}

	sess := d.Session("telegram:1")
	if sess.PendingCount() != 2 {
		t.Fatalf("expected the upload kept for after selection, got %d buffered", sess.PendingCount())
	}

	if err := d.SelectModel(ctx, Selection{ChatID: "1", UserKey: "telegram:1", ModelID: "image-a"}); err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}
	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "draw"})

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 generation, got %d", len(calls))
	}
	if len(calls[0].Images) != 2 || calls[0].Images[0] != "img:p1" {
		t.Errorf("expected the kept photos in order, got %v", calls[0].Images)
	}
}

func TestGenerationFailureUnwindsToIdle(t *testing.T) {
	gen := &fakeGenerator{err: &generate.Failure{Reason: "response contained no image"}}
	d, messenger, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")

	d.HandleMessage(context.Background(), Inbound{
		ChatID: "1", UserKey: "telegram:1", Text: "draw", Photos: photos("p1"),
	})

	sess := d.Session("telegram:1")
	if got := sess.State(); got != session.StateIdle {
		t.Errorf("failure must unwind to idle, got %s", got)
	}
	if got := sess.OutstandingStatuses(); got != 0 {
		t.Errorf("failure path leaked %d status messages", got)
	}

	texts := messenger.Texts()
	if len(texts) != 1 || texts[0] != msgFailed {
		t.Errorf("expected a failure reply, got %v", texts)
	}

	// the session is usable again immediately
	gen.err = nil
	d.HandleMessage(context.Background(), Inbound{ChatID: "1", UserKey: "telegram:1", Text: "retry"})
	if len(gen.Calls()) != 2 {
		t.Errorf("expected a successful retry, got %d calls", len(gen.Calls()))
	}
}

func TestStatusAuditZeroAfterFullCycle(t *testing.T) {
	gen := &fakeGenerator{}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")
	ctx := context.Background()

	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Photos: photos("p1", "p2")})
	d.HandleMessage(ctx, Inbound{ChatID: "1", UserKey: "telegram:1", Text: "go"})

	if got := d.Session("telegram:1").OutstandingStatuses(); got != 0 {
		t.Errorf("expected zero outstanding statuses after cycle, got %d", got)
	}
}

func TestDistinctSessionsProceedIndependently(t *testing.T) {
	gen := &fakeGenerator{
		started: make(chan string, 2),
		release: make(chan struct{}),
	}
	d, _, store := newTestDispatcher(t, gen)
	store.SetSelectedModel("telegram:1", "image-a")
	store.SetSelectedModel("telegram:2", "image-b")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, user := range []string{"telegram:1", "telegram:2"} {
		user := user
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.HandleMessage(ctx, Inbound{ChatID: user, UserKey: user, Text: "draw"})
		}()
	}

	// both sessions must reach their generator call concurrently;
	// one busy session must not block the other
	for i := 0; i < 2; i++ {
		select {
		case <-gen.started:
		case <-time.After(5 * time.Second):
			t.Fatal("second session blocked behind the first")
		}
	}

	close(gen.release)
	wg.Wait()

	if len(gen.Calls()) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(gen.Calls()))
	}
}
