package session

import "sync"

// State is derived from the session's buffer and flight flag, never
// stored directly.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingPrompt State = "awaiting_prompt"
	StateGenerating     State = "generating"
)

// StatusKind tags the transient acknowledgment messages the dispatcher
// shows while a session moves through its states.
type StatusKind string

const (
	StatusPhotosReceived StatusKind = "photos_received"
	StatusGenerating     StatusKind = "generating"
	StatusPleaseWait     StatusKind = "please_wait"
	StatusInstruction    StatusKind = "instruction"
	StatusModelPicker    StatusKind = "model_picker"
)

// PhotoRef points at a photo held by the chat transport. Bytes are only
// fetched when a generation is dispatched.
type PhotoRef struct {
	FileID    string
	MessageID int // arrival order within a batch
}

// MessageRef is an opaque handle to a transient message, wide enough
// for both Telegram (int ids) and Discord (snowflake strings).
type MessageRef struct {
	ChatID    string
	MessageID string
}

// Session holds all mutable per-user state. Everything behind mu is a
// critical section with respect to other messages from the same user;
// distinct users never share a Session.
type Session struct {
	mu         sync.Mutex
	pendingCap int
	pending    []PhotoRef
	statuses   map[StatusKind]MessageRef
	inFlight   bool
}

// Store is the session registry, keyed by transport-scoped user key
// (e.g. "telegram:123"). Sessions are created lazily and live for the
// process lifetime.
type Store struct {
	mu         sync.RWMutex
	pendingCap int
	sessions   map[string]*Session
}
