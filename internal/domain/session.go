package domain

import "time"

// ConversationState is the per-sender session state stored in the session
// store. StateNone is never written; it is the absence of a stored key.
type ConversationState string

const (
	StateNone                ConversationState = ""
	StateAwaitingFirstPrompt ConversationState = "AWAITING_INITIAL_PROMPT"
	StateConversing          ConversationState = "CONVERSING"
)

// ThreadBinding caches the AI-side conversation thread for a sender. The
// thread object itself is owned by the AI service; this record only remembers
// its id and when it was last used.
type ThreadBinding struct {
	ThreadID        string `json:"threadId"`
	LastInteraction int64  `json:"lastInteractionTimestamp"` // epoch milliseconds
}

// Stale reports whether the binding has outlived the thread expiry window and
// must be replaced by a fresh thread.
func (b ThreadBinding) Stale(now time.Time, expiry time.Duration) bool {
	return now.Sub(time.UnixMilli(b.LastInteraction)) > expiry
}
