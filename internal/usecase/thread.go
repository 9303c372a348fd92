package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"whatsapp-relay/internal/domain"
)

// acquireThread returns the sender's thread id, reusing the cached binding
// when it is fresh and creating a new thread when the binding is absent,
// stale, or unreadable. A stale thread is never reused even though the AI
// service may still hold the object.
func (r *Relay) acquireThread(ctx context.Context, logger *slog.Logger, senderID string) (string, error) {
	now := r.now()

	var threadID string
	binding, ok, err := r.sessions.ThreadBinding(ctx, senderID)
	switch {
	case err != nil:
		logger.Warn("thread binding unreadable, creating a new thread", "err", err)
	case ok && binding.Stale(now, r.cfg.ThreadExpiry):
		logger.Info("thread expired, creating a new one", "thread", binding.ThreadID)
	case ok:
		threadID = binding.ThreadID
	}

	if threadID == "" {
		created, err := r.assistant.CreateThread(ctx)
		if err != nil {
			return "", fmt.Errorf("create thread: %w", err)
		}
		threadID = created
		logger.Info("created thread", "thread", threadID)
	}

	fresh := domain.ThreadBinding{ThreadID: threadID, LastInteraction: now.UnixMilli()}
	if err := r.sessions.SaveThreadBinding(ctx, senderID, fresh); err != nil {
		// The thread works for this exchange either way; losing the write
		// only means a later request may create a redundant thread.
		logger.Warn("thread binding write failed", "thread", threadID, "err", err)
	}
	return threadID, nil
}
