package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"whatsapp-relay/internal/domain"
)

var errPollTimeout = errors.New("usecase: run polling timed out")

// exchange performs the append → run → poll → collect protocol for one user
// message. Each step is a distinct remote call; a failure at any step aborts
// the exchange after notifying the user, so the caller only delivers the
// reply on success.
func (r *Relay) exchange(ctx context.Context, logger *slog.Logger, senderID, threadID, text string) (string, error) {
	m := r.cfg.Messages

	if err := r.assistant.AddMessage(ctx, threadID, text); err != nil {
		r.notify(ctx, logger, senderID, m.Generic)
		return "", newError(ErrorUpstream, "message_append_failed", err)
	}

	runID, err := r.assistant.CreateRun(ctx, threadID, r.cfg.AssistantID)
	if err != nil {
		r.notify(ctx, logger, senderID, m.Generic)
		return "", newError(ErrorUpstream, "run_create_failed", err)
	}
	logger = logger.With("thread", threadID, "run", runID)

	status, err := r.pollRun(ctx, logger, threadID, runID)
	if err != nil {
		if errors.Is(err, errPollTimeout) {
			// The run is abandoned, not cancelled; the AI service will
			// finish or expire it on its own.
			logger.Error("run polling timed out", "last_status", status)
			r.notify(ctx, logger, senderID, m.Timeout)
			return "", newError(ErrorTimeout, "run_poll_timeout", err)
		}
		r.notify(ctx, logger, senderID, m.Generic)
		return "", newError(ErrorUpstream, "run_poll_failed", err)
	}

	switch status {
	case domain.RunCompleted:
		reply, err := r.collectReply(ctx, threadID, runID)
		if err != nil {
			r.notify(ctx, logger, senderID, m.Generic)
			return "", newError(ErrorUpstream, "message_list_failed", err)
		}
		if reply == "" {
			logger.Error("run completed without a usable assistant message")
			r.notify(ctx, logger, senderID, m.NoReply)
			return "", newError(ErrorUpstream, "empty_assistant_reply", nil)
		}
		return reply, nil
	case domain.RunRequiresAction:
		logger.Error("run requires tool action, not implemented")
		r.notify(ctx, logger, senderID, m.RequiresAction)
		return "", newError(ErrorUnsupported, "run_requires_action", nil)
	default:
		logger.Error("run ended in failure status", "status", status)
		r.notify(ctx, logger, senderID, fmt.Sprintf(m.RunFailed, status))
		return "", newError(ErrorUpstream, "run_"+string(status), nil)
	}
}

// pollRun fetches the run status at a fixed interval until it leaves the
// non-terminal set or the polling timeout elapses. The deadline is re-checked
// before each wait, bounding the worst-case overshoot to one interval.
func (r *Relay) pollRun(ctx context.Context, logger *slog.Logger, threadID, runID string) (domain.RunStatus, error) {
	deadline := r.now().Add(r.cfg.PollTimeout)
	status := domain.RunQueued
	for !status.Terminal() {
		if !r.now().Before(deadline) {
			return status, errPollTimeout
		}
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return status, err
		}
		current, err := r.assistant.GetRun(ctx, threadID, runID)
		if err != nil {
			return status, fmt.Errorf("poll run: %w", err)
		}
		status = current
		logger.Debug("run status polled", "status", status)
	}
	return status, nil
}

// collectReply gathers the assistant messages produced by this run, in
// chronological order, into one reply text.
func (r *Relay) collectReply(ctx context.Context, threadID, runID string) (string, error) {
	msgs, err := r.assistant.ListMessages(ctx, threadID)
	if err != nil {
		return "", err
	}
	// The listing is newest first; walk backwards for chronological order.
	var parts []string
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == domain.RoleAssistant && m.RunID == runID && strings.TrimSpace(m.Text) != "" {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
