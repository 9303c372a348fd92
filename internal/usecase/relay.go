package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"whatsapp-relay/internal/domain"
)

const (
	defaultThreadExpiry = 12 * time.Hour
	defaultPollInterval = 2 * time.Second
	defaultPollTimeout  = 60 * time.Second
)

// SessionStore is the durable per-sender state the relay reads and writes.
// Every request goes back to the store; nothing is cached in memory between
// requests.
type SessionStore interface {
	UserState(ctx context.Context, senderID string) (domain.ConversationState, error)
	SetUserState(ctx context.Context, senderID string, state domain.ConversationState) error
	ThreadBinding(ctx context.Context, senderID string) (domain.ThreadBinding, bool, error)
	SaveThreadBinding(ctx context.Context, senderID string, binding domain.ThreadBinding) error
	AcquireExchangeLock(ctx context.Context, senderID string) (bool, error)
	ReleaseExchangeLock(ctx context.Context, senderID string) error
}

// AssistantClient wraps the AI service's thread and run operations.
type AssistantClient interface {
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID, assistantID string) (string, error)
	GetRun(ctx context.Context, threadID, runID string) (domain.RunStatus, error)
	ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error)
}

// Sender delivers outbound text to a recipient. Implementations own chunking
// and their own bounded retry; the relay never retries a failed delivery.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Config carries the relay's tunables.
type Config struct {
	AssistantID  string
	ThreadExpiry time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
	Messages     Messages
}

// Relay is the conversation session orchestrator. For each inbound message it
// decides between onboarding a fresh session and running an AI exchange
// against the sender's thread, then pushes the result back out through the
// Sender.
type Relay struct {
	sessions  SessionStore
	assistant AssistantClient
	sender    Sender
	cfg       Config
	logger    *slog.Logger

	// Injected for deterministic polling tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRelay validates dependencies and applies defaults for unset tunables.
func NewRelay(sessions SessionStore, assistant AssistantClient, sender Sender, cfg Config, logger *slog.Logger) (*Relay, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if assistant == nil {
		return nil, errors.New("usecase: assistant client must not be nil")
	}
	if sender == nil {
		return nil, errors.New("usecase: sender must not be nil")
	}
	if strings.TrimSpace(cfg.AssistantID) == "" {
		return nil, errors.New("usecase: assistant id must not be empty")
	}
	if cfg.ThreadExpiry <= 0 {
		cfg.ThreadExpiry = defaultThreadExpiry
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	cfg.Messages = cfg.Messages.merged()
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sessions:  sessions,
		assistant: assistant,
		sender:    sender,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// Handle processes one inbound message to completion: state transition, AI
// exchange if warranted, and delivery of whatever reply results. Errors are
// returned for logging; by the time Handle returns, the user has already been
// told about any failure that occurred after the processing notice.
func (r *Relay) Handle(ctx context.Context, msg domain.InboundMessage) error {
	if strings.TrimSpace(msg.SenderID) == "" {
		return newError(ErrorInvalidInput, "missing_sender", nil)
	}

	switch msg.Type {
	case domain.MessageText, domain.MessageWelcome:
	default:
		r.logger.Debug("ignoring message type", "sender", msg.SenderID, "type", msg.Type)
		return nil
	}

	logger := r.logger.With("sender", msg.SenderID, "exchange", newUUID())

	state, err := r.sessions.UserState(ctx, msg.SenderID)
	if err != nil {
		// Availability over consistency: an unreachable store means the user
		// is re-onboarded, not stuck.
		logger.Warn("session state read failed, treating as new session", "err", err)
		state = domain.StateNone
	}

	if msg.Type == domain.MessageWelcome || state == domain.StateNone {
		return r.onboard(ctx, logger, msg.SenderID)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		logger.Debug("ignoring empty text message")
		return nil
	}

	switch state {
	case domain.StateAwaitingFirstPrompt, domain.StateConversing:
		return r.converse(ctx, logger, msg.SenderID, text)
	default:
		logger.Warn("text message in unexpected state, ignoring", "state", state)
		return nil
	}
}

// onboard sends the two-part disclosure and parks the session until the user
// supplies a real prompt. No AI call happens here.
func (r *Relay) onboard(ctx context.Context, logger *slog.Logger, senderID string) error {
	m := r.cfg.Messages
	if err := r.sender.Send(ctx, senderID, m.Welcome1); err != nil {
		return newError(ErrorDelivery, "welcome_send_failed", err)
	}
	if err := r.sender.Send(ctx, senderID, m.Welcome2); err != nil {
		return newError(ErrorDelivery, "welcome_send_failed", err)
	}
	if err := r.sessions.SetUserState(ctx, senderID, domain.StateAwaitingFirstPrompt); err != nil {
		// The user got the welcome; a lost state write only means the next
		// text re-onboards.
		logger.Warn("onboarding state write failed", "err", err)
	}
	logger.Info("onboarded sender")
	return nil
}

// converse runs one full AI exchange for a text message.
func (r *Relay) converse(ctx context.Context, logger *slog.Logger, senderID, text string) error {
	m := r.cfg.Messages

	acquired, err := r.sessions.AcquireExchangeLock(ctx, senderID)
	if err != nil {
		// Best-effort lock: if the store cannot answer, proceed unguarded
		// rather than dropping the message.
		logger.Warn("exchange lock unavailable, proceeding without it", "err", err)
	} else if !acquired {
		logger.Info("exchange already in flight for sender, dropping message")
		r.notify(ctx, logger, senderID, m.Busy)
		return nil
	}
	if acquired {
		defer func() {
			if relErr := r.sessions.ReleaseExchangeLock(ctx, senderID); relErr != nil {
				logger.Warn("exchange lock release failed", "err", relErr)
			}
		}()
	}

	if err := r.sender.Send(ctx, senderID, m.Processing); err != nil {
		return newError(ErrorDelivery, "processing_send_failed", err)
	}
	if err := r.sessions.SetUserState(ctx, senderID, domain.StateConversing); err != nil {
		logger.Warn("conversation state write failed", "err", err)
	}

	threadID, err := r.acquireThread(ctx, logger, senderID)
	if err != nil {
		r.notify(ctx, logger, senderID, m.Generic)
		return newError(ErrorUpstream, "thread_acquisition_failed", err)
	}

	reply, exErr := r.exchange(ctx, logger, senderID, threadID, text)
	if exErr != nil {
		return exErr
	}

	if err := r.sender.Send(ctx, senderID, reply); err != nil {
		return newError(ErrorDelivery, "reply_send_failed", err)
	}
	logger.Info("exchange completed", "thread", threadID, "reply_len", len(reply))
	return nil
}

// notify attempts a best-effort error/status message; delivery of the notice
// itself is not guaranteed.
func (r *Relay) notify(ctx context.Context, logger *slog.Logger, senderID, text string) {
	if err := r.sender.Send(ctx, senderID, text); err != nil {
		logger.Error("status notice delivery failed", "err", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
