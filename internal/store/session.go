package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"whatsapp-relay/internal/domain"
)

const (
	userStateKeyPrefix    = "user_status:"
	threadDataKeyPrefix   = "thread_data:"
	exchangeLockKeyPrefix = "exchange_lock:"
)

// Sessions provides the relay's typed session records over a raw KV.
//
// Every write is an unconditional refreshing set: the value is stored with a
// fresh TTL regardless of what is already there. Duplicate webhook deliveries
// therefore race harmlessly, because writing the same logical state twice is
// idempotent apart from the TTL extension.
type Sessions struct {
	kv       KV
	stateTTL time.Duration
	lockTTL  time.Duration
}

// NewSessions creates the session helpers. State records live for twice the
// thread expiry window so the stored state always outlasts the thread it
// refers to.
func NewSessions(kv KV, threadExpiry, lockTTL time.Duration) (*Sessions, error) {
	if kv == nil {
		return nil, errors.New("store: kv must not be nil")
	}
	if threadExpiry <= 0 {
		return nil, errors.New("store: thread expiry must be positive")
	}
	if lockTTL <= 0 {
		return nil, errors.New("store: lock ttl must be positive")
	}
	return &Sessions{
		kv:       kv,
		stateTTL: 2 * threadExpiry,
		lockTTL:  lockTTL,
	}, nil
}

// UserState returns the stored conversation state for a sender, or StateNone
// when no record exists.
func (s *Sessions) UserState(ctx context.Context, senderID string) (domain.ConversationState, error) {
	v, ok, err := s.kv.Get(ctx, userStateKeyPrefix+senderID)
	if err != nil {
		return domain.StateNone, err
	}
	if !ok {
		return domain.StateNone, nil
	}
	return domain.ConversationState(v), nil
}

// SetUserState stores the conversation state with a refreshed TTL.
func (s *Sessions) SetUserState(ctx context.Context, senderID string, state domain.ConversationState) error {
	return s.kv.Set(ctx, userStateKeyPrefix+senderID, string(state), s.stateTTL)
}

// ThreadBinding returns the cached thread binding for a sender. A stored
// record that does not parse is reported as absent with an error so the
// caller replaces it with a fresh thread.
func (s *Sessions) ThreadBinding(ctx context.Context, senderID string) (domain.ThreadBinding, bool, error) {
	raw, ok, err := s.kv.Get(ctx, threadDataKeyPrefix+senderID)
	if err != nil || !ok {
		return domain.ThreadBinding{}, false, err
	}
	var binding domain.ThreadBinding
	if err := json.Unmarshal([]byte(raw), &binding); err != nil {
		return domain.ThreadBinding{}, false, fmt.Errorf("store: decode thread binding: %w", err)
	}
	if binding.ThreadID == "" || binding.LastInteraction == 0 {
		return domain.ThreadBinding{}, false, errors.New("store: thread binding is incomplete")
	}
	return binding, true, nil
}

// SaveThreadBinding stores the thread binding with a refreshed TTL.
func (s *Sessions) SaveThreadBinding(ctx context.Context, senderID string, binding domain.ThreadBinding) error {
	raw, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("store: encode thread binding: %w", err)
	}
	return s.kv.Set(ctx, threadDataKeyPrefix+senderID, string(raw), s.stateTTL)
}

// AcquireExchangeLock takes the per-sender advisory lock guarding one AI
// exchange. It returns false when another exchange for the same sender is
// still in flight. The lock self-expires so a crashed exchange cannot wedge
// the sender permanently.
func (s *Sessions) AcquireExchangeLock(ctx context.Context, senderID string) (bool, error) {
	return s.kv.SetNX(ctx, exchangeLockKeyPrefix+senderID, "1", s.lockTTL)
}

// ReleaseExchangeLock drops the advisory lock.
func (s *Sessions) ReleaseExchangeLock(ctx context.Context, senderID string) error {
	return s.kv.Del(ctx, exchangeLockKeyPrefix+senderID)
}
