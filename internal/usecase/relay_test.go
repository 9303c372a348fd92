package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whatsapp-relay/internal/domain"
)

type fakeSessions struct {
	state    domain.ConversationState
	stateErr error

	setStates   []domain.ConversationState
	setStateErr error

	binding    domain.ThreadBinding
	bindingOK  bool
	bindingErr error

	saved   []domain.ThreadBinding
	saveErr error

	lockDenied bool
	lockErr    error
	lockCalls  int
	released   int
	releaseErr error
}

func (f *fakeSessions) UserState(context.Context, string) (domain.ConversationState, error) {
	return f.state, f.stateErr
}

func (f *fakeSessions) SetUserState(_ context.Context, _ string, state domain.ConversationState) error {
	f.setStates = append(f.setStates, state)
	return f.setStateErr
}

func (f *fakeSessions) ThreadBinding(context.Context, string) (domain.ThreadBinding, bool, error) {
	return f.binding, f.bindingOK, f.bindingErr
}

func (f *fakeSessions) SaveThreadBinding(_ context.Context, _ string, binding domain.ThreadBinding) error {
	f.saved = append(f.saved, binding)
	return f.saveErr
}

func (f *fakeSessions) AcquireExchangeLock(context.Context, string) (bool, error) {
	f.lockCalls++
	if f.lockErr != nil {
		return false, f.lockErr
	}
	return !f.lockDenied, nil
}

func (f *fakeSessions) ReleaseExchangeLock(context.Context, string) error {
	f.released++
	return f.releaseErr
}

type fakeAssistant struct {
	threadID        string
	createThreadErr error
	createCalls     int

	added  []string
	addErr error

	runID        string
	createRunErr error
	assistantID  string

	statuses    []domain.RunStatus
	getRunErr   error
	getRunCalls int

	messages []domain.ThreadMessage
	listErr  error
}

func (f *fakeAssistant) CreateThread(context.Context) (string, error) {
	f.createCalls++
	return f.threadID, f.createThreadErr
}

func (f *fakeAssistant) AddMessage(_ context.Context, _ string, text string) error {
	f.added = append(f.added, text)
	return f.addErr
}

func (f *fakeAssistant) CreateRun(_ context.Context, _ string, assistantID string) (string, error) {
	f.assistantID = assistantID
	return f.runID, f.createRunErr
}

func (f *fakeAssistant) GetRun(context.Context, string, string) (domain.RunStatus, error) {
	f.getRunCalls++
	if f.getRunErr != nil {
		return "", f.getRunErr
	}
	if len(f.statuses) == 0 {
		return domain.RunInProgress, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return status, nil
}

func (f *fakeAssistant) ListMessages(context.Context, string) ([]domain.ThreadMessage, error) {
	return f.messages, f.listErr
}

type fakeSender struct {
	sent       []string
	failOnCall int // 1-based; 0 never fails
	err        error
}

func (f *fakeSender) Send(_ context.Context, _ string, text string) error {
	f.sent = append(f.sent, text)
	if f.failOnCall > 0 && len(f.sent) == f.failOnCall {
		if f.err != nil {
			return f.err
		}
		return errors.New("send failed")
	}
	return nil
}

// completedAssistant returns a fake that finishes a run after two polls with a
// single assistant reply.
func completedAssistant(reply string) *fakeAssistant {
	return &fakeAssistant{
		threadID: "thread_new",
		runID:    "run_1",
		statuses: []domain.RunStatus{domain.RunInProgress, domain.RunCompleted},
		messages: []domain.ThreadMessage{
			{ID: "msg_2", Role: domain.RoleAssistant, RunID: "run_1", Text: reply},
			{ID: "msg_1", Role: "user", RunID: "", Text: "question"},
		},
	}
}

func testConfig() Config {
	return Config{
		AssistantID:  "asst_1",
		ThreadExpiry: 12 * time.Hour,
		PollInterval: 2 * time.Second,
		PollTimeout:  60 * time.Second,
	}
}

// newTestRelay wires a relay with a fake clock whose sleep advances time, so
// polling loops run instantly and deterministically.
func newTestRelay(t *testing.T, sessions *fakeSessions, assistant *fakeAssistant, sender *fakeSender, cfg Config) (*Relay, *time.Time) {
	t.Helper()
	r, err := NewRelay(sessions, assistant, sender, cfg, slog.New(slog.NewTextHandler(&strings.Builder{}, nil)))
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.sleep = func(_ context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	return r, &now
}

func textMsg(text string) domain.InboundMessage {
	return domain.InboundMessage{SenderID: "15551234", Type: domain.MessageText, Text: text}
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	require.Equal(t, reason, ue.Reason)
}

func TestNewRelay_ValidatesDependencies(t *testing.T) {
	sessions := &fakeSessions{}
	assistant := &fakeAssistant{}
	sender := &fakeSender{}

	_, err := NewRelay(nil, assistant, sender, testConfig(), nil)
	require.Error(t, err)
	_, err = NewRelay(sessions, nil, sender, testConfig(), nil)
	require.Error(t, err)
	_, err = NewRelay(sessions, assistant, nil, testConfig(), nil)
	require.Error(t, err)
	_, err = NewRelay(sessions, assistant, sender, Config{}, nil)
	require.Error(t, err)
}

func TestNewRelay_AppliesDefaults(t *testing.T) {
	r, err := NewRelay(&fakeSessions{}, &fakeAssistant{}, &fakeSender{}, Config{AssistantID: "asst_1"}, nil)
	require.NoError(t, err)
	require.Equal(t, 12*time.Hour, r.cfg.ThreadExpiry)
	require.Equal(t, 2*time.Second, r.cfg.PollInterval)
	require.Equal(t, 60*time.Second, r.cfg.PollTimeout)
	require.Equal(t, DefaultMessages(), r.cfg.Messages)
}

func TestHandle_MissingSender(t *testing.T) {
	r, _ := newTestRelay(t, &fakeSessions{}, &fakeAssistant{}, &fakeSender{}, testConfig())
	err := r.Handle(context.Background(), domain.InboundMessage{Type: domain.MessageText, Text: "hi"})
	requireCode(t, err, ErrorInvalidInput, "missing_sender")
}

func TestHandle_IgnoresUnsupportedTypes(t *testing.T) {
	sessions := &fakeSessions{}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, &fakeAssistant{}, sender, testConfig())

	err := r.Handle(context.Background(), domain.InboundMessage{SenderID: "15551234", Type: "image"})
	require.NoError(t, err)
	require.Empty(t, sender.sent)
	require.Empty(t, sessions.setStates)
}

func TestHandle_WelcomeTriggerOnboards(t *testing.T) {
	sessions := &fakeSessions{}
	assistant := &fakeAssistant{}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), domain.InboundMessage{SenderID: "15551234", Type: domain.MessageWelcome})
	require.NoError(t, err)

	m := DefaultMessages()
	require.Equal(t, []string{m.Welcome1, m.Welcome2}, sender.sent)
	require.Equal(t, []domain.ConversationState{domain.StateAwaitingFirstPrompt}, sessions.setStates)
	require.Zero(t, assistant.createCalls)
	require.Empty(t, assistant.added)
}

func TestHandle_UnknownSenderTextOnboards(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateNone}
	sender := &fakeSender{}
	assistant := &fakeAssistant{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("hello")))
	require.Len(t, sender.sent, 2)
	require.Empty(t, assistant.added)
}

func TestHandle_StateReadFailureFallsBackToOnboarding(t *testing.T) {
	sessions := &fakeSessions{stateErr: errors.New("store down")}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, &fakeAssistant{}, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("hello")))
	require.Len(t, sender.sent, 2)
}

func TestOnboard_WelcomeDeliveryFailure(t *testing.T) {
	sessions := &fakeSessions{}
	sender := &fakeSender{failOnCall: 2}
	r, _ := newTestRelay(t, sessions, &fakeAssistant{}, sender, testConfig())

	err := r.Handle(context.Background(), domain.InboundMessage{SenderID: "15551234", Type: domain.MessageWelcome})
	requireCode(t, err, ErrorDelivery, "welcome_send_failed")
	require.Empty(t, sessions.setStates)
}

func TestOnboard_StateWriteFailureIsNonFatal(t *testing.T) {
	sessions := &fakeSessions{setStateErr: errors.New("store down")}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, &fakeAssistant{}, sender, testConfig())

	err := r.Handle(context.Background(), domain.InboundMessage{SenderID: "15551234", Type: domain.MessageWelcome})
	require.NoError(t, err)
	require.Len(t, sender.sent, 2)
}

func TestHandle_FirstPromptRunsFullExchange(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateAwaitingFirstPrompt}
	assistant := completedAssistant("the answer")
	sender := &fakeSender{}
	r, now := newTestRelay(t, sessions, assistant, sender, testConfig())
	start := *now

	require.NoError(t, r.Handle(context.Background(), textMsg("what is up?")))

	m := DefaultMessages()
	require.Equal(t, []string{m.Processing, "the answer"}, sender.sent)
	require.Equal(t, []domain.ConversationState{domain.StateConversing}, sessions.setStates)
	require.Equal(t, 1, assistant.createCalls)
	require.Equal(t, []string{"what is up?"}, assistant.added)
	require.Equal(t, "asst_1", assistant.assistantID)
	require.Equal(t, 2, assistant.getRunCalls)

	require.Len(t, sessions.saved, 1)
	require.Equal(t, "thread_new", sessions.saved[0].ThreadID)
	require.Equal(t, start.UnixMilli(), sessions.saved[0].LastInteraction)

	require.Equal(t, 1, sessions.lockCalls)
	require.Equal(t, 1, sessions.released)
}

func TestHandle_FreshBindingReusesThread(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sessions := &fakeSessions{
		state:     domain.StateConversing,
		binding:   domain.ThreadBinding{ThreadID: "thread_old", LastInteraction: now.Add(-time.Hour).UnixMilli()},
		bindingOK: true,
	}
	assistant := completedAssistant("again")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("more")))
	require.Zero(t, assistant.createCalls)
	require.Len(t, sessions.saved, 1)
	require.Equal(t, "thread_old", sessions.saved[0].ThreadID)
	require.Equal(t, now.UnixMilli(), sessions.saved[0].LastInteraction)
}

func TestHandle_StaleBindingCreatesNewThread(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sessions := &fakeSessions{
		state:     domain.StateConversing,
		binding:   domain.ThreadBinding{ThreadID: "thread_old", LastInteraction: now.Add(-13 * time.Hour).UnixMilli()},
		bindingOK: true,
	}
	assistant := completedAssistant("fresh start")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("more")))
	require.Equal(t, 1, assistant.createCalls)
	require.Equal(t, "thread_new", sessions.saved[0].ThreadID)
}

func TestHandle_UnreadableBindingCreatesNewThread(t *testing.T) {
	sessions := &fakeSessions{
		state:      domain.StateConversing,
		bindingErr: errors.New("corrupt record"),
	}
	assistant := completedAssistant("ok")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("more")))
	require.Equal(t, 1, assistant.createCalls)
}

func TestHandle_BindingWriteFailureIsNonFatal(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing, saveErr: errors.New("store down")}
	assistant := completedAssistant("ok")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("more")))
	require.Equal(t, []string{DefaultMessages().Processing, "ok"}, sender.sent)
}

func TestHandle_BusyLockDropsMessage(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing, lockDenied: true}
	assistant := &fakeAssistant{}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("impatient follow-up")))
	require.Equal(t, []string{DefaultMessages().Busy}, sender.sent)
	require.Empty(t, assistant.added)
	require.Zero(t, sessions.released)
}

func TestHandle_LockErrorProceedsUnguarded(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing, lockErr: errors.New("store down")}
	assistant := completedAssistant("ok")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("more")))
	require.Equal(t, []string{DefaultMessages().Processing, "ok"}, sender.sent)
	require.Zero(t, sessions.released)
}

func TestHandle_ProcessingDeliveryFailure(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := &fakeAssistant{}
	sender := &fakeSender{failOnCall: 1}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorDelivery, "processing_send_failed")
	require.Empty(t, assistant.added)
	require.Equal(t, 1, sessions.released)
}

func TestHandle_ThreadCreationFailure(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := &fakeAssistant{createThreadErr: errors.New("upstream 500")}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorUpstream, "thread_acquisition_failed")

	m := DefaultMessages()
	require.Equal(t, []string{m.Processing, m.Generic}, sender.sent)
	require.Empty(t, sessions.saved)
}

func TestHandle_MessageAppendFailure(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("never sent")
	assistant.addErr = errors.New("upstream 500")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorUpstream, "message_append_failed")
	require.Equal(t, DefaultMessages().Generic, sender.sent[len(sender.sent)-1])
}

func TestHandle_RunCreationFailure(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("never sent")
	assistant.createRunErr = errors.New("upstream 500")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorUpstream, "run_create_failed")
	require.Zero(t, assistant.getRunCalls)
}

func TestHandle_PollingStopsAtFirstTerminalStatus(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("done")
	assistant.statuses = []domain.RunStatus{domain.RunInProgress, domain.RunInProgress, domain.RunCompleted}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("slow question")))
	require.Equal(t, 3, assistant.getRunCalls)
	require.Equal(t, "done", sender.sent[len(sender.sent)-1])
}

func TestHandle_PollTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PollTimeout = 6 * time.Second

	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("never sent")
	assistant.statuses = nil // every poll reports in_progress
	sender := &fakeSender{}
	r, now := newTestRelay(t, sessions, assistant, sender, cfg)
	start := *now

	err := r.Handle(context.Background(), textMsg("slow question"))
	requireCode(t, err, ErrorTimeout, "run_poll_timeout")

	// With the deadline re-checked before each wait, the loop overshoots the
	// timeout by at most one interval.
	require.Equal(t, 3, assistant.getRunCalls)
	require.LessOrEqual(t, now.Sub(start), cfg.PollTimeout+cfg.PollInterval)
	require.Equal(t, DefaultMessages().Timeout, sender.sent[len(sender.sent)-1])
}

func TestHandle_PollError(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("never sent")
	assistant.getRunErr = errors.New("upstream 500")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorUpstream, "run_poll_failed")
	require.Equal(t, DefaultMessages().Generic, sender.sent[len(sender.sent)-1])
}

func TestHandle_RunRequiresAction(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("never sent")
	assistant.statuses = []domain.RunStatus{domain.RunRequiresAction}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("use a tool"))
	requireCode(t, err, ErrorUnsupported, "run_requires_action")
	require.Equal(t, DefaultMessages().RequiresAction, sender.sent[len(sender.sent)-1])
}

func TestHandle_RunFailureStatus(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("never sent")
	assistant.statuses = []domain.RunStatus{domain.RunExpired}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorUpstream, "run_expired")
	want := fmt.Sprintf(DefaultMessages().RunFailed, domain.RunExpired)
	require.Equal(t, want, sender.sent[len(sender.sent)-1])
}

func TestHandle_EmptyAssistantReply(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("")
	assistant.messages = []domain.ThreadMessage{
		{ID: "msg_1", Role: "user", RunID: "", Text: "question"},
	}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorUpstream, "empty_assistant_reply")
	require.Equal(t, DefaultMessages().NoReply, sender.sent[len(sender.sent)-1])
}

func TestHandle_MessageListFailure(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("never sent")
	assistant.listErr = errors.New("upstream 500")
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorUpstream, "message_list_failed")
}

func TestHandle_ReplyDeliveryFailure(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("the answer")
	sender := &fakeSender{failOnCall: 2}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	err := r.Handle(context.Background(), textMsg("more"))
	requireCode(t, err, ErrorDelivery, "reply_send_failed")
	require.Equal(t, 1, sessions.released)
}

func TestHandle_EmptyTextIsIgnored(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := &fakeAssistant{}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("   \n")))
	require.Empty(t, sender.sent)
	require.Empty(t, assistant.added)
}

func TestCollectReply_ChronologicalMultiPart(t *testing.T) {
	sessions := &fakeSessions{state: domain.StateConversing}
	assistant := completedAssistant("")
	// Newest first, mixed with another run's output and a blank message.
	assistant.messages = []domain.ThreadMessage{
		{ID: "msg_5", Role: domain.RoleAssistant, RunID: "run_1", Text: "second part"},
		{ID: "msg_4", Role: domain.RoleAssistant, RunID: "run_1", Text: "   "},
		{ID: "msg_3", Role: domain.RoleAssistant, RunID: "run_1", Text: "first part"},
		{ID: "msg_2", Role: domain.RoleAssistant, RunID: "run_0", Text: "stale reply"},
		{ID: "msg_1", Role: "user", RunID: "", Text: "question"},
	}
	sender := &fakeSender{}
	r, _ := newTestRelay(t, sessions, assistant, sender, testConfig())

	require.NoError(t, r.Handle(context.Background(), textMsg("more")))
	require.Equal(t, "first part\n\nsecond part", sender.sent[len(sender.sent)-1])
}

func TestMessagesMerged_FillsBlanks(t *testing.T) {
	m := Messages{Welcome1: "custom hello"}.merged()
	def := DefaultMessages()
	require.Equal(t, "custom hello", m.Welcome1)
	require.Equal(t, def.Welcome2, m.Welcome2)
	require.Equal(t, def.Generic, m.Generic)
}
