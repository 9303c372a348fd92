package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"whatsapp-relay/internal/domain"
)

const (
	defaultHandleTimeout = 3 * time.Minute
	maxBodyBytes         = 1 << 20
)

var (
	errBadPayload  = errors.New("handler: payload is not valid JSON")
	errNotWhatsApp = errors.New("handler: payload is not a whatsapp business event")
)

// Relay is the orchestrator contract the ingress dispatches into.
type Relay interface {
	Handle(ctx context.Context, msg domain.InboundMessage) error
}

// Webhook is the HTTP ingress for the WhatsApp Business webhook: the GET
// verification handshake and the POST event feed. Events are acknowledged
// with a 200 before processing starts, per the platform's retry-avoidance
// contract, so all processing errors end in the log rather than the response.
type Webhook struct {
	relay         Relay
	verifyToken   string
	logger        *slog.Logger
	handleTimeout time.Duration

	// dispatch runs the detached processing function. Tests replace it with
	// a synchronous call.
	dispatch func(fn func())
}

// NewWebhook creates the ingress.
func NewWebhook(relay Relay, verifyToken string, logger *slog.Logger) (*Webhook, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if verifyToken == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		relay:         relay,
		verifyToken:   verifyToken,
		logger:        logger,
		handleTimeout: defaultHandleTimeout,
		dispatch:      func(fn func()) { go fn() },
	}, nil
}

// Register mounts the webhook routes on the given mux.
func (w *Webhook) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhook", w.verify)
	mux.HandleFunc("POST /webhook", w.receive)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
}

// verify answers Meta's subscription handshake: echo the challenge when the
// token matches, 403 otherwise.
func (w *Webhook) verify(rw http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && token == w.verifyToken && challenge != "" {
		w.logger.Info("webhook verified")
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(challenge))
		return
	}
	w.logger.Warn("webhook verification failed", "mode", mode)
	rw.WriteHeader(http.StatusForbidden)
}

func (w *Webhook) receive(rw http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	msg, parseErr := parseEnvelope(body)
	switch {
	case errors.Is(parseErr, errNotWhatsApp):
		rw.WriteHeader(http.StatusNotFound)
		return
	case errors.Is(parseErr, errBadPayload):
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	// Acknowledge first; processing happens after the platform already has
	// its 200.
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("EVENT_RECEIVED"))

	if msg == nil {
		return
	}

	m := *msg
	logger := w.logger.With("sender", m.SenderID, "type", m.Type)
	logger.Info("webhook event received")

	w.dispatch(func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic while handling message", "panic", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), w.handleTimeout)
		defer cancel()
		if err := w.relay.Handle(ctx, m); err != nil {
			logger.Error("message handling failed", "err", err)
		}
	})
}
