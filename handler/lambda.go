package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// Lambda adapts the webhook ingress to an API Gateway v2 function. Unlike the
// server ingress it processes the message before returning the 200: the
// Lambda runtime freezes the process as soon as the handler returns, so there
// is no detached goroutine to hand off to.
type Lambda struct {
	relay       Relay
	verifyToken string
	logger      *slog.Logger
}

// NewLambda creates the Lambda ingress.
func NewLambda(relay Relay, verifyToken string, logger *slog.Logger) (*Lambda, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if verifyToken == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lambda{relay: relay, verifyToken: verifyToken, logger: logger}, nil
}

// Handle is the Lambda entrypoint for both the verification handshake and
// event delivery.
func (l *Lambda) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	switch req.RequestContext.HTTP.Method {
	case http.MethodGet:
		return l.handleVerify(req), nil
	case http.MethodPost:
		return l.handleEvent(ctx, req), nil
	default:
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNotFound}, nil
	}
}

func (l *Lambda) handleVerify(req events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	q := req.QueryStringParameters
	if q["hub.mode"] == "subscribe" && q["hub.verify_token"] == l.verifyToken && q["hub.challenge"] != "" {
		l.logger.Info("webhook verified")
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusOK, Body: q["hub.challenge"]}
	}
	l.logger.Warn("webhook verification failed", "mode", q["hub.mode"])
	return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusForbidden}
}

func (l *Lambda) handleEvent(ctx context.Context, req events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	msg, parseErr := parseEnvelope([]byte(req.Body))
	switch {
	case errors.Is(parseErr, errNotWhatsApp):
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNotFound}
	case errors.Is(parseErr, errBadPayload):
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest}
	}
	if msg == nil {
		return ackResponse()
	}

	logger := l.logger.With("sender", msg.SenderID, "type", msg.Type)
	logger.Info("webhook event received")
	if err := l.relay.Handle(ctx, *msg); err != nil {
		// The platform still gets its 200; retrying the webhook would only
		// duplicate user-visible messages.
		logger.Error("message handling failed", "err", err)
	}
	return ackResponse()
}

func ackResponse() events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusOK, Body: "EVENT_RECEIVED"}
}
