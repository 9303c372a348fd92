package handler

import (
	"encoding/json"

	"whatsapp-relay/internal/domain"
)

// envelope is the subset of the WhatsApp Business webhook payload the relay
// cares about. Everything else (statuses, contacts, metadata) is ignored.
type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// parseEnvelope unwraps a webhook body into a normalized inbound message.
// It returns (nil, nil) for payloads that carry no message entry, such as
// delivery status receipts, which still must be acknowledged with a 200.
// errNotWhatsApp is returned for payloads that are not WhatsApp Business
// events at all.
func parseEnvelope(body []byte) (*domain.InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errBadPayload
	}
	if env.Object != "whatsapp_business_account" {
		return nil, errNotWhatsApp
	}
	if len(env.Entry) == 0 || len(env.Entry[0].Changes) == 0 || len(env.Entry[0].Changes[0].Value.Messages) == 0 {
		return nil, nil
	}
	m := env.Entry[0].Changes[0].Value.Messages[0]
	if m.From == "" {
		return nil, nil
	}
	return &domain.InboundMessage{
		SenderID: m.From,
		Type:     domain.MessageType(m.Type),
		Text:     m.Text.Body,
	}, nil
}
