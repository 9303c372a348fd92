package domain

// MessageType classifies a normalized inbound webhook message. The platform
// sends many more types (image, audio, reaction, status receipts); anything
// other than text or the welcome trigger is ignored by the relay.
type MessageType string

const (
	MessageText    MessageType = "text"
	MessageWelcome MessageType = "request_welcome"
)

// InboundMessage is the normalized tuple the webhook ingress hands to the relay.
type InboundMessage struct {
	SenderID string
	Type     MessageType
	Text     string
}
