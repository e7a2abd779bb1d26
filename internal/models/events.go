package models

import "encoding/json"

// Live connection event names.
const (
	EventSendPublicKey        = "send-public-key"
	EventReceivePublicKey     = "receive-public-key"
	EventNewMessage           = "newMessage"
	EventMessageDelivered     = "message_delivered"
	EventMarkAsRead           = "mark_as_read"
	EventMessageStatusUpdated = "message_status_updated"
	EventMessagesRead         = "messages_read"
	EventOnlineUsers          = "getOnlineUsers"
)

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type PublicKeyOffer struct {
	To        string `json:"to"`
	PublicKey JWK    `json:"publicKey"`
}

type PublicKeyRelay struct {
	From      string `json:"from"`
	PublicKey JWK    `json:"publicKey"`
}

type NewMessage struct {
	From string  `json:"from"`
	Msg  Message `json:"msg"`
}

type DeliveryAck struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

type StatusUpdate struct {
	MessageID string `json:"messageId"`
	Status    Status `json:"status"`
}

// ReadReceipt names the (sender, receiver) pair whose messages were read in
// one batch. It is used both for mark_as_read and messages_read.
type ReadReceipt struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}
