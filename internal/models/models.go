package models

import "time"

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	PublicKey JWK       `json:"publicKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindImage
}

// Encrypted is the wire form of an AEAD payload. Both fields are canonical
// standard base64.
type Encrypted struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

type Message struct {
	ID              string    `json:"id"`
	SenderID        string    `json:"senderId"`
	ReceiverID      string    `json:"receiverId"`
	Encrypted       Encrypted `json:"encrypted"`
	Kind            Kind      `json:"kind"`
	Status          Status    `json:"status"`
	SenderPublicKey JWK       `json:"senderPublicKey,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Peer returns the other participant of m as seen by self.
func (m *Message) Peer(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}
