package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pliu/cipherchat/internal/bus"
	"github.com/pliu/cipherchat/internal/models"
	"github.com/pliu/cipherchat/internal/presence"
	jww "github.com/spf13/jwalterweatherman"
)

const publishTimeout = 2 * time.Second

// DeliveryTracker is the part of delivery.Tracker the hub drives from
// connection events.
type DeliveryTracker interface {
	Connected(receiverID string) error
	Acknowledge(receiverID, messageID string) error
	MarkRead(readerID, senderID string) (int64, error)
}

// inbound is one event read from a client connection.
type inbound struct {
	client *Client
	event  string
	data   []byte
}

type Hub struct {
	// Routed connections, one per user.
	presence *presence.Registry[*Client]

	// Inbound events from the clients.
	inbound chan inbound

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	bus         bus.Bus
	tracker     DeliveryTracker
	inboundRate int
}

func NewHub(b bus.Bus, inboundRate int) *Hub {
	return &Hub{
		presence:    presence.NewRegistry[*Client](),
		inbound:     make(chan inbound),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		bus:         b,
		inboundRate: inboundRate,
	}
}

// SetTracker wires delivery tracking. It must be called before Run.
func (h *Hub) SetTracker(t DeliveryTracker) {
	h.tracker = t
}

// Run is the hub's event loop. Presence changes and inbound client events
// are handled here one at a time.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if err := h.bus.Subscribe(ctx, h.deliver); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case client := <-h.register:
			if prev, replaced := h.presence.Connect(client.userID, client); replaced {
				jww.DEBUG.Printf("[WS] %s reconnected, dropping route to %p", client.userID, prev)
			}
			jww.INFO.Printf("[WS] %s connected", client.userID)
			h.broadcastOnline()
			if h.tracker != nil {
				if err := h.tracker.Connected(client.userID); err != nil {
					jww.ERROR.Printf("[WS] delivery on connect for %s: %+v", client.userID, err)
				}
			}
		case client := <-h.unregister:
			client.close()
			if h.presence.Disconnect(client.userID, client) {
				jww.INFO.Printf("[WS] %s disconnected", client.userID)
				h.broadcastOnline()
			}
		case in := <-h.inbound:
			h.handle(in)
		}
	}
}

// Online returns the users with a routed connection on this instance.
func (h *Hub) Online() []string {
	return h.presence.Online()
}

// Notify publishes an event for userID. Failures are logged and dropped;
// clients recover state by refetching.
func (h *Hub) Notify(userID, event string, data interface{}) {
	payload, err := encode(event, data)
	if err != nil {
		jww.ERROR.Printf("[WS] encode %s: %v", event, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, userID, payload); err != nil {
		jww.WARN.Printf("[WS] publish %s to %s: %v", event, userID, err)
	}
}

// deliver hands a published payload to the local connection of userID.
func (h *Hub) deliver(userID string, payload []byte) {
	client, ok := h.presence.Lookup(userID)
	if !ok {
		return
	}
	if !client.trySend(payload) {
		jww.WARN.Printf("[WS] dropped push to %s: send buffer full", userID)
	}
}

func (h *Hub) broadcastOnline() {
	payload, err := encode(models.EventOnlineUsers, h.presence.Online())
	if err != nil {
		jww.ERROR.Printf("[WS] encode online users: %v", err)
		return
	}
	h.presence.Each(func(_ string, c *Client) {
		c.trySend(payload)
	})
}

func (h *Hub) handle(in inbound) {
	from := in.client.userID
	switch in.event {
	case models.EventSendPublicKey:
		var offer models.PublicKeyOffer
		if err := json.Unmarshal(in.data, &offer); err != nil || offer.To == "" {
			jww.WARN.Printf("[WS] bad %s from %s", in.event, from)
			return
		}
		key := offer.PublicKey.Sanitize()
		if err := key.Validate(); err != nil {
			jww.WARN.Printf("[WS] rejected public key from %s: %v", from, err)
			return
		}
		h.Notify(offer.To, models.EventReceivePublicKey, models.PublicKeyRelay{From: from, PublicKey: key})

	case models.EventMessageDelivered:
		var ack models.DeliveryAck
		if err := json.Unmarshal(in.data, &ack); err != nil || ack.MessageID == "" {
			jww.WARN.Printf("[WS] bad %s from %s", in.event, from)
			return
		}
		if h.tracker != nil {
			if err := h.tracker.Acknowledge(from, ack.MessageID); err != nil {
				jww.ERROR.Printf("[WS] %+v", err)
			}
		}

	case models.EventMarkAsRead:
		var receipt models.ReadReceipt
		if err := json.Unmarshal(in.data, &receipt); err != nil || receipt.SenderID == "" {
			jww.WARN.Printf("[WS] bad %s from %s", in.event, from)
			return
		}
		// only the reader may mark its own inbox
		if receipt.ReceiverID != "" && receipt.ReceiverID != from {
			jww.WARN.Printf("[WS] %s tried to mark %s's messages read", from, receipt.ReceiverID)
			return
		}
		if h.tracker != nil {
			if _, err := h.tracker.MarkRead(from, receipt.SenderID); err != nil {
				jww.ERROR.Printf("[WS] %+v", err)
			}
		}

	default:
		jww.DEBUG.Printf("[WS] ignoring event %q from %s", in.event, from)
	}
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Event: event, Data: raw})
}
